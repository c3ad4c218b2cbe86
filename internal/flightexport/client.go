package flightexport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/23skdu/longbow-steer/internal/logger"
	"github.com/23skdu/longbow-steer/internal/metrics"
)

// PortData is the Flight port used when an address carries none.
const PortData = 3000

var ErrNotConnected = errors.New("flight client not connected, call Connect first")

// DescriptorPath is the Flight path directions of one editor are put under.
func DescriptorPath(editorType string, layer int) []string {
	return []string{"directions", editorType, strconv.Itoa(layer)}
}

// FlightClient pushes direction records to an Arrow Flight service.
type FlightClient struct {
	client  flight.Client
	addr    string
	timeout time.Duration
}

// NewFlightClient prepares a client for addr ("host" or "host:port").
func NewFlightClient(addr string) (*FlightClient, error) {
	if addr == "" {
		return nil, errors.New("flight address is empty")
	}
	if _, _, err := net.SplitHostPort(addr); err != nil {
		addr = net.JoinHostPort(addr, strconv.Itoa(PortData))
	}
	return &FlightClient{addr: addr, timeout: 30 * time.Second}, nil
}

func (fc *FlightClient) Addr() string { return fc.addr }

// Connect establishes the gRPC channel.
func (fc *FlightClient) Connect(ctx context.Context) error {
	client, err := flight.NewClientWithMiddleware(fc.addr, nil, nil,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("failed to create Flight client: %w", err)
	}
	fc.client = client
	logger.Log.Debug("flight client ready", "addr", fc.addr)
	return nil
}

func (fc *FlightClient) Close() error {
	if fc.client == nil {
		return nil
	}
	err := fc.client.Close()
	fc.client = nil
	return err
}

// DoPut streams recs under path in a single DoPut call. All records must
// share one schema.
func (fc *FlightClient) DoPut(ctx context.Context, path []string, recs []arrow.Record) (err error) {
	if fc.client == nil {
		return ErrNotConnected
	}
	if len(recs) == 0 {
		return errors.New("no records provided")
	}
	key := strings.Join(path, "/")
	var rows int64
	defer func() { metrics.RecordFlightPut(key, rows, err) }()

	ctx, cancel := context.WithTimeout(ctx, fc.timeout)
	defer cancel()

	stream, err := fc.client.DoPut(ctx)
	if err != nil {
		return fmt.Errorf("flight DoPut %s: %w", key, err)
	}
	w := flight.NewRecordWriter(stream, ipc.WithSchema(recs[0].Schema()))
	w.SetFlightDescriptor(&flight.FlightDescriptor{Type: flight.DescriptorPATH, Path: path})
	for _, rec := range recs {
		if !rec.Schema().Equal(recs[0].Schema()) {
			_ = w.Close()
			return fmt.Errorf("flight DoPut %s: records have different schemas", key)
		}
		if err := w.Write(rec); err != nil {
			_ = w.Close()
			return fmt.Errorf("flight DoPut %s: %w", key, err)
		}
		rows += rec.NumRows()
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("flight DoPut %s: %w", key, err)
	}
	if err := stream.CloseSend(); err != nil {
		return fmt.Errorf("flight DoPut %s: %w", key, err)
	}
	for {
		if _, err := stream.Recv(); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return fmt.Errorf("flight DoPut %s: %w", key, err)
		}
	}
	logger.Log.Info("directions exported", "addr", fc.addr, "path", key, "rows", rows)
	return nil
}
