package flightexport

import (
	"fmt"
	"strings"
	"sync"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/flight"

	"github.com/23skdu/longbow-steer/internal/logger"
)

// Receiver is a Flight service that keeps every put record in memory,
// keyed by the joined descriptor path.
type Receiver struct {
	flight.BaseFlightServer

	mu      sync.RWMutex
	data    map[string][]arrow.Record
	server  flight.Server
	serveCh chan error
}

// NewReceiver starts serving on addr; "localhost:0" picks a free port.
func NewReceiver(addr string) (*Receiver, error) {
	r := &Receiver{data: make(map[string][]arrow.Record), serveCh: make(chan error, 1)}
	r.server = flight.NewServerWithMiddleware(nil)
	if err := r.server.Init(addr); err != nil {
		return nil, fmt.Errorf("flight receiver init: %w", err)
	}
	r.server.RegisterFlightService(r)
	go func() { r.serveCh <- r.server.Serve() }()
	logger.Log.Debug("flight receiver listening", "addr", r.Addr())
	return r, nil
}

func (r *Receiver) Addr() string { return r.server.Addr().String() }

func (r *Receiver) DoPut(stream flight.FlightService_DoPutServer) error {
	rdr, err := flight.NewRecordReader(stream)
	if err != nil {
		return err
	}
	defer rdr.Release()

	desc := rdr.LatestFlightDescriptor()
	if desc == nil || desc.Type != flight.DescriptorPATH || len(desc.Path) == 0 {
		return fmt.Errorf("flight put needs a path descriptor")
	}
	key := strings.Join(desc.Path, "/")
	var got []arrow.Record
	for rdr.Next() {
		rec := rdr.Record()
		rec.Retain()
		got = append(got, rec)
	}
	if err := rdr.Err(); err != nil {
		for _, rec := range got {
			rec.Release()
		}
		return err
	}

	r.mu.Lock()
	r.data[key] = append(r.data[key], got...)
	r.mu.Unlock()
	return stream.Send(&flight.PutResult{})
}

// Records returns what was put under path. The records stay owned by r.
func (r *Receiver) Records(path []string) []arrow.Record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]arrow.Record(nil), r.data[strings.Join(path, "/")]...)
}

func (r *Receiver) Close() error {
	r.server.Shutdown()
	err := <-r.serveCh
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, recs := range r.data {
		for _, rec := range recs {
			rec.Release()
		}
		delete(r.data, key)
	}
	return err
}
