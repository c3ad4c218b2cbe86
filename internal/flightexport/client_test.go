package flightexport

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/23skdu/longbow-steer/internal/dump"
)

func TestNewFlightClient(t *testing.T) {
	tests := []struct {
		addr    string
		want    string
		wantErr bool
	}{
		{"localhost", "localhost:3000", false},
		{"localhost:4000", "localhost:4000", false},
		{"10.0.0.1", "10.0.0.1:3000", false},
		{"", "", true},
	}
	for _, tt := range tests {
		fc, err := NewFlightClient(tt.addr)
		if (err != nil) != tt.wantErr {
			t.Errorf("NewFlightClient(%q) err = %v", tt.addr, err)
			continue
		}
		if err == nil && fc.Addr() != tt.want {
			t.Errorf("NewFlightClient(%q).Addr() = %q, want %q", tt.addr, fc.Addr(), tt.want)
		}
	}
}

func TestDoPutNotConnected(t *testing.T) {
	fc, err := NewFlightClient("localhost")
	if err != nil {
		t.Fatal(err)
	}
	if err := fc.DoPut(context.Background(), DescriptorPath("linear", 1), nil); !errors.Is(err, ErrNotConnected) {
		t.Errorf("err = %v, want ErrNotConnected", err)
	}
	if err := fc.Close(); err != nil {
		t.Errorf("Close on unconnected client: %v", err)
	}
}

func testRecords(t *testing.T, mem memory.Allocator) (dump.Header, []dump.Row, []arrow.Record) {
	t.Helper()
	h := dump.Header{EditorType: "random", Layer: 0, Hidden: 2, EntityLayers: []int{0}, RunID: "r"}
	rows := []dump.Row{
		{ID: "a", Entity: "x", Direction: []float32{1, 2}, HAttr: []float32{3, 4}, HEntity: map[int][]float32{0: {5, 6}}},
		{ID: "b", Entity: "y", Direction: []float32{-1, 0}, HAttr: []float32{0, 1}, HEntity: map[int][]float32{0: {2, 2}}},
	}
	var recs []arrow.Record
	for i := range rows {
		rec, err := dump.NewRecord(mem, h, rows[i:i+1])
		if err != nil {
			t.Fatalf("NewRecord: %v", err)
		}
		recs = append(recs, rec)
	}
	return h, rows, recs
}

func TestDoPutRoundTrip(t *testing.T) {
	recv, err := NewReceiver("localhost:0")
	if err != nil {
		t.Fatalf("NewReceiver: %v", err)
	}
	defer func() { _ = recv.Close() }()

	fc, err := NewFlightClient(recv.Addr())
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	if err := fc.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer func() { _ = fc.Close() }()

	h, rows, recs := testRecords(t, memory.NewGoAllocator())
	defer func() {
		for _, rec := range recs {
			rec.Release()
		}
	}()
	path := DescriptorPath(h.EditorType, h.Layer)
	if err := fc.DoPut(ctx, path, recs); err != nil {
		t.Fatalf("DoPut: %v", err)
	}

	got := recv.Records(path)
	if len(got) != len(recs) {
		t.Fatalf("received %d records, want %d", len(got), len(recs))
	}
	gotH, err := dump.HeaderFromSchema(got[0].Schema())
	if err != nil {
		t.Fatalf("HeaderFromSchema: %v", err)
	}
	if !reflect.DeepEqual(gotH, h) {
		t.Errorf("header = %+v, want %+v", gotH, h)
	}
	var all []dump.Row
	for _, rec := range got {
		batch, err := dump.Rows(rec, gotH)
		if err != nil {
			t.Fatalf("Rows: %v", err)
		}
		all = append(all, batch...)
	}
	if !reflect.DeepEqual(all, rows) {
		t.Errorf("rows = %+v, want %+v", all, rows)
	}
	if other := recv.Records(DescriptorPath(h.EditorType, h.Layer+1)); len(other) != 0 {
		t.Errorf("unexpected records under another path: %d", len(other))
	}
}

func TestDoPutEmpty(t *testing.T) {
	recv, err := NewReceiver("localhost:0")
	if err != nil {
		t.Fatalf("NewReceiver: %v", err)
	}
	defer func() { _ = recv.Close() }()
	fc, _ := NewFlightClient(recv.Addr())
	if err := fc.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer func() { _ = fc.Close() }()
	if err := fc.DoPut(context.Background(), DescriptorPath("linear", 0), nil); err == nil {
		t.Error("expected error for empty put")
	}
}

func TestDescriptorPath(t *testing.T) {
	if got := DescriptorPath("linear", 12); !reflect.DeepEqual(got, []string{"directions", "linear", "12"}) {
		t.Errorf("DescriptorPath = %v", got)
	}
}
