package dump

import (
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/apache/arrow-go/v18/arrow/memory"
)

func testHeader() Header {
	return Header{EditorType: "linear", Layer: 1, Hidden: 3, EntityLayers: []int{1, 2}, RunID: "run-1"}
}

func testRows() []Row {
	return []Row{
		{
			ID: "a", Entity: "paris", Prompt: "paris is in", Context: "paris is big", Attribute: "paris is big",
			Direction: []float32{1, 2, 3}, HAttr: []float32{0.5, 0, -1},
			HEntity: map[int][]float32{1: {1, 1, 1}, 2: {2, 2, 2}},
		},
		{
			ID: "b", Entity: "rome", Prompt: "rome is in", Context: "rome is old", Attribute: "rome is old",
			Direction: []float32{-1, 0, 4}, HAttr: []float32{3, 3, 3},
			HEntity: map[int][]float32{1: {0, 1, 0}, 2: {7, 8, 9}},
		},
	}
}

func TestSchemaHeaderRoundTrip(t *testing.T) {
	h := testHeader()
	s := Schema(h)
	if s.NumFields() != 9 {
		t.Fatalf("fields = %d, want 9", s.NumFields())
	}
	if got := s.Field(8).Name; got != "h_entity.2" {
		t.Errorf("last field = %q, want h_entity.2", got)
	}
	got, err := HeaderFromSchema(s)
	if err != nil {
		t.Fatalf("HeaderFromSchema: %v", err)
	}
	if !reflect.DeepEqual(got, h) {
		t.Errorf("header = %+v, want %+v", got, h)
	}
}

func TestRecordRoundTrip(t *testing.T) {
	mem := memory.NewCheckedAllocator(memory.NewGoAllocator())
	defer mem.AssertSize(t, 0)

	h := testHeader()
	rec, err := NewRecord(mem, h, testRows())
	if err != nil {
		t.Fatalf("NewRecord: %v", err)
	}
	defer rec.Release()

	if rec.NumRows() != 2 {
		t.Fatalf("rows = %d, want 2", rec.NumRows())
	}
	rows, err := Rows(rec, h)
	if err != nil {
		t.Fatalf("Rows: %v", err)
	}
	if !reflect.DeepEqual(rows, testRows()) {
		t.Errorf("rows = %+v", rows)
	}
}

func TestNewRecordErrors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Row)
		want   string
	}{
		{"short direction", func(r *Row) { r.Direction = r.Direction[:2] }, "direction of a"},
		{"long h_attr", func(r *Row) { r.HAttr = append(r.HAttr, 1) }, "h_attr of a"},
		{"missing layer", func(r *Row) { delete(r.HEntity, 2) }, "layer 2"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mem := memory.NewCheckedAllocator(memory.NewGoAllocator())
			defer mem.AssertSize(t, 0)
			rows := testRows()
			tt.mutate(&rows[0])
			_, err := NewRecord(mem, testHeader(), rows)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("err = %v, want mention of %q", err, tt.want)
			}
		})
	}
}

func TestWriterReadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dump.arrow")
	h := testHeader()
	w, err := Create(path, h)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	rows := testRows()
	for _, batch := range [][]Row{rows[:1], rows[1:]} {
		rec, err := w.Write(batch)
		if err != nil {
			t.Fatalf("Write: %v", err)
		}
		rec.Release()
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	gotH, got, err := ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !reflect.DeepEqual(gotH, h) {
		t.Errorf("header = %+v, want %+v", gotH, h)
	}
	if !reflect.DeepEqual(got, rows) {
		t.Errorf("rows = %+v, want %+v", got, rows)
	}
}

func TestCreateNeedsHidden(t *testing.T) {
	if _, err := Create(filepath.Join(t.TempDir(), "x.arrow"), Header{}); err == nil {
		t.Error("expected error for zero hidden size")
	}
}

func TestReadFileMissing(t *testing.T) {
	if _, _, err := ReadFile(filepath.Join(t.TempDir(), "none.arrow")); err == nil {
		t.Error("expected error")
	}
}
