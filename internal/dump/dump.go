package dump

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/23skdu/longbow-steer/internal/logger"
)

const (
	FieldID        = "id"
	FieldEntity    = "entity"
	FieldPrompt    = "prompt"
	FieldContext   = "context"
	FieldAttribute = "attribute"
	FieldDirection = "direction"
	FieldHAttr     = "h_attr"

	entityPrefix = "h_entity."

	metaEditorType = "editor_type"
	metaLayer      = "layer"
	metaHidden     = "hidden_size"
	metaRunID      = "run_id"
)

var textFields = []string{FieldID, FieldEntity, FieldPrompt, FieldContext, FieldAttribute}

// EntityField names the column holding the entity hidden state at layer.
func EntityField(layer int) string {
	return entityPrefix + strconv.Itoa(layer)
}

// Header describes a dump: which editor produced the directions and which
// layers' entity states it carries.
type Header struct {
	EditorType string
	Layer      int
	Hidden     int
	// EntityLayers lists the layers stored as h_entity.<L> columns.
	EntityLayers []int
	RunID        string
}

// Row is one sample's direction with the hidden states around it.
type Row struct {
	ID        string
	Entity    string
	Prompt    string
	Context   string
	Attribute string
	Direction []float32
	HAttr     []float32
	HEntity   map[int][]float32
}

func (h Header) vectorType() arrow.DataType {
	return arrow.FixedSizeListOf(int32(h.Hidden), arrow.PrimitiveTypes.Float32)
}

// Schema is the Arrow schema of h's records. The header itself travels as
// schema metadata.
func Schema(h Header) *arrow.Schema {
	fields := make([]arrow.Field, 0, len(textFields)+2+len(h.EntityLayers))
	for _, name := range textFields {
		fields = append(fields, arrow.Field{Name: name, Type: arrow.BinaryTypes.String})
	}
	fields = append(fields,
		arrow.Field{Name: FieldDirection, Type: h.vectorType()},
		arrow.Field{Name: FieldHAttr, Type: h.vectorType()},
	)
	for _, l := range h.EntityLayers {
		fields = append(fields, arrow.Field{Name: EntityField(l), Type: h.vectorType()})
	}
	md := arrow.NewMetadata(
		[]string{metaEditorType, metaLayer, metaHidden, metaRunID},
		[]string{h.EditorType, strconv.Itoa(h.Layer), strconv.Itoa(h.Hidden), h.RunID},
	)
	return arrow.NewSchema(fields, &md)
}

// HeaderFromSchema recovers the header written by Schema.
func HeaderFromSchema(s *arrow.Schema) (Header, error) {
	md := s.Metadata()
	get := func(key string) (string, error) {
		i := md.FindKey(key)
		if i < 0 {
			return "", fmt.Errorf("dump schema has no %q metadata", key)
		}
		return md.Values()[i], nil
	}
	var h Header
	var err error
	if h.EditorType, err = get(metaEditorType); err != nil {
		return h, err
	}
	if h.RunID, err = get(metaRunID); err != nil {
		return h, err
	}
	for key, dst := range map[string]*int{metaLayer: &h.Layer, metaHidden: &h.Hidden} {
		v, err := get(key)
		if err != nil {
			return h, err
		}
		if *dst, err = strconv.Atoi(v); err != nil {
			return h, fmt.Errorf("dump metadata %s: %w", key, err)
		}
	}
	for _, f := range s.Fields() {
		if rest, ok := strings.CutPrefix(f.Name, entityPrefix); ok {
			l, err := strconv.Atoi(rest)
			if err != nil {
				return h, fmt.Errorf("dump column %s: %w", f.Name, err)
			}
			h.EntityLayers = append(h.EntityLayers, l)
		}
	}
	sort.Ints(h.EntityLayers)
	return h, nil
}

func appendVector(b *array.FixedSizeListBuilder, v []float32, hidden int, what string) error {
	if len(v) != hidden {
		return fmt.Errorf("%s has size %d, want %d", what, len(v), hidden)
	}
	b.Append(true)
	b.ValueBuilder().(*array.Float32Builder).AppendValues(v, nil)
	return nil
}

// NewRecord builds one record from rows. The caller releases it.
func NewRecord(mem memory.Allocator, h Header, rows []Row) (arrow.Record, error) {
	schema := Schema(h)
	b := array.NewRecordBuilder(mem, schema)
	defer b.Release()

	for _, r := range rows {
		for i, v := range []string{r.ID, r.Entity, r.Prompt, r.Context, r.Attribute} {
			b.Field(i).(*array.StringBuilder).Append(v)
		}
		col := len(textFields)
		if err := appendVector(b.Field(col).(*array.FixedSizeListBuilder), r.Direction, h.Hidden, "direction of "+r.ID); err != nil {
			return nil, err
		}
		if err := appendVector(b.Field(col+1).(*array.FixedSizeListBuilder), r.HAttr, h.Hidden, "h_attr of "+r.ID); err != nil {
			return nil, err
		}
		for i, l := range h.EntityLayers {
			v, ok := r.HEntity[l]
			if !ok {
				return nil, fmt.Errorf("row %s has no entity state for layer %d", r.ID, l)
			}
			if err := appendVector(b.Field(col+2+i).(*array.FixedSizeListBuilder), v, h.Hidden, EntityField(l)+" of "+r.ID); err != nil {
				return nil, err
			}
		}
	}
	return b.NewRecord(), nil
}

func vectorAt(col arrow.Array, row int) ([]float32, error) {
	fsl, ok := col.(*array.FixedSizeList)
	if !ok {
		return nil, fmt.Errorf("column is %s, not a fixed size list", col.DataType())
	}
	values, ok := fsl.ListValues().(*array.Float32)
	if !ok {
		return nil, fmt.Errorf("list values are %s, not float32", fsl.ListValues().DataType())
	}
	start, end := fsl.ValueOffsets(row)
	return append([]float32(nil), values.Float32Values()[start:end]...), nil
}

// Rows decodes a record produced by NewRecord.
func Rows(rec arrow.Record, h Header) ([]Row, error) {
	schema := rec.Schema()
	index := func(name string) (int, error) {
		idx := schema.FieldIndices(name)
		if len(idx) == 0 {
			return 0, fmt.Errorf("record has no %s column", name)
		}
		return idx[0], nil
	}
	cols := make(map[string]arrow.Array)
	names := append(append([]string(nil), textFields...), FieldDirection, FieldHAttr)
	for _, l := range h.EntityLayers {
		names = append(names, EntityField(l))
	}
	for _, name := range names {
		i, err := index(name)
		if err != nil {
			return nil, err
		}
		cols[name] = rec.Column(i)
	}
	text := func(name string, row int) (string, error) {
		s, ok := cols[name].(*array.String)
		if !ok {
			return "", fmt.Errorf("column %s is %s, not utf8", name, cols[name].DataType())
		}
		return s.Value(row), nil
	}

	out := make([]Row, rec.NumRows())
	for i := range out {
		r := &out[i]
		var err error
		for name, dst := range map[string]*string{
			FieldID: &r.ID, FieldEntity: &r.Entity, FieldPrompt: &r.Prompt,
			FieldContext: &r.Context, FieldAttribute: &r.Attribute,
		} {
			if *dst, err = text(name, i); err != nil {
				return nil, err
			}
		}
		if r.Direction, err = vectorAt(cols[FieldDirection], i); err != nil {
			return nil, err
		}
		if r.HAttr, err = vectorAt(cols[FieldHAttr], i); err != nil {
			return nil, err
		}
		r.HEntity = make(map[int][]float32, len(h.EntityLayers))
		for _, l := range h.EntityLayers {
			if r.HEntity[l], err = vectorAt(cols[EntityField(l)], i); err != nil {
				return nil, err
			}
		}
	}
	return out, nil
}

// Writer appends records to an Arrow IPC file.
type Writer struct {
	h    Header
	mem  memory.Allocator
	f    *os.File
	w    *ipc.FileWriter
	rows int
}

func Create(path string, h Header) (*Writer, error) {
	if h.Hidden <= 0 {
		return nil, errors.New("dump header needs a hidden size")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	mem := memory.NewGoAllocator()
	w, err := ipc.NewFileWriter(f, ipc.WithSchema(Schema(h)), ipc.WithAllocator(mem))
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return &Writer{h: h, mem: mem, f: f, w: w}, nil
}

func (w *Writer) Header() Header { return w.h }

// Write appends rows as one record and returns it for further use; the
// caller releases the returned record.
func (w *Writer) Write(rows []Row) (arrow.Record, error) {
	rec, err := NewRecord(w.mem, w.h, rows)
	if err != nil {
		return nil, err
	}
	if err := w.w.Write(rec); err != nil {
		rec.Release()
		return nil, err
	}
	w.rows += len(rows)
	return rec, nil
}

func (w *Writer) Close() error {
	err := w.w.Close()
	if cerr := w.f.Close(); err == nil {
		err = cerr
	}
	logger.Log.Info("direction dump written", "path", w.f.Name(), "rows", w.rows, "layer", w.h.Layer)
	return err
}

// ReadFile loads every row of a dump written by Writer.
func ReadFile(path string) (Header, []Row, error) {
	f, err := os.Open(path)
	if err != nil {
		return Header{}, nil, err
	}
	defer func() { _ = f.Close() }()

	r, err := ipc.NewFileReader(f, ipc.WithAllocator(memory.NewGoAllocator()))
	if err != nil {
		return Header{}, nil, fmt.Errorf("%s: %w", path, err)
	}
	defer func() { _ = r.Close() }()

	h, err := HeaderFromSchema(r.Schema())
	if err != nil {
		return Header{}, nil, fmt.Errorf("%s: %w", path, err)
	}
	var rows []Row
	for i := 0; i < r.NumRecords(); i++ {
		rec, err := r.Record(i)
		if err != nil {
			return Header{}, nil, err
		}
		batch, err := Rows(rec, h)
		if err != nil {
			return Header{}, nil, err
		}
		rows = append(rows, batch...)
	}
	return h, rows, nil
}
