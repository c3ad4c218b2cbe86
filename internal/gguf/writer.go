package gguf

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"os"
)

type kvPair struct {
	key   string
	value interface{}
}

type tensorEntry struct {
	name   string
	dims   []uint64
	typ    GGMLType
	data   []float32
	data64 []float64
}

func (t *tensorEntry) sizeBytes() uint64 {
	if t.typ == GGMLTypeF64 {
		return uint64(len(t.data64)) * 8
	}
	return uint64(len(t.data)) * 4
}

// Writer assembles a GGUF v3 file holding F32 or F64 tensors. Keys and tensors are
// written in insertion order.
type Writer struct {
	kvs     []kvPair
	tensors []tensorEntry
	names   map[string]bool
}

func NewWriter() *Writer {
	return &Writer{names: make(map[string]bool)}
}

// AddKV records a metadata value. Supported Go types: string, bool, uint8,
// int8, uint16, int16, uint32, int32, uint64, int64, int (stored as int64),
// float32, float64, []string, []int32, []float32.
func (w *Writer) AddKV(key string, value interface{}) {
	if v, ok := value.(int); ok {
		value = int64(v)
	}
	w.kvs = append(w.kvs, kvPair{key: key, value: value})
}

func (w *Writer) add(t tensorEntry, rows, cols, n int, matrix bool) error {
	if w.names[t.name] {
		return fmt.Errorf("gguf: duplicate tensor %s", t.name)
	}
	if rows < 1 {
		rows = 1
	}
	if n != rows*cols {
		return fmt.Errorf("gguf: tensor %s has %d values, want %dx%d", t.name, n, rows, cols)
	}
	t.dims = []uint64{uint64(cols)}
	if rows > 1 || matrix {
		t.dims = append(t.dims, uint64(rows))
	}
	w.names[t.name] = true
	w.tensors = append(w.tensors, t)
	return nil
}

// AddTensor records a row-major rows x cols matrix. rows <= 1 stores a vector.
func (w *Writer) AddTensor(name string, rows, cols int, data []float32) error {
	return w.add(tensorEntry{name: name, typ: GGMLTypeF32, data: data}, rows, cols, len(data), false)
}

// AddMatrix is AddTensor that always records two dimensions.
func (w *Writer) AddMatrix(name string, rows, cols int, data []float32) error {
	return w.add(tensorEntry{name: name, typ: GGMLTypeF32, data: data}, rows, cols, len(data), true)
}

// AddMatrix64 records a two-dimensional F64 tensor.
func (w *Writer) AddMatrix64(name string, rows, cols int, data []float64) error {
	return w.add(tensorEntry{name: name, typ: GGMLTypeF64, data64: data}, rows, cols, len(data), true)
}

func (w *Writer) WriteFile(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := w.WriteTo(f); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

type countingWriter struct {
	w *bufio.Writer
	n uint64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += uint64(n)
	return n, err
}

func (w *Writer) WriteTo(out io.Writer) error {
	cw := &countingWriter{w: bufio.NewWriter(out)}
	le := binary.LittleEndian

	header := []interface{}{uint32(GGUFMagic), uint32(GGUFVersion), uint64(len(w.tensors)), uint64(len(w.kvs))}
	for _, v := range header {
		if err := binary.Write(cw, le, v); err != nil {
			return err
		}
	}

	for _, kv := range w.kvs {
		if err := writeString(cw, kv.key); err != nil {
			return err
		}
		if err := writeValue(cw, kv.key, kv.value); err != nil {
			return err
		}
	}

	offset := uint64(0)
	for _, t := range w.tensors {
		if err := writeString(cw, t.name); err != nil {
			return err
		}
		if err := binary.Write(cw, le, uint32(len(t.dims))); err != nil {
			return err
		}
		for _, d := range t.dims {
			if err := binary.Write(cw, le, d); err != nil {
				return err
			}
		}
		if err := binary.Write(cw, le, uint32(t.typ)); err != nil {
			return err
		}
		if err := binary.Write(cw, le, offset); err != nil {
			return err
		}
		offset = align(offset + t.sizeBytes())
	}

	if err := pad(cw); err != nil {
		return err
	}

	buf := make([]byte, 8)
	for _, t := range w.tensors {
		for _, v := range t.data {
			le.PutUint32(buf, math.Float32bits(v))
			if _, err := cw.Write(buf[:4]); err != nil {
				return err
			}
		}
		for _, v := range t.data64 {
			le.PutUint64(buf, math.Float64bits(v))
			if _, err := cw.Write(buf); err != nil {
				return err
			}
		}
		if err := pad(cw); err != nil {
			return err
		}
	}
	return cw.w.Flush()
}

func align(n uint64) uint64 {
	return (n + DefaultAlignment - 1) / DefaultAlignment * DefaultAlignment
}

func pad(cw *countingWriter) error {
	if n := align(cw.n) - cw.n; n > 0 {
		_, err := cw.Write(make([]byte, n))
		return err
	}
	return nil
}

func writeString(w io.Writer, s string) error {
	if err := binary.Write(w, binary.LittleEndian, uint64(len(s))); err != nil {
		return err
	}
	_, err := io.WriteString(w, s)
	return err
}

func writeValue(w io.Writer, key string, value interface{}) error {
	le := binary.LittleEndian
	typed := func(t GGUFMetadataValueType, v interface{}) error {
		if err := binary.Write(w, le, uint32(t)); err != nil {
			return err
		}
		return binary.Write(w, le, v)
	}
	array := func(t GGUFMetadataValueType, n int) error {
		if err := binary.Write(w, le, uint32(GGUFMetadataValueTypeArray)); err != nil {
			return err
		}
		if err := binary.Write(w, le, uint32(t)); err != nil {
			return err
		}
		return binary.Write(w, le, uint64(n))
	}

	switch v := value.(type) {
	case string:
		if err := binary.Write(w, le, uint32(GGUFMetadataValueTypeString)); err != nil {
			return err
		}
		return writeString(w, v)
	case bool:
		b := uint8(0)
		if v {
			b = 1
		}
		return typed(GGUFMetadataValueTypeBool, b)
	case uint8:
		return typed(GGUFMetadataValueTypeUint8, v)
	case int8:
		return typed(GGUFMetadataValueTypeInt8, v)
	case uint16:
		return typed(GGUFMetadataValueTypeUint16, v)
	case int16:
		return typed(GGUFMetadataValueTypeInt16, v)
	case uint32:
		return typed(GGUFMetadataValueTypeUint32, v)
	case int32:
		return typed(GGUFMetadataValueTypeInt32, v)
	case uint64:
		return typed(GGUFMetadataValueTypeUint64, v)
	case int64:
		return typed(GGUFMetadataValueTypeInt64, v)
	case float32:
		return typed(GGUFMetadataValueTypeFloat32, v)
	case float64:
		return typed(GGUFMetadataValueTypeFloat64, v)
	case []string:
		if err := array(GGUFMetadataValueTypeString, len(v)); err != nil {
			return err
		}
		for _, s := range v {
			if err := writeString(w, s); err != nil {
				return err
			}
		}
		return nil
	case []int32:
		if err := array(GGUFMetadataValueTypeInt32, len(v)); err != nil {
			return err
		}
		return binary.Write(w, le, v)
	case []float32:
		if err := array(GGUFMetadataValueTypeFloat32, len(v)); err != nil {
			return err
		}
		return binary.Write(w, le, v)
	default:
		return fmt.Errorf("gguf: key %s has unsupported type %T", key, value)
	}
}
