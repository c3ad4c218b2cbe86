package gguf

import (
	"errors"
	"fmt"
)

var ErrKeyNotFound = errors.New("gguf: key not found")

func (f *GGUFFile) lookup(key string) (interface{}, error) {
	v, ok := f.KV[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, key)
	}
	return v, nil
}

func (f *GGUFFile) String(key string) (string, error) {
	v, err := f.lookup(key)
	if err != nil {
		return "", err
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("gguf: key %s is %T, not string", key, v)
	}
	return s, nil
}

// Uint accepts any integer encoding that holds a non-negative value.
func (f *GGUFFile) Uint(key string) (uint64, error) {
	v, err := f.lookup(key)
	if err != nil {
		return 0, err
	}
	n, ok := asUint(v)
	if !ok {
		return 0, fmt.Errorf("gguf: key %s is %T, not an unsigned integer", key, v)
	}
	return n, nil
}

func (f *GGUFFile) Int(key string) (int, error) {
	n, err := f.Uint(key)
	return int(n), err
}

func (f *GGUFFile) Float(key string) (float64, error) {
	v, err := f.lookup(key)
	if err != nil {
		return 0, err
	}
	switch x := v.(type) {
	case float32:
		return float64(x), nil
	case float64:
		return x, nil
	}
	if n, ok := asUint(v); ok {
		return float64(n), nil
	}
	return 0, fmt.Errorf("gguf: key %s is %T, not a float", key, v)
}

func (f *GGUFFile) Strings(key string) ([]string, error) {
	v, err := f.lookup(key)
	if err != nil {
		return nil, err
	}
	arr, ok := v.([]interface{})
	if !ok {
		return nil, fmt.Errorf("gguf: key %s is %T, not an array", key, v)
	}
	out := make([]string, len(arr))
	for i, item := range arr {
		s, ok := item.(string)
		if !ok {
			return nil, fmt.Errorf("gguf: key %s[%d] is %T, not string", key, i, item)
		}
		out[i] = s
	}
	return out, nil
}

func asUint(v interface{}) (uint64, bool) {
	switch x := v.(type) {
	case uint8:
		return uint64(x), true
	case uint16:
		return uint64(x), true
	case uint32:
		return uint64(x), true
	case uint64:
		return x, true
	case int8:
		return uint64(x), x >= 0
	case int16:
		return uint64(x), x >= 0
	case int32:
		return uint64(x), x >= 0
	case int64:
		return uint64(x), x >= 0
	case int:
		return uint64(x), x >= 0
	}
	return 0, false
}

// FindMissingTensors returns the names in required that the file lacks.
func (f *GGUFFile) FindMissingTensors(required []string) []string {
	existing := make(map[string]bool, len(f.Tensors))
	for _, t := range f.Tensors {
		existing[t.Name] = true
	}

	var missing []string
	for _, name := range required {
		if !existing[name] {
			missing = append(missing, name)
		}
	}
	return missing
}

// CheckShape verifies a tensor holds a rows x cols matrix (rows=1 for vectors).
func (t *TensorInfo) CheckShape(rows, cols int) error {
	want := []uint64{uint64(cols)}
	if rows > 1 || len(t.Dimensions) == 2 {
		want = append(want, uint64(rows))
	}
	if len(t.Dimensions) != len(want) {
		return fmt.Errorf("tensor %s: dims %v, want %v", t.Name, t.Dimensions, want)
	}
	for i := range want {
		if t.Dimensions[i] != want[i] {
			return fmt.Errorf("tensor %s: dims %v, want %v", t.Name, t.Dimensions, want)
		}
	}
	return nil
}
