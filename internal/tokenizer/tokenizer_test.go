package tokenizer

import (
	"errors"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/23skdu/longbow-steer/internal/gguf"
)

var testVocab = []string{
	"<unk>", "</s>", "<pad>",
	"Hello", "Ġ", "World", "!", ",",
	"The", "Ġcapital", "Ġof", "ĠFrance", "Ġis", "ĠParis",
	"ĠPar", "is", "a", "b", "c",
}

func newTestTokenizer(t *testing.T) *Tokenizer {
	t.Helper()
	tk, err := NewFromVocab(testVocab)
	if err != nil {
		t.Fatalf("NewFromVocab: %v", err)
	}
	return tk
}

func TestNewFromGGUF(t *testing.T) {
	w := gguf.NewWriter()
	w.AddKV(KeyTokens, testVocab)
	w.AddKV(KeyEOS, uint32(1))
	w.AddKV(KeyPadding, uint32(1))
	path := filepath.Join(t.TempDir(), "vocab.gguf")
	if err := w.WriteFile(path); err != nil {
		t.Fatal(err)
	}

	tk, err := New(path)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if tk.VocabSize() != len(testVocab) {
		t.Errorf("vocab size = %d", tk.VocabSize())
	}
	if tk.PadID != 1 || tk.EOSID != 1 {
		t.Errorf("pad/eos = %d/%d, want 1/1 from metadata", tk.PadID, tk.EOSID)
	}
	// "<pad>" is no longer special, so it now matches as text.
	if ids := tk.Encode("<pad>"); len(ids) != 1 || ids[0] != 2 {
		t.Errorf("Encode(<pad>) = %v", ids)
	}
}

func TestNewMissingTokens(t *testing.T) {
	w := gguf.NewWriter()
	w.AddKV("general.architecture", "steer")
	path := filepath.Join(t.TempDir(), "novocab.gguf")
	if err := w.WriteFile(path); err != nil {
		t.Fatal(err)
	}
	if _, err := New(path); !errors.Is(err, gguf.ErrKeyNotFound) {
		t.Errorf("expected ErrKeyNotFound, got %v", err)
	}
}

func TestNewFromVocabErrors(t *testing.T) {
	if _, err := NewFromVocab(nil); err == nil {
		t.Error("expected error for empty vocab")
	}
	if _, err := NewFromVocab([]string{"a", "a"}); err == nil {
		t.Error("expected error for duplicate token")
	}
}

func TestEncode(t *testing.T) {
	tk := newTestTokenizer(t)

	tests := []struct {
		name     string
		input    string
		expected []int
	}{
		{"simple hello world", "Hello World", []int{3, 4, 5}},
		{"with punctuation", "Hello, World!", []int{3, 7, 4, 5, 6}},
		{"longest match", "The capital of France is Paris", []int{8, 9, 10, 11, 12, 13}},
		{"unknown runes", "Hé", []int{0, 0}},
		{"empty string", "", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tk.Encode(tt.input)
			if !reflect.DeepEqual(got, tt.expected) {
				t.Errorf("Encode(%q) = %v, want %v", tt.input, got, tt.expected)
			}
		})
	}
}

func TestEncodeOffsets(t *testing.T) {
	tk := newTestTokenizer(t)
	text := "The capital of France"
	ids, offsets := tk.EncodeWithOffsets(text)
	if len(ids) != len(offsets) {
		t.Fatalf("ids/offsets length mismatch: %d vs %d", len(ids), len(offsets))
	}
	for i, o := range offsets {
		if got := text[o.Start:o.End]; got != tk.Token(ids[i]) {
			t.Errorf("token %d covers %q but spells %q", i, got, tk.Token(ids[i]))
		}
	}
}

func TestDecode(t *testing.T) {
	tk := newTestTokenizer(t)
	ids := []int{2, 2, 3, 4, 5, 6, 1}
	if got := tk.Decode(ids); got != "Hello World!" {
		t.Errorf("Decode = %q, want %q", got, "Hello World!")
	}
	if got := tk.Decode([]int{-1, 999, 3}); got != "Hello" {
		t.Errorf("out of range ids should be skipped, got %q", got)
	}
}

func TestBatchEncodeLeftPads(t *testing.T) {
	tk := newTestTokenizer(t)
	enc := tk.BatchEncode([]string{"Hello", "The capital of France"})

	if enc.Len() != 2 || enc.SeqLen() != 4 {
		t.Fatalf("shape = %dx%d, want 2x4", enc.Len(), enc.SeqLen())
	}
	if enc.Pad[0] != 3 || enc.Pad[1] != 0 {
		t.Errorf("pad = %v, want [3 0]", enc.Pad)
	}
	wantRow0 := []int{tk.PadID, tk.PadID, tk.PadID, 3}
	if !reflect.DeepEqual(enc.IDs[0], wantRow0) {
		t.Errorf("row 0 = %v, want %v", enc.IDs[0], wantRow0)
	}
	wantMask := []bool{false, false, false, true}
	if !reflect.DeepEqual(enc.Mask[0], wantMask) {
		t.Errorf("mask 0 = %v, want %v", enc.Mask[0], wantMask)
	}
	if last := enc.Last(); last[0] != 3 || last[1] != 11 {
		t.Errorf("last = %v", last)
	}
	if r := enc.Shift(0, TokenRange{Start: 0, End: 1}); r.Start != 3 || r.End != 4 {
		t.Errorf("shifted range = %+v", r)
	}
}

func TestTokenRangeValidate(t *testing.T) {
	tests := []struct {
		r       TokenRange
		seqLen  int
		wantErr bool
	}{
		{TokenRange{0, 1}, 1, false},
		{TokenRange{2, 5}, 5, false},
		{TokenRange{-1, 2}, 5, true},
		{TokenRange{3, 3}, 5, true},
		{TokenRange{4, 2}, 5, true},
		{TokenRange{0, 6}, 5, true},
	}
	for _, tt := range tests {
		err := tt.r.Validate(tt.seqLen)
		if (err != nil) != tt.wantErr {
			t.Errorf("%+v.Validate(%d) error = %v, wantErr %v", tt.r, tt.seqLen, err, tt.wantErr)
		}
	}
}

func TestFindTokenRange(t *testing.T) {
	tk := newTestTokenizer(t)
	text := "The capital of France is Paris"
	_, offsets := tk.EncodeWithOffsets(text)

	tests := []struct {
		name      string
		substring string
		from      int
		want      TokenRange
		wantErr   bool
	}{
		{"single token", "France", 0, TokenRange{3, 4}, false},
		{"multi token", "capital of", 0, TokenRange{1, 3}, false},
		{"partial token covers whole token", "Pari", 0, TokenRange{5, 6}, false},
		{"first word", "The", 0, TokenRange{0, 1}, false},
		{"missing", "Berlin", 0, TokenRange{}, true},
		{"search after", "The", 5, TokenRange{}, true},
		{"empty", "", 0, TokenRange{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := FindTokenRange(text, offsets, tt.substring, tt.from)
			if tt.wantErr {
				if !errors.Is(err, ErrSpanNotFound) {
					t.Errorf("expected ErrSpanNotFound, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %+v, want %+v", got, tt.want)
			}
		})
	}
}
