package tokenizer

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/23skdu/longbow-steer/internal/gguf"
)

// SpaceMarker is the byte-level BPE stand-in for a leading space.
const SpaceMarker = "Ġ"

const (
	KeyTokens  = "tokenizer.ggml.tokens"
	KeyUnknown = "tokenizer.ggml.unknown_token_id"
	KeyBOS     = "tokenizer.ggml.bos_token_id"
	KeyEOS     = "tokenizer.ggml.eos_token_id"
	KeyPadding = "tokenizer.ggml.padding_token_id"
)

var ErrSpanNotFound = errors.New("token span not found")

// Tokenizer is a greedy longest-match vocabulary tokenizer. Every token id
// it emits carries the byte range of the text it covers.
type Tokenizer struct {
	Tokens []string
	Vocab  map[string]int

	UnkID int
	BOSID int
	EOSID int
	PadID int

	surface map[string]int
	maxLen  int
}

// Offset is the half-open byte range [Start, End) a token covers in its text.
type Offset struct {
	Start int
	End   int
}

func New(path string) (*Tokenizer, error) {
	f, err := gguf.LoadFile(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	return FromGGUF(f)
}

func FromGGUF(f *gguf.GGUFFile) (*Tokenizer, error) {
	tokens, err := f.Strings(KeyTokens)
	if err != nil {
		return nil, err
	}
	t, err := NewFromVocab(tokens)
	if err != nil {
		return nil, err
	}
	for key, dst := range map[string]*int{KeyUnknown: &t.UnkID, KeyBOS: &t.BOSID, KeyEOS: &t.EOSID, KeyPadding: &t.PadID} {
		id, err := f.Int(key)
		if errors.Is(err, gguf.ErrKeyNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if id >= len(tokens) {
			return nil, fmt.Errorf("%s: id %d out of vocabulary", key, id)
		}
		*dst = id
	}
	t.buildSurface()
	return t, nil
}

// NewFromVocab builds a tokenizer from an ordered token list. Special tokens
// are recognised by their conventional spellings.
func NewFromVocab(tokens []string) (*Tokenizer, error) {
	if len(tokens) == 0 {
		return nil, errors.New("empty vocabulary")
	}
	t := &Tokenizer{
		Tokens: tokens,
		Vocab:  make(map[string]int, len(tokens)),
		UnkID:  -1,
		BOSID:  -1,
		EOSID:  -1,
		PadID:  -1,
	}
	for i, s := range tokens {
		if _, dup := t.Vocab[s]; dup {
			return nil, fmt.Errorf("duplicate token %q", s)
		}
		t.Vocab[s] = i
	}
	lookup := func(names ...string) int {
		for _, n := range names {
			if id, ok := t.Vocab[n]; ok {
				return id
			}
		}
		return -1
	}
	t.UnkID = lookup("<unk>", "<|unk|>")
	t.BOSID = lookup("<s>", "<|bos|>")
	t.EOSID = lookup("</s>", "<|endoftext|>", "<|eos|>")
	t.PadID = lookup("<pad>", "<|pad|>")
	if t.PadID < 0 {
		t.PadID = t.EOSID
	}
	if t.UnkID < 0 {
		t.UnkID = 0
	}
	t.buildSurface()
	return t, nil
}

func (t *Tokenizer) isSpecial(id int) bool {
	return id == t.UnkID || id == t.BOSID || id == t.EOSID || id == t.PadID
}

func (t *Tokenizer) buildSurface() {
	t.surface = make(map[string]int, len(t.Tokens))
	t.maxLen = 0
	for i, s := range t.Tokens {
		if t.isSpecial(i) || s == "" {
			continue
		}
		text := strings.ReplaceAll(s, SpaceMarker, " ")
		if _, exists := t.surface[text]; exists {
			continue
		}
		t.surface[text] = i
		if len(text) > t.maxLen {
			t.maxLen = len(text)
		}
	}
}

func (t *Tokenizer) VocabSize() int {
	return len(t.Tokens)
}

func (t *Tokenizer) Encode(text string) []int {
	ids, _ := t.EncodeWithOffsets(text)
	return ids
}

// EncodeWithOffsets tokenizes text by greedy longest match. Runes with no
// matching token become UnkID.
func (t *Tokenizer) EncodeWithOffsets(text string) ([]int, []Offset) {
	var ids []int
	var offsets []Offset
	for pos := 0; pos < len(text); {
		end := pos + t.maxLen
		if end > len(text) {
			end = len(text)
		}
		matched := false
		for ; end > pos; end-- {
			if id, ok := t.surface[text[pos:end]]; ok {
				ids = append(ids, id)
				offsets = append(offsets, Offset{Start: pos, End: end})
				pos = end
				matched = true
				break
			}
		}
		if !matched {
			_, size := utf8.DecodeRuneInString(text[pos:])
			ids = append(ids, t.UnkID)
			offsets = append(offsets, Offset{Start: pos, End: pos + size})
			pos += size
		}
	}
	return ids, offsets
}

func (t *Tokenizer) Decode(ids []int) string {
	var sb strings.Builder
	for _, id := range ids {
		if id < 0 || id >= len(t.Tokens) || (t.isSpecial(id) && id != t.UnkID) {
			continue
		}
		sb.WriteString(strings.ReplaceAll(t.Tokens[id], SpaceMarker, " "))
	}
	return sb.String()
}

// Token returns the vocabulary spelling of id with spaces restored.
func (t *Tokenizer) Token(id int) string {
	if id < 0 || id >= len(t.Tokens) {
		return ""
	}
	return strings.ReplaceAll(t.Tokens[id], SpaceMarker, " ")
}

// Encoding is a left-padded batch. Row b has Pad[b] padding tokens before
// its real tokens; Offsets are per-sample and exclude padding.
type Encoding struct {
	IDs     [][]int
	Mask    [][]bool
	Pad     []int
	Offsets [][]Offset
	Texts   []string
}

func (e *Encoding) Len() int { return len(e.IDs) }

// SeqLen is the padded row length.
func (e *Encoding) SeqLen() int {
	if len(e.IDs) == 0 {
		return 0
	}
	return len(e.IDs[0])
}

// Last returns the id of the final position of every row.
func (e *Encoding) Last() []int {
	out := make([]int, len(e.IDs))
	for b, row := range e.IDs {
		out[b] = row[len(row)-1]
	}
	return out
}

// Shift moves a per-sample range into padded row coordinates.
func (e *Encoding) Shift(b int, r TokenRange) TokenRange {
	return TokenRange{Start: r.Start + e.Pad[b], End: r.End + e.Pad[b]}
}

func (t *Tokenizer) BatchEncode(texts []string) Encoding {
	enc := Encoding{
		IDs:     make([][]int, len(texts)),
		Mask:    make([][]bool, len(texts)),
		Pad:     make([]int, len(texts)),
		Offsets: make([][]Offset, len(texts)),
		Texts:   texts,
	}
	rows := make([][]int, len(texts))
	maxLen := 0
	for b, text := range texts {
		rows[b], enc.Offsets[b] = t.EncodeWithOffsets(text)
		if len(rows[b]) > maxLen {
			maxLen = len(rows[b])
		}
	}
	pad := t.PadID
	if pad < 0 {
		pad = t.UnkID
	}
	for b, ids := range rows {
		n := maxLen - len(ids)
		enc.Pad[b] = n
		enc.IDs[b] = make([]int, maxLen)
		enc.Mask[b] = make([]bool, maxLen)
		for i := 0; i < n; i++ {
			enc.IDs[b][i] = pad
		}
		copy(enc.IDs[b][n:], ids)
		for i := n; i < maxLen; i++ {
			enc.Mask[b][i] = true
		}
	}
	return enc
}

// TokenRange is a half-open [Start, End) span of token positions.
type TokenRange struct {
	Start int
	End   int
}

func (r TokenRange) Len() int { return r.End - r.Start }

// Last is the index of the final token in the range.
func (r TokenRange) Last() int { return r.End - 1 }

func (r TokenRange) Validate(seqLen int) error {
	if r.Start < 0 || r.Start >= r.End || r.End > seqLen {
		return fmt.Errorf("invalid token range [%d, %d) for sequence of length %d", r.Start, r.End, seqLen)
	}
	return nil
}

// FindTokenRange locates the first occurrence of substring in text at or after
// byte position from, and returns the tokens that overlap it.
func FindTokenRange(text string, offsets []Offset, substring string, from int) (TokenRange, error) {
	if substring == "" {
		return TokenRange{}, fmt.Errorf("%w: empty substring", ErrSpanNotFound)
	}
	if from < 0 || from > len(text) {
		return TokenRange{}, fmt.Errorf("%w: search start %d outside text", ErrSpanNotFound, from)
	}
	idx := strings.Index(text[from:], substring)
	if idx < 0 {
		return TokenRange{}, fmt.Errorf("%w: %q not in %q", ErrSpanNotFound, substring, text)
	}
	return CharsToTokens(offsets, from+idx, from+idx+len(substring))
}

// CharsToTokens maps the byte span [charStart, charEnd) to the covering tokens.
func CharsToTokens(offsets []Offset, charStart, charEnd int) (TokenRange, error) {
	r := TokenRange{Start: -1, End: -1}
	for i, o := range offsets {
		if o.End <= charStart || o.Start >= charEnd {
			continue
		}
		if r.Start < 0 {
			r.Start = i
		}
		r.End = i + 1
	}
	if r.Start < 0 {
		return TokenRange{}, fmt.Errorf("%w: no token covers bytes [%d, %d)", ErrSpanNotFound, charStart, charEnd)
	}
	return r, nil
}
