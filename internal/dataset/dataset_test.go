package dataset

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func strPtr(s string) *string { return &s }

func makeSamples(n int) []Sample {
	out := make([]Sample, n)
	for i := range out {
		out[i] = Sample{
			ID:             string(rune('a' + i)),
			Entity:         "Paris",
			Prompt:         "Paris is the capital of",
			Context:        "Paris is in Italy",
			Attribute:      "is in Italy",
			TargetMediated: strPtr("Italy"),
		}
	}
	return out
}

func TestSampleValidate(t *testing.T) {
	good := makeSamples(1)[0]
	tests := []struct {
		name    string
		mutate  func(s *Sample)
		wantErr bool
	}{
		{"valid", func(s *Sample) {}, false},
		{"no targets", func(s *Sample) { s.TargetMediated = nil }, false},
		{"empty id", func(s *Sample) { s.ID = "" }, true},
		{"empty attribute", func(s *Sample) { s.Attribute = "" }, true},
		{"entity missing from prompt", func(s *Sample) { s.Entity = "Rome" }, true},
		{"attribute missing from context", func(s *Sample) { s.Attribute = "is in Spain" }, true},
		{"empty target", func(s *Sample) { s.TargetMediated = strPtr("") }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := good
			tt.mutate(&s)
			err := s.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrMalformedSample) {
				t.Errorf("expected ErrMalformedSample, got %v", err)
			}
		})
	}
}

func TestLoadFileAndDirectory(t *testing.T) {
	dir := t.TempDir()
	samples := makeSamples(5)
	if err := WriteJSONL(filepath.Join(dir, TrainFile), samples[:3]); err != nil {
		t.Fatal(err)
	}
	if err := WriteJSONL(filepath.Join(dir, TestFile), samples[3:]); err != nil {
		t.Fatal(err)
	}

	l := NewLoader(false)
	ds, err := l.Load(dir, LoadOptions{})
	if err != nil {
		t.Fatalf("Load dir: %v", err)
	}
	if len(ds.Train) != 3 || len(ds.Test) != 2 {
		t.Errorf("split sizes = %d/%d, want 3/2", len(ds.Train), len(ds.Test))
	}
	if *ds.Train[0].TargetMediated != "Italy" || ds.Train[0].TargetUnmediated != nil {
		t.Errorf("targets not decoded: %+v", ds.Train[0])
	}

	ds, err = l.Load(filepath.Join(dir, TrainFile), LoadOptions{Offset: 1, Limit: 1})
	if err != nil {
		t.Fatalf("Load file: %v", err)
	}
	if len(ds.Train) != 1 || ds.Train[0].ID != "b" || len(ds.Test) != 0 {
		t.Errorf("window = %+v", ds)
	}
}

func TestLoaderCache(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.jsonl")
	if err := WriteJSONL(path, makeSamples(2)); err != nil {
		t.Fatal(err)
	}

	cached := NewLoader(true)
	uncached := NewLoader(false)
	for _, l := range []*Loader{cached, uncached} {
		if _, err := l.Load(path, LoadOptions{}); err != nil {
			t.Fatal(err)
		}
	}
	if err := WriteJSONL(path, makeSamples(4)); err != nil {
		t.Fatal(err)
	}

	ds, _ := cached.Load(path, LoadOptions{})
	if len(ds.Train) != 2 {
		t.Errorf("cached loader should reuse the first read, got %d samples", len(ds.Train))
	}
	ds, _ = uncached.Load(path, LoadOptions{})
	if len(ds.Train) != 4 {
		t.Errorf("uncached loader should re-read, got %d samples", len(ds.Train))
	}
}

func TestReadJSONLErrors(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"bad json", "{not json}\n"},
		{"invalid sample", `{"id":"x","entity":"A","prompt":"B","context":"C","attribute":"C"}` + "\n"},
		{"duplicate id", `{"id":"x","entity":"A","prompt":"A","context":"C","attribute":"C"}` + "\n" +
			`{"id":"x","entity":"A","prompt":"A","context":"C","attribute":"C"}` + "\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "bad.jsonl")
			if err := os.WriteFile(path, []byte(tt.content), 0o644); err != nil {
				t.Fatal(err)
			}
			if _, err := ReadJSONL(path); !errors.Is(err, ErrMalformedSample) {
				t.Errorf("expected ErrMalformedSample, got %v", err)
			}
		})
	}
}

func TestMaybeSplit(t *testing.T) {
	ds := Dataset{Train: makeSamples(20)}
	split, err := MaybeSplit(ds, 0.1, 42)
	if err != nil {
		t.Fatal(err)
	}
	if len(split.Train) != 18 || len(split.Test) != 2 {
		t.Errorf("split sizes = %d/%d, want 18/2", len(split.Train), len(split.Test))
	}
	seen := make(map[string]bool)
	for _, s := range append(split.Train, split.Test...) {
		if seen[s.ID] {
			t.Errorf("sample %s appears twice", s.ID)
		}
		seen[s.ID] = true
	}
	if len(seen) != 20 {
		t.Errorf("split lost samples: %d", len(seen))
	}

	again, _ := MaybeSplit(ds, 0.1, 42)
	for i := range again.Test {
		if again.Test[i].ID != split.Test[i].ID {
			t.Error("same seed produced a different split")
		}
	}

	presplit := Dataset{Train: makeSamples(3), Test: makeSamples(1)}
	if out, _ := MaybeSplit(presplit, 0.5, 1); len(out.Test) != 1 || len(out.Train) != 3 {
		t.Error("pre-split dataset should be returned unchanged")
	}
	if _, err := MaybeSplit(Dataset{Train: makeSamples(1)}, 0.1, 1); err == nil {
		t.Error("expected error splitting one sample")
	}
	if _, err := MaybeSplit(ds, 1.5, 1); err == nil {
		t.Error("expected error for hold out >= 1")
	}
}

func TestBatches(t *testing.T) {
	tests := []struct {
		n, size int
		want    []int
	}{
		{5, 2, []int{2, 2, 1}},
		{4, 4, []int{4}},
		{0, 3, nil},
		{3, 0, []int{1, 1, 1}},
	}
	for _, tt := range tests {
		got := Batches(makeSamples(tt.n), tt.size)
		if len(got) != len(tt.want) {
			t.Errorf("Batches(%d, %d) = %d batches, want %d", tt.n, tt.size, len(got), len(tt.want))
			continue
		}
		for i := range got {
			if len(got[i]) != tt.want[i] {
				t.Errorf("Batches(%d, %d)[%d] has %d samples, want %d", tt.n, tt.size, i, len(got[i]), tt.want[i])
			}
		}
	}
}

func TestHasTargetsAndShuffle(t *testing.T) {
	s := makeSamples(4)
	if !HasTargets(s) {
		t.Error("expected targets")
	}
	s[2].TargetMediated = nil
	if HasTargets(s) {
		t.Error("one missing target should report false")
	}
	if HasTargets(nil) {
		t.Error("empty slice has no targets")
	}
	a, b := Shuffle(s, 9), Shuffle(s, 9)
	for i := range a {
		if a[i].ID != b[i].ID {
			t.Fatal("Shuffle is not deterministic for a fixed seed")
		}
	}
}
