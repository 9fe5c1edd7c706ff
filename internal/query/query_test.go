package query

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/run-llama/semtools/internal/ingest"
	"github.com/run-llama/semtools/internal/similarity"
	"github.com/run-llama/semtools/internal/store"
	"github.com/run-llama/semtools/internal/window"
)

// fakeEmbedder maps "animal"-ish query text and "cat"/"dog"/"fish" lines to
// a near-identical vector, and everything else to an orthogonal one, so
// S2 from the spec's end-to-end scenarios can be reproduced without a real
// model file on disk.
type fakeEmbedder struct{}

func (fakeEmbedder) Dim() int             { return 2 }
func (fakeEmbedder) ModelID() string      { return "fake-model" }
func (fakeEmbedder) ModelVersion() string { return "v1" }

func (fakeEmbedder) Embed(texts []string) ([][]float32, []int, error) {
	vecs := make([][]float32, len(texts))
	for i, t := range texts {
		switch t {
		case "cat", "dog", "fish", "animal":
			vecs[i] = []float32{1, 0}
		default:
			vecs[i] = []float32{0, 1}
		}
	}
	return vecs, nil, nil
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return p
}

func TestRunTopKAcrossFiles(t *testing.T) {
	dir := t.TempDir()
	a := writeFile(t, dir, "a.txt", "cat\ndog\nfish")
	b := writeFile(t, dir, "b.txt", "car\nhouse\ntree")

	s := store.New(filepath.Join(dir, "entries"))
	sched := ingest.New(fakeEmbedder{}, s, window.DefaultOptions())

	opts := DefaultOptions()
	opts.Selection = similarity.Selection{Mode: similarity.TopK, K: 2}

	results, err := Run(context.Background(), "animal", []string{a, b}, fakeEmbedder{}, sched, opts)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d: %+v", len(results), results)
	}
	for _, r := range results {
		if r.Path != a {
			t.Errorf("expected all top-2 matches to come from %s, got %s", a, r.Path)
		}
	}
}

func TestRunThresholdEmptyForUnrelatedQuery(t *testing.T) {
	dir := t.TempDir()
	a := writeFile(t, dir, "a.txt", "completely different text\nabout nothing in particular")

	s := store.New(filepath.Join(dir, "entries"))
	sched := ingest.New(fakeEmbedder{}, s, window.DefaultOptions())

	opts := DefaultOptions()
	opts.Selection = similarity.Selection{Mode: similarity.Threshold, Tau: 0}

	results, err := Run(context.Background(), "animal", []string{a}, fakeEmbedder{}, sched, opts)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(results) != 0 {
		t.Fatalf("expected 0 results at tau=0 for an unrelated query, got %d", len(results))
	}
}

func TestRunContextClipping(t *testing.T) {
	dir := t.TempDir()
	// 5 lines; only line 1 ("cat") scores close to the query.
	a := writeFile(t, dir, "x.txt", "cat\nb\nc\nd\ne")

	s := store.New(filepath.Join(dir, "entries"))
	sched := ingest.New(fakeEmbedder{}, s, window.DefaultOptions())

	opts := DefaultOptions()
	opts.NLines = 3
	opts.Selection = similarity.Selection{Mode: similarity.TopK, K: 1}

	results, err := Run(context.Background(), "animal", []string{a}, fakeEmbedder{}, sched, opts)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	r := results[0]
	if r.ContextStart != 1 {
		t.Errorf("ContextStart = %d, want 1 (clipped, not -2)", r.ContextStart)
	}
	if r.ContextEnd != 4 {
		t.Errorf("ContextEnd = %d, want 4", r.ContextEnd)
	}
}

// TestRunIncludesResultsDespiteCacheWriteFailure covers spec §7: a file
// whose embedding succeeds but whose artifact can't be written to the
// store (entries dir blocked here by a same-named regular file) must
// still contribute results to this invocation, not vanish silently.
func TestRunIncludesResultsDespiteCacheWriteFailure(t *testing.T) {
	dir := t.TempDir()
	a := writeFile(t, dir, "a.txt", "cat\ndog\nfish")

	entriesPath := filepath.Join(dir, "entries")
	if err := os.WriteFile(entriesPath, []byte("not a directory"), 0o644); err != nil {
		t.Fatalf("block entries dir: %v", err)
	}
	s := store.New(entriesPath)
	sched := ingest.New(fakeEmbedder{}, s, window.DefaultOptions())

	opts := DefaultOptions()
	opts.Selection = similarity.Selection{Mode: similarity.TopK, K: 2}

	results, err := Run(context.Background(), "animal", []string{a}, fakeEmbedder{}, sched, opts)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(results) == 0 {
		t.Fatal("expected results despite the cache-write failure")
	}
}

func TestRunRejectsEmptyQuery(t *testing.T) {
	dir := t.TempDir()
	a := writeFile(t, dir, "a.txt", "hello")
	s := store.New(filepath.Join(dir, "entries"))
	sched := ingest.New(fakeEmbedder{}, s, window.DefaultOptions())

	_, err := Run(context.Background(), "   ", []string{a}, fakeEmbedder{}, sched, DefaultOptions())
	if err == nil {
		t.Fatal("expected an error for an empty query")
	}
}

func TestResolveFilesNonRecursiveSkipsSubdirectories(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "top.txt", "top level")
	sub := filepath.Join(dir, "sub")
	if err := os.Mkdir(sub, 0o755); err != nil {
		t.Fatalf("mkdir sub: %v", err)
	}
	writeFile(t, sub, "nested.txt", "nested")

	got, err := ResolveFiles([]string{dir}, false)
	if err != nil {
		t.Fatalf("ResolveFiles: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 file (non-recursive), got %v", got)
	}
}

func TestResolveFilesRecursiveIncludesSubdirectories(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "top.txt", "top level")
	sub := filepath.Join(dir, "sub")
	if err := os.Mkdir(sub, 0o755); err != nil {
		t.Fatalf("mkdir sub: %v", err)
	}
	writeFile(t, sub, "nested.txt", "nested")

	got, err := ResolveFiles([]string{dir}, true)
	if err != nil {
		t.Fatalf("ResolveFiles: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 files (recursive), got %v", got)
	}
}

func TestResolveFilesEmptyInputsReturnsStdinSentinel(t *testing.T) {
	got, err := ResolveFiles(nil, false)
	if err != nil {
		t.Fatalf("ResolveFiles: %v", err)
	}
	if len(got) != 1 || got[0] != stdinSyntheticPath {
		t.Fatalf("expected [%s], got %v", stdinSyntheticPath, got)
	}
}
