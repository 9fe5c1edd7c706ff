package store

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/run-llama/semtools/internal/fingerprint"
)

func tempStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	return New(filepath.Join(dir, "entries"))
}

func sampleEmbedding(t *testing.T, path string, content []byte) *FileEmbedding {
	t.Helper()
	fp := fingerprint.Content(content)
	opts := fingerprint.Opts(1, 1, false, "test-model", "v1")
	return &FileEmbedding{
		Path:            path,
		Fingerprint:     fp,
		OptsFingerprint: opts,
		Dim:             3,
		Windows: []WindowSpan{
			{StartLine: 1, EndLine: 1},
			{StartLine: 2, EndLine: 2},
		},
		Vectors: []float32{
			0.1, 0.2, 0.3,
			0.4, 0.5, 0.6,
		},
	}
}

func TestPutThenGetRoundTrips(t *testing.T) {
	dir := t.TempDir()
	srcPath := filepath.Join(dir, "source.txt")
	content := []byte("line one\nline two\n")
	if err := os.WriteFile(srcPath, content, 0o644); err != nil {
		t.Fatalf("write source file: %v", err)
	}

	s := New(filepath.Join(dir, "entries"))
	want := sampleEmbedding(t, srcPath, content)
	if err := s.Put(want); err != nil {
		t.Fatalf("Put: %v", err)
	}

	got, ok, err := s.Get(srcPath)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !ok {
		t.Fatal("expected cache hit after Put")
	}
	if got.Path != want.Path {
		t.Errorf("Path = %q, want %q", got.Path, want.Path)
	}
	if got.Dim != want.Dim {
		t.Errorf("Dim = %d, want %d", got.Dim, want.Dim)
	}
	if len(got.Windows) != len(want.Windows) {
		t.Fatalf("len(Windows) = %d, want %d", len(got.Windows), len(want.Windows))
	}
	for i, w := range want.Windows {
		if got.Windows[i] != w {
			t.Errorf("Windows[%d] = %+v, want %+v", i, got.Windows[i], w)
		}
	}
	for i, v := range want.Vectors {
		if got.Vectors[i] != v {
			t.Errorf("Vectors[%d] = %f, want %f", i, got.Vectors[i], v)
		}
	}
}

func TestGetMissReturnsFalseNotError(t *testing.T) {
	s := tempStore(t)
	_, ok, err := s.Get("/does/not/exist.txt")
	if err != nil {
		t.Fatalf("Get on missing entry should not error, got: %v", err)
	}
	if ok {
		t.Fatal("expected miss for an entry never Put")
	}
}

func TestGetStaleWhenContentChanges(t *testing.T) {
	dir := t.TempDir()
	srcPath := filepath.Join(dir, "source.txt")
	original := []byte("original content\n")
	if err := os.WriteFile(srcPath, original, 0o644); err != nil {
		t.Fatalf("write source file: %v", err)
	}

	s := New(filepath.Join(dir, "entries"))
	if err := s.Put(sampleEmbedding(t, srcPath, original)); err != nil {
		t.Fatalf("Put: %v", err)
	}

	changed := []byte("a completely different file body\n")
	if err := os.WriteFile(srcPath, changed, 0o644); err != nil {
		t.Fatalf("rewrite source file: %v", err)
	}

	_, ok, err := s.Get(srcPath)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if ok {
		t.Fatal("expected stale entry (content changed) to report a miss")
	}
}

func TestRemoveDeletesEntry(t *testing.T) {
	dir := t.TempDir()
	srcPath := filepath.Join(dir, "source.txt")
	content := []byte("hello\n")
	if err := os.WriteFile(srcPath, content, 0o644); err != nil {
		t.Fatalf("write source file: %v", err)
	}

	s := New(filepath.Join(dir, "entries"))
	if err := s.Put(sampleEmbedding(t, srcPath, content)); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := s.Remove(srcPath); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	_, ok, err := s.Get(srcPath)
	if err != nil {
		t.Fatalf("Get after Remove: %v", err)
	}
	if ok {
		t.Fatal("expected miss after Remove")
	}
}

func TestRemoveMissingEntryIsNotAnError(t *testing.T) {
	s := tempStore(t)
	if err := s.Remove("/never/written.txt"); err != nil {
		t.Fatalf("Remove on absent entry should be a no-op, got: %v", err)
	}
}

func TestListReturnsAllPutPaths(t *testing.T) {
	dir := t.TempDir()
	s := New(filepath.Join(dir, "entries"))

	var paths []string
	for i := 0; i < 3; i++ {
		p := filepath.Join(dir, filepath.Base(t.Name())+string(rune('a'+i))+".txt")
		content := []byte("content " + string(rune('a'+i)))
		if err := os.WriteFile(p, content, 0o644); err != nil {
			t.Fatalf("write source file: %v", err)
		}
		if err := s.Put(sampleEmbedding(t, p, content)); err != nil {
			t.Fatalf("Put: %v", err)
		}
		paths = append(paths, p)
	}

	got, err := s.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(got) != len(paths) {
		t.Fatalf("List returned %d paths, want %d", len(got), len(paths))
	}
	for _, want := range paths {
		found := false
		for _, g := range got {
			if g == want {
				found = true
				break
			}
		}
		if !found {
			t.Errorf("List missing expected path %q", want)
		}
	}
}

func TestListOnEmptyStoreIsEmpty(t *testing.T) {
	s := tempStore(t)
	got, err := s.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected empty list, got %v", got)
	}
}

func TestReadRejectsBadMagic(t *testing.T) {
	dir := t.TempDir()
	badPath := filepath.Join(dir, "bad.bin")
	if err := os.WriteFile(badPath, []byte("not a semtools artifact at all"), 0o644); err != nil {
		t.Fatalf("write corrupt artifact: %v", err)
	}
	f, err := os.Open(badPath)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()

	if _, err := read(f); err == nil {
		t.Fatal("expected error reading a file with invalid magic bytes")
	}
}
