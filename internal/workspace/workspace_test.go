package workspace

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/run-llama/semtools/internal/fingerprint"
	"github.com/run-llama/semtools/internal/store"
)

// putEntry writes a FileEmbedding for srcPath into ws's store, fingerprinted
// against content so Store.Get/Prune's staleness checks behave as they
// would against a real ingest.
func putEntry(t *testing.T, ws *Workspace, srcPath string, content []byte) {
	t.Helper()
	fe := &store.FileEmbedding{
		Path:        srcPath,
		Fingerprint: fingerprint.Content(content),
		Dim:         2,
		Windows:     []store.WindowSpan{{StartLine: 1, EndLine: 1}},
		Vectors:     []float32{1, 0},
	}
	if err := ws.Store.Put(fe); err != nil {
		t.Fatalf("Put %s: %v", srcPath, err)
	}
}

func withTempRoot(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("SEMTOOLS_WORKSPACE_ROOT", dir)
	return dir
}

func TestUseCreatesNewWorkspace(t *testing.T) {
	withTempRoot(t)
	ws, err := Use("proj", "model-a", "v1", 256)
	if err != nil {
		t.Fatalf("Use: %v", err)
	}
	if ws.Header.ModelID != "model-a" {
		t.Errorf("ModelID = %q, want model-a", ws.Header.ModelID)
	}
	if ws.Store == nil {
		t.Fatal("expected a non-nil Store")
	}
}

func TestUseReopensExistingWorkspace(t *testing.T) {
	withTempRoot(t)
	if _, err := Use("proj", "model-a", "v1", 256); err != nil {
		t.Fatalf("first Use: %v", err)
	}
	ws, err := Use("proj", "model-a", "v1", 256)
	if err != nil {
		t.Fatalf("second Use: %v", err)
	}
	if ws.Header.Name != "proj" {
		t.Errorf("Name = %q, want proj", ws.Header.Name)
	}
}

func TestUseRejectsModelMismatch(t *testing.T) {
	withTempRoot(t)
	if _, err := Use("proj", "model-a", "v1", 256); err != nil {
		t.Fatalf("first Use: %v", err)
	}
	_, err := Use("proj", "model-b", "v1", 256)
	if err == nil {
		t.Fatal("expected an error when reopening a workspace with a different model")
	}
}

func TestUseRejectsEmptyName(t *testing.T) {
	withTempRoot(t)
	if _, err := Use("", "model-a", "v1", 256); err == nil {
		t.Fatal("expected an error for an empty workspace name")
	}
}

func TestStatusOfReportsEntryCount(t *testing.T) {
	withTempRoot(t)
	ws, err := Use("proj", "model-a", "v1", 2)
	if err != nil {
		t.Fatalf("Use: %v", err)
	}

	srcDir := t.TempDir()
	srcPath := filepath.Join(srcDir, "a.txt")
	content := []byte("hello")
	if err := os.WriteFile(srcPath, content, 0o644); err != nil {
		t.Fatalf("write source: %v", err)
	}
	putEntry(t, ws, srcPath, content)

	status, err := StatusOf("proj")
	if err != nil {
		t.Fatalf("StatusOf: %v", err)
	}
	if status.NumEntries != 1 {
		t.Errorf("NumEntries = %d, want 1", status.NumEntries)
	}
	if status.ModelID != "model-a" {
		t.Errorf("ModelID = %q, want model-a", status.ModelID)
	}
}

func TestListReturnsWorkspaceNames(t *testing.T) {
	withTempRoot(t)
	if _, err := Use("proj-a", "model-a", "v1", 2); err != nil {
		t.Fatalf("Use proj-a: %v", err)
	}
	if _, err := Use("proj-b", "model-a", "v1", 2); err != nil {
		t.Fatalf("Use proj-b: %v", err)
	}

	names, err := List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(names) != 2 {
		t.Fatalf("expected 2 workspaces, got %v", names)
	}
}

func TestPruneRemovesEntriesForDeletedSources(t *testing.T) {
	withTempRoot(t)
	ws, err := Use("proj", "model-a", "v1", 2)
	if err != nil {
		t.Fatalf("Use: %v", err)
	}

	srcDir := t.TempDir()
	survivorPath := filepath.Join(srcDir, "survivor.txt")
	goneP := filepath.Join(srcDir, "gone.txt")
	survivorContent := []byte("survivor")
	goneContent := []byte("gone")
	if err := os.WriteFile(survivorPath, survivorContent, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := os.WriteFile(goneP, goneContent, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	putEntry(t, ws, survivorPath, survivorContent)
	putEntry(t, ws, goneP, goneContent)

	if err := os.Remove(goneP); err != nil {
		t.Fatalf("remove source: %v", err)
	}

	removed, err := Prune("proj")
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if removed != 1 {
		t.Fatalf("Prune removed %d entries, want 1", removed)
	}

	remaining, err := ws.Store.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(remaining) != 1 || remaining[0] != survivorPath {
		t.Errorf("remaining entries = %v, want [%s]", remaining, survivorPath)
	}
}

func TestPruneRemovesEntriesWithMismatchedFingerprint(t *testing.T) {
	withTempRoot(t)
	ws, err := Use("proj", "model-a", "v1", 2)
	if err != nil {
		t.Fatalf("Use: %v", err)
	}

	srcDir := t.TempDir()
	survivorPath := filepath.Join(srcDir, "survivor.txt")
	editedPath := filepath.Join(srcDir, "edited.txt")
	survivorContent := []byte("survivor")
	originalContent := []byte("original body")
	if err := os.WriteFile(survivorPath, survivorContent, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := os.WriteFile(editedPath, originalContent, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	putEntry(t, ws, survivorPath, survivorContent)
	putEntry(t, ws, editedPath, originalContent)

	// Modify the source after caching it — its cached entry is now keyed
	// by a fingerprint of the old bytes, and the file still exists, so
	// only a fingerprint check (not an existence check) can catch this.
	if err := os.WriteFile(editedPath, []byte("a completely different body"), 0o644); err != nil {
		t.Fatalf("rewrite source: %v", err)
	}

	removed, err := Prune("proj")
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if removed != 1 {
		t.Fatalf("Prune removed %d entries, want 1", removed)
	}

	remaining, err := ws.Store.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(remaining) != 1 || remaining[0] != survivorPath {
		t.Errorf("remaining entries = %v, want [%s]", remaining, survivorPath)
	}
}

func TestDeleteRemovesWorkspaceEntirely(t *testing.T) {
	root := withTempRoot(t)
	if _, err := Use("proj", "model-a", "v1", 2); err != nil {
		t.Fatalf("Use: %v", err)
	}
	if err := Delete("proj"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "proj")); !os.IsNotExist(err) {
		t.Fatalf("expected workspace directory to be gone, stat err = %v", err)
	}
}
