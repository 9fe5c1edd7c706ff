// Package workspace manages named, on-disk workspaces: each workspace owns
// a directory of FileEmbedding artifacts (internal/store) plus a small
// header recording which model produced them. Concurrent semtools
// processes sharing a workspace coordinate through a cross-process file
// lock held only around the header rename step (spec §4.4/§5).
package workspace

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"github.com/run-llama/semtools/internal/errs"
	"github.com/run-llama/semtools/internal/store"
)

const (
	headerFile   = "header.json"
	entriesDir   = "entries"
	lockFile     = ".workspace.lock"
	envWorkspace = "SEMTOOLS_WORKSPACE"
)

// Header is the small metadata file at the root of a workspace directory,
// recording the model identity it was built with so a mismatched model
// can be detected instead of silently returning wrong-dimension results.
type Header struct {
	Name         string    `json:"name"`
	ModelID      string    `json:"model_id"`
	ModelVersion string    `json:"model_version"`
	Dim          int       `json:"dim"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Workspace is an opened, named cache directory.
type Workspace struct {
	Name   string
	dir    string
	Header Header
	Store  *store.Store
	lock   *flock.Flock
}

// Status summarizes a workspace for `semtools workspace status`.
type Status struct {
	Name       string
	Dir        string
	ModelID    string
	NumEntries int
	UpdatedAt  time.Time
}

// Root returns the base directory under which all named workspaces live,
// honoring SEMTOOLS_WORKSPACE_ROOT for tests and XDG-style overrides, and
// falling back to <home>/.semtools/workspaces otherwise.
func Root() (string, error) {
	if root := os.Getenv("SEMTOOLS_WORKSPACE_ROOT"); root != "" {
		return root, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", errs.WorkspaceErrorf("workspace.Root", "resolve user home dir: %w", err)
	}
	return filepath.Join(home, ".semtools", "workspaces"), nil
}

// ActiveName resolves which workspace a bare `semtools search` invocation
// should use: the SEMTOOLS_WORKSPACE environment variable, or "" to mean
// "no workspace — embed and rank in-memory, cache nothing" (spec §4.4).
func ActiveName() string {
	return os.Getenv(envWorkspace)
}

// Use opens (creating if absent) the named workspace, validating that its
// recorded model identity matches modelID/modelVersion/dim. A mismatch is
// a Workspace error: the cache cannot be reused across models (spec §4.4).
func Use(name, modelID, modelVersion string, dim int) (*Workspace, error) {
	if name == "" {
		return nil, errs.WorkspaceErrorf("workspace.Use", "workspace name must not be empty")
	}
	root, err := Root()
	if err != nil {
		return nil, err
	}
	dir := filepath.Join(root, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errs.WorkspaceErrorf("workspace.Use", "create workspace dir %s: %w", dir, err)
	}

	fl := flock.New(filepath.Join(dir, lockFile))

	hdrPath := filepath.Join(dir, headerFile)
	hdr, err := readHeader(hdrPath)
	if os.IsNotExist(err) {
		hdr = Header{
			Name:         name,
			ModelID:      modelID,
			ModelVersion: modelVersion,
			Dim:          dim,
			CreatedAt:    time.Now(),
			UpdatedAt:    time.Now(),
		}
		if err := writeHeader(dir, hdrPath, hdr, fl); err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, errs.WorkspaceErrorf("workspace.Use", "read header for %s: %w", name, err)
	} else if hdr.ModelID != modelID || hdr.ModelVersion != modelVersion || hdr.Dim != dim {
		return nil, errs.WorkspaceErrorf("workspace.Use",
			"workspace %q was built with model %s@%s (dim %d); current model is %s@%s (dim %d) — use a different workspace or recreate this one",
			name, hdr.ModelID, hdr.ModelVersion, hdr.Dim, modelID, modelVersion, dim)
	}

	return &Workspace{
		Name:   name,
		dir:    dir,
		Header: hdr,
		Store:  store.New(filepath.Join(dir, entriesDir)),
		lock:   fl,
	}, nil
}

// Touch records that the workspace was just written to.
func (w *Workspace) Touch() error {
	w.Header.UpdatedAt = time.Now()
	return writeHeader(w.dir, filepath.Join(w.dir, headerFile), w.Header, w.lock)
}

// readHeader loads header.json, returning os.ErrNotExist-wrapping error
// when the workspace has never been used before.
func readHeader(path string) (Header, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Header{}, err
	}
	var hdr Header
	if err := json.Unmarshal(data, &hdr); err != nil {
		return Header{}, fmt.Errorf("corrupt header.json at %s: %w", path, err)
	}
	return hdr, nil
}

// writeHeader serializes hdr to a temp file and renames it into place
// while holding fl, so concurrent processes never observe a half-written
// header (spec §5: "the rename step is guarded by a cross-process lock").
func writeHeader(dir, path string, hdr Header, fl *flock.Flock) error {
	if err := fl.Lock(); err != nil {
		return errs.WorkspaceErrorf("workspace.writeHeader", "acquire workspace lock: %w", err)
	}
	defer fl.Unlock()

	data, err := json.MarshalIndent(hdr, "", "  ")
	if err != nil {
		return errs.WorkspaceErrorf("workspace.writeHeader", "marshal header: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return errs.WorkspaceErrorf("workspace.writeHeader", "write temp header: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return errs.WorkspaceErrorf("workspace.writeHeader", "rename header into place: %w", err)
	}
	return nil
}

// StatusOf reports the status of a named workspace without holding it open
// for searching, for `semtools workspace status`.
func StatusOf(name string) (Status, error) {
	root, err := Root()
	if err != nil {
		return Status{}, err
	}
	dir := filepath.Join(root, name)
	hdr, err := readHeader(filepath.Join(dir, headerFile))
	if err != nil {
		return Status{}, errs.WorkspaceErrorf("workspace.StatusOf", "workspace %q: %w", name, err)
	}
	s := store.New(filepath.Join(dir, entriesDir))
	paths, err := s.List()
	if err != nil {
		return Status{}, errs.WorkspaceErrorf("workspace.StatusOf", "list entries for %q: %w", name, err)
	}
	return Status{
		Name:       name,
		Dir:        dir,
		ModelID:    hdr.ModelID,
		NumEntries: len(paths),
		UpdatedAt:  hdr.UpdatedAt,
	}, nil
}

// List enumerates every known workspace name under Root.
func List() ([]string, error) {
	root, err := Root()
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errs.WorkspaceErrorf("workspace.List", "read workspace root: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	return names, nil
}

// Prune removes cache entries in the named workspace whose source path no
// longer exists, or whose content fingerprint no longer matches what was
// cached, returning the number of entries removed (spec §4.5, `semtools
// workspace prune`). Store.Get already implements both checks to decide
// cache hits; Prune reuses it rather than re-deriving the staleness rule.
func Prune(name string) (int, error) {
	root, err := Root()
	if err != nil {
		return 0, err
	}
	dir := filepath.Join(root, name)
	s := store.New(filepath.Join(dir, entriesDir))
	paths, err := s.List()
	if err != nil {
		return 0, errs.WorkspaceErrorf("workspace.Prune", "list entries for %q: %w", name, err)
	}
	removed := 0
	for _, p := range paths {
		_, fresh, err := s.Get(p)
		if err != nil {
			return removed, errs.WorkspaceErrorf("workspace.Prune", "check entry %s: %w", p, err)
		}
		if fresh {
			continue
		}
		if err := s.Remove(p); err != nil {
			return removed, errs.WorkspaceErrorf("workspace.Prune", "remove stale entry %s: %w", p, err)
		}
		removed++
	}
	return removed, nil
}

// Delete removes an entire named workspace, including its cached entries.
func Delete(name string) error {
	root, err := Root()
	if err != nil {
		return err
	}
	dir := filepath.Join(root, name)
	if err := os.RemoveAll(dir); err != nil {
		return errs.WorkspaceErrorf("workspace.Delete", "remove workspace %q: %w", name, err)
	}
	return nil
}
