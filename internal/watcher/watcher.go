// Package watcher watches a directory for file changes and triggers
// incremental re-embedding through the ingestion scheduler.
package watcher

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/run-llama/semtools/internal/ingest"
	"github.com/run-llama/semtools/internal/window"
)

// Watcher watches a directory tree for changes and re-embeds touched files
// through a scheduler, so the active workspace's cache stays current.
type Watcher struct {
	fw        *fsnotify.Watcher
	scheduler *ingest.Scheduler
}

// New creates a Watcher that re-embeds through scheduler.
func New(scheduler *ingest.Scheduler) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("fsnotify: %w", err)
	}
	return &Watcher{fw: fw, scheduler: scheduler}, nil
}

// Watch adds rootDir (and all subdirectories) to the watch list and begins
// processing events. It blocks until done is closed or an unrecoverable
// error occurs. Call this in a goroutine.
func (w *Watcher) Watch(rootDir string, done <-chan struct{}) error {
	if err := w.addDirRecursive(rootDir); err != nil {
		return err
	}

	// Debounce map: path→timer
	pending := make(map[string]*time.Timer)

	for {
		select {
		case <-done:
			for _, t := range pending {
				t.Stop()
			}
			return w.fw.Close()

		case event, ok := <-w.fw.Events:
			if !ok {
				return nil
			}
			path := event.Name

			if event.Has(fsnotify.Create) {
				if fi, err := os.Stat(path); err == nil && fi.IsDir() {
					_ = w.addDirRecursive(path)
				}
			}

			if !window.IsSupportedFile(path) {
				continue
			}

			// A deleted or renamed-away file is no longer a valid source
			// for its cached entry — drop it immediately rather than
			// leaving it for the next explicit `workspace prune`, so the
			// store never serves a result against a path watch already
			// knows is gone.
			if event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
				if t, ok := pending[path]; ok {
					t.Stop()
					delete(pending, path)
				}
				if w.scheduler.Store != nil {
					if err := w.scheduler.Store.Remove(path); err != nil {
						fmt.Fprintf(os.Stderr, "[watch] remove stale entry %s: %v\n", path, err)
					}
				}
				continue
			}

			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				// A write whose content fingerprint still matches the
				// cached entry (e.g. an editor save-then-revert, or a
				// metadata-only touch) is not a real cache miss — skip
				// scheduling work for it instead of debouncing an
				// re-embed that Run would itself just turn into a hit.
				if w.scheduler.Store != nil {
					if _, hit, _ := w.scheduler.Store.Get(path); hit {
						continue
					}
				}

				// Debounce: reset timer on rapid saves.
				if t, ok := pending[path]; ok {
					t.Stop()
				}
				pending[path] = time.AfterFunc(500*time.Millisecond, func() {
					fmt.Fprintf(os.Stderr, "[watch] re-embedding %s\n", path)
					results, err := w.scheduler.Run(context.Background(), []string{path}, nil)
					if err != nil {
						fmt.Fprintf(os.Stderr, "[watch] error: %v\n", err)
						return
					}
					if len(results) > 0 && results[0].Err != nil {
						fmt.Fprintf(os.Stderr, "[watch] error: %v\n", results[0].Err)
					}
				})
			}

		case err, ok := <-w.fw.Errors:
			if !ok {
				return nil
			}
			fmt.Fprintf(os.Stderr, "[watch] error: %v\n", err)
		}
	}
}

// addDirRecursive adds dir and all non-hidden subdirectories to the watcher.
func (w *Watcher) addDirRecursive(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	if err := w.fw.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".") {
			continue
		}
		if e.IsDir() {
			if err := w.addDirRecursive(filepath.Join(dir, e.Name())); err != nil {
				// Non-fatal: log and continue.
				fmt.Fprintf(os.Stderr, "[watch] skip dir: %v\n", err)
			}
		}
	}
	return nil
}
