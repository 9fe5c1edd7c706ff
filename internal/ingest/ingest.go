// Package ingest schedules embedding work for a batch of files: cache hits
// are read straight from the workspace store, cache misses are windowed
// and embedded across a bounded worker pool, and results are returned to
// the caller in the order files were supplied once the whole batch has
// finished; results are not streamed while work is in flight.
package ingest

import (
	"context"
	"log/slog"
	"os"
	"runtime"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/run-llama/semtools/internal/errs"
	"github.com/run-llama/semtools/internal/fingerprint"
	"github.com/run-llama/semtools/internal/store"
	"github.com/run-llama/semtools/internal/window"
)

// DefaultConcurrency bounds how many files are embedded at once. The
// embedder itself is CPU-bound table lookups, so this is sized to
// available cores rather than any I/O-bound rule of thumb.
var DefaultConcurrency = runtime.NumCPU()

// Embedder is the subset of *embed.Embedder the scheduler depends on.
// Accepting the interface rather than the concrete type lets tests
// substitute a table-free stand-in instead of loading real model files.
type Embedder interface {
	Dim() int
	ModelID() string
	ModelVersion() string
	Embed(texts []string) (vectors [][]float32, zeroRows []int, err error)
}

// ProgressFunc is called once per file, matching the teacher's
// index-building progress callback shape. hit reports a cache hit. Cache
// hits are reported as they are found; misses are reported together, in
// file order, after every miss has been embedded.
type ProgressFunc func(done, total int, path string, hit bool)

// Result is one file's resolved FileEmbedding, or the error that kept it
// from being embedded. A per-file failure does not abort the batch (spec
// §4.6/§7: Skip errors are reported and ingestion continues).
type Result struct {
	Path string
	FE   *store.FileEmbedding
	Err  error
}

// Scheduler partitions a file list into cache hits and misses, embeds the
// misses across a bounded worker pool, and persists newly computed
// entries back to the store.
type Scheduler struct {
	Embedder    Embedder
	Store       *store.Store // nil means "no workspace": never cache
	Options     window.Options
	Concurrency int
}

// New builds a Scheduler with DefaultConcurrency.
func New(e Embedder, s *store.Store, opts window.Options) *Scheduler {
	return &Scheduler{Embedder: e, Store: s, Options: opts, Concurrency: DefaultConcurrency}
}

// Run resolves a FileEmbedding for every path in files, consulting the
// store first and falling back to the embedder for misses. Results are
// returned in the same order as files regardless of completion order.
func (s *Scheduler) Run(ctx context.Context, files []string, progress ProgressFunc) ([]Result, error) {
	results := make([]Result, len(files))
	total := len(files)
	done := 0

	type job struct {
		idx  int
		path string
	}
	var misses []job

	optsFP := fingerprint.Opts(s.Options.WindowLines, s.Options.StrideLines, s.Options.CaseFold, s.Embedder.ModelID(), s.Embedder.ModelVersion())

	for i, path := range files {
		if s.Store != nil {
			if fe, ok, err := s.Store.Get(path); err == nil && ok && fingerprint.Equal(fe.OptsFingerprint[:], optsFP[:]) {
				results[i] = Result{Path: path, FE: fe}
				done++
				if progress != nil {
					progress(done, total, path, true)
				}
				continue
			}
		}
		misses = append(misses, job{idx: i, path: path})
	}

	if len(misses) == 0 {
		return results, nil
	}

	concurrency := s.Concurrency
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	sem := semaphore.NewWeighted(int64(concurrency))
	g, gctx := errgroup.WithContext(ctx)

	for _, j := range misses {
		j := j
		if err := sem.Acquire(gctx, 1); err != nil {
			// Context cancelled before we could even start this job.
			results[j.idx] = Result{Path: j.path, Err: err}
			continue
		}
		g.Go(func() error {
			defer sem.Release(1)
			fe, err := s.embedFile(j.path, optsFP)
			if err != nil {
				slog.Warn("skipping file", slog.String("path", j.path), slog.Any("err", err))
			}
			results[j.idx] = Result{Path: j.path, FE: fe, Err: err}
			return nil // per-file errors are carried in Result, not fatal to the batch
		})
	}

	if err := g.Wait(); err != nil {
		return results, err
	}

	if progress != nil {
		for _, j := range misses {
			done++
			progress(done, total, j.path, false)
		}
	}

	return results, nil
}

// embedFile windows and embeds a single cache-miss file, writing the
// result back to the store when one is configured.
func (s *Scheduler) embedFile(path string, optsFP [16]byte) (*store.FileEmbedding, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.SkipErrorf("ingest.embedFile", "read %s: %w", path, err)
	}

	windows := window.Windowize(string(data), s.Options)
	if len(windows) == 0 {
		return nil, errs.SkipErrorf("ingest.embedFile", "no windows produced for %s", path)
	}

	texts := make([]string, len(windows))
	for i, w := range windows {
		texts[i] = w.Text
	}

	vectors, zeroRows, err := s.Embedder.Embed(texts)
	if err != nil {
		return nil, errs.ModelErrorf("ingest.embedFile", "embed %s: %w", path, err)
	}
	zeroSet := make(map[int]struct{}, len(zeroRows))
	for _, z := range zeroRows {
		zeroSet[z] = struct{}{}
	}

	fe := &store.FileEmbedding{
		Path:            path,
		Fingerprint:     fingerprint.Content(data),
		OptsFingerprint: optsFP,
		Dim:             s.Embedder.Dim(),
	}
	for i, w := range windows {
		if _, skip := zeroSet[i]; skip {
			continue
		}
		fe.Windows = append(fe.Windows, store.WindowSpan{StartLine: int32(w.StartLine), EndLine: int32(w.EndLine)})
		fe.Vectors = append(fe.Vectors, vectors[i]...)
	}

	if s.Store != nil {
		if err := s.Store.Put(fe); err != nil {
			return fe, errs.CacheErrorf("ingest.embedFile", "cache %s: %w", path, err)
		}
	}
	return fe, nil
}

// CountMisses reports, without embedding anything, how many of files are
// not currently satisfied by the store under optsFP.
func (s *Scheduler) CountMisses(files []string, optsFP [16]byte) int {
	if s.Store == nil {
		return len(files)
	}
	misses := 0
	for _, path := range files {
		fe, ok, err := s.Store.Get(path)
		if err != nil || !ok || !fingerprint.Equal(fe.OptsFingerprint[:], optsFP[:]) {
			misses++
		}
	}
	return misses
}
