// Package query orchestrates a single search invocation: resolving the
// requested files, acquiring their embeddings via internal/ingest, ranking
// candidates per internal/similarity, merging across files, and assembling
// context-line snippets (spec §4.7).
package query

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/run-llama/semtools/internal/errs"
	"github.com/run-llama/semtools/internal/ingest"
	"github.com/run-llama/semtools/internal/similarity"
	"github.com/run-llama/semtools/internal/window"
)

// stdinSyntheticPath is the display name used when FILES is empty and the
// query reads the corpus from standard input (spec §6).
const stdinSyntheticPath = "<stdin>"

// Options configures one search invocation.
type Options struct {
	NLines     int  // context lines before/after, default 3
	IgnoreCase bool // case-fold both text and query
	Recursive  bool // expand directory arguments recursively
	Selection  similarity.Selection
	Window     window.Options
}

// DefaultOptions mirrors the CLI defaults in spec §6.
func DefaultOptions() Options {
	return Options{
		NLines:    3,
		Selection: similarity.DefaultSelection(),
		Window:    window.DefaultOptions(),
	}
}

// Result is one ranked, context-expanded match, matching the JSON record
// shape from spec §4.7.
type Result struct {
	Path         string  `json:"path"`
	StartLine    int     `json:"start_line"`
	EndLine      int     `json:"end_line"`
	ContextStart int     `json:"context_start"`
	ContextEnd   int     `json:"context_end"`
	Distance     float32 `json:"distance"`
	Text         string  `json:"text"`
}

// Embedder is the subset needed to embed a query string.
type Embedder interface {
	Embed(texts []string) ([][]float32, []int, error)
}

// Run executes one search: queryText against the files named by inputs
// (already resolved to concrete file paths — directory expansion happens
// in ResolveFiles), using scheduler to acquire embeddings.
func Run(ctx context.Context, queryText string, files []string, e Embedder, scheduler *ingest.Scheduler, opts Options) ([]Result, error) {
	if strings.TrimSpace(queryText) == "" {
		return nil, errs.InputErrorf("query.Run", "query must not be empty")
	}
	if len(files) == 0 {
		return nil, errs.InputErrorf("query.Run", "no files to search")
	}

	qText := queryText
	if opts.IgnoreCase {
		qText = strings.ToLower(qText)
	}
	qVecs, zero, err := e.Embed([]string{qText})
	if err != nil {
		return nil, errs.ModelErrorf("query.Run", "embed query: %w", err)
	}
	if len(zero) != 0 {
		return nil, nil // query embeds to the zero vector: nothing can match
	}
	qVec := qVecs[0]

	outcomes, err := scheduler.Run(ctx, files, nil)
	if err != nil {
		return nil, errs.ModelErrorf("query.Run", "ingest files: %w", err)
	}

	var all []candidate

	for fi, out := range outcomes {
		if out.Err != nil {
			// A cache-write failure (disk full, permission denied) still
			// leaves a valid in-memory FileEmbedding behind — spec §7
			// requires this invocation's results still include it, only
			// warning that it won't be cached for next time. Anything
			// else (unreadable file, model failure) has no usable FE and
			// is a real skip.
			var e *errs.Error
			if errors.As(out.Err, &e) && e.Kind == errs.Cache && out.FE != nil {
				fmt.Fprintf(os.Stderr, "warn: %s not cached: %v\n", out.Path, out.Err)
			} else {
				fmt.Fprintf(os.Stderr, "skip %s: %v\n", out.Path, out.Err)
				continue
			}
		}
		fe := out.FE
		if fe == nil || fe.N() == 0 {
			continue
		}
		vecs := make([][]float32, fe.N())
		for i := range vecs {
			vecs[i] = fe.Vector(i)
		}
		ranked := similarity.Rank(qVec, vecs, opts.Selection)
		for _, r := range ranked {
			all = append(all, candidate{fileIdx: fi, window: r.Index, distance: r.Distance})
		}
	}

	// Global merge: top-K keeps only the K smallest across all files;
	// threshold mode already filtered per file, so it just needs a final
	// sort (spec §4.7 step 5).
	if opts.Selection.Mode == similarity.TopK {
		k := opts.Selection.K
		if k <= 0 {
			k = 3
		}
		sortCandidates(all)
		if len(all) > k {
			all = all[:k]
		}
	} else {
		sortCandidates(all)
	}

	results := make([]Result, 0, len(all))
	for _, c := range all {
		out := outcomes[c.fileIdx]
		ws := out.FE.Windows[c.window]
		r, err := assembleContext(out.Path, int(ws.StartLine), int(ws.EndLine), opts.NLines, opts.IgnoreCase)
		if err != nil {
			fmt.Fprintf(os.Stderr, "skip %s: %v\n", out.Path, err)
			continue
		}
		r.Distance = c.distance
		results = append(results, r)
	}
	return results, nil
}

// candidate is one ranked window awaiting the final cross-file merge.
type candidate struct {
	fileIdx  int
	window   int // index into outcome.FE.Windows
	distance float32
}

// sortCandidates orders by distance ascending and breaks ties by (file
// order, window start line) — the determinism spec §4.3/§5 require.
func sortCandidates(cs []candidate) {
	sort.SliceStable(cs, func(i, j int) bool {
		if cs[i].distance != cs[j].distance {
			return cs[i].distance < cs[j].distance
		}
		if cs[i].fileIdx != cs[j].fileIdx {
			return cs[i].fileIdx < cs[j].fileIdx
		}
		return cs[i].window < cs[j].window
	})
}

// assembleContext re-reads path, clips [max(1,start-n), min(last,end+n)]
// (spec §4.7 step 6 / §8 property 6), and formats the result record.
func assembleContext(path string, startLine, endLine, nLines int, ignoreCase bool) (Result, error) {
	if path == stdinSyntheticPath {
		return Result{}, fmt.Errorf("context re-read not supported for %s", stdinSyntheticPath)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Result{}, fmt.Errorf("re-read %s: %w", path, err)
	}
	lines := window.SplitLines(string(data))
	lastLine := len(lines)

	ctxStart := startLine - nLines
	if ctxStart < 1 {
		ctxStart = 1
	}
	ctxEnd := endLine + nLines
	if ctxEnd > lastLine {
		ctxEnd = lastLine
	}
	if ctxEnd < ctxStart {
		ctxEnd = ctxStart
	}

	snippet := strings.Join(lines[ctxStart-1:ctxEnd], "\n")
	if ignoreCase {
		snippet = strings.ToLower(snippet)
	}

	return Result{
		Path:         path,
		StartLine:    startLine,
		EndLine:      endLine,
		ContextStart: ctxStart,
		ContextEnd:   ctxEnd,
		Text:         snippet,
	}, nil
}

// ResolveFiles expands directory arguments into concrete supported file
// paths and canonicalizes them (spec §4.7 step 1). When inputs is empty,
// it returns the stdin synthetic path sentinel and the caller is
// responsible for materializing <stdin> content separately.
func ResolveFiles(inputs []string, recursive bool) ([]string, error) {
	if len(inputs) == 0 {
		return []string{stdinSyntheticPath}, nil
	}

	var out []string
	seen := make(map[string]struct{})
	for _, in := range inputs {
		info, err := os.Stat(in)
		if err != nil {
			return nil, errs.InputErrorf("query.ResolveFiles", "%s: %w", in, err)
		}
		if !info.IsDir() {
			abs, err := filepath.Abs(in)
			if err != nil {
				return nil, errs.InputErrorf("query.ResolveFiles", "%s: %w", in, err)
			}
			if _, dup := seen[abs]; !dup {
				seen[abs] = struct{}{}
				out = append(out, abs)
			}
			continue
		}
		if err := walkDir(in, recursive, func(p string) {
			if !window.IsSupportedFile(p) {
				return
			}
			abs, err := filepath.Abs(p)
			if err != nil {
				return
			}
			if _, dup := seen[abs]; !dup {
				seen[abs] = struct{}{}
				out = append(out, abs)
			}
		}); err != nil {
			return nil, errs.InputErrorf("query.ResolveFiles", "walk %s: %w", in, err)
		}
	}
	return out, nil
}

// walkDir lists dir's files, descending into subdirectories only when
// recursive is set; hidden entries are skipped.
func walkDir(dir string, recursive bool, fn func(path string)) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".") {
			continue
		}
		full := filepath.Join(dir, e.Name())
		if e.IsDir() {
			if recursive {
				if err := walkDir(full, recursive, fn); err != nil {
					return err
				}
			}
			continue
		}
		fn(full)
	}
	return nil
}
