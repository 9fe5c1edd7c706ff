// Package window splits file text into overlapping line-anchored windows,
// the unit of retrieval for semantic search.
package window

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
)

// SupportedExtensions is the set of file extensions search will index.
// Unrecognized extensions and binary files are skipped (spec §4.7 step 1,
// "filter to text-like files").
var SupportedExtensions = map[string]bool{
	".md": true, ".txt": true, ".go": true, ".py": true,
	".js": true, ".ts": true, ".rs": true, ".c": true,
	".cpp": true, ".h": true, ".json": true, ".yaml": true,
	".yml": true, ".toml": true, ".kdl": true, ".conf": true,
	".rst": true, ".tex": true, ".sh": true, ".java": true,
}

// Window is one retrieval unit: a contiguous, 1-based inclusive line range
// plus the joined text of those lines.
type Window struct {
	StartLine int // 1-based
	EndLine   int // inclusive
	Text      string
}

// Options controls window granularity (spec §4.2).
type Options struct {
	// WindowLines is how many source lines make up one window.
	WindowLines int
	// StrideLines is how many lines the sliding view advances each step.
	StrideLines int
	// CaseFold lowercases window text before it is handed to the embedder.
	// StartLine/EndLine always index into the original, un-folded file.
	CaseFold bool
}

// DefaultOptions returns the spec's default: one line per window, unit
// stride — every source line is its own retrieval unit.
func DefaultOptions() Options {
	return Options{WindowLines: 1, StrideLines: 1, CaseFold: false}
}

// Windowize splits text into overlapping line windows per opts. The file is
// split on "\n", preserving empty lines (a blank line is still a line).
// The final window is emitted even if short; no padding is added.
func Windowize(text string, opts Options) []Window {
	if opts.WindowLines <= 0 {
		opts.WindowLines = 1
	}
	if opts.StrideLines <= 0 {
		opts.StrideLines = 1
	}

	lines := SplitLines(text)
	if len(lines) == 0 {
		return nil
	}

	var windows []Window
	for start := 0; start < len(lines); start += opts.StrideLines {
		end := start + opts.WindowLines
		if end > len(lines) {
			end = len(lines)
		}
		raw := strings.Join(lines[start:end], "\n")
		body := raw
		if opts.CaseFold {
			body = strings.ToLower(body)
		}
		windows = append(windows, Window{
			StartLine: start + 1,
			EndLine:   end,
			Text:      body,
		})
		if end == len(lines) {
			break
		}
	}
	return windows
}

// SplitLines splits on "\n" the way a text editor counts lines: a trailing
// newline does not create an extra empty trailing line. Exported so
// callers that re-read a file for display (context assembly) count lines
// identically to windowing.
func SplitLines(text string) []string {
	if text == "" {
		return nil
	}
	lines := strings.Split(text, "\n")
	if len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}

// IsSupportedFile returns true if the file extension is recognized and the
// file does not appear to be binary (checked via a short header sniff).
func IsSupportedFile(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	if !SupportedExtensions[ext] {
		return false
	}
	return !isBinary(path)
}

// isBinary sniffs the first 512 bytes for a null byte, a strong binary tell.
func isBinary(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return true
	}
	defer f.Close()

	buf := make([]byte, 512)
	n, err := f.Read(buf)
	if err != nil && n == 0 {
		return false // empty file is not binary
	}
	buf = buf[:n]
	return bytes.IndexByte(buf, 0) != -1
}
