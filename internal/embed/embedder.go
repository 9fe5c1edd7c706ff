// Package embed provides static multilingual text embedding: a fixed
// per-token vector table, mean-pooled over a tokenized string and
// L2-normalized. Unlike a transformer, there is no attention context to
// build and no native runtime to load — embedding is CPU-only table lookup
// and addition, which is what makes it fast enough to run per-query with
// zero external dependencies (spec §4.1).
package embed

import (
	"encoding/binary"
	"encoding/json"
	"io"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/daulet/tokenizers"
	"github.com/run-llama/semtools/internal/errs"
)

// defaultBatchSize is the chunk size Embed walks its input in; each string
// within a chunk is still tokenized and pooled on its own.
const defaultBatchSize = 64

// modelHeader is the contents of model.json inside a model directory.
type modelHeader struct {
	ModelID      string `json:"model_id"`
	ModelVersion string `json:"model_version"`
	Dim          int    `json:"dim"`
	VocabSize    int    `json:"vocab_size"`
}

// Embedder wraps a HuggingFace tokenizer and a static per-token vector
// table. The model is loaded exactly once per process and is immutable
// thereafter, so it is safe to share across concurrent embed calls.
type Embedder struct {
	tokenizer *tokenizers.Tokenizer
	table     []float32 // flat [vocab_size x Dim], row-major
	header    modelHeader
	batchSize int
}

// Dim returns the embedding dimension D. D and ModelID together form part
// of the workspace cache key (spec §4.1).
func (e *Embedder) Dim() int { return e.header.Dim }

// ModelID identifies the loaded model for the cache key.
func (e *Embedder) ModelID() string { return e.header.ModelID }

// ModelVersion identifies the loaded model's version for the cache key.
func (e *Embedder) ModelVersion() string { return e.header.ModelVersion }

// New loads the static embedding model from modelDir, which must contain:
//
//	model.json      {model_id, model_version, dim, vocab_size}
//	tokenizer.json  a HuggingFace tokenizer definition
//	vectors.bin     float32[vocab_size x dim], little-endian, row-major
//
// Model-load errors (missing/corrupt files) are fatal per spec §4.1/§7 —
// there is no per-string failure mode once the model has loaded.
func New(modelDir string) (*Embedder, error) {
	headerPath := filepath.Join(modelDir, "model.json")
	tokenPath := filepath.Join(modelDir, "tokenizer.json")
	vectorsPath := filepath.Join(modelDir, "vectors.bin")

	headerBytes, err := os.ReadFile(headerPath)
	if err != nil {
		return nil, errs.ModelErrorf("embed.New", "model.json not found at %s: %w", headerPath, err)
	}
	var header modelHeader
	if err := json.Unmarshal(headerBytes, &header); err != nil {
		return nil, errs.ModelErrorf("embed.New", "corrupt model.json at %s: %w", headerPath, err)
	}
	if header.Dim <= 0 || header.VocabSize <= 0 {
		return nil, errs.ModelErrorf("embed.New", "model.json at %s has invalid dim/vocab_size", headerPath)
	}

	tk, err := tokenizers.FromFile(tokenPath)
	if err != nil {
		return nil, errs.ModelErrorf("embed.New", "tokenizer not found at %s: %w", tokenPath, err)
	}

	table, err := loadVectors(vectorsPath, header.VocabSize, header.Dim)
	if err != nil {
		tk.Close()
		return nil, errs.ModelErrorf("embed.New", "vectors.bin at %s: %w", vectorsPath, err)
	}

	return &Embedder{
		tokenizer: tk,
		table:     table,
		header:    header,
		batchSize: defaultBatchSize,
	}, nil
}

// loadVectors reads a flat little-endian float32[vocabSize x dim] matrix.
func loadVectors(path string, vocabSize, dim int) ([]float32, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	want := vocabSize * dim
	raw := make([]byte, want*4)
	if _, err := io.ReadFull(f, raw); err != nil {
		return nil, err
	}

	table := make([]float32, want)
	for i := range table {
		bits := binary.LittleEndian.Uint32(raw[i*4 : i*4+4])
		table[i] = math.Float32frombits(bits)
	}
	return table, nil
}

// Close releases the tokenizer. The vector table is plain memory and needs
// no explicit release.
func (e *Embedder) Close() {
	if e.tokenizer != nil {
		e.tokenizer.Close()
	}
}

// Embed embeds a batch of strings into unit-normalized float32 vectors.
// zeroRows reports which output indices are zero vectors (empty string, or
// a string whose tokens all fell outside the vocabulary) so callers can
// skip them, per spec §4.1 ("any zero-norm row is reported and skipped by
// callers").
func (e *Embedder) Embed(texts []string) (vectors [][]float32, zeroRows []int, err error) {
	vectors = make([][]float32, 0, len(texts))
	for i := 0; i < len(texts); i += e.batchSize {
		end := i + e.batchSize
		if end > len(texts) {
			end = len(texts)
		}
		for _, text := range texts[i:end] {
			vec, isZero := e.embedOne(text)
			if isZero {
				zeroRows = append(zeroRows, len(vectors))
			}
			vectors = append(vectors, vec)
		}
	}
	return vectors, zeroRows, nil
}

// embedOne tokenizes text, mean-pools the per-token rows of the static
// table, and L2-normalizes. Returns (zero vector, true) when there are no
// in-vocabulary tokens to pool over.
func (e *Embedder) embedOne(text string) ([]float32, bool) {
	if text == "" {
		return make([]float32, e.header.Dim), true
	}
	ids := e.tokenizer.EncodeWithOptions(text, false).IDs
	return meanPool(ids, e.table, e.header.VocabSize, e.header.Dim)
}

// meanPool averages the static table rows for ids, then L2-normalizes.
// Split out from embedOne as a pure function so the pooling/normalization
// math can be unit-tested without a real tokenizer.
func meanPool(ids []uint32, table []float32, vocabSize, dim int) ([]float32, bool) {
	vec := make([]float32, dim)
	count := 0
	for _, id := range ids {
		if int(id) >= vocabSize {
			continue
		}
		base := int(id) * dim
		row := table[base : base+dim]
		for d := 0; d < dim; d++ {
			vec[d] += row[d]
		}
		count++
	}
	if count == 0 {
		return vec, true
	}

	inv := float32(1.0 / float64(count))
	for d := range vec {
		vec[d] *= inv
	}

	if !l2Normalize(vec) {
		return vec, true
	}
	return vec, false
}

// BenchmarkSingle embeds a single text and returns phase timings for the
// `semtools bench` command.
func (e *Embedder) BenchmarkSingle(text string) (tokenize, pool, total time.Duration, err error) {
	t0 := time.Now()
	_ = e.tokenizer.EncodeWithOptions(text, false).IDs
	tokenize = time.Since(t0)

	t1 := time.Now()
	e.embedOne(text)
	pool = time.Since(t1)

	total = time.Since(t0)
	return tokenize, pool, total, nil
}

// l2Normalize normalizes v in-place to unit length. Returns false if v's
// norm is too small to normalize meaningfully (treated as a zero row).
func l2Normalize(v []float32) bool {
	var norm float64
	for _, x := range v {
		norm += float64(x) * float64(x)
	}
	norm = math.Sqrt(norm)
	if norm < 1e-10 {
		return false
	}
	inv := float32(1.0 / norm)
	for i := range v {
		v[i] *= inv
	}
	return true
}
