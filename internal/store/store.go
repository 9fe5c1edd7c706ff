// Package store persists per-file embedding artifacts to disk. Each
// artifact is a FileEmbedding: the window line-spans and their vectors for
// one source file, keyed by that file's absolute path, content fingerprint,
// and tokenizer-options fingerprint (spec §3/§4.4).
//
// The on-disk byte layout matches spec §6 exactly:
//
//	magic(4) | schema_version(u16) | D(u16) | N(u32) | fingerprint(32) |
//	opts_fingerprint(16) | path_len(u16) | path_utf8 |
//	window_spans(2*N*i32) | vectors(N*D*f32)
package store

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/run-llama/semtools/internal/fingerprint"
)

// magic identifies a semtools FileEmbedding artifact.
var magic = [4]byte{'S', 'T', 'F', 'E'}

// SchemaVersion is bumped whenever the binary layout changes.
const SchemaVersion = uint16(1)

// WindowSpan is a window's line range, stored without its text — text is
// rehydrated from disk at query time using the span, keyed by the
// fingerprint that must still match (spec §3).
type WindowSpan struct {
	StartLine int32
	EndLine   int32
}

// FileEmbedding is the persisted per-file artifact (spec §3).
type FileEmbedding struct {
	Path            string     // absolute, canonical
	Fingerprint     [32]byte   // content fingerprint
	OptsFingerprint [16]byte   // tokenizer-options fingerprint
	Dim             int        // D
	Windows         []WindowSpan
	Vectors         []float32 // contiguous N x D, row-major
}

// N returns the number of windows/vectors in the artifact.
func (fe *FileEmbedding) N() int { return len(fe.Windows) }

// Vector returns the i-th window's vector as a slice view into Vectors.
func (fe *FileEmbedding) Vector(i int) []float32 {
	return fe.Vectors[i*fe.Dim : (i+1)*fe.Dim]
}

// Store is an on-disk, content-addressed cache of FileEmbeddings rooted at
// a workspace's entries directory.
type Store struct {
	entriesDir string
}

// New creates a Store rooted at entriesDir. The directory need not exist
// yet: Put creates it on the first write.
func New(entriesDir string) *Store {
	return &Store{entriesDir: entriesDir}
}

// pathFor returns the artifact file for a given absolute source path,
// named by a hash of that path so arbitrary filesystem paths map to safe
// filenames (spec §6: "entries/<hash-of-abs-path>.bin").
func (s *Store) pathFor(absPath string) string {
	h := fingerprint.Content([]byte(absPath))
	return filepath.Join(s.entriesDir, fmt.Sprintf("%x.bin", h[:16]))
}

// Get returns the entry for absPath only if the file still exists on disk
// and its current content fingerprint matches the stored one — an entry
// whose source changed or vanished is stale and Get reports it as absent
// (spec §4.4).
func (s *Store) Get(absPath string) (*FileEmbedding, bool, error) {
	fe, err := s.read(s.pathFor(absPath))
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if fe.Path != absPath {
		// Hash collision across distinct paths — treat as a miss rather
		// than returning someone else's entry.
		return nil, false, nil
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		// Source file gone or unreadable: stale by definition.
		return nil, false, nil
	}
	current := fingerprint.Content(data)
	if !fingerprint.Equal(current[:], fe.Fingerprint[:]) {
		return nil, false, nil
	}
	return fe, true, nil
}

// Put writes fe atomically via write-to-temp-then-rename, overwriting any
// prior entry for fe.Path (spec §4.4).
func (s *Store) Put(fe *FileEmbedding) error {
	if err := os.MkdirAll(s.entriesDir, 0o755); err != nil {
		return fmt.Errorf("mkdir entries dir: %w", err)
	}
	final := s.pathFor(fe.Path)
	tmp := final + ".tmp"

	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create temp artifact: %w", err)
	}
	if err := write(f, fe); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("write artifact: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close temp artifact: %w", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename artifact into place: %w", err)
	}
	return nil
}

// Remove deletes the entry for absPath, if any.
func (s *Store) Remove(absPath string) error {
	err := os.Remove(s.pathFor(absPath))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// List iterates every known entry's source path by reading the entries
// directory; the directory listing is the manifest (spec §4.5).
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.entriesDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var paths []string
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".bin" {
			continue
		}
		fe, err := s.read(filepath.Join(s.entriesDir, e.Name()))
		if err != nil {
			continue // corrupt entry: not listed; it is overwritten when its source is next embedded
		}
		paths = append(paths, fe.Path)
	}
	return paths, nil
}

func (s *Store) read(path string) (*FileEmbedding, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return read(f)
}

// write serializes fe to w in the spec §6 byte layout.
func write(w io.Writer, fe *FileEmbedding) error {
	bw := &binaryWriter{w: w}
	bw.write(magic)
	bw.writeU16(SchemaVersion)
	bw.writeU16(uint16(fe.Dim))
	bw.writeU32(uint32(fe.N()))
	bw.write(fe.Fingerprint)
	bw.write(fe.OptsFingerprint)
	pathBytes := []byte(fe.Path)
	bw.writeU16(uint16(len(pathBytes)))
	bw.raw(pathBytes)
	for _, ws := range fe.Windows {
		bw.writeI32(ws.StartLine)
		bw.writeI32(ws.EndLine)
	}
	for _, v := range fe.Vectors {
		bw.writeF32(v)
	}
	return bw.err
}

// read deserializes a FileEmbedding previously written by write.
func read(r io.Reader) (*FileEmbedding, error) {
	br := &binaryReader{r: r}

	var gotMagic [4]byte
	br.read(&gotMagic)
	if br.err != nil {
		return nil, br.err
	}
	if gotMagic != magic {
		return nil, fmt.Errorf("invalid magic bytes — artifact may be corrupted")
	}

	version := br.readU16()
	if version != SchemaVersion {
		return nil, fmt.Errorf("unsupported schema version %d (expected %d)", version, SchemaVersion)
	}

	dim := int(br.readU16())
	n := int(br.readU32())

	fe := &FileEmbedding{Dim: dim}
	br.read(&fe.Fingerprint)
	br.read(&fe.OptsFingerprint)

	pathLen := int(br.readU16())
	pathBytes := make([]byte, pathLen)
	br.rawInto(pathBytes)
	fe.Path = string(pathBytes)

	if br.err != nil {
		return nil, fmt.Errorf("read header: %w", br.err)
	}

	fe.Windows = make([]WindowSpan, n)
	for i := range fe.Windows {
		fe.Windows[i] = WindowSpan{StartLine: br.readI32(), EndLine: br.readI32()}
	}

	fe.Vectors = make([]float32, n*dim)
	for i := range fe.Vectors {
		fe.Vectors[i] = br.readF32()
	}

	if br.err != nil {
		return nil, fmt.Errorf("read body: %w", br.err)
	}
	return fe, nil
}

// binaryWriter wraps an io.Writer and accumulates the first error, the
// same pattern the teacher used for its HNSW graph serialization.
type binaryWriter struct {
	w   io.Writer
	err error
}

func (bw *binaryWriter) write(v interface{}) {
	if bw.err != nil {
		return
	}
	bw.err = binary.Write(bw.w, binary.LittleEndian, v)
}
func (bw *binaryWriter) raw(b []byte) {
	if bw.err != nil {
		return
	}
	_, bw.err = bw.w.Write(b)
}
func (bw *binaryWriter) writeU16(v uint16) { bw.write(v) }
func (bw *binaryWriter) writeU32(v uint32) { bw.write(v) }
func (bw *binaryWriter) writeI32(v int32)  { bw.write(v) }
func (bw *binaryWriter) writeF32(v float32) { bw.write(v) }

// binaryReader wraps an io.Reader and accumulates the first error.
type binaryReader struct {
	r   io.Reader
	err error
}

func (br *binaryReader) read(v interface{}) {
	if br.err != nil {
		return
	}
	br.err = binary.Read(br.r, binary.LittleEndian, v)
}
func (br *binaryReader) rawInto(b []byte) {
	if br.err != nil {
		return
	}
	_, br.err = io.ReadFull(br.r, b)
}
func (br *binaryReader) readU16() uint16 {
	var v uint16
	br.read(&v)
	return v
}
func (br *binaryReader) readU32() uint32 {
	var v uint32
	br.read(&v)
	return v
}
func (br *binaryReader) readI32() int32 {
	var v int32
	br.read(&v)
	return v
}
func (br *binaryReader) readF32() float32 {
	var v float32
	br.read(&v)
	return v
}
