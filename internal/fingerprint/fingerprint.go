// Package fingerprint computes content-addressing hashes used to key
// workspace cache entries and to detect stale ones.
package fingerprint

import (
	"crypto/sha256"
	"fmt"
)

// Size is the byte length of a content fingerprint.
const Size = sha256.Size

// OptsSize is the byte length of a tokenizer-options fingerprint, per the
// artifact layout's opts_fingerprint(16) field.
const OptsSize = 16

// Content returns the SHA-256 fingerprint of raw file bytes.
func Content(data []byte) [Size]byte {
	return sha256.Sum256(data)
}

// Opts fingerprints the tokenizer options that participate in the cache key:
// window size, stride, case-folding, model id and model version. Changing
// any of these must produce a different fingerprint so a cache entry built
// under old options is treated as stale rather than silently reused.
func Opts(windowLines, strideLines int, caseFold bool, modelID, modelVersion string) [OptsSize]byte {
	s := fmt.Sprintf("w=%d|s=%d|c=%t|m=%s|v=%s", windowLines, strideLines, caseFold, modelID, modelVersion)
	full := sha256.Sum256([]byte(s))
	var out [OptsSize]byte
	copy(out[:], full[:OptsSize])
	return out
}

// Equal reports whether two fingerprints of any matching byte length match.
func Equal(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

