// Package similarity ranks candidate vectors against a query vector by
// cosine distance. Both operands must already be unit-normalized, so
// cosine distance reduces to 1 - dot(q, c) (spec §4.3).
//
// Candidates arrive one file at a time from the workspace/ingestion layer;
// the kernel is invoked once per file and the caller merges per-file
// results (spec §4.7 step 5). ANN indices are an explicit non-goal for the
// corpus sizes semtools targets, so this is an exact scan, not a graph.
package similarity

import "container/heap"

// Scored is one ranked candidate: its index within the slice passed to
// Rank, and its cosine distance (1 - cosine similarity) to the query.
type Scored struct {
	Index    int
	Distance float32
}

// Mode selects top-K or max-distance selection (spec §4.3). The two modes
// are mutually exclusive; when both are requested, Threshold wins.
type Mode int

const (
	// TopK returns the K candidates with smallest distance.
	TopK Mode = iota
	// Threshold returns every candidate with distance <= Tau, sorted
	// ascending.
	Threshold
)

// Selection configures one Rank call.
type Selection struct {
	Mode Mode
	K    int     // used when Mode == TopK; spec default is 3
	Tau  float32 // used when Mode == Threshold
}

// DefaultSelection is top-K with K=3, the spec's default when neither
// --top-k nor --max-distance is supplied.
func DefaultSelection() Selection {
	return Selection{Mode: TopK, K: 3}
}

// dot computes the dot product of two equal-length unit vectors, which
// equals their cosine similarity.
func dot(a, b []float32) float32 {
	var sum float32
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}

// Rank scores every row of candidates against q and returns the surviving
// rows per sel, sorted ascending by distance. Ties are NOT broken here —
// the caller breaks ties deterministically by (file order, start line)
// once results from multiple files are merged (spec §4.3/§5).
func Rank(q []float32, candidates [][]float32, sel Selection) []Scored {
	switch sel.Mode {
	case Threshold:
		return rankThreshold(q, candidates, sel.Tau)
	default:
		k := sel.K
		if k <= 0 {
			k = 3
		}
		return rankTopK(q, candidates, k)
	}
}

func rankThreshold(q []float32, candidates [][]float32, tau float32) []Scored {
	var out []Scored
	for i, c := range candidates {
		d := 1 - dot(q, c)
		if d <= tau {
			out = append(out, Scored{Index: i, Distance: d})
		}
	}
	sortByDistance(out)
	return out
}

// rankTopK keeps a bounded max-heap of the K smallest distances seen so
// far: the heap root is always the worst (largest-distance) kept
// candidate, so a new candidate only needs comparing against the root.
func rankTopK(q []float32, candidates [][]float32, k int) []Scored {
	h := &maxDistHeap{}
	heap.Init(h)

	for i, c := range candidates {
		d := 1 - dot(q, c)
		if h.Len() < k {
			heap.Push(h, Scored{Index: i, Distance: d})
			continue
		}
		if d < (*h)[0].Distance {
			heap.Pop(h)
			heap.Push(h, Scored{Index: i, Distance: d})
		}
	}

	out := make([]Scored, h.Len())
	copy(out, *h)
	sortByDistance(out)
	return out
}

// sortByDistance is a small insertion sort — result sets here are bounded
// by K or by the per-file candidate count, both expected to be small.
func sortByDistance(s []Scored) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j].Distance < s[j-1].Distance; j-- {
			s[j], s[j-1] = s[j-1], s[j]
		}
	}
}

// maxDistHeap is a container/heap max-heap ordered by Distance, i.e. the
// root is the worst (largest-distance) element — the same pattern the
// teacher's HNSW layer search used to bound its candidate set.
type maxDistHeap []Scored

func (h maxDistHeap) Len() int            { return len(h) }
func (h maxDistHeap) Less(i, j int) bool  { return h[i].Distance > h[j].Distance }
func (h maxDistHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *maxDistHeap) Push(x interface{}) { *h = append(*h, x.(Scored)) }
func (h *maxDistHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}
