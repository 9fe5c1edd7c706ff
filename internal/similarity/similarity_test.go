package similarity

import "testing"

func TestRankTopKOrdersByAscendingDistance(t *testing.T) {
	q := []float32{1, 0}
	candidates := [][]float32{
		{0, 1},  // orthogonal, distance 1
		{1, 0},  // identical, distance 0
		{-1, 0}, // opposite, distance 2
	}
	got := Rank(q, candidates, Selection{Mode: TopK, K: 2})
	if len(got) != 2 {
		t.Fatalf("expected 2 results, got %d", len(got))
	}
	if got[0].Index != 1 {
		t.Errorf("closest match should be index 1 (identical vector), got %d", got[0].Index)
	}
	if got[0].Distance > got[1].Distance {
		t.Errorf("results should be ascending by distance: %+v", got)
	}
}

func TestRankThresholdExcludesFarCandidates(t *testing.T) {
	q := []float32{1, 0}
	candidates := [][]float32{
		{1, 0},  // distance 0
		{0, 1},  // distance 1
		{-1, 0}, // distance 2
	}
	got := Rank(q, candidates, Selection{Mode: Threshold, Tau: 0.5})
	if len(got) != 1 {
		t.Fatalf("expected 1 result within tau=0.5, got %d: %+v", len(got), got)
	}
	if got[0].Index != 0 {
		t.Errorf("expected index 0, got %d", got[0].Index)
	}
}

func TestRankThresholdEmptyForUnrelated(t *testing.T) {
	q := []float32{1, 0}
	candidates := [][]float32{{-1, 0}}
	got := Rank(q, candidates, Selection{Mode: Threshold, Tau: 0})
	if len(got) != 0 {
		t.Fatalf("expected 0 results, got %d", len(got))
	}
}

func TestRankMonotoneThreshold(t *testing.T) {
	q := []float32{1, 0}
	candidates := [][]float32{{1, 0}, {0.8, 0.6}, {0, 1}, {-1, 0}}
	wide := Rank(q, candidates, Selection{Mode: Threshold, Tau: 1.5})
	narrow := Rank(q, candidates, Selection{Mode: Threshold, Tau: 0.3})

	for _, n := range narrow {
		found := false
		for _, w := range wide {
			if w.Index == n.Index {
				found = true
				break
			}
		}
		if !found {
			t.Errorf("narrower threshold produced a result not present at wider threshold: %+v", n)
		}
	}
}

func TestRankTopKDefaultWhenKZero(t *testing.T) {
	q := []float32{1, 0}
	candidates := make([][]float32, 5)
	for i := range candidates {
		candidates[i] = []float32{1, 0}
	}
	got := Rank(q, candidates, Selection{Mode: TopK, K: 0})
	if len(got) != 3 {
		t.Fatalf("expected default K=3, got %d results", len(got))
	}
}
