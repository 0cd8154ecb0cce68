package selector

import (
	"testing"

	"dbclusterlb/internal/registry"
)

func TestSelectEmptyCandidates(t *testing.T) {
	s := New()
	if _, err := s.Select(nil); err != ErrNoCandidates {
		t.Fatalf("expected ErrNoCandidates, got %v", err)
	}
}

func TestSelectWeightedDistribution(t *testing.T) {
	s := New()
	candidates := []registry.Backend{
		{ID: "a", Weight: 1},
		{ID: "b", Weight: 3},
	}

	counts := map[string]int{}
	const n = 400
	for i := 0; i < n; i++ {
		b, err := s.Select(candidates)
		if err != nil {
			t.Fatal(err)
		}
		counts[b.ID]++
	}

	total := 4
	for _, c := range candidates {
		lower := (n * c.Weight) / total
		upper := (n*c.Weight+total-1)/total + 1 // ceil + 1 slack
		got := counts[c.ID]
		if got < lower || got > upper {
			t.Errorf("backend %s: got %d selections, want in [%d, %d]", c.ID, got, lower, upper)
		}
	}
}

func TestSelectDeterministicTieBreak(t *testing.T) {
	s := New()
	candidates := []registry.Backend{
		{ID: "z", Weight: 1},
		{ID: "a", Weight: 1},
	}
	// On the very first call all cursors start at 0 then get bumped by
	// weight in id-sorted order, so "a" (lexicographically first) wins ties.
	b, err := s.Select(candidates)
	if err != nil {
		t.Fatal(err)
	}
	if b.ID != "a" {
		t.Errorf("expected tie-break to favor lexicographically first id, got %s", b.ID)
	}
}
