package router

import (
	"testing"

	"github.com/mallob-go/core/pkg/wire"
)

// TestExpanderGraphValidity is the spec §8 universal invariant: exact
// degree r, no duplicate neighbors, and no self-loops.
func TestExpanderGraphValidity(t *testing.T) {
	const size, degree = 20, 4
	g := NewExpanderGraph(size, degree, 7)
	for rank := 0; rank < size; rank++ {
		neighbors := g.Neighbors(rank)
		if len(neighbors) != degree {
			t.Fatalf("rank %d has %d neighbors, want %d", rank, len(neighbors), degree)
		}
		seen := make(map[int]bool)
		for _, n := range neighbors {
			if n == rank {
				t.Fatalf("rank %d has itself as a neighbor", rank)
			}
			if seen[n] {
				t.Fatalf("rank %d has duplicate neighbor %d", rank, n)
			}
			seen[n] = true
		}
	}
}

func TestExpanderGraphDeterministic(t *testing.T) {
	g1 := NewExpanderGraph(16, 3, 99)
	g2 := NewExpanderGraph(16, 3, 99)
	for rank := 0; rank < 16; rank++ {
		a, b := g1.Neighbors(rank), g2.Neighbors(rank)
		if len(a) != len(b) {
			t.Fatalf("rank %d: neighbor count mismatch across identical seeds", rank)
		}
		for i := range a {
			if a[i] != b[i] {
				t.Fatalf("rank %d: neighbor %d differs across identical seeds", rank, i)
			}
		}
	}
}

func TestBounceHandsOffToCollectiveAssignmentAfterEnoughHops(t *testing.T) {
	g := NewExpanderGraph(10, 3, 1)
	var handedOff wire.JobRequest
	cfg := Config{HopsUntilCollectiveAssignment: 2, ReactivationSchedulingEnabled: true}
	r := New(g, 0, cfg, func(req wire.JobRequest) { handedOff = req }, nil)

	req := wire.JobRequest{JobID: 1, NumHops: 1, RequestedNodeIndex: 1}
	_, ok := r.Bounce(req, 5)
	if !ok {
		t.Fatal("expected hand-off to collective assignment")
	}
	if handedOff.JobID != 1 {
		t.Fatalf("collective assignment received wrong request: %+v", handedOff)
	}
}

func TestBounceNeverPicksSenderOrRequester(t *testing.T) {
	g := NewExpanderGraph(6, 2, 3)
	cfg := Config{HopsUntilCollectiveAssignment: 1000, Derandomize: true}
	r := New(g, 0, cfg, nil, nil)

	req := wire.JobRequest{JobID: 1, RequestingNodeRank: 2}
	for hop := 0; hop < 20; hop++ {
		next, handedOff := r.Bounce(req, 1)
		if handedOff {
			t.Fatal("did not expect hand-off with a high hop threshold")
		}
		if next == 1 || next == 2 {
			t.Fatalf("bounced back to sender/requester: %d", next)
		}
	}
}

func TestBounceTargetedConvertsToNormalAfterCacheSizeAttempts(t *testing.T) {
	cfg := Config{JobCacheSize: 2}
	r := New(NewExpanderGraph(4, 1, 1), 0, cfg, nil, nil)

	candidates := []int{9}
	if _, convert := r.BounceTargeted(candidates, 0); convert {
		t.Fatal("should not convert to normal on first attempt")
	}
	if _, convert := r.BounceTargeted(candidates, 2); !convert {
		t.Fatal("expected conversion to normal once attempts reach jobCacheSize")
	}
}
