// Package router implements the Request Router (spec §4.D): bouncing
// un-fulfilled JobRequests along a pre-computed expander graph, with a
// collective-assignment fallback after enough hops, plus targeted rejoin
// against a job tree's dormant cache.
package router

import "math/rand"

// ExpanderGraph is a degree-r random graph over n ranks, built once at
// startup from a seeded generator: the same size, degree and seed always
// yield the same graph. Grounded on the teacher's
// randomElectionTimeout/rand.Int63n idiom (internal/raft/raft.go),
// generalized from picking one random duration to building a whole
// adjacency table.
type ExpanderGraph struct {
	neighbors [][]int
	degree    int
}

// NewExpanderGraph builds a graph over size ranks in which every rank has
// exactly r neighbors, none of them itself. r must be less than size/2 per
// spec §4.D: a larger r is lowered to size/2-1, and r is at least 1. The
// graph is not necessarily symmetric: when a picks b, a is added to b's list
// only if b's list still has room. With fewer than 2 ranks every neighbor
// list is empty.
func NewExpanderGraph(size, r int, seed int64) *ExpanderGraph {
	if r >= size/2 {
		r = size/2 - 1
	}
	if r < 1 {
		r = 1
	}
	rng := rand.New(rand.NewSource(seed))
	g := &ExpanderGraph{neighbors: make([][]int, size), degree: r}
	if size < 2 {
		return g
	}
	present := make([]map[int]bool, size)
	for i := range present {
		present[i] = make(map[int]bool)
	}

	for a := 0; a < size; a++ {
		for len(g.neighbors[a]) < r {
			b := rng.Intn(size)
			if b == a || present[a][b] {
				continue
			}
			g.neighbors[a] = append(g.neighbors[a], b)
			present[a][b] = true
			if !present[b][a] && len(g.neighbors[b]) < r {
				g.neighbors[b] = append(g.neighbors[b], a)
				present[b][a] = true
			}
		}
	}
	return g
}

// Neighbors returns rank's outgoing bounce alternatives.
func (g *ExpanderGraph) Neighbors(rank int) []int {
	return g.neighbors[rank]
}

// Degree returns r, the graph's fixed out-degree.
func (g *ExpanderGraph) Degree() int {
	return g.degree
}
