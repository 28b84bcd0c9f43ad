package router

import (
	"log/slog"
	"sync"

	"github.com/mallob-go/core/pkg/wire"
)

// CollectiveAssignmentFunc receives a request that has traveled far enough
// to be handed off to batched matching instead of being bounced further.
type CollectiveAssignmentFunc func(req wire.JobRequest)

// Config controls one worker's routing policy.
type Config struct {
	HopsUntilCollectiveAssignment int32
	JobCacheSize                  int
	Derandomize                   bool
	ReactivationSchedulingEnabled bool
}

// Router chooses where to forward an un-fulfilled JobRequest (spec §4.D).
type Router struct {
	graph  *ExpanderGraph
	ownRank int
	cfg    Config
	onCollectiveAssignment CollectiveAssignmentFunc
	log    *slog.Logger

	mu       sync.Mutex
	warnedPow map[int32]bool
	rngState uint64
}

// New creates a Router over graph for ownRank.
func New(graph *ExpanderGraph, ownRank int, cfg Config, onCollectiveAssignment CollectiveAssignmentFunc, log *slog.Logger) *Router {
	if log == nil {
		log = slog.Default()
	}
	return &Router{
		graph:                  graph,
		ownRank:                ownRank,
		cfg:                    cfg,
		onCollectiveAssignment: onCollectiveAssignment,
		log:                    log.With("component", "router", "rank", ownRank),
		warnedPow:              make(map[int32]bool),
		rngState:               uint64(ownRank)*2654435761 + 1,
	}
}

// Bounce implements spec §4.D policies 1-4. It returns the next hop rank, or
// handedOff=true if the request was passed to collective assignment instead.
func (r *Router) Bounce(req wire.JobRequest, senderRank int) (nextHop int, handedOff bool) {
	req.NumHops++

	if req.NumHops >= r.cfg.HopsUntilCollectiveAssignment &&
		(r.cfg.ReactivationSchedulingEnabled || req.RequestedNodeIndex > 0) {
		if r.onCollectiveAssignment != nil {
			r.onCollectiveAssignment(req)
		}
		return 0, true
	}

	r.warnOnPowerOfTwoHops(req.NumHops)

	requester := int(req.RequestingNodeRank)
	if r.cfg.Derandomize {
		return r.pickDerandomized(senderRank, requester), false
	}
	return r.pickRandomized(req, senderRank, requester), false
}

// pickDerandomized chooses a uniform random neighbor, retrying up to the
// neighbor list's size while the candidate equals sender or requester
// (spec §4.D policy 3, derandomized mode).
func (r *Router) pickDerandomized(sender, requester int) int {
	neighbors := r.graph.Neighbors(r.ownRank)
	if len(neighbors) == 0 {
		return r.ownRank
	}
	r.mu.Lock()
	start := int(r.nextRandom() % uint64(len(neighbors)))
	r.mu.Unlock()
	for attempt := 0; attempt < len(neighbors); attempt++ {
		candidate := neighbors[(start+attempt)%len(neighbors)]
		if candidate != sender && candidate != requester {
			return candidate
		}
	}
	return neighbors[0]
}

// nextRandom advances the router's own xorshift state. Callers must hold mu.
func (r *Router) nextRandom() uint64 {
	r.rngState ^= r.rngState << 13
	r.rngState ^= r.rngState >> 7
	r.rngState ^= r.rngState << 17
	return r.rngState
}

// pickRandomized uses a deterministic permutation seeded by
// (3*jobId + 7*index + 11*requester); the hop count selects the index,
// skipping self/requester/sender (spec §4.D policy 3, randomized mode).
func (r *Router) pickRandomized(req wire.JobRequest, sender, requester int) int {
	neighbors := r.graph.Neighbors(r.ownRank)
	if len(neighbors) == 0 {
		return r.ownRank
	}
	seed := 3*int64(req.JobID) + 7*int64(req.RequestedNodeIndex) + 11*int64(requester)
	perm := seededPermutation(seed, len(neighbors))
	for offset := 0; offset < len(neighbors); offset++ {
		idx := perm[(int(req.NumHops)+offset)%len(neighbors)]
		candidate := neighbors[idx]
		if candidate != sender && candidate != requester && candidate != r.ownRank {
			return candidate
		}
	}
	return neighbors[0]
}

func (r *Router) warnOnPowerOfTwoHops(hops int32) {
	if hops <= 0 || hops < 512 || hops&(hops-1) != 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.warnedPow[hops] {
		return
	}
	r.warnedPow[hops] = true
	r.log.Warn("request has bounced an unusually large number of times", "hops", hops)
}

// BounceTargeted sends a request directly to a specific dormant-cache rank
// (spec §4.D "Targeted rejoin"). attemptsSoFar counts prior rejections;
// once it reaches jobCacheSize, the caller should fall back to Bounce.
func (r *Router) BounceTargeted(candidates []int, attemptsSoFar int) (target int, convertToNormal bool) {
	if attemptsSoFar >= r.cfg.JobCacheSize || len(candidates) == 0 {
		return 0, true
	}
	return candidates[0], false
}

func seededPermutation(seed int64, n int) []int {
	perm := make([]int, n)
	for i := range perm {
		perm[i] = i
	}
	// Fisher-Yates with a tiny xorshift so the permutation is a pure
	// function of seed, not of package-level rand state.
	state := uint64(seed) | 1
	next := func() uint64 {
		state ^= state << 13
		state ^= state >> 7
		state ^= state << 17
		return state
	}
	for i := n - 1; i > 0; i-- {
		j := int(next() % uint64(i+1))
		perm[i], perm[j] = perm[j], perm[i]
	}
	return perm
}
