// Package jobtree implements the per-job distributed binary tree state
// (spec §4.C): parent/child identity, the per-side four-state machine, the
// dormant-child cache, and past children kept for termination broadcasts.
//
// The per-side state machine is modeled directly on the teacher's
// raft.State (Follower/Candidate/Leader, a small integer enum with a
// String() method guarding transitions); here it becomes one state per
// side of a job's tree instead of one state for the whole node.
package jobtree

import (
	"container/list"
	"time"
)

// Side identifies one of a job tree node's two children.
type Side int

const (
	Left Side = iota
	Right
)

func (s Side) String() string {
	if s == Left {
		return "LEFT"
	}
	return "RIGHT"
}

// ChildIndex returns the tree index of side's child given this node's own
// index (children of i are 2i+1 and 2i+2, spec §3).
func ChildIndex(nodeIndex int32, side Side) int32 {
	if side == Left {
		return 2*nodeIndex + 1
	}
	return 2*nodeIndex + 2
}

// SideState is the per-side state machine of spec §4.C.
type SideState int

const (
	NoChildDesired SideState = iota
	ChildDesired
	ChildPresent
	ChildPruned
)

func (s SideState) String() string {
	switch s {
	case NoChildDesired:
		return "no-child-desired"
	case ChildDesired:
		return "child-desired"
	case ChildPresent:
		return "child-present"
	case ChildPruned:
		return "child-pruned"
	default:
		return "unknown"
	}
}

type sideRecord struct {
	state        SideState
	rank         int
	index        int32
	desiredAt    time.Time
	desiredEpoch int32
}

// defaultDormantCacheSize bounds the dormant-child LRU per job tree, matching
// spec §4.C's "bounded set... eviction by LRU acceptable".
const defaultDormantCacheSize = 8

// Tree is the distributed tree state for one job, owned exclusively by the
// Job that holds it (spec §3 ownership rule).
type Tree struct {
	JobID       int32
	OwnIndex    int32
	ParentRank  int
	ParentIndex int32
	HasParent   bool

	sides [2]sideRecord

	dormantCap   int
	dormantOrder *list.List
	dormantPos   map[int]*list.Element

	pastChildren map[int]struct{}

	waitingForReactivation bool
	reactivationEpoch      int32
}

// New creates a tree state for a node at ownIndex within jobID's tree, with
// a dormant cache capped at dormantCacheSize entries (defaultDormantCacheSize
// if dormantCacheSize<=0).
func New(jobID int32, ownIndex int32, dormantCacheSize int) *Tree {
	if dormantCacheSize <= 0 {
		dormantCacheSize = defaultDormantCacheSize
	}
	return &Tree{
		JobID:        jobID,
		OwnIndex:     ownIndex,
		dormantCap:   dormantCacheSize,
		dormantOrder: list.New(),
		dormantPos:   make(map[int]*list.Element),
		pastChildren: make(map[int]struct{}),
	}
}

func (t *Tree) side(s Side) *sideRecord {
	return &t.sides[s]
}

// State returns side's current state.
func (t *Tree) State(s Side) SideState {
	return t.side(s).state
}

// WantsToGrow implements the "wants to grow" transition: if volume exceeds
// the side's child index and the balancing epoch has advanced since the
// last desire, the side moves to child-desired and true is returned so the
// caller can spawn a request via the router. No-op (returns false) once a
// child is already present, and also once a request is already outstanding
// for the same epoch - a side that stays child-desired across many ticks of
// the same balancing round must not re-arm on every tick, or the caller
// spawns a fresh REQUEST_NODE each time instead of waiting for the one
// already in flight to resolve.
func (t *Tree) WantsToGrow(s Side, volume int32, epoch int32, now time.Time) bool {
	rec := t.side(s)
	if rec.state == ChildPresent {
		return false
	}
	childIdx := ChildIndex(t.OwnIndex, s)
	if volume <= childIdx {
		return false
	}
	if rec.state == ChildDesired && epoch <= rec.desiredEpoch {
		return false
	}
	rec.state = ChildDesired
	rec.desiredAt = now
	rec.desiredEpoch = epoch
	return true
}

// SetChild records that side's child is now rank at index, per an accepted
// adoption offer.
func (t *Tree) SetChild(s Side, rank int, index int32) {
	t.forgetRankEverywhere(rank)
	rec := t.side(s)
	rec.state = ChildPresent
	rec.rank = rank
	rec.index = index
}

// Prune handles a NOTIFY_NODE_LEAVING_JOB for side's current child: the rank
// moves to past-children and the side becomes eligible to grow again if
// still under volume.
func (t *Tree) Prune(s Side) {
	rec := t.side(s)
	if rec.state != ChildPresent {
		return
	}
	t.pastChildren[rec.rank] = struct{}{}
	rec.state = ChildPruned
	rec.rank = 0
	rec.index = 0
}

// ResetDesire clears a pruned side back to no-child-desired so a later
// WantsToGrow call can re-arm it.
func (t *Tree) ResetDesire(s Side) {
	rec := t.side(s)
	if rec.state == ChildPruned {
		rec.state = NoChildDesired
	}
}

// Child returns side's current child rank/index, if present.
func (t *Tree) Child(s Side) (rank int, index int32, ok bool) {
	rec := t.side(s)
	return rec.rank, rec.index, rec.state == ChildPresent
}

// DormantCacheOffer records rank as a dormant holder of this branch,
// evicting the least-recently-offered entry if the cache is full. A rank
// already present as a live child is not added, preserving the "at most one
// of {left, right, dormant, past}" invariant.
func (t *Tree) DormantCacheOffer(rank int) {
	if t.sides[Left].state == ChildPresent && t.sides[Left].rank == rank {
		return
	}
	if t.sides[Right].state == ChildPresent && t.sides[Right].rank == rank {
		return
	}
	if el, ok := t.dormantPos[rank]; ok {
		t.dormantOrder.MoveToFront(el)
		return
	}
	if t.dormantOrder.Len() >= t.dormantCap {
		oldest := t.dormantOrder.Back()
		if oldest != nil {
			t.dormantOrder.Remove(oldest)
			delete(t.dormantPos, oldest.Value.(int))
		}
	}
	el := t.dormantOrder.PushFront(rank)
	t.dormantPos[rank] = el
}

// DormantCandidates returns dormant ranks, most recently offered first, for
// targeted-rejoin attempts.
func (t *Tree) DormantCandidates() []int {
	out := make([]int, 0, t.dormantOrder.Len())
	for el := t.dormantOrder.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value.(int))
	}
	return out
}

// EvictDormant removes rank from the dormant cache after a failed rejoin
// attempt.
func (t *Tree) EvictDormant(rank int) {
	if el, ok := t.dormantPos[rank]; ok {
		t.dormantOrder.Remove(el)
		delete(t.dormantPos, rank)
	}
}

// PastChildren returns the set of ranks that once held a child position on
// this branch, for termination broadcasts.
func (t *Tree) PastChildren() []int {
	out := make([]int, 0, len(t.pastChildren))
	for r := range t.pastChildren {
		out = append(out, r)
	}
	return out
}

// Terminate clears past-children, per spec §4.C's invariant that they exist
// only for termination broadcasts.
func (t *Tree) Terminate() {
	t.pastChildren = make(map[int]struct{})
	t.sides[Left] = sideRecord{}
	t.sides[Right] = sideRecord{}
	t.dormantOrder.Init()
	t.dormantPos = make(map[int]*list.Element)
	t.waitingForReactivation = false
}

// SetWaitingForReactivation records whether this tree is waiting on a
// reactivation response for epoch, per spec §4.E's ordering requirement.
// The flag is tree-wide, not per side.
func (t *Tree) SetWaitingForReactivation(waiting bool, epoch int32) {
	t.waitingForReactivation = waiting
	t.reactivationEpoch = epoch
}

// WaitingForReactivation reports the current wait state and its epoch.
func (t *Tree) WaitingForReactivation() (bool, int32) {
	return t.waitingForReactivation, t.reactivationEpoch
}

func (t *Tree) forgetRankEverywhere(rank int) {
	t.EvictDormant(rank)
	delete(t.pastChildren, rank)
}
