// Package localsched implements the reactivation-based Local Scheduler
// (spec §4.E): when enabled, children are reserved across balancing epochs
// and released explicitly instead of every volume change spawning a fresh
// request.
package localsched

import (
	"github.com/mallob-go/core/internal/jobtree"
)

// Action tells the worker loop what to do after a scheduling decision.
type Action int

const (
	ActionNone Action = iota
	ActionTargetedRejoin
	ActionNormalHop
	ActionCancelReservation
)

// Decision pairs an action with the side it applies to and, for a targeted
// rejoin, the dormant rank to target.
type Decision struct {
	Side        jobtree.Side
	Action      Action
	TargetRank  int
	Volume      int32
	Epoch       int32
}

// Scheduler is the reactivation-based local scheduler for one job on one
// worker.
type Scheduler struct {
	tree     *jobtree.Tree
	enabled  bool
	reserved [2]bool
	waiting  [2]bool
	waitEpoch [2]int32
}

// New creates a scheduler over tree. enabled corresponds to the
// -reactivation-scheduling flag.
func New(tree *jobtree.Tree, enabled bool) *Scheduler {
	return &Scheduler{tree: tree, enabled: enabled}
}

// OnBalancingUpdate implements spec §4.E's per-side reservation protocol for
// a new (epoch, volume) pair.
func (s *Scheduler) OnBalancingUpdate(epoch, volume int32) []Decision {
	if !s.enabled {
		return nil
	}
	var decisions []Decision
	for _, side := range []jobtree.Side{jobtree.Left, jobtree.Right} {
		childIdx := jobtree.ChildIndex(s.tree.OwnIndex, side)
		_, _, hasChild := s.tree.Child(side)

		if childIdx < volume && !hasChild {
			s.reserved[side] = true
			candidates := s.tree.DormantCandidates()
			if len(candidates) > 0 {
				decisions = append(decisions, Decision{
					Side: side, Action: ActionTargetedRejoin,
					TargetRank: candidates[0], Volume: volume, Epoch: epoch,
				})
			} else {
				decisions = append(decisions, Decision{Side: side, Action: ActionNormalHop, Volume: volume, Epoch: epoch})
			}
			continue
		}

		if childIdx >= volume && s.reserved[side] {
			s.reserved[side] = false
			decisions = append(decisions, Decision{Side: side, Action: ActionCancelReservation, Volume: volume, Epoch: epoch})
		}
	}
	return decisions
}

// AcceptsChild reports whether requestedIndex is still under the current
// volume and no child already occupies that side.
func (s *Scheduler) AcceptsChild(side jobtree.Side, requestedIndex, volume int32) bool {
	if jobtree.ChildIndex(s.tree.OwnIndex, side) != requestedIndex {
		return false
	}
	_, _, hasChild := s.tree.Child(side)
	if hasChild {
		return false
	}
	if s.waiting[side] {
		// Refuse fresh normal adoptions while waiting for a reactivation
		// response, to preserve ordering (spec §4.E).
		return false
	}
	return requestedIndex < volume
}

// HandleChildJoining records the child and clears any outstanding
// reservation/wait for side.
func (s *Scheduler) HandleChildJoining(side jobtree.Side, rank int, index int32) {
	s.tree.SetChild(side, rank, index)
	s.reserved[side] = false
	s.waiting[side] = false
}

// BeginWaiting marks side as waiting for a reactivation response at epoch,
// per spec's ordering requirement that fresh normal adoptions are refused
// meanwhile.
func (s *Scheduler) BeginWaiting(side jobtree.Side, epoch int32) {
	s.waiting[side] = true
	s.waitEpoch[side] = epoch
}

// HandleRejectReactivation updates the dormant cache and, unless the
// rejecting rank reports it is still dormant, re-issues a normal request by
// returning ActionNormalHop.
func (s *Scheduler) HandleRejectReactivation(side jobtree.Side, rank int, epoch int32, childStillDormant bool) Decision {
	s.waiting[side] = false
	if !childStillDormant {
		s.tree.EvictDormant(rank)
		return Decision{Side: side, Action: ActionNormalHop, Epoch: epoch}
	}
	return Decision{Side: side, Action: ActionNone, Epoch: epoch}
}

// IsWaiting reports whether side is waiting for a reactivation response.
func (s *Scheduler) IsWaiting(side jobtree.Side) bool {
	return s.waiting[side]
}
