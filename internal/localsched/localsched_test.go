package localsched

import (
	"testing"

	"github.com/mallob-go/core/internal/jobtree"
)

func TestOnBalancingUpdateReservesUnfilledSide(t *testing.T) {
	tr := jobtree.New(1, 0, 4)
	s := New(tr, true)
	decisions := s.OnBalancingUpdate(1, 5)
	if len(decisions) != 2 {
		t.Fatalf("expected a decision per side, got %v", decisions)
	}
	for _, d := range decisions {
		if d.Action != ActionNormalHop {
			t.Fatalf("expected ActionNormalHop with no dormant candidates, got %v", d.Action)
		}
	}
}

func TestOnBalancingUpdatePrefersTargetedRejoin(t *testing.T) {
	tr := jobtree.New(1, 0, 4)
	tr.DormantCacheOffer(42)
	s := New(tr, true)
	decisions := s.OnBalancingUpdate(1, 5)
	found := false
	for _, d := range decisions {
		if d.Action == ActionTargetedRejoin && d.TargetRank == 42 {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a targeted rejoin decision, got %v", decisions)
	}
}

func TestOnBalancingUpdateCancelsReservationWhenShrunk(t *testing.T) {
	tr := jobtree.New(1, 0, 4)
	s := New(tr, true)
	s.OnBalancingUpdate(1, 5) // reserves both sides
	decisions := s.OnBalancingUpdate(2, 1)
	sawCancel := false
	for _, d := range decisions {
		if d.Action == ActionCancelReservation {
			sawCancel = true
		}
	}
	if !sawCancel {
		t.Fatalf("expected a cancellation once volume shrinks below child index, got %v", decisions)
	}
}

func TestDisabledSchedulerProducesNoDecisions(t *testing.T) {
	tr := jobtree.New(1, 0, 4)
	s := New(tr, false)
	if decisions := s.OnBalancingUpdate(1, 5); decisions != nil {
		t.Fatalf("expected no decisions while disabled, got %v", decisions)
	}
}

func TestAcceptsChildRefusesWhileWaiting(t *testing.T) {
	tr := jobtree.New(1, 0, 4)
	s := New(tr, true)
	s.BeginWaiting(jobtree.Left, 1)
	if s.AcceptsChild(jobtree.Left, 1, 10) {
		t.Fatal("expected AcceptsChild to refuse while waiting for reactivation")
	}
}

func TestHandleChildJoiningClearsWaitAndReservation(t *testing.T) {
	tr := jobtree.New(1, 0, 4)
	s := New(tr, true)
	s.BeginWaiting(jobtree.Left, 1)
	s.HandleChildJoining(jobtree.Left, 9, 1)
	if s.IsWaiting(jobtree.Left) {
		t.Fatal("expected wait flag cleared once child joins")
	}
	rank, index, ok := tr.Child(jobtree.Left)
	if !ok || rank != 9 || index != 1 {
		t.Fatalf("child not recorded: (%d, %d, %v)", rank, index, ok)
	}
}

func TestHandleRejectReactivationReissuesWhenNotDormant(t *testing.T) {
	tr := jobtree.New(1, 0, 4)
	tr.DormantCacheOffer(3)
	s := New(tr, true)
	s.BeginWaiting(jobtree.Left, 1)
	d := s.HandleRejectReactivation(jobtree.Left, 3, 1, false)
	if d.Action != ActionNormalHop {
		t.Fatalf("expected ActionNormalHop, got %v", d.Action)
	}
	for _, c := range tr.DormantCandidates() {
		if c == 3 {
			t.Fatal("expected rank 3 evicted from dormant cache")
		}
	}
}

func TestHandleRejectReactivationKeepsDormantEntry(t *testing.T) {
	tr := jobtree.New(1, 0, 4)
	tr.DormantCacheOffer(3)
	s := New(tr, true)
	d := s.HandleRejectReactivation(jobtree.Left, 3, 1, true)
	if d.Action != ActionNone {
		t.Fatalf("expected ActionNone when still dormant, got %v", d.Action)
	}
	found := false
	for _, c := range tr.DormantCandidates() {
		if c == 3 {
			found = true
		}
	}
	if !found {
		t.Fatal("expected rank 3 to remain in dormant cache")
	}
}
