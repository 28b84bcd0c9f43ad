// Package integration exercises the scheduling core end to end across
// several simulated ranks joined by fakefabric, one test per canonical
// scenario the growth/shrink/routing protocol has to handle correctly.
package integration

import (
	"log/slog"
	"testing"
	"time"

	"github.com/mallob-go/core/internal/fabric/fakefabric"
	"github.com/mallob-go/core/internal/queue"
	"github.com/mallob-go/core/internal/registry"
	"github.com/mallob-go/core/internal/router"
	"github.com/mallob-go/core/internal/workerloop"
	"github.com/mallob-go/core/pkg/wire"
)

const rootJobID int32 = 1

type rank struct {
	fab   *fakefabric.Fabric
	q     *queue.Queue
	reg   *registry.Registry
	loop  *workerloop.Loop
}

func buildRanks(t *testing.T, size int) (*fakefabric.Network, []*rank) {
	t.Helper()
	network := fakefabric.NewNetwork(size)
	ranks := make([]*rank, size)
	for r := 0; r < size; r++ {
		fab := network.NewRank(r)
		q := queue.New(fab, queue.DefaultConfig(), slog.Default())
		t.Cleanup(q.Close)
		reg := registry.New()
		graph := router.NewExpanderGraph(size, 2, int64(r)+1)
		rtr := router.New(graph, r, router.Config{
			HopsUntilCollectiveAssignment: 64,
			JobCacheSize:                  4,
			ReactivationSchedulingEnabled: true,
		}, nil, slog.Default())

		cfg := workerloop.DefaultConfig()
		cfg.ReactivationScheduling = true
		loop := workerloop.New(fab, q, reg, rtr, nil, nil, cfg, slog.Default())
		loop.RegisterCallbacks()

		ranks[r] = &rank{fab: fab, q: q, reg: reg, loop: loop}
	}
	return network, ranks
}

func advance(ranks []*rank, iterations int) {
	now := time.Now()
	for i := 0; i < iterations; i++ {
		for _, r := range ranks {
			r.loop.Tick(now)
		}
		now = now.Add(time.Millisecond)
	}
}

func activateRoot(t *testing.T, r *rank) {
	t.Helper()
	r.reg.CreateJob(rootJobID, 0, 0)
	if err := r.reg.Activate(rootJobID, 0, []byte{0, 0, 0, 0, 0, 0, 0, 0}); err != nil {
		t.Fatalf("activate root job: %v", err)
	}
}

// scenario 1: growth from a single root to a volume of 4 grows the tree
// down to depth 2 (indices 0..3) across the four ranks.
func TestScenarioGrowthOneToFour(t *testing.T) {
	_, ranks := buildRanks(t, 4)
	activateRoot(t, ranks[0])

	ranks[0].loop.UpdateVolume(rootJobID, 4, 1, 0)
	advance(ranks, 500)

	byIndex := make(map[int32]int)
	parentRankOf := make(map[int32]int)
	active := 0
	for i, r := range ranks {
		j, ok := r.reg.Get(rootJobID)
		if !ok || j.Status != registry.StatusActive {
			continue
		}
		active++
		byIndex[j.OwnIndex] = i
		if info, ok := r.loop.NodeInfo(rootJobID); ok && info.HasParent {
			parentRankOf[j.OwnIndex] = info.ParentRank
		}
	}
	if active != 4 {
		t.Fatalf("expected all 4 ranks active after growth to volume 4, got %d active at indices %v", active, byIndex)
	}
	for _, idx := range []int32{0, 1, 2, 3} {
		if _, ok := byIndex[idx]; !ok {
			t.Fatalf("expected a worker active at job-tree index %d, active indices: %v", idx, byIndex)
		}
	}

	rootRank := byIndex[0]
	if pr, ok := parentRankOf[1]; !ok || pr != rootRank {
		t.Fatalf("expected index 1's parent to be root (rank %d), got %d (present=%v)", rootRank, pr, ok)
	}
	if pr, ok := parentRankOf[2]; !ok || pr != rootRank {
		t.Fatalf("expected index 2's parent to be root (rank %d), got %d (present=%v)", rootRank, pr, ok)
	}
	rankOfIndex1 := byIndex[1]
	if pr, ok := parentRankOf[3]; !ok || pr != rankOfIndex1 {
		t.Fatalf("expected index 3's parent to be the worker at index 1 (rank %d), got %d (present=%v)", rankOfIndex1, pr, ok)
	}
}

// scenario 2: shrinking a grown job's volume back to 1 suspends every node
// whose index no longer fits under the new volume.
func TestScenarioShrinkSuspendsOverVolumeNodes(t *testing.T) {
	_, ranks := buildRanks(t, 4)
	activateRoot(t, ranks[0])

	ranks[0].loop.UpdateVolume(rootJobID, 4, 1, 0)
	advance(ranks, 300)

	ranks[0].loop.UpdateVolume(rootJobID, 1, 2, 0)
	advance(ranks, 100)

	root, ok := ranks[0].reg.Get(rootJobID)
	if !ok {
		t.Fatal("root job missing")
	}
	if root.Status != registry.StatusActive {
		t.Fatalf("root at index 0 should remain active under volume 1, got %v", root.Status)
	}
	for i, r := range ranks {
		if i == 0 {
			continue
		}
		j, ok := r.reg.Get(rootJobID)
		if !ok || j.OwnIndex < 1 {
			continue
		}
		if j.Status == registry.StatusActive {
			t.Fatalf("rank %d at index %d should have suspended once volume shrank to 1, got %v", i, j.OwnIndex, j.Status)
		}
	}
}

// scenario 3: a reactivation (targeted rejoin) after a shrink-then-regrow
// cycle should be able to bring the volume back up without protocol
// deadlock; this exercises OneshotJobRequestRejection/AnswerAdoptionOffer.
func TestScenarioTargetedRejoinAfterShrink(t *testing.T) {
	_, ranks := buildRanks(t, 4)
	activateRoot(t, ranks[0])

	ranks[0].loop.UpdateVolume(rootJobID, 4, 1, 0)
	advance(ranks, 300)
	ranks[0].loop.UpdateVolume(rootJobID, 1, 2, 0)
	advance(ranks, 100)
	ranks[0].loop.UpdateVolume(rootJobID, 4, 3, 0)
	advance(ranks, 300)

	root, ok := ranks[0].reg.Get(rootJobID)
	if !ok || root.Status != registry.StatusActive {
		t.Fatalf("expected root to still be active after regrowth, got %+v ok=%v", root, ok)
	}

	active := 0
	for _, r := range ranks {
		if j, ok := r.reg.Get(rootJobID); ok && j.Status == registry.StatusActive {
			active++
		}
	}
	if active != 4 {
		t.Fatalf("expected all 4 ranks active again after regrowth to volume 4, got %d", active)
	}
}

// scenario 4: a payload larger than the configured max message size is
// transparently fragmented and reassembled at the receiver.
func TestScenarioFragmentedSendReassembles(t *testing.T) {
	network := fakefabric.NewNetwork(2)
	fabSender := network.NewRank(0)
	fabReceiver := network.NewRank(1)

	small := queue.Config{MaxMsgSize: 64, SelfQueueDepth: 16, AssemblerDepth: 16, GCQueueDepth: 16}
	sender := queue.New(fabSender, small, slog.Default())
	receiver := queue.New(fabReceiver, small, slog.Default())
	t.Cleanup(sender.Close)
	t.Cleanup(receiver.Close)

	received := make(chan []byte, 1)
	receiver.RegisterCallback(wire.TagSendApplicationMessage, func(msg queue.ReceivedMessage) {
		received <- msg.Payload
	})

	payload := make([]byte, 500)
	for i := range payload {
		payload[i] = byte(i % 251)
	}
	if _, err := sender.Send(1, wire.TagSendApplicationMessage, payload); err != nil {
		t.Fatalf("send: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		sender.Advance()
		receiver.Advance()
		select {
		case got := <-received:
			if len(got) != len(payload) {
				t.Fatalf("expected %d reassembled bytes, got %d", len(payload), len(got))
			}
			for i := range payload {
				if got[i] != payload[i] {
					t.Fatalf("byte %d mismatch: want %d got %d", i, payload[i], got[i])
				}
			}
			return
		default:
		}
	}
	t.Fatal("timed out waiting for fragmented message to reassemble")
}

// scenario 5: a rank sending to itself is delivered without touching the
// fabric at all.
func TestScenarioSelfMessageDeliversLocally(t *testing.T) {
	network := fakefabric.NewNetwork(1)
	fab := network.NewRank(0)
	q := queue.New(fab, queue.DefaultConfig(), slog.Default())
	t.Cleanup(q.Close)

	received := make(chan int, 1)
	q.RegisterCallback(wire.TagWarmup, func(msg queue.ReceivedMessage) {
		received <- msg.Source
	})

	if _, err := q.Send(0, wire.TagWarmup, []byte("hello")); err != nil {
		t.Fatalf("send: %v", err)
	}
	q.Advance()

	select {
	case source := <-received:
		if source != 0 {
			t.Fatalf("expected self-message source 0, got %d", source)
		}
	default:
		t.Fatal("expected self-message to be delivered synchronously after one Advance")
	}
}

// scenario 6: an adoption offer that arrives after its job has already
// moved to a newer revision is obsolete and must not be accepted.
func TestScenarioObsoleteAdoptionOfferIsRejected(t *testing.T) {
	reg := registry.New()
	reg.CreateJob(rootJobID, 0, 0)
	if err := reg.Activate(rootJobID, 0, []byte{0, 0, 0, 0, 0, 0, 0, 0}); err != nil {
		t.Fatalf("activate: %v", err)
	}
	if err := reg.Activate(rootJobID, 1, []byte{1, 0, 0, 0, 0, 0, 0, 0}); err != nil {
		t.Fatalf("activate revision 1: %v", err)
	}

	staleOffer := wire.JobRequest{JobID: rootJobID, RequestedNodeIndex: 1, CurrentRevision: 0}
	if !reg.IsAdoptionOfferObsolete(staleOffer) {
		t.Fatal("expected an offer referencing an old revision to be obsolete")
	}

	freshOffer := wire.JobRequest{JobID: rootJobID, RequestedNodeIndex: 1, CurrentRevision: 1}
	if reg.IsAdoptionOfferObsolete(freshOffer) {
		t.Fatal("expected an offer at the current revision to not be obsolete")
	}
}
