package workerloop

import (
	"log/slog"
	"testing"
	"time"

	"github.com/mallob-go/core/internal/fabric/fakefabric"
	"github.com/mallob-go/core/internal/queue"
	"github.com/mallob-go/core/internal/registry"
	"github.com/mallob-go/core/internal/router"
)

func newTestLoop(t *testing.T, network *fakefabric.Network, size, rank int) *Loop {
	t.Helper()
	fab := network.NewRank(rank)
	q := queue.New(fab, queue.DefaultConfig(), slog.Default())
	t.Cleanup(q.Close)
	reg := registry.New()
	graph := router.NewExpanderGraph(size, 2, 7)
	rtr := router.New(graph, rank, router.Config{
		HopsUntilCollectiveAssignment: 32,
		JobCacheSize:                  4,
	}, nil, slog.Default())

	loop := New(fab, q, reg, rtr, nil, nil, DefaultConfig(), slog.Default())
	loop.RegisterCallbacks()
	return loop
}

func advanceAll(loops []*Loop, iterations int) {
	now := time.Now()
	for i := 0; i < iterations; i++ {
		for _, l := range loops {
			l.tick(now)
		}
		now = now.Add(time.Millisecond)
	}
}

func TestGrowthFromRootAdoptsChild(t *testing.T) {
	network := fakefabric.NewNetwork(4)
	loops := make([]*Loop, 4)
	for r := 0; r < 4; r++ {
		loops[r] = newTestLoop(t, network, 4, r)
	}

	root := loops[0]
	root.reg.CreateJob(1, 0, 0)
	if err := root.reg.Activate(1, 0, []byte{0, 0, 0, 0, 0, 0, 0, 0}); err != nil {
		t.Fatalf("activate: %v", err)
	}

	root.UpdateVolume(1, 4, 1, 0)
	advanceAll(loops, 200)

	j, ok := root.reg.Get(1)
	if !ok {
		t.Fatal("job missing on root")
	}
	if j.Status != registry.StatusActive {
		t.Fatalf("expected root job active, got %v", j.Status)
	}
}

func TestUpdateVolumeSuspendsOverVolumeIndex(t *testing.T) {
	network := fakefabric.NewNetwork(2)
	loop := newTestLoop(t, network, 2, 1)
	loop.reg.CreateJob(1, 0, 0)
	if err := loop.reg.Activate(1, 0, []byte{0, 0, 0, 0, 0, 0, 0, 0}); err != nil {
		t.Fatalf("activate: %v", err)
	}
	j, ok := loop.reg.Get(1)
	if !ok {
		t.Fatal("job missing")
	}
	j.OwnIndex = 5
	js := loop.jobStateFor(1)
	_ = js

	loop.UpdateVolume(1, 2, 1, 0)

	j, _ = loop.reg.Get(1)
	if j.Status != registry.StatusSuspended {
		t.Fatalf("expected job suspended once index exceeds volume, got %v", j.Status)
	}
}

func TestDescribeJobReportsUnknown(t *testing.T) {
	network := fakefabric.NewNetwork(1)
	loop := newTestLoop(t, network, 1, 0)
	if got := loop.DescribeJob(99); got != "unknown" {
		t.Fatalf("expected unknown for unregistered job, got %q", got)
	}
}
