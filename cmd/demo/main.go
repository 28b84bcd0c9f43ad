// Command demo runs a small multi-rank simulation of the scheduling core in
// a single process, using fakefabric instead of real network connections.
// It exercises growth, shrink, and targeted rejoin (spec §8 scenarios 1-3)
// and prints the resulting job tree, generalized from the teacher's
// cmd/demo which drove a single-process Controller against synthetic jobs.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/mallob-go/core/internal/balancer/naive"
	"github.com/mallob-go/core/internal/fabric/fakefabric"
	"github.com/mallob-go/core/internal/queue"
	"github.com/mallob-go/core/internal/registry"
	"github.com/mallob-go/core/internal/router"
	"github.com/mallob-go/core/internal/workerloop"
)

const numRanks = 4
const demoJobID int32 = 1

func main() {
	log := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelWarn}))
	network := fakefabric.NewNetwork(numRanks)

	loops := make([]*workerloop.Loop, numRanks)
	for rank := 0; rank < numRanks; rank++ {
		fab := network.NewRank(rank)
		q := queue.New(fab, queue.DefaultConfig(), log)
		reg := registry.New()
		graph := router.NewExpanderGraph(numRanks, 2, 1)
		rtr := router.New(graph, rank, router.Config{
			HopsUntilCollectiveAssignment: 64,
			JobCacheSize:                  4,
			Derandomize:                   true,
		}, nil, log)

		loopCfg := workerloop.DefaultConfig()
		loopCfg.ReactivationScheduling = true
		loop := workerloop.New(fab, q, reg, rtr, nil, nil, loopCfg, log)
		loop.RegisterCallbacks()

		if rank == 0 {
			reg.CreateJob(demoJobID, 0, 0)
			if err := reg.Activate(demoJobID, 0, []byte{0, 0, 0, 0, 0, 0, 0, 0}); err != nil {
				fmt.Println("failed to activate root job:", err)
				os.Exit(1)
			}
		}

		loops[rank] = loop
		go loop.Run()
	}
	defer func() {
		for _, l := range loops {
			l.Stop()
		}
	}()

	root := loops[0]
	cb := root.AsBalancerCallback()
	balancer := naive.New(cb, []naive.ScheduleEntry{
		{At: 0, JobID: demoJobID, Volume: 4, Epoch: 1},                       // scenario 1: growth 1 -> 4
		{At: 500 * time.Millisecond, JobID: demoJobID, Volume: 1, Epoch: 2},  // scenario 2: shrink
		{At: time.Second, JobID: demoJobID, Volume: 4, Epoch: 3},             // scenario 3: targeted rejoin
	})
	balancer.Start(time.Now())

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case now := <-ticker.C:
			balancer.Tick(now)
		case <-deadline:
			printTree(loops)
			return
		}
	}
}

func printTree(loops []*workerloop.Loop) {
	fmt.Println("final job tree state after growth, shrink, and targeted rejoin:")
	for rank, l := range loops {
		fmt.Printf("  rank %d: %s\n", rank, l.DescribeJob(demoJobID))
	}
}
