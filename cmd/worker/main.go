// Command worker runs one rank of the distributed job-scheduling core:
// a fabric connection, a message queue, a job registry, a router, and the
// worker loop that ties them together, wired through internal/cli and
// internal/config the way the teacher's cmd/demo wires a Controller.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/mallob-go/core/internal/balancer/naive"
	"github.com/mallob-go/core/internal/cli"
	"github.com/mallob-go/core/internal/config"
	"github.com/mallob-go/core/internal/fabric/grpcfabric"
	"github.com/mallob-go/core/internal/fatal"
	"github.com/mallob-go/core/internal/metrics"
	"github.com/mallob-go/core/internal/queue"
	"github.com/mallob-go/core/internal/registry"
	"github.com/mallob-go/core/internal/router"
	"github.com/mallob-go/core/internal/trace"
	"github.com/mallob-go/core/internal/workerloop"
)

func main() {
	root := cli.BuildCLI(run)
	cli.Execute(root)
}

func run(cfg config.Config, rank int, stop <-chan struct{}) error {
	log := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: verbosityToLevel(cfg.Logging.Verbosity),
	})).With("component", "worker", "rank", rank)

	if len(cfg.Fabric.Book) == 0 {
		return fmt.Errorf("worker: fabric.book must list every rank's address")
	}
	fab, err := grpcfabric.New(rank, len(cfg.Fabric.Book), cfg.Fabric.Book, log)
	if err != nil {
		return fmt.Errorf("worker: connect fabric: %w", err)
	}
	defer fab.Close()

	q := queue.New(fab, queue.DefaultConfig(), log)
	defer q.Close()

	reporter := fatal.New(log, nil)
	q.SetFatalReporter(reporter)

	reg := registry.New()

	graph := router.NewExpanderGraph(len(cfg.Fabric.Book), cfg.Scheduling.NumBounceAlternatives, int64(rank)+1)
	rtr := router.New(graph, rank, router.Config{
		HopsUntilCollectiveAssignment: cfg.Scheduling.HopsUntilCollectiveAssignment,
		JobCacheSize:                  cfg.Scheduling.JobCacheSize,
		Derandomize:                   cfg.Scheduling.Derandomize,
		ReactivationSchedulingEnabled: cfg.Scheduling.ReactivationScheduling,
	}, nil, log)

	var m *metrics.Collector
	if cfg.Metrics.Enabled {
		m = metrics.NewCollector()
		go func() {
			if err := metrics.StartServer(cfg.Metrics.Port); err != nil {
				log.Error("metrics server stopped", "err", err)
			}
		}()
	}

	var tr *trace.Manager
	if cfg.Logging.Directory != "" {
		tr = trace.NewManager(cfg.Logging.Directory)
	}

	loopCfg := workerloop.DefaultConfig()
	loopCfg.ExplicitVolumeUpdates = cfg.Scheduling.ExplicitVolumeUpdates
	loopCfg.ReactivationScheduling = cfg.Scheduling.ReactivationScheduling
	loopCfg.DormantCacheSize = cfg.Scheduling.JobCacheSize
	loopCfg.WatchdogAbort = time.Duration(cfg.Watchdog.AbortMillis) * time.Millisecond
	loopCfg.ForgetAfter = time.Duration(cfg.ForgetAfterSeconds) * time.Second

	loop := workerloop.New(fab, q, reg, rtr, tr, m, loopCfg, log)
	loop.RegisterCallbacks()

	if cfg.Job.NumJobs > 0 && rank == 0 {
		go seedDemoSchedule(loop, cfg)
	}

	go loop.Run()
	<-stop
	loop.Stop()
	return nil
}

// seedDemoSchedule drives a naive.Balancer against the worker loop when a
// static job count is configured, so a single worker can be exercised
// without an external balancing service.
func seedDemoSchedule(loop *workerloop.Loop, cfg config.Config) {
	cb := loop.AsBalancerCallback()
	entries := make([]naive.ScheduleEntry, 0, cfg.Job.NumJobs)
	for i := 0; i < cfg.Job.NumJobs; i++ {
		entries = append(entries, naive.ScheduleEntry{
			At:     time.Duration(i) * time.Second,
			JobID:  int32(i + 1),
			Volume: 1,
			Epoch:  int32(i + 1),
		})
	}
	b := naive.New(cb, entries)
	start := time.Now()
	b.Start(start)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for now := range ticker.C {
		b.Tick(now)
		if b.Done() {
			return
		}
	}
}

func verbosityToLevel(v int) slog.Level {
	switch {
	case v <= 0:
		return slog.LevelError
	case v == 1:
		return slog.LevelWarn
	case v == 2:
		return slog.LevelInfo
	default:
		return slog.LevelDebug
	}
}
