// ============================================================================
// Worker Loop — component F of the worker-level scheduling core
// ============================================================================
//
// Package: internal/workerloop
// File: loop.go
//
// One process-wide loop that ticks a small timer, drives the message queue
// forward, and evaluates the periodic gates of spec §4.F: stats, big-stats,
// balancing, maintenance, job. It also registers every tag -> callback
// binding of spec §4.F's table with the queue.
//
// Directly generalized from the teacher's Controller, which ran four
// ticker+select+stopCh goroutines (dispatchLoop/resultLoop/timeoutLoop/
// snapshotLoop) each owning a slice of state under its own mutex. Spec §5
// instead requires a *single* main thread to own all Job state, so this
// loop collapses the teacher's four goroutines into gates evaluated from
// one goroutine's ticker, in the spirit of the same pattern.
//
// ============================================================================

package workerloop

import (
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/mallob-go/core/internal/balancer"
	"github.com/mallob-go/core/internal/fabric"
	"github.com/mallob-go/core/internal/jobtree"
	"github.com/mallob-go/core/internal/localsched"
	"github.com/mallob-go/core/internal/metrics"
	"github.com/mallob-go/core/internal/queue"
	"github.com/mallob-go/core/internal/registry"
	"github.com/mallob-go/core/internal/router"
	"github.com/mallob-go/core/internal/trace"
	"github.com/mallob-go/core/pkg/wire"
)

// Config controls gate intervals and behavioral flags, one field per CLI
// flag of SPEC_FULL.md §2 that affects the worker loop.
type Config struct {
	TickInterval        time.Duration
	StatsInterval       time.Duration
	BigStatsInterval    time.Duration
	BalancingInterval   time.Duration
	MaintenanceInterval time.Duration
	JobInterval         time.Duration
	WatchdogAbort       time.Duration

	ExplicitVolumeUpdates bool
	ReactivationScheduling bool
	ForgetAfter           time.Duration
	DormantCacheSize      int
}

// DefaultConfig matches spec §4.F's stated gate intervals.
func DefaultConfig() Config {
	return Config{
		TickInterval:        time.Millisecond,
		StatsInterval:       time.Second,
		BigStatsInterval:    10 * time.Second,
		BalancingInterval:   100 * time.Millisecond,
		MaintenanceInterval: time.Second,
		JobInterval:         100 * time.Millisecond,
		WatchdogAbort:       30 * time.Second,
		ForgetAfter:         time.Hour,
		DormantCacheSize:    8,
	}
}

// jobState bundles the per-job objects owned outside the registry (tree and
// scheduler), which the registry stores only as opaque interface{}.
type jobState struct {
	tree  *jobtree.Tree
	sched *localsched.Scheduler

	// rejectAttempts counts consecutive REJECT_ONESHOT replies per side since
	// the last successful adoption, so handleRejectOneshot can hand
	// router.BounceTargeted an accurate attempt count.
	rejectAttempts [2]int

	// waitingTarget records which rank a side's outstanding
	// REQUEST_NODE_ONESHOT was sent to, so an OFFER_ADOPTION arriving while
	// that side is waiting can be recognized as the awaited response rather
	// than a stale normal offer.
	waitingTarget [2]int
}

// Loop is one worker's process-wide scheduling loop.
type Loop struct {
	fab fabric.Fabric
	q   *queue.Queue
	reg *registry.Registry
	rtr *router.Router
	tr  *trace.Manager
	m   *metrics.Collector
	cfg Config
	log *slog.Logger

	mu    sync.Mutex
	jobs  map[int32]*jobState

	lastStats, lastBigStats, lastBalancing, lastMaintenance, lastJob time.Time
	lastWatchdogReset                                                time.Time

	stopCh chan struct{}
	doneCh chan struct{}
}

// New assembles a worker loop over an already-constructed fabric, queue,
// registry, and router. RegisterCallbacks must be called before Run.
func New(fab fabric.Fabric, q *queue.Queue, reg *registry.Registry, rtr *router.Router, tr *trace.Manager, m *metrics.Collector, cfg Config, log *slog.Logger) *Loop {
	if log == nil {
		log = slog.Default()
	}
	return &Loop{
		fab:    fab,
		q:      q,
		reg:    reg,
		rtr:    rtr,
		tr:     tr,
		m:      m,
		cfg:    cfg,
		log:    log.With("component", "workerloop", "rank", fab.Rank()),
		jobs:   make(map[int32]*jobState),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// jobStateFor returns (creating if necessary) the local tree/scheduler pair
// for jobID. On first creation the tree's own index is taken from the
// registry's Job.OwnIndex, which Commit populates from the adoption
// request's RequestedNodeIndex before this is ever called for a child job -
// a job with no registry entry yet is always the root, whose index is 0.
func (l *Loop) jobStateFor(jobID int32) *jobState {
	l.mu.Lock()
	defer l.mu.Unlock()
	js, ok := l.jobs[jobID]
	if !ok {
		var ownIndex int32
		if j, ok := l.reg.Get(jobID); ok {
			ownIndex = j.OwnIndex
		}
		tree := jobtree.New(jobID, ownIndex, l.cfg.DormantCacheSize)
		js = &jobState{
			tree:  tree,
			sched: localsched.New(tree, l.cfg.ReactivationScheduling),
		}
		l.jobs[jobID] = js
	}
	return js
}

// NodeInfo reports the local tree position of jobID, for diagnostics and
// tests that need to verify a node's place in the job tree from outside
// the package.
type NodeInfo struct {
	OwnIndex   int32
	ParentRank int
	HasParent  bool
}

func (l *Loop) NodeInfo(jobID int32) (NodeInfo, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	js, ok := l.jobs[jobID]
	if !ok {
		return NodeInfo{}, false
	}
	return NodeInfo{
		OwnIndex:   js.tree.OwnIndex,
		ParentRank: js.tree.ParentRank,
		HasParent:  js.tree.HasParent,
	}, true
}

// RegisterCallbacks binds every tag of spec §4.F's table.
func (l *Loop) RegisterCallbacks() {
	l.q.RegisterCallback(wire.TagRequestNode, l.handleRequestNode)
	l.q.RegisterCallback(wire.TagRequestNodeOneshot, l.handleRequestNodeOneshot)
	l.q.RegisterCallback(wire.TagOfferAdoption, l.handleOfferAdoption)
	l.q.RegisterCallback(wire.TagAnswerAdoptionOffer, l.handleAnswerAdoptionOffer)
	l.q.RegisterCallback(wire.TagRejectOneshot, l.handleRejectOneshot)
	l.q.RegisterCallback(wire.TagSendJobDescription, l.handleSendJobDescription)
	l.q.RegisterCallback(wire.TagQueryJobDescription, l.handleQueryJobDescription)
	l.q.RegisterCallback(wire.TagNotifyVolumeUpdate, l.handleNotifyVolumeUpdate)
	l.q.RegisterCallback(wire.TagQueryVolume, l.handleQueryVolume)
	l.q.RegisterCallback(wire.TagNotifyNodeLeavingJob, l.handleNotifyNodeLeavingJob)
	l.q.RegisterCallback(wire.TagNotifyResultFound, l.handleNotifyResultFound)
	l.q.RegisterCallback(wire.TagNotifyResultObsolete, l.handleNotifyResultObsolete)
	l.q.RegisterCallback(wire.TagNotifyJobAborting, l.handleInterrupt)
	l.q.RegisterCallback(wire.TagNotifyJobTerminating, l.handleInterrupt)
	l.q.RegisterCallback(wire.TagNotifyJobInterrupt, l.handleInterrupt)
	l.q.RegisterCallback(wire.TagSendApplicationMessage, l.handleSendApplicationMessage)
	l.q.RegisterCallback(wire.TagWarmup, l.handleWarmup)
	l.q.RegisterCallback(wire.TagReleaseFromWaiting, l.handleReleaseFromWaiting)
}

// Run blocks, ticking the loop until Stop is called. Callers typically run
// it in its own goroutine.
func (l *Loop) Run() {
	defer close(l.doneCh)
	ticker := time.NewTicker(l.cfg.TickInterval)
	defer ticker.Stop()

	now := time.Now()
	l.lastStats, l.lastBigStats = now, now
	l.lastBalancing, l.lastMaintenance, l.lastJob = now, now, now
	l.lastWatchdogReset = now

	for {
		select {
		case <-l.stopCh:
			return
		case now := <-ticker.C:
			l.tick(now)
		}
	}
}

// Stop signals Run to return and waits for it to do so.
func (l *Loop) Stop() {
	select {
	case <-l.stopCh:
	default:
		close(l.stopCh)
	}
	<-l.doneCh
}

// Tick advances the loop by exactly one step at the given time, without
// waiting for the internal ticker. Deterministic tests and cmd/demo-style
// simulations drive the loop this way instead of through Run's goroutine.
func (l *Loop) Tick(now time.Time) {
	l.tick(now)
}

func (l *Loop) tick(now time.Time) {
	l.q.Advance()
	l.lastWatchdogReset = now

	if now.Sub(l.lastStats) >= l.cfg.StatsInterval {
		l.lastStats = now
		l.gateStats()
	}
	if now.Sub(l.lastBigStats) >= l.cfg.BigStatsInterval {
		l.lastBigStats = now
		l.gateBigStats()
	}
	if now.Sub(l.lastBalancing) >= l.cfg.BalancingInterval {
		l.lastBalancing = now
		l.gateBalancing(now)
	}
	if now.Sub(l.lastMaintenance) >= l.cfg.MaintenanceInterval {
		l.lastMaintenance = now
		l.gateMaintenance(now)
	}
	if now.Sub(l.lastJob) >= l.cfg.JobInterval {
		l.lastJob = now
		l.gateJob()
	}
}

// gateStats emits per-job and per-worker counters (~1s).
func (l *Loop) gateStats() {
	if l.m == nil {
		return
	}
	l.mu.Lock()
	active, suspended := 0, 0
	for id := range l.jobs {
		if j, ok := l.reg.Get(id); ok {
			switch j.Status {
			case registry.StatusActive:
				active++
			case registry.StatusSuspended:
				suspended++
			}
		}
	}
	l.mu.Unlock()
	l.m.SetActiveJobs(active)
	l.m.SetSuspendedJobs(suspended)
}

// gateBigStats dumps tree layout and solver-internal stats (~10s).
func (l *Loop) gateBigStats() {
	if l.tr == nil {
		return
	}
	l.mu.Lock()
	snapshot := make(map[int32]string, len(l.jobs))
	for id, js := range l.jobs {
		left, li, lok := js.tree.Child(jobtree.Left)
		right, ri, rok := js.tree.Child(jobtree.Right)
		snapshot[id] = summarizeTree(left, li, lok, right, ri, rok)
	}
	l.mu.Unlock()
	l.tr.DumpTreeLayout(snapshot)
}

func summarizeTree(left int, li int32, lok bool, right int, ri int32, rok bool) string {
	out := "left="
	if lok {
		out += strconv.Itoa(left) + "@" + strconv.Itoa(int(li))
	} else {
		out += "-"
	}
	out += " right="
	if rok {
		out += strconv.Itoa(right) + "@" + strconv.Itoa(int(ri))
	} else {
		out += "-"
	}
	return out
}

// gateBalancing steps the balancer indirectly: this worker's own
// registry-held volume table already reflects the latest
// NOTIFY_VOLUME_UPDATE/HandleBalancingMessage calls, so this gate's only
// remaining duty is draining epoch-buffered requests once the epoch
// advances (spec's balancingDone callback).
func (l *Loop) gateBalancing(now time.Time) {
	l.mu.Lock()
	epochs := make([]int32, 0, len(l.jobs))
	for id := range l.jobs {
		if j, ok := l.reg.Get(id); ok {
			epochs = append(epochs, j.BalancingEpoch)
		}
	}
	l.mu.Unlock()
	for _, epoch := range epochs {
		for _, req := range l.reg.BalancingDone(epoch) {
			l.routeRequest(req, wire.TagRequestNode, l.fab.Rank())
		}
	}
}

// gateMaintenance forgets old jobs (~1s). Epoch-buffered requests are
// replayed by gateBalancing, not here.
func (l *Loop) gateMaintenance(now time.Time) {
	forgotten := l.reg.ForgetOldJobs(now.Add(-l.cfg.ForgetAfter))
	if len(forgotten) == 0 {
		return
	}
	l.mu.Lock()
	for _, id := range forgotten {
		delete(l.jobs, id)
	}
	l.mu.Unlock()
	l.log.Debug("forgot old jobs", "count", len(forgotten))
}

// gateJob sends a REQUEST_NODE for each side of every active job whose tree
// WantsToGrow (~0.1s). It does not check for a solution, answer waiting
// children, or suspend; suspension happens in UpdateVolume. When reactivation
// scheduling is enabled, growth is instead driven entirely by
// OnBalancingUpdate as volume changes arrive (Loop.UpdateVolume); re-scanning
// every tick here as well would spawn a second, duplicate request for the
// same side before the first one resolves.
func (l *Loop) gateJob() {
	if l.cfg.ReactivationScheduling {
		return
	}

	l.mu.Lock()
	ids := make([]int32, 0, len(l.jobs))
	for id := range l.jobs {
		ids = append(ids, id)
	}
	l.mu.Unlock()

	now := time.Now()
	for _, id := range ids {
		j, ok := l.reg.Get(id)
		if !ok || j.Status != registry.StatusActive {
			continue
		}
		js := l.jobStateFor(id)
		for _, side := range []jobtree.Side{jobtree.Left, jobtree.Right} {
			if !js.tree.WantsToGrow(side, j.LastKnownVolume, j.BalancingEpoch, now) {
				continue
			}
			childIdx := jobtree.ChildIndex(js.tree.OwnIndex, side)
			req := wire.JobRequest{
				JobID:              id,
				Application:        j.Application,
				RootRank:           j.RootRank,
				RequestingNodeRank: int32(l.fab.Rank()),
				RequestedNodeIndex: childIdx,
				CurrentRevision:    j.CurrentRevision,
				BalancingEpoch:     j.BalancingEpoch,
			}
			l.routeRequest(req, wire.TagRequestNode, l.fab.Rank())
		}
	}
}

// UpdateVolume implements spec §4.F's updateVolume(jobId, volume, epoch,
// latency): updates the job's own volume, decides per side whether to
// propagate, prune, or spawn, and may suspend this node if its index is at
// or beyond volume. A child whose index no longer fits is sent the new
// volume before it is pruned, so it can suspend itself.
func (l *Loop) UpdateVolume(jobID, volume, epoch int32, latency time.Duration) {
	l.reg.HandleBalancingMessage(registry.BalancingMessage{JobID: jobID, Epoch: epoch, Volume: volume})
	j, ok := l.reg.Get(jobID)
	if !ok {
		return
	}
	js := l.jobStateFor(jobID)

	if js.tree.OwnIndex >= volume {
		l.reg.Suspend(jobID)
	}

	for _, side := range []jobtree.Side{jobtree.Left, jobtree.Right} {
		childIdx := jobtree.ChildIndex(js.tree.OwnIndex, side)
		if childIdx >= volume {
			if rank, _, ok := js.tree.Child(side); ok {
				l.sendVolumeUpdate(rank, jobID, volume, epoch)
			}
			js.tree.Prune(side)
			continue
		}
		if l.cfg.ExplicitVolumeUpdates {
			if rank, _, ok := js.tree.Child(side); ok {
				l.sendVolumeUpdate(rank, jobID, volume, epoch)
			}
		}
	}

	if l.cfg.ReactivationScheduling {
		for _, d := range js.sched.OnBalancingUpdate(epoch, volume) {
			l.actOnSchedulerDecision(jobID, j, js, d)
		}
	}

	if l.m != nil {
		l.m.ObserveBalancingLatency(latency.Seconds())
	}
}

// actOnSchedulerDecision carries out one localsched.Decision (spec §4.E):
// a targeted rejoin goes straight to the dormant candidate via
// REQUEST_NODE_ONESHOT, a normal hop is bounced through the router like any
// other REQUEST_NODE, and a canceled reservation releases the candidate that
// was about to be targeted.
func (l *Loop) actOnSchedulerDecision(jobID int32, j *registry.Job, js *jobState, d localsched.Decision) {
	switch d.Action {
	case localsched.ActionTargetedRejoin:
		js.rejectAttempts[d.Side] = 0
		js.sched.BeginWaiting(d.Side, d.Epoch)
		js.waitingTarget[d.Side] = d.TargetRank
		l.sendOneshotRequest(d.TargetRank, l.buildChildRequest(jobID, j, js, d.Side, d.Epoch))
	case localsched.ActionNormalHop:
		l.routeRequest(l.buildChildRequest(jobID, j, js, d.Side, d.Epoch), wire.TagRequestNode, l.fab.Rank())
	case localsched.ActionCancelReservation:
		if candidates := js.tree.DormantCandidates(); len(candidates) > 0 {
			l.sendReleaseFromWaiting(candidates[0], jobID)
		}
	}
}

// buildChildRequest assembles the JobRequest this node would send to fill
// side's child slot, for either a normal or a targeted-rejoin hop.
func (l *Loop) buildChildRequest(jobID int32, j *registry.Job, js *jobState, side jobtree.Side, epoch int32) wire.JobRequest {
	return wire.JobRequest{
		JobID:              jobID,
		Application:        j.Application,
		RootRank:           j.RootRank,
		RequestingNodeRank: int32(l.fab.Rank()),
		RequestedNodeIndex: jobtree.ChildIndex(js.tree.OwnIndex, side),
		CurrentRevision:    j.CurrentRevision,
		BalancingEpoch:     epoch,
	}
}

func (l *Loop) sendVolumeUpdate(dest int, jobID, volume, epoch int32) {
	payload := wire.IntVec{jobID, volume, epoch}
	buf, err := payload.MarshalBinary()
	if err != nil {
		l.log.Error("failed to encode volume update", "err", err)
		return
	}
	if _, err := l.q.Send(dest, wire.TagNotifyVolumeUpdate, buf); err != nil {
		l.log.Error("failed to send volume update", "dest", dest, "err", err)
	}
}

// sendOneshotRequest issues a targeted rejoin request directly to dest,
// bypassing the router's hop-by-hop bounce (spec §4.D "Targeted rejoin").
func (l *Loop) sendOneshotRequest(dest int, req wire.JobRequest) {
	buf, err := req.MarshalBinary()
	if err != nil {
		l.log.Error("failed to encode oneshot request", "err", err)
		return
	}
	if _, err := l.q.Send(dest, wire.TagRequestNodeOneshot, buf); err != nil {
		l.log.Error("failed to send oneshot request", "dest", dest, "err", err)
	}
}

// sendReleaseFromWaiting tells dest its outstanding targeted rejoin
// reservation for jobID no longer applies.
func (l *Loop) sendReleaseFromWaiting(dest int, jobID int32) {
	payload := wire.IntVec{jobID}
	buf, err := payload.MarshalBinary()
	if err != nil {
		l.log.Error("failed to encode release-from-waiting", "err", err)
		return
	}
	if _, err := l.q.Send(dest, wire.TagReleaseFromWaiting, buf); err != nil {
		l.log.Error("failed to send release-from-waiting", "dest", dest, "err", err)
	}
}

// routeRequest sends req to nextHop, or hands it to collective assignment,
// via the router.
func (l *Loop) routeRequest(req wire.JobRequest, tag wire.Tag, senderRank int) {
	nextHop, handedOff := l.rtr.Bounce(req, senderRank)
	if handedOff {
		l.log.Debug("request handed to collective assignment", "jobId", req.JobID)
		return
	}
	// Bounce counted this hop on its own copy; carry the count forward.
	req.NumHops++
	buf, err := req.MarshalBinary()
	if err != nil {
		l.log.Error("failed to encode job request", "err", err)
		return
	}
	if _, err := l.q.Send(nextHop, tag, buf); err != nil {
		l.log.Error("failed to bounce request", "dest", nextHop, "err", err)
	}
}

var _ balancer.Callback = (*volumeCallbackAdapter)(nil)

// volumeCallbackAdapter lets an *Loop be wired directly as a
// balancer.Callback without exposing UpdateVolume's extra latency
// parameter to callers that only know epoch and volume.
type volumeCallbackAdapter struct {
	loop *Loop
}

func (a *volumeCallbackAdapter) UpdateVolume(jobID, volume, epoch int32) {
	a.loop.UpdateVolume(jobID, volume, epoch, 0)
}

// AsBalancerCallback exposes l as a balancer.Callback.
func (l *Loop) AsBalancerCallback() balancer.Callback {
	return &volumeCallbackAdapter{loop: l}
}

// DescribeJob renders a one-line summary of a job's status and tree shape,
// for demos and debugging.
func (l *Loop) DescribeJob(jobID int32) string {
	j, ok := l.reg.Get(jobID)
	if !ok {
		return "unknown"
	}
	l.mu.Lock()
	js, hasTree := l.jobs[jobID]
	l.mu.Unlock()
	if !hasTree {
		return fmt.Sprintf("status=%s volume=%d (no local tree state)", j.Status, j.LastKnownVolume)
	}
	left, li, lok := js.tree.Child(jobtree.Left)
	right, ri, rok := js.tree.Child(jobtree.Right)
	return fmt.Sprintf("status=%s volume=%d index=%d %s", j.Status, j.LastKnownVolume, js.tree.OwnIndex, summarizeTree(left, li, lok, right, ri, rok))
}
