// ============================================================================
// Job Registry — component B of the worker-level scheduling core
// ============================================================================
//
// Package: internal/registry
// File: registry.go
//
// Responsibility: owns the map job-id -> Job on a worker, plus the auxiliary
// indices spec §4.B lists: commitments, dormant jobs, a future-epoch request
// buffer, and the current volume table.
//
// This is jobmanager.JobManager (the teacher's task-lifecycle map) with a
// different lifecycle: created -> inactive -> committed -> active ->
// suspended -> terminated instead of pending -> in-flight -> completed/dead,
// and adoption/obsolescence decisions instead of retry/dead-letter ones. The
// mutex-guarded single-source-of-truth map plus auxiliary index style is
// kept unchanged.
//
// ============================================================================

package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mallob-go/core/pkg/wire"
)

// Status is a job's lifecycle state (spec §3).
type Status int

const (
	StatusCreated Status = iota
	StatusInactive
	StatusCommitted
	StatusActive
	StatusSuspended
	StatusTerminated
)

func (s Status) String() string {
	switch s {
	case StatusCreated:
		return "created"
	case StatusInactive:
		return "inactive"
	case StatusCommitted:
		return "committed"
	case StatusActive:
		return "active"
	case StatusSuspended:
		return "suspended"
	case StatusTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// AdoptionMode distinguishes new-growth requests from targeted-rejoin
// requests (spec §4.B).
type AdoptionMode int

const (
	ModeNormal AdoptionMode = iota
	ModeTargetedRejoin
)

// AdoptionOutcome is TryAdopt's verdict.
type AdoptionOutcome int

const (
	AdoptFromIdle AdoptionOutcome = iota
	AdoptReplaceCurrent
	Reject
)

func (o AdoptionOutcome) String() string {
	switch o {
	case AdoptFromIdle:
		return "ADOPT_FROM_IDLE"
	case AdoptReplaceCurrent:
		return "ADOPT_REPLACE_CURRENT"
	default:
		return "REJECT"
	}
}

var (
	// ErrAlreadyCommitted signals a second commitment on the same job, a
	// protocol violation per spec §3's invariant. Callers should route this
	// through internal/fatal rather than treat it as recoverable.
	ErrAlreadyCommitted = errors.New("registry: job already has a commitment")
	ErrNotFound         = errors.New("registry: job not found")
	ErrNotCommitted     = errors.New("registry: job has no commitment to release")
)

// Job is a worker's view of one job. JobTree and Scheduler are opaque
// pointers from the registry's perspective (internal/jobtree and
// internal/localsched own their own contents); the registry only tracks
// lifecycle and revision bookkeeping.
type Job struct {
	ID                 int32
	Application        wire.Application
	Status             Status
	CurrentRevision    int32
	DesiredRevision    int32
	LastKnownVolume    int32
	BalancingEpoch     int32
	RootRank           int32
	OwnIndex           int32
	LastTouched        time.Time

	Tree      interface{}
	Scheduler interface{}
	Result    []byte

	Revisions RevisionStore
}

// CollectiveAssignment and BalancingMessage are opaque envelopes the
// registry forwards to the balancer without interpreting (spec §4.B:
// "thin passthroughs to the balancer").
type CollectiveAssignment struct {
	JobID     int32
	Index     int32
	Candidate int32
}

type BalancingMessage struct {
	JobID  int32
	Epoch  int32
	Volume int32
}

// Registry owns every Job known to this worker.
type Registry struct {
	mu sync.RWMutex

	jobs        map[int32]*Job
	commitments map[int32]struct{}
	dormant     map[int32]bool
	future      map[int32][]wire.JobRequest // balancing-epoch -> buffered requests
	rootQueue   []wire.JobRequest
	volume      map[int32]int32

	onCollectiveAssignment func(CollectiveAssignment)
	onBalancingMessage     func(BalancingMessage)
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		jobs:        make(map[int32]*Job),
		commitments: make(map[int32]struct{}),
		dormant:     make(map[int32]bool),
		future:      make(map[int32][]wire.JobRequest),
		volume:      make(map[int32]int32),
	}
}

// SetBalancerHandlers wires the pass-through targets used by
// SetCollectiveAssignment and HandleBalancingMessage.
func (r *Registry) SetBalancerHandlers(onCA func(CollectiveAssignment), onBM func(BalancingMessage)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onCollectiveAssignment = onCA
	r.onBalancingMessage = onBM
}

// Has reports whether id has been referenced before.
func (r *Registry) Has(id int32) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.jobs[id]
	return ok
}

// Get returns the job for id, if known.
func (r *Registry) Get(id int32) (*Job, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	j, ok := r.jobs[id]
	return j, ok
}

// CreateJob creates and registers a job in StatusCreated, transitioning it
// immediately to StatusInactive per spec §3 ("created on first reference by
// id -> inactive").
func (r *Registry) CreateJob(id int32, app wire.Application, rootRank int32) *Job {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.jobs[id]; ok {
		return existing
	}
	j := &Job{
		ID:          id,
		Application: app,
		Status:      StatusInactive,
		RootRank:    rootRank,
		LastTouched: time.Now(),
		Revisions:   NewMemoryRevisionStore(),
	}
	r.jobs[id] = j
	return j
}

// Commit records intent to adopt request. A job may hold at most one
// commitment at a time; a second Commit call for a job that already has one
// is a protocol violation and returns ErrAlreadyCommitted.
func (r *Registry) Commit(req wire.JobRequest) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.commitments[req.JobID]; exists {
		return fmt.Errorf("%w: job %d", ErrAlreadyCommitted, req.JobID)
	}
	r.commitments[req.JobID] = struct{}{}
	if j, ok := r.jobs[req.JobID]; ok {
		j.Status = StatusCommitted
		j.BalancingEpoch = req.BalancingEpoch
		j.OwnIndex = req.RequestedNodeIndex
		j.LastTouched = time.Now()
	}
	return nil
}

// Uncommit releases a commitment made before job execution began. The
// caller (worker loop) is responsible for notifying the balancer afterward.
func (r *Registry) Uncommit(jobID int32) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.commitments[jobID]; !exists {
		return fmt.Errorf("%w: job %d", ErrNotCommitted, jobID)
	}
	delete(r.commitments, jobID)
	if j, ok := r.jobs[jobID]; ok && j.Status == StatusCommitted {
		j.Status = StatusInactive
	}
	return nil
}

// TryAdopt decides whether to accept req under mode, from source.
//
// Policy (spec §4.B): idle -> adopt from idle; busy with a lower-priority or
// about-to-shrink job and req is for the root index -> may replace; anything
// else -> reject. Adoption decisions never return an error; a rejection is
// always a valid, in-band outcome.
func (r *Registry) TryAdopt(req wire.JobRequest, mode AdoptionMode, source int) AdoptionOutcome {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, tracked := r.jobs[req.JobID]
	idle := !tracked || existing.Status == StatusInactive || existing.Status == StatusTerminated

	if idle {
		return AdoptFromIdle
	}

	isRoot := req.RequestedNodeIndex == 0
	aboutToShrink := existing.LastKnownVolume > 0 && existing.LastKnownVolume <= req.RequestedNodeIndex
	lowerPriority := existing.BalancingEpoch < req.BalancingEpoch

	if isRoot && (aboutToShrink || lowerPriority) {
		return AdoptReplaceCurrent
	}

	if mode == ModeTargetedRejoin && existing.Status == StatusSuspended {
		return AdoptFromIdle
	}

	return Reject
}

// IsRequestObsolete reports whether req no longer needs a reply: the
// requested index has fallen out of the current volume, the job has already
// terminated, or a newer revision has superseded it.
func (r *Registry) IsRequestObsolete(req wire.JobRequest) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	j, ok := r.jobs[req.JobID]
	if !ok {
		return false
	}
	if j.Status == StatusTerminated {
		return true
	}
	if j.LastKnownVolume > 0 && req.RequestedNodeIndex >= j.LastKnownVolume {
		return true
	}
	if req.CurrentRevision < j.CurrentRevision {
		return true
	}
	return false
}

// IsAdoptionOfferObsolete is IsRequestObsolete's symmetric check for
// outgoing offers this worker has made.
func (r *Registry) IsAdoptionOfferObsolete(req wire.JobRequest) bool {
	return r.IsRequestObsolete(req)
}

// AddFutureRequestMessage buffers a request whose balancing epoch is ahead
// of what this worker has processed yet.
func (r *Registry) AddFutureRequestMessage(epoch int32, req wire.JobRequest) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.future[epoch] = append(r.future[epoch], req)
}

// BalancingDone drains every buffered request whose epoch is now current or
// past, in ascending epoch then arrival order, for the caller to replay.
func (r *Registry) BalancingDone(currentEpoch int32) []wire.JobRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	var epochs []int32
	for epoch := range r.future {
		if epoch <= currentEpoch {
			epochs = append(epochs, epoch)
		}
	}
	sort.Slice(epochs, func(i, j int) bool { return epochs[i] < epochs[j] })
	var drained []wire.JobRequest
	for _, epoch := range epochs {
		drained = append(drained, r.future[epoch]...)
		delete(r.future, epoch)
	}
	return drained
}

// ForgetOldJobs evicts terminated jobs untouched since before cutoff,
// bounding memory use, and returns the ids removed.
func (r *Registry) ForgetOldJobs(cutoff time.Time) []int32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	var forgotten []int32
	for id, j := range r.jobs {
		if j.Status == StatusTerminated && j.LastTouched.Before(cutoff) {
			delete(r.jobs, id)
			delete(r.commitments, id)
			delete(r.dormant, id)
			forgotten = append(forgotten, id)
		}
	}
	return forgotten
}

// SetCollectiveAssignment forwards ca to the balancer, if one is wired.
func (r *Registry) SetCollectiveAssignment(ca CollectiveAssignment) {
	r.mu.RLock()
	handler := r.onCollectiveAssignment
	r.mu.RUnlock()
	if handler != nil {
		handler(ca)
	}
}

// HandleBalancingMessage forwards msg to the balancer, if one is wired.
func (r *Registry) HandleBalancingMessage(msg BalancingMessage) {
	r.mu.RLock()
	handler := r.onBalancingMessage
	r.mu.RUnlock()
	if handler != nil {
		handler(msg)
	}
	r.mu.Lock()
	r.volume[msg.JobID] = msg.Volume
	if j, ok := r.jobs[msg.JobID]; ok {
		j.LastKnownVolume = msg.Volume
		j.BalancingEpoch = msg.Epoch
	}
	r.mu.Unlock()
}

// MarkDormant flags jobID as holding no active local node but retained for
// possible reactivation.
func (r *Registry) MarkDormant(jobID int32, dormant bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dormant[jobID] = dormant
}

// IsDormant reports the dormancy flag for jobID.
func (r *Registry) IsDormant(jobID int32) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.dormant[jobID]
}

// Activate transitions a committed job to active once its description has
// arrived. It is the single place job activation happens, resolving spec
// §9's "duplicated loaded = true" concern by construction.
func (r *Registry) Activate(jobID int32, revision int32, description []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[jobID]
	if !ok {
		return fmt.Errorf("%w: job %d", ErrNotFound, jobID)
	}
	if err := j.Revisions.Append(revision, description); err != nil {
		return fmt.Errorf("registry: append revision: %w", err)
	}
	j.CurrentRevision = revision
	j.Status = StatusActive
	j.LastTouched = time.Now()
	return nil
}

// Terminate moves a job to StatusTerminated.
func (r *Registry) Terminate(jobID int32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if j, ok := r.jobs[jobID]; ok {
		j.Status = StatusTerminated
		j.LastTouched = time.Now()
	}
}

// Suspend moves an active job to StatusSuspended (its index no longer fits
// under the current volume).
func (r *Registry) Suspend(jobID int32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if j, ok := r.jobs[jobID]; ok && j.Status == StatusActive {
		j.Status = StatusSuspended
	}
}
