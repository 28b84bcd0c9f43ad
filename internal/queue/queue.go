// Package queue implements the asynchronous, fragmenting message queue
// (spec §4.A): non-blocking send/receive over an injected fabric.Fabric,
// self-loopback, tag-keyed callback dispatch, and background reassembly and
// garbage collection of large buffers. It is grounded on the teacher's
// internal/worker/worker_pool.go goroutine/channel/mutex shape, generalized
// from "pool of workers executing tasks" to "reassembler and GC pipelines
// processing fragments".
package queue

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/mallob-go/core/internal/fabric"
	"github.com/mallob-go/core/internal/fatal"
	"github.com/mallob-go/core/pkg/wire"
)

// maxCompletionsPerPipeline caps how much work Advance does per pipeline per
// call, so one worker tick never stalls on queue processing. It unifies what
// spec §9's Open Questions call the "two numTested >= 4 guards" into a
// single shared constant.
const maxCompletionsPerPipeline = 4

// ReceivedMessage is handed to a tag callback: the sender, the (already
// unbatched) tag, and the reassembled payload.
type ReceivedMessage struct {
	Source  int
	Tag     wire.Tag
	Payload []byte
}

// Callback is invoked synchronously on the owning goroutine (the worker's
// single main thread) during Advance.
type Callback func(msg ReceivedMessage)

// SentCallback is invoked once a send (all of its batches, if fragmented)
// completes. Sends to the queue's own rank do not invoke it.
type SentCallback func(sendID int64)

type sendJob struct {
	id       int64
	dest     int
	tag      wire.Tag
	payload  []byte
	fabricID fabric.SendID

	// batching state, per spec's SendHandle
	batched      bool
	batchSize    int
	sentBatches  int32
	totalBatches int32
}

type fragmentKey struct {
	source int
	sendID int64
}

// fragmentGroup is the receive-side analogue of SendHandle's batching state:
// buffers indexed by batch number plus a received count (spec §3
// ReceiveFragment).
type fragmentGroup struct {
	tag          wire.Tag
	source       int
	totalBatches int32
	received     int32
	batches      [][]byte
}

type completedGroup struct {
	source  int
	tag     wire.Tag
	payload []byte
}

// Queue is the per-worker message queue. All exported methods except Send
// (which may be called by the worker loop from any tag callback, itself
// only ever running on the main goroutine) are intended to run on a single
// goroutine; concurrency safety comes entirely from the assembler/GC
// separation described in spec §5.
type Queue struct {
	fab        fabric.Fabric
	selfRank   int
	maxMsgSize int
	log        *slog.Logger

	nextSendID int64

	callbacks    map[wire.Tag]Callback
	sentCallback SentCallback

	outstanding map[int64]*sendJob

	selfQueue chan ReceivedMessage

	// receive-side fragment reassembly state; owned exclusively by the main
	// goroutine (spec §5's "_fragmented_messages owned by main thread only").
	fragments map[fragmentKey]*fragmentGroup

	toAssembler chan *fragmentGroup

	fusedMu    sync.Mutex
	fusedQueue []completedGroup

	gcQueue chan []byte

	receivePosted bool

	fatal *fatal.Reporter

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// Config controls queue sizing and behavior.
type Config struct {
	MaxMsgSize      int
	SelfQueueDepth  int
	AssemblerDepth  int
	GCQueueDepth    int
}

// DefaultConfig returns reasonable defaults for a single-run worker.
func DefaultConfig() Config {
	return Config{
		MaxMsgSize:     1 << 20, // 1 MiB
		SelfQueueDepth: 1024,
		AssemblerDepth: 256,
		GCQueueDepth:   256,
	}
}

// New creates a queue bound to fab and starts its assembler and GC
// goroutines.
func New(fab fabric.Fabric, cfg Config, log *slog.Logger) *Queue {
	if log == nil {
		log = slog.Default()
	}
	if cfg.MaxMsgSize <= 0 {
		cfg = DefaultConfig()
	}
	q := &Queue{
		fab:         fab,
		selfRank:    fab.Rank(),
		maxMsgSize:  cfg.MaxMsgSize,
		log:         log.With("component", "queue", "rank", fab.Rank()),
		callbacks:   make(map[wire.Tag]Callback),
		outstanding: make(map[int64]*sendJob),
		selfQueue:   make(chan ReceivedMessage, cfg.SelfQueueDepth),
		fragments:   make(map[fragmentKey]*fragmentGroup),
		toAssembler: make(chan *fragmentGroup, cfg.AssemblerDepth),
		gcQueue:     make(chan []byte, cfg.GCQueueDepth),
		stopCh:      make(chan struct{}),
	}
	q.wg.Add(2)
	go q.runAssembler()
	go q.runGC()
	return q
}

// Close stops the background goroutines. Safe to call multiple times.
func (q *Queue) Close() {
	q.stopOnce.Do(func() { close(q.stopCh) })
	q.wg.Wait()
}

// RegisterCallback binds fn as the sole handler for tag. Registering a tag
// twice is a programming error, not a runtime condition to be handled
// gracefully (spec §4.A).
func (q *Queue) RegisterCallback(tag wire.Tag, fn Callback) {
	if _, exists := q.callbacks[tag]; exists {
		panic(fmt.Sprintf("queue: duplicate callback registration for tag %v", tag))
	}
	q.callbacks[tag] = fn
}

// SetFatalReporter wires r as the destination for protocol-fatal
// conditions (unknown tag on receive, malformed fragment trailer). Without
// one, those conditions are only logged, matching the queue's behavior
// before a fatal.Reporter exists in the caller's process.
func (q *Queue) SetFatalReporter(r *fatal.Reporter) {
	q.fatal = r
}

// RegisterSentCallback sets the single global send-completion callback.
func (q *Queue) RegisterSentCallback(fn SentCallback) {
	q.sentCallback = fn
}

// Send enqueues payload for delivery to dest under tag, fragmenting
// transparently if it exceeds the configured max message size. destination
// == own rank is delivered through the self-receive path without touching
// the fabric.
func (q *Queue) Send(dest int, tag wire.Tag, payload []byte) (int64, error) {
	q.nextSendID++
	id := q.nextSendID

	if dest == q.selfRank {
		cp := make([]byte, len(payload))
		copy(cp, payload)
		select {
		case q.selfQueue <- ReceivedMessage{Source: q.selfRank, Tag: tag, Payload: cp}:
		default:
			return 0, fmt.Errorf("queue: self-receive queue full")
		}
		return id, nil
	}

	threshold := q.maxMsgSize + 3*4 // spec: max-msg-size + 3*sizeof(int)
	if len(payload) <= threshold {
		fid, err := q.fab.PostSend(dest, tag, payload)
		if err != nil {
			return 0, fmt.Errorf("queue: post send: %w", err)
		}
		q.outstanding[id] = &sendJob{id: id, dest: dest, tag: tag, payload: payload, fabricID: fid}
		return id, nil
	}

	total := int32((len(payload) + q.maxMsgSize - 1) / q.maxMsgSize)
	job := &sendJob{
		id: id, dest: dest, tag: tag, payload: payload,
		batched: true, batchSize: q.maxMsgSize, totalBatches: total,
	}
	batch := q.buildBatch(job, 0)
	fid, err := q.fab.PostSend(dest, tag.Batched(), batch)
	if err != nil {
		return 0, fmt.Errorf("queue: post first fragment: %w", err)
	}
	job.fabricID = fid
	q.outstanding[id] = job
	return id, nil
}

func (q *Queue) buildBatch(job *sendJob, index int32) []byte {
	start := int(index) * job.batchSize
	end := start + job.batchSize
	if end > len(job.payload) {
		end = len(job.payload)
	}
	chunk := job.payload[start:end]
	trailer := wire.FragmentTrailer{SendID: job.id, BatchIndex: index, TotalBatches: job.totalBatches}
	trailerBytes, _ := trailer.MarshalBinary()
	buf := make([]byte, len(chunk)+len(trailerBytes))
	copy(buf, chunk)
	copy(buf[len(chunk):], trailerBytes)
	return buf
}

// Advance drives one step of every pipeline: send-completion, receive,
// self-receive, assembled-receive. It never blocks and does at most
// maxCompletionsPerPipeline units of work per pipeline.
func (q *Queue) Advance() {
	q.processSendCompletions()
	q.processReceive()
	q.processSelfReceive()
	q.processAssembledReceive()
}

func (q *Queue) processSendCompletions() {
	tested := 0
	for id, job := range q.outstanding {
		if tested >= maxCompletionsPerPipeline {
			break
		}
		tested++
		done, err := q.fab.TestSend(job.fabricID)
		if !done {
			continue
		}
		if err != nil {
			q.log.Error("send failed", "sendId", id, "dest", job.dest, "tag", job.tag, "err", err)
			delete(q.outstanding, id)
			continue
		}
		if job.batched {
			job.sentBatches++
			if job.sentBatches < job.totalBatches {
				batch := q.buildBatch(job, job.sentBatches)
				fid, err := q.fab.PostSend(job.dest, job.tag.Batched(), batch)
				if err != nil {
					q.log.Error("failed to post next fragment", "sendId", id, "err", err)
					delete(q.outstanding, id)
					continue
				}
				job.fabricID = fid
				continue
			}
		}
		if len(job.payload) > q.maxMsgSize {
			select {
			case q.gcQueue <- job.payload:
			default:
			}
		}
		delete(q.outstanding, id)
		if q.sentCallback != nil {
			q.sentCallback(id)
		}
	}
}

func (q *Queue) processReceive() {
	if !q.receivePosted {
		if err := q.fab.PostReceive(); err != nil {
			q.log.Error("post receive failed", "err", err)
			return
		}
		q.receivePosted = true
	}

	completions := 0
	for completions < maxCompletionsPerPipeline {
		env, ok, err := q.fab.TestReceive()
		if err != nil {
			q.log.Error("receive failed", "err", err)
			return
		}
		if !ok {
			return
		}
		completions++
		q.receivePosted = false
		if err := q.fab.PostReceive(); err != nil {
			q.log.Error("post receive failed", "err", err)
			return
		}
		q.receivePosted = true

		if env.Tag.IsBatched() {
			q.handleFragment(env)
			continue
		}
		q.dispatch(env.Source, env.Tag, env.Payload)
	}
}

func (q *Queue) handleFragment(env fabric.Envelope) {
	if len(env.Payload) < wire.FragmentTrailerWireSize {
		q.fatalOrLog("malformed fragment trailer: buffer too short", "source", env.Source, "tag", env.Tag)
		return
	}
	n := len(env.Payload)
	var trailer wire.FragmentTrailer
	if err := trailer.UnmarshalBinary(env.Payload[n-wire.FragmentTrailerWireSize:]); err != nil {
		q.fatalOrLog("malformed fragment trailer", "source", env.Source, "err", err)
		return
	}
	chunk := env.Payload[:n-wire.FragmentTrailerWireSize]

	if trailer.BatchIndex < 0 || trailer.BatchIndex >= trailer.TotalBatches {
		q.fatalOrLog("fragment batch index out of range", "index", trailer.BatchIndex, "total", trailer.TotalBatches)
		return
	}

	key := fragmentKey{source: env.Source, sendID: trailer.SendID}
	group, ok := q.fragments[key]
	if !ok {
		group = &fragmentGroup{
			tag:          env.Tag.Base(),
			totalBatches: trailer.TotalBatches,
			batches:      make([][]byte, trailer.TotalBatches),
		}
		q.fragments[key] = group
	}
	if group.batches[trailer.BatchIndex] != nil {
		q.log.Error("duplicate fragment batch", "source", env.Source, "sendId", trailer.SendID, "index", trailer.BatchIndex)
		return
	}
	cp := make([]byte, len(chunk))
	copy(cp, chunk)
	group.batches[trailer.BatchIndex] = cp
	group.received++

	if group.received == group.totalBatches {
		delete(q.fragments, key)
		group.source = env.Source
		select {
		case q.toAssembler <- group:
		default:
			// Assembler is behind; concatenate inline rather than drop data.
			q.publishAssembled(env.Source, group)
		}
	}
}

func (q *Queue) publishAssembled(source int, group *fragmentGroup) {
	total := 0
	for _, b := range group.batches {
		total += len(b)
	}
	buf := make([]byte, 0, total)
	for _, b := range group.batches {
		buf = append(buf, b...)
	}
	q.fusedMu.Lock()
	q.fusedQueue = append(q.fusedQueue, completedGroup{source: source, tag: group.tag, payload: buf})
	q.fusedMu.Unlock()
}

func (q *Queue) processSelfReceive() {
	for i := 0; i < maxCompletionsPerPipeline; i++ {
		select {
		case msg := <-q.selfQueue:
			q.dispatch(msg.Source, msg.Tag, msg.Payload)
		default:
			return
		}
	}
}

func (q *Queue) processAssembledReceive() {
	for i := 0; i < maxCompletionsPerPipeline; i++ {
		q.fusedMu.Lock()
		if len(q.fusedQueue) == 0 {
			q.fusedMu.Unlock()
			return
		}
		next := q.fusedQueue[0]
		q.fusedQueue = q.fusedQueue[1:]
		q.fusedMu.Unlock()
		q.dispatch(next.source, next.tag, next.payload)
	}
}

func (q *Queue) dispatch(source int, tag wire.Tag, payload []byte) {
	cb, ok := q.callbacks[tag]
	if !ok {
		q.fatalOrLog("unknown tag on receive, fatal per protocol", "tag", tag, "source", source)
		return
	}
	cb(ReceivedMessage{Source: source, Tag: tag, Payload: payload})
	if len(payload) > q.maxMsgSize {
		select {
		case q.gcQueue <- payload:
		default:
		}
	}
}

// fatalOrLog reports msg through q.fatal if one is wired, terminating the
// process; otherwise it only logs, matching this queue's behavior when no
// reporter has been configured.
func (q *Queue) fatalOrLog(msg string, args ...any) {
	if q.fatal != nil {
		q.fatal.Fatal(msg, args...)
		return
	}
	q.log.Error(msg, args...)
}

// runAssembler concatenates completed fragment groups in batch order and
// publishes the result to the mutex-guarded fused queue (spec §5).
func (q *Queue) runAssembler() {
	defer q.wg.Done()
	for {
		select {
		case <-q.stopCh:
			return
		case group := <-q.toAssembler:
			q.publishAssembled(group.source, group)
		}
	}
}

// runGC drops references to large buffers off the hot path (spec §4.A).
func (q *Queue) runGC() {
	defer q.wg.Done()
	for {
		select {
		case <-q.stopCh:
			return
		case <-q.gcQueue:
			// Nothing to do beyond letting the slice become unreachable;
			// the point is that this happens off the main goroutine.
		}
	}
}

// Outstanding reports the number of sends not yet completed, for tests and
// stats reporting.
func (q *Queue) Outstanding() int {
	return len(q.outstanding)
}

