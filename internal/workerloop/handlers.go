package workerloop

import (
	"fmt"
	"time"

	"github.com/mallob-go/core/internal/jobtree"
	"github.com/mallob-go/core/internal/localsched"
	"github.com/mallob-go/core/internal/queue"
	"github.com/mallob-go/core/internal/registry"
	"github.com/mallob-go/core/pkg/wire"
)

// handleRequestNode implements the REQUEST_NODE arm of spec §4.F's table:
// try to adopt locally, otherwise bounce onward through the router.
func (l *Loop) handleRequestNode(msg queue.ReceivedMessage) {
	var req wire.JobRequest
	if err := req.UnmarshalBinary(msg.Payload); err != nil {
		l.log.Error("malformed job request", "err", err)
		return
	}
	l.handleIncomingRequest(req, msg.Source, registry.ModeNormal)
}

// handleRequestNodeOneshot is the targeted-rejoin variant: adoption must
// come from the exact rank the request was routed to, or it is rejected
// with OneshotJobRequestRejection instead of bounced further.
func (l *Loop) handleRequestNodeOneshot(msg queue.ReceivedMessage) {
	var req wire.JobRequest
	if err := req.UnmarshalBinary(msg.Payload); err != nil {
		l.log.Error("malformed oneshot job request", "err", err)
		return
	}
	if !l.reg.Has(req.JobID) {
		l.reg.CreateJob(req.JobID, req.Application, req.RootRank)
	}
	outcome := l.reg.TryAdopt(req, registry.ModeTargetedRejoin, msg.Source)
	switch outcome {
	case registry.AdoptFromIdle, registry.AdoptReplaceCurrent:
		l.commitAndOffer(req, msg.Source)
	default:
		l.sendOneshotRejection(req, msg.Source)
	}
}

func (l *Loop) handleIncomingRequest(req wire.JobRequest, sender int, mode registry.AdoptionMode) {
	if l.reg.IsRequestObsolete(req) {
		return
	}
	if !l.reg.Has(req.JobID) {
		l.reg.CreateJob(req.JobID, req.Application, req.RootRank)
	}
	outcome := l.reg.TryAdopt(req, mode, sender)
	switch outcome {
	case registry.AdoptFromIdle, registry.AdoptReplaceCurrent:
		l.commitAndOffer(req, sender)
	default:
		l.routeRequest(req, wire.TagRequestNode, sender)
	}
}

func (l *Loop) commitAndOffer(req wire.JobRequest, sender int) {
	if err := l.reg.Commit(req); err != nil {
		l.log.Warn("commit failed, routing onward instead", "jobId", req.JobID, "err", err)
		l.routeRequest(req, wire.TagRequestNode, sender)
		return
	}
	buf, err := req.MarshalBinary()
	if err != nil {
		l.log.Error("failed to encode adoption offer", "err", err)
		return
	}
	requester := int(req.RequestingNodeRank)
	if _, err := l.q.Send(requester, wire.TagOfferAdoption, buf); err != nil {
		l.log.Error("failed to send adoption offer", "dest", requester, "err", err)
	}
}

func (l *Loop) sendOneshotRejection(req wire.JobRequest, dest int) {
	rej := wire.OneshotJobRequestRejection{
		Request:              req,
		IsChildStillDormant:  l.reg.IsDormant(req.JobID),
	}
	buf, err := rej.MarshalBinary()
	if err != nil {
		l.log.Error("failed to encode oneshot rejection", "err", err)
		return
	}
	if _, err := l.q.Send(dest, wire.TagRejectOneshot, buf); err != nil {
		l.log.Error("failed to send oneshot rejection", "dest", dest, "err", err)
	}
}

// handleOfferAdoption is received by the requester of a REQUEST_NODE, i.e.
// the parent growing its tree: decide whether to accept, reply
// ANSWER_ADOPTION_OFFER, and push what the new child needs to start
// (its job description and the parent's current volume) since the child
// itself has neither yet.
func (l *Loop) handleOfferAdoption(msg queue.ReceivedMessage) {
	var req wire.JobRequest
	if err := req.UnmarshalBinary(msg.Payload); err != nil {
		l.log.Error("malformed adoption offer", "err", err)
		return
	}
	if l.reg.IsAdoptionOfferObsolete(req) {
		return
	}
	side := jobtree.Left
	if req.RequestedNodeIndex%2 == 0 {
		side = jobtree.Right
	}
	j, ok := l.reg.Get(req.JobID)
	if !ok {
		return
	}
	js := l.jobStateFor(req.JobID)
	isAwaitedResponse := js.sched.IsWaiting(side) && js.waitingTarget[side] == msg.Source
	if !isAwaitedResponse && !js.sched.AcceptsChild(side, req.RequestedNodeIndex, j.LastKnownVolume) {
		l.log.Debug("declining stale adoption offer", "jobId", req.JobID, "side", side, "source", msg.Source)
		return
	}
	js.sched.HandleChildJoining(side, msg.Source, req.RequestedNodeIndex)
	js.rejectAttempts[side] = 0

	buf, err := req.MarshalBinary()
	if err != nil {
		l.log.Error("failed to encode adoption answer", "err", err)
		return
	}
	if _, err := l.q.Send(msg.Source, wire.TagAnswerAdoptionOffer, buf); err != nil {
		l.log.Error("failed to send adoption answer", "dest", msg.Source, "err", err)
		return
	}

	if desc, ok := j.Revisions.Get(j.CurrentRevision); ok {
		sig := wire.JobSignature{
			JobID:                 req.JobID,
			RootRank:              j.RootRank,
			FirstIncludedRevision: j.CurrentRevision,
			TransferSize:          uint64(len(desc)),
		}
		if err := l.sendJobDescription(msg.Source, sig, desc); err != nil {
			l.log.Error("failed to send job description to new child", "dest", msg.Source, "err", err)
		}
	}
	l.sendVolumeUpdate(msg.Source, req.JobID, j.LastKnownVolume, j.BalancingEpoch)
}

func jobtreeParentIndex(childIndex int32) int32 {
	if childIndex <= 0 {
		return 0
	}
	return (childIndex - 1) / 2
}

// handleAnswerAdoptionOffer is received by the child that offered to adopt:
// the parent has accepted it into the tree. Record the parent link, then
// query for the job description in case the parent's unsolicited
// SEND_JOB_DESCRIPTION was lost or reordered.
func (l *Loop) handleAnswerAdoptionOffer(msg queue.ReceivedMessage) {
	var req wire.JobRequest
	if err := req.UnmarshalBinary(msg.Payload); err != nil {
		l.log.Error("malformed adoption answer", "err", err)
		return
	}
	js := l.jobStateFor(req.JobID)
	js.tree.ParentRank = msg.Source
	js.tree.ParentIndex = jobtreeParentIndex(req.RequestedNodeIndex)
	js.tree.HasParent = true

	if j, ok := l.reg.Get(req.JobID); ok && j.Status == registry.StatusActive {
		return
	}
	header := wire.IntPair{A: req.JobID, B: req.CurrentRevision}
	buf, err := header.MarshalBinary()
	if err != nil {
		l.log.Error("failed to encode job description query", "err", err)
		return
	}
	if _, err := l.q.Send(msg.Source, wire.TagQueryJobDescription, buf); err != nil {
		l.log.Error("failed to query job description", "dest", msg.Source, "err", err)
	}
}

// handleRejectOneshot updates the dormant cache for the parent that issued
// the targeted rejoin and, if the child truly went away, either retries a
// remaining dormant candidate via router.BounceTargeted or falls back to a
// normal-hop request once that pool is exhausted (spec §4.D "Targeted
// rejoin").
func (l *Loop) handleRejectOneshot(msg queue.ReceivedMessage) {
	var rej wire.OneshotJobRequestRejection
	if err := rej.UnmarshalBinary(msg.Payload); err != nil {
		l.log.Error("malformed oneshot rejection", "err", err)
		return
	}
	req := rej.Request
	side := jobtree.Left
	if req.RequestedNodeIndex%2 == 0 {
		side = jobtree.Right
	}
	js := l.jobStateFor(req.JobID)
	decision := js.sched.HandleRejectReactivation(side, msg.Source, req.BalancingEpoch, rej.IsChildStillDormant)
	if decision.Action != localsched.ActionNormalHop {
		return
	}
	js.rejectAttempts[side]++
	if candidates := js.tree.DormantCandidates(); len(candidates) > 0 {
		if target, convertToNormal := l.rtr.BounceTargeted(candidates, js.rejectAttempts[side]); !convertToNormal {
			js.sched.BeginWaiting(side, req.BalancingEpoch)
			js.waitingTarget[side] = target
			l.sendOneshotRequest(target, req)
			return
		}
	}
	js.rejectAttempts[side] = 0
	l.routeRequest(req, wire.TagRequestNode, l.fab.Rank())
}

// handleReleaseFromWaiting is received by a dormant node whose targeted
// rejoin reservation was canceled before it could answer; a dormant node
// holds no reservation state of its own to unwind, so this is diagnostic
// only.
func (l *Loop) handleReleaseFromWaiting(msg queue.ReceivedMessage) {
	var vec wire.IntVec
	if err := vec.UnmarshalBinary(msg.Payload); err != nil || len(vec) < 1 {
		return
	}
	l.log.Debug("reservation released", "jobId", vec[0], "source", msg.Source)
}

// handleSendJobDescription activates the job named by the leading
// JobSignature, not one guessed from the opaque description bytes that
// follow it - descriptions are application payloads (spec §3) and carry no
// job identity of their own.
func (l *Loop) handleSendJobDescription(msg queue.ReceivedMessage) {
	sig, desc, err := parseJobDescription(msg.Payload)
	if err != nil {
		l.log.Error("malformed job description", "err", err)
		return
	}
	if err := l.reg.Activate(sig.JobID, sig.FirstIncludedRevision, desc); err != nil {
		l.log.Error("failed to activate job", "jobId", sig.JobID, "err", err)
	}
}

// sendJobDescription prepends sig to desc and sends the pair as
// SEND_JOB_DESCRIPTION, so the receiver activates the job the signature
// names rather than parsing the opaque payload itself.
func (l *Loop) sendJobDescription(dest int, sig wire.JobSignature, desc []byte) error {
	sigBuf, err := sig.MarshalBinary()
	if err != nil {
		return err
	}
	payload := make([]byte, 0, len(sigBuf)+len(desc))
	payload = append(payload, sigBuf...)
	payload = append(payload, desc...)
	_, err = l.q.Send(dest, wire.TagSendJobDescription, payload)
	return err
}

// parseJobDescription splits a SEND_JOB_DESCRIPTION payload back into its
// leading JobSignature and the opaque description bytes that follow.
func parseJobDescription(payload []byte) (wire.JobSignature, []byte, error) {
	if len(payload) < wire.JobSignatureWireSize {
		return wire.JobSignature{}, nil, fmt.Errorf("job description payload truncated: %d bytes", len(payload))
	}
	var sig wire.JobSignature
	if err := sig.UnmarshalBinary(payload[:wire.JobSignatureWireSize]); err != nil {
		return wire.JobSignature{}, nil, err
	}
	return sig, payload[wire.JobSignatureWireSize:], nil
}

// handleQueryJobDescription answers with the requested revision if known,
// or defers if this node hasn't received it yet (the sender will retry).
func (l *Loop) handleQueryJobDescription(msg queue.ReceivedMessage) {
	var hdr wire.IntPair
	if err := hdr.UnmarshalBinary(msg.Payload); err != nil {
		l.log.Error("malformed job description query", "err", err)
		return
	}
	jobID, revision := hdr.A, hdr.B
	j, ok := l.reg.Get(jobID)
	if !ok {
		return
	}
	desc, ok := j.Revisions.Get(revision)
	if !ok {
		return
	}
	sig := wire.JobSignature{
		JobID:                 jobID,
		RootRank:              j.RootRank,
		FirstIncludedRevision: revision,
		TransferSize:          uint64(len(desc)),
	}
	if err := l.sendJobDescription(msg.Source, sig, desc); err != nil {
		l.log.Error("failed to answer job description query", "dest", msg.Source, "err", err)
	}
}

// handleNotifyVolumeUpdate applies an incoming balancing update.
func (l *Loop) handleNotifyVolumeUpdate(msg queue.ReceivedMessage) {
	var vec wire.IntVec
	if err := vec.UnmarshalBinary(msg.Payload); err != nil || len(vec) < 3 {
		l.log.Error("malformed volume update", "err", err)
		return
	}
	l.UpdateVolume(vec[0], vec[1], vec[2], 0)
}

// handleQueryVolume answers with the last known volume for a job. A query
// for a job this node does not know is dropped, not forwarded.
func (l *Loop) handleQueryVolume(msg queue.ReceivedMessage) {
	var vec wire.IntVec
	if err := vec.UnmarshalBinary(msg.Payload); err != nil || len(vec) < 1 {
		return
	}
	j, ok := l.reg.Get(vec[0])
	if !ok {
		return
	}
	reply := wire.IntVec{j.ID, j.LastKnownVolume, j.BalancingEpoch}
	buf, err := reply.MarshalBinary()
	if err != nil {
		return
	}
	if _, err := l.q.Send(msg.Source, wire.TagNotifyVolumeUpdate, buf); err != nil {
		l.log.Error("failed to answer volume query", "dest", msg.Source, "err", err)
	}
}

// handleNotifyNodeLeavingJob prunes the departing child and, if this
// worker still needs that slot filled, spawns a new request for it.
func (l *Loop) handleNotifyNodeLeavingJob(msg queue.ReceivedMessage) {
	var vec wire.IntVec
	if err := vec.UnmarshalBinary(msg.Payload); err != nil || len(vec) < 2 {
		return
	}
	jobID, childIndex := vec[0], vec[1]
	side := jobtree.Left
	if childIndex%2 == 0 {
		side = jobtree.Right
	}
	js := l.jobStateFor(jobID)
	js.tree.Prune(side)
	js.tree.DormantCacheOffer(msg.Source)

	j, ok := l.reg.Get(jobID)
	if !ok || j.Status != registry.StatusActive {
		return
	}
	if !js.tree.WantsToGrow(side, j.LastKnownVolume, j.BalancingEpoch, time.Now()) {
		return
	}
	if l.cfg.ReactivationScheduling {
		if candidates := js.tree.DormantCandidates(); len(candidates) > 0 {
			if target, convertToNormal := l.rtr.BounceTargeted(candidates, js.rejectAttempts[side]); !convertToNormal {
				js.sched.BeginWaiting(side, j.BalancingEpoch)
				js.waitingTarget[side] = target
				l.sendOneshotRequest(target, l.buildChildRequest(jobID, j, js, side, j.BalancingEpoch))
				return
			}
		}
	}
	req := wire.JobRequest{
		JobID:              jobID,
		Application:        j.Application,
		RootRank:           j.RootRank,
		RequestingNodeRank: int32(l.fab.Rank()),
		RequestedNodeIndex: childIndex,
		CurrentRevision:    j.CurrentRevision,
		BalancingEpoch:     j.BalancingEpoch,
	}
	l.routeRequest(req, wire.TagRequestNode, l.fab.Rank())
}

// peekJobHeader extracts (jobID, revision) from the leading 8 bytes of a
// JobMessage-style envelope without fully decoding it.
func peekJobHeader(payload []byte) (int32, int32) {
	if len(payload) < 8 {
		return 0, 0
	}
	jobID := int32(payload[0]) | int32(payload[1])<<8 | int32(payload[2])<<16 | int32(payload[3])<<24
	revision := int32(payload[4]) | int32(payload[5])<<8 | int32(payload[6])<<16 | int32(payload[7])<<24
	return jobID, revision
}

// handleNotifyResultFound propagates a solved result toward the root and
// marks the job terminating locally.
func (l *Loop) handleNotifyResultFound(msg queue.ReceivedMessage) {
	jobID, _ := peekJobHeader(msg.Payload)
	j, ok := l.reg.Get(jobID)
	if !ok {
		return
	}
	if l.fab.Rank() != int(j.RootRank) {
		if _, err := l.q.Send(int(j.RootRank), wire.TagNotifyResultFound, msg.Payload); err != nil {
			l.log.Error("failed to forward result", "err", err)
		}
	}
	l.reg.Terminate(jobID)
}

// handleNotifyResultObsolete clears any pending result transfer state; this
// worker keeps no independent transfer buffer, so the only action is to
// leave the job's status untouched.
func (l *Loop) handleNotifyResultObsolete(msg queue.ReceivedMessage) {
	jobID, _ := peekJobHeader(msg.Payload)
	l.log.Debug("result obsolete", "jobId", jobID)
}

// handleInterrupt handles NOTIFY_JOB_ABORTING, NOTIFY_JOB_TERMINATING, and
// NOTIFY_JOB_INTERRUPT uniformly: terminate the local job state, which also
// clears the local tree's children, past children and dormant cache.
func (l *Loop) handleInterrupt(msg queue.ReceivedMessage) {
	jobID, _ := peekJobHeader(msg.Payload)
	l.mu.Lock()
	js, ok := l.jobs[jobID]
	l.mu.Unlock()
	if ok {
		js.tree.Terminate()
	}
	l.reg.Terminate(jobID)
}

// handleSendApplicationMessage decodes a full JobMessage envelope and
// delivers its payload to the running job; this build has no in-process
// application to hand it to, so it is only traced.
func (l *Loop) handleSendApplicationMessage(msg queue.ReceivedMessage) {
	var jm wire.JobMessage
	if err := jm.UnmarshalBinary(msg.Payload); err != nil {
		l.log.Error("malformed application message", "err", err)
		return
	}
	if l.tr != nil {
		l.tr.DumpApplicationMessage(jm.JobID, jm.Tag, len(jm.Payload))
	}
}

// handleWarmup is diagnostic only.
func (l *Loop) handleWarmup(msg queue.ReceivedMessage) {
	l.log.Debug("warmup", "source", msg.Source)
}
