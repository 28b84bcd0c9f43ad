// Package wire defines the on-the-wire structures exchanged between workers
// and their exact binary layouts. All integers are two's complement,
// little-endian; the cluster is assumed homogeneous so no byte-order
// negotiation happens on the wire (spec §6).
package wire

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
)

// Application enumerates the payload kind carried by a Job. The core never
// interprets it beyond routing and accounting.
type Application int32

const (
	AppUnknown Application = iota
	AppSAT
	AppKMeans
	AppDummy
)

func (a Application) String() string {
	switch a {
	case AppSAT:
		return "SAT"
	case AppKMeans:
		return "KMEANS"
	case AppDummy:
		return "DUMMY"
	default:
		return "UNKNOWN"
	}
}

// JobRequest is the unit of scheduling traffic (spec §3, §6). Its wire size
// is fixed at 40 bytes.
type JobRequest struct {
	JobID               int32
	Application         Application
	RootRank            int32
	RequestingNodeRank  int32
	RequestedNodeIndex  int32
	CurrentRevision     int32
	LastKnownRevision   int32
	TimeOfBirth         float32
	NumHops             int32
	BalancingEpoch      int32
}

// JobRequestWireSize is the fixed encoded size of a JobRequest.
const JobRequestWireSize = 40

// Less orders requests by (balancingEpoch, jobId, requestedNodeIndex,
// currentRevision), lexicographically, per spec §3.
func (r JobRequest) Less(other JobRequest) bool {
	if r.BalancingEpoch != other.BalancingEpoch {
		return r.BalancingEpoch < other.BalancingEpoch
	}
	if r.JobID != other.JobID {
		return r.JobID < other.JobID
	}
	if r.RequestedNodeIndex != other.RequestedNodeIndex {
		return r.RequestedNodeIndex < other.RequestedNodeIndex
	}
	return r.CurrentRevision < other.CurrentRevision
}

// MarshalBinary encodes the request into its fixed 40-byte layout.
func (r JobRequest) MarshalBinary() ([]byte, error) {
	buf := make([]byte, JobRequestWireSize)
	le := binary.LittleEndian
	le.PutUint32(buf[0:4], uint32(r.JobID))
	le.PutUint32(buf[4:8], uint32(r.Application))
	le.PutUint32(buf[8:12], uint32(r.RootRank))
	le.PutUint32(buf[12:16], uint32(r.RequestingNodeRank))
	le.PutUint32(buf[16:20], uint32(r.RequestedNodeIndex))
	le.PutUint32(buf[20:24], uint32(r.CurrentRevision))
	le.PutUint32(buf[24:28], uint32(r.LastKnownRevision))
	le.PutUint32(buf[28:32], math.Float32bits(r.TimeOfBirth))
	le.PutUint32(buf[32:36], uint32(r.NumHops))
	le.PutUint32(buf[36:40], uint32(r.BalancingEpoch))
	return buf, nil
}

// UnmarshalBinary decodes a JobRequest from exactly JobRequestWireSize bytes.
func (r *JobRequest) UnmarshalBinary(data []byte) error {
	if len(data) != JobRequestWireSize {
		return fmt.Errorf("wire: JobRequest wants %d bytes, got %d", JobRequestWireSize, len(data))
	}
	le := binary.LittleEndian
	r.JobID = int32(le.Uint32(data[0:4]))
	r.Application = Application(le.Uint32(data[4:8]))
	r.RootRank = int32(le.Uint32(data[8:12]))
	r.RequestingNodeRank = int32(le.Uint32(data[12:16]))
	r.RequestedNodeIndex = int32(le.Uint32(data[16:20]))
	r.CurrentRevision = int32(le.Uint32(data[20:24]))
	r.LastKnownRevision = int32(le.Uint32(data[24:28]))
	r.TimeOfBirth = math.Float32frombits(le.Uint32(data[28:32]))
	r.NumHops = int32(le.Uint32(data[32:36]))
	r.BalancingEpoch = int32(le.Uint32(data[36:40]))
	return nil
}

// OneshotJobRequestRejection is a JobRequest followed by a single dormancy
// flag byte (spec §6).
type OneshotJobRequestRejection struct {
	Request              JobRequest
	IsChildStillDormant  bool
}

const OneshotJobRequestRejectionWireSize = JobRequestWireSize + 1

func (o OneshotJobRequestRejection) MarshalBinary() ([]byte, error) {
	reqBytes, err := o.Request.MarshalBinary()
	if err != nil {
		return nil, err
	}
	buf := make([]byte, OneshotJobRequestRejectionWireSize)
	copy(buf, reqBytes)
	if o.IsChildStillDormant {
		buf[JobRequestWireSize] = 1
	}
	return buf, nil
}

func (o *OneshotJobRequestRejection) UnmarshalBinary(data []byte) error {
	if len(data) != OneshotJobRequestRejectionWireSize {
		return fmt.Errorf("wire: OneshotJobRequestRejection wants %d bytes, got %d", OneshotJobRequestRejectionWireSize, len(data))
	}
	if err := o.Request.UnmarshalBinary(data[:JobRequestWireSize]); err != nil {
		return err
	}
	o.IsChildStillDormant = data[JobRequestWireSize] != 0
	return nil
}

// WorkRequest is a minimal 12-byte routing envelope (spec §6).
type WorkRequest struct {
	RequestingRank int32
	NumHops        int32
	BalancingEpoch int32
}

const WorkRequestWireSize = 12

func (w WorkRequest) MarshalBinary() ([]byte, error) {
	buf := make([]byte, WorkRequestWireSize)
	le := binary.LittleEndian
	le.PutUint32(buf[0:4], uint32(w.RequestingRank))
	le.PutUint32(buf[4:8], uint32(w.NumHops))
	le.PutUint32(buf[8:12], uint32(w.BalancingEpoch))
	return buf, nil
}

func (w *WorkRequest) UnmarshalBinary(data []byte) error {
	if len(data) != WorkRequestWireSize {
		return fmt.Errorf("wire: WorkRequest wants %d bytes, got %d", WorkRequestWireSize, len(data))
	}
	le := binary.LittleEndian
	w.RequestingRank = int32(le.Uint32(data[0:4]))
	w.NumHops = int32(le.Uint32(data[4:8]))
	w.BalancingEpoch = int32(le.Uint32(data[8:12]))
	return nil
}

// JobSignature precedes bulk description data (spec §3, §6). TransferSize is
// a size_t on the wire, encoded here as an 8-byte unsigned integer.
type JobSignature struct {
	JobID                int32
	RootRank             int32
	FirstIncludedRevision int32
	TransferSize         uint64
}

const JobSignatureWireSize = 20

func (s JobSignature) MarshalBinary() ([]byte, error) {
	buf := make([]byte, JobSignatureWireSize)
	le := binary.LittleEndian
	le.PutUint32(buf[0:4], uint32(s.JobID))
	le.PutUint32(buf[4:8], uint32(s.RootRank))
	le.PutUint32(buf[8:12], uint32(s.FirstIncludedRevision))
	le.PutUint64(buf[12:20], s.TransferSize)
	return buf, nil
}

func (s *JobSignature) UnmarshalBinary(data []byte) error {
	if len(data) != JobSignatureWireSize {
		return fmt.Errorf("wire: JobSignature wants %d bytes, got %d", JobSignatureWireSize, len(data))
	}
	le := binary.LittleEndian
	s.JobID = int32(le.Uint32(data[0:4]))
	s.RootRank = int32(le.Uint32(data[4:8]))
	s.FirstIncludedRevision = int32(le.Uint32(data[8:12]))
	s.TransferSize = le.Uint64(data[12:20])
	return nil
}

// JobMessage carries an application-internal, opaque integer payload.
// Envelope fields precede a length-prefixed sequence of int32 (spec §6).
type JobMessage struct {
	JobID    int32
	Revision int32
	Tag      int32
	Epoch    int32
	Checksum uint64
	Payload  []int32
}

func (m JobMessage) MarshalBinary() ([]byte, error) {
	buf := new(bytes.Buffer)
	le := binary.LittleEndian
	var head [28]byte
	le.PutUint32(head[0:4], uint32(m.JobID))
	le.PutUint32(head[4:8], uint32(m.Revision))
	le.PutUint32(head[8:12], uint32(m.Tag))
	le.PutUint32(head[12:16], uint32(m.Epoch))
	le.PutUint64(head[16:24], m.Checksum)
	le.PutUint32(head[24:28], uint32(len(m.Payload)))
	buf.Write(head[:])
	for _, v := range m.Payload {
		var b [4]byte
		le.PutUint32(b[:], uint32(v))
		buf.Write(b[:])
	}
	return buf.Bytes(), nil
}

func (m *JobMessage) UnmarshalBinary(data []byte) error {
	if len(data) < 28 {
		return fmt.Errorf("wire: JobMessage header truncated: %d bytes", len(data))
	}
	le := binary.LittleEndian
	m.JobID = int32(le.Uint32(data[0:4]))
	m.Revision = int32(le.Uint32(data[4:8]))
	m.Tag = int32(le.Uint32(data[8:12]))
	m.Epoch = int32(le.Uint32(data[12:16]))
	m.Checksum = le.Uint64(data[16:24])
	n := int(le.Uint32(data[24:28]))
	rest := data[28:]
	if len(rest) != n*4 {
		return fmt.Errorf("wire: JobMessage payload length mismatch: header says %d ints, got %d bytes", n, len(rest))
	}
	m.Payload = make([]int32, n)
	for i := 0; i < n; i++ {
		m.Payload[i] = int32(le.Uint32(rest[i*4 : i*4+4]))
	}
	return nil
}

// IntPair is a bare pair of int32, used for small acks and index/rank tuples.
type IntPair struct {
	A, B int32
}

const IntPairWireSize = 8

func (p IntPair) MarshalBinary() ([]byte, error) {
	buf := make([]byte, IntPairWireSize)
	le := binary.LittleEndian
	le.PutUint32(buf[0:4], uint32(p.A))
	le.PutUint32(buf[4:8], uint32(p.B))
	return buf, nil
}

func (p *IntPair) UnmarshalBinary(data []byte) error {
	if len(data) != IntPairWireSize {
		return fmt.Errorf("wire: IntPair wants %d bytes, got %d", IntPairWireSize, len(data))
	}
	le := binary.LittleEndian
	p.A = int32(le.Uint32(data[0:4]))
	p.B = int32(le.Uint32(data[4:8]))
	return nil
}

// IntVec is a raw sequence of int32, length-prefixed by a 4-byte count for
// framing purposes (the spec's "length implied by envelope" is our own
// length prefix, since IntVec is otherwise sent on its own).
type IntVec []int32

func (v IntVec) MarshalBinary() ([]byte, error) {
	buf := make([]byte, 4+4*len(v))
	le := binary.LittleEndian
	le.PutUint32(buf[0:4], uint32(len(v)))
	for i, x := range v {
		le.PutUint32(buf[4+4*i:8+4*i], uint32(x))
	}
	return buf, nil
}

func (v *IntVec) UnmarshalBinary(data []byte) error {
	if len(data) < 4 {
		return fmt.Errorf("wire: IntVec header truncated")
	}
	le := binary.LittleEndian
	n := int(le.Uint32(data[0:4]))
	rest := data[4:]
	if len(rest) != n*4 {
		return fmt.Errorf("wire: IntVec length mismatch: header says %d, got %d bytes", n, len(rest))
	}
	out := make(IntVec, n)
	for i := 0; i < n; i++ {
		out[i] = int32(le.Uint32(rest[i*4 : i*4+4]))
	}
	*v = out
	return nil
}

// FragmentTrailer is appended to every batch of a fragmented send (spec §4.A,
// §6): sendId, batchIndex, totalBatches.
type FragmentTrailer struct {
	SendID       int64
	BatchIndex   int32
	TotalBatches int32
}

const FragmentTrailerWireSize = 12

// MarshalBinary encodes the trailer. SendID is truncated to 32 bits on the
// wire (matching the spec's 12-byte trailer, three 4-byte fields); the queue
// keeps the full 64-bit id locally and only relies on the truncated form to
// correlate batches belonging to the same fragmented send from a given
// source, which is sufficient because a source never has more than 2^32
// sends outstanding at once.
func (t FragmentTrailer) MarshalBinary() ([]byte, error) {
	buf := make([]byte, FragmentTrailerWireSize)
	le := binary.LittleEndian
	le.PutUint32(buf[0:4], uint32(t.SendID))
	le.PutUint32(buf[4:8], uint32(t.BatchIndex))
	le.PutUint32(buf[8:12], uint32(t.TotalBatches))
	return buf, nil
}

func (t *FragmentTrailer) UnmarshalBinary(data []byte) error {
	if len(data) != FragmentTrailerWireSize {
		return fmt.Errorf("wire: FragmentTrailer wants %d bytes, got %d", FragmentTrailerWireSize, len(data))
	}
	le := binary.LittleEndian
	t.SendID = int64(int32(le.Uint32(data[0:4])))
	t.BatchIndex = int32(le.Uint32(data[4:8]))
	t.TotalBatches = int32(le.Uint32(data[8:12]))
	return nil
}
