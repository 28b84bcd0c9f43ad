// Package fabric declares the point-to-point transport that the message
// queue is built on. Per spec §1 the transport itself is a black box: this
// package only fixes the shape a backend must have, plus one real backend
// (grpcfabric) and one in-memory backend for tests (fakefabric).
package fabric

import "github.com/mallob-go/core/pkg/wire"

// SendID identifies one outstanding, non-blocking send.
type SendID int64

// Envelope is a single received message: who it came from, under which tag,
// and the raw application bytes (already reassembled if it was fragmented).
type Envelope struct {
	Source  int
	Tag     wire.Tag
	Payload []byte
}

// Fabric is the black-box point-to-point transport. All operations are
// non-blocking: Post* enqueue work and return immediately, Test* poll for
// completion. No method may block the calling goroutine on network I/O.
type Fabric interface {
	// Rank returns this process's own rank in the cluster.
	Rank() int

	// Size returns the number of ranks in the cluster.
	Size() int

	// PostSend enqueues payload for delivery to dest under tag and returns a
	// handle to poll for completion.
	PostSend(dest int, tag wire.Tag, payload []byte) (SendID, error)

	// TestSend reports whether the send identified by id has completed. It
	// is safe to call repeatedly; results are cached after the first
	// positive answer until Advance forgets the handle.
	TestSend(id SendID) (done bool, err error)

	// PostReceive arms the transport to accept the next incoming message.
	// It is idempotent: calling it while already armed is a no-op.
	PostReceive() error

	// TestReceive polls for one already-arrived message. ok is false if
	// nothing has arrived yet.
	TestReceive() (env Envelope, ok bool, err error)

	// Close releases any resources held by the transport (connections,
	// goroutines).
	Close() error
}
