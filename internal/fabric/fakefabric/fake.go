// Package fakefabric is an in-memory, goroutine-safe fabric.Fabric used by
// every deterministic end-to-end test and by cmd/demo, which runs several
// ranks in one process. It is modeled on the teacher's habit of swapping a
// real gRPC transport for a hand-rolled fake behind the same interface in
// tests (internal/raft's Transport interface).
package fakefabric

import (
	"fmt"
	"sync"

	"github.com/mallob-go/core/internal/fabric"
	"github.com/mallob-go/core/pkg/wire"
)

// Network is the shared in-memory cluster that a set of fakefabric.Fabric
// instances route messages through. Create one Network per test/demo run
// and one Fabric per simulated rank.
type Network struct {
	mu    sync.Mutex
	ranks map[int]*Fabric
	size  int
}

// NewNetwork creates a network sized for exactly size ranks.
func NewNetwork(size int) *Network {
	return &Network{ranks: make(map[int]*Fabric, size), size: size}
}

// NewRank registers and returns the fabric endpoint for rank.
func (n *Network) NewRank(rank int) *Fabric {
	f := &Fabric{
		rank:    rank,
		network: n,
		inbox:   make(chan fabric.Envelope, 4096),
	}
	n.mu.Lock()
	n.ranks[rank] = f
	n.mu.Unlock()
	return f
}

func (n *Network) deliver(dest int, env fabric.Envelope) error {
	n.mu.Lock()
	target, ok := n.ranks[dest]
	n.mu.Unlock()
	if !ok {
		return fmt.Errorf("fakefabric: no such rank %d", dest)
	}
	target.inbox <- env
	return nil
}

// Fabric is one rank's endpoint into a Network.
type Fabric struct {
	rank    int
	network *Network
	inbox   chan fabric.Envelope

	mu       sync.Mutex
	nextSend fabric.SendID
	armed    bool
}

var _ fabric.Fabric = (*Fabric)(nil)

func (f *Fabric) Rank() int { return f.rank }
func (f *Fabric) Size() int { return f.network.size }

// PostSend delivers synchronously into the destination's inbox; the send is
// always already complete by the time PostSend returns, since there is no
// real network to wait on.
func (f *Fabric) PostSend(dest int, tag wire.Tag, payload []byte) (fabric.SendID, error) {
	f.mu.Lock()
	f.nextSend++
	id := f.nextSend
	f.mu.Unlock()

	cp := make([]byte, len(payload))
	copy(cp, payload)
	if err := f.network.deliver(dest, fabric.Envelope{Source: f.rank, Tag: tag, Payload: cp}); err != nil {
		return id, err
	}
	return id, nil
}

// TestSend always reports done, matching the synchronous delivery above.
func (f *Fabric) TestSend(fabric.SendID) (bool, error) {
	return true, nil
}

func (f *Fabric) PostReceive() error {
	f.mu.Lock()
	f.armed = true
	f.mu.Unlock()
	return nil
}

func (f *Fabric) TestReceive() (fabric.Envelope, bool, error) {
	f.mu.Lock()
	armed := f.armed
	f.mu.Unlock()
	if !armed {
		return fabric.Envelope{}, false, nil
	}
	select {
	case env := <-f.inbox:
		return env, true, nil
	default:
		return fabric.Envelope{}, false, nil
	}
}

func (f *Fabric) Close() error {
	return nil
}
