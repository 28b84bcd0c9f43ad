package queue

import (
	"sync"
	"testing"
	"time"

	"github.com/mallob-go/core/internal/fabric/fakefabric"
	"github.com/mallob-go/core/pkg/wire"
)

func drainUntil(t *testing.T, q *Queue, done func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !done() {
		q.Advance()
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for condition")
		}
	}
}

func TestSimpleSendReceive(t *testing.T) {
	net := fakefabric.NewNetwork(2)
	f0 := net.NewRank(0)
	f1 := net.NewRank(1)

	q0 := New(f0, DefaultConfig(), nil)
	q1 := New(f1, DefaultConfig(), nil)
	defer q0.Close()
	defer q1.Close()

	var mu sync.Mutex
	var got ReceivedMessage
	received := false
	q1.RegisterCallback(wire.TagWarmup, func(msg ReceivedMessage) {
		mu.Lock()
		got = msg
		received = true
		mu.Unlock()
	})

	if _, err := q0.Send(1, wire.TagWarmup, []byte("hello")); err != nil {
		t.Fatalf("send: %v", err)
	}

	drainUntil(t, q1, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return received
	})

	mu.Lock()
	defer mu.Unlock()
	if got.Source != 0 || string(got.Payload) != "hello" {
		t.Fatalf("unexpected message: %+v", got)
	}
}

func TestSelfMessagePreservesOrder(t *testing.T) {
	net := fakefabric.NewNetwork(1)
	f0 := net.NewRank(0)
	q0 := New(f0, DefaultConfig(), nil)
	defer q0.Close()

	var order []int
	q0.RegisterCallback(wire.TagWarmup, func(msg ReceivedMessage) {
		order = append(order, int(msg.Payload[0]))
	})

	for i := 0; i < 5; i++ {
		if _, err := q0.Send(0, wire.TagWarmup, []byte{byte(i)}); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}

	drainUntil(t, q0, func() bool { return len(order) == 5 })

	for i, v := range order {
		if v != i {
			t.Fatalf("self-messages arrived out of order: %v", order)
		}
	}
}

func TestFragmentedSendReassembles(t *testing.T) {
	net := fakefabric.NewNetwork(2)
	f0 := net.NewRank(0)
	f1 := net.NewRank(1)

	cfg := DefaultConfig()
	cfg.MaxMsgSize = 16
	q0 := New(f0, cfg, nil)
	q1 := New(f1, cfg, nil)
	defer q0.Close()
	defer q1.Close()

	payload := make([]byte, 100)
	for i := range payload {
		payload[i] = byte(i)
	}

	var mu sync.Mutex
	var got []byte
	q1.RegisterCallback(wire.TagSendApplicationMessage, func(msg ReceivedMessage) {
		mu.Lock()
		got = append([]byte(nil), msg.Payload...)
		mu.Unlock()
	})

	if _, err := q0.Send(1, wire.TagSendApplicationMessage, payload); err != nil {
		t.Fatalf("send: %v", err)
	}

	drainUntil(t, q1, func() bool {
		// The sender posts each next batch only from its own Advance, once
		// the previous batch's send has completed.
		q0.Advance()
		mu.Lock()
		defer mu.Unlock()
		return got != nil
	})

	mu.Lock()
	defer mu.Unlock()
	if len(got) != len(payload) {
		t.Fatalf("reassembled length mismatch: got %d want %d", len(got), len(payload))
	}
	for i := range payload {
		if got[i] != payload[i] {
			t.Fatalf("mismatch at byte %d: got %d want %d", i, got[i], payload[i])
		}
	}
}

func TestSentCallbackFiresOnCompletion(t *testing.T) {
	net := fakefabric.NewNetwork(2)
	f0 := net.NewRank(0)
	_ = net.NewRank(1)
	q0 := New(f0, DefaultConfig(), nil)
	defer q0.Close()

	var completedID int64 = -1
	q0.RegisterSentCallback(func(id int64) { completedID = id })

	id, err := q0.Send(1, wire.TagWarmup, []byte("x"))
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	drainUntil(t, q0, func() bool { return completedID == id })
}

func TestDuplicateCallbackRegistrationPanics(t *testing.T) {
	net := fakefabric.NewNetwork(1)
	f0 := net.NewRank(0)
	q0 := New(f0, DefaultConfig(), nil)
	defer q0.Close()

	q0.RegisterCallback(wire.TagWarmup, func(ReceivedMessage) {})
	defer func() {
		if r := recover(); r == nil {
			t.Fatal("expected panic on duplicate callback registration")
		}
	}()
	q0.RegisterCallback(wire.TagWarmup, func(ReceivedMessage) {})
}
