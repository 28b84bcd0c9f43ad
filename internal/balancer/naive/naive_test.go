package naive

import (
	"testing"
	"time"
)

type recordingCallback struct {
	calls []struct {
		jobID  int32
		volume int32
		epoch  int32
	}
}

func (r *recordingCallback) UpdateVolume(jobID, volume, epoch int32) {
	r.calls = append(r.calls, struct {
		jobID  int32
		volume int32
		epoch  int32
	}{jobID, volume, epoch})
}

func TestBalancerFiresInScheduleOrder(t *testing.T) {
	cb := &recordingCallback{}
	b := New(cb, []ScheduleEntry{
		{At: 20 * time.Millisecond, JobID: 2, Volume: 4, Epoch: 2},
		{At: 10 * time.Millisecond, JobID: 1, Volume: 2, Epoch: 1},
	})
	start := time.Unix(0, 0)
	b.Start(start)

	b.Tick(start.Add(5 * time.Millisecond))
	if len(cb.calls) != 0 {
		t.Fatalf("expected no calls yet, got %v", cb.calls)
	}

	b.Tick(start.Add(15 * time.Millisecond))
	if len(cb.calls) != 1 || cb.calls[0].jobID != 1 {
		t.Fatalf("expected only the 10ms entry to have fired, got %v", cb.calls)
	}

	b.Tick(start.Add(25 * time.Millisecond))
	if len(cb.calls) != 2 || cb.calls[1].jobID != 2 {
		t.Fatalf("expected the 20ms entry to fire next, got %v", cb.calls)
	}
	if !b.Done() {
		t.Fatal("expected balancer to report done once every entry has fired")
	}
}

func TestBalancerDoesNotRefireEntries(t *testing.T) {
	cb := &recordingCallback{}
	b := New(cb, []ScheduleEntry{{At: 0, JobID: 1, Volume: 1, Epoch: 1}})
	start := time.Now()
	b.Start(start)
	b.Tick(start)
	b.Tick(start.Add(time.Second))
	if len(cb.calls) != 1 {
		t.Fatalf("expected exactly one call, got %d", len(cb.calls))
	}
}
