// Package naive provides a deterministic balancer.Callback source for tests
// and cmd/demo: a fixed schedule of volume updates fired at wall-clock
// offsets from when the balancer starts, rather than a real load-driven
// balancing algorithm.
package naive

import (
	"sort"
	"time"

	"github.com/mallob-go/core/internal/balancer"
)

// ScheduleEntry is one volume update to fire at offset At after the
// balancer starts.
type ScheduleEntry struct {
	At     time.Duration
	JobID  int32
	Volume int32
	Epoch  int32
}

// Balancer fires ScheduleEntry updates against a wired balancer.Callback in
// order, once each, as wall-clock time passes their offset.
type Balancer struct {
	cb       balancer.Callback
	schedule []ScheduleEntry
	started  time.Time
	fired    []bool
}

// New creates a Balancer that will drive cb according to schedule. The
// schedule is sorted by At so Tick only needs a forward scan.
func New(cb balancer.Callback, schedule []ScheduleEntry) *Balancer {
	sorted := append([]ScheduleEntry(nil), schedule...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].At < sorted[j].At })
	return &Balancer{cb: cb, schedule: sorted, fired: make([]bool, len(sorted))}
}

// Start records now as the balancer's epoch zero.
func (b *Balancer) Start(now time.Time) {
	b.started = now
}

// Tick fires every not-yet-fired schedule entry whose offset has elapsed by
// now.
func (b *Balancer) Tick(now time.Time) {
	elapsed := now.Sub(b.started)
	for i, entry := range b.schedule {
		if b.fired[i] || entry.At > elapsed {
			continue
		}
		b.fired[i] = true
		b.cb.UpdateVolume(entry.JobID, entry.Volume, entry.Epoch)
	}
}

// Done reports whether every scheduled update has fired.
func (b *Balancer) Done() bool {
	for _, f := range b.fired {
		if !f {
			return false
		}
	}
	return true
}
