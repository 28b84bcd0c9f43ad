// Package balancer declares the interface through which volume updates
// arrive (spec §1: "we specify the interface through which updates arrive,
// not the balancing algorithm itself"). It is grounded on the teacher's
// internal/worker/source.go JobSource pattern: the algorithm is injected by
// the caller and never referenced back, so the worker loop can run against
// a real balancer in production and a deterministic fake in tests.
package balancer

// Callback is implemented by whatever supplies volume updates to a worker.
type Callback interface {
	// UpdateVolume is invoked whenever the balancer has a new volume
	// decision for jobID at balancing epoch.
	UpdateVolume(jobID int32, volume int32, epoch int32)
}

// CallbackFunc adapts a plain function to Callback.
type CallbackFunc func(jobID int32, volume int32, epoch int32)

func (f CallbackFunc) UpdateVolume(jobID int32, volume int32, epoch int32) {
	f(jobID, volume, epoch)
}
