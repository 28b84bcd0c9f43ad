package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCollectorRegistersEveryMetric(t *testing.T) {
	prometheus.DefaultRegisterer = prometheus.NewRegistry()

	c := NewCollector()

	require.NotNil(t, c)
	assert.NotNil(t, c.requestsBounced)
	assert.NotNil(t, c.requestsAdopted)
	assert.NotNil(t, c.requestsRejected)
	assert.NotNil(t, c.oneshotRejected)
	assert.NotNil(t, c.hopCount)
	assert.NotNil(t, c.balancingLatency)
	assert.NotNil(t, c.activeJobs)
	assert.NotNil(t, c.suspendedJobs)
	assert.NotNil(t, c.queueDepth)
}

func TestRecordBouncedIncrementsCounterAndHistogram(t *testing.T) {
	prometheus.DefaultRegisterer = prometheus.NewRegistry()
	c := NewCollector()

	c.RecordBounced(4)
	c.RecordBounced(8)

	assert.Equal(t, float64(2), testutil.ToFloat64(c.requestsBounced))
}

func TestRecordAdoptedIncrementsCounter(t *testing.T) {
	prometheus.DefaultRegisterer = prometheus.NewRegistry()
	c := NewCollector()

	c.RecordAdopted(1)

	assert.Equal(t, float64(1), testutil.ToFloat64(c.requestsAdopted))
}

func TestRecordRejectedAndOneshotRejected(t *testing.T) {
	prometheus.DefaultRegisterer = prometheus.NewRegistry()
	c := NewCollector()

	c.RecordRejected()
	c.RecordRejected()
	c.RecordOneshotRejected()

	assert.Equal(t, float64(2), testutil.ToFloat64(c.requestsRejected))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.oneshotRejected))
}

func TestGaugesReflectLastSetValue(t *testing.T) {
	prometheus.DefaultRegisterer = prometheus.NewRegistry()
	c := NewCollector()

	c.SetActiveJobs(10)
	c.SetActiveJobs(3)
	c.SetSuspendedJobs(2)
	c.SetQueueDepth(7)

	assert.Equal(t, float64(3), testutil.ToFloat64(c.activeJobs))
	assert.Equal(t, float64(2), testutil.ToFloat64(c.suspendedJobs))
	assert.Equal(t, float64(7), testutil.ToFloat64(c.queueDepth))
}

func TestObserveBalancingLatencyDoesNotPanic(t *testing.T) {
	prometheus.DefaultRegisterer = prometheus.NewRegistry()
	c := NewCollector()

	assert.NotPanics(t, func() {
		c.ObserveBalancingLatency(0.001)
		c.ObserveBalancingLatency(1.5)
	})
}

func TestSecondCollectorPanicsOnDuplicateRegistration(t *testing.T) {
	prometheus.DefaultRegisterer = prometheus.NewRegistry()
	NewCollector()

	assert.Panics(t, func() {
		NewCollector()
	}, "a second collector on the same registry should panic on duplicate registration")
}

func TestConcurrentRecordCallsAreSafe(t *testing.T) {
	prometheus.DefaultRegisterer = prometheus.NewRegistry()
	c := NewCollector()

	done := make(chan struct{}, 50)
	for i := 0; i < 50; i++ {
		go func() {
			c.RecordBounced(2)
			c.RecordAdopted(2)
			c.SetActiveJobs(1)
			done <- struct{}{}
		}()
	}
	for i := 0; i < 50; i++ {
		<-done
	}

	assert.Equal(t, float64(50), testutil.ToFloat64(c.requestsBounced))
}
