package metrics_test

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"

	"github.com/reactorcore/netpump/metrics"
)

func TestCountersAccumulate(t *testing.T) {
	before := testutil.ToFloat64(metrics.ConnectionsOpened)
	metrics.ConnectionsOpened.Inc()
	assert.Equal(t, before+1, testutil.ToFloat64(metrics.ConnectionsOpened))

	beforeBytes := testutil.ToFloat64(metrics.BytesRead)
	metrics.BytesRead.Add(128)
	assert.Equal(t, beforeBytes+128, testutil.ToFloat64(metrics.BytesRead))
}

func TestGaugeSetAndAdjust(t *testing.T) {
	metrics.ActiveTimers.Set(3)
	assert.Equal(t, float64(3), testutil.ToFloat64(metrics.ActiveTimers))
	metrics.ActiveTimers.Inc()
	assert.Equal(t, float64(4), testutil.ToFloat64(metrics.ActiveTimers))
	metrics.ActiveTimers.Dec()
	assert.Equal(t, float64(3), testutil.ToFloat64(metrics.ActiveTimers))
}

func TestHandlerServesRegistry(t *testing.T) {
	assert.NotNil(t, metrics.Handler())
}
