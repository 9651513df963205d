package prometheus

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"settlement-engine/pkg/metrics"
)

func TestRegisterTwiceFails(t *testing.T) {
	pc := NewPrometheusCollector("settle")
	reg := prometheus.NewRegistry()
	require.NoError(t, pc.Register(reg))
	assert.Error(t, pc.Register(reg))
}

func TestCounters(t *testing.T) {
	pc := NewPrometheusCollector("settle")

	pc.RecordReconcile("settled", time.Millisecond)
	pc.RecordReconcile("settled", time.Millisecond)
	pc.RecordReconcile("lost", time.Millisecond)
	assert.Equal(t, 2.0, testutil.ToFloat64(pc.reconciles.WithLabelValues("settled")))
	assert.Equal(t, 1.0, testutil.ToFloat64(pc.reconciles.WithLabelValues("lost")))

	pc.RecordSettlement(12000)
	pc.RecordSettlement(600)
	assert.Equal(t, 12600.0, testutil.ToFloat64(pc.settledPayout))

	pc.RecordStoreOp("redis", "apply_transition", false, time.Millisecond)
	pc.RecordStoreError("redis", "apply_transition", "timeout")
	assert.Equal(t, 1.0, testutil.ToFloat64(pc.storeOps.WithLabelValues("redis", "apply_transition", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(pc.storeErrors.WithLabelValues("redis", "apply_transition", "timeout")))

	pc.RecordCircuitState("redis", metrics.CircuitOpen)
	assert.Equal(t, 1.0, testutil.ToFloat64(pc.circuitState.WithLabelValues("redis")))
	assert.Equal(t, 1.0, testutil.ToFloat64(pc.circuitOpens.WithLabelValues("redis")))

	pc.RecordQueueDepth("reconcile", 7)
	pc.RecordDispatchDropped("reconcile")
	pc.RecordDispatch("reconcile", true, time.Millisecond)
	assert.Equal(t, 7.0, testutil.ToFloat64(pc.queueDepth.WithLabelValues("reconcile")))
	assert.Equal(t, 1.0, testutil.ToFloat64(pc.droppedDispatch.WithLabelValues("reconcile")))
	assert.Equal(t, 1.0, testutil.ToFloat64(pc.dispatches.WithLabelValues("reconcile", "success")))
}

func TestRecordSweep(t *testing.T) {
	pc := NewPrometheusCollector("settle")
	pc.RecordSweep(metrics.SweepSample{Duration: time.Second, Processed: 5, Settled: 2, Skipped: 1, Unchanged: 2})
	pc.RecordSweep(metrics.SweepSample{Aborted: true})

	assert.Equal(t, 1.0, testutil.ToFloat64(pc.sweeps.WithLabelValues("completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(pc.sweeps.WithLabelValues("aborted")))
	assert.Equal(t, 2.0, testutil.ToFloat64(pc.sweepRecords.WithLabelValues("settled")))
	assert.Equal(t, 1.0, testutil.ToFloat64(pc.sweepRecords.WithLabelValues("skipped")))
	assert.Greater(t, testutil.ToFloat64(pc.lastSweep), 0.0)
}
