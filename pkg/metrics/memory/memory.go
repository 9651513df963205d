package memory

import (
	"sync"
	"time"

	"settlement-engine/pkg/metrics"
)

// MemoryCollector implements MetricsCollector for in-memory testing.
type MemoryCollector struct {
	mu sync.RWMutex

	// Per-backend store metrics
	backends map[string]*BackendMetrics

	// Engine
	reconciles         map[string]int64
	reconcileLatencies []time.Duration
	settledPayout      float64

	// Sweeps
	sweeps []metrics.SweepSample

	// Dispatch queues
	queues map[string]*QueueMetrics
}

// BackendMetrics holds metrics for a single store backend.
type BackendMetrics struct {
	Operations   map[string]int64
	Errors       int64
	ErrorsByType map[string]int64
	CircuitState metrics.CircuitState
	CircuitOpens int64
	Latencies    []time.Duration
}

// QueueMetrics holds metrics for a dispatch queue.
type QueueMetrics struct {
	Depth      int
	Dropped    int64
	Dispatched int64
	Failed     int64
}

var _ metrics.MetricsCollector = (*MemoryCollector)(nil)

// NewMemoryCollector creates a new in-memory metrics collector.
func NewMemoryCollector() *MemoryCollector {
	mc := &MemoryCollector{}
	mc.reset()
	return mc
}

func (mc *MemoryCollector) reset() {
	mc.backends = make(map[string]*BackendMetrics)
	mc.reconciles = make(map[string]int64)
	mc.reconcileLatencies = nil
	mc.settledPayout = 0
	mc.sweeps = nil
	mc.queues = make(map[string]*QueueMetrics)
}

// backend returns the metrics for name, creating them if needed. Caller holds mu.
func (mc *MemoryCollector) backend(name string) *BackendMetrics {
	bm, ok := mc.backends[name]
	if !ok {
		bm = &BackendMetrics{
			Operations:   make(map[string]int64),
			ErrorsByType: make(map[string]int64),
		}
		mc.backends[name] = bm
	}
	return bm
}

// queue returns the metrics for name, creating them if needed. Caller holds mu.
func (mc *MemoryCollector) queue(name string) *QueueMetrics {
	qm, ok := mc.queues[name]
	if !ok {
		qm = &QueueMetrics{}
		mc.queues[name] = qm
	}
	return qm
}

// RecordStoreOp records a store call.
func (mc *MemoryCollector) RecordStoreOp(backend, operation string, success bool, duration time.Duration) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	bm := mc.backend(backend)
	bm.Operations[operation]++
	if !success {
		bm.Errors++
	}
	bm.Latencies = append(bm.Latencies, duration)
}

// RecordStoreError records an error by type.
func (mc *MemoryCollector) RecordStoreError(backend, operation, errorType string) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	mc.backend(backend).ErrorsByType[errorType]++
}

// RecordCircuitState records the current circuit breaker state.
func (mc *MemoryCollector) RecordCircuitState(backend string, state metrics.CircuitState) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	bm := mc.backend(backend)
	oldState := bm.CircuitState
	bm.CircuitState = state

	// Count transitions to open
	if oldState != metrics.CircuitOpen && state == metrics.CircuitOpen {
		bm.CircuitOpens++
	}
}

// RecordReconcile records one reconcile call.
func (mc *MemoryCollector) RecordReconcile(outcome string, duration time.Duration) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	mc.reconciles[outcome]++
	mc.reconcileLatencies = append(mc.reconcileLatencies, duration)
}

// RecordSettlement adds a settled payout.
func (mc *MemoryCollector) RecordSettlement(payout float64) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	mc.settledPayout += payout
}

// RecordSweep records a finished sweep.
func (mc *MemoryCollector) RecordSweep(sample metrics.SweepSample) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	mc.sweeps = append(mc.sweeps, sample)
}

// RecordQueueDepth records the current dispatch queue depth.
func (mc *MemoryCollector) RecordQueueDepth(queue string, depth int) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	mc.queue(queue).Depth = depth
}

// RecordDispatchDropped records a dropped reconcile request.
func (mc *MemoryCollector) RecordDispatchDropped(queue string) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	mc.queue(queue).Dropped++
}

// RecordDispatch records a dispatched reconcile.
func (mc *MemoryCollector) RecordDispatch(queue string, success bool, duration time.Duration) {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	qm := mc.queue(queue)
	qm.Dispatched++
	if !success {
		qm.Failed++
	}
}

// Snapshot is a copy of the collected metrics.
type Snapshot struct {
	Backends      map[string]BackendMetrics
	Reconciles    map[string]int64
	SettledPayout float64
	Sweeps        []metrics.SweepSample
	Queues        map[string]QueueMetrics
}

// Snapshot returns a copy of the current metrics state.
func (mc *MemoryCollector) Snapshot() Snapshot {
	mc.mu.RLock()
	defer mc.mu.RUnlock()

	snap := Snapshot{
		Backends:      make(map[string]BackendMetrics, len(mc.backends)),
		Reconciles:    make(map[string]int64, len(mc.reconciles)),
		SettledPayout: mc.settledPayout,
		Sweeps:        append([]metrics.SweepSample(nil), mc.sweeps...),
		Queues:        make(map[string]QueueMetrics, len(mc.queues)),
	}

	for name, bm := range mc.backends {
		c := *bm
		c.Operations = make(map[string]int64, len(bm.Operations))
		for k, v := range bm.Operations {
			c.Operations[k] = v
		}
		c.ErrorsByType = make(map[string]int64, len(bm.ErrorsByType))
		for k, v := range bm.ErrorsByType {
			c.ErrorsByType[k] = v
		}
		c.Latencies = append([]time.Duration(nil), bm.Latencies...)
		snap.Backends[name] = c
	}
	for k, v := range mc.reconciles {
		snap.Reconciles[k] = v
	}
	for name, qm := range mc.queues {
		snap.Queues[name] = *qm
	}
	return snap
}

// Reconciles returns the count recorded for one outcome.
func (mc *MemoryCollector) Reconciles(outcome string) int64 {
	mc.mu.RLock()
	defer mc.mu.RUnlock()
	return mc.reconciles[outcome]
}

// Reset clears all collected metrics.
func (mc *MemoryCollector) Reset() {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	mc.reset()
}
