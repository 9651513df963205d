package metrics

import (
	"time"
)

// MetricsCollector defines the interface for collecting settlement metrics.
// Implementations can export metrics to various backends (Prometheus, in-memory for tests).
type MetricsCollector interface {
	// Store operations
	RecordStoreOp(backend, operation string, success bool, duration time.Duration)
	RecordStoreError(backend, operation, errorType string)

	// Circuit breaker
	RecordCircuitState(backend string, state CircuitState)

	// Engine
	RecordReconcile(outcome string, duration time.Duration)
	RecordSettlement(payout float64)

	// Sweep
	RecordSweep(sample SweepSample)

	// Opportunistic dispatch
	RecordQueueDepth(queue string, depth int)
	RecordDispatchDropped(queue string)
	RecordDispatch(queue string, success bool, duration time.Duration)
}

// SweepSample summarizes one completed sweep.
type SweepSample struct {
	Duration  time.Duration
	Processed int
	Activated int
	Settled   int
	Unchanged int
	Lost      int
	Skipped   int
	Errored   int
	// Aborted is set when the sweep could not list records or was cancelled.
	Aborted bool
}

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	// CircuitClosed means the circuit breaker is allowing requests through.
	CircuitClosed CircuitState = iota
	// CircuitOpen means the circuit breaker is blocking requests.
	CircuitOpen
	// CircuitHalfOpen means the circuit breaker is testing if the backend has recovered.
	CircuitHalfOpen
)

// String returns the string representation of the circuit state.
func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// NoOpCollector is a no-op implementation of MetricsCollector.
// It's used as the default collector when metrics are not needed.
type NoOpCollector struct{}

func (NoOpCollector) RecordStoreOp(backend, operation string, success bool, duration time.Duration) {}
func (NoOpCollector) RecordStoreError(backend, operation, errorType string)                        {}
func (NoOpCollector) RecordCircuitState(backend string, state CircuitState)                         {}
func (NoOpCollector) RecordReconcile(outcome string, duration time.Duration)                        {}
func (NoOpCollector) RecordSettlement(payout float64)                                               {}
func (NoOpCollector) RecordSweep(sample SweepSample)                                                {}
func (NoOpCollector) RecordQueueDepth(queue string, depth int)                                      {}
func (NoOpCollector) RecordDispatchDropped(queue string)                                            {}
func (NoOpCollector) RecordDispatch(queue string, success bool, duration time.Duration)             {}
