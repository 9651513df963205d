package prometheus

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"settlement-engine/pkg/metrics"
)

// PrometheusCollector implements MetricsCollector for Prometheus.
type PrometheusCollector struct {
	namespace string

	// Store
	storeOps     *prometheus.CounterVec
	storeErrors  *prometheus.CounterVec
	storeLatency *prometheus.HistogramVec

	// Circuit breaker
	circuitOpens *prometheus.CounterVec
	circuitState *prometheus.GaugeVec

	// Engine
	reconciles       *prometheus.CounterVec
	reconcileLatency *prometheus.HistogramVec
	settledPayout    prometheus.Counter

	// Sweep
	sweeps        *prometheus.CounterVec
	sweepRecords  *prometheus.CounterVec
	sweepDuration prometheus.Histogram
	lastSweep     prometheus.Gauge

	// Dispatch
	queueDepth      *prometheus.GaugeVec
	droppedDispatch *prometheus.CounterVec
	dispatches      *prometheus.CounterVec
	dispatchLatency *prometheus.HistogramVec
}

var _ metrics.MetricsCollector = (*PrometheusCollector)(nil)

// NewPrometheusCollector creates a new Prometheus metrics collector.
func NewPrometheusCollector(namespace string) *PrometheusCollector {
	return &PrometheusCollector{
		namespace: namespace,
		storeOps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "store_operations_total",
				Help:      "Total number of store operations per backend, operation and status",
			},
			[]string{"backend", "operation", "status"},
		),
		storeErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "store_errors_total",
				Help:      "Total number of store errors per backend, operation and error type",
			},
			[]string{"backend", "operation", "error_type"},
		),
		storeLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "store_operation_duration_seconds",
				Help:      "Store operation latency",
				Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 15), // 0.1ms to ~3s
			},
			[]string{"backend", "operation"},
		),
		circuitOpens: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "circuit_opens_total",
				Help:      "Total number of circuit breaker opens per backend",
			},
			[]string{"backend"},
		),
		circuitState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "circuit_state",
				Help:      "Current circuit breaker state per backend (0=closed, 1=open, 2=half-open)",
			},
			[]string{"backend"},
		),
		reconciles: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reconciles_total",
				Help:      "Total number of reconcile calls per outcome",
			},
			[]string{"outcome"},
		),
		reconcileLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "reconcile_duration_seconds",
				Help:      "Reconcile latency per outcome",
				Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 15),
			},
			[]string{"outcome"},
		),
		settledPayout: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "settled_payout_total",
				Help:      "Sum of principal plus return credited by settlements",
			},
		),
		sweeps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sweeps_total",
				Help:      "Total number of sweeps per status",
			},
			[]string{"status"},
		),
		sweepRecords: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sweep_records_total",
				Help:      "Records handled by sweeps per result",
			},
			[]string{"result"},
		),
		sweepDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "sweep_duration_seconds",
				Help:      "Sweep wall-clock duration",
				Buckets:   prometheus.ExponentialBuckets(0.001, 2, 16), // 1ms to ~30s
			},
		),
		lastSweep: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "last_sweep_timestamp_seconds",
				Help:      "Unix time of the last finished sweep",
			},
		),
		queueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "queue_depth",
				Help:      "Current dispatch queue depth",
			},
			[]string{"queue"},
		),
		droppedDispatch: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dispatch_dropped_total",
				Help:      "Total number of reconcile requests dropped because the queue was full",
			},
			[]string{"queue"},
		),
		dispatches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dispatches_total",
				Help:      "Total number of dispatched reconciles per status",
			},
			[]string{"queue", "status"},
		),
		dispatchLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "dispatch_duration_seconds",
				Help:      "Dispatched reconcile latency",
				Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 15),
			},
			[]string{"queue"},
		),
	}
}

// Register registers all metrics with the given Prometheus registry.
func (pc *PrometheusCollector) Register(registry prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		pc.storeOps,
		pc.storeErrors,
		pc.storeLatency,
		pc.circuitOpens,
		pc.circuitState,
		pc.reconciles,
		pc.reconcileLatency,
		pc.settledPayout,
		pc.sweeps,
		pc.sweepRecords,
		pc.sweepDuration,
		pc.lastSweep,
		pc.queueDepth,
		pc.droppedDispatch,
		pc.dispatches,
		pc.dispatchLatency,
	}

	for _, collector := range collectors {
		if err := registry.Register(collector); err != nil {
			return err
		}
	}

	return nil
}

func status(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

// RecordStoreOp records a store call.
func (pc *PrometheusCollector) RecordStoreOp(backend, operation string, success bool, duration time.Duration) {
	pc.storeOps.WithLabelValues(backend, operation, status(success)).Inc()
	pc.storeLatency.WithLabelValues(backend, operation).Observe(duration.Seconds())
}

// RecordStoreError records a classified store error.
func (pc *PrometheusCollector) RecordStoreError(backend, operation, errorType string) {
	pc.storeErrors.WithLabelValues(backend, operation, errorType).Inc()
}

// RecordCircuitState records the current circuit breaker state.
func (pc *PrometheusCollector) RecordCircuitState(backend string, state metrics.CircuitState) {
	pc.circuitState.WithLabelValues(backend).Set(float64(state))
	if state == metrics.CircuitOpen {
		pc.circuitOpens.WithLabelValues(backend).Inc()
	}
}

// RecordReconcile records one reconcile call.
func (pc *PrometheusCollector) RecordReconcile(outcome string, duration time.Duration) {
	pc.reconciles.WithLabelValues(outcome).Inc()
	pc.reconcileLatency.WithLabelValues(outcome).Observe(duration.Seconds())
}

// RecordSettlement adds a settled payout.
func (pc *PrometheusCollector) RecordSettlement(payout float64) {
	pc.settledPayout.Add(payout)
}

// RecordSweep records a finished sweep.
func (pc *PrometheusCollector) RecordSweep(s metrics.SweepSample) {
	st := "completed"
	if s.Aborted {
		st = "aborted"
	}
	pc.sweeps.WithLabelValues(st).Inc()
	pc.sweepDuration.Observe(s.Duration.Seconds())
	pc.lastSweep.SetToCurrentTime()

	for result, n := range map[string]int{
		"activated": s.Activated,
		"settled":   s.Settled,
		"unchanged": s.Unchanged,
		"lost":      s.Lost,
		"skipped":   s.Skipped,
		"errored":   s.Errored,
	} {
		if n > 0 {
			pc.sweepRecords.WithLabelValues(result).Add(float64(n))
		}
	}
}

// RecordQueueDepth records the current dispatch queue depth.
func (pc *PrometheusCollector) RecordQueueDepth(queue string, depth int) {
	pc.queueDepth.WithLabelValues(queue).Set(float64(depth))
}

// RecordDispatchDropped records a dropped reconcile request.
func (pc *PrometheusCollector) RecordDispatchDropped(queue string) {
	pc.droppedDispatch.WithLabelValues(queue).Inc()
}

// RecordDispatch records a dispatched reconcile.
func (pc *PrometheusCollector) RecordDispatch(queue string, success bool, duration time.Duration) {
	pc.dispatches.WithLabelValues(queue, status(success)).Inc()
	pc.dispatchLatency.WithLabelValues(queue).Observe(duration.Seconds())
}
