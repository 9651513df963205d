// Package dispatch runs opportunistic reconciles off the request path.
package dispatch

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"settlement-engine/pkg/logging"
	"settlement-engine/pkg/metrics"
	"settlement-engine/pkg/settlement"
	"settlement-engine/pkg/store"
)

// Reconciler is the part of the settlement engine the dispatcher drives.
type Reconciler interface {
	ReconcileByID(ctx context.Context, id string, now time.Time) (settlement.Result, error)
}

// Dispatcher queues reconcile requests and works them off with a fixed
// worker pool. A full queue drops requests; the record is picked up by the
// next sweep or read.
type Dispatcher struct {
	engine     Reconciler
	queue      chan request
	workers    int
	wg         sync.WaitGroup
	ctx        context.Context
	cancelFunc context.CancelFunc
	config     Config
	metrics    metrics.MetricsCollector
	logger     *logging.Logger
	closeOnce  sync.Once

	// mu guards closed. Enqueue sends under the read lock, so once Close
	// holds the write lock no request can slip in behind the drain.
	mu     sync.RWMutex
	closed bool

	// Statistics (accessed atomically)
	enqueued  int64
	dropped   int64
	processed int64
	failed    int64
	pending   int64 // queued or running

	// Metrics ticker for periodic queue depth reporting
	metricsTicker *time.Ticker
	metricsStop   chan struct{}
}

type request struct {
	id       string
	enqueued time.Time
}

// Config configures the dispatcher.
type Config struct {
	// Name labels the queue in metrics (default: "reconcile")
	Name string

	// QueueSize is the bounded queue size (default: 1000)
	QueueSize int

	// Workers is the number of concurrent workers (default: 2)
	Workers int

	// MaxWaitTime is the max time Enqueue waits for queue space (default: 10ms)
	MaxWaitTime time.Duration

	// Timeout bounds a single reconcile (default: 5s)
	Timeout time.Duration

	// Clock supplies the reconcile instant (default: time.Now)
	Clock func() time.Time
}

// DefaultConfig returns the dispatcher defaults.
func DefaultConfig() Config {
	return Config{
		Name:        "reconcile",
		QueueSize:   1000,
		Workers:     2,
		MaxWaitTime: 10 * time.Millisecond,
		Timeout:     5 * time.Second,
		Clock:       time.Now,
	}
}

// New creates a dispatcher. It starts processing immediately and must be
// closed with Close.
func New(engine Reconciler, config Config) *Dispatcher {
	return NewWithMetrics(engine, config, metrics.NoOpCollector{})
}

// NewWithMetrics creates a dispatcher with a custom metrics collector.
func NewWithMetrics(engine Reconciler, config Config, metricsCollector metrics.MetricsCollector) *Dispatcher {
	def := DefaultConfig()
	if config.Name == "" {
		config.Name = def.Name
	}
	if config.QueueSize <= 0 {
		config.QueueSize = def.QueueSize
	}
	if config.Workers <= 0 {
		config.Workers = def.Workers
	}
	if config.MaxWaitTime == 0 {
		config.MaxWaitTime = def.MaxWaitTime
	}
	if config.Timeout <= 0 {
		config.Timeout = def.Timeout
	}
	if config.Clock == nil {
		config.Clock = def.Clock
	}
	if metricsCollector == nil {
		metricsCollector = metrics.NoOpCollector{}
	}

	ctx, cancel := context.WithCancel(context.Background())

	d := &Dispatcher{
		engine:        engine,
		queue:         make(chan request, config.QueueSize),
		workers:       config.Workers,
		ctx:           ctx,
		cancelFunc:    cancel,
		config:        config,
		metrics:       metricsCollector,
		logger:        logging.Global().Named("dispatch"),
		metricsTicker: time.NewTicker(5 * time.Second),
		metricsStop:   make(chan struct{}),
	}

	for i := 0; i < config.Workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
	go d.reportMetrics()

	return d
}

// Enqueue requests a reconcile of id. If the queue is full it waits up to
// MaxWaitTime and then returns ErrQueueFull.
func (d *Dispatcher) Enqueue(ctx context.Context, id string) error {
	if err := store.ValidateID(id); err != nil {
		return err
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrClosed
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	req := request{id: id, enqueued: time.Now()}

	timer := time.NewTimer(d.config.MaxWaitTime)
	defer timer.Stop()

	atomic.AddInt64(&d.pending, 1)
	select {
	case d.queue <- req:
		atomic.AddInt64(&d.enqueued, 1)
		return nil
	case <-timer.C:
		atomic.AddInt64(&d.pending, -1)
		atomic.AddInt64(&d.dropped, 1)
		d.metrics.RecordDispatchDropped(d.config.Name)
		return ErrQueueFull
	case <-ctx.Done():
		atomic.AddInt64(&d.pending, -1)
		return ctx.Err()
	}
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()

	for {
		select {
		case req := <-d.queue:
			d.process(req)
		case <-d.ctx.Done():
			// Drain what is already queued before exiting.
			for {
				select {
				case req := <-d.queue:
					d.process(req)
				default:
					return
				}
			}
		}
	}
}

func (d *Dispatcher) process(req request) {
	defer atomic.AddInt64(&d.pending, -1)

	ctx, cancel := context.WithTimeout(context.Background(), d.config.Timeout)
	defer cancel()

	start := time.Now()
	res, err := d.engine.ReconcileByID(ctx, req.id, d.config.Clock())
	duration := time.Since(start)

	atomic.AddInt64(&d.processed, 1)
	d.metrics.RecordDispatch(d.config.Name, err == nil, duration)

	if err != nil {
		atomic.AddInt64(&d.failed, 1)
		d.logger.Warn("opportunistic reconcile failed",
			logging.InvestmentID(req.id),
			zap.String("outcome", string(res.Outcome)),
			zap.Duration("queued_for", start.Sub(req.enqueued)),
			zap.Error(err),
		)
		return
	}
	if res.Outcome != settlement.OutcomeUnchanged {
		d.logger.Debug("opportunistic reconcile",
			logging.InvestmentID(req.id),
			zap.String("outcome", string(res.Outcome)),
		)
	}
}

// Flush waits until the queue is empty and no reconcile is running, or
// until timeout.
func (d *Dispatcher) Flush(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)

	for {
		if atomic.LoadInt64(&d.pending) == 0 {
			return nil
		}
		if time.Now().After(deadline) {
			return ErrFlushTimeout
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// Close stops accepting requests, drains the queue and waits for workers.
func (d *Dispatcher) Close() error {
	d.closeOnce.Do(func() {
		d.mu.Lock()
		d.closed = true
		d.mu.Unlock()

		close(d.metricsStop)
		d.metricsTicker.Stop()
		d.cancelFunc()
		d.wg.Wait()
	})
	return nil
}

func (d *Dispatcher) reportMetrics() {
	for {
		select {
		case <-d.metricsTicker.C:
			d.metrics.RecordQueueDepth(d.config.Name, len(d.queue))
		case <-d.metricsStop:
			return
		}
	}
}

// Stats returns current statistics.
func (d *Dispatcher) Stats() Stats {
	return Stats{
		QueueDepth: len(d.queue),
		Enqueued:   atomic.LoadInt64(&d.enqueued),
		Dropped:    atomic.LoadInt64(&d.dropped),
		Processed:  atomic.LoadInt64(&d.processed),
		Failed:     atomic.LoadInt64(&d.failed),
	}
}
