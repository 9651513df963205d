package settlement

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"settlement-engine/pkg/investment"
	"settlement-engine/pkg/logging"
	"settlement-engine/pkg/metrics"
	"settlement-engine/pkg/store"
)

// SweepConfig configures the periodic sweep.
type SweepConfig struct {
	// Concurrency bounds in-flight reconciles per sweep. Default 8.
	Concurrency int
	// Interval between sweeps in Run. Default 1 minute.
	Interval time.Duration
}

// DefaultSweepConfig returns the sweep defaults.
func DefaultSweepConfig() SweepConfig {
	return SweepConfig{
		Concurrency: 8,
		Interval:    time.Minute,
	}
}

// Warning is a record the sweep skipped or failed on.
type Warning struct {
	InvestmentID string  `json:"investment_id"`
	Outcome      Outcome `json:"outcome"`
	Reason       string  `json:"reason"`
}

// Report summarizes one sweep.
type Report struct {
	RunID      string    `json:"run_id"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`

	Processed int  `json:"processed"`
	Activated int  `json:"activated"`
	Settled   int  `json:"settled"`
	Unchanged int  `json:"unchanged"`
	Lost      int  `json:"lost"`
	Skipped   int  `json:"skipped"`
	Errored   int  `json:"errored"`
	Aborted   bool `json:"aborted"`

	Warnings []Warning `json:"warnings,omitempty"`
}

// Duration is the wall time the sweep took.
func (r Report) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

func (r *Report) add(res Result, err error) {
	r.Processed++
	switch res.Outcome {
	case OutcomeActivated:
		r.Activated++
	case OutcomeSettled:
		r.Settled++
	case OutcomeUnchanged:
		r.Unchanged++
	case OutcomeLost:
		r.Lost++
	case OutcomeInvalid, OutcomeMissing, OutcomeCanceled:
		r.Skipped++
	default:
		r.Errored++
	}
	if err != nil {
		r.Warnings = append(r.Warnings, Warning{
			InvestmentID: res.InvestmentID,
			Outcome:      res.Outcome,
			Reason:       err.Error(),
		})
	}
}

func (r Report) sample() metrics.SweepSample {
	return metrics.SweepSample{
		Duration:  r.Duration(),
		Processed: r.Processed,
		Activated: r.Activated,
		Settled:   r.Settled,
		Unchanged: r.Unchanged,
		Lost:      r.Lost,
		Skipped:   r.Skipped,
		Errored:   r.Errored,
		Aborted:   r.Aborted,
	}
}

// Sweeper reconciles every non-terminal investment in the store.
type Sweeper struct {
	engine  *Engine
	config  SweepConfig
	metrics metrics.MetricsCollector
	logger  *logging.Logger

	mu   sync.Mutex
	last *Report
}

// NewSweeper creates a sweeper over engine's store.
func NewSweeper(engine *Engine, config SweepConfig) *Sweeper {
	return NewSweeperWithMetrics(engine, config, metrics.NoOpCollector{})
}

// NewSweeperWithMetrics creates a sweeper that reports to metricsCollector.
func NewSweeperWithMetrics(engine *Engine, config SweepConfig, metricsCollector metrics.MetricsCollector) *Sweeper {
	if config.Concurrency <= 0 {
		config.Concurrency = 8
	}
	if config.Interval <= 0 {
		config.Interval = time.Minute
	}
	if metricsCollector == nil {
		metricsCollector = metrics.NoOpCollector{}
	}
	return &Sweeper{
		engine:  engine,
		config:  config,
		metrics: metricsCollector,
		logger:  logging.Global().Named("sweeper"),
	}
}

// Sweep lists Pending and Active investments and reconciles each one. A
// failing record never stops the sweep; it is counted and listed in the
// report's warnings. The error is non-nil only when the listing fails or ctx
// is cancelled.
func (s *Sweeper) Sweep(ctx context.Context) (report Report, err error) {
	report = Report{
		RunID:     uuid.NewString(),
		StartedAt: time.Now(),
	}
	log := s.logger.With(logging.RunID(report.RunID))

	defer func() {
		report.FinishedAt = time.Now()
		s.metrics.RecordSweep(report.sample())
		s.remember(report)
	}()

	list, err := s.engine.Store().ListInvestments(ctx, store.Filter{
		Statuses: []investment.Status{investment.StatusPending, investment.StatusActive},
	})
	if err != nil {
		report.Aborted = true
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		log.Error("sweep aborted: listing failed", zap.Error(err))
		return report, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(s.config.Concurrency)

	for _, inv := range list {
		if ctx.Err() != nil {
			break
		}
		inv := inv
		g.Go(func() error {
			res, err := s.engine.Reconcile(ctx, inv, s.engine.Now())
			mu.Lock()
			report.add(res, err)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		report.Aborted = true
		log.Warn("sweep cancelled", zap.Int("processed", report.Processed), zap.Int("listed", len(list)))
		return report, err
	}

	log.Info("sweep finished",
		zap.Int("processed", report.Processed),
		zap.Int("activated", report.Activated),
		zap.Int("settled", report.Settled),
		zap.Int("lost", report.Lost),
		zap.Int("skipped", report.Skipped),
		zap.Int("errored", report.Errored),
		zap.Duration("duration", time.Since(report.StartedAt)),
	)
	return report, nil
}

// Run sweeps once immediately and then every interval until ctx is done.
// Sweeps never overlap.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		if _, err := s.Sweep(ctx); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			s.logger.Warn("sweep failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Last returns the most recent report, or nil before the first sweep.
func (s *Sweeper) Last() *Report {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		return nil
	}
	r := *s.last
	r.Warnings = append([]Warning(nil), s.last.Warnings...)
	return &r
}

func (s *Sweeper) remember(r Report) {
	s.mu.Lock()
	s.last = &r
	s.mu.Unlock()
}
