// Package settlement advances investments through Pending -> Active ->
// Completed and credits matured returns exactly once.
//
// Every transition is applied through store.ApplyTransition, a
// compare-and-set on status that carries the balance change with it. Any
// number of engines, sweeps and client-triggered reads may reconcile the same
// record concurrently; only the caller that wins the compare-and-set moves
// money.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"settlement-engine/pkg/investment"
	"settlement-engine/pkg/logging"
	"settlement-engine/pkg/metrics"
	"settlement-engine/pkg/progress"
	"settlement-engine/pkg/store"
)

// Outcome labels what a reconcile call did.
type Outcome string

const (
	OutcomeActivated  Outcome = "activated"
	OutcomeSettled    Outcome = "settled"
	OutcomeUnchanged  Outcome = "unchanged"
	OutcomeLost       Outcome = "lost"
	OutcomeInvalid    Outcome = "invalid"
	OutcomeMissing    Outcome = "missing"
	OutcomeStoreError Outcome = "store_error"
	OutcomeCanceled   Outcome = "canceled"
)

// Result reports one reconcile call.
type Result struct {
	InvestmentID string            `json:"investment_id"`
	OwnerID      string            `json:"owner_id"`
	Previous     investment.Status `json:"previous_status"`
	Current      investment.Status `json:"current_status"`
	Outcome      Outcome           `json:"outcome"`

	// Balance deltas applied by this call; zero if another caller won.
	AvailableDelta string     `json:"available_delta"`
	InvestedDelta  string     `json:"invested_delta"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`

	// Progress at the reconcile instant, or -1 when it cannot be computed.
	Progress float64 `json:"progress"`
}

// Config configures the engine.
type Config struct {
	// MaxAttempts bounds how often a lost compare-and-set is re-read and
	// re-decided within one call. Default 3.
	MaxAttempts int

	// Coalesce merges concurrent ReconcileByID calls for the same id.
	Coalesce bool

	// Timeout bounds a coalesced reconcile. It runs detached from the
	// callers' contexts, so one caller leaving does not fail the others.
	// Default 10s.
	Timeout time.Duration

	// Clock supplies "now" for callers that do not pass one. Default time.Now.
	Clock func() time.Time
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 3,
		Coalesce:    true,
		Timeout:     10 * time.Second,
		Clock:       time.Now,
	}
}

// Engine applies due transitions against a store.
type Engine struct {
	store   store.Store
	config  Config
	metrics metrics.MetricsCollector
	logger  *logging.Logger
	group   singleflight.Group
}

// NewEngine creates an engine with no metrics.
func NewEngine(s store.Store, config Config) *Engine {
	return NewEngineWithMetrics(s, config, metrics.NoOpCollector{})
}

// NewEngineWithMetrics creates an engine that reports to metricsCollector.
func NewEngineWithMetrics(s store.Store, config Config, metricsCollector metrics.MetricsCollector) *Engine {
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 3
	}
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}
	if config.Clock == nil {
		config.Clock = time.Now
	}
	if metricsCollector == nil {
		metricsCollector = metrics.NoOpCollector{}
	}
	return &Engine{
		store:   s,
		config:  config,
		metrics: metricsCollector,
		logger:  logging.Global().Named("settlement"),
	}
}

// Now returns the engine clock's current time.
func (e *Engine) Now() time.Time {
	return e.config.Clock()
}

// Store returns the store the engine writes to.
func (e *Engine) Store() store.Store {
	return e.store
}

// Reconcile applies every transition due for inv at now. A Pending record
// whose maturity has also passed is activated and settled in one call, each
// step gated separately.
//
// Errors: ErrInvalidInput for malformed records, ErrStoreUnavailable when the
// store failed, ctx.Err() when ctx ended first. A lost compare-and-set is not
// an error; Current then holds the status re-read after the last loss.
func (e *Engine) Reconcile(ctx context.Context, inv *investment.Investment, now time.Time) (Result, error) {
	start := time.Now()
	res, err := e.reconcile(ctx, inv, now)
	e.metrics.RecordReconcile(string(res.Outcome), time.Since(start))
	return res, err
}

func (e *Engine) reconcile(ctx context.Context, inv *investment.Investment, now time.Time) (Result, error) {
	if inv == nil {
		return Result{Outcome: OutcomeInvalid, Progress: -1}, fmt.Errorf("%w: nil investment", ErrInvalidInput)
	}

	res := Result{
		InvestmentID:   inv.ID,
		OwnerID:        inv.OwnerID,
		Previous:       inv.Status,
		Current:        inv.Status,
		Outcome:        OutcomeUnchanged,
		AvailableDelta: "0",
		InvestedDelta:  "0",
		Progress:       -1,
	}
	log := e.logger.With(logging.InvestmentID(inv.ID), logging.OwnerID(inv.OwnerID))

	var (
		cur           = inv
		activated     bool
		settled       bool
		lost          bool
		attempts      int
		availDelta    = decimal.Zero
		investedDelta = decimal.Zero
	)

loop:
	for {
		d, err := Decide(cur, now)
		if err != nil {
			res.Outcome = OutcomeInvalid
			res.Current = cur.Status
			log.Warn("skipping invalid investment", zap.Error(err))
			return res, err
		}
		if !d.Due() {
			break
		}

		err = e.store.ApplyTransition(ctx, d.Transition(cur))
		switch {
		case err == nil:
			next := cur.Clone()
			next.Status = d.To
			next.CompletedAt = d.CompletedAt
			cur = next

			availDelta = availDelta.Add(d.AvailableDelta)
			investedDelta = investedDelta.Add(d.InvestedDelta)
			switch d.To {
			case investment.StatusActive:
				activated = true
			case investment.StatusCompleted:
				settled = true
				res.CompletedAt = d.CompletedAt
				e.metrics.RecordSettlement(d.AvailableDelta.InexactFloat64())
			}

			log.Info("investment transitioned",
				logging.Status("from", string(d.From)),
				logging.Status("to", string(d.To)),
				zap.String("available_delta", d.AvailableDelta.String()),
				zap.String("invested_delta", d.InvestedDelta.String()),
				logging.Instant("at", now),
			)

		case store.IsTransitionLost(err):
			// Someone else moved the record. Re-read and decide again; the
			// fresh state may still have a step left for us.
			lost = true
			attempts++
			log.Debug("transition lost", logging.Status("from", string(d.From)), zap.Int("attempt", attempts))
			fresh, gerr := e.store.GetInvestment(ctx, cur.ID)
			if gerr != nil {
				if store.IsNotFound(gerr) {
					return e.missing(res, cur, log, gerr)
				}
				return e.storeFailure(ctx, res, cur, log, gerr)
			}
			cur = fresh
			if attempts >= e.config.MaxAttempts {
				break loop
			}

		case store.IsNotFound(err):
			return e.missing(res, cur, log, err)

		default:
			return e.storeFailure(ctx, res, cur, log, err)
		}
	}

	res.Current = cur.Status
	res.AvailableDelta = availDelta.String()
	res.InvestedDelta = investedDelta.String()
	if p, err := progress.Percentage(cur, now); err == nil {
		res.Progress = p
	}

	switch {
	case settled:
		res.Outcome = OutcomeSettled
	case activated:
		res.Outcome = OutcomeActivated
	case lost:
		res.Outcome = OutcomeLost
	default:
		res.Outcome = OutcomeUnchanged
	}
	return res, nil
}

func (e *Engine) missing(res Result, cur *investment.Investment, log *logging.Logger, err error) (Result, error) {
	res.Outcome = OutcomeMissing
	res.Current = cur.Status
	log.Warn("investment disappeared during reconcile", zap.Error(err))
	return res, err
}

func (e *Engine) storeFailure(ctx context.Context, res Result, cur *investment.Investment, log *logging.Logger, err error) (Result, error) {
	res.Current = cur.Status
	if ctx.Err() != nil {
		res.Outcome = OutcomeCanceled
		log.Debug("reconcile canceled", zap.Error(err))
		return res, ctx.Err()
	}
	res.Outcome = OutcomeStoreError
	log.Error("store failure during reconcile", zap.Error(err))
	return res, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
}

// ReconcileByID loads the investment and reconciles it. This is the
// client-triggered path.
func (e *Engine) ReconcileByID(ctx context.Context, id string, now time.Time) (Result, error) {
	if !e.config.Coalesce {
		return e.reconcileByID(ctx, id, now)
	}

	type shared struct {
		res Result
		err error
	}
	ch := e.group.DoChan(id, func() (interface{}, error) {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.config.Timeout)
		defer cancel()
		res, err := e.reconcileByID(sctx, id, now)
		return shared{res, err}, nil
	})

	select {
	case r := <-ch:
		s := r.Val.(shared)
		return s.res, s.err
	case <-ctx.Done():
		res := Result{InvestmentID: id, Outcome: OutcomeCanceled, Progress: -1}
		e.metrics.RecordReconcile(string(res.Outcome), 0)
		return res, ctx.Err()
	}
}

func (e *Engine) reconcileByID(ctx context.Context, id string, now time.Time) (Result, error) {
	inv, err := e.store.GetInvestment(ctx, id)
	if err != nil {
		res := Result{InvestmentID: id, Progress: -1}
		switch {
		case store.IsNotFound(err):
			res.Outcome = OutcomeMissing
			e.metrics.RecordReconcile(string(res.Outcome), 0)
			return res, err
		case errors.Is(err, store.ErrInvalidID):
			res.Outcome = OutcomeInvalid
			e.metrics.RecordReconcile(string(res.Outcome), 0)
			return res, fmt.Errorf("%w: %w", ErrInvalidInput, err)
		case ctx.Err() != nil:
			res.Outcome = OutcomeCanceled
			e.metrics.RecordReconcile(string(res.Outcome), 0)
			return res, ctx.Err()
		default:
			res.Outcome = OutcomeStoreError
			e.metrics.RecordReconcile(string(res.Outcome), 0)
			e.logger.Error("failed to load investment", logging.InvestmentID(id), zap.Error(err))
			return res, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
		}
	}
	return e.Reconcile(ctx, inv, now)
}
