package resilience

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"settlement-engine/pkg/investment"
	"settlement-engine/pkg/logging"
	"settlement-engine/pkg/metrics"
	"settlement-engine/pkg/store"
)

// ResilientStore wraps a store.Store with a per-call timeout and a circuit
// breaker. Business outcomes (not found, lost transition, insufficient funds)
// count as successes for the breaker; only backend faults trip it.
type ResilientStore struct {
	next    store.Store
	cb      *gobreaker.CircuitBreaker
	timeout time.Duration
	metrics metrics.MetricsCollector
	logger  *logging.Logger
}

var _ store.Store = (*ResilientStore)(nil)

// NewResilientStore wraps next with the given configuration and no metrics.
func NewResilientStore(next store.Store, config ResilientConfig) *ResilientStore {
	return NewResilientStoreWithMetrics(next, config, metrics.NoOpCollector{})
}

// NewResilientStoreWithMetrics wraps next and reports to metricsCollector.
func NewResilientStoreWithMetrics(next store.Store, config ResilientConfig, metricsCollector metrics.MetricsCollector) *ResilientStore {
	if metricsCollector == nil {
		metricsCollector = metrics.NoOpCollector{}
	}
	name := next.Name()
	logger := logging.Global().Named("resilience").Named(name)

	rs := &ResilientStore{
		next:    next,
		timeout: config.Timeout,
		metrics: metricsCollector,
		logger:  logger,
	}

	logger.Info("resilient store initialized",
		logging.Backend(name),
		zap.Duration("timeout", config.Timeout),
		zap.Uint32("max_requests", config.CircuitBreakerConfig.MaxRequests),
		zap.Duration("circuit_interval", config.CircuitBreakerConfig.Interval),
		zap.Duration("circuit_timeout", config.CircuitBreakerConfig.Timeout),
	)

	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: config.CircuitBreakerConfig.MaxRequests,
		Interval:    config.CircuitBreakerConfig.Interval,
		Timeout:     config.CircuitBreakerConfig.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			trip := config.CircuitBreakerConfig.ReadyToTrip
			if trip == nil {
				trip = ConsecutiveFailures(5)
			}
			return trip(Counts{
				Requests:             counts.Requests,
				TotalSuccesses:       counts.TotalSuccesses,
				TotalFailures:        counts.TotalFailures,
				ConsecutiveSuccesses: counts.ConsecutiveSuccesses,
				ConsecutiveFailures:  counts.ConsecutiveFailures,
			})
		},
		IsSuccessful: func(err error) bool {
			return err == nil || store.IsBusiness(err) || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("circuit breaker state changed",
				logging.Backend(name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)

			var state metrics.CircuitState
			switch to {
			case gobreaker.StateClosed:
				state = metrics.CircuitClosed
			case gobreaker.StateHalfOpen:
				state = metrics.CircuitHalfOpen
			case gobreaker.StateOpen:
				state = metrics.CircuitOpen
			}
			rs.metrics.RecordCircuitState(name, state)
		},
	}

	rs.cb = gobreaker.NewCircuitBreaker(settings)
	return rs
}

// State returns the current breaker state.
func (rs *ResilientStore) State() metrics.CircuitState {
	switch rs.cb.State() {
	case gobreaker.StateOpen:
		return metrics.CircuitOpen
	case gobreaker.StateHalfOpen:
		return metrics.CircuitHalfOpen
	default:
		return metrics.CircuitClosed
	}
}

// Unwrap returns the wrapped store.
func (rs *ResilientStore) Unwrap() store.Store {
	return rs.next
}

// execute runs fn through the breaker with the configured deadline and maps
// breaker and deadline failures onto store errors.
func execute[T any](rs *ResilientStore, ctx context.Context, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	start := time.Now()
	backend := rs.next.Name()

	if rs.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, rs.timeout)
		defer cancel()
	}

	result, err := rs.cb.Execute(func() (interface{}, error) {
		return fn(ctx)
	})

	duration := time.Since(start)
	success := err == nil || store.IsBusiness(err)
	rs.metrics.RecordStoreOp(backend, op, success, duration)

	var zero T
	if err == nil {
		return result.(T), nil
	}

	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		rs.logger.Warn("circuit breaker open - request rejected", logging.Operation(op))
		err = fmt.Errorf("%s %s: %w", backend, op, store.ErrCircuitOpen)
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		rs.logger.Warn("operation timeout",
			logging.Operation(op),
			zap.Duration("timeout", rs.timeout),
			zap.Duration("elapsed", duration),
		)
		err = fmt.Errorf("%s %s: %w", backend, op, store.ErrTimeout)
	case store.IsBusiness(err):
		rs.logger.Debug("operation returned business error", logging.Operation(op), zap.Error(err))
		return zero, err
	default:
		rs.logger.Error("operation failed",
			logging.Operation(op),
			zap.Duration("duration", duration),
			zap.Error(err),
		)
	}

	rs.metrics.RecordStoreError(backend, op, store.ClassifyError(err))
	return zero, err
}

type none struct{}

func (rs *ResilientStore) GetAccount(ctx context.Context, id string) (*investment.Account, error) {
	return execute(rs, ctx, "get_account", func(ctx context.Context) (*investment.Account, error) {
		return rs.next.GetAccount(ctx, id)
	})
}

func (rs *ResilientStore) CreateAccount(ctx context.Context, acc *investment.Account) error {
	_, err := execute(rs, ctx, "create_account", func(ctx context.Context) (none, error) {
		return none{}, rs.next.CreateAccount(ctx, acc)
	})
	return err
}

func (rs *ResilientStore) GetInvestment(ctx context.Context, id string) (*investment.Investment, error) {
	return execute(rs, ctx, "get_investment", func(ctx context.Context) (*investment.Investment, error) {
		return rs.next.GetInvestment(ctx, id)
	})
}

func (rs *ResilientStore) ListInvestments(ctx context.Context, f store.Filter) ([]*investment.Investment, error) {
	return execute(rs, ctx, "list_investments", func(ctx context.Context) ([]*investment.Investment, error) {
		return rs.next.ListInvestments(ctx, f)
	})
}

func (rs *ResilientStore) CreateInvestment(ctx context.Context, inv *investment.Investment) error {
	_, err := execute(rs, ctx, "create_investment", func(ctx context.Context) (none, error) {
		return none{}, rs.next.CreateInvestment(ctx, inv)
	})
	return err
}

func (rs *ResilientStore) ApplyTransition(ctx context.Context, t store.Transition) error {
	_, err := execute(rs, ctx, "apply_transition", func(ctx context.Context) (none, error) {
		return none{}, rs.next.ApplyTransition(ctx, t)
	})
	return err
}

func (rs *ResilientStore) Increment(ctx context.Context, accountID string, field store.BalanceField, delta decimal.Decimal) error {
	_, err := execute(rs, ctx, "increment", func(ctx context.Context) (none, error) {
		return none{}, rs.next.Increment(ctx, accountID, field, delta)
	})
	return err
}

// Ping bypasses the breaker so health checks see the backend directly.
func (rs *ResilientStore) Ping(ctx context.Context) error {
	if rs.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, rs.timeout)
		defer cancel()
	}
	return rs.next.Ping(ctx)
}

// Name returns the name of the wrapped store.
func (rs *ResilientStore) Name() string {
	return rs.next.Name()
}

// Close closes the wrapped store.
func (rs *ResilientStore) Close() error {
	return rs.next.Close()
}
