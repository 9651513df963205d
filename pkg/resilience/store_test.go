package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"settlement-engine/pkg/investment"
	"settlement-engine/pkg/metrics"
	metricsmem "settlement-engine/pkg/metrics/memory"
	"settlement-engine/pkg/store"
	"settlement-engine/pkg/store/memory"
	"settlement-engine/pkg/store/mock"
	"settlement-engine/pkg/store/storetest"
)

func TestConformanceThroughWrapper(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store {
		return NewResilientStore(memory.New(memory.Config{Name: "test"}), DefaultResilientConfig())
	})
}

func TestNewResilientStore(t *testing.T) {
	config := DefaultResilientConfig()
	rs := NewResilientStore(memory.New(memory.Config{Name: "test"}), config)

	assert.Equal(t, "test", rs.Name())
	assert.Equal(t, config.Timeout, rs.timeout)
	assert.Equal(t, metrics.CircuitClosed, rs.State())
	assert.NotNil(t, rs.Unwrap())
}

func TestTimeout(t *testing.T) {
	m := mock.New(nil)
	m.GetInvestmentFunc = func(ctx context.Context, id string) (*investment.Investment, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	mc := metricsmem.NewMemoryCollector()
	rs := NewResilientStoreWithMetrics(m, DefaultResilientConfig().WithTimeout(20*time.Millisecond), mc)

	_, err := rs.GetInvestment(context.Background(), "inv-1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, store.ErrTimeout), "%v", err)
	assert.True(t, store.IsUnavailable(err))

	snap := mc.Snapshot()
	assert.Equal(t, int64(1), snap.Backends["mock"].ErrorsByType["timeout"])
	assert.Equal(t, int64(1), snap.Backends["mock"].Errors)
}

func TestBreakerOpensOnBackendFaults(t *testing.T) {
	m := mock.New(nil)
	m.GetAccountFunc = func(ctx context.Context, id string) (*investment.Account, error) {
		return nil, store.Unavailable(errors.New("dial tcp: connection refused"))
	}
	mc := metricsmem.NewMemoryCollector()
	config := DefaultResilientConfig().WithReadyToTrip(ConsecutiveFailures(3)).WithCircuitBreakerTimeout(time.Hour)
	rs := NewResilientStoreWithMetrics(m, config, mc)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := rs.GetAccount(ctx, "acc-1")
		assert.True(t, errors.Is(err, store.ErrUnavailable), "%v", err)
	}
	assert.Equal(t, metrics.CircuitOpen, rs.State())

	_, err := rs.GetAccount(ctx, "acc-1")
	assert.True(t, errors.Is(err, store.ErrCircuitOpen), "%v", err)
	assert.Equal(t, 3, m.GetAccountCalls(), "open breaker must not reach the backend")

	snap := mc.Snapshot()
	assert.Equal(t, int64(1), snap.Backends["mock"].CircuitOpens)
	assert.Equal(t, int64(1), snap.Backends["mock"].ErrorsByType["circuit_breaker_open"])
}

func TestBusinessErrorsDoNotTripBreaker(t *testing.T) {
	m := mock.New(nil)
	m.ApplyTransitionFunc = func(ctx context.Context, tr store.Transition) error {
		return store.ErrTransitionLost
	}
	config := DefaultResilientConfig().WithReadyToTrip(ConsecutiveFailures(2))
	rs := NewResilientStore(m, config)

	for i := 0; i < 10; i++ {
		err := rs.ApplyTransition(context.Background(), store.Transition{})
		assert.True(t, errors.Is(err, store.ErrTransitionLost))
	}
	assert.Equal(t, metrics.CircuitClosed, rs.State())
	assert.Equal(t, 10, m.ApplyTransitionCalls())
}

func TestPingBypassesBreaker(t *testing.T) {
	m := mock.New(nil)
	m.GetAccountFunc = func(ctx context.Context, id string) (*investment.Account, error) {
		return nil, store.ErrUnavailable
	}
	rs := NewResilientStore(m, DefaultResilientConfig().WithReadyToTrip(ConsecutiveFailures(1)).WithCircuitBreakerTimeout(time.Hour))
	_, _ = rs.GetAccount(context.Background(), "acc-1")
	require.Equal(t, metrics.CircuitOpen, rs.State())

	assert.NoError(t, rs.Ping(context.Background()))
}

func TestClose(t *testing.T) {
	m := mock.New(nil)
	rs := NewResilientStore(m, DefaultResilientConfig())
	require.NoError(t, rs.Close())
	assert.Equal(t, 1, m.CloseCalls())
}
