package settlement

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"settlement-engine/pkg/investment"
	metricsmem "settlement-engine/pkg/metrics/memory"
	"settlement-engine/pkg/store"
	"settlement-engine/pkg/store/memory"
	"settlement-engine/pkg/store/mock"
	"settlement-engine/pkg/store/storetest"
)

// seed opens an account with 10000 available and buys the monthly product
// with all of it, leaving available 0 and invested 10000.
func seed(t *testing.T, s store.Store, status investment.Status) (*investment.Account, *investment.Investment) {
	t.Helper()
	acc := storetest.NewAccount(t, s, 10000)
	inv := monthly(status)
	inv.ID = "inv-" + acc.ID
	inv.OwnerID = acc.ID
	require.NoError(t, s.CreateInvestment(context.Background(), inv))
	storetest.AssertBalances(t, s, acc.ID, "0", "10000")
	return acc, inv
}

func TestReconcileSettlesMaturedInvestment(t *testing.T) {
	s := memory.New(memory.Config{})
	mc := metricsmem.NewMemoryCollector()
	e := NewEngineWithMetrics(s, DefaultConfig(), mc)
	acc, inv := seed(t, s, investment.StatusActive)

	now := t0.AddDate(0, 0, 91)
	res, err := e.Reconcile(context.Background(), inv, now)
	require.NoError(t, err)

	assert.Equal(t, OutcomeSettled, res.Outcome)
	assert.Equal(t, investment.StatusActive, res.Previous)
	assert.Equal(t, investment.StatusCompleted, res.Current)
	assert.Equal(t, "12000", res.AvailableDelta)
	assert.Equal(t, "-10000", res.InvestedDelta)
	assert.Equal(t, float64(100), res.Progress)
	require.NotNil(t, res.CompletedAt)
	assert.True(t, res.CompletedAt.Equal(now))

	storetest.AssertBalances(t, s, acc.ID, "12000", "0")

	stored, err := s.GetInvestment(context.Background(), inv.ID)
	require.NoError(t, err)
	assert.Equal(t, investment.StatusCompleted, stored.Status)
	require.NotNil(t, stored.CompletedAt)

	assert.Equal(t, int64(1), mc.Reconciles(string(OutcomeSettled)))
	assert.Equal(t, float64(12000), mc.Snapshot().SettledPayout)
}

func TestReconcileMidTermIsUnchanged(t *testing.T) {
	s := memory.New(memory.Config{})
	e := NewEngine(s, DefaultConfig())
	acc, inv := seed(t, s, investment.StatusActive)

	res, err := e.Reconcile(context.Background(), inv, t0.AddDate(0, 0, 45))
	require.NoError(t, err)

	assert.Equal(t, OutcomeUnchanged, res.Outcome)
	assert.Equal(t, investment.StatusActive, res.Current)
	assert.Equal(t, float64(50), res.Progress)
	assert.Equal(t, "0", res.AvailableDelta)
	storetest.AssertBalances(t, s, acc.ID, "0", "10000")
}

func TestReconcileActivation(t *testing.T) {
	s := memory.New(memory.Config{})
	e := NewEngine(s, DefaultConfig())
	acc, inv := seed(t, s, investment.StatusPending)

	res, err := e.Reconcile(context.Background(), inv, t0.Add(-time.Second))
	require.NoError(t, err)
	assert.Equal(t, OutcomeUnchanged, res.Outcome)
	assert.Equal(t, investment.StatusPending, res.Current)

	res, err = e.Reconcile(context.Background(), inv, t0)
	require.NoError(t, err)
	assert.Equal(t, OutcomeActivated, res.Outcome)
	assert.Equal(t, investment.StatusActive, res.Current)
	assert.Equal(t, float64(0), res.Progress)

	// Activation never moves money.
	storetest.AssertBalances(t, s, acc.ID, "0", "10000")
}

func TestReconcilePendingPastMaturityChains(t *testing.T) {
	s := memory.New(memory.Config{})
	e := NewEngine(s, DefaultConfig())
	acc, inv := seed(t, s, investment.StatusPending)

	res, err := e.Reconcile(context.Background(), inv, t0.AddDate(0, 0, 120))
	require.NoError(t, err)

	assert.Equal(t, OutcomeSettled, res.Outcome)
	assert.Equal(t, investment.StatusPending, res.Previous)
	assert.Equal(t, investment.StatusCompleted, res.Current)
	storetest.AssertBalances(t, s, acc.ID, "12000", "0")
}

func TestReconcileIsIdempotent(t *testing.T) {
	s := memory.New(memory.Config{})
	e := NewEngine(s, DefaultConfig())
	acc, inv := seed(t, s, investment.StatusActive)
	now := t0.AddDate(0, 0, 91)

	_, err := e.Reconcile(context.Background(), inv, now)
	require.NoError(t, err)

	// A stale copy loses the compare-and-set; a fresh copy has nothing due.
	res, err := e.Reconcile(context.Background(), inv, now.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, OutcomeLost, res.Outcome)
	assert.Equal(t, investment.StatusCompleted, res.Current)
	assert.Equal(t, "0", res.AvailableDelta)

	res, err = e.ReconcileByID(context.Background(), inv.ID, now.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, OutcomeUnchanged, res.Outcome)

	storetest.AssertBalances(t, s, acc.ID, "12000", "0")
}

func TestConcurrentEnginesCreditOnce(t *testing.T) {
	s := memory.New(memory.Config{})
	acc, inv := seed(t, s, investment.StatusActive)
	now := t0.AddDate(0, 0, 91)

	const workers = 32
	var (
		wg      sync.WaitGroup
		settled atomic.Int32
		lost    atomic.Int32
	)
	for i := 0; i < workers; i++ {
		e := NewEngine(s, Config{MaxAttempts: 3})
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := e.Reconcile(context.Background(), inv.Clone(), now)
			assert.NoError(t, err)
			switch res.Outcome {
			case OutcomeSettled:
				settled.Add(1)
			case OutcomeLost:
				lost.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), settled.Load())
	assert.Equal(t, int32(workers-1), lost.Load())
	storetest.AssertBalances(t, s, acc.ID, "12000", "0")
}

func TestConcurrentChainedReconcileCreditsOnce(t *testing.T) {
	s := memory.New(memory.Config{})
	acc, inv := seed(t, s, investment.StatusPending)
	e := NewEngine(s, Config{MaxAttempts: 5})
	now := t0.AddDate(0, 0, 100)

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.Reconcile(context.Background(), inv.Clone(), now)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	storetest.AssertBalances(t, s, acc.ID, "12000", "0")
}

func TestReconcileNeverMovesBackward(t *testing.T) {
	s := memory.New(memory.Config{})
	e := NewEngine(s, DefaultConfig())
	_, inv := seed(t, s, investment.StatusActive)

	_, err := e.Reconcile(context.Background(), inv, t0.AddDate(0, 0, 91))
	require.NoError(t, err)

	// An earlier clock reading must not undo the settlement.
	res, err := e.ReconcileByID(context.Background(), inv.ID, t0.AddDate(0, 0, 10))
	require.NoError(t, err)
	assert.Equal(t, investment.StatusCompleted, res.Current)
	assert.Equal(t, OutcomeUnchanged, res.Outcome)
}

func TestReconcileInvalidInput(t *testing.T) {
	s := memory.New(memory.Config{})
	mc := metricsmem.NewMemoryCollector()
	e := NewEngineWithMetrics(s, DefaultConfig(), mc)
	acc, inv := seed(t, s, investment.StatusActive)

	broken := inv.Clone()
	broken.StartTime = time.Time{}
	res, err := e.Reconcile(context.Background(), broken, t0.AddDate(1, 0, 0))
	assert.ErrorIs(t, err, ErrInvalidInput)
	assert.Equal(t, OutcomeInvalid, res.Outcome)
	assert.Equal(t, investment.StatusActive, res.Current)
	assert.Equal(t, int64(1), mc.Reconciles(string(OutcomeInvalid)))

	storetest.AssertBalances(t, s, acc.ID, "0", "10000")
}

func TestReconcileStoreUnavailable(t *testing.T) {
	s := memory.New(memory.Config{})
	_, inv := seed(t, s, investment.StatusActive)

	m := mock.New(s)
	m.ApplyTransitionFunc = func(ctx context.Context, tr store.Transition) error {
		return store.Unavailable(errors.New("connection refused"))
	}
	e := NewEngine(m, DefaultConfig())

	res, err := e.Reconcile(context.Background(), inv, t0.AddDate(0, 0, 91))
	assert.ErrorIs(t, err, ErrStoreUnavailable)
	assert.ErrorIs(t, err, store.ErrUnavailable)
	assert.Equal(t, OutcomeStoreError, res.Outcome)
	assert.Equal(t, investment.StatusActive, res.Current)

	// Nothing was assumed settled.
	stored, err := s.GetInvestment(context.Background(), inv.ID)
	require.NoError(t, err)
	assert.Equal(t, investment.StatusActive, stored.Status)
}

func TestReconcileLostIsBounded(t *testing.T) {
	s := memory.New(memory.Config{})
	_, inv := seed(t, s, investment.StatusActive)

	m := mock.New(s)
	m.ApplyTransitionFunc = func(ctx context.Context, tr store.Transition) error {
		return store.ErrTransitionLost
	}
	e := NewEngine(m, Config{MaxAttempts: 3})

	res, err := e.Reconcile(context.Background(), inv, t0.AddDate(0, 0, 91))
	require.NoError(t, err)
	assert.Equal(t, OutcomeLost, res.Outcome)
	assert.Equal(t, 3, m.ApplyTransitionCalls())
	// Every loss is followed by a re-read, the last one included.
	assert.Equal(t, 3, m.GetInvestmentCalls())
}

func TestReconcileLostReportsFreshStatus(t *testing.T) {
	s := memory.New(memory.Config{})
	acc, inv := seed(t, s, investment.StatusPending)

	// Another actor activates the record just before our compare-and-set.
	m := mock.New(s)
	m.ApplyTransitionFunc = func(ctx context.Context, tr store.Transition) error {
		require.NoError(t, s.ApplyTransition(ctx, tr))
		return store.ErrTransitionLost
	}
	e := NewEngine(m, Config{MaxAttempts: 1})

	res, err := e.Reconcile(context.Background(), inv, t0.AddDate(0, 0, 45))
	require.NoError(t, err)
	assert.Equal(t, OutcomeLost, res.Outcome)
	assert.Equal(t, investment.StatusPending, res.Previous)
	assert.Equal(t, investment.StatusActive, res.Current)
	assert.Equal(t, 1, m.GetInvestmentCalls())
	storetest.AssertBalances(t, s, acc.ID, "0", "10000")
}

func TestReconcileMissingRecord(t *testing.T) {
	s := memory.New(memory.Config{})
	e := NewEngine(s, DefaultConfig())

	res, err := e.ReconcileByID(context.Background(), "inv-nope", t0)
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.Equal(t, OutcomeMissing, res.Outcome)
	assert.Equal(t, "inv-nope", res.InvestmentID)
}

func TestReconcileByIDCoalesces(t *testing.T) {
	s := memory.New(memory.Config{})
	acc, inv := seed(t, s, investment.StatusActive)

	release := make(chan struct{})
	m := mock.New(s)
	m.GetInvestmentFunc = func(ctx context.Context, id string) (*investment.Investment, error) {
		<-release
		return s.GetInvestment(ctx, id)
	}
	e := NewEngine(m, DefaultConfig())
	now := t0.AddDate(0, 0, 91)

	const callers = 8
	var (
		wg      sync.WaitGroup
		started sync.WaitGroup
	)
	results := make([]Result, callers)
	started.Add(callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			started.Done()
			res, err := e.ReconcileByID(context.Background(), inv.ID, now)
			assert.NoError(t, err)
			results[i] = res
		}(i)
	}
	started.Wait()
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Less(t, m.GetInvestmentCalls(), callers)
	for _, res := range results {
		assert.Equal(t, investment.StatusCompleted, res.Current)
	}
	storetest.AssertBalances(t, s, acc.ID, "12000", "0")
}

func TestReconcileByIDCallerCancelDoesNotFailOthers(t *testing.T) {
	s := memory.New(memory.Config{})
	acc, inv := seed(t, s, investment.StatusActive)

	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	m := mock.New(s)
	m.GetInvestmentFunc = func(ctx context.Context, id string) (*investment.Investment, error) {
		select {
		case entered <- struct{}{}:
		default:
		}
		<-release
		return s.GetInvestment(ctx, id)
	}
	mc := metricsmem.NewMemoryCollector()
	e := NewEngineWithMetrics(m, DefaultConfig(), mc)
	now := t0.AddDate(0, 0, 91)

	type outcome struct {
		res Result
		err error
	}
	first := make(chan outcome, 1)
	second := make(chan outcome, 1)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		res, err := e.ReconcileByID(ctx, inv.ID, now)
		first <- outcome{res, err}
	}()
	<-entered
	go func() {
		res, err := e.ReconcileByID(context.Background(), inv.ID, now)
		second <- outcome{res, err}
	}()
	time.Sleep(20 * time.Millisecond)

	cancel()
	a := <-first
	assert.ErrorIs(t, a.err, context.Canceled)
	assert.False(t, IsStoreUnavailable(a.err))
	assert.Equal(t, OutcomeCanceled, a.res.Outcome)

	close(release)
	b := <-second
	require.NoError(t, b.err)
	assert.Equal(t, OutcomeSettled, b.res.Outcome)
	assert.Equal(t, investment.StatusCompleted, b.res.Current)

	storetest.AssertBalances(t, s, acc.ID, "12000", "0")
	assert.Equal(t, int64(1), mc.Reconciles(string(OutcomeCanceled)))
	assert.Zero(t, mc.Reconciles(string(OutcomeStoreError)))
}

func TestReconcileByIDCanceledIsNotStoreError(t *testing.T) {
	s := memory.New(memory.Config{})
	_, inv := seed(t, s, investment.StatusActive)
	e := NewEngine(s, Config{Coalesce: false})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := e.ReconcileByID(ctx, inv.ID, t0.AddDate(0, 0, 91))
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, IsStoreUnavailable(err))
	assert.Equal(t, OutcomeCanceled, res.Outcome)

	stored, err := s.GetInvestment(context.Background(), inv.ID)
	require.NoError(t, err)
	assert.Equal(t, investment.StatusActive, stored.Status)
}

func TestReconcileNil(t *testing.T) {
	e := NewEngine(memory.New(memory.Config{}), DefaultConfig())
	res, err := e.Reconcile(context.Background(), nil, t0)
	assert.ErrorIs(t, err, ErrInvalidInput)
	assert.Equal(t, OutcomeInvalid, res.Outcome)
}

func TestEngineClock(t *testing.T) {
	fixed := t0.Add(time.Hour)
	e := NewEngine(memory.New(memory.Config{}), Config{Clock: func() time.Time { return fixed }})
	assert.True(t, e.Now().Equal(fixed))
}
