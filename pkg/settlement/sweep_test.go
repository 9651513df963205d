package settlement

import (
	"context"
	"errors"
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

func fixedClock(at time.Time) func() time.Time {
	return func() time.Time { return at }
}

func TestSweep(t *testing.T) {
	s := memory.New(memory.Config{})
	mc := metricsmem.NewMemoryCollector()
	e := NewEngineWithMetrics(s, Config{Clock: fixedClock(t0.AddDate(0, 0, 91))}, mc)
	sw := NewSweeperWithMetrics(e, SweepConfig{Concurrency: 4}, mc)

	matured, _ := seed(t, s, investment.StatusActive)
	pending, pendingInv := seed(t, s, investment.StatusPending)

	young, youngInv := seed(t, s, investment.StatusActive)
	youngInv.StartTime = t0.AddDate(0, 0, 60)
	youngInv.ID = "young-" + young.ID
	// Give the young account room for a second purchase.
	require.NoError(t, s.Increment(context.Background(), young.ID, store.FieldAvailable, youngInv.Amount))
	require.NoError(t, s.CreateInvestment(context.Background(), youngInv))

	report, err := sw.Sweep(context.Background())
	require.NoError(t, err)

	assert.NotEmpty(t, report.RunID)
	assert.False(t, report.Aborted)
	assert.False(t, report.FinishedAt.Before(report.StartedAt))
	// matured, pending (chained to settled), young's first and second buy.
	assert.Equal(t, 4, report.Processed)
	assert.Equal(t, 3, report.Settled)
	assert.Equal(t, 1, report.Unchanged)
	assert.Empty(t, report.Warnings)

	storetest.AssertBalances(t, s, matured.ID, "12000", "0")
	storetest.AssertBalances(t, s, pending.ID, "12000", "0")
	storetest.AssertBalances(t, s, young.ID, "12000", "10000")

	stored, err := s.GetInvestment(context.Background(), pendingInv.ID)
	require.NoError(t, err)
	assert.Equal(t, investment.StatusCompleted, stored.Status)

	snap := mc.Snapshot()
	require.Len(t, snap.Sweeps, 1)
	assert.Equal(t, 3, snap.Sweeps[0].Settled)

	last := sw.Last()
	require.NotNil(t, last)
	assert.Equal(t, report.RunID, last.RunID)

	// A second sweep finds only the young investment left.
	report, err = sw.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Processed)
	assert.Equal(t, 0, report.Settled)
	storetest.AssertBalances(t, s, matured.ID, "12000", "0")
}

func TestSweepSkipsInvalidRecords(t *testing.T) {
	s := memory.New(memory.Config{})
	e := NewEngine(s, Config{Clock: fixedClock(t0.AddDate(0, 0, 91))})
	sw := NewSweeper(e, DefaultSweepConfig())

	good, _ := seed(t, s, investment.StatusActive)

	bad := storetest.NewAccount(t, s, 10000)
	broken := monthly(investment.StatusActive)
	broken.ID = "broken-" + bad.ID
	broken.OwnerID = bad.ID
	broken.StartTime = time.Time{}
	require.NoError(t, s.CreateInvestment(context.Background(), broken))

	report, err := sw.Sweep(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, report.Processed)
	assert.Equal(t, 1, report.Settled)
	assert.Equal(t, 1, report.Skipped)
	require.Len(t, report.Warnings, 1)
	assert.Equal(t, broken.ID, report.Warnings[0].InvestmentID)
	assert.Equal(t, OutcomeInvalid, report.Warnings[0].Outcome)
	assert.Contains(t, report.Warnings[0].Reason, "start time")

	storetest.AssertBalances(t, s, good.ID, "12000", "0")
	storetest.AssertBalances(t, s, bad.ID, "0", "10000")

	stored, err := s.GetInvestment(context.Background(), broken.ID)
	require.NoError(t, err)
	assert.Equal(t, investment.StatusActive, stored.Status)
}

func TestSweepContinuesPastStoreErrors(t *testing.T) {
	s := memory.New(memory.Config{})
	first, firstInv := seed(t, s, investment.StatusActive)
	second, _ := seed(t, s, investment.StatusActive)

	m := mock.New(s)
	m.ApplyTransitionFunc = func(ctx context.Context, tr store.Transition) error {
		if tr.InvestmentID == firstInv.ID {
			return store.ErrTimeout
		}
		return s.ApplyTransition(ctx, tr)
	}
	e := NewEngine(m, Config{Clock: fixedClock(t0.AddDate(0, 0, 91))})
	sw := NewSweeper(e, SweepConfig{Concurrency: 1})

	report, err := sw.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, report.Processed)
	assert.Equal(t, 1, report.Settled)
	assert.Equal(t, 1, report.Errored)
	require.Len(t, report.Warnings, 1)
	assert.Equal(t, OutcomeStoreError, report.Warnings[0].Outcome)

	storetest.AssertBalances(t, s, first.ID, "0", "10000")
	storetest.AssertBalances(t, s, second.ID, "12000", "0")

	// The failed record is picked up by the next sweep.
	m.ApplyTransitionFunc = nil
	report, err = sw.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Settled)
	storetest.AssertBalances(t, s, first.ID, "12000", "0")
}

func TestSweepListFailure(t *testing.T) {
	m := mock.New(nil)
	m.ListInvestmentsFunc = func(ctx context.Context, f store.Filter) ([]*investment.Investment, error) {
		return nil, store.Unavailable(errors.New("no route to host"))
	}
	mc := metricsmem.NewMemoryCollector()
	sw := NewSweeperWithMetrics(NewEngine(m, DefaultConfig()), DefaultSweepConfig(), mc)

	report, err := sw.Sweep(context.Background())
	assert.ErrorIs(t, err, ErrStoreUnavailable)
	assert.True(t, report.Aborted)
	assert.Zero(t, report.Processed)

	snap := mc.Snapshot()
	require.Len(t, snap.Sweeps, 1)
	assert.True(t, snap.Sweeps[0].Aborted)
}

func TestSweepListsOnlyOpenStatuses(t *testing.T) {
	var got store.Filter
	m := mock.New(nil)
	m.ListInvestmentsFunc = func(ctx context.Context, f store.Filter) ([]*investment.Investment, error) {
		got = f
		return nil, nil
	}
	sw := NewSweeper(NewEngine(m, DefaultConfig()), DefaultSweepConfig())

	_, err := sw.Sweep(context.Background())
	require.NoError(t, err)
	assert.ElementsMatch(t, []investment.Status{investment.StatusPending, investment.StatusActive}, got.Statuses)
	assert.Empty(t, got.OwnerID)
}

func TestSweepCancelled(t *testing.T) {
	s := memory.New(memory.Config{})
	seed(t, s, investment.StatusActive)
	sw := NewSweeper(NewEngine(s, DefaultConfig()), DefaultSweepConfig())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report, err := sw.Sweep(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.True(t, report.Aborted)
}

func TestRun(t *testing.T) {
	s := memory.New(memory.Config{})
	acc, _ := seed(t, s, investment.StatusActive)
	e := NewEngine(s, Config{Clock: fixedClock(t0.AddDate(0, 0, 91))})
	sw := NewSweeper(e, SweepConfig{Interval: 10 * time.Millisecond})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	err := sw.Run(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	require.NotNil(t, sw.Last())
	storetest.AssertBalances(t, s, acc.ID, "12000", "0")
}
