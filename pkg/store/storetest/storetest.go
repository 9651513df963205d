// Package storetest is a conformance suite run against every store backend.
package storetest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"settlement-engine/pkg/investment"
	"settlement-engine/pkg/store"
)

// Factory returns a ready, empty store. It should register its own cleanup.
type Factory func(t *testing.T) store.Store

// Run executes the full conformance suite.
func Run(t *testing.T, newStore Factory) {
	t.Run("AccountLifecycle", func(t *testing.T) { testAccountLifecycle(t, newStore(t)) })
	t.Run("Increment", func(t *testing.T) { testIncrement(t, newStore(t)) })
	t.Run("ConcurrentIncrement", func(t *testing.T) { testConcurrentIncrement(t, newStore(t)) })
	t.Run("CreateInvestment", func(t *testing.T) { testCreateInvestment(t, newStore(t)) })
	t.Run("ListInvestments", func(t *testing.T) { testListInvestments(t, newStore(t)) })
	t.Run("ApplyTransition", func(t *testing.T) { testApplyTransition(t, newStore(t)) })
	t.Run("ConcurrentSettlement", func(t *testing.T) { testConcurrentSettlement(t, newStore(t)) })
	t.Run("ConcurrentOwnerSettlements", func(t *testing.T) { testConcurrentOwnerSettlements(t, newStore(t)) })
	t.Run("Ping", func(t *testing.T) {
		s := newStore(t)
		assert.NoError(t, s.Ping(context.Background()))
		assert.NotEmpty(t, s.Name())
	})
}

// Start is a millisecond-aligned instant so every backend round-trips it exactly.
var Start = time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)

// NewAccount opens a funded account with a unique id.
func NewAccount(t *testing.T, s store.Store, available int64) *investment.Account {
	t.Helper()
	acc := &investment.Account{
		ID:               "acc-" + uuid.NewString(),
		AvailableBalance: decimal.NewFromInt(available),
		CreatedAt:        Start,
		UpdatedAt:        Start,
	}
	require.NoError(t, s.CreateAccount(context.Background(), acc))
	return acc
}

// NewInvestment builds an unsaved investment for owner.
func NewInvestment(owner string, amount int64, status investment.Status) *investment.Investment {
	return &investment.Investment{
		ID:          "inv-" + uuid.NewString(),
		OwnerID:     owner,
		Product:     "monthly",
		PeriodUnit:  investment.PeriodMonths,
		Amount:      decimal.NewFromInt(amount),
		ExpectedROI: decimal.NewFromInt(20),
		Period:      3,
		StartTime:   Start,
		Status:      status,
		CreatedAt:   Start,
	}
}

// Balances reads an account's balances.
func Balances(t *testing.T, s store.Store, id string) (available, invested decimal.Decimal) {
	t.Helper()
	acc, err := s.GetAccount(context.Background(), id)
	require.NoError(t, err)
	return acc.AvailableBalance, acc.InvestmentBalance
}

// AssertBalances checks both balances with decimal equality.
func AssertBalances(t *testing.T, s store.Store, id string, available, invested string) {
	t.Helper()
	a, i := Balances(t, s, id)
	assert.True(t, a.Equal(decimal.RequireFromString(available)), "available: want %s, got %s", available, a)
	assert.True(t, i.Equal(decimal.RequireFromString(invested)), "invested: want %s, got %s", invested, i)
}

func settleTransition(inv *investment.Investment, at time.Time) store.Transition {
	return store.Transition{
		InvestmentID:   inv.ID,
		OwnerID:        inv.OwnerID,
		From:           investment.StatusActive,
		To:             investment.StatusCompleted,
		CompletedAt:    &at,
		AvailableDelta: inv.Payout(),
		InvestedDelta:  inv.Amount.Neg(),
	}
}

func testAccountLifecycle(t *testing.T, s store.Store) {
	ctx := context.Background()
	acc := NewAccount(t, s, 250)

	got, err := s.GetAccount(ctx, acc.ID)
	require.NoError(t, err)
	assert.Equal(t, acc.ID, got.ID)
	assert.True(t, got.AvailableBalance.Equal(decimal.NewFromInt(250)))
	assert.True(t, got.InvestmentBalance.IsZero())

	err = s.CreateAccount(ctx, acc)
	assert.True(t, errors.Is(err, store.ErrAlreadyExists), "duplicate create: %v", err)

	_, err = s.GetAccount(ctx, "acc-missing-"+uuid.NewString())
	assert.True(t, errors.Is(err, store.ErrNotFound), "missing get: %v", err)

	_, err = s.GetAccount(ctx, "")
	assert.True(t, errors.Is(err, store.ErrInvalidID))
}

func testIncrement(t *testing.T, s store.Store) {
	ctx := context.Background()
	acc := NewAccount(t, s, 0)

	require.NoError(t, s.Increment(ctx, acc.ID, store.FieldAvailable, decimal.RequireFromString("100.25")))
	require.NoError(t, s.Increment(ctx, acc.ID, store.FieldAvailable, decimal.RequireFromString("-30.05")))
	AssertBalances(t, s, acc.ID, "70.2", "0")

	err := s.Increment(ctx, acc.ID, store.FieldAvailable, decimal.RequireFromString("-70.21"))
	assert.True(t, errors.Is(err, store.ErrInsufficientFunds), "overdraw: %v", err)
	AssertBalances(t, s, acc.ID, "70.2", "0")

	require.NoError(t, s.Increment(ctx, acc.ID, store.FieldAvailable, decimal.RequireFromString("-70.2")))
	AssertBalances(t, s, acc.ID, "0", "0")

	require.NoError(t, s.Increment(ctx, acc.ID, store.FieldInvestment, decimal.NewFromInt(500)))
	AssertBalances(t, s, acc.ID, "0", "500")

	err = s.Increment(ctx, "acc-missing-"+uuid.NewString(), store.FieldAvailable, decimal.NewFromInt(1))
	assert.True(t, errors.Is(err, store.ErrNotFound), "missing account: %v", err)

	err = s.Increment(ctx, acc.ID, store.BalanceField("bonus"), decimal.NewFromInt(1))
	assert.True(t, errors.Is(err, store.ErrInvalidField), "bad field: %v", err)
}

func testConcurrentIncrement(t *testing.T, s store.Store) {
	ctx := context.Background()
	acc := NewAccount(t, s, 0)

	const n = 40
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, s.Increment(ctx, acc.ID, store.FieldAvailable, decimal.RequireFromString("1.5")))
			assert.NoError(t, s.Increment(ctx, acc.ID, store.FieldInvestment, decimal.NewFromInt(2)))
		}()
	}
	wg.Wait()

	AssertBalances(t, s, acc.ID, "60", "80")
}

func testCreateInvestment(t *testing.T, s store.Store) {
	ctx := context.Background()
	acc := NewAccount(t, s, 15000)

	inv := NewInvestment(acc.ID, 10000, investment.StatusPending)
	require.NoError(t, s.CreateInvestment(ctx, inv))
	AssertBalances(t, s, acc.ID, "5000", "10000")

	got, err := s.GetInvestment(ctx, inv.ID)
	require.NoError(t, err)
	AssertInvestmentEqual(t, inv, got)

	err = s.CreateInvestment(ctx, inv)
	assert.True(t, errors.Is(err, store.ErrAlreadyExists), "duplicate: %v", err)
	AssertBalances(t, s, acc.ID, "5000", "10000")

	tooBig := NewInvestment(acc.ID, 5001, investment.StatusActive)
	err = s.CreateInvestment(ctx, tooBig)
	assert.True(t, errors.Is(err, store.ErrInsufficientFunds), "overdraw: %v", err)
	_, err = s.GetInvestment(ctx, tooBig.ID)
	assert.True(t, errors.Is(err, store.ErrNotFound), "rejected investment must not persist: %v", err)
	AssertBalances(t, s, acc.ID, "5000", "10000")

	orphan := NewInvestment("acc-missing-"+uuid.NewString(), 1, investment.StatusActive)
	err = s.CreateInvestment(ctx, orphan)
	assert.True(t, errors.Is(err, store.ErrNotFound), "missing owner: %v", err)

	_, err = s.GetInvestment(ctx, "inv-missing-"+uuid.NewString())
	assert.True(t, errors.Is(err, store.ErrNotFound))
}

func testListInvestments(t *testing.T, s store.Store) {
	ctx := context.Background()
	a := NewAccount(t, s, 1000)
	b := NewAccount(t, s, 1000)

	pending := NewInvestment(a.ID, 100, investment.StatusPending)
	active := NewInvestment(a.ID, 100, investment.StatusActive)
	other := NewInvestment(b.ID, 100, investment.StatusActive)
	for _, inv := range []*investment.Investment{pending, active, other} {
		require.NoError(t, s.CreateInvestment(ctx, inv))
	}
	done := Start.Add(time.Hour)
	require.NoError(t, s.ApplyTransition(ctx, settleTransition(active, done)))

	ids := func(list []*investment.Investment) map[string]investment.Status {
		out := make(map[string]investment.Status, len(list))
		for _, inv := range list {
			out[inv.ID] = inv.Status
		}
		return out
	}

	list, err := s.ListInvestments(ctx, store.Filter{OwnerID: a.ID})
	require.NoError(t, err)
	assert.Equal(t, map[string]investment.Status{
		pending.ID: investment.StatusPending,
		active.ID:  investment.StatusCompleted,
	}, ids(list))

	list, err = s.ListInvestments(ctx, store.Filter{
		OwnerID:  a.ID,
		Statuses: []investment.Status{investment.StatusPending, investment.StatusActive},
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]investment.Status{pending.ID: investment.StatusPending}, ids(list))

	list, err = s.ListInvestments(ctx, store.Filter{Statuses: []investment.Status{investment.StatusActive}})
	require.NoError(t, err)
	got := ids(list)
	assert.Contains(t, got, other.ID)
	assert.NotContains(t, got, pending.ID)
	assert.NotContains(t, got, active.ID)
}

func testApplyTransition(t *testing.T, s store.Store) {
	ctx := context.Background()
	acc := NewAccount(t, s, 10000)
	inv := NewInvestment(acc.ID, 10000, investment.StatusPending)
	require.NoError(t, s.CreateInvestment(ctx, inv))

	err := s.ApplyTransition(ctx, store.Transition{
		InvestmentID: inv.ID,
		From:         investment.StatusPending,
		To:           investment.StatusActive,
	})
	require.NoError(t, err)
	AssertBalances(t, s, acc.ID, "0", "10000")

	err = s.ApplyTransition(ctx, store.Transition{
		InvestmentID: inv.ID,
		From:         investment.StatusPending,
		To:           investment.StatusActive,
	})
	assert.True(t, errors.Is(err, store.ErrTransitionLost), "repeat activation: %v", err)

	done := Start.Add(91 * 24 * time.Hour)
	require.NoError(t, s.ApplyTransition(ctx, settleTransition(inv, done)))
	AssertBalances(t, s, acc.ID, "12000", "0")

	got, err := s.GetInvestment(ctx, inv.ID)
	require.NoError(t, err)
	assert.Equal(t, investment.StatusCompleted, got.Status)
	require.NotNil(t, got.CompletedAt)
	assert.True(t, done.Equal(*got.CompletedAt), "completed_at: want %s, got %s", done, got.CompletedAt)

	err = s.ApplyTransition(ctx, settleTransition(inv, done.Add(time.Hour)))
	assert.True(t, errors.Is(err, store.ErrTransitionLost), "repeat settlement: %v", err)
	AssertBalances(t, s, acc.ID, "12000", "0")

	got, err = s.GetInvestment(ctx, inv.ID)
	require.NoError(t, err)
	assert.True(t, done.Equal(*got.CompletedAt), "completed_at must be written once")

	err = s.ApplyTransition(ctx, settleTransition(NewInvestment(acc.ID, 1, investment.StatusActive), done))
	assert.True(t, errors.Is(err, store.ErrNotFound), "missing investment: %v", err)

	err = s.ApplyTransition(ctx, store.Transition{
		InvestmentID: inv.ID,
		From:         investment.StatusCompleted,
		To:           investment.StatusActive,
	})
	assert.True(t, errors.Is(err, store.ErrInvalidTransition), "backward: %v", err)
}

func testConcurrentSettlement(t *testing.T, s store.Store) {
	ctx := context.Background()
	acc := NewAccount(t, s, 10000)
	inv := NewInvestment(acc.ID, 10000, investment.StatusActive)
	require.NoError(t, s.CreateInvestment(ctx, inv))

	const n = 25
	var (
		wg   sync.WaitGroup
		won  atomic.Int32
		lost atomic.Int32
	)
	done := Start.Add(100 * 24 * time.Hour)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.ApplyTransition(ctx, settleTransition(inv, done))
			switch {
			case err == nil:
				won.Add(1)
			case errors.Is(err, store.ErrTransitionLost):
				lost.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), won.Load())
	assert.Equal(t, int32(n-1), lost.Load())
	AssertBalances(t, s, acc.ID, "12000", "0")
}

func testConcurrentOwnerSettlements(t *testing.T, s store.Store) {
	ctx := context.Background()
	acc := NewAccount(t, s, 5000)

	const n = 10
	invs := make([]*investment.Investment, n)
	for i := range invs {
		invs[i] = NewInvestment(acc.ID, 500, investment.StatusActive)
		require.NoError(t, s.CreateInvestment(ctx, invs[i]))
	}
	AssertBalances(t, s, acc.ID, "0", "5000")

	done := Start.Add(100 * 24 * time.Hour)
	var wg sync.WaitGroup
	for _, inv := range invs {
		wg.Add(1)
		go func(inv *investment.Investment) {
			defer wg.Done()
			assert.NoError(t, s.ApplyTransition(ctx, settleTransition(inv, done)))
		}(inv)
	}
	wg.Wait()

	// each settles 500 + 100 roi
	AssertBalances(t, s, acc.ID, "6000", "0")
}

// AssertInvestmentEqual compares persisted fields with decimal and instant equality.
func AssertInvestmentEqual(t *testing.T, want, got *investment.Investment) {
	t.Helper()
	assert.Equal(t, want.ID, got.ID)
	assert.Equal(t, want.OwnerID, got.OwnerID)
	assert.Equal(t, want.Product, got.Product)
	assert.Equal(t, want.PeriodUnit, got.PeriodUnit)
	assert.True(t, want.Amount.Equal(got.Amount), "amount: want %s, got %s", want.Amount, got.Amount)
	assert.True(t, want.ExpectedROI.Equal(got.ExpectedROI), "roi: want %s, got %s", want.ExpectedROI, got.ExpectedROI)
	assert.Equal(t, want.Period, got.Period)
	assert.True(t, want.StartTime.Equal(got.StartTime), "start: want %s, got %s", want.StartTime, got.StartTime)
	assert.Equal(t, want.Status, got.Status)
	assert.Equal(t, want.CompletedAt == nil, got.CompletedAt == nil)
}
