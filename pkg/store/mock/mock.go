// Package mock provides a store.Store whose methods can be overridden per
// test. Methods without a hook delegate to Next, or succeed with zero values
// when Next is nil.
package mock

import (
	"context"
	"sync/atomic"

	"github.com/shopspring/decimal"

	"settlement-engine/pkg/investment"
	"settlement-engine/pkg/store"
)

// Store is a mock implementation of store.Store for testing.
type Store struct {
	// Next receives calls that have no hook.
	Next store.Store

	// Function hooks - set these to customize behavior
	GetAccountFunc       func(ctx context.Context, id string) (*investment.Account, error)
	CreateAccountFunc    func(ctx context.Context, acc *investment.Account) error
	GetInvestmentFunc    func(ctx context.Context, id string) (*investment.Investment, error)
	ListInvestmentsFunc  func(ctx context.Context, f store.Filter) ([]*investment.Investment, error)
	CreateInvestmentFunc func(ctx context.Context, inv *investment.Investment) error
	ApplyTransitionFunc  func(ctx context.Context, t store.Transition) error
	IncrementFunc        func(ctx context.Context, accountID string, field store.BalanceField, delta decimal.Decimal) error
	PingFunc             func(ctx context.Context) error
	NameFunc             func() string
	CloseFunc            func() error

	// Call tracking (must use atomic operations for race-free access)
	getAccountCalls       int64
	getInvestmentCalls    int64
	listInvestmentsCalls  int64
	createInvestmentCalls int64
	applyTransitionCalls  int64
	incrementCalls        int64
	closeCalls            int64
}

var _ store.Store = (*Store)(nil)

// New wraps next. Pass nil for a store that succeeds with zero values.
func New(next store.Store) *Store {
	return &Store{Next: next}
}

func (m *Store) GetAccount(ctx context.Context, id string) (*investment.Account, error) {
	atomic.AddInt64(&m.getAccountCalls, 1)
	if m.GetAccountFunc != nil {
		return m.GetAccountFunc(ctx, id)
	}
	if m.Next != nil {
		return m.Next.GetAccount(ctx, id)
	}
	return &investment.Account{ID: id}, nil
}

func (m *Store) CreateAccount(ctx context.Context, acc *investment.Account) error {
	if m.CreateAccountFunc != nil {
		return m.CreateAccountFunc(ctx, acc)
	}
	if m.Next != nil {
		return m.Next.CreateAccount(ctx, acc)
	}
	return nil
}

func (m *Store) GetInvestment(ctx context.Context, id string) (*investment.Investment, error) {
	atomic.AddInt64(&m.getInvestmentCalls, 1)
	if m.GetInvestmentFunc != nil {
		return m.GetInvestmentFunc(ctx, id)
	}
	if m.Next != nil {
		return m.Next.GetInvestment(ctx, id)
	}
	return nil, store.ErrNotFound
}

func (m *Store) ListInvestments(ctx context.Context, f store.Filter) ([]*investment.Investment, error) {
	atomic.AddInt64(&m.listInvestmentsCalls, 1)
	if m.ListInvestmentsFunc != nil {
		return m.ListInvestmentsFunc(ctx, f)
	}
	if m.Next != nil {
		return m.Next.ListInvestments(ctx, f)
	}
	return nil, nil
}

func (m *Store) CreateInvestment(ctx context.Context, inv *investment.Investment) error {
	atomic.AddInt64(&m.createInvestmentCalls, 1)
	if m.CreateInvestmentFunc != nil {
		return m.CreateInvestmentFunc(ctx, inv)
	}
	if m.Next != nil {
		return m.Next.CreateInvestment(ctx, inv)
	}
	return nil
}

func (m *Store) ApplyTransition(ctx context.Context, t store.Transition) error {
	atomic.AddInt64(&m.applyTransitionCalls, 1)
	if m.ApplyTransitionFunc != nil {
		return m.ApplyTransitionFunc(ctx, t)
	}
	if m.Next != nil {
		return m.Next.ApplyTransition(ctx, t)
	}
	return nil
}

func (m *Store) Increment(ctx context.Context, accountID string, field store.BalanceField, delta decimal.Decimal) error {
	atomic.AddInt64(&m.incrementCalls, 1)
	if m.IncrementFunc != nil {
		return m.IncrementFunc(ctx, accountID, field, delta)
	}
	if m.Next != nil {
		return m.Next.Increment(ctx, accountID, field, delta)
	}
	return nil
}

func (m *Store) Ping(ctx context.Context) error {
	if m.PingFunc != nil {
		return m.PingFunc(ctx)
	}
	if m.Next != nil {
		return m.Next.Ping(ctx)
	}
	return nil
}

func (m *Store) Name() string {
	if m.NameFunc != nil {
		return m.NameFunc()
	}
	return "mock"
}

func (m *Store) Close() error {
	atomic.AddInt64(&m.closeCalls, 1)
	if m.CloseFunc != nil {
		return m.CloseFunc()
	}
	if m.Next != nil {
		return m.Next.Close()
	}
	return nil
}

// GetAccountCalls returns the number of GetAccount calls (thread-safe).
func (m *Store) GetAccountCalls() int { return int(atomic.LoadInt64(&m.getAccountCalls)) }

// GetInvestmentCalls returns the number of GetInvestment calls (thread-safe).
func (m *Store) GetInvestmentCalls() int { return int(atomic.LoadInt64(&m.getInvestmentCalls)) }

// ListInvestmentsCalls returns the number of ListInvestments calls (thread-safe).
func (m *Store) ListInvestmentsCalls() int { return int(atomic.LoadInt64(&m.listInvestmentsCalls)) }

// CreateInvestmentCalls returns the number of CreateInvestment calls (thread-safe).
func (m *Store) CreateInvestmentCalls() int { return int(atomic.LoadInt64(&m.createInvestmentCalls)) }

// ApplyTransitionCalls returns the number of ApplyTransition calls (thread-safe).
func (m *Store) ApplyTransitionCalls() int { return int(atomic.LoadInt64(&m.applyTransitionCalls)) }

// IncrementCalls returns the number of Increment calls (thread-safe).
func (m *Store) IncrementCalls() int { return int(atomic.LoadInt64(&m.incrementCalls)) }

// CloseCalls returns the number of Close calls (thread-safe).
func (m *Store) CloseCalls() int { return int(atomic.LoadInt64(&m.closeCalls)) }
