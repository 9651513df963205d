// Package memory is an in-process store backend. A single mutex makes every
// operation atomic, which is enough for tests and single-node deployments.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"settlement-engine/pkg/investment"
	"settlement-engine/pkg/store"
)

// Config holds configuration for the memory store.
type Config struct {
	// Name is the store identifier (default "memory").
	Name string

	// Clock returns the current time for UpdatedAt stamps. Defaults to time.Now.
	Clock func() time.Time
}

// Store keeps accounts and investments in maps guarded by one lock.
type Store struct {
	mu          sync.RWMutex
	accounts    map[string]*investment.Account
	investments map[string]*investment.Investment
	closed      bool
	config      Config
}

var _ store.Store = (*Store)(nil)

// New creates an empty memory store.
func New(config Config) *Store {
	if config.Name == "" {
		config.Name = "memory"
	}
	if config.Clock == nil {
		config.Clock = time.Now
	}
	return &Store{
		accounts:    make(map[string]*investment.Account),
		investments: make(map[string]*investment.Investment),
		config:      config,
	}
}

func (s *Store) checkOpen() error {
	if s.closed {
		return fmt.Errorf("%w: memory store closed", store.ErrUnavailable)
	}
	return nil
}

// GetAccount returns a copy of the account.
func (s *Store) GetAccount(ctx context.Context, id string) (*investment.Account, error) {
	if err := store.ValidateID(id); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	acc, ok := s.accounts[id]
	if !ok {
		return nil, fmt.Errorf("account %s: %w", id, store.ErrNotFound)
	}
	return acc.Clone(), nil
}

// CreateAccount inserts a copy of acc.
func (s *Store) CreateAccount(ctx context.Context, acc *investment.Account) error {
	if err := store.ValidateID(acc.ID); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}

	if _, exists := s.accounts[acc.ID]; exists {
		return fmt.Errorf("account %s: %w", acc.ID, store.ErrAlreadyExists)
	}
	c := acc.Clone()
	c.AvailableBalance = investment.RoundMoney(c.AvailableBalance)
	c.InvestmentBalance = investment.RoundMoney(c.InvestmentBalance)
	s.accounts[acc.ID] = c
	return nil
}

// GetInvestment returns a copy of the investment.
func (s *Store) GetInvestment(ctx context.Context, id string) (*investment.Investment, error) {
	if err := store.ValidateID(id); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	inv, ok := s.investments[id]
	if !ok {
		return nil, fmt.Errorf("investment %s: %w", id, store.ErrNotFound)
	}
	return inv.Clone(), nil
}

// ListInvestments returns copies of every matching investment.
func (s *Store) ListInvestments(ctx context.Context, f store.Filter) ([]*investment.Investment, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	out := make([]*investment.Investment, 0)
	for _, inv := range s.investments {
		if f.Matches(inv) {
			out = append(out, inv.Clone())
		}
	}
	return out, nil
}

// CreateInvestment stores inv and moves its amount from available to invested.
func (s *Store) CreateInvestment(ctx context.Context, inv *investment.Investment) error {
	if err := store.ValidateID(inv.ID); err != nil {
		return err
	}
	if err := store.ValidateID(inv.OwnerID); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}

	if _, exists := s.investments[inv.ID]; exists {
		return fmt.Errorf("investment %s: %w", inv.ID, store.ErrAlreadyExists)
	}
	acc, ok := s.accounts[inv.OwnerID]
	if !ok {
		return fmt.Errorf("account %s: %w", inv.OwnerID, store.ErrNotFound)
	}
	amount := investment.RoundMoney(inv.Amount)
	if acc.AvailableBalance.LessThan(amount) {
		return fmt.Errorf("account %s: %w", inv.OwnerID, store.ErrInsufficientFunds)
	}

	acc.AvailableBalance = acc.AvailableBalance.Sub(amount)
	acc.InvestmentBalance = acc.InvestmentBalance.Add(amount)
	acc.UpdatedAt = s.config.Clock()
	s.investments[inv.ID] = inv.Clone()
	return nil
}

// ApplyTransition performs the status compare-and-set and balance update
// under the write lock.
func (s *Store) ApplyTransition(ctx context.Context, t store.Transition) error {
	if err := t.Validate(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}

	inv, ok := s.investments[t.InvestmentID]
	if !ok {
		return fmt.Errorf("investment %s: %w", t.InvestmentID, store.ErrNotFound)
	}
	if inv.Status != t.From {
		return fmt.Errorf("investment %s is %s, expected %s: %w", inv.ID, inv.Status, t.From, store.ErrTransitionLost)
	}

	if t.HasBalanceEffect() {
		acc, ok := s.accounts[t.OwnerID]
		if !ok {
			return fmt.Errorf("account %s: %w", t.OwnerID, store.ErrNotFound)
		}
		avail := acc.AvailableBalance.Add(investment.RoundMoney(t.AvailableDelta))
		if avail.IsNegative() {
			return fmt.Errorf("account %s: %w", t.OwnerID, store.ErrInsufficientFunds)
		}
		acc.AvailableBalance = avail
		acc.InvestmentBalance = acc.InvestmentBalance.Add(investment.RoundMoney(t.InvestedDelta))
		acc.UpdatedAt = s.config.Clock()
	}

	inv.Status = t.To
	if t.CompletedAt != nil {
		at := *t.CompletedAt
		inv.CompletedAt = &at
	}
	return nil
}

// Increment adds delta to one balance field.
func (s *Store) Increment(ctx context.Context, accountID string, field store.BalanceField, delta decimal.Decimal) error {
	if err := store.ValidateID(accountID); err != nil {
		return err
	}
	if !field.Valid() {
		return fmt.Errorf("%w: %q", store.ErrInvalidField, field)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}

	acc, ok := s.accounts[accountID]
	if !ok {
		return fmt.Errorf("account %s: %w", accountID, store.ErrNotFound)
	}
	delta = investment.RoundMoney(delta)
	switch field {
	case store.FieldAvailable:
		next := acc.AvailableBalance.Add(delta)
		if next.IsNegative() {
			return fmt.Errorf("account %s: %w", accountID, store.ErrInsufficientFunds)
		}
		acc.AvailableBalance = next
	case store.FieldInvestment:
		acc.InvestmentBalance = acc.InvestmentBalance.Add(delta)
	}
	acc.UpdatedAt = s.config.Clock()
	return nil
}

// Ping fails once the store is closed.
func (s *Store) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.checkOpen()
}

// Name returns the store name.
func (s *Store) Name() string {
	return s.config.Name
}

// Close drops all data. Later calls return ErrUnavailable.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.accounts = nil
	s.investments = nil
	return nil
}

// Len returns the number of stored investments.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.investments)
}
