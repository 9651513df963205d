// Package store defines the record store contract the settlement engine
// depends on. Implementations live in subpackages (memory, redis, postgres,
// mongo) and must provide two atomic primitives: a per-field balance
// increment and a compare-and-set on investment status that carries the
// balance effect of the transition with it.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"settlement-engine/pkg/investment"
)

// Store is the persistence boundary for accounts and investments.
type Store interface {
	// GetAccount returns the account or ErrNotFound.
	GetAccount(ctx context.Context, id string) (*investment.Account, error)

	// CreateAccount inserts a new account. Returns ErrAlreadyExists if the id is taken.
	CreateAccount(ctx context.Context, acc *investment.Account) error

	// GetInvestment returns the investment or ErrNotFound.
	GetInvestment(ctx context.Context, id string) (*investment.Investment, error)

	// ListInvestments returns every investment matching the filter.
	// Order is unspecified.
	ListInvestments(ctx context.Context, f Filter) ([]*investment.Investment, error)

	// CreateInvestment inserts inv and, in the same atomic unit, debits the
	// owner's available balance and credits its investment balance by
	// inv.Amount. Returns ErrInsufficientFunds if available would go negative
	// and ErrNotFound if the owner does not exist.
	CreateInvestment(ctx context.Context, inv *investment.Investment) error

	// ApplyTransition moves the investment from t.From to t.To only if its
	// persisted status still equals t.From, applying the balance deltas in the
	// same atomic unit. A caller that loses the compare-and-set gets
	// ErrTransitionLost and no balance is touched.
	ApplyTransition(ctx context.Context, t Transition) error

	// Increment atomically adds delta to one balance field of an account.
	// A negative result on the available balance is rejected with
	// ErrInsufficientFunds.
	Increment(ctx context.Context, accountID string, field BalanceField, delta decimal.Decimal) error

	// Ping checks backend connectivity.
	Ping(ctx context.Context) error

	// Name identifies the backend in logs and metrics.
	Name() string

	// Close releases backend resources.
	Close() error
}

// BalanceField names one of the two mutable account balances.
type BalanceField string

const (
	FieldAvailable  BalanceField = "available_balance"
	FieldInvestment BalanceField = "investment_balance"
)

// Valid reports whether f is a known balance field.
func (f BalanceField) Valid() bool {
	return f == FieldAvailable || f == FieldInvestment
}

// Filter narrows ListInvestments. Zero values match everything.
type Filter struct {
	OwnerID  string
	Statuses []investment.Status
}

// Matches reports whether inv passes the filter.
func (f Filter) Matches(inv *investment.Investment) bool {
	if f.OwnerID != "" && inv.OwnerID != f.OwnerID {
		return false
	}
	if len(f.Statuses) == 0 {
		return true
	}
	for _, s := range f.Statuses {
		if inv.Status == s {
			return true
		}
	}
	return false
}

// StatusStrings returns the filter statuses as plain strings for query building.
func (f Filter) StatusStrings() []string {
	out := make([]string, len(f.Statuses))
	for i, s := range f.Statuses {
		out[i] = string(s)
	}
	return out
}

// Transition is a single gated status change plus its balance effect.
type Transition struct {
	InvestmentID string
	OwnerID      string
	From         investment.Status
	To           investment.Status

	// CompletedAt must be set iff To is Completed.
	CompletedAt *time.Time

	// AvailableDelta and InvestedDelta are added to the owner's balances
	// only when the compare-and-set succeeds.
	AvailableDelta decimal.Decimal
	InvestedDelta  decimal.Decimal
}

// HasBalanceEffect reports whether the transition touches any balance.
func (t Transition) HasBalanceEffect() bool {
	return !t.AvailableDelta.IsZero() || !t.InvestedDelta.IsZero()
}

// Validate rejects transitions that would break the lifecycle invariants.
func (t Transition) Validate() error {
	if err := ValidateID(t.InvestmentID); err != nil {
		return err
	}
	if t.HasBalanceEffect() {
		if err := ValidateID(t.OwnerID); err != nil {
			return err
		}
	}
	if !t.From.CanAdvanceTo(t.To) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.From, t.To)
	}
	if (t.To == investment.StatusCompleted) != (t.CompletedAt != nil) {
		return fmt.Errorf("%w: completed_at must be set iff target is %s", ErrInvalidTransition, investment.StatusCompleted)
	}
	return nil
}
