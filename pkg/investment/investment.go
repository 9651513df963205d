package investment

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ErrInvalidInput is returned when a record carries malformed or missing data
// (start time, period, unit, amounts) that the engine cannot reason about.
var ErrInvalidInput = errors.New("investment: invalid input")

// Status is the lifecycle state of an investment.
// It only ever moves forward: Pending -> Active -> Completed.
type Status string

const (
	StatusPending   Status = "Pending"
	StatusActive    Status = "Active"
	StatusCompleted Status = "Completed"
)

// rank orders statuses along the lifecycle.
func (s Status) rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusActive:
		return 1
	case StatusCompleted:
		return 2
	default:
		return -1
	}
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	return s.rank() >= 0
}

// Next returns the status that follows s, or false for the terminal state.
func (s Status) Next() (Status, bool) {
	switch s {
	case StatusPending:
		return StatusActive, true
	case StatusActive:
		return StatusCompleted, true
	default:
		return "", false
	}
}

// CanAdvanceTo reports whether next is exactly one step forward from s.
func (s Status) CanAdvanceTo(next Status) bool {
	n, ok := s.Next()
	return ok && n == next
}

// IsTerminal reports whether no further transition is possible.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted
}

// Before reports whether s comes strictly earlier in the lifecycle than other.
func (s Status) Before(other Status) bool {
	return s.rank() < other.rank()
}

// ParseStatus converts a persisted status string into a Status.
func ParseStatus(s string) (Status, error) {
	st := Status(s)
	if !st.Valid() {
		return "", fmt.Errorf("%w: unknown status %q", ErrInvalidInput, s)
	}
	return st, nil
}

// PeriodUnit selects the duration unit of an investment's period.
// It is decided once, at creation, and carried on the record.
type PeriodUnit string

const (
	PeriodDays   PeriodUnit = "days"
	PeriodMonths PeriodUnit = "months"
)

// Valid reports whether u is a known unit.
func (u PeriodUnit) Valid() bool {
	return u == PeriodDays || u == PeriodMonths
}

// Investment is a time-bounded commitment of capital owned by an account.
type Investment struct {
	ID          string          `json:"id"`
	OwnerID     string          `json:"owner_id"`
	Product     string          `json:"product,omitempty"`
	PeriodUnit  PeriodUnit      `json:"period_unit"`
	Amount      decimal.Decimal `json:"investment_amount"`
	ExpectedROI decimal.Decimal `json:"expected_roi"`
	Period      int             `json:"investment_period"`
	StartTime   time.Time       `json:"start_time"`
	Status      Status          `json:"status"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// Return is the accrued return paid at settlement: amount * expectedROI / 100,
// rounded to minor units.
func (i *Investment) Return() decimal.Decimal {
	return RoundMoney(i.Amount.Mul(i.ExpectedROI).Div(hundred))
}

// Payout is the total credited to the available balance at settlement.
func (i *Investment) Payout() decimal.Decimal {
	return RoundMoney(i.Amount).Add(i.Return())
}

// Clone returns a deep copy so callers cannot mutate stored state.
func (i *Investment) Clone() *Investment {
	if i == nil {
		return nil
	}
	c := *i
	if i.CompletedAt != nil {
		t := *i.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

// Validate checks the fields that are fixed at creation.
func (i *Investment) Validate() error {
	switch {
	case i.ID == "":
		return fmt.Errorf("%w: missing id", ErrInvalidInput)
	case i.OwnerID == "":
		return fmt.Errorf("%w: missing owner", ErrInvalidInput)
	case !i.PeriodUnit.Valid():
		return fmt.Errorf("%w: unknown period unit %q", ErrInvalidInput, i.PeriodUnit)
	case i.Period < 1:
		return fmt.Errorf("%w: investment period must be >= 1, got %d", ErrInvalidInput, i.Period)
	case !i.Amount.IsPositive():
		return fmt.Errorf("%w: investment amount must be positive", ErrInvalidInput)
	case !i.ExpectedROI.IsPositive():
		return fmt.Errorf("%w: expected ROI must be positive", ErrInvalidInput)
	case i.StartTime.IsZero():
		return fmt.Errorf("%w: missing start time", ErrInvalidInput)
	case !i.Status.Valid():
		return fmt.Errorf("%w: unknown status %q", ErrInvalidInput, i.Status)
	case (i.Status == StatusCompleted) != (i.CompletedAt != nil):
		return fmt.Errorf("%w: completed_at must be set iff status is Completed", ErrInvalidInput)
	}
	return nil
}

// Account holds the two balance fields the engine mutates.
type Account struct {
	ID                string          `json:"id"`
	AvailableBalance  decimal.Decimal `json:"available_balance"`
	InvestmentBalance decimal.Decimal `json:"investment_balance"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// Clone returns a copy of the account.
func (a *Account) Clone() *Account {
	if a == nil {
		return nil
	}
	c := *a
	return &c
}
