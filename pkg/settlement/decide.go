package settlement

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"settlement-engine/pkg/investment"
	"settlement-engine/pkg/progress"
	"settlement-engine/pkg/store"
)

// Decision is the transition due for a record at a given instant.
// The zero Decision means nothing is due.
type Decision struct {
	From investment.Status
	To   investment.Status

	AvailableDelta decimal.Decimal
	InvestedDelta  decimal.Decimal
	CompletedAt    *time.Time
}

// Due reports whether a transition should be applied.
func (d Decision) Due() bool {
	return d.To != ""
}

// Transition converts the decision into a store compare-and-set.
func (d Decision) Transition(inv *investment.Investment) store.Transition {
	return store.Transition{
		InvestmentID:   inv.ID,
		OwnerID:        inv.OwnerID,
		From:           d.From,
		To:             d.To,
		CompletedAt:    d.CompletedAt,
		AvailableDelta: d.AvailableDelta,
		InvestedDelta:  d.InvestedDelta,
	}
}

// Decide returns the single next transition due for inv at now. It is pure.
//
//	Pending   now >= startTime    -> Active, no balance change
//	Active    progress == 100     -> Completed, available += amount+roi, invested -= amount
//	otherwise                     -> nothing
func Decide(inv *investment.Investment, now time.Time) (Decision, error) {
	if inv == nil {
		return Decision{}, fmt.Errorf("%w: nil investment", ErrInvalidInput)
	}
	if err := inv.Validate(); err != nil {
		return Decision{}, err
	}
	// Validate covers the fields, progress also rejects overflowing periods.
	if _, err := progress.TotalDuration(inv); err != nil {
		return Decision{}, err
	}

	switch inv.Status {
	case investment.StatusPending:
		started, err := progress.HasStarted(inv, now)
		if err != nil || !started {
			return Decision{}, err
		}
		return Decision{From: investment.StatusPending, To: investment.StatusActive}, nil

	case investment.StatusActive:
		mature, err := progress.IsMature(inv, now)
		if err != nil || !mature {
			return Decision{}, err
		}
		at := now
		return Decision{
			From:           investment.StatusActive,
			To:             investment.StatusCompleted,
			AvailableDelta: inv.Payout(),
			InvestedDelta:  investment.RoundMoney(inv.Amount).Neg(),
			CompletedAt:    &at,
		}, nil
	}

	return Decision{}, nil
}
