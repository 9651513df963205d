// Package progress computes how far an investment is through its contracted
// period. It is pure: the settlement path and every display path call the
// same functions so they can never disagree about maturity.
package progress

import (
	"fmt"
	"math"
	"time"

	"settlement-engine/pkg/investment"
)

// ErrInvalidInput is returned for records whose period or start time make
// the calculation meaningless.
var ErrInvalidInput = investment.ErrInvalidInput

const (
	// DayMillis is the length of one "days" period unit.
	DayMillis int64 = 86_400_000
	// MonthMillis is the length of one "months" period unit (30 days).
	MonthMillis int64 = DayMillis * 30
)

// UnitMillis returns the length of one period unit in milliseconds.
func UnitMillis(u investment.PeriodUnit) (int64, error) {
	switch u {
	case investment.PeriodDays:
		return DayMillis, nil
	case investment.PeriodMonths:
		return MonthMillis, nil
	default:
		return 0, fmt.Errorf("%w: unknown period unit %q", ErrInvalidInput, u)
	}
}

// totalMillis validates the record and returns its contracted duration.
func totalMillis(inv *investment.Investment) (int64, error) {
	if inv == nil {
		return 0, fmt.Errorf("%w: nil investment", ErrInvalidInput)
	}
	if inv.StartTime.IsZero() {
		return 0, fmt.Errorf("%w: missing start time", ErrInvalidInput)
	}
	if inv.Period < 1 {
		return 0, fmt.Errorf("%w: investment period must be >= 1, got %d", ErrInvalidInput, inv.Period)
	}
	unit, err := UnitMillis(inv.PeriodUnit)
	if err != nil {
		return 0, err
	}
	// Keep the result representable as a time.Duration.
	maxPeriods := math.MaxInt64 / int64(time.Millisecond) / unit
	if int64(inv.Period) > maxPeriods {
		return 0, fmt.Errorf("%w: investment period %d overflows", ErrInvalidInput, inv.Period)
	}
	return int64(inv.Period) * unit, nil
}

// elapsedMillis is now - start, clamped at zero.
func elapsedMillis(inv *investment.Investment, now time.Time) int64 {
	e := now.Sub(inv.StartTime).Milliseconds()
	if e < 0 {
		return 0
	}
	return e
}

// TotalDuration returns investmentPeriod * unit length.
func TotalDuration(inv *investment.Investment) (time.Duration, error) {
	total, err := totalMillis(inv)
	if err != nil {
		return 0, err
	}
	return time.Duration(total) * time.Millisecond, nil
}

// Percentage returns completion in [0, 100].
func Percentage(inv *investment.Investment, now time.Time) (float64, error) {
	total, err := totalMillis(inv)
	if err != nil {
		return 0, err
	}
	return percentage(elapsedMillis(inv, now), total), nil
}

func percentage(elapsed, total int64) float64 {
	if elapsed >= total {
		return 100
	}
	p := float64(elapsed) / float64(total) * 100
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}

// TimeRemaining returns max(0, total - elapsed).
func TimeRemaining(inv *investment.Investment, now time.Time) (time.Duration, error) {
	total, err := totalMillis(inv)
	if err != nil {
		return 0, err
	}
	rem := total - elapsedMillis(inv, now)
	if rem < 0 {
		rem = 0
	}
	return time.Duration(rem) * time.Millisecond, nil
}

// MaturesAt returns the instant at which progress reaches 100%.
func MaturesAt(inv *investment.Investment) (time.Time, error) {
	total, err := TotalDuration(inv)
	if err != nil {
		return time.Time{}, err
	}
	return inv.StartTime.Add(total), nil
}

// IsMature reports whether progress is exactly 100 at now.
// Compared in integer milliseconds, so it agrees with Percentage.
func IsMature(inv *investment.Investment, now time.Time) (bool, error) {
	total, err := totalMillis(inv)
	if err != nil {
		return false, err
	}
	return elapsedMillis(inv, now) >= total, nil
}

// HasStarted reports whether now >= startTime.
func HasStarted(inv *investment.Investment, now time.Time) (bool, error) {
	if inv == nil || inv.StartTime.IsZero() {
		return false, fmt.Errorf("%w: missing start time", ErrInvalidInput)
	}
	return !now.Before(inv.StartTime), nil
}

// Snapshot is the read-only view handed to presentation code.
type Snapshot struct {
	Percentage    float64       `json:"percentage"`
	TimeRemaining time.Duration `json:"-"`
	RemainingMS   int64         `json:"time_remaining_ms"`
	MaturesAt     time.Time     `json:"matures_at"`
	Started       bool          `json:"started"`
	Mature        bool          `json:"mature"`
}

// Take computes a Snapshot of inv at now.
func Take(inv *investment.Investment, now time.Time) (Snapshot, error) {
	total, err := totalMillis(inv)
	if err != nil {
		return Snapshot{}, err
	}
	elapsed := elapsedMillis(inv, now)
	rem := total - elapsed
	if rem < 0 {
		rem = 0
	}
	return Snapshot{
		Percentage:    percentage(elapsed, total),
		TimeRemaining: time.Duration(rem) * time.Millisecond,
		RemainingMS:   rem,
		MaturesAt:     inv.StartTime.Add(time.Duration(total) * time.Millisecond),
		Started:       !now.Before(inv.StartTime),
		Mature:        elapsed >= total,
	}, nil
}
