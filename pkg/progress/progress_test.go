package progress

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"settlement-engine/pkg/investment"
)

var t0 = time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)

func monthly() *investment.Investment {
	return &investment.Investment{
		ID:          "inv-1",
		OwnerID:     "acc-1",
		PeriodUnit:  investment.PeriodMonths,
		Amount:      decimal.NewFromInt(10000),
		ExpectedROI: decimal.NewFromInt(20),
		Period:      3,
		StartTime:   t0,
		Status:      investment.StatusActive,
	}
}

func TestTotalDuration(t *testing.T) {
	d, err := TotalDuration(monthly())
	require.NoError(t, err)
	assert.Equal(t, 90*24*time.Hour, d)

	inv := monthly()
	inv.PeriodUnit = investment.PeriodDays
	inv.Period = 7
	d, err = TotalDuration(inv)
	require.NoError(t, err)
	assert.Equal(t, 7*24*time.Hour, d)
}

func TestPercentageScenarios(t *testing.T) {
	tests := []struct {
		name string
		now  time.Time
		want float64
	}{
		{"before start", t0.Add(-time.Second), 0},
		{"at start", t0, 0},
		{"half way", t0.Add(45 * 24 * time.Hour), 50},
		{"one ms short", t0.Add(90*24*time.Hour - time.Millisecond), 100 * float64(90*DayMillis-1) / float64(90*DayMillis)},
		{"exact maturity", t0.Add(90 * 24 * time.Hour), 100},
		{"after maturity", t0.Add(91 * 24 * time.Hour), 100},
		{"far future", t0.AddDate(50, 0, 0), 100},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := Percentage(monthly(), tt.now)
			require.NoError(t, err)
			assert.InDelta(t, tt.want, p, 1e-9)
			assert.GreaterOrEqual(t, p, 0.0)
			assert.LessOrEqual(t, p, 100.0)
		})
	}
}

func TestPercentageBeforeStartIsZeroForAnyOffset(t *testing.T) {
	for _, off := range []time.Duration{time.Millisecond, time.Minute, 24 * time.Hour, 10000 * time.Hour} {
		p, err := Percentage(monthly(), t0.Add(-off))
		require.NoError(t, err)
		assert.Equal(t, 0.0, p)
	}
}

func TestTimeRemaining(t *testing.T) {
	rem, err := TimeRemaining(monthly(), t0.Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 90*24*time.Hour, rem)

	rem, err = TimeRemaining(monthly(), t0.Add(45*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 45*24*time.Hour, rem)

	rem, err = TimeRemaining(monthly(), t0.Add(91*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, time.Duration(0), rem)
}

func TestIsMatureAgreesWithPercentage(t *testing.T) {
	offsets := []time.Duration{
		0,
		time.Hour,
		90*24*time.Hour - time.Millisecond,
		90 * 24 * time.Hour,
		90*24*time.Hour + time.Millisecond,
	}
	for _, off := range offsets {
		now := t0.Add(off)
		p, err := Percentage(monthly(), now)
		require.NoError(t, err)
		mature, err := IsMature(monthly(), now)
		require.NoError(t, err)
		assert.Equal(t, p == 100, mature, "offset %s", off)
	}
}

func TestMaturesAt(t *testing.T) {
	at, err := MaturesAt(monthly())
	require.NoError(t, err)
	assert.Equal(t, t0.Add(90*24*time.Hour), at)
}

func TestHasStarted(t *testing.T) {
	ok, err := HasStarted(monthly(), t0.Add(-time.Second))
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = HasStarted(monthly(), t0)
	require.NoError(t, err)
	assert.True(t, ok)

	inv := monthly()
	inv.StartTime = time.Time{}
	_, err = HasStarted(inv, t0)
	assert.True(t, errors.Is(err, ErrInvalidInput))
}

func TestInvalidInput(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*investment.Investment)
	}{
		{"zero period", func(i *investment.Investment) { i.Period = 0 }},
		{"negative period", func(i *investment.Investment) { i.Period = -3 }},
		{"unknown unit", func(i *investment.Investment) { i.PeriodUnit = "" }},
		{"missing start", func(i *investment.Investment) { i.StartTime = time.Time{} }},
		{"overflow", func(i *investment.Investment) { i.Period = 1 << 40 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inv := monthly()
			tt.mutate(inv)

			_, err := Percentage(inv, t0)
			assert.True(t, errors.Is(err, ErrInvalidInput), "Percentage: %v", err)
			_, err = TimeRemaining(inv, t0)
			assert.True(t, errors.Is(err, ErrInvalidInput), "TimeRemaining: %v", err)
			_, err = IsMature(inv, t0)
			assert.True(t, errors.Is(err, ErrInvalidInput), "IsMature: %v", err)
			_, err = Take(inv, t0)
			assert.True(t, errors.Is(err, ErrInvalidInput), "Take: %v", err)
		})
	}

	_, err := Percentage(nil, t0)
	assert.True(t, errors.Is(err, ErrInvalidInput))
}

func TestTake(t *testing.T) {
	s, err := Take(monthly(), t0.Add(45*24*time.Hour))
	require.NoError(t, err)
	assert.InDelta(t, 50, s.Percentage, 1e-9)
	assert.Equal(t, 45*24*time.Hour, s.TimeRemaining)
	assert.Equal(t, int64(45*DayMillis), s.RemainingMS)
	assert.True(t, s.Started)
	assert.False(t, s.Mature)
	assert.Equal(t, t0.Add(90*24*time.Hour), s.MaturesAt)

	s, err = Take(monthly(), t0.Add(-time.Minute))
	require.NoError(t, err)
	assert.False(t, s.Started)
	assert.Equal(t, 0.0, s.Percentage)
}

func TestPure(t *testing.T) {
	inv := monthly()
	before := *inv
	now := t0.Add(30 * 24 * time.Hour)
	a, _ := Take(inv, now)
	b, _ := Take(inv, now)
	assert.Equal(t, a, b)
	assert.Equal(t, before, *inv)
}
