package investment

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validInvestment() *Investment {
	return &Investment{
		ID:          "inv-1",
		OwnerID:     "acc-1",
		PeriodUnit:  PeriodMonths,
		Amount:      decimal.NewFromInt(10000),
		ExpectedROI: decimal.NewFromInt(20),
		Period:      3,
		StartTime:   time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		Status:      StatusActive,
	}
}

func TestStatusLifecycle(t *testing.T) {
	next, ok := StatusPending.Next()
	assert.True(t, ok)
	assert.Equal(t, StatusActive, next)

	next, ok = StatusActive.Next()
	assert.True(t, ok)
	assert.Equal(t, StatusCompleted, next)

	_, ok = StatusCompleted.Next()
	assert.False(t, ok)
	assert.True(t, StatusCompleted.IsTerminal())

	assert.True(t, StatusPending.CanAdvanceTo(StatusActive))
	assert.False(t, StatusPending.CanAdvanceTo(StatusCompleted))
	assert.False(t, StatusCompleted.CanAdvanceTo(StatusActive))
	assert.False(t, StatusActive.CanAdvanceTo(StatusPending))

	assert.True(t, StatusPending.Before(StatusCompleted))
	assert.False(t, StatusCompleted.Before(StatusActive))
}

func TestParseStatus(t *testing.T) {
	st, err := ParseStatus("Active")
	require.NoError(t, err)
	assert.Equal(t, StatusActive, st)

	_, err = ParseStatus("active")
	assert.True(t, errors.Is(err, ErrInvalidInput))
}

func TestReturnAndPayout(t *testing.T) {
	inv := validInvestment()
	assert.True(t, inv.Return().Equal(decimal.NewFromInt(2000)), "got %s", inv.Return())
	assert.True(t, inv.Payout().Equal(decimal.NewFromInt(12000)), "got %s", inv.Payout())

	inv.Amount = decimal.RequireFromString("333.33")
	inv.ExpectedROI = decimal.RequireFromString("7.5")
	// 333.33 * 7.5 / 100 = 24.999750 -> 25.00
	assert.Equal(t, "25", inv.Return().String())
	assert.Equal(t, "358.33", inv.Payout().String())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Investment)
	}{
		{"missing id", func(i *Investment) { i.ID = "" }},
		{"missing owner", func(i *Investment) { i.OwnerID = "" }},
		{"unknown unit", func(i *Investment) { i.PeriodUnit = "weeks" }},
		{"zero period", func(i *Investment) { i.Period = 0 }},
		{"negative amount", func(i *Investment) { i.Amount = decimal.NewFromInt(-1) }},
		{"zero roi", func(i *Investment) { i.ExpectedROI = decimal.Zero }},
		{"missing start", func(i *Investment) { i.StartTime = time.Time{} }},
		{"completed without timestamp", func(i *Investment) { i.Status = StatusCompleted }},
		{"timestamp without completed", func(i *Investment) {
			now := time.Now()
			i.CompletedAt = &now
		}},
	}

	require.NoError(t, validInvestment().Validate())

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inv := validInvestment()
			tt.mutate(inv)
			err := inv.Validate()
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidInput))
		})
	}
}

func TestCloneIsDeep(t *testing.T) {
	inv := validInvestment()
	done := time.Now()
	inv.Status = StatusCompleted
	inv.CompletedAt = &done

	c := inv.Clone()
	c.CompletedAt = nil
	c.Status = StatusActive

	assert.NotNil(t, inv.CompletedAt)
	assert.Equal(t, StatusCompleted, inv.Status)
}

func TestMinorUnits(t *testing.T) {
	assert.Equal(t, int64(1234567), ToMinorUnits(decimal.RequireFromString("12345.67")))
	assert.Equal(t, int64(-5), ToMinorUnits(decimal.RequireFromString("-0.05")))
	assert.Equal(t, int64(100), ToMinorUnits(decimal.RequireFromString("0.999")))
	assert.Equal(t, "12345.67", FromMinorUnits(1234567).String())
}

func TestCatalog(t *testing.T) {
	c, err := NewCatalog(DefaultProducts()...)
	require.NoError(t, err)

	monthly, ok := c.Lookup("monthly")
	require.True(t, ok)
	assert.Equal(t, PeriodMonths, monthly.PeriodUnit)
	assert.True(t, monthly.Scheduled)

	daily, ok := c.Lookup("daily")
	require.True(t, ok)
	assert.Equal(t, PeriodDays, daily.PeriodUnit)
	assert.False(t, daily.Scheduled)

	assert.Len(t, c.Products(), 2)
	assert.Equal(t, "daily", c.Products()[0].Name)

	_, err = NewCatalog(DefaultProducts()[0], DefaultProducts()[0])
	assert.True(t, errors.Is(err, ErrInvalidInput))
}

func TestProductAccepts(t *testing.T) {
	p := Product{
		Name:        "p",
		PeriodUnit:  PeriodDays,
		Period:      1,
		ExpectedROI: decimal.NewFromInt(1),
		Minimum:     decimal.NewFromInt(100),
		Maximum:     decimal.NewFromInt(1000),
	}
	assert.False(t, p.Accepts(decimal.NewFromInt(99)))
	assert.True(t, p.Accepts(decimal.NewFromInt(100)))
	assert.True(t, p.Accepts(decimal.NewFromInt(1000)))
	assert.False(t, p.Accepts(decimal.NewFromInt(1001)))

	p.Maximum = decimal.Zero
	assert.True(t, p.Accepts(decimal.NewFromInt(1_000_000_000)))
}
