package redis

import (
	"fmt"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"settlement-engine/pkg/investment"
	"settlement-engine/pkg/store"
)

var balanceFields = map[store.BalanceField]string{
	store.FieldAvailable:  "available",
	store.FieldInvestment: "invested",
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}

// encodeInvestment flattens inv into HSET field/value pairs.
func encodeInvestment(inv *investment.Investment) []string {
	fields := []string{
		"id", inv.ID,
		"owner_id", inv.OwnerID,
		"product", inv.Product,
		"period_unit", string(inv.PeriodUnit),
		"amount", investment.RoundMoney(inv.Amount).String(),
		"expected_roi", inv.ExpectedROI.String(),
		"period", strconv.Itoa(inv.Period),
		"start_time", formatTime(inv.StartTime),
		"status", string(inv.Status),
		"created_at", formatTime(inv.CreatedAt),
	}
	if inv.CompletedAt != nil {
		fields = append(fields, "completed_at", formatTime(*inv.CompletedAt))
	}
	return fields
}

func decodeInvestment(m map[string]string) (*investment.Investment, error) {
	inv := &investment.Investment{
		ID:         m["id"],
		OwnerID:    m["owner_id"],
		Product:    m["product"],
		PeriodUnit: investment.PeriodUnit(m["period_unit"]),
		Status:     investment.Status(m["status"]),
	}

	var err error
	if inv.Amount, err = decimal.NewFromString(m["amount"]); err != nil {
		return nil, fmt.Errorf("redis decode investment %s: amount: %w", inv.ID, err)
	}
	if inv.ExpectedROI, err = decimal.NewFromString(m["expected_roi"]); err != nil {
		return nil, fmt.Errorf("redis decode investment %s: expected_roi: %w", inv.ID, err)
	}
	if inv.Period, err = strconv.Atoi(m["period"]); err != nil {
		return nil, fmt.Errorf("redis decode investment %s: period: %w", inv.ID, err)
	}
	// A malformed start time is kept as the zero value; the engine reports it
	// as invalid input instead of failing the whole read.
	inv.StartTime, _ = parseTime(m["start_time"])
	inv.CreatedAt, _ = parseTime(m["created_at"])
	if s, ok := m["completed_at"]; ok && s != "" {
		at, err := parseTime(s)
		if err != nil {
			return nil, fmt.Errorf("redis decode investment %s: completed_at: %w", inv.ID, err)
		}
		inv.CompletedAt = &at
	}
	return inv, nil
}

func decodeAccount(m map[string]string) (*investment.Account, error) {
	avail, err := strconv.ParseInt(m["available"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("redis decode account %s: available: %w", m["id"], err)
	}
	invested, err := strconv.ParseInt(m["invested"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("redis decode account %s: invested: %w", m["id"], err)
	}
	acc := &investment.Account{
		ID:                m["id"],
		AvailableBalance:  investment.FromMinorUnits(avail),
		InvestmentBalance: investment.FromMinorUnits(invested),
	}
	acc.CreatedAt, _ = parseTime(m["created_at"])
	acc.UpdatedAt, _ = parseTime(m["updated_at"])
	return acc, nil
}
