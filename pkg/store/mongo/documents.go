package mongo

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"settlement-engine/pkg/investment"
)

type accountDoc struct {
	ID        string               `bson:"_id"`
	Available primitive.Decimal128 `bson:"available_balance"`
	Invested  primitive.Decimal128 `bson:"investment_balance"`
	CreatedAt time.Time            `bson:"created_at"`
	UpdatedAt time.Time            `bson:"updated_at"`
}

type investmentDoc struct {
	ID          string               `bson:"_id"`
	OwnerID     string               `bson:"owner_id"`
	Product     string               `bson:"product"`
	PeriodUnit  string               `bson:"period_unit"`
	Amount      primitive.Decimal128 `bson:"amount"`
	ExpectedROI primitive.Decimal128 `bson:"expected_roi"`
	Period      int                  `bson:"period"`
	StartTime   *time.Time           `bson:"start_time,omitempty"`
	Status      string               `bson:"status"`
	CompletedAt *time.Time           `bson:"completed_at,omitempty"`
	CreatedAt   time.Time            `bson:"created_at"`
}

func toDecimal128(d decimal.Decimal) (primitive.Decimal128, error) {
	return primitive.ParseDecimal128(d.String())
}

func mustDecimal128(d decimal.Decimal) primitive.Decimal128 {
	v, err := toDecimal128(d)
	if err != nil {
		// decimal.String never yields a form Decimal128 rejects within
		// the money range.
		panic(fmt.Sprintf("mongo: decimal %s out of range: %v", d, err))
	}
	return v
}

func fromDecimal128(v primitive.Decimal128) (decimal.Decimal, error) {
	return decimal.NewFromString(v.String())
}

func newAccountDoc(acc *investment.Account, created time.Time) (accountDoc, error) {
	avail, err := toDecimal128(investment.RoundMoney(acc.AvailableBalance))
	if err != nil {
		return accountDoc{}, err
	}
	invested, err := toDecimal128(investment.RoundMoney(acc.InvestmentBalance))
	if err != nil {
		return accountDoc{}, err
	}
	return accountDoc{
		ID:        acc.ID,
		Available: avail,
		Invested:  invested,
		CreatedAt: created,
		UpdatedAt: created,
	}, nil
}

func (d accountDoc) toAccount() (*investment.Account, error) {
	avail, err := fromDecimal128(d.Available)
	if err != nil {
		return nil, fmt.Errorf("mongo decode account %s: available: %w", d.ID, err)
	}
	invested, err := fromDecimal128(d.Invested)
	if err != nil {
		return nil, fmt.Errorf("mongo decode account %s: invested: %w", d.ID, err)
	}
	return &investment.Account{
		ID:                d.ID,
		AvailableBalance:  avail,
		InvestmentBalance: invested,
		CreatedAt:         d.CreatedAt,
		UpdatedAt:         d.UpdatedAt,
	}, nil
}

func newInvestmentDoc(inv *investment.Investment, created time.Time) (investmentDoc, error) {
	amount, err := toDecimal128(investment.RoundMoney(inv.Amount))
	if err != nil {
		return investmentDoc{}, err
	}
	roi, err := toDecimal128(inv.ExpectedROI)
	if err != nil {
		return investmentDoc{}, err
	}
	doc := investmentDoc{
		ID:          inv.ID,
		OwnerID:     inv.OwnerID,
		Product:     inv.Product,
		PeriodUnit:  string(inv.PeriodUnit),
		Amount:      amount,
		ExpectedROI: roi,
		Period:      inv.Period,
		Status:      string(inv.Status),
		CreatedAt:   created,
	}
	if !inv.StartTime.IsZero() {
		t := inv.StartTime
		doc.StartTime = &t
	}
	if inv.CompletedAt != nil {
		t := *inv.CompletedAt
		doc.CompletedAt = &t
	}
	return doc, nil
}

func (d investmentDoc) toInvestment() (*investment.Investment, error) {
	amount, err := fromDecimal128(d.Amount)
	if err != nil {
		return nil, fmt.Errorf("mongo decode investment %s: amount: %w", d.ID, err)
	}
	roi, err := fromDecimal128(d.ExpectedROI)
	if err != nil {
		return nil, fmt.Errorf("mongo decode investment %s: expected_roi: %w", d.ID, err)
	}
	inv := &investment.Investment{
		ID:          d.ID,
		OwnerID:     d.OwnerID,
		Product:     d.Product,
		PeriodUnit:  investment.PeriodUnit(d.PeriodUnit),
		Amount:      amount,
		ExpectedROI: roi,
		Period:      d.Period,
		Status:      investment.Status(d.Status),
		CreatedAt:   d.CreatedAt,
	}
	if d.StartTime != nil {
		inv.StartTime = *d.StartTime
	}
	if d.CompletedAt != nil {
		t := *d.CompletedAt
		inv.CompletedAt = &t
	}
	return inv, nil
}
