// Package ledger implements the account-side flows that feed the settlement
// engine: opening accounts, confirmed deposits, withdrawals and purchases.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"settlement-engine/pkg/investment"
	"settlement-engine/pkg/logging"
	"settlement-engine/pkg/store"
)

var (
	// ErrInvalidAmount is returned for non-positive amounts and amounts
	// outside a product's limits.
	ErrInvalidAmount = errors.New("ledger: invalid amount")

	// ErrUnknownProduct is returned when a purchase names no catalog product.
	ErrUnknownProduct = errors.New("ledger: unknown product")

	// ErrInvalidStart is returned when a purchase start time is missing,
	// in the past, or supplied for a product that starts on purchase.
	ErrInvalidStart = errors.New("ledger: invalid start time")
)

// PurchaseRequest describes an investment purchase.
type PurchaseRequest struct {
	AccountID string
	Product   string
	Amount    decimal.Decimal
	// StartTime is required for scheduled products and must be nil otherwise.
	StartTime *time.Time
}

// Service runs ledger operations against a store.
type Service struct {
	store   store.Store
	catalog *investment.Catalog
	clock   func() time.Time
	logger  *logging.Logger
}

// NewService creates a ledger service. A nil clock means time.Now.
func NewService(s store.Store, catalog *investment.Catalog, clock func() time.Time) *Service {
	if clock == nil {
		clock = time.Now
	}
	return &Service{
		store:   s,
		catalog: catalog,
		clock:   clock,
		logger:  logging.Global().Named("ledger"),
	}
}

// Catalog returns the product catalog.
func (s *Service) Catalog() *investment.Catalog {
	return s.catalog
}

// now is truncated to milliseconds, the precision every backend stores.
func (s *Service) now() time.Time {
	return s.clock().UTC().Truncate(time.Millisecond)
}

// OpenAccount creates an account with zero balances. An empty id is replaced
// with a generated one.
func (s *Service) OpenAccount(ctx context.Context, id string) (*investment.Account, error) {
	if id == "" {
		id = uuid.NewString()
	}
	now := s.now()
	acc := &investment.Account{
		ID:                id,
		AvailableBalance:  decimal.Zero,
		InvestmentBalance: decimal.Zero,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := s.store.CreateAccount(ctx, acc); err != nil {
		return nil, err
	}
	s.logger.Info("account opened", logging.OwnerID(id))
	return acc, nil
}

// Account returns the account with the given id.
func (s *Service) Account(ctx context.Context, id string) (*investment.Account, error) {
	return s.store.GetAccount(ctx, id)
}

// Investments returns the owner's investments.
func (s *Service) Investments(ctx context.Context, ownerID string) ([]*investment.Investment, error) {
	if err := store.ValidateID(ownerID); err != nil {
		return nil, err
	}
	return s.store.ListInvestments(ctx, store.Filter{OwnerID: ownerID})
}

// ConfirmDeposit credits a gateway-confirmed amount to the available balance.
func (s *Service) ConfirmDeposit(ctx context.Context, accountID string, amount decimal.Decimal) error {
	amount, err := positive(amount)
	if err != nil {
		return err
	}
	if err := s.store.Increment(ctx, accountID, store.FieldAvailable, amount); err != nil {
		return fmt.Errorf("deposit to %s: %w", accountID, err)
	}
	s.logger.Info("deposit confirmed", logging.OwnerID(accountID), zap.String("amount", amount.String()))
	return nil
}

// Withdraw debits the available balance. It fails with
// store.ErrInsufficientFunds rather than go negative.
func (s *Service) Withdraw(ctx context.Context, accountID string, amount decimal.Decimal) error {
	amount, err := positive(amount)
	if err != nil {
		return err
	}
	if err := s.store.Increment(ctx, accountID, store.FieldAvailable, amount.Neg()); err != nil {
		return fmt.Errorf("withdraw from %s: %w", accountID, err)
	}
	s.logger.Info("withdrawal", logging.OwnerID(accountID), zap.String("amount", amount.String()))
	return nil
}

// Purchase buys a product. The investment starts Pending, or Active when its
// start is not in the future. The store debits available and credits
// investment balances in the same step.
func (s *Service) Purchase(ctx context.Context, req PurchaseRequest) (*investment.Investment, error) {
	product, ok := s.catalog.Lookup(req.Product)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProduct, req.Product)
	}
	amount, err := positive(req.Amount)
	if err != nil {
		return nil, err
	}
	if !product.Accepts(amount) {
		return nil, fmt.Errorf("%w: %s outside %s limits", ErrInvalidAmount, amount, product.Name)
	}

	now := s.now()
	start, err := startTime(product, req.StartTime, now)
	if err != nil {
		return nil, err
	}

	status := investment.StatusPending
	if !start.After(now) {
		status = investment.StatusActive
	}

	inv := &investment.Investment{
		ID:          uuid.NewString(),
		OwnerID:     req.AccountID,
		Product:     product.Name,
		PeriodUnit:  product.PeriodUnit,
		Amount:      amount,
		ExpectedROI: product.ExpectedROI,
		Period:      product.Period,
		StartTime:   start,
		Status:      status,
		CreatedAt:   now,
	}
	if err := inv.Validate(); err != nil {
		return nil, err
	}
	if err := s.store.CreateInvestment(ctx, inv); err != nil {
		return nil, fmt.Errorf("purchase %s for %s: %w", product.Name, req.AccountID, err)
	}

	s.logger.Info("investment purchased",
		logging.InvestmentID(inv.ID),
		logging.OwnerID(inv.OwnerID),
		zap.String("product", product.Name),
		zap.String("amount", amount.String()),
		logging.Status("status", string(status)),
		logging.Instant("start_time", start),
	)
	return inv, nil
}

func startTime(p investment.Product, requested *time.Time, now time.Time) (time.Time, error) {
	if !p.Scheduled {
		if requested != nil {
			return time.Time{}, fmt.Errorf("%w: %s starts on purchase", ErrInvalidStart, p.Name)
		}
		return now, nil
	}
	if requested == nil || requested.IsZero() {
		return time.Time{}, fmt.Errorf("%w: %s requires a start time", ErrInvalidStart, p.Name)
	}
	start := requested.UTC().Truncate(time.Millisecond)
	if start.Before(now) {
		return time.Time{}, fmt.Errorf("%w: %s is in the past", ErrInvalidStart, start.Format(time.RFC3339))
	}
	return start, nil
}

func positive(amount decimal.Decimal) (decimal.Decimal, error) {
	amount = investment.RoundMoney(amount)
	if !amount.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: must be positive", ErrInvalidAmount)
	}
	return amount, nil
}
