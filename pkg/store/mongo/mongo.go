// Package mongo is a store backend on MongoDB. The status compare-and-set is
// a filtered update on {_id, status}; balance changes use $inc. With
// UseTransactions both run in one multi-document transaction. Without it the
// settlement credit is recorded per investment on the account document and
// applied before the status flip, so a retry never pays twice.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"settlement-engine/pkg/investment"
	"settlement-engine/pkg/logging"
	"settlement-engine/pkg/store"
)

// Config holds MongoDB connection configuration.
type Config struct {
	Name                  string        `mapstructure:"name"`
	URI                   string        `mapstructure:"uri"`
	Database              string        `mapstructure:"database"`
	AccountsCollection    string        `mapstructure:"accounts_collection"`
	InvestmentsCollection string        `mapstructure:"investments_collection"`
	ConnectTimeout        time.Duration `mapstructure:"connect_timeout"`

	// UseTransactions runs multi-document updates in a transaction.
	// Requires a replica set or sharded cluster.
	UseTransactions bool `mapstructure:"use_transactions"`
}

// DefaultConfig returns a configuration for a local server.
func DefaultConfig() Config {
	return Config{
		Name:                  "mongo",
		URI:                   "mongodb://localhost:27017",
		Database:              "settlement",
		AccountsCollection:    "accounts",
		InvestmentsCollection: "investments",
		ConnectTimeout:        5 * time.Second,
	}
}

// Store implements store.Store on two collections.
type Store struct {
	client      *mongo.Client
	db          *mongo.Database
	accounts    *mongo.Collection
	investments *mongo.Collection
	config      Config
	now         func() time.Time
	logger      *logging.Logger

	// inject, when set, is called around named write steps. Tests use it to
	// fail a call after the server applied it.
	inject func(step string) error
}

func (s *Store) fault(step string) error {
	if s.inject == nil {
		return nil
	}
	return s.inject(step)
}

var _ store.Store = (*Store)(nil)

// New connects, pings and ensures indexes.
func New(cfg Config) (*Store, error) {
	defaults := DefaultConfig()
	if cfg.Name == "" {
		cfg.Name = defaults.Name
	}
	if cfg.URI == "" {
		return nil, fmt.Errorf("mongo: uri is required")
	}
	if cfg.Database == "" {
		cfg.Database = defaults.Database
	}
	if cfg.AccountsCollection == "" {
		cfg.AccountsCollection = defaults.AccountsCollection
	}
	if cfg.InvestmentsCollection == "" {
		cfg.InvestmentsCollection = defaults.InvestmentsCollection
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaults.ConnectTimeout
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()

	opts := options.Client().ApplyURI(cfg.URI).SetServerSelectionTimeout(cfg.ConnectTimeout)
	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("mongo: connect: %w", store.Unavailable(err))
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("mongo: ping: %w", store.Unavailable(err))
	}

	db := client.Database(cfg.Database)
	s := &Store{
		client:      client,
		db:          db,
		accounts:    db.Collection(cfg.AccountsCollection),
		investments: db.Collection(cfg.InvestmentsCollection),
		config:      cfg,
		now:         time.Now,
		logger:      logging.L().Named("mongo"),
	}

	if _, err := s.investments.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "owner_id", Value: 1}}},
		{Keys: bson.D{{Key: "status", Value: 1}}},
	}); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("mongo: ensure indexes: %w", store.Unavailable(err))
	}
	return s, nil
}

func wrap(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("mongo %s: %w", op, err)
	}
	return fmt.Errorf("mongo %s: %w", op, store.Unavailable(err))
}

// atomic runs fn in a transaction when configured, or directly otherwise.
func (s *Store) atomic(ctx context.Context, fn func(ctx context.Context) error) error {
	if !s.config.UseTransactions {
		return fn(ctx)
	}
	sess, err := s.client.StartSession()
	if err != nil {
		return wrap("start session", err)
	}
	defer sess.EndSession(ctx)

	_, err = sess.WithTransaction(ctx, func(sc mongo.SessionContext) (interface{}, error) {
		return nil, fn(sc)
	})
	return err
}

// GetAccount finds one account document.
func (s *Store) GetAccount(ctx context.Context, id string) (*investment.Account, error) {
	if err := store.ValidateID(id); err != nil {
		return nil, err
	}
	var doc accountDoc
	err := s.accounts.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("account %s: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return nil, wrap("get account", err)
	}
	return doc.toAccount()
}

// CreateAccount inserts an account document.
func (s *Store) CreateAccount(ctx context.Context, acc *investment.Account) error {
	if err := store.ValidateID(acc.ID); err != nil {
		return err
	}
	created := acc.CreatedAt
	if created.IsZero() {
		created = s.now()
	}
	doc, err := newAccountDoc(acc, created)
	if err != nil {
		return fmt.Errorf("mongo encode account %s: %w", acc.ID, err)
	}
	_, err = s.accounts.InsertOne(ctx, doc)
	if mongo.IsDuplicateKeyError(err) {
		return fmt.Errorf("account %s: %w", acc.ID, store.ErrAlreadyExists)
	}
	if err != nil {
		return wrap("create account", err)
	}
	return nil
}

// GetInvestment finds one investment document.
func (s *Store) GetInvestment(ctx context.Context, id string) (*investment.Investment, error) {
	if err := store.ValidateID(id); err != nil {
		return nil, err
	}
	var doc investmentDoc
	err := s.investments.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("investment %s: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return nil, wrap("get investment", err)
	}
	return doc.toInvestment()
}

// ListInvestments finds investments by owner and status.
func (s *Store) ListInvestments(ctx context.Context, f store.Filter) ([]*investment.Investment, error) {
	filter := bson.M{}
	if f.OwnerID != "" {
		filter["owner_id"] = f.OwnerID
	}
	if len(f.Statuses) > 0 {
		filter["status"] = bson.M{"$in": f.StatusStrings()}
	}

	cur, err := s.investments.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}}))
	if err != nil {
		return nil, wrap("list investments", err)
	}
	var docs []investmentDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, wrap("list investments", err)
	}

	out := make([]*investment.Investment, 0, len(docs))
	for _, doc := range docs {
		inv, err := doc.toInvestment()
		if err != nil {
			return nil, err
		}
		out = append(out, inv)
	}
	return out, nil
}

// adjust applies $inc to an account. When the available delta is negative
// the filter requires enough funds. A non-empty token is recorded in the
// account's applied set in the same update, and an update whose token is
// already present is a no-op, so replaying it cannot move money twice.
// Returns ErrNotFound or ErrInsufficientFunds when nothing matched.
func (s *Store) adjust(ctx context.Context, accountID string, available, invested decimal.Decimal, token string) error {
	available = investment.RoundMoney(available)
	invested = investment.RoundMoney(invested)

	filter := bson.M{"_id": accountID}
	if available.IsNegative() {
		filter["available_balance"] = bson.M{"$gte": mustDecimal128(available.Neg())}
	}
	inc := bson.M{}
	if !available.IsZero() {
		inc["available_balance"] = mustDecimal128(available)
	}
	if !invested.IsZero() {
		inc["investment_balance"] = mustDecimal128(invested)
	}
	update := bson.M{"$set": bson.M{"updated_at": s.now()}}
	if len(inc) > 0 {
		update["$inc"] = inc
	}
	if token != "" {
		filter["applied"] = bson.M{"$ne": token}
		update["$addToSet"] = bson.M{"applied": token}
	}

	res, err := s.accounts.UpdateOne(ctx, filter, update)
	if err != nil {
		return wrap("adjust balances", err)
	}
	if res.MatchedCount > 0 {
		return s.fault("adjust")
	}

	if token != "" {
		n, err := s.accounts.CountDocuments(ctx, bson.M{"_id": accountID, "applied": token})
		if err != nil {
			return wrap("check applied", err)
		}
		if n > 0 {
			return nil
		}
	}
	n, err := s.accounts.CountDocuments(ctx, bson.M{"_id": accountID})
	if err != nil {
		return wrap("check account", err)
	}
	if n == 0 {
		return fmt.Errorf("account %s: %w", accountID, store.ErrNotFound)
	}
	return fmt.Errorf("account %s: %w", accountID, store.ErrInsufficientFunds)
}

// settleToken names the balance effect of moving an investment into status.
func settleToken(investmentID string, status investment.Status) string {
	return investmentID + ":" + string(status)
}

// ambiguous reports whether a failed write may still have been applied.
func ambiguous(err error) bool {
	return errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) ||
		mongo.IsTimeout(err) ||
		mongo.IsNetworkError(err)
}

// CreateInvestment debits the owner, then inserts the document. Without
// transactions the debit is refunded only when the insert certainly did
// not land; an unknown outcome keeps the debit and is logged.
func (s *Store) CreateInvestment(ctx context.Context, inv *investment.Investment) error {
	if err := store.ValidateID(inv.ID); err != nil {
		return err
	}
	if err := store.ValidateID(inv.OwnerID); err != nil {
		return err
	}
	created := inv.CreatedAt
	if created.IsZero() {
		created = s.now()
	}
	doc, err := newInvestmentDoc(inv, created)
	if err != nil {
		return fmt.Errorf("mongo encode investment %s: %w", inv.ID, err)
	}
	amount := investment.RoundMoney(inv.Amount)

	return s.atomic(ctx, func(ctx context.Context) error {
		if err := s.adjust(ctx, inv.OwnerID, amount.Neg(), amount, ""); err != nil {
			return err
		}
		err := s.fault("insert")
		if err == nil {
			if _, err = s.investments.InsertOne(ctx, doc); err == nil {
				err = s.fault("inserted")
			}
		}
		if err == nil {
			return nil
		}
		if s.config.UseTransactions {
			if mongo.IsDuplicateKeyError(err) {
				return fmt.Errorf("investment %s: %w", inv.ID, store.ErrAlreadyExists)
			}
			return wrap("insert investment", err)
		}
		return s.undoPurchase(ctx, inv, amount, err)
	})
}

// undoPurchase settles a failed insert without transactions.
func (s *Store) undoPurchase(ctx context.Context, inv *investment.Investment, amount decimal.Decimal, insertErr error) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.config.ConnectTimeout)
	defer cancel()

	if mongo.IsDuplicateKeyError(insertErr) {
		if err := s.adjust(ctx, inv.OwnerID, amount, amount.Neg(), ""); err != nil {
			s.logger.Error("purchase refund failed",
				logging.InvestmentID(inv.ID), logging.OwnerID(inv.OwnerID), zap.Error(err))
		}
		return fmt.Errorf("investment %s: %w", inv.ID, store.ErrAlreadyExists)
	}

	n, err := s.investments.CountDocuments(ctx, bson.M{"_id": inv.ID, "owner_id": inv.OwnerID})
	if err == nil && n > 0 {
		return nil
	}
	if err != nil || ambiguous(insertErr) {
		s.logger.Error("purchase outcome unknown, debit kept",
			logging.InvestmentID(inv.ID), logging.OwnerID(inv.OwnerID),
			zap.String("amount", amount.String()), zap.Error(insertErr))
		return wrap("insert investment", insertErr)
	}

	if err := s.adjust(ctx, inv.OwnerID, amount, amount.Neg(), ""); err != nil {
		s.logger.Error("purchase refund failed",
			logging.InvestmentID(inv.ID), logging.OwnerID(inv.OwnerID), zap.Error(err))
	}
	return wrap("insert investment", insertErr)
}

// ApplyTransition moves the investment from t.From to t.To.
//
// A transition with a balance effect credits the account first under a
// token for (investment, target status), then flips the status where it
// still equals t.From. The credit is idempotent, so a failure between the
// two steps leaves the record at t.From with the credit applied, and the
// next attempt completes the flip without paying again.
func (s *Store) ApplyTransition(ctx context.Context, t store.Transition) error {
	if err := t.Validate(); err != nil {
		return err
	}

	set := bson.M{"status": string(t.To)}
	if t.CompletedAt != nil {
		set["completed_at"] = *t.CompletedAt
	}

	return s.atomic(ctx, func(ctx context.Context) error {
		if t.HasBalanceEffect() {
			var cur investmentDoc
			err := s.investments.FindOne(ctx, bson.M{"_id": t.InvestmentID}).Decode(&cur)
			if errors.Is(err, mongo.ErrNoDocuments) {
				return fmt.Errorf("investment %s: %w", t.InvestmentID, store.ErrNotFound)
			}
			if err != nil {
				return wrap("get investment", err)
			}
			if cur.Status != string(t.From) {
				return fmt.Errorf("investment %s is %s, expected %s: %w", t.InvestmentID, cur.Status, t.From, store.ErrTransitionLost)
			}
			if err := s.adjust(ctx, cur.OwnerID, t.AvailableDelta, t.InvestedDelta, settleToken(t.InvestmentID, t.To)); err != nil {
				return err
			}
		}

		res, err := s.investments.UpdateOne(ctx,
			bson.M{"_id": t.InvestmentID, "status": string(t.From)},
			bson.M{"$set": set},
		)
		if err != nil {
			return wrap("transition", err)
		}
		if res.MatchedCount > 0 {
			return nil
		}
		n, err := s.investments.CountDocuments(ctx, bson.M{"_id": t.InvestmentID})
		if err != nil {
			return wrap("check investment", err)
		}
		if n == 0 {
			return fmt.Errorf("investment %s: %w", t.InvestmentID, store.ErrNotFound)
		}
		return fmt.Errorf("investment %s not %s: %w", t.InvestmentID, t.From, store.ErrTransitionLost)
	})
}

var balanceFields = map[store.BalanceField]bool{
	store.FieldAvailable:  true,
	store.FieldInvestment: true,
}

// Increment adds delta to one balance field.
func (s *Store) Increment(ctx context.Context, accountID string, field store.BalanceField, delta decimal.Decimal) error {
	if err := store.ValidateID(accountID); err != nil {
		return err
	}
	if !balanceFields[field] {
		return fmt.Errorf("%w: %q", store.ErrInvalidField, field)
	}
	if field == store.FieldAvailable {
		return s.adjust(ctx, accountID, delta, decimal.Zero, "")
	}
	return s.adjust(ctx, accountID, decimal.Zero, delta, "")
}

// Ping checks connectivity to the primary.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx, nil); err != nil {
		return wrap("ping", err)
	}
	return nil
}

// Name returns the store name.
func (s *Store) Name() string {
	return s.config.Name
}

// Close disconnects the client.
func (s *Store) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.ConnectTimeout)
	defer cancel()
	return s.client.Disconnect(ctx)
}

// Drop removes the database. Test helper.
func (s *Store) Drop(ctx context.Context) error {
	return s.db.Drop(ctx)
}
