// Package postgres is a store backend on PostgreSQL using lib/pq.
// Transitions run in one transaction: a conditional UPDATE on status acts as
// the compare-and-set, and the balance UPDATE commits with it.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"settlement-engine/pkg/investment"
	"settlement-engine/pkg/store"
)

// Store implements store.Store on two tables, accounts and investments.
type Store struct {
	db   *sql.DB
	name string
	now  func() time.Time
}

var _ store.Store = (*Store)(nil)

// Config holds PostgreSQL connection configuration.
type Config struct {
	Name     string `mapstructure:"name"`
	// DSN overrides the discrete connection fields when set.
	DSN      string `mapstructure:"dsn"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	SSLMode  string `mapstructure:"ssl_mode"`

	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnectTimeout  time.Duration `mapstructure:"connect_timeout"`
}

// DefaultConfig returns default PostgreSQL configuration.
func DefaultConfig() Config {
	return Config{
		Name:            "postgres",
		Host:            "localhost",
		Port:            5432,
		User:            "postgres",
		Password:        "postgres",
		Database:        "settlement",
		SSLMode:         "disable",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		ConnectTimeout:  5 * time.Second,
	}
}

func (c Config) connString() string {
	if c.DSN != "" {
		return c.DSN
	}
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// New opens a connection pool, pings the server and creates missing tables.
func New(cfg Config) (*Store, error) {
	if cfg.Name == "" {
		cfg.Name = "postgres"
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}

	db, err := sql.Open("postgres", cfg.connString())
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres connection: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", store.Unavailable(err))
	}

	s := &Store{db: db, name: cfg.Name, now: time.Now}
	if err := s.initTables(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to init tables: %w", err)
	}
	return s, nil
}

func (s *Store) initTables(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS accounts (
			id TEXT PRIMARY KEY,
			available_balance NUMERIC(20,2) NOT NULL DEFAULT 0 CHECK (available_balance >= 0),
			investment_balance NUMERIC(20,2) NOT NULL DEFAULT 0,
			created_at TIMESTAMP WITH TIME ZONE NOT NULL,
			updated_at TIMESTAMP WITH TIME ZONE NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS investments (
			id TEXT PRIMARY KEY,
			owner_id TEXT NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
			product TEXT NOT NULL DEFAULT '',
			period_unit TEXT NOT NULL,
			amount NUMERIC(20,2) NOT NULL,
			expected_roi NUMERIC(10,4) NOT NULL,
			period INTEGER NOT NULL,
			start_time TIMESTAMP WITH TIME ZONE,
			status TEXT NOT NULL,
			completed_at TIMESTAMP WITH TIME ZONE,
			created_at TIMESTAMP WITH TIME ZONE NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_investments_owner_id ON investments(owner_id)`,
		`CREATE INDEX IF NOT EXISTS idx_investments_status ON investments(status)`,
	}

	for _, query := range queries {
		if _, err := s.db.ExecContext(ctx, query); err != nil {
			return err
		}
	}
	return nil
}

// wrap classifies a driver error: context errors pass through, everything
// else is a backend failure.
func wrap(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("postgres %s: %w", op, err)
	}
	return fmt.Errorf("postgres %s: %w", op, store.Unavailable(err))
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

// GetAccount selects one account row.
func (s *Store) GetAccount(ctx context.Context, id string) (*investment.Account, error) {
	if err := store.ValidateID(id); err != nil {
		return nil, err
	}

	query := `SELECT id, available_balance, investment_balance, created_at, updated_at
		FROM accounts WHERE id = $1`

	var acc investment.Account
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&acc.ID, &acc.AvailableBalance, &acc.InvestmentBalance, &acc.CreatedAt, &acc.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("account %s: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return nil, wrap("get account", err)
	}
	return &acc, nil
}

// CreateAccount inserts an account row.
func (s *Store) CreateAccount(ctx context.Context, acc *investment.Account) error {
	if err := store.ValidateID(acc.ID); err != nil {
		return err
	}
	created := acc.CreatedAt
	if created.IsZero() {
		created = s.now()
	}

	query := `INSERT INTO accounts (id, available_balance, investment_balance, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $4)`

	_, err := s.db.ExecContext(ctx, query, acc.ID,
		investment.RoundMoney(acc.AvailableBalance), investment.RoundMoney(acc.InvestmentBalance), created)
	if isUniqueViolation(err) {
		return fmt.Errorf("account %s: %w", acc.ID, store.ErrAlreadyExists)
	}
	if err != nil {
		return wrap("create account", err)
	}
	return nil
}

const investmentColumns = `id, owner_id, product, period_unit, amount, expected_roi, period,
	start_time, status, completed_at, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInvestment(row rowScanner) (*investment.Investment, error) {
	var (
		inv       investment.Investment
		unit      string
		status    string
		start     sql.NullTime
		completed sql.NullTime
	)
	err := row.Scan(&inv.ID, &inv.OwnerID, &inv.Product, &unit, &inv.Amount, &inv.ExpectedROI,
		&inv.Period, &start, &status, &completed, &inv.CreatedAt)
	if err != nil {
		return nil, err
	}
	inv.PeriodUnit = investment.PeriodUnit(unit)
	inv.Status = investment.Status(status)
	if start.Valid {
		inv.StartTime = start.Time
	}
	if completed.Valid {
		t := completed.Time
		inv.CompletedAt = &t
	}
	return &inv, nil
}

// GetInvestment selects one investment row.
func (s *Store) GetInvestment(ctx context.Context, id string) (*investment.Investment, error) {
	if err := store.ValidateID(id); err != nil {
		return nil, err
	}

	query := `SELECT ` + investmentColumns + ` FROM investments WHERE id = $1`
	inv, err := scanInvestment(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("investment %s: %w", id, store.ErrNotFound)
	}
	if err != nil {
		return nil, wrap("get investment", err)
	}
	return inv, nil
}

// ListInvestments selects investments by owner and status.
func (s *Store) ListInvestments(ctx context.Context, f store.Filter) ([]*investment.Investment, error) {
	query := `SELECT ` + investmentColumns + ` FROM investments
		WHERE ($1 = '' OR owner_id = $1)
		AND (cardinality($2::text[]) = 0 OR status = ANY($2::text[]))
		ORDER BY created_at, id`

	rows, err := s.db.QueryContext(ctx, query, f.OwnerID, pq.Array(f.StatusStrings()))
	if err != nil {
		return nil, wrap("list investments", err)
	}
	defer rows.Close()

	out := make([]*investment.Investment, 0)
	for rows.Next() {
		inv, err := scanInvestment(rows)
		if err != nil {
			return nil, wrap("list investments", err)
		}
		out = append(out, inv)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap("list investments", err)
	}
	return out, nil
}

// accountMissOrShort tells apart a missing account from a failed balance guard
// after a guarded UPDATE touched no rows.
func accountMissOrShort(ctx context.Context, tx *sql.Tx, id string) error {
	var exists bool
	if err := tx.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM accounts WHERE id = $1)`, id).Scan(&exists); err != nil {
		return wrap("check account", err)
	}
	if !exists {
		return fmt.Errorf("account %s: %w", id, store.ErrNotFound)
	}
	return fmt.Errorf("account %s: %w", id, store.ErrInsufficientFunds)
}

// CreateInvestment debits the owner and inserts the row in one transaction.
func (s *Store) CreateInvestment(ctx context.Context, inv *investment.Investment) error {
	if err := store.ValidateID(inv.ID); err != nil {
		return err
	}
	if err := store.ValidateID(inv.OwnerID); err != nil {
		return err
	}
	amount := investment.RoundMoney(inv.Amount)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrap("begin", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `UPDATE accounts
		SET available_balance = available_balance - $1,
			investment_balance = investment_balance + $1,
			updated_at = $2
		WHERE id = $3 AND available_balance >= $1`, amount, s.now(), inv.OwnerID)
	if err != nil {
		return wrap("debit account", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return accountMissOrShort(ctx, tx, inv.OwnerID)
	}

	var start, completed sql.NullTime
	if !inv.StartTime.IsZero() {
		start = sql.NullTime{Time: inv.StartTime, Valid: true}
	}
	if inv.CompletedAt != nil {
		completed = sql.NullTime{Time: *inv.CompletedAt, Valid: true}
	}
	created := inv.CreatedAt
	if created.IsZero() {
		created = s.now()
	}

	_, err = tx.ExecContext(ctx, `INSERT INTO investments (`+investmentColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		inv.ID, inv.OwnerID, inv.Product, string(inv.PeriodUnit), amount, inv.ExpectedROI,
		inv.Period, start, string(inv.Status), completed, created)
	if isUniqueViolation(err) {
		return fmt.Errorf("investment %s: %w", inv.ID, store.ErrAlreadyExists)
	}
	if err != nil {
		return wrap("insert investment", err)
	}

	if err := tx.Commit(); err != nil {
		return wrap("commit", err)
	}
	return nil
}

// ApplyTransition updates the status only where it still equals t.From and
// applies the balance deltas in the same transaction.
func (s *Store) ApplyTransition(ctx context.Context, t store.Transition) error {
	if err := t.Validate(); err != nil {
		return err
	}

	var completed sql.NullTime
	if t.CompletedAt != nil {
		completed = sql.NullTime{Time: *t.CompletedAt, Valid: true}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrap("begin", err)
	}
	defer tx.Rollback()

	var owner string
	err = tx.QueryRowContext(ctx, `UPDATE investments
		SET status = $1, completed_at = COALESCE($2, completed_at)
		WHERE id = $3 AND status = $4
		RETURNING owner_id`,
		string(t.To), completed, t.InvestmentID, string(t.From)).Scan(&owner)
	if errors.Is(err, sql.ErrNoRows) {
		var exists bool
		if err := tx.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM investments WHERE id = $1)`, t.InvestmentID).Scan(&exists); err != nil {
			return wrap("check investment", err)
		}
		if !exists {
			return fmt.Errorf("investment %s: %w", t.InvestmentID, store.ErrNotFound)
		}
		return fmt.Errorf("investment %s not %s: %w", t.InvestmentID, t.From, store.ErrTransitionLost)
	}
	if err != nil {
		return wrap("transition", err)
	}

	if t.HasBalanceEffect() {
		res, err := tx.ExecContext(ctx, `UPDATE accounts
			SET available_balance = available_balance + $1,
				investment_balance = investment_balance + $2,
				updated_at = $3
			WHERE id = $4 AND available_balance + $1 >= 0`,
			investment.RoundMoney(t.AvailableDelta), investment.RoundMoney(t.InvestedDelta), s.now(), owner)
		if err != nil {
			return wrap("apply balances", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return accountMissOrShort(ctx, tx, owner)
		}
	}

	if err := tx.Commit(); err != nil {
		return wrap("commit", err)
	}
	return nil
}

var balanceColumns = map[store.BalanceField]string{
	store.FieldAvailable:  "available_balance",
	store.FieldInvestment: "investment_balance",
}

// Increment adds delta to one balance column with a single UPDATE.
func (s *Store) Increment(ctx context.Context, accountID string, field store.BalanceField, delta decimal.Decimal) error {
	if err := store.ValidateID(accountID); err != nil {
		return err
	}
	col, ok := balanceColumns[field]
	if !ok {
		return fmt.Errorf("%w: %q", store.ErrInvalidField, field)
	}
	delta = investment.RoundMoney(delta)

	query := fmt.Sprintf(`UPDATE accounts SET %[1]s = %[1]s + $1, updated_at = $2 WHERE id = $3`, col)
	if field == store.FieldAvailable {
		query += ` AND available_balance + $1 >= 0`
	}

	res, err := s.db.ExecContext(ctx, query, delta, s.now(), accountID)
	if err != nil {
		return wrap("increment", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}

	var exists bool
	if err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM accounts WHERE id = $1)`, accountID).Scan(&exists); err != nil {
		return wrap("check account", err)
	}
	if !exists {
		return fmt.Errorf("account %s: %w", accountID, store.ErrNotFound)
	}
	return fmt.Errorf("account %s: %w", accountID, store.ErrInsufficientFunds)
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return wrap("ping", err)
	}
	return nil
}

// Name returns the store name.
func (s *Store) Name() string {
	return s.name
}

// Close closes the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// Truncate empties both tables. Test helper.
func (s *Store) Truncate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `TRUNCATE investments, accounts`)
	return err
}
