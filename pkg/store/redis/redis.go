// Package redis is a store backend on Redis using rueidis. Status
// compare-and-set and the balance increments it gates run inside one Lua
// script, so they commit or fail together.
package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/rueidis"
	"github.com/shopspring/decimal"

	"settlement-engine/pkg/investment"
	"settlement-engine/pkg/store"
)

// Store implements store.Store on Redis hashes.
//
// Layout, with owner-scoped keys sharing a hash tag for cluster mode:
//
//	<prefix>{owner}:account             hash  id, available, invested, created_at, updated_at
//	<prefix>{owner}:investment:<id>     hash  investment fields
//	<prefix>{owner}:investments         set   investment ids of the owner
//	<prefix>index:investments           hash  investment id -> owner id
type Store struct {
	client rueidis.Client
	name   string
	config Config
	keys   *store.KeyPattern
	now    func() time.Time
}

var _ store.Store = (*Store)(nil)

// Config configures the Redis backend.
type Config struct {
	Name              string        `mapstructure:"name"`
	// Addr is the Redis server address for single node mode.
	// Examples: "localhost:6379", "redis.example.com:6379"
	Addr              string        `mapstructure:"addr"`
	// ClusterAddrs enables cluster mode when set.
	ClusterAddrs      []string      `mapstructure:"cluster_addrs"`
	Username          string        `mapstructure:"username"`
	Password          string        `mapstructure:"password"`
	// DB is the database number. Cluster mode only supports 0.
	DB                int           `mapstructure:"db"`
	KeyPrefix         string        `mapstructure:"key_prefix"`
	DialTimeout       time.Duration `mapstructure:"dial_timeout"`
	WriteTimeout      time.Duration `mapstructure:"write_timeout"`
	// SentinelAddrs enables sentinel mode when set.
	SentinelAddrs     []string      `mapstructure:"sentinel_addrs"`
	SentinelMasterSet string        `mapstructure:"sentinel_master_set"`
	SentinelUsername  string        `mapstructure:"sentinel_username"`
	SentinelPassword  string        `mapstructure:"sentinel_password"`
	// DisableCache turns off client-side caching. Required for servers
	// without CLIENT TRACKING support.
	DisableCache      bool          `mapstructure:"disable_cache"`
	// AlwaysRESP2 forces the RESP2 protocol.
	AlwaysRESP2       bool          `mapstructure:"always_resp2"`
}

// DefaultConfig returns a single-node configuration for localhost.
func DefaultConfig() Config {
	return Config{
		Name:         "redis",
		Addr:         "localhost:6379",
		KeyPrefix:    "settle:",
		DialTimeout:  5 * time.Second,
		WriteTimeout: 3 * time.Second,
	}
}

// ClusterConfig returns a configuration for Redis Cluster mode.
func ClusterConfig(name string, clusterAddrs []string, password string) Config {
	config := DefaultConfig()
	config.Name = name
	config.ClusterAddrs = clusterAddrs
	config.Password = password
	config.Addr = ""
	config.DB = 0
	return config
}

// New connects to Redis and verifies the connection with PING.
func New(config Config) (*Store, error) {
	if config.Name == "" {
		config.Name = "redis"
	}
	if config.DialTimeout <= 0 {
		config.DialTimeout = 5 * time.Second
	}

	var initAddress []string
	switch {
	case len(config.ClusterAddrs) > 0:
		initAddress = config.ClusterAddrs
	case len(config.SentinelAddrs) > 0:
		initAddress = config.SentinelAddrs
	case config.Addr != "":
		initAddress = []string{config.Addr}
	default:
		return nil, fmt.Errorf("redis: no addresses configured (set Addr, ClusterAddrs, or SentinelAddrs)")
	}

	opts := rueidis.ClientOption{
		InitAddress:      initAddress,
		Username:         config.Username,
		Password:         config.Password,
		SelectDB:         config.DB,
		ConnWriteTimeout: config.WriteTimeout,
		DisableCache:     config.DisableCache,
		AlwaysRESP2:      config.AlwaysRESP2,
		MaxFlushDelay:    100 * time.Microsecond,
	}
	if len(config.SentinelAddrs) > 0 {
		opts.Sentinel = rueidis.SentinelOption{
			MasterSet: config.SentinelMasterSet,
			Username:  config.SentinelUsername,
			Password:  config.SentinelPassword,
		}
	}

	client, err := rueidis.NewClient(opts)
	if err != nil {
		return nil, fmt.Errorf("redis: failed to create client: %w", store.Unavailable(err))
	}

	ctx, cancel := context.WithTimeout(context.Background(), config.DialTimeout)
	defer cancel()
	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis: failed to ping server: %w", store.Unavailable(err))
	}

	return &Store{
		client: client,
		name:   config.Name,
		config: config,
		keys:   store.NewKeyPattern(trimSep(config.KeyPrefix), ":"),
		now:    time.Now,
	}, nil
}

func trimSep(prefix string) string {
	if prefix == "" {
		return "settle"
	}
	if prefix[len(prefix)-1] == ':' {
		return prefix[:len(prefix)-1]
	}
	return prefix
}

func (s *Store) accountKey(owner string) string {
	return s.keys.Build(store.Tag(owner), "account")
}

func (s *Store) investmentKey(owner, id string) string {
	return s.keys.Build(store.Tag(owner), "investment", id)
}

func (s *Store) ownerSetKey(owner string) string {
	return s.keys.Build(store.Tag(owner), "investments")
}

func (s *Store) indexKey() string {
	return s.keys.Build("index", "investments")
}

func (s *Store) stamp() string {
	return formatTime(s.now())
}

// GetAccount reads the account hash.
func (s *Store) GetAccount(ctx context.Context, id string) (*investment.Account, error) {
	if err := store.ValidateID(id); err != nil {
		return nil, err
	}
	m, err := s.client.Do(ctx, s.client.B().Hgetall().Key(s.accountKey(id)).Build()).AsStrMap()
	if err != nil {
		return nil, fmt.Errorf("redis get account: %w", store.Unavailable(err))
	}
	if len(m) == 0 {
		return nil, fmt.Errorf("account %s: %w", id, store.ErrNotFound)
	}
	return decodeAccount(m)
}

// CreateAccount inserts the account hash if absent.
func (s *Store) CreateAccount(ctx context.Context, acc *investment.Account) error {
	if err := store.ValidateID(acc.ID); err != nil {
		return err
	}
	created := acc.CreatedAt
	if created.IsZero() {
		created = s.now()
	}
	res, err := createAccountScript.Exec(ctx, s.client,
		[]string{s.accountKey(acc.ID)},
		[]string{
			acc.ID,
			strconv.FormatInt(investment.ToMinorUnits(acc.AvailableBalance), 10),
			strconv.FormatInt(investment.ToMinorUnits(acc.InvestmentBalance), 10),
			formatTime(created),
		},
	).AsInt64()
	if err != nil {
		return fmt.Errorf("redis create account: %w", store.Unavailable(err))
	}
	if res == 0 {
		return fmt.Errorf("account %s: %w", acc.ID, store.ErrAlreadyExists)
	}
	return nil
}

func (s *Store) ownerOf(ctx context.Context, id string) (string, error) {
	owner, err := s.client.Do(ctx, s.client.B().Hget().Key(s.indexKey()).Field(id).Build()).ToString()
	if err != nil {
		if rueidis.IsRedisNil(err) {
			return "", fmt.Errorf("investment %s: %w", id, store.ErrNotFound)
		}
		return "", fmt.Errorf("redis index lookup: %w", store.Unavailable(err))
	}
	return owner, nil
}

// GetInvestment resolves the owner through the index and reads the hash.
func (s *Store) GetInvestment(ctx context.Context, id string) (*investment.Investment, error) {
	if err := store.ValidateID(id); err != nil {
		return nil, err
	}
	owner, err := s.ownerOf(ctx, id)
	if err != nil {
		return nil, err
	}
	m, err := s.client.Do(ctx, s.client.B().Hgetall().Key(s.investmentKey(owner, id)).Build()).AsStrMap()
	if err != nil {
		return nil, fmt.Errorf("redis get investment: %w", store.Unavailable(err))
	}
	if len(m) == 0 {
		return nil, fmt.Errorf("investment %s: %w", id, store.ErrNotFound)
	}
	return decodeInvestment(m)
}

// ListInvestments reads the owner set, or the global index when no owner is
// given, and fetches every hash in one pipeline.
func (s *Store) ListInvestments(ctx context.Context, f store.Filter) ([]*investment.Investment, error) {
	var keys []string

	if f.OwnerID != "" {
		if err := store.ValidateID(f.OwnerID); err != nil {
			return nil, err
		}
		ids, err := s.client.Do(ctx, s.client.B().Smembers().Key(s.ownerSetKey(f.OwnerID)).Build()).AsStrSlice()
		if err != nil {
			return nil, fmt.Errorf("redis list investments: %w", store.Unavailable(err))
		}
		for _, id := range ids {
			keys = append(keys, s.investmentKey(f.OwnerID, id))
		}
	} else {
		index, err := s.client.Do(ctx, s.client.B().Hgetall().Key(s.indexKey()).Build()).AsStrMap()
		if err != nil {
			return nil, fmt.Errorf("redis list investments: %w", store.Unavailable(err))
		}
		for id, owner := range index {
			keys = append(keys, s.investmentKey(owner, id))
		}
	}

	out := make([]*investment.Investment, 0, len(keys))
	if len(keys) == 0 {
		return out, nil
	}

	cmds := make([]rueidis.Completed, len(keys))
	for i, key := range keys {
		cmds[i] = s.client.B().Hgetall().Key(key).Build()
	}
	for i, resp := range s.client.DoMulti(ctx, cmds...) {
		m, err := resp.AsStrMap()
		if err != nil {
			return nil, fmt.Errorf("redis list investments: %s: %w", keys[i], store.Unavailable(err))
		}
		// Index entries can briefly point at a hash that was never written.
		if len(m) == 0 {
			continue
		}
		inv, err := decodeInvestment(m)
		if err != nil {
			return nil, err
		}
		if f.Matches(inv) {
			out = append(out, inv)
		}
	}
	return out, nil
}

// CreateInvestment claims the id in the global index, then runs the
// owner-scoped insert script. The index claim is rolled back if the insert
// is rejected.
func (s *Store) CreateInvestment(ctx context.Context, inv *investment.Investment) error {
	if err := store.ValidateID(inv.ID); err != nil {
		return err
	}
	if err := store.ValidateID(inv.OwnerID); err != nil {
		return err
	}

	claimed, err := s.client.Do(ctx, s.client.B().Hsetnx().Key(s.indexKey()).Field(inv.ID).Value(inv.OwnerID).Build()).AsBool()
	if err != nil {
		return fmt.Errorf("redis create investment: %w", store.Unavailable(err))
	}
	if !claimed {
		owner, err := s.ownerOf(ctx, inv.ID)
		if err != nil && !store.IsNotFound(err) {
			return err
		}
		if owner != inv.OwnerID {
			return fmt.Errorf("investment %s: %w", inv.ID, store.ErrAlreadyExists)
		}
	}

	cents := investment.ToMinorUnits(inv.Amount)
	args := append([]string{
		strconv.FormatInt(cents, 10),
		strconv.FormatInt(-cents, 10),
		s.stamp(),
		inv.ID,
	}, encodeInvestment(inv)...)

	res, err := createInvestmentScript.Exec(ctx, s.client,
		[]string{s.accountKey(inv.OwnerID), s.investmentKey(inv.OwnerID, inv.ID), s.ownerSetKey(inv.OwnerID)},
		args,
	).AsInt64()
	if err != nil {
		return fmt.Errorf("redis create investment: %w", store.Unavailable(err))
	}

	var result error
	switch res {
	case 1:
		return nil
	case -1:
		result = fmt.Errorf("account %s: %w", inv.OwnerID, store.ErrNotFound)
	case -2:
		return fmt.Errorf("investment %s: %w", inv.ID, store.ErrAlreadyExists)
	case -3:
		result = fmt.Errorf("account %s: %w", inv.OwnerID, store.ErrInsufficientFunds)
	default:
		result = fmt.Errorf("redis create investment: unexpected script result %d", res)
	}
	if claimed {
		_ = s.client.Do(ctx, s.client.B().Hdel().Key(s.indexKey()).Field(inv.ID).Build()).Error()
	}
	return result
}

// ApplyTransition runs the gated transition script.
func (s *Store) ApplyTransition(ctx context.Context, t store.Transition) error {
	if err := t.Validate(); err != nil {
		return err
	}
	owner, err := s.ownerOf(ctx, t.InvestmentID)
	if err != nil {
		return err
	}
	completed := ""
	if t.CompletedAt != nil {
		completed = formatTime(*t.CompletedAt)
	}

	res, err := transitionScript.Exec(ctx, s.client,
		[]string{s.investmentKey(owner, t.InvestmentID), s.accountKey(owner)},
		[]string{
			string(t.From),
			string(t.To),
			completed,
			strconv.FormatInt(investment.ToMinorUnits(t.AvailableDelta), 10),
			strconv.FormatInt(investment.ToMinorUnits(t.InvestedDelta), 10),
			s.stamp(),
		},
	).AsInt64()
	if err != nil {
		return fmt.Errorf("redis apply transition: %w", store.Unavailable(err))
	}

	switch res {
	case 1:
		return nil
	case 0:
		return fmt.Errorf("investment %s not %s: %w", t.InvestmentID, t.From, store.ErrTransitionLost)
	case -1:
		return fmt.Errorf("investment %s: %w", t.InvestmentID, store.ErrNotFound)
	case -2:
		return fmt.Errorf("account %s: %w", owner, store.ErrNotFound)
	case -3:
		return fmt.Errorf("account %s: %w", owner, store.ErrInsufficientFunds)
	default:
		return fmt.Errorf("redis apply transition: unexpected script result %d", res)
	}
}

// Increment applies HINCRBY through a script that guards the available balance.
func (s *Store) Increment(ctx context.Context, accountID string, field store.BalanceField, delta decimal.Decimal) error {
	if err := store.ValidateID(accountID); err != nil {
		return err
	}
	hashField, ok := balanceFields[field]
	if !ok {
		return fmt.Errorf("%w: %q", store.ErrInvalidField, field)
	}
	guard := "0"
	if field == store.FieldAvailable {
		guard = "1"
	}

	res, err := incrementScript.Exec(ctx, s.client,
		[]string{s.accountKey(accountID)},
		[]string{hashField, strconv.FormatInt(investment.ToMinorUnits(delta), 10), s.stamp(), guard},
	).AsInt64()
	if err != nil {
		return fmt.Errorf("redis increment: %w", store.Unavailable(err))
	}

	switch res {
	case 1:
		return nil
	case -1:
		return fmt.Errorf("account %s: %w", accountID, store.ErrNotFound)
	case -3:
		return fmt.Errorf("account %s: %w", accountID, store.ErrInsufficientFunds)
	default:
		return fmt.Errorf("redis increment: unexpected script result %d", res)
	}
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Do(ctx, s.client.B().Ping().Build()).Error(); err != nil {
		return fmt.Errorf("redis ping: %w", store.Unavailable(err))
	}
	return nil
}

// Name returns the store name.
func (s *Store) Name() string {
	return s.name
}

// Close closes the client.
func (s *Store) Close() error {
	s.client.Close()
	return nil
}

// FlushDB removes every key in the selected database. Test helper.
func (s *Store) FlushDB(ctx context.Context) error {
	if err := s.client.Do(ctx, s.client.B().Flushdb().Build()).Error(); err != nil {
		return fmt.Errorf("redis flushdb: %w", err)
	}
	return nil
}
