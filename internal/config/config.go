// Package config loads the service configuration.
package config

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"settlement-engine/pkg/api"
	"settlement-engine/pkg/dispatch"
	"settlement-engine/pkg/investment"
	"settlement-engine/pkg/logging"
	"settlement-engine/pkg/resilience"
	"settlement-engine/pkg/settlement"
	"settlement-engine/pkg/store/mongo"
	"settlement-engine/pkg/store/postgres"
	"settlement-engine/pkg/store/redis"
)

// Store drivers.
const (
	DriverMemory   = "memory"
	DriverRedis    = "redis"
	DriverPostgres = "postgres"
	DriverMongo    = "mongo"
)

// Config is the full service configuration.
type Config struct {
	Store      StoreConfig      `mapstructure:"store"`
	Resilience ResilienceConfig `mapstructure:"resilience"`
	Engine     EngineConfig     `mapstructure:"engine"`
	Sweep      SweepConfig      `mapstructure:"sweep"`
	Dispatch   DispatchConfig   `mapstructure:"dispatch"`
	HTTP       api.ServerConfig `mapstructure:"http"`
	Logging    logging.Config   `mapstructure:"logging"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	Products   []ProductConfig  `mapstructure:"products"`
}

// StoreConfig selects and configures the record store.
type StoreConfig struct {
	Driver   string          `mapstructure:"driver"`
	Redis    redis.Config    `mapstructure:"redis"`
	Postgres postgres.Config `mapstructure:"postgres"`
	Mongo    mongo.Config    `mapstructure:"mongo"`
}

// ResilienceConfig configures the timeout and circuit breaker around the store.
type ResilienceConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	Timeout     time.Duration `mapstructure:"timeout"`
	MaxRequests uint32        `mapstructure:"max_requests"`
	Interval    time.Duration `mapstructure:"interval"`
	OpenTimeout time.Duration `mapstructure:"open_timeout"`
	// The breaker opens once MinRequests were seen in an interval and the
	// failure ratio reaches FailureRate.
	MinRequests uint32  `mapstructure:"min_requests"`
	FailureRate float64 `mapstructure:"failure_rate"`
}

// EngineConfig configures the settlement engine.
type EngineConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	Coalesce    bool          `mapstructure:"coalesce"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

// SweepConfig configures the periodic sweep.
type SweepConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	Interval    time.Duration `mapstructure:"interval"`
	Concurrency int           `mapstructure:"concurrency"`
}

// DispatchConfig configures opportunistic reconciles from list reads.
type DispatchConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	QueueSize   int           `mapstructure:"queue_size"`
	Workers     int           `mapstructure:"workers"`
	MaxWaitTime time.Duration `mapstructure:"max_wait_time"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

// MetricsConfig configures the Prometheus exporter.
type MetricsConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Namespace string `mapstructure:"namespace"`
}

// ProductConfig is a catalog entry. Amounts are decimal strings.
type ProductConfig struct {
	Name        string `mapstructure:"name"`
	PeriodUnit  string `mapstructure:"period_unit"`
	Period      int    `mapstructure:"period"`
	ExpectedROI string `mapstructure:"expected_roi"`
	Minimum     string `mapstructure:"minimum"`
	Maximum     string `mapstructure:"maximum"`
	Scheduled   bool   `mapstructure:"scheduled"`
}

// DefaultConfig returns the default configuration: in-memory store, sweep
// every minute, stock products.
func DefaultConfig() *Config {
	res := resilience.DefaultResilientConfig()
	eng := settlement.DefaultConfig()
	sw := settlement.DefaultSweepConfig()
	disp := dispatch.DefaultConfig()
	// stdout carries command output (sweep reports, inspect).
	logCfg := logging.DefaultConfig()
	logCfg.OutputPaths = []string{"stderr"}

	return &Config{
		Store: StoreConfig{
			Driver:   DriverMemory,
			Redis:    redis.DefaultConfig(),
			Postgres: postgres.DefaultConfig(),
			Mongo:    mongo.DefaultConfig(),
		},
		Resilience: ResilienceConfig{
			Enabled:     true,
			Timeout:     res.Timeout,
			MaxRequests: res.CircuitBreakerConfig.MaxRequests,
			Interval:    res.CircuitBreakerConfig.Interval,
			OpenTimeout: res.CircuitBreakerConfig.Timeout,
			MinRequests: 20,
			FailureRate: 0.15,
		},
		Engine: EngineConfig{
			MaxAttempts: eng.MaxAttempts,
			Coalesce:    eng.Coalesce,
			Timeout:     eng.Timeout,
		},
		Sweep: SweepConfig{
			Enabled:     true,
			Interval:    sw.Interval,
			Concurrency: sw.Concurrency,
		},
		Dispatch: DispatchConfig{
			Enabled:     true,
			QueueSize:   disp.QueueSize,
			Workers:     disp.Workers,
			MaxWaitTime: disp.MaxWaitTime,
			Timeout:     disp.Timeout,
		},
		HTTP:    api.DefaultServerConfig(),
		Logging: logCfg,
		Metrics: MetricsConfig{
			Enabled:   true,
			Namespace: "settlement",
		},
		Products: productConfigs(investment.DefaultProducts()),
	}
}

func productConfigs(products []investment.Product) []ProductConfig {
	out := make([]ProductConfig, 0, len(products))
	for _, p := range products {
		out = append(out, ProductConfig{
			Name:        p.Name,
			PeriodUnit:  string(p.PeriodUnit),
			Period:      p.Period,
			ExpectedROI: p.ExpectedROI.String(),
			Minimum:     p.Minimum.String(),
			Maximum:     p.Maximum.String(),
			Scheduled:   p.Scheduled,
		})
	}
	return out
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case DriverMemory, DriverRedis, DriverPostgres, DriverMongo:
	default:
		return fmt.Errorf("config: unknown store driver %q", c.Store.Driver)
	}

	if c.Resilience.Enabled {
		if c.Resilience.Timeout < 0 {
			return fmt.Errorf("config: resilience.timeout must not be negative")
		}
		if c.Resilience.FailureRate <= 0 || c.Resilience.FailureRate > 1 {
			return fmt.Errorf("config: resilience.failure_rate must be in (0, 1], got %v", c.Resilience.FailureRate)
		}
	}
	if c.Engine.MaxAttempts < 1 {
		return fmt.Errorf("config: engine.max_attempts must be >= 1")
	}
	if c.Engine.Timeout <= 0 {
		return fmt.Errorf("config: engine.timeout must be positive")
	}
	if c.Sweep.Enabled && c.Sweep.Interval <= 0 {
		return fmt.Errorf("config: sweep.interval must be positive")
	}
	if c.Sweep.Concurrency < 1 {
		return fmt.Errorf("config: sweep.concurrency must be >= 1")
	}
	if c.Dispatch.Enabled && (c.Dispatch.QueueSize < 1 || c.Dispatch.Workers < 1) {
		return fmt.Errorf("config: dispatch.queue_size and dispatch.workers must be >= 1")
	}
	if c.HTTP.Address == "" {
		return fmt.Errorf("config: http.address is required")
	}
	if len(c.Products) == 0 {
		return fmt.Errorf("config: at least one product is required")
	}
	if _, err := c.Catalog(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// Catalog builds the product catalog.
func (c *Config) Catalog() (*investment.Catalog, error) {
	products := make([]investment.Product, 0, len(c.Products))
	for _, pc := range c.Products {
		p, err := pc.product()
		if err != nil {
			return nil, err
		}
		products = append(products, p)
	}
	return investment.NewCatalog(products...)
}

func (pc ProductConfig) product() (investment.Product, error) {
	amount := func(field, s string) (decimal.Decimal, error) {
		if s == "" {
			return decimal.Zero, nil
		}
		d, err := decimal.NewFromString(s)
		if err != nil {
			return decimal.Zero, fmt.Errorf("product %s: %s: %w", pc.Name, field, err)
		}
		return d, nil
	}

	roi, err := amount("expected_roi", pc.ExpectedROI)
	if err != nil {
		return investment.Product{}, err
	}
	minimum, err := amount("minimum", pc.Minimum)
	if err != nil {
		return investment.Product{}, err
	}
	maximum, err := amount("maximum", pc.Maximum)
	if err != nil {
		return investment.Product{}, err
	}

	return investment.Product{
		Name:        pc.Name,
		PeriodUnit:  investment.PeriodUnit(pc.PeriodUnit),
		Period:      pc.Period,
		ExpectedROI: roi,
		Minimum:     minimum,
		Maximum:     maximum,
		Scheduled:   pc.Scheduled,
	}, nil
}

// ResilientConfig converts to the resilience package configuration.
func (r ResilienceConfig) ResilientConfig() resilience.ResilientConfig {
	return resilience.ResilientConfig{
		Timeout: r.Timeout,
		CircuitBreakerConfig: resilience.CircuitBreakerConfig{
			MaxRequests: r.MaxRequests,
			Interval:    r.Interval,
			Timeout:     r.OpenTimeout,
			ReadyToTrip: resilience.FailureRate(r.MinRequests, r.FailureRate),
		},
	}
}

// SettlementConfig converts to the engine configuration.
func (e EngineConfig) SettlementConfig() settlement.Config {
	return settlement.Config{
		MaxAttempts: e.MaxAttempts,
		Coalesce:    e.Coalesce,
		Timeout:     e.Timeout,
		Clock:       time.Now,
	}
}

// SweeperConfig converts to the sweeper configuration.
func (s SweepConfig) SweeperConfig() settlement.SweepConfig {
	return settlement.SweepConfig{
		Concurrency: s.Concurrency,
		Interval:    s.Interval,
	}
}

// DispatcherConfig converts to the dispatcher configuration.
func (d DispatchConfig) DispatcherConfig() dispatch.Config {
	return dispatch.Config{
		QueueSize:   d.QueueSize,
		Workers:     d.Workers,
		MaxWaitTime: d.MaxWaitTime,
		Timeout:     d.Timeout,
	}
}
