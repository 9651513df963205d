package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. SETTLE_STORE_DRIVER.
const EnvPrefix = "SETTLE"

// Load reads defaults, then the YAML file at path (if non-empty), then
// SETTLE_* environment variables, and validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v, DefaultConfig())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("config: %w", err)
		}
		v.SetConfigFile(path)
		if ext := strings.TrimPrefix(filepath.Ext(path), "."); ext == "" {
			v.SetConfigType("yaml")
		}
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// setDefaults registers every key so AutomaticEnv can override it.
func setDefaults(v *viper.Viper, c *Config) {
	v.SetDefault("store.driver", c.Store.Driver)

	r := c.Store.Redis
	v.SetDefault("store.redis.name", r.Name)
	v.SetDefault("store.redis.addr", r.Addr)
	v.SetDefault("store.redis.cluster_addrs", r.ClusterAddrs)
	v.SetDefault("store.redis.username", r.Username)
	v.SetDefault("store.redis.password", r.Password)
	v.SetDefault("store.redis.db", r.DB)
	v.SetDefault("store.redis.key_prefix", r.KeyPrefix)
	v.SetDefault("store.redis.dial_timeout", r.DialTimeout)
	v.SetDefault("store.redis.write_timeout", r.WriteTimeout)
	v.SetDefault("store.redis.sentinel_addrs", r.SentinelAddrs)
	v.SetDefault("store.redis.sentinel_master_set", r.SentinelMasterSet)
	v.SetDefault("store.redis.sentinel_username", r.SentinelUsername)
	v.SetDefault("store.redis.sentinel_password", r.SentinelPassword)
	v.SetDefault("store.redis.disable_cache", r.DisableCache)
	v.SetDefault("store.redis.always_resp2", r.AlwaysRESP2)

	p := c.Store.Postgres
	v.SetDefault("store.postgres.name", p.Name)
	v.SetDefault("store.postgres.dsn", p.DSN)
	v.SetDefault("store.postgres.host", p.Host)
	v.SetDefault("store.postgres.port", p.Port)
	v.SetDefault("store.postgres.user", p.User)
	v.SetDefault("store.postgres.password", p.Password)
	v.SetDefault("store.postgres.database", p.Database)
	v.SetDefault("store.postgres.ssl_mode", p.SSLMode)
	v.SetDefault("store.postgres.max_open_conns", p.MaxOpenConns)
	v.SetDefault("store.postgres.max_idle_conns", p.MaxIdleConns)
	v.SetDefault("store.postgres.conn_max_lifetime", p.ConnMaxLifetime)
	v.SetDefault("store.postgres.connect_timeout", p.ConnectTimeout)

	m := c.Store.Mongo
	v.SetDefault("store.mongo.name", m.Name)
	v.SetDefault("store.mongo.uri", m.URI)
	v.SetDefault("store.mongo.database", m.Database)
	v.SetDefault("store.mongo.accounts_collection", m.AccountsCollection)
	v.SetDefault("store.mongo.investments_collection", m.InvestmentsCollection)
	v.SetDefault("store.mongo.connect_timeout", m.ConnectTimeout)
	v.SetDefault("store.mongo.use_transactions", m.UseTransactions)

	v.SetDefault("resilience.enabled", c.Resilience.Enabled)
	v.SetDefault("resilience.timeout", c.Resilience.Timeout)
	v.SetDefault("resilience.max_requests", c.Resilience.MaxRequests)
	v.SetDefault("resilience.interval", c.Resilience.Interval)
	v.SetDefault("resilience.open_timeout", c.Resilience.OpenTimeout)
	v.SetDefault("resilience.min_requests", c.Resilience.MinRequests)
	v.SetDefault("resilience.failure_rate", c.Resilience.FailureRate)

	v.SetDefault("engine.max_attempts", c.Engine.MaxAttempts)
	v.SetDefault("engine.coalesce", c.Engine.Coalesce)
	v.SetDefault("engine.timeout", c.Engine.Timeout)

	v.SetDefault("sweep.enabled", c.Sweep.Enabled)
	v.SetDefault("sweep.interval", c.Sweep.Interval)
	v.SetDefault("sweep.concurrency", c.Sweep.Concurrency)

	v.SetDefault("dispatch.enabled", c.Dispatch.Enabled)
	v.SetDefault("dispatch.queue_size", c.Dispatch.QueueSize)
	v.SetDefault("dispatch.workers", c.Dispatch.Workers)
	v.SetDefault("dispatch.max_wait_time", c.Dispatch.MaxWaitTime)
	v.SetDefault("dispatch.timeout", c.Dispatch.Timeout)

	v.SetDefault("http.address", c.HTTP.Address)
	v.SetDefault("http.read_timeout", c.HTTP.ReadTimeout)
	v.SetDefault("http.write_timeout", c.HTTP.WriteTimeout)
	v.SetDefault("http.request_timeout", c.HTTP.RequestTimeout)
	v.SetDefault("http.gateway_token", c.HTTP.GatewayToken)
	v.SetDefault("http.admin_token", c.HTTP.AdminToken)

	v.SetDefault("logging.level", c.Logging.Level)
	v.SetDefault("logging.format", c.Logging.Format)
	v.SetDefault("logging.output_paths", c.Logging.OutputPaths)
	v.SetDefault("logging.error_output_paths", c.Logging.ErrorOutputPaths)
	v.SetDefault("logging.development", c.Logging.Development)
	v.SetDefault("logging.enable_caller", c.Logging.EnableCaller)
	v.SetDefault("logging.enable_stacktrace", c.Logging.EnableStacktrace)

	v.SetDefault("metrics.enabled", c.Metrics.Enabled)
	v.SetDefault("metrics.namespace", c.Metrics.Namespace)

	products := make([]map[string]interface{}, 0, len(c.Products))
	for _, pc := range c.Products {
		products = append(products, map[string]interface{}{
			"name":         pc.Name,
			"period_unit":  pc.PeriodUnit,
			"period":       pc.Period,
			"expected_roi": pc.ExpectedROI,
			"minimum":      pc.Minimum,
			"maximum":      pc.Maximum,
			"scheduled":    pc.Scheduled,
		})
	}
	v.SetDefault("products", products)
}
