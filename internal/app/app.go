// Package app wires configured components into a running service.
package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"settlement-engine/internal/config"
	"settlement-engine/pkg/api"
	"settlement-engine/pkg/dispatch"
	"settlement-engine/pkg/ledger"
	"settlement-engine/pkg/logging"
	"settlement-engine/pkg/metrics"
	promMetrics "settlement-engine/pkg/metrics/prometheus"
	"settlement-engine/pkg/resilience"
	"settlement-engine/pkg/settlement"
	"settlement-engine/pkg/store"
	"settlement-engine/pkg/store/memory"
	"settlement-engine/pkg/store/mongo"
	"settlement-engine/pkg/store/postgres"
	"settlement-engine/pkg/store/redis"
)

// App holds the wired components.
type App struct {
	Config     *config.Config
	Logger     *logging.Logger
	Store      store.Store
	Metrics    metrics.MetricsCollector
	Registry   *prometheus.Registry
	Engine     *settlement.Engine
	Sweeper    *settlement.Sweeper
	Dispatcher *dispatch.Dispatcher
	Ledger     *ledger.Service
	Server     *api.Server
}

// New builds every component from cfg. The logger is installed as the
// global logger before any component is constructed.
func New(cfg *config.Config) (*App, error) {
	logger, err := logging.NewLogger(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	logging.SetGlobal(logger)

	a := &App{
		Config:  cfg,
		Logger:  logger,
		Metrics: metrics.NoOpCollector{},
	}

	if cfg.Metrics.Enabled {
		a.Registry = prometheus.NewRegistry()
		a.Registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		pc := promMetrics.NewPrometheusCollector(cfg.Metrics.Namespace)
		if err := pc.Register(a.Registry); err != nil {
			return nil, fmt.Errorf("failed to register metrics: %w", err)
		}
		a.Metrics = pc
	}

	backend, err := OpenStore(cfg.Store)
	if err != nil {
		return nil, err
	}
	a.Store = backend
	if cfg.Resilience.Enabled {
		a.Store = resilience.NewResilientStoreWithMetrics(backend, cfg.Resilience.ResilientConfig(), a.Metrics)
	}
	logger.Info("store ready", logging.Backend(a.Store.Name()), zap.String("driver", cfg.Store.Driver))

	catalog, err := cfg.Catalog()
	if err != nil {
		a.Store.Close()
		return nil, err
	}

	a.Engine = settlement.NewEngineWithMetrics(a.Store, cfg.Engine.SettlementConfig(), a.Metrics)
	a.Sweeper = settlement.NewSweeperWithMetrics(a.Engine, cfg.Sweep.SweeperConfig(), a.Metrics)
	a.Ledger = ledger.NewService(a.Store, catalog, nil)
	if cfg.Dispatch.Enabled {
		a.Dispatcher = dispatch.NewWithMetrics(a.Engine, cfg.Dispatch.DispatcherConfig(), a.Metrics)
	}

	deps := api.Deps{
		Ledger:     a.Ledger,
		Engine:     a.Engine,
		Sweeper:    a.Sweeper,
		Dispatcher: a.Dispatcher,
		Metrics:    a.Metrics,
	}
	if a.Registry != nil {
		deps.Gatherer = a.Registry
	}
	a.Server = api.NewServer(deps, cfg.HTTP)

	return a, nil
}

// OpenStore connects the configured backend.
func OpenStore(cfg config.StoreConfig) (store.Store, error) {
	switch cfg.Driver {
	case config.DriverMemory, "":
		return memory.New(memory.Config{}), nil
	case config.DriverRedis:
		s, err := redis.New(cfg.Redis)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		return s, nil
	case config.DriverPostgres:
		s, err := postgres.New(cfg.Postgres)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to postgres: %w", err)
		}
		return s, nil
	case config.DriverMongo:
		s, err := mongo.New(cfg.Mongo)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to mongo: %w", err)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

// RunSweeper runs the periodic sweep until ctx is done. It returns
// immediately when sweeping is disabled.
func (a *App) RunSweeper(ctx context.Context) {
	if !a.Config.Sweep.Enabled {
		a.Logger.Info("periodic sweep disabled")
		return
	}
	a.Logger.Info("periodic sweep started", zap.Duration("interval", a.Config.Sweep.Interval))
	if err := a.Sweeper.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Warn("periodic sweep stopped", zap.Error(err))
	}
}

// Close drains the dispatcher and closes the store.
func (a *App) Close() error {
	var errs []error
	if a.Dispatcher != nil {
		errs = append(errs, a.Dispatcher.Close())
	}
	if a.Store != nil {
		errs = append(errs, a.Store.Close())
	}
	_ = a.Logger.Sync()
	return errors.Join(errs...)
}
