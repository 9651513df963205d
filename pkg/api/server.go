// Package api exposes the settlement engine and ledger over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"settlement-engine/pkg/dispatch"
	"settlement-engine/pkg/ledger"
	"settlement-engine/pkg/logging"
	"settlement-engine/pkg/metrics"
	metricsmem "settlement-engine/pkg/metrics/memory"
	"settlement-engine/pkg/settlement"
	"settlement-engine/pkg/store"
)

const (
	// AccountHeader carries the caller identity set by the identity provider
	// in front of the service.
	AccountHeader = "X-Account-ID"
	// GatewayTokenHeader authenticates payment-gateway callbacks.
	GatewayTokenHeader = "X-Gateway-Token"
	// AdminTokenHeader authenticates admin endpoints.
	AdminTokenHeader = "X-Admin-Token"
)

// Server provides the HTTP surface.
type Server struct {
	deps   Deps
	router *mux.Router
	server *http.Server
	config ServerConfig
	logger *logging.Logger
	start  time.Time
}

// Deps are the components the server drives. Sweeper, Dispatcher and
// Gatherer are optional.
type Deps struct {
	Ledger     *ledger.Service
	Engine     *settlement.Engine
	Sweeper    *settlement.Sweeper
	Dispatcher *dispatch.Dispatcher
	Metrics    metrics.MetricsCollector
	Gatherer   prometheus.Gatherer
}

// ServerConfig holds configuration for the API server.
type ServerConfig struct {
	// Address to listen on (e.g., ":8080")
	Address string `mapstructure:"address"`

	// ReadTimeout for HTTP requests
	ReadTimeout time.Duration `mapstructure:"read_timeout"`

	// WriteTimeout for HTTP responses
	WriteTimeout time.Duration `mapstructure:"write_timeout"`

	// RequestTimeout bounds store work done on behalf of one request,
	// including the synchronous reconcile on single reads
	RequestTimeout time.Duration `mapstructure:"request_timeout"`

	// GatewayToken, when set, must match the X-Gateway-Token header on
	// deposit callbacks
	GatewayToken string `mapstructure:"gateway_token"`

	// AdminToken, when set, must match the X-Admin-Token header on admin
	// endpoints
	AdminToken string `mapstructure:"admin_token"`
}

// DefaultServerConfig returns a default configuration.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Address:        ":8080",
		ReadTimeout:    5 * time.Second,
		WriteTimeout:   30 * time.Second,
		RequestTimeout: 3 * time.Second,
	}
}

// NewServer creates the API server.
func NewServer(deps Deps, config ServerConfig) *Server {
	if deps.Metrics == nil {
		deps.Metrics = metrics.NoOpCollector{}
	}
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = DefaultServerConfig().RequestTimeout
	}

	s := &Server{
		deps:   deps,
		config: config,
		logger: logging.Global().Named("api"),
		start:  time.Now(),
	}

	r := mux.NewRouter()
	r.Use(s.logRequests)

	// Health and status endpoints
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)

	// Metrics endpoints
	if deps.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}
	r.HandleFunc("/metrics/json", s.handleMetricsJSON).Methods(http.MethodGet)

	v1 := r.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/products", s.handleProducts).Methods(http.MethodGet)
	v1.HandleFunc("/accounts", s.handleOpenAccount).Methods(http.MethodPost)
	v1.HandleFunc("/account", s.withAccount(s.handleAccount)).Methods(http.MethodGet)
	v1.HandleFunc("/investments", s.withAccount(s.handleListInvestments)).Methods(http.MethodGet)
	v1.HandleFunc("/investments", s.withAccount(s.handlePurchase)).Methods(http.MethodPost)
	v1.HandleFunc("/investments/{id}", s.withAccount(s.handleGetInvestment)).Methods(http.MethodGet)
	v1.HandleFunc("/investments/{id}/progress", s.withAccount(s.handleProgress)).Methods(http.MethodGet)
	v1.HandleFunc("/withdrawals", s.withAccount(s.handleWithdraw)).Methods(http.MethodPost)
	v1.HandleFunc("/gateway/deposits", s.withToken(config.GatewayToken, GatewayTokenHeader, s.handleDeposit)).Methods(http.MethodPost)
	v1.HandleFunc("/admin/sweeps", s.withToken(config.AdminToken, AdminTokenHeader, s.handleSweep)).Methods(http.MethodPost)

	s.router = r
	s.server = &http.Server{
		Addr:         config.Address,
		Handler:      r,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
	}

	return s
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start starts the HTTP server in a goroutine.
func (s *Server) Start() error {
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("API server error", zap.Error(err))
		}
	}()
	s.logger.Info("API server listening", zap.String("address", s.config.Address))
	return nil
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// handleHealth pings the store.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	st := s.deps.Engine.Store()
	response := map[string]interface{}{
		"status":    "healthy",
		"store":     st.Name(),
		"timestamp": time.Now().Unix(),
	}

	if err := st.Ping(ctx); err != nil {
		response["status"] = "unhealthy"
		response["error"] = err.Error()
		writeJSON(w, http.StatusServiceUnavailable, response)
		return
	}
	writeJSON(w, http.StatusOK, response)
}

// handleStatus returns detailed status information.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st := s.deps.Engine.Store()
	response := map[string]interface{}{
		"status":    "running",
		"timestamp": time.Now().Unix(),
		"uptime":    time.Since(s.start).String(),
		"store":     st.Name(),
	}

	if cb, ok := st.(interface{ State() metrics.CircuitState }); ok {
		response["circuit_breaker"] = cb.State().String()
	}
	if s.deps.Dispatcher != nil {
		response["dispatch"] = s.deps.Dispatcher.Stats()
	}
	if s.deps.Sweeper != nil {
		if last := s.deps.Sweeper.Last(); last != nil {
			response["last_sweep"] = last
		}
	}

	writeJSON(w, http.StatusOK, response)
}

// handleMetricsJSON returns metrics in JSON format when the collector keeps
// them in memory.
func (s *Server) handleMetricsJSON(w http.ResponseWriter, r *http.Request) {
	if mc, ok := s.deps.Metrics.(interface{ Snapshot() metricsmem.Snapshot }); ok {
		writeJSON(w, http.StatusOK, mc.Snapshot())
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"error": "Metrics collector does not support JSON snapshot",
	})
}

func (s *Server) withAccount(next func(http.ResponseWriter, *http.Request, string)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(AccountHeader)
		if id == "" {
			writeError(w, http.StatusUnauthorized, "missing "+AccountHeader+" header")
			return
		}
		if err := store.ValidateID(id); err != nil {
			writeError(w, http.StatusUnauthorized, err.Error())
			return
		}
		next(w, r, id)
	}
}

func (s *Server) withToken(token, header string, next http.HandlerFunc) http.HandlerFunc {
	if token == "" {
		return next
	}
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(header) != token {
			writeError(w, http.StatusForbidden, "invalid "+header)
			return
		}
		next(w, r)
	}
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", rec.status),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]interface{}{"error": msg})
}

// writeErr maps domain errors to status codes.
func (s *Server) writeErr(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case store.IsNotFound(err):
		status = http.StatusNotFound
	case errors.Is(err, store.ErrAlreadyExists), errors.Is(err, store.ErrInsufficientFunds):
		status = http.StatusConflict
	case errors.Is(err, ledger.ErrInvalidAmount),
		errors.Is(err, ledger.ErrUnknownProduct),
		errors.Is(err, ledger.ErrInvalidStart),
		errors.Is(err, store.ErrInvalidID),
		settlement.IsInvalidInput(err):
		status = http.StatusBadRequest
	case store.IsUnavailable(err), settlement.IsStoreUnavailable(err):
		status = http.StatusServiceUnavailable
	}
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", zap.String("error_type", store.ClassifyError(err)), zap.Error(err))
	}
	writeError(w, status, err.Error())
}

func (s *Server) requestContext(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), s.config.RequestTimeout)
}
