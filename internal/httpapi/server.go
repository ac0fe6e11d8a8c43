// Package httpapi exposes the read and control endpoints over gorilla/mux.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/derivwatch/derivwatch/internal/backfill"
	"github.com/derivwatch/derivwatch/internal/collector"
	"github.com/derivwatch/derivwatch/internal/lifecycle"
	"github.com/derivwatch/derivwatch/internal/modelreg"
	"github.com/derivwatch/derivwatch/internal/provider"
	"github.com/derivwatch/derivwatch/internal/store"
)

// BatchLimit caps the symbols accepted by the batch indicator endpoint.
const BatchLimit = 10

// Config tunes the HTTP server.
type Config struct {
	Addr         string        `yaml:"addr"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
}

// DefaultConfig returns the local-only server defaults.
func DefaultConfig() Config {
	return Config{
		Addr:         ":8090",
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

// Deps carries everything the handlers reach into. Nil members disable their
// endpoints with 503 rather than panicking.
type Deps struct {
	Store      *store.Store
	Resolver   *provider.Resolver
	Collector  *collector.Collector
	Backfill   *backfill.Engine
	Registry   *modelreg.Registry
	Controller *lifecycle.Controller
	Guards     *lifecycle.Guardrails
	Metrics    http.Handler
}

// Server is the derivwatch HTTP API.
type Server struct {
	cfg    Config
	deps   Deps
	router *mux.Router
	server *http.Server
	logger zerolog.Logger
}

// New builds the server and its routes.
func New(cfg Config, deps Deps) *Server {
	s := &Server{
		cfg:    cfg,
		deps:   deps,
		router: mux.NewRouter(),
		logger: log.With().Str("component", "httpapi").Logger(),
	}
	s.routes()
	s.server = &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	return s
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.router }

// Start blocks serving HTTP until Shutdown.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.cfg.Addr).Msg("http api listening")
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) routes() {
	s.router.Use(s.requestIDMiddleware)
	s.router.Use(s.loggingMiddleware)

	s.router.HandleFunc("/healthz", s.handleHealthz).Methods("GET")
	if s.deps.Metrics != nil {
		s.router.Handle("/metrics", s.deps.Metrics).Methods("GET")
	}

	api := s.router.PathPrefix("/api/v1").Subrouter()
	api.Use(jsonContentTypeMiddleware)

	// Observations and indicators (read).
	api.HandleFunc("/observations/latest", s.handleLatestObservation).Methods("GET")
	api.HandleFunc("/observations", s.handleListObservations).Methods("GET")
	api.HandleFunc("/indicators/batch", s.handleIndicatorBatch).Methods("POST")
	api.HandleFunc("/indicators/{symbol}", s.handleIndicators).Methods("GET")
	api.HandleFunc("/indicators/{symbol}/{id}", s.handleIndicator).Methods("GET")

	// Providers (read + control).
	api.HandleFunc("/providers", s.handleProviders).Methods("GET")
	api.HandleFunc("/providers/{id}/enable", s.handleProviderEnable(true)).Methods("POST")
	api.HandleFunc("/providers/{id}/disable", s.handleProviderEnable(false)).Methods("POST")
	api.HandleFunc("/providers/{id}/reset-health", s.handleProviderReset).Methods("POST")
	api.HandleFunc("/providers/{id}/priority", s.handleProviderPriority).Methods("POST")
	api.HandleFunc("/symbols/cache/clear", s.handleClearSymbolCache).Methods("POST")

	// Collector.
	api.HandleFunc("/collector/stats", s.handleCollectorStats).Methods("GET")

	// Backfill control.
	api.HandleFunc("/backfill", s.handleBackfillStart).Methods("POST")
	api.HandleFunc("/backfill/status", s.handleBackfillStatus).Methods("GET")
	api.HandleFunc("/backfill/cancel", s.handleBackfillCancel).Methods("POST")
	api.HandleFunc("/backfill/runs", s.handleBackfillRuns).Methods("GET")
	api.HandleFunc("/backfill/runs/{id}", s.handleBackfillRunStatus).Methods("GET")
	api.HandleFunc("/backfill/runs/{id}/cancel", s.handleBackfillRunCancel).Methods("POST")

	// Models, runs, registry.
	api.HandleFunc("/models", s.handleListModels).Methods("GET")
	api.HandleFunc("/models/{id}", s.handleGetModel).Methods("GET")
	api.HandleFunc("/runs", s.handleListRuns).Methods("GET")
	api.HandleFunc("/registry/{horizon}", s.handleRegistryState).Methods("GET")
	api.HandleFunc("/registry/{horizon}/promote", s.handlePromote).Methods("POST")
	api.HandleFunc("/registry/{horizon}/rollback", s.handleRollback).Methods("POST")
	api.HandleFunc("/registry/{horizon}/shadow", s.handleSetShadow).Methods("POST")
	api.HandleFunc("/registry/{horizon}/shadow", s.handleClearShadow).Methods("DELETE")

	// Events.
	api.HandleFunc("/events", s.handleListEvents).Methods("GET")
	api.HandleFunc("/events/stats", s.handleEventStats).Methods("GET")

	// Lifecycle control.
	api.HandleFunc("/lifecycle/promotion-pass", s.handlePromotionPass).Methods("POST")
	api.HandleFunc("/lifecycle/rollback-pass", s.handleRollbackPass).Methods("POST")
	api.HandleFunc("/lifecycle/kill-switch", s.handleKillSwitch).Methods("POST")
	api.HandleFunc("/lifecycle/promotion-lock", s.handlePromotionLock).Methods("POST")
	api.HandleFunc("/lifecycle/drift/{horizon}", s.handleDriftState).Methods("POST")
	api.HandleFunc("/lifecycle/guardrails", s.handleGuardrailConfig).Methods("GET")
	api.HandleFunc("/lifecycle/guardrails", s.handleGuardrailPatch).Methods("PATCH")
}

func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := uuid.NewString()[:8]
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r)
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("elapsed", time.Since(start)).
			Msg("request")
	})
}

func jsonContentTypeMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}

func decodeBody(r *http.Request, v any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
