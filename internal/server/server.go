package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/airmslabs/airms-gateway/internal/analytics"
	"github.com/airmslabs/airms-gateway/internal/audit"
	"github.com/airmslabs/airms-gateway/internal/config"
	"github.com/airmslabs/airms-gateway/internal/connector"
	"github.com/airmslabs/airms-gateway/internal/cost"
	"github.com/airmslabs/airms-gateway/internal/db"
	"github.com/airmslabs/airms-gateway/internal/middleware"
	"github.com/airmslabs/airms-gateway/internal/orchestrator"
	"github.com/airmslabs/airms-gateway/internal/riskagent"
)

// Version is the gateway version reported by /info.
const Version = "0.1.0"

// Deps are the wired components the HTTP surface fronts. Orchestrator may be
// nil when no LLM provider is configured; the chat endpoint then answers 503.
type Deps struct {
	Config       *config.Config
	Orchestrator *orchestrator.Orchestrator
	Agent        *riskagent.Agent
	Connector    *connector.Connector
	Store        db.Store
	Audit        audit.Logger
	Usage        *cost.Tracker
	Analytics    *analytics.Engine
	Logger       *zap.Logger

	// Hub carries the live report stream when the caller has already wired
	// it into the orchestrator's sink. Nil creates a fresh hub.
	Hub *ReportHub
}

// Server is the AIRMS gateway HTTP server.
type Server struct {
	config *config.Config

	// Core components
	orchestrator *orchestrator.Orchestrator
	agent        *riskagent.Agent
	connector    *connector.Connector
	store        db.Store
	audit        audit.Logger
	usage        *cost.Tracker
	analytics    *analytics.Engine
	logger       *zap.Logger

	// Live report stream
	hub *ReportHub

	// HTTP server
	httpServer *http.Server
	limiter    *middleware.RateLimiter

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// State
	mu      sync.RWMutex
	running bool
}

// NewServer creates the gateway server.
func NewServer(deps Deps) (*Server, error) {
	if deps.Config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if deps.Agent == nil {
		return nil, fmt.Errorf("risk agent cannot be nil")
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}

	hub := deps.Hub
	if hub == nil {
		hub = NewReportHub(deps.Config.Server.AllowedOrigins, deps.Logger)
	}

	ctx, cancel := context.WithCancel(context.Background())

	srv := &Server{
		config:       deps.Config,
		orchestrator: deps.Orchestrator,
		agent:        deps.Agent,
		connector:    deps.Connector,
		store:        deps.Store,
		audit:        deps.Audit,
		usage:        deps.Usage,
		analytics:    deps.Analytics,
		logger:       deps.Logger,
		hub:          hub,
		ctx:          ctx,
		cancel:       cancel,
	}
	return srv, nil
}

// Hub returns the live report stream hub. Wire it into the orchestrator's
// report sink so connected dashboards see every report.
func (s *Server) Hub() *ReportHub {
	return s.hub
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("server is already running")
	}
	s.running = true
	s.mu.Unlock()

	mux := http.NewServeMux()
	s.registerHandlers(mux)

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.config.Server.Port),
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		var err error
		if s.config.Server.TLSEnabled {
			err = s.httpServer.ListenAndServeTLS(s.config.Server.TLSCertPath, s.config.Server.TLSKeyPath)
		} else {
			err = s.httpServer.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			s.logger.Error("http server error", zap.Error(err))
		}
	}()

	s.logger.Info("gateway started",
		zap.Int("port", s.config.Server.Port),
		zap.Bool("tls", s.config.Server.TLSEnabled),
		zap.Bool("llm_configured", s.config.LLM.Configured),
		zap.Bool("vault_configured", s.config.Vault.Configured),
		zap.String("mode", s.config.Risk.DefaultMode),
	)
	return nil
}

// Stop gracefully stops the server.
func (s *Server) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return fmt.Errorf("server is not running")
	}
	s.running = false
	s.mu.Unlock()

	if s.httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("http shutdown error", zap.Error(err))
		}
	}

	s.hub.Close()
	if s.limiter != nil {
		s.limiter.Stop()
	}

	s.cancel()
	s.wg.Wait()

	s.logger.Info("gateway stopped")
	return nil
}

// Wait blocks until the server is stopped.
func (s *Server) Wait() {
	<-s.ctx.Done()
}

// IsRunning returns whether the server is running.
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// registerHandlers registers HTTP handlers.
func (s *Server) registerHandlers(mux *http.ServeMux) {
	limited := func(next http.HandlerFunc) http.HandlerFunc { return next }
	if s.config.RateLimit.RequestsPerMinute > 0 {
		s.limiter = middleware.NewRateLimiter(s.config.RateLimit.RequestsPerMinute, s.config.RateLimit.Burst)
		limited = s.limiter.Middleware
	}

	// Liveness and readiness
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ready", s.handleReady)
	mux.HandleFunc("/info", s.handleInfo)

	// Pipeline endpoints
	mux.HandleFunc("/api/v1/chat/completions", limited(s.handleChatCompletions))
	mux.HandleFunc("/api/v1/risk/analyze", limited(s.handleRiskAnalyze))

	// Admin endpoints
	mux.HandleFunc("/api/v1/sources", s.handleSources)
	mux.HandleFunc("/api/v1/reports", s.handleReports)
	mux.HandleFunc("/api/v1/reports/", s.handleReportGet)
	mux.HandleFunc("/api/v1/usage", s.handleUsage)
	mux.HandleFunc("/api/v1/analytics/summary", s.handleAnalyticsSummary)

	// Live report stream
	mux.HandleFunc("/ws/risk", s.hub.HandleStream)

	// Prometheus
	mux.Handle("/metrics", promhttp.Handler())
}

// ─── Health endpoints ───────────────────────────────────────────────────────

// handleHealth handles liveness checks.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// handleReady reports per-component readiness. The gateway is ready when the
// database answers; LLM and vault report their configured state so operators
// can tell a degraded gateway from a broken one.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s.mu.RLock()
	running := s.running
	s.mu.RUnlock()

	dbOK := s.store != nil
	if dbOK {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		dbOK = s.store.Ping(ctx) == nil
		cancel()
	}

	sourceCount := 0
	if s.connector != nil {
		sourceCount = len(s.connector.Sources())
	}

	components := map[string]any{
		"database":     dbOK,
		"llm":          s.config.LLM.Configured,
		"vault":        s.config.Vault.Configured,
		"data_sources": sourceCount,
	}

	ready := running && dbOK
	status := "ready"
	code := http.StatusOK
	if !ready {
		status = "not_ready"
		code = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]any{
		"status":     status,
		"components": components,
		"timestamp":  time.Now().UTC().Format(time.RFC3339),
	})
}

// handleInfo reports build and configuration facts. Never includes secrets.
func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]any{
		"name":             "AIRMS Gateway",
		"version":          Version,
		"llm_provider":     s.config.LLM.Provider,
		"llm_configured":   s.config.LLM.Configured,
		"vault_configured": s.config.Vault.Configured,
		"default_mode":     s.config.Risk.DefaultMode,
		"timestamp":        time.Now().UTC().Format(time.RFC3339),
	})
}
