package main

// Package main is the entry point for the AIRMS gateway.
//
// Responsibilities:
//   - Load and validate configuration from YAML and environment variables
//   - Build the application logger
//   - Open the SQLite store backing the vault, reports, and audit trail
//   - Start the token remapper and its expiry sweeper (when a key is set)
//   - Register the configured data sources with the secure connector
//   - Wire the risk agent, query planner, LLM client, and orchestrator
//   - Start the HTTP server and the live risk-report stream
//   - Implement graceful shutdown on SIGINT/SIGTERM
//
// The gateway degrades instead of refusing to start: without an LLM key the
// chat endpoint answers 503 while risk analysis keeps working, and without a
// vault key sanitization falls back to plain redaction.

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/airmslabs/airms-gateway/internal/analytics"
	"github.com/airmslabs/airms-gateway/internal/audit"
	"github.com/airmslabs/airms-gateway/internal/config"
	"github.com/airmslabs/airms-gateway/internal/connector"
	"github.com/airmslabs/airms-gateway/internal/cost"
	"github.com/airmslabs/airms-gateway/internal/db"
	"github.com/airmslabs/airms-gateway/internal/detectors"
	"github.com/airmslabs/airms-gateway/internal/llm"
	"github.com/airmslabs/airms-gateway/internal/orchestrator"
	"github.com/airmslabs/airms-gateway/internal/queryplan"
	"github.com/airmslabs/airms-gateway/internal/riskagent"
	"github.com/airmslabs/airms-gateway/internal/server"
	"github.com/airmslabs/airms-gateway/internal/vault"
)

func main() {
	configPath := flag.String("config", "/etc/airms/config.yaml", "path to the config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "airms-gateway: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	ctx := context.Background()

	// Configuration
	mgr, err := config.NewConfigManager(configPath)
	if err != nil {
		return fmt.Errorf("create config manager: %w", err)
	}
	if err := mgr.Load(ctx); err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	if err := mgr.Validate(ctx); err != nil {
		return err
	}
	cfg := mgr.Get(ctx)

	// Logging
	logger, err := buildLogger(cfg)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer logger.Sync()

	// Persistence
	store, err := db.NewSQLiteStore(cfg.Database.SQLitePath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer store.Close()

	// Token remapper
	var remapper *vault.Remapper
	if cfg.Vault.Configured {
		remapper, err = vault.NewRemapper(store, []byte(cfg.Vault.EncryptionKey), logger,
			vault.WithSweepInterval(time.Duration(cfg.Vault.SweepMinutes)*time.Minute))
		if err != nil {
			return fmt.Errorf("create token remapper: %w", err)
		}
		remapper.Start()
		defer remapper.Stop()
	} else {
		logger.Warn("vault key not set, sanitization falls back to plain redaction")
	}

	// Risk agent
	agent := riskagent.New(detectors.DefaultRegistry(), remapper, logger)

	// Audit sink
	auditLog, err := audit.NewLogger(&audit.Config{
		AuditLogPath: cfg.Audit.LogPath,
		MaxSizeMB:    cfg.Audit.MaxSizeMB,
		MaxBackups:   cfg.Audit.MaxBackups,
		MaxAgeDays:   cfg.Audit.MaxAgeDays,
		Compress:     cfg.Audit.Compress,
	}, store, logger)
	if err != nil {
		return fmt.Errorf("create audit sink: %w", err)
	}
	defer auditLog.Close()

	// Data connector
	conn := connector.New(connector.DefaultAdapterRegistry(), agent, cfg.CredentialResolver(), logger)
	defer conn.Close()
	for _, src := range cfg.Sources {
		if err := conn.Register(src); err != nil {
			return fmt.Errorf("register source %s: %w", src.Name, err)
		}
		logger.Info("data source registered",
			zap.String("name", src.Name), zap.String("kind", string(src.Kind)))
	}

	// Live report stream
	hub := server.NewReportHub(cfg.Server.AllowedOrigins, logger)

	// Usage tracking and report analytics
	tracker := cost.NewTracker()
	engine := analytics.New(store, logger)
	defer engine.Close()

	// LLM provider and orchestrator
	var orch *orchestrator.Orchestrator
	if cfg.LLM.Configured {
		var opts []llm.ClientOption
		if cfg.LLM.BaseURL != "" {
			opts = append(opts, llm.WithBaseURL(cfg.LLM.BaseURL))
		}
		client, err := llm.NewClient(cfg.LLM.Provider, cfg.LLM.APIKey, cfg.LLM.Model, logger, opts...)
		if err != nil {
			return fmt.Errorf("create LLM client: %w", err)
		}
		provider := cost.NewMeteredProvider(client, tracker)

		planner := queryplan.New(cfg.Schema,
			queryplan.NewProviderPlanner(provider, cfg.LLM.Model), logger)
		orch = orchestrator.New(agent, provider, planner, conn,
			orchestrator.Sinks(auditLog, hub), logger)
	} else {
		logger.Warn("no LLM provider configured, chat endpoint disabled")
	}

	// HTTP server
	srv, err := server.NewServer(server.Deps{
		Config:       cfg,
		Orchestrator: orch,
		Agent:        agent,
		Connector:    conn,
		Store:        store,
		Audit:        auditLog,
		Usage:        tracker,
		Analytics:    engine,
		Logger:       logger,
		Hub:          hub,
	})
	if err != nil {
		return fmt.Errorf("create server: %w", err)
	}
	if err := srv.Start(); err != nil {
		return fmt.Errorf("start server: %w", err)
	}

	auditLog.Log(ctx, audit.NewEvent(audit.EventServerStarted).
		WithDescription(fmt.Sprintf("gateway listening on port %d", cfg.Server.Port)))

	// Log config file changes; secrets stay environment-driven and reload
	// does not rebind the listener.
	go func() {
		for range mgr.Watch(ctx) {
			logger.Info("configuration file changed, restart to apply server settings")
		}
	}()

	// Graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("shutting down", zap.String("signal", sig.String()))

	auditLog.Log(ctx, audit.NewEvent(audit.EventServerShutdown).
		WithDescription("shutdown on "+sig.String()))

	if err := srv.Stop(); err != nil {
		logger.Warn("server stop", zap.Error(err))
	}
	return nil
}

// buildLogger constructs the application logger from the logging config.
func buildLogger(cfg *config.Config) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if err := level.UnmarshalText([]byte(strings.ToLower(cfg.Logging.Level))); err != nil {
		return nil, fmt.Errorf("log level %q: %w", cfg.Logging.Level, err)
	}

	var zcfg zap.Config
	if strings.EqualFold(cfg.Logging.Format, "text") {
		zcfg = zap.NewDevelopmentConfig()
	} else {
		zcfg = zap.NewProductionConfig()
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)
	return zcfg.Build()
}
