package config

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/airmslabs/airms-gateway/internal/connector"
	"github.com/airmslabs/airms-gateway/internal/queryplan"
)

// Package config provides configuration management for the AIRMS gateway.
//
// Responsibilities:
//   - Load configuration from YAML files and environment variables
//   - Validate configuration on startup
//   - Provide runtime access to all configuration
//   - Support configuration reloading (for some settings)
//   - Manage sensitive data (API keys, vault encryption key, source credentials)
//   - Establish reasonable defaults
//
// Configuration Sources (priority order, high to low):
//   1. Environment variables (AIRMS_* prefix; provider keys keep their
//      conventional names, e.g. OPENAI_API_KEY)
//   2. YAML config file (default: /etc/airms/config.yaml)
//   3. Built-in defaults (lowest priority)
//
// Main Configuration Sections:
//
//   1. Server
//      - port: Listen port (default 8080)
//      - tls_enabled / tls_cert_path / tls_key_path
//      - allowed_origins: Origins permitted to open WebSocket connections
//
//   2. LLM Provider (OpenAI-compatible chat completions)
//      - provider: "openai" | "custom"
//      - api_key: API key (prefer OPENAI_API_KEY in the environment)
//      - base_url: endpoint override for custom/compatible providers
//      - model, max_tokens
//
//   3. Risk
//      - default_mode: "strict" | "balanced" | "permissive"
//      - max_risk_score: gate override (0 keeps the mode default)
//      - request_budget_seconds, max_iterations
//      - sanitize_input / sanitize_output / enable_data_access
//
//   4. Vault (token remapper)
//      - encryption_key: AES key material (prefer AIRMS_VAULT_KEY)
//      - ttl_hours: placeholder lifetime
//      - sweep_minutes: background sweep interval
//
//   5. Database
//      - sqlite_path: Path to the gateway SQLite file
//
//   6. Sources
//      - list of data source definitions handed to the connector; credential
//        material lives behind credentials_ref, never inline
//
//   7. Audit
//      - log_path, rotation (max_size_mb, max_backups, max_age_days, compress)
//
//   8. Logging
//      - level: "debug" | "info" | "warn" | "error"
//      - format: "json" | "text"
//
//   9. RateLimit
//      - requests_per_minute, burst
//
// Config struct contains all configuration fields
type Config struct {
	// Server configuration
	Server struct {
		Port        int
		TLSEnabled  bool
		TLSCertPath string
		TLSKeyPath  string
		// AllowedOrigins is a list of origins permitted to open WebSocket
		// connections. Use ["*"] to allow any origin (development only).
		AllowedOrigins []string
	}

	// LLM provider configuration
	LLM struct {
		Provider  string
		APIKey    string // sensitive, never echoed in API responses
		BaseURL   string
		Model     string
		MaxTokens int

		// Configured is derived during validation. When false the chat
		// endpoint answers 503 until a key is provided.
		Configured bool
	}

	// Risk pipeline configuration
	Risk struct {
		DefaultMode          string
		MaxRiskScore         float64
		RequestBudgetSeconds int
		MaxIterations        int
		SanitizeInput        bool
		SanitizeOutput       bool
		EnableDataAccess     bool
	}

	// Vault (token remapper) configuration
	Vault struct {
		EncryptionKey string // sensitive
		TTLHours      int
		SweepMinutes  int

		// Configured is derived during validation. When false minting falls
		// back to plain redaction.
		Configured bool
	}

	// Database configuration
	Database struct {
		SQLitePath string
	}

	// Sources are the registered data source definitions.
	Sources []connector.DataSourceConfig

	// Schema declares the tables the query planner may reference.
	Schema queryplan.Schema

	// Audit sink configuration
	Audit struct {
		LogPath    string
		MaxSizeMB  int
		MaxBackups int
		MaxAgeDays int
		Compress   bool
	}

	// Logging configuration
	Logging struct {
		Level  string
		Format string
	}

	// RateLimit configuration
	RateLimit struct {
		RequestsPerMinute int
		Burst             int
	}
}

// CredentialResolver returns a resolver for source credential references.
// A ref of the form "env:NAME" (or a bare variable name) resolves from the
// process environment; secrets never appear in the config file itself.
func (c *Config) CredentialResolver() connector.CredentialResolver {
	return func(ref string) (string, error) {
		name := strings.TrimPrefix(ref, "env:")
		if v := os.Getenv(name); v != "" {
			return v, nil
		}
		return "", fmt.Errorf("credential %q not set in environment", name)
	}
}

// ConfigManager defines the interface for configuration access.
type ConfigManager interface {
	// Load loads configuration from all sources.
	Load(ctx context.Context) error

	// Get returns the current configuration.
	Get(ctx context.Context) *Config

	// Validate validates configuration is correct and complete.
	Validate(ctx context.Context) error

	// Watch watches for configuration changes and reloads (if supported).
	Watch(ctx context.Context) <-chan Config

	// Reload reloads configuration from sources (selective settings).
	Reload(ctx context.Context) error
}

// NewConfigManager creates a new configuration manager.
func NewConfigManager(configPath string) (ConfigManager, error) {
	mgr := &viperConfigManager{
		configPath: configPath,
		config:     DefaultConfig(),
		watchChan:  make(chan Config, 1),
	}
	return mgr, nil
}

// NewConfigManagerWithDefaults creates a config manager with default config path.
func NewConfigManagerWithDefaults() (ConfigManager, error) {
	return NewConfigManager("/etc/airms/config.yaml")
}
