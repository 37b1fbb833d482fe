package config

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// viperConfigManager implements ConfigManager using Viper.
type viperConfigManager struct {
	configPath string
	config     *Config
	viper      *viper.Viper
	watchChan  chan Config
}

// Load loads configuration from all sources.
func (m *viperConfigManager) Load(ctx context.Context) error {
	// Initialize viper
	m.viper = viper.New()

	// Set config file path
	m.viper.SetConfigFile(m.configPath)
	m.viper.SetConfigType("yaml")

	// Set environment variable prefix
	m.viper.SetEnvPrefix("AIRMS")
	m.viper.AutomaticEnv()
	m.viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Set defaults
	m.setDefaults()

	// Try to read config file (optional)
	if err := m.viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			// File not found via viper - OK, use defaults
		} else if os.IsNotExist(err) {
			// File not found via os - OK, use defaults
		} else {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}

	// Unmarshal into config struct
	if err := m.unmarshalConfig(); err != nil {
		return fmt.Errorf("error unmarshaling config: %w", err)
	}

	// Apply environment variable overrides for sensitive data
	m.applyEnvOverrides()

	return nil
}

// Get returns the current configuration.
func (m *viperConfigManager) Get(ctx context.Context) *Config {
	return m.config
}

// Validate validates configuration is correct and complete.
func (m *viperConfigManager) Validate(ctx context.Context) error {
	errs := m.config.Validate()
	if len(errs) > 0 {
		var errMsgs []string
		for _, err := range errs {
			errMsgs = append(errMsgs, err.Error())
		}
		return fmt.Errorf("configuration validation failed:\n  - %s", strings.Join(errMsgs, "\n  - "))
	}
	return nil
}

// Watch watches for configuration changes and reloads.
func (m *viperConfigManager) Watch(ctx context.Context) <-chan Config {
	m.viper.WatchConfig()
	m.viper.OnConfigChange(func(e fsnotify.Event) {
		if err := m.unmarshalConfig(); err != nil {
			return
		}
		m.applyEnvOverrides()
		select {
		case m.watchChan <- *m.config:
		default:
			// Channel full, skip this update
		}
	})

	return m.watchChan
}

// Reload reloads configuration from sources.
func (m *viperConfigManager) Reload(ctx context.Context) error {
	if err := m.viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(err) {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}

	if err := m.unmarshalConfig(); err != nil {
		return fmt.Errorf("error unmarshaling config: %w", err)
	}

	m.applyEnvOverrides()

	return nil
}

// setDefaults sets default values in viper.
func (m *viperConfigManager) setDefaults() {
	defaults := DefaultConfig()

	// Server defaults
	m.viper.SetDefault("server.port", defaults.Server.Port)
	m.viper.SetDefault("server.tls_enabled", defaults.Server.TLSEnabled)
	m.viper.SetDefault("server.tls_cert_path", defaults.Server.TLSCertPath)
	m.viper.SetDefault("server.tls_key_path", defaults.Server.TLSKeyPath)
	m.viper.SetDefault("server.allowed_origins", defaults.Server.AllowedOrigins)

	// LLM defaults
	m.viper.SetDefault("llm.provider", defaults.LLM.Provider)
	m.viper.SetDefault("llm.base_url", defaults.LLM.BaseURL)
	m.viper.SetDefault("llm.model", defaults.LLM.Model)
	m.viper.SetDefault("llm.max_tokens", defaults.LLM.MaxTokens)

	// Risk defaults
	m.viper.SetDefault("risk.default_mode", defaults.Risk.DefaultMode)
	m.viper.SetDefault("risk.max_risk_score", defaults.Risk.MaxRiskScore)
	m.viper.SetDefault("risk.request_budget_seconds", defaults.Risk.RequestBudgetSeconds)
	m.viper.SetDefault("risk.max_iterations", defaults.Risk.MaxIterations)
	m.viper.SetDefault("risk.sanitize_input", defaults.Risk.SanitizeInput)
	m.viper.SetDefault("risk.sanitize_output", defaults.Risk.SanitizeOutput)
	m.viper.SetDefault("risk.enable_data_access", defaults.Risk.EnableDataAccess)

	// Vault defaults
	m.viper.SetDefault("vault.ttl_hours", defaults.Vault.TTLHours)
	m.viper.SetDefault("vault.sweep_minutes", defaults.Vault.SweepMinutes)

	// Database defaults
	m.viper.SetDefault("database.sqlite_path", defaults.Database.SQLitePath)

	// Audit defaults
	m.viper.SetDefault("audit.log_path", defaults.Audit.LogPath)
	m.viper.SetDefault("audit.max_size_mb", defaults.Audit.MaxSizeMB)
	m.viper.SetDefault("audit.max_backups", defaults.Audit.MaxBackups)
	m.viper.SetDefault("audit.max_age_days", defaults.Audit.MaxAgeDays)
	m.viper.SetDefault("audit.compress", defaults.Audit.Compress)

	// Logging defaults
	m.viper.SetDefault("logging.level", defaults.Logging.Level)
	m.viper.SetDefault("logging.format", defaults.Logging.Format)

	// RateLimit defaults
	m.viper.SetDefault("ratelimit.requests_per_minute", defaults.RateLimit.RequestsPerMinute)
	m.viper.SetDefault("ratelimit.burst", defaults.RateLimit.Burst)
}

// unmarshalConfig unmarshals viper config into Config struct.
func (m *viperConfigManager) unmarshalConfig() error {
	cfg := &Config{}

	// Server
	cfg.Server.Port = m.viper.GetInt("server.port")
	cfg.Server.TLSEnabled = m.viper.GetBool("server.tls_enabled")
	cfg.Server.TLSCertPath = m.viper.GetString("server.tls_cert_path")
	cfg.Server.TLSKeyPath = m.viper.GetString("server.tls_key_path")
	cfg.Server.AllowedOrigins = m.viper.GetStringSlice("server.allowed_origins")

	// LLM
	cfg.LLM.Provider = m.viper.GetString("llm.provider")
	cfg.LLM.APIKey = m.viper.GetString("llm.api_key")
	cfg.LLM.BaseURL = m.viper.GetString("llm.base_url")
	cfg.LLM.Model = m.viper.GetString("llm.model")
	cfg.LLM.MaxTokens = m.viper.GetInt("llm.max_tokens")

	// Risk
	cfg.Risk.DefaultMode = m.viper.GetString("risk.default_mode")
	cfg.Risk.MaxRiskScore = m.viper.GetFloat64("risk.max_risk_score")
	cfg.Risk.RequestBudgetSeconds = m.viper.GetInt("risk.request_budget_seconds")
	cfg.Risk.MaxIterations = m.viper.GetInt("risk.max_iterations")
	cfg.Risk.SanitizeInput = m.viper.GetBool("risk.sanitize_input")
	cfg.Risk.SanitizeOutput = m.viper.GetBool("risk.sanitize_output")
	cfg.Risk.EnableDataAccess = m.viper.GetBool("risk.enable_data_access")

	// Vault
	cfg.Vault.EncryptionKey = m.viper.GetString("vault.encryption_key")
	cfg.Vault.TTLHours = m.viper.GetInt("vault.ttl_hours")
	cfg.Vault.SweepMinutes = m.viper.GetInt("vault.sweep_minutes")

	// Database
	cfg.Database.SQLitePath = m.viper.GetString("database.sqlite_path")

	// Sources
	if err := m.viper.UnmarshalKey("sources", &cfg.Sources); err != nil {
		return fmt.Errorf("sources: %w", err)
	}

	// Planner schema
	if err := m.viper.UnmarshalKey("schema.tables", &cfg.Schema.Tables); err != nil {
		return fmt.Errorf("schema: %w", err)
	}

	// Audit
	cfg.Audit.LogPath = m.viper.GetString("audit.log_path")
	cfg.Audit.MaxSizeMB = m.viper.GetInt("audit.max_size_mb")
	cfg.Audit.MaxBackups = m.viper.GetInt("audit.max_backups")
	cfg.Audit.MaxAgeDays = m.viper.GetInt("audit.max_age_days")
	cfg.Audit.Compress = m.viper.GetBool("audit.compress")

	// Logging
	cfg.Logging.Level = m.viper.GetString("logging.level")
	cfg.Logging.Format = m.viper.GetString("logging.format")

	// RateLimit
	cfg.RateLimit.RequestsPerMinute = m.viper.GetInt("ratelimit.requests_per_minute")
	cfg.RateLimit.Burst = m.viper.GetInt("ratelimit.burst")

	m.config = cfg
	return nil
}

// applyEnvOverrides applies environment variable overrides for sensitive data.
func (m *viperConfigManager) applyEnvOverrides() {
	// Provider API key keeps its conventional name.
	if apiKey := os.Getenv("OPENAI_API_KEY"); apiKey != "" {
		m.config.LLM.APIKey = apiKey
	}

	// Vault encryption key never lives in the config file.
	if key := os.Getenv("AIRMS_VAULT_KEY"); key != "" {
		m.config.Vault.EncryptionKey = key
	}

	// Port from environment - only override if explicitly set
	if portEnv := os.Getenv("AIRMS_PORT"); portEnv != "" {
		if port, err := strconv.Atoi(portEnv); err == nil {
			m.config.Server.Port = port
		}
	}

	// Enforcement mode from environment
	if mode := os.Getenv("AIRMS_MODE"); mode != "" {
		m.config.Risk.DefaultMode = mode
	}
}
