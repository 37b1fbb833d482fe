package config

import (
	"fmt"
	"os"
	"strings"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation failed for %s: %s", e.Field, e.Message)
}

// Validate validates the configuration and returns validation errors.
// Missing credentials (LLM key, vault key) are not errors: they mark the
// relevant subsystem unconfigured and the gateway degrades instead of
// refusing to start.
func (c *Config) Validate() []error {
	var errs []error

	// Validate server configuration
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errs = append(errs, &ValidationError{
			Field:   "server.port",
			Message: fmt.Sprintf("port must be between 1 and 65535, got %d", c.Server.Port),
		})
	}

	if c.Server.TLSEnabled {
		if c.Server.TLSCertPath == "" {
			errs = append(errs, &ValidationError{
				Field:   "server.tls_cert_path",
				Message: "tls_cert_path is required when tls_enabled is true",
			})
		} else if _, err := os.Stat(c.Server.TLSCertPath); os.IsNotExist(err) {
			errs = append(errs, &ValidationError{
				Field:   "server.tls_cert_path",
				Message: fmt.Sprintf("certificate file does not exist: %s", c.Server.TLSCertPath),
			})
		}

		if c.Server.TLSKeyPath == "" {
			errs = append(errs, &ValidationError{
				Field:   "server.tls_key_path",
				Message: "tls_key_path is required when tls_enabled is true",
			})
		} else if _, err := os.Stat(c.Server.TLSKeyPath); os.IsNotExist(err) {
			errs = append(errs, &ValidationError{
				Field:   "server.tls_key_path",
				Message: fmt.Sprintf("key file does not exist: %s", c.Server.TLSKeyPath),
			})
		}
	}

	// Validate LLM configuration
	validProviders := map[string]bool{
		"openai": true,
		"custom": true,
	}
	if !validProviders[c.LLM.Provider] {
		errs = append(errs, &ValidationError{
			Field:   "llm.provider",
			Message: fmt.Sprintf("invalid provider '%s', must be one of: openai, custom", c.LLM.Provider),
		})
	}

	c.LLM.Configured = c.LLM.APIKey != "" || os.Getenv("OPENAI_API_KEY") != ""
	if c.LLM.Configured && c.LLM.Model == "" {
		errs = append(errs, &ValidationError{
			Field:   "llm.model",
			Message: "model is required",
		})
	}
	if c.LLM.Provider == "custom" && c.LLM.BaseURL == "" {
		errs = append(errs, &ValidationError{
			Field:   "llm.base_url",
			Message: "base_url is required when provider is custom",
		})
	}

	// Validate risk configuration
	validModes := map[string]bool{
		"strict":     true,
		"balanced":   true,
		"permissive": true,
	}
	if !validModes[strings.ToLower(c.Risk.DefaultMode)] {
		errs = append(errs, &ValidationError{
			Field:   "risk.default_mode",
			Message: fmt.Sprintf("invalid mode '%s', must be one of: strict, balanced, permissive", c.Risk.DefaultMode),
		})
	}
	if c.Risk.MaxRiskScore < 0 || c.Risk.MaxRiskScore > 10 {
		errs = append(errs, &ValidationError{
			Field:   "risk.max_risk_score",
			Message: fmt.Sprintf("max_risk_score must be between 0 and 10, got %.1f", c.Risk.MaxRiskScore),
		})
	}
	if c.Risk.RequestBudgetSeconds < 1 {
		errs = append(errs, &ValidationError{
			Field:   "risk.request_budget_seconds",
			Message: fmt.Sprintf("request budget must be at least 1 second, got %d", c.Risk.RequestBudgetSeconds),
		})
	}
	if c.Risk.MaxIterations < 1 || c.Risk.MaxIterations > 8 {
		errs = append(errs, &ValidationError{
			Field:   "risk.max_iterations",
			Message: fmt.Sprintf("max_iterations must be between 1 and 8, got %d", c.Risk.MaxIterations),
		})
	}

	// Validate vault configuration
	c.Vault.Configured = c.Vault.EncryptionKey != "" || os.Getenv("AIRMS_VAULT_KEY") != ""
	if c.Vault.TTLHours < 1 {
		errs = append(errs, &ValidationError{
			Field:   "vault.ttl_hours",
			Message: fmt.Sprintf("ttl_hours must be at least 1, got %d", c.Vault.TTLHours),
		})
	}
	if c.Vault.SweepMinutes < 1 {
		errs = append(errs, &ValidationError{
			Field:   "vault.sweep_minutes",
			Message: fmt.Sprintf("sweep_minutes must be at least 1, got %d", c.Vault.SweepMinutes),
		})
	}

	// Validate database configuration
	if c.Database.SQLitePath == "" {
		errs = append(errs, &ValidationError{
			Field:   "database.sqlite_path",
			Message: "sqlite_path is required",
		})
	}

	// Validate data sources
	seen := map[string]bool{}
	for i := range c.Sources {
		src := &c.Sources[i]
		src.Normalize()
		if err := src.Validate(); err != nil {
			errs = append(errs, &ValidationError{
				Field:   fmt.Sprintf("sources[%d]", i),
				Message: err.Error(),
			})
			continue
		}
		if seen[src.Name] {
			errs = append(errs, &ValidationError{
				Field:   fmt.Sprintf("sources[%d].name", i),
				Message: fmt.Sprintf("duplicate source name %q", src.Name),
			})
		}
		seen[src.Name] = true
	}

	// Validate logging configuration
	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[strings.ToLower(c.Logging.Level)] {
		errs = append(errs, &ValidationError{
			Field:   "logging.level",
			Message: fmt.Sprintf("invalid log level '%s', must be one of: debug, info, warn, error", c.Logging.Level),
		})
	}

	validLogFormats := map[string]bool{
		"json": true,
		"text": true,
	}
	if !validLogFormats[strings.ToLower(c.Logging.Format)] {
		errs = append(errs, &ValidationError{
			Field:   "logging.format",
			Message: fmt.Sprintf("invalid log format '%s', must be one of: json, text", c.Logging.Format),
		})
	}

	// Validate rate limit configuration
	if c.RateLimit.RequestsPerMinute < 0 {
		errs = append(errs, &ValidationError{
			Field:   "ratelimit.requests_per_minute",
			Message: fmt.Sprintf("requests_per_minute cannot be negative, got %d", c.RateLimit.RequestsPerMinute),
		})
	}
	if c.RateLimit.Burst < 0 {
		errs = append(errs, &ValidationError{
			Field:   "ratelimit.burst",
			Message: fmt.Sprintf("burst cannot be negative, got %d", c.RateLimit.Burst),
		})
	}

	return errs
}
