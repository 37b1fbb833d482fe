package config

// DefaultConfig returns a configuration with all default values.
func DefaultConfig() *Config {
	cfg := &Config{}

	// Server defaults
	cfg.Server.Port = 8080
	cfg.Server.TLSEnabled = false
	cfg.Server.TLSCertPath = ""
	cfg.Server.TLSKeyPath = ""
	cfg.Server.AllowedOrigins = []string{"http://localhost:3000", "http://localhost:5173"}

	// LLM defaults
	cfg.LLM.Provider = "openai"
	cfg.LLM.BaseURL = ""
	cfg.LLM.Model = "gpt-4o"
	cfg.LLM.MaxTokens = 2048

	// Risk defaults
	cfg.Risk.DefaultMode = "balanced"
	cfg.Risk.MaxRiskScore = 0 // 0 keeps the mode default
	cfg.Risk.RequestBudgetSeconds = 30
	cfg.Risk.MaxIterations = 4
	cfg.Risk.SanitizeInput = true
	cfg.Risk.SanitizeOutput = true
	cfg.Risk.EnableDataAccess = true

	// Vault defaults
	cfg.Vault.EncryptionKey = ""
	cfg.Vault.TTLHours = 24
	cfg.Vault.SweepMinutes = 5

	// Database defaults
	cfg.Database.SQLitePath = "data/airms.db"

	// Audit defaults
	cfg.Audit.LogPath = "logs/audit.log"
	cfg.Audit.MaxSizeMB = 100
	cfg.Audit.MaxBackups = 10
	cfg.Audit.MaxAgeDays = 30
	cfg.Audit.Compress = true

	// Logging defaults
	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	// RateLimit defaults
	cfg.RateLimit.RequestsPerMinute = 60
	cfg.RateLimit.Burst = 10

	return cfg
}
