package config

import (
	"log/slog"
	"os"
	"path/filepath"
)

const (
	// ServiceConfigFile is the name of the service-level config file
	ServiceConfigFile = "tributary.yaml"
	// SystemConfigDir is the directory for system-level config
	SystemConfigDir = "/etc/tributary"

	// Environment overrides for secrets that should never live in the
	// config file.
	envPostgresDSN   = "TRIBUTARY_POSTGRES_DSN"
	envRedisPassword = "TRIBUTARY_REDIS_PASSWORD"
	envOpenAIKey     = "TRIBUTARY_OPENAI_API_KEY"
	envCredsKey      = "TRIBUTARY_CREDS_KEY"
)

// Loader handles configuration loading with layered precedence
type Loader struct {
	logger *slog.Logger
}

// NewLoader creates a new configuration loader
func NewLoader(logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{logger: logger}
}

// Load loads configuration with layered precedence:
// 1. Default config
// 2. System config (/etc/tributary/tributary.yaml)
// 3. Explicit config file (path argument, empty = skip)
// 4. Environment variables for secrets
func (l *Loader) Load(path string) (*Config, error) {
	config := DefaultConfig()

	systemConfigPath := filepath.Join(SystemConfigDir, ServiceConfigFile)
	if systemConfig, err := LoadFromFile(systemConfigPath); err == nil {
		l.logger.Debug("Loaded system config", slog.String("path", systemConfigPath))
		config.Merge(systemConfig)
	} else if !os.IsNotExist(err) {
		l.logger.Warn("Failed to load system config", slog.String("path", systemConfigPath), slog.String("error", err.Error()))
	}

	if path != "" {
		fileConfig, err := LoadFromFile(path)
		if err != nil {
			return nil, err
		}
		l.logger.Debug("Loaded config", slog.String("path", path))
		config.Merge(fileConfig)
	}

	l.applyEnv(config)

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

// applyEnv overlays secret material from the environment. Values set in
// the environment always win over file values.
func (l *Loader) applyEnv(config *Config) {
	if dsn := os.Getenv(envPostgresDSN); dsn != "" {
		config.Postgres.DSN = dsn
	}
	if pw := os.Getenv(envRedisPassword); pw != "" {
		config.Redis.Password = pw
	}
	if key := os.Getenv(envOpenAIKey); key != "" {
		config.Embedder.APIKey = key
	}
	if key := os.Getenv(envCredsKey); key != "" {
		config.Creds.Key = key
	}
}
