package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// validConfig returns a default config with the required secrets filled
// in, since the raw defaults intentionally fail validation.
func validConfig() *Config {
	cfg := DefaultConfig()
	cfg.Embedder.APIKey = "sk-test"
	cfg.Creds.Key = "0123456789abcdef0123456789abcdef"
	return cfg
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if !cfg.NATS.Embedded {
		t.Error("expected embedded NATS by default")
	}
	if cfg.Scheduler.Tick != 15*time.Second {
		t.Errorf("expected 15s scheduler tick, got %v", cfg.Scheduler.Tick)
	}
	if cfg.Embedder.Provider != "openai" {
		t.Errorf("expected openai embedder by default, got %s", cfg.Embedder.Provider)
	}
	if cfg.Staging.Retention != 7*24*time.Hour {
		t.Errorf("expected 7d staging retention, got %v", cfg.Staging.Retention)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{
			name:    "valid config",
			modify:  func(c *Config) {},
			wantErr: false,
		},
		{
			name:    "missing postgres dsn",
			modify:  func(c *Config) { c.Postgres.DSN = "" },
			wantErr: true,
		},
		{
			name:    "missing redis addr",
			modify:  func(c *Config) { c.Redis.Addr = "" },
			wantErr: true,
		},
		{
			name:    "unknown embedder provider",
			modify:  func(c *Config) { c.Embedder.Provider = "markov" },
			wantErr: true,
		},
		{
			name:    "openai provider without api key",
			modify:  func(c *Config) { c.Embedder.APIKey = "" },
			wantErr: true,
		},
		{
			name: "hash provider needs no api key",
			modify: func(c *Config) {
				c.Embedder.Provider = "hash"
				c.Embedder.APIKey = ""
			},
			wantErr: false,
		},
		{
			name:    "missing creds key",
			modify:  func(c *Config) { c.Creds.Key = "" },
			wantErr: true,
		},
		{
			name:    "non-positive tick",
			modify:  func(c *Config) { c.Scheduler.Tick = 0 },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "tributary.yaml")

	content := `
nats:
  url: "nats://test:4222"
postgres:
  dsn: "postgres://app@db:5432/tributary"
redis:
  addr: "cache:6379"
embedder:
  provider: hash
scheduler:
  tick: 5s
workers:
  extract: 3
  load: 8
gateway:
  addr: ":9000"
  ping_interval: 10s
`
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	cfg, err := LoadFromFile(configPath)
	if err != nil {
		t.Fatalf("LoadFromFile() error = %v", err)
	}

	if cfg.NATS.URL != "nats://test:4222" {
		t.Errorf("expected NATS URL nats://test:4222, got %s", cfg.NATS.URL)
	}
	if cfg.Postgres.DSN != "postgres://app@db:5432/tributary" {
		t.Errorf("unexpected postgres dsn %s", cfg.Postgres.DSN)
	}
	if cfg.Embedder.Provider != "hash" {
		t.Errorf("expected hash embedder, got %s", cfg.Embedder.Provider)
	}
	if cfg.Scheduler.Tick != 5*time.Second {
		t.Errorf("expected 5s tick, got %v", cfg.Scheduler.Tick)
	}
	if cfg.Workers.Extract != 3 || cfg.Workers.Load != 8 {
		t.Errorf("unexpected worker counts %+v", cfg.Workers)
	}
	if cfg.Gateway.PingInterval != 10*time.Second {
		t.Errorf("expected 10s ping interval, got %v", cfg.Gateway.PingInterval)
	}
	// Unset sections keep their defaults.
	if cfg.Metrics.Addr != ":9090" {
		t.Errorf("expected default metrics addr, got %s", cfg.Metrics.Addr)
	}
}

func TestConfigMerge(t *testing.T) {
	base := validConfig()
	override := &Config{
		NATS:  NATSConfig{URL: "nats://other:4222"},
		Redis: RedisConfig{Addr: "other:6379"},
	}

	base.Merge(override)

	if base.NATS.URL != "nats://other:4222" {
		t.Errorf("expected merged NATS URL, got %s", base.NATS.URL)
	}
	if base.NATS.Embedded {
		t.Error("explicit NATS URL should disable the embedded server")
	}
	if base.Redis.Addr != "other:6379" {
		t.Errorf("expected merged redis addr, got %s", base.Redis.Addr)
	}
	// DSN should remain from base since override didn't set it.
	if base.Postgres.DSN == "" {
		t.Error("expected postgres dsn to remain from base")
	}
}

func TestLoaderAppliesEnvSecrets(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "tributary.yaml")
	content := `
embedder:
  provider: hash
creds:
  key: "file-key"
`
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}

	t.Setenv("TRIBUTARY_CREDS_KEY", "env-key")
	t.Setenv("TRIBUTARY_POSTGRES_DSN", "postgres://env@db/tributary")

	cfg, err := NewLoader(slog.Default()).Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Creds.Key != "env-key" {
		t.Errorf("environment must win over the file, got %s", cfg.Creds.Key)
	}
	if cfg.Postgres.DSN != "postgres://env@db/tributary" {
		t.Errorf("expected env dsn, got %s", cfg.Postgres.DSN)
	}
}
