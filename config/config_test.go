package config

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Server.Port != 8000 {
		t.Errorf("expected default port 8000, got %d", cfg.Server.Port)
	}
	if cfg.Model.Provider != "anthropic" {
		t.Errorf("expected default provider anthropic, got %s", cfg.Model.Provider)
	}
	if cfg.Worker.Concurrency != 4 {
		t.Errorf("expected default concurrency 4, got %d", cfg.Worker.Concurrency)
	}
	if cfg.NATS.Enabled {
		t.Error("expected NATS to be disabled by default")
	}
	if cfg.Subscriptions.MaxPending != 0 {
		t.Error("expected unbounded subscriber queues by default")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{"valid default config", func(c *Config) {}, false},
		{"bad environment", func(c *Config) { c.Environment = "qa" }, true},
		{"port zero", func(c *Config) { c.Server.Port = 0 }, true},
		{"port too high", func(c *Config) { c.Server.Port = 70000 }, true},
		{"bad log level", func(c *Config) { c.Log.Level = "trace" }, true},
		{"bad log format", func(c *Config) { c.Log.Format = "xml" }, true},
		{"missing model default", func(c *Config) { c.Model.Default = "" }, true},
		{"unknown provider", func(c *Config) { c.Model.Provider = "bedrock" }, true},
		{"registry replaces model settings", func(c *Config) {
			c.Model.Registry = "models.yaml"
			c.Model.Default = ""
			c.Model.Provider = ""
		}, false},
		{"temperature too high", func(c *Config) { c.Model.Temperature = 1.1 }, true},
		{"negative retry attempts", func(c *Config) { c.Model.RetryAttempts = -1 }, true},
		{"negative retry backoff", func(c *Config) { c.Model.RetryBackoff = -time.Second }, true},
		{"zero retry settings use defaults", func(c *Config) { c.Model.RetryAttempts = 0; c.Model.RetryMaxBackoff = 0 }, false},
		{"zero concurrency", func(c *Config) { c.Worker.Concurrency = 0 }, true},
		{"negative max pending", func(c *Config) { c.Subscriptions.MaxPending = -1 }, true},
		{"nats without url", func(c *Config) { c.NATS.Enabled = true; c.NATS.URL = "" }, true},
		{"inbox without dir", func(c *Config) { c.Inbox.Enabled = true; c.Inbox.Dir = "" }, true},
		{"production without api key", func(c *Config) { c.Environment = "production" }, true},
		{"production with api key", func(c *Config) {
			c.Environment = "production"
			c.Auth.APIKey = "secret"
		}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")

	content := `
server:
  port: 9000
  cors_origins: ["https://app.example.com"]
model:
  provider: ollama
  default: llama3.2
  endpoint: http://localhost:11434/v1
worker:
  task_timeout: 2m
subscriptions:
  max_pending: 64
`
	if err := os.WriteFile(configPath, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := LoadFromFile(configPath)
	if err != nil {
		t.Fatalf("LoadFromFile failed: %v", err)
	}

	if cfg.Server.Port != 9000 {
		t.Errorf("expected port 9000, got %d", cfg.Server.Port)
	}
	if cfg.Model.Provider != "ollama" {
		t.Errorf("expected provider ollama, got %s", cfg.Model.Provider)
	}
	if cfg.Worker.TaskTimeout != 2*time.Minute {
		t.Errorf("expected task timeout 2m, got %v", cfg.Worker.TaskTimeout)
	}
	if cfg.Subscriptions.MaxPending != 64 {
		t.Errorf("expected max pending 64, got %d", cfg.Subscriptions.MaxPending)
	}
}

func TestLoadFromFileErrors(t *testing.T) {
	if _, err := LoadFromFile(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(bad, []byte("server: [unclosed"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadFromFile(bad); err == nil {
		t.Error("expected parse error")
	}
}

func TestSaveToFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	cfg := DefaultConfig()
	cfg.Auth.APIKey = "k"
	if err := cfg.SaveToFile(path); err != nil {
		t.Fatalf("SaveToFile failed: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("expected 0600, got %v", info.Mode().Perm())
	}

	loaded, err := LoadFromFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Auth.APIKey != "k" || loaded.Server.Port != cfg.Server.Port {
		t.Errorf("round trip mismatch: %+v", loaded)
	}
}

func TestMerge(t *testing.T) {
	base := DefaultConfig()
	base.Merge(&Config{
		Server: ServerConfig{Port: 9100},
		Model:  ModelConfig{Default: "gpt-4o", Provider: "openai", RetryAttempts: 5},
		NATS:   NATSConfig{Enabled: true},
		Inbox:  InboxConfig{Patterns: []string{"*.pdf"}},
	})

	if base.Server.Port != 9100 {
		t.Errorf("expected port override, got %d", base.Server.Port)
	}
	if base.Server.Host != "0.0.0.0" {
		t.Errorf("expected host to keep default, got %s", base.Server.Host)
	}
	if base.Model.Default != "gpt-4o" || base.Model.Provider != "openai" {
		t.Errorf("expected model override, got %+v", base.Model)
	}
	if base.Model.RetryAttempts != 5 || base.Model.RetryBackoff != time.Second {
		t.Errorf("expected retry attempts override with default backoff, got %+v", base.Model)
	}
	if base.Model.Temperature != 0.1 {
		t.Errorf("expected temperature to keep default, got %f", base.Model.Temperature)
	}
	if !base.NATS.Enabled {
		t.Error("expected NATS enabled after merge")
	}
	if base.NATS.SubjectPrefix != "sae" {
		t.Errorf("expected subject prefix to keep default, got %s", base.NATS.SubjectPrefix)
	}
	if len(base.Inbox.Patterns) != 1 {
		t.Errorf("expected inbox patterns override, got %v", base.Inbox.Patterns)
	}

	base.Merge(nil)
}

func testLoader(t *testing.T, env map[string]string) (*Loader, string, string) {
	t.Helper()
	home := t.TempDir()
	work := t.TempDir()
	l := NewLoader(slog.New(slog.NewTextHandler(io.Discard, nil)))
	l.homeDir = func() (string, error) { return home, nil }
	l.workDir = func() (string, error) { return work, nil }
	l.lookupEnv = func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}
	return l, home, work
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestLoaderPrecedence(t *testing.T) {
	l, home, work := testLoader(t, map[string]string{
		EnvPort:    "9300",
		EnvNATSURL: "nats://nats:4222",
	})

	writeFile(t, filepath.Join(home, UserConfigDir, UserConfigFile), `
server:
  port: 9100
log:
  level: debug
model:
  default: user-model
`)

	// Project config is found from a subdirectory of the working dir.
	writeFile(t, filepath.Join(work, ProjectConfigFile), `
server:
  port: 9200
model:
  default: project-model
`)
	sub := filepath.Join(work, "contracts", "2025")
	if err := os.MkdirAll(sub, 0755); err != nil {
		t.Fatal(err)
	}
	l.workDir = func() (string, error) { return sub, nil }

	explicit := filepath.Join(t.TempDir(), "explicit.yaml")
	writeFile(t, explicit, "model:\n  default: explicit-model\n")

	cfg, err := l.Load(explicit)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Log.Level != "debug" {
		t.Errorf("expected user log level, got %s", cfg.Log.Level)
	}
	if cfg.Model.Default != "explicit-model" {
		t.Errorf("expected explicit model, got %s", cfg.Model.Default)
	}
	if cfg.Server.Port != 9300 {
		t.Errorf("expected env port, got %d", cfg.Server.Port)
	}
	if !cfg.NATS.Enabled || cfg.NATS.URL != "nats://nats:4222" {
		t.Errorf("expected NATS from env, got %+v", cfg.NATS)
	}
}

func TestLoaderErrors(t *testing.T) {
	t.Run("missing explicit file", func(t *testing.T) {
		l, _, _ := testLoader(t, nil)
		if _, err := l.Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
			t.Error("expected error")
		}
	})

	t.Run("bad port env", func(t *testing.T) {
		l, _, _ := testLoader(t, map[string]string{EnvPort: "eighty"})
		if _, err := l.Load(""); err == nil {
			t.Error("expected error")
		}
	})

	t.Run("invalid result", func(t *testing.T) {
		l, _, _ := testLoader(t, map[string]string{EnvLogLevel: "loud"})
		if _, err := l.Load(""); err == nil {
			t.Error("expected validation error")
		}
	})
}

func TestEnsureUserConfig(t *testing.T) {
	l, home, _ := testLoader(t, nil)

	path, err := l.EnsureUserConfig()
	if err != nil {
		t.Fatalf("EnsureUserConfig failed: %v", err)
	}
	if path != filepath.Join(home, UserConfigDir, UserConfigFile) {
		t.Errorf("unexpected path %s", path)
	}

	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Port != 8000 {
		t.Errorf("expected default port in created file, got %d", cfg.Server.Port)
	}

	// Second call leaves the file alone.
	writeFile(t, path, "server:\n  port: 1234\n")
	if _, err := l.EnsureUserConfig(); err != nil {
		t.Fatal(err)
	}
	cfg, _ = LoadFromFile(path)
	if cfg.Server.Port != 1234 {
		t.Error("expected existing file to be preserved")
	}
}
