// Package config provides configuration loading and management for Sae.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete Sae configuration
type Config struct {
	Environment   string              `yaml:"environment"`
	Server        ServerConfig        `yaml:"server"`
	Auth          AuthConfig          `yaml:"auth"`
	Log           LogConfig           `yaml:"log"`
	Agent         AgentConfig         `yaml:"agent"`
	Model         ModelConfig         `yaml:"model"`
	Worker        WorkerConfig        `yaml:"worker"`
	NATS          NATSConfig          `yaml:"nats"`
	Inbox         InboxConfig         `yaml:"inbox"`
	Subscriptions SubscriptionsConfig `yaml:"subscriptions"`
}

// ServerConfig configures the HTTP listener
type ServerConfig struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	// CORSOrigins lists allowed origins; "*" allows any.
	CORSOrigins []string `yaml:"cors_origins"`
}

// Addr returns host:port for net/http.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// AuthConfig configures API key authentication
type AuthConfig struct {
	// APIKey enables X-API-Key checking when non-empty.
	APIKey string `yaml:"api_key"`
}

// LogConfig configures the slog handler
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// AgentConfig is published in the agent card
type AgentConfig struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Version     string `yaml:"version"`
	URL         string `yaml:"url"`
}

// ModelConfig configures LLM model selection
type ModelConfig struct {
	// Registry is an optional model registry file. When set, it replaces the
	// single-endpoint settings below.
	Registry string `yaml:"registry"`
	// Provider is anthropic, openai or ollama.
	Provider string `yaml:"provider"`
	// Default is the provider model identifier.
	Default string `yaml:"default"`
	// Endpoint is the API base URL (empty uses the provider default).
	Endpoint    string        `yaml:"endpoint"`
	Temperature float64       `yaml:"temperature"`
	MaxTokens   int           `yaml:"max_tokens"`
	Timeout     time.Duration `yaml:"timeout"`

	// RetryAttempts is how many times one model is tried on rate limits,
	// 5xx and network errors before falling back.
	RetryAttempts   int           `yaml:"retry_attempts"`
	RetryBackoff    time.Duration `yaml:"retry_backoff"`
	RetryMaxBackoff time.Duration `yaml:"retry_max_backoff"`
}

// WorkerConfig bounds background analysis
type WorkerConfig struct {
	Concurrency int           `yaml:"concurrency"`
	TaskTimeout time.Duration `yaml:"task_timeout"`
}

// NATSConfig configures the NATS connection
type NATSConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
	// SubjectPrefix is prepended to task event subjects.
	SubjectPrefix string `yaml:"subject_prefix"`
	// KVBucket is the JetStream bucket holding archived snapshots; empty
	// disables archiving.
	KVBucket string `yaml:"kv_bucket"`
}

// InboxConfig configures the drop-folder watcher
type InboxConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Dir      string        `yaml:"dir"`
	Patterns []string      `yaml:"patterns"`
	Debounce time.Duration `yaml:"debounce"`
}

// SubscriptionsConfig bounds streaming subscribers
type SubscriptionsConfig struct {
	// MaxPending drops a subscriber this many snapshots behind. 0 = unbounded.
	MaxPending int `yaml:"max_pending"`
}

var (
	validEnvironments = []string{"development", "staging", "production"}
	validLogLevels    = []string{"debug", "info", "warn", "error"}
	validLogFormats   = []string{"text", "json"}
	validProviders    = []string{"anthropic", "openai", "ollama"}
)

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Environment: "development",
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8000,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 0, // streaming responses stay open
			CORSOrigins:  []string{"*"},
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Agent: AgentConfig{
			Name:        "Sae Contract Review Agent",
			Description: "Analyzes legal contracts, extracts clauses, assesses risks and suggests improvements.",
			Version:     "0.1.0",
			URL:         "http://localhost:8000",
		},
		Model: ModelConfig{
			Provider:    "anthropic",
			Default:     "claude-sonnet-4-20250514",
			Temperature: 0.1,
			MaxTokens:   4096,
			Timeout:     3 * time.Minute,

			RetryAttempts:   3,
			RetryBackoff:    time.Second,
			RetryMaxBackoff: 15 * time.Second,
		},
		Worker: WorkerConfig{
			Concurrency: 4,
			TaskTimeout: 10 * time.Minute,
		},
		NATS: NATSConfig{
			URL:           "nats://127.0.0.1:4222",
			SubjectPrefix: "sae",
			KVBucket:      "SAE_TASKS",
		},
		Inbox: InboxConfig{
			Dir:      "inbox",
			Patterns: []string{"**/*.{pdf,docx,txt,md,html}"},
			Debounce: 500 * time.Millisecond,
		},
	}
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if !slices.Contains(validEnvironments, c.Environment) {
		return fmt.Errorf("environment must be one of %v", validEnvironments)
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535")
	}
	if !slices.Contains(validLogLevels, c.Log.Level) {
		return fmt.Errorf("log.level must be one of %v", validLogLevels)
	}
	if !slices.Contains(validLogFormats, c.Log.Format) {
		return fmt.Errorf("log.format must be one of %v", validLogFormats)
	}
	if c.Model.Registry == "" {
		if c.Model.Default == "" {
			return fmt.Errorf("model.default is required")
		}
		if !slices.Contains(validProviders, c.Model.Provider) {
			return fmt.Errorf("model.provider must be one of %v", validProviders)
		}
	}
	if c.Model.Temperature < 0 || c.Model.Temperature > 1 {
		return fmt.Errorf("model.temperature must be between 0 and 1")
	}
	if c.Model.RetryAttempts < 0 || c.Model.RetryBackoff < 0 || c.Model.RetryMaxBackoff < 0 {
		return fmt.Errorf("model.retry_* settings must not be negative")
	}
	if c.Worker.Concurrency < 1 {
		return fmt.Errorf("worker.concurrency must be at least 1")
	}
	if c.Subscriptions.MaxPending < 0 {
		return fmt.Errorf("subscriptions.max_pending must not be negative")
	}
	if c.NATS.Enabled && c.NATS.URL == "" {
		return fmt.Errorf("nats.url is required when nats is enabled")
	}
	if c.Inbox.Enabled && c.Inbox.Dir == "" {
		return fmt.Errorf("inbox.dir is required when the inbox is enabled")
	}
	if c.Environment == "production" && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key is required in production")
	}
	return nil
}

// LoadFromFile loads configuration from a YAML file
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return &config, nil
}

// SaveToFile saves configuration to a YAML file
func (c *Config) SaveToFile(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	// The file may hold an API key.
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Merge merges another config into this one (other takes precedence for
// non-zero values). Booleans can only be switched on by a merge.
func (c *Config) Merge(other *Config) {
	if other == nil {
		return
	}

	setString(&c.Environment, other.Environment)

	// Server
	setString(&c.Server.Host, other.Server.Host)
	setInt(&c.Server.Port, other.Server.Port)
	setDuration(&c.Server.ReadTimeout, other.Server.ReadTimeout)
	setDuration(&c.Server.WriteTimeout, other.Server.WriteTimeout)
	if len(other.Server.CORSOrigins) > 0 {
		c.Server.CORSOrigins = other.Server.CORSOrigins
	}

	setString(&c.Auth.APIKey, other.Auth.APIKey)

	setString(&c.Log.Level, other.Log.Level)
	setString(&c.Log.Format, other.Log.Format)

	// Agent
	setString(&c.Agent.Name, other.Agent.Name)
	setString(&c.Agent.Description, other.Agent.Description)
	setString(&c.Agent.Version, other.Agent.Version)
	setString(&c.Agent.URL, other.Agent.URL)

	// Model
	setString(&c.Model.Registry, other.Model.Registry)
	setString(&c.Model.Provider, other.Model.Provider)
	setString(&c.Model.Default, other.Model.Default)
	setString(&c.Model.Endpoint, other.Model.Endpoint)
	if other.Model.Temperature != 0 {
		c.Model.Temperature = other.Model.Temperature
	}
	setInt(&c.Model.MaxTokens, other.Model.MaxTokens)
	setDuration(&c.Model.Timeout, other.Model.Timeout)
	setInt(&c.Model.RetryAttempts, other.Model.RetryAttempts)
	setDuration(&c.Model.RetryBackoff, other.Model.RetryBackoff)
	setDuration(&c.Model.RetryMaxBackoff, other.Model.RetryMaxBackoff)

	// Worker
	setInt(&c.Worker.Concurrency, other.Worker.Concurrency)
	setDuration(&c.Worker.TaskTimeout, other.Worker.TaskTimeout)

	// NATS
	if other.NATS.Enabled {
		c.NATS.Enabled = true
	}
	setString(&c.NATS.URL, other.NATS.URL)
	setString(&c.NATS.SubjectPrefix, other.NATS.SubjectPrefix)
	setString(&c.NATS.KVBucket, other.NATS.KVBucket)

	// Inbox
	if other.Inbox.Enabled {
		c.Inbox.Enabled = true
	}
	setString(&c.Inbox.Dir, other.Inbox.Dir)
	if len(other.Inbox.Patterns) > 0 {
		c.Inbox.Patterns = other.Inbox.Patterns
	}
	setDuration(&c.Inbox.Debounce, other.Inbox.Debounce)

	setInt(&c.Subscriptions.MaxPending, other.Subscriptions.MaxPending)
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setInt(dst *int, v int) {
	if v != 0 {
		*dst = v
	}
}

func setDuration(dst *time.Duration, v time.Duration) {
	if v != 0 {
		*dst = v
	}
}
