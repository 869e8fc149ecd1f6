package contractreview

import (
	"fmt"
	"time"
)

// Config holds configuration for the contract-review runner.
type Config struct {
	// MaxConcurrent limits parallel analyses.
	MaxConcurrent int `json:"max_concurrent"`

	// TaskTimeout bounds one analysis, from WORKING to the terminal state.
	TaskTimeout time.Duration `json:"task_timeout"`
}

// DefaultConfig returns sensible default configuration.
func DefaultConfig() Config {
	return Config{
		MaxConcurrent: 4,
		TaskTimeout:   10 * time.Minute,
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.MaxConcurrent < 1 {
		return fmt.Errorf("max_concurrent must be at least 1")
	}
	if c.TaskTimeout <= 0 {
		return fmt.Errorf("task_timeout must be positive")
	}
	return nil
}
