package llm

import (
	"math/rand/v2"
	"time"
)

// Retry defaults. An analysis stage waits on every retry, so these stay well
// under the per-task timeout even when all attempts back off to the cap.
const (
	defaultRetryAttempts   = 3
	defaultRetryBackoff    = time.Second
	defaultRetryMaxBackoff = 15 * time.Second
)

// RetryConfig controls how often one endpoint is retried before the client
// falls back to the next model in the chain.
type RetryConfig struct {
	// MaxAttempts is the maximum number of attempts per endpoint.
	MaxAttempts int

	// BackoffBase is the initial backoff duration.
	BackoffBase time.Duration

	// BackoffMultiplier is applied to backoff on each retry.
	BackoffMultiplier float64

	// MaxBackoff caps the maximum backoff duration.
	MaxBackoff time.Duration
}

// DefaultRetryConfig returns the retry policy used when none is configured.
func DefaultRetryConfig() RetryConfig {
	return NewRetryConfig(0, 0, 0)
}

// NewRetryConfig builds a policy from the model.retry_* settings. Zero or
// negative values keep the defaults.
func NewRetryConfig(attempts int, backoff, maxBackoff time.Duration) RetryConfig {
	cfg := RetryConfig{
		MaxAttempts:       defaultRetryAttempts,
		BackoffBase:       defaultRetryBackoff,
		BackoffMultiplier: 2.0,
		MaxBackoff:        defaultRetryMaxBackoff,
	}
	if attempts > 0 {
		cfg.MaxAttempts = attempts
	}
	if backoff > 0 {
		cfg.BackoffBase = backoff
	}
	if maxBackoff > 0 {
		cfg.MaxBackoff = maxBackoff
	}
	if cfg.MaxBackoff < cfg.BackoffBase {
		cfg.MaxBackoff = cfg.BackoffBase
	}
	return cfg
}

// Backoff returns the wait after the given failed attempt (1-based):
// exponential growth capped at MaxBackoff, with +/-25% jitter.
func (c RetryConfig) Backoff(attempt int) time.Duration {
	multiplier := 1.0
	for i := 1; i < attempt; i++ {
		multiplier *= c.BackoffMultiplier
	}

	backoff := time.Duration(float64(c.BackoffBase) * multiplier)
	if c.MaxBackoff > 0 && backoff > c.MaxBackoff {
		backoff = c.MaxBackoff
	}

	jitter := float64(backoff) * 0.25 * (rand.Float64()*2 - 1)
	return backoff + time.Duration(jitter)
}
