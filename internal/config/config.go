// Package config parses and validates all application configuration from
// environment variables using caarlos0/env/v11.
//
// Call [Load] once at startup; pass the resulting [Config] to subcommands.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds all application configuration sourced from environment
// variables. Field defaults are the documented defaults of the queue.
type Config struct {
	// ── Database ────────────────────────────────────────────────────────────────
	DatabaseURL       string        `env:"DATABASE_URL,required"`
	DBMaxConns        int32         `env:"DB_MAX_CONNS"          envDefault:"25"`
	DBMaxConnIdleTime time.Duration `env:"DB_MAX_CONN_IDLE_TIME" envDefault:"5m"`

	// ── Server ──────────────────────────────────────────────────────────────────
	ListenAddr             string `env:"LISTEN_ADDR"              envDefault:":8080"`
	ShutdownTimeoutSeconds int    `env:"SHUTDOWN_TIMEOUT_SECONDS" envDefault:"30"`

	// ── Worker pool ─────────────────────────────────────────────────────────────
	WorkerCount  int           `env:"WORKER_COUNT"  envDefault:"4"`
	PollInterval time.Duration `env:"POLL_INTERVAL" envDefault:"1s"`
	// ExecutionTimeout bounds the synchronous dispatch path; async handlers
	// run under the pool's lifetime context instead.
	ExecutionTimeout time.Duration `env:"EXECUTION_TIMEOUT" envDefault:"30s"`

	// ── Retry policy ────────────────────────────────────────────────────────────
	// MaxRetries is the number of failed attempts after which a task goes to
	// the terminal failed status. backoff(n) = min(BackoffBase * 2^(n-1), BackoffMaxDelay).
	MaxRetries      int           `env:"MAX_RETRIES"       envDefault:"5"`
	BackoffBase     time.Duration `env:"BACKOFF_BASE"      envDefault:"2s"`
	BackoffMaxDelay time.Duration `env:"BACKOFF_MAX_DELAY" envDefault:"10m"`

	// ── Reaper ──────────────────────────────────────────────────────────────────
	// ClaimTimeout must be generous relative to the longest expected handler
	// duration, or live work gets reaped.
	ClaimTimeout   time.Duration `env:"CLAIM_TIMEOUT"   envDefault:"5m"`
	ReaperInterval time.Duration `env:"REAPER_INTERVAL" envDefault:"1m"`

	// ── Rate limiting ───────────────────────────────────────────────────────────
	EnqueueRatePerSec float64       `env:"ENQUEUE_RATE_PER_SEC" envDefault:"25"`
	EnqueueBurst      int           `env:"ENQUEUE_BURST"        envDefault:"50"`
	RateLimitEvictTTL time.Duration `env:"RATE_LIMIT_EVICT_TTL" envDefault:"15m"`

	// ── Logging ─────────────────────────────────────────────────────────────────
	LogLevel  string `env:"LOG_LEVEL"  envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

// Load parses and validates Config from environment variables.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints that env tags cannot express.
func (c *Config) Validate() error {
	if c.WorkerCount < 1 {
		return fmt.Errorf("WORKER_COUNT must be >= 1, got %d", c.WorkerCount)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("MAX_RETRIES must be >= 0, got %d", c.MaxRetries)
	}
	if c.BackoffBase <= 0 {
		return fmt.Errorf("BACKOFF_BASE must be positive, got %s", c.BackoffBase)
	}
	if c.BackoffMaxDelay < c.BackoffBase {
		return fmt.Errorf("BACKOFF_MAX_DELAY (%s) must be >= BACKOFF_BASE (%s)",
			c.BackoffMaxDelay, c.BackoffBase)
	}
	if c.PollInterval <= 0 || c.ReaperInterval <= 0 {
		return fmt.Errorf("poll and reaper intervals must be positive")
	}
	if c.ClaimTimeout <= c.ExecutionTimeout {
		return fmt.Errorf("CLAIM_TIMEOUT (%s) must exceed EXECUTION_TIMEOUT (%s)",
			c.ClaimTimeout, c.ExecutionTimeout)
	}
	return nil
}
