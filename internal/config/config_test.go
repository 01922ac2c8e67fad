package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/queued_test")

	cfg, err := Load()
	require.NoError(t, err)

	require.Equal(t, ":8080", cfg.ListenAddr)
	require.Equal(t, 4, cfg.WorkerCount)
	require.Equal(t, 5, cfg.MaxRetries)
	require.Equal(t, 2*time.Second, cfg.BackoffBase)
	require.Equal(t, 10*time.Minute, cfg.BackoffMaxDelay)
	require.Equal(t, 5*time.Minute, cfg.ClaimTimeout)
	require.Equal(t, 30*time.Second, cfg.ExecutionTimeout)
	require.Equal(t, time.Minute, cfg.ReaperInterval)
	require.Equal(t, time.Second, cfg.PollInterval)
}

func TestLoadRequiresDatabaseURL(t *testing.T) {
	// t.Setenv snapshots the old value for restore; the Unsetenv makes the
	// variable genuinely absent rather than set-but-empty.
	t.Setenv("DATABASE_URL", "placeholder")
	os.Unsetenv("DATABASE_URL")

	_, err := Load()
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	t.Parallel()

	valid := func() Config {
		return Config{
			WorkerCount:      1,
			PollInterval:     time.Second,
			ExecutionTimeout: 30 * time.Second,
			MaxRetries:       5,
			BackoffBase:      2 * time.Second,
			BackoffMaxDelay:  10 * time.Minute,
			ClaimTimeout:     5 * time.Minute,
			ReaperInterval:   time.Minute,
		}
	}

	c := valid()
	require.NoError(t, c.Validate())

	c = valid()
	c.WorkerCount = 0
	require.Error(t, c.Validate())

	c = valid()
	c.MaxRetries = -1
	require.Error(t, c.Validate())

	c = valid()
	c.BackoffMaxDelay = time.Second
	require.Error(t, c.Validate())

	c = valid()
	c.ClaimTimeout = 10 * time.Second
	require.Error(t, c.Validate(), "claim timeout must exceed execution timeout")
}
