package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DB_NAME", "jobs")
	t.Setenv("API_KEY", "k")
	t.Setenv("FULFILLMENT_BASE_URL", "https://fulfil.example.com/")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "https://fulfil.example.com", cfg.Fulfillment.BaseURL)
	assert.Equal(t, 30*time.Second, cfg.Fulfillment.Timeout)

	assert.Equal(t, WorkerModeLoop, cfg.Worker.Mode)
	assert.Equal(t, 5*time.Second, cfg.Worker.PollInterval)
	assert.Equal(t, 60*time.Second, cfg.Worker.JobTimeout)
	assert.Equal(t, 5*time.Second, cfg.Worker.RetryDelay)
	assert.Equal(t, 5*time.Minute, cfg.Worker.StaleAfter)
	assert.Equal(t, 1, cfg.Worker.MaxConcurrentJobs)
	assert.Equal(t, 10, cfg.Worker.BatchSize)
	assert.Equal(t, 3, cfg.Worker.DefaultMaxAttempts)

	assert.Equal(t, 10*time.Second, cfg.Order.PollInterval)
	assert.Equal(t, 2*time.Minute, cfg.Order.PollBudget)
	assert.Equal(t, 3*time.Minute, cfg.Order.PollExtension)

	assert.Equal(t, "0 * * * * *", cfg.Cron.TriggerSpec)
	assert.Equal(t, 720*time.Hour, cfg.Cron.Retention)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("WORKER_MODE", "CRON")
	t.Setenv("WORKER_POLL_INTERVAL", "250ms")
	t.Setenv("WORKER_MAX_CONCURRENT", "4")
	t.Setenv("WORKER_JOB_TIMEOUT", "not-a-duration")
	t.Setenv("ORDER_POLL_BUDGET", "90s")
	t.Setenv("JOB_RETENTION", "24h")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, WorkerModeCron, cfg.Worker.Mode)
	assert.Equal(t, 250*time.Millisecond, cfg.Worker.PollInterval)
	assert.Equal(t, 4, cfg.Worker.MaxConcurrentJobs)
	assert.Equal(t, 60*time.Second, cfg.Worker.JobTimeout)
	assert.Equal(t, 90*time.Second, cfg.Order.PollBudget)
	assert.Equal(t, 24*time.Hour, cfg.Cron.Retention)
}

func TestZeroDurations(t *testing.T) {
	t.Setenv("ORDER_POLL_EXTENSION", "0")
	t.Setenv("WORKER_RETRY_DELAY", "0s")
	t.Setenv("ORDER_POLL_BUDGET", "0")
	t.Setenv("WORKER_POLL_INTERVAL", "-1s")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, time.Duration(0), cfg.Order.PollExtension)
	assert.Equal(t, time.Duration(0), cfg.Worker.RetryDelay)
	assert.Equal(t, 2*time.Minute, cfg.Order.PollBudget)
	assert.Equal(t, 5*time.Second, cfg.Worker.PollInterval)
}

func TestUnknownWorkerModeFallsBackToLoop(t *testing.T) {
	t.Setenv("WORKER_MODE", "threads")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, WorkerModeLoop, cfg.Worker.Mode)
}

func TestDSN(t *testing.T) {
	cfg := DatabaseConfig{Host: "db", Port: "3306", Name: "jobs", User: "u", Pass: "p", Charset: "utf8mb4"}
	dsn := cfg.DSN()
	assert.Contains(t, dsn, "u:p@tcp(db:3306)/jobs")
	assert.Contains(t, dsn, "parseTime=True")
	assert.Contains(t, dsn, "loc=UTC")
}
