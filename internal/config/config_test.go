package config_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ogulcanaydogan/Delivery-Guardian/internal/config"
	"github.com/ogulcanaydogan/Delivery-Guardian/pkg/model"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.Storage.Driver)
	assert.Equal(t, 10*time.Second, cfg.Delivery.Timeout)
	assert.Equal(t, []int{408, 429}, cfg.Delivery.RetryableStatusCodes)
	assert.Equal(t, 30*time.Second, cfg.Retry.BaseDelay)
	assert.Equal(t, time.Hour, cfg.Retry.MaxDelay)
	assert.Equal(t, 2.0, cfg.Retry.Multiplier)
	assert.Equal(t, "@every 1m", cfg.Alerting.Schedule)
	assert.True(t, cfg.Alerting.EvaluateOnDelivery)
	assert.Equal(t, "UTC", cfg.Budget.Timezone)
	assert.Equal(t, 10, cfg.Budget.Recipients.MaxPerHour)
	assert.Equal(t, 50, cfg.Budget.Recipients.MaxPerDay)
	assert.True(t, cfg.Budget.Recipients.AutoBlock)
	assert.Equal(t, time.Hour, cfg.Budget.Recipients.Cooldown)
	assert.Equal(t, []string{"sms"}, cfg.Notifications.CriticalOnly)
	assert.Equal(t, 587, cfg.Notifications.Email.Port)
	assert.Equal(t, "memory", cfg.Events.Backend)
	assert.Equal(t, "store", cfg.RateLimit.Backend)
	assert.Equal(t, 5*time.Minute, cfg.Retry.StaleAfter)
	assert.Equal(t, ":8080", cfg.Server.Listen)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.NoError(t, cfg.Validate())
}

func TestLoad_FromFile(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	data := []byte(`
storage:
  path: /tmp/test.db
retry:
  base_delay: 5s
  multiplier: 3
budget:
  timezone: Europe/Istanbul
notifications:
  slack:
    enabled: true
    webhook_url: https://hooks.slack.com/services/T/B/X
  sms:
    enabled: true
    gateway_url: https://sms.example.com/send
    recipients: ["+15550000001", "+15550000002"]
events:
  backend: nats
  url: nats://nats:4222
ratelimit:
  backend: memory
logging:
  level: debug
`)
	err := os.WriteFile(cfgPath, data, 0o644)
	require.NoError(t, err)

	cfg, err := config.Load(cfgPath)
	require.NoError(t, err)

	assert.Equal(t, "/tmp/test.db", cfg.Storage.Path)
	assert.Equal(t, 5*time.Second, cfg.Retry.BaseDelay)
	assert.Equal(t, 3.0, cfg.Retry.Multiplier)
	assert.True(t, cfg.Notifications.Slack.Enabled)
	assert.Equal(t, "#alerts", cfg.Notifications.Slack.Channel)
	assert.Equal(t, []string{"+15550000001", "+15550000002"}, cfg.Notifications.SMS.Recipients)
	assert.Equal(t, "nats", cfg.Events.Backend)
	assert.Equal(t, "memory", cfg.RateLimit.Backend)
	assert.Equal(t, "debug", cfg.Logging.Level)
	require.NoError(t, cfg.Validate())

	loc, err := cfg.Location()
	require.NoError(t, err)
	assert.Equal(t, "Europe/Istanbul", loc.String())
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("DG_LOGGING_LEVEL", "error")
	t.Setenv("DG_SERVER_LISTEN", ":7070")
	t.Setenv("DG_RETRY_POLL_INTERVAL", "1s")

	cfg, err := config.Load("")
	require.NoError(t, err)

	assert.Equal(t, "error", cfg.Logging.Level)
	assert.Equal(t, ":7070", cfg.Server.Listen)
	assert.Equal(t, time.Second, cfg.Retry.PollInterval)
}

func TestLoad_InvalidFile(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "bad.yaml")
	err := os.WriteFile(cfgPath, []byte("invalid: [yaml"), 0o644)
	require.NoError(t, err)

	_, err = config.Load(cfgPath)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.Config)
		field  string
	}{
		{"unknown driver", func(c *config.Config) { c.Storage.Driver = "mysql" }, "storage.driver"},
		{"postgres without dsn", func(c *config.Config) { c.Storage.Driver = "postgres" }, "storage.dsn"},
		{"bad timezone", func(c *config.Config) { c.Budget.Timezone = "Mars/Olympus" }, "budget.timezone"},
		{"multiplier below one", func(c *config.Config) { c.Retry.Multiplier = 0.5 }, "retry.multiplier"},
		{"max below base", func(c *config.Config) { c.Retry.MaxDelay = time.Second }, "retry.max_delay"},
		{"slack without url", func(c *config.Config) { c.Notifications.Slack.Enabled = true }, "notifications.slack.webhook_url"},
		{"unknown critical channel", func(c *config.Config) { c.Notifications.CriticalOnly = []string{"pager"} }, "notifications.critical_only"},
		{"unknown bus", func(c *config.Config) { c.Events.Backend = "kafka" }, "events.backend"},
		{"unknown rate limit backend", func(c *config.Config) { c.RateLimit.Backend = "etcd" }, "ratelimit.backend"},
		{"redis without addr", func(c *config.Config) {
			c.RateLimit.Backend = "redis"
			c.Redis.Addr = ""
		}, "redis.addr"},
		{"stale window within timeout", func(c *config.Config) { c.Retry.StaleAfter = 5 * time.Second }, "retry.stale_after"},
		{"unknown log format", func(c *config.Config) { c.Logging.Format = "xml" }, "logging.format"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := config.Load("")
			require.NoError(t, err)
			tt.mutate(cfg)

			var cfgErr *model.ConfigError
			require.True(t, errors.As(cfg.Validate(), &cfgErr))
			assert.Equal(t, tt.field, cfgErr.Field)
		})
	}
}
