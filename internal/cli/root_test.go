package cli

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ogulcanaydogan/Delivery-Guardian/internal/config"
	"github.com/ogulcanaydogan/Delivery-Guardian/pkg/model"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Storage.Path = filepath.Join(t.TempDir(), "data", "guardian.db")
	cfg.Logging.Level = "error"
	return cfg
}

func TestInitApp_SQLite(t *testing.T) {
	cfg := testConfig(t)

	a, err := initApp(cfg)
	require.NoError(t, err)
	defer a.Close()

	ctx := context.Background()
	require.NoError(t, a.engine.Ping(ctx))

	ep, err := a.engine.CreateEndpoint(ctx, &model.Endpoint{
		Name: "orders", URL: "https://example.com/hook", Secret: "s",
		ServiceType: model.ServiceCustom, Enabled: true,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, ep.ID)

	families, err := a.registry.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestInitApp_MemoryRateLimit(t *testing.T) {
	cfg := testConfig(t)
	cfg.RateLimit.Backend = "memory"
	require.NoError(t, cfg.Validate())

	a, err := initApp(cfg)
	require.NoError(t, err)
	defer a.Close()
	assert.NoError(t, a.engine.Ping(context.Background()))
}

func TestInitApp_StorageError(t *testing.T) {
	cfg := testConfig(t)
	blocker := filepath.Join(t.TempDir(), "blocker")
	require.NoError(t, os.WriteFile(blocker, nil, 0o644))
	cfg.Storage.Path = filepath.Join(blocker, "guardian.db")

	_, err := initApp(cfg)
	assert.ErrorContains(t, err, "init storage")
}

func TestPrintVersion(t *testing.T) {
	cfg := testConfig(t)
	cfg.RateLimit.Backend = "redis"

	var buf bytes.Buffer
	printVersion(&buf, cfg, 3)
	out := buf.String()
	assert.Contains(t, out, "dg "+Version)
	assert.Contains(t, out, "schema:     v3")
	assert.Contains(t, out, "applied:    v3")
	assert.Contains(t, out, "storage:    sqlite")
	assert.Contains(t, out, "rate limit: redis")
	assert.Contains(t, out, "events:     memory")

	buf.Reset()
	printVersion(&buf, nil, 0)
	assert.NotContains(t, buf.String(), "storage:")
}

func TestInitPricing_EmailOverride(t *testing.T) {
	cfg := testConfig(t)
	cfg.Budget.EmailCost = 0.002

	p, err := initPricing(cfg)
	require.NoError(t, err)
	assert.Equal(t, 0.002, p.EmailUSD)

	cfg.Budget.PricingFile = filepath.Join(t.TempDir(), "missing.yaml")
	_, err = initPricing(cfg)
	assert.Error(t, err)
}

func TestInitNotify(t *testing.T) {
	cfg := testConfig(t)
	cfg.Notifications.Slack.Enabled = true
	cfg.Notifications.Slack.WebhookURL = "https://hooks.slack.com/services/T/B/X"
	cfg.Notifications.SMS.Enabled = true
	cfg.Notifications.SMS.GatewayURL = "https://sms.example.com/send"
	cfg.Notifications.SMS.Recipients = []string{"+15550000001"}

	opts := initNotify(cfg)
	assert.Contains(t, opts.Chat, model.ChannelSlack)
	assert.NotContains(t, opts.Chat, model.ChannelTeams)
	assert.Contains(t, opts.Direct, model.ChannelSMS)
	assert.NotContains(t, opts.Direct, model.ChannelEmail)
	assert.Equal(t, []string{"+15550000001"}, opts.Recipients[model.ChannelSMS])
	assert.Equal(t, []model.Channel{model.ChannelSMS}, opts.CriticalOnly)
}

func TestParseWindows(t *testing.T) {
	windows, err := parseWindows([]string{"minute=10", " hour = 200"})
	require.NoError(t, err)
	assert.Equal(t, []model.RateLimitWindow{
		{Period: model.WindowMinute, MaxRequests: 10, Enabled: true},
		{Period: model.WindowHour, MaxRequests: 200, Enabled: true},
	}, windows)

	_, err = parseWindows([]string{"minute"})
	assert.Error(t, err)
	_, err = parseWindows([]string{"minute=many"})
	assert.Error(t, err)
}
