package model_test

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ogulcanaydogan/Delivery-Guardian/pkg/model"
)

func validEndpoint() *model.Endpoint {
	return &model.Endpoint{
		Name:        "ops",
		URL:         "https://hooks.example.com/ops",
		ServiceType: model.ServiceCustom,
		Secret:      "s3cret",
		Enabled:     true,
		Retry:       model.RetryPolicy{Enabled: true, MaxAttempts: 3},
	}
}

func TestPeriodBounds_Daily(t *testing.T) {
	now := time.Date(2026, 3, 14, 15, 30, 0, 0, time.UTC)
	start, end := model.PeriodBounds(model.PeriodDaily, now, time.UTC)
	assert.Equal(t, time.Date(2026, 3, 14, 0, 0, 0, 0, time.UTC), start)
	assert.Equal(t, 24*time.Hour, end.Sub(start))
}

func TestPeriodBounds_Monthly(t *testing.T) {
	now := time.Date(2026, 2, 20, 8, 0, 0, 0, time.UTC)
	start, end := model.PeriodBounds(model.PeriodMonthly, now, nil)
	assert.Equal(t, 1, start.Day())
	assert.Equal(t, time.March, end.Month())
	assert.Equal(t, 1, end.Day())
}

func TestPeriodBounds_Timezone(t *testing.T) {
	loc := time.FixedZone("UTC+3", 3*60*60)
	// 22:30 UTC is already the next day at UTC+3.
	now := time.Date(2026, 3, 14, 22, 30, 0, 0, time.UTC)
	start, _ := model.PeriodBounds(model.PeriodDaily, now, loc)
	assert.Equal(t, 15, start.Day())
	assert.Equal(t, time.Date(2026, 3, 14, 21, 0, 0, 0, time.UTC), start.UTC())
}

func TestEndpoint_Validate(t *testing.T) {
	require.NoError(t, validEndpoint().Validate())

	cases := map[string]func(e *model.Endpoint){
		"missing name":       func(e *model.Endpoint) { e.Name = " " },
		"relative url":       func(e *model.Endpoint) { e.URL = "/hook" },
		"ftp url":            func(e *model.Endpoint) { e.URL = "ftp://example.com" },
		"missing secret":     func(e *model.Endpoint) { e.Secret = "" },
		"unknown service":    func(e *model.Endpoint) { e.ServiceType = "pager" },
		"too many attempts":  func(e *model.Endpoint) { e.Retry.MaxAttempts = 11 },
		"zero with retry":    func(e *model.Endpoint) { e.Retry.MaxAttempts = 0 },
		"bad allowlist":      func(e *model.Endpoint) { e.IPAllowlist = []string{"10.0.0.0/33"} },
		"ipv6 allowlist":     func(e *model.Endpoint) { e.IPAllowlist = []string{"::1"} },
		"duplicate window":   func(e *model.Endpoint) { e.RateLimits = []model.RateLimitWindow{{Period: "hour", MaxRequests: 1}, {Period: "hour", MaxRequests: 2}} },
		"non-positive limit": func(e *model.Endpoint) { e.RateLimits = []model.RateLimitWindow{{Period: "minute"}} },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			e := validEndpoint()
			mutate(e)
			var cfgErr *model.ConfigError
			assert.ErrorAs(t, e.Validate(), &cfgErr)
		})
	}
}

func TestEndpoint_Subscribes(t *testing.T) {
	e := validEndpoint()
	assert.True(t, e.Subscribes("anything"))

	e.EventTypes = []string{"order.created", "invoice.*"}
	assert.True(t, e.Subscribes("order.created"))
	assert.True(t, e.Subscribes("invoice.paid"))
	assert.False(t, e.Subscribes("order.deleted"))
	assert.False(t, e.Subscribes("invoices"))
}

func TestEndpoint_MaxAttempts(t *testing.T) {
	e := validEndpoint()
	assert.Equal(t, 3, e.MaxAttempts())
	e.Retry.Enabled = false
	assert.Equal(t, 1, e.MaxAttempts())
}

func TestParseAllowlistEntry(t *testing.T) {
	p, err := model.ParseAllowlistEntry("10.0.0.7/24")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.0/24", p.String())

	p, err = model.ParseAllowlistEntry("192.168.1.1")
	require.NoError(t, err)
	assert.Equal(t, 32, p.Bits())

	_, err = model.ParseAllowlistEntry("not-an-ip")
	assert.Error(t, err)
}

func TestCanTransition(t *testing.T) {
	assert.True(t, model.CanTransition(model.StatusPending, model.StatusSuccess))
	assert.True(t, model.CanTransition(model.StatusPending, model.StatusRetrying))
	assert.True(t, model.CanTransition(model.StatusRetrying, model.StatusRetrying))
	assert.True(t, model.CanTransition(model.StatusRetrying, model.StatusCancelled))
	assert.False(t, model.CanTransition(model.StatusSuccess, model.StatusRetrying))
	assert.False(t, model.CanTransition(model.StatusCancelled, model.StatusPending))
	assert.False(t, model.CanTransition(model.StatusFailed, model.StatusRetrying))
	assert.False(t, model.CanTransition(model.StatusFailed, model.StatusCancelled))
}

func TestSources(t *testing.T) {
	in := []model.DeliveryStatus{model.StatusPending, model.StatusRetrying}
	assert.Equal(t, in, model.Sources(model.StatusSuccess))
	assert.Equal(t, in, model.Sources(model.StatusRetrying))
	assert.Equal(t, in, model.Sources(model.StatusCancelled))
	assert.Empty(t, model.Sources(model.StatusPending))

	assert.True(t, model.StatusRetrying.Cancellable())
	assert.False(t, model.StatusFailed.Cancellable())
}

func TestAlertRule_Validate(t *testing.T) {
	rule := &model.AlertRule{
		Name:          "high failure rate",
		Condition:     model.ConditionFailureRate,
		Threshold:     50,
		WindowMinutes: 15,
		Channels:      []model.Channel{model.ChannelSlack, model.ChannelSMS},
	}
	require.NoError(t, rule.Validate())

	rule.Threshold = 150
	assert.Error(t, rule.Validate())

	rule.Threshold = 50
	rule.Channels = []model.Channel{"carrier-pigeon"}
	assert.Error(t, rule.Validate())
}

func TestBudget_Validate(t *testing.T) {
	b := &model.Budget{Period: model.PeriodMonthly, LimitUSD: 50, WarningThresholdPct: 80, CriticalThresholdPct: 95}
	require.NoError(t, b.Validate())

	b.WarningThresholdPct = 96
	assert.Error(t, b.Validate())

	b.Period = "weekly"
	assert.Error(t, b.Validate())
}

func TestRecipientRateState_BlockActive(t *testing.T) {
	now := time.Now().UTC()
	until := now.Add(time.Minute)
	s := &model.RecipientRateState{Blocked: true, BlockedUntil: &until}
	assert.True(t, s.BlockActive(now))
	assert.False(t, s.BlockActive(now.Add(2*time.Minute)))
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, model.KindNone, model.KindOf(nil))
	assert.Equal(t, model.KindRateLimited, model.KindOf(fmt.Errorf("dispatch: %w", model.ErrRateLimitExceeded)))
	assert.Equal(t, model.KindAllowlistRejected,
		model.KindOf(&model.PermanentDeliveryError{Err: model.ErrAllowlistRejected}))
	assert.Equal(t, model.KindTransient, model.KindOf(&model.TransientDeliveryError{StatusCode: 503, Err: errors.New("busy")}))
	assert.Equal(t, model.KindPermanent, model.KindOf(&model.PermanentDeliveryError{StatusCode: 404, Err: errors.New("gone")}))
}
