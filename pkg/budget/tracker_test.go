package budget_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ogulcanaydogan/Delivery-Guardian/pkg/alerts"
	"github.com/ogulcanaydogan/Delivery-Guardian/pkg/budget"
	"github.com/ogulcanaydogan/Delivery-Guardian/pkg/model"
	"github.com/ogulcanaydogan/Delivery-Guardian/pkg/storage"
)

type recordingNotifier struct {
	mu   sync.Mutex
	msgs []alerts.Message
	err  error
}

func (n *recordingNotifier) Name() string { return "slack" }

func (n *recordingNotifier) Send(_ context.Context, msg alerts.Message) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.msgs = append(n.msgs, msg)
	return n.err
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.msgs)
}

type env struct {
	store    *storage.SQL
	tracker  *budget.Tracker
	notifier *recordingNotifier
	now      time.Time
}

func newEnv(t *testing.T, limits budget.RecipientLimits) *env {
	t.Helper()
	db, err := storage.NewSQLite(filepath.Join(t.TempDir(), "budget.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	e := &env{store: db, notifier: &recordingNotifier{}, now: time.Date(2026, 6, 15, 12, 0, 0, 0, time.UTC)}
	e.tracker = budget.NewTracker(db, budget.Options{
		Limits:    limits,
		Pricing:   &budget.Pricing{EmailUSD: 1, DefaultSMSPerSeg: 0.05},
		Notifiers: []alerts.Notifier{e.notifier},
		Now:       func() time.Time { return e.now },
	})
	return e
}

func (e *env) seedMonthly(t *testing.T, limit, spend float64) {
	t.Helper()
	start, _ := model.PeriodBounds(model.PeriodMonthly, e.now, time.UTC)
	require.NoError(t, e.store.UpsertBudget(context.Background(), &model.Budget{
		Period:               model.PeriodMonthly,
		LimitUSD:             limit,
		CurrentSpend:         spend,
		WarningThresholdPct:  80,
		CriticalThresholdPct: 95,
		LastResetAt:          start,
	}))
}

func email(to string) budget.Send {
	return budget.Send{Channel: model.ChannelEmail, Recipient: to, Body: "endpoint down"}
}

func TestAuthorize_CriticalAlertOncePerPeriod(t *testing.T) {
	e := newEnv(t, budget.RecipientLimits{})
	ctx := context.Background()
	e.seedMonthly(t, 50, 47)

	charge, err := e.tracker.Authorize(ctx, email("a@example.com"))
	require.NoError(t, err)
	assert.Equal(t, 1.0, charge.CostUSD)
	require.Len(t, charge.Budgets, 1)
	assert.Equal(t, 48.0, charge.Budgets[0].CurrentSpend)

	alertsRaised, err := e.store.ListBudgetAlerts(ctx, 0)
	require.NoError(t, err)
	require.Len(t, alertsRaised, 1)
	assert.Equal(t, model.LevelCritical, alertsRaised[0].Level)
	assert.Equal(t, 1, e.notifier.count())

	_, err = e.tracker.Authorize(ctx, email("b@example.com"))
	require.NoError(t, err)

	alertsRaised, err = e.store.ListBudgetAlerts(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, alertsRaised, 1, "no second critical alert at $49")
	assert.Equal(t, 1, e.notifier.count())

	records, err := e.store.ListNotifications(ctx, 0)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, model.NotificationSent, records[0].Status)
	assert.Equal(t, alertsRaised[0].ID, records[0].BudgetAlertID)
}

func TestAuthorize_WarningThenCritical(t *testing.T) {
	e := newEnv(t, budget.RecipientLimits{})
	ctx := context.Background()
	e.seedMonthly(t, 10, 7)

	_, err := e.tracker.Authorize(ctx, email("a@example.com")) // 80%
	require.NoError(t, err)
	_, err = e.tracker.Authorize(ctx, email("b@example.com")) // 90%
	require.NoError(t, err)
	_, err = e.tracker.Authorize(ctx, email("c@example.com")) // 100%
	require.NoError(t, err)

	raised, err := e.store.ListBudgetAlerts(ctx, 0)
	require.NoError(t, err)
	levels := map[model.AlertLevel]int{}
	for _, a := range raised {
		levels[a.Level]++
	}
	assert.Equal(t, map[model.AlertLevel]int{model.LevelWarning: 1, model.LevelCritical: 1}, levels)
}

func TestAuthorize_BudgetExceededFailsClosed(t *testing.T) {
	e := newEnv(t, budget.RecipientLimits{})
	ctx := context.Background()
	e.seedMonthly(t, 50, 49.5)

	_, err := e.tracker.Authorize(ctx, email("a@example.com"))
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrBudgetExceeded)

	b, err := e.store.GetBudget(ctx, model.PeriodMonthly)
	require.NoError(t, err)
	assert.Equal(t, 49.5, b.CurrentSpend)

	_, err = e.tracker.Authorize(ctx, email("b@example.com"))
	assert.ErrorIs(t, err, model.ErrBudgetExceeded)

	raised, err := e.store.ListBudgetAlerts(ctx, 0)
	require.NoError(t, err)
	require.Len(t, raised, 1)
	assert.Equal(t, model.LevelExceeded, raised[0].Level)
}

func TestAuthorize_RecipientBlockedAfterHourlyLimit(t *testing.T) {
	e := newEnv(t, budget.RecipientLimits{MaxPerHour: 10, MaxPerDay: 100, AutoBlock: true, Cooldown: 30 * time.Minute})
	ctx := context.Background()
	const to = "+15551234567"
	sms := budget.Send{Channel: model.ChannelSMS, Recipient: to, Body: "alert"}

	for i := 0; i < 10; i++ {
		_, err := e.tracker.Authorize(ctx, sms)
		require.NoError(t, err, "message %d", i+1)
	}

	_, err := e.tracker.Authorize(ctx, sms)
	assert.ErrorIs(t, err, model.ErrRecipientRateLimited)

	st, err := e.store.GetRecipient(ctx, to)
	require.NoError(t, err)
	assert.True(t, st.BlockActive(e.now))
	assert.Contains(t, st.BlockedReason, "per hour")

	_, err = e.tracker.Authorize(ctx, sms)
	assert.ErrorIs(t, err, model.ErrRecipientBlocked)

	require.NoError(t, e.tracker.Unblock(ctx, to))
	st, err = e.store.GetRecipient(ctx, to)
	require.NoError(t, err)
	assert.False(t, st.Blocked)

	_, err = e.tracker.Authorize(ctx, sms)
	assert.NoError(t, err)
}

func TestAuthorize_RecipientLimitSpansClockHour(t *testing.T) {
	e := newEnv(t, budget.RecipientLimits{MaxPerHour: 10})
	ctx := context.Background()
	const to = "ops@example.com"

	e.now = time.Date(2026, 6, 15, 10, 59, 0, 0, time.UTC)
	for i := 0; i < 10; i++ {
		_, err := e.tracker.Authorize(ctx, email(to))
		require.NoError(t, err, "message %d", i+1)
		e.now = e.now.Add(time.Second)
	}

	// 11:00 starts a new clock hour but not a new sliding hour.
	e.now = time.Date(2026, 6, 15, 11, 0, 0, 0, time.UTC)
	_, err := e.tracker.Authorize(ctx, email(to))
	assert.ErrorIs(t, err, model.ErrRecipientRateLimited)

	e.now = time.Date(2026, 6, 15, 11, 59, 30, 0, time.UTC)
	_, err = e.tracker.Authorize(ctx, email(to))
	assert.NoError(t, err)
}

func TestAuthorize_BlockExpiresAfterCooldown(t *testing.T) {
	e := newEnv(t, budget.RecipientLimits{MaxPerHour: 1, AutoBlock: true, Cooldown: 10 * time.Minute})
	ctx := context.Background()

	_, err := e.tracker.Authorize(ctx, email("x@example.com"))
	require.NoError(t, err)
	_, err = e.tracker.Authorize(ctx, email("x@example.com"))
	require.ErrorIs(t, err, model.ErrRecipientRateLimited)

	e.now = e.now.Add(11 * time.Minute)
	_, err = e.tracker.Authorize(ctx, email("x@example.com"))
	assert.NoError(t, err)
}

func TestAuthorize_NoAutoBlock(t *testing.T) {
	e := newEnv(t, budget.RecipientLimits{MaxPerHour: 1})
	ctx := context.Background()

	_, err := e.tracker.Authorize(ctx, email("y@example.com"))
	require.NoError(t, err)
	_, err = e.tracker.Authorize(ctx, email("y@example.com"))
	require.ErrorIs(t, err, model.ErrRecipientRateLimited)

	st, err := e.store.GetRecipient(ctx, "y@example.com")
	require.NoError(t, err)
	assert.False(t, st.Blocked)
}

func TestAuthorize_SMSCostBySegments(t *testing.T) {
	e := newEnv(t, budget.RecipientLimits{})
	e.tracker = budget.NewTracker(e.store, budget.Options{
		Pricing: &budget.Pricing{DefaultSMSPerSeg: 0.05, Countries: []budget.CountryRate{{Country: "GB", Prefix: "+44", PerSegmentUSD: 0.04}}},
		Now:     func() time.Time { return e.now },
	})

	body := make([]byte, 200)
	for i := range body {
		body[i] = 'a'
	}
	charge, err := e.tracker.Authorize(context.Background(), budget.Send{Channel: model.ChannelSMS, Recipient: "+44 7700 900123", Body: string(body)})
	require.NoError(t, err)
	assert.Equal(t, 2, charge.Segments)
	assert.InDelta(t, 0.08, charge.CostUSD, 1e-9)
}

func TestResetDue(t *testing.T) {
	e := newEnv(t, budget.RecipientLimits{})
	ctx := context.Background()

	_, err := e.tracker.Configure(ctx, &model.Budget{Period: model.PeriodDaily, LimitUSD: 5, WarningThresholdPct: 50, CriticalThresholdPct: 90})
	require.NoError(t, err)
	_, err = e.tracker.Authorize(ctx, email("a@example.com"))
	require.NoError(t, err)

	b, err := e.store.GetBudget(ctx, model.PeriodDaily)
	require.NoError(t, err)
	assert.Equal(t, 1.0, b.CurrentSpend)

	require.NoError(t, e.tracker.ResetDue(ctx))
	b, err = e.store.GetBudget(ctx, model.PeriodDaily)
	require.NoError(t, err)
	assert.Equal(t, 1.0, b.CurrentSpend, "same period is not reset")

	e.now = e.now.Add(24 * time.Hour)
	require.NoError(t, e.tracker.ResetDue(ctx))
	b, err = e.store.GetBudget(ctx, model.PeriodDaily)
	require.NoError(t, err)
	assert.Zero(t, b.CurrentSpend)
}

func TestConfigure_Invalid(t *testing.T) {
	e := newEnv(t, budget.RecipientLimits{})
	_, err := e.tracker.Configure(context.Background(), &model.Budget{Period: model.PeriodDaily, LimitUSD: 5, WarningThresholdPct: 95, CriticalThresholdPct: 90})
	var cfgErr *model.ConfigError
	assert.True(t, errors.As(err, &cfgErr))
}

func TestStartStop(t *testing.T) {
	e := newEnv(t, budget.RecipientLimits{})
	require.NoError(t, e.tracker.Start(context.Background()))
	require.NoError(t, e.tracker.Start(context.Background()))
	e.tracker.Stop()
	e.tracker.Stop()
}
