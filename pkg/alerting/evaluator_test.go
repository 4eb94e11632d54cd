package alerting_test

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ogulcanaydogan/Delivery-Guardian/pkg/alerting"
	"github.com/ogulcanaydogan/Delivery-Guardian/pkg/delivery"
	"github.com/ogulcanaydogan/Delivery-Guardian/pkg/events"
	"github.com/ogulcanaydogan/Delivery-Guardian/pkg/model"
	"github.com/ogulcanaydogan/Delivery-Guardian/pkg/storage"
)

type routerStub struct {
	mu     sync.Mutex
	routed []string
}

func (r *routerStub) Route(_ context.Context, rule *model.AlertRule, _ *model.AlertEvent) []model.NotificationRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routed = append(r.routed, rule.ID)
	return nil
}

type fixture struct {
	store     *storage.SQL
	evaluator *alerting.Evaluator
	router    *routerStub
	endpoint  *model.Endpoint
	now       time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := storage.NewSQLite(filepath.Join(t.TempDir(), "alerting.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	ep := &model.Endpoint{Name: "orders", URL: "https://hooks.example.com/orders", ServiceType: model.ServiceCustom,
		Secret: "s", Enabled: true}
	require.NoError(t, db.CreateEndpoint(context.Background(), ep))

	f := &fixture{store: db, router: &routerStub{}, endpoint: ep, now: time.Now().UTC().Truncate(time.Second)}
	f.evaluator = alerting.NewEvaluator(db, alerting.Options{
		Router: f.router,
		Now:    func() time.Time { return f.now },
	})
	return f
}

// settle records deliveries oldest first, one minute apart, ending a minute before now.
func (f *fixture) settle(t *testing.T, statuses ...model.DeliveryStatus) {
	t.Helper()
	for i, st := range statuses {
		completed := f.now.Add(-time.Duration(len(statuses)-i) * time.Minute)
		d := &model.Delivery{
			EndpointID:     f.endpoint.ID,
			EventType:      "order.created",
			Status:         st,
			AttemptCount:   1,
			MaxAttempts:    1,
			ResponseTimeMs: 100,
			CreatedAt:      completed.Add(-time.Second),
			CompletedAt:    &completed,
		}
		if st == model.StatusFailed {
			d.ErrorKind = model.KindTransient
		}
		require.NoError(t, f.store.CreateDelivery(context.Background(), d))
	}
}

func (f *fixture) rule(t *testing.T, cond model.ConditionType, threshold float64) *model.AlertRule {
	t.Helper()
	r := &model.AlertRule{
		Name:          string(cond),
		EndpointID:    f.endpoint.ID,
		Condition:     cond,
		Threshold:     threshold,
		WindowMinutes: 30,
		Enabled:       true,
		Channels:      []model.Channel{model.ChannelSlack},
	}
	require.NoError(t, f.store.CreateAlertRule(context.Background(), r))
	return r
}

func TestConsecutiveFailures_Trigger(t *testing.T) {
	f := newFixture(t)
	r := f.rule(t, model.ConditionConsecutiveFailures, 3)
	f.settle(t, model.StatusSuccess, model.StatusFailed, model.StatusFailed, model.StatusFailed)

	ev, err := f.evaluator.Evaluate(context.Background(), r)
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.Equal(t, 3.0, ev.ActualValue)
	assert.Equal(t, "consecutive_failures 3.00 >= 3.00", ev.ConditionMet)
	assert.Equal(t, []string{r.ID}, f.router.routed)
}

func TestConsecutiveFailures_BrokenBySuccess(t *testing.T) {
	f := newFixture(t)
	r := f.rule(t, model.ConditionConsecutiveFailures, 3)
	f.settle(t, model.StatusFailed, model.StatusFailed, model.StatusSuccess)

	ev, err := f.evaluator.Evaluate(context.Background(), r)
	require.NoError(t, err)
	assert.Nil(t, ev)
	assert.Empty(t, f.router.routed)
}

func TestFailureRate(t *testing.T) {
	t.Run("60 percent triggers", func(t *testing.T) {
		f := newFixture(t)
		r := f.rule(t, model.ConditionFailureRate, 50)
		f.settle(t, model.StatusFailed, model.StatusSuccess, model.StatusFailed, model.StatusSuccess, model.StatusFailed)

		ev, err := f.evaluator.Evaluate(context.Background(), r)
		require.NoError(t, err)
		require.NotNil(t, ev)
		assert.InDelta(t, 60.0, ev.ActualValue, 1e-9)
	})

	t.Run("40 percent does not", func(t *testing.T) {
		f := newFixture(t)
		r := f.rule(t, model.ConditionFailureRate, 50)
		f.settle(t, model.StatusFailed, model.StatusSuccess, model.StatusFailed, model.StatusSuccess, model.StatusSuccess)

		ev, err := f.evaluator.Evaluate(context.Background(), r)
		require.NoError(t, err)
		assert.Nil(t, ev)
	})

	t.Run("no deliveries is undefined", func(t *testing.T) {
		f := newFixture(t)
		r := f.rule(t, model.ConditionFailureRate, 1)
		ev, err := f.evaluator.Evaluate(context.Background(), r)
		require.NoError(t, err)
		assert.Nil(t, ev)
	})
}

func TestNoRefireUntilResolved(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r := f.rule(t, model.ConditionTotalFailures, 2)
	f.settle(t, model.StatusFailed, model.StatusFailed)

	fired, err := f.evaluator.EvaluateAll(ctx)
	require.NoError(t, err)
	require.Len(t, fired, 1)

	fired, err = f.evaluator.EvaluateAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, fired)

	require.NoError(t, f.store.ResolveAlertEvent(ctx, fired0(t, f, r.ID), "oncall", "upstream fixed", f.now))
	fired, err = f.evaluator.EvaluateAll(ctx)
	require.NoError(t, err)
	assert.Len(t, fired, 1)
	assert.Equal(t, []string{r.ID, r.ID}, f.router.routed)
}

func fired0(t *testing.T, f *fixture, ruleID string) string {
	t.Helper()
	open, err := f.store.ListAlertEvents(context.Background(), model.AlertEventFilter{RuleID: ruleID, UnresolvedOnly: true})
	require.NoError(t, err)
	require.Len(t, open, 1)
	return open[0].ID
}

func TestWindowExcludesOldAndRateLimited(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	r := f.rule(t, model.ConditionTotalFailures, 1)

	old := f.now.Add(-time.Hour)
	require.NoError(t, f.store.CreateDelivery(ctx, &model.Delivery{
		EndpointID: f.endpoint.ID, EventType: "x", Status: model.StatusFailed, MaxAttempts: 1,
		ErrorKind: model.KindTransient, CreatedAt: old, CompletedAt: &old,
	}))
	recent := f.now.Add(-time.Minute)
	require.NoError(t, f.store.CreateDelivery(ctx, &model.Delivery{
		EndpointID: f.endpoint.ID, EventType: "x", Status: model.StatusFailed, MaxAttempts: 1,
		ErrorKind: model.KindRateLimited, ErrorMessage: "rate limit exceeded", CreatedAt: recent, CompletedAt: &recent,
	}))

	ev, err := f.evaluator.Evaluate(ctx, r)
	require.NoError(t, err)
	assert.Nil(t, ev)
}

func TestResponseTime(t *testing.T) {
	f := newFixture(t)
	r := f.rule(t, model.ConditionResponseTime, 100)
	f.settle(t, model.StatusSuccess, model.StatusSuccess)

	ev, err := f.evaluator.Evaluate(context.Background(), r)
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.Equal(t, 100.0, ev.ActualValue)
}

func TestObserve_ScopesRulesAndPublishes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	bus := events.NewMemory(nil)
	defer bus.Close()
	got := make(chan events.Event, 4)
	_, err := bus.Subscribe(func(e events.Event) { got <- e })
	require.NoError(t, err)

	f.evaluator = alerting.NewEvaluator(f.store, alerting.Options{Router: f.router, Bus: bus, Now: func() time.Time { return f.now }})
	mine := f.rule(t, model.ConditionTotalFailures, 1)

	other := &model.Endpoint{Name: "other", URL: "https://other.example.com", ServiceType: model.ServiceCustom, Secret: "s", Enabled: true}
	require.NoError(t, f.store.CreateEndpoint(ctx, other))
	theirs := &model.AlertRule{Name: "other", EndpointID: other.ID, Condition: model.ConditionTotalFailures,
		Threshold: 1, WindowMinutes: 30, Enabled: true}
	require.NoError(t, f.store.CreateAlertRule(ctx, theirs))

	f.settle(t, model.StatusFailed)
	f.evaluator.Observe(ctx, f.endpoint, &delivery.Outcome{Status: model.StatusRetrying})
	assert.Empty(t, f.router.routed)

	f.evaluator.Observe(ctx, f.endpoint, &delivery.Outcome{Status: model.StatusFailed})
	assert.Equal(t, []string{mine.ID}, f.router.routed)

	select {
	case e := <-got:
		assert.Equal(t, events.AlertTriggered, e.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("no alert event published")
	}
}

func TestStartStop(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.evaluator.Start(context.Background()))
	require.NoError(t, f.evaluator.Start(context.Background()))
	f.evaluator.Stop()

	bad := alerting.NewEvaluator(f.store, alerting.Options{Schedule: "not a schedule"})
	assert.Error(t, bad.Start(context.Background()))
}

func TestCompute(t *testing.T) {
	s := alerting.Compute([]model.Delivery{
		{Status: model.StatusFailed},
		{Status: model.StatusFailed},
		{Status: model.StatusSuccess, ResponseTimeMs: 200},
		{Status: model.StatusFailed},
		{Status: model.StatusSuccess, ResponseTimeMs: 400},
		{Status: model.StatusRetrying},
	})
	assert.Equal(t, 5, s.Total)
	assert.Equal(t, 3, s.Failed)
	assert.Equal(t, 2, s.ConsecutiveFailures)
	assert.InDelta(t, 60.0, s.FailureRate, 1e-9)
	assert.Equal(t, 300.0, s.AvgResponseMs)

	_, ok := alerting.Stats{}.Value(model.ConditionResponseTime)
	assert.False(t, ok)
}
