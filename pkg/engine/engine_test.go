package engine_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ogulcanaydogan/Delivery-Guardian/pkg/alerts"
	"github.com/ogulcanaydogan/Delivery-Guardian/pkg/budget"
	"github.com/ogulcanaydogan/Delivery-Guardian/pkg/delivery"
	"github.com/ogulcanaydogan/Delivery-Guardian/pkg/engine"
	"github.com/ogulcanaydogan/Delivery-Guardian/pkg/events"
	"github.com/ogulcanaydogan/Delivery-Guardian/pkg/model"
	"github.com/ogulcanaydogan/Delivery-Guardian/pkg/retry"
	"github.com/ogulcanaydogan/Delivery-Guardian/pkg/storage"
)

type receiver struct {
	status atomic.Int32
	hits   atomic.Int32

	mu        sync.Mutex
	body      []byte
	signature string
	eventType string
}

func newReceiver(t *testing.T) (*receiver, *httptest.Server) {
	t.Helper()
	r := &receiver{}
	r.status.Store(http.StatusOK)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		body, _ := io.ReadAll(req.Body)
		r.mu.Lock()
		r.body = body
		r.signature = req.Header.Get(delivery.SignatureHeader)
		r.eventType = req.Header.Get("X-Event-Type")
		r.mu.Unlock()
		r.hits.Add(1)
		w.WriteHeader(int(r.status.Load()))
	}))
	t.Cleanup(srv.Close)
	return r, srv
}

type smsStub struct {
	mu   sync.Mutex
	sent []string
}

func (s *smsStub) Name() string { return "sms" }

func (s *smsStub) SendTo(_ context.Context, recipient string, _ alerts.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, recipient)
	return nil
}

type testEnv struct {
	store  *storage.SQL
	engine *engine.Engine
	events chan events.Event
}

func newEnv(t *testing.T, mutate ...func(*engine.Options)) *testEnv {
	t.Helper()
	db, err := storage.NewSQLite(filepath.Join(t.TempDir(), "engine.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	bus := events.NewMemory(nil)
	t.Cleanup(func() { bus.Close() })
	got := make(chan events.Event, 64)
	_, err = bus.Subscribe(func(e events.Event) { got <- e })
	require.NoError(t, err)

	opts := engine.Options{
		Retry: retry.Policy{BaseDelay: time.Hour, MaxDelay: time.Hour, Multiplier: 2},
		Bus:   bus,
	}
	for _, fn := range mutate {
		fn(&opts)
	}
	return &testEnv{store: db, engine: engine.New(db, opts), events: got}
}

// waitFor returns the first published event of the given type.
func (e *testEnv) waitFor(t *testing.T, typ events.Type) events.Event {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev := <-e.events:
			if ev.Type == typ {
				return ev
			}
		case <-timeout:
			t.Fatalf("no %s event published", typ)
			return events.Event{}
		}
	}
}

func (e *testEnv) endpoint(t *testing.T, url string, mutate ...func(*model.Endpoint)) *model.Endpoint {
	t.Helper()
	ep := &model.Endpoint{
		Name:        "orders",
		URL:         url,
		ServiceType: model.ServiceCustom,
		Secret:      "whsec",
		Enabled:     true,
	}
	for _, fn := range mutate {
		fn(ep)
	}
	created, err := e.engine.CreateEndpoint(context.Background(), ep)
	require.NoError(t, err)
	return created
}

func TestCreateEndpoint_Invalid(t *testing.T) {
	env := newEnv(t)

	_, err := env.engine.CreateEndpoint(context.Background(), &model.Endpoint{
		Name: "x", URL: "https://example.com/hook", ServiceType: model.ServiceCustom,
	})
	var cfgErr *model.ConfigError
	require.True(t, errors.As(err, &cfgErr))
	assert.Equal(t, "secret", cfgErr.Field)

	eps, err := env.engine.ListEndpoints(context.Background())
	require.NoError(t, err)
	assert.Empty(t, eps)
}

func TestTestEndpoint(t *testing.T) {
	env := newEnv(t)
	rcv, srv := newReceiver(t)
	ep := env.endpoint(t, srv.URL)

	d, err := env.engine.TestEndpoint(context.Background(), ep.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusSuccess, d.Status)
	assert.Equal(t, engine.TestEventType, d.EventType)
	assert.Equal(t, 1, d.AttemptCount)

	rcv.mu.Lock()
	assert.True(t, delivery.Verify(rcv.body, "whsec", rcv.signature))
	assert.Equal(t, engine.TestEventType, rcv.eventType)
	rcv.mu.Unlock()

	ev := env.waitFor(t, events.DeliverySucceeded)
	assert.Contains(t, string(ev.Data), d.ID)

	_, err = env.engine.TestEndpoint(context.Background(), "missing")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestEmit_FansOutToSubscribedEndpoints(t *testing.T) {
	env := newEnv(t)
	rcv, srv := newReceiver(t)
	orders := env.endpoint(t, srv.URL, func(e *model.Endpoint) { e.EventTypes = []string{"order.*"} })
	env.endpoint(t, srv.URL, func(e *model.Endpoint) { e.Name = "users"; e.EventTypes = []string{"user.created"} })
	env.endpoint(t, srv.URL, func(e *model.Endpoint) { e.Name = "off"; e.Enabled = false })

	out, err := env.engine.Emit(context.Background(), "order.created", []byte(`{"order_id":42}`))
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, orders.ID, out[0].EndpointID)
	assert.Equal(t, model.StatusSuccess, out[0].Status)
	assert.EqualValues(t, 1, rcv.hits.Load())

	_, err = env.engine.Emit(context.Background(), "", nil)
	var cfgErr *model.ConfigError
	assert.True(t, errors.As(err, &cfgErr))
}

func TestConfigureRateLimits(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()
	rcv, srv := newReceiver(t)
	ep := env.endpoint(t, srv.URL)

	windows, err := env.engine.ConfigureRateLimits(ctx, ep.ID, nil, "burst_protection")
	require.NoError(t, err)
	assert.Len(t, windows, 4)

	for i := 0; i < 5; i++ {
		d, err := env.engine.Deliver(ctx, ep.ID, "order.created", []byte(`{}`))
		require.NoError(t, err)
		assert.Equal(t, model.StatusSuccess, d.Status, "send %d", i+1)
	}
	d, err := env.engine.Deliver(ctx, ep.ID, "order.created", []byte(`{}`))
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, d.Status)
	assert.Equal(t, model.KindRateLimited, d.ErrorKind)
	assert.Zero(t, d.AttemptCount)
	assert.EqualValues(t, 5, rcv.hits.Load())

	violations, err := env.engine.ListViolations(ctx, ep.ID, 10)
	require.NoError(t, err)
	require.Len(t, violations, 1)
	assert.Equal(t, model.WindowMinute, violations[0].Period)
	env.waitFor(t, events.RateLimitViolation)

	_, err = env.engine.ConfigureRateLimits(ctx, ep.ID, nil, "nope")
	var cfgErr *model.ConfigError
	assert.True(t, errors.As(err, &cfgErr))

	_, err = env.engine.ConfigureRateLimits(ctx, ep.ID, []model.RateLimitWindow{
		{Period: model.WindowHour, MaxRequests: 10, Enabled: true},
		{Period: model.WindowHour, MaxRequests: 20, Enabled: true},
	}, "")
	assert.True(t, errors.As(err, &cfgErr))

	_, err = env.engine.ConfigureRateLimits(ctx, "missing", []model.RateLimitWindow{
		{Period: model.WindowHour, MaxRequests: 10, Enabled: true},
	}, "")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestCancelAndRetryDelivery(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()
	rcv, srv := newReceiver(t)
	rcv.status.Store(http.StatusServiceUnavailable)
	ep := env.endpoint(t, srv.URL, func(e *model.Endpoint) {
		e.Retry = model.RetryPolicy{Enabled: true, MaxAttempts: 3}
	})

	d, err := env.engine.Deliver(ctx, ep.ID, "order.created", []byte(`{}`))
	require.NoError(t, err)
	require.Equal(t, model.StatusRetrying, d.Status)
	require.NotNil(t, d.NextRetryAt)
	env.waitFor(t, events.DeliveryRetrying)

	cancelled, err := env.engine.CancelDelivery(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCancelled, cancelled.Status)
	env.waitFor(t, events.DeliveryCancelled)

	_, err = env.engine.CancelDelivery(ctx, d.ID)
	assert.ErrorIs(t, err, model.ErrInvalidState)
	_, err = env.engine.RetryDelivery(ctx, d.ID)
	assert.ErrorIs(t, err, model.ErrInvalidState)

	rcv.status.Store(http.StatusBadRequest)
	failed, err := env.engine.Deliver(ctx, ep.ID, "order.created", []byte(`{}`))
	require.NoError(t, err)
	require.Equal(t, model.StatusFailed, failed.Status)
	assert.Equal(t, model.KindPermanent, failed.ErrorKind)

	rcv.status.Store(http.StatusOK)
	retried, err := env.engine.RetryDelivery(ctx, failed.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusSuccess, retried.Status)
	assert.Equal(t, failed.ID, retried.RetryOf)

	attempts, err := env.engine.ListAttempts(ctx, failed.ID)
	require.NoError(t, err)
	assert.Len(t, attempts, 1)
}

func TestAlertLifecycle(t *testing.T) {
	env := newEnv(t, func(o *engine.Options) { o.EvaluateOnDelivery = true })
	ctx := context.Background()
	rcv, srv := newReceiver(t)
	rcv.status.Store(http.StatusBadRequest)
	ep := env.endpoint(t, srv.URL)

	_, err := env.engine.CreateAlertRule(ctx, &model.AlertRule{
		Name: "ghost", EndpointID: "missing", Condition: model.ConditionTotalFailures,
		Threshold: 1, WindowMinutes: 5, Enabled: true,
	})
	assert.ErrorIs(t, err, model.ErrNotFound)

	_, err = env.engine.CreateAlertRule(ctx, &model.AlertRule{
		Name: "bad", Condition: model.ConditionFailureRate, Threshold: 150, WindowMinutes: 5,
	})
	var cfgErr *model.ConfigError
	assert.True(t, errors.As(err, &cfgErr))

	rule, err := env.engine.CreateAlertRule(ctx, &model.AlertRule{
		Name: "any failure", EndpointID: ep.ID, Condition: model.ConditionTotalFailures,
		Threshold: 1, WindowMinutes: 5, Enabled: true,
	})
	require.NoError(t, err)

	_, err = env.engine.Deliver(ctx, ep.ID, "order.created", []byte(`{}`))
	require.NoError(t, err)
	env.waitFor(t, events.AlertTriggered)

	open, err := env.engine.ListAlertEvents(ctx, model.AlertEventFilter{RuleID: rule.ID, UnresolvedOnly: true})
	require.NoError(t, err)
	require.Len(t, open, 1)

	resolved, err := env.engine.ResolveAlert(ctx, open[0].ID, "oncall", "receiver fixed")
	require.NoError(t, err)
	assert.True(t, resolved.Resolved())
	assert.Equal(t, "receiver fixed", resolved.ResolutionNotes)
	env.waitFor(t, events.AlertResolved)

	_, err = env.engine.ResolveAlert(ctx, open[0].ID, "oncall", "")
	assert.ErrorIs(t, err, model.ErrInvalidState)

	disabled, err := env.engine.SetAlertRuleEnabled(ctx, rule.ID, false)
	require.NoError(t, err)
	assert.False(t, disabled.Enabled)
	fired, err := env.engine.EvaluateAlerts(ctx)
	require.NoError(t, err)
	assert.Empty(t, fired)
}

func TestAlertNotificationSuppressedByBudget(t *testing.T) {
	sms := &smsStub{}
	env := newEnv(t, func(o *engine.Options) {
		o.EvaluateOnDelivery = true
		o.Budget.Pricing = &budget.Pricing{DefaultSMSPerSeg: 0.05}
		o.Notify.Direct = map[model.Channel]alerts.RecipientNotifier{model.ChannelSMS: sms}
		o.Notify.Recipients = map[model.Channel][]string{model.ChannelSMS: {"+15550000001"}}
	})
	ctx := context.Background()
	rcv, srv := newReceiver(t)
	rcv.status.Store(http.StatusBadRequest)
	ep := env.endpoint(t, srv.URL)

	_, err := env.engine.ConfigureBudget(ctx, &model.Budget{
		Period: model.PeriodMonthly, LimitUSD: 0.01, WarningThresholdPct: 50, CriticalThresholdPct: 90,
	})
	require.NoError(t, err)
	_, err = env.engine.CreateAlertRule(ctx, &model.AlertRule{
		Name: "page", EndpointID: ep.ID, Condition: model.ConditionTotalFailures, Threshold: 1,
		WindowMinutes: 5, Critical: true, Enabled: true, Channels: []model.Channel{model.ChannelSMS},
	})
	require.NoError(t, err)

	_, err = env.engine.Deliver(ctx, ep.ID, "order.created", []byte(`{}`))
	require.NoError(t, err)

	records, err := env.engine.ListNotifications(ctx, 0)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, model.NotificationSuppressed, records[0].Status)
	assert.Zero(t, records[0].CostUSD)
	assert.Empty(t, sms.sent)

	budgetAlerts, err := env.engine.ListBudgetAlerts(ctx, 0)
	require.NoError(t, err)
	require.Len(t, budgetAlerts, 1)
	assert.Equal(t, model.LevelExceeded, budgetAlerts[0].Level)

	budgets, err := env.engine.ListBudgets(ctx)
	require.NoError(t, err)
	require.Len(t, budgets, 1)
	assert.Zero(t, budgets[0].CurrentSpend)
}

func TestBudgetAndRecipientErrors(t *testing.T) {
	env := newEnv(t)
	ctx := context.Background()

	_, err := env.engine.ConfigureBudget(ctx, &model.Budget{Period: "weekly", LimitUSD: 10, WarningThresholdPct: 80, CriticalThresholdPct: 95})
	var cfgErr *model.ConfigError
	assert.True(t, errors.As(err, &cfgErr))

	assert.ErrorIs(t, env.engine.UnblockRecipient(ctx, "+15550000009"), model.ErrNotFound)

	recipients, err := env.engine.ListRecipients(ctx, true)
	require.NoError(t, err)
	assert.Empty(t, recipients)
}

func TestStartStop(t *testing.T) {
	env := newEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, env.engine.Start(ctx))
	require.NoError(t, env.engine.Start(ctx))
	env.engine.Stop()
	env.engine.Stop()

	unsubscribe, err := env.engine.Subscribe(func(events.Event) {})
	require.NoError(t, err)
	unsubscribe()
	assert.NoError(t, env.engine.Ping(ctx))
}
