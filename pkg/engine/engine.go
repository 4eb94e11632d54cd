// Package engine wires the delivery pipeline, retry scheduler, alert
// evaluator and notification budget into one service and exposes the
// operations callers use to manage them.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ogulcanaydogan/Delivery-Guardian/pkg/alerting"
	"github.com/ogulcanaydogan/Delivery-Guardian/pkg/alerts"
	"github.com/ogulcanaydogan/Delivery-Guardian/pkg/budget"
	"github.com/ogulcanaydogan/Delivery-Guardian/pkg/delivery"
	"github.com/ogulcanaydogan/Delivery-Guardian/pkg/events"
	"github.com/ogulcanaydogan/Delivery-Guardian/pkg/guard"
	"github.com/ogulcanaydogan/Delivery-Guardian/pkg/logger"
	"github.com/ogulcanaydogan/Delivery-Guardian/pkg/metrics"
	"github.com/ogulcanaydogan/Delivery-Guardian/pkg/model"
	"github.com/ogulcanaydogan/Delivery-Guardian/pkg/notify"
	"github.com/ogulcanaydogan/Delivery-Guardian/pkg/ratelimit"
	"github.com/ogulcanaydogan/Delivery-Guardian/pkg/retry"
	"github.com/ogulcanaydogan/Delivery-Guardian/pkg/storage"
)

// TestEventType is the event type sent by TestEndpoint.
const TestEventType = "webhook.test"

// Options configures an Engine. Logger, Metrics, Bus and Now are shared by
// every component and override the matching fields of the nested options.
type Options struct {
	// Counter backs the rate limiter. The store is used when nil.
	Counter ratelimit.Counter
	// Guard checks destination addresses. A DNS-resolving guard is used when nil.
	Guard delivery.Guard

	Delivery  delivery.Options
	Retry     retry.Policy
	Scheduler retry.Options

	AlertSchedule string
	// EvaluateOnDelivery re-evaluates the rules covering an endpoint after
	// each settled delivery, in addition to the schedule.
	EvaluateOnDelivery bool

	Budget budget.Options
	Notify notify.Options

	// EmitConcurrency bounds parallel dispatches in Emit.
	EmitConcurrency int

	Bus     events.Bus
	Logger  logger.Logger
	Metrics *metrics.Metrics
	Now     func() time.Time
}

// Engine is the delivery, retry, rate-limiting and alerting service.
type Engine struct {
	store      storage.Storage
	limiter    *ratelimit.Limiter
	dispatcher *delivery.Dispatcher
	scheduler  *retry.Scheduler
	evaluator  *alerting.Evaluator
	tracker    *budget.Tracker
	router     *notify.Router
	bus        events.Bus
	logger     logger.Logger
	metrics    *metrics.Metrics
	now        func() time.Time
	emitLimit  int

	mu      sync.Mutex
	cancel  context.CancelFunc
	workers sync.WaitGroup
}

// New assembles an engine over store.
func New(store storage.Storage, opts Options) *Engine {
	if opts.Logger == nil {
		opts.Logger = logger.Nop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Counter == nil {
		opts.Counter = store
	}
	if opts.Guard == nil {
		opts.Guard = guard.New(nil)
	}
	if opts.Retry.BaseDelay <= 0 {
		opts.Retry = retry.DefaultPolicy()
	}
	if opts.EmitConcurrency <= 0 {
		opts.EmitConcurrency = 8
	}
	log := opts.Logger

	e := &Engine{
		store:     store,
		bus:       opts.Bus,
		logger:    log.With("component", "engine"),
		metrics:   opts.Metrics,
		now:       opts.Now,
		emitLimit: opts.EmitConcurrency,
	}

	e.limiter = ratelimit.New(opts.Counter, store, log.With("component", "ratelimit"), opts.Metrics)

	dopts := opts.Delivery
	dopts.Decider = opts.Retry
	dopts.Logger = log.With("component", "delivery")
	dopts.Metrics = opts.Metrics
	dopts.Now = opts.Now
	e.dispatcher = delivery.New(store, e.limiter, opts.Guard, dopts)

	sopts := opts.Scheduler
	sopts.Logger = log
	sopts.Now = opts.Now
	e.scheduler = retry.NewScheduler(store, e.dispatcher, sopts)

	bopts := opts.Budget
	if bopts.Notifiers == nil {
		bopts.Notifiers = chatNotifiers(opts.Notify.Chat)
	}
	bopts.Bus = opts.Bus
	bopts.Logger = log
	bopts.Metrics = opts.Metrics
	bopts.Now = opts.Now
	e.tracker = budget.NewTracker(store, bopts)

	nopts := opts.Notify
	nopts.Logger = log
	nopts.Metrics = opts.Metrics
	nopts.Now = opts.Now
	e.router = notify.New(e.tracker, store, nopts)

	e.evaluator = alerting.NewEvaluator(store, alerting.Options{
		Schedule: opts.AlertSchedule,
		Router:   e.router,
		Bus:      opts.Bus,
		Logger:   log,
		Metrics:  opts.Metrics,
		Now:      opts.Now,
	})

	e.dispatcher.OnSettled(e.publishOutcome)
	if opts.EvaluateOnDelivery {
		e.dispatcher.OnSettled(e.evaluator.Observe)
	}
	return e
}

// chatNotifiers returns the configured chat notifiers in channel order.
func chatNotifiers(chat map[model.Channel]alerts.Notifier) []alerts.Notifier {
	channels := make([]string, 0, len(chat))
	for ch := range chat {
		channels = append(channels, string(ch))
	}
	sort.Strings(channels)
	out := make([]alerts.Notifier, 0, len(channels))
	for _, ch := range channels {
		out = append(out, chat[model.Channel(ch)])
	}
	return out
}

// Start launches the retry poller, the alert schedule and budget resets.
// The workers stop when ctx is cancelled or Stop is called.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancel != nil {
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	if err := e.tracker.Start(runCtx); err != nil {
		cancel()
		return fmt.Errorf("start budget tracker: %w", err)
	}
	if err := e.evaluator.Start(runCtx); err != nil {
		e.tracker.Stop()
		cancel()
		return fmt.Errorf("start alert evaluator: %w", err)
	}
	e.workers.Add(1)
	go func() {
		defer e.workers.Done()
		e.scheduler.Run(runCtx)
	}()
	e.cancel = cancel
	e.logger.Info("engine started")
	return nil
}

// Stop halts the background workers and waits for them to finish.
func (e *Engine) Stop() {
	e.mu.Lock()
	cancel := e.cancel
	e.cancel = nil
	e.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	e.workers.Wait()
	e.evaluator.Stop()
	e.tracker.Stop()
	e.logger.Info("engine stopped")
}

// Subscribe registers h for every event the engine publishes.
func (e *Engine) Subscribe(h events.Handler) (func(), error) {
	if e.bus == nil {
		return nil, errors.New("no event bus configured")
	}
	return e.bus.Subscribe(h)
}

// Ping checks that the store is reachable.
func (e *Engine) Ping(ctx context.Context) error {
	if p, ok := e.store.(interface{ Ping(context.Context) error }); ok {
		return p.Ping(ctx)
	}
	return nil
}

// Pricing returns the notification price table in use.
func (e *Engine) Pricing() *budget.Pricing { return e.tracker.Pricing() }

type deliveryEvent struct {
	*delivery.Outcome
	EndpointName string `json:"endpoint_name"`
	Error        string `json:"error,omitempty"`
}

func (e *Engine) publishOutcome(ctx context.Context, ep *model.Endpoint, o *delivery.Outcome) {
	data := deliveryEvent{Outcome: o, EndpointName: ep.Name}
	if o.Err != nil {
		data.Error = o.Err.Error()
	}
	if o.ErrorKind == model.KindRateLimited {
		e.emit(ctx, events.RateLimitViolation, data)
	}
	var typ events.Type
	switch o.Status {
	case model.StatusSuccess:
		typ = events.DeliverySucceeded
	case model.StatusRetrying:
		typ = events.DeliveryRetrying
	case model.StatusCancelled:
		typ = events.DeliveryCancelled
	default:
		typ = events.DeliveryFailed
	}
	e.emit(ctx, typ, data)
}

func (e *Engine) emit(ctx context.Context, typ events.Type, data any) {
	if err := events.Emit(ctx, e.bus, typ, data); err != nil {
		e.logger.Warn("publish event failed", "type", typ, "error", err)
	}
}

// CreateEndpoint validates and stores a new endpoint.
func (e *Engine) CreateEndpoint(ctx context.Context, ep *model.Endpoint) (*model.Endpoint, error) {
	if err := ep.Validate(); err != nil {
		return nil, err
	}
	if err := e.store.CreateEndpoint(ctx, ep); err != nil {
		return nil, err
	}
	e.logger.Info("endpoint created", "endpoint_id", ep.ID, "name", ep.Name, "service_type", ep.ServiceType)
	return e.store.GetEndpoint(ctx, ep.ID)
}

// UpdateEndpoint validates and replaces an endpoint's settings. Rate limits
// are changed through ConfigureRateLimits.
func (e *Engine) UpdateEndpoint(ctx context.Context, ep *model.Endpoint) (*model.Endpoint, error) {
	if err := ep.Validate(); err != nil {
		return nil, err
	}
	if err := e.store.UpdateEndpoint(ctx, ep); err != nil {
		return nil, err
	}
	e.logger.Info("endpoint updated", "endpoint_id", ep.ID, "enabled", ep.Enabled)
	return e.store.GetEndpoint(ctx, ep.ID)
}

func (e *Engine) GetEndpoint(ctx context.Context, id string) (*model.Endpoint, error) {
	return e.store.GetEndpoint(ctx, id)
}

func (e *Engine) ListEndpoints(ctx context.Context) ([]model.Endpoint, error) {
	return e.store.ListEndpoints(ctx)
}

// TestEndpoint sends a single-attempt test event through the full pipeline.
func (e *Engine) TestEndpoint(ctx context.Context, id string) (*model.Delivery, error) {
	ep, err := e.store.GetEndpoint(ctx, id)
	if err != nil {
		return nil, err
	}
	payload, err := json.Marshal(map[string]any{
		"message":     "Test delivery from Delivery Guardian",
		"endpoint_id": ep.ID,
		"sent_at":     e.now().UTC(),
	})
	if err != nil {
		return nil, fmt.Errorf("encode test payload: %w", err)
	}
	d := &model.Delivery{
		EndpointID:  ep.ID,
		EventType:   TestEventType,
		Payload:     payload,
		MaxAttempts: 1,
		CreatedAt:   e.now().UTC(),
	}
	return e.deliver(ctx, d)
}

// Deliver creates a delivery of one event to one endpoint and dispatches it.
// The endpoint's event subscriptions are not consulted.
func (e *Engine) Deliver(ctx context.Context, endpointID, eventType string, payload json.RawMessage) (*model.Delivery, error) {
	ep, err := e.store.GetEndpoint(ctx, endpointID)
	if err != nil {
		return nil, err
	}
	return e.deliver(ctx, e.newDelivery(ep, eventType, payload))
}

// Emit delivers an event to every enabled endpoint subscribed to its type.
// Dispatch failures are recorded on the deliveries; the returned error
// covers only failures to create or reload them.
func (e *Engine) Emit(ctx context.Context, eventType string, payload json.RawMessage) ([]model.Delivery, error) {
	if eventType == "" {
		return nil, &model.ConfigError{Field: "event_type", Reason: "is required"}
	}
	endpoints, err := e.store.ListEndpoints(ctx)
	if err != nil {
		return nil, fmt.Errorf("list endpoints: %w", err)
	}

	var targets []*model.Delivery
	for i := range endpoints {
		ep := &endpoints[i]
		if !ep.Enabled || !ep.Subscribes(eventType) {
			continue
		}
		d := e.newDelivery(ep, eventType, payload)
		if err := e.store.CreateDelivery(ctx, d); err != nil {
			return nil, fmt.Errorf("create delivery: %w", err)
		}
		targets = append(targets, d)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.emitLimit)
	for _, d := range targets {
		id := d.ID
		g.Go(func() error {
			if _, err := e.dispatcher.Dispatch(gctx, id); err != nil {
				e.logger.Error("dispatch failed", "delivery_id", id, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()

	out := make([]model.Delivery, 0, len(targets))
	for _, d := range targets {
		got, err := e.store.GetDelivery(ctx, d.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, *got)
	}
	e.logger.Info("event emitted", "event_type", eventType, "deliveries", len(out))
	return out, nil
}

func (e *Engine) newDelivery(ep *model.Endpoint, eventType string, payload json.RawMessage) *model.Delivery {
	return &model.Delivery{
		EndpointID:  ep.ID,
		EventType:   eventType,
		Payload:     payload,
		MaxAttempts: ep.MaxAttempts(),
		CreatedAt:   e.now().UTC(),
	}
}

func (e *Engine) deliver(ctx context.Context, d *model.Delivery) (*model.Delivery, error) {
	if err := e.store.CreateDelivery(ctx, d); err != nil {
		return nil, fmt.Errorf("create delivery: %w", err)
	}
	if _, err := e.dispatcher.Dispatch(ctx, d.ID); err != nil {
		return nil, fmt.Errorf("dispatch delivery: %w", err)
	}
	return e.store.GetDelivery(ctx, d.ID)
}

// RetryDelivery re-sends a failed delivery as a new delivery linked to it.
func (e *Engine) RetryDelivery(ctx context.Context, id string) (*model.Delivery, error) {
	return e.scheduler.Retry(ctx, id)
}

// CancelDelivery stops a pending or retrying delivery.
func (e *Engine) CancelDelivery(ctx context.Context, id string) (*model.Delivery, error) {
	if err := e.scheduler.Cancel(ctx, id); err != nil {
		return nil, err
	}
	d, err := e.store.GetDelivery(ctx, id)
	if err != nil {
		return nil, err
	}
	e.emit(ctx, events.DeliveryCancelled, d)
	return d, nil
}

func (e *Engine) GetDelivery(ctx context.Context, id string) (*model.Delivery, error) {
	return e.store.GetDelivery(ctx, id)
}

func (e *Engine) ListDeliveries(ctx context.Context, filter model.DeliveryFilter) ([]model.Delivery, error) {
	return e.store.ListDeliveries(ctx, filter)
}

func (e *Engine) ListAttempts(ctx context.Context, deliveryID string) ([]model.DeliveryAttempt, error) {
	if _, err := e.store.GetDelivery(ctx, deliveryID); err != nil {
		return nil, err
	}
	return e.store.ListAttempts(ctx, deliveryID)
}

// ConfigureRateLimits replaces the rate-limit windows of an endpoint. A
// non-empty preset takes precedence over windows.
func (e *Engine) ConfigureRateLimits(ctx context.Context, endpointID string, windows []model.RateLimitWindow, preset string) ([]model.RateLimitWindow, error) {
	if preset != "" {
		w, err := ratelimit.Preset(preset)
		if err != nil {
			return nil, err
		}
		windows = w
	}
	if err := model.ValidateWindows(windows); err != nil {
		return nil, err
	}
	if err := e.store.SetRateLimits(ctx, endpointID, windows); err != nil {
		return nil, err
	}
	e.logger.Info("rate limits configured", "endpoint_id", endpointID, "windows", len(windows), "preset", preset)
	ep, err := e.store.GetEndpoint(ctx, endpointID)
	if err != nil {
		return nil, err
	}
	return ep.RateLimits, nil
}

func (e *Engine) ListViolations(ctx context.Context, endpointID string, limit int) ([]model.RateLimitViolation, error) {
	return e.store.ListViolations(ctx, endpointID, limit)
}

// CreateAlertRule validates and stores an alert rule. A rule scoped to an
// endpoint requires the endpoint to exist.
func (e *Engine) CreateAlertRule(ctx context.Context, r *model.AlertRule) (*model.AlertRule, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	if r.EndpointID != "" {
		if _, err := e.store.GetEndpoint(ctx, r.EndpointID); err != nil {
			return nil, err
		}
	}
	if err := e.store.CreateAlertRule(ctx, r); err != nil {
		return nil, err
	}
	e.logger.Info("alert rule created", "rule_id", r.ID, "name", r.Name, "condition", r.Condition, "threshold", r.Threshold)
	return e.store.GetAlertRule(ctx, r.ID)
}

// SetAlertRuleEnabled turns evaluation of a rule on or off.
func (e *Engine) SetAlertRuleEnabled(ctx context.Context, id string, enabled bool) (*model.AlertRule, error) {
	if err := e.store.SetAlertRuleEnabled(ctx, id, enabled); err != nil {
		return nil, err
	}
	return e.store.GetAlertRule(ctx, id)
}

func (e *Engine) ListAlertRules(ctx context.Context) ([]model.AlertRule, error) {
	return e.store.ListAlertRules(ctx, false)
}

func (e *Engine) ListAlertEvents(ctx context.Context, filter model.AlertEventFilter) ([]model.AlertEvent, error) {
	return e.store.ListAlertEvents(ctx, filter)
}

// EvaluateAlerts runs one evaluation pass over every enabled rule.
func (e *Engine) EvaluateAlerts(ctx context.Context) ([]model.AlertEvent, error) {
	return e.evaluator.EvaluateAll(ctx)
}

// ResolveAlert closes an open alert event so its rule can fire again.
func (e *Engine) ResolveAlert(ctx context.Context, id, resolvedBy, notes string) (*model.AlertEvent, error) {
	if err := e.store.ResolveAlertEvent(ctx, id, resolvedBy, notes, e.now().UTC()); err != nil {
		return nil, err
	}
	ev, err := e.store.GetAlertEvent(ctx, id)
	if err != nil {
		return nil, err
	}
	e.logger.Info("alert resolved", "alert_event_id", id, "rule_id", ev.RuleID, "resolved_by", resolvedBy)
	e.emit(ctx, events.AlertResolved, ev)
	return ev, nil
}

// ConfigureBudget creates or replaces a notification budget.
func (e *Engine) ConfigureBudget(ctx context.Context, b *model.Budget) (*model.Budget, error) {
	return e.tracker.Configure(ctx, b)
}

func (e *Engine) ListBudgets(ctx context.Context) ([]model.Budget, error) {
	if err := e.tracker.ResetDue(ctx); err != nil {
		return nil, err
	}
	return e.store.ListBudgets(ctx)
}

func (e *Engine) ListBudgetAlerts(ctx context.Context, limit int) ([]model.BudgetAlert, error) {
	return e.store.ListBudgetAlerts(ctx, limit)
}

// UnblockRecipient clears a recipient block immediately.
func (e *Engine) UnblockRecipient(ctx context.Context, recipient string) error {
	return e.tracker.Unblock(ctx, recipient)
}

func (e *Engine) ListRecipients(ctx context.Context, blockedOnly bool) ([]model.RecipientRateState, error) {
	return e.store.ListRecipients(ctx, blockedOnly)
}

func (e *Engine) ListNotifications(ctx context.Context, limit int) ([]model.NotificationRecord, error) {
	return e.store.ListNotifications(ctx, limit)
}
