// Package alerting evaluates alert rules over recent delivery outcomes.
package alerting

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/ogulcanaydogan/Delivery-Guardian/pkg/delivery"
	"github.com/ogulcanaydogan/Delivery-Guardian/pkg/events"
	"github.com/ogulcanaydogan/Delivery-Guardian/pkg/logger"
	"github.com/ogulcanaydogan/Delivery-Guardian/pkg/metrics"
	"github.com/ogulcanaydogan/Delivery-Guardian/pkg/model"
)

// DefaultSchedule evaluates every rule once a minute.
const DefaultSchedule = "@every 1m"

// Store is the persistence the evaluator needs.
type Store interface {
	ListAlertRules(ctx context.Context, enabledOnly bool) ([]model.AlertRule, error)
	ListDeliveries(ctx context.Context, filter model.DeliveryFilter) ([]model.Delivery, error)
	CreateAlertEvent(ctx context.Context, e *model.AlertEvent) (bool, error)
}

// Router delivers notifications for a triggered rule.
type Router interface {
	Route(ctx context.Context, rule *model.AlertRule, ev *model.AlertEvent) []model.NotificationRecord
}

// Options configures an Evaluator.
type Options struct {
	Schedule string
	Router   Router
	Bus      events.Bus
	Logger   logger.Logger
	Metrics  *metrics.Metrics
	Now      func() time.Time
}

// Evaluator checks enabled rules and opens alert events when a threshold is met.
// A rule with an unresolved event does not fire again.
type Evaluator struct {
	store    Store
	schedule string
	router   Router
	bus      events.Bus
	logger   logger.Logger
	metrics  *metrics.Metrics
	now      func() time.Time

	mu   sync.Mutex
	cron *cron.Cron
}

// NewEvaluator creates an evaluator.
func NewEvaluator(store Store, opts Options) *Evaluator {
	if opts.Schedule == "" {
		opts.Schedule = DefaultSchedule
	}
	if opts.Logger == nil {
		opts.Logger = logger.Nop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Evaluator{
		store:    store,
		schedule: opts.Schedule,
		router:   opts.Router,
		bus:      opts.Bus,
		logger:   opts.Logger.With("component", "alerting"),
		metrics:  opts.Metrics,
		now:      opts.Now,
	}
}

// EvaluateAll checks every enabled rule. A failing rule is logged and skipped.
func (e *Evaluator) EvaluateAll(ctx context.Context) ([]model.AlertEvent, error) {
	rules, err := e.store.ListAlertRules(ctx, true)
	if err != nil {
		return nil, fmt.Errorf("list alert rules: %w", err)
	}
	return e.evaluateRules(ctx, rules), nil
}

func (e *Evaluator) evaluateRules(ctx context.Context, rules []model.AlertRule) []model.AlertEvent {
	var fired []model.AlertEvent
	for i := range rules {
		ev, err := e.Evaluate(ctx, &rules[i])
		if err != nil {
			e.metrics.AlertEvaluationFailed()
			e.logger.Error("alert rule evaluation failed", "rule_id", rules[i].ID, "error", err)
			continue
		}
		if ev != nil {
			fired = append(fired, *ev)
		}
	}
	return fired
}

// Evaluate checks one rule and returns the event it opened, or nil when the
// threshold is not met or an unresolved event already exists.
func (e *Evaluator) Evaluate(ctx context.Context, rule *model.AlertRule) (*model.AlertEvent, error) {
	now := e.now().UTC()
	deliveries, err := e.store.ListDeliveries(ctx, model.DeliveryFilter{
		EndpointID:     rule.EndpointID,
		Statuses:       []model.DeliveryStatus{model.StatusSuccess, model.StatusFailed},
		CompletedSince: now.Add(-rule.Window()),
		ExcludeKinds:   []model.ErrorKind{model.KindRateLimited},
	})
	if err != nil {
		return nil, fmt.Errorf("load deliveries: %w", err)
	}

	stats := Compute(deliveries)
	actual, ok := stats.Value(rule.Condition)
	if !ok || actual < rule.Threshold {
		return nil, nil
	}

	ev := &model.AlertEvent{
		RuleID:         rule.ID,
		TriggeredAt:    now,
		ConditionMet:   fmt.Sprintf("%s %.2f >= %.2f", rule.Condition, actual, rule.Threshold),
		ActualValue:    actual,
		ThresholdValue: rule.Threshold,
	}
	created, err := e.store.CreateAlertEvent(ctx, ev)
	if err != nil {
		return nil, err
	}
	if !created {
		e.logger.Debug("alert already open", "rule_id", rule.ID, "actual", actual)
		return nil, nil
	}

	e.metrics.AlertTriggered(string(rule.Condition), rule.Critical)
	e.logger.Warn("alert triggered", "rule_id", rule.ID, "rule", rule.Name, "condition", rule.Condition,
		"actual", actual, "threshold", rule.Threshold, "critical", rule.Critical)
	if err := events.Emit(ctx, e.bus, events.AlertTriggered, map[string]any{"rule": rule, "event": ev}); err != nil {
		e.logger.Warn("publish event failed", "type", events.AlertTriggered, "error", err)
	}
	if e.router != nil {
		e.router.Route(ctx, rule, ev)
	}
	return ev, nil
}

// Observe evaluates the rules that cover the endpoint of a settled delivery.
// It has the signature of a dispatcher observer.
func (e *Evaluator) Observe(ctx context.Context, ep *model.Endpoint, o *delivery.Outcome) {
	if o.Status != model.StatusSuccess && o.Status != model.StatusFailed {
		return
	}
	rules, err := e.store.ListAlertRules(ctx, true)
	if err != nil {
		e.logger.Error("list alert rules", "error", err)
		return
	}
	scoped := rules[:0]
	for _, r := range rules {
		if r.EndpointID == "" || r.EndpointID == ep.ID {
			scoped = append(scoped, r)
		}
	}
	e.evaluateRules(ctx, scoped)
}

// Start runs EvaluateAll on the configured schedule.
func (e *Evaluator) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cron != nil {
		return nil
	}

	c := cron.New(cron.WithSeconds(), cron.WithChain(cron.Recover(logger.Cron(e.logger))))
	if _, err := c.AddFunc(e.schedule, func() {
		if _, err := e.EvaluateAll(ctx); err != nil && ctx.Err() == nil {
			e.logger.Error("scheduled alert evaluation failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("invalid alerting schedule %q: %w", e.schedule, err)
	}
	c.Start()
	e.cron = c
	e.logger.Info("alert evaluator started", "schedule", e.schedule)
	return nil
}

// Stop halts scheduled evaluation and waits for a running pass to finish.
func (e *Evaluator) Stop() {
	e.mu.Lock()
	c := e.cron
	e.cron = nil
	e.mu.Unlock()
	if c != nil {
		<-c.Stop().Done()
	}
}
