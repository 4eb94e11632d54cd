// Package budget authorizes billable notification sends against per-recipient
// limits and daily and monthly spending budgets.
package budget

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/ogulcanaydogan/Delivery-Guardian/pkg/alerts"
	"github.com/ogulcanaydogan/Delivery-Guardian/pkg/events"
	"github.com/ogulcanaydogan/Delivery-Guardian/pkg/logger"
	"github.com/ogulcanaydogan/Delivery-Guardian/pkg/metrics"
	"github.com/ogulcanaydogan/Delivery-Guardian/pkg/model"
	"github.com/ogulcanaydogan/Delivery-Guardian/pkg/storage"
)

// Store is the persistence the tracker needs.
type Store interface {
	UpsertBudget(ctx context.Context, b *model.Budget) error
	GetBudget(ctx context.Context, period model.BudgetPeriod) (*model.Budget, error)
	ListBudgets(ctx context.Context) ([]model.Budget, error)
	ResetBudget(ctx context.Context, period model.BudgetPeriod, periodStart time.Time) (bool, error)
	ChargeBudgets(ctx context.Context, cost float64, at time.Time) ([]model.Budget, error)
	CreateBudgetAlert(ctx context.Context, a *model.BudgetAlert) (bool, error)

	GetRecipient(ctx context.Context, recipient string) (*model.RecipientRateState, error)
	RecordRecipientSend(ctx context.Context, recipient string, at time.Time, maxHour, maxDay int) (*model.RecipientRateState, bool, error)
	BlockRecipient(ctx context.Context, recipient string, until time.Time, reason string) error
	UnblockRecipient(ctx context.Context, recipient string) error

	RecordNotification(ctx context.Context, n *model.NotificationRecord) error
}

// RecipientLimits caps how often one recipient may be messaged within the
// sliding hour and day before a send.
type RecipientLimits struct {
	MaxPerHour int
	MaxPerDay  int
	AutoBlock  bool
	Cooldown   time.Duration
}

// DefaultRecipientLimits allows 10 messages an hour and 50 a day, blocking
// offenders for an hour.
func DefaultRecipientLimits() RecipientLimits {
	return RecipientLimits{MaxPerHour: 10, MaxPerDay: 50, AutoBlock: true, Cooldown: time.Hour}
}

// Options configures a Tracker.
type Options struct {
	Location  *time.Location
	Limits    RecipientLimits
	Pricing   *Pricing
	Notifiers []alerts.Notifier
	Bus       events.Bus
	Logger    logger.Logger
	Metrics   *metrics.Metrics
	Now       func() time.Time
}

// Send describes one billable notification.
type Send struct {
	Channel   model.Channel
	Recipient string
	Body      string
}

// Charge is the result of an authorized send.
type Charge struct {
	Channel   model.Channel  `json:"channel"`
	Recipient string         `json:"recipient"`
	CostUSD   float64        `json:"cost_usd"`
	Segments  int            `json:"segments,omitempty"`
	Budgets   []model.Budget `json:"budgets"`
}

// Tracker enforces recipient limits and notification budgets.
type Tracker struct {
	store     Store
	loc       *time.Location
	limits    RecipientLimits
	pricing   *Pricing
	notifiers []alerts.Notifier
	bus       events.Bus
	logger    logger.Logger
	metrics   *metrics.Metrics
	now       func() time.Time

	mu   sync.Mutex
	cron *cron.Cron
}

// NewTracker creates a tracker.
func NewTracker(store Store, opts Options) *Tracker {
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.Pricing == nil {
		opts.Pricing = DefaultPricing()
	}
	if opts.Logger == nil {
		opts.Logger = logger.Nop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Tracker{
		store:     store,
		loc:       opts.Location,
		limits:    opts.Limits,
		pricing:   opts.Pricing,
		notifiers: opts.Notifiers,
		bus:       opts.Bus,
		logger:    opts.Logger.With("component", "budget"),
		metrics:   opts.Metrics,
		now:       opts.Now,
	}
}

// Pricing returns the active price table.
func (t *Tracker) Pricing() *Pricing { return t.pricing }

// Configure creates or replaces a budget. Current spend is kept when the budget exists.
func (t *Tracker) Configure(ctx context.Context, b *model.Budget) (*model.Budget, error) {
	if err := b.Validate(); err != nil {
		return nil, err
	}
	start, _ := model.PeriodBounds(b.Period, t.now(), t.loc)
	b.LastResetAt = start.UTC()
	if err := t.store.UpsertBudget(ctx, b); err != nil {
		return nil, err
	}
	saved, err := t.store.GetBudget(ctx, b.Period)
	if err != nil {
		return nil, err
	}
	t.metrics.SetBudgetSpend(string(saved.Period), saved.CurrentSpend)
	t.logger.Info("budget configured", "type", saved.Period, "limit_usd", saved.LimitUSD,
		"warning_pct", saved.WarningThresholdPct, "critical_pct", saved.CriticalThresholdPct)
	return saved, nil
}

// Authorize checks recipient limits and charges every budget for one send.
// A rejected send costs nothing. Budget exhaustion fails closed.
func (t *Tracker) Authorize(ctx context.Context, s Send) (*Charge, error) {
	now := t.now().UTC()
	if err := t.ResetDue(ctx); err != nil {
		return nil, err
	}
	if err := t.checkRecipient(ctx, s.Recipient, now); err != nil {
		return nil, err
	}

	cost, segments := t.pricing.Cost(s.Channel, s.Recipient, s.Body)
	charged, err := t.store.ChargeBudgets(ctx, cost, now)
	if err != nil {
		var exceeded *storage.BudgetExceededError
		if errors.As(err, &exceeded) {
			t.raise(ctx, exceeded.Budget, model.LevelExceeded, now)
			t.logger.Warn("send rejected by budget", "channel", s.Channel, "recipient", s.Recipient,
				"cost_usd", cost, "type", exceeded.Budget.Period)
		}
		return nil, err
	}

	for _, b := range charged {
		t.metrics.SetBudgetSpend(string(b.Period), b.CurrentSpend)
		pct := b.UsagePct()
		switch {
		case pct >= b.CriticalThresholdPct:
			t.raise(ctx, b, model.LevelCritical, now)
		case pct >= b.WarningThresholdPct:
			t.raise(ctx, b, model.LevelWarning, now)
		}
	}

	t.logger.Debug("send authorized", "channel", s.Channel, "recipient", s.Recipient, "cost_usd", cost, "segments", segments)
	return &Charge{Channel: s.Channel, Recipient: s.Recipient, CostUSD: cost, Segments: segments, Budgets: charged}, nil
}

func (t *Tracker) checkRecipient(ctx context.Context, recipient string, now time.Time) error {
	st, err := t.store.GetRecipient(ctx, recipient)
	switch {
	case errors.Is(err, model.ErrNotFound):
	case err != nil:
		return err
	case st.BlockActive(now):
		return fmt.Errorf("%w: %s until %s", model.ErrRecipientBlocked, recipient, st.BlockedUntil.Format(time.RFC3339))
	case st.Blocked:
		// Cooldown elapsed.
		if err := t.Unblock(ctx, recipient); err != nil {
			return err
		}
	}

	st, allowed, err := t.store.RecordRecipientSend(ctx, recipient, now, t.limits.MaxPerHour, t.limits.MaxPerDay)
	if err != nil {
		return err
	}
	if allowed {
		return nil
	}

	reason := fmt.Sprintf("exceeded %d messages per day", t.limits.MaxPerDay)
	if t.limits.MaxPerHour > 0 && st.MessageCountHour >= t.limits.MaxPerHour {
		reason = fmt.Sprintf("exceeded %d messages per hour", t.limits.MaxPerHour)
	}

	if t.limits.AutoBlock {
		until := now.Add(t.limits.Cooldown)
		if err := t.store.BlockRecipient(ctx, recipient, until, reason); err != nil {
			return err
		}
		t.metrics.RecipientBlocked()
		t.logger.Warn("recipient blocked", "recipient", recipient, "until", until, "reason", reason)
		t.emit(ctx, events.RecipientBlocked, map[string]any{"recipient": recipient, "blocked_until": until, "reason": reason})
	}
	return fmt.Errorf("%w: %s %s", model.ErrRecipientRateLimited, recipient, reason)
}

// Unblock clears a recipient block immediately and resets its counters.
func (t *Tracker) Unblock(ctx context.Context, recipient string) error {
	if err := t.store.UnblockRecipient(ctx, recipient); err != nil {
		return err
	}
	t.logger.Info("recipient unblocked", "recipient", recipient)
	t.emit(ctx, events.RecipientUnblocked, map[string]any{"recipient": recipient})
	return nil
}

// ResetDue zeroes every budget whose period has rolled over since its last reset.
func (t *Tracker) ResetDue(ctx context.Context) error {
	budgets, err := t.store.ListBudgets(ctx)
	if err != nil {
		return fmt.Errorf("list budgets: %w", err)
	}
	now := t.now()
	for _, b := range budgets {
		start, _ := model.PeriodBounds(b.Period, now, t.loc)
		if !b.LastResetAt.Before(start) {
			continue
		}
		reset, err := t.store.ResetBudget(ctx, b.Period, start)
		if err != nil {
			return err
		}
		if reset {
			t.metrics.SetBudgetSpend(string(b.Period), 0)
			t.logger.Info("budget period reset", "type", b.Period, "period_start", start, "previous_spend", b.CurrentSpend)
		}
	}
	return nil
}

// raise records a budget alert once per level and period and notifies chat channels.
func (t *Tracker) raise(ctx context.Context, b model.Budget, level model.AlertLevel, now time.Time) {
	start, _ := model.PeriodBounds(b.Period, now, t.loc)
	a := &model.BudgetAlert{
		Period:      b.Period,
		Level:       level,
		Spend:       b.CurrentSpend,
		LimitUSD:    b.LimitUSD,
		PeriodStart: start.UTC(),
		CreatedAt:   now,
	}
	created, err := t.store.CreateBudgetAlert(ctx, a)
	if err != nil {
		t.logger.Error("failed to record budget alert", "type", b.Period, "level", level, "error", err)
		return
	}
	if !created {
		return
	}

	t.metrics.BudgetAlert(string(b.Period), string(level))
	t.logger.Warn("budget threshold crossed", "type", b.Period, "level", level,
		"pct", a.Pct(), "spend", a.Spend, "limit", a.LimitUSD)
	t.emit(ctx, events.BudgetAlert, a)

	msg := alerts.BudgetMessage(a)
	for _, n := range t.notifiers {
		rec := &model.NotificationRecord{
			Channel:       model.Channel(n.Name()),
			Subject:       msg.Title,
			Status:        model.NotificationSent,
			BudgetAlertID: a.ID,
			CreatedAt:     now,
		}
		if err := n.Send(ctx, msg); err != nil {
			rec.Status = model.NotificationFailed
			rec.Reason = err.Error()
			t.logger.Error("send budget alert failed", "notifier", n.Name(), "type", b.Period, "error", err)
		}
		t.metrics.Notification(n.Name(), string(rec.Status))
		if err := t.store.RecordNotification(ctx, rec); err != nil {
			t.logger.Error("failed to record notification", "notifier", n.Name(), "error", err)
		}
	}
}

func (t *Tracker) emit(ctx context.Context, typ events.Type, data any) {
	if err := events.Emit(ctx, t.bus, typ, data); err != nil {
		t.logger.Warn("publish event failed", "type", typ, "error", err)
	}
}

// Start schedules period resets at every local midnight, which also covers
// the first of each month.
func (t *Tracker) Start(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cron != nil {
		return nil
	}

	c := cron.New(
		cron.WithSeconds(),
		cron.WithLocation(t.loc),
		cron.WithChain(cron.Recover(logger.Cron(t.logger))),
	)
	if _, err := c.AddFunc("0 0 0 * * *", func() {
		if err := t.ResetDue(ctx); err != nil {
			t.logger.Error("scheduled budget reset failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("schedule budget reset: %w", err)
	}
	c.Start()
	t.cron = c
	t.logger.Info("budget reset scheduler started", "timezone", t.loc.String())
	return t.ResetDue(ctx)
}

// Stop halts scheduled resets and waits for a running reset to finish.
func (t *Tracker) Stop() {
	t.mu.Lock()
	c := t.cron
	t.cron = nil
	t.mu.Unlock()
	if c != nil {
		<-c.Stop().Done()
	}
}
