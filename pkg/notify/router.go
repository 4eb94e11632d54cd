// Package notify fans triggered alerts out to notification channels.
package notify

import (
	"context"
	"time"

	"github.com/ogulcanaydogan/Delivery-Guardian/pkg/alerts"
	"github.com/ogulcanaydogan/Delivery-Guardian/pkg/budget"
	"github.com/ogulcanaydogan/Delivery-Guardian/pkg/logger"
	"github.com/ogulcanaydogan/Delivery-Guardian/pkg/metrics"
	"github.com/ogulcanaydogan/Delivery-Guardian/pkg/model"
)

// Authorizer approves and charges billable sends.
type Authorizer interface {
	Authorize(ctx context.Context, s budget.Send) (*budget.Charge, error)
}

// Recorder persists notification outcomes.
type Recorder interface {
	RecordNotification(ctx context.Context, n *model.NotificationRecord) error
}

// Options configures a Router.
type Options struct {
	// Chat holds the notifier for each chat channel.
	Chat map[model.Channel]alerts.Notifier
	// Direct holds the notifier for each billable channel.
	Direct map[model.Channel]alerts.RecipientNotifier
	// Recipients lists who receives each billable channel.
	Recipients map[model.Channel][]string
	// CriticalOnly channels receive only alerts from critical rules.
	CriticalOnly []model.Channel

	Logger  logger.Logger
	Metrics *metrics.Metrics
	Now     func() time.Time
}

// Router sends alert notifications and records every outcome.
type Router struct {
	auth         Authorizer
	recorder     Recorder
	chat         map[model.Channel]alerts.Notifier
	direct       map[model.Channel]alerts.RecipientNotifier
	recipients   map[model.Channel][]string
	criticalOnly map[model.Channel]bool
	logger       logger.Logger
	metrics      *metrics.Metrics
	now          func() time.Time
}

// New creates a router.
func New(auth Authorizer, recorder Recorder, opts Options) *Router {
	if opts.Logger == nil {
		opts.Logger = logger.Nop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	critical := make(map[model.Channel]bool, len(opts.CriticalOnly))
	for _, c := range opts.CriticalOnly {
		critical[c] = true
	}
	return &Router{
		auth:         auth,
		recorder:     recorder,
		chat:         opts.Chat,
		direct:       opts.Direct,
		recipients:   opts.Recipients,
		criticalOnly: critical,
		logger:       opts.Logger.With("component", "notify"),
		metrics:      opts.Metrics,
		now:          opts.Now,
	}
}

// Route notifies every channel of the rule about ev and returns the records written.
func (r *Router) Route(ctx context.Context, rule *model.AlertRule, ev *model.AlertEvent) []model.NotificationRecord {
	msg := alerts.AlertMessage(rule, ev)
	var out []model.NotificationRecord

	for _, ch := range rule.Channels {
		if r.criticalOnly[ch] && !rule.Critical {
			r.logger.Debug("skipping critical-only channel", "channel", ch, "rule_id", rule.ID)
			continue
		}
		if ch.Billable() {
			out = append(out, r.sendDirect(ctx, ch, msg, ev)...)
			continue
		}
		out = append(out, r.sendChat(ctx, ch, msg, ev))
	}
	return out
}

func (r *Router) sendChat(ctx context.Context, ch model.Channel, msg alerts.Message, ev *model.AlertEvent) model.NotificationRecord {
	rec := r.newRecord(ch, "", msg, ev)
	n, ok := r.chat[ch]
	switch {
	case !ok:
		rec.Status = model.NotificationFailed
		rec.Reason = "channel not configured"
	default:
		if err := n.Send(ctx, msg); err != nil {
			rec.Status = model.NotificationFailed
			rec.Reason = err.Error()
		}
	}
	return r.finish(ctx, rec)
}

func (r *Router) sendDirect(ctx context.Context, ch model.Channel, msg alerts.Message, ev *model.AlertEvent) []model.NotificationRecord {
	n, ok := r.direct[ch]
	recipients := r.recipients[ch]
	if !ok || len(recipients) == 0 {
		rec := r.newRecord(ch, "", msg, ev)
		rec.Status = model.NotificationFailed
		rec.Reason = "channel not configured"
		return []model.NotificationRecord{r.finish(ctx, rec)}
	}

	body := msg.Plain()
	out := make([]model.NotificationRecord, 0, len(recipients))
	for _, to := range recipients {
		rec := r.newRecord(ch, to, msg, ev)
		charge, err := r.auth.Authorize(ctx, budget.Send{Channel: ch, Recipient: to, Body: body})
		if err != nil {
			rec.Status = model.NotificationSuppressed
			rec.Reason = err.Error()
			out = append(out, r.finish(ctx, rec))
			continue
		}
		rec.CostUSD = charge.CostUSD
		if err := n.SendTo(ctx, to, msg); err != nil {
			rec.Status = model.NotificationFailed
			rec.Reason = err.Error()
		}
		out = append(out, r.finish(ctx, rec))
	}
	return out
}

func (r *Router) newRecord(ch model.Channel, to string, msg alerts.Message, ev *model.AlertEvent) *model.NotificationRecord {
	return &model.NotificationRecord{
		Channel:      ch,
		Recipient:    to,
		Subject:      msg.Title,
		Status:       model.NotificationSent,
		AlertEventID: ev.ID,
		CreatedAt:    r.now().UTC(),
	}
}

func (r *Router) finish(ctx context.Context, rec *model.NotificationRecord) model.NotificationRecord {
	r.metrics.Notification(string(rec.Channel), string(rec.Status))
	if rec.Status == model.NotificationSent {
		r.logger.Info("notification sent", "channel", rec.Channel, "recipient", rec.Recipient, "alert_event_id", rec.AlertEventID)
	} else {
		r.logger.Warn("notification not sent", "channel", rec.Channel, "recipient", rec.Recipient,
			"status", rec.Status, "reason", rec.Reason)
	}
	if err := r.recorder.RecordNotification(ctx, rec); err != nil {
		r.logger.Error("failed to record notification", "channel", rec.Channel, "error", err)
	}
	return *rec
}
