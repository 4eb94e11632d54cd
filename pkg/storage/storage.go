package storage

import (
	"context"
	"time"

	"github.com/ogulcanaydogan/Delivery-Guardian/pkg/model"
)

// EndpointStore persists webhook endpoints and their rate-limit windows.
type EndpointStore interface {
	CreateEndpoint(ctx context.Context, e *model.Endpoint) error
	GetEndpoint(ctx context.Context, id string) (*model.Endpoint, error)
	ListEndpoints(ctx context.Context) ([]model.Endpoint, error)
	UpdateEndpoint(ctx context.Context, e *model.Endpoint) error

	// SetRateLimits replaces every rate-limit window of an endpoint.
	SetRateLimits(ctx context.Context, endpointID string, windows []model.RateLimitWindow) error
}

// DeliveryStore persists deliveries and their attempt history.
type DeliveryStore interface {
	CreateDelivery(ctx context.Context, d *model.Delivery) error
	GetDelivery(ctx context.Context, id string) (*model.Delivery, error)
	ListDeliveries(ctx context.Context, filter model.DeliveryFilter) ([]model.Delivery, error)

	// BeginAttempt atomically increments attempt_count while attempts remain and the
	// delivery is pending or due for retry. It returns the new attempt number, or
	// ErrInvalidState when the delivery is not eligible.
	BeginAttempt(ctx context.Context, id string, at time.Time) (int, error)

	// FinishDelivery writes the settled state of an in-flight delivery. It returns
	// false when the delivery was cancelled or settled in the meantime.
	FinishDelivery(ctx context.Context, id string, res model.DeliveryResult) (bool, error)

	// CancelDelivery moves a pending or retrying delivery to cancelled.
	CancelDelivery(ctx context.Context, id string, at time.Time) error

	// DueRetries returns retrying deliveries whose next_retry_at is not after now.
	DueRetries(ctx context.Context, now time.Time, limit int) ([]model.Delivery, error)

	// ReclaimStalled requeues or fails deliveries whose attempt was claimed but never
	// settled before staleBefore. It returns how many rows it changed.
	ReclaimStalled(ctx context.Context, staleBefore, now time.Time) (int64, error)

	RecordAttempt(ctx context.Context, a *model.DeliveryAttempt) error
	ListAttempts(ctx context.Context, deliveryID string) ([]model.DeliveryAttempt, error)
}

// RateLimitStore persists rate-limit hits and violations.
type RateLimitStore interface {
	// Acquire counts the hits recorded for key within each window ending at now.
	// When every count is below its maximum the hit is recorded; the check and the
	// record happen atomically.
	Acquire(ctx context.Context, key string, windows []time.Duration, limits []int64, now time.Time) ([]int64, bool, error)
	// Release removes one hit recorded for key at the given time.
	Release(ctx context.Context, key string, at time.Time) error

	RecordViolation(ctx context.Context, v *model.RateLimitViolation) error
	ListViolations(ctx context.Context, endpointID string, limit int) ([]model.RateLimitViolation, error)
}

// AlertStore persists alert rules and their events.
type AlertStore interface {
	CreateAlertRule(ctx context.Context, r *model.AlertRule) error
	GetAlertRule(ctx context.Context, id string) (*model.AlertRule, error)
	ListAlertRules(ctx context.Context, enabledOnly bool) ([]model.AlertRule, error)
	SetAlertRuleEnabled(ctx context.Context, id string, enabled bool) error

	// CreateAlertEvent inserts an event unless the rule already has an unresolved one.
	// It reports whether the event was created.
	CreateAlertEvent(ctx context.Context, e *model.AlertEvent) (bool, error)
	GetAlertEvent(ctx context.Context, id string) (*model.AlertEvent, error)
	ListAlertEvents(ctx context.Context, filter model.AlertEventFilter) ([]model.AlertEvent, error)
	ResolveAlertEvent(ctx context.Context, id, resolvedBy, notes string, at time.Time) error
}

// BudgetStore persists notification budgets, budget alerts, recipient state and notification records.
type BudgetStore interface {
	UpsertBudget(ctx context.Context, b *model.Budget) error
	GetBudget(ctx context.Context, period model.BudgetPeriod) (*model.Budget, error)
	ListBudgets(ctx context.Context) ([]model.Budget, error)

	// ResetBudget zeroes current_spend if the budget was last reset before periodStart.
	ResetBudget(ctx context.Context, period model.BudgetPeriod, periodStart time.Time) (bool, error)

	// ChargeBudgets adds cost to every budget in one transaction, provided no budget
	// would exceed its limit. On rejection it returns the offending budget and
	// ErrBudgetExceeded; nothing is charged.
	ChargeBudgets(ctx context.Context, cost float64, at time.Time) ([]model.Budget, error)

	// CreateBudgetAlert inserts an alert unless one exists for the same budget, level and period.
	CreateBudgetAlert(ctx context.Context, a *model.BudgetAlert) (bool, error)
	ListBudgetAlerts(ctx context.Context, limit int) ([]model.BudgetAlert, error)

	GetRecipient(ctx context.Context, recipient string) (*model.RecipientRateState, error)
	ListRecipients(ctx context.Context, blockedOnly bool) ([]model.RecipientRateState, error)

	// RecordRecipientSend counts the recipient's sends over the sliding hour and day
	// ending at at and records the send when both are under their caps. The check and
	// the record happen atomically.
	RecordRecipientSend(ctx context.Context, recipient string, at time.Time, maxHour, maxDay int) (*model.RecipientRateState, bool, error)
	BlockRecipient(ctx context.Context, recipient string, until time.Time, reason string) error
	UnblockRecipient(ctx context.Context, recipient string) error

	RecordNotification(ctx context.Context, n *model.NotificationRecord) error
	ListNotifications(ctx context.Context, limit int) ([]model.NotificationRecord, error)
}

// Storage defines the full persistence layer.
type Storage interface {
	EndpointStore
	DeliveryStore
	RateLimitStore
	AlertStore
	BudgetStore

	// Close releases resources.
	Close() error
}
