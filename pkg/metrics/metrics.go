package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors for the delivery engine.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	DeliveriesTotal      *prometheus.CounterVec
	AttemptDuration      *prometheus.HistogramVec
	RateLimitRejections  *prometheus.CounterVec
	AllowlistRejections  *prometheus.CounterVec
	RetriesScheduled     prometheus.Counter
	AlertsTriggered      *prometheus.CounterVec
	AlertEvaluationFails prometheus.Counter
	NotificationsTotal   *prometheus.CounterVec
	BudgetSpend          *prometheus.GaugeVec
	BudgetAlerts         *prometheus.CounterVec
	RecipientsBlocked    prometheus.Counter
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		DeliveriesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dg_deliveries_total",
				Help: "Settled delivery attempts by service type, status and error kind",
			},
			[]string{"service_type", "status", "error_kind"},
		),
		AttemptDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dg_delivery_attempt_duration_seconds",
				Help:    "Duration of outbound webhook calls",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"service_type"},
		),
		RateLimitRejections: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dg_rate_limit_rejections_total",
				Help: "Send attempts rejected by an endpoint rate-limit window",
			},
			[]string{"period"},
		),
		AllowlistRejections: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dg_allowlist_rejections_total",
				Help: "Send attempts rejected by the destination guard",
			},
			[]string{"service_type"},
		),
		RetriesScheduled: f.NewCounter(
			prometheus.CounterOpts{
				Name: "dg_retries_scheduled_total",
				Help: "Deliveries moved to retrying after a transient failure",
			},
		),
		AlertsTriggered: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dg_alerts_triggered_total",
				Help: "Alert events created by condition type",
			},
			[]string{"condition_type", "critical"},
		),
		AlertEvaluationFails: f.NewCounter(
			prometheus.CounterOpts{
				Name: "dg_alert_evaluation_errors_total",
				Help: "Alert evaluation cycles skipped because of an error",
			},
		),
		NotificationsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dg_notifications_total",
				Help: "Outbound notifications by channel and outcome",
			},
			[]string{"channel", "status"},
		),
		BudgetSpend: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "dg_budget_spend_usd",
				Help: "Current spend of each notification budget",
			},
			[]string{"budget_type"},
		),
		BudgetAlerts: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dg_budget_alerts_total",
				Help: "Budget alerts raised by budget type and level",
			},
			[]string{"budget_type", "level"},
		),
		RecipientsBlocked: f.NewCounter(
			prometheus.CounterOpts{
				Name: "dg_recipients_blocked_total",
				Help: "Recipients automatically blocked for exceeding their message cap",
			},
		),
	}
}

func (m *Metrics) ObserveDelivery(serviceType, status, errorKind string) {
	if m == nil {
		return
	}
	if errorKind == "" {
		errorKind = "none"
	}
	m.DeliveriesTotal.WithLabelValues(serviceType, status, errorKind).Inc()
}

func (m *Metrics) ObserveAttempt(serviceType string, d time.Duration) {
	if m == nil {
		return
	}
	m.AttemptDuration.WithLabelValues(serviceType).Observe(d.Seconds())
}

func (m *Metrics) RateLimited(period string) {
	if m == nil {
		return
	}
	m.RateLimitRejections.WithLabelValues(period).Inc()
}

func (m *Metrics) AllowlistRejected(serviceType string) {
	if m == nil {
		return
	}
	m.AllowlistRejections.WithLabelValues(serviceType).Inc()
}

func (m *Metrics) RetryScheduled() {
	if m == nil {
		return
	}
	m.RetriesScheduled.Inc()
}

func (m *Metrics) AlertTriggered(condition string, critical bool) {
	if m == nil {
		return
	}
	c := "false"
	if critical {
		c = "true"
	}
	m.AlertsTriggered.WithLabelValues(condition, c).Inc()
}

func (m *Metrics) AlertEvaluationFailed() {
	if m == nil {
		return
	}
	m.AlertEvaluationFails.Inc()
}

func (m *Metrics) Notification(channel, status string) {
	if m == nil {
		return
	}
	m.NotificationsTotal.WithLabelValues(channel, status).Inc()
}

func (m *Metrics) SetBudgetSpend(budgetType string, spend float64) {
	if m == nil {
		return
	}
	m.BudgetSpend.WithLabelValues(budgetType).Set(spend)
}

func (m *Metrics) BudgetAlert(budgetType, level string) {
	if m == nil {
		return
	}
	m.BudgetAlerts.WithLabelValues(budgetType, level).Inc()
}

func (m *Metrics) RecipientBlocked() {
	if m == nil {
		return
	}
	m.RecipientsBlocked.Inc()
}
