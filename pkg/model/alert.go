package model

import (
	"fmt"
	"strings"
	"time"
)

// ConditionType is the health metric an alert rule watches.
type ConditionType string

const (
	ConditionFailureRate         ConditionType = "failure_rate"
	ConditionResponseTime        ConditionType = "response_time"
	ConditionConsecutiveFailures ConditionType = "consecutive_failures"
	ConditionTotalFailures       ConditionType = "total_failures"
)

// Channel names a notification channel.
type Channel string

const (
	ChannelEmail   Channel = "email"
	ChannelSMS     Channel = "sms"
	ChannelSlack   Channel = "slack"
	ChannelTeams   Channel = "teams"
	ChannelDiscord Channel = "discord"
	ChannelWebhook Channel = "webhook"
)

// Billable reports whether sends on the channel are charged against budgets.
func (c Channel) Billable() bool {
	return c == ChannelEmail || c == ChannelSMS
}

// Valid reports whether the channel is known.
func (c Channel) Valid() bool {
	switch c {
	case ChannelEmail, ChannelSMS, ChannelSlack, ChannelTeams, ChannelDiscord, ChannelWebhook:
		return true
	}
	return false
}

// AlertRule is a threshold condition evaluated over a sliding window of settled deliveries.
// Only Enabled may change after creation.
type AlertRule struct {
	ID            string        `json:"id" db:"id"`
	Name          string        `json:"name" db:"name"`
	EndpointID    string        `json:"endpoint_id,omitempty" db:"endpoint_id"`
	Condition     ConditionType `json:"condition_type" db:"condition_type"`
	Threshold     float64       `json:"threshold_value" db:"threshold_value"`
	WindowMinutes int           `json:"time_window_minutes" db:"time_window_minutes"`
	Critical      bool          `json:"is_critical" db:"is_critical"`
	Enabled       bool          `json:"is_enabled" db:"is_enabled"`
	Channels      []Channel     `json:"notification_channels" db:"notification_channels"`
	CreatedAt     time.Time     `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at" db:"updated_at"`
}

// Window returns the rule's evaluation window.
func (r *AlertRule) Window() time.Duration {
	return time.Duration(r.WindowMinutes) * time.Minute
}

// Validate checks the rule definition.
func (r *AlertRule) Validate() error {
	if strings.TrimSpace(r.Name) == "" {
		return &ConfigError{Field: "name", Reason: "is required"}
	}
	switch r.Condition {
	case ConditionFailureRate:
		if r.Threshold > 100 {
			return &ConfigError{Field: "threshold_value", Reason: "failure rate threshold is a percentage (0-100)"}
		}
	case ConditionResponseTime, ConditionConsecutiveFailures, ConditionTotalFailures:
	default:
		return &ConfigError{Field: "condition_type", Reason: fmt.Sprintf("unknown condition %q", r.Condition)}
	}
	if r.Threshold <= 0 {
		return &ConfigError{Field: "threshold_value", Reason: "must be positive"}
	}
	if r.WindowMinutes < 1 {
		return &ConfigError{Field: "time_window_minutes", Reason: "must be at least 1"}
	}
	for _, c := range r.Channels {
		if !c.Valid() {
			return &ConfigError{Field: "notification_channels", Reason: fmt.Sprintf("unknown channel %q", c)}
		}
	}
	return nil
}

// AlertEvent records one triggering of a rule. It stays open until a person resolves it.
type AlertEvent struct {
	ID              string     `json:"id" db:"id"`
	RuleID          string     `json:"rule_id" db:"rule_id"`
	TriggeredAt     time.Time  `json:"triggered_at" db:"triggered_at"`
	ConditionMet    string     `json:"condition_met" db:"condition_met"`
	ActualValue     float64    `json:"actual_value" db:"actual_value"`
	ThresholdValue  float64    `json:"threshold_value" db:"threshold_value"`
	ResolvedAt      *time.Time `json:"resolved_at,omitempty" db:"resolved_at"`
	ResolvedBy      string     `json:"resolved_by,omitempty" db:"resolved_by"`
	ResolutionNotes string     `json:"resolution_notes,omitempty" db:"resolution_notes"`
}

// Resolved reports whether the event has been closed.
func (e *AlertEvent) Resolved() bool { return e.ResolvedAt != nil }

// AlertEventFilter controls which alert events are listed.
type AlertEventFilter struct {
	RuleID         string
	UnresolvedOnly bool
	Limit          int
}

// NotificationStatus is the outcome of a single notification send.
type NotificationStatus string

const (
	NotificationSent       NotificationStatus = "sent"
	NotificationFailed     NotificationStatus = "failed"
	NotificationSuppressed NotificationStatus = "suppressed"
)

// NotificationRecord persists what happened to one outbound notification.
type NotificationRecord struct {
	ID            string             `json:"id" db:"id"`
	Channel       Channel            `json:"channel" db:"channel"`
	Recipient     string             `json:"recipient,omitempty" db:"recipient"`
	Subject       string             `json:"subject" db:"subject"`
	Status        NotificationStatus `json:"status" db:"status"`
	Reason        string             `json:"reason,omitempty" db:"reason"`
	CostUSD       float64            `json:"cost_usd" db:"cost_usd"`
	AlertEventID  string             `json:"alert_event_id,omitempty" db:"alert_event_id"`
	BudgetAlertID string             `json:"budget_alert_id,omitempty" db:"budget_alert_id"`
	CreatedAt     time.Time          `json:"created_at" db:"created_at"`
}
