package model

import (
	"fmt"
	"time"
)

// BudgetPeriod represents a budget reset period.
type BudgetPeriod string

const (
	PeriodDaily   BudgetPeriod = "daily"
	PeriodMonthly BudgetPeriod = "monthly"
)

// AlertLevel indicates how far a budget has been consumed.
type AlertLevel string

const (
	LevelWarning  AlertLevel = "warning"
	LevelCritical AlertLevel = "critical"
	LevelExceeded AlertLevel = "exceeded"
)

// Budget is a notification spending limit for one period.
type Budget struct {
	Period               BudgetPeriod `json:"type" db:"budget_type"`
	LimitUSD             float64      `json:"limit_usd" db:"limit_usd"`
	CurrentSpend         float64      `json:"current_spend" db:"current_spend"`
	WarningThresholdPct  float64      `json:"warning_threshold_pct" db:"warning_threshold_pct"`
	CriticalThresholdPct float64      `json:"critical_threshold_pct" db:"critical_threshold_pct"`
	LastResetAt          time.Time    `json:"last_reset_at" db:"last_reset_at"`
	CreatedAt            time.Time    `json:"created_at" db:"created_at"`
	UpdatedAt            time.Time    `json:"updated_at" db:"updated_at"`
}

// UsagePct returns current spend as a percentage of the limit.
func (b *Budget) UsagePct() float64 {
	if b.LimitUSD <= 0 {
		return 0
	}
	return b.CurrentSpend / b.LimitUSD * 100
}

// Validate checks the budget definition.
func (b *Budget) Validate() error {
	if b.Period != PeriodDaily && b.Period != PeriodMonthly {
		return &ConfigError{Field: "type", Reason: fmt.Sprintf("unknown budget type %q", b.Period)}
	}
	if b.LimitUSD <= 0 {
		return &ConfigError{Field: "limit_usd", Reason: "must be positive"}
	}
	if b.WarningThresholdPct <= 0 || b.WarningThresholdPct > 100 {
		return &ConfigError{Field: "warning_threshold_pct", Reason: "must be within (0, 100]"}
	}
	if b.CriticalThresholdPct <= 0 || b.CriticalThresholdPct > 100 {
		return &ConfigError{Field: "critical_threshold_pct", Reason: "must be within (0, 100]"}
	}
	if b.WarningThresholdPct > b.CriticalThresholdPct {
		return &ConfigError{Field: "warning_threshold_pct", Reason: "must not exceed critical_threshold_pct"}
	}
	return nil
}

// BudgetAlert is raised at most once per budget, level and period.
type BudgetAlert struct {
	ID          string       `json:"id" db:"id"`
	Period      BudgetPeriod `json:"budget_type" db:"budget_type"`
	Level       AlertLevel   `json:"level" db:"level"`
	Spend       float64      `json:"spend" db:"spend"`
	LimitUSD    float64      `json:"limit_usd" db:"limit_usd"`
	PeriodStart time.Time    `json:"period_start" db:"period_start"`
	CreatedAt   time.Time    `json:"created_at" db:"created_at"`
}

// Pct returns the spend percentage the alert was raised at.
func (a *BudgetAlert) Pct() float64 {
	if a.LimitUSD <= 0 {
		return 0
	}
	return a.Spend / a.LimitUSD * 100
}

// PeriodBounds returns the start and end of the period containing now, in loc.
// Daily periods start at local midnight and monthly periods on the first of the month.
func PeriodBounds(period BudgetPeriod, now time.Time, loc *time.Location) (time.Time, time.Time) {
	if loc == nil {
		loc = time.UTC
	}
	now = now.In(loc)
	switch period {
	case PeriodMonthly:
		start := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, loc)
		return start, start.AddDate(0, 1, 0)
	default:
		start := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, loc)
		return start, start.AddDate(0, 0, 1)
	}
}

// RecipientRateState tracks per-recipient send counts and blocking. The
// counts cover the hour and the day ending at the last recorded send.
type RecipientRateState struct {
	Recipient        string     `json:"recipient" db:"recipient"`
	MessageCountHour int        `json:"message_count_hour" db:"message_count_hour"`
	MessageCountDay  int        `json:"message_count_day" db:"message_count_day"`
	LastMessageAt    *time.Time `json:"last_message_at,omitempty" db:"last_message_at"`
	Blocked          bool       `json:"is_blocked" db:"is_blocked"`
	BlockedUntil     *time.Time `json:"blocked_until,omitempty" db:"blocked_until"`
	BlockedReason    string     `json:"blocked_reason,omitempty" db:"blocked_reason"`
}

// BlockActive reports whether the recipient is blocked at now.
func (s *RecipientRateState) BlockActive(now time.Time) bool {
	if !s.Blocked {
		return false
	}
	return s.BlockedUntil == nil || !now.After(*s.BlockedUntil)
}
