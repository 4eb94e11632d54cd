package model

import (
	"encoding/json"
	"fmt"
	"net/netip"
	"net/url"
	"strings"
	"time"
)

// ServiceType selects the payload wrapping used for an endpoint.
type ServiceType string

const (
	ServiceSlack   ServiceType = "slack"
	ServiceDiscord ServiceType = "discord"
	ServiceTeams   ServiceType = "teams"
	ServiceCustom  ServiceType = "custom"
)

// WindowPeriod is the length of a rate-limit window.
type WindowPeriod string

const (
	WindowMinute WindowPeriod = "minute"
	WindowHour   WindowPeriod = "hour"
	WindowDay    WindowPeriod = "day"
	WindowWeek   WindowPeriod = "week"
)

// Duration returns the window length, or zero for an unknown period.
func (p WindowPeriod) Duration() time.Duration {
	switch p {
	case WindowMinute:
		return time.Minute
	case WindowHour:
		return time.Hour
	case WindowDay:
		return 24 * time.Hour
	case WindowWeek:
		return 7 * 24 * time.Hour
	default:
		return 0
	}
}

// RateLimitWindow caps the number of send attempts to an endpoint within a sliding period.
type RateLimitWindow struct {
	Period      WindowPeriod `json:"period" db:"period"`
	MaxRequests int          `json:"max_requests" db:"max_requests"`
	Enabled     bool         `json:"enabled" db:"enabled"`
}

// RetryPolicy bounds automatic retries for deliveries to an endpoint.
type RetryPolicy struct {
	Enabled     bool `json:"enabled"`
	MaxAttempts int  `json:"max_attempts"`
}

// Endpoint is a configured webhook destination.
//
// An empty IPAllowlist means every destination address is allowed.
type Endpoint struct {
	ID          string            `json:"id" db:"id"`
	Name        string            `json:"name" db:"name"`
	URL         string            `json:"url" db:"url"`
	ServiceType ServiceType       `json:"service_type" db:"service_type"`
	Channel     string            `json:"channel,omitempty" db:"channel"`
	Secret      string            `json:"-" db:"secret"`
	Enabled     bool              `json:"enabled" db:"enabled"`
	EventTypes  []string          `json:"event_types" db:"event_types"`
	Retry       RetryPolicy       `json:"retry_policy"`
	IPAllowlist []string          `json:"ip_allowlist,omitempty" db:"ip_allowlist"`
	RateLimits  []RateLimitWindow `json:"rate_limits,omitempty"`
	CreatedAt   time.Time         `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at" db:"updated_at"`
}

// Subscribes reports whether the endpoint wants events of the given type.
// No subscriptions means all events; "prefix.*" matches a whole family.
func (e *Endpoint) Subscribes(eventType string) bool {
	if len(e.EventTypes) == 0 {
		return true
	}
	for _, t := range e.EventTypes {
		switch {
		case t == "*" || t == eventType:
			return true
		case strings.HasSuffix(t, ".*") && strings.HasPrefix(eventType, strings.TrimSuffix(t, "*")):
			return true
		}
	}
	return false
}

// MaxAttempts is the attempt bound copied onto new deliveries.
func (e *Endpoint) MaxAttempts() int {
	if !e.Retry.Enabled || e.Retry.MaxAttempts < 1 {
		return 1
	}
	return e.Retry.MaxAttempts
}

// MaxRetryAttempts is the upper bound accepted for RetryPolicy.MaxAttempts.
const MaxRetryAttempts = 10

// Validate checks the endpoint configuration.
func (e *Endpoint) Validate() error {
	if strings.TrimSpace(e.Name) == "" {
		return &ConfigError{Field: "name", Reason: "is required"}
	}
	u, err := url.Parse(e.URL)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return &ConfigError{Field: "url", Reason: fmt.Sprintf("%q is not an absolute http(s) URL", e.URL)}
	}
	if e.Secret == "" {
		return &ConfigError{Field: "secret", Reason: "is required for request signing"}
	}
	switch e.ServiceType {
	case ServiceSlack, ServiceDiscord, ServiceTeams, ServiceCustom:
	default:
		return &ConfigError{Field: "service_type", Reason: fmt.Sprintf("unknown service type %q", e.ServiceType)}
	}
	if e.Retry.MaxAttempts < 0 || e.Retry.MaxAttempts > MaxRetryAttempts {
		return &ConfigError{Field: "retry_policy.max_attempts", Reason: fmt.Sprintf("must be between 1 and %d", MaxRetryAttempts)}
	}
	if e.Retry.Enabled && e.Retry.MaxAttempts < 1 {
		return &ConfigError{Field: "retry_policy.max_attempts", Reason: "must be at least 1 when retries are enabled"}
	}
	for _, entry := range e.IPAllowlist {
		if _, err := ParseAllowlistEntry(entry); err != nil {
			return &ConfigError{Field: "ip_allowlist", Reason: err.Error()}
		}
	}
	return ValidateWindows(e.RateLimits)
}

// ValidateWindows checks a set of rate-limit windows. Each period may appear once.
func ValidateWindows(windows []RateLimitWindow) error {
	seen := make(map[WindowPeriod]bool, len(windows))
	for _, w := range windows {
		if w.Period.Duration() == 0 {
			return &ConfigError{Field: "rate_limits.period", Reason: fmt.Sprintf("unknown period %q", w.Period)}
		}
		if seen[w.Period] {
			return &ConfigError{Field: "rate_limits.period", Reason: fmt.Sprintf("duplicate period %q", w.Period)}
		}
		seen[w.Period] = true
		if w.MaxRequests < 1 {
			return &ConfigError{Field: "rate_limits.max_requests", Reason: "must be positive"}
		}
	}
	return nil
}

// ParseAllowlistEntry parses an IPv4 address or CIDR range into a prefix.
// A bare address becomes a /32.
func ParseAllowlistEntry(entry string) (netip.Prefix, error) {
	entry = strings.TrimSpace(entry)
	if strings.Contains(entry, "/") {
		p, err := netip.ParsePrefix(entry)
		if err != nil {
			return netip.Prefix{}, fmt.Errorf("invalid CIDR %q", entry)
		}
		if !p.Addr().Is4() {
			return netip.Prefix{}, fmt.Errorf("CIDR %q is not IPv4", entry)
		}
		return p.Masked(), nil
	}
	addr, err := netip.ParseAddr(entry)
	if err != nil {
		return netip.Prefix{}, fmt.Errorf("invalid IP address %q", entry)
	}
	addr = addr.Unmap()
	if !addr.Is4() {
		return netip.Prefix{}, fmt.Errorf("address %q is not IPv4", entry)
	}
	return netip.PrefixFrom(addr, 32), nil
}

// DeliveryStatus is the lifecycle state of a delivery.
//
//	pending  -> success | failed | retrying | cancelled
//	retrying -> success | failed | retrying | cancelled
//
// success, failed and cancelled are terminal. A manual retry of a failed
// delivery creates a new delivery instead of reopening the old one.
type DeliveryStatus string

const (
	StatusPending   DeliveryStatus = "pending"
	StatusSuccess   DeliveryStatus = "success"
	StatusFailed    DeliveryStatus = "failed"
	StatusRetrying  DeliveryStatus = "retrying"
	StatusCancelled DeliveryStatus = "cancelled"
)

var transitions = map[DeliveryStatus][]DeliveryStatus{
	StatusPending:  {StatusSuccess, StatusFailed, StatusRetrying, StatusCancelled},
	StatusRetrying: {StatusSuccess, StatusFailed, StatusRetrying, StatusCancelled},
}

var statuses = []DeliveryStatus{StatusPending, StatusSuccess, StatusFailed, StatusRetrying, StatusCancelled}

// CanTransition reports whether a delivery may move from one status to another.
func CanTransition(from, to DeliveryStatus) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Sources returns the statuses a delivery may move to status from.
func Sources(to DeliveryStatus) []DeliveryStatus {
	var out []DeliveryStatus
	for _, from := range statuses {
		if CanTransition(from, to) {
			out = append(out, from)
		}
	}
	return out
}

// Cancellable reports whether a delivery in this status may be cancelled.
func (s DeliveryStatus) Cancellable() bool {
	return CanTransition(s, StatusCancelled)
}

// ErrorKind classifies why a delivery failed.
type ErrorKind string

const (
	KindNone              ErrorKind = ""
	KindRateLimited       ErrorKind = "rate_limited"
	KindAllowlistRejected ErrorKind = "allowlist_rejected"
	KindTransient         ErrorKind = "transient"
	KindPermanent         ErrorKind = "permanent"
)

// Policy reports whether the failure was a local policy rejection rather than a remote failure.
func (k ErrorKind) Policy() bool {
	return k == KindRateLimited || k == KindAllowlistRejected
}

// Delivery is one logical notification to an endpoint and its attempt bookkeeping.
type Delivery struct {
	ID             string          `json:"id" db:"id"`
	EndpointID     string          `json:"endpoint_id" db:"endpoint_id"`
	EventType      string          `json:"event_type" db:"event_type"`
	Payload        json.RawMessage `json:"payload,omitempty" db:"payload"`
	Status         DeliveryStatus  `json:"status" db:"status"`
	AttemptCount   int             `json:"attempt_count" db:"attempt_count"`
	MaxAttempts    int             `json:"max_attempts" db:"max_attempts"`
	HTTPStatus     int             `json:"http_status,omitempty" db:"http_status"`
	ResponseTimeMs int64           `json:"response_time_ms,omitempty" db:"response_time_ms"`
	ErrorMessage   string          `json:"error_message,omitempty" db:"error_message"`
	ErrorKind      ErrorKind       `json:"error_kind,omitempty" db:"error_kind"`
	NextRetryAt    *time.Time      `json:"next_retry_at,omitempty" db:"next_retry_at"`
	RetryOf        string          `json:"retry_of,omitempty" db:"retry_of"`
	CreatedAt      time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at" db:"updated_at"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty" db:"completed_at"`
}

// DeliveryAttempt is an append-only record of one network call for a delivery.
type DeliveryAttempt struct {
	ID             string    `json:"id" db:"id"`
	DeliveryID     string    `json:"delivery_id" db:"delivery_id"`
	AttemptNumber  int       `json:"attempt_number" db:"attempt_number"`
	HTTPStatus     int       `json:"http_status,omitempty" db:"http_status"`
	ResponseTimeMs int64     `json:"response_time_ms" db:"response_time_ms"`
	ErrorMessage   string    `json:"error_message,omitempty" db:"error_message"`
	ErrorKind      ErrorKind `json:"error_kind,omitempty" db:"error_kind"`
	AttemptedAt    time.Time `json:"attempted_at" db:"attempted_at"`
}

// DeliveryResult is the state written when an attempt settles.
type DeliveryResult struct {
	Status         DeliveryStatus
	HTTPStatus     int
	ResponseTimeMs int64
	ErrorMessage   string
	ErrorKind      ErrorKind
	NextRetryAt    *time.Time
	At             time.Time
}

// DeliveryFilter controls which deliveries are listed.
type DeliveryFilter struct {
	EndpointID     string           `json:"endpoint_id,omitempty"`
	Statuses       []DeliveryStatus `json:"statuses,omitempty"`
	CompletedSince time.Time        `json:"completed_since,omitempty"`
	ExcludeKinds   []ErrorKind      `json:"exclude_kinds,omitempty"`
	Limit          int              `json:"limit,omitempty"`
}

// RateLimitViolation is an append-only record of a rejected send attempt.
type RateLimitViolation struct {
	ID          string       `json:"id" db:"id"`
	EndpointID  string       `json:"endpoint_id" db:"endpoint_id"`
	Period      WindowPeriod `json:"period" db:"period"`
	Limit       int          `json:"limit" db:"limit_value"`
	Count       int64        `json:"count" db:"observed_count"`
	AttemptedAt time.Time    `json:"attempted_at" db:"attempted_at"`
}
