package model

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound             = errors.New("not found")
	ErrInvalidState         = errors.New("invalid state")
	ErrRateLimitExceeded    = errors.New("rate limit exceeded")
	ErrAllowlistRejected    = errors.New("destination not in ip allowlist")
	ErrBudgetExceeded       = errors.New("notification budget exceeded")
	ErrRecipientBlocked     = errors.New("recipient blocked")
	ErrRecipientRateLimited = errors.New("recipient message cap reached")
)

// ConfigError reports an invalid endpoint, rule, budget or service configuration.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// TransientDeliveryError is a failure that may succeed on retry: network errors,
// timeouts, 5xx and explicitly retryable 4xx responses.
type TransientDeliveryError struct {
	StatusCode int
	Err        error
}

func (e *TransientDeliveryError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("transient delivery failure (HTTP %d): %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("transient delivery failure: %v", e.Err)
}

func (e *TransientDeliveryError) Unwrap() error { return e.Err }

// PermanentDeliveryError is a failure that will not succeed on retry.
type PermanentDeliveryError struct {
	StatusCode int
	Err        error
}

func (e *PermanentDeliveryError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("permanent delivery failure (HTTP %d): %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("permanent delivery failure: %v", e.Err)
}

func (e *PermanentDeliveryError) Unwrap() error { return e.Err }

// IsTransient reports whether err is, or wraps, a TransientDeliveryError.
func IsTransient(err error) bool {
	var t *TransientDeliveryError
	return errors.As(err, &t)
}

// KindOf classifies a delivery error.
func KindOf(err error) ErrorKind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrRateLimitExceeded):
		return KindRateLimited
	case errors.Is(err, ErrAllowlistRejected):
		return KindAllowlistRejected
	case IsTransient(err):
		return KindTransient
	default:
		return KindPermanent
	}
}
