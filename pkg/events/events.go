// Package events publishes lifecycle events to in-process and external subscribers.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Type identifies an event kind. Types are dotted so they map onto NATS subjects.
type Type string

const (
	DeliverySucceeded  Type = "delivery.succeeded"
	DeliveryFailed     Type = "delivery.failed"
	DeliveryRetrying   Type = "delivery.retrying"
	DeliveryCancelled  Type = "delivery.cancelled"
	RateLimitViolation Type = "ratelimit.violation"
	AlertTriggered     Type = "alert.triggered"
	AlertResolved      Type = "alert.resolved"
	BudgetAlert        Type = "budget.alert"
	RecipientBlocked   Type = "recipient.blocked"
	RecipientUnblocked Type = "recipient.unblocked"
)

// Event is the envelope published on the bus.
type Event struct {
	ID   string          `json:"id"`
	Type Type            `json:"type"`
	Time time.Time       `json:"time"`
	Data json.RawMessage `json:"data"`
}

// New wraps data in an event envelope.
func New(t Type, data any) (Event, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Event{}, fmt.Errorf("marshal %s event: %w", t, err)
	}
	return Event{ID: uuid.New().String(), Type: t, Time: time.Now().UTC(), Data: raw}, nil
}

// Handler receives events. Handlers run off the publisher's goroutine.
type Handler func(Event)

// Bus fans events out to subscribers.
type Bus interface {
	Publish(ctx context.Context, e Event) error
	// Subscribe registers h and returns a function that removes it.
	Subscribe(h Handler) (func(), error)
	Close() error
}

// Emit builds and publishes an event. A nil bus discards it.
func Emit(ctx context.Context, bus Bus, t Type, data any) error {
	if bus == nil {
		return nil
	}
	e, err := New(t, data)
	if err != nil {
		return err
	}
	return bus.Publish(ctx, e)
}
