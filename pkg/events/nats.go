package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/ogulcanaydogan/Delivery-Guardian/pkg/logger"
)

// NATSBus publishes each event on "<prefix>.<type>" so external consumers can
// subscribe to a family such as "dg.delivery.>".
type NATSBus struct {
	nc     *nats.Conn
	prefix string
	owned  bool
	logger logger.Logger
}

// NewNATS connects to the NATS server at url.
func NewNATS(url, prefix string, log logger.Logger) (*NATSBus, error) {
	nc, err := nats.Connect(url,
		nats.Name("delivery-guardian"),
		nats.Timeout(5*time.Second),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats at %s: %w", url, err)
	}
	b := NewNATSFromConn(nc, prefix, log)
	b.owned = true
	return b, nil
}

// NewNATSFromConn wraps an existing connection. The caller keeps ownership of nc.
func NewNATSFromConn(nc *nats.Conn, prefix string, log logger.Logger) *NATSBus {
	if prefix == "" {
		prefix = "dg"
	}
	if log == nil {
		log = logger.Nop()
	}
	return &NATSBus{nc: nc, prefix: prefix, logger: log.With("component", "events", "backend", "nats")}
}

// Subject returns the subject an event type is published on.
func (b *NATSBus) Subject(t Type) string {
	return b.prefix + "." + string(t)
}

func (b *NATSBus) Publish(_ context.Context, e Event) error {
	if b.nc.IsClosed() {
		return ErrClosed
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := b.nc.Publish(b.Subject(e.Type), data); err != nil {
		return fmt.Errorf("publish %s: %w", e.Type, err)
	}
	return nil
}

func (b *NATSBus) Subscribe(h Handler) (func(), error) {
	if b.nc.IsClosed() {
		return nil, ErrClosed
	}
	sub, err := b.nc.Subscribe(b.prefix+".>", func(msg *nats.Msg) {
		var e Event
		if err := json.Unmarshal(msg.Data, &e); err != nil {
			b.logger.Warn("discarding malformed event", "subject", msg.Subject, "error", err)
			return
		}
		h(e)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s.>: %w", b.prefix, err)
	}
	if err := b.nc.Flush(); err != nil {
		_ = sub.Unsubscribe()
		return nil, fmt.Errorf("flush subscription: %w", err)
	}
	return func() {
		if err := sub.Unsubscribe(); err != nil && err != nats.ErrConnectionClosed && err != nats.ErrBadSubscription {
			b.logger.Warn("unsubscribe failed", "error", err)
		}
	}, nil
}

// Close drains the connection when the bus owns it.
func (b *NATSBus) Close() error {
	if !b.owned || b.nc.IsClosed() {
		return nil
	}
	if err := b.nc.Drain(); err != nil {
		b.nc.Close()
		return fmt.Errorf("drain nats connection: %w", err)
	}
	return nil
}
