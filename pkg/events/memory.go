package events

import (
	"context"
	"errors"
	"sync"

	"github.com/ogulcanaydogan/Delivery-Guardian/pkg/logger"
)

// ErrClosed is returned when publishing to or subscribing on a closed bus.
var ErrClosed = errors.New("event bus closed")

const subscriberBuffer = 256

type subscriber struct {
	ch   chan Event
	done chan struct{}
}

// MemoryBus delivers events in process. Each subscriber has its own buffered
// queue; a subscriber that falls behind loses events rather than blocking publishers.
type MemoryBus struct {
	logger logger.Logger

	mu     sync.RWMutex
	subs   map[int]*subscriber
	nextID int
	closed bool
	wg     sync.WaitGroup
}

// NewMemory creates an in-process bus.
func NewMemory(log logger.Logger) *MemoryBus {
	if log == nil {
		log = logger.Nop()
	}
	return &MemoryBus{logger: log.With("component", "events"), subs: make(map[int]*subscriber)}
}

func (b *MemoryBus) Publish(_ context.Context, e Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}
	for id, s := range b.subs {
		select {
		case s.ch <- e:
		default:
			b.logger.Warn("dropping event for slow subscriber", "subscriber", id, "type", e.Type)
		}
	}
	return nil
}

func (b *MemoryBus) Subscribe(h Handler) (func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}

	id := b.nextID
	b.nextID++
	s := &subscriber{ch: make(chan Event, subscriberBuffer), done: make(chan struct{})}
	b.subs[id] = s

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for {
			select {
			case e := <-s.ch:
				h(e)
			case <-s.done:
				return
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			if _, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(s.done)
			}
			b.mu.Unlock()
		})
	}, nil
}

// Close stops every subscriber and waits for in-flight handlers.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	for id, s := range b.subs {
		close(s.done)
		delete(b.subs, id)
	}
	b.mu.Unlock()
	b.wg.Wait()
	return nil
}
