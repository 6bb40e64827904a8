// Package notify fans change notifications out to the external API
// collaborators over an in-process channel per subscriber.
package notify

import (
	"sync"

	"go.uber.org/zap"

	"github.com/goodnatureofminers/pivxinsight-backend/internal/model"
)

// subscriberBuffer bounds each subscriber channel. Slow subscribers drop
// the oldest pending notification rather than stalling the core.
const subscriberBuffer = 256

// Broker publishes model.Notification values to subscribers.
type Broker struct {
	mu     sync.Mutex
	subs   map[int]chan model.Notification
	nextID int
	closed bool
	logger *zap.Logger
}

// NewBroker builds an empty broker.
func NewBroker(logger *zap.Logger) *Broker {
	return &Broker{
		subs:   map[int]chan model.Notification{},
		logger: logger.Named("notify"),
	}
}

// Subscribe registers a consumer. The returned cancel function must be
// called to release the channel.
func (b *Broker) Subscribe() (<-chan model.Notification, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan model.Notification, subscriberBuffer)
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	b.subs[id] = ch

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
	}
}

// Publish delivers one notification to every subscriber without blocking
// the caller; a full subscriber loses its oldest pending event.
func (b *Broker) Publish(n model.Notification) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for id, ch := range b.subs {
		select {
		case ch <- n:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- n:
			default:
				b.logger.Warn("dropped notification", zap.Int("subscriber", id))
			}
		}
	}
}

// Close shuts every subscriber channel down.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
