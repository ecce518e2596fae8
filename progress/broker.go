package progress

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/tributary-io/tributary/metrics"
)

// subscriberBuffer bounds each subscriber's backlog. A subscriber that
// falls further behind loses events rather than blocking publishers.
const subscriberBuffer = 64

type subKey struct {
	tenantID int64
	job      string
}

// Subscription is one attached listener. Events arrives in publication
// order for the subscribed (tenant, job) pair.
type Subscription struct {
	Events <-chan Event

	broker *Broker
	key    subKey
	ch     chan Event
	once   sync.Once
}

// Close detaches the subscription and releases its channel.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.broker.unsubscribe(s)
	})
}

// Broker is the in-process pub/sub hub keyed by (tenant, job name).
// Publishers never learn about subscribers and never block on them.
type Broker struct {
	mu     sync.RWMutex
	subs   map[subKey][]*Subscription
	logger *slog.Logger

	published atomic.Int64
	dropped   atomic.Int64
}

// NewBroker creates an empty broker.
func NewBroker(logger *slog.Logger) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broker{
		subs:   make(map[subKey][]*Subscription),
		logger: logger,
	}
}

// Subscribe attaches a listener for one (tenant, job) pair. The tenant id
// is part of the key: a subscriber can never observe another tenant's
// events because no cross-tenant key exists.
func (b *Broker) Subscribe(tenantID int64, job string) *Subscription {
	ch := make(chan Event, subscriberBuffer)
	sub := &Subscription{
		Events: ch,
		ch:     ch,
		key:    subKey{tenantID: tenantID, job: job},
	}
	sub.broker = b

	b.mu.Lock()
	b.subs[sub.key] = append(b.subs[sub.key], sub)
	b.mu.Unlock()
	return sub
}

// Publish delivers an event to every subscriber of its (tenant, job)
// pair. Slow subscribers drop the event; publication order is preserved
// for everyone who keeps up.
func (b *Broker) Publish(ev Event) {
	b.published.Add(1)

	key := subKey{tenantID: ev.TenantID, job: ev.Job}
	b.mu.RLock()
	subs := b.subs[key]
	b.mu.RUnlock()

	for _, sub := range subs {
		select {
		case sub.ch <- ev:
		default:
			b.dropped.Add(1)
			metrics.EventsDropped.Inc()
			b.logger.Debug("Dropped event for slow subscriber",
				"tenant_id", ev.TenantID, "job", ev.Job, "type", ev.Type)
		}
	}
}

// Stats returns published and dropped counts.
func (b *Broker) Stats() (published, dropped int64) {
	return b.published.Load(), b.dropped.Load()
}

func (b *Broker) unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subs[sub.key]
	for i, s := range subs {
		if s == sub {
			b.subs[sub.key] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(b.subs[sub.key]) == 0 {
		delete(b.subs, sub.key)
	}
	close(sub.ch)
}
