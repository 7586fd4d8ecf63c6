// Package eventbus is a priority-ordered, key-addressed publish/subscribe bus.
//
// Delivery for a key walks subscribers with an explicit priority in ascending order,
// newest subscription first among equal priorities, then subscribers without a
// priority in subscription order. Callbacks run synchronously on the publishing
// goroutine, outside the bus lock, over a snapshot of the subscription list.
package eventbus

import (
	"fmt"
	"log/slog"
	"runtime/debug"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"proximity/go-engine/internal/metrics"
)

// NoPriority orders a subscriber after every explicit priority.
const NoPriority = -1

// Event is one delivery.
type Event struct {
	Key         string
	Payload     any
	PublishedAt time.Time
}

// Handler receives events for the keys it subscribed to.
type Handler func(Event)

// Subscription is a (subscriber, key) registration.
type Subscription struct {
	Subscriber string
	Key        string
	Priority   int

	seq     uint64
	handler Handler
}

type buffered struct {
	event Event
	timer *clock.Timer
}

// Bus routes events to subscribers. The zero value is not usable; call New.
type Bus struct {
	mu      sync.Mutex
	subs    map[string][]*Subscription
	pending map[string]*buffered
	seq     uint64

	clock   clock.Clock
	logger  *slog.Logger
	metrics *metrics.Metrics
	execute func(func())
}

// Option configures a Bus.
type Option func(*Bus)

// WithClock sets the clock used for buffered publishes and event timestamps.
func WithClock(c clock.Clock) Option {
	return func(b *Bus) { b.clock = c }
}

// WithLogger sets the logger used for recovered callback panics.
func WithLogger(l *slog.Logger) Option {
	return func(b *Bus) { b.logger = l }
}

// WithMetrics records dispatch counts and recovered panics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(b *Bus) { b.metrics = m }
}

// WithExecutor hands buffered flushes to fn instead of running them on the timer goroutine.
func WithExecutor(fn func(func())) Option {
	return func(b *Bus) { b.execute = fn }
}

// New creates an empty bus.
func New(opts ...Option) *Bus {
	b := &Bus{
		subs:    make(map[string][]*Subscription),
		pending: make(map[string]*buffered),
		clock:   clock.New(),
		logger:  slog.Default(),
		execute: func(fn func()) { fn() },
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers handler for key. Re-subscribing the same subscriber to the same key
// replaces its handler and priority and counts as a new subscription for ordering.
// Any negative priority means NoPriority.
func (b *Bus) Subscribe(subscriber, key string, priority int, handler Handler) error {
	return b.SubscribeKeys(subscriber, []string{key}, priority, handler)
}

// SubscribeKeys registers handler for every key in keys with the same priority.
func (b *Bus) SubscribeKeys(subscriber string, keys []string, priority int, handler Handler) error {
	if subscriber == "" {
		return fmt.Errorf("subscribe: empty subscriber id")
	}
	if handler == nil {
		return fmt.Errorf("subscribe %s: nil handler", subscriber)
	}
	if priority < 0 {
		priority = NoPriority
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	for _, key := range keys {
		if key == "" {
			return fmt.Errorf("subscribe %s: empty key", subscriber)
		}
	}
	for _, key := range keys {
		b.remove(subscriber, key)
		b.seq++
		next := append(slices.Clone(b.subs[key]), &Subscription{
			Subscriber: subscriber,
			Key:        key,
			Priority:   priority,
			seq:        b.seq,
			handler:    handler,
		})
		sortSubscriptions(next)
		b.subs[key] = next
	}
	return nil
}

// Unsubscribe removes subscriber from every key. Safe to call from inside a callback;
// the dispatch pass in progress is not affected.
func (b *Bus) Unsubscribe(subscriber string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for key := range b.subs {
		b.remove(subscriber, key)
	}
}

// UnsubscribeKey removes subscriber from a single key.
func (b *Bus) UnsubscribeKey(subscriber, key string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.remove(subscriber, key)
}

func (b *Bus) remove(subscriber, key string) {
	list := b.subs[key]
	for i, s := range list {
		if s.Subscriber == subscriber {
			// Copy on write: a dispatch in progress may still hold the old slice.
			next := make([]*Subscription, 0, len(list)-1)
			next = append(next, list[:i]...)
			next = append(next, list[i+1:]...)
			if len(next) == 0 {
				delete(b.subs, key)
			} else {
				b.subs[key] = next
			}
			return
		}
	}
}

// Subscriptions returns the delivery order for key.
func (b *Bus) Subscriptions(key string) []Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]Subscription, 0, len(b.subs[key]))
	for _, s := range b.subs[key] {
		out = append(out, *s)
	}
	return out
}

// Publish delivers payload to every current subscriber of key, in order, and returns the
// number of callbacks that completed without panicking.
func (b *Bus) Publish(key string, payload any) int {
	return b.dispatch(Event{Key: key, Payload: payload, PublishedAt: b.clock.Now()})
}

// PublishBuffered coalesces publishes to key within window into one delivery carrying the
// latest payload. The window opens at the first buffered publish and the delivery fires
// when it closes, whether or not more publishes arrived. A non-positive window publishes
// immediately.
func (b *Bus) PublishBuffered(key string, payload any, window time.Duration) {
	if window <= 0 {
		b.Publish(key, payload)
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	ev := Event{Key: key, Payload: payload, PublishedAt: b.clock.Now()}
	if p, ok := b.pending[key]; ok {
		p.event = ev
		return
	}
	p := &buffered{event: ev}
	p.timer = b.clock.AfterFunc(window, func() { b.execute(func() { b.flush(key, p) }) })
	b.pending[key] = p
}

func (b *Bus) flush(key string, p *buffered) {
	b.mu.Lock()
	if b.pending[key] != p {
		b.mu.Unlock()
		return
	}
	delete(b.pending, key)
	ev := p.event
	b.mu.Unlock()

	b.dispatch(ev)
}

// Buffered reports whether a buffered delivery is waiting for key.
func (b *Bus) Buffered(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.pending[key]
	return ok
}

// Clear drops every subscription and pending buffered delivery.
func (b *Bus) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, p := range b.pending {
		p.timer.Stop()
	}
	b.pending = make(map[string]*buffered)
	b.subs = make(map[string][]*Subscription)
}

func (b *Bus) dispatch(ev Event) int {
	b.mu.Lock()
	list := b.subs[ev.Key]
	b.mu.Unlock()

	b.metrics.IncBusPublish()

	delivered := 0
	for _, s := range list {
		if b.safeInvoke(s, ev) {
			delivered++
		}
	}
	return delivered
}

func (b *Bus) safeInvoke(s *Subscription, ev Event) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
			b.metrics.IncBusPanic()
			b.logger.Error("event subscriber panic", "key", ev.Key, "subscriber", s.Subscriber, "panic", r, "stack", string(debug.Stack()))
		}
	}()
	s.handler(ev)
	return true
}

func sortSubscriptions(list []*Subscription) {
	sort.SliceStable(list, func(i, j int) bool {
		a, c := list[i], list[j]
		switch {
		case a.Priority == NoPriority && c.Priority == NoPriority:
			return a.seq < c.seq
		case a.Priority == NoPriority:
			return false
		case c.Priority == NoPriority:
			return true
		case a.Priority != c.Priority:
			return a.Priority < c.Priority
		default:
			return a.seq > c.seq
		}
	})
}
