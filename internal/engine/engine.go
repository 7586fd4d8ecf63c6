// Package engine is the single sequencing authority: raw signals, grace expiries,
// buffered bus flushes, notification clicks and app-state changes are serialized through
// one queue and processed on one goroutine.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"proximity/go-engine/internal/action"
	"proximity/go-engine/internal/eventbus"
	"proximity/go-engine/internal/metrics"
	"proximity/go-engine/internal/model"
	"proximity/go-engine/internal/region"
)

// ErrStopped is returned when work is offered to an engine whose queue is closed.
var ErrStopped = errors.New("engine stopped")

const (
	defaultStoreTimeout = 2 * time.Second
	engineSubscriber    = "engine"
	maxPayloadLength    = 1024
)

// Config tunes the engine.
type Config struct {
	GraceWindow  time.Duration
	Mappings     map[string]region.Mapping
	StoreTimeout time.Duration
}

// IngestionErrorSink records rejected signals.
type IngestionErrorSink interface {
	InsertIngestionError(ctx context.Context, e model.IngestionError) error
}

// TagStore persists profile tags set by tag actions.
type TagStore interface {
	UpsertUserTag(ctx context.Context, tag, value string) error
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock sets the clock for grace expiry timers and default signal timestamps.
func WithClock(c clock.Clock) Option {
	return func(e *Engine) { e.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithMetrics records signal, transition and queue metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithErrorSink records signals for unknown regions.
func WithErrorSink(s IngestionErrorSink) Option {
	return func(e *Engine) { e.errSink = s }
}

// WithTagStore persists profile updates.
func WithTagStore(s TagStore) Option {
	return func(e *Engine) { e.tags = s }
}

// Engine owns the tracker and the bus and drives both from Run.
type Engine struct {
	reg     *region.Registry
	tracker *region.Tracker
	bus     *eventbus.Bus
	queue   *taskQueue

	clock        clock.Clock
	logger       *slog.Logger
	metrics      *metrics.Metrics
	errSink      IngestionErrorSink
	tags         TagStore
	storeTimeout time.Duration

	mu         sync.Mutex
	dispatcher *action.Dispatcher
	delegates  []delegateEntry
	running    bool
	foreground bool

	// loop goroutine only
	expiry   *clock.Timer
	expiryAt time.Time
}

// New creates an engine over reg. Run must be called to start processing.
func New(reg *region.Registry, cfg Config, opts ...Option) (*Engine, error) {
	if reg == nil {
		return nil, fmt.Errorf("%w: nil registry", model.ErrInvalidArgument)
	}

	e := &Engine{
		reg:          reg,
		queue:        newTaskQueue(),
		clock:        clock.New(),
		logger:       slog.Default(),
		storeTimeout: cfg.StoreTimeout,
		foreground:   true,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.storeTimeout <= 0 {
		e.storeTimeout = defaultStoreTimeout
	}

	e.tracker = region.NewTracker(reg, region.TrackerConfig{GraceWindow: cfg.GraceWindow, Mappings: cfg.Mappings}, e.logger)
	e.bus = eventbus.New(
		eventbus.WithClock(e.clock),
		eventbus.WithLogger(e.logger),
		eventbus.WithMetrics(e.metrics),
		eventbus.WithExecutor(e.submit),
	)

	if err := e.bus.Subscribe(engineSubscriber, model.TopicProfileUpdated, eventbus.NoPriority, e.persistTag); err != nil {
		return nil, fmt.Errorf("subscribe profile updates: %w", err)
	}
	return e, nil
}

// Bus returns the engine's event bus. Publishing on it directly runs subscribers on the
// caller's goroutine; use Publisher from other goroutines.
func (e *Engine) Bus() *eventbus.Bus { return e.bus }

// Registry returns the region registry.
func (e *Engine) Registry() *region.Registry { return e.reg }

// Clock returns the engine clock.
func (e *Engine) Clock() clock.Clock { return e.clock }

// AttachDispatcher routes notification clicks and app-state changes to d.
func (e *Engine) AttachDispatcher(d *action.Dispatcher) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.dispatcher = d
	if d != nil {
		d.SetForeground(e.foreground)
	}
}

// Dispatcher returns the attached dispatcher, if any.
func (e *Engine) Dispatcher() *action.Dispatcher {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dispatcher
}

// Publisher returns a publisher that posts onto the engine queue. Delivery happens
// later on the engine goroutine, so Publish reports 0 delivered callbacks.
func (e *Engine) Publisher() QueuedPublisher { return QueuedPublisher{e: e} }

// QueuedPublisher publishes through the engine queue.
type QueuedPublisher struct {
	e *Engine
}

// Publish enqueues a bus publish.
func (p QueuedPublisher) Publish(key string, payload any) int {
	if err := p.e.PublishAsync(key, payload); err != nil {
		p.e.logger.Warn("publish dropped", "key", key, "error", err)
	}
	return 0
}

// Ingest queues a raw observation. A zero timestamp is stamped with the engine clock.
func (e *Engine) Ingest(obs model.Observation) error {
	if strings.TrimSpace(obs.RegionID) == "" {
		return fmt.Errorf("%w: empty region id", model.ErrInvalidArgument)
	}
	if obs.Timestamp.IsZero() {
		obs.Timestamp = e.clock.Now()
	}
	return e.enqueue(task{kind: taskSignal, obs: obs})
}

// PublishAsync queues a bus publish.
func (e *Engine) PublishAsync(key string, payload any) error {
	if key == "" {
		return fmt.Errorf("%w: empty bus key", model.ErrInvalidArgument)
	}
	return e.enqueue(task{kind: taskPublish, key: key, payload: payload})
}

// Submit queues fn to run on the engine goroutine.
func (e *Engine) Submit(fn func()) error {
	return e.enqueue(task{kind: taskCall, fn: fn})
}

func (e *Engine) submit(fn func()) {
	if err := e.Submit(fn); err != nil {
		e.logger.Debug("engine task dropped", "error", err)
	}
}

func (e *Engine) enqueue(t task) error {
	if !e.queue.Enqueue(t) {
		return ErrStopped
	}
	e.metrics.SetQueueDepth(e.queue.Len())
	return nil
}

// Do runs fn on the engine goroutine and waits for it to return.
func (e *Engine) Do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	if err := e.Submit(func() {
		defer close(done)
		fn()
	}); err != nil {
		return err
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SetForeground records the host app state. Returning to the foreground publishes
// model.TopicAppForeground.
func (e *Engine) SetForeground(fg bool) error {
	return e.Submit(func() {
		e.mu.Lock()
		changed := e.foreground != fg
		e.foreground = fg
		d := e.dispatcher
		e.mu.Unlock()

		if d != nil {
			d.SetForeground(fg)
		}
		if changed {
			e.logger.Info("app state changed", "foreground", fg)
			if fg {
				e.bus.Publish(model.TopicAppForeground, nil)
			}
		}
	})
}

// Foreground reports the last recorded app state.
func (e *Engine) Foreground() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.foreground
}

// HandleNotificationClick fires the pending notification id on the engine goroutine.
func (e *Engine) HandleNotificationClick(ctx context.Context, id string) (action.Outcome, error) {
	d := e.Dispatcher()
	if d == nil {
		return action.Outcome{}, fmt.Errorf("no action dispatcher attached")
	}

	var (
		out action.Outcome
		err error
	)
	if doErr := e.Do(ctx, func() {
		out, err = d.HandleNotificationClick(ctx, id)
	}); doErr != nil {
		return action.Outcome{}, doErr
	}
	return out, err
}

// PendingExits returns the number of regions waiting out their grace window.
func (e *Engine) PendingExits(ctx context.Context) (int, error) {
	var n int
	err := e.Do(ctx, func() { n = e.tracker.Pending() })
	return n, err
}

// Stop closes the queue. Run drains what is queued and returns.
func (e *Engine) Stop() {
	e.queue.Close()
}

// Run processes queued work until ctx is cancelled or Stop is called. The registry is
// announced before the first task.
func (e *Engine) Run(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return fmt.Errorf("engine already running")
	}
	e.running = true
	e.mu.Unlock()

	e.logger.Info("engine started", "regions", e.reg.Len())
	e.announceRegistry()

	for {
		e.drain(ctx)

		select {
		case <-ctx.Done():
			e.shutdown()
			return nil
		case _, open := <-e.queue.Wait():
			if !open {
				e.drain(ctx)
				e.shutdown()
				return nil
			}
		}
	}
}

func (e *Engine) drain(ctx context.Context) {
	for {
		t, ok := e.queue.TryDequeue()
		if !ok {
			e.metrics.SetQueueDepth(0)
			return
		}
		e.handle(ctx, t)
		e.rescheduleExpiry()
	}
}

func (e *Engine) shutdown() {
	e.queue.Close()
	if e.expiry != nil {
		e.expiry.Stop()
		e.expiry = nil
	}
	e.logger.Info("engine stopped")
}

func (e *Engine) handle(ctx context.Context, t task) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("engine task panic recovered", "panic", r, "stack", string(debug.Stack()))
		}
	}()

	switch t.kind {
	case taskSignal:
		e.processSignal(ctx, t.obs)
	case taskExpire:
		e.expiry = nil
		e.expiryAt = time.Time{}
		e.emit(e.tracker.Expire(e.clock.Now()))
	case taskPublish:
		e.bus.Publish(t.key, t.payload)
	case taskCall:
		t.fn()
	}
}

func (e *Engine) processSignal(ctx context.Context, obs model.Observation) {
	trs, err := e.tracker.ObserveAt(obs, e.clock.Now())
	if err != nil {
		e.metrics.IncSignalRejected("unknown_region")
		e.logger.Warn("signal rejected", "region", obs.RegionID, "provider", obs.Provider, "error", err)
		e.recordIngestionError(ctx, obs, err)
		return
	}
	e.metrics.IncSignal(obs.Provider)
	e.emit(trs)
}

// emit publishes each committed transition on every resource key of its region, then
// tells the delegates. State-only transitions between Outside and Unknown are not
// published.
func (e *Engine) emit(trs []region.Transition) {
	for _, tr := range trs {
		e.metrics.IncTransition(tr.Region.Kind.String(), tr.Type.String())
		e.logger.Debug("region transition", "region", tr.Region.ID, "kind", tr.Region.Kind, "type", tr.Type, "from", tr.From, "to", tr.To)

		if tr.Type == region.TransitionState {
			continue
		}
		for _, key := range tr.Region.Keys {
			e.bus.Publish(key, tr)
		}
		e.notifyTransition(tr)
	}
}

func (e *Engine) rescheduleExpiry() {
	next, ok := e.tracker.NextDeadline()
	if !ok {
		if e.expiry != nil {
			e.expiry.Stop()
			e.expiry = nil
			e.expiryAt = time.Time{}
		}
		return
	}
	if e.expiry != nil && next.Equal(e.expiryAt) {
		return
	}
	if e.expiry != nil {
		e.expiry.Stop()
	}

	wait := next.Sub(e.clock.Now())
	if wait < 0 {
		wait = 0
	}
	e.expiryAt = next
	e.expiry = e.clock.AfterFunc(wait, func() {
		if err := e.enqueue(task{kind: taskExpire}); err != nil {
			e.logger.Debug("grace expiry dropped", "error", err)
		}
	})
}

func (e *Engine) announceRegistry() {
	regions := e.reg.Snapshots()
	e.bus.Publish(model.TopicRegistryUpdated, regions)
	e.notifyRegistryLoaded(regions)
}

func (e *Engine) recordIngestionError(ctx context.Context, obs model.Observation, cause error) {
	if e.errSink == nil {
		return
	}
	raw, err := json.Marshal(obs)
	if err != nil {
		raw = []byte(fmt.Sprintf("%+v", obs))
	}

	ctx, cancel := context.WithTimeout(ctx, e.storeTimeout)
	defer cancel()
	if err := e.errSink.InsertIngestionError(ctx, model.IngestionError{
		RegionID: obs.RegionID,
		Payload:  truncateString(string(raw), maxPayloadLength),
		Error:    cause.Error(),
	}); err != nil {
		e.logger.Error("record ingestion error", "region", obs.RegionID, "error", err)
	}
}

func (e *Engine) persistTag(ev eventbus.Event) {
	update, ok := ev.Payload.(model.ProfileUpdate)
	if !ok || e.tags == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), e.storeTimeout)
	defer cancel()
	if err := e.tags.UpsertUserTag(ctx, update.Tag, update.Value); err != nil {
		e.logger.Error("persist user tag", "tag", update.Tag, "error", err)
		return
	}
	e.logger.Info("user tag updated", "tag", update.Tag, "value", update.Value)
}

func truncateString(value string, max int) string {
	if len(value) <= max {
		return value
	}
	return value[:max]
}
