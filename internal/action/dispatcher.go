package action

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"proximity/go-engine/internal/eventbus"
	"proximity/go-engine/internal/metrics"
	"proximity/go-engine/internal/model"
	"proximity/go-engine/internal/region"
)

// DefaultPendingTTL bounds how long a background notification stays clickable.
const DefaultPendingTTL = 24 * time.Hour

// dispatcherPriority places experiences after host subscribers with explicit priorities.
const dispatcherPriority = eventbus.NoPriority

// Trigger selects which region transition fires an experience.
type Trigger string

const (
	OnEnter Trigger = "enter"
	OnExit  Trigger = "exit"
)

// Experience binds an action to a transition of a region or label.
type Experience struct {
	ID     string       `yaml:"id" json:"id"`
	Key    string       `yaml:"key" json:"key"`
	On     Trigger      `yaml:"on" json:"on"`
	Action model.Action `yaml:"action" json:"action"`
}

// PendingStore persists background notifications until they are clicked or expire.
type PendingStore interface {
	SavePendingNotification(ctx context.Context, p model.PendingNotification) error
	TakePendingNotification(ctx context.Context, id string) (model.PendingNotification, error)
	ListPendingNotifications(ctx context.Context) ([]model.PendingNotification, error)
	DeleteExpiredNotifications(ctx context.Context, now time.Time) (int, error)
}

// Notifier posts a background notification through the host's push transport.
type Notifier interface {
	PostNotification(ctx context.Context, p model.PendingNotification) error
}

// DispatcherConfig tunes the Dispatcher.
type DispatcherConfig struct {
	// Cooldown suppresses proximity actions fired within this long of the last delivery.
	// Zero disables it.
	Cooldown   time.Duration
	PendingTTL time.Duration
	// StoreTimeout bounds each persistence call made from a bus callback.
	StoreTimeout time.Duration
}

// Dispatcher subscribes experiences to the bus and fires their actions through the
// Pipeline. While the host is backgrounded, actions with a background alert are parked as
// pending notifications and fire later with FiredByPushClicked.
type Dispatcher struct {
	pipeline *Pipeline
	bus      *eventbus.Bus
	store    PendingStore
	notifier Notifier
	clock    clock.Clock
	cfg      DispatcherConfig
	logger   *slog.Logger
	metrics  *metrics.Metrics

	mu          sync.Mutex
	experiences map[string]Experience
	foreground  bool
	lastFired   time.Time
}

// NewDispatcher creates a dispatcher. store and notifier may be nil, in which case
// background alerts are dropped.
func NewDispatcher(p *Pipeline, bus *eventbus.Bus, store PendingStore, notifier Notifier, clk clock.Clock, cfg DispatcherConfig, logger *slog.Logger, m *metrics.Metrics) *Dispatcher {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.PendingTTL <= 0 {
		cfg.PendingTTL = DefaultPendingTTL
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = 2 * time.Second
	}
	return &Dispatcher{
		pipeline:    p,
		bus:         bus,
		store:       store,
		notifier:    notifier,
		clock:       clk,
		cfg:         cfg,
		logger:      logger,
		metrics:     m,
		experiences: make(map[string]Experience),
		foreground:  true,
	}
}

// Pipeline returns the pipeline actions run through.
func (d *Dispatcher) Pipeline() *Pipeline {
	return d.pipeline
}

// Bind subscribes an experience to its key. Binding an id again replaces the experience.
func (d *Dispatcher) Bind(exp Experience) error {
	if exp.ID == "" || exp.Key == "" {
		return fmt.Errorf("%w: experience needs id and key", model.ErrInvalidArgument)
	}
	if exp.On != OnEnter && exp.On != OnExit {
		return fmt.Errorf("%w: experience %s trigger %q", model.ErrInvalidArgument, exp.ID, exp.On)
	}
	if exp.Action.ID == "" {
		return fmt.Errorf("%w: experience %s has no action", model.ErrInvalidArgument, exp.ID)
	}

	d.mu.Lock()
	if old, ok := d.experiences[exp.ID]; ok && old.Key != exp.Key {
		d.bus.UnsubscribeKey(subscriberID(exp.ID), old.Key)
	}
	d.experiences[exp.ID] = exp
	d.mu.Unlock()

	return d.bus.Subscribe(subscriberID(exp.ID), exp.Key, dispatcherPriority, func(ev eventbus.Event) {
		d.handle(exp.ID, ev)
	})
}

// Unbind removes an experience.
func (d *Dispatcher) Unbind(id string) {
	d.mu.Lock()
	delete(d.experiences, id)
	d.mu.Unlock()
	d.bus.Unsubscribe(subscriberID(id))
}

// Experiences returns the bound experiences ordered by id.
func (d *Dispatcher) Experiences() []Experience {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]Experience, 0, len(d.experiences))
	for _, e := range d.experiences {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// SetForeground records whether the host application is in the foreground.
func (d *Dispatcher) SetForeground(fg bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.foreground = fg
}

// Foreground reports the last recorded host state.
func (d *Dispatcher) Foreground() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.foreground
}

func subscriberID(expID string) string {
	return "experience:" + expID
}

func (d *Dispatcher) handle(expID string, ev eventbus.Event) {
	tr, ok := ev.Payload.(region.Transition)
	if !ok {
		return
	}

	d.mu.Lock()
	exp, bound := d.experiences[expID]
	d.mu.Unlock()
	if !bound || !matches(exp.On, tr.Type) {
		return
	}

	out := d.Trigger(exp.Action)
	d.logger.Info("experience fired", "experience", exp.ID, "key", ev.Key, "region", tr.Region.ID, "action", exp.Action.ID, "stage", out.Stage)
}

func matches(on Trigger, t region.TransitionType) bool {
	switch on {
	case OnEnter:
		return t == region.TransitionEnter
	case OnExit:
		return t == region.TransitionExit
	default:
		return false
	}
}

// Trigger fires an action raised by proximity, applying the cooldown and the background
// policy before the pipeline runs.
func (d *Dispatcher) Trigger(a model.Action) Outcome {
	now := d.clock.Now()

	d.mu.Lock()
	fg := d.foreground
	cooling := d.cfg.Cooldown > 0 && !d.lastFired.IsZero() && now.Sub(d.lastFired) < d.cfg.Cooldown
	d.mu.Unlock()

	out := Outcome{Action: a, Situation: model.FiredByProximity}
	switch {
	case cooling:
		out.Stage = StageCooldown
		d.metrics.IncAction(out.Stage.String())
		return out
	case !fg && a.BackgroundAlert == "":
		out.Stage = StageSuppressed
		d.metrics.IncAction(out.Stage.String())
		return out
	case !fg:
		if err := d.park(a, now); err != nil {
			d.logger.Error("background notification failed", "action", a.ID, "error", err)
			out.Stage = StageSuppressed
		} else {
			out.Stage = StageNotified
			d.markFired(now)
		}
		d.metrics.IncAction(out.Stage.String())
		return out
	}

	out = d.pipeline.Fire(a, model.FiredByProximity)
	if out.Delivered() {
		d.markFired(now)
	}
	return out
}

func (d *Dispatcher) markFired(at time.Time) {
	d.mu.Lock()
	d.lastFired = at
	d.mu.Unlock()
}

func (d *Dispatcher) park(a model.Action, now time.Time) error {
	if d.store == nil || d.notifier == nil {
		return fmt.Errorf("no notification transport configured")
	}

	p := model.PendingNotification{
		ID:        uuid.NewString(),
		Action:    a,
		Alert:     a.BackgroundAlert,
		CreatedAt: now,
		ExpiresAt: now.Add(d.cfg.PendingTTL),
	}

	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.StoreTimeout)
	defer cancel()

	if err := d.store.SavePendingNotification(ctx, p); err != nil {
		return fmt.Errorf("save pending notification: %w", err)
	}
	if err := d.notifier.PostNotification(ctx, p); err != nil {
		return fmt.Errorf("post notification: %w", err)
	}
	d.refreshPendingGauge(ctx)
	return nil
}

// HandleNotificationClick fires the action behind a clicked background notification with
// FiredByPushClicked. The notification is consumed whether or not the pipeline accepts it.
func (d *Dispatcher) HandleNotificationClick(ctx context.Context, id string) (Outcome, error) {
	if id == "" {
		return Outcome{}, fmt.Errorf("%w: empty notification id", model.ErrInvalidArgument)
	}
	if d.store == nil {
		return Outcome{}, fmt.Errorf("%w: %s", model.ErrUnknownNotification, id)
	}

	p, err := d.store.TakePendingNotification(ctx, id)
	if err != nil {
		return Outcome{}, err
	}
	defer d.refreshPendingGauge(ctx)

	if p.Expired(d.clock.Now()) {
		return Outcome{}, fmt.Errorf("%w: %s", model.ErrNotificationExpired, id)
	}
	out := d.pipeline.Fire(p.Action, model.FiredByPushClicked)
	d.logger.Info("notification clicked", "notification", id, "action", p.Action.ID, "stage", out.Stage)
	return out, nil
}

// PendingNotifications lists notifications still waiting for a click.
func (d *Dispatcher) PendingNotifications(ctx context.Context) ([]model.PendingNotification, error) {
	if d.store == nil {
		return nil, nil
	}
	return d.store.ListPendingNotifications(ctx)
}

// PurgeExpired deletes notifications past their TTL.
func (d *Dispatcher) PurgeExpired(ctx context.Context) (int, error) {
	if d.store == nil {
		return 0, nil
	}
	n, err := d.store.DeleteExpiredNotifications(ctx, d.clock.Now())
	if err != nil {
		return 0, fmt.Errorf("purge expired notifications: %w", err)
	}
	d.refreshPendingGauge(ctx)
	return n, nil
}

func (d *Dispatcher) refreshPendingGauge(ctx context.Context) {
	if d.metrics == nil || d.store == nil {
		return
	}
	pending, err := d.store.ListPendingNotifications(ctx)
	if err != nil {
		return
	}
	d.metrics.SetPendingNotifications(len(pending))
}
