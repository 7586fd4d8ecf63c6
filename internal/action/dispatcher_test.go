package action

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"proximity/go-engine/internal/eventbus"
	"proximity/go-engine/internal/model"
	"proximity/go-engine/internal/region"
)

type memPending struct {
	mu    sync.Mutex
	items map[string]model.PendingNotification
}

func newMemPending() *memPending {
	return &memPending{items: make(map[string]model.PendingNotification)}
}

func (m *memPending) SavePendingNotification(_ context.Context, p model.PendingNotification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[p.ID] = p
	return nil
}

func (m *memPending) TakePendingNotification(_ context.Context, id string) (model.PendingNotification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.items[id]
	if !ok {
		return model.PendingNotification{}, fmt.Errorf("%w: %s", model.ErrUnknownNotification, id)
	}
	delete(m.items, id)
	return p, nil
}

func (m *memPending) ListPendingNotifications(context.Context) ([]model.PendingNotification, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.PendingNotification, 0, len(m.items))
	for _, p := range m.items {
		out = append(out, p)
	}
	return out, nil
}

func (m *memPending) DeleteExpiredNotifications(_ context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, p := range m.items {
		if p.Expired(now) {
			delete(m.items, id)
			n++
		}
	}
	return n, nil
}

type notifierLog struct {
	posted []model.PendingNotification
}

func (n *notifierLog) PostNotification(_ context.Context, p model.PendingNotification) error {
	n.posted = append(n.posted, p)
	return nil
}

type dispatcherFixture struct {
	clock    *clock.Mock
	bus      *eventbus.Bus
	store    *memPending
	notifier *notifierLog
	shown    []model.FireSituation
	d        *Dispatcher
}

func newFixture(t *testing.T, cfg DispatcherConfig) *dispatcherFixture {
	t.Helper()
	f := &dispatcherFixture{
		clock:    clock.NewMock(),
		store:    newMemPending(),
		notifier: &notifierLog{},
	}
	f.bus = eventbus.New(eventbus.WithClock(f.clock))
	p := NewPipeline(f.bus, nil, nil)
	p.SetContentHandler(model.ContentAlert, ContentHandlerFunc(func(_ model.Action, s model.FireSituation) bool {
		f.shown = append(f.shown, s)
		return true
	}))
	f.d = NewDispatcher(p, f.bus, f.store, f.notifier, f.clock, cfg, nil, nil)
	return f
}

func transition(typ region.TransitionType, kind model.RegionKind, id string) region.Transition {
	return region.Transition{Type: typ, Region: region.Snapshot{ID: id, Kind: kind}}
}

func welcome(t *testing.T) model.Action {
	t.Helper()
	a, err := model.NewAction("welcome", "Welcome", "Hello there", model.ContentAlert)
	require.NoError(t, err)
	return a.WithBackgroundAlert("Welcome back")
}

func TestDispatcher_FiresOnMatchingTransition(t *testing.T) {
	f := newFixture(t, DispatcherConfig{})
	require.NoError(t, f.d.Bind(Experience{ID: "E1", Key: "Zone:Z1", On: OnEnter, Action: welcome(t)}))

	f.bus.Publish("Zone:Z1", transition(region.TransitionExit, model.KindZone, "Z1"))
	assert.Empty(t, f.shown, "exit does not fire an enter experience")

	f.bus.Publish("Zone:Z1", transition(region.TransitionEnter, model.KindZone, "Z1"))
	assert.Equal(t, []model.FireSituation{model.FiredByProximity}, f.shown)

	f.bus.Publish("Zone:Z1", "not a transition")
	assert.Len(t, f.shown, 1)
}

func TestDispatcher_BindValidationAndRebind(t *testing.T) {
	f := newFixture(t, DispatcherConfig{})

	assert.ErrorIs(t, f.d.Bind(Experience{Key: "Zone:Z1", On: OnEnter, Action: welcome(t)}), model.ErrInvalidArgument)
	assert.ErrorIs(t, f.d.Bind(Experience{ID: "E", Key: "Zone:Z1", On: "dwell", Action: welcome(t)}), model.ErrInvalidArgument)
	assert.ErrorIs(t, f.d.Bind(Experience{ID: "E", Key: "Zone:Z1", On: OnEnter}), model.ErrInvalidArgument)

	require.NoError(t, f.d.Bind(Experience{ID: "E", Key: "Zone:Z1", On: OnEnter, Action: welcome(t)}))
	require.NoError(t, f.d.Bind(Experience{ID: "E", Key: "Place:P1", On: OnEnter, Action: welcome(t)}))
	assert.Empty(t, f.bus.Subscriptions("Zone:Z1"))
	assert.Len(t, f.bus.Subscriptions("Place:P1"), 1)
	assert.Len(t, f.d.Experiences(), 1)

	f.d.Unbind("E")
	assert.Empty(t, f.bus.Subscriptions("Place:P1"))
	assert.Empty(t, f.d.Experiences())
}

func TestDispatcher_Cooldown(t *testing.T) {
	f := newFixture(t, DispatcherConfig{Cooldown: time.Minute})
	f.clock.Add(time.Hour)

	assert.Equal(t, StageDelivered, f.d.Trigger(welcome(t)).Stage)
	f.clock.Add(30 * time.Second)
	assert.Equal(t, StageCooldown, f.d.Trigger(welcome(t)).Stage)
	f.clock.Add(30 * time.Second)
	assert.Equal(t, StageDelivered, f.d.Trigger(welcome(t)).Stage)
	assert.Len(t, f.shown, 2)
}

func TestDispatcher_BackgroundParksThenClickFires(t *testing.T) {
	f := newFixture(t, DispatcherConfig{PendingTTL: time.Hour})
	f.d.SetForeground(false)

	out := f.d.Trigger(welcome(t))
	assert.Equal(t, StageNotified, out.Stage)
	assert.Empty(t, f.shown, "pipeline does not run in background")
	require.Len(t, f.notifier.posted, 1)
	posted := f.notifier.posted[0]
	assert.Equal(t, "Welcome back", posted.Alert)
	assert.Equal(t, f.clock.Now().Add(time.Hour), posted.ExpiresAt)

	pending, err := f.d.PendingNotifications(context.Background())
	require.NoError(t, err)
	require.Len(t, pending, 1)

	f.d.SetForeground(true)
	out, err = f.d.HandleNotificationClick(context.Background(), posted.ID)
	require.NoError(t, err)
	assert.True(t, out.Delivered())
	assert.Equal(t, []model.FireSituation{model.FiredByPushClicked}, f.shown)

	_, err = f.d.HandleNotificationClick(context.Background(), posted.ID)
	assert.ErrorIs(t, err, model.ErrUnknownNotification, "a click consumes the notification")
}

func TestDispatcher_BackgroundWithoutAlertIsSuppressed(t *testing.T) {
	f := newFixture(t, DispatcherConfig{})
	f.d.SetForeground(false)

	a, err := model.NewAction("silent", "", "content", model.ContentAlert)
	require.NoError(t, err)
	assert.Equal(t, StageSuppressed, f.d.Trigger(a).Stage)
	assert.Empty(t, f.notifier.posted)
}

func TestDispatcher_ExpiredClick(t *testing.T) {
	f := newFixture(t, DispatcherConfig{PendingTTL: time.Minute})
	f.d.SetForeground(false)
	f.d.Trigger(welcome(t))
	require.Len(t, f.notifier.posted, 1)

	f.clock.Add(2 * time.Minute)
	_, err := f.d.HandleNotificationClick(context.Background(), f.notifier.posted[0].ID)
	assert.ErrorIs(t, err, model.ErrNotificationExpired)
	assert.Empty(t, f.shown)

	_, err = f.d.HandleNotificationClick(context.Background(), "")
	assert.ErrorIs(t, err, model.ErrInvalidArgument)
}

func TestDispatcher_PurgeExpired(t *testing.T) {
	f := newFixture(t, DispatcherConfig{PendingTTL: time.Minute})
	f.d.SetForeground(false)
	f.d.Trigger(welcome(t))
	f.clock.Add(30 * time.Second)
	f.d.Trigger(welcome(t))

	f.clock.Add(45 * time.Second)
	n, err := f.d.PurgeExpired(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	pending, err := f.d.PendingNotifications(context.Background())
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}
