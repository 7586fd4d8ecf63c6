package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"proximity/go-engine/internal/action"
	"proximity/go-engine/internal/eventbus"
	"proximity/go-engine/internal/metrics"
	"proximity/go-engine/internal/model"
	"proximity/go-engine/internal/reco"
	"proximity/go-engine/internal/region"
)

const (
	waitFor = time.Second
	tick    = 5 * time.Millisecond
)

type journal struct {
	mu      sync.Mutex
	entries []string
	loaded  int
}

func (j *journal) add(s string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append(j.entries, s)
}

func (j *journal) snapshot() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.entries...)
}

func (j *journal) RegionEntered(r region.Snapshot) { j.add("enter " + r.Key()) }
func (j *journal) RegionExited(r region.Snapshot)  { j.add("exit " + r.Key()) }
func (j *journal) ProximityChanged(b region.Snapshot, from, to model.Proximity) {
	j.add("proximity " + b.ID + " " + from.String() + "->" + to.String())
}
func (j *journal) RegistryLoaded(regions []region.Snapshot) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.loaded = len(regions)
}

type enterOnly struct{ j *journal }

func (d enterOnly) RegionEntered(r region.Snapshot) { d.j.add("only " + r.Key()) }

type panicky struct{}

func (panicky) RegionEntered(region.Snapshot) { panic("delegate bug") }

type sink struct {
	mu     sync.Mutex
	errors []model.IngestionError
	tags   map[string]string
}

func (s *sink) InsertIngestionError(_ context.Context, e model.IngestionError) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errors = append(s.errors, e)
	return nil
}

func (s *sink) UpsertUserTag(_ context.Context, tag, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tags == nil {
		s.tags = make(map[string]string)
	}
	s.tags[tag] = value
	return nil
}

func (s *sink) snapshot() ([]model.IngestionError, map[string]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tags := make(map[string]string, len(s.tags))
	for k, v := range s.tags {
		tags[k] = v
	}
	return append([]model.IngestionError(nil), s.errors...), tags
}

type fixture struct {
	clock   *clock.Mock
	eng     *Engine
	journal *journal
	sink    *sink
	metrics *metrics.Metrics
	promReg *prometheus.Registry
	cancel  context.CancelFunc
	done    chan error
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	reg, err := region.NewRegistry(region.Definition{
		Beacons: []region.BeaconDef{{ID: "B1", Provider: "ibeacon"}},
		Zones:   []region.ZoneDef{{ID: "Z1", Beacons: []string{"B1"}}},
		Places:  []region.PlaceDef{{ID: "P1", Zones: []string{"Z1"}}},
	})
	require.NoError(t, err)

	f := &fixture{
		clock:   clock.NewMock(),
		journal: &journal{},
		sink:    &sink{},
		metrics: metrics.NewMetrics(),
		promReg: prometheus.NewRegistry(),
		done:    make(chan error, 1),
	}
	f.clock.Add(time.Hour)
	require.NoError(t, f.metrics.Register(f.promReg))

	f.eng, err = New(reg, Config{GraceWindow: 10 * time.Second},
		WithClock(f.clock),
		WithMetrics(f.metrics),
		WithErrorSink(f.sink),
		WithTagStore(f.sink),
	)
	require.NoError(t, err)
	require.NoError(t, f.eng.AddDelegate("journal", f.journal))
	return f
}

func (f *fixture) start(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	f.cancel = cancel
	go func() { f.done <- f.eng.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-f.done:
		case <-time.After(waitFor):
			t.Error("engine did not stop")
		}
	})
}

func (f *fixture) sync(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	require.NoError(t, f.eng.Do(ctx, func() {}))
}

func (f *fixture) assertCounter(t *testing.T, name, help, label, value string) {
	t.Helper()
	expected := fmt.Sprintf("# HELP %[1]s %[2]s\n# TYPE %[1]s counter\n%[1]s{%[3]s=%[4]q} 1\n", name, help, label, value)
	assert.NoError(t, testutil.GatherAndCompare(f.promReg, strings.NewReader(expected), name))
}

// signal ingests an observation and waits for the engine to process it, so the grace
// window is timed from the current mock time.
func (f *fixture) signal(t *testing.T, id string, p model.Proximity) {
	t.Helper()
	f.observe(t, model.Observation{RegionID: id, Proximity: p, Provider: "ibeacon"})
}

func (f *fixture) observe(t *testing.T, obs model.Observation) {
	t.Helper()
	require.NoError(t, f.eng.Ingest(obs))
	f.sync(t)
}

func TestEngine_EnterPropagatesToAncestors(t *testing.T) {
	f := newFixture(t)

	var mu sync.Mutex
	var keys []string
	for _, key := range []string{"Beacon:B1", "Zone:Z1", "Place:P1"} {
		require.NoError(t, f.eng.Bus().Subscribe("observer", key, eventbus.NoPriority, func(ev eventbus.Event) {
			tr := ev.Payload.(region.Transition)
			mu.Lock()
			keys = append(keys, ev.Key+" "+tr.Type.String())
			mu.Unlock()
		}))
	}
	f.start(t)

	f.signal(t, "B1", model.ProximityNear)
	f.sync(t)

	mu.Lock()
	assert.Equal(t, []string{"Beacon:B1 proximity", "Beacon:B1 enter", "Zone:Z1 enter", "Place:P1 enter"}, keys)
	mu.Unlock()
	assert.Equal(t, []string{
		"proximity B1 unknown->near",
		"enter Beacon:B1",
		"enter Zone:Z1",
		"enter Place:P1",
	}, f.journal.snapshot())
	f.assertCounter(t, metrics.MetricSignalsTotal, "Raw presence observations accepted by the engine, by provider", "provider", "ibeacon")
}

func TestEngine_GraceExpiryCommitsExit(t *testing.T) {
	f := newFixture(t)
	f.start(t)

	f.signal(t, "B1", model.ProximityNear)
	f.clock.Add(time.Second)
	f.signal(t, "B1", model.ProximityFar)

	n, err := f.eng.PendingExits(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.NotContains(t, f.journal.snapshot(), "exit Beacon:B1", "exit waits out the grace window")

	f.clock.Add(8 * time.Second)
	f.sync(t)
	assert.NotContains(t, f.journal.snapshot(), "exit Beacon:B1")

	f.clock.Add(time.Second)
	require.Eventually(t, func() bool {
		got := f.journal.snapshot()
		return len(got) >= 3 && got[len(got)-1] == "exit Place:P1"
	}, waitFor, tick)

	got := f.journal.snapshot()
	assert.Equal(t, []string{"exit Beacon:B1", "exit Zone:Z1", "exit Place:P1"}, got[len(got)-3:])
	n, err = f.eng.PendingExits(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestEngine_GraceWindowIgnoresProviderClockSkew(t *testing.T) {
	tests := []struct {
		name string
		skew time.Duration
	}{
		{"provider behind", -time.Minute},
		{"provider ahead", time.Minute},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.start(t)

			at := func() time.Time { return f.clock.Now().Add(tt.skew) }
			f.observe(t, model.Observation{RegionID: "B1", Proximity: model.ProximityNear, Provider: "ibeacon", Timestamp: at()})
			f.clock.Add(time.Second)
			f.observe(t, model.Observation{RegionID: "B1", Proximity: model.ProximityFar, Provider: "ibeacon", Timestamp: at()})

			f.clock.Add(8 * time.Second)
			f.sync(t)
			assert.NotContains(t, f.journal.snapshot(), "exit Beacon:B1", "a single far reading is debounced")

			f.clock.Add(time.Second)
			require.Eventually(t, func() bool {
				got := f.journal.snapshot()
				return len(got) > 0 && got[len(got)-1] == "exit Place:P1"
			}, waitFor, tick, "exit commits when the window ends on the engine clock")
		})
	}
}

func TestEngine_ConfirmingSignalCancelsExit(t *testing.T) {
	f := newFixture(t)
	f.start(t)

	f.signal(t, "B1", model.ProximityNear)
	f.clock.Add(time.Second)
	f.signal(t, "B1", model.ProximityFar)
	f.clock.Add(time.Second)
	f.signal(t, "B1", model.ProximityImmediate)
	f.sync(t)

	f.clock.Add(time.Minute)
	f.sync(t)
	for _, entry := range f.journal.snapshot() {
		assert.NotContains(t, entry, "exit")
	}
}

func TestEngine_UnknownRegionRecorded(t *testing.T) {
	f := newFixture(t)
	f.start(t)

	f.signal(t, "B404", model.ProximityNear)
	f.sync(t)

	errs, _ := f.sink.snapshot()
	require.Len(t, errs, 1)
	assert.Equal(t, "B404", errs[0].RegionID)
	assert.Contains(t, errs[0].Error, "unknown region")
	assert.Contains(t, errs[0].Payload, `"region_id":"B404"`)
	f.assertCounter(t, metrics.MetricSignalsRejected, "Observations dropped before reaching the state machine, by reason", "reason", "unknown_region")

	assert.ErrorIs(t, f.eng.Ingest(model.Observation{}), model.ErrInvalidArgument)
}

func TestEngine_RegistryAnnouncedOnStart(t *testing.T) {
	f := newFixture(t)
	announced := make(chan int, 1)
	require.NoError(t, f.eng.Bus().Subscribe("observer", model.TopicRegistryUpdated, eventbus.NoPriority, func(ev eventbus.Event) {
		announced <- len(ev.Payload.([]region.Snapshot))
	}))
	f.start(t)

	select {
	case n := <-announced:
		assert.Equal(t, 3, n)
	case <-time.After(waitFor):
		t.Fatal("registry not announced")
	}
	f.sync(t)
	f.journal.mu.Lock()
	assert.Equal(t, 3, f.journal.loaded)
	f.journal.mu.Unlock()
}

func TestEngine_Delegates(t *testing.T) {
	f := newFixture(t)

	assert.ErrorIs(t, f.eng.AddDelegate("", f.journal), model.ErrInvalidArgument)
	assert.ErrorIs(t, f.eng.AddDelegate("nothing", struct{}{}), model.ErrInvalidArgument)
	require.NoError(t, f.eng.AddDelegate("bug", panicky{}))
	require.NoError(t, f.eng.AddDelegate("only", enterOnly{j: f.journal}))
	f.start(t)

	f.signal(t, "B1", model.ProximityNear)
	f.sync(t)
	assert.Contains(t, f.journal.snapshot(), "only Zone:Z1", "a panicking delegate does not stop the others")

	f.eng.RemoveDelegate("only")
	f.clock.Add(time.Second)
	f.signal(t, "B1", model.ProximityFar)
	f.clock.Add(10 * time.Second)
	f.signal(t, "B1", model.ProximityNear)
	f.sync(t)

	count := 0
	for _, entry := range f.journal.snapshot() {
		if entry == "only Zone:Z1" {
			count++
		}
	}
	assert.Equal(t, 1, count)
}

func TestEngine_BufferedPublishRunsOnEngine(t *testing.T) {
	f := newFixture(t)
	got := make(chan any, 4)
	require.NoError(t, f.eng.Bus().Subscribe("observer", "Location:significant", eventbus.NoPriority, func(ev eventbus.Event) {
		got <- ev.Payload
	}))
	f.start(t)

	for i := 1; i <= 3; i++ {
		f.eng.Bus().PublishBuffered("Location:significant", i, time.Second)
	}
	f.clock.Add(time.Second)

	select {
	case v := <-got:
		assert.Equal(t, 3, v)
	case <-time.After(waitFor):
		t.Fatal("buffered publish not delivered")
	}
	f.sync(t)
	assert.Empty(t, got)
}

func TestEngine_BackgroundNotificationClick(t *testing.T) {
	f := newFixture(t)
	pending := newPendingStore()
	posted := make(chan model.PendingNotification, 1)

	var shown []model.FireSituation
	p := action.NewPipeline(f.eng.Bus(), nil, nil)
	p.SetContentHandler(model.ContentAlert, action.ContentHandlerFunc(func(_ model.Action, s model.FireSituation) bool {
		shown = append(shown, s)
		return true
	}))
	d := action.NewDispatcher(p, f.eng.Bus(), pending, notifierFunc(func(n model.PendingNotification) { posted <- n }), f.clock, action.DispatcherConfig{}, nil, nil)
	a, err := model.NewAction("hello", "Hi", "Welcome", model.ContentAlert)
	require.NoError(t, err)
	require.NoError(t, d.Bind(action.Experience{ID: "E1", Key: "Zone:Z1", On: action.OnEnter, Action: a.WithBackgroundAlert("Tap to open")}))
	f.eng.AttachDispatcher(d)

	foreground := make(chan struct{}, 1)
	require.NoError(t, f.eng.Bus().Subscribe("observer", model.TopicAppForeground, eventbus.NoPriority, func(eventbus.Event) {
		foreground <- struct{}{}
	}))
	f.start(t)

	require.NoError(t, f.eng.SetForeground(false))
	f.signal(t, "B1", model.ProximityNear)
	f.sync(t)

	var n model.PendingNotification
	select {
	case n = <-posted:
	case <-time.After(waitFor):
		t.Fatal("notification not posted")
	}
	assert.Empty(t, shown)

	require.NoError(t, f.eng.SetForeground(true))
	f.sync(t)
	assert.Len(t, foreground, 1)
	assert.True(t, f.eng.Foreground())

	out, err := f.eng.HandleNotificationClick(context.Background(), n.ID)
	require.NoError(t, err)
	assert.True(t, out.Delivered())
	assert.Equal(t, []model.FireSituation{model.FiredByPushClicked}, shown)
}

func TestEngine_TagActionPersistsProfile(t *testing.T) {
	f := newFixture(t)
	p := action.NewPipeline(f.eng.Bus(), nil, nil)
	d := action.NewDispatcher(p, f.eng.Bus(), nil, nil, f.clock, action.DispatcherConfig{}, nil, nil)
	a, err := model.NewAction("tag", "", "visited=hall", model.ContentTag)
	require.NoError(t, err)
	require.NoError(t, d.Bind(action.Experience{ID: "T1", Key: "Place:P1", On: action.OnEnter, Action: a}))
	f.eng.AttachDispatcher(d)
	f.start(t)

	f.signal(t, "B1", model.ProximityNear)
	f.sync(t)

	_, tags := f.sink.snapshot()
	assert.Equal(t, map[string]string{"visited": "hall"}, tags)
}

func TestEngine_StopRejectsWork(t *testing.T) {
	f := newFixture(t)
	f.start(t)
	f.sync(t)

	f.eng.Stop()
	select {
	case err := <-f.done:
		assert.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("engine did not stop")
	}
	f.done <- nil

	assert.ErrorIs(t, f.eng.Ingest(model.Observation{RegionID: "B1"}), ErrStopped)
	assert.ErrorIs(t, f.eng.PublishAsync("k", nil), ErrStopped)
	assert.Equal(t, 0, f.eng.Publisher().Publish("k", nil))
}

func TestEngine_RunTwice(t *testing.T) {
	f := newFixture(t)
	f.start(t)
	f.sync(t)
	assert.Error(t, f.eng.Run(context.Background()))
}

type pendingStore struct {
	mu    sync.Mutex
	items map[string]model.PendingNotification
}

func newPendingStore() *pendingStore {
	return &pendingStore{items: make(map[string]model.PendingNotification)}
}

func (s *pendingStore) SavePendingNotification(_ context.Context, p model.PendingNotification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[p.ID] = p
	return nil
}

func (s *pendingStore) TakePendingNotification(_ context.Context, id string) (model.PendingNotification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.items[id]
	if !ok {
		return model.PendingNotification{}, model.ErrUnknownNotification
	}
	delete(s.items, id)
	return p, nil
}

func (s *pendingStore) ListPendingNotifications(context.Context) ([]model.PendingNotification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.PendingNotification, 0, len(s.items))
	for _, p := range s.items {
		out = append(out, p)
	}
	return out, nil
}

func (s *pendingStore) DeleteExpiredNotifications(context.Context, time.Time) (int, error) {
	return 0, nil
}

type notifierFunc func(model.PendingNotification)

func (f notifierFunc) PostNotification(_ context.Context, p model.PendingNotification) error {
	f(p)
	return nil
}

type countingTransport struct {
	mu    sync.Mutex
	users []string
}

func (c *countingTransport) Sync(_ context.Context, req reco.Request) (reco.Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.users = append(c.users, req.UserID)
	return reco.Response{}, nil
}

func (c *countingTransport) calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.users)
}

func TestEngine_QueuedUserChangesSettle(t *testing.T) {
	f := newFixture(t)
	tr := &countingTransport{}
	svc := reco.NewService(f.eng.Bus(), tr, reco.WithPublisher(f.eng.Publisher()), reco.WithClock(f.clock))
	require.NoError(t, svc.Start())
	t.Cleanup(svc.Close)

	var mu sync.Mutex
	var announced []model.UserChange
	require.NoError(t, f.eng.Bus().Subscribe("observer", model.TopicUserChanged, eventbus.NoPriority, func(ev eventbus.Event) {
		mu.Lock()
		defer mu.Unlock()
		announced = append(announced, ev.Payload.(model.UserChange))
	}))

	c, err := svc.CreateClient(context.Background(), "shoes")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return tr.calls() == 1 }, waitFor, tick)

	require.NoError(t, svc.SetUser(context.Background(), "bob"))
	require.NoError(t, svc.SetUser(context.Background(), "carol"))
	f.start(t)
	f.sync(t)
	f.sync(t)

	assert.Equal(t, "carol", svc.UserID())
	assert.Equal(t, "carol", c.UserID())
	mu.Lock()
	assert.Equal(t, []model.UserChange{
		{Previous: "", Current: "bob"},
		{Previous: "bob", Current: "carol"},
	}, announced)
	mu.Unlock()

	require.Eventually(t, func() bool { return tr.calls() == 3 }, waitFor, tick)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 3, tr.calls(), "delivered announcements do not trigger more syncs")
}
