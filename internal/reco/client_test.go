package reco

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"proximity/go-engine/internal/eventbus"
	"proximity/go-engine/internal/model"
)

const (
	waitFor = time.Second
	tick    = 5 * time.Millisecond
)

type fakeTransport struct {
	mu    sync.Mutex
	reqs  []Request
	items []model.RecoItem
	err   error
	gate  chan struct{}
}

func (f *fakeTransport) Sync(ctx context.Context, req Request) (Response, error) {
	f.mu.Lock()
	f.reqs = append(f.reqs, req)
	gate, items, err := f.gate, slices.Clone(f.items), f.err
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return Response{}, ctx.Err()
		}
	}
	if err != nil {
		return Response{}, err
	}
	return Response{Items: items}, nil
}

func (f *fakeTransport) hold() chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gate = make(chan struct{})
	return f.gate
}

func (f *fakeTransport) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.reqs)
}

func (f *fakeTransport) last() Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reqs[len(f.reqs)-1]
}

type memStore struct {
	mu     sync.Mutex
	states map[string]State
}

func newMemStore() *memStore {
	return &memStore{states: make(map[string]State)}
}

func (m *memStore) LoadRecoState(_ context.Context, category, userID string) (State, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[category+"/"+userID]
	return st.Clone(), ok, nil
}

func (m *memStore) SaveRecoState(_ context.Context, st State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[st.Category+"/"+st.UserID] = st.Clone()
	return nil
}

func (m *memStore) get(category, userID string) (State, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[category+"/"+userID]
	return st, ok
}

type fixture struct {
	clock *clock.Mock
	bus   *eventbus.Bus
	tr    *fakeTransport
	svc   *Service
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		clock: clock.NewMock(),
		tr: &fakeTransport{items: []model.RecoItem{
			{ItemID: "a", Score: 0.5},
			{ItemID: "b", Score: 0.9},
			{ItemID: "c", Score: 0.7},
		}},
	}
	f.clock.Add(24 * time.Hour)
	f.bus = eventbus.New(eventbus.WithClock(f.clock))
	f.svc = NewService(f.bus, f.tr, append([]Option{WithClock(f.clock)}, opts...)...)
	require.NoError(t, f.svc.Start())
	t.Cleanup(f.svc.Close)
	return f
}

func (f *fixture) synced(t *testing.T, category string) *Client {
	t.Helper()
	c, err := f.svc.CreateClient(context.Background(), category)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return !c.LastSync().IsZero() }, waitFor, tick)
	return c
}

func TestClient_RecommendationsNeverBlock(t *testing.T) {
	f := newFixture(t)
	gate := f.tr.hold()

	c, err := f.svc.CreateClient(context.Background(), "shoes")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return f.tr.calls() == 1 }, waitFor, tick)

	assert.Empty(t, c.Recommendations(5), "nothing cached while the first sync is in flight")
	assert.Empty(t, c.Recommendations(0))

	close(gate)
	require.Eventually(t, func() bool { return len(c.Recommendations(5)) == 3 }, waitFor, tick)
	assert.Equal(t, []string{"b", "c"}, ids(c.Recommendations(2)))
}

func TestClient_SyncAppliesListsAndNotifies(t *testing.T) {
	f := newFixture(t)
	gate := f.tr.hold()

	c, err := f.svc.CreateClient(context.Background(), "shoes")
	require.NoError(t, err)

	updates := make(chan []model.RecoItem, 4)
	c.OnUpdate(func(_ *Client, items []model.RecoItem) { updates <- items })
	require.NoError(t, c.BlackList().Add("c"))
	require.NoError(t, c.BoostList().Add("a", 3))

	close(gate)
	select {
	case items := <-updates:
		assert.Equal(t, []string{"a", "b"}, ids(items))
	case <-time.After(waitFor):
		t.Fatal("update delegate not called")
	}
	assert.Equal(t, []string{"a", "b"}, ids(c.Recommendations(5)))

	req := f.tr.last()
	assert.Equal(t, "shoes", req.Category)
	assert.True(t, req.Anonymous)
	assert.Equal(t, MethodItemSimilarity, req.Method)
	assert.Equal(t, DefaultMaxRecommendations, req.MaxResults)
}

func TestClient_RateLimitDefersRefresh(t *testing.T) {
	f := newFixture(t)
	c := f.synced(t, "shoes")
	require.Equal(t, 1, f.tr.calls())

	f.clock.Add(10 * time.Minute)
	f.bus.Publish(model.TopicAppForeground, nil)
	f.bus.Publish(model.TopicNetworkRestored, nil)
	assert.True(t, c.Deferred())
	assert.Equal(t, 1, f.tr.calls(), "triggers inside the interval do not sync")

	f.clock.Add(50 * time.Minute)
	require.Eventually(t, func() bool { return f.tr.calls() == 2 }, waitFor, tick)
	require.Eventually(t, func() bool { return c.LastSync().Equal(f.clock.Now()) }, waitFor, tick)
	assert.False(t, c.Deferred())

	f.clock.Add(2 * time.Hour)
	f.bus.Publish(model.TopicLocationSignificant, nil)
	require.Eventually(t, func() bool { return f.tr.calls() == 3 }, waitFor, tick)
}

func TestClient_UpdateAsyncIgnoresRateLimit(t *testing.T) {
	f := newFixture(t)
	c := f.synced(t, "shoes")

	f.clock.Add(time.Minute)
	require.NoError(t, c.UpdateAsync())
	require.Eventually(t, func() bool { return f.tr.calls() == 2 }, waitFor, tick)
}

func TestClient_UserChangeBypassesRateLimit(t *testing.T) {
	store := newMemStore()
	f := newFixture(t, WithStore(store))
	c := f.synced(t, "shoes")
	require.NoError(t, c.WhiteList().Add("b"))

	changes := make(chan model.UserChange, 2)
	require.NoError(t, f.bus.Subscribe("observer", model.TopicUserChanged, eventbus.NoPriority, func(ev eventbus.Event) {
		changes <- ev.Payload.(model.UserChange)
	}))
	var rebound []string
	var mu sync.Mutex
	c.OnUserChange(func(_ *Client, userID string) {
		mu.Lock()
		defer mu.Unlock()
		rebound = append(rebound, userID)
	})

	f.clock.Add(time.Minute)
	gate := f.tr.hold()
	require.NoError(t, f.svc.SetUser(context.Background(), "alice"))

	assert.Equal(t, "alice", c.UserID())
	assert.True(t, c.LoggedIn())
	assert.Empty(t, c.Recommendations(5), "cache belongs to the previous user")
	assert.True(t, c.WhiteList().Empty())
	require.Eventually(t, func() bool { return f.tr.calls() == 2 }, waitFor, tick)
	assert.Equal(t, "alice", f.tr.last().UserID)
	assert.False(t, f.tr.last().Anonymous)

	anon, ok := store.get("shoes", "")
	require.True(t, ok, "previous user's state is saved")
	assert.Equal(t, []string{"b"}, anon.WhiteList)
	assert.Len(t, anon.Items, 3)

	select {
	case ch := <-changes:
		assert.Equal(t, model.UserChange{Previous: "", Current: "alice"}, ch)
	case <-time.After(waitFor):
		t.Fatal("user change not announced")
	}
	mu.Lock()
	assert.Equal(t, []string{"alice"}, rebound)
	mu.Unlock()

	require.NoError(t, f.svc.SetUser(context.Background(), "alice"))
	assert.Equal(t, 2, f.tr.calls(), "same user is a no-op")

	close(gate)
	require.Eventually(t, func() bool { return len(c.Recommendations(5)) == 3 }, waitFor, tick)

	require.NoError(t, f.svc.SetUser(context.Background(), ""))
	assert.False(t, c.LoggedIn())
	assert.Equal(t, []string{"b"}, c.WhiteList().Items(), "anonymous state is restored")
}

func TestClient_UserChangedTopicRebinds(t *testing.T) {
	f := newFixture(t)
	c := f.synced(t, "shoes")

	f.bus.Publish(model.TopicUserChanged, model.UserChange{Current: "bob"})
	assert.Equal(t, "bob", f.svc.UserID())
	assert.Equal(t, "bob", c.UserID())
	require.Eventually(t, func() bool { return f.tr.calls() == 2 }, waitFor, tick)
}

// queuedPublisher holds publishes until flush, like a publisher that hands them to
// another goroutine.
type queuedPublisher struct {
	bus     *eventbus.Bus
	mu      sync.Mutex
	pending []eventbus.Event
}

func (q *queuedPublisher) Publish(key string, payload any) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending = append(q.pending, eventbus.Event{Key: key, Payload: payload})
	return 0
}

func (q *queuedPublisher) flush() int {
	n := 0
	for {
		q.mu.Lock()
		if len(q.pending) == 0 {
			q.mu.Unlock()
			return n
		}
		ev := q.pending[0]
		q.pending = q.pending[1:]
		q.mu.Unlock()
		q.bus.Publish(ev.Key, ev.Payload)
		n++
	}
}

func TestService_OwnUserChangesAreNotReapplied(t *testing.T) {
	pub := &queuedPublisher{}
	f := newFixture(t, WithPublisher(pub))
	pub.bus = f.bus
	c := f.synced(t, "shoes")

	require.NoError(t, f.svc.SetUser(context.Background(), "bob"))
	require.NoError(t, f.svc.SetUser(context.Background(), "carol"))
	require.Eventually(t, func() bool { return f.tr.calls() == 3 }, waitFor, tick)

	assert.Equal(t, 2, pub.flush(), "both announcements are delivered late")
	assert.Zero(t, pub.flush(), "late announcements are not re-announced")
	assert.Equal(t, "carol", f.svc.UserID())
	assert.Equal(t, "carol", c.UserID())

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 3, f.tr.calls(), "no extra syncs from stale announcements")
}

func TestService_StaleExternalUserChangeIgnored(t *testing.T) {
	f := newFixture(t)
	f.synced(t, "shoes")

	f.bus.Publish(model.TopicUserChanged, model.UserChange{Previous: "", Current: "bob"})
	require.Equal(t, "bob", f.svc.UserID())

	f.bus.Publish(model.TopicUserChanged, model.UserChange{Previous: "alice", Current: "dave"})
	assert.Equal(t, "bob", f.svc.UserID(), "change from a user that is not current")
}

func TestClient_CloseCancelsDeferredRefresh(t *testing.T) {
	f := newFixture(t)
	c := f.synced(t, "shoes")

	closed := 0
	c.OnClose(func(*Client) { closed++ })

	f.clock.Add(time.Minute)
	f.svc.RefreshAll()
	require.True(t, c.Deferred())

	assert.True(t, f.svc.CloseClient("shoes"))
	assert.True(t, c.Closed())
	assert.False(t, c.Deferred())

	f.clock.Add(2 * time.Hour)
	assert.Never(t, func() bool { return f.tr.calls() > 1 }, 50*time.Millisecond, tick)

	assert.ErrorIs(t, c.TrackView("a", true), ErrClientClosed)
	assert.ErrorIs(t, c.UpdateAsync(), ErrClientClosed)
	c.Close()
	assert.Equal(t, 1, closed)

	_, ok := f.svc.Client("shoes")
	assert.False(t, ok)
	assert.Empty(t, f.bus.Subscriptions(model.RecoUpdatedTopic("shoes")))
}

func TestClient_CloseCancelsInflightSync(t *testing.T) {
	f := newFixture(t)
	f.tr.hold()

	c, err := f.svc.CreateClient(context.Background(), "shoes")
	require.NoError(t, err)
	failed := make(chan error, 1)
	c.OnFailure(func(_ *Client, err error) { failed <- err })
	require.Eventually(t, func() bool { return f.tr.calls() == 1 }, waitFor, tick)

	c.Close()
	c.wait()
	assert.Empty(t, failed, "a cancelled sync is not a failure")
	assert.True(t, c.LastSync().IsZero())
}

func TestClient_TrackEventsRideTheNextSync(t *testing.T) {
	f := newFixture(t)
	c := f.synced(t, "shoes")

	assert.ErrorIs(t, c.TrackView("", false), model.ErrInvalidArgument)
	assert.ErrorIs(t, c.TrackLike("  ", true), model.ErrInvalidArgument)
	assert.ErrorIs(t, c.TrackBuy("", 1, 10, false), model.ErrInvalidArgument)
	assert.ErrorIs(t, c.TrackBuy("a", 0, 10, false), model.ErrInvalidArgument)

	require.NoError(t, c.TrackView("a", true))
	require.NoError(t, c.TrackBuy("b", 2, 19.5, false))
	events := c.PendingEvents()
	require.Len(t, events, 2)
	assert.Equal(t, TrackBuy, events[1].Kind)
	assert.Equal(t, 2, events[1].Count)
	assert.NotEmpty(t, events[0].ID)

	require.NoError(t, c.UpdateAsync())
	require.Eventually(t, func() bool { return f.tr.calls() == 2 }, waitFor, tick)
	assert.Len(t, f.tr.last().Events, 2)
	require.Eventually(t, func() bool { return len(c.PendingEvents()) == 0 }, waitFor, tick)
}

func TestClient_FailureKeepsEventsAndRateLimit(t *testing.T) {
	f := newFixture(t)
	gate := f.tr.hold()
	f.tr.err = errors.New("recommender unavailable")

	c, err := f.svc.CreateClient(context.Background(), "shoes")
	require.NoError(t, err)
	failed := make(chan error, 1)
	c.OnFailure(func(_ *Client, err error) { failed <- err })
	require.NoError(t, c.TrackLike("a", true))

	close(gate)
	select {
	case err := <-failed:
		assert.EqualError(t, err, "recommender unavailable")
	case <-time.After(waitFor):
		t.Fatal("failure delegate not called")
	}

	assert.Len(t, c.PendingEvents(), 1)
	assert.Empty(t, c.Recommendations(5))

	f.svc.RefreshAll()
	assert.True(t, c.Deferred(), "a failed attempt still counts against the interval")
}

func TestClient_PersistedStateLoadsWithoutSync(t *testing.T) {
	store := newMemStore()
	f := newFixture(t, WithStore(store))

	st := NewState("shoes", "", DefaultSettings())
	st.Items = []model.RecoItem{{ItemID: "x", Score: 1}}
	st.LastSync = f.clock.Now().Add(-10 * time.Minute)
	require.NoError(t, store.SaveRecoState(context.Background(), st))

	c, err := f.svc.CreateClient(context.Background(), "shoes")
	require.NoError(t, err)
	assert.Equal(t, []string{"x"}, ids(c.Recommendations(5)))
	assert.True(t, c.Deferred())
	assert.Zero(t, f.tr.calls())

	again, err := f.svc.CreateClient(context.Background(), "shoes")
	require.NoError(t, err)
	assert.Same(t, c, again)
}

func TestClient_SettingsAndLists(t *testing.T) {
	f := newFixture(t)
	c := f.synced(t, "shoes")

	assert.ErrorIs(t, c.SetMaxRecommendations(0), model.ErrInvalidArgument)
	assert.ErrorIs(t, c.SetMinUpdateInterval(-time.Second), model.ErrInvalidArgument)
	require.NoError(t, c.SetMaxRecommendations(1))
	c.SetMethod(MethodTopTrends)
	c.SetResolve(true)
	c.SetFilters(Filters{Location: true})

	s := c.Settings()
	assert.Equal(t, 1, s.MaxRecommendations)
	assert.Equal(t, MethodTopTrends, s.Method)
	assert.True(t, s.Resolve)
	assert.True(t, s.Filters.Location)
	assert.Len(t, c.Recommendations(5), 1)

	assert.ErrorIs(t, c.WhiteList().Add(""), model.ErrInvalidArgument)
	require.NoError(t, c.WhiteList().Add("a"))
	require.NoError(t, c.WhiteList().Add("a"))
	assert.Equal(t, 1, c.WhiteList().Size())
	assert.True(t, c.WhiteList().Contains("a"))
	assert.True(t, c.WhiteList().Remove("a"))
	assert.False(t, c.WhiteList().Remove("a"))

	assert.ErrorIs(t, c.BoostList().Add("a", 0), model.ErrInvalidArgument)
	require.NoError(t, c.BoostList().Add("a", 1.5))
	b, ok := c.BoostList().Boost("a")
	require.True(t, ok)
	assert.Equal(t, 1.5, b)
	c.BoostList().Clear()
	assert.True(t, c.BoostList().Empty())
}

func TestService_Validation(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.CreateClient(context.Background(), " ")
	assert.ErrorIs(t, err, model.ErrInvalidArgument)

	f.synced(t, "shoes")
	f.synced(t, "bags")
	clients := f.svc.Clients()
	require.Len(t, clients, 2)
	assert.Equal(t, "bags", clients[0].Category())

	f.svc.Close()
	assert.True(t, clients[0].Closed())
	_, err = f.svc.CreateClient(context.Background(), "hats")
	assert.ErrorIs(t, err, ErrClientClosed)
	assert.ErrorIs(t, f.svc.SetUser(context.Background(), "x"), ErrClientClosed)
}
