package eventbus

import (
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu    sync.Mutex
	calls []string
	loads []any
}

func (r *recorder) handler(name string) Handler {
	return func(ev Event) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.calls = append(r.calls, name)
		r.loads = append(r.loads, ev.Payload)
	}
}

func (r *recorder) snapshot() ([]string, []any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...), append([]any(nil), r.loads...)
}

func TestBus_PriorityOrderTiesLastInFirst(t *testing.T) {
	bus := New()
	rec := &recorder{}

	require.NoError(t, bus.Subscribe("A", "Zone:Z1", 2, rec.handler("A")))
	require.NoError(t, bus.Subscribe("B", "Zone:Z1", 2, rec.handler("B")))
	require.NoError(t, bus.Subscribe("C", "Zone:Z1", 5, rec.handler("C")))

	assert.Equal(t, 3, bus.Publish("Zone:Z1", nil))
	calls, _ := rec.snapshot()
	assert.Equal(t, []string{"B", "A", "C"}, calls)
}

func TestBus_NoPriorityAfterExplicitInSubscriptionOrder(t *testing.T) {
	bus := New()
	rec := &recorder{}

	require.NoError(t, bus.Subscribe("N1", "k", NoPriority, rec.handler("N1")))
	require.NoError(t, bus.Subscribe("P9", "k", 9, rec.handler("P9")))
	require.NoError(t, bus.Subscribe("N2", "k", -7, rec.handler("N2")))
	require.NoError(t, bus.Subscribe("P0", "k", 0, rec.handler("P0")))

	bus.Publish("k", nil)
	calls, _ := rec.snapshot()
	assert.Equal(t, []string{"P0", "P9", "N1", "N2"}, calls)
}

func TestBus_ResubscribeReplacesPriority(t *testing.T) {
	bus := New()
	rec := &recorder{}

	require.NoError(t, bus.Subscribe("A", "k", 1, rec.handler("A")))
	require.NoError(t, bus.Subscribe("B", "k", 1, rec.handler("B")))
	require.NoError(t, bus.Subscribe("A", "k", 1, rec.handler("A2")))

	subs := bus.Subscriptions("k")
	require.Len(t, subs, 2, "uniqueness is per subscriber and key")

	bus.Publish("k", nil)
	calls, _ := rec.snapshot()
	assert.Equal(t, []string{"A2", "B"}, calls)
}

func TestBus_SubscribeKeysDistinctTopics(t *testing.T) {
	bus := New()
	rec := &recorder{}

	require.NoError(t, bus.SubscribeKeys("S", []string{"Zone:Z1", "Place:P1"}, 3, rec.handler("S")))
	require.NoError(t, bus.Subscribe("S", "Label:vip", 0, rec.handler("S-label")))

	bus.Publish("Place:P1", 1)
	bus.Publish("Label:vip", 2)
	bus.Publish("Beacon:B1", 3)

	calls, loads := rec.snapshot()
	assert.Equal(t, []string{"S", "S-label"}, calls)
	assert.Equal(t, []any{1, 2}, loads)
}

func TestBus_SubscribeValidation(t *testing.T) {
	bus := New()
	assert.Error(t, bus.Subscribe("", "k", 0, func(Event) {}))
	assert.Error(t, bus.Subscribe("s", "k", 0, nil))
	assert.Error(t, bus.SubscribeKeys("s", []string{"a", ""}, 0, func(Event) {}))
	assert.Empty(t, bus.Subscriptions("a"), "no partial registration on error")
}

func TestBus_PanicIsolation(t *testing.T) {
	bus := New()
	rec := &recorder{}

	require.NoError(t, bus.Subscribe("first", "k", 0, rec.handler("first")))
	require.NoError(t, bus.Subscribe("boom", "k", 1, func(Event) { panic("subscriber failure") }))
	require.NoError(t, bus.Subscribe("last", "k", 2, rec.handler("last")))

	var delivered int
	require.NotPanics(t, func() { delivered = bus.Publish("k", nil) })
	assert.Equal(t, 2, delivered)

	calls, _ := rec.snapshot()
	assert.Equal(t, []string{"first", "last"}, calls)
}

func TestBus_UnsubscribeInsideCallback(t *testing.T) {
	bus := New()
	rec := &recorder{}

	require.NoError(t, bus.Subscribe("self", "k", 0, func(ev Event) {
		rec.handler("self")(ev)
		bus.Unsubscribe("self")
	}))
	require.NoError(t, bus.Subscribe("other", "k", 1, rec.handler("other")))

	require.NotPanics(t, func() { bus.Publish("k", nil) })
	calls, _ := rec.snapshot()
	assert.Equal(t, []string{"self", "other"}, calls, "remaining subscribers in the pass still run")

	bus.Publish("k", nil)
	calls, _ = rec.snapshot()
	assert.Equal(t, []string{"self", "other", "other"}, calls)
}

func TestBus_UnsubscribeLaterSubscriberDuringPass(t *testing.T) {
	bus := New()
	rec := &recorder{}

	require.NoError(t, bus.Subscribe("killer", "k", 0, func(Event) { bus.Unsubscribe("victim") }))
	require.NoError(t, bus.Subscribe("victim", "k", 1, rec.handler("victim")))

	bus.Publish("k", nil)
	bus.Publish("k", nil)

	calls, _ := rec.snapshot()
	assert.Equal(t, []string{"victim"}, calls, "the in-progress pass keeps its snapshot")
}

func TestBus_SubscribeInsideCallbackAppliesToNextPass(t *testing.T) {
	bus := New()
	rec := &recorder{}

	require.NoError(t, bus.Subscribe("outer", "k", 0, func(Event) {
		_ = bus.Subscribe("inner", "k", 0, rec.handler("inner"))
	}))

	bus.Publish("k", nil)
	calls, _ := rec.snapshot()
	assert.Empty(t, calls)

	bus.Publish("k", nil)
	calls, _ = rec.snapshot()
	assert.Equal(t, []string{"inner"}, calls)
}

func TestBus_BufferedCoalescesToLatest(t *testing.T) {
	mock := clock.NewMock()
	bus := New(WithClock(mock))
	rec := &recorder{}
	require.NoError(t, bus.Subscribe("S", "Profile:updated", 0, rec.handler("S")))

	const n = 5
	for i := 1; i <= n; i++ {
		bus.PublishBuffered("Profile:updated", i, time.Second)
		mock.Add(100 * time.Millisecond)
	}
	calls, _ := rec.snapshot()
	assert.Empty(t, calls, "nothing delivered while the window is open")
	assert.True(t, bus.Buffered("Profile:updated"))

	mock.Add(time.Second)

	require.Eventually(t, func() bool {
		calls, _ := rec.snapshot()
		return len(calls) == 1
	}, time.Second, 5*time.Millisecond)

	_, loads := rec.snapshot()
	assert.Equal(t, []any{n}, loads)
	assert.False(t, bus.Buffered("Profile:updated"))
}

func TestBus_BufferedFiresWithoutFurtherPublishes(t *testing.T) {
	mock := clock.NewMock()
	bus := New(WithClock(mock))
	rec := &recorder{}
	require.NoError(t, bus.Subscribe("S", "k", 0, rec.handler("S")))

	bus.PublishBuffered("k", "only", 500*time.Millisecond)
	mock.Add(500 * time.Millisecond)

	require.Eventually(t, func() bool {
		_, loads := rec.snapshot()
		return len(loads) == 1 && loads[0] == "only"
	}, time.Second, 5*time.Millisecond)

	// A later buffered publish opens a fresh window.
	bus.PublishBuffered("k", "again", 500*time.Millisecond)
	mock.Add(500 * time.Millisecond)
	require.Eventually(t, func() bool {
		calls, _ := rec.snapshot()
		return len(calls) == 2
	}, time.Second, 5*time.Millisecond)
}

func TestBus_BufferedUsesExecutor(t *testing.T) {
	mock := clock.NewMock()
	queued := make(chan func(), 1)
	bus := New(WithClock(mock), WithExecutor(func(fn func()) { queued <- fn }))
	rec := &recorder{}
	require.NoError(t, bus.Subscribe("S", "k", 0, rec.handler("S")))

	bus.PublishBuffered("k", 1, time.Second)
	mock.Add(time.Second)

	var fn func()
	select {
	case fn = <-queued:
	case <-time.After(time.Second):
		t.Fatal("flush was not handed to the executor")
	}
	calls, _ := rec.snapshot()
	assert.Empty(t, calls)

	fn()
	calls, _ = rec.snapshot()
	assert.Equal(t, []string{"S"}, calls)
}

func TestBus_ZeroWindowPublishesImmediately(t *testing.T) {
	bus := New()
	rec := &recorder{}
	require.NoError(t, bus.Subscribe("S", "k", 0, rec.handler("S")))

	bus.PublishBuffered("k", "now", 0)
	_, loads := rec.snapshot()
	assert.Equal(t, []any{"now"}, loads)
}

func TestBus_Clear(t *testing.T) {
	mock := clock.NewMock()
	bus := New(WithClock(mock))
	rec := &recorder{}
	require.NoError(t, bus.Subscribe("S", "k", 0, rec.handler("S")))

	bus.PublishBuffered("k", 1, time.Second)
	bus.Clear()
	mock.Add(2 * time.Second)
	time.Sleep(10 * time.Millisecond)

	assert.Equal(t, 0, bus.Publish("k", 2))
	assert.Empty(t, bus.Subscriptions("k"))
	calls, _ := rec.snapshot()
	assert.Empty(t, calls)
}
