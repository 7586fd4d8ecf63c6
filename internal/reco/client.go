package reco

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"proximity/go-engine/internal/eventbus"
	"proximity/go-engine/internal/metrics"
	"proximity/go-engine/internal/model"
)

// ErrClientClosed is returned by calls on a closed client.
var ErrClientClosed = errors.New("reco client closed")

// maxPendingEvents caps tracked events waiting for a sync; the oldest are dropped first.
const maxPendingEvents = 500

// Publisher announces sync results. The engine routes these publishes through its queue.
type Publisher interface {
	Publish(key string, payload any) int
}

// StateStore persists client state per (category, user).
type StateStore interface {
	LoadRecoState(ctx context.Context, category, userID string) (State, bool, error)
	SaveRecoState(ctx context.Context, st State) error
}

// Update is the payload published on model.RecoUpdatedTopic after a successful sync.
type Update struct {
	Category string           `json:"category"`
	UserID   string           `json:"user_id,omitempty"`
	Items    []model.RecoItem `json:"items"`
}

// Delegate callbacks. Each is registered individually and may be left unset.
type (
	UpdateFunc     func(c *Client, items []model.RecoItem)
	UserChangeFunc func(c *Client, userID string)
	FailureFunc    func(c *Client, err error)
	CloseFunc      func(c *Client)
)

// Client keeps the recommendations of one category for the current user. It is Active
// from creation until Close, which is terminal.
type Client struct {
	category  string
	settings  Settings
	transport Transport
	store     StateStore
	pub       Publisher
	bus       *eventbus.Bus
	clock     clock.Clock
	logger    *slog.Logger
	metrics   *metrics.Metrics

	syncTimeout  time.Duration
	storeTimeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	syncs  sync.WaitGroup

	mu          sync.Mutex
	state       State
	closed      bool
	lastAttempt time.Time
	gen         uint64
	inflight    context.CancelFunc
	deferred    *clock.Timer
	deferGen    uint64

	onUpdate     UpdateFunc
	onUserChange UserChangeFunc
	onFailure    FailureFunc
	onClose      CloseFunc
}

func newClient(s *Service, category string, st State) (*Client, error) {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		category:     category,
		settings:     s.settings,
		transport:    s.transport,
		store:        s.store,
		pub:          s.pub,
		bus:          s.bus,
		clock:        s.clock,
		logger:       s.logger.With("category", category),
		metrics:      s.metrics,
		syncTimeout:  s.syncTimeout,
		storeTimeout: s.storeTimeout,
		ctx:          ctx,
		cancel:       cancel,
		state:        st,
		lastAttempt:  st.LastSync,
	}

	err := s.bus.Subscribe(c.subscriberID(), model.RecoUpdatedTopic(category), eventbus.NoPriority, func(ev eventbus.Event) {
		u, ok := ev.Payload.(Update)
		if !ok {
			return
		}
		c.mu.Lock()
		fn := c.onUpdate
		c.mu.Unlock()
		if fn != nil {
			fn(c, u.Items)
		}
	})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("subscribe reco client %s: %w", category, err)
	}
	return c, nil
}

func (c *Client) subscriberID() string {
	return "reco:" + c.category
}

// Category returns the recommended item category.
func (c *Client) Category() string { return c.category }

// UserID returns the bound user; empty in anonymous mode.
func (c *Client) UserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.UserID
}

// LoggedIn reports whether a user is bound.
func (c *Client) LoggedIn() bool {
	return c.UserID() != ""
}

// Closed reports whether Close has been called.
func (c *Client) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// OnUpdate registers the update delegate. It observes the bus announcement.
func (c *Client) OnUpdate(fn UpdateFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onUpdate = fn
}

// OnUserChange registers the user change delegate.
func (c *Client) OnUserChange(fn UserChangeFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onUserChange = fn
}

// OnFailure registers the sync failure delegate.
func (c *Client) OnFailure(fn FailureFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onFailure = fn
}

// OnClose registers the close delegate.
func (c *Client) OnClose(fn CloseFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onClose = fn
}

// WhiteList returns the list of the only items that may be recommended. Empty permits all.
func (c *Client) WhiteList() ItemList { return ItemList{c: c, kind: whiteList} }

// BlackList returns the list of items excluded from recommendations.
func (c *Client) BlackList() ItemList { return ItemList{c: c, kind: blackList} }

// BoostList returns the per-item score multipliers.
func (c *Client) BoostList() BoostList { return BoostList{c: c} }

// Settings returns the current user's settings.
func (c *Client) Settings() Settings {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Settings{
		MaxRecommendations: c.state.MaxRecommendations,
		MinUpdateInterval:  c.state.MinUpdateInterval,
		Method:             c.state.Method,
		Resolve:            c.state.Resolve,
		Filters:            c.state.Filters,
	}
}

// SetMaxRecommendations bounds the cached list length.
func (c *Client) SetMaxRecommendations(n int) error {
	if n <= 0 {
		return fmt.Errorf("%w: max recommendations %d", model.ErrInvalidArgument, n)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state.MaxRecommendations = n
	return nil
}

// SetMinUpdateInterval sets the soft rate limit between syncs.
func (c *Client) SetMinUpdateInterval(d time.Duration) error {
	if d < 0 {
		return fmt.Errorf("%w: min update interval %s", model.ErrInvalidArgument, d)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state.MinUpdateInterval = d
	return nil
}

// SetMethod sets the preferred recommendation method.
func (c *Client) SetMethod(m Method) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state.Method = m
}

// SetResolve asks the recommender to include item names.
func (c *Client) SetResolve(resolve bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state.Resolve = resolve
}

// SetFilters sets the context filters.
func (c *Client) SetFilters(f Filters) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state.Filters = f
}

// Recommendations returns up to limit cached items in rank order. It never blocks on
// network I/O and returns an empty list before the first sync.
func (c *Client) Recommendations(limit int) []model.RecoItem {
	c.mu.Lock()
	ranked := c.state.Ranked()
	c.mu.Unlock()

	if limit <= 0 {
		return []model.RecoItem{}
	}
	if len(ranked) > limit {
		ranked = ranked[:limit]
	}
	return ranked
}

// LastSync returns when the cache was last refreshed.
func (c *Client) LastSync() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.LastSync
}

// TrackView records that the user viewed an item.
func (c *Client) TrackView(itemID string, recommended bool) error {
	return c.track(TrackEvent{Kind: TrackView, ItemID: itemID, Recommended: recommended})
}

// TrackLike records that the user liked or unliked an item.
func (c *Client) TrackLike(itemID string, liked bool) error {
	return c.track(TrackEvent{Kind: TrackLike, ItemID: itemID, Liked: liked})
}

// TrackBuy records a purchase of count units at price each.
func (c *Client) TrackBuy(itemID string, count int, price float64, recommended bool) error {
	if count <= 0 {
		return fmt.Errorf("%w: buy count %d", model.ErrInvalidArgument, count)
	}
	return c.track(TrackEvent{Kind: TrackBuy, ItemID: itemID, Count: count, Price: price, Recommended: recommended})
}

func (c *Client) track(ev TrackEvent) error {
	if strings.TrimSpace(ev.ItemID) == "" {
		return fmt.Errorf("%w: empty item id", model.ErrInvalidArgument)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClientClosed
	}
	ev.ID = uuid.NewString()
	ev.At = c.clock.Now()
	c.state.Pending = append(c.state.Pending, ev)
	if over := len(c.state.Pending) - maxPendingEvents; over > 0 {
		c.state.Pending = slices.Delete(c.state.Pending, 0, over)
	}
	return nil
}

// PendingEvents returns tracked events not yet delivered by a sync.
func (c *Client) PendingEvents() []TrackEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.state.Pending)
}

// UpdateAsync starts a sync now, ignoring the rate limit. It does not wait for the result.
func (c *Client) UpdateAsync() error {
	return c.requestRefresh(true)
}

// requestRefresh starts a sync when the rate limit allows it, or schedules one for when it
// will. bypass skips the rate limit.
func (c *Client) requestRefresh(bypass bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClientClosed
	}

	now := c.clock.Now()
	interval := c.state.MinUpdateInterval
	if bypass || c.lastAttempt.IsZero() || now.Sub(c.lastAttempt) >= interval {
		c.startSyncLocked()
		return nil
	}
	if c.deferred != nil {
		return nil
	}

	wait := c.lastAttempt.Add(interval).Sub(now)
	c.deferGen++
	gen := c.deferGen
	c.deferred = c.clock.AfterFunc(wait, func() { c.fireDeferred(gen) })
	c.logger.Debug("reco refresh deferred", "wait", wait)
	return nil
}

// Deferred reports whether a rate-limited refresh is scheduled.
func (c *Client) Deferred() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.deferred != nil
}

func (c *Client) fireDeferred(gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.deferred == nil || gen != c.deferGen {
		return
	}
	c.deferred = nil
	if c.closed {
		return
	}
	c.startSyncLocked()
}

func (c *Client) stopDeferredLocked() {
	if c.deferred != nil {
		c.deferred.Stop()
		c.deferred = nil
	}
}

// startSyncLocked launches a sync unless one is already running, which already carries
// fresh state.
func (c *Client) startSyncLocked() {
	c.stopDeferredLocked()
	if c.inflight != nil {
		return
	}

	c.gen++
	gen := c.gen
	c.lastAttempt = c.clock.Now()

	ctx, cancel := context.WithTimeout(c.ctx, c.syncTimeout)
	c.inflight = cancel
	req := Request{
		Category:   c.category,
		UserID:     c.state.UserID,
		Anonymous:  c.state.UserID == "",
		WhiteList:  slices.Clone(c.state.WhiteList),
		BlackList:  slices.Clone(c.state.BlackList),
		Boost:      c.state.Clone().Boost,
		Method:     c.state.Method,
		Resolve:    c.state.Resolve,
		Filters:    c.state.Filters,
		MaxResults: c.state.MaxRecommendations,
		Events:     slices.Clone(c.state.Pending),
	}

	c.syncs.Add(1)
	go c.sync(ctx, cancel, gen, req)
}

func (c *Client) sync(ctx context.Context, cancel context.CancelFunc, gen uint64, req Request) {
	defer c.syncs.Done()
	defer cancel()

	start := c.clock.Now()
	resp, err := c.transport.Sync(ctx, req)
	elapsed := c.clock.Since(start).Seconds()

	c.mu.Lock()
	if gen != c.gen || c.closed {
		c.mu.Unlock()
		c.metrics.ObserveRecoSync("canceled", elapsed)
		return
	}
	c.inflight = nil

	if err != nil {
		onFailure := c.onFailure
		c.mu.Unlock()

		c.metrics.ObserveRecoSync("error", elapsed)
		c.logger.Warn("reco sync failed", "user", req.UserID, "error", err)
		if onFailure != nil {
			onFailure(c, err)
		}
		return
	}

	c.state.Items = slices.Clone(resp.Items)
	c.state.LastSync = c.clock.Now()
	c.state.Pending = dropSent(c.state.Pending, req.Events)
	snapshot := c.state.Clone()
	ranked := c.state.Ranked()
	c.mu.Unlock()

	c.metrics.ObserveRecoSync("ok", elapsed)
	c.logger.Debug("reco sync complete", "user", req.UserID, "items", len(resp.Items))
	c.persist(snapshot)
	c.pub.Publish(model.RecoUpdatedTopic(c.category), Update{Category: c.category, UserID: req.UserID, Items: ranked})
}

func dropSent(pending, sent []TrackEvent) []TrackEvent {
	if len(sent) == 0 {
		return pending
	}
	ids := make(map[string]struct{}, len(sent))
	for _, ev := range sent {
		ids[ev.ID] = struct{}{}
	}
	kept := pending[:0:0]
	for _, ev := range pending {
		if _, done := ids[ev.ID]; !done {
			kept = append(kept, ev)
		}
	}
	return kept
}

// rebind swaps the client onto userID: the old state is saved, in-flight and deferred
// refreshes are cancelled, the new user's state is loaded and a refresh starts
// regardless of the rate limit.
func (c *Client) rebind(ctx context.Context, userID string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClientClosed
	}
	if c.state.UserID == userID {
		c.mu.Unlock()
		return nil
	}
	old := c.state.Clone()
	if c.inflight != nil {
		c.inflight()
		c.inflight = nil
	}
	c.gen++
	c.stopDeferredLocked()
	c.state = NewState(c.category, userID, c.settings)
	c.lastAttempt = time.Time{}
	onUserChange := c.onUserChange
	c.mu.Unlock()

	c.persist(old)
	loaded, found := c.load(ctx, userID)

	c.mu.Lock()
	if found && !c.closed && c.state.UserID == userID {
		loaded.Pending = append(loaded.Pending, c.state.Pending...)
		c.state = loaded
	}
	c.mu.Unlock()

	c.logger.Info("reco client rebound", "previous", old.UserID, "user", userID)
	if onUserChange != nil {
		onUserChange(c, userID)
	}
	return c.requestRefresh(true)
}

// Close cancels any in-flight or scheduled refresh, saves the state and releases the
// client. Later calls return ErrClientClosed.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	if c.inflight != nil {
		c.inflight()
		c.inflight = nil
	}
	c.gen++
	c.stopDeferredLocked()
	c.cancel()
	snapshot := c.state.Clone()
	onClose := c.onClose
	c.mu.Unlock()

	c.bus.Unsubscribe(c.subscriberID())
	c.persist(snapshot)
	c.logger.Info("reco client closed")
	if onClose != nil {
		onClose(c)
	}
}

func (c *Client) wait() {
	c.syncs.Wait()
}

func (c *Client) persist(st State) {
	if c.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.storeTimeout)
	defer cancel()
	if err := c.store.SaveRecoState(ctx, st); err != nil {
		c.logger.Error("persist reco state", "user", st.UserID, "error", err)
	}
}

func (c *Client) load(ctx context.Context, userID string) (State, bool) {
	if c.store == nil {
		return State{}, false
	}
	ctx, cancel := context.WithTimeout(ctx, c.storeTimeout)
	defer cancel()
	st, ok, err := c.store.LoadRecoState(ctx, c.category, userID)
	if err != nil {
		c.logger.Error("load reco state", "user", userID, "error", err)
		return State{}, false
	}
	if ok && st.Boost == nil {
		st.Boost = make(map[string]float64)
	}
	return st, ok
}
