package reco

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"proximity/go-engine/internal/eventbus"
	"proximity/go-engine/internal/metrics"
	"proximity/go-engine/internal/model"
)

const (
	defaultSyncTimeout  = 10 * time.Second
	defaultStoreTimeout = 2 * time.Second
	serviceSubscriber   = "reco-service"
)

// Option configures a Service.
type Option func(*Service)

// WithStore persists client state across user switches and restarts.
func WithStore(st StateStore) Option {
	return func(s *Service) { s.store = st }
}

// WithPublisher routes update announcements; the bus is used when unset.
func WithPublisher(p Publisher) Option {
	return func(s *Service) { s.pub = p }
}

// WithClock sets the time source used for rate limiting.
func WithClock(c clock.Clock) Option {
	return func(s *Service) { s.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithMetrics records sync outcomes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithSettings sets the defaults for newly created client states.
func WithSettings(st Settings) Option {
	return func(s *Service) { s.settings = st }
}

// WithSyncTimeout bounds one transport round trip.
func WithSyncTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.syncTimeout = d
		}
	}
}

// Service owns one client per category and the current user binding. Clients are created
// lazily and rebound together when the user changes.
type Service struct {
	bus          *eventbus.Bus
	pub          Publisher
	transport    Transport
	store        StateStore
	clock        clock.Clock
	logger       *slog.Logger
	metrics      *metrics.Metrics
	settings     Settings
	syncTimeout  time.Duration
	storeTimeout time.Duration

	userMu sync.Mutex

	mu      sync.Mutex
	userID  string
	clients map[string]*Client
	started bool
	closed  bool
}

// NewService creates a service syncing through transport.
func NewService(bus *eventbus.Bus, transport Transport, opts ...Option) *Service {
	s := &Service{
		bus:          bus,
		transport:    transport,
		clock:        clock.New(),
		logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
		settings:     DefaultSettings(),
		syncTimeout:  defaultSyncTimeout,
		storeTimeout: defaultStoreTimeout,
		clients:      make(map[string]*Client),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.pub == nil {
		s.pub = bus
	}
	return s
}

// Start subscribes the service to the bus topics that trigger refreshes.
func (s *Service) Start() error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.mu.Unlock()

	triggers := []string{model.TopicLocationSignificant, model.TopicAppForeground, model.TopicNetworkRestored}
	if err := s.bus.SubscribeKeys(serviceSubscriber, triggers, eventbus.NoPriority, func(ev eventbus.Event) {
		s.logger.Debug("reco refresh trigger", "topic", ev.Key)
		s.RefreshAll()
	}); err != nil {
		return fmt.Errorf("subscribe reco triggers: %w", err)
	}

	if err := s.bus.Subscribe(serviceSubscriber, model.TopicUserChanged, eventbus.NoPriority, func(ev eventbus.Event) {
		change, ok := ev.Payload.(model.UserChange)
		if !ok {
			return
		}
		if err := s.applyUserChange(context.Background(), change); err != nil {
			s.logger.Warn("reco user change", "user", change.Current, "error", err)
		}
	}); err != nil {
		return fmt.Errorf("subscribe reco user changes: %w", err)
	}
	return nil
}

// UserID returns the current user; empty in anonymous mode.
func (s *Service) UserID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userID
}

// CreateClient returns the client for category, creating it and starting its first
// refresh if it does not exist yet.
func (s *Service) CreateClient(ctx context.Context, category string) (*Client, error) {
	category = strings.TrimSpace(category)
	if category == "" {
		return nil, fmt.Errorf("%w: empty reco category", model.ErrInvalidArgument)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClientClosed
	}
	if c, ok := s.clients[category]; ok {
		s.mu.Unlock()
		return c, nil
	}
	userID := s.userID
	s.mu.Unlock()

	st := s.loadState(ctx, category, userID)

	s.mu.Lock()
	if c, ok := s.clients[category]; ok {
		s.mu.Unlock()
		return c, nil
	}
	if s.userID != userID {
		userID = s.userID
		st = NewState(category, userID, s.settings)
	}
	c, err := newClient(s, category, st)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	s.clients[category] = c
	s.mu.Unlock()

	s.logger.Info("reco client created", "category", category, "user", userID)
	if err := c.requestRefresh(false); err != nil {
		return nil, err
	}
	return c, nil
}

func (s *Service) loadState(ctx context.Context, category, userID string) State {
	if s.store != nil {
		ctx, cancel := context.WithTimeout(ctx, s.storeTimeout)
		defer cancel()
		st, ok, err := s.store.LoadRecoState(ctx, category, userID)
		if err != nil {
			s.logger.Error("load reco state", "category", category, "user", userID, "error", err)
		} else if ok {
			if st.Boost == nil {
				st.Boost = make(map[string]float64)
			}
			return st
		}
	}
	return NewState(category, userID, s.settings)
}

// Client returns the existing client for category.
func (s *Service) Client(category string) (*Client, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.clients[category]
	return c, ok
}

// Clients returns the live clients ordered by category.
func (s *Service) Clients() []*Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clientsLocked()
}

func (s *Service) clientsLocked() []*Client {
	out := make([]*Client, 0, len(s.clients))
	for _, c := range s.clients {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].category < out[j].category })
	return out
}

// SetUser binds every client to userID and announces the change. Empty means anonymous.
// Setting the current user again is a no-op.
func (s *Service) SetUser(ctx context.Context, userID string) error {
	userID = strings.TrimSpace(userID)
	prev, changed, err := s.rebindAll(ctx, userID, nil)
	if changed {
		s.pub.Publish(model.TopicUserChanged, model.UserChange{Previous: prev, Current: userID})
	}
	return err
}

// applyUserChange follows a change announced on the bus. It applies only when the change
// starts from the current user, so the service's own announcements, which may be
// delivered after later changes, are ignored and never re-announced.
func (s *Service) applyUserChange(ctx context.Context, change model.UserChange) error {
	from := strings.TrimSpace(change.Previous)
	_, _, err := s.rebindAll(ctx, strings.TrimSpace(change.Current), &from)
	return err
}

// rebindAll switches every client to userID. A non-nil from skips the switch unless the
// current user equals *from.
func (s *Service) rebindAll(ctx context.Context, userID string, from *string) (string, bool, error) {
	s.userMu.Lock()
	defer s.userMu.Unlock()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return "", false, ErrClientClosed
	}
	prev := s.userID
	if prev == userID || (from != nil && *from != prev) {
		s.mu.Unlock()
		return prev, false, nil
	}
	s.userID = userID
	clients := s.clientsLocked()
	s.mu.Unlock()

	s.logger.Info("reco user changed", "previous", prev, "user", userID)
	var errs []error
	for _, c := range clients {
		if err := c.rebind(ctx, userID); err != nil && !errors.Is(err, ErrClientClosed) {
			errs = append(errs, fmt.Errorf("rebind %s: %w", c.category, err))
		}
	}
	return prev, true, errors.Join(errs...)
}

// RefreshAll asks every client for a rate-limited refresh.
func (s *Service) RefreshAll() {
	for _, c := range s.Clients() {
		if err := c.requestRefresh(false); err != nil && !errors.Is(err, ErrClientClosed) {
			s.logger.Warn("reco refresh", "category", c.category, "error", err)
		}
	}
}

// CloseClient closes and forgets the client for category.
func (s *Service) CloseClient(category string) bool {
	s.mu.Lock()
	c, ok := s.clients[category]
	delete(s.clients, category)
	s.mu.Unlock()
	if ok {
		c.Close()
	}
	return ok
}

// Close closes every client and waits for their syncs to return.
func (s *Service) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	clients := s.clientsLocked()
	s.clients = make(map[string]*Client)
	s.mu.Unlock()

	s.bus.Unsubscribe(serviceSubscriber)
	for _, c := range clients {
		c.Close()
	}
	for _, c := range clients {
		c.wait()
	}
}
