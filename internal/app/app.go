package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/grandcat/zeroconf"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"proximity/go-engine/internal/action"
	"proximity/go-engine/internal/cart"
	"proximity/go-engine/internal/config"
	"proximity/go-engine/internal/engine"
	"proximity/go-engine/internal/metrics"
	"proximity/go-engine/internal/model"
	"proximity/go-engine/internal/mqttbridge"
	"proximity/go-engine/internal/reco"
	"proximity/go-engine/internal/region"
	"proximity/go-engine/internal/store"
)

const (
	storeTimeout    = 2 * time.Second
	shutdownTimeout = 5 * time.Second
	recoUserKey     = "reco_user"
)

// App wires together the proximity engine services and manages their lifecycle.
type App struct {
	cfg      config.Config
	logger   *slog.Logger
	clock    clock.Clock
	metrics  *metrics.Metrics
	promReg  *prometheus.Registry
	store    *store.Store
	engine   *engine.Engine
	dispatch *action.Dispatcher
	reco     *reco.Service
	bridge   *mqttbridge.Bridge
	hub      *streamHub
	mdns     *zeroconf.Server

	cartMu sync.Mutex
	cart   *cart.Cart

	ready atomic.Bool
}

// Option configures an App.
type Option func(*App)

// WithClock replaces wall time for the engine and its collaborators.
func WithClock(c clock.Clock) Option {
	return func(a *App) { a.clock = c }
}

// New constructs a new application instance.
func New(cfg config.Config, logger *slog.Logger, opts ...Option) *App {
	a := &App{
		cfg:     cfg,
		logger:  logger,
		clock:   clock.New(),
		metrics: metrics.NewMetrics(),
		promReg: prometheus.NewRegistry(),
		hub:     newStreamHub(logger),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Run starts all configured services and blocks until the context is cancelled or one of
// them fails.
func (a *App) Run(ctx context.Context) error {
	if err := a.setup(ctx); err != nil {
		a.close()
		return err
	}
	defer a.close()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return a.engine.Run(gctx) })
	g.Go(func() error { return a.bridge.Run(gctx) })
	g.Go(func() error { return a.purgeLoop(gctx) })
	g.Go(func() error {
		return a.serve(gctx, "http", fmt.Sprintf(":%d", a.cfg.HTTPPort), a.routes())
	})
	g.Go(func() error {
		return a.serve(gctx, "metrics", fmt.Sprintf(":%d", a.cfg.MetricsPort), a.metricsRoutes())
	})

	if a.cfg.MDNSEnabled {
		if err := a.startMDNS(a.cfg.HTTPPort); err != nil {
			a.logger.Warn("mDNS advertisement failed", "error", err)
		}
	}

	a.ready.Store(true)
	err := g.Wait()
	a.ready.Store(false)
	return err
}

// setup opens the store, loads the catalog and builds every component. Nothing runs yet.
func (a *App) setup(ctx context.Context) error {
	db, err := store.Open(a.cfg.DatabasePath)
	if err != nil {
		return err
	}
	a.store = db
	if err := a.store.InitSchema(ctx); err != nil {
		return err
	}

	if err := a.metrics.Register(a.promReg); err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}
	if err := a.promReg.Register(collectors.NewGoCollector()); err != nil {
		return fmt.Errorf("register go collector: %w", err)
	}

	catalog, err := LoadCatalog(a.cfg.RegistryPath)
	if err != nil {
		return err
	}
	reg, err := region.NewRegistry(catalog.Definition)
	if err != nil {
		return fmt.Errorf("build registry: %w", err)
	}
	mappings, err := catalog.TrackerMappings()
	if err != nil {
		return err
	}

	a.engine, err = engine.New(reg, engine.Config{GraceWindow: a.cfg.GraceWindow, Mappings: mappings, StoreTimeout: storeTimeout},
		engine.WithClock(a.clock),
		engine.WithLogger(a.logger.With("component", "engine")),
		engine.WithMetrics(a.metrics),
		engine.WithErrorSink(a.store),
		engine.WithTagStore(a.store),
	)
	if err != nil {
		return err
	}

	a.bridge, err = mqttbridge.New(mqttbridge.Config{BrokerURL: a.cfg.MQTTBrokerURL, ClientID: a.cfg.MQTTClientID}, a.engine,
		mqttbridge.WithLogger(a.logger.With("component", "mqtt")),
		mqttbridge.WithMetrics(a.metrics),
		mqttbridge.WithClock(a.clock),
		mqttbridge.WithErrorSink(a.store),
	)
	if err != nil {
		return err
	}

	if err := a.engine.AddDelegate("mqtt", a.bridge.Delegate()); err != nil {
		return err
	}
	if err := a.engine.AddDelegate("stream", engine.EventFunc(a.streamEvent)); err != nil {
		return err
	}

	a.dispatch = a.buildDispatcher()
	for _, exp := range catalog.Experiences {
		if err := a.dispatch.Bind(exp); err != nil {
			return fmt.Errorf("bind experience %s: %w", exp.ID, err)
		}
	}
	a.engine.AttachDispatcher(a.dispatch)

	if err := a.setupReco(ctx); err != nil {
		return err
	}

	storeCtx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()
	c, err := a.store.LoadCart(storeCtx, a.clock)
	if err != nil {
		return err
	}
	a.cart = c

	a.logger.Info("engine configured",
		"regions", reg.Len(),
		"experiences", len(catalog.Experiences),
		"reco", a.reco != nil,
	)
	return nil
}

func (a *App) buildDispatcher() *action.Dispatcher {
	logger := a.logger.With("component", "actions")
	p := action.NewPipeline(a.engine.Bus(), logger, a.metrics)
	for _, kind := range []model.ContentKind{
		model.ContentAlert, model.ContentURL, model.ContentHTML, model.ContentVideo,
		model.ContentImage, model.ContentPass, model.ContentSound,
	} {
		p.SetContentHandler(kind, action.ContentHandlerFunc(a.presentAction))
	}

	notify := multiNotifier{a.bridge, hubNotifier{a}}
	return action.NewDispatcher(p, a.engine.Bus(), a.store, notify, a.clock, action.DispatcherConfig{
		Cooldown:     a.cfg.ActionCooldown,
		PendingTTL:   a.cfg.PendingTTL,
		StoreTimeout: storeTimeout,
	}, logger, a.metrics)
}

func (a *App) setupReco(ctx context.Context) error {
	if a.cfg.RecoEndpoint == "" {
		a.logger.Info("recommendations disabled: no endpoint configured")
		return nil
	}
	transport, err := reco.NewHTTPTransport(a.cfg.RecoEndpoint, nil, a.cfg.RecoTimeout)
	if err != nil {
		return err
	}

	a.reco = reco.NewService(a.engine.Bus(), transport,
		reco.WithStore(a.store),
		reco.WithPublisher(a.engine.Publisher()),
		reco.WithClock(a.clock),
		reco.WithLogger(a.logger.With("component", "reco")),
		reco.WithMetrics(a.metrics),
		reco.WithSyncTimeout(a.cfg.RecoTimeout),
	)
	if err := a.reco.Start(); err != nil {
		return err
	}

	storeCtx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()
	user, ok, err := a.store.AppConfigValue(storeCtx, recoUserKey)
	if err != nil {
		return err
	}
	if ok && user != "" {
		if err := a.reco.SetUser(ctx, user); err != nil {
			return fmt.Errorf("restore reco user: %w", err)
		}
	}
	return nil
}

// presentAction is the content handler for a headless host: the action is handed to
// stream subscribers and accepted.
func (a *App) presentAction(act model.Action, s model.FireSituation) bool {
	a.hub.Broadcast(StreamMessage{
		Type: "action",
		At:   a.clock.Now().UTC(),
		Data: struct {
			Action    model.Action        `json:"action"`
			Situation model.FireSituation `json:"situation"`
		}{act, s},
	})
	return true
}

func (a *App) streamEvent(ev engine.Event) {
	a.hub.Broadcast(StreamMessage{Type: string(ev.Type), At: a.clock.Now().UTC(), Data: ev})
}

// purgeLoop deletes expired pending notifications on the configured interval.
func (a *App) purgeLoop(ctx context.Context) error {
	ticker := a.clock.Ticker(a.cfg.PurgeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			a.purgeExpired(ctx)
		}
	}
}

func (a *App) purgeExpired(ctx context.Context) {
	purgeCtx, cancel := context.WithTimeout(ctx, storeTimeout)
	defer cancel()
	n, err := a.dispatch.PurgeExpired(purgeCtx)
	if err != nil {
		a.logger.Error("purge expired notifications", "error", err)
		return
	}
	if n > 0 {
		a.logger.Info("expired notifications purged", "count", n)
	}
}

func (a *App) serve(ctx context.Context, name, addr string, handler http.Handler) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info(name+" server started", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("%s server: %w", name, err)
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("%s server shutdown: %w", name, err)
	}
	a.logger.Info(name + " server stopped")
	return nil
}

func (a *App) metricsRoutes() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(a.promReg, promhttp.HandlerOpts{}))
	return mux
}

func (a *App) close() {
	a.stopMDNS()
	if a.engine != nil {
		a.engine.Stop()
	}
	if a.reco != nil {
		a.reco.Close()
	}
	if a.store != nil {
		a.persistCart()
		if err := a.store.Close(); err != nil {
			a.logger.Error("close store", "error", err)
		}
	}
}

func (a *App) persistCart() {
	a.cartMu.Lock()
	defer a.cartMu.Unlock()
	if a.cart == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := a.store.SaveCart(ctx, a.cart); err != nil {
		a.logger.Error("persist cart", "error", err)
	}
}

// multiNotifier posts a notification through every transport. It fails only when no
// transport accepted it.
type multiNotifier []action.Notifier

func (m multiNotifier) PostNotification(ctx context.Context, p model.PendingNotification) error {
	var errs []error
	for _, n := range m {
		if err := n.PostNotification(ctx, p); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) == len(m) {
		return errors.Join(errs...)
	}
	return nil
}

type hubNotifier struct{ a *App }

func (h hubNotifier) PostNotification(_ context.Context, p model.PendingNotification) error {
	h.a.hub.Broadcast(StreamMessage{Type: "notification", At: h.a.clock.Now().UTC(), Data: p})
	return nil
}
