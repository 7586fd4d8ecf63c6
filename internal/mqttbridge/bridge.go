// Package mqttbridge connects the engine to an MQTT broker: raw signals arrive on
// signals/<provider>/<regionId> and delegate callbacks leave on events/<type>/<key>.
package mqttbridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	mqtt "github.com/eclipse/paho.mqtt.golang"

	"proximity/go-engine/internal/engine"
	"proximity/go-engine/internal/metrics"
	"proximity/go-engine/internal/model"
)

const (
	SignalTopicRoot = "signals"
	EventTopicRoot  = "events"

	defaultConnectTimeout = 10 * time.Second
	defaultPublishTimeout = 5 * time.Second
	storeTimeout          = 2 * time.Second
	maxPayloadLength      = 4096
)

// ErrNotConnected is returned by outbound calls while the broker connection is down.
var ErrNotConnected = errors.New("mqtt not connected")

// Ingester accepts raw observations.
type Ingester interface {
	Ingest(obs model.Observation) error
}

// ErrorSink persists payloads that could not be ingested.
type ErrorSink interface {
	InsertIngestionError(ctx context.Context, e model.IngestionError) error
}

// Config addresses the broker.
type Config struct {
	BrokerURL      string
	ClientID       string
	ConnectTimeout time.Duration
	PublishTimeout time.Duration
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithClient replaces the paho client built from Config.
func WithClient(c mqtt.Client) Option {
	return func(b *Bridge) { b.client = c }
}

func WithLogger(l *slog.Logger) Option {
	return func(b *Bridge) { b.logger = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(b *Bridge) { b.metrics = m }
}

func WithClock(c clock.Clock) Option {
	return func(b *Bridge) { b.clock = c }
}

// WithErrorSink records rejected payloads.
func WithErrorSink(s ErrorSink) Option {
	return func(b *Bridge) { b.sink = s }
}

// Bridge owns the paho client and translates between topics and engine calls.
type Bridge struct {
	cfg      Config
	client   mqtt.Client
	ingester Ingester
	sink     ErrorSink
	logger   *slog.Logger
	metrics  *metrics.Metrics
	clock    clock.Clock
}

// New builds a bridge feeding ing. The connection is opened by Run.
func New(cfg Config, ing Ingester, opts ...Option) (*Bridge, error) {
	if ing == nil {
		return nil, fmt.Errorf("%w: nil ingester", model.ErrInvalidArgument)
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = defaultPublishTimeout
	}

	b := &Bridge{
		cfg:      cfg,
		ingester: ing,
		logger:   slog.Default(),
		clock:    clock.New(),
	}
	for _, opt := range opts {
		opt(b)
	}

	if b.client == nil {
		if strings.TrimSpace(cfg.BrokerURL) == "" {
			return nil, fmt.Errorf("%w: empty broker url", model.ErrInvalidArgument)
		}
		clientID := cfg.ClientID
		if clientID == "" {
			clientID = fmt.Sprintf("proximity-engine-%d", time.Now().UnixNano())
		}
		opts := mqtt.NewClientOptions().
			AddBroker(cfg.BrokerURL).
			SetClientID(clientID).
			SetOrderMatters(false).
			SetAutoReconnect(true).
			SetConnectRetry(true).
			SetConnectTimeout(cfg.ConnectTimeout).
			SetOnConnectHandler(b.onConnect).
			SetConnectionLostHandler(func(_ mqtt.Client, err error) {
				b.logger.Warn("mqtt connection lost", "error", err)
			})
		b.client = mqtt.NewClient(opts)
	}
	return b, nil
}

// Run connects and blocks until ctx is done, then disconnects.
func (b *Bridge) Run(ctx context.Context) error {
	token := b.client.Connect()
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return fmt.Errorf("mqtt connect %s: %w", b.cfg.BrokerURL, err)
		}
	case <-ctx.Done():
		b.client.Disconnect(250)
		return nil
	}

	<-ctx.Done()
	b.client.Disconnect(250)
	b.logger.Info("mqtt bridge stopped")
	return nil
}

// Connected reports whether the broker connection is currently usable.
func (b *Bridge) Connected() bool {
	return b.client.IsConnectionOpen()
}

func (b *Bridge) onConnect(c mqtt.Client) {
	topic := SignalTopicRoot + "/#"
	token := c.Subscribe(topic, 0, b.handleMessage)
	go func() {
		if !token.WaitTimeout(b.cfg.ConnectTimeout) {
			b.logger.Warn("mqtt subscribe timed out", "topic", topic)
			return
		}
		if err := token.Error(); err != nil {
			b.logger.Error("mqtt subscribe failed", "topic", topic, "error", err)
			return
		}
		b.logger.Info("mqtt bridge subscribed", "broker", b.cfg.BrokerURL, "topic", topic)
	}()
}

func (b *Bridge) handleMessage(_ mqtt.Client, msg mqtt.Message) {
	b.safeInvoke(func() {
		if err := b.ingest(msg.Topic(), msg.Payload()); err != nil {
			b.logger.Warn("mqtt signal rejected", "topic", msg.Topic(), "error", err)
		}
	})
}

func (b *Bridge) publish(topic string, v any) error {
	if !b.client.IsConnectionOpen() {
		return ErrNotConnected
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", topic, err)
	}

	token := b.client.Publish(topic, 0, false, data)
	// Callers run on the engine goroutine; delivery is confirmed off it.
	go func() {
		if !token.WaitTimeout(b.cfg.PublishTimeout) {
			b.logger.Warn("mqtt publish timed out", "topic", topic)
			return
		}
		if err := token.Error(); err != nil {
			b.logger.Warn("mqtt publish failed", "topic", topic, "error", err)
		}
	}()
	return nil
}

// Delegate returns an engine delegate that mirrors every callback to the broker.
func (b *Bridge) Delegate() engine.EventFunc {
	return b.PublishEvent
}

// PublishEvent sends ev to events/<type>/<key>. Failures are logged.
func (b *Bridge) PublishEvent(ev engine.Event) {
	msg := struct {
		engine.Event
		At time.Time `json:"at"`
	}{Event: ev, At: b.clock.Now().UTC()}

	topic := EventTopicRoot + "/" + ev.Path()
	if err := b.publish(topic, msg); err != nil {
		b.logger.Debug("mqtt event not sent", "topic", topic, "error", err)
	}
}

// PostNotification sends a background notification to events/notification/<id>.
func (b *Bridge) PostNotification(_ context.Context, p model.PendingNotification) error {
	return b.publish(EventTopicRoot+"/notification/"+p.ID, p)
}

func (b *Bridge) safeInvoke(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("mqtt handler panic", "panic", r, "stack", string(debug.Stack()))
		}
	}()
	fn()
}
