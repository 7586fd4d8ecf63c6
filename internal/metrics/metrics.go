// Package metrics exposes Prometheus collectors for the proximity engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metric names as constants for consistency.
const (
	MetricSignalsTotal         = "proximity_signals_total"
	MetricSignalsRejected      = "proximity_signals_rejected_total"
	MetricTransitionsTotal     = "proximity_region_transitions_total"
	MetricBusPublishTotal      = "proximity_bus_publish_total"
	MetricBusCallbackPanics    = "proximity_bus_callback_panics_total"
	MetricActionsTotal         = "proximity_actions_total"
	MetricPendingNotifications = "proximity_pending_notifications"
	MetricRecoSyncTotal        = "proximity_reco_sync_total"
	MetricRecoSyncDuration     = "proximity_reco_sync_duration_seconds"
	MetricQueueDepth           = "proximity_queue_depth"
)

// Metrics contains the engine collectors. A nil *Metrics is valid and records nothing,
// so components can run without a registry in tests.
type Metrics struct {
	signals         *prometheus.CounterVec
	signalsRejected *prometheus.CounterVec
	transitions     *prometheus.CounterVec
	busPublish      prometheus.Counter
	busPanics       prometheus.Counter
	actions         *prometheus.CounterVec
	pending         prometheus.Gauge
	recoSync        *prometheus.CounterVec
	recoDuration    prometheus.Histogram
	queueDepth      prometheus.Gauge
}

// NewMetrics creates the collectors. They are not registered; call Register.
func NewMetrics() *Metrics {
	return &Metrics{
		signals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricSignalsTotal,
			Help: "Raw presence observations accepted by the engine, by provider",
		}, []string{"provider"}),
		signalsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricSignalsRejected,
			Help: "Observations dropped before reaching the state machine, by reason",
		}, []string{"reason"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricTransitionsTotal,
			Help: "Committed region transitions, by region kind and transition type",
		}, []string{"kind", "type"}),
		busPublish: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricBusPublishTotal,
			Help: "Event bus dispatch passes",
		}),
		busPanics: prometheus.NewCounter(prometheus.CounterOpts{
			Name: MetricBusCallbackPanics,
			Help: "Subscriber callbacks that panicked during dispatch",
		}),
		actions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricActionsTotal,
			Help: "Action pipeline runs, by outcome stage",
		}, []string{"outcome"}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: MetricPendingNotifications,
			Help: "Background notifications waiting for a click",
		}),
		recoSync: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: MetricRecoSyncTotal,
			Help: "Recommendation sync attempts, by result",
		}, []string{"result"}),
		recoDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    MetricRecoSyncDuration,
			Help:    "Histogram of recommendation sync duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0},
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: MetricQueueDepth,
			Help: "Work items waiting in the engine queue",
		}),
	}
}

// Register registers all metrics with the given registry.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range m.Collectors() {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// Collectors returns all Prometheus collectors.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.signals,
		m.signalsRejected,
		m.transitions,
		m.busPublish,
		m.busPanics,
		m.actions,
		m.pending,
		m.recoSync,
		m.recoDuration,
		m.queueDepth,
	}
}

// IncSignal counts an accepted observation.
func (m *Metrics) IncSignal(provider string) {
	if m == nil {
		return
	}
	m.signals.WithLabelValues(provider).Inc()
}

// IncSignalRejected counts a dropped observation.
func (m *Metrics) IncSignalRejected(reason string) {
	if m == nil {
		return
	}
	m.signalsRejected.WithLabelValues(reason).Inc()
}

// IncTransition counts a committed transition.
func (m *Metrics) IncTransition(kind, typ string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(kind, typ).Inc()
}

// IncBusPublish counts a dispatch pass.
func (m *Metrics) IncBusPublish() {
	if m == nil {
		return
	}
	m.busPublish.Inc()
}

// IncBusPanic counts a recovered subscriber panic.
func (m *Metrics) IncBusPanic() {
	if m == nil {
		return
	}
	m.busPanics.Inc()
}

// IncAction counts a pipeline run by the stage that decided it.
func (m *Metrics) IncAction(outcome string) {
	if m == nil {
		return
	}
	m.actions.WithLabelValues(outcome).Inc()
}

// SetPendingNotifications sets the pending notification gauge.
func (m *Metrics) SetPendingNotifications(n int) {
	if m == nil {
		return
	}
	m.pending.Set(float64(n))
}

// ObserveRecoSync records one sync attempt.
func (m *Metrics) ObserveRecoSync(result string, seconds float64) {
	if m == nil {
		return
	}
	m.recoSync.WithLabelValues(result).Inc()
	m.recoDuration.Observe(seconds)
}

// SetQueueDepth sets the engine queue depth gauge.
func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}
