// Package action runs the fire-control pipeline that decides whether and how an action
// reaches the user, and binds actions to region events.
package action

import (
	"log/slog"
	"sync"

	"proximity/go-engine/internal/metrics"
	"proximity/go-engine/internal/model"
)

// CustomTriggerHandler evaluates the trigger attribute of a conditionally scheduled action.
type CustomTriggerHandler interface {
	HandleCustomTrigger(attribute string) bool
}

// DisplayGate decides whether an action may be shown right now.
type DisplayGate interface {
	CanDisplayNow(a model.Action, s model.FireSituation) bool
}

// ActionGate runs generic logic for every action that passed the display gate.
type ActionGate interface {
	HandleAction(a model.Action, s model.FireSituation) bool
}

// ContentHandler presents one kind of content. Its result is the pipeline outcome.
type ContentHandler interface {
	HandleContent(a model.Action, s model.FireSituation) bool
}

// CustomTriggerFunc adapts a function to CustomTriggerHandler.
type CustomTriggerFunc func(attribute string) bool

func (f CustomTriggerFunc) HandleCustomTrigger(attribute string) bool { return f(attribute) }

// DisplayGateFunc adapts a function to DisplayGate.
type DisplayGateFunc func(a model.Action, s model.FireSituation) bool

func (f DisplayGateFunc) CanDisplayNow(a model.Action, s model.FireSituation) bool { return f(a, s) }

// ActionGateFunc adapts a function to ActionGate.
type ActionGateFunc func(a model.Action, s model.FireSituation) bool

func (f ActionGateFunc) HandleAction(a model.Action, s model.FireSituation) bool { return f(a, s) }

// ContentHandlerFunc adapts a function to ContentHandler.
type ContentHandlerFunc func(a model.Action, s model.FireSituation) bool

func (f ContentHandlerFunc) HandleContent(a model.Action, s model.FireSituation) bool {
	return f(a, s)
}

// Stage names the step that decided a pipeline run.
type Stage int

const (
	// StageDelivered means the content handler accepted the action.
	StageDelivered Stage = iota
	StageCustomTrigger
	StageDisplayGate
	StageActionGate
	StageContent
	// StageCooldown and StageSuppressed are decided by the Dispatcher before the pipeline runs.
	StageCooldown
	StageSuppressed
	// StageNotified means the action was parked as a background notification.
	StageNotified
)

func (s Stage) String() string {
	switch s {
	case StageDelivered:
		return "delivered"
	case StageCustomTrigger:
		return "custom_trigger"
	case StageDisplayGate:
		return "display_gate"
	case StageActionGate:
		return "action_gate"
	case StageContent:
		return "content"
	case StageCooldown:
		return "cooldown"
	case StageSuppressed:
		return "suppressed"
	case StageNotified:
		return "notified"
	default:
		return "unknown"
	}
}

// Outcome reports how a pipeline run ended. A veto is a normal outcome, not an error.
type Outcome struct {
	Action    model.Action
	Situation model.FireSituation
	Stage     Stage
}

// Delivered reports whether the content handler accepted the action.
func (o Outcome) Delivered() bool { return o.Stage == StageDelivered }

// Publisher receives side-effect publications such as profile updates.
type Publisher interface {
	Publish(key string, payload any) int
}

// Pipeline evaluates, in order: the custom trigger for conditional actions, the display
// gate, the generic action gate, and exactly one content handler chosen by content kind.
// The first negative answer halts the run.
//
// Unregistered gates accept. Unregistered content handlers accept. An unregistered custom
// trigger declines, so conditional actions need a host that understands their attribute.
type Pipeline struct {
	mu      sync.RWMutex
	trigger CustomTriggerHandler
	display DisplayGate
	generic ActionGate
	content map[model.ContentKind]ContentHandler

	pub     Publisher
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewPipeline creates a pipeline with no handlers registered. pub may be nil.
func NewPipeline(pub Publisher, logger *slog.Logger, m *metrics.Metrics) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		content: make(map[model.ContentKind]ContentHandler),
		pub:     pub,
		logger:  logger,
		metrics: m,
	}
}

// SetCustomTrigger registers the custom trigger evaluator. nil restores the default.
func (p *Pipeline) SetCustomTrigger(h CustomTriggerHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.trigger = h
}

// SetDisplayGate registers the display gate. nil restores the default.
func (p *Pipeline) SetDisplayGate(g DisplayGate) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.display = g
}

// SetActionGate registers the generic action gate. nil restores the default.
func (p *Pipeline) SetActionGate(g ActionGate) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.generic = g
}

// SetContentHandler registers the handler for one content kind. nil removes it.
func (p *Pipeline) SetContentHandler(kind model.ContentKind, h ContentHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if h == nil {
		delete(p.content, kind)
		return
	}
	p.content[kind] = h
}

// HasContentHandler reports whether the host registered a handler for kind.
func (p *Pipeline) HasContentHandler(kind model.ContentKind) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.content[kind]
	return ok
}

// HasCustomTrigger reports whether a custom trigger evaluator is registered.
func (p *Pipeline) HasCustomTrigger() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.trigger != nil
}

// Fire runs the pipeline for one action in one situation.
func (p *Pipeline) Fire(a model.Action, s model.FireSituation) Outcome {
	p.mu.RLock()
	trigger, display, generic := p.trigger, p.display, p.generic
	content := p.content[a.Kind]
	p.mu.RUnlock()

	out := Outcome{Action: a, Situation: s, Stage: StageDelivered}

	switch {
	case a.Conditional() && (trigger == nil || !trigger.HandleCustomTrigger(a.Trigger)):
		out.Stage = StageCustomTrigger
	case display != nil && !display.CanDisplayNow(a, s):
		out.Stage = StageDisplayGate
	case generic != nil && !generic.HandleAction(a, s):
		out.Stage = StageActionGate
	case content != nil && !content.HandleContent(a, s):
		out.Stage = StageContent
	}

	p.metrics.IncAction(out.Stage.String())
	p.logger.Debug("action pipeline finished", "action", a.ID, "kind", a.Kind, "situation", s, "stage", out.Stage)

	if out.Delivered() {
		p.sideEffects(a)
	}
	return out
}

func (p *Pipeline) sideEffects(a model.Action) {
	if a.Kind != model.ContentTag || p.pub == nil {
		return
	}
	name, value, err := a.Tag()
	if err != nil {
		p.logger.Warn("tag action skipped", "action", a.ID, "error", err)
		return
	}
	p.pub.Publish(model.TopicProfileUpdated, model.ProfileUpdate{Tag: name, Value: value})
}
