package region

import (
	"fmt"
	"log/slog"
	"sort"
	"time"

	"proximity/go-engine/internal/model"
)

// DefaultGraceWindow is how long an Inside region waits for a confirming signal before
// an exit commits.
const DefaultGraceWindow = 10 * time.Second

// Mapping converts a provider's proximity class into a candidate presence.
type Mapping map[model.Proximity]model.Presence

// DefaultMapping treats immediate/near as inside, far as outside and unknown as unknown.
func DefaultMapping() Mapping {
	return Mapping{
		model.ProximityImmediate: model.PresenceInside,
		model.ProximityNear:      model.PresenceInside,
		model.ProximityFar:       model.PresenceOutside,
		model.ProximityUnknown:   model.PresenceUnknown,
	}
}

func (m Mapping) presence(p model.Proximity) model.Presence {
	if v, ok := m[p]; ok {
		return v
	}
	return DefaultMapping()[p]
}

// TrackerConfig tunes the state machine.
type TrackerConfig struct {
	GraceWindow time.Duration
	// Mappings overrides DefaultMapping per provider tag.
	Mappings map[string]Mapping
}

// TransitionType classifies a committed change.
type TransitionType int

const (
	// TransitionEnter is a commit into Inside.
	TransitionEnter TransitionType = iota + 1
	// TransitionExit is a commit out of Inside.
	TransitionExit
	// TransitionState moves between Outside and Unknown without an enter/exit event.
	TransitionState
	// TransitionProximity is a beacon proximity class change.
	TransitionProximity
)

func (t TransitionType) String() string {
	switch t {
	case TransitionEnter:
		return "enter"
	case TransitionExit:
		return "exit"
	case TransitionState:
		return "state"
	case TransitionProximity:
		return "proximity"
	default:
		return "none"
	}
}

// Transition is one committed change, carrying a snapshot taken right after the commit.
type Transition struct {
	Type          TransitionType
	Region        Snapshot
	From          model.Presence
	To            model.Presence
	FromProximity model.Proximity
	ToProximity   model.Proximity
	At            time.Time
}

type pendingExit struct {
	deadline time.Time
	target   model.Presence
}

type sourceKey struct {
	region   string
	provider string
}

// Tracker is the region state machine. It is not safe for concurrent use; the engine
// drives it from its single processing goroutine.
type Tracker struct {
	reg    *Registry
	cfg    TrackerConfig
	logger *slog.Logger

	pending    map[string]pendingExit
	lastInside map[string]time.Time
	lastSeen   map[sourceKey]time.Time
}

// NewTracker creates a state machine over the registry.
func NewTracker(reg *Registry, cfg TrackerConfig, logger *slog.Logger) *Tracker {
	if cfg.GraceWindow < 0 {
		cfg.GraceWindow = 0
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		reg:        reg,
		cfg:        cfg,
		logger:     logger,
		pending:    make(map[string]pendingExit),
		lastInside: make(map[string]time.Time),
		lastSeen:   make(map[sourceKey]time.Time),
	}
}

// Registry returns the registry the tracker mutates.
func (t *Tracker) Registry() *Registry {
	return t.reg
}

// Observe applies one raw observation, timing the grace window by the observation's own
// timestamp. An unknown region id returns ErrUnknownRegion and changes nothing. Stale
// observations (older than the last one seen from the same provider for the region) are
// ignored.
func (t *Tracker) Observe(obs model.Observation) ([]Transition, error) {
	return t.ObserveAt(obs, obs.Timestamp)
}

// ObserveAt applies obs as if it arrived at now. The grace window, exit deadlines and
// transition times use now, so they share the time base later passed to Expire. The
// observation timestamp only orders observations from the same provider.
func (t *Tracker) ObserveAt(obs model.Observation, now time.Time) ([]Transition, error) {
	t.reg.mu.Lock()
	defer t.reg.mu.Unlock()

	reg := t.reg.lookup(obs.RegionID)
	if reg == nil {
		return nil, fmt.Errorf("%w: %s", model.ErrUnknownRegion, obs.RegionID)
	}

	src := sourceKey{region: obs.RegionID, provider: obs.Provider}
	if last, ok := t.lastSeen[src]; ok && obs.Timestamp.Before(last) {
		t.logger.Debug("stale observation dropped", "region", obs.RegionID, "provider", obs.Provider, "at", obs.Timestamp, "last", last)
		return nil, nil
	}
	t.lastSeen[src] = obs.Timestamp

	class := obs.Class()
	var out []Transition

	if b, ok := reg.(*Beacon); ok && b.proximity != class {
		from := b.proximity
		b.proximity = class
		out = append(out, Transition{
			Type:          TransitionProximity,
			Region:        snapshotOf(b),
			From:          b.current,
			To:            b.current,
			FromProximity: from,
			ToProximity:   class,
			At:            now,
		})
	}

	candidate := t.mapping(obs.Provider).presence(class)
	current := reg.Presence()

	switch {
	case candidate == model.PresenceInside:
		t.lastInside[reg.ID()] = now
		delete(t.pending, reg.ID())
		if current != model.PresenceInside {
			out = append(out, t.commit(reg, model.PresenceInside, now)...)
		}

	case current == model.PresenceInside:
		p, held := t.pending[reg.ID()]
		if !held {
			since, ok := t.lastInside[reg.ID()]
			if !ok {
				since = now
			}
			p.deadline = since.Add(t.cfg.GraceWindow)
		}
		p.target = candidate
		if !now.Before(p.deadline) {
			delete(t.pending, reg.ID())
			out = append(out, t.commit(reg, candidate, now)...)
		} else {
			t.pending[reg.ID()] = p
		}

	case candidate != current:
		out = append(out, t.commit(reg, candidate, now)...)
	}

	return out, nil
}

// Expire commits every pending exit whose grace window ended at or before now.
// Exits commit in deadline order, ties broken by region id.
func (t *Tracker) Expire(now time.Time) []Transition {
	t.reg.mu.Lock()
	defer t.reg.mu.Unlock()

	type due struct {
		id string
		p  pendingExit
	}
	var ready []due
	for id, p := range t.pending {
		if !p.deadline.After(now) {
			ready = append(ready, due{id: id, p: p})
		}
	}
	sort.Slice(ready, func(i, j int) bool {
		if !ready[i].p.deadline.Equal(ready[j].p.deadline) {
			return ready[i].p.deadline.Before(ready[j].p.deadline)
		}
		return ready[i].id < ready[j].id
	})

	var out []Transition
	for _, d := range ready {
		delete(t.pending, d.id)
		reg := t.reg.lookup(d.id)
		if reg == nil || reg.Presence() != model.PresenceInside {
			continue
		}
		out = append(out, t.commit(reg, d.p.target, d.p.deadline)...)
	}
	return out
}

// NextDeadline reports the earliest pending exit deadline.
func (t *Tracker) NextDeadline() (time.Time, bool) {
	var (
		next  time.Time
		found bool
	)
	for _, p := range t.pending {
		if !found || p.deadline.Before(next) {
			next = p.deadline
			found = true
		}
	}
	return next, found
}

// Pending returns the number of exits waiting out their grace window.
func (t *Tracker) Pending() int {
	return len(t.pending)
}

// Reset forgets pending exits and per-provider ordering state.
func (t *Tracker) Reset() {
	t.pending = make(map[string]pendingExit)
	t.lastInside = make(map[string]time.Time)
	t.lastSeen = make(map[sourceKey]time.Time)
}

func (t *Tracker) mapping(provider string) Mapping {
	if m, ok := t.cfg.Mappings[provider]; ok {
		return m
	}
	return DefaultMapping()
}

// commit moves reg to presence `to` and recomputes ancestors breadth first. Callers hold
// reg.mu.
func (t *Tracker) commit(reg Region, to model.Presence, at time.Time) []Transition {
	from := reg.base().set(to)
	out := []Transition{newTransition(reg, from, to, at)}

	queue := reg.ParentIDs()
	visited := map[string]bool{reg.ID(): true}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		if visited[id] {
			continue
		}
		visited[id] = true

		parent := t.reg.lookup(id)
		if parent == nil {
			t.logger.Warn("dangling parent reference", "region", reg.ID(), "parent", id)
			continue
		}
		agg := t.aggregate(id)
		if agg == parent.Presence() {
			continue
		}
		delete(t.pending, id)
		pf := parent.base().set(agg)
		out = append(out, newTransition(parent, pf, agg, at))
		queue = append(queue, parent.ParentIDs()...)
	}
	return out
}

// aggregate is Inside iff any child is Inside, Outside iff every child is Outside,
// Unknown otherwise.
func (t *Tracker) aggregate(id string) model.Presence {
	children := t.reg.children[id]
	if len(children) == 0 {
		return model.PresenceUnknown
	}
	allOutside := true
	for _, cid := range children {
		c := t.reg.lookup(cid)
		if c == nil {
			allOutside = false
			continue
		}
		switch c.Presence() {
		case model.PresenceInside:
			return model.PresenceInside
		case model.PresenceUnknown:
			allOutside = false
		}
	}
	if allOutside {
		return model.PresenceOutside
	}
	return model.PresenceUnknown
}

func newTransition(reg Region, from, to model.Presence, at time.Time) Transition {
	typ := TransitionState
	switch {
	case to == model.PresenceInside:
		typ = TransitionEnter
	case from == model.PresenceInside:
		typ = TransitionExit
	}
	return Transition{
		Type:   typ,
		Region: snapshotOf(reg),
		From:   from,
		To:     to,
		At:     at,
	}
}
