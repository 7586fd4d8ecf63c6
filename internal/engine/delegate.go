package engine

import (
	"fmt"
	"runtime/debug"
	"strings"

	"proximity/go-engine/internal/model"
	"proximity/go-engine/internal/region"
)

// Delegate capabilities. A delegate implements any subset; missing callbacks are no-ops.
type (
	// RegionEnterHandler is told when any region commits into Inside.
	RegionEnterHandler interface {
		RegionEntered(r region.Snapshot)
	}
	// RegionExitHandler is told when any region commits out of Inside.
	RegionExitHandler interface {
		RegionExited(r region.Snapshot)
	}
	// ProximityChangeHandler is told when a beacon's proximity class changes.
	ProximityChangeHandler interface {
		ProximityChanged(b region.Snapshot, from, to model.Proximity)
	}
	// RegistryLoadedHandler is told when the region registry becomes available.
	RegistryLoadedHandler interface {
		RegistryLoaded(regions []region.Snapshot)
	}
)

type delegateEntry struct {
	name string
	d    any
}

func implementsAny(d any) bool {
	switch d.(type) {
	case RegionEnterHandler, RegionExitHandler, ProximityChangeHandler, RegistryLoadedHandler:
		return true
	default:
		return false
	}
}

// AddDelegate registers d under name, replacing an earlier delegate with the same name.
func (e *Engine) AddDelegate(name string, d any) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("%w: empty delegate name", model.ErrInvalidArgument)
	}
	if d == nil || !implementsAny(d) {
		return fmt.Errorf("%w: delegate %s implements no callback", model.ErrInvalidArgument, name)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	for i, entry := range e.delegates {
		if entry.name == name {
			e.delegates[i].d = d
			return nil
		}
	}
	e.delegates = append(e.delegates, delegateEntry{name: name, d: d})
	return nil
}

// RemoveDelegate unregisters the delegate with name.
func (e *Engine) RemoveDelegate(name string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for i, entry := range e.delegates {
		if entry.name == name {
			e.delegates = append(e.delegates[:i:i], e.delegates[i+1:]...)
			return
		}
	}
}

func (e *Engine) delegateSnapshot() []delegateEntry {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]delegateEntry(nil), e.delegates...)
}

func (e *Engine) notifyTransition(tr region.Transition) {
	for _, entry := range e.delegateSnapshot() {
		switch tr.Type {
		case region.TransitionEnter:
			if h, ok := entry.d.(RegionEnterHandler); ok {
				e.safeInvoke(entry.name, func() { h.RegionEntered(tr.Region) })
			}
		case region.TransitionExit:
			if h, ok := entry.d.(RegionExitHandler); ok {
				e.safeInvoke(entry.name, func() { h.RegionExited(tr.Region) })
			}
		case region.TransitionProximity:
			if h, ok := entry.d.(ProximityChangeHandler); ok {
				e.safeInvoke(entry.name, func() { h.ProximityChanged(tr.Region, tr.FromProximity, tr.ToProximity) })
			}
		}
	}
}

func (e *Engine) notifyRegistryLoaded(regions []region.Snapshot) {
	for _, entry := range e.delegateSnapshot() {
		if h, ok := entry.d.(RegistryLoadedHandler); ok {
			e.safeInvoke(entry.name, func() { h.RegistryLoaded(regions) })
		}
	}
}

func (e *Engine) safeInvoke(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("delegate panic recovered", "delegate", name, "panic", r, "stack", string(debug.Stack()))
		}
	}()
	fn()
}
