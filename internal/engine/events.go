package engine

import (
	"proximity/go-engine/internal/model"
	"proximity/go-engine/internal/region"
)

// EventType names a delegate callback in its forwarded form.
type EventType string

const (
	EventEnter          EventType = "enter"
	EventExit           EventType = "exit"
	EventProximity      EventType = "proximity"
	EventRegistryLoaded EventType = "registry"
)

// Event is one delegate callback flattened into a value that transports can serialize.
type Event struct {
	Type    EventType         `json:"type"`
	Region  *region.Snapshot  `json:"region,omitempty"`
	From    model.Proximity   `json:"from,omitempty"`
	To      model.Proximity   `json:"to,omitempty"`
	Regions []region.Snapshot `json:"regions,omitempty"`
}

// Path is the transport-relative address of the event: "<type>/<region key>" for region
// callbacks and "<type>" otherwise.
func (ev Event) Path() string {
	if ev.Region == nil {
		return string(ev.Type)
	}
	return string(ev.Type) + "/" + ev.Region.Key()
}

// EventFunc adapts a function into a delegate that implements every callback.
type EventFunc func(Event)

func (f EventFunc) RegionEntered(r region.Snapshot) {
	f(Event{Type: EventEnter, Region: &r})
}

func (f EventFunc) RegionExited(r region.Snapshot) {
	f(Event{Type: EventExit, Region: &r})
}

func (f EventFunc) ProximityChanged(b region.Snapshot, from, to model.Proximity) {
	f(Event{Type: EventProximity, Region: &b, From: from, To: to})
}

func (f EventFunc) RegistryLoaded(regions []region.Snapshot) {
	f(Event{Type: EventRegistryLoaded, Regions: regions})
}
