// Package region holds the trackable region hierarchy and the state machine that
// turns raw proximity observations into enter/exit transitions.
//
// Parent links are ids resolved through the Registry. A region never owns its
// parents, so label groups may overlap freely without forming ownership cycles.
package region

import (
	"slices"

	"proximity/go-engine/internal/model"
)

// Region is the common capability of beacons, zones, places and groups.
// Presence is read-only outside this package; only the Tracker moves it.
type Region interface {
	ID() string
	Name() string
	Provider() string
	Kind() model.RegionKind
	ResourceKeys() []string
	ParentIDs() []string
	Labels() []model.Label
	Presence() model.Presence
	PreviousPresence() model.Presence

	base() *node
}

type node struct {
	id       string
	name     string
	provider string
	labels   []model.Label
	parents  []string
	current  model.Presence
	previous model.Presence
}

func (n *node) ID() string                       { return n.id }
func (n *node) Name() string                     { return n.name }
func (n *node) Provider() string                 { return n.provider }
func (n *node) Labels() []model.Label            { return slices.Clone(n.labels) }
func (n *node) ParentIDs() []string              { return slices.Clone(n.parents) }
func (n *node) Presence() model.Presence         { return n.current }
func (n *node) PreviousPresence() model.Presence { return n.previous }
func (n *node) base() *node                      { return n }

func (n *node) addParent(id string) {
	if !slices.Contains(n.parents, id) {
		n.parents = append(n.parents, id)
	}
}

func (n *node) set(p model.Presence) (from model.Presence) {
	from = n.current
	n.previous = n.current
	n.current = p
	return from
}

// Beacon is a single radio transmitter.
type Beacon struct {
	node
	UUID   string
	Major  int
	Minor  int
	ZoneID string

	proximity model.Proximity
}

func (b *Beacon) Kind() model.RegionKind { return model.KindBeacon }

func (b *Beacon) ResourceKeys() []string {
	return []string{model.ResourceKey(model.KindBeacon, b.id)}
}

// Proximity returns the last proximity class observed for the beacon.
func (b *Beacon) Proximity() model.Proximity { return b.proximity }

// Zone groups an ordered set of beacons on one floor of a place.
type Zone struct {
	node
	Floor     int
	Category  string
	PlaceID   string
	BeaconIDs []string
}

func (z *Zone) Kind() model.RegionKind { return model.KindZone }

func (z *Zone) ResourceKeys() []string {
	return []string{model.ResourceKey(model.KindZone, z.id)}
}

// Geofence is a circular geographic boundary.
type Geofence struct {
	Latitude     float64 `yaml:"lat" json:"lat"`
	Longitude    float64 `yaml:"lon" json:"lon"`
	RadiusMeters float64 `yaml:"radius" json:"radius"`
}

// Place is a real-world venue holding an ordered list of zones and an optional geofence.
type Place struct {
	node
	Geofence *Geofence
	ZoneIDs  []string
}

func (p *Place) Kind() model.RegionKind { return model.KindPlace }

func (p *Place) ResourceKeys() []string {
	return []string{model.ResourceKey(model.KindPlace, p.id)}
}

// Group is the ad-hoc set of regions that share a label.
type Group struct {
	node
	Label   model.Label
	members []string
}

func (g *Group) Kind() model.RegionKind { return model.KindGroup }

func (g *Group) ResourceKeys() []string {
	return []string{
		model.ResourceKey(model.KindGroup, g.id),
		model.LabelKey(g.Label.Name),
	}
}

// MemberIDs returns the group members in registration order.
func (g *Group) MemberIDs() []string { return slices.Clone(g.members) }

func (g *Group) addMember(id string) {
	if !slices.Contains(g.members, id) {
		g.members = append(g.members, id)
	}
}

// Snapshot is a read-only copy of a region taken at dispatch time.
type Snapshot struct {
	ID        string           `json:"id"`
	Name      string           `json:"name"`
	Provider  string           `json:"provider,omitempty"`
	Kind      model.RegionKind `json:"kind"`
	Keys      []string         `json:"keys"`
	Labels    []model.Label    `json:"labels,omitempty"`
	Parents   []string         `json:"parents,omitempty"`
	Presence  model.Presence   `json:"presence"`
	Previous  model.Presence   `json:"previous"`
	Proximity model.Proximity  `json:"proximity"`
}

// Key returns the primary resource key of the snapshot.
func (s Snapshot) Key() string {
	return model.ResourceKey(s.Kind, s.ID)
}

func snapshotOf(r Region) Snapshot {
	s := Snapshot{
		ID:       r.ID(),
		Name:     r.Name(),
		Provider: r.Provider(),
		Kind:     r.Kind(),
		Keys:     r.ResourceKeys(),
		Labels:   r.Labels(),
		Parents:  r.ParentIDs(),
		Presence: r.Presence(),
		Previous: r.PreviousPresence(),
	}
	if b, ok := r.(*Beacon); ok {
		s.Proximity = b.proximity
	}
	return s
}
