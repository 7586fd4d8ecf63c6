package region

import (
	"fmt"
	"sort"
	"sync"

	"proximity/go-engine/internal/model"
)

// Definition describes the region hierarchy as delivered by the cloud registry.
type Definition struct {
	Labels  []model.Label `yaml:"labels"`
	Beacons []BeaconDef   `yaml:"beacons"`
	Zones   []ZoneDef     `yaml:"zones"`
	Places  []PlaceDef    `yaml:"places"`
}

// BeaconDef describes one beacon.
type BeaconDef struct {
	ID       string   `yaml:"id"`
	Name     string   `yaml:"name"`
	Provider string   `yaml:"provider"`
	UUID     string   `yaml:"uuid"`
	Major    int      `yaml:"major"`
	Minor    int      `yaml:"minor"`
	Labels   []string `yaml:"labels"`
}

// ZoneDef describes one zone and its ordered member beacons.
type ZoneDef struct {
	ID       string   `yaml:"id"`
	Name     string   `yaml:"name"`
	Provider string   `yaml:"provider"`
	Floor    int      `yaml:"floor"`
	Category string   `yaml:"category"`
	Beacons  []string `yaml:"beacons"`
	Labels   []string `yaml:"labels"`
}

// PlaceDef describes one place and its ordered member zones.
type PlaceDef struct {
	ID       string    `yaml:"id"`
	Name     string    `yaml:"name"`
	Provider string    `yaml:"provider"`
	Geofence *Geofence `yaml:"geofence"`
	Zones    []string  `yaml:"zones"`
	Labels   []string  `yaml:"labels"`
}

// Registry is the arena of regions indexed by id. Presence fields are guarded by mu
// and written only by the Tracker; everyone else reads snapshots.
type Registry struct {
	mu       sync.RWMutex
	regions  []Region
	index    map[string]int
	children map[string][]string
}

// NewRegistry builds and cross-links the hierarchy. Dangling references are configuration
// errors and reject the whole definition.
func NewRegistry(def Definition) (*Registry, error) {
	r := &Registry{
		index:    make(map[string]int),
		children: make(map[string][]string),
	}

	labels := make(map[string]model.Label, len(def.Labels))
	for _, l := range def.Labels {
		if l.ID == "" {
			return nil, fmt.Errorf("%w: label with empty id", model.ErrInvalidArgument)
		}
		if l.Name == "" {
			l.Name = l.ID
		}
		labels[l.ID] = l
	}

	resolveLabels := func(owner string, ids []string) ([]model.Label, error) {
		out := make([]model.Label, 0, len(ids))
		for _, id := range ids {
			l, ok := labels[id]
			if !ok {
				return nil, fmt.Errorf("region %s references unknown label %q", owner, id)
			}
			out = append(out, l)
		}
		return out, nil
	}

	for _, d := range def.Beacons {
		ls, err := resolveLabels(d.ID, d.Labels)
		if err != nil {
			return nil, err
		}
		b := &Beacon{
			node:  node{id: d.ID, name: d.Name, provider: d.Provider, labels: ls},
			UUID:  d.UUID,
			Major: d.Major,
			Minor: d.Minor,
		}
		if err := r.add(b); err != nil {
			return nil, err
		}
	}

	for _, d := range def.Zones {
		ls, err := resolveLabels(d.ID, d.Labels)
		if err != nil {
			return nil, err
		}
		z := &Zone{
			node:     node{id: d.ID, name: d.Name, provider: d.Provider, labels: ls},
			Floor:    d.Floor,
			Category: d.Category,
		}
		if err := r.add(z); err != nil {
			return nil, err
		}
		for _, bid := range d.Beacons {
			b, ok := r.lookup(bid).(*Beacon)
			if !ok {
				return nil, fmt.Errorf("zone %s references unknown beacon %q", d.ID, bid)
			}
			if b.ZoneID != "" && b.ZoneID != d.ID {
				return nil, fmt.Errorf("beacon %s assigned to zones %s and %s", bid, b.ZoneID, d.ID)
			}
			b.ZoneID = d.ID
			b.addParent(d.ID)
			z.BeaconIDs = append(z.BeaconIDs, bid)
			r.link(d.ID, bid)
		}
	}

	for _, d := range def.Places {
		ls, err := resolveLabels(d.ID, d.Labels)
		if err != nil {
			return nil, err
		}
		p := &Place{
			node:     node{id: d.ID, name: d.Name, provider: d.Provider, labels: ls},
			Geofence: d.Geofence,
		}
		if err := r.add(p); err != nil {
			return nil, err
		}
		for _, zid := range d.Zones {
			z, ok := r.lookup(zid).(*Zone)
			if !ok {
				return nil, fmt.Errorf("place %s references unknown zone %q", d.ID, zid)
			}
			if z.PlaceID != "" && z.PlaceID != d.ID {
				return nil, fmt.Errorf("zone %s assigned to places %s and %s", zid, z.PlaceID, d.ID)
			}
			z.PlaceID = d.ID
			z.addParent(d.ID)
			p.ZoneIDs = append(p.ZoneIDs, zid)
			r.link(d.ID, zid)
		}
	}

	// Groups are assembled from labels after every labelled region exists. Iterate the
	// arena in registration order so member order is stable.
	members := make([]Region, len(r.regions))
	copy(members, r.regions)
	for _, m := range members {
		for _, l := range m.Labels() {
			g, ok := r.lookup(l.ID).(*Group)
			if !ok {
				g = &Group{node: node{id: l.ID, name: l.Name, provider: "label"}, Label: l}
				if err := r.add(g); err != nil {
					return nil, err
				}
			}
			g.addMember(m.ID())
			m.base().addParent(g.id)
			r.link(g.id, m.ID())
		}
	}

	return r, nil
}

func (r *Registry) add(reg Region) error {
	if reg.ID() == "" {
		return fmt.Errorf("%w: %s with empty id", model.ErrInvalidArgument, reg.Kind())
	}
	if _, dup := r.index[reg.ID()]; dup {
		return fmt.Errorf("duplicate region id %q", reg.ID())
	}
	r.index[reg.ID()] = len(r.regions)
	r.regions = append(r.regions, reg)
	return nil
}

func (r *Registry) link(parent, child string) {
	r.children[parent] = append(r.children[parent], child)
}

func (r *Registry) lookup(id string) Region {
	i, ok := r.index[id]
	if !ok {
		return nil
	}
	return r.regions[i]
}

// Len returns the number of regions, groups included.
func (r *Registry) Len() int {
	return len(r.regions)
}

// Contains reports whether a region id is registered.
func (r *Registry) Contains(id string) bool {
	_, ok := r.index[id]
	return ok
}

// Snapshot returns a read-only copy of one region.
func (r *Registry) Snapshot(id string) (Snapshot, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	reg := r.lookup(id)
	if reg == nil {
		return Snapshot{}, fmt.Errorf("%w: %s", model.ErrUnknownRegion, id)
	}
	return snapshotOf(reg), nil
}

// Snapshots returns copies of every region, optionally filtered by kind, ordered by kind then id.
func (r *Registry) Snapshots(kinds ...model.RegionKind) []Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Snapshot, 0, len(r.regions))
	for _, reg := range r.regions {
		if len(kinds) > 0 && !containsKind(kinds, reg.Kind()) {
			continue
		}
		out = append(out, snapshotOf(reg))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Kind != out[j].Kind {
			return out[i].Kind < out[j].Kind
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// ChildIDs returns the ids aggregated into a parent region.
func (r *Registry) ChildIDs(id string) []string {
	return append([]string(nil), r.children[id]...)
}

func containsKind(kinds []model.RegionKind, k model.RegionKind) bool {
	for _, want := range kinds {
		if want == k {
			return true
		}
	}
	return false
}
