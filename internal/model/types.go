package model

import (
	"fmt"
	"strings"
	"time"
)

// Presence is the tri-state position of the device relative to a region.
type Presence int

const (
	PresenceUnknown Presence = iota
	PresenceInside
	PresenceOutside
)

func (p Presence) String() string {
	switch p {
	case PresenceInside:
		return "inside"
	case PresenceOutside:
		return "outside"
	default:
		return "unknown"
	}
}

// MarshalText renders the presence as its lowercase name.
func (p Presence) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// ParsePresence converts a presence name into its value.
func ParsePresence(s string) (Presence, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "unknown":
		return PresenceUnknown, nil
	case "inside":
		return PresenceInside, nil
	case "outside":
		return PresenceOutside, nil
	default:
		return PresenceUnknown, fmt.Errorf("%w: presence %q", ErrInvalidArgument, s)
	}
}

// Proximity is the distance class reported by a beacon provider.
type Proximity int

const (
	ProximityUnknown Proximity = iota
	ProximityImmediate
	ProximityNear
	ProximityFar
)

func (p Proximity) String() string {
	switch p {
	case ProximityImmediate:
		return "immediate"
	case ProximityNear:
		return "near"
	case ProximityFar:
		return "far"
	default:
		return "unknown"
	}
}

// MarshalText renders the proximity as its lowercase name.
func (p Proximity) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText accepts the lowercase names produced by MarshalText.
func (p *Proximity) UnmarshalText(text []byte) error {
	parsed, err := ParseProximity(string(text))
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// ParseProximity converts a proximity name into its value. An empty string is Unknown.
func ParseProximity(s string) (Proximity, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "unknown":
		return ProximityUnknown, nil
	case "immediate":
		return ProximityImmediate, nil
	case "near":
		return ProximityNear, nil
	case "far":
		return ProximityFar, nil
	default:
		return ProximityUnknown, fmt.Errorf("%w: proximity %q", ErrInvalidArgument, s)
	}
}

// Distance thresholds used to classify observations that only carry a distance.
const (
	ImmediateDistanceMeters = 0.5
	NearDistanceMeters      = 4.0
)

// ClassifyDistance maps a distance in meters onto a proximity class.
// Negative distances mean the provider could not range the signal.
func ClassifyDistance(meters float64) Proximity {
	switch {
	case meters < 0:
		return ProximityUnknown
	case meters < ImmediateDistanceMeters:
		return ProximityImmediate
	case meters < NearDistanceMeters:
		return ProximityNear
	default:
		return ProximityFar
	}
}

// RegionKind distinguishes the variants of the region hierarchy.
type RegionKind int

const (
	KindBeacon RegionKind = iota
	KindZone
	KindPlace
	KindGroup
)

func (k RegionKind) String() string {
	switch k {
	case KindBeacon:
		return "Beacon"
	case KindZone:
		return "Zone"
	case KindPlace:
		return "Place"
	case KindGroup:
		return "Group"
	default:
		return fmt.Sprintf("RegionKind(%d)", int(k))
	}
}

// MarshalText renders the kind as its name.
func (k RegionKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// ResourceKey builds the event bus topic for a region of the given kind.
func ResourceKey(kind RegionKind, id string) string {
	return kind.String() + ":" + id
}

// LabelKey builds the event bus topic addressing every region carrying a label.
func LabelKey(name string) string {
	return "Label:" + name
}

// Observation is a single raw presence signal delivered by a location provider.
type Observation struct {
	RegionID  string    `json:"region_id"`
	Proximity Proximity `json:"proximity"`
	// Distance in meters; used only when Proximity is Unknown and HasDistance is set.
	Distance    float64   `json:"distance,omitempty"`
	HasDistance bool      `json:"has_distance,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
	Provider    string    `json:"provider"`
}

// Class returns the effective proximity class of the observation.
func (o Observation) Class() Proximity {
	if o.Proximity == ProximityUnknown && o.HasDistance {
		return ClassifyDistance(o.Distance)
	}
	return o.Proximity
}

// Label tags regions for event bus addressing. It carries no state of its own.
type Label struct {
	ID    string `json:"id" yaml:"id"`
	Name  string `json:"name" yaml:"name"`
	Color string `json:"color,omitempty" yaml:"color"`
}

// IngestionError captures a payload that failed validation or referenced an unknown region.
type IngestionError struct {
	RegionID string `json:"region_id"`
	Payload  string `json:"payload"`
	Error    string `json:"error"`
}
