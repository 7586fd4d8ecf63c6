// Package reco is the recommendation client: per-category, per-user cached recommendation
// state kept in sync with a remote recommender.
package reco

import (
	"fmt"
	"slices"
	"sort"
	"strings"
	"time"

	"proximity/go-engine/internal/model"
)

// Defaults for a freshly created client state.
const (
	DefaultMaxRecommendations = 20
	DefaultMinUpdateInterval  = time.Hour
	DefaultMethod             = MethodItemSimilarity
)

// Method is the preferred recommendation method. The recommender treats it as a hint.
type Method int

const (
	MethodRandom Method = iota
	MethodTopTrends
	MethodItemSimilarity
)

func (m Method) String() string {
	switch m {
	case MethodRandom:
		return "random"
	case MethodTopTrends:
		return "top_trends"
	case MethodItemSimilarity:
		return "item_similarity"
	default:
		return fmt.Sprintf("Method(%d)", int(m))
	}
}

// MarshalText renders the method name.
func (m Method) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// UnmarshalText parses a method name.
func (m *Method) UnmarshalText(text []byte) error {
	switch strings.ToLower(strings.TrimSpace(string(text))) {
	case "random":
		*m = MethodRandom
	case "top_trends", "toptrends":
		*m = MethodTopTrends
	case "item_similarity", "itemsimilarity", "":
		*m = MethodItemSimilarity
	default:
		return fmt.Errorf("%w: reco method %q", model.ErrInvalidArgument, string(text))
	}
	return nil
}

// Filters narrow recommendations by context.
type Filters struct {
	Location bool `json:"location" cbor:"1,keyasint"`
	Time     bool `json:"time" cbor:"2,keyasint"`
}

// TrackKind is the kind of a tracked user interaction.
type TrackKind string

const (
	TrackView TrackKind = "view"
	TrackLike TrackKind = "like"
	TrackBuy  TrackKind = "buy"
)

// TrackEvent is an interaction recorded locally and sent with the next sync.
type TrackEvent struct {
	ID          string    `json:"id" cbor:"1,keyasint"`
	Kind        TrackKind `json:"kind" cbor:"2,keyasint"`
	ItemID      string    `json:"item_id" cbor:"3,keyasint"`
	Recommended bool      `json:"recommended,omitempty" cbor:"4,keyasint,omitempty"`
	Liked       bool      `json:"liked,omitempty" cbor:"5,keyasint,omitempty"`
	Count       int       `json:"count,omitempty" cbor:"6,keyasint,omitempty"`
	Price       float64   `json:"price,omitempty" cbor:"7,keyasint,omitempty"`
	At          time.Time `json:"at" cbor:"8,keyasint"`
}

// State is everything persisted for one (category, user) pair. An empty UserID is the
// anonymous user.
type State struct {
	Category           string             `cbor:"1,keyasint"`
	UserID             string             `cbor:"2,keyasint,omitempty"`
	Items              []model.RecoItem   `cbor:"3,keyasint,omitempty"`
	WhiteList          []string           `cbor:"4,keyasint,omitempty"`
	BlackList          []string           `cbor:"5,keyasint,omitempty"`
	Boost              map[string]float64 `cbor:"6,keyasint,omitempty"`
	MaxRecommendations int                `cbor:"7,keyasint"`
	MinUpdateInterval  time.Duration      `cbor:"8,keyasint"`
	Method             Method             `cbor:"9,keyasint"`
	Resolve            bool               `cbor:"10,keyasint"`
	Filters            Filters            `cbor:"11,keyasint"`
	Pending            []TrackEvent       `cbor:"12,keyasint,omitempty"`
	LastSync           time.Time          `cbor:"13,keyasint,omitempty"`
}

// Settings are the per-client defaults applied to a state with no persisted record.
type Settings struct {
	MaxRecommendations int
	MinUpdateInterval  time.Duration
	Method             Method
	Resolve            bool
	Filters            Filters
}

// DefaultSettings returns the settings a new client starts with.
func DefaultSettings() Settings {
	return Settings{
		MaxRecommendations: DefaultMaxRecommendations,
		MinUpdateInterval:  DefaultMinUpdateInterval,
		Method:             DefaultMethod,
	}
}

// NewState builds an empty state for category and user from settings.
func NewState(category, userID string, s Settings) State {
	if s.MaxRecommendations <= 0 {
		s.MaxRecommendations = DefaultMaxRecommendations
	}
	if s.MinUpdateInterval < 0 {
		s.MinUpdateInterval = 0
	}
	return State{
		Category:           category,
		UserID:             userID,
		Boost:              make(map[string]float64),
		MaxRecommendations: s.MaxRecommendations,
		MinUpdateInterval:  s.MinUpdateInterval,
		Method:             s.Method,
		Resolve:            s.Resolve,
		Filters:            s.Filters,
	}
}

// Clone returns a deep copy.
func (s State) Clone() State {
	out := s
	out.Items = slices.Clone(s.Items)
	out.WhiteList = slices.Clone(s.WhiteList)
	out.BlackList = slices.Clone(s.BlackList)
	out.Pending = slices.Clone(s.Pending)
	out.Boost = make(map[string]float64, len(s.Boost))
	for k, v := range s.Boost {
		out.Boost[k] = v
	}
	return out
}

// Ranked applies the lists to the cached items: black-listed items are dropped, only
// white-listed items survive when the white list is non-empty, scores are multiplied by
// their boost, items are stably sorted by score descending, truncated to
// MaxRecommendations and reindexed from zero.
func (s State) Ranked() []model.RecoItem {
	black := toSet(s.BlackList)
	white := toSet(s.WhiteList)

	out := make([]model.RecoItem, 0, len(s.Items))
	for _, it := range s.Items {
		if _, banned := black[it.ItemID]; banned {
			continue
		}
		if len(white) > 0 {
			if _, ok := white[it.ItemID]; !ok {
				continue
			}
		}
		if b, ok := s.Boost[it.ItemID]; ok {
			it.Score *= b
		}
		out = append(out, it)
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })

	if s.MaxRecommendations > 0 && len(out) > s.MaxRecommendations {
		out = out[:s.MaxRecommendations]
	}
	for i := range out {
		out[i].Index = i
	}
	return out
}

func toSet(ids []string) map[string]struct{} {
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}
