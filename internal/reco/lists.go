package reco

import (
	"fmt"
	"slices"
	"strings"

	"proximity/go-engine/internal/model"
)

type listKind int

const (
	whiteList listKind = iota
	blackList
)

// ItemList is a live handle on a client's white or black list. Changes apply to the
// current user's state and are persisted with it.
type ItemList struct {
	c    *Client
	kind listKind
}

func (l ItemList) ids() *[]string {
	if l.kind == whiteList {
		return &l.c.state.WhiteList
	}
	return &l.c.state.BlackList
}

// Add appends itemID if it is not already listed.
func (l ItemList) Add(itemID string) error {
	if strings.TrimSpace(itemID) == "" {
		return fmt.Errorf("%w: empty item id", model.ErrInvalidArgument)
	}
	l.c.mu.Lock()
	defer l.c.mu.Unlock()

	ids := l.ids()
	if !slices.Contains(*ids, itemID) {
		*ids = append(*ids, itemID)
	}
	return nil
}

// Remove deletes itemID and reports whether it was listed.
func (l ItemList) Remove(itemID string) bool {
	l.c.mu.Lock()
	defer l.c.mu.Unlock()

	ids := l.ids()
	i := slices.Index(*ids, itemID)
	if i < 0 {
		return false
	}
	*ids = slices.Delete(*ids, i, i+1)
	return true
}

// Contains reports whether itemID is listed.
func (l ItemList) Contains(itemID string) bool {
	l.c.mu.Lock()
	defer l.c.mu.Unlock()
	return slices.Contains(*l.ids(), itemID)
}

// Clear empties the list.
func (l ItemList) Clear() {
	l.c.mu.Lock()
	defer l.c.mu.Unlock()
	*l.ids() = nil
}

// Size returns the number of listed ids.
func (l ItemList) Size() int {
	l.c.mu.Lock()
	defer l.c.mu.Unlock()
	return len(*l.ids())
}

// Empty reports whether the list has no ids.
func (l ItemList) Empty() bool {
	return l.Size() == 0
}

// Items returns the listed ids in insertion order.
func (l ItemList) Items() []string {
	l.c.mu.Lock()
	defer l.c.mu.Unlock()
	return slices.Clone(*l.ids())
}

// BoostList is a live handle on a client's score multipliers.
type BoostList struct {
	c *Client
}

// Add sets the multiplier for itemID. Boosts must be positive.
func (l BoostList) Add(itemID string, boost float64) error {
	if strings.TrimSpace(itemID) == "" {
		return fmt.Errorf("%w: empty item id", model.ErrInvalidArgument)
	}
	if boost <= 0 {
		return fmt.Errorf("%w: boost %v for item %s", model.ErrInvalidArgument, boost, itemID)
	}
	l.c.mu.Lock()
	defer l.c.mu.Unlock()

	if l.c.state.Boost == nil {
		l.c.state.Boost = make(map[string]float64)
	}
	l.c.state.Boost[itemID] = boost
	return nil
}

// Remove deletes the multiplier for itemID.
func (l BoostList) Remove(itemID string) bool {
	l.c.mu.Lock()
	defer l.c.mu.Unlock()

	if _, ok := l.c.state.Boost[itemID]; !ok {
		return false
	}
	delete(l.c.state.Boost, itemID)
	return true
}

// Boost returns the multiplier for itemID.
func (l BoostList) Boost(itemID string) (float64, bool) {
	l.c.mu.Lock()
	defer l.c.mu.Unlock()
	b, ok := l.c.state.Boost[itemID]
	return b, ok
}

// Contains reports whether itemID has a multiplier.
func (l BoostList) Contains(itemID string) bool {
	_, ok := l.Boost(itemID)
	return ok
}

// Clear removes every multiplier.
func (l BoostList) Clear() {
	l.c.mu.Lock()
	defer l.c.mu.Unlock()
	l.c.state.Boost = make(map[string]float64)
}

// Size returns the number of boosted items.
func (l BoostList) Size() int {
	l.c.mu.Lock()
	defer l.c.mu.Unlock()
	return len(l.c.state.Boost)
}

// Empty reports whether no item is boosted.
func (l BoostList) Empty() bool {
	return l.Size() == 0
}
