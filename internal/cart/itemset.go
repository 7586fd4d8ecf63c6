package cart

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"proximity/go-engine/internal/model"
)

// ItemSet is a named collection of item ids with no duplicates, kept in insertion order.
type ItemSet struct {
	mu    sync.Mutex
	clock clock.Clock

	name       string
	ids        []string
	index      map[string]struct{}
	createdAt  time.Time
	modifiedAt time.Time
}

// NewItemSet creates an empty set. A nil clock uses wall time.
func NewItemSet(name string, clk clock.Clock) *ItemSet {
	if clk == nil {
		clk = clock.New()
	}
	now := clk.Now()
	return &ItemSet{
		clock:      clk,
		name:       name,
		index:      make(map[string]struct{}),
		createdAt:  now,
		modifiedAt: now,
	}
}

// RestoreItemSet rebuilds a persisted set. Duplicate and empty ids are dropped.
func RestoreItemSet(name string, clk clock.Clock, itemIDs []string, createdAt, modifiedAt time.Time) *ItemSet {
	s := NewItemSet(name, clk)
	for _, id := range itemIDs {
		if strings.TrimSpace(id) != "" {
			s.addLocked(id)
		}
	}
	if !createdAt.IsZero() {
		s.createdAt = createdAt
	}
	s.modifiedAt = s.createdAt
	if !modifiedAt.IsZero() {
		s.modifiedAt = modifiedAt
	}
	return s
}

// Name returns the set name.
func (s *ItemSet) Name() string { return s.name }

// Add inserts itemID and reports whether the set changed.
func (s *ItemSet) Add(itemID string) (bool, error) {
	if strings.TrimSpace(itemID) == "" {
		return false, fmt.Errorf("%w: empty item id", model.ErrInvalidArgument)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addLocked(itemID), nil
}

// AddAll inserts every id and reports whether the set changed. An empty id rejects the
// whole batch before anything is added.
func (s *ItemSet) AddAll(itemIDs []string) (bool, error) {
	for _, id := range itemIDs {
		if strings.TrimSpace(id) == "" {
			return false, fmt.Errorf("%w: empty item id", model.ErrInvalidArgument)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	changed := false
	for _, id := range itemIDs {
		if s.addLocked(id) {
			changed = true
		}
	}
	return changed, nil
}

func (s *ItemSet) addLocked(id string) bool {
	if _, ok := s.index[id]; ok {
		return false
	}
	s.index[id] = struct{}{}
	s.ids = append(s.ids, id)
	s.modifiedAt = s.clock.Now()
	return true
}

// Remove deletes itemID and reports whether it was present.
func (s *ItemSet) Remove(itemID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.index[itemID]; !ok {
		return false
	}
	delete(s.index, itemID)
	for i, id := range s.ids {
		if id == itemID {
			s.ids = append(s.ids[:i], s.ids[i+1:]...)
			break
		}
	}
	s.modifiedAt = s.clock.Now()
	return true
}

// Contains reports whether itemID is in the set.
func (s *ItemSet) Contains(itemID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.index[itemID]
	return ok
}

// Items returns the ids in insertion order.
func (s *ItemSet) Items() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.ids...)
}

// Size returns the number of ids.
func (s *ItemSet) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.ids)
}

// Clear removes every id.
func (s *ItemSet) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ids = nil
	s.index = make(map[string]struct{})
	s.modifiedAt = s.clock.Now()
}

// CreatedAt returns when the set was created.
func (s *ItemSet) CreatedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.createdAt
}

// ModifiedAt returns when the set last changed.
func (s *ItemSet) ModifiedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.modifiedAt
}
