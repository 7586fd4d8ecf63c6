// Package cart holds the user's shopping cart and named item sets.
package cart

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"proximity/go-engine/internal/model"
)

// Line is one cart line: an item with a quantity.
type Line struct {
	Item       model.Item `json:"item"`
	Quantity   int        `json:"quantity"`
	ModifiedAt time.Time  `json:"modified_at"`
}

// TotalPrice is quantity times unit price.
func (l Line) TotalPrice() float64 {
	return float64(l.Quantity) * l.Item.UnitPrice
}

type lineKey struct {
	itemID    string
	category  string
	currency  string
	unitPrice float64
}

func keyOf(it model.Item) lineKey {
	return lineKey{itemID: it.ID, category: it.Category, currency: it.Currency, unitPrice: it.UnitPrice}
}

// CheckoutState tracks the checkout lifecycle of a cart.
type CheckoutState int

const (
	CheckoutNone CheckoutState = iota
	CheckoutStarted
)

// Cart groups lines by (item id, category, currency, unit price). Adding an item whose key
// matches an existing line merges the quantities. Safe for concurrent use.
type Cart struct {
	mu    sync.Mutex
	clock clock.Clock

	lines      []*Line
	state      CheckoutState
	createdAt  time.Time
	modifiedAt time.Time
}

// New creates an empty cart. A nil clock uses wall time.
func New(clk clock.Clock) *Cart {
	if clk == nil {
		clk = clock.New()
	}
	now := clk.Now()
	return &Cart{clock: clk, createdAt: now, modifiedAt: now}
}

// Restore creates a cart holding previously persisted lines.
func Restore(clk clock.Clock, lines []Line, createdAt, modifiedAt time.Time) *Cart {
	c := New(clk)
	for i := range lines {
		l := lines[i]
		c.lines = append(c.lines, &l)
	}
	if !createdAt.IsZero() {
		c.createdAt = createdAt
	}
	if !modifiedAt.IsZero() {
		c.modifiedAt = modifiedAt
	}
	return c
}

// Add merges quantity of item into the matching line or appends a new one.
func (c *Cart) Add(item model.Item, quantity int) error {
	if strings.TrimSpace(item.ID) == "" {
		return fmt.Errorf("%w: empty item id", model.ErrInvalidArgument)
	}
	if quantity <= 0 {
		return fmt.Errorf("%w: quantity %d for item %s", model.ErrInvalidArgument, quantity, item.ID)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	key := keyOf(item)
	for _, l := range c.lines {
		if keyOf(l.Item) == key {
			l.Quantity += quantity
			l.ModifiedAt = now
			c.modifiedAt = now
			return nil
		}
	}
	c.lines = append(c.lines, &Line{Item: item, Quantity: quantity, ModifiedAt: now})
	c.modifiedAt = now
	return nil
}

// Update sets the quantity of the first line holding itemID. A zero quantity removes the
// line. Returns false when no line holds the item.
func (c *Cart) Update(itemID string, quantity int) (bool, error) {
	if strings.TrimSpace(itemID) == "" {
		return false, fmt.Errorf("%w: empty item id", model.ErrInvalidArgument)
	}
	if quantity < 0 {
		return false, fmt.Errorf("%w: quantity %d for item %s", model.ErrInvalidArgument, quantity, itemID)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for i, l := range c.lines {
		if l.Item.ID != itemID {
			continue
		}
		now := c.clock.Now()
		if quantity == 0 {
			c.lines = append(c.lines[:i], c.lines[i+1:]...)
		} else {
			l.Quantity = quantity
			l.ModifiedAt = now
		}
		c.modifiedAt = now
		return true, nil
	}
	return false, nil
}

// Remove drops every line holding itemID and reports whether any existed.
func (c *Cart) Remove(itemID string) (bool, error) {
	if strings.TrimSpace(itemID) == "" {
		return false, fmt.Errorf("%w: empty item id", model.ErrInvalidArgument)
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	kept := c.lines[:0]
	removed := false
	for _, l := range c.lines {
		if l.Item.ID == itemID {
			removed = true
			continue
		}
		kept = append(kept, l)
	}
	for i := len(kept); i < len(c.lines); i++ {
		c.lines[i] = nil
	}
	c.lines = kept
	if removed {
		c.modifiedAt = c.clock.Now()
	}
	return removed, nil
}

// Lines returns copies of the cart lines in insertion order.
func (c *Cart) Lines() []Line {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]Line, 0, len(c.lines))
	for _, l := range c.lines {
		out = append(out, *l)
	}
	return out
}

// Line returns the first line holding itemID.
func (c *Cart) Line(itemID string) (Line, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, l := range c.lines {
		if l.Item.ID == itemID {
			return *l, true
		}
	}
	return Line{}, false
}

// Total sums line totals for one currency.
func (c *Cart) Total(currency string) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	var total float64
	for _, l := range c.lines {
		if strings.EqualFold(l.Item.Currency, currency) {
			total += l.TotalPrice()
		}
	}
	return total
}

// Size is the number of units across all lines.
func (c *Cart) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for _, l := range c.lines {
		n += l.Quantity
	}
	return n
}

// Clear empties the cart and resets any checkout in progress.
func (c *Cart) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clearLocked()
}

func (c *Cart) clearLocked() {
	c.lines = nil
	c.state = CheckoutNone
	c.modifiedAt = c.clock.Now()
}

// BeginCheckout marks the start of checkout. It fails on an empty cart or when a checkout
// is already in progress.
func (c *Cart) BeginCheckout() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.lines) == 0 || c.state == CheckoutStarted {
		return false
	}
	c.state = CheckoutStarted
	c.modifiedAt = c.clock.Now()
	return true
}

// CompleteCheckout finishes a started checkout and clears the cart. It returns the
// purchased lines.
func (c *Cart) CompleteCheckout() ([]Line, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != CheckoutStarted {
		return nil, false
	}
	purchased := make([]Line, 0, len(c.lines))
	for _, l := range c.lines {
		purchased = append(purchased, *l)
	}
	c.clearLocked()
	return purchased, true
}

// State returns the checkout state.
func (c *Cart) State() CheckoutState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// CreatedAt returns when the cart was first created.
func (c *Cart) CreatedAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.createdAt
}

// ModifiedAt returns when the cart last changed.
func (c *Cart) ModifiedAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.modifiedAt
}
