package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/benbjohnson/clock"
	"github.com/fxamacker/cbor/v2"

	"proximity/go-engine/internal/cart"
	"proximity/go-engine/internal/model"
)

const (
	cartCreatedKey  = "cart_created_at"
	cartModifiedKey = "cart_modified_at"
)

// SaveCart replaces the persisted cart lines with the cart's current contents.
func (s *Store) SaveCart(ctx context.Context, c *cart.Cart) error {
	if s.db == nil {
		return fmt.Errorf("store not initialized")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin save cart: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM cart_lines;`); err != nil {
		return fmt.Errorf("clear cart lines: %w", err)
	}

	for i, l := range c.Lines() {
		_, err := tx.ExecContext(
			ctx,
			`INSERT INTO cart_lines (item_id, category, currency, unit_price, quantity, position, modified_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?);`,
			l.Item.ID,
			l.Item.Category,
			l.Item.Currency,
			l.Item.UnitPrice,
			l.Quantity,
			i,
			formatTime(l.ModifiedAt),
		)
		if err != nil {
			return fmt.Errorf("insert cart line %s: %w", l.Item.ID, err)
		}
	}

	meta := map[string]string{
		cartCreatedKey:  formatTime(c.CreatedAt()),
		cartModifiedKey: formatTime(c.ModifiedAt()),
	}
	for key, value := range meta {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO app_config (key, value, updated_at) VALUES (?, ?, strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
			 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at;`,
			key, value); err != nil {
			return fmt.Errorf("save cart metadata: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit save cart: %w", err)
	}
	return nil
}

// LoadCart rebuilds the persisted cart. An empty database yields an empty cart.
func (s *Store) LoadCart(ctx context.Context, clk clock.Clock) (*cart.Cart, error) {
	if s.db == nil {
		return nil, fmt.Errorf("store not initialized")
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT item_id, category, currency, unit_price, quantity, modified_at FROM cart_lines ORDER BY position;`)
	if err != nil {
		return nil, fmt.Errorf("query cart lines: %w", err)
	}
	defer rows.Close()

	var lines []cart.Line
	for rows.Next() {
		var (
			l           cart.Line
			modifiedStr string
		)
		if err := rows.Scan(&l.Item.ID, &l.Item.Category, &l.Item.Currency, &l.Item.UnitPrice, &l.Quantity, &modifiedStr); err != nil {
			return nil, fmt.Errorf("scan cart line: %w", err)
		}
		l.ModifiedAt = parseTime(modifiedStr)
		lines = append(lines, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate cart lines: %w", err)
	}

	created, _, err := s.AppConfigValue(ctx, cartCreatedKey)
	if err != nil {
		return nil, err
	}
	modified, _, err := s.AppConfigValue(ctx, cartModifiedKey)
	if err != nil {
		return nil, err
	}

	return cart.Restore(clk, lines, parseTime(created), parseTime(modified)), nil
}

// SaveItemSet upserts a named item set.
func (s *Store) SaveItemSet(ctx context.Context, set *cart.ItemSet) error {
	if s.db == nil {
		return fmt.Errorf("store not initialized")
	}
	if set.Name() == "" {
		return fmt.Errorf("%w: empty item set name", model.ErrInvalidArgument)
	}

	blob, err := blobEnc.Marshal(set.Items())
	if err != nil {
		return fmt.Errorf("encode item set: %w", err)
	}

	_, err = s.db.ExecContext(
		ctx,
		`INSERT INTO item_sets (name, items, created_at, modified_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET items = excluded.items, modified_at = excluded.modified_at;`,
		set.Name(),
		blob,
		formatTime(set.CreatedAt()),
		formatTime(set.ModifiedAt()),
	)
	if err != nil {
		return fmt.Errorf("save item set: %w", err)
	}
	return nil
}

// LoadItemSet returns the named set.
func (s *Store) LoadItemSet(ctx context.Context, name string, clk clock.Clock) (*cart.ItemSet, bool, error) {
	if s.db == nil {
		return nil, false, fmt.Errorf("store not initialized")
	}

	var (
		blob                    []byte
		createdStr, modifiedStr string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT items, created_at, modified_at FROM item_sets WHERE name = ?;`, name).Scan(&blob, &createdStr, &modifiedStr)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get item set: %w", err)
	}

	var ids []string
	if err := cbor.Unmarshal(blob, &ids); err != nil {
		return nil, false, fmt.Errorf("decode item set: %w", err)
	}
	return cart.RestoreItemSet(name, clk, ids, parseTime(createdStr), parseTime(modifiedStr)), true, nil
}

// DeleteItemSet removes the named set and reports whether it existed.
func (s *Store) DeleteItemSet(ctx context.Context, name string) (bool, error) {
	if s.db == nil {
		return false, fmt.Errorf("store not initialized")
	}

	res, err := s.db.ExecContext(ctx, `DELETE FROM item_sets WHERE name = ?;`, name)
	if err != nil {
		return false, fmt.Errorf("delete item set: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete item set: %w", err)
	}
	return n > 0, nil
}
