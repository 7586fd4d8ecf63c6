package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"proximity/go-engine/internal/reco"
)

// LoadRecoState returns the persisted state for (category, userID).
func (s *Store) LoadRecoState(ctx context.Context, category, userID string) (reco.State, bool, error) {
	if s.db == nil {
		return reco.State{}, false, fmt.Errorf("store not initialized")
	}

	var blob []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT state FROM reco_state WHERE category = ? AND user_id = ?;`, category, userID).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return reco.State{}, false, nil
	}
	if err != nil {
		return reco.State{}, false, fmt.Errorf("get reco state: %w", err)
	}

	var st reco.State
	if err := cbor.Unmarshal(blob, &st); err != nil {
		return reco.State{}, false, fmt.Errorf("decode reco state: %w", err)
	}
	st.Category = category
	st.UserID = userID
	return st, true, nil
}

// SaveRecoState upserts the state keyed by its category and user.
func (s *Store) SaveRecoState(ctx context.Context, st reco.State) error {
	if s.db == nil {
		return fmt.Errorf("store not initialized")
	}

	blob, err := blobEnc.Marshal(st)
	if err != nil {
		return fmt.Errorf("encode reco state: %w", err)
	}

	_, err = s.db.ExecContext(
		ctx,
		`INSERT INTO reco_state (category, user_id, state, last_sync, updated_at)
		 VALUES (?, ?, ?, ?, strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
		 ON CONFLICT(category, user_id)
		 DO UPDATE SET state = excluded.state,
				 last_sync = excluded.last_sync,
				 updated_at = excluded.updated_at;`,
		st.Category,
		st.UserID,
		blob,
		nullTime(st.LastSync),
	)
	if err != nil {
		return fmt.Errorf("save reco state: %w", err)
	}
	return nil
}

// RecoCategories lists the categories with persisted state for userID.
func (s *Store) RecoCategories(ctx context.Context, userID string) ([]string, error) {
	if s.db == nil {
		return nil, fmt.Errorf("store not initialized")
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT category FROM reco_state WHERE user_id = ? ORDER BY category;`, userID)
	if err != nil {
		return nil, fmt.Errorf("query reco categories: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var category string
		if err := rows.Scan(&category); err != nil {
			return nil, fmt.Errorf("scan reco category: %w", err)
		}
		out = append(out, category)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate reco categories: %w", err)
	}
	return out, nil
}
