package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"

	"proximity/go-engine/internal/model"
)

// SavePendingNotification records a parked background notification.
func (s *Store) SavePendingNotification(ctx context.Context, p model.PendingNotification) error {
	if s.db == nil {
		return fmt.Errorf("store not initialized")
	}
	if p.ID == "" {
		return fmt.Errorf("%w: empty notification id", model.ErrInvalidArgument)
	}

	blob, err := blobEnc.Marshal(p.Action)
	if err != nil {
		return fmt.Errorf("encode notification action: %w", err)
	}

	_, err = s.db.ExecContext(
		ctx,
		`INSERT INTO pending_notifications (id, action_id, action, alert, created_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET action_id = excluded.action_id,
				 action = excluded.action,
				 alert = excluded.alert,
				 expires_at = excluded.expires_at;`,
		p.ID,
		p.Action.ID,
		blob,
		p.Alert,
		formatTime(p.CreatedAt),
		nullTime(p.ExpiresAt),
	)
	if err != nil {
		return fmt.Errorf("save pending notification: %w", err)
	}
	return nil
}

// TakePendingNotification removes and returns the notification with id. Unknown ids
// yield model.ErrUnknownNotification.
func (s *Store) TakePendingNotification(ctx context.Context, id string) (model.PendingNotification, error) {
	if s.db == nil {
		return model.PendingNotification{}, fmt.Errorf("store not initialized")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.PendingNotification{}, fmt.Errorf("begin take notification: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx,
		`SELECT id, action, alert, created_at, expires_at FROM pending_notifications WHERE id = ?;`, id)
	p, err := scanNotification(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.PendingNotification{}, fmt.Errorf("%w: %s", model.ErrUnknownNotification, id)
	}
	if err != nil {
		return model.PendingNotification{}, err
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM pending_notifications WHERE id = ?;`, id); err != nil {
		return model.PendingNotification{}, fmt.Errorf("delete pending notification: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return model.PendingNotification{}, fmt.Errorf("commit take notification: %w", err)
	}
	return p, nil
}

// ListPendingNotifications returns every parked notification oldest first.
func (s *Store) ListPendingNotifications(ctx context.Context) ([]model.PendingNotification, error) {
	if s.db == nil {
		return nil, fmt.Errorf("store not initialized")
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, action, alert, created_at, expires_at FROM pending_notifications ORDER BY created_at, id;`)
	if err != nil {
		return nil, fmt.Errorf("query pending notifications: %w", err)
	}
	defer rows.Close()

	var out []model.PendingNotification
	for rows.Next() {
		p, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pending notifications: %w", err)
	}
	return out, nil
}

// DeleteExpiredNotifications drops notifications whose expiry is at or before now.
func (s *Store) DeleteExpiredNotifications(ctx context.Context, now time.Time) (int, error) {
	if s.db == nil {
		return 0, fmt.Errorf("store not initialized")
	}

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM pending_notifications WHERE expires_at IS NOT NULL AND expires_at <= ?;`, formatTime(now))
	if err != nil {
		return 0, fmt.Errorf("delete expired notifications: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete expired notifications: %w", err)
	}
	return int(n), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanNotification(row rowScanner) (model.PendingNotification, error) {
	var (
		p          model.PendingNotification
		blob       []byte
		createdStr string
		expiresStr sql.NullString
	)
	if err := row.Scan(&p.ID, &blob, &p.Alert, &createdStr, &expiresStr); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return p, err
		}
		return p, fmt.Errorf("scan pending notification: %w", err)
	}
	if err := cbor.Unmarshal(blob, &p.Action); err != nil {
		return p, fmt.Errorf("decode notification action: %w", err)
	}
	p.CreatedAt = parseTime(createdStr)
	p.ExpiresAt = parseTime(expiresStr.String)
	return p, nil
}
