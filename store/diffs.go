package store

import (
	"context"
	"fmt"

	"github.com/bazelment/agentdeck/session"
)

// Diffs is the SQLite-backed session.DiffStore.
type Diffs struct {
	store *Store
}

// NewDiffs returns the diff store.
func NewDiffs(store *Store) *Diffs {
	return &Diffs{store: store}
}

// Save implements session.DiffStore.
func (d *Diffs) Save(ctx context.Context, rec *session.DiffRecord) error {
	const query = `
		INSERT INTO diffs (id, session_id, file_path, operation, old_text, new_text, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET status = excluded.status
	`
	_, err := d.store.db.ExecContext(ctx, query,
		rec.ID, rec.SessionID, rec.FilePath, rec.Operation,
		rec.OldText, rec.NewText, string(rec.Status), formatTime(rec.CreatedAt),
	)
	return err
}

// ListBySession implements session.DiffStore.
func (d *Diffs) ListBySession(ctx context.Context, sessionID string) ([]*session.DiffRecord, error) {
	const query = `
		SELECT id, session_id, file_path, operation, old_text, new_text, status, created_at
		FROM diffs WHERE session_id = ? ORDER BY rowid
	`
	rows, err := d.store.db.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*session.DiffRecord
	for rows.Next() {
		var (
			rec               session.DiffRecord
			status, createdAt string
		)
		if err := rows.Scan(&rec.ID, &rec.SessionID, &rec.FilePath, &rec.Operation,
			&rec.OldText, &rec.NewText, &status, &createdAt); err != nil {
			return nil, err
		}
		rec.Status = session.DiffStatus(status)
		rec.CreatedAt = parseTime(createdAt)
		out = append(out, &rec)
	}
	return out, rows.Err()
}

// UpdateStatus implements session.DiffStore.
func (d *Diffs) UpdateStatus(ctx context.Context, id string, status session.DiffStatus) error {
	res, err := d.store.db.ExecContext(ctx, `UPDATE diffs SET status = ? WHERE id = ?`, string(status), id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("diff %s not found", id)
	}
	return nil
}

var _ session.DiffStore = (*Diffs)(nil)
