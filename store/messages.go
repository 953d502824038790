package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/bazelment/agentdeck/session"
)

// Messages is the SQLite-backed session.MessageStore.
type Messages struct {
	store *Store
}

// NewMessages returns the message store.
func NewMessages(store *Store) *Messages {
	return &Messages{store: store}
}

const messageColumns = `id, session_id, role, content, tool_name, streaming,
	append_offset, completed, created_at`

// Get implements session.MessageStore.
func (m *Messages) Get(ctx context.Context, id string) (*session.Message, error) {
	const query = `SELECT ` + messageColumns + ` FROM messages WHERE id = ? LIMIT 1`
	msg, err := scanMessage(m.store.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, session.ErrMessageNotFound
	}
	return msg, err
}

// Save implements session.MessageStore as an upsert.
func (m *Messages) Save(ctx context.Context, msg *session.Message) error {
	const query = `
		INSERT INTO messages (` + messageColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			content = excluded.content,
			tool_name = excluded.tool_name,
			streaming = excluded.streaming,
			append_offset = excluded.append_offset,
			completed = excluded.completed
	`
	_, err := m.store.db.ExecContext(ctx, query,
		msg.ID, msg.SessionID, string(msg.Role), msg.Content, msg.ToolName,
		boolInt(msg.Streaming), msg.Offset, boolInt(msg.Completed), formatTime(msg.CreatedAt),
	)
	return err
}

// AppendContent implements session.MessageStore. The read-modify-write runs
// in one transaction so the offset never drifts from the content length
// under concurrent appends.
func (m *Messages) AppendContent(ctx context.Context, id, fragment string) (int, error) {
	tx, err := m.store.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var offset, completed int
	err = tx.QueryRowContext(ctx, `SELECT append_offset, completed FROM messages WHERE id = ?`, id).
		Scan(&offset, &completed)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, session.ErrMessageNotFound
	}
	if err != nil {
		return 0, err
	}
	if completed != 0 {
		return 0, session.ErrMessageFinalized
	}

	newOffset := offset + len(fragment)
	if _, err := tx.ExecContext(ctx,
		`UPDATE messages SET content = content || ?, append_offset = ? WHERE id = ?`,
		fragment, newOffset, id,
	); err != nil {
		return 0, fmt.Errorf("append content: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return newOffset, nil
}

// Finalize implements session.MessageStore. Idempotent.
func (m *Messages) Finalize(ctx context.Context, id string) error {
	res, err := m.store.db.ExecContext(ctx,
		`UPDATE messages SET completed = 1, streaming = 0 WHERE id = ?`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return session.ErrMessageNotFound
	}
	return nil
}

// ListBySession implements session.MessageStore, in insertion order.
func (m *Messages) ListBySession(ctx context.Context, sessionID string) ([]*session.Message, error) {
	const query = `SELECT ` + messageColumns + ` FROM messages WHERE session_id = ? ORDER BY rowid`
	rows, err := m.store.db.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*session.Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	return out, rows.Err()
}

func scanMessage(scanner interface{ Scan(...interface{}) error }) (*session.Message, error) {
	var (
		msg                  session.Message
		role, createdAt      string
		streaming, completed int
	)
	if err := scanner.Scan(
		&msg.ID, &msg.SessionID, &role, &msg.Content, &msg.ToolName,
		&streaming, &msg.Offset, &completed, &createdAt,
	); err != nil {
		return nil, err
	}
	msg.Role = session.Role(role)
	msg.Streaming = streaming != 0
	msg.Completed = completed != 0
	msg.CreatedAt = parseTime(createdAt)
	return &msg, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

var _ session.MessageStore = (*Messages)(nil)
