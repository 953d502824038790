package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/bazelment/agentdeck/session"
)

// Tasks is the SQLite-backed session.TaskStore.
type Tasks struct {
	store *Store
}

// NewTasks returns the task store.
func NewTasks(store *Store) *Tasks {
	return &Tasks{store: store}
}

const taskColumns = `id, title, work_dir, model, permission_mode, context_files,
	skills, allowed_tools, disallowed_tools, last_provider_session_id`

// Get implements session.TaskStore.
func (t *Tasks) Get(ctx context.Context, id string) (*session.Task, error) {
	const query = `SELECT ` + taskColumns + ` FROM tasks WHERE id = ? LIMIT 1`

	var (
		task                                      session.Task
		contextFiles, skills, allowed, disallowed string
	)
	err := t.store.db.QueryRowContext(ctx, query, id).Scan(
		&task.ID, &task.Title, &task.WorkDir, &task.Model, &task.PermissionMode,
		&contextFiles, &skills, &allowed, &disallowed, &task.LastProviderSessionID,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, session.ErrTaskNotFound
	}
	if err != nil {
		return nil, err
	}
	task.ContextFiles = unmarshalStrings(contextFiles)
	task.Skills = unmarshalStrings(skills)
	task.AllowedTools = unmarshalStrings(allowed)
	task.DisallowedTools = unmarshalStrings(disallowed)
	return &task, nil
}

// Save implements session.TaskStore as an upsert.
func (t *Tasks) Save(ctx context.Context, task *session.Task) error {
	const query = `
		INSERT INTO tasks (` + taskColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			work_dir = excluded.work_dir,
			model = excluded.model,
			permission_mode = excluded.permission_mode,
			context_files = excluded.context_files,
			skills = excluded.skills,
			allowed_tools = excluded.allowed_tools,
			disallowed_tools = excluded.disallowed_tools,
			last_provider_session_id = excluded.last_provider_session_id
	`
	_, err := t.store.db.ExecContext(ctx, query,
		task.ID, task.Title, task.WorkDir, task.Model, task.PermissionMode,
		marshalJSON(task.ContextFiles), marshalJSON(task.Skills),
		marshalJSON(task.AllowedTools), marshalJSON(task.DisallowedTools),
		task.LastProviderSessionID,
	)
	return err
}

var _ session.TaskStore = (*Tasks)(nil)
