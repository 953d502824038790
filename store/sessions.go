package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/bazelment/agentdeck/session"
	"github.com/bazelment/agentdeck/supervisor"
)

// Sessions is the SQLite-backed session.SessionStore.
type Sessions struct {
	store *Store
}

// NewSessions returns the session store.
func NewSessions(store *Store) *Sessions {
	return &Sessions{store: store}
}

const sessionColumns = `id, task_id, work_dir, provider, status, process_id,
	provider_session_id, resume_mode, model, included_files, included_skills,
	usage, model_usage, started_at, ended_at`

// Get implements session.SessionStore.
func (s *Sessions) Get(ctx context.Context, id string) (*session.Session, error) {
	const query = `SELECT ` + sessionColumns + ` FROM sessions WHERE id = ? LIMIT 1`
	sess, err := scanSession(s.store.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, session.ErrSessionNotFound
	}
	return sess, err
}

// Save implements session.SessionStore as an upsert.
func (s *Sessions) Save(ctx context.Context, sess *session.Session) error {
	const query = `
		INSERT INTO sessions (` + sessionColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			task_id = excluded.task_id,
			work_dir = excluded.work_dir,
			provider = excluded.provider,
			status = excluded.status,
			process_id = excluded.process_id,
			provider_session_id = excluded.provider_session_id,
			resume_mode = excluded.resume_mode,
			model = excluded.model,
			included_files = excluded.included_files,
			included_skills = excluded.included_skills,
			usage = excluded.usage,
			model_usage = excluded.model_usage,
			started_at = excluded.started_at,
			ended_at = excluded.ended_at
	`
	endedAt := ""
	if sess.EndedAt != nil {
		endedAt = formatTime(*sess.EndedAt)
	}
	_, err := s.store.db.ExecContext(ctx, query,
		sess.ID, sess.TaskID, sess.WorkDir, string(sess.Provider), string(sess.Status),
		string(sess.ProcessID), sess.ProviderSessionID, string(sess.ResumeMode), sess.Model,
		marshalJSON(sess.IncludedFiles), marshalJSON(sess.IncludedSkills),
		marshalJSON(sess.Usage), marshalJSON(sess.ModelUsage),
		formatTime(sess.StartedAt), endedAt,
	)
	return err
}

// ListByTask implements session.SessionStore.
func (s *Sessions) ListByTask(ctx context.Context, taskID string) ([]*session.Session, error) {
	const query = `SELECT ` + sessionColumns + ` FROM sessions WHERE task_id = ? ORDER BY rowid`
	rows, err := s.store.db.QueryContext(ctx, query, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*session.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

func scanSession(scanner interface{ Scan(...interface{}) error }) (*session.Session, error) {
	var (
		sess                                             session.Session
		provider, status, processID, resumeMode          string
		includedFiles, includedSkills, usage, modelUsage string
		startedAt, endedAt                               string
	)
	if err := scanner.Scan(
		&sess.ID, &sess.TaskID, &sess.WorkDir, &provider, &status, &processID,
		&sess.ProviderSessionID, &resumeMode, &sess.Model, &includedFiles, &includedSkills,
		&usage, &modelUsage, &startedAt, &endedAt,
	); err != nil {
		return nil, err
	}

	sess.Provider = supervisor.Provider(provider)
	sess.Status = session.Status(status)
	sess.ProcessID = supervisor.ProcessID(processID)
	sess.ResumeMode = session.ResumeMode(resumeMode)
	sess.IncludedFiles = unmarshalStrings(includedFiles)
	sess.IncludedSkills = unmarshalStrings(includedSkills)
	sess.StartedAt = parseTime(startedAt)
	if t := parseTime(endedAt); !t.IsZero() {
		sess.EndedAt = &t
	}
	if err := json.Unmarshal([]byte(usage), &sess.Usage); err != nil {
		sess.Usage = session.TokenUsage{}
	}
	if modelUsage != "" && modelUsage != "{}" && modelUsage != "null" {
		_ = json.Unmarshal([]byte(modelUsage), &sess.ModelUsage)
	}
	return &sess, nil
}

var _ session.SessionStore = (*Sessions)(nil)
