package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bazelment/agentdeck/session"
	"github.com/bazelment/agentdeck/supervisor"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "agentdeck.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSessionRoundTrip(t *testing.T) {
	s := openTestStore(t)
	sessions := NewSessions(s)
	ctx := context.Background()

	ended := time.Now().UTC().Truncate(time.Millisecond)
	in := &session.Session{
		ID:                "sess-1",
		TaskID:            "task-1",
		WorkDir:           "/work",
		Provider:          supervisor.ProviderClaude,
		Status:            session.StatusCompleted,
		ProviderSessionID: "conv-abc",
		ResumeMode:        session.ResumeFork,
		Model:             "claude-sonnet-4",
		IncludedFiles:     []string{"a.md", "b.md"},
		IncludedSkills:    []string{"review"},
		Usage:             session.TokenUsage{Input: 100, Output: 200, Total: 300, EstimatedCost: 0.5},
		ModelUsage:        map[string]session.ModelUsage{"sonnet": {InputTokens: 100, CostUSD: 0.5}},
		StartedAt:         time.Now().UTC().Truncate(time.Millisecond),
		EndedAt:           &ended,
	}
	require.NoError(t, sessions.Save(ctx, in))

	got, err := sessions.Get(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, in.TaskID, got.TaskID)
	assert.Equal(t, in.Provider, got.Provider)
	assert.Equal(t, in.Status, got.Status)
	assert.Equal(t, in.ProviderSessionID, got.ProviderSessionID)
	assert.Equal(t, in.ResumeMode, got.ResumeMode)
	assert.Equal(t, in.IncludedFiles, got.IncludedFiles)
	assert.Equal(t, in.Usage, got.Usage)
	assert.Equal(t, in.ModelUsage, got.ModelUsage)
	require.NotNil(t, got.EndedAt)
	assert.True(t, got.EndedAt.Equal(ended))
}

func TestSessionGetNotFound(t *testing.T) {
	s := openTestStore(t)
	_, err := NewSessions(s).Get(context.Background(), "nope")
	require.ErrorIs(t, err, session.ErrSessionNotFound)
}

func TestSessionSaveIsUpsert(t *testing.T) {
	s := openTestStore(t)
	sessions := NewSessions(s)
	ctx := context.Background()

	in := &session.Session{ID: "sess-1", TaskID: "task-1", Provider: supervisor.ProviderCodex, Status: session.StatusRunning}
	require.NoError(t, sessions.Save(ctx, in))
	in.Status = session.StatusCompleted
	require.NoError(t, sessions.Save(ctx, in))

	got, err := sessions.Get(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, session.StatusCompleted, got.Status)

	list, err := sessions.ListByTask(ctx, "task-1")
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestMessageAppendContentTracksOffset(t *testing.T) {
	s := openTestStore(t)
	messages := NewMessages(s)
	ctx := context.Background()

	require.NoError(t, messages.Save(ctx, &session.Message{
		ID: "msg-1", SessionID: "sess-1", Role: session.RoleAssistant,
		Content: "Hel", Streaming: true, Offset: 3, CreatedAt: time.Now(),
	}))

	off, err := messages.AppendContent(ctx, "msg-1", "lo ")
	require.NoError(t, err)
	assert.Equal(t, 6, off)

	off, err = messages.AppendContent(ctx, "msg-1", "world")
	require.NoError(t, err)
	assert.Equal(t, 11, off)

	got, err := messages.Get(ctx, "msg-1")
	require.NoError(t, err)
	assert.Equal(t, "Hello world", got.Content)
	assert.Equal(t, 11, got.Offset)
	assert.True(t, got.Streaming)
}

func TestMessageAppendAfterFinalizeRejected(t *testing.T) {
	s := openTestStore(t)
	messages := NewMessages(s)
	ctx := context.Background()

	require.NoError(t, messages.Save(ctx, &session.Message{
		ID: "msg-1", SessionID: "sess-1", Role: session.RoleAssistant,
		Content: "done", Streaming: true, Offset: 4, CreatedAt: time.Now(),
	}))
	require.NoError(t, messages.Finalize(ctx, "msg-1"))

	_, err := messages.AppendContent(ctx, "msg-1", "more")
	require.ErrorIs(t, err, session.ErrMessageFinalized)

	got, err := messages.Get(ctx, "msg-1")
	require.NoError(t, err)
	assert.Equal(t, "done", got.Content)
	assert.True(t, got.Completed)
	assert.False(t, got.Streaming)
}

func TestMessageFinalizeIdempotent(t *testing.T) {
	s := openTestStore(t)
	messages := NewMessages(s)
	ctx := context.Background()

	require.NoError(t, messages.Save(ctx, &session.Message{
		ID: "msg-1", SessionID: "sess-1", Role: session.RoleAssistant, CreatedAt: time.Now(),
	}))
	require.NoError(t, messages.Finalize(ctx, "msg-1"))
	require.NoError(t, messages.Finalize(ctx, "msg-1"))
}

func TestMessagesListInInsertionOrder(t *testing.T) {
	s := openTestStore(t)
	messages := NewMessages(s)
	ctx := context.Background()

	now := time.Now()
	for _, id := range []string{"m1", "m2", "m3"} {
		require.NoError(t, messages.Save(ctx, &session.Message{
			ID: id, SessionID: "sess-1", Role: session.RoleUser, CreatedAt: now,
		}))
	}
	require.NoError(t, messages.Save(ctx, &session.Message{
		ID: "other", SessionID: "sess-2", Role: session.RoleUser, CreatedAt: now,
	}))

	list, err := messages.ListBySession(ctx, "sess-1")
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, "m1", list[0].ID)
	assert.Equal(t, "m2", list[1].ID)
	assert.Equal(t, "m3", list[2].ID)
}

func TestTaskRoundTrip(t *testing.T) {
	s := openTestStore(t)
	tasks := NewTasks(s)
	ctx := context.Background()

	in := &session.Task{
		ID:                    "task-1",
		Title:                 "fix flaky test",
		WorkDir:               "/repo",
		Model:                 "claude-sonnet-4",
		PermissionMode:        "acceptEdits",
		ContextFiles:          []string{"docs/design.md"},
		Skills:                []string{"testing"},
		AllowedTools:          []string{"Read", "Edit"},
		LastProviderSessionID: "conv-1",
	}
	require.NoError(t, tasks.Save(ctx, in))

	got, err := tasks.Get(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, in, got)

	_, err = tasks.Get(ctx, "missing")
	require.ErrorIs(t, err, session.ErrTaskNotFound)
}

func TestDiffRoundTripAndStatus(t *testing.T) {
	s := openTestStore(t)
	diffs := NewDiffs(s)
	ctx := context.Background()

	rec := &session.DiffRecord{
		ID: "diff-1", SessionID: "sess-1", FilePath: "main.go",
		Operation: "edit", OldText: "a", NewText: "b",
		Status: session.DiffPending, CreatedAt: time.Now(),
	}
	require.NoError(t, diffs.Save(ctx, rec))

	require.NoError(t, diffs.UpdateStatus(ctx, "diff-1", session.DiffApproved))
	list, err := diffs.ListBySession(ctx, "sess-1")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, session.DiffApproved, list[0].Status)

	require.Error(t, diffs.UpdateStatus(ctx, "missing", session.DiffApplied))
}
