// Package session implements the session stream coordinator and the
// collaborators it composes: streaming message reconstruction, tool-use
// interception, context window accounting, and the resume protocol.
package session

import (
	"context"
	"errors"
	"time"

	"github.com/bazelment/agentdeck/supervisor"
)

// Status is the lifecycle state of a session.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
	StatusArchived  Status = "archived"
)

// IsTerminal reports whether the status is final. Archived sessions count
// as terminal for reconciliation purposes.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusArchived:
		return true
	}
	return false
}

// ResumeMode describes how a new process attaches to an existing task.
type ResumeMode string

const (
	// ResumeRetry continues the same provider conversation.
	ResumeRetry ResumeMode = "retry"
	// ResumeFork starts a new conversation branch carrying prior history.
	ResumeFork ResumeMode = "fork"
	// ResumeRenew starts a fresh conversation.
	ResumeRenew ResumeMode = "renew"
)

// Role identifies the author of a transcript message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// TokenUsage is a point-in-time token count snapshot.
type TokenUsage struct {
	Input         int     `json:"input"`
	Output        int     `json:"output"`
	CacheCreation int     `json:"cacheCreation"`
	CacheRead     int     `json:"cacheRead"`
	Total         int     `json:"total"`
	EstimatedCost float64 `json:"estimatedCost"`
}

// ModelUsage is the per-model cost/usage breakdown reported by the result
// event, retained on the session for billing display.
type ModelUsage struct {
	InputTokens  int     `json:"inputTokens"`
	OutputTokens int     `json:"outputTokens"`
	CostUSD      float64 `json:"costUSD"`
}

// Session is one attempt at running an agent against a task.
type Session struct {
	ID                string                `json:"id"`
	TaskID            string                `json:"taskId"`
	WorkDir           string                `json:"workDir"`
	Provider          supervisor.Provider   `json:"provider"`
	Status            Status                `json:"status"`
	ProcessID         supervisor.ProcessID  `json:"processId,omitempty"`
	ProviderSessionID string                `json:"providerSessionId,omitempty"`
	ResumeMode        ResumeMode            `json:"resumeMode,omitempty"`
	Model             string                `json:"model,omitempty"`
	IncludedFiles     []string              `json:"includedContextFiles,omitempty"`
	IncludedSkills    []string              `json:"includedSkills,omitempty"`
	Usage             TokenUsage            `json:"usage"`
	ModelUsage        map[string]ModelUsage `json:"modelUsage,omitempty"`
	StartedAt         time.Time             `json:"startedAt"`
	EndedAt           *time.Time            `json:"endedAt,omitempty"`
}

// Task is the parent work item sessions run against. Only the fields the
// coordinator and resume protocol consult live here.
type Task struct {
	ID                    string   `json:"id"`
	Title                 string   `json:"title"`
	WorkDir               string   `json:"workDir"`
	Model                 string   `json:"model,omitempty"`
	PermissionMode        string   `json:"permissionMode,omitempty"`
	ContextFiles          []string `json:"contextFiles,omitempty"`
	Skills                []string `json:"skills,omitempty"`
	AllowedTools          []string `json:"allowedTools,omitempty"`
	DisallowedTools       []string `json:"disallowedTools,omitempty"`
	LastProviderSessionID string   `json:"lastProviderSessionId,omitempty"`
}

// Message is one turn (or streaming fragment target) in a transcript.
type Message struct {
	ID        string    `json:"id"`
	SessionID string    `json:"sessionId"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	ToolName  string    `json:"toolName,omitempty"`
	Streaming bool      `json:"streaming"`
	Offset    int       `json:"offset"`
	Completed bool      `json:"completed"`
	CreatedAt time.Time `json:"createdAt"`
}

// ToolInvocation is one tool call observed in the stream. Transient, never
// persisted by this package.
type ToolInvocation struct {
	ID    string
	Name  string
	Input map[string]interface{}
}

// DiffStatus is the review state of an extracted diff.
type DiffStatus string

const (
	DiffPending  DiffStatus = "pending"
	DiffApproved DiffStatus = "approved"
	DiffRejected DiffStatus = "rejected"
	DiffApplied  DiffStatus = "applied"
)

// DiffRecord is one file change extracted from a tool invocation.
type DiffRecord struct {
	ID        string     `json:"id"`
	SessionID string     `json:"sessionId"`
	FilePath  string     `json:"filePath"`
	Operation string     `json:"operation"` // create, edit, delete
	OldText   string     `json:"oldText,omitempty"`
	NewText   string     `json:"newText,omitempty"`
	Status    DiffStatus `json:"status"`
	CreatedAt time.Time  `json:"createdAt"`
}

// ContextWindowUsage is the derived context footprint of the latest
// assistant turn. Recomputed on every result event, never stored.
type ContextWindowUsage struct {
	InputTokens         int       `json:"inputTokens"`
	CacheCreationTokens int       `json:"cacheCreationTokens"`
	CacheReadTokens     int       `json:"cacheReadTokens"`
	TotalTokens         int       `json:"totalTokens"`
	Capacity            int       `json:"capacity"`
	Percentage          int       `json:"percentage"`
	Timestamp           time.Time `json:"timestamp"`
}

// Storage ports. Implementations live in the store package.

// SessionStore persists sessions.
type SessionStore interface {
	Get(ctx context.Context, id string) (*Session, error)
	Save(ctx context.Context, s *Session) error
	ListByTask(ctx context.Context, taskID string) ([]*Session, error)
}

// MessageStore persists transcript messages. AppendContent must be atomic
// with respect to offset tracking.
type MessageStore interface {
	Get(ctx context.Context, id string) (*Message, error)
	Save(ctx context.Context, m *Message) error
	AppendContent(ctx context.Context, id, fragment string) (newOffset int, err error)
	Finalize(ctx context.Context, id string) error
	ListBySession(ctx context.Context, sessionID string) ([]*Message, error)
}

// TaskStore persists tasks.
type TaskStore interface {
	Get(ctx context.Context, id string) (*Task, error)
	Save(ctx context.Context, t *Task) error
}

// DiffStore persists extracted diffs.
type DiffStore interface {
	Save(ctx context.Context, d *DiffRecord) error
	ListBySession(ctx context.Context, sessionID string) ([]*DiffRecord, error)
	UpdateStatus(ctx context.Context, id string, status DiffStatus) error
}

// ApprovalService decides whether a tool invocation may proceed. The call
// may block on a human response up to the service's configured timeout.
type ApprovalService interface {
	CheckApproval(ctx context.Context, sessionID, toolName string, toolInput map[string]interface{}, invocationID string) (approved bool, reason string, err error)
}

// DiffExtractor derives a diff record from a tool invocation, or nil when
// the tool does not modify files.
type DiffExtractor interface {
	ExtractFromToolUse(ctx context.Context, sessionID string, inv ToolInvocation) (*DiffRecord, error)
}

// Sentinel errors shared across the package.
var (
	ErrSessionNotFound   = errors.New("session not found")
	ErrMessageNotFound   = errors.New("message not found")
	ErrTaskNotFound      = errors.New("task not found")
	ErrNoProviderSession = errors.New("session has no provider conversation id to resume")
	ErrNoProcess         = errors.New("no live process for session")
	ErrMessageFinalized  = errors.New("message already finalized")
)
