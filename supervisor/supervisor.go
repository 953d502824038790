// Package supervisor owns the OS processes behind agent sessions: spawning
// the provider CLI, feeding its stdin, and delivering its structured stdout
// events and final exit code to registered callbacks.
package supervisor

import (
	"context"
	"errors"

	"github.com/bazelment/agentdeck/protocol"
)

// Provider identifies an external agent CLI backend.
type Provider string

const (
	ProviderClaude Provider = "claude"
	ProviderCodex  Provider = "codex"
	ProviderGemini Provider = "gemini"
)

// Valid reports whether p is a known provider.
func (p Provider) Valid() bool {
	switch p {
	case ProviderClaude, ProviderCodex, ProviderGemini:
		return true
	}
	return false
}

// ProcessID identifies one spawned agent process.
type ProcessID string

// SpawnConfig carries everything needed to start one agent process.
type SpawnConfig struct {
	Provider        Provider
	Model           string
	WorkDir         string
	SessionID       string // owning session identity, used in the process ID
	ResumeSessionID string // provider conversation ID to resume, empty for fresh runs
	Prompt          string
	PermissionMode  string
	AllowedTools    []string
	DisallowedTools []string
	AgentRole       string // optional named agent role
	CLIPath         string // override binary path; defaults per provider
	ExtraArgs       []string
	Env             map[string]string
}

// OutputFunc receives one structured event from the process stdout.
type OutputFunc func(ev protocol.Event)

// ExitFunc receives the process exit code once.
type ExitFunc func(exitCode int)

// Supervisor is the process supervision contract consumed by the session
// coordinator.
type Supervisor interface {
	// Spawn starts a new agent process and returns its handle.
	Spawn(ctx context.Context, cfg SpawnConfig) (ProcessID, error)

	// IsRunning reports whether the process is still alive.
	IsRunning(id ProcessID) bool

	// SendMessage writes a user message to the process input channel.
	SendMessage(id ProcessID, text string) error

	// Terminate requests process shutdown (best-effort; the exit callback
	// still fires with whatever code the process eventually returns).
	Terminate(id ProcessID) error

	// OnOutput registers the output callback. Events observed before
	// registration are buffered and replayed in emission order.
	OnOutput(id ProcessID, fn OutputFunc) error

	// OnExit registers the exit callback. If the process already exited,
	// the callback fires immediately.
	OnExit(id ProcessID, fn ExitFunc) error
}

// Sentinel errors for process bookkeeping.
var (
	ErrUnknownProcess  = errors.New("unknown process")
	ErrNotRunning      = errors.New("process is not running")
	ErrUnknownProvider = errors.New("unknown provider")
)
