package session

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"
)

// ErrUnknownApproval is returned when resolving an invocation nobody is
// waiting on.
var ErrUnknownApproval = errors.New("no pending approval for invocation")

// ApprovalNotifyFunc announces a newly opened approval request, typically by
// broadcasting approval_required to the session's observers.
type ApprovalNotifyFunc func(sessionID, invocationID, toolName string, input map[string]interface{})

type approvalDecision struct {
	approved bool
	reason   string
}

// InMemoryApprovals is an approval service resolved out of band: a check
// parks until Resolve is called for the invocation (over HTTP) or the
// caller's context expires.
type InMemoryApprovals struct {
	logger zerolog.Logger
	notify ApprovalNotifyFunc

	// AutoApprove short-circuits every check. Used when a task runs with a
	// permissive policy.
	AutoApprove bool

	mu      sync.Mutex
	pending map[string]chan approvalDecision
}

var _ ApprovalService = (*InMemoryApprovals)(nil)

// NewInMemoryApprovals builds the service. The notify hook is set after
// construction to break the wiring cycle with the coordinator.
func NewInMemoryApprovals(logger zerolog.Logger) *InMemoryApprovals {
	return &InMemoryApprovals{
		logger:  logger.With().Str("component", "approvals").Logger(),
		pending: make(map[string]chan approvalDecision),
	}
}

// SetNotify installs the request-announcement hook.
func (a *InMemoryApprovals) SetNotify(fn ApprovalNotifyFunc) {
	a.mu.Lock()
	a.notify = fn
	a.mu.Unlock()
}

// CheckApproval implements ApprovalService. It blocks until a human
// resolves the invocation or ctx expires; the context error propagates so
// the interceptor can turn a timeout into a deterministic rejection.
func (a *InMemoryApprovals) CheckApproval(ctx context.Context, sessionID, toolName string, toolInput map[string]interface{}, invocationID string) (bool, string, error) {
	if a.AutoApprove {
		return true, "", nil
	}

	ch := make(chan approvalDecision, 1)
	a.mu.Lock()
	a.pending[invocationID] = ch
	notify := a.notify
	a.mu.Unlock()

	defer func() {
		a.mu.Lock()
		delete(a.pending, invocationID)
		a.mu.Unlock()
	}()

	if notify != nil {
		notify(sessionID, invocationID, toolName, toolInput)
	}

	select {
	case d := <-ch:
		return d.approved, d.reason, nil
	case <-ctx.Done():
		a.logger.Info().
			Str("session_id", sessionID).
			Str("invocation_id", invocationID).
			Str("tool", toolName).
			Msg("approval wait ended without decision")
		return false, "", ctx.Err()
	}
}

// Resolve delivers a human decision for a pending invocation.
func (a *InMemoryApprovals) Resolve(invocationID string, approved bool, reason string) error {
	a.mu.Lock()
	ch, ok := a.pending[invocationID]
	a.mu.Unlock()
	if !ok {
		return ErrUnknownApproval
	}
	select {
	case ch <- approvalDecision{approved: approved, reason: reason}:
	default:
	}
	return nil
}

// Pending lists invocation IDs still awaiting a decision.
func (a *InMemoryApprovals) Pending() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]string, 0, len(a.pending))
	for id := range a.pending {
		out = append(out, id)
	}
	return out
}
