package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/rs/zerolog"
)

// Verdict is the interceptor's decision for one tool invocation.
type Verdict int

const (
	// VerdictAllowed lets the invocation proceed to diff extraction and
	// observer visibility.
	VerdictAllowed Verdict = iota
	// VerdictBlocked means a danger pattern matched. The invocation never
	// reaches the approval stage.
	VerdictBlocked
	// VerdictRejected means the approval service denied or timed out.
	VerdictRejected
)

// DangerRule is one static block rule. Tool is an exact tool name or empty
// to match any tool; Pattern runs against the rendered invocation input.
type DangerRule struct {
	Tool    string
	Pattern *regexp.Regexp
	Reason  string
}

// DefaultDangerRules blocks the classic footguns regardless of approval
// policy.
func DefaultDangerRules() []DangerRule {
	return []DangerRule{
		{Tool: "Bash", Pattern: regexp.MustCompile(`\brm\s+(-[a-zA-Z]*[rf][a-zA-Z]*\s+)+(/|~|\$HOME)(\s|$)`), Reason: "recursive delete of home or filesystem root"},
		{Tool: "Bash", Pattern: regexp.MustCompile(`\bgit\s+push\s+[^|;]*--force\b`), Reason: "force push"},
		{Tool: "Bash", Pattern: regexp.MustCompile(`\bmkfs\b|\bdd\s+[^|;]*of=/dev/`), Reason: "raw device write"},
		{Tool: "Bash", Pattern: regexp.MustCompile(`:\(\)\s*\{\s*:\|:&\s*\}\s*;`), Reason: "fork bomb"},
		{Tool: "", Pattern: regexp.MustCompile(`(^|/)\.ssh/|(^|/)\.aws/credentials|(^|/)etc/(passwd|shadow|sudoers)`), Reason: "sensitive path"},
	}
}

// Interceptor is the two-stage gate applied to every tool invocation:
// static danger patterns first, then the asynchronous approval service.
type Interceptor struct {
	rules           []DangerRule
	approvals       ApprovalService // nil disables the approval stage
	approvalTimeout time.Duration
	logger          zerolog.Logger
}

// NewInterceptor builds an interceptor. A nil approvals service skips
// stage 2 entirely; a zero timeout defaults to 60s.
func NewInterceptor(rules []DangerRule, approvals ApprovalService, approvalTimeout time.Duration, logger zerolog.Logger) *Interceptor {
	if approvalTimeout <= 0 {
		approvalTimeout = 60 * time.Second
	}
	return &Interceptor{
		rules:           rules,
		approvals:       approvals,
		approvalTimeout: approvalTimeout,
		logger:          logger.With().Str("component", "interceptor").Logger(),
	}
}

// Intercept gates one invocation. A danger match blocks outright and
// short-circuits the approval stage. An approval timeout resolves to a
// deterministic rejection rather than hanging the pipeline.
func (i *Interceptor) Intercept(ctx context.Context, sessionID string, inv ToolInvocation) (Verdict, string) {
	if reason, matched := i.matchDanger(inv); matched {
		i.logger.Warn().
			Str("session_id", sessionID).
			Str("tool", inv.Name).
			Str("reason", reason).
			Msg("tool invocation blocked by danger rule")
		return VerdictBlocked, reason
	}

	if i.approvals == nil {
		return VerdictAllowed, ""
	}

	approveCtx, cancel := context.WithTimeout(ctx, i.approvalTimeout)
	defer cancel()

	approved, reason, err := i.approvals.CheckApproval(approveCtx, sessionID, inv.Name, inv.Input, inv.ID)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return VerdictRejected, "approval timed out"
		}
		i.logger.Error().Err(err).
			Str("session_id", sessionID).
			Str("tool", inv.Name).
			Msg("approval check failed")
		return VerdictRejected, fmt.Sprintf("approval check failed: %v", err)
	}
	if !approved {
		if reason == "" {
			reason = "rejected by approval policy"
		}
		return VerdictRejected, reason
	}
	return VerdictAllowed, ""
}

// matchDanger runs stage 1 against the invocation's name and rendered
// input.
func (i *Interceptor) matchDanger(inv ToolInvocation) (string, bool) {
	rendered := renderInput(inv.Input)
	for _, rule := range i.rules {
		if rule.Tool != "" && rule.Tool != inv.Name {
			continue
		}
		if rule.Pattern.MatchString(rendered) {
			return rule.Reason, true
		}
	}
	return "", false
}

// renderInput flattens the invocation input for pattern matching. Shell
// commands match on the command text itself; everything else matches on the
// JSON rendering so path-based rules see file_path values.
func renderInput(input map[string]interface{}) string {
	if cmd, ok := input["command"].(string); ok {
		return cmd
	}
	data, err := json.Marshal(input)
	if err != nil {
		return ""
	}
	return string(data)
}
