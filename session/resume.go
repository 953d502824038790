package session

import (
	"fmt"
	"strings"

	"github.com/bazelment/agentdeck/supervisor"
)

// Defaults carries the global fallbacks consulted when neither the message
// nor the task specifies a value.
type Defaults struct {
	Model          map[supervisor.Provider]string
	PermissionMode string
}

// ResumePlan is everything needed to spawn a replacement process for a
// session whose process has died: the built prompt, the resolved policy,
// and the context deltas to record once the spawn succeeds.
type ResumePlan struct {
	Prompt          string
	Model           string
	PermissionMode  string
	AllowedTools    []string
	DisallowedTools []string
	NewFiles        []string
	NewSkills       []string
}

// webTools are stripped from the allow list and added to the deny list when
// a message disables web access.
var webTools = []string{"WebFetch", "WebSearch"}

// BuildResumePlan computes the resumption parameters for a session. The
// session must already carry a provider conversation identifier; resuming
// without one is a precondition failure, not a retryable error.
func BuildResumePlan(sess *Session, task *Task, msg ClientMessage, defaults Defaults) (ResumePlan, error) {
	if sess.ProviderSessionID == "" {
		return ResumePlan{}, ErrNoProviderSession
	}

	newFiles := setDifference(task.ContextFiles, sess.IncludedFiles)
	newFiles = appendMissing(newFiles, msg.ExtraFiles, sess.IncludedFiles)
	newSkills := setDifference(task.Skills, sess.IncludedSkills)

	plan := ResumePlan{
		Prompt:          buildResumePrompt(msg.Content, newFiles, newSkills),
		Model:           firstNonEmpty(msg.Model, task.Model, defaults.Model[sess.Provider]),
		PermissionMode:  firstNonEmpty(msg.PermissionMode, task.PermissionMode, defaults.PermissionMode, "default"),
		AllowedTools:    append([]string(nil), task.AllowedTools...),
		DisallowedTools: append([]string(nil), task.DisallowedTools...),
		NewFiles:        newFiles,
		NewSkills:       newSkills,
	}

	if msg.DisableWebTools {
		plan.AllowedTools = removeAll(plan.AllowedTools, webTools)
		plan.DisallowedTools = appendMissing(plan.DisallowedTools, webTools, nil)
	}

	return plan, nil
}

// buildResumePrompt assembles the new user text plus optional sections
// enumerating context files and skills the agent has not yet seen. Files
// use the @path marker and skills the skill:name marker so the CLI's own
// ingestion picks them up.
func buildResumePrompt(userText string, newFiles, newSkills []string) string {
	var b strings.Builder
	b.WriteString(userText)

	if len(newFiles) > 0 {
		b.WriteString("\n\nNew context files:\n")
		for _, f := range newFiles {
			fmt.Fprintf(&b, "@%s\n", f)
		}
	}
	if len(newSkills) > 0 {
		b.WriteString("\n\nNew skills:\n")
		for _, s := range newSkills {
			fmt.Fprintf(&b, "skill:%s\n", s)
		}
	}
	return b.String()
}

// adoptProviderSessionID applies the resume-mode identity rule when a
// process reports its conversation identifier. Retry resumptions keep the
// parent's identifier no matter what the process reports. Fork, renew, and
// first runs adopt a differing identifier onto both the session and the
// task's convenience field. Returns whether anything changed, so callers
// can suppress redundant persistence.
func adoptProviderSessionID(sess *Session, task *Task, reported string) bool {
	if reported == "" {
		return false
	}
	if sess.ResumeMode == ResumeRetry && sess.ProviderSessionID != "" {
		return false
	}
	if sess.ProviderSessionID == reported {
		return false
	}
	sess.ProviderSessionID = reported
	if task != nil {
		task.LastProviderSessionID = reported
	}
	return true
}

// setDifference returns the members of want absent from have, preserving
// want's order.
func setDifference(want, have []string) []string {
	seen := make(map[string]struct{}, len(have))
	for _, h := range have {
		seen[h] = struct{}{}
	}
	var out []string
	for _, w := range want {
		if _, ok := seen[w]; !ok {
			out = append(out, w)
		}
	}
	return out
}

// appendMissing appends items from extra that appear in neither dst nor
// already-included.
func appendMissing(dst, extra, alreadyIncluded []string) []string {
	seen := make(map[string]struct{}, len(dst)+len(alreadyIncluded))
	for _, d := range dst {
		seen[d] = struct{}{}
	}
	for _, a := range alreadyIncluded {
		seen[a] = struct{}{}
	}
	for _, e := range extra {
		if _, ok := seen[e]; !ok {
			dst = append(dst, e)
			seen[e] = struct{}{}
		}
	}
	return dst
}

func removeAll(items, drop []string) []string {
	dropSet := make(map[string]struct{}, len(drop))
	for _, d := range drop {
		dropSet[d] = struct{}{}
	}
	out := items[:0]
	for _, it := range items {
		if _, ok := dropSet[it]; !ok {
			out = append(out, it)
		}
	}
	return out
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// unionStrings merges two string sets, preserving a's order then b's.
func unionStrings(a, b []string) []string {
	out := append([]string(nil), a...)
	return appendMissing(out, b, nil)
}
