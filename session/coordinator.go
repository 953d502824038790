package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/bazelment/agentdeck/protocol"
	"github.com/bazelment/agentdeck/supervisor"
)

// observerBufferSize is the per-observer send buffer. A full buffer is the
// observer's failure, not the broadcast's.
const observerBufferSize = 256

// observerConn is one connected observer of a session.
type observerConn struct {
	id string
	ch chan ServerMessage
}

// liveSession is the in-memory per-session tracking state shared by
// observer handlers and process callbacks. Fields other than replayMu are
// guarded by the coordinator mutex.
type liveSession struct {
	// replayMu orders attach-time history replay against live delivery.
	// Event handlers persist and broadcast under the read side; Attach
	// snapshots history and registers the observer under the write side,
	// so every message lands in the snapshot or arrives live, never
	// neither or both.
	replayMu sync.RWMutex

	observers  map[string]*observerConn
	processID  supervisor.ProcessID
	subscribed bool
	lastUsage  protocol.Usage
	// seenProviderID suppresses repeated identity-adoption work on event
	// streams that repeat the same conversation identifier every line.
	seenProviderID string
	exitHandled    bool
}

// Coordinator owns, per session, the set of connected observers, the active
// process subscription, and the resume protocol, composing the
// reconstructor, interceptor, and estimator with the persistence ports.
type Coordinator struct {
	logger    zerolog.Logger
	sup       supervisor.Supervisor
	sessions  SessionStore
	messages  MessageStore
	tasks     TaskStore
	diffs     DiffStore
	recon     *Reconstructor
	gate      *Interceptor
	extractor DiffExtractor
	defaults  Defaults

	mu   sync.Mutex
	live map[string]*liveSession
}

// CoordinatorConfig wires the coordinator's collaborators.
type CoordinatorConfig struct {
	Supervisor  supervisor.Supervisor
	Sessions    SessionStore
	Messages    MessageStore
	Tasks       TaskStore
	Diffs       DiffStore
	Interceptor *Interceptor
	Extractor   DiffExtractor
	Defaults    Defaults
	Logger      zerolog.Logger
}

// NewCoordinator builds the session stream coordinator.
func NewCoordinator(cfg CoordinatorConfig) *Coordinator {
	return &Coordinator{
		logger:    cfg.Logger.With().Str("component", "coordinator").Logger(),
		sup:       cfg.Supervisor,
		sessions:  cfg.Sessions,
		messages:  cfg.Messages,
		tasks:     cfg.Tasks,
		diffs:     cfg.Diffs,
		recon:     NewReconstructor(cfg.Messages, cfg.Logger),
		gate:      cfg.Interceptor,
		extractor: cfg.Extractor,
		defaults:  cfg.Defaults,
		live:      make(map[string]*liveSession),
	}
}

// Attach registers a new observer for a session and returns the channel its
// messages arrive on. The full historical transcript is replayed into the
// channel before any live event, with an in-flight streaming message
// represented as a resumable buffer at its current offset. Attaching twice
// with the same observer ID replaces the earlier registration.
func (c *Coordinator) Attach(ctx context.Context, sessionID, observerID string) (<-chan ServerMessage, error) {
	c.mu.Lock()
	ls, existed := c.live[sessionID]
	if !existed {
		ls = &liveSession{observers: make(map[string]*observerConn)}
		c.live[sessionID] = ls
	}
	c.mu.Unlock()

	ls.replayMu.Lock()

	sess, err := c.sessions.Get(ctx, sessionID)
	if err != nil {
		ls.replayMu.Unlock()
		c.dropEmptyLive(sessionID, existed)
		return nil, err
	}

	history, err := c.messages.ListBySession(ctx, sessionID)
	if err != nil {
		ls.replayMu.Unlock()
		c.dropEmptyLive(sessionID, existed)
		return nil, fmt.Errorf("load transcript: %w", err)
	}

	bufSize := observerBufferSize
	if need := len(history) + 16; need > bufSize {
		bufSize = need
	}
	obs := &observerConn{id: observerID, ch: make(chan ServerMessage, bufSize)}

	for _, m := range history {
		obs.ch <- c.replayMessage(m)
	}

	alive := sess.ProcessID != "" && c.sup.IsRunning(sess.ProcessID)
	obs.ch <- statusMsg(EffectiveStatus(sess.Status, alive))

	c.mu.Lock()
	if old, ok := ls.observers[observerID]; ok {
		close(old.ch)
	}
	ls.observers[observerID] = obs
	c.mu.Unlock()
	ls.replayMu.Unlock()

	if alive {
		c.ensureSubscription(sessionID, sess.ProcessID)
	}

	c.logger.Debug().
		Str("session_id", sessionID).
		Str("observer_id", observerID).
		Int("history", len(history)).
		Msg("observer attached")
	return obs.ch, nil
}

// replayMessage renders one persisted message for transcript replay. A
// message still streaming is represented as a resumable buffer with its
// current offset rather than as complete.
func (c *Coordinator) replayMessage(m *Message) ServerMessage {
	if m.Streaming && !m.Completed {
		return outputMsg(OutputPayload{
			Type:      OutputStreamingBuffer,
			MessageID: m.ID,
			Role:      m.Role,
			Content:   m.Content,
			Offset:    m.Offset,
		})
	}
	return outputMsg(OutputPayload{
		Type:      OutputMessage,
		MessageID: m.ID,
		Role:      m.Role,
		Content:   m.Content,
		ToolName:  m.ToolName,
	})
}

// Detach removes an observer. The session and its process subscription stay
// up even when the last observer leaves, so late reconnects still see full
// history.
func (c *Coordinator) Detach(sessionID, observerID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ls, ok := c.live[sessionID]
	if !ok {
		return
	}
	if obs, ok := ls.observers[observerID]; ok {
		delete(ls.observers, observerID)
		close(obs.ch)
	}
}

// HandleClientMessage dispatches one inbound observer message. The returned
// error is for the sending connection only; it never affects other
// observers.
func (c *Coordinator) HandleClientMessage(ctx context.Context, sessionID string, msg ClientMessage) error {
	switch msg.Kind {
	case ClientUserInput:
		return c.handleUserInput(ctx, sessionID, msg)
	case ClientCancel:
		return c.handleCancel(ctx, sessionID)
	case ClientApprovalResponse:
		// Approvals resolve out of band over HTTP; relaying them into the
		// process stdin would corrupt its structured-output parsing mode.
		c.logger.Debug().
			Str("session_id", sessionID).
			Str("invocation_id", msg.InvocationID).
			Msg("ignoring in-band approval response")
		return nil
	default:
		return fmt.Errorf("unknown client message kind %q", msg.Kind)
	}
}

// handleUserInput forwards input to a live process or resumes a dead one
// with the input as the resumption payload, then persists the user message
// and acknowledges it.
func (c *Coordinator) handleUserInput(ctx context.Context, sessionID string, msg ClientMessage) error {
	sess, err := c.sessions.Get(ctx, sessionID)
	if err != nil {
		return err
	}

	// At most one writer to the process input channel per session: a live
	// process gets direct forwarding, a dead one gets a fresh spawn.
	if sess.ProcessID != "" && c.sup.IsRunning(sess.ProcessID) {
		if err := c.sup.SendMessage(sess.ProcessID, msg.Content); err != nil {
			c.broadcast(sessionID, errorMsg("send_failed", err.Error()))
			return err
		}
	} else {
		if err := c.resume(ctx, sess, msg); err != nil {
			return err
		}
	}

	ls := c.liveFor(sessionID)
	ls.replayMu.RLock()
	saved := &Message{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Role:      RoleUser,
		Content:   msg.Content,
		Completed: true,
		CreatedAt: time.Now().UTC(),
	}
	if err := c.messages.Save(ctx, saved); err != nil {
		c.logger.Error().Err(err).Str("session_id", sessionID).Msg("failed to persist user message")
	}
	c.broadcast(sessionID, outputMsg(OutputPayload{
		Type:      OutputUserMessageSaved,
		MessageID: saved.ID,
		RequestID: msg.RequestID,
	}))
	ls.replayMu.RUnlock()
	return nil
}

// handleCancel requests best-effort process termination and marks the
// session cancelled. The exit bookkeeping later tolerates this having
// already set the terminal state.
func (c *Coordinator) handleCancel(ctx context.Context, sessionID string) error {
	sess, err := c.sessions.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.ProcessID == "" || !c.sup.IsRunning(sess.ProcessID) {
		c.broadcast(sessionID, errorMsg("no_process", "no live process to cancel"))
		return ErrNoProcess
	}

	if err := c.sup.Terminate(sess.ProcessID); err != nil {
		c.logger.Warn().Err(err).Str("session_id", sessionID).Msg("terminate request failed")
	}

	ls := c.liveFor(sessionID)
	ls.replayMu.RLock()
	now := time.Now().UTC()
	sess.Status = StatusCancelled
	sess.EndedAt = &now
	if err := c.sessions.Save(ctx, sess); err != nil {
		c.logger.Error().Err(err).Str("session_id", sessionID).Msg("failed to persist cancellation")
	}
	c.broadcast(sessionID, statusMsg(StatusCancelled))
	ls.replayMu.RUnlock()
	return nil
}

// Start spawns the first process for a queued session and begins streaming.
func (c *Coordinator) Start(ctx context.Context, sessionID, prompt string) error {
	sess, err := c.sessions.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	task, err := c.tasks.Get(ctx, sess.TaskID)
	if err != nil {
		return err
	}

	cfg := supervisor.SpawnConfig{
		Provider:        sess.Provider,
		Model:           firstNonEmpty(sess.Model, task.Model, c.defaults.Model[sess.Provider]),
		WorkDir:         firstNonEmpty(sess.WorkDir, task.WorkDir),
		SessionID:       sess.ID,
		Prompt:          prompt,
		PermissionMode:  firstNonEmpty(task.PermissionMode, c.defaults.PermissionMode, "default"),
		AllowedTools:    task.AllowedTools,
		DisallowedTools: task.DisallowedTools,
	}
	pid, err := c.sup.Spawn(ctx, cfg)
	if err != nil {
		return c.failSpawn(ctx, sess, err)
	}

	sess.ProcessID = pid
	sess.Status = StatusRunning
	sess.StartedAt = time.Now().UTC()
	sess.IncludedFiles = append([]string(nil), task.ContextFiles...)
	sess.IncludedSkills = append([]string(nil), task.Skills...)
	if err := c.sessions.Save(ctx, sess); err != nil {
		c.logger.Error().Err(err).Str("session_id", sessionID).Msg("failed to persist session start")
	}

	c.ensureSubscription(sessionID, pid)
	c.broadcast(sessionID, statusMsg(StatusRunning))
	return nil
}

// resume reconstitutes a live process for a session whose process has died,
// carrying forward exactly the incremental context the agent has not seen.
func (c *Coordinator) resume(ctx context.Context, sess *Session, msg ClientMessage) error {
	task, err := c.tasks.Get(ctx, sess.TaskID)
	if err != nil {
		return err
	}

	plan, err := BuildResumePlan(sess, task, msg, c.defaults)
	if err != nil {
		if errors.Is(err, ErrNoProviderSession) {
			c.broadcast(sess.ID, errorMsg("resume_precondition", err.Error()))
		}
		return err
	}

	c.broadcast(sess.ID, statusMsg(StatusResuming))

	workDir := firstNonEmpty(sess.WorkDir, task.WorkDir)
	c.flagOversizedContext(sess, plan, workDir)

	cfg := supervisor.SpawnConfig{
		Provider:        sess.Provider,
		Model:           plan.Model,
		WorkDir:         workDir,
		SessionID:       sess.ID,
		ResumeSessionID: sess.ProviderSessionID,
		Prompt:          plan.Prompt,
		PermissionMode:  plan.PermissionMode,
		AllowedTools:    plan.AllowedTools,
		DisallowedTools: plan.DisallowedTools,
	}
	pid, err := c.sup.Spawn(ctx, cfg)
	if err != nil {
		return c.failSpawn(ctx, sess, err)
	}

	// Resumed sessions bypass the normal lifecycle checks: running state is
	// set in place so the next resume computes a correct context delta.
	sess.ProcessID = pid
	sess.Status = StatusRunning
	sess.IncludedFiles = unionStrings(sess.IncludedFiles, plan.NewFiles)
	sess.IncludedSkills = unionStrings(sess.IncludedSkills, plan.NewSkills)
	if err := c.sessions.Save(ctx, sess); err != nil {
		c.logger.Error().Err(err).Str("session_id", sess.ID).Msg("failed to persist resume")
	}

	c.mu.Lock()
	if ls, ok := c.live[sess.ID]; ok {
		ls.exitHandled = false
	}
	c.mu.Unlock()

	c.ensureSubscription(sess.ID, pid)
	c.broadcast(sess.ID, statusMsg(StatusRunning))
	return nil
}

// flagOversizedContext estimates the token footprint of files about to be
// attached and warns observers when the addition cannot fit what is left of
// the provider's window. Advisory only: the spawn proceeds either way.
func (c *Coordinator) flagOversizedContext(sess *Session, plan ResumePlan, workDir string) {
	if len(plan.NewFiles) == 0 {
		return
	}
	w, ok := providerWindows[sess.Provider]
	if !ok {
		w = providerWindows[supervisor.ProviderClaude]
	}
	remaining := w.capacity - w.reserve - sess.Usage.Input - sess.Usage.CacheCreation - sess.Usage.CacheRead

	total := 0
	for _, path := range plan.NewFiles {
		n, err := EstimateFileTokens(filepath.Join(workDir, path))
		if err != nil {
			c.logger.Debug().Err(err).
				Str("session_id", sess.ID).
				Str("file", path).
				Msg("context file token estimate unavailable")
			continue
		}
		total += n
	}
	if total <= remaining {
		return
	}

	c.logger.Warn().
		Str("session_id", sess.ID).
		Int("estimated_tokens", total).
		Int("remaining_tokens", remaining).
		Msg("new context files likely exceed the remaining window")
	c.broadcast(sess.ID, errorMsg("context_budget",
		fmt.Sprintf("new context files estimate %d tokens but only %d fit the %s window", total, remaining, sess.Provider)))
}

// failSpawn resolves a spawn failure into a terminal failed status so the
// session is never left indeterminate.
func (c *Coordinator) failSpawn(ctx context.Context, sess *Session, spawnErr error) error {
	c.logger.Error().Err(spawnErr).Str("session_id", sess.ID).Msg("process spawn failed")
	ls := c.liveFor(sess.ID)
	ls.replayMu.RLock()
	defer ls.replayMu.RUnlock()
	now := time.Now().UTC()
	sess.Status = StatusFailed
	sess.EndedAt = &now
	if err := c.sessions.Save(ctx, sess); err != nil {
		c.logger.Error().Err(err).Str("session_id", sess.ID).Msg("failed to persist spawn failure")
	}
	c.broadcast(sess.ID, errorMsg("spawn_failed", spawnErr.Error()))
	c.broadcast(sess.ID, statusMsg(StatusFailed))
	return spawnErr
}

// ensureSubscription registers the shared output and exit handlers for a
// process exactly once, no matter how many observers attach.
func (c *Coordinator) ensureSubscription(sessionID string, pid supervisor.ProcessID) {
	c.mu.Lock()
	ls := c.ensureLiveLocked(sessionID)
	if ls.subscribed && ls.processID == pid {
		c.mu.Unlock()
		return
	}
	ls.subscribed = true
	ls.processID = pid
	ls.exitHandled = false
	c.mu.Unlock()

	if err := c.sup.OnOutput(pid, func(ev protocol.Event) {
		c.handleEvent(context.Background(), sessionID, ev)
	}); err != nil {
		c.logger.Error().Err(err).Str("session_id", sessionID).Msg("output subscription failed")
	}
	if err := c.sup.OnExit(pid, func(code int) {
		c.handleExit(context.Background(), sessionID, pid, code)
	}); err != nil {
		c.logger.Error().Err(err).Str("session_id", sessionID).Msg("exit subscription failed")
	}
}

// handleEvent processes one structured event from the session's process.
// Persistence failures are logged per event; the subscription never aborts.
func (c *Coordinator) handleEvent(ctx context.Context, sessionID string, ev protocol.Event) {
	if reported := eventProviderSessionID(ev); reported != "" {
		c.recordProviderSessionID(ctx, sessionID, reported)
	}

	for _, inv := range extractInvocations(ev) {
		c.handleToolInvocation(ctx, sessionID, inv)
	}

	// Persist-then-broadcast runs under the read side of replayMu so a
	// concurrent attach sees each message exactly once.
	ls := c.liveFor(sessionID)
	ls.replayMu.RLock()
	defer ls.replayMu.RUnlock()

	switch e := ev.(type) {
	case protocol.StreamEvent:
		c.handleStreamEvent(ctx, sessionID, e)
	case protocol.AssistantEvent:
		c.handleAssistantEvent(ctx, sessionID, e)
	case protocol.ResultEvent:
		c.handleResultEvent(ctx, sessionID, e)
	case protocol.ToolUseEvent:
		// Interception above already decided its fate; the raw invocation
		// is never rebroadcast.
	default:
		c.broadcastRaw(sessionID, ev)
	}
}

// handleStreamEvent folds an incremental text fragment into the open
// streaming message and emits only the derived delta. The raw stream event
// is never broadcast, to avoid duplicate content.
func (c *Coordinator) handleStreamEvent(ctx context.Context, sessionID string, e protocol.StreamEvent) {
	inner, err := e.ParsedInner()
	if err != nil {
		c.logger.Warn().Err(err).Str("session_id", sessionID).Msg("unparseable stream event")
		return
	}
	deltaEv, ok := inner.(protocol.ContentBlockDeltaEvent)
	if !ok {
		return
	}
	delta, err := deltaEv.ParsedDelta()
	if err != nil {
		c.logger.Warn().Err(err).Str("session_id", sessionID).Msg("unparseable content delta")
		return
	}
	text, ok := delta.(protocol.TextDelta)
	if !ok || text.Text == "" {
		return
	}

	msgID, offset, err := c.recon.AppendOrCreate(ctx, sessionID, text.Text)
	if err != nil {
		c.logger.Error().Err(err).Str("session_id", sessionID).Msg("failed to append streaming fragment")
		return
	}
	c.broadcast(sessionID, outputMsg(OutputPayload{
		Type:      OutputDelta,
		MessageID: msgID,
		Content:   text.Text,
		Offset:    offset,
	}))
}

// handleAssistantEvent finalizes the open streaming message if one exists,
// or persists the content as a new complete message when no deltas were
// ever sent for this turn. Usage blocks update the latest-assistant-usage
// snapshot either way.
func (c *Coordinator) handleAssistantEvent(ctx context.Context, sessionID string, e protocol.AssistantEvent) {
	if openID := c.recon.OpenMessageID(sessionID); openID != "" {
		if err := c.recon.Finalize(ctx, openID); err != nil {
			c.logger.Error().Err(err).Str("session_id", sessionID).Msg("failed to finalize streaming message")
		}
		c.broadcast(sessionID, outputMsg(OutputPayload{
			Type:      OutputMessageComplete,
			MessageID: openID,
		}))
	} else if text := assistantText(e); text != "" {
		msg := &Message{
			ID:        uuid.NewString(),
			SessionID: sessionID,
			Role:      RoleAssistant,
			Content:   text,
			Offset:    len(text),
			Completed: true,
			CreatedAt: time.Now().UTC(),
		}
		if err := c.messages.Save(ctx, msg); err != nil {
			c.logger.Error().Err(err).Str("session_id", sessionID).Msg("failed to persist assistant message")
		}
		c.broadcast(sessionID, outputMsg(OutputPayload{
			Type:      OutputMessage,
			MessageID: msg.ID,
			Role:      RoleAssistant,
			Content:   text,
		}))
	}

	if e.Message.Usage != nil {
		c.mu.Lock()
		ls := c.ensureLiveLocked(sessionID)
		ls.lastUsage = *e.Message.Usage
		c.mu.Unlock()
	}
}

// handleResultEvent computes final token and cost figures, broadcasts the
// context window usage, and settles the terminal status unless a cancel
// already did.
func (c *Coordinator) handleResultEvent(ctx context.Context, sessionID string, e protocol.ResultEvent) {
	c.mu.Lock()
	ls := c.ensureLiveLocked(sessionID)
	lastUsage := ls.lastUsage
	c.mu.Unlock()

	sess, err := c.sessions.Get(ctx, sessionID)
	if err != nil {
		c.logger.Error().Err(err).Str("session_id", sessionID).Msg("failed to load session for result")
		return
	}

	ctxUsage := ComputeContextUsage(sess.Provider, lastUsage)
	c.broadcast(sessionID, mustServerMessage(ServerContextUpdate, ctxUsage))

	sess.Usage = FinalTokenUsage(lastUsage, &e)
	if len(e.ModelUsage) > 0 {
		sess.ModelUsage = make(map[string]ModelUsage, len(e.ModelUsage))
		for model, u := range e.ModelUsage {
			sess.ModelUsage[model] = ModelUsage{
				InputTokens:  u.InputTokens,
				OutputTokens: u.OutputTokens,
				CostUSD:      u.CostUSD,
			}
		}
	}

	// A cancelled session must not be silently resurrected by a straggling
	// result event.
	if sess.Status == StatusRunning {
		now := time.Now().UTC()
		if e.Success() {
			sess.Status = StatusCompleted
		} else {
			sess.Status = StatusFailed
		}
		sess.EndedAt = &now
		if err := c.sessions.Save(ctx, sess); err != nil {
			c.logger.Error().Err(err).Str("session_id", sessionID).Msg("failed to persist result status")
		}
		c.broadcast(sessionID, statusMsg(sess.Status))
		return
	}
	if err := c.sessions.Save(ctx, sess); err != nil {
		c.logger.Error().Err(err).Str("session_id", sessionID).Msg("failed to persist usage")
	}
}

// handleToolInvocation runs the two-stage gate and, when allowed, diff
// extraction. Blocked and rejected invocations never propagate further.
func (c *Coordinator) handleToolInvocation(ctx context.Context, sessionID string, inv ToolInvocation) {
	verdict, reason := c.gate.Intercept(ctx, sessionID, inv)
	switch verdict {
	case VerdictBlocked:
		c.broadcast(sessionID, outputMsg(OutputPayload{
			Type:     OutputToolBlocked,
			ToolName: inv.Name,
			Reason:   reason,
		}))
		return
	case VerdictRejected:
		c.broadcast(sessionID, outputMsg(OutputPayload{
			Type:     OutputApprovalRejected,
			ToolName: inv.Name,
			Reason:   reason,
		}))
		return
	}

	rec, err := c.extractor.ExtractFromToolUse(ctx, sessionID, inv)
	if err != nil {
		c.logger.Error().Err(err).Str("session_id", sessionID).Str("tool", inv.Name).Msg("diff extraction failed")
		return
	}
	if rec == nil {
		return
	}
	if err := c.diffs.Save(ctx, rec); err != nil {
		c.logger.Error().Err(err).Str("session_id", sessionID).Msg("failed to persist diff")
		return
	}
	c.broadcast(sessionID, mustServerMessage(ServerDiffPreview, DiffPreviewPayload{
		DiffID:    rec.ID,
		FilePath:  rec.FilePath,
		Operation: rec.Operation,
		Status:    rec.Status,
	}))
}

// handleExit is the fallback terminal path for when the result event was
// missed or the process died abnormally. In-memory live-tracking state is
// cleared regardless of whether persistence succeeds, and a duplicate exit
// notification never re-triggers persistence.
func (c *Coordinator) handleExit(ctx context.Context, sessionID string, pid supervisor.ProcessID, exitCode int) {
	c.mu.Lock()
	ls := c.ensureLiveLocked(sessionID)
	if ls.exitHandled || ls.processID != pid {
		c.mu.Unlock()
		return
	}
	ls.exitHandled = true
	ls.subscribed = false
	ls.processID = ""
	ls.lastUsage = protocol.Usage{}
	c.mu.Unlock()

	ls.replayMu.RLock()
	defer ls.replayMu.RUnlock()

	// A message still streaming at process death can never be extended;
	// finalize it so replays stop advertising a resumable buffer.
	if openID := c.recon.OpenMessageID(sessionID); openID != "" {
		if err := c.recon.Finalize(ctx, openID); err != nil {
			c.logger.Error().Err(err).Str("session_id", sessionID).Msg("failed to finalize orphaned streaming message")
		} else {
			c.broadcast(sessionID, outputMsg(OutputPayload{
				Type:      OutputMessageComplete,
				MessageID: openID,
			}))
		}
	}
	c.recon.Reset(sessionID)

	sess, err := c.sessions.Get(ctx, sessionID)
	if err != nil {
		c.logger.Error().Err(err).Str("session_id", sessionID).Msg("failed to load session on exit")
		return
	}
	if sess.Status.IsTerminal() {
		return
	}

	now := time.Now().UTC()
	if exitCode == 0 {
		sess.Status = StatusCompleted
	} else {
		sess.Status = StatusFailed
	}
	sess.EndedAt = &now
	sess.ProcessID = ""
	if err := c.sessions.Save(ctx, sess); err != nil {
		c.logger.Error().Err(err).Str("session_id", sessionID).Msg("failed to persist exit status")
	}
	c.broadcast(sessionID, statusMsg(sess.Status))
}

// recordProviderSessionID applies the resume-mode identity rule the first
// time a process reveals its conversation identifier, with write
// suppression for streams that repeat it.
func (c *Coordinator) recordProviderSessionID(ctx context.Context, sessionID, reported string) {
	c.mu.Lock()
	ls := c.ensureLiveLocked(sessionID)
	if ls.seenProviderID == reported {
		c.mu.Unlock()
		return
	}
	ls.seenProviderID = reported
	c.mu.Unlock()

	sess, err := c.sessions.Get(ctx, sessionID)
	if err != nil {
		c.logger.Error().Err(err).Str("session_id", sessionID).Msg("failed to load session for identity update")
		return
	}
	task, err := c.tasks.Get(ctx, sess.TaskID)
	if err != nil {
		c.logger.Warn().Err(err).Str("session_id", sessionID).Msg("failed to load task for identity update")
		task = nil
	}

	if !adoptProviderSessionID(sess, task, reported) {
		return
	}
	if err := c.sessions.Save(ctx, sess); err != nil {
		c.logger.Error().Err(err).Str("session_id", sessionID).Msg("failed to persist provider session id")
	}
	if task != nil {
		if err := c.tasks.Save(ctx, task); err != nil {
			c.logger.Error().Err(err).Str("task_id", task.ID).Msg("failed to persist task conversation id")
		}
	}
}

// BroadcastApprovalRequired notifies a session's observers of a pending
// tool decision. Called by the approval service when a request is opened.
func (c *Coordinator) BroadcastApprovalRequired(sessionID, invocationID, toolName string, input map[string]interface{}) {
	c.broadcast(sessionID, mustServerMessage(ServerApprovalRequired, ApprovalRequiredPayload{
		InvocationID: invocationID,
		ToolName:     toolName,
		ToolInput:    input,
	}))
}

// broadcast fans a message out to every observer of a session. Sends are
// non-blocking: a full buffer drops the message for that observer only.
func (c *Coordinator) broadcast(sessionID string, msg ServerMessage) {
	c.mu.Lock()
	ls, ok := c.live[sessionID]
	if !ok {
		c.mu.Unlock()
		return
	}
	observers := make([]*observerConn, 0, len(ls.observers))
	for _, obs := range ls.observers {
		observers = append(observers, obs)
	}
	c.mu.Unlock()

	for _, obs := range observers {
		select {
		case obs.ch <- msg:
		default:
			c.logger.Warn().
				Str("session_id", sessionID).
				Str("observer_id", obs.id).
				Str("kind", msg.Kind).
				Msg("observer buffer full, dropping message")
		}
	}
}

// broadcastRaw passes an uninterpreted provider event through verbatim.
func (c *Coordinator) broadcastRaw(sessionID string, ev protocol.Event) {
	var raw json.RawMessage
	if u, ok := ev.(protocol.UnknownEvent); ok {
		raw = u.Raw
	} else {
		data, err := json.Marshal(ev)
		if err != nil {
			c.logger.Warn().Err(err).Str("session_id", sessionID).Msg("failed to marshal pass-through event")
			return
		}
		raw = data
	}
	c.broadcast(sessionID, outputMsg(OutputPayload{Type: OutputRaw, Raw: raw}))
}

// ensureLiveLocked returns the live-tracking entry for a session, creating
// it if absent. Callers hold c.mu.
func (c *Coordinator) ensureLiveLocked(sessionID string) *liveSession {
	ls, ok := c.live[sessionID]
	if !ok {
		ls = &liveSession{observers: make(map[string]*observerConn)}
		c.live[sessionID] = ls
	}
	return ls
}

// liveFor returns the live-tracking entry for a session, creating it if
// absent.
func (c *Coordinator) liveFor(sessionID string) *liveSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ensureLiveLocked(sessionID)
}

// dropEmptyLive removes a live entry created speculatively by a failed
// attach, so connects with bogus session IDs do not accrete tracking state.
func (c *Coordinator) dropEmptyLive(sessionID string, existed bool) {
	if existed {
		return
	}
	c.mu.Lock()
	if ls, ok := c.live[sessionID]; ok && len(ls.observers) == 0 && !ls.subscribed {
		delete(c.live, sessionID)
	}
	c.mu.Unlock()
}

// eventProviderSessionID pulls the provider's conversation identifier off
// any event shape that carries one.
func eventProviderSessionID(ev protocol.Event) string {
	switch e := ev.(type) {
	case protocol.SystemEvent:
		return e.SessionID
	case protocol.AssistantEvent:
		return e.SessionID
	case protocol.UserEvent:
		return e.SessionID
	case protocol.ToolUseEvent:
		return e.SessionID
	case protocol.StreamEvent:
		return e.SessionID
	case protocol.ResultEvent:
		return e.SessionID
	}
	return ""
}

// extractInvocations recognizes tool invocations both as standalone events
// and nested inside assistant message content blocks.
func extractInvocations(ev protocol.Event) []ToolInvocation {
	switch e := ev.(type) {
	case protocol.ToolUseEvent:
		return []ToolInvocation{{ID: e.ID, Name: e.Name, Input: e.Input}}
	case protocol.AssistantEvent:
		blocks, ok := e.Message.Content.AsBlocks()
		if !ok {
			return nil
		}
		var out []ToolInvocation
		for _, b := range blocks {
			if tu, ok := b.(protocol.ToolUseBlock); ok {
				out = append(out, ToolInvocation{ID: tu.ID, Name: tu.Name, Input: tu.Input})
			}
		}
		return out
	}
	return nil
}

// assistantText concatenates the text blocks of an assistant event.
func assistantText(e protocol.AssistantEvent) string {
	if s, ok := e.Message.Content.AsString(); ok {
		return s
	}
	blocks, ok := e.Message.Content.AsBlocks()
	if !ok {
		return ""
	}
	var out string
	for _, b := range blocks {
		if tb, ok := b.(protocol.TextBlock); ok {
			out += tb.Text
		}
	}
	return out
}
