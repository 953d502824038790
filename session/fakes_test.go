package session

import (
	"context"
	"fmt"
	"sync"

	"github.com/bazelment/agentdeck/protocol"
	"github.com/bazelment/agentdeck/supervisor"
)

// fakeSessionStore is an in-memory SessionStore that counts saves.
type fakeSessionStore struct {
	mu       sync.Mutex
	sessions map[string]*Session
	saves    int
}

func newFakeSessionStore() *fakeSessionStore {
	return &fakeSessionStore{sessions: make(map[string]*Session)}
}

func (s *fakeSessionStore) Get(ctx context.Context, id string) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	cp := *sess
	return &cp, nil
}

func (s *fakeSessionStore) Save(ctx context.Context, sess *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *sess
	s.sessions[sess.ID] = &cp
	s.saves++
	return nil
}

func (s *fakeSessionStore) ListByTask(ctx context.Context, taskID string) ([]*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Session
	for _, sess := range s.sessions {
		if sess.TaskID == taskID {
			cp := *sess
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *fakeSessionStore) saveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves
}

// fakeMessageStore implements MessageStore with atomic appends.
type fakeMessageStore struct {
	mu       sync.Mutex
	order    []string
	messages map[string]*Message

	// listGate, when set, runs at the top of ListBySession so tests can
	// hold a transcript snapshot open.
	listGate func()
}

func newFakeMessageStore() *fakeMessageStore {
	return &fakeMessageStore{messages: make(map[string]*Message)}
}

func (s *fakeMessageStore) Get(ctx context.Context, id string) (*Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return nil, ErrMessageNotFound
	}
	cp := *m
	return &cp, nil
}

func (s *fakeMessageStore) Save(ctx context.Context, m *Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.messages[m.ID]; !ok {
		s.order = append(s.order, m.ID)
	}
	cp := *m
	s.messages[m.ID] = &cp
	return nil
}

func (s *fakeMessageStore) AppendContent(ctx context.Context, id, fragment string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return 0, ErrMessageNotFound
	}
	if m.Completed {
		return 0, ErrMessageFinalized
	}
	m.Content += fragment
	m.Offset += len(fragment)
	return m.Offset, nil
}

func (s *fakeMessageStore) Finalize(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return ErrMessageNotFound
	}
	m.Completed = true
	m.Streaming = false
	return nil
}

func (s *fakeMessageStore) ListBySession(ctx context.Context, sessionID string) ([]*Message, error) {
	if s.listGate != nil {
		s.listGate()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Message
	for _, id := range s.order {
		if m := s.messages[id]; m.SessionID == sessionID {
			cp := *m
			out = append(out, &cp)
		}
	}
	return out, nil
}

// fakeTaskStore implements TaskStore.
type fakeTaskStore struct {
	mu    sync.Mutex
	tasks map[string]*Task
	saves int
}

func newFakeTaskStore() *fakeTaskStore {
	return &fakeTaskStore{tasks: make(map[string]*Task)}
}

func (s *fakeTaskStore) Get(ctx context.Context, id string) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	cp := *t
	return &cp, nil
}

func (s *fakeTaskStore) Save(ctx context.Context, t *Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *t
	s.tasks[t.ID] = &cp
	s.saves++
	return nil
}

// fakeDiffStore implements DiffStore.
type fakeDiffStore struct {
	mu    sync.Mutex
	diffs []*DiffRecord
}

func newFakeDiffStore() *fakeDiffStore { return &fakeDiffStore{} }

func (s *fakeDiffStore) Save(ctx context.Context, d *DiffRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *d
	s.diffs = append(s.diffs, &cp)
	return nil
}

func (s *fakeDiffStore) ListBySession(ctx context.Context, sessionID string) ([]*DiffRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*DiffRecord
	for _, d := range s.diffs {
		if d.SessionID == sessionID {
			cp := *d
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *fakeDiffStore) UpdateStatus(ctx context.Context, id string, status DiffStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.diffs {
		if d.ID == id {
			d.Status = status
			return nil
		}
	}
	return ErrMessageNotFound
}

// fakeSupervisor is a scriptable Supervisor: tests emit events and exits by
// hand.
type fakeSupervisor struct {
	mu            sync.Mutex
	spawned       []supervisor.SpawnConfig
	running       map[supervisor.ProcessID]bool
	outputs       map[supervisor.ProcessID]supervisor.OutputFunc
	exits         map[supervisor.ProcessID]supervisor.ExitFunc
	sent          map[supervisor.ProcessID][]string
	onOutputCalls int
	spawnErr      error
	next          int
}

func newFakeSupervisor() *fakeSupervisor {
	return &fakeSupervisor{
		running: make(map[supervisor.ProcessID]bool),
		outputs: make(map[supervisor.ProcessID]supervisor.OutputFunc),
		exits:   make(map[supervisor.ProcessID]supervisor.ExitFunc),
		sent:    make(map[supervisor.ProcessID][]string),
	}
}

func (f *fakeSupervisor) Spawn(ctx context.Context, cfg supervisor.SpawnConfig) (supervisor.ProcessID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.spawnErr != nil {
		return "", f.spawnErr
	}
	f.next++
	pid := supervisor.ProcessID(fmt.Sprintf("proc-%d", f.next))
	f.spawned = append(f.spawned, cfg)
	f.running[pid] = true
	return pid, nil
}

func (f *fakeSupervisor) IsRunning(id supervisor.ProcessID) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running[id]
}

func (f *fakeSupervisor) SendMessage(id supervisor.ProcessID, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.running[id] {
		return supervisor.ErrNotRunning
	}
	f.sent[id] = append(f.sent[id], text)
	return nil
}

func (f *fakeSupervisor) Terminate(id supervisor.ProcessID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.running[id]; !ok {
		return supervisor.ErrUnknownProcess
	}
	return nil
}

func (f *fakeSupervisor) OnOutput(id supervisor.ProcessID, fn supervisor.OutputFunc) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onOutputCalls++
	f.outputs[id] = fn
	return nil
}

func (f *fakeSupervisor) OnExit(id supervisor.ProcessID, fn supervisor.ExitFunc) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.exits[id] = fn
	return nil
}

// emit delivers one event to the registered output handler, synchronously,
// the way the real read loop does.
func (f *fakeSupervisor) emit(id supervisor.ProcessID, ev protocol.Event) {
	f.mu.Lock()
	fn := f.outputs[id]
	f.mu.Unlock()
	if fn != nil {
		fn(ev)
	}
}

// exit marks the process dead and fires the exit handler.
func (f *fakeSupervisor) exit(id supervisor.ProcessID, code int) {
	f.mu.Lock()
	f.running[id] = false
	fn := f.exits[id]
	f.mu.Unlock()
	if fn != nil {
		fn(code)
	}
}

// countingApprovals records how many checks reached the approval stage.
type countingApprovals struct {
	mu       sync.Mutex
	calls    int
	approved bool
	reason   string
}

func (a *countingApprovals) CheckApproval(ctx context.Context, sessionID, toolName string, toolInput map[string]interface{}, invocationID string) (bool, string, error) {
	a.mu.Lock()
	a.calls++
	approved, reason := a.approved, a.reason
	a.mu.Unlock()
	return approved, reason, nil
}

func (a *countingApprovals) callCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

// mustParse builds an event from a raw NDJSON line.
func mustParse(line string) protocol.Event {
	ev, err := protocol.ParseEvent([]byte(line))
	if err != nil {
		panic(err)
	}
	return ev
}

// drain reads every message currently buffered on an observer channel.
func drain(ch <-chan ServerMessage) []ServerMessage {
	var out []ServerMessage
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, msg)
		default:
			return out
		}
	}
}
