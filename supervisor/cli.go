package supervisor

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/bazelment/agentdeck/protocol"
)

const (
	// maxLineSize bounds a single stdout line; tool results can carry
	// whole file contents.
	maxLineSize = 10 * 1024 * 1024

	// pendingEventCap bounds the pre-registration event buffer per process.
	pendingEventCap = 1024

	// termGracePeriod is how long a process gets after SIGTERM before
	// SIGKILL.
	termGracePeriod = 5 * time.Second
)

// CLISupervisor spawns real provider CLI processes and supervises them.
type CLISupervisor struct {
	logger zerolog.Logger

	mu    sync.Mutex
	procs map[ProcessID]*managedProcess
}

// managedProcess tracks one spawned CLI invocation.
type managedProcess struct {
	id       ProcessID
	provider Provider
	cmd      *exec.Cmd
	stdin    io.WriteCloser

	mu       sync.Mutex
	outputFn OutputFunc
	pending  []protocol.Event // events seen before OnOutput registration
	dropped  int
	exitFn   ExitFunc
	exited   bool
	exitCode int

	// ioDone gates reaping: both pipe readers must hit EOF before Wait,
	// which closes the pipes and would discard buffered trailing output.
	ioDone sync.WaitGroup
	done   chan struct{}
}

var _ Supervisor = (*CLISupervisor)(nil)

// NewCLISupervisor returns a supervisor that runs provider CLIs as child
// processes.
func NewCLISupervisor(logger zerolog.Logger) *CLISupervisor {
	return &CLISupervisor{
		logger: logger.With().Str("component", "supervisor").Logger(),
		procs:  make(map[ProcessID]*managedProcess),
	}
}

// Spawn implements Supervisor.
func (s *CLISupervisor) Spawn(ctx context.Context, cfg SpawnConfig) (ProcessID, error) {
	if !cfg.Provider.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownProvider, cfg.Provider)
	}
	args, err := BuildCLIArgs(cfg)
	if err != nil {
		return "", err
	}

	cmd := exec.CommandContext(ctx, binaryFor(cfg), args...)
	cmd.Dir = cfg.WorkDir
	cmd.Env = os.Environ()
	for k, v := range cfg.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	// Own process group so Terminate can signal the CLI and any children
	// it forks.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return "", fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return "", fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return "", fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("start %s cli: %w", cfg.Provider, err)
	}

	id := ProcessID(fmt.Sprintf("%s-%s", cfg.SessionID, uuid.NewString()[:8]))
	proc := &managedProcess{
		id:       id,
		provider: cfg.Provider,
		cmd:      cmd,
		stdin:    stdin,
		done:     make(chan struct{}),
	}

	s.mu.Lock()
	s.procs[id] = proc
	s.mu.Unlock()

	s.logger.Info().
		Str("process_id", string(id)).
		Str("provider", string(cfg.Provider)).
		Int("pid", cmd.Process.Pid).
		Msg("spawned agent process")

	proc.ioDone.Add(2)
	go s.readLoop(proc, stdout)
	go s.drainStderr(proc, stderr)
	go s.waitLoop(proc)

	// Claude takes the prompt over stdin as a stream-json message.
	if cfg.Provider == ProviderClaude && cfg.Prompt != "" {
		if err := s.SendMessage(id, cfg.Prompt); err != nil {
			s.logger.Error().Err(err).Str("process_id", string(id)).Msg("failed to send initial prompt")
		}
	}

	return id, nil
}

// readLoop parses NDJSON events off stdout and dispatches them.
func (s *CLISupervisor) readLoop(proc *managedProcess, stdout io.Reader) {
	defer proc.ioDone.Done()
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		ev, err := protocol.ParseEvent(line)
		if err != nil {
			s.logger.Warn().Err(err).
				Str("process_id", string(proc.id)).
				Msg("unparseable output line")
			continue
		}
		s.dispatch(proc, ev)
	}
	if err := scanner.Err(); err != nil {
		s.logger.Warn().Err(err).
			Str("process_id", string(proc.id)).
			Msg("stdout read loop ended with error")
	}
}

// dispatch delivers one event to the registered callback, buffering when no
// callback exists yet so early events are not lost.
func (s *CLISupervisor) dispatch(proc *managedProcess, ev protocol.Event) {
	proc.mu.Lock()
	fn := proc.outputFn
	if fn == nil {
		if len(proc.pending) < pendingEventCap {
			proc.pending = append(proc.pending, ev)
		} else {
			proc.dropped++
		}
		proc.mu.Unlock()
		return
	}
	proc.mu.Unlock()
	fn(ev)
}

func (s *CLISupervisor) drainStderr(proc *managedProcess, stderr io.Reader) {
	defer proc.ioDone.Done()
	scanner := bufio.NewScanner(stderr)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	for scanner.Scan() {
		s.logger.Debug().
			Str("process_id", string(proc.id)).
			Str("stderr", scanner.Text()).
			Msg("agent stderr")
	}
}

// waitLoop reaps the process and fires the exit callback exactly once.
// Reaping is deferred until both pipe readers finish so every buffered
// output event, including the terminal result, is dispatched before the
// exit callback fires.
func (s *CLISupervisor) waitLoop(proc *managedProcess) {
	proc.ioDone.Wait()
	err := proc.cmd.Wait()

	code := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			code = exitErr.ExitCode()
		} else {
			code = -1
		}
	}

	proc.mu.Lock()
	proc.exited = true
	proc.exitCode = code
	fn := proc.exitFn
	dropped := proc.dropped
	proc.mu.Unlock()
	close(proc.done)

	if dropped > 0 {
		s.logger.Warn().
			Str("process_id", string(proc.id)).
			Int("dropped", dropped).
			Msg("dropped pre-registration events")
	}
	s.logger.Info().
		Str("process_id", string(proc.id)).
		Int("exit_code", code).
		Msg("agent process exited")

	if fn != nil {
		fn(code)
	}
}

// IsRunning implements Supervisor.
func (s *CLISupervisor) IsRunning(id ProcessID) bool {
	s.mu.Lock()
	proc, ok := s.procs[id]
	s.mu.Unlock()
	if !ok {
		return false
	}
	proc.mu.Lock()
	defer proc.mu.Unlock()
	return !proc.exited
}

// SendMessage implements Supervisor. The text is framed as a stream-json
// user message on the process stdin.
func (s *CLISupervisor) SendMessage(id ProcessID, text string) error {
	s.mu.Lock()
	proc, ok := s.procs[id]
	s.mu.Unlock()
	if !ok {
		return ErrUnknownProcess
	}
	proc.mu.Lock()
	exited := proc.exited
	proc.mu.Unlock()
	if exited {
		return ErrNotRunning
	}

	msg := map[string]interface{}{
		"type": "user",
		"message": map[string]interface{}{
			"role": "user",
			"content": []map[string]interface{}{
				{"type": "text", "text": text},
			},
		},
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal user message: %w", err)
	}
	data = append(data, '\n')
	if _, err := proc.stdin.Write(data); err != nil {
		return fmt.Errorf("write to stdin: %w", err)
	}
	return nil
}

// Terminate implements Supervisor. SIGTERM first, then SIGKILL after the
// grace period. The exit callback fires from the wait loop as usual.
func (s *CLISupervisor) Terminate(id ProcessID) error {
	s.mu.Lock()
	proc, ok := s.procs[id]
	s.mu.Unlock()
	if !ok {
		return ErrUnknownProcess
	}
	proc.mu.Lock()
	if proc.exited {
		proc.mu.Unlock()
		return nil
	}
	pid := proc.cmd.Process.Pid
	proc.mu.Unlock()

	// Negative pid signals the whole process group.
	if err := syscall.Kill(-pid, syscall.SIGTERM); err != nil {
		s.logger.Warn().Err(err).Str("process_id", string(id)).Msg("SIGTERM failed")
	}

	go func() {
		select {
		case <-proc.done:
		case <-time.After(termGracePeriod):
			s.logger.Warn().Str("process_id", string(id)).Msg("grace period elapsed, sending SIGKILL")
			_ = syscall.Kill(-pid, syscall.SIGKILL)
		}
	}()
	return nil
}

// OnOutput implements Supervisor. Buffered pre-registration events replay
// synchronously in emission order; live delivery only begins once the
// backlog, including events arriving mid-replay, is fully drained, so the
// two can never interleave.
func (s *CLISupervisor) OnOutput(id ProcessID, fn OutputFunc) error {
	s.mu.Lock()
	proc, ok := s.procs[id]
	s.mu.Unlock()
	if !ok {
		return ErrUnknownProcess
	}

	for {
		proc.mu.Lock()
		if len(proc.pending) == 0 {
			proc.outputFn = fn
			proc.mu.Unlock()
			return nil
		}
		batch := proc.pending
		proc.pending = nil
		proc.mu.Unlock()

		for _, ev := range batch {
			fn(ev)
		}
	}
}

// OnExit implements Supervisor.
func (s *CLISupervisor) OnExit(id ProcessID, fn ExitFunc) error {
	s.mu.Lock()
	proc, ok := s.procs[id]
	s.mu.Unlock()
	if !ok {
		return ErrUnknownProcess
	}

	proc.mu.Lock()
	if proc.exited {
		code := proc.exitCode
		proc.mu.Unlock()
		fn(code)
		return nil
	}
	proc.exitFn = fn
	proc.mu.Unlock()
	return nil
}

// Shutdown terminates every live process and waits for them to exit, up to
// the context deadline.
func (s *CLISupervisor) Shutdown(ctx context.Context) {
	s.mu.Lock()
	procs := make([]*managedProcess, 0, len(s.procs))
	for _, p := range s.procs {
		procs = append(procs, p)
	}
	s.mu.Unlock()

	for _, p := range procs {
		_ = s.Terminate(p.id)
	}
	for _, p := range procs {
		select {
		case <-p.done:
		case <-ctx.Done():
			return
		}
	}
}
