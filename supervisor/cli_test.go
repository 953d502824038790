package supervisor

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bazelment/agentdeck/protocol"
)

func TestBuildCLIArgsClaude(t *testing.T) {
	args, err := BuildCLIArgs(SpawnConfig{
		Provider:        ProviderClaude,
		Model:           "claude-sonnet-4",
		ResumeSessionID: "conv-123",
		PermissionMode:  "acceptEdits",
		AllowedTools:    []string{"Read", "Bash"},
	})
	require.NoError(t, err)

	assert.Contains(t, args, "--output-format")
	assert.Contains(t, args, "stream-json")
	assert.Contains(t, args, "--include-partial-messages")
	assert.Contains(t, args, "--resume")
	assert.Contains(t, args, "conv-123")
	assert.Contains(t, args, "--model")
	assert.Contains(t, args, "claude-sonnet-4")
	assert.Contains(t, args, "--permission-mode")
	assert.Contains(t, args, "acceptEdits")
	assert.Equal(t, "--print", args[len(args)-1])
}

func TestBuildCLIArgsClaudeFresh(t *testing.T) {
	args, err := BuildCLIArgs(SpawnConfig{Provider: ProviderClaude})
	require.NoError(t, err)
	assert.NotContains(t, args, "--resume")
	assert.NotContains(t, args, "--model")
}

func TestBuildCLIArgsCodex(t *testing.T) {
	args, err := BuildCLIArgs(SpawnConfig{
		Provider: ProviderCodex,
		Model:    "gpt-5-codex",
		WorkDir:  "/tmp/work",
		Prompt:   "fix the tests",
	})
	require.NoError(t, err)

	assert.Equal(t, "exec", args[0])
	assert.Contains(t, args, "--json")
	assert.Contains(t, args, "--cd")
	assert.Contains(t, args, "/tmp/work")
	assert.Equal(t, "fix the tests", args[len(args)-1])
}

func TestBuildCLIArgsGemini(t *testing.T) {
	args, err := BuildCLIArgs(SpawnConfig{
		Provider:        ProviderGemini,
		ResumeSessionID: "g-77",
		Prompt:          "hello",
	})
	require.NoError(t, err)
	assert.Contains(t, args, "--resume")
	assert.Contains(t, args, "g-77")
	assert.Contains(t, args, "--prompt")
}

func TestBuildCLIArgsUnknownProvider(t *testing.T) {
	_, err := BuildCLIArgs(SpawnConfig{Provider: Provider("cursor")})
	require.ErrorIs(t, err, ErrUnknownProvider)
}

func TestProviderValid(t *testing.T) {
	assert.True(t, ProviderClaude.Valid())
	assert.True(t, ProviderCodex.Valid())
	assert.True(t, ProviderGemini.Valid())
	assert.False(t, Provider("").Valid())
	assert.False(t, Provider("cursor").Valid())
}

func TestBinaryFor(t *testing.T) {
	assert.Equal(t, "claude", binaryFor(SpawnConfig{Provider: ProviderClaude}))
	assert.Equal(t, "/opt/bin/claude", binaryFor(SpawnConfig{Provider: ProviderClaude, CLIPath: "/opt/bin/claude"}))
}

// Events arriving before OnOutput registration must replay in order once a
// callback is registered.
func TestDispatchBuffersUntilRegistration(t *testing.T) {
	s := NewCLISupervisor(zerolog.Nop())
	proc := &managedProcess{id: "p1", done: make(chan struct{})}
	s.mu.Lock()
	s.procs[proc.id] = proc
	s.mu.Unlock()

	s.dispatch(proc, &protocol.SystemEvent{Subtype: "init"})
	s.dispatch(proc, &protocol.ResultEvent{Subtype: "success"})

	var got []protocol.Event
	require.NoError(t, s.OnOutput(proc.id, func(ev protocol.Event) {
		got = append(got, ev)
	}))

	require.Len(t, got, 2)
	assert.Equal(t, protocol.EventTypeSystem, got[0].Kind())
	assert.Equal(t, protocol.EventTypeResult, got[1].Kind())

	// Live delivery after registration bypasses the buffer.
	s.dispatch(proc, &protocol.SystemEvent{Subtype: "status"})
	require.Len(t, got, 3)
}

// Events arriving while the backlog replays must come out after it, in
// emission order, never interleaved with the replay.
func TestReplayAndLiveDeliveryStayOrdered(t *testing.T) {
	s := NewCLISupervisor(zerolog.Nop())
	proc := &managedProcess{id: "p3", done: make(chan struct{})}
	s.mu.Lock()
	s.procs[proc.id] = proc
	s.mu.Unlock()

	const total = 600
	for i := 0; i < total/2; i++ {
		s.dispatch(proc, protocol.SystemEvent{SessionID: strconv.Itoa(i)})
	}

	rest := make(chan struct{})
	go func() {
		defer close(rest)
		for i := total / 2; i < total; i++ {
			s.dispatch(proc, protocol.SystemEvent{SessionID: strconv.Itoa(i)})
		}
	}()

	var mu sync.Mutex
	var got []string
	require.NoError(t, s.OnOutput(proc.id, func(ev protocol.Event) {
		mu.Lock()
		got = append(got, ev.(protocol.SystemEvent).SessionID)
		mu.Unlock()
	}))
	<-rest

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, total)
	for i, id := range got {
		require.Equal(t, strconv.Itoa(i), id)
	}
}

// Output buffered in the pipe when the process exits must be delivered in
// full before the exit callback fires.
func TestExitWaitsForOutputDrain(t *testing.T) {
	const total = 2000
	script := filepath.Join(t.TempDir(), "emit.sh")
	body := "#!/bin/sh\nread _\ni=0\nwhile [ $i -lt 2000 ]; do\n" +
		"  echo '{\"type\":\"system\",\"subtype\":\"tick\",\"session_id\":\"conv\"}'\n" +
		"  i=$((i+1))\ndone\n"
	require.NoError(t, os.WriteFile(script, []byte(body), 0o755))

	s := NewCLISupervisor(zerolog.Nop())
	pid, err := s.Spawn(context.Background(), SpawnConfig{
		Provider:  ProviderClaude,
		SessionID: "sess",
		CLIPath:   script,
	})
	require.NoError(t, err)

	var mu sync.Mutex
	received := 0
	receivedAtExit := -1
	exited := make(chan struct{})
	require.NoError(t, s.OnOutput(pid, func(protocol.Event) {
		mu.Lock()
		received++
		mu.Unlock()
	}))
	require.NoError(t, s.OnExit(pid, func(int) {
		mu.Lock()
		receivedAtExit = received
		mu.Unlock()
		close(exited)
	}))

	// The script blocks on stdin until poked, so registration always
	// precedes the burst.
	require.NoError(t, s.SendMessage(pid, "go"))

	select {
	case <-exited:
	case <-time.After(10 * time.Second):
		t.Fatal("process never exited")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, total, received)
	assert.Equal(t, total, receivedAtExit)
}

func TestOnExitAfterExitFiresImmediately(t *testing.T) {
	s := NewCLISupervisor(zerolog.Nop())
	proc := &managedProcess{id: "p2", done: make(chan struct{}), exited: true, exitCode: 3}
	s.mu.Lock()
	s.procs[proc.id] = proc
	s.mu.Unlock()

	var code int
	require.NoError(t, s.OnExit(proc.id, func(c int) { code = c }))
	assert.Equal(t, 3, code)
}

func TestUnknownProcessErrors(t *testing.T) {
	s := NewCLISupervisor(zerolog.Nop())
	assert.ErrorIs(t, s.SendMessage("nope", "hi"), ErrUnknownProcess)
	assert.ErrorIs(t, s.Terminate("nope"), ErrUnknownProcess)
	assert.ErrorIs(t, s.OnOutput("nope", nil), ErrUnknownProcess)
	assert.False(t, s.IsRunning("nope"))
}
