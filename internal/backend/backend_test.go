package backend

import (
	"context"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tavrael/tether/internal/transport"
)

// eventSink collects emitted events thread-safely.
type eventSink struct {
	mu     sync.Mutex
	events []Event
}

func (s *eventSink) add(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func (s *eventSink) snapshot() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, len(s.events))
	copy(out, s.events)
	return out
}

func TestFakeScriptedTurn(t *testing.T) {
	f := NewFake()
	sink := &eventSink{}
	f.OnMessage(sink.add)

	f.Script(
		EvModelOutput{FullText: "scripted answer"},
		EvToolCall{CallID: "call_1", ToolName: "Bash"},
	)

	sid, err := f.StartSession(context.Background(), "")
	require.NoError(t, err)
	require.NotEmpty(t, sid)

	require.NoError(t, f.SendPrompt(context.Background(), sid, "do it"))
	f.WaitForResponseComplete(time.Second)

	var texts []string
	var tools []string
	for _, ev := range sink.snapshot() {
		switch e := ev.(type) {
		case EvModelOutput:
			texts = append(texts, e.FullText)
		case EvToolCall:
			tools = append(tools, e.ToolName)
		}
	}
	require.Equal(t, []string{"scripted answer"}, texts)
	require.Equal(t, []string{"Bash"}, tools)
	require.Equal(t, []string{"do it"}, f.Prompts)
	require.Equal(t, StateIdle, f.State())
}

func TestFakeDisposeIdempotent(t *testing.T) {
	f := NewFake()
	sid, err := f.StartSession(context.Background(), "")
	require.NoError(t, err)

	f.Dispose()
	stateAfterFirst := f.State()
	callsAfterFirst := f.DisposeCalls

	f.Dispose()
	require.Equal(t, stateAfterFirst, f.State())
	require.Equal(t, callsAfterFirst, f.DisposeCalls)

	require.ErrorIs(t, f.SendPrompt(context.Background(), sid, "x"), ErrDisposed)
	_, err = f.StartSession(context.Background(), "")
	require.ErrorIs(t, err, ErrDisposed)
}

func TestFakeUnknownSession(t *testing.T) {
	f := NewFake()
	_, err := f.StartSession(context.Background(), "")
	require.NoError(t, err)
	require.Error(t, f.SendPrompt(context.Background(), "bogus", "x"))
}

func TestFakeSendBeforeStart(t *testing.T) {
	f := NewFake()
	require.ErrorIs(t, f.SendPrompt(context.Background(), "any", "x"), ErrNotRunning)
}

func TestProcessDisposeIdempotentUnstarted(t *testing.T) {
	p := NewProcess(ProcessConfig{Command: "true", Handler: transport.GenericHandler{}})
	p.Dispose()
	p.Dispose()
	require.Equal(t, StateStopped, p.State())

	_, err := p.StartSession(context.Background(), "")
	require.ErrorIs(t, err, ErrDisposed)
	require.ErrorIs(t, p.SendPrompt(context.Background(), "sid", "x"), ErrDisposed)
	require.ErrorIs(t, p.Cancel(context.Background(), "sid"), ErrDisposed)
}

func TestProcessEchoAgent(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("sh-based echo agent")
	}

	p := NewProcess(ProcessConfig{
		Command: "sh",
		Args:    []string{"-c", `echo '{"type":"status","status":"running","session_id":"agent-1"}'; cat >/dev/null`},
		Handler: transport.GenericHandler{},
	})
	sink := &eventSink{}
	p.OnMessage(sink.add)
	defer p.Dispose()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	sid, err := p.StartSession(ctx, "")
	require.NoError(t, err)
	// The agent-native session id from the first line wins.
	require.Equal(t, "agent-1", sid)

	p.WaitForResponseComplete(5 * time.Second)
	require.Equal(t, StateRunning, p.State())

	p.Dispose()
	require.Equal(t, StateStopped, p.State())
}
