// Package backend wraps one agent subprocess behind a uniform
// start/prompt/cancel/dispose contract with a unified event stream.
package backend

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// State is the backend lifecycle state.
type State string

const (
	StateUninitialized State = "uninitialized"
	StateStarting      State = "starting"
	StateRunning       State = "running"
	StateIdle          State = "idle"
	StateThinking      State = "thinking"
	StateStopped       State = "stopped"
	// StateError is terminal. A failed backend is never retried in place;
	// the orchestrator constructs a fresh instance on the next prompt.
	StateError State = "error"
)

var (
	// ErrDisposed is returned for operations on a disposed backend.
	ErrDisposed = errors.New("backend disposed")
	// ErrNotRunning is returned when the subprocess is not live.
	ErrNotRunning = errors.New("backend not running")
)

// Event is a marker interface for backend-emitted events. Events are
// delivered to the single OnMessage consumer in production order.
type Event interface {
	isBackendEvent()
}

// EvModelOutput carries model text, either a streaming delta or a full
// message.
type EvModelOutput struct {
	// TextDelta is a streaming fragment; empty when FullText is set.
	TextDelta string
	// FullText is a complete message; empty when TextDelta is set.
	FullText string
	// Raw is the normalized provider payload.
	Raw json.RawMessage
}

func (EvModelOutput) isBackendEvent() {}

// EvStatus signals a lifecycle transition.
type EvStatus struct {
	State  State
	Detail string
}

func (EvStatus) isBackendEvent() {}

// EvToolCall signals the agent wants to invoke a tool.
type EvToolCall struct {
	CallID   string
	ToolName string
	Args     json.RawMessage
}

func (EvToolCall) isBackendEvent() {}

// EvToolResult carries the outcome of a tool invocation.
type EvToolResult struct {
	CallID   string
	ToolName string
	Result   json.RawMessage
}

func (EvToolResult) isBackendEvent() {}

// EvPermissionRequest is a provider-native permission prompt.
type EvPermissionRequest struct {
	ID      string
	Reason  string
	Payload json.RawMessage
}

func (EvPermissionRequest) isBackendEvent() {}

// EvPermissionResponse is a provider-native permission decision echo.
type EvPermissionResponse struct {
	ID       string
	Approved bool
}

func (EvPermissionResponse) isBackendEvent() {}

// EvFSEdit describes a file modification the agent performed.
type EvFSEdit struct {
	Description string
	Diff        string
	Path        string
}

func (EvFSEdit) isBackendEvent() {}

// EvTerminalOutput carries raw terminal data from PTY-driven agents.
type EvTerminalOutput struct {
	Data string
}

func (EvTerminalOutput) isBackendEvent() {}

// EvTokenCount carries provider token accounting.
type EvTokenCount struct {
	Input         int
	Output        int
	CacheCreation int
	CacheRead     int
}

func (EvTokenCount) isBackendEvent() {}

// EvGeneric is a provider-specific named event passed through unchanged.
type EvGeneric struct {
	Name    string
	Payload json.RawMessage
}

func (EvGeneric) isBackendEvent() {}

// Backend is the uniform contract over one agent subprocess/session.
type Backend interface {
	// StartSession launches the subprocess and returns its session id.
	// initialPrompt, when non-empty, is delivered as the first turn.
	StartSession(ctx context.Context, initialPrompt string) (string, error)
	// SendPrompt forwards one user prompt for the given session.
	SendPrompt(ctx context.Context, sessionID, text string) error
	// Cancel delivers a cancellation signal to the subprocess. The backend
	// leaves the thinking state within a bounded timeout even if the
	// subprocess never acknowledges.
	Cancel(ctx context.Context, sessionID string) error
	// SendPermissionResponse answers a pending permission request so a
	// subprocess blocked on the decision can proceed.
	SendPermissionResponse(requestID string, allow bool, message string) error
	// OnMessage registers the single event consumer. Events are delivered
	// in production order.
	OnMessage(handler func(Event))
	// WaitForResponseComplete blocks until no further output is expected
	// for the current turn (not thinking, stream idle) or the timeout
	// elapses, whichever is first.
	WaitForResponseComplete(timeout time.Duration)
	// State reports the current lifecycle state.
	State() State
	// Dispose releases the subprocess/connection. Idempotent.
	Dispose()
}
