package backend

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// PermissionAnswer records one SendPermissionResponse call.
type PermissionAnswer struct {
	RequestID string
	Allow     bool
	Message   string
}

// Fake is a scriptable in-memory backend for tests and --fake-agent runs.
// Each SendPrompt pops the next scripted event batch and delivers it,
// followed by an idle status.
type Fake struct {
	mu        sync.Mutex
	state     State
	handler   func(Event)
	sessionID string
	scripts   [][]Event

	// Recorded calls for assertions.
	StartCalls   int
	DisposeCalls int
	CancelCalls  int
	Prompts      []string

	answers []PermissionAnswer

	disposeOnce sync.Once
}

// NewFake returns an unstarted fake backend.
func NewFake() *Fake {
	return &Fake{state: StateUninitialized}
}

// Script appends one event batch; each SendPrompt consumes one batch.
func (f *Fake) Script(events ...Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scripts = append(f.scripts, events)
}

func (f *Fake) OnMessage(handler func(Event)) {
	f.mu.Lock()
	f.handler = handler
	f.mu.Unlock()
}

func (f *Fake) emit(ev Event) {
	f.mu.Lock()
	handler := f.handler
	f.mu.Unlock()
	if handler != nil {
		handler(ev)
	}
}

func (f *Fake) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *Fake) StartSession(ctx context.Context, initialPrompt string) (string, error) {
	f.mu.Lock()
	if f.state == StateStopped {
		f.mu.Unlock()
		return "", ErrDisposed
	}
	f.StartCalls++
	f.state = StateRunning
	f.sessionID = "fake-" + uuid.NewString()
	sid := f.sessionID
	f.mu.Unlock()

	f.emit(EvStatus{State: StateStarting})
	f.emit(EvStatus{State: StateRunning})

	if initialPrompt != "" {
		if err := f.SendPrompt(ctx, sid, initialPrompt); err != nil {
			return sid, err
		}
	}
	return sid, nil
}

func (f *Fake) SendPrompt(ctx context.Context, sessionID, text string) error {
	f.mu.Lock()
	switch f.state {
	case StateStopped:
		f.mu.Unlock()
		return ErrDisposed
	case StateUninitialized:
		f.mu.Unlock()
		return ErrNotRunning
	}
	if sessionID != f.sessionID {
		f.mu.Unlock()
		return fmt.Errorf("unknown session %q", sessionID)
	}
	f.Prompts = append(f.Prompts, text)
	f.state = StateThinking

	var batch []Event
	if len(f.scripts) > 0 {
		batch = f.scripts[0]
		f.scripts = f.scripts[1:]
	} else {
		batch = []Event{EvModelOutput{FullText: "ok: " + text}}
	}
	f.mu.Unlock()

	for _, ev := range batch {
		f.emit(ev)
	}

	f.mu.Lock()
	if f.state == StateThinking {
		f.state = StateIdle
	}
	f.mu.Unlock()
	f.emit(EvStatus{State: StateIdle})
	return nil
}

// SendPermissionResponse records the decision for later assertions.
func (f *Fake) SendPermissionResponse(requestID string, allow bool, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state == StateStopped {
		return ErrDisposed
	}
	f.answers = append(f.answers, PermissionAnswer{RequestID: requestID, Allow: allow, Message: message})
	return nil
}

// Answers returns a copy of the recorded permission responses.
func (f *Fake) Answers() []PermissionAnswer {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]PermissionAnswer, len(f.answers))
	copy(out, f.answers)
	return out
}

func (f *Fake) Cancel(ctx context.Context, sessionID string) error {
	f.mu.Lock()
	if f.state == StateStopped {
		f.mu.Unlock()
		return ErrDisposed
	}
	f.CancelCalls++
	f.state = StateIdle
	f.mu.Unlock()

	f.emit(EvStatus{State: StateIdle, Detail: "aborted"})
	return nil
}

func (f *Fake) WaitForResponseComplete(timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		f.mu.Lock()
		state := f.state
		f.mu.Unlock()
		if state != StateThinking {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func (f *Fake) Dispose() {
	f.disposeOnce.Do(func() {
		f.mu.Lock()
		f.DisposeCalls++
		f.state = StateStopped
		f.mu.Unlock()
		f.emit(EvStatus{State: StateStopped})
	})
}
