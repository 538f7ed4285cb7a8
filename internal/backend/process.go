package backend

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/tavrael/tether/internal/transport"
	"github.com/tavrael/tether/pkg/logger"
)

const (
	// cancelGrace is how long Cancel waits for the subprocess to react to
	// an interrupt before forcing a kill.
	cancelGrace = 2 * time.Second
	// disposeGrace is how long Dispose waits before SIGKILL.
	disposeGrace = 500 * time.Millisecond
	// idleQuiet is how long the output stream must stay silent before a
	// non-thinking backend counts as response-complete.
	idleQuiet = 500 * time.Millisecond
	// maxScanBuffer bounds a single agent output line.
	maxScanBuffer = 10 * 1024 * 1024
)

// ProcessConfig configures a subprocess-backed agent.
type ProcessConfig struct {
	// Command is the agent executable.
	Command string
	// Args are the process arguments.
	Args []string
	// WorkDir is the working directory for the subprocess.
	WorkDir string
	// Env is appended to the parent environment.
	Env []string
	// Handler supplies the per-agent-kind transport policy.
	Handler transport.Handler
}

// Process drives a JSON-lines agent subprocess through a transport
// handler. One Process owns one subprocess for its whole life; mode
// changes are realized by disposing and building a new instance.
type Process struct {
	cfg ProcessConfig

	mu        sync.Mutex
	cmd       *exec.Cmd
	stdin     io.WriteCloser
	ptyFile   *os.File
	state     State
	sessionID string
	handler   func(Event)
	thinking  bool

	lastOutput  time.Time
	firstLineCh chan struct{}
	firstOnce   sync.Once

	stopCh      chan struct{}
	exited      chan struct{}
	disposeOnce sync.Once
}

// NewProcess creates an unstarted subprocess backend.
func NewProcess(cfg ProcessConfig) *Process {
	return &Process{
		cfg:         cfg,
		state:       StateUninitialized,
		firstLineCh: make(chan struct{}),
		stopCh:      make(chan struct{}),
		exited:      make(chan struct{}),
	}
}

// OnMessage registers the single event consumer. Must be called before
// StartSession; later events are dropped if no handler is set.
func (p *Process) OnMessage(handler func(Event)) {
	p.mu.Lock()
	p.handler = handler
	p.mu.Unlock()
}

func (p *Process) emit(ev Event) {
	p.mu.Lock()
	handler := p.handler
	p.mu.Unlock()
	if handler != nil {
		handler(ev)
	}
}

func (p *Process) setState(s State, detail string) {
	p.mu.Lock()
	if p.state == s {
		p.mu.Unlock()
		return
	}
	p.state = s
	p.mu.Unlock()
	p.emit(EvStatus{State: s, Detail: detail})
}

// State reports the current lifecycle state.
func (p *Process) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// StartSession launches the subprocess, waits for its first output line
// (bounded by the handler's init timeout) and returns the session id.
func (p *Process) StartSession(ctx context.Context, initialPrompt string) (string, error) {
	p.mu.Lock()
	if p.state != StateUninitialized {
		state := p.state
		p.mu.Unlock()
		if state == StateStopped {
			return "", ErrDisposed
		}
		return "", fmt.Errorf("start from state %s", state)
	}
	p.state = StateStarting
	p.mu.Unlock()
	p.emit(EvStatus{State: StateStarting})

	cmd := exec.Command(p.cfg.Command, p.cfg.Args...)
	cmd.Dir = p.cfg.WorkDir
	cmd.Env = append(os.Environ(), p.cfg.Env...)

	var out io.Reader
	var err error
	if p.cfg.Handler.WantsPTY() {
		out, err = p.startPTY(cmd)
	} else {
		out, err = p.startPipes(cmd)
	}
	if err != nil {
		p.setState(StateError, err.Error())
		return "", fmt.Errorf("failed to start %s: %w", p.cfg.Command, err)
	}

	p.mu.Lock()
	p.cmd = cmd
	p.sessionID = uuid.NewString()
	p.mu.Unlock()

	go p.readOutput(out)
	go func() {
		err := cmd.Wait()
		close(p.exited)
		select {
		case <-p.stopCh:
			// Expected exit during dispose.
		default:
			if err != nil {
				logger.Warnf("backend: %s exited: %v", p.cfg.Handler.Kind(), err)
				p.setState(StateError, err.Error())
			} else {
				p.setState(StateStopped, "")
			}
		}
	}()

	initCtx, cancel := context.WithTimeout(ctx, p.cfg.Handler.InitTimeout())
	defer cancel()
	select {
	case <-p.firstLineCh:
	case <-p.exited:
		return "", fmt.Errorf("%s exited during startup", p.cfg.Command)
	case <-initCtx.Done():
		p.Dispose()
		return "", fmt.Errorf("startup timed out after %s", p.cfg.Handler.InitTimeout())
	}

	p.mu.Lock()
	sessionID := p.sessionID
	p.mu.Unlock()

	p.setState(StateRunning, "")
	logger.Infof("backend: %s started (pid %d, session %s)", p.cfg.Handler.Kind(), cmd.Process.Pid, sessionID)

	if initialPrompt != "" {
		if err := p.SendPrompt(ctx, sessionID, initialPrompt); err != nil {
			return sessionID, err
		}
	}
	return sessionID, nil
}

func (p *Process) startPipes(cmd *exec.Cmd) (io.Reader, error) {
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	p.stdin = stdin
	p.mu.Unlock()
	return stdout, nil
}

// readOutput scans subprocess output lines, filters them through the
// transport handler and emits normalized events.
func (p *Process) readOutput(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 1024*1024), maxScanBuffer)

	for scanner.Scan() {
		select {
		case <-p.stopCh:
			return
		default:
		}

		line, ok := p.cfg.Handler.FilterOutputLine(scanner.Text())
		if !ok {
			continue
		}

		p.mu.Lock()
		p.lastOutput = time.Now()
		p.mu.Unlock()

		p.captureSessionID(line)
		p.firstOnce.Do(func() { close(p.firstLineCh) })

		for _, ev := range normalizeLine(p.cfg.Handler, line) {
			p.trackThinking(ev)
			p.emit(ev)
		}
	}

	if err := scanner.Err(); err != nil {
		logger.Debugf("backend: output reader: %v", err)
	}
}

// captureSessionID adopts the agent-native session id if the line names
// one.
func (p *Process) captureSessionID(line string) {
	sid := gjson.Get(line, "session_id").String()
	if sid == "" {
		sid = gjson.Get(line, "sessionId").String()
	}
	if sid == "" {
		return
	}
	p.mu.Lock()
	p.sessionID = sid
	p.mu.Unlock()
}

// trackThinking derives the thinking flag from the event stream.
func (p *Process) trackThinking(ev Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch e := ev.(type) {
	case EvStatus:
		switch e.State {
		case StateIdle, StateStopped, StateError:
			p.thinking = false
			if p.state == StateThinking || p.state == StateRunning {
				p.state = StateIdle
			}
		case StateThinking:
			p.thinking = true
			p.state = StateThinking
		}
	case EvModelOutput, EvToolCall:
		p.thinking = true
		if p.state == StateRunning || p.state == StateIdle {
			p.state = StateThinking
		}
	}
}

// SendPrompt writes one prompt to the subprocess. JSON-lines agents get a
// user message record; PTY agents get the text typed followed by Enter.
func (p *Process) SendPrompt(ctx context.Context, sessionID, text string) error {
	p.mu.Lock()
	state := p.state
	stdin := p.stdin
	ptyFile := p.ptyFile
	p.thinking = true
	if state == StateRunning || state == StateIdle {
		p.state = StateThinking
	}
	p.mu.Unlock()

	switch state {
	case StateStopped:
		return ErrDisposed
	case StateUninitialized, StateError:
		return ErrNotRunning
	}

	if ptyFile != nil {
		if _, err := io.WriteString(ptyFile, text); err != nil {
			return fmt.Errorf("write prompt: %w", err)
		}
		time.Sleep(50 * time.Millisecond)
		_, err := io.WriteString(ptyFile, "\r")
		return err
	}

	if stdin == nil {
		return ErrNotRunning
	}
	record := map[string]any{
		"type": "user",
		"message": map[string]any{
			"role": "user",
			"content": []map[string]any{
				{"type": "text", "text": text},
			},
		},
		"session_id": sessionID,
	}
	raw, err := json.Marshal(record)
	if err != nil {
		return err
	}
	if _, err := stdin.Write(append(raw, '\n')); err != nil {
		return fmt.Errorf("write prompt: %w", err)
	}
	return nil
}

// SendPermissionResponse answers a pending permission request on the
// subprocess input. JSON-lines agents get a control_response record;
// PTY agents get the decision typed.
func (p *Process) SendPermissionResponse(requestID string, allow bool, message string) error {
	p.mu.Lock()
	state := p.state
	stdin := p.stdin
	ptyFile := p.ptyFile
	p.mu.Unlock()

	switch state {
	case StateStopped:
		return ErrDisposed
	case StateUninitialized, StateError:
		return ErrNotRunning
	}

	if ptyFile != nil {
		answer := "n"
		if allow {
			answer = "y"
		}
		_, err := io.WriteString(ptyFile, answer+"\r")
		return err
	}

	if stdin == nil {
		return ErrNotRunning
	}
	behavior := "deny"
	if allow {
		behavior = "allow"
	}
	response := map[string]any{"behavior": behavior}
	if message != "" {
		response["message"] = message
	}
	record := map[string]any{
		"type":       "control_response",
		"request_id": requestID,
		"response":   response,
	}
	raw, err := json.Marshal(record)
	if err != nil {
		return err
	}
	if _, err := stdin.Write(append(raw, '\n')); err != nil {
		return fmt.Errorf("write permission response: %w", err)
	}
	return nil
}

// Cancel interrupts the in-flight turn. The subprocess gets an interrupt
// signal; whether or not it acknowledges, the backend leaves the thinking
// state within cancelGrace.
func (p *Process) Cancel(ctx context.Context, sessionID string) error {
	p.mu.Lock()
	cmd := p.cmd
	state := p.state
	p.mu.Unlock()

	if state == StateStopped {
		return ErrDisposed
	}
	if cmd == nil || cmd.Process == nil {
		return ErrNotRunning
	}

	_ = cmd.Process.Signal(os.Interrupt)

	// Force the state transition even without acknowledgement.
	go func() {
		select {
		case <-time.After(cancelGrace):
		case <-p.stopCh:
			return
		}
		p.mu.Lock()
		stillThinking := p.thinking
		p.thinking = false
		if p.state == StateThinking {
			p.state = StateIdle
		}
		p.mu.Unlock()
		if stillThinking {
			p.emit(EvStatus{State: StateIdle, Detail: "aborted"})
		}
	}()

	p.mu.Lock()
	p.thinking = false
	if p.state == StateThinking {
		p.state = StateIdle
	}
	p.mu.Unlock()
	p.emit(EvStatus{State: StateIdle, Detail: "aborted"})
	return nil
}

// WaitForResponseComplete blocks until the backend is not thinking and
// the output stream has been quiet for idleQuiet, or until timeout.
// Timeout is not an error; the turn is treated as complete.
func (p *Process) WaitForResponseComplete(timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		p.mu.Lock()
		thinking := p.thinking
		last := p.lastOutput
		state := p.state
		p.mu.Unlock()

		if state == StateStopped || state == StateError {
			return
		}
		if !thinking && !last.IsZero() && time.Since(last) >= idleQuiet {
			return
		}
		if time.Now().After(deadline) {
			return
		}

		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
		}
	}
}

// Dispose releases the subprocess. Safe to call multiple times.
func (p *Process) Dispose() {
	p.disposeOnce.Do(func() {
		close(p.stopCh)

		p.mu.Lock()
		cmd := p.cmd
		stdin := p.stdin
		ptyFile := p.ptyFile
		p.stdin = nil
		p.ptyFile = nil
		p.state = StateStopped
		p.thinking = false
		p.mu.Unlock()

		if stdin != nil {
			_ = stdin.Close()
		}
		if ptyFile != nil {
			_ = ptyFile.Close()
		}

		if cmd != nil && cmd.Process != nil {
			_ = cmd.Process.Signal(os.Interrupt)
			go func() {
				select {
				case <-p.exited:
					return
				case <-time.After(disposeGrace):
				}
				_ = cmd.Process.Kill()
			}()
		}

		p.emit(EvStatus{State: StateStopped})
		logger.Debugf("backend: %s disposed", p.cfg.Handler.Kind())
	})
}
