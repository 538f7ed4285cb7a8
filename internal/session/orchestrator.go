package session

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/sjson"

	"github.com/tavrael/tether/internal/backend"
	"github.com/tavrael/tether/internal/history"
	"github.com/tavrael/tether/internal/msgqueue"
	"github.com/tavrael/tether/internal/notify"
	"github.com/tavrael/tether/internal/permission"
	"github.com/tavrael/tether/internal/relay"
	"github.com/tavrael/tether/internal/transport"
	"github.com/tavrael/tether/internal/wire"
	"github.com/tavrael/tether/pkg/logger"
	"github.com/tavrael/tether/pkg/types"
)

// ErrorKind classifies a failed agent turn or startup.
type ErrorKind string

const (
	ErrorAuth            ErrorKind = "auth"
	ErrorRateLimit       ErrorKind = "rate-limit"
	ErrorProcessNotFound ErrorKind = "process-not-found"
	ErrorUnknown         ErrorKind = "unknown"
)

// ClassifyError maps an agent failure message onto an ErrorKind.
func ClassifyError(detail string) ErrorKind {
	lower := strings.ToLower(detail)
	switch {
	case strings.Contains(lower, "unauthorized"),
		strings.Contains(lower, "401"),
		strings.Contains(lower, "403"),
		strings.Contains(lower, "invalid api key"),
		strings.Contains(lower, "authentication"):
		return ErrorAuth
	case strings.Contains(lower, "rate limit"),
		strings.Contains(lower, "429"),
		strings.Contains(lower, "overloaded"):
		return ErrorRateLimit
	case strings.Contains(lower, "executable file not found"),
		strings.Contains(lower, "no such file"),
		strings.Contains(lower, "command not found"):
		return ErrorProcessNotFound
	default:
		return ErrorUnknown
	}
}

// BackendFactory constructs a backend for the given mode. The bridge calls it
// every time a mode-hash change forces a dispose-then-start cycle.
type BackendFactory func(mode msgqueue.Mode) (backend.Backend, error)

// NewProcessFactory returns the default factory: a JSON-lines subprocess
// driven through the transport handler for kind.
func NewProcessFactory(registry *transport.Registry, kind, workDir string) BackendFactory {
	return func(mode msgqueue.Mode) (backend.Backend, error) {
		handler, err := registry.Lookup(kind)
		if err != nil {
			return nil, err
		}
		command, args := agentCommand(kind, mode)
		return backend.NewProcess(backend.ProcessConfig{
			Command: command,
			Args:    args,
			WorkDir: workDir,
			Handler: handler,
		}), nil
	}
}

// agentCommand builds the argv for an agent kind under the given mode.
func agentCommand(kind string, mode msgqueue.Mode) (string, []string) {
	switch kind {
	case "claude":
		args := []string{"-p", "--output-format", "stream-json", "--input-format", "stream-json", "--verbose"}
		if mode.Model != "" {
			args = append(args, "--model", mode.Model)
		}
		if mode.PermissionMode == "yolo" {
			args = append(args, "--dangerously-skip-permissions")
		}
		return "claude", args
	case "codex":
		args := []string{"proto"}
		if mode.Model != "" {
			args = append(args, "-c", "model="+mode.Model)
		}
		return "codex", args
	default:
		return kind, nil
	}
}

// BridgeConfig carries the collaborators for a bridge.
type BridgeConfig struct {
	Channel  *Channel
	RPC      *relay.RPCManager
	Registry *transport.Registry
	Notifier notify.Notifier

	AgentKind string
	Model     string
	WorkDir   string

	HistoryMaxEntries int
	HistoryMaxChars   int

	// NewBackend overrides the default process factory (tests, --fake-agent).
	NewBackend BackendFactory
}

// Bridge drives one agent session: it pulls prompts from the coalescer, keeps
// a backend alive that matches the prompt's mode hash, translates backend
// events into relay records and routes tool calls through the permission
// gate. All turn sequencing happens on the single run goroutine.
type Bridge struct {
	channel  *Channel
	rpc      *relay.RPCManager
	notifier notify.Notifier

	queue      *msgqueue.Queue
	history    *history.Buffer
	gate       *permission.Gate
	newBackend BackendFactory

	agentKind string
	handler   transport.Handler

	mu             sync.Mutex
	backend        backend.Backend
	backendSession string
	runningHash    string
	thinking       bool
	processing     bool
	deferredMode   *msgqueue.Mode
	currentMode    msgqueue.Mode
	turnText       strings.Builder

	// mirrorCh decouples gate state mirroring from backend event delivery;
	// the writes themselves run on the mirror worker goroutine in order.
	mirrorCh chan func(*types.AgentState)

	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewBridge wires a bridge from its collaborators.
func NewBridge(cfg BridgeConfig) (*Bridge, error) {
	if cfg.Channel == nil {
		return nil, fmt.Errorf("channel is required")
	}
	if cfg.Registry == nil {
		cfg.Registry = transport.DefaultRegistry()
	}
	handler, err := cfg.Registry.Lookup(cfg.AgentKind)
	if err != nil {
		return nil, err
	}
	if cfg.Notifier == nil {
		cfg.Notifier = notify.Noop{}
	}
	if cfg.NewBackend == nil {
		cfg.NewBackend = NewProcessFactory(cfg.Registry, cfg.AgentKind, cfg.WorkDir)
	}
	if cfg.HistoryMaxEntries <= 0 {
		cfg.HistoryMaxEntries = 40
	}
	if cfg.HistoryMaxChars <= 0 {
		cfg.HistoryMaxChars = 24_000
	}

	b := &Bridge{
		channel:    cfg.Channel,
		rpc:        cfg.RPC,
		notifier:   cfg.Notifier,
		queue:      msgqueue.New(),
		history:    history.NewBuffer(cfg.HistoryMaxEntries, cfg.HistoryMaxChars),
		newBackend: cfg.NewBackend,
		agentKind:  cfg.AgentKind,
		handler:    handler,
		mirrorCh:   make(chan func(*types.AgentState), 64),
		stopCh:     make(chan struct{}),
	}
	b.currentMode = msgqueue.Mode{PermissionMode: "default", Model: cfg.Model}
	b.gate = permission.NewGate(b.enqueueMirror)
	return b, nil
}

// enqueueMirror hands a gate mutation to the mirror worker so a slow relay
// write cannot stall backend event delivery.
func (b *Bridge) enqueueMirror(fn func(*types.AgentState)) {
	select {
	case b.mirrorCh <- fn:
	default:
		logger.Warnf("bridge: mirror queue full, dropping agent state update")
	}
}

// runMirror applies queued gate mutations through the optimistic-write path,
// preserving submission order.
func (b *Bridge) runMirror(ctx context.Context) {
	for {
		select {
		case fn := <-b.mirrorCh:
			if err := b.channel.UpdateAgentState(fn); err != nil {
				logger.Warnf("bridge: agent state mirror failed: %v", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

// Run executes the bridge main loop until ctx is cancelled or Close is
// called. It owns the backend lifecycle for its whole duration.
func (b *Bridge) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-b.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	b.channel.OnUserMessage(b.handleUserMessage)
	b.registerRPCHandlers()
	go b.channel.RunKeepAlive(ctx, b.isThinking)
	go b.runMirror(ctx)

	if err := b.channel.UpdateMetadata(func(m *types.Metadata) {
		m.Flavor = b.agentKind
		m.Lifecycle = "running"
	}); err != nil {
		logger.Warnf("bridge: cannot publish running lifecycle: %v", err)
	}
	if err := b.channel.UpdateAgentState(func(s *types.AgentState) {
		s.AgentType = b.agentKind
		s.ControlledByUser = false
		s.Model = b.currentMode.Model
		s.PermissionMode = b.currentMode.PermissionMode
	}); err != nil {
		logger.Warnf("bridge: cannot publish initial agent state: %v", err)
	}

	for {
		prompt, err := b.queue.WaitForNext(ctx)
		if err != nil {
			break
		}
		b.runTurn(ctx, prompt)
	}

	b.shutdown()
	return nil
}

// Close stops the bridge. Idempotent.
func (b *Bridge) Close() {
	b.stopOnce.Do(func() {
		close(b.stopCh)
	})
}

func (b *Bridge) shutdown() {
	b.mu.Lock()
	be := b.backend
	b.backend = nil
	b.mu.Unlock()

	if be != nil {
		be.Dispose()
	}
	b.gate.Reset()

	if err := b.channel.UpdateMetadata(func(m *types.Metadata) {
		m.Lifecycle = "ended"
	}); err != nil {
		logger.Warnf("bridge: cannot publish ended lifecycle: %v", err)
	}
	b.channel.End()
	b.channel.Close()
}

func (b *Bridge) isThinking() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.thinking
}

// handleUserMessage turns an inbound remote message into a queued prompt.
// Meta overrides (model, permissionMode) fold into the session mode first.
func (b *Bridge) handleUserMessage(msg types.UserMessage) {
	b.mu.Lock()
	mode := b.currentMode
	if v, ok := msg.Meta["permissionMode"].(string); ok && v != "" {
		mode.PermissionMode = v
	}
	if v, ok := msg.Meta["model"].(string); ok && v != "" {
		mode.Model = v
	}
	b.currentMode = mode
	b.mu.Unlock()

	mode.OriginalUserText = msg.Content.Text
	b.queue.Push(msg.Content.Text, mode)
}

// runTurn executes one prompt end to end. A turn failure never terminates
// the bridge; it is reported and the loop moves on.
func (b *Bridge) runTurn(ctx context.Context, prompt msgqueue.Prompt) {
	b.mu.Lock()
	b.processing = true
	b.thinking = true
	b.turnText.Reset()
	b.mu.Unlock()

	defer b.finishTurn()

	b.postUserRecord(prompt.Text)

	if err := b.ensureBackend(ctx, prompt); err != nil {
		kind := ClassifyError(err.Error())
		logger.Errorf("bridge: turn failed (%s): %v", kind, err)
		b.postEventData(errorEventData(kind, err.Error()))
		return
	}

	// Recorded only after the backend accepted the prompt, so a restart
	// preamble never wraps the prompt it is prepended to.
	b.history.Add("user", prompt.Text)

	b.waitForTurn(ctx)
}

// finishTurn is the turn's cleanup path: flush buffered model output to
// history, reset the gate, apply a deferred mode swap and signal readiness.
func (b *Bridge) finishTurn() {
	b.mu.Lock()
	assistantText := b.turnText.String()
	b.turnText.Reset()
	b.thinking = false
	b.processing = false
	deferred := b.deferredMode
	b.deferredMode = nil
	if deferred != nil {
		b.currentMode = *deferred
	}
	b.mu.Unlock()

	if assistantText != "" {
		b.history.Add("assistant", assistantText)
	}
	b.gate.Reset()
	b.signalReady()
}

// ensureBackend makes sure a live backend matches the prompt's mode hash and
// forwards the prompt to it. A hash change triggers exactly one
// dispose-then-start cycle; the replacement start prompt carries the history
// preamble so the new process picks up mid-conversation.
func (b *Bridge) ensureBackend(ctx context.Context, prompt msgqueue.Prompt) error {
	b.mu.Lock()
	be := b.backend
	sid := b.backendSession
	hash := b.runningHash
	b.mu.Unlock()

	if be != nil && hash == prompt.Hash && be.State() != backend.StateStopped && be.State() != backend.StateError {
		sendCtx, cancel := context.WithTimeout(ctx, b.handler.ToolCallTimeout())
		defer cancel()
		return be.SendPrompt(sendCtx, sid, prompt.Text)
	}

	if be != nil {
		logger.Infof("bridge: mode change %s -> %s, recycling backend", hash[:8], prompt.Hash[:8])
		cancelCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = be.Cancel(cancelCtx, sid)
		cancel()
		b.gate.Reset()
		be.Dispose()
		b.mu.Lock()
		b.backend = nil
		b.backendSession = ""
		b.runningHash = ""
		b.mu.Unlock()
	}

	next, err := b.newBackend(prompt.Mode)
	if err != nil {
		return fmt.Errorf("failed to construct backend: %w", err)
	}
	next.OnMessage(b.handleBackendEvent)

	startText := prompt.Text
	if preamble := b.history.Preamble(); preamble != "" {
		startText = preamble + prompt.Text
	}

	initCtx, cancel := context.WithTimeout(ctx, b.handler.InitTimeout())
	defer cancel()
	agentSID, err := next.StartSession(initCtx, startText)
	if err != nil {
		next.Dispose()
		return fmt.Errorf("failed to start agent: %w", err)
	}

	b.mu.Lock()
	b.backend = next
	b.backendSession = agentSID
	b.runningHash = prompt.Hash
	b.mu.Unlock()

	if err := b.channel.UpdateMetadata(func(m *types.Metadata) {
		m.AgentSessionID = agentSID
	}); err != nil {
		logger.Warnf("bridge: cannot publish agent session id: %v", err)
	}
	if err := b.channel.UpdateAgentState(func(s *types.AgentState) {
		s.Model = prompt.Mode.Model
		s.PermissionMode = prompt.Mode.PermissionMode
	}); err != nil {
		logger.Warnf("bridge: cannot publish mode change: %v", err)
	}
	return nil
}

// waitForTurn blocks until the backend settles or the tool-call bound
// expires. A timeout completes the turn rather than failing it.
func (b *Bridge) waitForTurn(ctx context.Context) {
	b.mu.Lock()
	be := b.backend
	b.mu.Unlock()
	if be == nil {
		return
	}

	done := make(chan struct{})
	go func() {
		be.WaitForResponseComplete(b.handler.ToolCallTimeout())
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		sid := b.sessionRef()
		cancelCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = be.Cancel(cancelCtx, sid)
		cancel()
	}
}

func (b *Bridge) sessionRef() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.backendSession
}

// Abort cancels the in-flight turn and denies all pending permissions.
func (b *Bridge) Abort(reason string) error {
	b.mu.Lock()
	be := b.backend
	sid := b.backendSession
	b.mu.Unlock()

	logger.Infof("bridge: abort requested: %s", reason)
	b.gate.Reset()
	if be == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return be.Cancel(ctx, sid)
}

// handleBackendEvent translates one backend event into relay traffic.
func (b *Bridge) handleBackendEvent(ev backend.Event) {
	switch e := ev.(type) {
	case backend.EvModelOutput:
		b.handleModelOutput(e)
	case backend.EvStatus:
		b.handleStatus(e)
	case backend.EvToolCall:
		b.handleToolCall(e)
	case backend.EvToolResult:
		data, _ := sjson.SetRawBytes([]byte(`{"type":"tool-result"}`), "result", rawOrNull(e.Result))
		data, _ = sjson.SetBytes(data, "callId", e.CallID)
		data, _ = sjson.SetBytes(data, "toolName", e.ToolName)
		b.postEventData(json.RawMessage(data))
	case backend.EvPermissionRequest:
		b.handlePermissionRequest(e)
	case backend.EvPermissionResponse:
		b.gate.Resolve(e.ID, e.Approved, "")
	case backend.EvFSEdit:
		data, _ := sjson.SetBytes([]byte(`{"type":"fs-edit"}`), "description", e.Description)
		data, _ = sjson.SetBytes(data, "path", e.Path)
		data, _ = sjson.SetBytes(data, "diff", e.Diff)
		b.postEventData(json.RawMessage(data))
	case backend.EvTerminalOutput:
		data, _ := sjson.SetBytes([]byte(`{"type":"terminal-output"}`), "data", e.Data)
		b.postEventData(json.RawMessage(data))
	case backend.EvTokenCount:
		b.reportUsage(e)
	case backend.EvGeneric:
		data, _ := sjson.SetRawBytes([]byte(`{}`), "payload", rawOrNull(e.Payload))
		data, _ = sjson.SetBytes(data, "type", e.Name)
		b.postEventData(json.RawMessage(data))
	}
}

func rawOrNull(raw json.RawMessage) []byte {
	if len(raw) == 0 {
		return []byte("null")
	}
	return raw
}

func (b *Bridge) handleModelOutput(e backend.EvModelOutput) {
	b.mu.Lock()
	b.thinking = true
	b.mu.Unlock()

	if e.FullText != "" {
		b.mu.Lock()
		b.turnText.WriteString(e.FullText)
		b.mu.Unlock()
		b.postAssistantRecord(e.FullText)
		return
	}
	if e.TextDelta != "" {
		b.mu.Lock()
		b.turnText.WriteString(e.TextDelta)
		b.mu.Unlock()
	}
}

func (b *Bridge) handleStatus(e backend.EvStatus) {
	switch e.State {
	case backend.StateIdle, backend.StateStopped:
		b.mu.Lock()
		b.thinking = false
		b.mu.Unlock()
	case backend.StateError:
		b.mu.Lock()
		b.thinking = false
		b.mu.Unlock()
		kind := ClassifyError(e.Detail)
		logger.Errorf("bridge: agent error (%s): %s", kind, e.Detail)
		b.postEventData(errorEventData(kind, e.Detail))
		return
	default:
		b.mu.Lock()
		b.thinking = true
		b.mu.Unlock()
	}

	data, _ := sjson.SetBytes([]byte(`{"type":"status"}`), "status", string(e.State))
	if e.Detail != "" {
		data, _ = sjson.SetBytes(data, "detail", e.Detail)
	}
	b.postEventData(json.RawMessage(data))
}

func (b *Bridge) handleToolCall(e backend.EvToolCall) {
	callID := e.CallID
	if callID == "" {
		callID = types.NewCUID()
	}

	data, _ := sjson.SetRawBytes([]byte(`{"type":"tool-call"}`), "input", rawOrNull(e.Args))
	data, _ = sjson.SetBytes(data, "callId", callID)
	data, _ = sjson.SetBytes(data, "toolName", e.ToolName)
	b.postEventData(json.RawMessage(data))

	b.mu.Lock()
	mode := b.currentMode.PermissionMode
	b.mu.Unlock()

	decision := b.gate.Decide(callID, e.ToolName, e.Args, mode)
	switch decision.Kind {
	case permission.Approved, permission.ApprovedForSession:
		logger.Debugf("bridge: tool %s auto-approved (%s)", e.ToolName, decision.Kind)
		b.respondPermission(callID, true, "")
	case permission.Pending:
		b.announcePermission(e.ToolName)
		go b.awaitPermission(callID, e.ToolName, decision.Wait)
	}
}

func (b *Bridge) handlePermissionRequest(e backend.EvPermissionRequest) {
	reqID := e.ID
	if reqID == "" {
		reqID = types.NewCUID()
	}

	data, _ := sjson.SetRawBytes([]byte(`{"type":"permission-request"}`), "payload", rawOrNull(e.Payload))
	data, _ = sjson.SetBytes(data, "requestId", reqID)
	data, _ = sjson.SetBytes(data, "reason", e.Reason)
	b.postEventData(json.RawMessage(data))

	b.mu.Lock()
	mode := b.currentMode.PermissionMode
	b.mu.Unlock()

	decision := b.gate.Decide(reqID, e.Reason, e.Payload, mode)
	if decision.Kind == permission.Pending {
		b.announcePermission(e.Reason)
		go b.awaitPermission(reqID, e.Reason, decision.Wait)
		return
	}
	b.respondPermission(reqID, true, "")
}

func (b *Bridge) announcePermission(toolName string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := b.notifier.Notify(ctx, notify.Message{
		Title:    "Permission needed",
		Body:     fmt.Sprintf("%s wants to run %s", b.agentKind, toolName),
		AlertKey: "permission:" + b.channel.SessionID(),
	})
	if err != nil {
		logger.Debugf("bridge: permission push not sent: %v", err)
	}
}

// awaitPermission waits for the remote decision on a pending request. The
// decision is delivered to the subprocess either way; a denial or a timeout
// additionally cancels the in-flight turn.
func (b *Bridge) awaitPermission(requestID, toolName string, wait <-chan permission.Outcome) {
	select {
	case outcome := <-wait:
		b.respondPermission(requestID, outcome.Allow, outcome.Message)
		if !outcome.Allow {
			logger.Infof("bridge: tool %s denied (%s): %s", toolName, requestID, outcome.Message)
			if err := b.Abort("permission denied"); err != nil {
				logger.Warnf("bridge: abort after denial failed: %v", err)
			}
		}
	case <-time.After(b.handler.ToolCallTimeout()):
		logger.Warnf("bridge: permission %s for %s timed out", requestID, toolName)
		b.gate.Resolve(requestID, false, "request timed out")
		b.respondPermission(requestID, false, "request timed out")
		if err := b.Abort("permission timeout"); err != nil {
			logger.Warnf("bridge: abort after timeout failed: %v", err)
		}
	case <-b.stopCh:
	}
}

// respondPermission forwards a gate decision to the running subprocess so an
// agent blocked on the request can continue.
func (b *Bridge) respondPermission(requestID string, allow bool, message string) {
	b.mu.Lock()
	be := b.backend
	b.mu.Unlock()
	if be == nil {
		return
	}
	if err := be.SendPermissionResponse(requestID, allow, message); err != nil {
		logger.Warnf("bridge: permission response %s not delivered: %v", requestID, err)
	}
}

func (b *Bridge) reportUsage(e backend.EvTokenCount) {
	b.channel.ReportUsage(wire.UsageReportPayload{
		Key: b.agentKind,
		Tokens: wire.UsageReportTokens{
			Total:         e.Input + e.Output + e.CacheCreation + e.CacheRead,
			Input:         e.Input,
			Output:        e.Output,
			CacheCreation: e.CacheCreation,
			CacheRead:     e.CacheRead,
		},
	})
}

// signalReady reports the idle-and-drained state: keep-alive with thinking
// false, an ephemeral activity broadcast and a best-effort push.
func (b *Bridge) signalReady() {
	b.channel.KeepAlive(false)

	if err := b.channel.relay.EmitRaw(string(relay.EventEphemeral), wire.EphemeralActivityPayload{
		Type:     "activity",
		ID:       b.channel.SessionID(),
		Active:   true,
		Thinking: false,
		ActiveAt: time.Now().UnixMilli(),
	}); err != nil {
		logger.Debugf("bridge: ephemeral activity not sent: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := b.notifier.Notify(ctx, notify.Message{
		Title:    "Agent ready",
		Body:     fmt.Sprintf("%s finished and is waiting for input", b.agentKind),
		AlertKey: "ready:" + b.channel.SessionID(),
	})
	if err != nil {
		logger.Debugf("bridge: ready push not sent: %v", err)
	}
}

func (b *Bridge) postUserRecord(text string) {
	rec := wire.UserTextRecord{Role: "user"}
	rec.Content.Type = "text"
	rec.Content.Text = text
	if _, err := b.channel.PostRecord(rec); err != nil {
		logger.Warnf("bridge: user record not posted: %v", err)
	}
}

func (b *Bridge) postAssistantRecord(text string) {
	b.mu.Lock()
	model := b.currentMode.Model
	b.mu.Unlock()

	rec := wire.AgentOutputRecord{
		Role: "agent",
		Content: wire.AgentOutputContent{
			Type: "output",
			Data: wire.AgentOutputData{
				Type: "assistant",
				UUID: types.NewCUID(),
				Message: wire.AgentMessage{
					Role:    "assistant",
					Model:   model,
					Content: []wire.ContentBlock{{Type: "text", Text: text}},
				},
			},
		},
	}
	if _, err := b.channel.PostRecord(rec); err != nil {
		logger.Warnf("bridge: assistant record not posted: %v", err)
	}
}

func (b *Bridge) postEventData(data json.RawMessage) {
	rec := wire.AgentEventRecord{
		Role:    "agent",
		Content: wire.AgentEventContent{Type: "event", Data: data},
	}
	if _, err := b.channel.PostRecord(rec); err != nil {
		logger.Warnf("bridge: event record not posted: %v", err)
	}
}

func errorEventData(kind ErrorKind, detail string) json.RawMessage {
	data, _ := sjson.SetBytes([]byte(`{"type":"error"}`), "kind", string(kind))
	data, _ = sjson.SetBytes(data, "detail", detail)
	return json.RawMessage(data)
}

// registerRPCHandlers registers the session-scoped RPC methods the mobile
// app calls: abort, permission and mode.
func (b *Bridge) registerRPCHandlers() {
	if b.rpc == nil {
		return
	}
	prefix := b.channel.SessionID() + ":"

	b.rpc.RegisterHandler(prefix+"abort", func(params json.RawMessage) (json.RawMessage, error) {
		var req wire.AbortRequest
		if len(params) > 0 {
			_ = json.Unmarshal(params, &req)
		}
		reason := req.Reason
		if reason == "" {
			reason = "remote abort"
		}
		if err := b.Abort(reason); err != nil {
			return nil, err
		}
		return json.Marshal(map[string]bool{"success": true})
	})

	b.rpc.RegisterHandler(prefix+"permission", func(params json.RawMessage) (json.RawMessage, error) {
		var req wire.PermissionResponseRequest
		if err := json.Unmarshal(params, &req); err != nil {
			return nil, err
		}
		if req.RequestID == "" {
			return nil, fmt.Errorf("missing request id")
		}
		if !b.gate.Resolve(req.RequestID, req.Allow, req.Message) {
			return nil, fmt.Errorf("unknown permission request: %s", req.RequestID)
		}
		return json.Marshal(map[string]bool{"success": true})
	})

	b.rpc.RegisterHandler(prefix+"mode", func(params json.RawMessage) (json.RawMessage, error) {
		var req wire.SetModeRequest
		if err := json.Unmarshal(params, &req); err != nil {
			return nil, err
		}
		mode := b.applyModeRequest(req)
		return json.Marshal(map[string]string{
			"permissionMode": mode.PermissionMode,
			"model":          mode.Model,
		})
	})
}

// applyModeRequest folds a mode RPC into the session mode. A request landing
// mid-turn is deferred to the turn's cleanup path so the running turn is not
// recycled underneath the agent.
func (b *Bridge) applyModeRequest(req wire.SetModeRequest) msgqueue.Mode {
	b.mu.Lock()
	mode := b.currentMode
	if req.PermissionMode != "" {
		mode.PermissionMode = req.PermissionMode
	}
	if req.Model != "" {
		mode.Model = req.Model
	}
	if b.processing {
		deferred := mode
		b.deferredMode = &deferred
	} else {
		b.currentMode = mode
	}
	b.mu.Unlock()

	if err := b.channel.UpdateAgentState(func(s *types.AgentState) {
		s.PermissionMode = mode.PermissionMode
		s.Model = mode.Model
	}); err != nil {
		logger.Warnf("bridge: cannot publish mode change: %v", err)
	}
	return mode
}
