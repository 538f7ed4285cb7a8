// Package session ties the relay channel, the agent backend and the
// permission gate together into one bridge per session.
package session

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/tavrael/tether/internal/crypto"
	"github.com/tavrael/tether/internal/relay"
	"github.com/tavrael/tether/internal/retry"
	"github.com/tavrael/tether/internal/wire"
	"github.com/tavrael/tether/pkg/logger"
	"github.com/tavrael/tether/pkg/types"
)

// Relay is the subset of the relay client the channel drives. *relay.Client
// satisfies it; tests substitute an in-memory fake.
type Relay interface {
	UpdateMetadata(sessionID string, metadata string, version int64) (int64, string, error)
	UpdateState(sessionID string, agentState string, version int64) (int64, string, error)
	EmitMessage(data map[string]interface{}) error
	KeepSessionAlive(sessionID string, thinking bool) error
	SessionEnd(sessionID string) error
	EmitRaw(event string, data interface{}) error
	IsConnected() bool
}

const keepAliveInterval = 30 * time.Second

// writeBackoff returns the retry schedule for optimistic state writes.
func writeBackoff() *retry.Backoff {
	return retry.New(250*time.Millisecond, 5*time.Second, 8)
}

// Channel owns the versioned session state shared with the remote client and
// the encryption used on the relay leg.
//
// Metadata and agent state are versioned independently and written with
// optimistic concurrency: each write carries the expected version, and on a
// mismatch the channel adopts the server's value and version before retrying
// the mutation on top of it.
type Channel struct {
	relay     Relay
	sessionID string

	// legacyKey is the secretbox key derived from the master secret. It is
	// the fallback variant for sessions created before the relay granted a
	// data encryption key.
	legacyKey    *[32]byte
	masterSecret []byte

	keyMu   sync.RWMutex
	dataKey []byte

	metaMu          sync.Mutex
	metadata        types.Metadata
	metadataVersion int64

	stateMu           sync.Mutex
	agentState        types.AgentState
	agentStateVersion int64

	inboxMu  sync.Mutex
	consumer func(types.UserMessage)
	buffered []types.UserMessage

	sentMu sync.Mutex
	sent   map[string]struct{}

	stopCh   chan struct{}
	stopOnce sync.Once
}

// ChannelConfig carries the state the channel starts from.
type ChannelConfig struct {
	SessionID    string
	MasterSecret []byte
	// DataKey is the unwrapped session data encryption key; nil selects the
	// legacy secretbox variant until a key is granted.
	DataKey []byte

	Metadata        types.Metadata
	MetadataVersion int64

	AgentState        types.AgentState
	AgentStateVersion int64
}

// NewChannel creates a channel over an established relay connection.
func NewChannel(r Relay, cfg ChannelConfig) (*Channel, error) {
	if cfg.SessionID == "" {
		return nil, fmt.Errorf("session id is required")
	}
	if len(cfg.MasterSecret) != 32 {
		return nil, fmt.Errorf("master secret must be 32 bytes, got %d", len(cfg.MasterSecret))
	}

	derived, err := crypto.DeriveKey(cfg.MasterSecret, "Tether EnCoder", []string{"session", cfg.SessionID})
	if err != nil {
		return nil, fmt.Errorf("failed to derive session key: %w", err)
	}
	var legacy [32]byte
	copy(legacy[:], derived)

	if cfg.DataKey != nil && len(cfg.DataKey) != 32 {
		return nil, fmt.Errorf("data key must be 32 bytes, got %d", len(cfg.DataKey))
	}

	return &Channel{
		relay:             r,
		sessionID:         cfg.SessionID,
		legacyKey:         &legacy,
		masterSecret:      cfg.MasterSecret,
		dataKey:           cfg.DataKey,
		metadata:          cfg.Metadata,
		metadataVersion:   cfg.MetadataVersion,
		agentState:        cfg.AgentState,
		agentStateVersion: cfg.AgentStateVersion,
		sent:              make(map[string]struct{}),
		stopCh:            make(chan struct{}),
	}, nil
}

// SessionID returns the relay session id.
func (c *Channel) SessionID() string {
	return c.sessionID
}

// Metadata returns a snapshot of the current session metadata.
func (c *Channel) Metadata() types.Metadata {
	c.metaMu.Lock()
	defer c.metaMu.Unlock()
	return c.metadata
}

// MetadataVersion returns the current metadata version.
func (c *Channel) MetadataVersion() int64 {
	c.metaMu.Lock()
	defer c.metaMu.Unlock()
	return c.metadataVersion
}

// AgentState returns a snapshot of the current agent state.
func (c *Channel) AgentState() types.AgentState {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return cloneAgentState(c.agentState)
}

// AgentStateVersion returns the current agent state version.
func (c *Channel) AgentStateVersion() int64 {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.agentStateVersion
}

// cloneAgentState deep-copies the request maps so callers cannot race the
// channel's copy.
func cloneAgentState(s types.AgentState) types.AgentState {
	out := s
	if s.Requests != nil {
		out.Requests = make(map[string]types.PendingRequest, len(s.Requests))
		for k, v := range s.Requests {
			out.Requests[k] = v
		}
	}
	if s.CompletedRequests != nil {
		out.CompletedRequests = make(map[string]types.CompletedRequest, len(s.CompletedRequests))
		for k, v := range s.CompletedRequests {
			out.CompletedRequests[k] = v
		}
	}
	return out
}

// Encrypt encrypts a plaintext record for the relay leg. The active variant
// is AES-GCM once a data key is granted, secretbox before that.
func (c *Channel) Encrypt(data []byte) (string, error) {
	c.keyMu.RLock()
	dataKey := c.dataKey
	c.keyMu.RUnlock()

	var encrypted []byte
	var err error
	if dataKey != nil {
		encrypted, err = crypto.EncryptAESGCM(data, dataKey)
	} else {
		encrypted, err = crypto.EncryptSecretBox(data, c.legacyKey)
	}
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(encrypted), nil
}

// Decrypt decrypts a base64 payload from the relay leg. The variant is
// detected from the payload format, so a session can receive both legacy and
// data-key traffic during a key handover.
func (c *Channel) Decrypt(dataB64 string) ([]byte, error) {
	encrypted, err := base64.StdEncoding.DecodeString(dataB64)
	if err != nil {
		return nil, fmt.Errorf("failed to decode base64: %w", err)
	}
	if len(encrypted) == 0 {
		return nil, fmt.Errorf("empty encrypted data")
	}

	if crypto.IsAESGCM(encrypted) {
		c.keyMu.RLock()
		dataKey := c.dataKey
		c.keyMu.RUnlock()
		if dataKey == nil {
			return nil, fmt.Errorf("AES-GCM payload but dataEncryptionKey is not loaded")
		}
		return crypto.DecryptAESGCM(encrypted, dataKey)
	}

	return crypto.DecryptSecretBox(encrypted, c.legacyKey)
}

// SetDataKey installs the session data encryption key once granted.
func (c *Channel) SetDataKey(key []byte) error {
	if len(key) != 32 {
		return fmt.Errorf("data key must be 32 bytes, got %d", len(key))
	}
	c.keyMu.Lock()
	c.dataKey = key
	c.keyMu.Unlock()
	return nil
}

// HasDataKey reports whether the AES-GCM variant is active.
func (c *Channel) HasDataKey() bool {
	c.keyMu.RLock()
	defer c.keyMu.RUnlock()
	return c.dataKey != nil
}

// UpdateMetadata applies fn to the session metadata and writes the result to
// the relay with optimistic concurrency. The mutation may run more than once
// when the write races a remote writer.
func (c *Channel) UpdateMetadata(fn func(*types.Metadata)) error {
	c.metaMu.Lock()
	defer c.metaMu.Unlock()

	b := writeBackoff()
	for {
		next := c.metadata
		fn(&next)

		raw, err := json.Marshal(next)
		if err != nil {
			return fmt.Errorf("failed to marshal metadata: %w", err)
		}
		encrypted, err := c.Encrypt(raw)
		if err != nil {
			return fmt.Errorf("failed to encrypt metadata: %w", err)
		}

		version, current, err := c.relay.UpdateMetadata(c.sessionID, encrypted, c.metadataVersion)
		if err == nil {
			c.metadata = next
			c.metadataVersion = version
			return nil
		}

		if err == relay.ErrVersionMismatch {
			// Lost the race: adopt the server's value and version, then
			// re-apply the mutation on top of it.
			c.metadataVersion = version
			if current != "" {
				var server types.Metadata
				if derr := c.decryptInto(current, &server); derr != nil {
					logger.Warnf("session %s: cannot decrypt server metadata: %v", c.sessionID, derr)
				} else {
					c.metadata = server
				}
			}
		} else {
			logger.Warnf("session %s: metadata write failed: %v", c.sessionID, err)
		}

		delay, ok := b.Next()
		if !ok {
			return fmt.Errorf("metadata write gave up after %d attempts: %w", b.Attempt(), err)
		}
		time.Sleep(delay)
	}
}

// UpdateAgentState applies fn to the shared agent state and writes the result
// to the relay with optimistic concurrency. Semantics mirror UpdateMetadata;
// the two paths serialize independently.
func (c *Channel) UpdateAgentState(fn func(*types.AgentState)) error {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()

	b := writeBackoff()
	for {
		next := cloneAgentState(c.agentState)
		fn(&next)

		raw, err := json.Marshal(next)
		if err != nil {
			return fmt.Errorf("failed to marshal agent state: %w", err)
		}
		encrypted, err := c.Encrypt(raw)
		if err != nil {
			return fmt.Errorf("failed to encrypt agent state: %w", err)
		}

		version, current, err := c.relay.UpdateState(c.sessionID, encrypted, c.agentStateVersion)
		if err == nil {
			c.agentState = next
			c.agentStateVersion = version
			return nil
		}

		if err == relay.ErrVersionMismatch {
			c.agentStateVersion = version
			if current != "" {
				var server types.AgentState
				if derr := c.decryptInto(current, &server); derr != nil {
					logger.Warnf("session %s: cannot decrypt server agent state: %v", c.sessionID, derr)
				} else {
					c.agentState = server
				}
			}
		} else {
			logger.Warnf("session %s: agent state write failed: %v", c.sessionID, err)
		}

		delay, ok := b.Next()
		if !ok {
			return fmt.Errorf("agent state write gave up after %d attempts: %w", b.Attempt(), err)
		}
		time.Sleep(delay)
	}
}

func (c *Channel) decryptInto(dataB64 string, v interface{}) error {
	raw, err := c.Decrypt(dataB64)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}

// PostRecord encrypts a plaintext record and emits it as a session message.
// It returns the local id assigned to the message.
func (c *Channel) PostRecord(record interface{}) (string, error) {
	raw, err := json.Marshal(record)
	if err != nil {
		return "", fmt.Errorf("failed to marshal record: %w", err)
	}
	encrypted, err := c.Encrypt(raw)
	if err != nil {
		return "", fmt.Errorf("failed to encrypt record: %w", err)
	}

	localID := types.NewCUID()
	c.sentMu.Lock()
	c.sent[localID] = struct{}{}
	c.sentMu.Unlock()

	err = c.relay.EmitMessage(map[string]interface{}{
		"sid":     c.sessionID,
		"localId": localID,
		"message": encrypted,
	})
	if err != nil {
		return "", err
	}
	return localID, nil
}

// ReportUsage emits a usage-report event. Best-effort.
func (c *Channel) ReportUsage(payload wire.UsageReportPayload) {
	payload.SessionID = c.sessionID
	if err := c.relay.EmitRaw(string(relay.EventUsageReport), payload); err != nil {
		logger.Debugf("session %s: usage report not sent: %v", c.sessionID, err)
	}
}

// OnUserMessage attaches the inbound message consumer. Messages received
// before a consumer attaches are buffered and flushed in receipt order.
func (c *Channel) OnUserMessage(fn func(types.UserMessage)) {
	c.inboxMu.Lock()
	c.consumer = fn
	pending := c.buffered
	c.buffered = nil
	c.inboxMu.Unlock()

	for _, msg := range pending {
		fn(msg)
	}
}

func (c *Channel) deliver(msg types.UserMessage) {
	c.inboxMu.Lock()
	consumer := c.consumer
	if consumer == nil {
		c.buffered = append(c.buffered, msg)
	}
	c.inboxMu.Unlock()

	if consumer != nil {
		consumer(msg)
	}
}

// HandleUpdate processes one server "update" event payload.
//
// new-message bodies are decrypted and delivered to the message consumer;
// new-session bodies hydrate the data encryption key; update-session bodies
// replace metadata/agentState only when strictly newer; update-machine bodies
// are ignored.
func (c *Channel) HandleUpdate(data map[string]interface{}) {
	env, err := wire.ParseUpdateEnvelope(data)
	if err != nil {
		logger.Warnf("session %s: malformed update: %v", c.sessionID, err)
		return
	}

	switch env.Body.T {
	case "new-message":
		c.handleNewMessage(env)
	case "new-session":
		c.handleNewSession(data)
	case "update-session":
		c.handleUpdateSession(env)
	case "update-machine":
		// Machine-scoped state is not ours to track.
	default:
		logger.Tracef("session %s: ignoring update type %q", c.sessionID, env.Body.T)
	}
}

func (c *Channel) handleNewMessage(env *wire.UpdateEnvelope) {
	if env.Body.SID != "" && env.Body.SID != c.sessionID {
		return
	}
	if env.Body.Message == nil || env.Body.Message.Content == nil || env.Body.Message.Content.C == "" {
		logger.Warnf("session %s: new-message without content", c.sessionID)
		return
	}
	if env.Body.Message.LocalID != nil && *env.Body.Message.LocalID != "" {
		c.sentMu.Lock()
		_, mine := c.sent[*env.Body.Message.LocalID]
		if mine {
			delete(c.sent, *env.Body.Message.LocalID)
		}
		c.sentMu.Unlock()
		// Echo of a message this bridge posted.
		if mine {
			return
		}
	}

	decrypted, err := c.Decrypt(env.Body.Message.Content.C)
	if err != nil {
		logger.Warnf("session %s: cannot decrypt message: %v", c.sessionID, err)
		return
	}

	text, meta, ok, err := wire.ParseUserTextRecord(decrypted)
	if err != nil {
		logger.Warnf("session %s: malformed message record: %v", c.sessionID, err)
		return
	}
	if !ok {
		return
	}

	c.deliver(types.UserMessage{
		Role:    "user",
		Content: types.MessageContent{Type: "text", Text: text},
		Meta:    meta,
	})
}

// handleNewSession hydrates the data encryption key when the relay grants it
// after session creation.
func (c *Channel) handleNewSession(data map[string]interface{}) {
	body, _ := data["body"].(map[string]interface{})
	if body == nil {
		return
	}
	if id, _ := body["id"].(string); id != "" && id != c.sessionID {
		return
	}
	wrapped, _ := body["dataEncryptionKey"].(string)
	if wrapped == "" || c.HasDataKey() {
		return
	}

	key, err := crypto.UnwrapDataKey(wrapped, c.masterSecret)
	if err != nil {
		logger.Warnf("session %s: cannot unwrap data key: %v", c.sessionID, err)
		return
	}
	if err := c.SetDataKey(key); err != nil {
		logger.Warnf("session %s: rejected data key: %v", c.sessionID, err)
		return
	}
	logger.Debugf("session %s: data encryption key hydrated from new-session update", c.sessionID)
}

func (c *Channel) handleUpdateSession(env *wire.UpdateEnvelope) {
	if env.Body.ID != "" && env.Body.ID != c.sessionID {
		return
	}

	if env.Body.Metadata != nil {
		c.metaMu.Lock()
		if env.Body.Metadata.Version > c.metadataVersion {
			var server types.Metadata
			if err := c.decryptInto(env.Body.Metadata.Value, &server); err != nil {
				logger.Warnf("session %s: cannot decrypt metadata update: %v", c.sessionID, err)
			} else {
				c.metadata = server
				c.metadataVersion = env.Body.Metadata.Version
			}
		}
		c.metaMu.Unlock()
	}

	if env.Body.AgentState != nil {
		c.stateMu.Lock()
		if env.Body.AgentState.Version > c.agentStateVersion {
			var server types.AgentState
			if err := c.decryptInto(env.Body.AgentState.Value, &server); err != nil {
				logger.Warnf("session %s: cannot decrypt agent state update: %v", c.sessionID, err)
			} else {
				c.agentState = server
				c.agentStateVersion = env.Body.AgentState.Version
			}
		}
		c.stateMu.Unlock()
	}
}

// RunKeepAlive pings the relay every 30 seconds until the context is done or
// the channel closes. thinking reports whether the agent is mid-turn.
func (c *Channel) RunKeepAlive(ctx context.Context, thinking func() bool) {
	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			if !c.relay.IsConnected() {
				continue
			}
			if err := c.relay.KeepSessionAlive(c.sessionID, thinking()); err != nil {
				logger.Debugf("session %s: keep-alive not sent: %v", c.sessionID, err)
			}
		}
	}
}

// KeepAlive sends one keep-alive ping immediately. Best-effort.
func (c *Channel) KeepAlive(thinking bool) {
	if err := c.relay.KeepSessionAlive(c.sessionID, thinking); err != nil {
		logger.Debugf("session %s: keep-alive not sent: %v", c.sessionID, err)
	}
}

// End signals session shutdown to the relay.
func (c *Channel) End() {
	if err := c.relay.SessionEnd(c.sessionID); err != nil {
		logger.Debugf("session %s: session-end not sent: %v", c.sessionID, err)
	}
}

// Close stops the keep-alive loop. Idempotent.
func (c *Channel) Close() {
	c.stopOnce.Do(func() {
		close(c.stopCh)
	})
}
