package relay

import (
	"errors"
	"fmt"
	"sync"
	"time"

	socket "github.com/zishang520/socket.io/clients/socket/v3"
	"github.com/zishang520/socket.io/v3/pkg/types"

	"github.com/tavrael/tether/pkg/logger"
)

// ErrVersionMismatch is returned when an optimistic write loses the race.
// The accompanying version is the authoritative server version.
var ErrVersionMismatch = errors.New("version mismatch")

// EventType represents the Socket.IO events exchanged with the relay.
type EventType string

const (
	EventMessage      EventType = "message"
	EventSessionAlive EventType = "session-alive"
	EventSessionEnd   EventType = "session-end"
	EventUpdateMeta   EventType = "update-metadata"
	EventUpdateState  EventType = "update-state"
	EventEphemeral    EventType = "ephemeral"
	EventUpdate       EventType = "update"
	EventUsageReport  EventType = "usage-report"
)

const ackTimeout = 5 * time.Second

// Client is a session-scoped Socket.IO connection to the relay server.
type Client struct {
	serverURL string
	token     string
	sessionID string

	socket    *socket.Socket
	mu        sync.RWMutex
	handlers  map[EventType]func(map[string]interface{})
	connectCb []func()
	done      chan struct{}
	closeOnce sync.Once
	connected bool
}

// NewClient creates a session-scoped relay client.
func NewClient(serverURL, token, sessionID string) *Client {
	return &Client{
		serverURL: serverURL,
		token:     token,
		sessionID: sessionID,
		handlers:  make(map[EventType]func(map[string]interface{})),
		done:      make(chan struct{}),
	}
}

// On registers an event handler. Handlers run on their own goroutine.
func (c *Client) On(eventType EventType, handler func(map[string]interface{})) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[eventType] = handler
}

// OnConnect registers a callback invoked on every (re)connect.
func (c *Client) OnConnect(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connectCb = append(c.connectCb, fn)
}

// Connect establishes the Socket.IO connection.
func (c *Client) Connect() error {
	logger.Debugf("relay: connecting to %s (path /v1/updates)", c.serverURL)

	opts := socket.DefaultOptions()
	opts.SetPath("/v1/updates")
	opts.SetTransports(types.NewSet(socket.Polling, socket.WebSocket))
	opts.SetAuth(map[string]interface{}{
		"token":      c.token,
		"clientType": "session-scoped",
		"sessionId":  c.sessionID,
	})

	sock, err := socket.Connect(c.serverURL, opts)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	c.mu.Lock()
	c.socket = sock
	c.mu.Unlock()

	sock.On(types.EventName("connect"), func(args ...any) {
		c.mu.Lock()
		c.connected = true
		cbs := append([]func(){}, c.connectCb...)
		c.mu.Unlock()

		logger.Debugf("relay: connected, socket id %s", sock.Id())
		for _, cb := range cbs {
			go cb()
		}
	})

	sock.On(types.EventName("disconnect"), func(args ...any) {
		c.mu.Lock()
		c.connected = false
		c.mu.Unlock()

		reason := ""
		if len(args) > 0 {
			if r, ok := args[0].(string); ok {
				reason = r
			}
		}
		logger.Debugf("relay: disconnected: %s", reason)
	})

	sock.On(types.EventName("connect_error"), func(args ...any) {
		if len(args) > 0 {
			logger.Warnf("relay: connection error: %v", args[0])
		}
	})

	for _, eventType := range []EventType{EventMessage, EventUpdate, EventSessionAlive, EventUpdateMeta, EventUpdateState, EventEphemeral} {
		et := eventType
		sock.On(types.EventName(et), func(args ...any) {
			var data map[string]interface{}
			if len(args) > 0 {
				if m, ok := args[0].(map[string]interface{}); ok {
					data = m
				}
			}

			c.mu.RLock()
			handler, ok := c.handlers[et]
			c.mu.RUnlock()

			if ok && handler != nil {
				go handler(data)
			}
		})
	}

	return nil
}

// WaitForConnect waits for the socket to report connected or times out.
func (c *Client) WaitForConnect(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if c.IsConnected() {
			return true
		}
		time.Sleep(50 * time.Millisecond)
	}
	return c.IsConnected()
}

// Emit sends an event to the server.
func (c *Client) Emit(eventType EventType, data map[string]interface{}) error {
	c.mu.RLock()
	sock := c.socket
	c.mu.RUnlock()

	if sock == nil {
		return fmt.Errorf("not connected")
	}

	sock.Emit(string(eventType), data)
	return nil
}

// EmitRaw sends an arbitrary event name to the server.
func (c *Client) EmitRaw(event string, data interface{}) error {
	c.mu.RLock()
	sock := c.socket
	c.mu.RUnlock()

	if sock == nil {
		return fmt.Errorf("not connected")
	}

	sock.Emit(event, data)
	return nil
}

// EmitWithAck sends an event and waits for an ACK response.
func (c *Client) EmitWithAck(event string, data map[string]interface{}, timeout time.Duration) (map[string]interface{}, error) {
	c.mu.RLock()
	sock := c.socket
	c.mu.RUnlock()

	if sock == nil {
		return nil, fmt.Errorf("not connected")
	}

	resultCh := make(chan map[string]interface{}, 1)
	errCh := make(chan error, 1)

	sock.Emit(event, data, func(args []any, err error) {
		if err != nil {
			errCh <- err
			return
		}
		if len(args) == 0 {
			resultCh <- nil
			return
		}
		if payload, ok := args[0].(map[string]interface{}); ok {
			resultCh <- payload
			return
		}
		resultCh <- nil
	})

	select {
	case res := <-resultCh:
		return res, nil
	case err := <-errCh:
		return nil, err
	case <-time.After(timeout):
		return nil, fmt.Errorf("ack timeout")
	}
}

// UpdateMetadata performs an optimistic metadata write.
//
// On success it returns the new authoritative version. On a losing race it
// returns ErrVersionMismatch together with the server version and, when the
// server includes it, the current encrypted value.
func (c *Client) UpdateMetadata(sessionID string, metadata string, version int64) (int64, string, error) {
	resp, err := c.EmitWithAck(string(EventUpdateMeta), map[string]interface{}{
		"sid":             sessionID,
		"metadata":        metadata,
		"expectedVersion": version,
	}, ackTimeout)
	if err != nil {
		return version, "", err
	}
	if resp == nil {
		return version, "", fmt.Errorf("missing ack")
	}

	result, _ := resp["result"].(string)
	switch result {
	case "success":
		return getInt64(resp["version"]), "", nil
	case "version-mismatch":
		current, _ := resp["metadata"].(string)
		return getInt64(resp["version"]), current, ErrVersionMismatch
	default:
		return version, "", fmt.Errorf("update-metadata failed: %v", result)
	}
}

// UpdateState performs an optimistic agent state write. Semantics mirror
// UpdateMetadata.
func (c *Client) UpdateState(sessionID string, agentState string, version int64) (int64, string, error) {
	resp, err := c.EmitWithAck(string(EventUpdateState), map[string]interface{}{
		"sid":             sessionID,
		"agentState":      agentState,
		"expectedVersion": version,
	}, ackTimeout)
	if err != nil {
		return version, "", err
	}
	if resp == nil {
		return version, "", fmt.Errorf("missing ack")
	}

	result, _ := resp["result"].(string)
	switch result {
	case "success":
		return getInt64(resp["version"]), "", nil
	case "version-mismatch":
		current, _ := resp["agentState"].(string)
		return getInt64(resp["version"]), current, ErrVersionMismatch
	default:
		return version, "", fmt.Errorf("update-state failed: %v", result)
	}
}

func getInt64(value interface{}) int64 {
	switch v := value.(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	default:
		return 0
	}
}

// KeepSessionAlive sends a keep-alive ping for the session.
func (c *Client) KeepSessionAlive(sessionID string, thinking bool) error {
	return c.Emit(EventSessionAlive, map[string]interface{}{
		"sid":      sessionID,
		"time":     time.Now().UnixMilli(),
		"thinking": thinking,
	})
}

// SessionEnd signals that the session is shutting down.
func (c *Client) SessionEnd(sessionID string) error {
	return c.Emit(EventSessionEnd, map[string]interface{}{
		"sid":  sessionID,
		"time": time.Now().UnixMilli(),
	})
}

// EmitEphemeral sends an ephemeral event (activity/thinking state).
// These events are not persisted, just broadcast to connected clients.
func (c *Client) EmitEphemeral(data map[string]interface{}) error {
	return c.Emit(EventEphemeral, data)
}

// EmitMessage sends an encrypted session message to the server.
func (c *Client) EmitMessage(data map[string]interface{}) error {
	return c.Emit(EventMessage, data)
}

// RawSocket exposes the underlying Socket.IO socket for low-level handlers.
func (c *Client) RawSocket() *socket.Socket {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.socket
}

// Close closes the Socket.IO connection.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		if c.done != nil {
			close(c.done)
		}
	})

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.socket != nil {
		c.socket.Disconnect()
		c.socket = nil
	}

	c.connected = false
	return nil
}

// IsConnected returns whether the client is connected.
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	sock := c.socket
	connected := c.connected
	c.mu.RUnlock()

	if connected {
		return true
	}

	if sock != nil && sock.Connected() {
		c.mu.Lock()
		c.connected = true
		c.mu.Unlock()
		return true
	}

	return false
}
