// Package types holds the decrypted session data model shared between the
// bridge and the relay wire layer.
package types

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"
)

// NewCUID generates a collision-resistant identifier for records the bridge
// originates (messages, tool calls without ids).
func NewCUID() string {
	var suffix [4]byte
	if _, err := rand.Read(suffix[:]); err != nil {
		return fmt.Sprintf("c%d", time.Now().UnixNano())
	}
	return fmt.Sprintf("c%d%s", time.Now().UnixNano(), hex.EncodeToString(suffix[:]))
}

// Metadata represents session metadata (decrypted).
//
// The relay only ever sees the encrypted blob; the mobile client and the
// bridge share this shape.
type Metadata struct {
	Path          string `json:"path"`
	Host          string `json:"host"`
	Version       string `json:"version"`
	OS            string `json:"os"`
	MachineID     string `json:"machineId,omitempty"`
	HomeDir       string `json:"homeDir"`
	TetherHomeDir string `json:"tetherHomeDir"`
	// Flavor identifies which agent kind is driving this session
	// (e.g. "claude", "codex").
	Flavor string `json:"flavor,omitempty"`
	// Lifecycle is the session lifecycle state ("running" | "ended").
	Lifecycle string `json:"lifecycle,omitempty"`
	// AgentSessionID is the agent-native session identifier, when known.
	AgentSessionID string `json:"agentSessionId,omitempty"`
}

// AgentState represents the shared agent state blob (decrypted).
type AgentState struct {
	// AgentType identifies which backend implementation is active.
	AgentType string `json:"agentType,omitempty"`

	// ControlledByUser reports whether the desktop currently controls the
	// session's agent loop. The bridge sets this false while a remote
	// client is driving.
	ControlledByUser bool `json:"controlledByUser"`

	// Model is the agent-specific model identifier selected for this
	// session. Empty means "use agent default".
	Model string `json:"model,omitempty"`

	// PermissionMode selects the session's permission/approval mode.
	//
	// Canonical values are: default|read-only|safe-yolo|yolo.
	// An empty string means "default".
	PermissionMode string `json:"permissionMode,omitempty"`

	// Requests contains pending permission requests keyed by call id.
	Requests map[string]PendingRequest `json:"requests,omitempty"`

	// CompletedRequests contains a best-effort history of resolved
	// permission requests keyed by call id.
	CompletedRequests map[string]CompletedRequest `json:"completedRequests,omitempty"`
}

// PendingRequest stores a permission prompt that is awaiting a user
// decision. Persisted in agent state so mobile clients can recover the
// prompt after reconnect.
type PendingRequest struct {
	// ToolName is the tool being requested.
	ToolName string `json:"toolName"`
	// Input is the JSON-encoded tool input string.
	Input string `json:"input"`
	// CreatedAt is the wall-clock timestamp (ms since epoch) when the
	// request was first observed.
	CreatedAt int64 `json:"createdAt"`
}

// CompletedRequest stores a resolved permission request for UI
// reconciliation.
type CompletedRequest struct {
	// ToolName is the tool that was requested.
	ToolName string `json:"toolName"`
	// Input is the JSON-encoded tool input string.
	Input string `json:"input"`
	// Allow reports whether the request was approved.
	Allow bool `json:"allow"`
	// Message is an optional user-supplied note.
	Message string `json:"message,omitempty"`
	// ResolvedAt is the wall-clock timestamp (ms since epoch) when the
	// request was resolved.
	ResolvedAt int64 `json:"resolvedAt"`
}

// UserMessage is a decrypted inbound message from the remote client.
type UserMessage struct {
	Role    string         `json:"role"`
	Content MessageContent `json:"content"`
	Meta    map[string]any `json:"meta,omitempty"`
}

// MessageContent is the typed content of a user message.
type MessageContent struct {
	Type string `json:"type"`
	Text string `json:"text"`
}
