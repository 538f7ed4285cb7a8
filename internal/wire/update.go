package wire

import (
	"encoding/json"
	"fmt"
)

// UpdateEnvelope is the typed wrapper for server "update" events.
type UpdateEnvelope struct {
	// ID is the unique update id.
	ID string `json:"id,omitempty"`
	// Seq is the user-scoped update sequence number.
	Seq int64 `json:"seq,omitempty"`
	// Body is the typed payload for an update event.
	Body UpdateBody `json:"body"`
	// CreatedAt is a wall-clock timestamp in milliseconds since epoch.
	CreatedAt int64 `json:"createdAt,omitempty"`
}

// UpdateBody is the payload inside an update event. It is a discriminated
// JSON object selected by the T field; only the fields relevant to the given
// type are populated.
type UpdateBody struct {
	// T is the update type ("new-message", "update-session", "update-machine").
	T string `json:"t"`
	// SID is the session id for message-oriented updates.
	SID string `json:"sid,omitempty"`
	// ID is the session id for update-session bodies.
	ID string `json:"id,omitempty"`
	// Message contains the payload for new-message updates.
	Message *UpdateMessage `json:"message,omitempty"`
	// Metadata is the updated encrypted metadata for update-session bodies.
	Metadata *VersionedString `json:"metadata,omitempty"`
	// AgentState is the updated encrypted agent state for update-session bodies.
	AgentState *VersionedString `json:"agentState,omitempty"`
	// MachineID is the machine id for update-machine bodies.
	MachineID string `json:"machineId,omitempty"`
}

// UpdateMessage is the message payload inside a new-message update.
type UpdateMessage struct {
	// ID is the message id.
	ID string `json:"id,omitempty"`
	// Seq is the session-scoped message sequence.
	Seq int64 `json:"seq,omitempty"`
	// LocalID is the client idempotency key; null when absent.
	LocalID *string `json:"localId,omitempty"`
	// Content is the encrypted content payload.
	Content *EncryptedContent `json:"content,omitempty"`
	// CreatedAt is the message creation time in ms since epoch.
	CreatedAt int64 `json:"createdAt,omitempty"`
}

// EncryptedContent contains ciphertext for an encrypted message.
type EncryptedContent struct {
	// T is the envelope type (currently "encrypted").
	T string `json:"t,omitempty"`
	// C is the ciphertext as a base64 string.
	C string `json:"c"`
}

// VersionedString is a versioned string value used for optimistic concurrency.
type VersionedString struct {
	// Value is the string payload.
	Value string `json:"value"`
	// Version is the monotonic version.
	Version int64 `json:"version"`
}

// VersionedAny is a versioned wrapper where the value may be arbitrary JSON.
type VersionedAny struct {
	// Value is the arbitrary JSON value.
	Value any `json:"value"`
	// Version is the monotonic version.
	Version int64 `json:"version"`
}

// ParseUpdateEnvelope parses an update event payload into a typed envelope.
func ParseUpdateEnvelope(v any) (*UpdateEnvelope, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var env UpdateEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, err
	}
	return &env, nil
}

// ExtractNewMessageCipher extracts the ciphertext from an update event when
// `body.t == "new-message"`.
func ExtractNewMessageCipher(v any) (string, bool, error) {
	env, err := ParseUpdateEnvelope(v)
	if err != nil {
		return "", false, err
	}
	if env.Body.T != "new-message" {
		return "", false, nil
	}
	if env.Body.Message == nil || env.Body.Message.Content == nil || env.Body.Message.Content.C == "" {
		return "", false, fmt.Errorf("new-message missing message.content.c")
	}
	return env.Body.Message.Content.C, true, nil
}
