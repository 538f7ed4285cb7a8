package wire

import (
	"encoding/json"
)

// ContentBlock is a single structured content block within a message.
//
// The protocol permits many block types (text/tool-use/tool-result/etc).
// This type preserves unknown fields to avoid losing information.
type ContentBlock struct {
	// Type identifies the block kind (e.g. "text").
	Type string `json:"type"`
	// Text contains the block text when Type=="text".
	Text string `json:"text,omitempty"`
	// Fields stores additional block-specific attributes.
	Fields map[string]any `json:"-"`
}

// MarshalJSON preserves the block fields while ensuring Type/Text are included.
func (b ContentBlock) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(b.Fields)+2)
	for k, v := range b.Fields {
		out[k] = v
	}
	if b.Type != "" {
		out["type"] = b.Type
	}
	if b.Text != "" {
		out["text"] = b.Text
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes a content block while preserving unknown fields.
func (b *ContentBlock) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	blockType, _ := raw["type"].(string)
	text, _ := raw["text"].(string)
	delete(raw, "type")
	delete(raw, "text")

	b.Type = blockType
	b.Text = text
	if len(raw) == 0 {
		b.Fields = nil
		return nil
	}
	b.Fields = raw
	return nil
}

// AgentMessage is the plaintext message embedded inside an encrypted record.
type AgentMessage struct {
	// Role is the message role ("assistant"/"user"/etc).
	Role string `json:"role"`
	// Model is the model identifier (assistant messages only).
	Model string `json:"model,omitempty"`
	// Content is a structured list of content blocks.
	Content []ContentBlock `json:"content"`
	// Usage contains model-specific usage information when available.
	Usage any `json:"usage,omitempty"`
}

// AgentOutputData is the "output" record data object.
type AgentOutputData struct {
	// Type identifies the output kind ("assistant"/"user"/etc).
	Type string `json:"type"`
	// UUID identifies this output record.
	UUID string `json:"uuid"`
	// ParentUUID references the parent record when present.
	ParentUUID *string `json:"parentUuid"`
	// Message contains the assistant/user message payload.
	Message AgentMessage `json:"message"`
	// ParentToolUseID identifies the tool-use relationship when present.
	ParentToolUseID string `json:"parent_tool_use_id,omitempty"`
}

// AgentOutputContent is a record content object of type "output".
type AgentOutputContent struct {
	// Type must be "output".
	Type string `json:"type"`
	// Data is the output record data object.
	Data AgentOutputData `json:"data"`
}

// AgentOutputRecord is the plaintext record emitted for model output.
type AgentOutputRecord struct {
	// Role must be "agent".
	Role string `json:"role"`
	// Content is the output record content object.
	Content AgentOutputContent `json:"content"`
}

// AgentEventContent is a record content object of type "event".
type AgentEventContent struct {
	// Type must be "event".
	Type string `json:"type"`
	// Data is the raw backend event payload.
	Data any `json:"data"`
}

// AgentEventRecord is the plaintext record emitted for structured backend
// events that are not model output (status, tool lifecycle, fs edits, etc).
type AgentEventRecord struct {
	// Role must be "agent".
	Role string `json:"role"`
	// Content is the event record content object.
	Content AgentEventContent `json:"content"`
}

// UserTextRecord is the plaintext record shape sent from the mobile app.
//
// This is the decrypted payload (not the encrypted wire envelope). Only
// role=user + content.type=text records are treated as user input.
type UserTextRecord struct {
	// Role identifies the sender ("user", "assistant", etc.).
	Role string `json:"role"`
	// Content holds the typed payload for the message.
	Content struct {
		// Type identifies the content kind (e.g. "text").
		Type string `json:"type"`
		// Text is the message body when Type=="text".
		Text string `json:"text"`
	} `json:"content"`
	// Meta is optional metadata (e.g. model/permissionMode overrides).
	Meta map[string]any `json:"meta,omitempty"`
}

// ParseUserTextRecord parses a decrypted record and returns user text + meta.
//
// It returns (text, meta, ok, err). ok is true only for role=user and
// content.type=text with a non-empty text.
func ParseUserTextRecord(decrypted []byte) (string, map[string]any, bool, error) {
	var rec UserTextRecord
	if err := json.Unmarshal(decrypted, &rec); err != nil {
		return "", nil, false, err
	}
	if rec.Role != "user" || rec.Content.Type != "text" || rec.Content.Text == "" {
		return "", rec.Meta, false, nil
	}
	return rec.Content.Text, rec.Meta, true, nil
}
