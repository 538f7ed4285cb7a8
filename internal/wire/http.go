package wire

// HTTP API request/response bodies.

// CreateSessionRequest is the HTTP POST /v1/sessions request body.
type CreateSessionRequest struct {
	// Tag is the stable client-generated session tag.
	Tag string `json:"tag"`
	// MachineID is the client-stable machine id.
	MachineID string `json:"machineId,omitempty"`
	// Metadata is the encrypted metadata payload (base64-encoded).
	Metadata string `json:"metadata"`
	// AgentState is the initial encrypted agent state payload, when provided.
	AgentState *string `json:"agentState,omitempty"`
	// DataEncryptionKey is the wrapped session data key (base64-encoded),
	// when the client proposes one.
	DataEncryptionKey *string `json:"dataEncryptionKey,omitempty"`
}

// CreateSessionResponse is the HTTP POST /v1/sessions response body.
type CreateSessionResponse struct {
	// Session contains the created session object.
	Session CreateSessionResponseSession `json:"session"`
}

// CreateSessionResponseSession is the session object returned in a
// CreateSessionResponse.
type CreateSessionResponseSession struct {
	// ID is the server-assigned session id.
	ID string `json:"id"`
	// DataEncryptionKey is the wrapped data key (base64-encoded) when present.
	DataEncryptionKey string `json:"dataEncryptionKey,omitempty"`
	// MetadataVersion is the current metadata version.
	MetadataVersion int64 `json:"metadataVersion"`
	// AgentStateVersion is the current agent state version.
	AgentStateVersion int64 `json:"agentStateVersion"`
}
