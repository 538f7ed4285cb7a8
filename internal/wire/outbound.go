package wire

// Client -> server Socket.IO payloads.

// OutboundMessagePayload is the payload for the "message" event.
type OutboundMessagePayload struct {
	// SID is the session id for the target session.
	SID string `json:"sid"`
	// LocalID is an optional idempotency key for optimistic reconciliation.
	LocalID string `json:"localId,omitempty"`
	// Message is the ciphertext envelope as a base64 string.
	Message string `json:"message"`
}

// SessionAlivePayload is the payload for the "session-alive" event.
type SessionAlivePayload struct {
	// SID is the session id for the keep-alive.
	SID string `json:"sid"`
	// Time is a wall-clock timestamp in milliseconds since epoch.
	Time int64 `json:"time"`
	// Thinking indicates whether the session is currently busy.
	Thinking bool `json:"thinking"`
}

// SessionEndPayload is the payload for the "session-end" event.
type SessionEndPayload struct {
	// SID is the session id being closed.
	SID string `json:"sid"`
	// Time is a wall-clock timestamp in milliseconds since epoch.
	Time int64 `json:"time"`
}

// UpdateMetadataPayload is the payload for the "update-metadata" event.
type UpdateMetadataPayload struct {
	// SID is the session id to update.
	SID string `json:"sid"`
	// Metadata is the encrypted metadata payload.
	Metadata string `json:"metadata"`
	// ExpectedVersion is the optimistic concurrency version.
	ExpectedVersion int64 `json:"expectedVersion"`
}

// UpdateStatePayload is the payload for the "update-state" event.
type UpdateStatePayload struct {
	// SID is the session id to update.
	SID string `json:"sid"`
	// AgentState is the encrypted agent state payload.
	AgentState string `json:"agentState"`
	// ExpectedVersion is the optimistic concurrency version.
	ExpectedVersion int64 `json:"expectedVersion"`
}

// UpdateAck is the server ack payload for update-metadata/update-state.
type UpdateAck struct {
	// Result is "success" or "version-mismatch".
	Result string `json:"result"`
	// Version is the authoritative version after the write attempt.
	Version int64 `json:"version"`
	// Metadata is the server-side encrypted value on mismatch (metadata path).
	Metadata string `json:"metadata,omitempty"`
	// AgentState is the server-side encrypted value on mismatch (state path).
	AgentState string `json:"agentState,omitempty"`
}

// UsageReportPayload is the payload for the "usage-report" event.
type UsageReportPayload struct {
	// Key identifies the source of the usage report.
	Key string `json:"key"`
	// SessionID identifies the session the usage report corresponds to.
	SessionID string `json:"sessionId"`
	// Tokens contains token counts.
	Tokens UsageReportTokens `json:"tokens"`
	// Cost contains cost information when available.
	Cost UsageReportCost `json:"cost"`
}

// UsageReportTokens contains token counts for a usage report.
type UsageReportTokens struct {
	// Total is the total tokens across all subcategories.
	Total int `json:"total"`
	// Input is input tokens.
	Input int `json:"input"`
	// Output is output tokens.
	Output int `json:"output"`
	// CacheCreation is cache creation tokens.
	CacheCreation int `json:"cache_creation"`
	// CacheRead is cache read tokens.
	CacheRead int `json:"cache_read"`
}

// UsageReportCost contains cost information for a usage report.
type UsageReportCost struct {
	// Total is total cost.
	Total float64 `json:"total"`
	// Input is input cost.
	Input float64 `json:"input"`
	// Output is output cost.
	Output float64 `json:"output"`
}

// SocketAuthPayload is the Socket.IO auth payload used during handshake.
type SocketAuthPayload struct {
	// Token is the bearer token for the authenticated user.
	Token string `json:"token"`
	// ClientType selects the connection scope ("session-scoped" for the bridge).
	ClientType string `json:"clientType"`
	// SessionID scopes a session-scoped socket.
	SessionID string `json:"sessionId,omitempty"`
}

// RPCRegisterPayload is the payload for the "rpc-register" event.
type RPCRegisterPayload struct {
	// Method is the RPC method name being registered.
	Method string `json:"method"`
}

// EphemeralActivityPayload is the payload for a user-scoped "ephemeral" event
// of type "activity".
type EphemeralActivityPayload struct {
	// Type must be "activity".
	Type string `json:"type"`
	// ID is the session id the activity corresponds to.
	ID string `json:"id"`
	// Active is true when the session is active.
	Active bool `json:"active"`
	// Thinking indicates whether the session is currently busy.
	Thinking bool `json:"thinking"`
	// ActiveAt is a wall-clock timestamp in milliseconds since epoch.
	ActiveAt int64 `json:"activeAt"`
}
