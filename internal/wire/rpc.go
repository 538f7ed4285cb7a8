package wire

// Session-scoped RPC payloads (mobile -> server -> bridge).
//
// Methods are registered as "<sessionId>:<suffix>" and carry encrypted
// argument/result bodies.

// AbortRequest requests cancelling the in-flight agent turn.
type AbortRequest struct {
	// Reason is an optional human-readable reason.
	Reason string `json:"reason,omitempty"`
}

// PermissionResponseRequest sends a user's permission decision to the bridge.
type PermissionResponseRequest struct {
	// RequestID is the permission request identifier (tool call id).
	RequestID string `json:"requestId"`
	// Allow indicates whether the request is approved.
	Allow bool `json:"allow"`
	// Message is an optional justification/annotation.
	Message string `json:"message"`
}

// SetModeRequest requests a change of the session channel mode.
type SetModeRequest struct {
	// PermissionMode is the target permission mode.
	PermissionMode string `json:"permissionMode"`
	// Model is the target model identifier.
	Model string `json:"model,omitempty"`
}

// ErrorResponse is the plaintext RPC error shape returned to the server.
type ErrorResponse struct {
	// Error is a human-readable failure description.
	Error string `json:"error"`
}

// RPCResult is the generic encrypted RPC result body.
type RPCResult struct {
	// OK indicates the call was handled.
	OK bool `json:"ok"`
	// Error is a human-readable failure description when OK is false.
	Error string `json:"error,omitempty"`
}
