package transport

import (
	"encoding/json"
	"strings"
	"time"
)

// ToolPattern maps a tool name to the substrings that identify it inside a
// provider-generated call id.
type ToolPattern struct {
	// Name is the canonical tool name.
	Name string
	// MatchPatterns are case-insensitive substrings checked against call ids.
	MatchPatterns []string
}

// Handler is the per-agent-kind policy object. Implementations are pure:
// no side effects, no subprocess state.
type Handler interface {
	// Kind identifies the agent kind ("claude", "codex", "generic").
	Kind() string
	// InitTimeout bounds subprocess startup.
	InitTimeout() time.Duration
	// ToolCallTimeout bounds a single tool invocation.
	ToolCallTimeout() time.Duration
	// IdleTimeout bounds "waiting for more output" detection.
	IdleTimeout() time.Duration
	// FilterOutputLine validates one raw output line. It returns the line to
	// process and true, or false when the line must be discarded.
	FilterOutputLine(line string) (string, bool)
	// ToolPatterns returns the call-id patterns in declaration order.
	ToolPatterns() []ToolPattern
	// ExtractToolNameFromID resolves a tool name from a provider call id.
	// Patterns are checked in declaration order; first match wins.
	ExtractToolNameFromID(id string) (string, bool)
	// WantsPTY reports whether the subprocess needs a pseudo-terminal.
	WantsPTY() bool
}

// filterJSONLine keeps lines that parse as a JSON object or array. Blank
// lines, JSON primitives and malformed text are discarded silently.
func filterJSONLine(line string) (string, bool) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return "", false
	}
	if trimmed[0] != '{' && trimmed[0] != '[' {
		return "", false
	}
	if !json.Valid([]byte(trimmed)) {
		return "", false
	}
	return trimmed, true
}

// extractToolName matches a call id against patterns in declaration order.
func extractToolName(patterns []ToolPattern, id string) (string, bool) {
	lower := strings.ToLower(id)
	for _, p := range patterns {
		for _, m := range p.MatchPatterns {
			if strings.Contains(lower, strings.ToLower(m)) {
				return p.Name, true
			}
		}
	}
	return "", false
}
