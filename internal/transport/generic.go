package transport

import "time"

// GenericHandler is a permissive policy for agents without a dedicated
// handler. Timeouts are generous and no tool patterns are declared.
type GenericHandler struct{}

func (GenericHandler) Kind() string { return "generic" }

func (GenericHandler) InitTimeout() time.Duration { return time.Minute }

func (GenericHandler) ToolCallTimeout() time.Duration { return 10 * time.Minute }

func (GenericHandler) IdleTimeout() time.Duration { return 30 * time.Second }

func (GenericHandler) FilterOutputLine(line string) (string, bool) {
	return filterJSONLine(line)
}

func (GenericHandler) ToolPatterns() []ToolPattern { return nil }

func (GenericHandler) ExtractToolNameFromID(id string) (string, bool) {
	return "", false
}

func (GenericHandler) WantsPTY() bool { return false }
