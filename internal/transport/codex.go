package transport

import "time"

// CodexHandler implements the transport policy for the Codex CLI agent.
// Codex emits JSON event lines and prefixes tool call ids with "call_".
type CodexHandler struct{}

func (CodexHandler) Kind() string { return "codex" }

func (CodexHandler) InitTimeout() time.Duration { return 45 * time.Second }

func (CodexHandler) ToolCallTimeout() time.Duration { return 10 * time.Minute }

func (CodexHandler) IdleTimeout() time.Duration { return 15 * time.Second }

func (CodexHandler) FilterOutputLine(line string) (string, bool) {
	return filterJSONLine(line)
}

var codexToolPatterns = []ToolPattern{
	{Name: "apply_patch", MatchPatterns: []string{"apply_patch", "patch"}},
	{Name: "shell", MatchPatterns: []string{"shell", "exec"}},
	{Name: "update_plan", MatchPatterns: []string{"update_plan", "plan"}},
	{Name: "web_search", MatchPatterns: []string{"web_search", "search"}},
}

func (CodexHandler) ToolPatterns() []ToolPattern { return codexToolPatterns }

func (CodexHandler) ExtractToolNameFromID(id string) (string, bool) {
	return extractToolName(codexToolPatterns, id)
}

// Codex drives an interactive terminal for local approvals.
func (CodexHandler) WantsPTY() bool { return true }
