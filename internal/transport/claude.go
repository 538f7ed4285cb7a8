package transport

import "time"

// ClaudeHandler implements the transport policy for the Claude CLI agent.
// Claude speaks newline-delimited JSON on stdout and keys tool calls with
// ids like "toolu_01Write...".
type ClaudeHandler struct{}

func (ClaudeHandler) Kind() string { return "claude" }

func (ClaudeHandler) InitTimeout() time.Duration { return 30 * time.Second }

func (ClaudeHandler) ToolCallTimeout() time.Duration { return 5 * time.Minute }

func (ClaudeHandler) IdleTimeout() time.Duration { return 10 * time.Second }

func (ClaudeHandler) FilterOutputLine(line string) (string, bool) {
	return filterJSONLine(line)
}

var claudeToolPatterns = []ToolPattern{
	{Name: "Write", MatchPatterns: []string{"write"}},
	{Name: "Edit", MatchPatterns: []string{"edit", "multiedit"}},
	{Name: "Bash", MatchPatterns: []string{"bash", "shell"}},
	{Name: "Read", MatchPatterns: []string{"read"}},
	{Name: "Glob", MatchPatterns: []string{"glob"}},
	{Name: "Grep", MatchPatterns: []string{"grep", "search"}},
	{Name: "WebFetch", MatchPatterns: []string{"webfetch", "fetch"}},
	{Name: "Task", MatchPatterns: []string{"task", "agent"}},
}

func (ClaudeHandler) ToolPatterns() []ToolPattern { return claudeToolPatterns }

func (ClaudeHandler) ExtractToolNameFromID(id string) (string, bool) {
	return extractToolName(claudeToolPatterns, id)
}

func (ClaudeHandler) WantsPTY() bool { return false }
