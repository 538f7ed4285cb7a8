package transport

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFilterOutputLine(t *testing.T) {
	h := ClaudeHandler{}

	tests := []struct {
		name string
		line string
		want string
		ok   bool
	}{
		{"object", `{"type":"assistant"}`, `{"type":"assistant"}`, true},
		{"array", `[{"a":1}]`, `[{"a":1}]`, true},
		{"padded object", `  {"a":1}  `, `{"a":1}`, true},
		{"blank", "   ", "", false},
		{"empty", "", "", false},
		{"primitive number", "42", "", false},
		{"primitive string", `"hello"`, "", false},
		{"primitive bool", "true", "", false},
		{"malformed", `{"a":`, "", false},
		{"plain text", "starting agent...", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := h.FilterOutputLine(tt.line)
			require.Equal(t, tt.ok, ok)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestExtractToolNameFromID(t *testing.T) {
	h := ClaudeHandler{}

	name, ok := h.ExtractToolNameFromID("toolu_01WriteFileXYZ")
	require.True(t, ok)
	require.Equal(t, "Write", name)

	// Case-insensitive.
	name, ok = h.ExtractToolNameFromID("TOOLU_EDIT_99")
	require.True(t, ok)
	require.Equal(t, "Edit", name)

	// Declaration order: "write" is declared before "read", so an id
	// containing both resolves to Write.
	name, ok = h.ExtractToolNameFromID("read_then_write")
	require.True(t, ok)
	require.Equal(t, "Write", name)

	_, ok = h.ExtractToolNameFromID("toolu_unknown")
	require.False(t, ok)
}

func TestCodexExtractToolNameFromID(t *testing.T) {
	h := CodexHandler{}

	name, ok := h.ExtractToolNameFromID("call_apply_patch_7")
	require.True(t, ok)
	require.Equal(t, "apply_patch", name)

	name, ok = h.ExtractToolNameFromID("call_SHELL_1")
	require.True(t, ok)
	require.Equal(t, "shell", name)
}

func TestGenericHandlerPermissive(t *testing.T) {
	h := GenericHandler{}
	require.Nil(t, h.ToolPatterns())

	_, ok := h.ExtractToolNameFromID("anything")
	require.False(t, ok)

	line, ok := h.FilterOutputLine(`{"event":"x"}`)
	require.True(t, ok)
	require.Equal(t, `{"event":"x"}`, line)
}

func TestRegistryLookup(t *testing.T) {
	r := DefaultRegistry()

	h, err := r.Lookup("claude")
	require.NoError(t, err)
	require.Equal(t, "claude", h.Kind())

	h, err = r.Lookup("codex")
	require.NoError(t, err)
	require.True(t, h.WantsPTY())

	_, err = r.Lookup("gemini")
	require.Error(t, err)

	require.ElementsMatch(t, []string{"claude", "codex", "generic"}, r.Kinds())
}
