package backend

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tavrael/tether/internal/transport"
)

func TestNormalizeAssistantMessage(t *testing.T) {
	line := `{"type":"assistant","message":{"role":"assistant","content":[{"type":"text","text":"hello "},{"type":"text","text":"world"}],"usage":{"input_tokens":10,"output_tokens":4}}}`

	events := normalizeLine(transport.ClaudeHandler{}, line)
	require.Len(t, events, 2)

	out, ok := events[0].(EvModelOutput)
	require.True(t, ok)
	require.Equal(t, "hello world", out.FullText)

	tokens, ok := events[1].(EvTokenCount)
	require.True(t, ok)
	require.Equal(t, 10, tokens.Input)
	require.Equal(t, 4, tokens.Output)
}

func TestNormalizeToolUseBlock(t *testing.T) {
	line := `{"type":"assistant","message":{"role":"assistant","content":[{"type":"tool_use","id":"toolu_01Bash","name":"Bash","input":{"command":"ls"}}]}}`

	events := normalizeLine(transport.ClaudeHandler{}, line)
	require.Len(t, events, 1)

	call, ok := events[0].(EvToolCall)
	require.True(t, ok)
	require.Equal(t, "toolu_01Bash", call.CallID)
	require.Equal(t, "Bash", call.ToolName)
	require.JSONEq(t, `{"command":"ls"}`, string(call.Args))
}

func TestNormalizeToolCallNameFromID(t *testing.T) {
	// No explicit name; the handler's patterns resolve it from the id.
	line := `{"type":"tool_call","call_id":"call_apply_patch_1","input":{"patch":"..."}}`

	events := normalizeLine(transport.CodexHandler{}, line)
	require.Len(t, events, 1)

	call, ok := events[0].(EvToolCall)
	require.True(t, ok)
	require.Equal(t, "apply_patch", call.ToolName)
}

func TestNormalizeToolResult(t *testing.T) {
	line := `{"type":"function_call_output","call_id":"call_shell_9","output":"Exit code: 0"}`

	events := normalizeLine(transport.CodexHandler{}, line)
	require.Len(t, events, 1)

	res, ok := events[0].(EvToolResult)
	require.True(t, ok)
	require.Equal(t, "call_shell_9", res.CallID)
	require.Equal(t, "shell", res.ToolName)
}

func TestNormalizeDelta(t *testing.T) {
	line := `{"type":"content_block_delta","delta":{"text":"chunk"}}`

	events := normalizeLine(transport.ClaudeHandler{}, line)
	require.Len(t, events, 1)

	out, ok := events[0].(EvModelOutput)
	require.True(t, ok)
	require.Equal(t, "chunk", out.TextDelta)
	require.Empty(t, out.FullText)
}

func TestNormalizeStatusAndError(t *testing.T) {
	events := normalizeLine(transport.GenericHandler{}, `{"type":"status","status":"idle"}`)
	require.Equal(t, []Event{EvStatus{State: StateIdle}}, events)

	events = normalizeLine(transport.GenericHandler{}, `{"type":"error","message":"invalid api key"}`)
	require.Equal(t, []Event{EvStatus{State: StateError, Detail: "invalid api key"}}, events)
}

func TestNormalizeResultLine(t *testing.T) {
	line := `{"type":"result","result":"done","usage":{"input_tokens":3,"output_tokens":1}}`

	events := normalizeLine(transport.ClaudeHandler{}, line)
	require.Len(t, events, 3)
	require.IsType(t, EvTokenCount{}, events[0])
	require.Equal(t, "done", events[1].(EvModelOutput).FullText)
	require.Equal(t, EvStatus{State: StateIdle}, events[2])
}

func TestNormalizePermissionRequest(t *testing.T) {
	line := `{"type":"permission_request","request_id":"req_1","reason":"needs approval"}`

	events := normalizeLine(transport.ClaudeHandler{}, line)
	require.Len(t, events, 1)

	req, ok := events[0].(EvPermissionRequest)
	require.True(t, ok)
	require.Equal(t, "req_1", req.ID)
	require.Equal(t, "needs approval", req.Reason)
}

func TestNormalizeFSEdit(t *testing.T) {
	line := `{"type":"fs_edit","path":"main.go","diff":"+x","description":"add x"}`

	events := normalizeLine(transport.GenericHandler{}, line)
	require.Equal(t, []Event{EvFSEdit{Description: "add x", Diff: "+x", Path: "main.go"}}, events)
}

func TestNormalizeUnknownFallsBackToGeneric(t *testing.T) {
	line := `{"type":"exotic_new_event","payload":{"a":1}}`

	events := normalizeLine(transport.GenericHandler{}, line)
	require.Len(t, events, 1)

	gen, ok := events[0].(EvGeneric)
	require.True(t, ok)
	require.Equal(t, "exotic_new_event", gen.Name)
}

func TestNormalizeArrayLine(t *testing.T) {
	line := `[{"type":"status","status":"running"},{"type":"status","status":"idle"}]`

	events := normalizeLine(transport.GenericHandler{}, line)
	require.Equal(t, []Event{
		EvStatus{State: StateRunning},
		EvStatus{State: StateIdle},
	}, events)
}
