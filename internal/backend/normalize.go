package backend

import (
	"encoding/json"

	"github.com/tidwall/gjson"

	"github.com/tavrael/tether/internal/transport"
)

// normalizeLine maps one filtered JSON output line onto unified events.
// Provider dialects differ in field names; gjson keeps the probing loose
// so a new agent version with extra fields degrades to EvGeneric instead
// of breaking the stream.
func normalizeLine(h transport.Handler, line string) []Event {
	root := gjson.Parse(line)
	if root.IsArray() {
		var events []Event
		root.ForEach(func(_, item gjson.Result) bool {
			events = append(events, normalizeObject(h, item)...)
			return true
		})
		return events
	}
	return normalizeObject(h, root)
}

func normalizeObject(h transport.Handler, obj gjson.Result) []Event {
	raw := json.RawMessage(obj.Raw)
	typ := obj.Get("type").String()

	switch typ {
	case "assistant", "message":
		return normalizeMessage(h, obj, raw)

	case "content_block_delta", "agent_message_delta", "delta":
		delta := firstString(obj, "delta.text", "text", "delta")
		if delta == "" {
			return []Event{EvGeneric{Name: typ, Payload: raw}}
		}
		return []Event{EvModelOutput{TextDelta: delta, Raw: raw}}

	case "tool_call", "tool_use", "function_call":
		return []Event{toolCallEvent(h, obj)}

	case "tool_result", "function_call_output", "tool_call_result":
		callID := firstString(obj, "call_id", "callId", "id", "tool_use_id")
		name := firstString(obj, "name", "toolName", "tool_name")
		if name == "" {
			name, _ = h.ExtractToolNameFromID(callID)
		}
		result := obj.Get("output")
		if !result.Exists() {
			result = obj.Get("result")
		}
		return []Event{EvToolResult{
			CallID:   callID,
			ToolName: name,
			Result:   rawOf(result),
		}}

	case "permission_request", "control_request":
		return []Event{EvPermissionRequest{
			ID:      firstString(obj, "request_id", "requestId", "id"),
			Reason:  firstString(obj, "reason", "message"),
			Payload: raw,
		}}

	case "permission_response", "control_response":
		return []Event{EvPermissionResponse{
			ID:       firstString(obj, "request_id", "requestId", "id"),
			Approved: obj.Get("approved").Bool() || obj.Get("allow").Bool(),
		}}

	case "patch_apply_begin", "patch_apply_end", "fs_edit", "file_edit":
		return []Event{EvFSEdit{
			Description: firstString(obj, "description", "message"),
			Diff:        firstString(obj, "diff", "unified_diff"),
			Path:        firstString(obj, "path", "file"),
		}}

	case "terminal_output", "exec_output":
		return []Event{EvTerminalOutput{
			Data: firstString(obj, "data", "output", "text"),
		}}

	case "token_count", "usage":
		return []Event{tokenCountEvent(obj)}

	case "status":
		return []Event{EvStatus{
			State:  mapStatus(firstString(obj, "status", "state")),
			Detail: firstString(obj, "detail", "message", "error"),
		}}

	case "error":
		return []Event{EvStatus{
			State:  StateError,
			Detail: firstString(obj, "message", "error", "detail"),
		}}

	case "result", "turn_complete", "task_complete", "idle":
		events := []Event{}
		if usage := obj.Get("usage"); usage.Exists() {
			events = append(events, tokenCountEvent(usage))
		}
		if text := firstString(obj, "result", "text"); text != "" && !obj.Get("is_error").Bool() {
			events = append(events, EvModelOutput{FullText: text, Raw: raw})
		}
		return append(events, EvStatus{State: StateIdle})

	default:
		name := typ
		if name == "" {
			name = "unknown"
		}
		return []Event{EvGeneric{Name: name, Payload: raw}}
	}
}

// normalizeMessage flattens a block-structured assistant message into
// model output plus one tool-call event per tool_use block.
func normalizeMessage(h transport.Handler, obj gjson.Result, raw json.RawMessage) []Event {
	var events []Event

	content := obj.Get("message.content")
	if !content.Exists() {
		content = obj.Get("content")
	}

	text := ""
	content.ForEach(func(_, block gjson.Result) bool {
		switch block.Get("type").String() {
		case "text", "output_text":
			text += block.Get("text").String()
		case "tool_use":
			events = append(events, toolCallEvent(h, block))
		}
		return true
	})

	if text != "" || len(events) == 0 {
		events = append([]Event{EvModelOutput{FullText: text, Raw: raw}}, events...)
	}
	if usage := obj.Get("message.usage"); usage.Exists() {
		events = append(events, tokenCountEvent(usage))
	}
	return events
}

func toolCallEvent(h transport.Handler, obj gjson.Result) Event {
	callID := firstString(obj, "call_id", "callId", "id")
	name := firstString(obj, "name", "toolName", "tool_name")
	if name == "" {
		name, _ = h.ExtractToolNameFromID(callID)
	}
	args := obj.Get("input")
	if !args.Exists() {
		args = obj.Get("arguments")
	}
	return EvToolCall{
		CallID:   callID,
		ToolName: name,
		Args:     rawOf(args),
	}
}

func tokenCountEvent(obj gjson.Result) Event {
	return EvTokenCount{
		Input:         int(firstInt(obj, "input_tokens", "input", "tokens.input")),
		Output:        int(firstInt(obj, "output_tokens", "output", "tokens.output")),
		CacheCreation: int(firstInt(obj, "cache_creation_input_tokens", "cache_creation")),
		CacheRead:     int(firstInt(obj, "cache_read_input_tokens", "cache_read")),
	}
}

func mapStatus(s string) State {
	switch s {
	case "starting":
		return StateStarting
	case "running":
		return StateRunning
	case "idle", "completed":
		return StateIdle
	case "thinking", "busy":
		return StateThinking
	case "stopped":
		return StateStopped
	case "error":
		return StateError
	default:
		return StateRunning
	}
}

func firstString(obj gjson.Result, paths ...string) string {
	for _, p := range paths {
		if v := obj.Get(p); v.Exists() && v.String() != "" {
			return v.String()
		}
	}
	return ""
}

func firstInt(obj gjson.Result, paths ...string) int64 {
	for _, p := range paths {
		if v := obj.Get(p); v.Exists() {
			return v.Int()
		}
	}
	return 0
}

func rawOf(v gjson.Result) json.RawMessage {
	if !v.Exists() {
		return nil
	}
	return json.RawMessage(v.Raw)
}
