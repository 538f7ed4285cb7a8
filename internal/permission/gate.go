// Package permission implements the tool-call approval state machine.
package permission

import (
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/tavrael/tether/pkg/logger"
	"github.com/tavrael/tether/pkg/types"
)

// DecisionKind classifies a gate decision.
type DecisionKind int

const (
	// Approved means the call proceeds; the next identical call is
	// re-evaluated.
	Approved DecisionKind = iota
	// ApprovedForSession means the call proceeds and the approval is
	// remembered for the remainder of the gate's lifetime.
	ApprovedForSession
	// Pending means the call must wait for a remote decision.
	Pending
)

func (k DecisionKind) String() string {
	switch k {
	case Approved:
		return "approved"
	case ApprovedForSession:
		return "approved_for_session"
	case Pending:
		return "pending"
	default:
		return "unknown"
	}
}

// Outcome is the terminal result of a pending decision.
type Outcome struct {
	Allow   bool
	Message string
}

// Decision is the gate's answer for one tool call. Wait is non-nil only
// for Pending decisions and yields exactly one outcome.
type Decision struct {
	Kind DecisionKind
	Wait <-chan Outcome
}

// Tools approved in every mode: title changes, reasoning, memory saves.
var autoApproveTools = []string{
	"change_title",
	"set_title",
	"think",
	"reasoning",
	"save_memory",
	"memory_save",
	"remember",
}

// Tool-name keywords that indicate mutation, blocked under read-only.
var writeKeywords = []string{
	"write",
	"edit",
	"create",
	"delete",
	"patch",
	"fs-edit",
}

type pendingEntry struct {
	toolName string
	input    string
	ch       chan Outcome
}

// MirrorFunc applies a mutation to the shared agent state through the
// session channel's optimistic-write path.
type MirrorFunc func(fn func(*types.AgentState))

// Gate decides whether a requested tool call is auto-approved,
// session-approved, or must wait for a remote decision.
type Gate struct {
	mu      sync.Mutex
	pending map[string]*pendingEntry

	// sessionApproved is set once yolo grants an approval; it holds for
	// the rest of the gate's lifetime.
	sessionApproved bool

	mirror MirrorFunc
}

// NewGate returns a gate that mirrors decisions through the given
// callback. A nil mirror disables mirroring.
func NewGate(mirror MirrorFunc) *Gate {
	return &Gate{
		pending: make(map[string]*pendingEntry),
		mirror:  mirror,
	}
}

func isAutoApproved(toolName, callID string) bool {
	tl := strings.ToLower(toolName)
	cl := strings.ToLower(callID)
	for _, name := range autoApproveTools {
		if strings.Contains(tl, name) || strings.Contains(cl, name) {
			return true
		}
	}
	return false
}

func isWriteTool(toolName string) bool {
	tl := strings.ToLower(toolName)
	for _, kw := range writeKeywords {
		if strings.Contains(tl, kw) {
			return true
		}
	}
	return false
}

// Decide evaluates the approval policy for one tool call. permissionMode
// is one of default|read-only|safe-yolo|yolo; empty means default.
//
// At most one pending entry exists per call id: a duplicate Decide for a
// call that is already pending returns the existing continuation.
func (g *Gate) Decide(callID, toolName string, args json.RawMessage, permissionMode string) Decision {
	if isAutoApproved(toolName, callID) {
		g.mirrorCompleted(callID, toolName, string(args), true, "auto-approved")
		return Decision{Kind: Approved}
	}

	g.mu.Lock()
	if entry, ok := g.pending[callID]; ok {
		ch := entry.ch
		g.mu.Unlock()
		return Decision{Kind: Pending, Wait: ch}
	}
	sessionApproved := g.sessionApproved
	g.mu.Unlock()

	switch permissionMode {
	case "yolo":
		g.mu.Lock()
		g.sessionApproved = true
		g.mu.Unlock()
		g.mirrorCompleted(callID, toolName, string(args), true, "approved for session")
		return Decision{Kind: ApprovedForSession}
	case "safe-yolo":
		g.mirrorCompleted(callID, toolName, string(args), true, "")
		return Decision{Kind: Approved}
	case "read-only":
		if !isWriteTool(toolName) {
			g.mirrorCompleted(callID, toolName, string(args), true, "")
			return Decision{Kind: Approved}
		}
	case "default", "":
	default:
		logger.Warnf("permission: unknown mode %q, treating as default", permissionMode)
	}

	if sessionApproved {
		return Decision{Kind: ApprovedForSession}
	}

	return g.recordPending(callID, toolName, string(args))
}

func (g *Gate) recordPending(callID, toolName, input string) Decision {
	ch := make(chan Outcome, 1)

	g.mu.Lock()
	g.pending[callID] = &pendingEntry{toolName: toolName, input: input, ch: ch}
	g.mu.Unlock()

	if g.mirror != nil {
		now := time.Now().UnixMilli()
		g.mirror(func(s *types.AgentState) {
			if s.Requests == nil {
				s.Requests = make(map[string]types.PendingRequest)
			}
			s.Requests[callID] = types.PendingRequest{
				ToolName:  toolName,
				Input:     input,
				CreatedAt: now,
			}
		})
	}

	return Decision{Kind: Pending, Wait: ch}
}

// Resolve supplies the remote decision for a pending call. It reports
// whether a pending entry existed for callID.
func (g *Gate) Resolve(callID string, allow bool, message string) bool {
	g.mu.Lock()
	entry, ok := g.pending[callID]
	if ok {
		delete(g.pending, callID)
	}
	g.mu.Unlock()

	if !ok {
		return false
	}

	entry.ch <- Outcome{Allow: allow, Message: message}
	close(entry.ch)
	g.mirrorCompleted(callID, entry.toolName, entry.input, allow, message)
	return true
}

// Reset clears all pending entries, failing their continuations with a
// denied outcome. Invoked at the end of every turn and on abort.
func (g *Gate) Reset() {
	g.mu.Lock()
	entries := g.pending
	g.pending = make(map[string]*pendingEntry)
	g.mu.Unlock()

	for callID, entry := range entries {
		entry.ch <- Outcome{Allow: false, Message: "request cancelled"}
		close(entry.ch)
		g.mirrorCompleted(callID, entry.toolName, entry.input, false, "request cancelled")
	}
}

// PendingCount returns the number of outstanding pending requests.
func (g *Gate) PendingCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.pending)
}

// mirrorCompleted records a resolved decision in the shared agent state
// and drops any matching pending entry there.
func (g *Gate) mirrorCompleted(callID, toolName, input string, allow bool, message string) {
	if g.mirror == nil {
		return
	}
	now := time.Now().UnixMilli()
	g.mirror(func(s *types.AgentState) {
		delete(s.Requests, callID)
		if s.CompletedRequests == nil {
			s.CompletedRequests = make(map[string]types.CompletedRequest)
		}
		s.CompletedRequests[callID] = types.CompletedRequest{
			ToolName:   toolName,
			Input:      input,
			Allow:      allow,
			Message:    message,
			ResolvedAt: now,
		}
	})
}
