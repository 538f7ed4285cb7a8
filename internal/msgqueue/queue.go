package msgqueue

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
)

// Mode is the (permission policy, model choice) pair governing how a turn
// is executed. OriginalUserText is display-only and never affects equality.
type Mode struct {
	// PermissionMode is one of "default", "read-only", "safe-yolo", "yolo".
	PermissionMode string
	// Model is the requested model identifier; empty means agent default.
	Model string
	// OriginalUserText is the raw text the user typed, for display.
	OriginalUserText string
}

// Hash returns a deterministic digest over (PermissionMode, Model).
// Two Modes with equal hashes do not require a backend restart.
func (m Mode) Hash() string {
	h := sha256.New()
	h.Write([]byte(m.PermissionMode))
	h.Write([]byte{0})
	h.Write([]byte(m.Model))
	return hex.EncodeToString(h.Sum(nil))
}

// Prompt is one queued user prompt tagged with its mode.
type Prompt struct {
	Text string
	Mode Mode
	Hash string
}

// Queue buffers inbound prompts for the orchestrator. Push never blocks;
// WaitForNext blocks until a prompt is available or the context ends.
type Queue struct {
	mu      sync.Mutex
	pending []Prompt
	wake    chan struct{}
}

// New returns an empty queue.
func New() *Queue {
	return &Queue{wake: make(chan struct{}, 1)}
}

// Push enqueues a prompt.
func (q *Queue) Push(text string, mode Mode) {
	q.mu.Lock()
	q.pending = append(q.pending, Prompt{Text: text, Mode: mode, Hash: mode.Hash()})
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// WaitForNext returns the oldest queued prompt, blocking until one arrives
// or the context is cancelled.
func (q *Queue) WaitForNext(ctx context.Context) (Prompt, error) {
	for {
		q.mu.Lock()
		if len(q.pending) > 0 {
			p := q.pending[0]
			q.pending = q.pending[1:]
			q.mu.Unlock()
			return p, nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return Prompt{}, ctx.Err()
		case <-q.wake:
		}
	}
}

// Len returns the number of queued prompts.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}
