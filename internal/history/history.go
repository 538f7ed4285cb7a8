package history

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// Entry is one conversational turn kept for context restoration.
type Entry struct {
	// Role is "user" or "assistant".
	Role string
	// Text is the turn's text.
	Text string
	// Timestamp is when the turn was recorded.
	Timestamp time.Time
}

// Buffer is a bounded ordered log of user/assistant turns. It is bounded
// by both a maximum entry count and a maximum total character budget;
// oldest entries are evicted first when either bound is exceeded.
type Buffer struct {
	mu       sync.Mutex
	entries  []Entry
	maxCount int
	maxChars int
	chars    int
}

// NewBuffer returns a buffer with the given bounds. Non-positive bounds
// fall back to sane defaults.
func NewBuffer(maxCount, maxChars int) *Buffer {
	if maxCount <= 0 {
		maxCount = 40
	}
	if maxChars <= 0 {
		maxChars = 24_000
	}
	return &Buffer{maxCount: maxCount, maxChars: maxChars}
}

// Add records a turn, evicting oldest entries until both bounds hold. A
// lone entry larger than the character budget is truncated to fit, so the
// bounds hold after any sequence of additions. Empty text is ignored.
func (b *Buffer) Add(role, text string) {
	if text == "" {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.entries = append(b.entries, Entry{Role: role, Text: text, Timestamp: time.Now()})
	b.chars += len(text)

	for len(b.entries) > b.maxCount || b.chars > b.maxChars {
		if len(b.entries) == 1 {
			e := &b.entries[0]
			e.Text = e.Text[:b.maxChars]
			b.chars = b.maxChars
			break
		}
		b.chars -= len(b.entries[0].Text)
		b.entries = b.entries[1:]
	}
}

// Len returns the number of retained entries.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}

// Chars returns the total retained character count.
func (b *Buffer) Chars() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.chars
}

// Entries returns a copy of the retained entries, oldest first.
func (b *Buffer) Entries() []Entry {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Entry, len(b.entries))
	copy(out, b.entries)
	return out
}

// Clear drops all entries.
func (b *Buffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries = nil
	b.chars = 0
}

// Preamble renders the context-restoration prefix prepended to the first
// prompt after a backend restart. Returns "" when the buffer is empty.
func (b *Buffer) Preamble() string {
	entries := b.Entries()
	if len(entries) == 0 {
		return ""
	}

	var sb strings.Builder
	sb.WriteString("Context from the conversation so far:\n\n")
	for _, e := range entries {
		label := "User"
		if e.Role == "assistant" {
			label = "Assistant"
		}
		fmt.Fprintf(&sb, "%s: %s\n", label, e.Text)
	}
	sb.WriteString("\nContinue the conversation from here.\n\n")
	return sb.String()
}
