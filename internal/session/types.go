package session

import (
	"errors"
	"time"
)

var (
	// ErrContextNotFound is returned when a context doesn't exist.
	ErrContextNotFound = errors.New("context not found")
	// ErrContextExpired is returned when a context passed its idle TTL.
	ErrContextExpired = errors.New("context expired")
)

// Turn is one entry in the conversation history.
type Turn struct {
	Role      string    `json:"role"` // "user", "assistant", "system"
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Context is a conversation context shared by reference between the
// orchestrator and the reasoning engine. The orchestrator is the sole
// writer of ActiveTaskRefs.
type Context struct {
	ID           string          `json:"id"`
	History      []Turn          `json:"history"`
	ActiveTasks  map[string]bool `json:"active_tasks"`
	CreatedAt    time.Time       `json:"created_at"`
	LastActiveAt time.Time       `json:"last_active_at"`
	ExpiresAt    time.Time       `json:"expires_at"`
}

// IsExpired reports whether the idle TTL has elapsed.
func (c *Context) IsExpired() bool {
	return time.Now().After(c.ExpiresAt)
}

// clone deep-copies the mutable fields so a published context is never
// written to again.
func (c *Context) clone() *Context {
	nc := *c
	nc.History = append([]Turn(nil), c.History...)
	nc.ActiveTasks = make(map[string]bool, len(c.ActiveTasks))
	for id, v := range c.ActiveTasks {
		nc.ActiveTasks[id] = v
	}
	return &nc
}

// RecentHistory returns the most recent turns, newest last.
func (c *Context) RecentHistory(n int) []Turn {
	if len(c.History) <= n {
		return c.History
	}
	return c.History[len(c.History)-n:]
}
