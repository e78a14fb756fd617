// Package orchestrator implements the task state machine: priority
// dispatch with a starvation guard, registry-driven handler selection, a
// single automatic retry for transient failures, and cooperative
// cancellation.
package orchestrator

import (
	"context"
	"fmt"
	"time"
)

// Priority orders dispatch. Higher values dispatch first.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityUrgent
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityUrgent:
		return "urgent"
	default:
		return "unknown"
	}
}

// ParsePriority converts the wire form; empty defaults to normal.
func ParsePriority(s string) (Priority, error) {
	switch s {
	case "low":
		return PriorityLow, nil
	case "normal", "":
		return PriorityNormal, nil
	case "high":
		return PriorityHigh, nil
	case "urgent":
		return PriorityUrgent, nil
	default:
		return PriorityNormal, fmt.Errorf("unknown priority %q", s)
	}
}

// promote returns the next-higher tier, saturating at urgent.
func (p Priority) promote() Priority {
	if p >= PriorityUrgent {
		return PriorityUrgent
	}
	return p + 1
}

// TaskStatus is the task lifecycle state.
type TaskStatus string

const (
	StatusPending    TaskStatus = "pending"
	StatusAssigned   TaskStatus = "assigned"
	StatusInProgress TaskStatus = "in_progress"
	StatusCompleted  TaskStatus = "completed"
	StatusFailed     TaskStatus = "failed"
	StatusCancelled  TaskStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s TaskStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Task is one unit of work moving through the orchestrator.
type Task struct {
	ID                   string     `json:"id"`
	Description          string     `json:"description"`
	Priority             Priority   `json:"-"`
	PriorityName         string     `json:"priority"`
	Status               TaskStatus `json:"status"`
	RequiredCapabilities []string   `json:"required_capabilities"`
	AssignedAgentID      string     `json:"assigned_agent_id,omitempty"`
	ContextRef           string     `json:"context_ref,omitempty"`
	Result               string     `json:"result,omitempty"`
	FailureReason        string     `json:"failure_reason,omitempty"`
	FailureKind          string     `json:"failure_kind,omitempty"`
	Retries              int        `json:"retries"`
	CreatedAt            time.Time  `json:"created_at"`
	CompletedAt          time.Time  `json:"completed_at,omitempty"`

	// enqueuedAt feeds the starvation guard and resets on promotion.
	enqueuedAt time.Time
	// cancelRequested suppresses the retry path when an in-progress task
	// was cancelled cooperatively.
	cancelRequested bool
}

// Handler executes an assigned task. Implementations observe ctx for
// cooperative cancellation at their suspension points.
type Handler interface {
	Handle(ctx context.Context, task *Task) (result string, err error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, task *Task) (string, error)

func (f HandlerFunc) Handle(ctx context.Context, task *Task) (string, error) {
	return f(ctx, task)
}
