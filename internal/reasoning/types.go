// Package reasoning implements the hierarchical reasoning engine: four
// strictly ordered levels with confidence-gated escalation and a hard
// ceiling at the strategic level.
package reasoning

import (
	"time"
)

// Level is a reasoning depth. Levels form a strict total order; escalation
// only ever moves one level deeper.
type Level int

const (
	LevelReactive Level = iota
	LevelDeliberative
	LevelReflective
	LevelStrategic
)

func (l Level) String() string {
	switch l {
	case LevelReactive:
		return "reactive"
	case LevelDeliberative:
		return "deliberative"
	case LevelReflective:
		return "reflective"
	case LevelStrategic:
		return "strategic"
	default:
		return "unknown"
	}
}

// Next returns the next deeper level, or false at the ceiling.
func (l Level) Next() (Level, bool) {
	if l >= LevelStrategic {
		return l, false
	}
	return l + 1, true
}

// Step is one executed reasoning pass at a single level.
type Step struct {
	Level        Level         `json:"level"`
	InputSummary string        `json:"input_summary"`
	Output       string        `json:"output"`
	Confidence   float64       `json:"confidence"`
	Duration     time.Duration `json:"duration"`
}

// Chain records a full reasoning run. Immutable once the engine returns it.
type Chain struct {
	ID              string    `json:"id"`
	TaskID          string    `json:"task_id"`
	Steps           []Step    `json:"steps"`
	FinalConfidence float64   `json:"final_confidence"`
	TerminalLevel   Level     `json:"terminal_level"`
	Degraded        bool      `json:"degraded"`
	CreatedAt       time.Time `json:"created_at"`
}

// Output returns the chosen answer: the output of the best-scoring step
// across the whole chain, which guards against a deeper level producing a
// worse answer than an earlier one.
func (c *Chain) Output() string {
	best := c.bestStep()
	if best == nil {
		return ""
	}
	return best.Output
}

func (c *Chain) bestStep() *Step {
	var best *Step
	for i := range c.Steps {
		if best == nil || c.Steps[i].Confidence > best.Confidence {
			best = &c.Steps[i]
		}
	}
	return best
}
