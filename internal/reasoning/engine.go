package reasoning

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cpas-project/orchestrator/internal/confidence"
	"github.com/cpas-project/orchestrator/internal/config"
	"github.com/cpas-project/orchestrator/internal/faults"
	"github.com/cpas-project/orchestrator/internal/llm"
	"github.com/cpas-project/orchestrator/internal/metrics"
	"github.com/cpas-project/orchestrator/internal/session"
)

// Per-level priors fed to the confidence evaluator. Deeper levels earn a
// higher prior because their outputs went through more scrutiny.
var levelPriors = map[Level]float64{
	LevelReactive:     0.70,
	LevelDeliberative: 0.85,
	LevelReflective:   0.90,
	LevelStrategic:    0.95,
}

// Per-level generation budgets.
var levelMaxTokens = map[Level]int{
	LevelReactive:     150,
	LevelDeliberative: 500,
	LevelReflective:   800,
	LevelStrategic:    1200,
}

// Engine escalates through reasoning levels until the confidence threshold
// for the current level is met, or the strategic ceiling is reached.
type Engine struct {
	gen    llm.Generator
	models map[Level]string
	logger *zap.Logger

	mu         sync.RWMutex
	thresholds map[Level]float64
}

// NewEngine builds an engine from the reasoning configuration.
func NewEngine(gen llm.Generator, cfg config.ReasoningConfig, logger *zap.Logger) *Engine {
	e := &Engine{
		gen: gen,
		models: map[Level]string{
			LevelReactive:     cfg.ReactiveModel,
			LevelDeliberative: cfg.DeliberativeModel,
			LevelReflective:   cfg.ReflectiveModel,
			LevelStrategic:    cfg.StrategicModel,
		},
		logger: logger,
	}
	e.SetThresholds(cfg)
	return e
}

// SetThresholds swaps the escalation thresholds, applied on config
// reload. Chains already running pick the new values up at their next
// level check.
func (e *Engine) SetThresholds(cfg config.ReasoningConfig) {
	e.mu.Lock()
	e.thresholds = map[Level]float64{
		LevelReactive:     cfg.ReactiveThreshold,
		LevelDeliberative: cfg.DeliberativeThreshold,
		LevelReflective:   cfg.ReflectiveThreshold,
		LevelStrategic:    cfg.StrategicThreshold,
	}
	e.mu.Unlock()
}

func (e *Engine) threshold(level Level) float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.thresholds[level]
}

// Run executes the escalation algorithm for one request. It returns a
// degraded chain instead of an error when the language-model collaborator
// is unavailable; the only error paths are permanent input problems.
func (e *Engine) Run(ctx context.Context, taskID, query string, history []session.Turn) (*Chain, error) {
	if strings.TrimSpace(query) == "" {
		return nil, faults.Permanentf("reasoning: empty query")
	}

	chain := &Chain{
		ID:        uuid.New().String(),
		TaskID:    taskID,
		CreatedAt: time.Now(),
	}

	// Escalation requires the collaborator; without it only the
	// rule-based reactive fallback runs.
	if !e.gen.Available(ctx) {
		return e.runDegraded(chain, query)
	}

	turns := toTurns(history)
	carry := "" // prior level's output, never discarded

	level := LevelReactive
	for {
		step, err := e.runLevel(ctx, level, query, carry, turns)
		if err != nil {
			kind := faults.Classify(err)
			if len(chain.Steps) > 0 {
				// Fall back to the best prior level's output.
				e.logger.Warn("Reasoning level failed, using best prior step",
					zap.String("level", level.String()),
					zap.String("task_id", taskID),
					zap.Error(err),
				)
				break
			}
			if kind == faults.KindCollaboratorUnavailable {
				return e.runDegraded(chain, query)
			}
			return nil, err
		}

		chain.Steps = append(chain.Steps, *step)
		metrics.ReasoningStepDuration.WithLabelValues(level.String()).Observe(step.Duration.Seconds())

		if step.Confidence >= e.threshold(level) {
			break
		}
		next, ok := level.Next()
		if !ok {
			// Hard ceiling: the best-scoring step across the chain wins,
			// selected below.
			break
		}
		metrics.ReasoningEscalations.WithLabelValues(level.String(), next.String()).Inc()
		carry = step.Output
		level = next
	}

	chain.TerminalLevel = chain.Steps[len(chain.Steps)-1].Level
	if best := chain.bestStep(); best != nil {
		chain.FinalConfidence = best.Confidence
	}
	metrics.ReasoningChains.WithLabelValues(chain.TerminalLevel.String(), "false").Inc()

	e.logger.Info("Reasoning chain complete",
		zap.String("task_id", taskID),
		zap.String("terminal_level", chain.TerminalLevel.String()),
		zap.Int("steps", len(chain.Steps)),
		zap.Float64("final_confidence", chain.FinalConfidence),
	)
	return chain, nil
}

// runLevel produces one step, retrying once at the same level on
// collaborator error before giving up.
func (e *Engine) runLevel(ctx context.Context, level Level, query, carry string, turns []llm.Turn) (*Step, error) {
	prompt := e.buildPrompt(level, query, carry)
	req := llm.Request{
		Prompt:    prompt,
		History:   turns,
		Model:     e.models[level],
		MaxTokens: levelMaxTokens[level],
	}

	start := time.Now()
	resp, err := e.gen.Generate(ctx, req)
	if err != nil && faults.Classify(err) != faults.KindPermanent {
		e.logger.Debug("Retrying reasoning level after collaborator error",
			zap.String("level", level.String()),
			zap.Error(err),
		)
		resp, err = e.gen.Generate(ctx, req)
	}
	if err != nil {
		return nil, err
	}

	score := confidence.Score(confidence.Signal{
		Text:  resp.Text,
		Raw:   resp.RawConfidence,
		Prior: levelPriors[level],
	})

	return &Step{
		Level:        level,
		InputSummary: summarize(prompt),
		Output:       resp.Text,
		Confidence:   score,
		Duration:     time.Since(start),
	}, nil
}

func (e *Engine) buildPrompt(level Level, query, carry string) string {
	switch level {
	case LevelReactive:
		return fmt.Sprintf("Provide a quick, direct response to: %s", query)
	case LevelDeliberative:
		return fmt.Sprintf(
			"Break the request into steps, work through each, then answer.\n\nRequest: %s\n\nFirst attempt (improve on it):\n%s",
			query, carry)
	case LevelReflective:
		return fmt.Sprintf(
			"Critique the draft answer below for errors, gaps, and unstated assumptions, then produce a corrected answer.\n\nRequest: %s\n\nDraft answer:\n%s",
			query, carry)
	case LevelStrategic:
		return fmt.Sprintf(
			"Re-plan from the goal down: restate the underlying goal, lay out a plan considering the conversation so far, then give the final answer.\n\nRequest: %s\n\nBest answer so far:\n%s",
			query, carry)
	default:
		return query
	}
}

// runDegraded answers with the rule-based responder at reactive level only.
// Escalation is impossible without the collaborator.
func (e *Engine) runDegraded(chain *Chain, query string) (*Chain, error) {
	start := time.Now()
	output, err := ruleBasedRespond(query)
	if err != nil {
		return nil, err
	}

	step := Step{
		Level:        LevelReactive,
		InputSummary: summarize(query),
		Output:       output,
		// Rule-based answers are canned; cap their confidence well below
		// any escalation threshold's reach.
		Confidence: 0.4,
		Duration:   time.Since(start),
	}
	chain.Steps = []Step{step}
	chain.TerminalLevel = LevelReactive
	chain.FinalConfidence = step.Confidence
	chain.Degraded = true

	metrics.ReasoningChains.WithLabelValues(LevelReactive.String(), "true").Inc()
	e.logger.Warn("Reasoning degraded to rule-based responder",
		zap.String("task_id", chain.TaskID),
	)
	return chain, nil
}

func summarize(s string) string {
	s = strings.TrimSpace(s)
	if len(s) <= 80 {
		return s
	}
	return s[:77] + "..."
}

func toTurns(history []session.Turn) []llm.Turn {
	if len(history) == 0 {
		return nil
	}
	turns := make([]llm.Turn, len(history))
	for i, t := range history {
		turns[i] = llm.Turn{Role: t.Role, Content: t.Content}
	}
	return turns
}
