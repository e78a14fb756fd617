// Package agents holds the built-in handler implementations the
// orchestrator dispatches to: the reasoning agent and the investigation
// agent. Both are declared to the capability registry and bound to the
// orchestrator by id at startup.
package agents

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/cpas-project/orchestrator/internal/orchestrator"
	"github.com/cpas-project/orchestrator/internal/reasoning"
	"github.com/cpas-project/orchestrator/internal/registry"
	"github.com/cpas-project/orchestrator/internal/session"
	"github.com/cpas-project/orchestrator/internal/storage"
)

// Agent ids used for registry declaration and handler binding.
const (
	ReasoningAgentID     = "agent-reasoning"
	InvestigationAgentID = "agent-investigation"
)

// Archive receives finished reasoning chains.
type Archive interface {
	QueueSave(entityType, id string, blob []byte)
}

// HistorySource provides conversation history for a context ref.
type HistorySource interface {
	Get(ctx context.Context, id string) (*session.Context, error)
	AppendTurn(ctx context.Context, id string, turn session.Turn) error
}

// ReasoningAgent runs the hierarchical reasoning engine for a task,
// feeding it the conversation history and recording the resulting chain.
type ReasoningAgent struct {
	engine   *reasoning.Engine
	sessions HistorySource
	archive  Archive
	logger   *zap.Logger
}

// NewReasoningAgent builds the agent. sessions and archive may be nil.
func NewReasoningAgent(engine *reasoning.Engine, sessions HistorySource, archive Archive, logger *zap.Logger) *ReasoningAgent {
	return &ReasoningAgent{
		engine:   engine,
		sessions: sessions,
		archive:  archive,
		logger:   logger,
	}
}

// Descriptor declares the agent to the capability registry.
func (a *ReasoningAgent) Descriptor() registry.Descriptor {
	return registry.Descriptor{
		ID:           ReasoningAgentID,
		Name:         "hierarchical-reasoning",
		Type:         "reasoning",
		Capabilities: []string{orchestrator.CapabilityReasoning},
	}
}

// Handle satisfies orchestrator.Handler.
func (a *ReasoningAgent) Handle(ctx context.Context, task *orchestrator.Task) (string, error) {
	var history []session.Turn
	if task.ContextRef != "" && a.sessions != nil {
		c, err := a.sessions.Get(ctx, task.ContextRef)
		if err != nil {
			a.logger.Warn("Reasoning without history, context unavailable",
				zap.String("context_ref", task.ContextRef),
				zap.Error(err),
			)
		} else {
			history = c.RecentHistory(20)
		}
	}

	chain, err := a.engine.Run(ctx, task.ID, task.Description, history)
	if err != nil {
		return "", err
	}

	if a.archive != nil {
		if blob, merr := json.Marshal(chain); merr == nil {
			a.archive.QueueSave(storage.EntityChain, chain.ID, blob)
		}
	}

	answer := chain.Output()
	if task.ContextRef != "" && a.sessions != nil {
		now := time.Now()
		_ = a.sessions.AppendTurn(ctx, task.ContextRef, session.Turn{Role: "user", Content: task.Description, Timestamp: now})
		if aerr := a.sessions.AppendTurn(ctx, task.ContextRef, session.Turn{Role: "assistant", Content: answer, Timestamp: now}); aerr != nil {
			a.logger.Warn("Failed to record assistant turn",
				zap.String("context_ref", task.ContextRef),
				zap.Error(aerr),
			)
		}
	}
	return answer, nil
}
