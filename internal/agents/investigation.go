package agents

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/cpas-project/orchestrator/internal/faults"
	"github.com/cpas-project/orchestrator/internal/investigation"
	"github.com/cpas-project/orchestrator/internal/orchestrator"
	"github.com/cpas-project/orchestrator/internal/registry"
)

// InvestigationRequest is the task payload the investigation agent
// expects in the task description (JSON) or, failing that, a bare target
// string investigated comprehensively.
type InvestigationRequest struct {
	Target  string             `json:"target"`
	Type    investigation.Type `json:"type"`
	Modules []string           `json:"modules,omitempty"`
	// Deadline overrides the coordinator's default fan-out deadline, as
	// a duration string like "45s".
	Deadline string `json:"deadline,omitempty"`
}

// deadline parses the override; empty means the coordinator default.
func (r InvestigationRequest) deadline() (time.Duration, error) {
	if r.Deadline == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(r.Deadline)
	if err != nil || d <= 0 {
		return 0, faults.Permanentf("invalid investigation deadline %q", r.Deadline)
	}
	return d, nil
}

// InvestigationAgent runs the investigation coordinator for a task and
// returns the finished investigation id as the task result.
type InvestigationAgent struct {
	coord  *investigation.Coordinator
	logger *zap.Logger
}

func NewInvestigationAgent(coord *investigation.Coordinator, logger *zap.Logger) *InvestigationAgent {
	return &InvestigationAgent{coord: coord, logger: logger}
}

// Descriptor declares the agent to the capability registry.
func (a *InvestigationAgent) Descriptor() registry.Descriptor {
	return registry.Descriptor{
		ID:           InvestigationAgentID,
		Name:         "investigation-coordinator",
		Type:         "investigation",
		Capabilities: []string{orchestrator.CapabilityInvestigation},
	}
}

// Handle satisfies orchestrator.Handler.
func (a *InvestigationAgent) Handle(ctx context.Context, task *orchestrator.Task) (string, error) {
	req := parseRequest(task.Description)
	if req.Target == "" {
		return "", faults.Permanentf("investigation target required")
	}
	deadline, err := req.deadline()
	if err != nil {
		return "", err
	}

	inv, err := a.coord.Investigate(ctx, req.Target, req.Type, req.Modules, deadline)
	if err != nil {
		return "", err
	}
	if inv.Status == investigation.StatusFailed {
		return inv.ID, faults.Transientf("all modules failed for target %q", req.Target)
	}
	return inv.ID, nil
}

// parseRequest accepts either the JSON payload or a plain target string.
func parseRequest(description string) InvestigationRequest {
	var req InvestigationRequest
	if err := json.Unmarshal([]byte(description), &req); err == nil && req.Target != "" {
		if req.Type == "" {
			req.Type = investigation.TypeComprehensive
		}
		return req
	}
	return InvestigationRequest{
		Target: description,
		Type:   investigation.TypeComprehensive,
	}
}
