// Package investigation implements the multi-module investigation
// coordinator: concurrent failure-isolated fan-out to intelligence
// modules under a shared deadline, with confidence-weighted merging of
// whatever results arrive.
package investigation

import (
	"encoding/json"
	"time"
)

// Type selects which intelligence modules an investigation runs.
type Type string

const (
	TypePerson        Type = "person"
	TypeDomain        Type = "domain"
	TypeImage         Type = "image"
	TypeComprehensive Type = "comprehensive"
)

// Canonical module names.
const (
	ModuleSocial    = "social"
	ModuleTechnical = "technical"
	ModuleBreach    = "breach"
	ModuleMedia     = "media"
)

// modulesFor maps an investigation type to its module set. Comprehensive
// is resolved against the registered modules at run time.
var modulesFor = map[Type][]string{
	TypePerson: {ModuleSocial, ModuleBreach, ModuleTechnical},
	TypeDomain: {ModuleTechnical},
	TypeImage:  {ModuleMedia},
}

// Valid reports whether t is a known investigation type.
func (t Type) Valid() bool {
	if t == TypeComprehensive {
		return true
	}
	_, ok := modulesFor[t]
	return ok
}

// Status is the lifecycle state of an investigation.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// ModuleResult is one module's contribution. A timeout or module error is
// recorded here, never raised; partial payloads are kept even on failure.
type ModuleResult struct {
	Success    bool            `json:"success"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Confidence float64         `json:"confidence"`
	Error      string          `json:"error,omitempty"`
	Elapsed    time.Duration   `json:"elapsed"`
}

// Investigation is the consolidated report. It is mutated only by the
// coordinator while running and is immutable once Status leaves running.
type Investigation struct {
	ID                  string                  `json:"id"`
	Target              string                  `json:"target"`
	Type                Type                    `json:"type"`
	ModuleResults       map[string]ModuleResult `json:"module_results"`
	AggregateConfidence float64                 `json:"aggregate_confidence"`
	Status              Status                  `json:"status"`
	StartedAt           time.Time               `json:"started_at"`
	CompletedAt         time.Time               `json:"completed_at,omitempty"`
}

// FailedModules lists the modules that did not succeed, so callers can
// judge how much to trust the aggregate.
func (inv *Investigation) FailedModules() []string {
	var failed []string
	for name, res := range inv.ModuleResults {
		if !res.Success {
			failed = append(failed, name)
		}
	}
	return failed
}
