// Package health aggregates component health checks and serves them over
// HTTP for liveness and readiness probes.
package health

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Status is the outcome of a check.
type Status int

const (
	StatusHealthy Status = iota
	StatusDegraded
	StatusUnhealthy
)

func (s Status) String() string {
	switch s {
	case StatusHealthy:
		return "healthy"
	case StatusDegraded:
		return "degraded"
	case StatusUnhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

// Result is one component's check outcome.
type Result struct {
	Component string        `json:"component"`
	Status    Status        `json:"-"`
	State     string        `json:"status"`
	Error     string        `json:"error,omitempty"`
	Duration  time.Duration `json:"duration"`
	Critical  bool          `json:"critical"`
}

// Checker is a component health probe. Critical failures make the whole
// service unready; non-critical ones only degrade it.
type Checker interface {
	Name() string
	Check(ctx context.Context) Result
	Critical() bool
}

// Report is the aggregated service health.
type Report struct {
	Status     Status            `json:"-"`
	State      string            `json:"status"`
	Ready      bool              `json:"ready"`
	Components map[string]Result `json:"components"`
	Timestamp  time.Time         `json:"timestamp"`
}

// Manager runs registered checks on demand with a per-check timeout.
type Manager struct {
	logger  *zap.Logger
	timeout time.Duration

	mu       sync.RWMutex
	checkers map[string]Checker
}

// NewManager builds an empty manager.
func NewManager(logger *zap.Logger) *Manager {
	return &Manager{
		logger:   logger,
		timeout:  5 * time.Second,
		checkers: make(map[string]Checker),
	}
}

// Register adds a checker, replacing any existing one with the same name.
func (m *Manager) Register(c Checker) {
	m.mu.Lock()
	m.checkers[c.Name()] = c
	m.mu.Unlock()
}

// Check runs every registered checker and aggregates the results.
func (m *Manager) Check(ctx context.Context) Report {
	m.mu.RLock()
	checkers := make([]Checker, 0, len(m.checkers))
	for _, c := range m.checkers {
		checkers = append(checkers, c)
	}
	m.mu.RUnlock()

	report := Report{
		Status:     StatusHealthy,
		Ready:      true,
		Components: make(map[string]Result, len(checkers)),
		Timestamp:  time.Now(),
	}

	for _, c := range checkers {
		cctx, cancel := context.WithTimeout(ctx, m.timeout)
		res := c.Check(cctx)
		cancel()
		res.Component = c.Name()
		res.State = res.Status.String()
		res.Critical = c.Critical()
		report.Components[c.Name()] = res

		switch {
		case res.Status == StatusUnhealthy && c.Critical():
			report.Status = StatusUnhealthy
			report.Ready = false
		case res.Status != StatusHealthy && report.Status == StatusHealthy:
			report.Status = StatusDegraded
		}

		if res.Status != StatusHealthy {
			m.logger.Warn("Health check not healthy",
				zap.String("component", c.Name()),
				zap.String("status", res.Status.String()),
				zap.String("error", res.Error),
			)
		}
	}

	report.State = report.Status.String()
	return report
}
