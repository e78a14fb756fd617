package health

import (
	"context"
	"time"
)

// Pinger is satisfied by the Redis session manager and the sqlite store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingChecker probes any Pinger-shaped dependency.
type PingChecker struct {
	name     string
	target   Pinger
	critical bool
}

func NewPingChecker(name string, target Pinger, critical bool) *PingChecker {
	return &PingChecker{name: name, target: target, critical: critical}
}

func (c *PingChecker) Name() string   { return c.name }
func (c *PingChecker) Critical() bool { return c.critical }

func (c *PingChecker) Check(ctx context.Context) Result {
	start := time.Now()
	if err := c.target.Ping(ctx); err != nil {
		return Result{Status: StatusUnhealthy, Error: err.Error(), Duration: time.Since(start)}
	}
	return Result{Status: StatusHealthy, Duration: time.Since(start)}
}

// AvailabilityChecker probes the language-model collaborator. An outage is
// never critical: the service keeps running in degraded mode.
type AvailabilityChecker struct {
	name   string
	target interface {
		Available(ctx context.Context) bool
	}
}

func NewAvailabilityChecker(name string, target interface {
	Available(ctx context.Context) bool
}) *AvailabilityChecker {
	return &AvailabilityChecker{name: name, target: target}
}

func (c *AvailabilityChecker) Name() string   { return c.name }
func (c *AvailabilityChecker) Critical() bool { return false }

func (c *AvailabilityChecker) Check(ctx context.Context) Result {
	start := time.Now()
	if !c.target.Available(ctx) {
		return Result{Status: StatusDegraded, Error: "collaborator unavailable", Duration: time.Since(start)}
	}
	return Result{Status: StatusHealthy, Duration: time.Since(start)}
}

// LivenessChecker reports on a component with a boolean alive signal, such
// as the orchestrator's dispatch loop.
type LivenessChecker struct {
	name  string
	alive func() bool
}

func NewLivenessChecker(name string, alive func() bool) *LivenessChecker {
	return &LivenessChecker{name: name, alive: alive}
}

func (c *LivenessChecker) Name() string   { return c.name }
func (c *LivenessChecker) Critical() bool { return true }

func (c *LivenessChecker) Check(ctx context.Context) Result {
	start := time.Now()
	if !c.alive() {
		return Result{Status: StatusUnhealthy, Error: "not running", Duration: time.Since(start)}
	}
	return Result{Status: StatusHealthy, Duration: time.Since(start)}
}
