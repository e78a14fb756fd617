// Package registry tracks the specialized agents and intelligence modules
// available to the orchestrator, with their declared capabilities and
// health state. Matching is capability-superset based; candidates are
// ranked by recent performance.
package registry

import (
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cpas-project/orchestrator/internal/metrics"
)

// Status is an agent's health state.
type Status string

const (
	StatusActive Status = "active"
	StatusIdle   Status = "idle"
	StatusBusy   Status = "busy"
	StatusError  Status = "error"
)

var (
	// ErrAgentNotFound is returned for operations on unknown agent ids.
	ErrAgentNotFound = errors.New("agent not found")
	// ErrDuplicateAgent is returned when registering an id twice.
	ErrDuplicateAgent = errors.New("agent already registered")
)

// Descriptor declares an agent to the registry.
type Descriptor struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Type         string   `json:"type"`
	Capabilities []string `json:"capabilities"`
}

// Outcome is one recorded task result for an agent.
type Outcome struct {
	Success bool          `json:"success"`
	Latency time.Duration `json:"latency"`
	At      time.Time     `json:"at"`
}

// Candidate is a ranked match returned by FindCandidates.
type Candidate struct {
	Descriptor Descriptor
	Status     Status
	Score      float64
}

// Config tunes scoring and the error flip.
type Config struct {
	// ConsecutiveFailureLimit flips an agent to error status once reached.
	ConsecutiveFailureLimit int
	// HistoryWindow bounds per-agent performance history (FIFO eviction).
	HistoryWindow int
	// SuccessWeight and LatencyWeight blend the composite score.
	SuccessWeight float64
	LatencyWeight float64
}

// DefaultConfig returns the defaults documented in the test suite.
func DefaultConfig() Config {
	return Config{
		ConsecutiveFailureLimit: 3,
		HistoryWindow:           100,
		SuccessWeight:           0.7,
		LatencyWeight:           0.3,
	}
}

// record is one agent's mutable state. Each record carries its own lock so
// concurrent ReportOutcome calls for different agents never contend.
type record struct {
	mu           sync.Mutex
	desc         Descriptor
	status       Status
	history      []Outcome
	consecFails  int
	lastAssigned time.Time
}

// Registry is the shared agent directory. The outer lock only guards the
// map; per-agent state is guarded per record.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]*record
	cfg    Config
	logger *zap.Logger
}

// New creates an empty registry.
func New(cfg Config, logger *zap.Logger) *Registry {
	if cfg.HistoryWindow <= 0 {
		cfg.HistoryWindow = DefaultConfig().HistoryWindow
	}
	if cfg.ConsecutiveFailureLimit <= 0 {
		cfg.ConsecutiveFailureLimit = DefaultConfig().ConsecutiveFailureLimit
	}
	if cfg.SuccessWeight == 0 && cfg.LatencyWeight == 0 {
		cfg.SuccessWeight = DefaultConfig().SuccessWeight
		cfg.LatencyWeight = DefaultConfig().LatencyWeight
	}
	return &Registry{
		agents: make(map[string]*record),
		cfg:    cfg,
		logger: logger,
	}
}

// Register adds an agent. Registration is visible to the next
// FindCandidates call immediately.
func (r *Registry) Register(desc Descriptor) error {
	if desc.ID == "" {
		return errors.New("agent id required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.agents[desc.ID]; ok {
		return ErrDuplicateAgent
	}
	r.agents[desc.ID] = &record{
		desc:   desc,
		status: StatusIdle,
	}
	metrics.AgentsRegistered.Set(float64(len(r.agents)))

	r.logger.Info("Agent registered",
		zap.String("agent_id", desc.ID),
		zap.Strings("capabilities", desc.Capabilities),
	)
	return nil
}

// Unregister removes an agent.
func (r *Registry) Unregister(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.agents[id]; !ok {
		return ErrAgentNotFound
	}
	delete(r.agents, id)
	metrics.AgentsRegistered.Set(float64(len(r.agents)))
	return nil
}

// FindCandidates returns agents whose capability set covers every required
// capability, ordered best-first by composite score. Agents in error
// status are excluded. Ties break by least-recently-assigned to spread
// load.
func (r *Registry) FindCandidates(required []string) []Candidate {
	r.mu.RLock()
	records := make([]*record, 0, len(r.agents))
	for _, rec := range r.agents {
		records = append(records, rec)
	}
	r.mu.RUnlock()

	type scored struct {
		cand         Candidate
		lastAssigned time.Time
	}

	var out []scored
	for _, rec := range records {
		rec.mu.Lock()
		if rec.status == StatusError || !covers(rec.desc.Capabilities, required) {
			rec.mu.Unlock()
			continue
		}
		s := scored{
			cand: Candidate{
				Descriptor: rec.desc,
				Status:     rec.status,
				Score:      r.score(rec),
			},
			lastAssigned: rec.lastAssigned,
		}
		rec.mu.Unlock()
		out = append(out, s)
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].cand.Score != out[j].cand.Score {
			return out[i].cand.Score > out[j].cand.Score
		}
		return out[i].lastAssigned.Before(out[j].lastAssigned)
	})

	cands := make([]Candidate, len(out))
	for i, s := range out {
		cands[i] = s.cand
	}
	return cands
}

// MarkAssigned records that the agent was chosen for a task, moving it to
// busy and updating the LRU tie-break timestamp.
func (r *Registry) MarkAssigned(id string) error {
	rec, ok := r.get(id)
	if !ok {
		return ErrAgentNotFound
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	rec.status = StatusBusy
	rec.lastAssigned = time.Now()
	return nil
}

// ReportOutcome appends to the agent's performance history and flips the
// agent to error status after the configured run of consecutive failures.
// The update is atomic per agent.
func (r *Registry) ReportOutcome(id string, success bool, latency time.Duration) error {
	rec, ok := r.get(id)
	if !ok {
		return ErrAgentNotFound
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()

	rec.history = append(rec.history, Outcome{Success: success, Latency: latency, At: time.Now()})
	if len(rec.history) > r.cfg.HistoryWindow {
		rec.history = rec.history[len(rec.history)-r.cfg.HistoryWindow:]
	}

	outcome := "failure"
	if success {
		outcome = "success"
		rec.consecFails = 0
		if rec.status != StatusError {
			rec.status = StatusIdle
		}
	} else {
		rec.consecFails++
		if rec.status != StatusError {
			rec.status = StatusIdle
		}
		if rec.consecFails >= r.cfg.ConsecutiveFailureLimit {
			rec.status = StatusError
			metrics.AgentsFlippedToError.Inc()
			r.logger.Warn("Agent flipped to error status",
				zap.String("agent_id", id),
				zap.Int("consecutive_failures", rec.consecFails),
			)
		}
	}
	metrics.AgentOutcomes.WithLabelValues(id, outcome).Inc()
	return nil
}

// Reset clears an agent's error status, returning it to the candidate
// pool. Used by health checks or manual intervention.
func (r *Registry) Reset(id string) error {
	rec, ok := r.get(id)
	if !ok {
		return ErrAgentNotFound
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	rec.consecFails = 0
	rec.status = StatusIdle
	r.logger.Info("Agent reset", zap.String("agent_id", id))
	return nil
}

// AgentStatus returns an agent's current status.
func (r *Registry) AgentStatus(id string) (Status, error) {
	rec, ok := r.get(id)
	if !ok {
		return "", ErrAgentNotFound
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	return rec.status, nil
}

// Stats is a point-in-time snapshot of the registry.
type Stats struct {
	Total    int            `json:"total"`
	ByStatus map[Status]int `json:"by_status"`
}

// Snapshot returns registry statistics.
func (r *Registry) Snapshot() Stats {
	r.mu.RLock()
	records := make([]*record, 0, len(r.agents))
	for _, rec := range r.agents {
		records = append(records, rec)
	}
	r.mu.RUnlock()

	stats := Stats{Total: len(records), ByStatus: make(map[Status]int)}
	for _, rec := range records {
		rec.mu.Lock()
		stats.ByStatus[rec.status]++
		rec.mu.Unlock()
	}
	return stats
}

func (r *Registry) get(id string) (*record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.agents[id]
	return rec, ok
}

// score blends recent success rate with inverse latency. Agents with no
// history score neutrally so new registrations still get work.
func (r *Registry) score(rec *record) float64 {
	if len(rec.history) == 0 {
		return 0.5 * (r.cfg.SuccessWeight + r.cfg.LatencyWeight)
	}

	var successes int
	var totalLatency time.Duration
	for _, o := range rec.history {
		if o.Success {
			successes++
		}
		totalLatency += o.Latency
	}
	rate := float64(successes) / float64(len(rec.history))
	avgSeconds := totalLatency.Seconds() / float64(len(rec.history))
	invLatency := 1.0 / (1.0 + avgSeconds)

	return r.cfg.SuccessWeight*rate + r.cfg.LatencyWeight*invLatency
}

func covers(have, required []string) bool {
	if len(required) == 0 {
		return true
	}
	set := make(map[string]struct{}, len(have))
	for _, c := range have {
		set[c] = struct{}{}
	}
	for _, req := range required {
		if _, ok := set[req]; !ok {
			return false
		}
	}
	return true
}
