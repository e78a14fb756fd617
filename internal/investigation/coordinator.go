package investigation

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cpas-project/orchestrator/internal/circuitbreaker"
	"github.com/cpas-project/orchestrator/internal/confidence"
	"github.com/cpas-project/orchestrator/internal/faults"
	"github.com/cpas-project/orchestrator/internal/metrics"
	"github.com/cpas-project/orchestrator/internal/storage"
)

const defaultPrior = 0.5

// Archive is the slice of the storage collaborator the coordinator needs.
type Archive interface {
	QueueSave(entityType, id string, blob []byte)
	Load(ctx context.Context, entityType, id string) ([]byte, error)
}

type moduleEntry struct {
	mod     Module
	prior   float64
	breaker *circuitbreaker.Breaker
	uses    int64
}

// Options tunes the coordinator.
type Options struct {
	DefaultDeadline time.Duration
	Priors          map[string]float64
}

// Coordinator fans an investigation target out to the selected modules in
// parallel and merges whatever comes back before the deadline.
type Coordinator struct {
	archive Archive
	logger  *zap.Logger
	opts    Options

	mu        sync.RWMutex
	modules   map[string]*moduleEntry
	active    map[string]*Investigation
	recent    map[string]*Investigation
	recentIDs []string
	completed int64
	failed    int64
}

// recentLimit bounds the in-memory record of finished investigations; the
// archive holds the rest.
const recentLimit = 256

// NewCoordinator builds a coordinator. archive may be nil, in which case
// completed investigations are only held in memory until restart.
func NewCoordinator(archive Archive, opts Options, logger *zap.Logger) *Coordinator {
	if opts.DefaultDeadline == 0 {
		opts.DefaultDeadline = 60 * time.Second
	}
	return &Coordinator{
		archive: archive,
		logger:  logger,
		opts:    opts,
		modules: make(map[string]*moduleEntry),
		active:  make(map[string]*Investigation),
		recent:  make(map[string]*Investigation),
	}
}

// RegisterModule adds a module. Its reliability prior comes from Options;
// unknown modules get a neutral prior.
func (c *Coordinator) RegisterModule(m Module) {
	c.mu.Lock()
	prior, ok := c.opts.Priors[m.Name()]
	if !ok {
		prior = defaultPrior
	}
	c.modules[m.Name()] = &moduleEntry{
		mod:     m,
		prior:   prior,
		breaker: circuitbreaker.New("module_"+m.Name(), circuitbreaker.DefaultSettings(), c.logger),
	}
	c.mu.Unlock()
	c.logger.Info("Registered intelligence module",
		zap.String("module", m.Name()),
		zap.Float64("prior", prior),
	)
}

// SetPriors replaces the module reliability priors, applied on config
// reload. Registered modules pick the new values up for subsequent
// merges; modules absent from the new map keep their current prior.
func (c *Coordinator) SetPriors(priors map[string]float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.opts.Priors = priors
	for name, e := range c.modules {
		if p, ok := priors[name]; ok {
			e.prior = p
		}
	}
}

// Investigate runs the selected modules against target and blocks until
// all report or the deadline elapses. subset overrides the type's default
// module set when non-empty; deadline of zero uses the configured default.
func (c *Coordinator) Investigate(ctx context.Context, target string, typ Type, subset []string, deadline time.Duration) (*Investigation, error) {
	inv, selected, deadline, err := c.begin(target, typ, subset, deadline)
	if err != nil {
		return nil, err
	}
	c.run(ctx, inv, selected, deadline)
	return inv, nil
}

// Start begins an investigation and returns its id immediately; the
// fan-out continues in the background and the record is polled via Get.
func (c *Coordinator) Start(target string, typ Type, subset []string, deadline time.Duration) (string, error) {
	inv, selected, deadline, err := c.begin(target, typ, subset, deadline)
	if err != nil {
		return "", err
	}
	go c.run(context.Background(), inv, selected, deadline)
	return inv.ID, nil
}

func (c *Coordinator) begin(target string, typ Type, subset []string, deadline time.Duration) (*Investigation, map[string]*moduleEntry, time.Duration, error) {
	if target == "" {
		return nil, nil, 0, faults.Permanentf("investigation: empty target")
	}
	if !typ.Valid() {
		return nil, nil, 0, faults.Permanentf("investigation: unknown type %q", typ)
	}
	if deadline <= 0 {
		deadline = c.opts.DefaultDeadline
	}

	selected, err := c.selectModules(typ, subset)
	if err != nil {
		return nil, nil, 0, err
	}

	inv := &Investigation{
		ID:            uuid.New().String(),
		Target:        target,
		Type:          typ,
		ModuleResults: make(map[string]ModuleResult, len(selected)),
		Status:        StatusRunning,
		StartedAt:     time.Now(),
	}
	c.mu.Lock()
	c.active[inv.ID] = inv
	for _, e := range selected {
		e.uses++
	}
	c.mu.Unlock()
	metrics.InvestigationsStarted.WithLabelValues(string(typ)).Inc()

	c.logger.Info("Investigation started",
		zap.String("investigation_id", inv.ID),
		zap.String("type", string(typ)),
		zap.Int("modules", len(selected)),
		zap.Duration("deadline", deadline),
	)
	return inv, selected, deadline, nil
}

func (c *Coordinator) run(ctx context.Context, inv *Investigation, selected map[string]*moduleEntry, deadline time.Duration) {
	results := c.fanOut(ctx, inv.Target, selected, deadline)
	c.finalize(inv, selected, results)
}

// Get returns an investigation by id, checking in-flight ones first, then
// the archive.
func (c *Coordinator) Get(ctx context.Context, id string) (*Investigation, error) {
	c.mu.RLock()
	if inv, ok := c.active[id]; ok {
		// In-flight records are still being written; hand back a snapshot.
		snapshot := *inv
		snapshot.ModuleResults = nil
		c.mu.RUnlock()
		return &snapshot, nil
	}
	if inv, ok := c.recent[id]; ok {
		c.mu.RUnlock()
		return inv, nil
	}
	c.mu.RUnlock()
	if c.archive == nil {
		return nil, storage.ErrNotFound
	}

	blob, err := c.archive.Load(ctx, storage.EntityInvestigation, id)
	if err != nil {
		return nil, err
	}
	var archived Investigation
	if err := json.Unmarshal(blob, &archived); err != nil {
		return nil, fmt.Errorf("unmarshal investigation: %w", err)
	}
	return &archived, nil
}

// CoordinatorStatus is a point-in-time snapshot of coordinator activity.
type CoordinatorStatus struct {
	Active            int              `json:"active"`
	Completed         int64            `json:"completed"`
	Failed            int64            `json:"failed"`
	RegisteredModules []string         `json:"registered_modules"`
	ModuleUses        map[string]int64 `json:"module_uses"`
}

// Status reports current activity and per-module usage counts.
func (c *Coordinator) Status() CoordinatorStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()

	names := make([]string, 0, len(c.modules))
	uses := make(map[string]int64, len(c.modules))
	for name, e := range c.modules {
		names = append(names, name)
		uses[name] = e.uses
	}
	sort.Strings(names)

	return CoordinatorStatus{
		Active:            len(c.active),
		Completed:         c.completed,
		Failed:            c.failed,
		RegisteredModules: names,
		ModuleUses:        uses,
	}
}

// selectModules resolves the module set for a request. Every name must be
// registered; a miss is a permanent input error.
func (c *Coordinator) selectModules(typ Type, subset []string) (map[string]*moduleEntry, error) {
	names := subset
	if len(names) == 0 {
		if typ == TypeComprehensive {
			c.mu.RLock()
			for name := range c.modules {
				names = append(names, name)
			}
			c.mu.RUnlock()
		} else {
			names = modulesFor[typ]
		}
	}
	if len(names) == 0 {
		return nil, faults.Permanentf("investigation: no modules registered for type %q", typ)
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	selected := make(map[string]*moduleEntry, len(names))
	for _, name := range names {
		e, ok := c.modules[name]
		if !ok {
			return nil, faults.Permanentf("investigation: unknown module %q", name)
		}
		selected[name] = e
	}
	return selected, nil
}

// fanOut runs every selected module concurrently and collects results
// until all report or the deadline passes. Late results are ignored, not
// cancelled.
func (c *Coordinator) fanOut(ctx context.Context, target string, selected map[string]*moduleEntry, deadline time.Duration) map[string]ModuleResult {
	type namedResult struct {
		name string
		res  ModuleResult
	}

	callCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	ch := make(chan namedResult, len(selected))
	for name, entry := range selected {
		go func(name string, entry *moduleEntry) {
			ch <- namedResult{name: name, res: c.callModule(callCtx, entry, target)}
		}(name, entry)
	}

	timer := time.NewTimer(deadline)
	defer timer.Stop()

	results := make(map[string]ModuleResult, len(selected))
	for len(results) < len(selected) {
		select {
		case r := <-ch:
			results[r.name] = r.res
		case <-timer.C:
			markTimeouts(results, selected, deadline)
			return results
		case <-ctx.Done():
			markTimeouts(results, selected, deadline)
			return results
		}
	}
	return results
}

// callModule invokes one module through its breaker, converting every
// failure mode into a recorded result. A panicking module is isolated.
func (c *Coordinator) callModule(ctx context.Context, entry *moduleEntry, target string) (res ModuleResult) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			res = ModuleResult{
				Success: false,
				Error:   fmt.Sprintf("module panic: %v", r),
				Elapsed: time.Since(start),
			}
			metrics.RecordModuleResult(entry.mod.Name(), "panic", res.Elapsed.Seconds())
			c.logger.Error("Intelligence module panicked",
				zap.String("module", entry.mod.Name()),
				zap.Any("panic", r),
			)
		}
	}()

	var (
		payload json.RawMessage
		conf    float64
	)
	err := entry.breaker.Execute(ctx, func(ctx context.Context) error {
		var callErr error
		payload, conf, callErr = entry.mod.Investigate(ctx, target)
		return callErr
	})
	elapsed := time.Since(start)

	if err != nil {
		outcome := "error"
		if ctx.Err() != nil {
			outcome = "timeout"
			err = fmt.Errorf("timeout")
		}
		metrics.RecordModuleResult(entry.mod.Name(), outcome, elapsed.Seconds())
		return ModuleResult{
			Success: false,
			Payload: payload,
			Error:   err.Error(),
			Elapsed: elapsed,
		}
	}

	metrics.RecordModuleResult(entry.mod.Name(), "ok", elapsed.Seconds())
	return ModuleResult{
		Success:    true,
		Payload:    payload,
		Confidence: conf,
		Elapsed:    elapsed,
	}
}

// markTimeouts records a timeout result for every module that has not
// reported by the deadline.
func markTimeouts(results map[string]ModuleResult, selected map[string]*moduleEntry, deadline time.Duration) {
	for name := range selected {
		if _, ok := results[name]; ok {
			continue
		}
		results[name] = ModuleResult{
			Success: false,
			Error:   "timeout",
			Elapsed: deadline,
		}
		metrics.RecordModuleResult(name, "timeout", deadline.Seconds())
	}
}

// finalize computes the aggregate and moves the investigation to its
// terminal state. The merge is a weighted average over succeeded modules
// only, so it is order-independent.
func (c *Coordinator) finalize(inv *Investigation, selected map[string]*moduleEntry, results map[string]ModuleResult) {
	// Publish all terminal fields under the lock so a concurrent Get never
	// observes a half-finished record; priors are read here too so a
	// concurrent SetPriors stays ordered.
	c.mu.Lock()
	var weighted []confidence.Weighted
	for name, res := range results {
		if !res.Success {
			continue
		}
		weighted = append(weighted, confidence.Weighted{
			Score:  res.Confidence,
			Weight: selected[name].prior,
		})
	}
	inv.ModuleResults = results
	inv.CompletedAt = time.Now()
	if len(weighted) == 0 {
		inv.AggregateConfidence = 0
		inv.Status = StatusFailed
		c.failed++
	} else {
		inv.AggregateConfidence = confidence.Aggregate(weighted)
		inv.Status = StatusCompleted
		c.completed++
	}
	delete(c.active, inv.ID)
	c.recent[inv.ID] = inv
	c.recentIDs = append(c.recentIDs, inv.ID)
	if len(c.recentIDs) > recentLimit {
		delete(c.recent, c.recentIDs[0])
		c.recentIDs = c.recentIDs[1:]
	}
	c.mu.Unlock()

	metrics.InvestigationsCompleted.WithLabelValues(string(inv.Type), string(inv.Status)).Inc()
	if inv.Status == StatusCompleted {
		metrics.AggregateConfidence.WithLabelValues(string(inv.Type)).Observe(inv.AggregateConfidence)
	}

	if c.archive != nil {
		if blob, err := json.Marshal(inv); err == nil {
			c.archive.QueueSave(storage.EntityInvestigation, inv.ID, blob)
		} else {
			c.logger.Error("Failed to marshal investigation for archive",
				zap.String("investigation_id", inv.ID),
				zap.Error(err),
			)
		}
	}

	c.logger.Info("Investigation finished",
		zap.String("investigation_id", inv.ID),
		zap.String("status", string(inv.Status)),
		zap.Float64("aggregate_confidence", inv.AggregateConfidence),
		zap.Strings("failed_modules", inv.FailedModules()),
	)
}
