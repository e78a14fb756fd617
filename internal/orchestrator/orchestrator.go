package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cpas-project/orchestrator/internal/faults"
	"github.com/cpas-project/orchestrator/internal/metrics"
	"github.com/cpas-project/orchestrator/internal/registry"
	"github.com/cpas-project/orchestrator/internal/storage"
)

var (
	// ErrTaskNotFound is returned for unknown task ids.
	ErrTaskNotFound = errors.New("task not found")
	// ErrNotCancellable is returned when cancelling an already-terminal task.
	ErrNotCancellable = errors.New("task is not cancellable")
	// ErrNoCandidates marks a task with no capable agent available.
	ErrNoCandidates = errors.New("no capable agent available")
)

// ContextStore is the slice of the session manager the orchestrator uses
// to track active task references on a conversation context.
type ContextStore interface {
	AddTaskRef(ctx context.Context, contextID, taskID string) error
	RemoveTaskRef(ctx context.Context, contextID, taskID string) error
}

// Archive receives terminal task records for durable storage.
type Archive interface {
	QueueSave(entityType, id string, blob []byte)
}

// Options tunes the orchestrator.
type Options struct {
	// MaxWait is the starvation guard threshold for tier promotion.
	MaxWait time.Duration
	// RetryBudget is the number of automatic requeues per task.
	RetryBudget int
}

type completion struct {
	taskID string
	result string
	err    error
}

// Orchestrator runs the single dispatch loop. Handlers execute in their
// own goroutines; the loop only ever blocks on its channels, so dispatch
// continues while work is in flight.
type Orchestrator struct {
	reg      *registry.Registry
	contexts ContextStore
	archive  Archive
	opts     Options
	logger   *zap.Logger

	mu       sync.Mutex
	queue    tierQueue
	tasks    map[string]*Task
	handlers map[string]Handler
	cancels  map[string]context.CancelFunc
	totalDur time.Duration
	terminal int64

	wake        chan struct{}
	completions chan completion
	stopCh      chan struct{}
	doneCh      chan struct{}
	startOnce   sync.Once
	stopOnce    sync.Once
}

// New builds an orchestrator. contexts and archive may be nil.
func New(reg *registry.Registry, contexts ContextStore, archive Archive, opts Options, logger *zap.Logger) *Orchestrator {
	if opts.MaxWait == 0 {
		opts.MaxWait = 30 * time.Second
	}
	if opts.RetryBudget < 0 {
		opts.RetryBudget = 0
	}
	return &Orchestrator{
		reg:         reg,
		contexts:    contexts,
		archive:     archive,
		opts:        opts,
		logger:      logger,
		tasks:       make(map[string]*Task),
		handlers:    make(map[string]Handler),
		cancels:     make(map[string]context.CancelFunc),
		wake:        make(chan struct{}, 1),
		completions: make(chan completion, 64),
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}
}

// RegisterHandler binds the executable handler for an agent id. The agent
// itself is declared to the capability registry separately.
func (o *Orchestrator) RegisterHandler(agentID string, h Handler) {
	o.mu.Lock()
	o.handlers[agentID] = h
	o.mu.Unlock()
}

// Start launches the dispatch loop.
func (o *Orchestrator) Start() {
	o.startOnce.Do(func() {
		go o.loop()
	})
}

// Stop shuts the dispatch loop down. Queued tasks stay pending; in-flight
// handlers get their contexts cancelled.
func (o *Orchestrator) Stop() {
	o.stopOnce.Do(func() {
		close(o.stopCh)
	})
	<-o.doneCh
}

// Submit enqueues a task and returns its id. Capabilities default to
// intent inference over the description when none are given.
func (o *Orchestrator) Submit(ctx context.Context, description string, priority Priority, contextRef string, capabilities []string) (string, error) {
	if description == "" {
		return "", faults.Permanentf("task description required")
	}
	if len(capabilities) == 0 {
		capabilities = InferCapabilities(description)
	}

	t := &Task{
		ID:                   uuid.New().String(),
		Description:          description,
		Priority:             priority,
		PriorityName:         priority.String(),
		Status:               StatusPending,
		RequiredCapabilities: capabilities,
		ContextRef:           contextRef,
		CreatedAt:            time.Now(),
	}

	if contextRef != "" && o.contexts != nil {
		if err := o.contexts.AddTaskRef(ctx, contextRef, t.ID); err != nil {
			return "", err
		}
	}

	o.mu.Lock()
	o.tasks[t.ID] = t
	o.queue.push(t)
	o.mu.Unlock()

	metrics.TasksSubmitted.WithLabelValues(priority.String()).Inc()
	o.logger.Info("Task submitted",
		zap.String("task_id", t.ID),
		zap.String("priority", priority.String()),
		zap.Strings("capabilities", capabilities),
	)

	o.kick()
	return t.ID, nil
}

// GetTask returns a snapshot of a task's current state.
func (o *Orchestrator) GetTask(id string) (*Task, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	t, ok := o.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	snapshot := *t
	return &snapshot, nil
}

// Cancel cancels a task. Pending and assigned tasks are removed outright;
// in-progress tasks have their handler context cancelled, which the
// handler observes at its next suspension point.
func (o *Orchestrator) Cancel(id string) error {
	o.mu.Lock()
	t, ok := o.tasks[id]
	if !ok {
		o.mu.Unlock()
		return ErrTaskNotFound
	}

	switch t.Status {
	case StatusPending, StatusAssigned:
		o.queue.remove(id)
		t.Status = StatusCancelled
		t.CompletedAt = time.Now()
		o.mu.Unlock()
		o.afterTerminal(t)
		o.logger.Info("Task cancelled", zap.String("task_id", id))
		return nil
	case StatusInProgress:
		t.cancelRequested = true
		cancel, ok := o.cancels[id]
		o.mu.Unlock()
		if ok {
			cancel()
		}
		o.logger.Info("Task cancellation requested", zap.String("task_id", id))
		return nil
	default:
		o.mu.Unlock()
		return ErrNotCancellable
	}
}

// Stats is a point-in-time snapshot of orchestrator activity.
type Stats struct {
	ByStatus      map[TaskStatus]int `json:"by_status"`
	QueueDepths   map[string]int     `json:"queue_depths"`
	AvgCompletion time.Duration      `json:"avg_completion"`
}

// Snapshot returns delegation statistics.
func (o *Orchestrator) Snapshot() Stats {
	o.mu.Lock()
	defer o.mu.Unlock()

	s := Stats{
		ByStatus:    make(map[TaskStatus]int),
		QueueDepths: o.queue.depths(),
	}
	for _, t := range o.tasks {
		s.ByStatus[t.Status]++
	}
	if o.terminal > 0 {
		s.AvgCompletion = o.totalDur / time.Duration(o.terminal)
	}
	return s
}

// SetMaxWait updates the starvation guard threshold, applied on config
// reload. The guard keeps its boot-time check cadence; the new threshold
// takes effect on its next pass. Non-positive values are ignored.
func (o *Orchestrator) SetMaxWait(d time.Duration) {
	if d <= 0 {
		return
	}
	o.mu.Lock()
	o.opts.MaxWait = d
	o.mu.Unlock()
}

// Alive reports dispatch-loop liveness for health checks.
func (o *Orchestrator) Alive() bool {
	select {
	case <-o.doneCh:
		return false
	default:
		return true
	}
}

func (o *Orchestrator) kick() {
	select {
	case o.wake <- struct{}{}:
	default:
	}
}

// loop is the single dispatch loop. It pops pending work, hands it to
// handler goroutines, and applies completions; context task-ref updates
// for completions happen here, serialized.
func (o *Orchestrator) loop() {
	defer close(o.doneCh)

	o.mu.Lock()
	interval := o.opts.MaxWait / 4
	o.mu.Unlock()
	guard := time.NewTicker(interval)
	defer guard.Stop()

	for {
		o.dispatchAll()

		select {
		case <-o.stopCh:
			o.cancelInFlight()
			return
		case <-o.wake:
		case c := <-o.completions:
			o.finish(c)
		case now := <-guard.C:
			o.mu.Lock()
			promoted := o.queue.promoteStarved(o.opts.MaxWait, now)
			o.mu.Unlock()
			if promoted > 0 {
				o.logger.Info("Starvation guard promoted tasks", zap.Int("count", promoted))
			}
		}
	}
}

// dispatchAll drains the pending queue, starting one handler goroutine per
// task. Tasks with no capable agent fail permanently.
func (o *Orchestrator) dispatchAll() {
	for {
		o.mu.Lock()
		t := o.queue.pop()
		o.mu.Unlock()
		if t == nil {
			return
		}
		o.dispatch(t)
	}
}

func (o *Orchestrator) dispatch(t *Task) {
	candidates := o.reg.FindCandidates(t.RequiredCapabilities)

	var handler Handler
	var agentID string
	o.mu.Lock()
	for _, c := range candidates {
		if h, ok := o.handlers[c.Descriptor.ID]; ok {
			handler = h
			agentID = c.Descriptor.ID
			break
		}
	}
	o.mu.Unlock()

	if handler == nil {
		o.fail(t, faults.Permanent(ErrNoCandidates))
		return
	}

	if err := o.reg.MarkAssigned(agentID); err != nil {
		o.fail(t, faults.Permanent(err))
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	o.mu.Lock()
	t.Status = StatusAssigned
	t.AssignedAgentID = agentID
	t.Status = StatusInProgress
	o.cancels[t.ID] = cancel
	o.mu.Unlock()

	o.logger.Debug("Task dispatched",
		zap.String("task_id", t.ID),
		zap.String("agent_id", agentID),
	)

	go func() {
		result, err := handler.Handle(ctx, t)
		o.completions <- completion{taskID: t.ID, result: result, err: err}
	}()
}

// finish applies one handler completion: report the outcome, then either
// requeue (transient failure with retry budget left) or settle the task.
func (o *Orchestrator) finish(c completion) {
	o.mu.Lock()
	t, ok := o.tasks[c.taskID]
	if !ok {
		o.mu.Unlock()
		return
	}
	if cancel, ok := o.cancels[c.taskID]; ok {
		cancel()
		delete(o.cancels, c.taskID)
	}
	agentID := t.AssignedAgentID
	elapsed := time.Since(t.CreatedAt)
	o.mu.Unlock()

	if agentID != "" {
		if err := o.reg.ReportOutcome(agentID, c.err == nil, elapsed); err != nil {
			o.logger.Warn("Failed to report outcome",
				zap.String("agent_id", agentID),
				zap.Error(err),
			)
		}
	}

	if c.err == nil {
		o.mu.Lock()
		t.Status = StatusCompleted
		t.Result = c.result
		t.CompletedAt = time.Now()
		o.recordTerminalLocked(t)
		o.mu.Unlock()
		o.afterTerminal(t)
		metrics.RecordTaskTerminal(t.Priority.String(), string(StatusCompleted), elapsed.Seconds())
		o.logger.Info("Task completed",
			zap.String("task_id", t.ID),
			zap.Duration("elapsed", elapsed),
		)
		return
	}

	o.mu.Lock()
	cancelled := t.cancelRequested
	o.mu.Unlock()
	if cancelled {
		o.mu.Lock()
		t.Status = StatusCancelled
		t.CompletedAt = time.Now()
		o.recordTerminalLocked(t)
		o.mu.Unlock()
		o.afterTerminal(t)
		metrics.RecordTaskTerminal(t.Priority.String(), string(StatusCancelled), elapsed.Seconds())
		o.logger.Info("Task cancelled mid-flight", zap.String("task_id", t.ID))
		return
	}

	if faults.Retryable(c.err) && t.Retries < o.opts.RetryBudget {
		o.mu.Lock()
		t.Retries++
		t.Status = StatusPending
		t.AssignedAgentID = ""
		o.queue.push(t)
		o.mu.Unlock()
		metrics.TasksRetried.Inc()
		o.logger.Info("Task requeued after transient failure",
			zap.String("task_id", t.ID),
			zap.Int("retries", t.Retries),
			zap.Error(c.err),
		)
		o.kick()
		return
	}

	o.fail(t, c.err)
}

// fail settles a task as failed, preserving the original error text.
func (o *Orchestrator) fail(t *Task, err error) {
	o.mu.Lock()
	t.Status = StatusFailed
	t.FailureReason = err.Error()
	t.FailureKind = faults.Classify(err).String()
	t.CompletedAt = time.Now()
	o.recordTerminalLocked(t)
	o.mu.Unlock()

	o.afterTerminal(t)
	metrics.RecordTaskTerminal(t.Priority.String(), string(StatusFailed), time.Since(t.CreatedAt).Seconds())
	o.logger.Warn("Task failed",
		zap.String("task_id", t.ID),
		zap.String("kind", t.FailureKind),
		zap.String("reason", t.FailureReason),
	)
}

// recordTerminalLocked updates the completion-time running average.
// Caller holds o.mu.
func (o *Orchestrator) recordTerminalLocked(t *Task) {
	o.terminal++
	o.totalDur += t.CompletedAt.Sub(t.CreatedAt)
}

// afterTerminal drops the context task ref and archives the record.
func (o *Orchestrator) afterTerminal(t *Task) {
	if t.ContextRef != "" && o.contexts != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := o.contexts.RemoveTaskRef(ctx, t.ContextRef, t.ID); err != nil {
			o.logger.Warn("Failed to remove task ref",
				zap.String("task_id", t.ID),
				zap.String("context_ref", t.ContextRef),
				zap.Error(err),
			)
		}
		cancel()
	}
	if o.archive != nil {
		o.mu.Lock()
		blob, err := json.Marshal(t)
		o.mu.Unlock()
		if err == nil {
			o.archive.QueueSave(storage.EntityTask, t.ID, blob)
		}
	}
}

func (o *Orchestrator) cancelInFlight() {
	o.mu.Lock()
	defer o.mu.Unlock()
	for id, cancel := range o.cancels {
		cancel()
		delete(o.cancels, id)
	}
}
