package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/cpas-project/orchestrator/internal/metrics"
)

// Archiver receives expired contexts before deletion. Implemented by the
// storage collaborator.
type Archiver interface {
	ArchiveContext(ctx context.Context, c *Context) error
}

// Options tunes the manager.
type Options struct {
	IdleTTL    time.Duration
	MaxHistory int
	CacheSize  int
}

// Manager handles conversation contexts with a Redis backend and a local
// LRU cache in front of it. Cached contexts are never written in place:
// updates clone, mutate the clone, and swap it into the cache, so a
// pointer handed out earlier stays consistent for concurrent readers.
type Manager struct {
	client   *redis.Client
	logger   *zap.Logger
	opts     Options
	archiver Archiver

	// updateMu serializes read-modify-write updates so concurrent turns
	// and task-ref changes on one context never lose each other.
	updateMu sync.Mutex

	mu     sync.RWMutex
	cache  map[string]*Context
	access map[string]time.Time
}

// NewManager connects to Redis and verifies the connection.
func NewManager(addr, password string, db int, opts Options, logger *zap.Logger) (*Manager, error) {
	if opts.IdleTTL == 0 {
		opts.IdleTTL = 24 * time.Hour
	}
	if opts.MaxHistory == 0 {
		opts.MaxHistory = 100
	}
	if opts.CacheSize == 0 {
		opts.CacheSize = 10000
	}

	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &Manager{
		client: client,
		logger: logger,
		opts:   opts,
		cache:  make(map[string]*Context),
		access: make(map[string]time.Time),
	}, nil
}

// SetArchiver wires the storage collaborator for expired-context archival.
func (m *Manager) SetArchiver(a Archiver) {
	m.archiver = a
}

// Create creates a new context.
func (m *Manager) Create(ctx context.Context) (*Context, error) {
	now := time.Now()
	c := &Context{
		ID:           uuid.New().String(),
		History:      make([]Turn, 0),
		ActiveTasks:  make(map[string]bool),
		CreatedAt:    now,
		LastActiveAt: now,
		ExpiresAt:    now.Add(m.opts.IdleTTL),
	}

	if err := m.save(ctx, c); err != nil {
		return nil, fmt.Errorf("save context: %w", err)
	}

	m.mu.Lock()
	m.cache[c.ID] = c
	m.access[c.ID] = now
	m.evictIfNeeded()
	metrics.ContextCacheSize.Set(float64(len(m.cache)))
	m.mu.Unlock()

	metrics.ContextsCreated.Inc()
	m.logger.Info("Created context", zap.String("context_id", c.ID))
	return c.clone(), nil
}

// Get retrieves a context, checking the local cache first. Expired
// contexts are archived and removed. The returned context is a private
// copy; updates go through AppendTurn and the task-ref methods.
func (m *Manager) Get(ctx context.Context, id string) (*Context, error) {
	c, err := m.get(ctx, id)
	if err != nil {
		return nil, err
	}
	return c.clone(), nil
}

// get returns the cached context itself. Callers must not mutate it.
func (m *Manager) get(ctx context.Context, id string) (*Context, error) {
	m.mu.RLock()
	if c, ok := m.cache[id]; ok {
		m.mu.RUnlock()
		metrics.ContextCacheHits.Inc()
		if c.IsExpired() {
			m.expire(ctx, c)
			return nil, ErrContextExpired
		}
		m.mu.Lock()
		m.access[id] = time.Now()
		m.mu.Unlock()
		return c, nil
	}
	m.mu.RUnlock()
	metrics.ContextCacheMisses.Inc()

	data, err := m.client.Get(ctx, key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrContextNotFound
	} else if err != nil {
		return nil, fmt.Errorf("get context: %w", err)
	}

	var c Context
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("unmarshal context: %w", err)
	}
	if c.IsExpired() {
		m.expire(ctx, &c)
		return nil, ErrContextExpired
	}

	m.mu.Lock()
	m.cache[id] = &c
	m.access[id] = time.Now()
	m.evictIfNeeded()
	metrics.ContextCacheSize.Set(float64(len(m.cache)))
	m.mu.Unlock()

	return &c, nil
}

// AppendTurn appends to the conversation history, bounded to MaxHistory
// (oldest turns evicted first), and refreshes the idle TTL.
func (m *Manager) AppendTurn(ctx context.Context, id string, turn Turn) error {
	m.updateMu.Lock()
	defer m.updateMu.Unlock()

	c, err := m.get(ctx, id)
	if err != nil {
		return err
	}
	if turn.Timestamp.IsZero() {
		turn.Timestamp = time.Now()
	}

	nc := c.clone()
	nc.History = append(nc.History, turn)
	if len(nc.History) > m.opts.MaxHistory {
		nc.History = nc.History[len(nc.History)-m.opts.MaxHistory:]
	}
	return m.touch(ctx, nc)
}

// AddTaskRef records an active task on the context.
func (m *Manager) AddTaskRef(ctx context.Context, id, taskID string) error {
	m.updateMu.Lock()
	defer m.updateMu.Unlock()

	c, err := m.get(ctx, id)
	if err != nil {
		return err
	}
	nc := c.clone()
	nc.ActiveTasks[taskID] = true
	return m.touch(ctx, nc)
}

// RemoveTaskRef drops a completed task from the context.
func (m *Manager) RemoveTaskRef(ctx context.Context, id, taskID string) error {
	m.updateMu.Lock()
	defer m.updateMu.Unlock()

	c, err := m.get(ctx, id)
	if err != nil {
		return err
	}
	nc := c.clone()
	delete(nc.ActiveTasks, taskID)
	return m.touch(ctx, nc)
}

// CleanupExpired scans for expired contexts, archiving and deleting them.
// Returns the number cleaned.
func (m *Manager) CleanupExpired(ctx context.Context) (int, error) {
	keys, err := m.client.Keys(ctx, "context:*").Result()
	if err != nil {
		return 0, fmt.Errorf("list contexts: %w", err)
	}

	cleaned := 0
	for _, k := range keys {
		data, err := m.client.Get(ctx, k).Bytes()
		if err != nil {
			continue
		}
		var c Context
		if err := json.Unmarshal(data, &c); err != nil {
			continue
		}
		if c.IsExpired() {
			m.expire(ctx, &c)
			cleaned++
		}
	}

	if cleaned > 0 {
		m.logger.Info("Cleaned up expired contexts", zap.Int("count", cleaned))
	}
	return cleaned, nil
}

// Ping verifies Redis connectivity for health checks.
func (m *Manager) Ping(ctx context.Context) error {
	return m.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (m *Manager) Close() error {
	return m.client.Close()
}

func (m *Manager) touch(ctx context.Context, c *Context) error {
	now := time.Now()
	c.LastActiveAt = now
	c.ExpiresAt = now.Add(m.opts.IdleTTL)

	if err := m.save(ctx, c); err != nil {
		return err
	}
	m.mu.Lock()
	m.cache[c.ID] = c
	m.access[c.ID] = now
	m.mu.Unlock()
	return nil
}

func (m *Manager) save(ctx context.Context, c *Context) error {
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal context: %w", err)
	}
	ttl := time.Until(c.ExpiresAt)
	if ttl <= 0 {
		ttl = m.opts.IdleTTL
	}
	return m.client.Set(ctx, key(c.ID), data, ttl).Err()
}

// expire archives then deletes a context.
func (m *Manager) expire(ctx context.Context, c *Context) {
	if m.archiver != nil {
		if err := m.archiver.ArchiveContext(ctx, c); err != nil {
			m.logger.Warn("Failed to archive expired context",
				zap.String("context_id", c.ID),
				zap.Error(err),
			)
		}
	}
	if err := m.client.Del(ctx, key(c.ID)).Err(); err != nil {
		m.logger.Warn("Failed to delete expired context",
			zap.String("context_id", c.ID),
			zap.Error(err),
		)
	}

	m.mu.Lock()
	delete(m.cache, c.ID)
	delete(m.access, c.ID)
	metrics.ContextCacheSize.Set(float64(len(m.cache)))
	m.mu.Unlock()
}

// evictIfNeeded drops the least-recently-accessed half of the cache once
// it exceeds the configured size. Caller holds m.mu.
func (m *Manager) evictIfNeeded() {
	if len(m.cache) <= m.opts.CacheSize {
		return
	}

	type entry struct {
		id string
		at time.Time
	}
	entries := make([]entry, 0, len(m.cache))
	for id := range m.cache {
		entries = append(entries, entry{id: id, at: m.access[id]})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].at.Before(entries[j].at) })

	toRemove := m.opts.CacheSize / 2
	for i := 0; i < toRemove && i < len(entries); i++ {
		delete(m.cache, entries[i].id)
		delete(m.access, entries[i].id)
		metrics.ContextCacheEvictions.Inc()
	}
}

func key(id string) string {
	return fmt.Sprintf("context:%s", id)
}
