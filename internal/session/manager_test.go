package session

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestManager(t *testing.T, opts Options) *Manager {
	mr := miniredis.RunT(t)
	m, err := NewManager(mr.Addr(), "", 0, opts, zaptest.NewLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	return m
}

func TestCreateAndGet(t *testing.T) {
	m := newTestManager(t, Options{})
	ctx := context.Background()

	c, err := m.Create(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, c.ID)
	assert.Empty(t, c.History)
	assert.True(t, c.ExpiresAt.After(time.Now()))

	got, err := m.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, c.ID, got.ID)
}

func TestGetNotFound(t *testing.T) {
	m := newTestManager(t, Options{})
	_, err := m.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrContextNotFound)
}

func TestGetSurvivesCacheLoss(t *testing.T) {
	m := newTestManager(t, Options{})
	ctx := context.Background()

	c, err := m.Create(ctx)
	require.NoError(t, err)

	// Drop the local cache; the context must come back from Redis.
	m.mu.Lock()
	delete(m.cache, c.ID)
	delete(m.access, c.ID)
	m.mu.Unlock()

	got, err := m.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, c.ID, got.ID)
}

func TestAppendTurnBoundedHistory(t *testing.T) {
	m := newTestManager(t, Options{MaxHistory: 5})
	ctx := context.Background()

	c, err := m.Create(ctx)
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		require.NoError(t, m.AppendTurn(ctx, c.ID, Turn{Role: "user", Content: "msg"}))
	}

	got, err := m.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Len(t, got.History, 5)
}

func TestRecentHistory(t *testing.T) {
	c := &Context{History: []Turn{
		{Content: "a"}, {Content: "b"}, {Content: "c"},
	}}
	recent := c.RecentHistory(2)
	require.Len(t, recent, 2)
	assert.Equal(t, "b", recent[0].Content)
	assert.Equal(t, "c", recent[1].Content)
	assert.Len(t, c.RecentHistory(10), 3)
}

func TestTaskRefs(t *testing.T) {
	m := newTestManager(t, Options{})
	ctx := context.Background()

	c, err := m.Create(ctx)
	require.NoError(t, err)

	require.NoError(t, m.AddTaskRef(ctx, c.ID, "task-1"))
	require.NoError(t, m.AddTaskRef(ctx, c.ID, "task-2"))

	got, err := m.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.True(t, got.ActiveTasks["task-1"])
	assert.True(t, got.ActiveTasks["task-2"])

	require.NoError(t, m.RemoveTaskRef(ctx, c.ID, "task-1"))
	got, err = m.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.False(t, got.ActiveTasks["task-1"])
	assert.True(t, got.ActiveTasks["task-2"])
}

type recordingArchiver struct {
	mu       sync.Mutex
	archived []string
}

func (a *recordingArchiver) ArchiveContext(ctx context.Context, c *Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.archived = append(a.archived, c.ID)
	return nil
}

func TestExpiredContextArchivedOnGet(t *testing.T) {
	m := newTestManager(t, Options{IdleTTL: time.Hour})
	archiver := &recordingArchiver{}
	m.SetArchiver(archiver)
	ctx := context.Background()

	c, err := m.Create(ctx)
	require.NoError(t, err)

	// Force expiry on the cached copy.
	m.mu.Lock()
	m.cache[c.ID].ExpiresAt = time.Now().Add(-time.Minute)
	m.mu.Unlock()

	_, err = m.Get(ctx, c.ID)
	assert.ErrorIs(t, err, ErrContextExpired)

	archiver.mu.Lock()
	assert.Contains(t, archiver.archived, c.ID)
	archiver.mu.Unlock()

	// The expired context is gone for good.
	_, err = m.Get(ctx, c.ID)
	assert.ErrorIs(t, err, ErrContextNotFound)
}

func TestCleanupExpired(t *testing.T) {
	m := newTestManager(t, Options{IdleTTL: time.Hour})
	archiver := &recordingArchiver{}
	m.SetArchiver(archiver)
	ctx := context.Background()

	expired, err := m.Create(ctx)
	require.NoError(t, err)
	fresh, err := m.Create(ctx)
	require.NoError(t, err)

	// Rewrite the expired one in Redis with a past expiry.
	m.mu.Lock()
	m.cache[expired.ID].ExpiresAt = time.Now().Add(-time.Minute)
	c := m.cache[expired.ID]
	m.mu.Unlock()
	require.NoError(t, m.client.Set(ctx, key(c.ID), mustJSON(t, c), time.Hour).Err())

	cleaned, err := m.CleanupExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, cleaned)

	_, err = m.Get(ctx, fresh.ID)
	assert.NoError(t, err)
}

func TestCacheEviction(t *testing.T) {
	m := newTestManager(t, Options{CacheSize: 4})
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		_, err := m.Create(ctx)
		require.NoError(t, err)
	}

	m.mu.RLock()
	size := len(m.cache)
	m.mu.RUnlock()
	assert.LessOrEqual(t, size, 4)
}

func TestPing(t *testing.T) {
	m := newTestManager(t, Options{})
	assert.NoError(t, m.Ping(context.Background()))
}

// Turns, task refs, and reads on one context land concurrently when a
// handler goroutine, the dispatch loop, and an HTTP poller overlap.
func TestConcurrentUpdatesOneContext(t *testing.T) {
	m := newTestManager(t, Options{MaxHistory: 100})
	ctx := context.Background()

	c, err := m.Create(ctx)
	require.NoError(t, err)

	const workers = 8
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(3)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				require.NoError(t, m.AppendTurn(ctx, c.ID, Turn{Role: "user", Content: "msg"}))
			}
		}(i)
		go func(n int) {
			defer wg.Done()
			taskID := uuid.NewString()
			require.NoError(t, m.AddTaskRef(ctx, c.ID, taskID))
			require.NoError(t, m.RemoveTaskRef(ctx, c.ID, taskID))
		}(i)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				got, err := m.Get(ctx, c.ID)
				require.NoError(t, err)
				_ = got.RecentHistory(5)
			}
		}(i)
	}
	wg.Wait()

	got, err := m.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Len(t, got.History, workers*10)
	assert.Empty(t, got.ActiveTasks)
}

func mustJSON(t *testing.T, c *Context) []byte {
	t.Helper()
	data, err := json.Marshal(c)
	require.NoError(t, err)
	return data
}
