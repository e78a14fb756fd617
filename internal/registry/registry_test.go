package registry

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestRegistry(t *testing.T) *Registry {
	return New(DefaultConfig(), zaptest.NewLogger(t))
}

func TestRegisterAndFind(t *testing.T) {
	r := newTestRegistry(t)
	require.NoError(t, r.Register(Descriptor{ID: "a1", Capabilities: []string{"reasoning", "chat"}}))
	require.NoError(t, r.Register(Descriptor{ID: "a2", Capabilities: []string{"investigation"}}))

	cands := r.FindCandidates([]string{"reasoning"})
	require.Len(t, cands, 1)
	assert.Equal(t, "a1", cands[0].Descriptor.ID)

	// Superset matching: both capabilities must be covered.
	assert.Empty(t, r.FindCandidates([]string{"reasoning", "investigation"}))
}

func TestRegisterDuplicate(t *testing.T) {
	r := newTestRegistry(t)
	require.NoError(t, r.Register(Descriptor{ID: "a1"}))
	assert.ErrorIs(t, r.Register(Descriptor{ID: "a1"}), ErrDuplicateAgent)
}

func TestCandidatesOrderedByScore(t *testing.T) {
	r := newTestRegistry(t)
	require.NoError(t, r.Register(Descriptor{ID: "fast", Capabilities: []string{"reasoning"}}))
	require.NoError(t, r.Register(Descriptor{ID: "slow", Capabilities: []string{"reasoning"}}))

	for i := 0; i < 5; i++ {
		require.NoError(t, r.ReportOutcome("fast", true, 100*time.Millisecond))
		require.NoError(t, r.ReportOutcome("slow", false, 5*time.Second))
	}

	cands := r.FindCandidates([]string{"reasoning"})
	require.Len(t, cands, 1, "slow should be flipped to error after 3 consecutive failures")
	assert.Equal(t, "fast", cands[0].Descriptor.ID)
}

func TestErrorFlipAfterConsecutiveFailures(t *testing.T) {
	r := New(Config{ConsecutiveFailureLimit: 3, HistoryWindow: 10}, zaptest.NewLogger(t))
	require.NoError(t, r.Register(Descriptor{ID: "a1", Capabilities: []string{"reasoning"}}))

	require.NoError(t, r.ReportOutcome("a1", false, time.Second))
	require.NoError(t, r.ReportOutcome("a1", false, time.Second))
	assert.Len(t, r.FindCandidates([]string{"reasoning"}), 1, "below the limit the agent stays eligible")

	require.NoError(t, r.ReportOutcome("a1", false, time.Second))
	status, err := r.AgentStatus("a1")
	require.NoError(t, err)
	assert.Equal(t, StatusError, status)
	assert.Empty(t, r.FindCandidates([]string{"reasoning"}))
}

func TestSuccessResetsConsecutiveCount(t *testing.T) {
	r := New(Config{ConsecutiveFailureLimit: 3, HistoryWindow: 10}, zaptest.NewLogger(t))
	require.NoError(t, r.Register(Descriptor{ID: "a1", Capabilities: []string{"reasoning"}}))

	require.NoError(t, r.ReportOutcome("a1", false, time.Second))
	require.NoError(t, r.ReportOutcome("a1", false, time.Second))
	require.NoError(t, r.ReportOutcome("a1", true, time.Second))
	require.NoError(t, r.ReportOutcome("a1", false, time.Second))
	require.NoError(t, r.ReportOutcome("a1", false, time.Second))

	status, err := r.AgentStatus("a1")
	require.NoError(t, err)
	assert.NotEqual(t, StatusError, status)
}

func TestResetReturnsAgentToPool(t *testing.T) {
	r := New(Config{ConsecutiveFailureLimit: 1, HistoryWindow: 10}, zaptest.NewLogger(t))
	require.NoError(t, r.Register(Descriptor{ID: "a1", Capabilities: []string{"reasoning"}}))
	require.NoError(t, r.ReportOutcome("a1", false, time.Second))
	require.Empty(t, r.FindCandidates([]string{"reasoning"}))

	require.NoError(t, r.Reset("a1"))
	assert.Len(t, r.FindCandidates([]string{"reasoning"}), 1)
}

func TestLRUTieBreak(t *testing.T) {
	r := newTestRegistry(t)
	require.NoError(t, r.Register(Descriptor{ID: "a1", Capabilities: []string{"reasoning"}}))
	require.NoError(t, r.Register(Descriptor{ID: "a2", Capabilities: []string{"reasoning"}}))

	// Equal (empty) histories, so scores tie; a1 was assigned most
	// recently and should sort second.
	require.NoError(t, r.MarkAssigned("a2"))
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, r.MarkAssigned("a1"))

	cands := r.FindCandidates([]string{"reasoning"})
	require.Len(t, cands, 2)
	assert.Equal(t, "a2", cands[0].Descriptor.ID)
}

func TestHistoryWindowBounded(t *testing.T) {
	r := New(Config{ConsecutiveFailureLimit: 100, HistoryWindow: 5}, zaptest.NewLogger(t))
	require.NoError(t, r.Register(Descriptor{ID: "a1", Capabilities: []string{"reasoning"}}))

	for i := 0; i < 20; i++ {
		require.NoError(t, r.ReportOutcome("a1", false, time.Second))
	}
	// Five recent failures followed by five successes leave only
	// successes inside the window, yielding a pure success rate.
	for i := 0; i < 5; i++ {
		require.NoError(t, r.ReportOutcome("a1", true, time.Millisecond))
	}
	cands := r.FindCandidates([]string{"reasoning"})
	require.Len(t, cands, 1)
	assert.Greater(t, cands[0].Score, 0.69)
}

func TestConcurrentReportOutcome(t *testing.T) {
	r := New(Config{ConsecutiveFailureLimit: 1000, HistoryWindow: 1000}, zaptest.NewLogger(t))
	for i := 0; i < 4; i++ {
		require.NoError(t, r.Register(Descriptor{ID: fmt.Sprintf("a%d", i), Capabilities: []string{"reasoning"}}))
	}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		for j := 0; j < 50; j++ {
			wg.Add(1)
			go func(id string, ok bool) {
				defer wg.Done()
				assert.NoError(t, r.ReportOutcome(id, ok, time.Millisecond))
			}(fmt.Sprintf("a%d", i), j%2 == 0)
		}
	}
	wg.Wait()

	stats := r.Snapshot()
	assert.Equal(t, 4, stats.Total)
}

func TestUnknownAgent(t *testing.T) {
	r := newTestRegistry(t)
	assert.ErrorIs(t, r.ReportOutcome("ghost", true, time.Second), ErrAgentNotFound)
	assert.ErrorIs(t, r.MarkAssigned("ghost"), ErrAgentNotFound)
	assert.ErrorIs(t, r.Reset("ghost"), ErrAgentNotFound)
	assert.ErrorIs(t, r.Unregister("ghost"), ErrAgentNotFound)
}
