package orchestrator

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func queued(id string, p Priority) *Task {
	return &Task{ID: id, Priority: p, PriorityName: p.String(), Status: StatusPending}
}

func TestPopOrdersByPriorityThenFIFO(t *testing.T) {
	var q tierQueue
	q.push(queued("n1", PriorityNormal))
	q.push(queued("l1", PriorityLow))
	q.push(queued("u1", PriorityUrgent))
	q.push(queued("n2", PriorityNormal))
	q.push(queued("h1", PriorityHigh))
	q.push(queued("u2", PriorityUrgent))

	var got []string
	for task := q.pop(); task != nil; task = q.pop() {
		got = append(got, task.ID)
	}
	assert.Equal(t, []string{"u1", "u2", "h1", "n1", "n2", "l1"}, got)
}

func TestPopEmpty(t *testing.T) {
	var q tierQueue
	assert.Nil(t, q.pop())
}

func TestRemovePreservesOrder(t *testing.T) {
	var q tierQueue
	for i := 0; i < 4; i++ {
		q.push(queued(fmt.Sprintf("n%d", i), PriorityNormal))
	}

	removed := q.remove("n1")
	require.NotNil(t, removed)
	assert.Equal(t, "n1", removed.ID)
	assert.Nil(t, q.remove("n1"))

	var got []string
	for task := q.pop(); task != nil; task = q.pop() {
		got = append(got, task.ID)
	}
	assert.Equal(t, []string{"n0", "n2", "n3"}, got)
}

func TestPromoteStarved(t *testing.T) {
	var q tierQueue
	stale := queued("stale", PriorityLow)
	fresh := queued("fresh", PriorityLow)
	q.push(stale)
	q.push(fresh)
	stale.enqueuedAt = time.Now().Add(-time.Minute)

	promoted := q.promoteStarved(30*time.Second, time.Now())
	assert.Equal(t, 1, promoted)
	assert.Equal(t, PriorityNormal, stale.Priority)
	assert.Equal(t, PriorityLow, fresh.Priority)

	// The promoted task now dispatches ahead of the fresh low one.
	first := q.pop()
	require.NotNil(t, first)
	assert.Equal(t, "stale", first.ID)
}

func TestPromoteSaturatesAtUrgent(t *testing.T) {
	var q tierQueue
	task := queued("u", PriorityUrgent)
	q.push(task)
	task.enqueuedAt = time.Now().Add(-time.Hour)

	assert.Equal(t, 0, q.promoteStarved(time.Second, time.Now()))
	assert.Equal(t, PriorityUrgent, task.Priority)
}

func TestPromotedTaskNotDoublePromotedInOnePass(t *testing.T) {
	var q tierQueue
	task := queued("n", PriorityNormal)
	q.push(task)
	task.enqueuedAt = time.Now().Add(-time.Hour)

	q.promoteStarved(time.Second, time.Now())
	assert.Equal(t, PriorityHigh, task.Priority)
}

func TestDepths(t *testing.T) {
	var q tierQueue
	q.push(queued("a", PriorityNormal))
	q.push(queued("b", PriorityNormal))
	q.push(queued("c", PriorityUrgent))

	d := q.depths()
	assert.Equal(t, 2, d["normal"])
	assert.Equal(t, 1, d["urgent"])
	assert.Equal(t, 0, d["low"])
	assert.Equal(t, 3, q.len())
}
