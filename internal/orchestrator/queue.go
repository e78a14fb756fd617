package orchestrator

import (
	"time"

	"github.com/cpas-project/orchestrator/internal/metrics"
)

// tierQueue is a four-tier FIFO queue. Not safe for concurrent use; the
// orchestrator serializes access through its own lock.
type tierQueue struct {
	tiers [PriorityUrgent + 1][]*Task
}

func (q *tierQueue) push(t *Task) {
	t.enqueuedAt = time.Now()
	q.tiers[t.Priority] = append(q.tiers[t.Priority], t)
	metrics.TaskQueueDepth.WithLabelValues(t.Priority.String()).Inc()
}

// pop removes the oldest task from the highest non-empty tier.
func (q *tierQueue) pop() *Task {
	for p := PriorityUrgent; p >= PriorityLow; p-- {
		tier := q.tiers[p]
		if len(tier) == 0 {
			continue
		}
		t := tier[0]
		q.tiers[p] = tier[1:]
		metrics.TaskQueueDepth.WithLabelValues(p.String()).Dec()
		return t
	}
	return nil
}

// remove deletes a queued task by id, preserving FIFO order of the rest.
func (q *tierQueue) remove(id string) *Task {
	for p := PriorityUrgent; p >= PriorityLow; p-- {
		for i, t := range q.tiers[p] {
			if t.ID != id {
				continue
			}
			q.tiers[p] = append(q.tiers[p][:i], q.tiers[p][i+1:]...)
			metrics.TaskQueueDepth.WithLabelValues(p.String()).Dec()
			return t
		}
	}
	return nil
}

// promoteStarved moves every task waiting longer than maxWait one tier up,
// resetting its wait clock. Returns the number promoted.
func (q *tierQueue) promoteStarved(maxWait time.Duration, now time.Time) int {
	promoted := 0
	for p := PriorityHigh; p >= PriorityLow; p-- {
		var keep []*Task
		for _, t := range q.tiers[p] {
			if now.Sub(t.enqueuedAt) <= maxWait {
				keep = append(keep, t)
				continue
			}
			t.Priority = p.promote()
			t.PriorityName = t.Priority.String()
			t.enqueuedAt = now
			q.tiers[t.Priority] = append(q.tiers[t.Priority], t)
			metrics.TaskQueueDepth.WithLabelValues(p.String()).Dec()
			metrics.TaskQueueDepth.WithLabelValues(t.Priority.String()).Inc()
			metrics.TasksPromoted.Inc()
			promoted++
		}
		q.tiers[p] = keep
	}
	return promoted
}

func (q *tierQueue) len() int {
	n := 0
	for _, tier := range q.tiers {
		n += len(tier)
	}
	return n
}

func (q *tierQueue) depths() map[string]int {
	d := make(map[string]int, len(q.tiers))
	for p := PriorityLow; p <= PriorityUrgent; p++ {
		d[p.String()] = len(q.tiers[p])
	}
	return d
}
