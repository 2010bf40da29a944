package scheduler

import (
	"sort"
	"sync"
	"time"

	v1 "github.com/taskforge/conductor/pkg/api/v1"
)

// QueuedTask is one task waiting for an admission decision.
type QueuedTask struct {
	Task         *v1.TaskNode
	Requirements []Requirement
	BasePriority int
	QueuedAt     time.Time
}

// Queue is the scheduler's aging priority queue (spec §4.5): nothing is
// evicted by time alone, but a task's effective priority climbs the
// longer it waits, so Dequeue re-sorts on every call instead of relying on
// a static heap ordering.
type Queue struct {
	mu          sync.Mutex
	items       []*QueuedTask
	agingRateMs int64
}

// NewQueue constructs a Queue with the given aging rate (spec's
// `current = base + wait/agingRateMs`; 0 disables aging).
func NewQueue(agingRateMs int64) *Queue {
	return &Queue{agingRateMs: agingRateMs}
}

// Enqueue appends a task; order among equal-priority entries is preserved
// by QueuedAt (earlier first) once reprioritized.
func (q *Queue) Enqueue(qt *QueuedTask) {
	if qt.QueuedAt.IsZero() {
		qt.QueuedAt = time.Now().UTC()
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, qt)
}

func (q *Queue) effectivePriority(qt *QueuedTask) int {
	if q.agingRateMs <= 0 {
		return qt.BasePriority
	}
	waited := time.Since(qt.QueuedAt).Milliseconds()
	return qt.BasePriority + int(waited/q.agingRateMs)
}

// reprioritizeLocked sorts items by descending effective priority,
// breaking ties by earliest QueuedAt. Caller must hold q.mu.
func (q *Queue) reprioritizeLocked() {
	sort.SliceStable(q.items, func(i, j int) bool {
		pi, pj := q.effectivePriority(q.items[i]), q.effectivePriority(q.items[j])
		if pi != pj {
			return pi > pj
		}
		return q.items[i].QueuedAt.Before(q.items[j].QueuedAt)
	})
}

// Dequeue reprioritizes the queue and returns the first task for which
// allow returns true, removing only that task. If no task in the queue
// currently passes allow, Dequeue returns nil and leaves the queue
// untouched — tasks are never evicted by time alone.
func (q *Queue) Dequeue(allow func(*QueuedTask) bool) *QueuedTask {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.reprioritizeLocked()
	for i, qt := range q.items {
		if allow(qt) {
			q.items = append(q.items[:i:i], q.items[i+1:]...)
			return qt
		}
	}
	return nil
}

// Remove drops a specific task from the queue by id.
func (q *Queue) Remove(taskID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, qt := range q.items {
		if qt.Task.ID == taskID {
			q.items = append(q.items[:i:i], q.items[i+1:]...)
			return true
		}
	}
	return false
}

// Len returns the number of queued tasks.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// List returns a snapshot of every queued task, in current priority order.
func (q *Queue) List() []*QueuedTask {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.reprioritizeLocked()
	out := make([]*QueuedTask, len(q.items))
	copy(out, q.items)
	return out
}
