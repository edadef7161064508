// Package queue implements the pool's priority task queue:
// highest priority first, stable FIFO within a priority level.
package queue

import (
	"container/heap"
	"sync"

	"github.com/swarmguard/workerpool/internal/task"
)

// TaskQueue is a priority queue of pending tasks. All methods are safe for
// concurrent use, though in practice the supervisor (WorkerPool) is the
// queue's sole caller.
type TaskQueue struct {
	mu   sync.Mutex
	heap taskHeap
	seq  int64
}

func New() *TaskQueue {
	q := &TaskQueue{}
	heap.Init(&q.heap)
	return q
}

// item wraps a task with the monotonically increasing sequence number used
// to break priority ties in submission order.
type item struct {
	t   *task.Task
	seq int64
}

type taskHeap []*item

func (h taskHeap) Len() int { return len(h) }
func (h taskHeap) Less(i, j int) bool {
	if h[i].t.Priority != h[j].t.Priority {
		return h[i].t.Priority < h[j].t.Priority
	}
	return h[i].seq < h[j].seq
}
func (h taskHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h *taskHeap) Push(x any)   { *h = append(*h, x.(*item)) }
func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}

// Enqueue adds t to the queue, preserving submission order among tasks of
// equal priority.
func (q *TaskQueue) Enqueue(t *task.Task) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.seq++
	heap.Push(&q.heap, &item{t: t, seq: q.seq})
}

// Dequeue removes and returns the highest-priority, earliest-submitted task,
// or nil if the queue is empty.
func (q *TaskQueue) Dequeue() *task.Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.heap.Len() == 0 {
		return nil
	}
	it := heap.Pop(&q.heap).(*item)
	return it.t
}

// Remove extracts the task with the given id, if present, and reports
// whether it was found. O(n).
func (q *TaskQueue) Remove(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, it := range q.heap {
		if it.t.ID == id {
			heap.Remove(&q.heap, i)
			return true
		}
	}
	return false
}

// DequeueMatching removes and returns the highest-priority, earliest
// submitted task for which pred reports true, leaving every task it has to
// skip over in place (and in its original relative order). Returns nil if
// no pending task matches.
func (q *TaskQueue) DequeueMatching(pred func(*task.Task) bool) *task.Task {
	q.mu.Lock()
	defer q.mu.Unlock()

	var skipped []*item
	var found *item
	for q.heap.Len() > 0 {
		it := heap.Pop(&q.heap).(*item)
		if pred(it.t) {
			found = it
			break
		}
		skipped = append(skipped, it)
	}
	for _, it := range skipped {
		heap.Push(&q.heap, it)
	}
	if found == nil {
		return nil
	}
	return found.t
}

func (q *TaskQueue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.heap.Len()
}

func (q *TaskQueue) IsEmpty() bool { return q.Size() == 0 }

// GetAll returns a snapshot of pending tasks in no particular order.
func (q *TaskQueue) GetAll() []*task.Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*task.Task, 0, len(q.heap))
	for _, it := range q.heap {
		out = append(out, it.t)
	}
	return out
}

func (q *TaskQueue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.heap = taskHeap{}
	heap.Init(&q.heap)
}
