package scheduler

import "container/heap"

// taskQueue is a priority heap of scheduled tasks. Ordering: higher
// priority first; within a priority band, earlier submission first (FIFO,
// enforced by a monotonic sequence number so equal timestamps cannot
// reorder).
type taskQueue struct {
	items []*ScheduledTask
	seq   uint64
}

func newTaskQueue() *taskQueue {
	return &taskQueue{}
}

// Len implements heap.Interface.
func (q *taskQueue) Len() int { return len(q.items) }

// Less implements heap.Interface.
func (q *taskQueue) Less(i, j int) bool {
	a, b := q.items[i], q.items[j]
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	return a.seq < b.seq
}

// Swap implements heap.Interface.
func (q *taskQueue) Swap(i, j int) {
	q.items[i], q.items[j] = q.items[j], q.items[i]
	q.items[i].heapIndex = i
	q.items[j].heapIndex = j
}

// Push implements heap.Interface. Use push() instead.
func (q *taskQueue) Push(x any) {
	st := x.(*ScheduledTask)
	st.heapIndex = len(q.items)
	q.items = append(q.items, st)
}

// Pop implements heap.Interface. Use pop() instead.
func (q *taskQueue) Pop() any {
	old := q.items
	n := len(old)
	st := old[n-1]
	old[n-1] = nil
	st.heapIndex = -1
	q.items = old[:n-1]
	return st
}

// push enqueues a task, stamping its submission sequence.
func (q *taskQueue) push(st *ScheduledTask) {
	q.seq++
	st.seq = q.seq
	heap.Push(q, st)
}

// pop removes and returns the highest-ordered task, or nil if empty.
func (q *taskQueue) pop() *ScheduledTask {
	if len(q.items) == 0 {
		return nil
	}
	return heap.Pop(q).(*ScheduledTask)
}

// peek returns the highest-ordered task without removing it.
func (q *taskQueue) peek() *ScheduledTask {
	if len(q.items) == 0 {
		return nil
	}
	return q.items[0]
}

// removeByID removes one task from anywhere in the heap. Returns the
// removed task, or nil if no task with that id is queued.
func (q *taskQueue) removeByID(taskID string) *ScheduledTask {
	for _, st := range q.items {
		if st.Task.ID == taskID {
			removed := heap.Remove(q, st.heapIndex).(*ScheduledTask)
			return removed
		}
	}
	return nil
}

// requeue puts a previously-popped task back without advancing its
// sequence, preserving its original FIFO position within the band.
func (q *taskQueue) requeue(st *ScheduledTask) {
	heap.Push(q, st)
}
