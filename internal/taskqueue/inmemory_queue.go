package taskqueue

import (
	"container/heap"
	"context"
	"sync"
	"time"
)

// InMemoryQueue is a Queue kept in process memory. Tasks are ordered by
// NotBefore, then by enqueue order. It is safe for concurrent use.
type InMemoryQueue struct {
	mu     sync.Mutex
	items  taskHeap
	queued map[string]*heapItem
	seq    uint64
	notify chan struct{}
}

// NewInMemoryQueue creates a new queue. capacity is a sizing hint; the
// queue grows beyond it as needed.
func NewInMemoryQueue(capacity int) *InMemoryQueue {
	if capacity <= 0 {
		capacity = 1024
	}
	return &InMemoryQueue{
		items:  make(taskHeap, 0, capacity),
		queued: make(map[string]*heapItem, capacity),
		notify: make(chan struct{}),
	}
}

// Ensure InMemoryQueue implements Queue.
var _ Queue = (*InMemoryQueue)(nil)

func (q *InMemoryQueue) Enqueue(ctx context.Context, t Task) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t = stamp(t, time.Now())

	q.mu.Lock()
	defer q.mu.Unlock()

	if t.ID != "" {
		if item, ok := q.queued[t.ID]; ok {
			if !t.NotBefore.Before(item.task.NotBefore) {
				return nil
			}
			item.task.NotBefore = t.NotBefore
			heap.Fix(&q.items, item.index)
		} else {
			q.seq++
			item := &heapItem{task: t, seq: q.seq}
			heap.Push(&q.items, item)
			q.queued[t.ID] = item
		}
	} else {
		q.seq++
		heap.Push(&q.items, &heapItem{task: t, seq: q.seq})
	}

	// Wake every waiting Dequeue; they re-check the head.
	close(q.notify)
	q.notify = make(chan struct{})
	return nil
}

func (q *InMemoryQueue) Dequeue(ctx context.Context) (*Task, error) {
	tmr := newStoppedTimer()
	defer tmr.Stop()

	for {
		q.mu.Lock()
		wake := q.notify
		var wait time.Duration = -1
		if len(q.items) > 0 {
			head := q.items[0]
			now := time.Now()
			if !head.task.NotBefore.After(now) {
				heap.Pop(&q.items)
				delete(q.queued, head.task.ID)
				q.mu.Unlock()
				t := head.task
				return &t, nil
			}
			wait = head.task.NotBefore.Sub(now)
		}
		q.mu.Unlock()

		if wait < 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-wake:
			}
			continue
		}

		tmr.Reset(wait)
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-wake:
			tmr.Stop()
		case <-tmr.C:
		}
	}
}

func (q *InMemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

type heapItem struct {
	task  Task
	seq   uint64
	index int
}

type taskHeap []*heapItem

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	a, b := h[i].task.NotBefore, h[j].task.NotBefore
	if !a.Equal(b) {
		return a.Before(b)
	}
	return h[i].seq < h[j].seq
}

func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *taskHeap) Push(x any) {
	item := x.(*heapItem)
	item.index = len(*h)
	*h = append(*h, item)
}

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}
