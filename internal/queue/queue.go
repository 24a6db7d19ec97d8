// Package queue holds not-yet-executed commands in priority order.
//
// Dispatch order is strictly priority-first (smaller number = more urgent),
// FIFO within one priority band. The queue is bounded: a submission against
// a full queue fails fast with bridge.ErrQueueFull rather than blocking.
package queue

import (
	"container/heap"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/xAsh-Ai/droidflow/internal/bridge"
)

// Item is one queued command plus its submission identity.
type Item struct {
	ID      string
	Command *bridge.Command

	// seq breaks ties between commands created in the same instant.
	seq uint64
}

// Queue is a bounded priority queue, safe for concurrent use.
type Queue struct {
	mu    sync.Mutex
	max   int
	items itemHeap
	seq   uint64
}

// New creates a queue holding at most max commands.
func New(max int) *Queue {
	if max <= 0 {
		max = 1000
	}
	return &Queue{max: max}
}

// Enqueue adds a command and returns its generated id. Fails with
// bridge.ErrQueueFull at capacity; callers may retry or drop.
func (q *Queue) Enqueue(cmd *bridge.Command) (string, error) {
	id := uuid.NewString()
	if err := q.EnqueueWithID(id, cmd); err != nil {
		return "", err
	}
	return id, nil
}

// EnqueueWithID adds a command under a caller-chosen id, letting the caller
// set up completion tracking for the id before the command becomes visible
// to any dequeuer.
func (q *Queue) EnqueueWithID(id string, cmd *bridge.Command) error {
	if cmd == nil {
		return fmt.Errorf("command is nil")
	}
	if id == "" {
		return fmt.Errorf("command id is empty")
	}
	if len(cmd.Args) == 0 {
		return fmt.Errorf("command argv is empty")
	}
	if cmd.CreatedAt.IsZero() {
		cmd.CreatedAt = time.Now()
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) >= q.max {
		return bridge.ErrQueueFull
	}

	q.seq++
	heap.Push(&q.items, &Item{ID: id, Command: cmd, seq: q.seq})
	return nil
}

// TryDequeue removes and returns the highest-priority ready command, or nil
// when the queue is empty. Workers poll this on a short interval so pool
// shutdown stays responsive.
func (q *Queue) TryDequeue() *Item {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return nil
	}
	return heap.Pop(&q.items).(*Item)
}

// Len reports the number of pending commands.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Cap reports the queue capacity.
func (q *Queue) Cap() int { return q.max }

// itemHeap orders by (priority asc, created_at asc, seq asc).
type itemHeap []*Item

func (h itemHeap) Len() int { return len(h) }

func (h itemHeap) Less(i, j int) bool {
	a, b := h[i], h[j]
	if a.Command.Priority != b.Command.Priority {
		return a.Command.Priority < b.Command.Priority
	}
	if !a.Command.CreatedAt.Equal(b.Command.CreatedAt) {
		return a.Command.CreatedAt.Before(b.Command.CreatedAt)
	}
	return a.seq < b.seq
}

func (h itemHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *itemHeap) Push(x any) { *h = append(*h, x.(*Item)) }

func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}
