package queue

import (
	"context"
	"sync"
)

// MemoryQueue is an in-process Queue. Tasks are lost on exit.
type MemoryQueue struct {
	mu     sync.RWMutex
	ch     chan Task
	closed bool
}

// NewMemoryQueue returns a queue holding up to size pending tasks.
func NewMemoryQueue(size int) *MemoryQueue {
	if size <= 0 {
		size = 64
	}
	return &MemoryQueue{ch: make(chan Task, size)}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, task Task) error {
	if err := task.Validate(); err != nil {
		return err
	}
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrClosed
	}
	select {
	case q.ch <- task:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *MemoryQueue) Receive(ctx context.Context) (*Delivery, error) {
	select {
	case task, ok := <-q.ch:
		if !ok {
			return nil, ErrClosed
		}
		return &Delivery{Task: task, receipt: task.ID}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (q *MemoryQueue) Ack(ctx context.Context, d *Delivery) error { return nil }

func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.ch)
	}
	return nil
}
