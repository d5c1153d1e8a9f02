package queue

import (
	"context"
)

// MemoryQueue is a channel-backed queue for single-process deployments where the
// server runs embedded workers. Messages do not survive a restart.
type MemoryQueue struct {
	ch chan Message
}

func NewMemoryQueue(capacity int) *MemoryQueue {
	if capacity <= 0 {
		capacity = 100
	}
	return &MemoryQueue{ch: make(chan Message, capacity)}
}

// Enqueue adds a message without blocking. It returns ErrQueueFull when the buffer is full.
func (q *MemoryQueue) Enqueue(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case q.ch <- msg:
		return nil
	default:
		return ErrQueueFull
	}
}

func (q *MemoryQueue) Dequeue(ctx context.Context) (*Delivery, error) {
	select {
	case msg := <-q.ch:
		return &Delivery{Message: msg}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (q *MemoryQueue) Ack(context.Context, *Delivery) error { return nil }

func (q *MemoryQueue) Nack(ctx context.Context, d *Delivery) error {
	msg := d.Message
	msg.Attempt++
	return q.Enqueue(ctx, msg)
}

// RequeueExpired is a no-op: an in-process consumer cannot die without the queue.
func (q *MemoryQueue) RequeueExpired(context.Context) (int, error) { return 0, nil }

// Len returns the number of buffered messages.
func (q *MemoryQueue) Len() int { return len(q.ch) }

var _ Queue = (*MemoryQueue)(nil)
