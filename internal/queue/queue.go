// Package queue carries job messages from the HTTP front to workers with
// at-least-once delivery.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrUnknownTaskType = errors.New("unknown task type")
	ErrInvalidPayload  = errors.New("payload is not serializable")
	ErrEnqueueFailed   = errors.New("enqueue failed")
	ErrQueueFull       = errors.New("queue full")
)

// Message is the wire format of one unit of work.
type Message struct {
	JobID    uuid.UUID       `json:"job_id"`
	TaskType string          `json:"task_type"`
	Payload  json.RawMessage `json:"payload"`
	QueuedAt time.Time       `json:"queued_at"`
	Attempt  int             `json:"attempt"`
}

// Delivery is a received message that must be acknowledged once processed.
// Unacknowledged deliveries are redelivered after their lease expires.
type Delivery struct {
	Message Message
	raw     string
}

// Queue is the transport between dispatcher and workers.
type Queue interface {
	Enqueue(ctx context.Context, msg Message) error
	// Dequeue blocks until a message is available or ctx is done.
	Dequeue(ctx context.Context) (*Delivery, error)
	Ack(ctx context.Context, d *Delivery) error
	// Nack returns the message to the queue immediately.
	Nack(ctx context.Context, d *Delivery) error
	// RequeueExpired redelivers messages whose consumer lease has expired.
	RequeueExpired(ctx context.Context) (int, error)
}
