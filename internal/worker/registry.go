// Package worker consumes queued jobs and drives them through their pipeline,
// recording every stage transition in the status store.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
)

// Job is the handler's view of a dequeued message.
type Job struct {
	ID       uuid.UUID
	TaskType string
	Payload  json.RawMessage
	Attempt  int
	Logger   *slog.Logger
}

// Decode unmarshals the job payload into v.
func (j Job) Decode(v any) error {
	if err := json.Unmarshal(j.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", j.TaskType, err)
	}
	return nil
}

// Outcome is what a handler hands back on success. Result becomes the job's
// result object; Message, when set, is copied into the completed status.
type Outcome struct {
	Result  any
	Message string
}

// Handler runs one pipeline. Returning a *StageError marks the job failed at
// that stage; any other error fails it at the stage last reported to Progress.
type Handler interface {
	Handle(ctx context.Context, job Job, progress *Progress) (Outcome, error)
}

// HandlerFunc adapts a plain function to Handler.
type HandlerFunc func(ctx context.Context, job Job, progress *Progress) (Outcome, error)

func (f HandlerFunc) Handle(ctx context.Context, job Job, progress *Progress) (Outcome, error) {
	return f(ctx, job, progress)
}

// Registry maps task types to their handlers. It is built once at startup and
// read-only afterwards.
type Registry map[string]Handler

// Lookup returns the handler for taskType.
func (r Registry) Lookup(taskType string) (Handler, bool) {
	h, ok := r[taskType]
	return h, ok
}

// StageError is a fatal processing error attributed to a pipeline stage.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// Fail wraps err as a StageError for stage.
func Fail(stage string, err error) error {
	return &StageError{Stage: stage, Err: err}
}

// Failf is Fail with a formatted message.
func Failf(stage, format string, args ...any) error {
	return &StageError{Stage: stage, Err: fmt.Errorf(format, args...)}
}
