package queue_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/lawsignal/internal/jobstatus"
	"github.com/kiranshivaraju/lawsignal/internal/jobstatus/mock"
	"github.com/kiranshivaraju/lawsignal/internal/queue"
	"github.com/kiranshivaraju/lawsignal/pkg/models"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// --- mock Queue ---

type failingQueue struct {
	queue.MemoryQueue
	err error
}

func (q *failingQueue) Enqueue(context.Context, queue.Message) error { return q.err }

// --- Dispatcher ---

func TestSubmit_WritesQueuedThenEnqueues(t *testing.T) {
	st := mock.NewStore()
	q := queue.NewMemoryQueue(4)
	d := queue.NewDispatcher(q, st)
	ctx := context.Background()

	id, err := d.Submit(ctx, models.TaskAnalyse, map[string]any{"document_type": "txt"},
		queue.WithMetadata("law_title", "Climate Act"))
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, id)

	rec, err := st.GetStatus(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusQueued, rec.Status)
	assert.Equal(t, models.StageWaitingInQueue, rec.Stage())
	assert.Equal(t, "Climate Act", rec.Metadata["law_title"])
	assert.Equal(t, 60, rec.Metadata["estimated_wait_seconds"])
	assert.Equal(t, models.TaskAnalyse, rec.TaskType)

	del, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, id, del.Message.JobID)
	assert.Equal(t, models.TaskAnalyse, del.Message.TaskType)
	assert.JSONEq(t, `{"document_type":"txt"}`, string(del.Message.Payload))
	assert.False(t, del.Message.QueuedAt.IsZero())
}

func TestSubmit_UnknownTaskType(t *testing.T) {
	st := mock.NewStore()
	d := queue.NewDispatcher(queue.NewMemoryQueue(1), st)

	_, err := d.Submit(context.Background(), "reticulate", map[string]any{})
	assert.ErrorIs(t, err, queue.ErrUnknownTaskType)
}

func TestSubmit_UnserializablePayload(t *testing.T) {
	d := queue.NewDispatcher(queue.NewMemoryQueue(1), mock.NewStore())

	_, err := d.Submit(context.Background(), models.TaskLookup, map[string]any{"fn": func() {}})
	assert.ErrorIs(t, err, queue.ErrInvalidPayload)
}

func TestSubmit_EnqueueFailureMarksJobFailed(t *testing.T) {
	st := mock.NewStore()
	d := queue.NewDispatcher(&failingQueue{err: errors.New("broker down")}, st)
	ctx := context.Background()

	id, err := d.Submit(ctx, models.TaskLookup, map[string]any{"x": 1})
	require.ErrorIs(t, err, queue.ErrEnqueueFailed)
	require.NotEqual(t, uuid.Nil, id)

	history := st.History(id)
	require.Len(t, history, 2)
	assert.Equal(t, models.JobStatusQueued, history[0].Status)
	assert.Equal(t, models.JobStatusFailed, history[1].Status)
	assert.Equal(t, models.StageQueueFailed, history[1].Stage())
	assert.Contains(t, history[1].Error(), "broker down")
}

func TestSubmit_StatusWriteFailureDoesNotEnqueue(t *testing.T) {
	st := mock.NewStore()
	st.PutStatusErr = func(models.JobStatus, map[string]any) error { return errors.New("db down") }
	q := queue.NewMemoryQueue(1)
	d := queue.NewDispatcher(q, st)

	_, err := d.Submit(context.Background(), models.TaskAnalyse, map[string]any{})
	require.Error(t, err)
	assert.Equal(t, 0, q.Len())
}

func TestSubmit_DuplicateJobIDIsRejected(t *testing.T) {
	st := mock.NewStore()
	q := queue.NewMemoryQueue(4)
	d := queue.NewDispatcher(q, st)
	id := uuid.New()
	queue.SetIDFunc(d, func() uuid.UUID { return id })
	ctx := context.Background()

	first, err := d.Submit(ctx, models.TaskDecision, map[string]any{"a": 1})
	require.NoError(t, err)
	require.Equal(t, id, first)

	_, err = d.Submit(ctx, models.TaskDecision, map[string]any{"a": 2})
	require.ErrorIs(t, err, jobstatus.ErrDuplicateJob)

	assert.Equal(t, 1, q.Len())
	history := st.History(id)
	require.Len(t, history, 1)
	assert.Equal(t, models.JobStatusQueued, history[0].Status)
}

// --- MemoryQueue ---

func TestMemoryQueue_Full(t *testing.T) {
	q := queue.NewMemoryQueue(1)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, queue.Message{JobID: uuid.New()}))
	assert.ErrorIs(t, q.Enqueue(ctx, queue.Message{JobID: uuid.New()}), queue.ErrQueueFull)
}

func TestMemoryQueue_DequeueHonoursContext(t *testing.T) {
	q := queue.NewMemoryQueue(1)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := q.Dequeue(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestMemoryQueue_NackRedelivers(t *testing.T) {
	q := queue.NewMemoryQueue(2)
	ctx := context.Background()
	id := uuid.New()
	require.NoError(t, q.Enqueue(ctx, queue.Message{JobID: id}))

	d, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NoError(t, q.Nack(ctx, d))

	again, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, id, again.Message.JobID)
	assert.Equal(t, 1, again.Message.Attempt)
}

// --- RedisQueue (integration) ---

func setupRedis(t *testing.T) *redis.Client {
	t.Helper()
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(30 * time.Second),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, container.Terminate(ctx)) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "6379")
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{Addr: host + ":" + port.Port()})
	t.Cleanup(func() { client.Close() })
	return client
}

func TestRedisQueue_EnqueueDequeueAck(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	q := queue.NewRedisQueue(setupRedis(t), "test", time.Minute)
	ctx := context.Background()

	first, second := uuid.New(), uuid.New()
	require.NoError(t, q.Enqueue(ctx, queue.Message{JobID: first, TaskType: models.TaskAnalyse, Payload: json.RawMessage(`{}`)}))
	require.NoError(t, q.Enqueue(ctx, queue.Message{JobID: second, TaskType: models.TaskAnalyse, Payload: json.RawMessage(`{}`)}))

	d, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, first, d.Message.JobID, "FIFO order")

	pending, inFlight, err := q.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), pending)
	assert.Equal(t, int64(1), inFlight)

	require.NoError(t, q.Ack(ctx, d))
	_, inFlight, err = q.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), inFlight)
}

func TestRedisQueue_ExpiredLeaseIsRedelivered(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	q := queue.NewRedisQueue(setupRedis(t), "lease", -time.Second)
	ctx := context.Background()
	id := uuid.New()

	require.NoError(t, q.Enqueue(ctx, queue.Message{JobID: id, TaskType: models.TaskLookup, Payload: json.RawMessage(`{}`)}))

	// Consumer takes the message and "crashes" without acking.
	_, err := q.Dequeue(ctx)
	require.NoError(t, err)

	n, err := q.RequeueExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	again, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, id, again.Message.JobID)
	assert.Equal(t, 1, again.Message.Attempt)
}

func TestRedisQueue_AckedMessageIsNotRedelivered(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	q := queue.NewRedisQueue(setupRedis(t), "acked", -time.Second)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, queue.Message{JobID: uuid.New(), Payload: json.RawMessage(`{}`)}))
	d, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.NoError(t, q.Ack(ctx, d))

	n, err := q.RequeueExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestRedisQueue_DequeueHonoursContext(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	q := queue.NewRedisQueue(setupRedis(t), "empty", time.Minute)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := q.Dequeue(ctx)
	assert.Error(t, err)
}
