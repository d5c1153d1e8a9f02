package worker_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/lawsignal/internal/jobstatus/mock"
	"github.com/kiranshivaraju/lawsignal/internal/queue"
	"github.com/kiranshivaraju/lawsignal/internal/worker"
	"github.com/kiranshivaraju/lawsignal/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func queued(t *testing.T, st *mock.Store, taskType string) queue.Message {
	t.Helper()
	id := uuid.New()
	require.NoError(t, st.PutStatus(context.Background(), id, models.JobStatusQueued, map[string]any{
		"stage": models.StageWaitingInQueue, "progress": 0, "task_type": taskType,
	}))
	return queue.Message{JobID: id, TaskType: taskType, Payload: json.RawMessage(`{"n":1}`)}
}

func threeStages(result any) worker.HandlerFunc {
	return func(ctx context.Context, job worker.Job, p *worker.Progress) (worker.Outcome, error) {
		for i, stage := range []string{"one", "two", "three"} {
			if err := p.Stage(ctx, stage, (i+1)*25, nil); err != nil {
				return worker.Outcome{}, err
			}
		}
		return worker.Outcome{Result: result}, nil
	}
}

func TestRun_CompletesWithMonotonicHistory(t *testing.T) {
	st := mock.NewStore()
	msg := queued(t, st, models.TaskAnalyse)
	r := worker.NewRunner(st, worker.Registry{models.TaskAnalyse: threeStages(map[string]any{"ok": true})}, nil)

	require.NoError(t, r.Run(context.Background(), msg))

	history := st.History(msg.JobID)
	require.Len(t, history, 5)
	for i := 1; i < len(history); i++ {
		assert.GreaterOrEqual(t, history[i].Status.Rank(), history[i-1].Status.Rank())
		assert.GreaterOrEqual(t, history[i].Progress(), history[i-1].Progress())
	}
	last := history[len(history)-1]
	assert.Equal(t, models.JobStatusCompleted, last.Status)
	assert.Equal(t, models.StageComplete, last.Stage())
	assert.Equal(t, 100, last.Progress())

	res, err := st.GetResult(context.Background(), msg.JobID)
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(res))
}

func TestRun_StageErrorFailsAtThatStageWithoutResult(t *testing.T) {
	st := mock.NewStore()
	msg := queued(t, st, models.TaskAnalyse)
	h := worker.HandlerFunc(func(ctx context.Context, job worker.Job, p *worker.Progress) (worker.Outcome, error) {
		require.NoError(t, p.Stage(ctx, "calling_inference_model", 40, nil))
		return worker.Outcome{}, worker.Fail("calling_inference_model", errors.New("model unavailable"))
	})
	r := worker.NewRunner(st, worker.Registry{models.TaskAnalyse: h}, nil)

	require.NoError(t, r.Run(context.Background(), msg))

	rec, err := st.GetStatus(context.Background(), msg.JobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, rec.Status)
	assert.Equal(t, "calling_inference_model", rec.Stage())
	assert.Equal(t, "model unavailable", rec.Error())
	assert.Equal(t, 40, rec.Progress())
	assert.False(t, st.HasResult(msg.JobID))
	assert.Len(t, st.History(msg.JobID), 3)
}

func TestRun_PlainErrorUsesCurrentStage(t *testing.T) {
	st := mock.NewStore()
	msg := queued(t, st, models.TaskLookup)
	h := worker.HandlerFunc(func(ctx context.Context, _ worker.Job, p *worker.Progress) (worker.Outcome, error) {
		_ = p.Stage(ctx, "querying_database", 25, nil)
		return worker.Outcome{}, errors.New("connection reset")
	})
	r := worker.NewRunner(st, worker.Registry{models.TaskLookup: h}, nil)

	require.NoError(t, r.Run(context.Background(), msg))

	rec, _ := st.GetStatus(context.Background(), msg.JobID)
	assert.Equal(t, "querying_database", rec.Stage())
	assert.Equal(t, "connection reset", rec.Error())
}

func TestRun_TerminalJobIsSkipped(t *testing.T) {
	st := mock.NewStore()
	msg := queued(t, st, models.TaskEnhance)
	calls := 0
	h := worker.HandlerFunc(func(context.Context, worker.Job, *worker.Progress) (worker.Outcome, error) {
		calls++
		return worker.Outcome{Result: []string{}}, nil
	})
	r := worker.NewRunner(st, worker.Registry{models.TaskEnhance: h}, nil)

	require.NoError(t, r.Run(context.Background(), msg))
	require.NoError(t, r.Run(context.Background(), msg))

	assert.Equal(t, 1, calls)
	assert.Len(t, st.History(msg.JobID), 2)
}

func TestRun_FailedRetryClearsEarlierResult(t *testing.T) {
	st := mock.NewStore()
	ctx := context.Background()
	msg := queued(t, st, models.TaskDecision)
	// An earlier attempt wrote its result and died before marking completed.
	require.NoError(t, st.PutResult(ctx, msg.JobID, json.RawMessage(`{"analysis_id":"stale"}`)))

	h := worker.HandlerFunc(func(context.Context, worker.Job, *worker.Progress) (worker.Outcome, error) {
		return worker.Outcome{}, worker.Fail("synthesizing", errors.New("model unavailable"))
	})
	r := worker.NewRunner(st, worker.Registry{models.TaskDecision: h}, nil)

	require.NoError(t, r.Run(ctx, msg))

	rec, err := st.GetStatus(ctx, msg.JobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, rec.Status)
	assert.False(t, st.HasResult(msg.JobID))
}

func TestRun_ResultClearFailureIsRetriedOnRedelivery(t *testing.T) {
	st := mock.NewStore()
	ctx := context.Background()
	msg := queued(t, st, models.TaskDecision)
	require.NoError(t, st.PutResult(ctx, msg.JobID, json.RawMessage(`{"analysis_id":"stale"}`)))
	st.DeleteResultErr = errors.New("db down")

	h := worker.HandlerFunc(func(context.Context, worker.Job, *worker.Progress) (worker.Outcome, error) {
		return worker.Outcome{}, errors.New("boom")
	})
	r := worker.NewRunner(st, worker.Registry{models.TaskDecision: h}, nil)

	require.Error(t, r.Run(ctx, msg))
	assert.True(t, st.HasResult(msg.JobID))

	st.DeleteResultErr = nil
	require.NoError(t, r.Run(ctx, msg))
	assert.False(t, st.HasResult(msg.JobID))
}

func TestRun_UnknownTaskTypeFailsAtDispatch(t *testing.T) {
	st := mock.NewStore()
	msg := queued(t, st, "reticulate")
	r := worker.NewRunner(st, worker.Registry{}, nil)

	require.NoError(t, r.Run(context.Background(), msg))

	rec, _ := st.GetStatus(context.Background(), msg.JobID)
	assert.Equal(t, models.JobStatusFailed, rec.Status)
	assert.Equal(t, models.StageDispatch, rec.Stage())
}

func TestRun_PanicBecomesProcessingError(t *testing.T) {
	st := mock.NewStore()
	msg := queued(t, st, models.TaskDecision)
	h := worker.HandlerFunc(func(ctx context.Context, _ worker.Job, p *worker.Progress) (worker.Outcome, error) {
		_ = p.Stage(ctx, "calling_inference_model", 40, nil)
		var m map[string]int
		m["boom"] = 1
		return worker.Outcome{}, nil
	})
	r := worker.NewRunner(st, worker.Registry{models.TaskDecision: h}, nil)

	require.NoError(t, r.Run(context.Background(), msg))

	rec, _ := st.GetStatus(context.Background(), msg.JobID)
	assert.Equal(t, models.JobStatusFailed, rec.Status)
	assert.Equal(t, models.StageProcessingError, rec.Stage())
	assert.Contains(t, rec.Error(), "panicked")
	assert.False(t, st.HasResult(msg.JobID))
}

func TestRun_EmptyOutcomeWithMessageCompletes(t *testing.T) {
	st := mock.NewStore()
	msg := queued(t, st, models.TaskLookup)
	h := worker.HandlerFunc(func(context.Context, worker.Job, *worker.Progress) (worker.Outcome, error) {
		return worker.Outcome{
			Result:  map[string]any{"companies": []any{}},
			Message: "No matching companies found",
		}, nil
	})
	r := worker.NewRunner(st, worker.Registry{models.TaskLookup: h}, nil)

	require.NoError(t, r.Run(context.Background(), msg))

	rec, _ := st.GetStatus(context.Background(), msg.JobID)
	assert.Equal(t, models.JobStatusCompleted, rec.Status)
	assert.Equal(t, "No matching companies found", rec.Metadata["message"])
	res, err := st.GetResult(context.Background(), msg.JobID)
	require.NoError(t, err)
	assert.JSONEq(t, `{"companies":[]}`, string(res))
}

func TestRun_ResultWriteFailureLeavesJobOpen(t *testing.T) {
	st := mock.NewStore()
	st.PutResultErr = errors.New("disk full")
	msg := queued(t, st, models.TaskAnalyse)
	r := worker.NewRunner(st, worker.Registry{models.TaskAnalyse: threeStages("x")}, nil)

	err := r.Run(context.Background(), msg)
	require.Error(t, err)

	rec, _ := st.GetStatus(context.Background(), msg.JobID)
	assert.Equal(t, models.JobStatusProcessing, rec.Status, "completed must never precede the result")
}

func TestRun_CancelledContextIsInterrupted(t *testing.T) {
	st := mock.NewStore()
	msg := queued(t, st, models.TaskAnalyse)
	ctx, cancel := context.WithCancel(context.Background())
	h := worker.HandlerFunc(func(ctx context.Context, _ worker.Job, _ *worker.Progress) (worker.Outcome, error) {
		cancel()
		return worker.Outcome{}, ctx.Err()
	})
	r := worker.NewRunner(st, worker.Registry{models.TaskAnalyse: h}, nil)

	err := r.Run(ctx, msg)
	assert.ErrorIs(t, err, worker.ErrInterrupted)

	rec, _ := st.GetStatus(context.Background(), msg.JobID)
	assert.Equal(t, models.JobStatusQueued, rec.Status)
}

func TestJobDecode(t *testing.T) {
	var v struct{ N int }
	require.NoError(t, worker.Job{Payload: json.RawMessage(`{"n":3}`)}.Decode(&v))
	assert.Equal(t, 3, v.N)

	assert.Error(t, worker.Job{TaskType: "x", Payload: json.RawMessage(`[`)}.Decode(&v))
}
