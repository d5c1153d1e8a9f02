package ai_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kiranshivaraju/lawsignal/internal/ai"
	"github.com/kiranshivaraju/lawsignal/internal/ai/mock"
	"github.com/kiranshivaraju/lawsignal/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type verdict struct {
	Summary string  `json:"summary"`
	Score   float64 `json:"score"`
}

func textProvider(content string) *mock.MockProvider {
	return &mock.MockProvider{
		Name_: "mock",
		CompleteFunc: func(context.Context, models.CompletionRequest) (models.CompletionResponse, error) {
			return models.CompletionResponse{Content: content, Model: "mock-v1"}, nil
		},
	}
}

// --- Service ---

func TestService_AppliesTimeout(t *testing.T) {
	svc := ai.NewService(mock.NewTimeoutProvider(), 30*time.Millisecond)

	start := time.Now()
	_, err := svc.Complete(context.Background(), models.CompletionRequest{})
	assert.ErrorIs(t, err, ai.ErrInferenceTimeout)
	assert.Less(t, time.Since(start), time.Second)
}

func TestService_MapsDeadlineToTimeout(t *testing.T) {
	p := &mock.MockProvider{
		Name_: "slow",
		CompleteFunc: func(ctx context.Context, _ models.CompletionRequest) (models.CompletionResponse, error) {
			<-ctx.Done()
			return models.CompletionResponse{}, errors.New("connection reset")
		},
	}
	_, err := ai.NewService(p, 20*time.Millisecond).Complete(context.Background(), models.CompletionRequest{})
	assert.ErrorIs(t, err, ai.ErrInferenceTimeout)
}

func TestService_PassesThroughErrors(t *testing.T) {
	svc := ai.NewService(mock.NewFailingProvider(ai.ErrProviderUnavailable), time.Second)

	_, err := svc.Complete(context.Background(), models.CompletionRequest{})
	assert.ErrorIs(t, err, ai.ErrProviderUnavailable)
	assert.Equal(t, "mock-failing", svc.Name())
}

// --- CompleteJSON ---

func TestCompleteJSON_Decodes(t *testing.T) {
	var out verdict
	_, err := ai.CompleteJSON(context.Background(), textProvider(`{"summary":"fine","score":0.5}`), models.CompletionRequest{}, &out)
	require.NoError(t, err)
	assert.Equal(t, "fine", out.Summary)
	assert.InDelta(t, 0.5, out.Score, 1e-9)
}

func TestCompleteJSON_StripsCodeFence(t *testing.T) {
	var out verdict
	_, err := ai.CompleteJSON(context.Background(), textProvider("```json\n{\"summary\":\"fenced\"}\n```"), models.CompletionRequest{}, &out)
	require.NoError(t, err)
	assert.Equal(t, "fenced", out.Summary)
}

func TestCompleteJSON_InvalidJSON(t *testing.T) {
	var out verdict
	_, err := ai.CompleteJSON(context.Background(), textProvider("I think the law is fine."), models.CompletionRequest{}, &out)
	assert.ErrorIs(t, err, ai.ErrInvalidResponse)
}

// --- TruncateString ---

func TestTruncateString(t *testing.T) {
	assert.Equal(t, "hello", ai.TruncateString("hello", 10))
	assert.Equal(t, "hel", ai.TruncateString("hello", 3))
	// "é" is two bytes; cutting inside it must back off to the rune start.
	assert.Equal(t, "caf", ai.TruncateString("café", 4))
}
