package mock

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/kiranshivaraju/lawsignal/internal/ai"
	"github.com/kiranshivaraju/lawsignal/pkg/models"
)

// MockProvider satisfies models.AIProvider for testing.
type MockProvider struct {
	Name_        string
	CompleteFunc func(ctx context.Context, req models.CompletionRequest) (models.CompletionResponse, error)

	mu    sync.Mutex
	calls []models.CompletionRequest
}

func (m *MockProvider) Name() string { return m.Name_ }

func (m *MockProvider) Complete(ctx context.Context, req models.CompletionRequest) (models.CompletionResponse, error) {
	m.mu.Lock()
	m.calls = append(m.calls, req)
	m.mu.Unlock()

	if m.CompleteFunc != nil {
		return m.CompleteFunc(ctx, req)
	}
	return models.CompletionResponse{Content: "{}", Model: "mock-v1"}, nil
}

// Calls returns the requests received so far.
func (m *MockProvider) Calls() []models.CompletionRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.CompletionRequest(nil), m.calls...)
}

// NewMockProvider returns a MockProvider that answers every call with plain text.
func NewMockProvider() *MockProvider {
	return &MockProvider{
		Name_: "mock",
		CompleteFunc: func(_ context.Context, _ models.CompletionRequest) (models.CompletionResponse, error) {
			return models.CompletionResponse{Content: "Mock response for testing", Model: "mock-v1"}, nil
		},
	}
}

// NewJSONProvider answers schema-constrained calls with the JSON encoding of the
// value registered for req.SchemaName, and plain calls with text.
func NewJSONProvider(bySchema map[string]any) *MockProvider {
	return &MockProvider{
		Name_: "mock",
		CompleteFunc: func(_ context.Context, req models.CompletionRequest) (models.CompletionResponse, error) {
			v, ok := bySchema[req.SchemaName]
			if !ok {
				return models.CompletionResponse{Content: "Mock response for testing", Model: "mock-v1"}, nil
			}
			body, err := json.Marshal(v)
			if err != nil {
				return models.CompletionResponse{}, err
			}
			return models.CompletionResponse{Content: string(body), Model: "mock-v1"}, nil
		},
	}
}

// NewFailingProvider returns a MockProvider that always returns the given error.
func NewFailingProvider(err error) *MockProvider {
	return &MockProvider{
		Name_: "mock-failing",
		CompleteFunc: func(_ context.Context, _ models.CompletionRequest) (models.CompletionResponse, error) {
			return models.CompletionResponse{}, err
		},
	}
}

// NewTimeoutProvider returns a MockProvider that blocks until context is cancelled.
func NewTimeoutProvider() *MockProvider {
	return &MockProvider{
		Name_: "mock-timeout",
		CompleteFunc: func(ctx context.Context, _ models.CompletionRequest) (models.CompletionResponse, error) {
			<-ctx.Done()
			return models.CompletionResponse{}, ai.ErrInferenceTimeout
		},
	}
}

// Compile-time check that MockProvider implements AIProvider.
var _ models.AIProvider = (*MockProvider)(nil)
