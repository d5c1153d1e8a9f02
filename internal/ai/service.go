package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/kiranshivaraju/lawsignal/pkg/models"
)

// Service wraps a provider with the per-call inference timeout and call logging.
// It is itself a models.AIProvider so callers never see the difference.
type Service struct {
	provider models.AIProvider
	timeout  time.Duration
}

// NewService creates a new Service. A zero timeout leaves deadlines to the caller.
func NewService(provider models.AIProvider, timeout time.Duration) *Service {
	return &Service{provider: provider, timeout: timeout}
}

func (s *Service) Name() string { return s.provider.Name() }

func (s *Service) Complete(ctx context.Context, req models.CompletionRequest) (models.CompletionResponse, error) {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	start := time.Now()
	resp, err := s.provider.Complete(ctx, req)
	elapsed := time.Since(start)

	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) && !errors.Is(err, ErrInferenceTimeout) {
			err = fmt.Errorf("%w: %v", ErrInferenceTimeout, err)
		}
		slog.Error("inference call failed",
			"provider", s.provider.Name(),
			"schema", req.SchemaName,
			"duration_ms", elapsed.Milliseconds(),
			"error", err,
		)
		return models.CompletionResponse{}, err
	}

	slog.Info("inference call completed",
		"provider", s.provider.Name(),
		"model", resp.Model,
		"schema", req.SchemaName,
		"duration_ms", elapsed.Milliseconds(),
		"input_tokens", resp.Usage.InputTokens,
		"output_tokens", resp.Usage.OutputTokens,
	)
	return resp, nil
}

// CompleteJSON calls p and decodes the structured answer into out.
func CompleteJSON(ctx context.Context, p models.AIProvider, req models.CompletionRequest, out any) (models.CompletionResponse, error) {
	resp, err := p.Complete(ctx, req)
	if err != nil {
		return resp, err
	}
	if err := json.Unmarshal([]byte(stripFences(resp.Content)), out); err != nil {
		return resp, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	return resp, nil
}

// stripFences removes a surrounding ``` or ```json fence some models emit despite
// being asked for bare JSON.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

// TruncateString truncates s to maxBytes without splitting UTF-8 runes.
func TruncateString(s string, maxBytes int) string {
	if len(s) <= maxBytes {
		return s
	}
	for maxBytes > 0 && !utf8.RuneStart(s[maxBytes]) {
		maxBytes--
	}
	return s[:maxBytes]
}

var _ models.AIProvider = (*Service)(nil)
