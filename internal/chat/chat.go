// Package chat answers follow-up questions about a saved analysis, keeping a
// bounded conversation per analysis id.
package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kiranshivaraju/lawsignal/internal/ai"
	"github.com/kiranshivaraju/lawsignal/internal/session"
	"github.com/kiranshivaraju/lawsignal/internal/store"
	"github.com/kiranshivaraju/lawsignal/pkg/models"
)

// maxGroundingBytes caps the analysis embedded in the system prompt.
const maxGroundingBytes = 60_000

const systemPrompt = `You are an equity research assistant. You answer questions about a
regulatory impact analysis of listed companies.

Rules:
- Ground every answer in the analysis below; say so when it does not cover the question
- Quote tickers, sectors and scores exactly as they appear
- Be concise and professional
- Never give personalised financial advice`

var (
	ErrMissingMessage    = errors.New("message is required")
	ErrMissingAnalysisID = errors.New("analysis_id is required")
)

// AnalysisReader is the part of store.AnalysisStore chat needs.
type AnalysisReader interface {
	GetAnalysis(ctx context.Context, analysisID string) (*models.SavedAnalysis, error)
}

// Reply is the answer to one chat message.
type Reply struct {
	SessionID   string               `json:"session_id"`
	Response    string               `json:"response"`
	ChatHistory []models.ChatMessage `json:"chat_history"`
	Metadata    ReplyMetadata        `json:"metadata"`
}

type ReplyMetadata struct {
	ModelUsed            string    `json:"model_used"`
	ExecutionTimeSeconds float64   `json:"execution_time_seconds"`
	HistoryLength        int       `json:"history_length"`
	SessionCreatedAt     time.Time `json:"session_created_at"`
	LastUpdated          time.Time `json:"last_updated"`
	GroundingSource      string    `json:"grounding_source"`
}

// Grounding sources reported in ReplyMetadata.
const (
	GroundingSaved   = "saved_analysis"
	GroundingRequest = "request"
	GroundingSession = "session"
	GroundingNone    = "none"
)

type Service struct {
	provider models.AIProvider
	sessions *session.Manager
	analyses AnalysisReader
}

func NewService(provider models.AIProvider, sessions *session.Manager, analyses AnalysisReader) *Service {
	return &Service{provider: provider, sessions: sessions, analyses: analyses}
}

// Reply answers message within the session of analysisID. The conversation is
// grounded in the saved analysis when one exists, else in bodyAnalysis.
func (s *Service) Reply(ctx context.Context, analysisID, message string, bodyAnalysis map[string]any) (*Reply, error) {
	analysisID = strings.TrimSpace(analysisID)
	message = strings.TrimSpace(message)
	if analysisID == "" {
		return nil, ErrMissingAnalysisID
	}
	if message == "" {
		return nil, ErrMissingMessage
	}
	start := time.Now()

	grounding, source := s.grounding(ctx, analysisID, bodyAnalysis)
	sess, err := s.sessions.GetOrCreate(ctx, analysisID, grounding)
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	if source == GroundingNone && len(sess.Analysis) > 0 {
		source = GroundingSession
	}

	turn := s.sessions.BeginTurn(ctx, sess, message)
	resp, err := s.provider.Complete(ctx, models.CompletionRequest{
		System:      groundedPrompt(sess.Analysis),
		Messages:    turn.Window(),
		MaxTokens:   1000,
		Temperature: 0.3,
	})
	if err != nil {
		return nil, fmt.Errorf("chat inference: %w", err)
	}
	answer := strings.TrimSpace(resp.Content)
	if answer == "" {
		return nil, fmt.Errorf("chat inference: %w", ai.ErrInvalidResponse)
	}

	history, err := turn.Commit(ctx, answer)
	if err != nil {
		return nil, err
	}

	model := resp.Model
	if model == "" {
		model = s.provider.Name()
	}
	slog.Info("chat reply", "session_id", analysisID, "grounding", source, "history_length", len(history))
	return &Reply{
		SessionID:   sess.SessionID,
		Response:    answer,
		ChatHistory: history,
		Metadata: ReplyMetadata{
			ModelUsed:            model,
			ExecutionTimeSeconds: time.Since(start).Round(10 * time.Millisecond).Seconds(),
			HistoryLength:        len(history),
			SessionCreatedAt:     sess.CreatedAt,
			LastUpdated:          sess.UpdatedAt,
			GroundingSource:      source,
		},
	}, nil
}

func (s *Service) grounding(ctx context.Context, analysisID string, body map[string]any) (map[string]any, string) {
	if s.analyses != nil {
		saved, err := s.analyses.GetAnalysis(ctx, analysisID)
		switch {
		case err == nil && len(saved.Analysis) > 0:
			return saved.Analysis, GroundingSaved
		case err != nil && !errors.Is(err, store.ErrNotFound):
			slog.Warn("saved analysis unavailable, falling back", "analysis_id", analysisID, "error", err)
		}
	}
	if len(body) > 0 {
		return body, GroundingRequest
	}
	return nil, GroundingNone
}

func groundedPrompt(analysis map[string]any) string {
	if len(analysis) == 0 {
		return systemPrompt + "\n\nNo analysis is available for this conversation."
	}
	b, err := json.MarshalIndent(analysis, "", "  ")
	if err != nil {
		return systemPrompt
	}
	return systemPrompt + "\n\nAnalysis:\n" + ai.TruncateString(string(b), maxGroundingBytes)
}
