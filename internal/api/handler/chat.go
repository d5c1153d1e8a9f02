package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/kiranshivaraju/lawsignal/internal/ai"
	"github.com/kiranshivaraju/lawsignal/internal/api/response"
	"github.com/kiranshivaraju/lawsignal/internal/chat"
)

// ChatService answers chat messages. *chat.Service satisfies it.
type ChatService interface {
	Reply(ctx context.Context, analysisID, message string, bodyAnalysis map[string]any) (*chat.Reply, error)
}

type chatRequest struct {
	Message    string         `json:"message"`
	AnalysisID string         `json:"analysis_id"`
	Analysis   map[string]any `json:"analysis,omitempty"`
}

// NewChatHandler returns an http.HandlerFunc for POST /api/chat.
func NewChatHandler(svc ChatService) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req chatRequest
		if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
			return
		}
		if req.AnalysisID == "" {
			req.AnalysisID = r.Header.Get("analysisId")
		}
		if req.AnalysisID == "" {
			req.AnalysisID = r.Header.Get("analysis-id")
		}

		reply, err := svc.Reply(r.Context(), req.AnalysisID, req.Message, req.Analysis)
		if err != nil {
			switch {
			case errors.Is(err, chat.ErrMissingMessage), errors.Is(err, chat.ErrMissingAnalysisID):
				response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error(), nil)
			case errors.Is(err, ai.ErrProviderUnavailable):
				response.Error(w, http.StatusBadGateway, "AI_PROVIDER_UNAVAILABLE",
					"The AI provider is not available", nil)
			case errors.Is(err, ai.ErrInferenceTimeout):
				response.Error(w, http.StatusGatewayTimeout, "AI_INFERENCE_TIMEOUT",
					"The AI provider took too long to answer", nil)
			default:
				slog.Error("chat reply", "analysis_id", req.AnalysisID, "error", err)
				response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
					"An unexpected error occurred", nil)
			}
			return
		}

		response.JSON(w, reply)
	}
}
