package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"strings"
	"time"

	"github.com/kiranshivaraju/lawsignal/internal/ai"
	"github.com/kiranshivaraju/lawsignal/internal/worker"
	"github.com/kiranshivaraju/lawsignal/pkg/models"
)

const decisionSystemPrompt = `You are a senior financial analyst specializing in investment strategy.
Summarize and interpret the market impact analysis you are given.

Objectives:
1. Summarize the overall market situation
2. Identify winning and losing sectors
3. Propose a clear and concise investment strategy
4. Highlight the main risks to monitor
5. Finish with a professional conclusion`

var validPromptModes = map[string]bool{"summary": true, "detailed": true, "executive": true}

// DecisionRequest is the payload of a decision job.
type DecisionRequest struct {
	AnalysisID    string         `json:"analysis_id,omitempty"`
	SP500Analysis map[string]any `json:"sp500_analysis"`
	PromptMode    string         `json:"prompt_mode,omitempty"`
	Language      string         `json:"language,omitempty"`
}

func (r *DecisionRequest) Validate() error {
	if len(r.SP500Analysis) == 0 {
		return errors.New("sp500_analysis is required")
	}
	if r.PromptMode == "" {
		r.PromptMode = "summary"
	}
	if !validPromptModes[r.PromptMode] {
		return fmt.Errorf("prompt_mode must be one of summary, detailed, executive; got %q", r.PromptMode)
	}
	if r.Language == "" {
		r.Language = "en"
	}
	return nil
}

// Synthesis is the model's strategic reading of an analysis.
type Synthesis struct {
	Summary         string            `json:"summary"`
	Recommendations string            `json:"recommendations"`
	Metadata        SynthesisMetadata `json:"metadata"`
}

type SynthesisMetadata struct {
	ModelUsed            string  `json:"model_used"`
	PromptMode           string  `json:"prompt_mode"`
	Language             string  `json:"language"`
	ExecutionTimeSeconds float64 `json:"execution_time_seconds"`
}

// DecisionResult is the result object of a decision job.
type DecisionResult struct {
	AnalysisID string         `json:"analysis_id"`
	Analysis   map[string]any `json:"analysis"`
	Saved      bool           `json:"saved"`
	ExpiresAt  time.Time      `json:"expires_at"`
}

// Decision synthesizes a recommendation and stores it for chat grounding.
type Decision struct {
	deps Deps
}

func (h *Decision) Handle(ctx context.Context, job worker.Job, p *worker.Progress) (worker.Outcome, error) {
	var req DecisionRequest
	if err := job.Decode(&req); err != nil {
		return worker.Outcome{}, worker.Fail(StageInvalidInput, err)
	}
	if err := req.Validate(); err != nil {
		return worker.Outcome{}, worker.Fail(StageInvalidInput, err)
	}
	analysisID := req.AnalysisID
	if analysisID == "" {
		analysisID = job.ID.String()
	}

	if err := p.Stage(ctx, StageCallingModel, 40, map[string]any{"analysis_id": analysisID}); err != nil {
		return worker.Outcome{}, err
	}
	start := time.Now()
	body, err := json.MarshalIndent(req.SP500Analysis, "", "  ")
	if err != nil {
		return worker.Outcome{}, worker.Fail(StageCallingModel, fmt.Errorf("encode analysis: %w", err))
	}
	resp, err := h.deps.AI.Complete(ctx, models.CompletionRequest{
		System: decisionSystemPrompt,
		Messages: []models.ChatMessage{{
			Role: models.RoleUser,
			Content: fmt.Sprintf("Mode: %s\nLanguage: %s\n\nAnalysis to interpret:\n%s",
				req.PromptMode, req.Language, ai.TruncateString(string(body), maxPromptBytes)),
		}},
		MaxTokens: 1000,
	})
	if err != nil {
		return worker.Outcome{}, worker.Fail(StageCallingModel, err)
	}
	text := strings.TrimSpace(resp.Content)
	if text == "" {
		return worker.Outcome{}, worker.Failf(StageCallingModel, "empty response from model")
	}

	analysis := maps.Clone(req.SP500Analysis)
	analysis["ai_synthesis"] = Synthesis{
		Summary:         "Strategic synthesis generated",
		Recommendations: text,
		Metadata: SynthesisMetadata{
			ModelUsed:            modelUsed(resp, h.deps.AI),
			PromptMode:           req.PromptMode,
			Language:             req.Language,
			ExecutionTimeSeconds: time.Since(start).Round(10 * time.Millisecond).Seconds(),
		},
	}

	if err := p.Stage(ctx, StageSavingAnalysis, 80, nil); err != nil {
		return worker.Outcome{}, err
	}
	// Round-trip through JSON so the stored map matches what readers decode.
	stored, err := toMap(analysis)
	if err != nil {
		return worker.Outcome{}, worker.Fail(StageSavingAnalysis, err)
	}
	now := h.deps.now()
	saved := &models.SavedAnalysis{
		AnalysisID: analysisID,
		Analysis:   stored,
		CreatedAt:  now,
		ExpiresAt:  now.Add(h.deps.AnalysisTTL),
	}
	if err := h.deps.Analyses.SaveAnalysis(ctx, saved); err != nil {
		return worker.Outcome{}, worker.Fail(StageSavingAnalysis, err)
	}
	job.Logger.Info("analysis saved", "analysis_id", analysisID, "expires_at", saved.ExpiresAt)

	return worker.Outcome{Result: DecisionResult{
		AnalysisID: analysisID,
		Analysis:   stored,
		Saved:      true,
		ExpiresAt:  saved.ExpiresAt,
	}}, nil
}

func toMap(v any) (map[string]any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode analysis: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("decode analysis: %w", err)
	}
	return m, nil
}
