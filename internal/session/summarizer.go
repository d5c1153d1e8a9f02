package session

import (
	"context"
	"fmt"
	"strings"

	"github.com/kiranshivaraju/lawsignal/pkg/models"
)

const summarySystemPrompt = `You are an expert at synthesizing equity research conversations.
Summarize the prior discussion in at most 3 sentences. Focus on key theses, the stocks analyzed and the primary conclusions.
Be concise and institutional in tone. Respond only with the summary, no preamble.`

// AISummarizer summarizes conversation pairs with the inference provider.
type AISummarizer struct {
	provider models.AIProvider
}

func NewAISummarizer(provider models.AIProvider) *AISummarizer {
	return &AISummarizer{provider: provider}
}

func (s *AISummarizer) Summarize(ctx context.Context, older []Pair) (string, error) {
	if len(older) == 0 {
		return "", nil
	}

	var sb strings.Builder
	sb.WriteString("Summarize this prior conversation:\n")
	for i, p := range older {
		fmt.Fprintf(&sb, "\nMessage %d:\nUser: %s\nAssistant: %s\n", i+1, p.User, p.Assistant)
	}

	resp, err := s.provider.Complete(ctx, models.CompletionRequest{
		System:    summarySystemPrompt,
		Messages:  []models.ChatMessage{{Role: models.RoleUser, Content: sb.String()}},
		MaxTokens: 300,
	})
	if err != nil {
		return "", fmt.Errorf("summarizing conversation: %w", err)
	}
	return strings.TrimSpace(resp.Content), nil
}
