package openai

import (
	"context"
	"fmt"

	"github.com/kiranshivaraju/lawsignal/internal/ai/transport"
	"github.com/kiranshivaraju/lawsignal/internal/config"
	"github.com/kiranshivaraju/lawsignal/pkg/models"
)

const completionsPath = "/v1/chat/completions"

// Provider implements models.AIProvider against the OpenAI chat completions API.
// Ollama and vLLM expose the same API and reuse it through NewCompatible.
type Provider struct {
	name   string
	model  string
	client *transport.Client
}

func NewProvider(cfg config.OpenAIConfig) *Provider {
	return NewCompatible("openai", cfg.BaseURL, cfg.APIKey, cfg.Model)
}

// NewCompatible creates a provider for any server speaking the OpenAI chat completions API.
func NewCompatible(name, baseURL, apiKey, model string) *Provider {
	headers := map[string]string{}
	if apiKey != "" {
		headers["Authorization"] = "Bearer " + apiKey
	}
	return &Provider{
		name:   name,
		model:  model,
		client: transport.New(baseURL, headers),
	}
}

func (p *Provider) Name() string { return p.name }

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type jsonSchema struct {
	Name   string `json:"name"`
	Schema any    `json:"schema"`
	Strict bool   `json:"strict"`
}

type responseFormat struct {
	Type       string      `json:"type"`
	JSONSchema *jsonSchema `json:"json_schema,omitempty"`
}

type chatRequest struct {
	Model          string          `json:"model"`
	Messages       []chatMessage   `json:"messages"`
	MaxTokens      int             `json:"max_tokens,omitempty"`
	Temperature    float64         `json:"temperature"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message      chatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

func (p *Provider) Complete(ctx context.Context, req models.CompletionRequest) (models.CompletionResponse, error) {
	body := chatRequest{
		Model:       p.model,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}
	if req.System != "" {
		body.Messages = append(body.Messages, chatMessage{Role: "system", Content: req.System})
	}
	for _, m := range req.Messages {
		body.Messages = append(body.Messages, chatMessage{Role: m.Role, Content: m.Content})
	}
	if len(req.Schema) > 0 {
		name := req.SchemaName
		if name == "" {
			name = "response"
		}
		body.ResponseFormat = &responseFormat{
			Type:       "json_schema",
			JSONSchema: &jsonSchema{Name: name, Schema: req.Schema, Strict: true},
		}
	}

	var resp chatResponse
	if err := p.client.PostJSON(ctx, completionsPath, body, &resp); err != nil {
		return models.CompletionResponse{}, err
	}
	if len(resp.Choices) == 0 {
		return models.CompletionResponse{}, fmt.Errorf("%w: no choices", transport.ErrInvalidResponse)
	}

	model := resp.Model
	if model == "" {
		model = p.model
	}
	return models.CompletionResponse{
		Content: resp.Choices[0].Message.Content,
		Model:   model,
		Usage: models.Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		},
	}, nil
}

var _ models.AIProvider = (*Provider)(nil)
