package anthropic

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/kiranshivaraju/lawsignal/internal/ai/transport"
	"github.com/kiranshivaraju/lawsignal/internal/config"
	"github.com/kiranshivaraju/lawsignal/pkg/models"
)

const (
	messagesPath     = "/v1/messages"
	apiVersion       = "2023-06-01"
	defaultMaxTokens = 4096
)

// Provider implements models.AIProvider using the Anthropic messages API.
// Structured output is requested by forcing a single tool whose input schema is
// the requested schema.
type Provider struct {
	model  string
	client *transport.Client
}

func NewProvider(cfg config.AnthropicConfig) *Provider {
	return &Provider{
		model: cfg.Model,
		client: transport.New(cfg.BaseURL, map[string]string{
			"x-api-key":         cfg.APIKey,
			"anthropic-version": apiVersion,
		}),
	}
}

func (p *Provider) Name() string { return "anthropic" }

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema"`
}

type toolChoice struct {
	Type string `json:"type"`
	Name string `json:"name"`
}

type messagesRequest struct {
	Model       string      `json:"model"`
	System      string      `json:"system,omitempty"`
	Messages    []message   `json:"messages"`
	MaxTokens   int         `json:"max_tokens"`
	Temperature float64     `json:"temperature"`
	Tools       []tool      `json:"tools,omitempty"`
	ToolChoice  *toolChoice `json:"tool_choice,omitempty"`
}

type contentBlock struct {
	Type  string          `json:"type"`
	Text  string          `json:"text,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`
}

type messagesResponse struct {
	Model   string         `json:"model"`
	Content []contentBlock `json:"content"`
	Usage   struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

func (p *Provider) Complete(ctx context.Context, req models.CompletionRequest) (models.CompletionResponse, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	body := messagesRequest{
		Model:       p.model,
		System:      req.System,
		MaxTokens:   maxTokens,
		Temperature: req.Temperature,
	}
	for _, m := range req.Messages {
		body.Messages = append(body.Messages, message{Role: m.Role, Content: m.Content})
	}

	toolName := ""
	if len(req.Schema) > 0 {
		toolName = req.SchemaName
		if toolName == "" {
			toolName = "response"
		}
		body.Tools = []tool{{Name: toolName, Description: "Return the structured answer.", InputSchema: req.Schema}}
		body.ToolChoice = &toolChoice{Type: "tool", Name: toolName}
	}

	var resp messagesResponse
	if err := p.client.PostJSON(ctx, messagesPath, body, &resp); err != nil {
		return models.CompletionResponse{}, err
	}

	content, err := extractContent(resp.Content, toolName)
	if err != nil {
		return models.CompletionResponse{}, err
	}

	model := resp.Model
	if model == "" {
		model = p.model
	}
	return models.CompletionResponse{
		Content: content,
		Model:   model,
		Usage: models.Usage{
			InputTokens:  resp.Usage.InputTokens,
			OutputTokens: resp.Usage.OutputTokens,
		},
	}, nil
}

// extractContent returns the forced tool input when a schema was requested,
// otherwise the concatenated text blocks.
func extractContent(blocks []contentBlock, toolName string) (string, error) {
	if toolName != "" {
		for _, b := range blocks {
			if b.Type == "tool_use" && b.Name == toolName {
				return string(b.Input), nil
			}
		}
		return "", fmt.Errorf("%w: no %s tool_use block", transport.ErrInvalidResponse, toolName)
	}

	var text string
	for _, b := range blocks {
		if b.Type == "text" {
			text += b.Text
		}
	}
	if text == "" {
		return "", fmt.Errorf("%w: empty content", transport.ErrInvalidResponse)
	}
	return text, nil
}

var _ models.AIProvider = (*Provider)(nil)
