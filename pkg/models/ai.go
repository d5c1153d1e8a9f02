// Package models contains shared data models used across the lawsignal codebase.
package models

import (
	"context"
	"encoding/json"
)

// AIProvider is the core interface that all inference integrations must implement.
// Never call specific providers directly, always inject this interface.
type AIProvider interface {
	// Complete sends a conversation to the model. When req.Schema is set the
	// provider must constrain its output to that JSON schema.
	Complete(ctx context.Context, req CompletionRequest) (CompletionResponse, error)
	// Name returns the provider identifier (e.g., "ollama", "openai").
	Name() string
}

// CompletionRequest is the input to a single inference call.
type CompletionRequest struct {
	System      string
	Messages    []ChatMessage
	SchemaName  string
	Schema      json.RawMessage
	MaxTokens   int
	Temperature float64
}

// CompletionResponse is the provider's answer. With a schema, Content holds the JSON object.
type CompletionResponse struct {
	Content string `json:"content"`
	Model   string `json:"model"`
	Usage   Usage  `json:"usage"`
}

// Usage reports token accounting as returned by the provider.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}
