package vllm

import (
	"github.com/kiranshivaraju/lawsignal/internal/ai/openai"
	"github.com/kiranshivaraju/lawsignal/internal/config"
)

// NewProvider returns a provider for a vLLM OpenAI-compatible server.
func NewProvider(cfg config.VLLMConfig) *openai.Provider {
	return openai.NewCompatible("vllm", cfg.BaseURL, "", cfg.Model)
}
