package ollama

import (
	"github.com/kiranshivaraju/lawsignal/internal/ai/openai"
	"github.com/kiranshivaraju/lawsignal/internal/config"
)

// NewProvider returns a provider for Ollama's OpenAI-compatible endpoint.
func NewProvider(cfg config.OllamaConfig) *openai.Provider {
	return openai.NewCompatible("ollama", cfg.BaseURL, "", cfg.Model)
}
