package ai

import (
	"fmt"

	"github.com/kiranshivaraju/lawsignal/internal/ai/anthropic"
	"github.com/kiranshivaraju/lawsignal/internal/ai/ollama"
	"github.com/kiranshivaraju/lawsignal/internal/ai/openai"
	"github.com/kiranshivaraju/lawsignal/internal/ai/vllm"
	"github.com/kiranshivaraju/lawsignal/internal/config"
	"github.com/kiranshivaraju/lawsignal/pkg/models"
)

// NewProvider constructs the appropriate AI provider based on config.
// Called once at process startup.
func NewProvider(cfg config.AIConfig) (models.AIProvider, error) {
	switch cfg.Provider {
	case "ollama":
		return ollama.NewProvider(cfg.Ollama), nil
	case "vllm":
		return vllm.NewProvider(cfg.VLLM), nil
	case "openai":
		if cfg.OpenAI.APIKey == "" {
			return nil, fmt.Errorf("openai provider requires an API key")
		}
		return openai.NewProvider(cfg.OpenAI), nil
	case "anthropic":
		if cfg.Anthropic.APIKey == "" {
			return nil, fmt.Errorf("anthropic provider requires an API key")
		}
		return anthropic.NewProvider(cfg.Anthropic), nil
	default:
		return nil, fmt.Errorf("unknown AI provider %q: must be one of ollama, vllm, openai, anthropic", cfg.Provider)
	}
}
