package vllm

import (
	"github.com/kiranshivaraju/evalrunner/internal/ai/llm"
	"github.com/kiranshivaraju/evalrunner/internal/ai/openai"
	"github.com/kiranshivaraju/evalrunner/internal/config"
)

// Provider implements llm.Provider against a vLLM server's OpenAI-compatible
// endpoint.
type Provider struct {
	*openai.Client
}

func NewProvider(cfg config.VLLMConfig) *Provider {
	return &Provider{Client: openai.NewClient(llm.VLLM, cfg.BaseURL, cfg.APIKey, cfg.Model)}
}

var _ llm.Provider = (*Provider)(nil)
