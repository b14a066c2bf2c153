package ollama

import (
	"context"
	"net/http"

	"github.com/kiranshivaraju/evalrunner/internal/ai/llm"
	"github.com/kiranshivaraju/evalrunner/internal/config"
)

// Provider implements llm.Provider using Ollama's non-streaming generate API.
type Provider struct {
	cfg    config.OllamaConfig
	client *http.Client
}

func NewProvider(cfg config.OllamaConfig) *Provider {
	return &Provider{cfg: cfg, client: &http.Client{}}
}

func (p *Provider) ID() llm.ProviderID { return llm.Ollama }
func (p *Provider) Name() string       { return llm.Ollama.String() }
func (p *Provider) Model() string      { return p.cfg.Model }

func (p *Provider) Complete(ctx context.Context, req llm.Request) (llm.Completion, error) {
	body := generateRequest{
		Model:  p.cfg.Model,
		Prompt: req.Prompt,
		System: req.System,
		Stream: false,
	}
	if req.MaxTokens > 0 {
		body.Options = &options{NumPredict: req.MaxTokens}
	}

	var resp generateResponse
	if err := llm.PostJSON(ctx, p.client, llm.Ollama, p.cfg.BaseURL+"/api/generate", nil, body, &resp); err != nil {
		return llm.Completion{}, err
	}

	model := resp.Model
	if model == "" {
		model = p.cfg.Model
	}
	tokens := resp.PromptEvalCount + resp.EvalCount
	return llm.Completion{Text: resp.Response, Model: model, TokensUsed: &tokens}, nil
}

type generateRequest struct {
	Model   string   `json:"model"`
	Prompt  string   `json:"prompt"`
	System  string   `json:"system,omitempty"`
	Stream  bool     `json:"stream"`
	Options *options `json:"options,omitempty"`
}

type options struct {
	NumPredict int `json:"num_predict"`
}

type generateResponse struct {
	Model           string `json:"model"`
	Response        string `json:"response"`
	Done            bool   `json:"done"`
	PromptEvalCount int    `json:"prompt_eval_count"`
	EvalCount       int    `json:"eval_count"`
}

var _ llm.Provider = (*Provider)(nil)
