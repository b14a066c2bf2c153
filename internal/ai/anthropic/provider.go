package anthropic

import (
	"context"
	"net/http"
	"strings"

	"github.com/kiranshivaraju/evalrunner/internal/ai/llm"
	"github.com/kiranshivaraju/evalrunner/internal/config"
)

const (
	apiVersion       = "2023-06-01"
	defaultMaxTokens = 1024
)

// Provider implements llm.Provider using the Anthropic Messages API.
type Provider struct {
	cfg    config.AnthropicConfig
	client *http.Client
}

func NewProvider(cfg config.AnthropicConfig) *Provider {
	return &Provider{cfg: cfg, client: &http.Client{}}
}

func (p *Provider) ID() llm.ProviderID { return llm.Anthropic }
func (p *Provider) Name() string       { return llm.Anthropic.String() }
func (p *Provider) Model() string      { return p.cfg.Model }

func (p *Provider) Complete(ctx context.Context, req llm.Request) (llm.Completion, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	body := messagesRequest{
		Model:     p.cfg.Model,
		MaxTokens: maxTokens,
		System:    req.System,
		Messages:  []message{{Role: "user", Content: req.Prompt}},
	}
	headers := map[string]string{
		"x-api-key":         p.cfg.APIKey,
		"anthropic-version": apiVersion,
	}

	var resp messagesResponse
	if err := llm.PostJSON(ctx, p.client, llm.Anthropic, p.cfg.BaseURL+"/v1/messages", headers, body, &resp); err != nil {
		return llm.Completion{}, err
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}

	model := resp.Model
	if model == "" {
		model = p.cfg.Model
	}
	tokens := resp.Usage.InputTokens + resp.Usage.OutputTokens
	return llm.Completion{Text: text.String(), Model: model, TokensUsed: &tokens}, nil
}

type messagesRequest struct {
	Model     string    `json:"model"`
	MaxTokens int       `json:"max_tokens"`
	System    string    `json:"system,omitempty"`
	Messages  []message `json:"messages"`
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type messagesResponse struct {
	Model   string `json:"model"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

var _ llm.Provider = (*Provider)(nil)
