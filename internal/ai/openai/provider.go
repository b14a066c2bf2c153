// Package openai talks to the Chat Completions API. Client is reused by any
// backend that serves the same wire format.
package openai

import (
	"context"
	"fmt"
	"net/http"

	"github.com/kiranshivaraju/evalrunner/internal/ai/llm"
	"github.com/kiranshivaraju/evalrunner/internal/config"
)

// Client is a Chat Completions client bound to one provider identity.
type Client struct {
	id      llm.ProviderID
	baseURL string
	apiKey  string
	model   string
	client  *http.Client
}

// NewClient builds a Chat Completions client. apiKey may be empty for
// self-hosted servers.
func NewClient(id llm.ProviderID, baseURL, apiKey, model string) *Client {
	return &Client{id: id, baseURL: baseURL, apiKey: apiKey, model: model, client: &http.Client{}}
}

// NewProvider builds the OpenAI provider.
func NewProvider(cfg config.OpenAIConfig) *Client {
	return NewClient(llm.OpenAI, cfg.BaseURL, cfg.APIKey, cfg.Model)
}

func (c *Client) ID() llm.ProviderID { return c.id }
func (c *Client) Name() string       { return c.id.String() }
func (c *Client) Model() string      { return c.model }

func (c *Client) Complete(ctx context.Context, req llm.Request) (llm.Completion, error) {
	var msgs []chatMessage
	if req.System != "" {
		msgs = append(msgs, chatMessage{Role: "system", Content: req.System})
	}
	msgs = append(msgs, chatMessage{Role: "user", Content: req.Prompt})

	body := chatRequest{Model: c.model, Messages: msgs}
	if req.MaxTokens > 0 {
		body.MaxTokens = req.MaxTokens
	}

	headers := map[string]string{}
	if c.apiKey != "" {
		headers["Authorization"] = "Bearer " + c.apiKey
	}

	var resp chatResponse
	if err := llm.PostJSON(ctx, c.client, c.id, c.baseURL+"/v1/chat/completions", headers, body, &resp); err != nil {
		return llm.Completion{}, err
	}
	if len(resp.Choices) == 0 {
		return llm.Completion{}, &llm.Error{Kind: llm.KindBadOutput, Provider: c.id, Err: fmt.Errorf("response has no choices")}
	}

	model := resp.Model
	if model == "" {
		model = c.model
	}
	out := llm.Completion{Text: resp.Choices[0].Message.Content, Model: model}
	if resp.Usage != nil {
		tokens := resp.Usage.TotalTokens
		out.TokensUsed = &tokens
	}
	return out, nil
}

type chatRequest struct {
	Model     string        `json:"model"`
	Messages  []chatMessage `json:"messages"`
	MaxTokens int           `json:"max_tokens,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Usage *struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
}

var _ llm.Provider = (*Client)(nil)
