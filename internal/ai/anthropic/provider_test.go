package anthropic_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/kiranshivaraju/evalrunner/internal/ai/anthropic"
	"github.com/kiranshivaraju/evalrunner/internal/ai/llm"
	"github.com/kiranshivaraju/evalrunner/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComplete_Success(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		assert.Equal(t, "sk-ant-test", r.Header.Get("x-api-key"))
		assert.Equal(t, "2023-06-01", r.Header.Get("anthropic-version"))

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "claude-test", body["model"])
		assert.Equal(t, "be strict", body["system"])
		assert.EqualValues(t, 256, body["max_tokens"])

		_, _ = w.Write([]byte(`{
			"model": "claude-test-20250101",
			"content": [{"type": "text", "text": "{\"score\": 1,"}, {"type": "text", "text": " \"comment\": \"ok\"}"}],
			"usage": {"input_tokens": 12, "output_tokens": 8}
		}`))
	}))
	defer ts.Close()

	p := anthropic.NewProvider(config.AnthropicConfig{BaseURL: ts.URL, APIKey: "sk-ant-test", Model: "claude-test"})
	assert.Equal(t, llm.Anthropic, p.ID())
	assert.Equal(t, "anthropic", p.Name())

	c, err := p.Complete(context.Background(), llm.Request{System: "be strict", Prompt: "score this", MaxTokens: 256})
	require.NoError(t, err)
	assert.Equal(t, `{"score": 1, "comment": "ok"}`, c.Text)
	assert.Equal(t, "claude-test-20250101", c.Model)
	require.NotNil(t, c.TokensUsed)
	assert.Equal(t, 20, *c.TokensUsed)
}

func TestComplete_OverloadedIsRateLimited(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(529)
		_, _ = w.Write([]byte(`{"type":"error","error":{"type":"overloaded_error"}}`))
	}))
	defer ts.Close()

	p := anthropic.NewProvider(config.AnthropicConfig{BaseURL: ts.URL, APIKey: "k", Model: "m"})
	_, err := p.Complete(context.Background(), llm.Request{Prompt: "x"})
	assert.ErrorIs(t, err, llm.ErrRateLimited)
	assert.True(t, llm.IsRetryable(err))
}

func TestComplete_BadKey(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer ts.Close()

	p := anthropic.NewProvider(config.AnthropicConfig{BaseURL: ts.URL, APIKey: "bad", Model: "m"})
	_, err := p.Complete(context.Background(), llm.Request{Prompt: "x"})
	assert.ErrorIs(t, err, llm.ErrAuth)
	assert.False(t, llm.IsRetryable(err))
}
