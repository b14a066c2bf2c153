package ollama_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/kiranshivaraju/evalrunner/internal/ai/llm"
	"github.com/kiranshivaraju/evalrunner/internal/ai/ollama"
	"github.com/kiranshivaraju/evalrunner/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComplete_Success(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/generate", r.URL.Path)

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "llama3", body["model"])
		assert.Equal(t, false, body["stream"])
		assert.Equal(t, "score this", body["prompt"])

		_, _ = w.Write([]byte(`{"model": "llama3", "response": "Score: +1", "done": true, "prompt_eval_count": 30, "eval_count": 5}`))
	}))
	defer ts.Close()

	p := ollama.NewProvider(config.OllamaConfig{BaseURL: ts.URL, Model: "llama3"})
	assert.Equal(t, llm.Ollama, p.ID())

	c, err := p.Complete(context.Background(), llm.Request{Prompt: "score this", MaxTokens: 128})
	require.NoError(t, err)
	assert.Equal(t, "Score: +1", c.Text)
	require.NotNil(t, c.TokensUsed)
	assert.Equal(t, 35, *c.TokensUsed)
}

func TestComplete_ModelMissing(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"model 'llama9' not found"}`))
	}))
	defer ts.Close()

	p := ollama.NewProvider(config.OllamaConfig{BaseURL: ts.URL, Model: "llama9"})
	_, err := p.Complete(context.Background(), llm.Request{Prompt: "x"})
	require.Error(t, err)
	assert.False(t, llm.IsRetryable(err))
	assert.Contains(t, err.Error(), "not found")
}
