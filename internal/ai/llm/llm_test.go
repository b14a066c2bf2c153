package llm_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/kiranshivaraju/evalrunner/internal/ai/llm"
	"github.com/kiranshivaraju/evalrunner/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- ProviderID ---

func TestParseProviderID(t *testing.T) {
	for _, id := range llm.All() {
		got, err := llm.ParseProviderID(id.String())
		require.NoError(t, err)
		assert.Equal(t, id, got)
	}

	_, err := llm.ParseProviderID("gemini")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "gemini")
}

func TestConfigured(t *testing.T) {
	cfg := config.AIConfig{
		Anthropic: config.AnthropicConfig{APIKey: "sk-ant"},
		Ollama:    config.OllamaConfig{BaseURL: "http://localhost:11434"},
		VLLM:      config.VLLMConfig{BaseURL: "http://localhost:8000"},
	}

	assert.True(t, llm.Anthropic.Configured(cfg))
	assert.False(t, llm.OpenAI.Configured(cfg))
	assert.True(t, llm.Ollama.Configured(cfg))
	assert.False(t, llm.VLLM.Configured(cfg), "vllm needs a model as well")

	cfg.VLLM.Model = "mistral-7b"
	assert.True(t, llm.VLLM.Configured(cfg))
}

func TestTimeout_FallsBackToInferenceTimeout(t *testing.T) {
	cfg := config.AIConfig{
		InferenceTimeout: 45 * time.Second,
		OpenAI:           config.OpenAIConfig{Timeout: 10 * time.Second},
	}
	assert.Equal(t, 10*time.Second, llm.OpenAI.Timeout(cfg))
	assert.Equal(t, 45*time.Second, llm.Anthropic.Timeout(cfg))
}

func TestClassifyStatus(t *testing.T) {
	tests := []struct {
		id     llm.ProviderID
		status int
		want   llm.Kind
	}{
		{llm.OpenAI, 401, llm.KindAuth},
		{llm.OpenAI, 403, llm.KindAuth},
		{llm.OpenAI, 429, llm.KindRateLimited},
		{llm.OpenAI, 408, llm.KindTimeout},
		{llm.OpenAI, 504, llm.KindTimeout},
		{llm.OpenAI, 500, llm.KindProvider},
		{llm.OpenAI, 400, llm.KindProvider},
		{llm.OpenAI, 529, llm.KindProvider},
		{llm.Anthropic, 529, llm.KindRateLimited},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s_%d", tt.id, tt.status), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.id.ClassifyStatus(tt.status))
		})
	}
}

// --- Error ---

func TestError_Retryable(t *testing.T) {
	tests := []struct {
		name string
		err  *llm.Error
		want bool
	}{
		{"auth", &llm.Error{Kind: llm.KindAuth, Status: 401}, false},
		{"rate limited", &llm.Error{Kind: llm.KindRateLimited, Status: 429}, true},
		{"timeout", &llm.Error{Kind: llm.KindTimeout}, true},
		{"server error", &llm.Error{Kind: llm.KindProvider, Status: 502}, true},
		{"transport", &llm.Error{Kind: llm.KindProvider}, true},
		{"client error", &llm.Error{Kind: llm.KindProvider, Status: 422}, false},
		{"bad output", &llm.Error{Kind: llm.KindBadOutput}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.err.Retryable())
			assert.Equal(t, tt.want, llm.IsRetryable(fmt.Errorf("wrapped: %w", tt.err)))
		})
	}
}

func TestError_IsMatchesKindSentinel(t *testing.T) {
	err := fmt.Errorf("calling provider: %w", &llm.Error{Kind: llm.KindRateLimited, Provider: llm.Anthropic, Status: 429})

	assert.True(t, errors.Is(err, llm.ErrRateLimited))
	assert.False(t, errors.Is(err, llm.ErrAuth))

	kind, ok := llm.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, llm.KindRateLimited, kind)
	assert.Contains(t, err.Error(), "anthropic: rate_limited (status 429)")
}

func TestIsRetryable_PlainError(t *testing.T) {
	assert.False(t, llm.IsRetryable(errors.New("boom")))
	_, ok := llm.KindOf(errors.New("boom"))
	assert.False(t, ok)
}

// --- PostJSON ---

type echoReply struct {
	Answer string `json:"answer"`
}

func TestPostJSON_Success(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "secret", r.Header.Get("X-Api-Key"))

		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "ping", body["q"])

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(echoReply{Answer: "pong"})
	}))
	defer ts.Close()

	var out echoReply
	err := llm.PostJSON(context.Background(), ts.Client(), llm.OpenAI, ts.URL,
		map[string]string{"x-api-key": "secret"}, map[string]string{"q": "ping"}, &out)
	require.NoError(t, err)
	assert.Equal(t, "pong", out.Answer)
}

func TestPostJSON_StatusClassification(t *testing.T) {
	tests := []struct {
		status    int
		wantKind  llm.Kind
		retryable bool
	}{
		{http.StatusUnauthorized, llm.KindAuth, false},
		{http.StatusTooManyRequests, llm.KindRateLimited, true},
		{http.StatusServiceUnavailable, llm.KindProvider, true},
		{http.StatusBadRequest, llm.KindProvider, false},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(`{"error":"nope"}`))
			}))
			defer ts.Close()

			var out echoReply
			err := llm.PostJSON(context.Background(), ts.Client(), llm.OpenAI, ts.URL, nil, map[string]string{}, &out)
			require.Error(t, err)

			var pe *llm.Error
			require.True(t, errors.As(err, &pe))
			assert.Equal(t, tt.wantKind, pe.Kind)
			assert.Equal(t, tt.status, pe.Status)
			assert.Equal(t, tt.retryable, pe.Retryable())
			assert.Contains(t, err.Error(), "nope")
		})
	}
}

func TestPostJSON_UndecodableBody(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`not json`))
	}))
	defer ts.Close()

	var out echoReply
	err := llm.PostJSON(context.Background(), ts.Client(), llm.Ollama, ts.URL, nil, map[string]string{}, &out)
	assert.ErrorIs(t, err, llm.ErrBadOutput)
}

func TestPostJSON_Timeout(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	var out echoReply
	err := llm.PostJSON(ctx, ts.Client(), llm.Anthropic, ts.URL, nil, map[string]string{}, &out)
	assert.ErrorIs(t, err, llm.ErrTimeout)
	assert.True(t, llm.IsRetryable(err))
}

func TestPostJSON_Unreachable(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := ts.URL
	ts.Close()

	var out echoReply
	err := llm.PostJSON(context.Background(), http.DefaultClient, llm.VLLM, url, nil, map[string]string{}, &out)
	require.Error(t, err)

	var pe *llm.Error
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, llm.KindProvider, pe.Kind)
	assert.Equal(t, 0, pe.Status)
	assert.True(t, pe.Retryable())
}
