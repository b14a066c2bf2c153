package ai

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/kiranshivaraju/evalrunner/internal/ai/llm"
	"github.com/kiranshivaraju/evalrunner/internal/ai/mock"
	"github.com/kiranshivaraju/evalrunner/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- helpers ---

// instantTimer fires immediately and records the requested delays.
type instantTimer struct {
	delays []time.Duration
	c      chan time.Time
}

func (t *instantTimer) Start(d time.Duration) {
	t.delays = append(t.delays, d)
	t.c = make(chan time.Time, 1)
	t.c <- time.Time{}
}

func (t *instantTimer) Stop() {}

func (t *instantTimer) C() <-chan time.Time { return t.c }

func testAIConfig() config.AIConfig {
	return config.AIConfig{
		MaxRetries:    3,
		BackoffBase:   time.Second,
		BackoffCap:    10 * time.Second,
		ModelFallback: true,
		MaxTokens:     512,
	}
}

func newTestOrchestrator(t *testing.T, cfg config.AIConfig, primary llm.ProviderID, providers ...llm.Provider) (*Orchestrator, *instantTimer) {
	t.Helper()
	entries := make([]Entry, len(providers))
	for i, p := range providers {
		entries[i] = Entry{Provider: p, Timeout: time.Second}
	}
	reg, err := NewStaticRegistry(primary, entries...)
	require.NoError(t, err)

	o := NewOrchestrator(reg, cfg)
	timer := &instantTimer{}
	o.timer = timer
	return o, timer
}

func serverError() error {
	return &llm.Error{Kind: llm.KindProvider, Status: 503, Err: errors.New("upstream unavailable")}
}

// --- Generate ---

func TestGenerate_Success(t *testing.T) {
	p := mock.NewMockProvider().As(llm.Anthropic)
	o, timer := newTestOrchestrator(t, testAIConfig(), llm.Anthropic, p)

	a, err := o.Generate(context.Background(), "", "The product is great.", Options{})
	require.NoError(t, err)

	assert.Equal(t, 1, a.Score)
	assert.Equal(t, "Mock evaluation for testing", a.Comment)
	assert.Equal(t, []string{"mock quote"}, a.Evidence)
	assert.Equal(t, mock.DefaultResponse, a.Raw)
	assert.Equal(t, "anthropic", a.Provider)
	assert.Equal(t, "mock-v1", a.Model)
	assert.GreaterOrEqual(t, a.DurationMs, int64(0))
	require.NotNil(t, a.TokensUsed)
	assert.Equal(t, 1, p.Calls())
	assert.Empty(t, timer.delays)
}

func TestGenerate_RendersPromptTemplate(t *testing.T) {
	var got llm.Request
	p := mock.NewMockProvider()
	p.CompleteFunc = func(_ context.Context, req llm.Request) (llm.Completion, error) {
		got = req
		return llm.Completion{Text: `{"score": 0}`}, nil
	}
	o, _ := newTestOrchestrator(t, testAIConfig(), llm.Ollama, p)

	_, err := o.Generate(context.Background(), "Rate this: {{.Content}}", "hello world", Options{System: "judge"})
	require.NoError(t, err)
	assert.Equal(t, "Rate this: hello world", got.Prompt)
	assert.Equal(t, "judge", got.System)
	assert.Equal(t, 512, got.MaxTokens)
}

func TestGenerate_DefaultTemplateIncludesContent(t *testing.T) {
	var prompt string
	p := mock.NewMockProvider()
	p.CompleteFunc = func(_ context.Context, req llm.Request) (llm.Completion, error) {
		prompt = req.Prompt
		return llm.Completion{Text: `{"score": 0}`}, nil
	}
	o, _ := newTestOrchestrator(t, testAIConfig(), llm.Ollama, p)

	_, err := o.Generate(context.Background(), "   ", "unique-content-marker", Options{})
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(prompt, "unique-content-marker"))
}

func TestGenerate_InvalidTemplate(t *testing.T) {
	p := mock.NewMockProvider()
	o, _ := newTestOrchestrator(t, testAIConfig(), llm.Ollama, p)

	_, err := o.Generate(context.Background(), "{{.Content", "x", Options{})
	assert.ErrorIs(t, err, ErrPromptTemplate)

	_, err = o.Generate(context.Background(), "{{.Unknown}}", "x", Options{})
	assert.ErrorIs(t, err, ErrPromptTemplate)
	assert.Equal(t, 0, p.Calls())
}

func TestGenerate_RetriesThenSucceeds(t *testing.T) {
	p := mock.NewSequenceProvider(
		mock.Step{Err: serverError()},
		mock.Step{Err: &llm.Error{Kind: llm.KindRateLimited, Status: 429}},
		mock.Step{Text: `{"score": 2, "comment": "great"}`},
	)
	o, timer := newTestOrchestrator(t, testAIConfig(), llm.Ollama, p)

	a, err := o.Generate(context.Background(), "", "x", Options{})
	require.NoError(t, err)
	assert.Equal(t, 2, a.Score)
	assert.Equal(t, 3, p.Calls())
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, timer.delays)
}

func TestGenerate_BackoffIsCapped(t *testing.T) {
	cfg := testAIConfig()
	cfg.MaxRetries = 5
	cfg.BackoffCap = 3 * time.Second
	cfg.ModelFallback = false

	p := mock.NewFailingProvider(serverError())
	o, timer := newTestOrchestrator(t, cfg, llm.Ollama, p)

	_, err := o.Generate(context.Background(), "", "x", Options{})
	require.Error(t, err)
	assert.Equal(t, 5, p.Calls())
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 3 * time.Second, 3 * time.Second}, timer.delays)
}

func TestGenerate_NonRetryableAbortsImmediately(t *testing.T) {
	primary := mock.NewFailingProvider(&llm.Error{Kind: llm.KindAuth, Status: 401}).As(llm.Anthropic)
	fallback := mock.NewMockProvider().As(llm.OpenAI)
	o, timer := newTestOrchestrator(t, testAIConfig(), llm.Anthropic, primary, fallback)

	_, err := o.Generate(context.Background(), "", "x", Options{})
	assert.ErrorIs(t, err, llm.ErrAuth)
	assert.Equal(t, 1, primary.Calls())
	assert.Equal(t, 0, fallback.Calls(), "auth failures never fall back")
	assert.Empty(t, timer.delays)
}

func TestGenerate_ClientErrorIsFatal(t *testing.T) {
	p := mock.NewFailingProvider(&llm.Error{Kind: llm.KindProvider, Status: 400})
	o, _ := newTestOrchestrator(t, testAIConfig(), llm.Ollama, p)

	_, err := o.Generate(context.Background(), "", "x", Options{})
	assert.ErrorIs(t, err, llm.ErrProvider)
	assert.Equal(t, 1, p.Calls())
}

func TestGenerate_FallbackAfterExhaustion(t *testing.T) {
	primary := mock.NewFailingProvider(serverError()).As(llm.Anthropic)
	fallback := mock.NewMockProvider().As(llm.OpenAI)
	o, _ := newTestOrchestrator(t, testAIConfig(), llm.Anthropic, primary, fallback)

	a, err := o.Generate(context.Background(), "", "x", Options{})
	require.NoError(t, err)
	assert.Equal(t, "openai", a.Provider)
	assert.Equal(t, 3, primary.Calls())
	assert.Equal(t, 1, fallback.Calls())
}

func TestGenerate_FallbackFailureReturnsOriginalError(t *testing.T) {
	primary := mock.NewFailingProvider(serverError()).As(llm.Anthropic)
	fallback := mock.NewFailingProvider(&llm.Error{Kind: llm.KindTimeout}).As(llm.OpenAI)
	o, _ := newTestOrchestrator(t, testAIConfig(), llm.Anthropic, primary, fallback)

	_, err := o.Generate(context.Background(), "", "x", Options{})
	require.Error(t, err)
	var pe *llm.Error
	require.True(t, errors.As(err, &pe))
	assert.Equal(t, 503, pe.Status)
	assert.Equal(t, llm.KindProvider, pe.Kind)
	assert.Equal(t, 1, fallback.Calls())

	// The next call starts from the primary again.
	_, err = o.Generate(context.Background(), "", "x", Options{})
	require.Error(t, err)
	assert.Equal(t, 6, primary.Calls())
	assert.Equal(t, 2, fallback.Calls())
}

func TestGenerate_FallbackDisabled(t *testing.T) {
	cfg := testAIConfig()
	cfg.ModelFallback = false
	primary := mock.NewFailingProvider(serverError()).As(llm.Anthropic)
	fallback := mock.NewMockProvider().As(llm.OpenAI)
	o, _ := newTestOrchestrator(t, cfg, llm.Anthropic, primary, fallback)

	_, err := o.Generate(context.Background(), "", "x", Options{})
	assert.ErrorIs(t, err, llm.ErrProvider)
	assert.Equal(t, 0, fallback.Calls())
}

func TestGenerate_BadOutputNotRetried(t *testing.T) {
	primary := mock.NewTextProvider("I would rather not say.").As(llm.Anthropic)
	fallback := mock.NewMockProvider().As(llm.OpenAI)
	o, _ := newTestOrchestrator(t, testAIConfig(), llm.Anthropic, primary, fallback)

	_, err := o.Generate(context.Background(), "", "x", Options{})
	assert.ErrorIs(t, err, llm.ErrBadOutput)
	assert.False(t, llm.IsRetryable(err))
	assert.Equal(t, 1, primary.Calls())
	assert.Equal(t, 0, fallback.Calls())
}

func TestGenerate_UnclassifiedErrorIsRetried(t *testing.T) {
	p := mock.NewSequenceProvider(
		mock.Step{Err: errors.New("connection reset by peer")},
		mock.Step{Text: `{"score": -2, "comment": "poor"}`},
	)
	o, _ := newTestOrchestrator(t, testAIConfig(), llm.Ollama, p)

	a, err := o.Generate(context.Background(), "", "x", Options{})
	require.NoError(t, err)
	assert.Equal(t, -2, a.Score)
	assert.Equal(t, 2, p.Calls())
}

func TestGenerate_PerCallTimeout(t *testing.T) {
	cfg := testAIConfig()
	cfg.MaxRetries = 2
	cfg.ModelFallback = false

	p := mock.NewTimeoutProvider()
	reg, err := NewStaticRegistry(llm.Ollama, Entry{Provider: p, Timeout: 20 * time.Millisecond})
	require.NoError(t, err)
	o := NewOrchestrator(reg, cfg)
	o.timer = &instantTimer{}

	_, err = o.Generate(context.Background(), "", "x", Options{})
	assert.ErrorIs(t, err, llm.ErrTimeout)
	assert.Equal(t, 2, p.Calls())
}
