package ai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"text/template"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/kiranshivaraju/evalrunner/internal/ai/llm"
	"github.com/kiranshivaraju/evalrunner/internal/config"
	"github.com/kiranshivaraju/evalrunner/internal/output"
)

// DefaultPromptTemplate is used when a run carries no template of its own.
const DefaultPromptTemplate = `Evaluate the following content against the configured criteria.
Score it on an integer scale from -2 (very poor) to +2 (excellent).
Respond with JSON only, in the form:
{"score": <integer>, "comment": "<one sentence>", "evidence": ["<short quote>", "<short quote>"]}

Content:
{{.Content}}`

// Options tunes a single Generate call.
type Options struct {
	System    string
	MaxTokens int
}

// Analysis is the scored outcome of one Generate call.
type Analysis struct {
	Score      int
	Comment    string
	Evidence   []string
	Detail     string
	Raw        string
	Provider   string
	Model      string
	DurationMs int64
	TokensUsed *int
}

// Orchestrator runs a prompt against the primary provider with bounded
// retries, then at most one fallback call, and parses the answer.
type Orchestrator struct {
	registry    *Registry
	parser      output.Parser
	maxRetries  int
	backoffBase time.Duration
	backoffCap  time.Duration
	fallback    bool
	maxTokens   int

	// timer is nil in production; tests swap in one that fires at once.
	timer backoff.Timer
}

// NewOrchestrator creates an Orchestrator over reg using the retry settings
// in cfg.
func NewOrchestrator(reg *Registry, cfg config.AIConfig) *Orchestrator {
	maxRetries := cfg.MaxRetries
	if maxRetries < 1 {
		maxRetries = 1
	}
	return &Orchestrator{
		registry:    reg,
		parser:      output.Parser{MinScore: output.DefaultMinScore, MaxScore: output.DefaultMaxScore},
		maxRetries:  maxRetries,
		backoffBase: cfg.BackoffBase,
		backoffCap:  cfg.BackoffCap,
		fallback:    cfg.ModelFallback,
		maxTokens:   cfg.MaxTokens,
	}
}

// Generate renders promptTemplate with content, calls the providers and
// returns the parsed analysis. Provider failures are *llm.Error values; an
// unparseable answer is an llm.ErrBadOutput error and is never retried here.
func (o *Orchestrator) Generate(ctx context.Context, promptTemplate, content string, opts Options) (*Analysis, error) {
	prompt, err := renderPrompt(promptTemplate, content)
	if err != nil {
		return nil, err
	}

	req := llm.Request{System: opts.System, Prompt: prompt, MaxTokens: opts.MaxTokens}
	if req.MaxTokens <= 0 {
		req.MaxTokens = o.maxTokens
	}

	start := time.Now()
	primary := o.registry.Primary()
	used := primary

	completion, err := o.analyzeWithRetry(ctx, primary, req)
	if err != nil && o.fallback && llm.IsRetryable(err) {
		if next, ok := o.registry.Next(primary.Provider.ID()); ok {
			slog.Warn("primary provider exhausted, trying fallback",
				"provider", primary.Provider.Name(), "fallback", next.Provider.Name(), "error", err)
			c, ferr := o.callOnce(ctx, next, req)
			if ferr == nil {
				completion, used, err = c, next, nil
			} else {
				slog.Warn("fallback provider failed", "fallback", next.Provider.Name(), "error", ferr)
			}
		}
	}
	if err != nil {
		return nil, err
	}

	res, perr := o.parser.Parse(completion.Text)
	if perr != nil {
		return nil, &llm.Error{Kind: llm.KindBadOutput, Provider: used.Provider.ID(), Err: perr}
	}

	model := completion.Model
	if model == "" {
		model = used.Provider.Model()
	}
	return &Analysis{
		Score:      res.Score,
		Comment:    res.Comment,
		Evidence:   res.Evidence,
		Detail:     res.Detail,
		Raw:        completion.Text,
		Provider:   used.Provider.Name(),
		Model:      model,
		DurationMs: time.Since(start).Milliseconds(),
		TokensUsed: completion.TokensUsed,
	}, nil
}

// analyzeWithRetry makes up to maxRetries calls on entry. Delays between
// attempts are base*2^(n-1) capped at backoffCap, without jitter.
func (o *Orchestrator) analyzeWithRetry(ctx context.Context, entry Entry, req llm.Request) (llm.Completion, error) {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = o.backoffBase
	exp.MaxInterval = o.backoffCap
	exp.Multiplier = 2
	exp.RandomizationFactor = 0
	exp.MaxElapsedTime = 0
	exp.Reset()

	var retries backoff.BackOff = &backoff.StopBackOff{}
	if o.maxRetries > 1 {
		retries = backoff.WithMaxRetries(exp, uint64(o.maxRetries-1))
	}
	policy := backoff.WithContext(retries, ctx)

	var (
		out     llm.Completion
		attempt int
	)
	operation := func() error {
		attempt++
		c, err := o.callOnce(ctx, entry, req)
		if err != nil {
			if !llm.IsRetryable(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		out = c
		return nil
	}
	notify := func(err error, delay time.Duration) {
		slog.Warn("provider call failed, retrying",
			"provider", entry.Provider.Name(), "attempt", attempt, "delay", delay, "error", err)
	}

	if err := backoff.RetryNotifyWithTimer(operation, policy, notify, o.timer); err != nil {
		var pe *llm.Error
		if !errors.As(err, &pe) {
			// The caller's context ended between attempts.
			err = &llm.Error{Kind: llm.KindTimeout, Provider: entry.Provider.ID(), Err: err}
		}
		return llm.Completion{}, err
	}
	return out, nil
}

// callOnce makes a single call under the entry's deadline and makes sure any
// failure comes back classified.
func (o *Orchestrator) callOnce(ctx context.Context, entry Entry, req llm.Request) (llm.Completion, error) {
	if entry.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, entry.Timeout)
		defer cancel()
	}

	c, err := entry.Provider.Complete(ctx, req)
	if err == nil {
		return c, nil
	}

	var pe *llm.Error
	if errors.As(err, &pe) {
		return llm.Completion{}, err
	}
	kind := llm.KindProvider
	if errors.Is(err, context.DeadlineExceeded) {
		kind = llm.KindTimeout
	}
	return llm.Completion{}, &llm.Error{Kind: kind, Provider: entry.Provider.ID(), Err: err}
}

func renderPrompt(tmpl, content string) (string, error) {
	if strings.TrimSpace(tmpl) == "" {
		tmpl = DefaultPromptTemplate
	}
	t, err := template.New("prompt").Option("missingkey=error").Parse(tmpl)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrPromptTemplate, err)
	}
	var b strings.Builder
	if err := t.Execute(&b, struct{ Content string }{Content: content}); err != nil {
		return "", fmt.Errorf("%w: %v", ErrPromptTemplate, err)
	}
	return b.String(), nil
}
