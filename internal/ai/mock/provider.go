package mock

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/kiranshivaraju/evalrunner/internal/ai/llm"
)

// DefaultResponse is the well-formed answer returned by NewMockProvider.
const DefaultResponse = `{"score": 1, "comment": "Mock evaluation for testing", "evidence": ["mock quote"]}`

// MockProvider satisfies llm.Provider for testing.
type MockProvider struct {
	ID_          llm.ProviderID
	Name_        string
	Model_       string
	CompleteFunc func(ctx context.Context, req llm.Request) (llm.Completion, error)

	calls atomic.Int32
}

func (m *MockProvider) ID() llm.ProviderID { return m.ID_ }
func (m *MockProvider) Name() string       { return m.Name_ }
func (m *MockProvider) Model() string      { return m.Model_ }

func (m *MockProvider) Complete(ctx context.Context, req llm.Request) (llm.Completion, error) {
	m.calls.Add(1)
	if m.CompleteFunc != nil {
		return m.CompleteFunc(ctx, req)
	}
	return llm.Completion{}, nil
}

// Calls is the number of Complete invocations so far.
func (m *MockProvider) Calls() int { return int(m.calls.Load()) }

// As rebinds the mock to a provider identity, for registries that hold
// several mocks.
func (m *MockProvider) As(id llm.ProviderID) *MockProvider {
	m.ID_ = id
	m.Name_ = id.String()
	return m
}

// NewMockProvider returns a MockProvider with a sensible default response.
func NewMockProvider() *MockProvider {
	return &MockProvider{
		ID_:    llm.Ollama,
		Name_:  "mock",
		Model_: "mock-v1",
		CompleteFunc: func(_ context.Context, _ llm.Request) (llm.Completion, error) {
			tokens := 42
			return llm.Completion{Text: DefaultResponse, Model: "mock-v1", TokensUsed: &tokens}, nil
		},
	}
}

// NewTextProvider returns a MockProvider that always answers with text.
func NewTextProvider(text string) *MockProvider {
	p := NewMockProvider()
	p.CompleteFunc = func(_ context.Context, _ llm.Request) (llm.Completion, error) {
		return llm.Completion{Text: text, Model: "mock-v1"}, nil
	}
	return p
}

// NewFailingProvider returns a MockProvider that always returns the given error.
func NewFailingProvider(err error) *MockProvider {
	return &MockProvider{
		ID_:    llm.Ollama,
		Name_:  "mock-failing",
		Model_: "mock-v1",
		CompleteFunc: func(_ context.Context, _ llm.Request) (llm.Completion, error) {
			return llm.Completion{}, err
		},
	}
}

// NewTimeoutProvider returns a MockProvider that blocks until context is cancelled.
func NewTimeoutProvider() *MockProvider {
	p := &MockProvider{ID_: llm.Ollama, Name_: "mock-timeout", Model_: "mock-v1"}
	p.CompleteFunc = func(ctx context.Context, _ llm.Request) (llm.Completion, error) {
		<-ctx.Done()
		return llm.Completion{}, &llm.Error{Kind: llm.KindTimeout, Provider: p.ID_, Err: ctx.Err()}
	}
	return p
}

// Step is one scripted answer of a sequence provider.
type Step struct {
	Text string
	Err  error
}

// NewSequenceProvider returns a MockProvider that replays steps in order and
// repeats the last one once the script runs out.
func NewSequenceProvider(steps ...Step) *MockProvider {
	var (
		mu   sync.Mutex
		next int
	)
	return &MockProvider{
		ID_:    llm.Ollama,
		Name_:  "mock-sequence",
		Model_: "mock-v1",
		CompleteFunc: func(_ context.Context, _ llm.Request) (llm.Completion, error) {
			mu.Lock()
			defer mu.Unlock()
			if len(steps) == 0 {
				return llm.Completion{}, nil
			}
			s := steps[next]
			if next < len(steps)-1 {
				next++
			}
			if s.Err != nil {
				return llm.Completion{}, s.Err
			}
			return llm.Completion{Text: s.Text, Model: "mock-v1"}, nil
		},
	}
}

// Compile-time check that MockProvider implements llm.Provider.
var _ llm.Provider = (*MockProvider)(nil)
