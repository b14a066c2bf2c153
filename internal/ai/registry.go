package ai

import (
	"fmt"
	"time"

	"github.com/kiranshivaraju/evalrunner/internal/ai/anthropic"
	"github.com/kiranshivaraju/evalrunner/internal/ai/llm"
	"github.com/kiranshivaraju/evalrunner/internal/ai/ollama"
	"github.com/kiranshivaraju/evalrunner/internal/ai/openai"
	"github.com/kiranshivaraju/evalrunner/internal/ai/vllm"
	"github.com/kiranshivaraju/evalrunner/internal/config"
)

// Entry is one available provider with its per-call deadline.
type Entry struct {
	Provider llm.Provider
	Timeout  time.Duration
}

// Registry is the circular list of providers whose credentials are present,
// resolved once at startup. It is read-only after construction.
type Registry struct {
	entries []Entry
	primary int
}

// NewRegistry builds every configured provider. cfg.Provider selects the
// primary and must itself be configured.
func NewRegistry(cfg config.AIConfig) (*Registry, error) {
	primary, err := llm.ParseProviderID(cfg.Provider)
	if err != nil {
		return nil, err
	}

	var entries []Entry
	for _, id := range llm.All() {
		if !id.Configured(cfg) {
			continue
		}
		entries = append(entries, Entry{Provider: newProvider(id, cfg), Timeout: id.Timeout(cfg)})
	}
	return NewStaticRegistry(primary, entries...)
}

// NewStaticRegistry builds a registry from ready-made entries, kept in the
// given order.
func NewStaticRegistry(primary llm.ProviderID, entries ...Entry) (*Registry, error) {
	for i, e := range entries {
		if e.Provider.ID() == primary {
			return &Registry{entries: entries, primary: i}, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrProviderNotConfigured, primary)
}

func newProvider(id llm.ProviderID, cfg config.AIConfig) llm.Provider {
	switch id {
	case llm.Anthropic:
		return anthropic.NewProvider(cfg.Anthropic)
	case llm.OpenAI:
		return openai.NewProvider(cfg.OpenAI)
	case llm.Ollama:
		return ollama.NewProvider(cfg.Ollama)
	default:
		return vllm.NewProvider(cfg.VLLM)
	}
}

// Primary returns the configured default provider.
func (r *Registry) Primary() Entry {
	return r.entries[r.primary]
}

// Next returns the provider after id in circular order. It reports false when
// id is the only available provider or is unknown.
func (r *Registry) Next(id llm.ProviderID) (Entry, bool) {
	n := len(r.entries)
	if n < 2 {
		return Entry{}, false
	}
	for i, e := range r.entries {
		if e.Provider.ID() == id {
			return r.entries[(i+1)%n], true
		}
	}
	return Entry{}, false
}

// Available lists the configured providers in fallback order.
func (r *Registry) Available() []llm.ProviderID {
	ids := make([]llm.ProviderID, len(r.entries))
	for i, e := range r.entries {
		ids[i] = e.Provider.ID()
	}
	return ids
}
