// Package llm defines the provider contract shared by every model backend: the
// closed set of provider identities, the request/response records and the
// error taxonomy used to decide retries.
package llm

import (
	"context"
	"fmt"
	"time"

	"github.com/kiranshivaraju/evalrunner/internal/config"
)

// ProviderID identifies one of the supported backends. The set is closed; the
// order of All is the circular order used for fallback.
type ProviderID int

const (
	Anthropic ProviderID = iota + 1
	OpenAI
	Ollama
	VLLM
)

var allProviders = []ProviderID{Anthropic, OpenAI, Ollama, VLLM}

// All returns every known provider in fallback order.
func All() []ProviderID {
	out := make([]ProviderID, len(allProviders))
	copy(out, allProviders)
	return out
}

func (id ProviderID) String() string {
	switch id {
	case Anthropic:
		return "anthropic"
	case OpenAI:
		return "openai"
	case Ollama:
		return "ollama"
	case VLLM:
		return "vllm"
	default:
		return fmt.Sprintf("provider(%d)", int(id))
	}
}

// ParseProviderID maps a configuration value onto a ProviderID.
func ParseProviderID(s string) (ProviderID, error) {
	for _, id := range allProviders {
		if id.String() == s {
			return id, nil
		}
	}
	return 0, fmt.Errorf("unknown AI provider %q: must be one of anthropic, openai, ollama, vllm", s)
}

// Configured reports whether cfg carries the credentials this provider needs.
func (id ProviderID) Configured(cfg config.AIConfig) bool {
	switch id {
	case Anthropic:
		return cfg.Anthropic.APIKey != ""
	case OpenAI:
		return cfg.OpenAI.APIKey != ""
	case Ollama:
		return cfg.Ollama.BaseURL != ""
	case VLLM:
		return cfg.VLLM.BaseURL != "" && cfg.VLLM.Model != ""
	default:
		return false
	}
}

// Timeout is the per-call deadline for this provider.
func (id ProviderID) Timeout(cfg config.AIConfig) time.Duration {
	var d time.Duration
	switch id {
	case Anthropic:
		d = cfg.Anthropic.Timeout
	case OpenAI:
		d = cfg.OpenAI.Timeout
	case Ollama:
		d = cfg.Ollama.Timeout
	case VLLM:
		d = cfg.VLLM.Timeout
	}
	if d <= 0 {
		d = cfg.InferenceTimeout
	}
	return d
}

// statusOverrides holds provider-specific HTTP status classifications that
// differ from the common table in ClassifyStatus.
var statusOverrides = map[ProviderID]map[int]Kind{
	// 529 is Anthropic's "overloaded" response.
	Anthropic: {529: KindRateLimited},
}

// ClassifyStatus maps a non-2xx HTTP status onto an error Kind.
func (id ProviderID) ClassifyStatus(status int) Kind {
	if k, ok := statusOverrides[id][status]; ok {
		return k
	}
	switch {
	case status == 401 || status == 403:
		return KindAuth
	case status == 429:
		return KindRateLimited
	case status == 408 || status == 504:
		return KindTimeout
	default:
		return KindProvider
	}
}

// Request is a single completion request.
type Request struct {
	System    string
	Prompt    string
	MaxTokens int
}

// Completion is the raw provider answer.
type Completion struct {
	Text       string
	Model      string
	TokensUsed *int
}

// Provider is implemented by every backend.
type Provider interface {
	ID() ProviderID
	Name() string
	Model() string
	Complete(ctx context.Context, req Request) (Completion, error)
}
