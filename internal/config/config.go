package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the evalrunner server.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Content  ContentConfig
	AI       AIConfig
	Runner   RunnerConfig
}

type ServerConfig struct {
	Port int
	Env  string
	// RateLimitPerMin bounds authenticated requests per API key.
	RateLimitPerMin int
}

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type RedisConfig struct {
	URL         string
	ProgressTTL time.Duration
}

// ContentConfig selects the content source. An empty BaseURL means content is
// read from the contents table.
type ContentConfig struct {
	BaseURL string
	Token   string
	Timeout time.Duration
}

type AIConfig struct {
	Provider         string
	InferenceTimeout time.Duration
	MaxRetries       int
	BackoffBase      time.Duration
	BackoffCap       time.Duration
	ModelFallback    bool
	MaxTokens        int
	Ollama           OllamaConfig
	VLLM             VLLMConfig
	OpenAI           OpenAIConfig
	Anthropic        AnthropicConfig
}

type OllamaConfig struct {
	BaseURL string
	Model   string
	Timeout time.Duration
}

type VLLMConfig struct {
	BaseURL string
	Model   string
	APIKey  string
	Timeout time.Duration
}

type OpenAIConfig struct {
	BaseURL string
	APIKey  string
	Model   string
	Timeout time.Duration
}

type AnthropicConfig struct {
	BaseURL string
	APIKey  string
	Model   string
	Timeout time.Duration
}

// RunnerConfig tunes the job pipeline. LockTTL must exceed Config.MaxJobDuration,
// otherwise a healthy in-flight job may be reclaimed by another worker.
type RunnerConfig struct {
	LockTTL            time.Duration
	MaxAttempts        int
	TickInterval       time.Duration
	TickTimeout        time.Duration
	MaxTickConcurrency int
	DefaultConcurrency int
	HarvestMargin      time.Duration
}

var validProviders = map[string]bool{
	"ollama":    true,
	"vllm":      true,
	"openai":    true,
	"anthropic": true,
}

// Load reads configuration from the environment (after a best-effort .env load)
// and returns a validated Config.
func Load() (*Config, error) {
	_ = godotenv.Load()

	inferenceTimeout := envDurationSecs("AI_INFERENCE_TIMEOUT_SECS", 60*time.Second)

	cfg := &Config{
		Server: ServerConfig{
			Port:            envInt("EVALRUNNER_PORT", 8080),
			Env:             envString("EVALRUNNER_ENV", "development"),
			RateLimitPerMin: envInt("EVALRUNNER_RATE_LIMIT_PER_MIN", 60),
		},
		Database: databaseFromEnv(),
		Redis: RedisConfig{
			URL:         os.Getenv("REDIS_URL"),
			ProgressTTL: envDuration("REDIS_PROGRESS_TTL", 24*time.Hour),
		},
		Content: ContentConfig{
			BaseURL: strings.TrimRight(os.Getenv("CONTENT_BASE_URL"), "/"),
			Token:   os.Getenv("CONTENT_TOKEN"),
			Timeout: envDuration("CONTENT_TIMEOUT", 15*time.Second),
		},
		AI: AIConfig{
			Provider:         os.Getenv("AI_PROVIDER"),
			InferenceTimeout: inferenceTimeout,
			MaxRetries:       envInt("AI_MAX_RETRIES", 3),
			BackoffBase:      envDuration("AI_BACKOFF_BASE", time.Second),
			BackoffCap:       envDuration("AI_BACKOFF_CAP", 10*time.Second),
			ModelFallback:    envBool("AI_MODEL_FALLBACK", true),
			MaxTokens:        envInt("AI_MAX_TOKENS", 1024),
			Ollama: OllamaConfig{
				BaseURL: os.Getenv("OLLAMA_BASE_URL"),
				Model:   envString("OLLAMA_MODEL", "llama3"),
				Timeout: envDurationSecs("OLLAMA_TIMEOUT_SECS", inferenceTimeout),
			},
			VLLM: VLLMConfig{
				BaseURL: os.Getenv("VLLM_BASE_URL"),
				Model:   envString("VLLM_MODEL", ""),
				APIKey:  os.Getenv("VLLM_API_KEY"),
				Timeout: envDurationSecs("VLLM_TIMEOUT_SECS", inferenceTimeout),
			},
			OpenAI: OpenAIConfig{
				BaseURL: envString("OPENAI_BASE_URL", "https://api.openai.com"),
				APIKey:  os.Getenv("OPENAI_API_KEY"),
				Model:   envString("OPENAI_MODEL", "gpt-4o-mini"),
				Timeout: envDurationSecs("OPENAI_TIMEOUT_SECS", inferenceTimeout),
			},
			Anthropic: AnthropicConfig{
				BaseURL: envString("ANTHROPIC_BASE_URL", "https://api.anthropic.com"),
				APIKey:  os.Getenv("ANTHROPIC_API_KEY"),
				Model:   envString("ANTHROPIC_MODEL", "claude-sonnet-4-5-20250929"),
				Timeout: envDurationSecs("ANTHROPIC_TIMEOUT_SECS", inferenceTimeout),
			},
		},
		Runner: RunnerConfig{
			LockTTL:            envDuration("RUNNER_LOCK_TTL", 5*time.Minute),
			MaxAttempts:        envInt("RUNNER_MAX_ATTEMPTS", 3),
			TickInterval:       envDuration("RUNNER_TICK_INTERVAL", 15*time.Second),
			TickTimeout:        envDuration("RUNNER_TICK_TIMEOUT", 4*time.Minute),
			MaxTickConcurrency: envInt("RUNNER_MAX_TICK_CONCURRENCY", 20),
			DefaultConcurrency: envInt("RUNNER_DEFAULT_CONCURRENCY", 4),
			HarvestMargin:      envDuration("RUNNER_HARVEST_MARGIN", 30*time.Second),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadDatabase reads only the database settings, for tools that need nothing else.
func LoadDatabase() (DatabaseConfig, error) {
	_ = godotenv.Load()

	db := databaseFromEnv()
	if db.URL == "" {
		return DatabaseConfig{}, fmt.Errorf("DATABASE_URL is required")
	}
	return db, nil
}

func databaseFromEnv() DatabaseConfig {
	return DatabaseConfig{
		URL:             os.Getenv("DATABASE_URL"),
		MaxOpenConns:    envInt("DATABASE_MAX_OPEN_CONNS", 25),
		MaxIdleConns:    envInt("DATABASE_MAX_IDLE_CONNS", 5),
		ConnMaxLifetime: envDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
	}
}

func (c *Config) validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if c.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}

	if c.Content.BaseURL != "" && !isHTTPURL(c.Content.BaseURL) {
		return fmt.Errorf("CONTENT_BASE_URL must start with http:// or https://, got %q", c.Content.BaseURL)
	}

	if c.AI.Provider == "" {
		return fmt.Errorf("AI_PROVIDER is required")
	}
	if !validProviders[c.AI.Provider] {
		return fmt.Errorf("AI_PROVIDER must be one of ollama, vllm, openai, anthropic; got %q", c.AI.Provider)
	}

	switch c.AI.Provider {
	case "openai":
		if c.AI.OpenAI.APIKey == "" {
			return fmt.Errorf("OPENAI_API_KEY is required when AI_PROVIDER is openai")
		}
	case "anthropic":
		if c.AI.Anthropic.APIKey == "" {
			return fmt.Errorf("ANTHROPIC_API_KEY is required when AI_PROVIDER is anthropic")
		}
	case "ollama":
		if c.AI.Ollama.BaseURL == "" {
			return fmt.Errorf("OLLAMA_BASE_URL is required when AI_PROVIDER is ollama")
		}
	case "vllm":
		if c.AI.VLLM.BaseURL == "" || c.AI.VLLM.Model == "" {
			return fmt.Errorf("VLLM_BASE_URL and VLLM_MODEL are required when AI_PROVIDER is vllm")
		}
	}

	if c.AI.MaxRetries < 1 {
		return fmt.Errorf("AI_MAX_RETRIES must be >= 1, got %d", c.AI.MaxRetries)
	}
	if c.AI.BackoffCap < c.AI.BackoffBase {
		return fmt.Errorf("AI_BACKOFF_CAP (%s) must not be below AI_BACKOFF_BASE (%s)", c.AI.BackoffCap, c.AI.BackoffBase)
	}

	if c.Runner.MaxAttempts < 1 {
		return fmt.Errorf("RUNNER_MAX_ATTEMPTS must be >= 1, got %d", c.Runner.MaxAttempts)
	}
	if c.Runner.MaxTickConcurrency < 1 {
		return fmt.Errorf("RUNNER_MAX_TICK_CONCURRENCY must be >= 1, got %d", c.Runner.MaxTickConcurrency)
	}
	if worst := c.MaxJobDuration(); c.Runner.LockTTL <= worst {
		return fmt.Errorf("RUNNER_LOCK_TTL (%s) must exceed the longest a job can run (%s: %d provider attempts, backoff, fallback and content fetch)",
			c.Runner.LockTTL, worst, c.AI.MaxRetries)
	}

	return nil
}

// MaxJobDuration bounds how long a healthy job holds its lock: the content
// fetch, every provider attempt with the backoff between them, and the
// fallback call.
func (c *Config) MaxJobDuration() time.Duration {
	call := c.AI.longestTimeout()
	d := time.Duration(c.AI.MaxRetries) * call

	delay := c.AI.BackoffBase
	for i := 1; i < c.AI.MaxRetries; i++ {
		d += min(delay, c.AI.BackoffCap)
		delay = min(delay*2, c.AI.BackoffCap)
	}
	if c.AI.ModelFallback {
		d += call
	}
	if c.Content.BaseURL != "" {
		d += c.Content.Timeout
	}
	return d
}

func (a AIConfig) longestTimeout() time.Duration {
	longest := a.InferenceTimeout
	for _, d := range []time.Duration{a.Ollama.Timeout, a.VLLM.Timeout, a.OpenAI.Timeout, a.Anthropic.Timeout} {
		if d > longest {
			longest = d
		}
	}
	return longest
}

func isHTTPURL(s string) bool {
	return strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://")
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

func envDurationSecs(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	secs, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return time.Duration(secs) * time.Second
}
