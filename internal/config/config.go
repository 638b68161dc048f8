package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

const (
	BackendOllama    = "ollama"
	BackendAnthropic = "anthropic"
	BackendGrok      = "grok"
	BackendOpenAI    = "openai"
	BackendWebSocket = "websocket"
)

// Backends lists every supported backend name
var Backends = []string{BackendOllama, BackendAnthropic, BackendGrok, BackendOpenAI, BackendWebSocket}

// Config holds application configuration
type Config struct {
	Backend      string        `toml:"backend"`
	Model        string        `toml:"model"` // Preferred model; must be listed by the backend when the list is known
	Debug        bool          `toml:"debug"`
	SystemPrompt string        `toml:"system_prompt"`
	Timeout      time.Duration `toml:"request_timeout"` // Per-turn deadline, 0 disables

	Ollama    OllamaConfig    `toml:"ollama"`
	OpenAI    HTTPConfig      `toml:"openai"`
	Grok      HTTPConfig      `toml:"grok"`
	Anthropic AnthropicConfig `toml:"anthropic"`
	WebSocket WebSocketConfig `toml:"websocket"`

	Cache     CacheConfig     `toml:"cache"`
	Journal   JournalConfig   `toml:"journal"`
	Telemetry TelemetryConfig `toml:"telemetry"`
}

// OllamaConfig configures the Ollama backend
type OllamaConfig struct {
	BaseURL    string        `toml:"base_url"`
	KeepAlive  string        `toml:"keep_alive"`
	MaxRetries int           `toml:"max_retries"` // Retries for model listing on connection failures
	RetryDelay time.Duration `toml:"retry_delay"` // Doubled after every attempt
	Options    OllamaOptions `toml:"options"`
}

// OllamaOptions are model parameters forwarded with every chat request
type OllamaOptions struct {
	Temperature   *float64 `toml:"temperature"`
	NumCtx        *int     `toml:"num_ctx"`
	TopP          *float64 `toml:"top_p"`
	TopK          *int     `toml:"top_k"`
	RepeatPenalty *float64 `toml:"repeat_penalty"`
}

// HTTPConfig configures an OpenAI-compatible backend
type HTTPConfig struct {
	BaseURL   string `toml:"base_url"`
	APIKey    string `toml:"api_key"`
	APIKeyEnv string `toml:"api_key_env"`
}

// AnthropicConfig configures the Anthropic backend
type AnthropicConfig struct {
	HTTPConfig
	MaxTokens    int    `toml:"max_tokens"`
	DefaultModel string `toml:"default_model"` // Sent when no model is selected; the API requires one
}

// WebSocketConfig configures the websocket gateway backend
type WebSocketConfig struct {
	URL string `toml:"url"`
}

// CacheConfig configures the response cache
type CacheConfig struct {
	Enabled bool          `toml:"enabled"`
	TTL     time.Duration `toml:"ttl"`
}

// JournalConfig configures the sqlite turn journal
type JournalConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// TelemetryConfig configures logging, tracing and metrics output
type TelemetryConfig struct {
	Enabled bool   `toml:"enabled"`
	LogDir  string `toml:"log_dir"`
}

// Default returns the built-in configuration
func Default() Config {
	return Config{
		Backend: BackendOllama,
		Timeout: 2 * time.Minute,
		Ollama: OllamaConfig{
			BaseURL:    "http://localhost:11434",
			MaxRetries: 2,
			RetryDelay: time.Second,
		},
		OpenAI: HTTPConfig{
			BaseURL:   "https://api.openai.com/v1",
			APIKeyEnv: "OPENAI_API_KEY",
		},
		Grok: HTTPConfig{
			BaseURL:   "https://api.x.ai/v1",
			APIKeyEnv: "GROK_API_KEY",
		},
		Anthropic: AnthropicConfig{
			HTTPConfig: HTTPConfig{
				BaseURL:   "https://api.anthropic.com",
				APIKeyEnv: "ANTHROPIC_API_KEY",
			},
			MaxTokens:    1024,
			DefaultModel: "claude-sonnet-4-20250514",
		},
		WebSocket: WebSocketConfig{
			URL: "ws://localhost:8080/chat",
		},
		Cache: CacheConfig{
			TTL: 10 * time.Minute,
		},
		Journal: JournalConfig{
			Path: "streamchat.db",
		},
		Telemetry: TelemetryConfig{
			Enabled: true,
			LogDir:  "logs",
		},
	}
}

// DefaultPath returns ~/.streamchat/config.toml
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".streamchat", "config.toml")
}

// Load builds the configuration from defaults, the TOML file at path and the
// environment. A missing file at the default path is not an error.
func Load(path string) (Config, error) {
	cfg := Default()

	explicit := path != ""
	if !explicit {
		path = DefaultPath()
	}
	if path != "" {
		_, err := toml.DecodeFile(path, &cfg)
		if err != nil && (explicit || !errors.Is(err, os.ErrNotExist)) {
			return cfg, fmt.Errorf("failed to load config %s: %w", path, err)
		}
	}

	cfg.applyEnv(os.Getenv)
	return cfg, cfg.Validate()
}

func (c *Config) applyEnv(getenv func(string) string) {
	if v := getenv("STREAMCHAT_BACKEND"); v != "" {
		c.Backend = v
	}
	if v := getenv("STREAMCHAT_MODEL"); v != "" {
		c.Model = v
	}
	if v := getenv("OLLAMA_BASE_URL"); v != "" {
		c.Ollama.BaseURL = v
	}
	for _, h := range []*HTTPConfig{&c.OpenAI, &c.Grok, &c.Anthropic.HTTPConfig} {
		if h.APIKey == "" && h.APIKeyEnv != "" {
			h.APIKey = getenv(h.APIKeyEnv)
		}
	}
}

// Validate checks the configuration for values no component can work with
func (c Config) Validate() error {
	known := false
	for _, b := range Backends {
		if c.Backend == b {
			known = true
			break
		}
	}
	if !known {
		return fmt.Errorf("unknown backend: %s (%s)", c.Backend, strings.Join(Backends, "|"))
	}
	if c.Timeout < 0 {
		return fmt.Errorf("request_timeout must not be negative")
	}
	if c.Cache.TTL < 0 {
		return fmt.Errorf("cache ttl must not be negative")
	}
	if c.Ollama.MaxRetries < 0 {
		return fmt.Errorf("ollama max_retries must not be negative")
	}
	if c.Journal.Enabled && c.Journal.Path == "" {
		return fmt.Errorf("journal path is required when the journal is enabled")
	}
	return nil
}
