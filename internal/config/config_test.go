package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, BackendOllama, cfg.Backend)
	assert.Equal(t, 2*time.Minute, cfg.Timeout)
	assert.Equal(t, "http://localhost:11434", cfg.Ollama.BaseURL)
	assert.Equal(t, 2, cfg.Ollama.MaxRetries)
	assert.Equal(t, "OPENAI_API_KEY", cfg.OpenAI.APIKeyEnv)
	assert.Equal(t, 1024, cfg.Anthropic.MaxTokens)
	assert.True(t, cfg.Telemetry.Enabled)
	assert.False(t, cfg.Cache.Enabled)
	assert.False(t, cfg.Journal.Enabled)
	assert.NoError(t, cfg.Validate())
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	content := `
backend = "openai"
model = "gpt-4o-mini"
request_timeout = "45s"
system_prompt = "Be brief."

[ollama]
base_url = "http://gpu-box:11434"
keep_alive = "10m"

[ollama.options]
temperature = 0.2
num_ctx = 8192

[openai]
api_key = "sk-file"

[cache]
enabled = true
ttl = "1m"

[journal]
enabled = true
path = "turns.db"
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, BackendOpenAI, cfg.Backend)
	assert.Equal(t, "gpt-4o-mini", cfg.Model)
	assert.Equal(t, 45*time.Second, cfg.Timeout)
	assert.Equal(t, "Be brief.", cfg.SystemPrompt)
	assert.Equal(t, "http://gpu-box:11434", cfg.Ollama.BaseURL)
	assert.Equal(t, "10m", cfg.Ollama.KeepAlive)
	require.NotNil(t, cfg.Ollama.Options.Temperature)
	assert.InDelta(t, 0.2, *cfg.Ollama.Options.Temperature, 1e-9)
	require.NotNil(t, cfg.Ollama.Options.NumCtx)
	assert.Equal(t, 8192, *cfg.Ollama.Options.NumCtx)
	assert.Nil(t, cfg.Ollama.Options.TopK)
	assert.Equal(t, "sk-file", cfg.OpenAI.APIKey)
	assert.True(t, cfg.Cache.Enabled)
	assert.Equal(t, time.Minute, cfg.Cache.TTL)
	assert.Equal(t, "turns.db", cfg.Journal.Path)

	// untouched sections keep their defaults
	assert.Equal(t, "https://api.x.ai/v1", cfg.Grok.BaseURL)
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	assert.Error(t, err)
}

func TestLoad_InvalidBackend(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`backend = "palm"`), 0o600))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown backend")
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"STREAMCHAT_BACKEND": "grok",
		"STREAMCHAT_MODEL":   "grok-2",
		"OLLAMA_BASE_URL":    "http://10.0.0.2:11434",
		"GROK_API_KEY":       "xai-env",
		"OPENAI_API_KEY":     "sk-env",
	}
	cfg := Default()
	cfg.OpenAI.APIKey = "sk-file"

	cfg.applyEnv(func(k string) string { return env[k] })

	assert.Equal(t, BackendGrok, cfg.Backend)
	assert.Equal(t, "grok-2", cfg.Model)
	assert.Equal(t, "http://10.0.0.2:11434", cfg.Ollama.BaseURL)
	assert.Equal(t, "xai-env", cfg.Grok.APIKey)
	assert.Equal(t, "sk-file", cfg.OpenAI.APIKey, "file value wins over env")
	assert.Empty(t, cfg.Anthropic.APIKey)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{"defaults", func(c *Config) {}, false},
		{"websocket", func(c *Config) { c.Backend = BackendWebSocket }, false},
		{"unknown backend", func(c *Config) { c.Backend = "bard" }, true},
		{"negative timeout", func(c *Config) { c.Timeout = -time.Second }, true},
		{"negative ttl", func(c *Config) { c.Cache.TTL = -time.Second }, true},
		{"negative retries", func(c *Config) { c.Ollama.MaxRetries = -1 }, true},
		{"journal without path", func(c *Config) { c.Journal.Enabled = true; c.Journal.Path = "" }, true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if tc.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
