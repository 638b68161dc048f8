package chatbot

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"StreamChat/internal/backend"
	"StreamChat/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ollamaStub serves /api/tags and streams a fixed reply from /api/chat
type ollamaStub struct {
	mu       sync.Mutex
	requests []backend.OllamaRequest
}

func (s *ollamaStub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/api/tags":
		w.Write([]byte(`{"models":[{"name":"llama3:8b"},{"name":"qwen2:7b"}]}`))
	case "/api/chat":
		var req backend.OllamaRequest
		json.NewDecoder(r.Body).Decode(&req)
		s.mu.Lock()
		s.requests = append(s.requests, req)
		s.mu.Unlock()

		for _, part := range []string{"Hi", " there"} {
			b, _ := json.Marshal(part)
			w.Write([]byte(`{"message":{"role":"assistant","content":` + string(b) + `},"done":false}` + "\n"))
			w.(http.Flusher).Flush()
		}
		w.Write([]byte(`{"done":true,"done_reason":"stop"}` + "\n"))
	default:
		http.NotFound(w, r)
	}
}

func testConfig(url string) config.Config {
	cfg := config.Default()
	cfg.Ollama.BaseURL = url
	cfg.Ollama.MaxRetries = 0
	cfg.Timeout = 5 * time.Second
	return cfg
}

func run(t *testing.T, cfg config.Config, input string) string {
	t.Helper()
	var out bytes.Buffer
	bot, err := NewChatBot(cfg, Options{In: strings.NewReader(input), Out: &out})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, bot.Run(ctx))
	return out.String()
}

func TestRunStreamsReply(t *testing.T) {
	stub := &ollamaStub{}
	srv := httptest.NewServer(stub)
	defer srv.Close()

	out := run(t, testConfig(srv.URL), "/models\n/model qwen2:7b\nhello\n/status\n/quit\n")

	assert.Contains(t, out, "Backend: ollama")
	assert.Contains(t, out, "Model: llama3:8b")
	assert.Contains(t, out, "1. llama3:8b (current)")
	assert.Contains(t, out, "Model set to: qwen2:7b")
	assert.Contains(t, out, "Bot: Hi there\n")
	assert.Contains(t, out, "Status: idle")
	assert.Contains(t, out, "Messages: 2")
	assert.Contains(t, out, "Goodbye!")

	stub.mu.Lock()
	defer stub.mu.Unlock()
	require.Len(t, stub.requests, 1)
	assert.Equal(t, "qwen2:7b", stub.requests[0].Model)
	require.Len(t, stub.requests[0].Messages, 1)
	assert.Equal(t, "hello", stub.requests[0].Messages[0].Content)
}

func TestRunReportsTurnErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/tags" {
			w.Write([]byte(`{"models":[]}`))
			return
		}
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte(`{"error":"out of memory"}`))
	}))
	defer srv.Close()

	out := run(t, testConfig(srv.URL), "hello\n/status\n")

	assert.Contains(t, out, "Error: could not reach the model")
	assert.Contains(t, out, "out of memory")
	assert.Contains(t, out, "Status: error")
	assert.Contains(t, out, "Last error (transport)")
}

func TestRunWithoutBackend(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	out := run(t, testConfig(url), "/models\n/quit\n")
	assert.Contains(t, out, "Warning: could not list models")
	assert.Contains(t, out, "No models listed")
}

func TestCommands(t *testing.T) {
	stub := &ollamaStub{}
	srv := httptest.NewServer(stub)
	defer srv.Close()

	cfg := testConfig(srv.URL)
	cfg.Journal.Enabled = true
	cfg.Journal.Path = filepath.Join(t.TempDir(), "turns.db")

	out := run(t, cfg, strings.Join([]string{
		"/help",
		"/bogus",
		"/model",
		"/model nope",
		"/switch",
		"/switch carrier-pigeon",
		"/cancel",
		"hello",
		"/journal 5",
		"/journal x",
		"/new-session",
		"/status",
		"/exit",
	}, "\n")+"\n")

	assert.Contains(t, out, "/journal [n]")
	assert.Contains(t, out, "unknown command: /bogus")
	assert.Contains(t, out, "usage: /model <model>")
	assert.Contains(t, out, "unknown model: nope")
	assert.Contains(t, out, "usage: /switch <backend>")
	assert.Contains(t, out, "unknown backend: carrier-pigeon")
	assert.Contains(t, out, "Nothing to cancel.")
	assert.Contains(t, out, "Recent turns:")
	assert.Contains(t, out, "complete")
	assert.Contains(t, out, "usage: /journal [count]")
	assert.Contains(t, out, "Started new session: session_")
	assert.Contains(t, out, "Messages: 0")
}

func TestJournalDisabled(t *testing.T) {
	stub := &ollamaStub{}
	srv := httptest.NewServer(stub)
	defer srv.Close()

	out := run(t, testConfig(srv.URL), "/journal\n/quit\n")
	assert.Contains(t, out, "Journal is not enabled")
}

func TestSwitchBackend(t *testing.T) {
	stub := &ollamaStub{}
	srv := httptest.NewServer(stub)
	defer srv.Close()

	cfg := testConfig(srv.URL)
	cfg.OpenAI.APIKey = ""
	cfg.OpenAI.BaseURL = srv.URL

	out := run(t, cfg, "/switch openai\n/status\n/quit\n")
	assert.Contains(t, out, "Switched to openai backend")
	assert.Contains(t, out, "Backend: openai")
	assert.Contains(t, out, "OPENAI_API_KEY not set")
}

func TestRunReturnsWhenContextEndsMidReply(t *testing.T) {
	started := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/tags" {
			w.Write([]byte(`{"models":[{"name":"llama3:8b"}]}`))
			return
		}
		w.Write([]byte(`{"message":{"role":"assistant","content":"Hi"},"done":false}` + "\n"))
		w.(http.Flusher).Flush()
		close(started)
		<-r.Context().Done()
	}))
	defer srv.Close()

	var out bytes.Buffer
	bot, err := NewChatBot(testConfig(srv.URL), Options{In: strings.NewReader("hello\n"), Out: &out})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-started:
			cancel()
		case <-time.After(5 * time.Second):
		}
	}()

	err = bot.Run(ctx)
	assert.True(t, errors.Is(err, context.Canceled), "got %v", err)
}
