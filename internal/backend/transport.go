// Package backend holds the transport adapters that talk to the remote
// generation services: Ollama, OpenAI-compatible APIs (OpenAI, Grok),
// Anthropic, and a websocket gateway.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"

	"StreamChat/internal/config"
	"StreamChat/internal/session"
	"StreamChat/internal/stream"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "StreamChat/backend"

// Transport is the contract the chat controller consumes
type Transport interface {
	// Name returns the backend identifier
	Name() string

	// ListModels returns the model identifiers the service offers, in service order
	ListModels(ctx context.Context) ([]string, error)

	// StreamCompletion opens a streamed reply for req. The body ends when the
	// service signals completion. Canceling ctx aborts the stream and releases
	// the connection; the caller must Close the body.
	StreamCompletion(ctx context.Context, req Request) (io.ReadCloser, error)

	// Codec returns the wire format of the streamed body
	Codec() stream.Codec
}

// Request is one completion request
type Request struct {
	Messages     []session.Message // Ordered history ending with the new user message
	Model        string            // Empty lets the service pick its default
	SystemPrompt string
}

// ChatMessage is the role/content pair every chat API understands
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// chatMessages converts the transcript to wire messages. The system prompt is
// only added when inline is true; some APIs take it as a separate field.
// Assistant messages that never received content are left out.
func chatMessages(req Request, inline bool) []ChatMessage {
	out := make([]ChatMessage, 0, len(req.Messages)+1)
	if inline && req.SystemPrompt != "" {
		out = append(out, ChatMessage{Role: string(session.RoleSystem), Content: req.SystemPrompt})
	}
	for _, msg := range req.Messages {
		if msg.Role == session.RoleAssistant && msg.Content == "" {
			continue
		}
		out = append(out, ChatMessage{Role: string(msg.Role), Content: msg.Content})
	}
	return out
}

// New creates the transport selected by cfg.Backend
func New(cfg config.Config, logger *slog.Logger) (Transport, error) {
	switch cfg.Backend {
	case config.BackendOllama:
		return NewOllama(cfg.Ollama, logger), nil
	case config.BackendOpenAI:
		return NewOpenAI(config.BackendOpenAI, cfg.OpenAI, logger), nil
	case config.BackendGrok:
		return NewOpenAI(config.BackendGrok, cfg.Grok, logger), nil
	case config.BackendAnthropic:
		return NewAnthropic(cfg.Anthropic, logger), nil
	case config.BackendWebSocket:
		return NewWebSocket(cfg.WebSocket, logger), nil
	default:
		return nil, fmt.Errorf("unknown backend: %s", cfg.Backend)
	}
}

func orDefault(logger *slog.Logger) *slog.Logger {
	if logger == nil {
		return slog.Default()
	}
	return logger
}

func tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// getJSON performs a GET and decodes the JSON response into out
func getJSON(ctx context.Context, client *http.Client, backend, url string, header http.Header, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return &TransportError{Kind: KindProtocol, Backend: backend, Message: "failed to create request", Cause: err}
	}
	for k, v := range header {
		req.Header[k] = v
	}

	resp, err := client.Do(req)
	if err != nil {
		return requestError(ctx, backend, "failed to send request", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return statusError(backend, resp)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &TransportError{Kind: KindProtocol, Backend: backend, Message: "failed to decode response", Cause: err}
	}
	return nil
}

// postStream sends body as JSON and returns the response body of a 200 reply.
// The span ends when the returned body is closed.
func postStream(ctx context.Context, client *http.Client, backend, url string, header http.Header, body any, span trace.Span) (io.ReadCloser, error) {
	jsonData, err := json.Marshal(body)
	if err != nil {
		return nil, &TransportError{Kind: KindProtocol, Backend: backend, Message: "failed to marshal request", Cause: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonData))
	if err != nil {
		return nil, &TransportError{Kind: KindProtocol, Backend: backend, Message: "failed to create request", Cause: err}
	}
	for k, v := range header {
		req.Header[k] = v
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, requestError(ctx, backend, "failed to send request", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, statusError(backend, resp)
	}

	return &streamBody{ReadCloser: resp.Body, ctx: ctx, backend: backend, span: span}, nil
}

// streamBody maps body read failures to TransportErrors and ends the request span on Close
type streamBody struct {
	io.ReadCloser
	ctx     context.Context
	backend string
	span    trace.Span
	bytes   int64
	once    sync.Once
}

func (b *streamBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	b.bytes += int64(n)
	if err != nil && err != io.EOF {
		err = requestError(b.ctx, b.backend, "stream interrupted", err)
	}
	return n, err
}

func (b *streamBody) Close() error {
	err := b.ReadCloser.Close()
	b.once.Do(func() {
		if b.span != nil {
			b.span.SetAttributes(attribute.Int64("stream.bytes", b.bytes))
			b.span.End()
		}
	})
	return err
}

// endSpan records err on span and ends it; used on paths that never return a body
func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
