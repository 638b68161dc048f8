package backend

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"StreamChat/internal/config"
	"StreamChat/internal/stream"

	"go.opentelemetry.io/otel/attribute"
)

// OllamaRequest represents the request body for Ollama API
type OllamaRequest struct {
	Model     string         `json:"model,omitempty"`
	Messages  []ChatMessage  `json:"messages"`
	Stream    bool           `json:"stream"`
	Options   *OllamaOptions `json:"options,omitempty"`
	KeepAlive string         `json:"keep_alive,omitempty"`
}

// OllamaOptions contains model parameters for inference
type OllamaOptions struct {
	Temperature   *float64 `json:"temperature,omitempty"`
	NumCtx        *int     `json:"num_ctx,omitempty"`
	TopP          *float64 `json:"top_p,omitempty"`
	TopK          *int     `json:"top_k,omitempty"`
	RepeatPenalty *float64 `json:"repeat_penalty,omitempty"`
}

// OllamaTagsResponse represents the response from Ollama /api/tags endpoint
type OllamaTagsResponse struct {
	Models []OllamaModel `json:"models"`
}

// OllamaModel represents a single model in the Ollama tags response
type OllamaModel struct {
	Name       string `json:"name"`
	ModifiedAt string `json:"modified_at"`
	Size       int64  `json:"size"`
	Digest     string `json:"digest"`
}

// OllamaTransport streams chat completions from a local or remote Ollama server
type OllamaTransport struct {
	baseURL    string
	keepAlive  string
	options    *OllamaOptions
	maxRetries int
	retryDelay time.Duration

	httpClient   *http.Client
	streamClient *http.Client
	logger       *slog.Logger
}

// NewOllama creates an Ollama transport
func NewOllama(cfg config.OllamaConfig, logger *slog.Logger) *OllamaTransport {
	t := &OllamaTransport{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		keepAlive:  cfg.KeepAlive,
		maxRetries: cfg.MaxRetries,
		retryDelay: cfg.RetryDelay,
		// listing is bounded; streams are bounded by the caller's context
		httpClient:   &http.Client{Timeout: 30 * time.Second},
		streamClient: &http.Client{},
		logger:       orDefault(logger),
	}
	if t.baseURL == "" {
		t.baseURL = "http://localhost:11434"
	}
	if t.retryDelay <= 0 {
		t.retryDelay = time.Second
	}

	o := cfg.Options
	if o.Temperature != nil || o.NumCtx != nil || o.TopP != nil || o.TopK != nil || o.RepeatPenalty != nil {
		t.options = &OllamaOptions{
			Temperature:   o.Temperature,
			NumCtx:        o.NumCtx,
			TopP:          o.TopP,
			TopK:          o.TopK,
			RepeatPenalty: o.RepeatPenalty,
		}
	}
	return t
}

// Name returns the backend identifier
func (t *OllamaTransport) Name() string {
	return config.BackendOllama
}

// Codec returns the NDJSON codec
func (t *OllamaTransport) Codec() stream.Codec {
	return stream.OllamaCodec{}
}

// ListModels fetches the list of available Ollama models. Connection failures
// are retried with exponential backoff.
func (t *OllamaTransport) ListModels(ctx context.Context) ([]string, error) {
	ctx, span := tracer().Start(ctx, "ollama.list_models")

	var tags OllamaTagsResponse
	var err error
	delay := t.retryDelay
	for attempt := 0; ; attempt++ {
		err = getJSON(ctx, t.httpClient, t.Name(), t.baseURL+"/api/tags", nil, &tags)
		if err == nil || KindOf(err) != KindConnection || attempt >= t.maxRetries {
			break
		}

		t.logger.Warn("listing models failed, retrying",
			"backend", t.Name(), "attempt", attempt+1, "delay", delay, "error", err)
		select {
		case <-ctx.Done():
			err = requestError(ctx, t.Name(), "request canceled", ctx.Err())
			endSpan(span, err)
			return nil, err
		case <-time.After(delay):
		}
		delay *= 2
	}
	if err != nil {
		endSpan(span, err)
		return nil, err
	}

	names := make([]string, 0, len(tags.Models))
	for _, m := range tags.Models {
		names = append(names, m.Name)
	}
	span.SetAttributes(attribute.Int("models.count", len(names)))
	endSpan(span, nil)
	return names, nil
}

// StreamCompletion opens a streaming /api/chat request
func (t *OllamaTransport) StreamCompletion(ctx context.Context, req Request) (io.ReadCloser, error) {
	ctx, span := tracer().Start(ctx, "ollama.stream")
	span.SetAttributes(
		attribute.String("llm.model", req.Model),
		attribute.Int("llm.messages", len(req.Messages)),
	)

	body := OllamaRequest{
		Model:     req.Model,
		Messages:  chatMessages(req, true),
		Stream:    true,
		Options:   t.options,
		KeepAlive: t.keepAlive,
	}

	t.logger.Debug("opening stream", "backend", t.Name(), "model", body.Model, "messages", len(body.Messages))
	rc, err := postStream(ctx, t.streamClient, t.Name(), t.baseURL+"/api/chat", nil, body, span)
	if err != nil {
		endSpan(span, err)
		return nil, err
	}
	return rc, nil
}
