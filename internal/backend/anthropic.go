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

const anthropicVersion = "2023-06-01"

// AnthropicRequest represents the request body for Anthropic API
type AnthropicRequest struct {
	Model     string        `json:"model"`
	MaxTokens int           `json:"max_tokens"`
	System    string        `json:"system,omitempty"`
	Messages  []ChatMessage `json:"messages"`
	Stream    bool          `json:"stream"`
}

// AnthropicModelsResponse represents the response from /v1/models
type AnthropicModelsResponse struct {
	Data []struct {
		ID          string `json:"id"`
		DisplayName string `json:"display_name"`
	} `json:"data"`
}

// AnthropicTransport streams replies from the Anthropic Messages API
type AnthropicTransport struct {
	baseURL      string
	apiKey       string
	keyEnv       string
	maxTokens    int
	defaultModel string

	httpClient   *http.Client
	streamClient *http.Client
	logger       *slog.Logger
}

// NewAnthropic creates an Anthropic transport
func NewAnthropic(cfg config.AnthropicConfig, logger *slog.Logger) *AnthropicTransport {
	t := &AnthropicTransport{
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:       cfg.APIKey,
		keyEnv:       cfg.APIKeyEnv,
		maxTokens:    cfg.MaxTokens,
		defaultModel: cfg.DefaultModel,
		httpClient:   &http.Client{Timeout: 30 * time.Second},
		streamClient: &http.Client{},
		logger:       orDefault(logger),
	}
	if t.maxTokens <= 0 {
		t.maxTokens = 1024
	}
	return t
}

// Name returns the backend identifier
func (t *AnthropicTransport) Name() string {
	return config.BackendAnthropic
}

// Codec returns the Anthropic SSE codec
func (t *AnthropicTransport) Codec() stream.Codec {
	return stream.AnthropicCodec{}
}

func (t *AnthropicTransport) header() (http.Header, error) {
	if t.apiKey == "" {
		return nil, &TransportError{Kind: KindUnauthorized, Backend: t.Name(), Message: t.keyEnv + " not set"}
	}
	h := http.Header{}
	h.Set("x-api-key", t.apiKey)
	h.Set("anthropic-version", anthropicVersion)
	return h, nil
}

// ListModels returns the model ids from /v1/models
func (t *AnthropicTransport) ListModels(ctx context.Context) ([]string, error) {
	ctx, span := tracer().Start(ctx, "anthropic.list_models")

	h, err := t.header()
	if err != nil {
		endSpan(span, err)
		return nil, err
	}

	var resp AnthropicModelsResponse
	if err := getJSON(ctx, t.httpClient, t.Name(), t.baseURL+"/v1/models", h, &resp); err != nil {
		endSpan(span, err)
		return nil, err
	}

	ids := make([]string, 0, len(resp.Data))
	for _, m := range resp.Data {
		ids = append(ids, m.ID)
	}
	span.SetAttributes(attribute.Int("models.count", len(ids)))
	endSpan(span, nil)
	return ids, nil
}

// StreamCompletion opens a streaming /v1/messages request. The API requires a
// model, so the configured default is sent when none is selected.
func (t *AnthropicTransport) StreamCompletion(ctx context.Context, req Request) (io.ReadCloser, error) {
	model := req.Model
	if model == "" {
		model = t.defaultModel
	}

	ctx, span := tracer().Start(ctx, "anthropic.stream")
	span.SetAttributes(
		attribute.String("llm.model", model),
		attribute.Int("llm.messages", len(req.Messages)),
	)

	h, err := t.header()
	if err != nil {
		endSpan(span, err)
		return nil, err
	}
	h.Set("Accept", "text/event-stream")

	body := AnthropicRequest{
		Model:     model,
		MaxTokens: t.maxTokens,
		System:    req.SystemPrompt,
		Messages:  chatMessages(req, false),
		Stream:    true,
	}

	t.logger.Debug("opening stream", "backend", t.Name(), "model", body.Model, "messages", len(body.Messages))
	rc, err := postStream(ctx, t.streamClient, t.Name(), t.baseURL+"/v1/messages", h, body, span)
	if err != nil {
		endSpan(span, err)
		return nil, err
	}
	return rc, nil
}
