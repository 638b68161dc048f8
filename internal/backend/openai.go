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

// OpenAIRequest represents the request body for OpenAI-compatible APIs
type OpenAIRequest struct {
	Model         string               `json:"model,omitempty"`
	Messages      []ChatMessage        `json:"messages"`
	Stream        bool                 `json:"stream"`
	StreamOptions *OpenAIStreamOptions `json:"stream_options,omitempty"`
}

// OpenAIStreamOptions asks the service to append a usage chunk to the stream
type OpenAIStreamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

// OpenAIModelsResponse represents the response from the /models endpoint
type OpenAIModelsResponse struct {
	Data []struct {
		ID      string `json:"id"`
		OwnedBy string `json:"owned_by"`
	} `json:"data"`
}

// OpenAITransport streams chat completions from an OpenAI-compatible API.
// Grok uses the same wire format.
type OpenAITransport struct {
	name    string
	baseURL string
	apiKey  string
	keyEnv  string

	httpClient   *http.Client
	streamClient *http.Client
	logger       *slog.Logger
}

// NewOpenAI creates an OpenAI-compatible transport registered under name
func NewOpenAI(name string, cfg config.HTTPConfig, logger *slog.Logger) *OpenAITransport {
	return &OpenAITransport{
		name:         name,
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:       cfg.APIKey,
		keyEnv:       cfg.APIKeyEnv,
		httpClient:   &http.Client{Timeout: 30 * time.Second},
		streamClient: &http.Client{},
		logger:       orDefault(logger),
	}
}

// Name returns the backend identifier
func (t *OpenAITransport) Name() string {
	return t.name
}

// Codec returns the OpenAI SSE codec
func (t *OpenAITransport) Codec() stream.Codec {
	return stream.OpenAICodec{}
}

func (t *OpenAITransport) header() (http.Header, error) {
	if t.apiKey == "" {
		return nil, &TransportError{Kind: KindUnauthorized, Backend: t.name, Message: t.keyEnv + " not set"}
	}
	h := http.Header{}
	h.Set("Authorization", "Bearer "+t.apiKey)
	return h, nil
}

// ListModels returns the model ids from /models, deduplicated in service order
func (t *OpenAITransport) ListModels(ctx context.Context) ([]string, error) {
	ctx, span := tracer().Start(ctx, t.name+".list_models")

	h, err := t.header()
	if err != nil {
		endSpan(span, err)
		return nil, err
	}

	var resp OpenAIModelsResponse
	if err := getJSON(ctx, t.httpClient, t.name, t.baseURL+"/models", h, &resp); err != nil {
		endSpan(span, err)
		return nil, err
	}

	seen := make(map[string]bool, len(resp.Data))
	ids := make([]string, 0, len(resp.Data))
	for _, m := range resp.Data {
		if m.ID == "" || seen[m.ID] {
			continue
		}
		seen[m.ID] = true
		ids = append(ids, m.ID)
	}
	span.SetAttributes(attribute.Int("models.count", len(ids)))
	endSpan(span, nil)
	return ids, nil
}

// StreamCompletion opens a streaming /chat/completions request
func (t *OpenAITransport) StreamCompletion(ctx context.Context, req Request) (io.ReadCloser, error) {
	ctx, span := tracer().Start(ctx, t.name+".stream")
	span.SetAttributes(
		attribute.String("llm.model", req.Model),
		attribute.Int("llm.messages", len(req.Messages)),
	)

	h, err := t.header()
	if err != nil {
		endSpan(span, err)
		return nil, err
	}
	h.Set("Accept", "text/event-stream")

	body := OpenAIRequest{
		Model:         req.Model,
		Messages:      chatMessages(req, true),
		Stream:        true,
		StreamOptions: &OpenAIStreamOptions{IncludeUsage: true},
	}

	t.logger.Debug("opening stream", "backend", t.name, "model", body.Model, "messages", len(body.Messages))
	rc, err := postStream(ctx, t.streamClient, t.name, t.baseURL+"/chat/completions", h, body, span)
	if err != nil {
		endSpan(span, err)
		return nil, err
	}
	return rc, nil
}
