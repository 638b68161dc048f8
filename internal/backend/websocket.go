package backend

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"StreamChat/internal/config"
	"StreamChat/internal/stream"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
)

// Envelope types of the websocket gateway protocol. The client sends one
// envelope per connection. A chat reply arrives as text messages carrying
// Ollama-style NDJSON frames, followed by a normal close.
const (
	EnvelopeListModels = "list_models"
	EnvelopeModels     = "models"
	EnvelopeChat       = "chat"
)

// WSEnvelope is the JSON message exchanged with the gateway
type WSEnvelope struct {
	Type         string        `json:"type"`
	Model        string        `json:"model,omitempty"`
	SystemPrompt string        `json:"system,omitempty"`
	Messages     []ChatMessage `json:"messages,omitempty"`
	Models       []string      `json:"models,omitempty"`
	Error        string        `json:"error,omitempty"`
}

// closeGrace bounds the close handshake
const closeGrace = time.Second

// WebSocketTransport streams replies from a websocket chat gateway
type WebSocketTransport struct {
	url    string
	dialer *websocket.Dialer
	logger *slog.Logger
}

// NewWebSocket creates a websocket gateway transport
func NewWebSocket(cfg config.WebSocketConfig, logger *slog.Logger) *WebSocketTransport {
	return &WebSocketTransport{
		url: cfg.URL,
		dialer: &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
		},
		logger: orDefault(logger),
	}
}

// Name returns the backend identifier
func (t *WebSocketTransport) Name() string {
	return config.BackendWebSocket
}

// Codec returns the NDJSON codec; the gateway relays Ollama frames
func (t *WebSocketTransport) Codec() stream.Codec {
	return stream.OllamaCodec{}
}

func (t *WebSocketTransport) dial(ctx context.Context) (*websocket.Conn, error) {
	conn, _, err := t.dialer.DialContext(ctx, t.url, nil)
	if err != nil {
		return nil, requestError(ctx, t.Name(), "failed to connect to WebSocket", err)
	}
	t.logger.Debug("connected to gateway", "url", t.url)
	return conn, nil
}

// ListModels asks the gateway for its models over a short-lived connection
func (t *WebSocketTransport) ListModels(ctx context.Context) ([]string, error) {
	ctx, span := tracer().Start(ctx, "websocket.list_models")

	models, err := t.listModels(ctx)
	if err == nil {
		span.SetAttributes(attribute.Int("models.count", len(models)))
	}
	endSpan(span, err)
	return models, err
}

func (t *WebSocketTransport) listModels(ctx context.Context) ([]string, error) {
	conn, err := t.dial(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetReadDeadline(deadline)
		conn.SetWriteDeadline(deadline)
	}

	if err := conn.WriteJSON(WSEnvelope{Type: EnvelopeListModels}); err != nil {
		return nil, requestError(ctx, t.Name(), "failed to write request", err)
	}

	var reply WSEnvelope
	if err := conn.ReadJSON(&reply); err != nil {
		return nil, requestError(ctx, t.Name(), "failed to read response", err)
	}
	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(closeGrace))

	if reply.Error != "" {
		return nil, &TransportError{Kind: KindServer, Backend: t.Name(), Message: reply.Error}
	}
	if reply.Type != EnvelopeModels {
		return nil, &TransportError{Kind: KindProtocol, Backend: t.Name(), Message: "unexpected reply " + reply.Type}
	}
	return reply.Models, nil
}

// StreamCompletion sends a chat envelope and returns the relayed frames as a
// newline-delimited body. Canceling ctx closes the connection.
func (t *WebSocketTransport) StreamCompletion(ctx context.Context, req Request) (io.ReadCloser, error) {
	ctx, span := tracer().Start(ctx, "websocket.stream")
	span.SetAttributes(
		attribute.String("llm.model", req.Model),
		attribute.Int("llm.messages", len(req.Messages)),
	)

	conn, err := t.dial(ctx)
	if err != nil {
		endSpan(span, err)
		return nil, err
	}

	env := WSEnvelope{
		Type:         EnvelopeChat,
		Model:        req.Model,
		SystemPrompt: req.SystemPrompt,
		Messages:     chatMessages(req, false),
	}
	if err := conn.WriteJSON(env); err != nil {
		conn.Close()
		err = requestError(ctx, t.Name(), "failed to write request", err)
		endSpan(span, err)
		return nil, err
	}

	body := &wsBody{
		conn:    conn,
		ctx:     ctx,
		backend: t.Name(),
		stop:    make(chan struct{}),
		logger:  t.logger,
	}
	body.watch()
	return &streamBody{ReadCloser: body, ctx: ctx, backend: t.Name(), span: span}, nil
}

// wsBody adapts websocket text messages to an io.Reader, one frame per message
type wsBody struct {
	conn    *websocket.Conn
	ctx     context.Context
	backend string
	logger  *slog.Logger

	pending []byte
	stop    chan struct{}
	once    sync.Once
	wg      sync.WaitGroup
}

// watch closes the connection as soon as the request context is done
func (b *wsBody) watch() {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		select {
		case <-b.ctx.Done():
			b.conn.Close()
		case <-b.stop:
		}
	}()
}

func (b *wsBody) Read(p []byte) (int, error) {
	for len(b.pending) == 0 {
		typ, data, err := b.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return 0, io.EOF
			}
			if b.ctx.Err() != nil {
				return 0, requestError(b.ctx, b.backend, "stream interrupted", b.ctx.Err())
			}
			var closeErr *websocket.CloseError
			if errors.As(err, &closeErr) {
				return 0, &TransportError{Kind: KindServer, Backend: b.backend, Message: "gateway closed the stream", Cause: err}
			}
			return 0, &TransportError{Kind: KindConnection, Backend: b.backend, Message: "stream interrupted", Cause: err}
		}
		if typ != websocket.TextMessage || len(data) == 0 {
			continue
		}
		if data[len(data)-1] != '\n' {
			data = append(data, '\n')
		}
		b.pending = data
	}

	n := copy(p, b.pending)
	b.pending = b.pending[n:]
	return n, nil
}

func (b *wsBody) Close() error {
	var err error
	b.once.Do(func() {
		close(b.stop)
		b.wg.Wait()
		b.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(closeGrace))
		err = b.conn.Close()
		b.logger.Debug("closed gateway stream", "backend", b.backend)
	})
	return err
}
