// Package chat drives one conversation with a remote generation service. The
// Controller owns the transcript and the session status; a renderer reads
// snapshots and writes only through SendMessage and SetSelectedModel.
package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"StreamChat/internal/backend"
	"StreamChat/internal/cache"
	"StreamChat/internal/journal"
	"StreamChat/internal/models"
	"StreamChat/internal/session"
	"StreamChat/internal/stream"
	"StreamChat/internal/telemetry"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "StreamChat/chat"

// ErrClosed is returned by SendMessage after Close
var ErrClosed = errors.New("chat session closed")

// errStale ends a pump whose request was superseded
var errStale = errors.New("stale request")

// Recorder persists finished turns
type Recorder interface {
	Record(ctx context.Context, t journal.Turn) error
}

// Options configures a Controller. Transport is required.
type Options struct {
	Transport      backend.Transport
	DefaultModel   string
	SystemPrompt   string
	RequestTimeout time.Duration // zero means no deadline

	Cache       *cache.Cache           // optional
	Journal     Recorder               // optional
	Instruments *telemetry.Instruments // optional
	Logger      *slog.Logger
}

// request is one in-flight turn; its token identifies it in logs and the journal
type request struct {
	token   string
	model   string
	cancel  context.CancelFunc
	done    chan struct{}
	started time.Time

	// written by the pump only
	fragments        int
	firstFragment    time.Duration
	decodeErrors     int
	promptTokens     int
	completionTokens int
	cached           bool
}

// Controller manages a single chat session
type Controller struct {
	transport    backend.Transport
	registry     *models.Registry
	store        *session.Store
	systemPrompt string
	timeout      time.Duration
	cache        *cache.Cache
	journal      Recorder
	instruments  *telemetry.Instruments
	logger       *slog.Logger
	tracer       trace.Tracer

	mu        sync.Mutex
	status    State
	lastError string
	lastKind  ErrorKind
	active    *request
	latest    *request
	closed    bool

	updates chan struct{}
	wg      sync.WaitGroup
}

// New creates a controller with an empty transcript
func New(opts Options) (*Controller, error) {
	if opts.Transport == nil {
		return nil, errors.New("chat: transport is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	store := session.NewStore()
	logger = logger.With("session_id", store.ID, "backend", opts.Transport.Name())

	return &Controller{
		transport:    opts.Transport,
		registry:     models.NewRegistry(opts.Transport, opts.DefaultModel, logger),
		store:        store,
		systemPrompt: opts.SystemPrompt,
		timeout:      opts.RequestTimeout,
		cache:        opts.Cache,
		journal:      opts.Journal,
		instruments:  opts.Instruments,
		logger:       logger,
		tracer:       otel.Tracer(tracerName),
		status:       StateIdle,
		updates:      make(chan struct{}, 1),
	}, nil
}

// Start lists the backend's models. A failure is logged and returned; the
// session stays usable with no model hint.
func (c *Controller) Start(ctx context.Context) error {
	err := c.registry.Load(ctx)
	c.notify()
	return err
}

// RefreshModels re-lists the backend's models
func (c *Controller) RefreshModels(ctx context.Context) error {
	err := c.registry.Refresh(ctx)
	c.notify()
	return err
}

// SetSelectedModel selects the model for the next send
func (c *Controller) SetSelectedModel(id string) error {
	if err := c.registry.Select(id); err != nil {
		return err
	}
	c.logger.Info("model selected", "model", id)
	c.notify()
	return nil
}

// Updates signals state changes. Signals coalesce; read Snapshot after each.
func (c *Controller) Updates() <-chan struct{} {
	return c.updates
}

func (c *Controller) notify() {
	select {
	case c.updates <- struct{}{}:
	default:
	}
}

// Snapshot returns a copy of the session state
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot{
		SessionID:       c.store.ID,
		Backend:         c.transport.Name(),
		Messages:        c.store.Snapshot(),
		Status:          c.status,
		LastError:       c.lastError,
		LastErrorKind:   c.lastKind,
		AvailableModels: c.registry.Models(),
		SelectedModel:   c.registry.Selected(),
	}
}

// SendMessage starts a turn. Blank text is ignored. A turn already in flight
// is superseded: its stream is canceled and its partial reply is kept as
// complete. The reply streams in the background; SendMessage never waits on
// the network.
func (c *Controller) SendMessage(text string) error {
	if strings.TrimSpace(text) == "" {
		return nil
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.stopLocked()

	c.store.Append(session.NewUserMessage(text))
	history := c.store.Snapshot()
	c.store.Append(session.NewPendingAssistant())

	var ctx context.Context
	var cancel context.CancelFunc
	if c.timeout > 0 {
		ctx, cancel = context.WithTimeout(context.Background(), c.timeout)
	} else {
		ctx, cancel = context.WithCancel(context.Background())
	}
	req := &request{
		token:   uuid.NewString(),
		model:   c.registry.Selected(),
		cancel:  cancel,
		done:    make(chan struct{}),
		started: time.Now(),
	}
	c.active = req
	c.latest = req
	c.status = StateSending
	c.lastError = ""
	c.lastKind = KindNone
	c.wg.Add(1)
	c.mu.Unlock()

	c.logger.Info("turn started", "request", req.token, "model", req.model, "messages", len(history))
	c.notify()

	go c.pump(ctx, req, history)
	return nil
}

// Cancel stops the turn in flight, keeping its partial reply as complete.
// It is a no-op when nothing is in flight.
func (c *Controller) Cancel() {
	c.mu.Lock()
	stopped := c.stopLocked()
	if stopped {
		c.status = StateIdle
	}
	c.mu.Unlock()

	if stopped {
		c.logger.Info("turn canceled")
		c.notify()
	}
}

// stopLocked invalidates the active request and finalizes its reply
func (c *Controller) stopLocked() bool {
	req := c.active
	if req == nil {
		return false
	}
	c.active = nil
	req.cancel()
	c.must(c.store.Finalize(session.StatusComplete))
	return true
}

// Wait blocks until the latest turn has finished, including its metrics and
// journal entry, or ctx is done
func (c *Controller) Wait(ctx context.Context) error {
	for {
		c.mu.Lock()
		req := c.latest
		c.mu.Unlock()
		if req == nil {
			return nil
		}
		select {
		case <-req.done:
		case <-ctx.Done():
			return ctx.Err()
		}

		c.mu.Lock()
		settled := c.latest == req
		c.mu.Unlock()
		if settled {
			return nil
		}
	}
}

// Close cancels any turn in flight and waits for its stream to be released.
// Later sends return ErrClosed. Close is idempotent.
func (c *Controller) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	if c.stopLocked() {
		c.status = StateIdle
	}
	c.mu.Unlock()

	c.notify()
	c.wg.Wait()
	c.logger.Info("session closed", "messages", c.store.Len())
	return nil
}

// must panics on a store contract violation; it means the controller lost
// track of which message is in flight
func (c *Controller) must(err error) {
	if err != nil {
		panic(fmt.Sprintf("chat: %v", err))
	}
}

// =============================================================================
// PUMP
// =============================================================================

func (c *Controller) pump(ctx context.Context, req *request, history []session.Message) {
	defer c.wg.Done()
	defer close(req.done)
	defer req.cancel()

	ctx, span := c.tracer.Start(ctx, "chat.turn", trace.WithAttributes(
		attribute.String("chat.request", req.token),
		attribute.String("llm.backend", c.transport.Name()),
		attribute.String("llm.model", req.model),
		attribute.Int("chat.history", len(history)),
	))
	defer span.End()

	err := c.stream(ctx, req, history)

	outcome := OutcomeComplete
	var kind ErrorKind
	switch {
	case errors.Is(err, errStale):
		outcome = OutcomeCanceled
	case err != nil:
		kind = classify(err)
		if c.fail(req, kind, err) {
			outcome = OutcomeFailed
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			outcome = OutcomeCanceled
			kind = KindNone
		}
	default:
		if !c.complete(req) {
			outcome = OutcomeCanceled
		}
	}
	span.SetAttributes(
		attribute.String("chat.outcome", outcome),
		attribute.Int("chat.fragments", req.fragments),
	)

	c.finish(req, outcome, kind, err)
}

// stream runs one request and applies its fragments in decoder order
func (c *Controller) stream(ctx context.Context, req *request, history []session.Message) error {
	var key string
	if c.cache != nil {
		key = cache.GenerateCacheKey(req.model, history)
		if hit, ok := c.cache.Get(key); ok {
			req.cached = true
			c.logger.Debug("cache hit", "request", req.token)
			if !c.apply(req, stream.Fragment{Delta: hit.Response, Final: true}) {
				return errStale
			}
			return nil
		}
	}

	body, err := c.transport.StreamCompletion(ctx, backend.Request{
		Messages:     history,
		Model:        req.model,
		SystemPrompt: c.systemPrompt,
	})
	if err != nil {
		return err
	}
	defer body.Close()

	dec := stream.NewDecoder(body, c.transport.Codec())
	defer func() { req.decodeErrors = dec.DecodeErrors() }()

	var reply strings.Builder
	for frag, err := range dec.All() {
		if err != nil {
			return err
		}
		if !c.apply(req, frag) {
			return errStale
		}
		reply.WriteString(frag.Delta)
	}

	if c.cache != nil {
		c.cache.Put(key, req.model, reply.String())
	}
	return nil
}

// apply extends the in-flight reply if req is still the active request
func (c *Controller) apply(req *request, frag stream.Fragment) bool {
	c.mu.Lock()
	if c.active != req {
		c.mu.Unlock()
		return false
	}
	c.must(c.store.AppendDelta(frag.Delta))
	c.mu.Unlock()

	if req.fragments == 0 {
		req.firstFragment = time.Since(req.started)
	}
	req.fragments++
	if frag.PromptTokens > 0 {
		req.promptTokens = frag.PromptTokens
	}
	if frag.CompletionTokens > 0 {
		req.completionTokens = frag.CompletionTokens
	}
	c.notify()
	return true
}

func (c *Controller) complete(req *request) bool {
	c.mu.Lock()
	if c.active != req {
		c.mu.Unlock()
		return false
	}
	c.active = nil
	c.must(c.store.Finalize(session.StatusComplete))
	c.status = StateIdle
	c.mu.Unlock()

	c.notify()
	return true
}

func (c *Controller) fail(req *request, kind ErrorKind, err error) bool {
	c.mu.Lock()
	if c.active != req {
		c.mu.Unlock()
		return false
	}
	c.active = nil
	c.must(c.store.Finalize(session.StatusFailed))
	c.status = StateError
	c.lastError = describe(kind, err)
	c.lastKind = kind
	c.mu.Unlock()

	c.notify()
	return true
}

// finish reports a finished turn to the log, metrics and journal
func (c *Controller) finish(req *request, outcome string, kind ErrorKind, err error) {
	elapsed := time.Since(req.started)
	attrs := []any{
		"request", req.token,
		"model", req.model,
		"outcome", outcome,
		"fragments", req.fragments,
		"decode_errors", req.decodeErrors,
		"duration", elapsed,
	}
	if outcome == OutcomeFailed {
		c.logger.Error("turn failed", append(attrs, "kind", kind, "error", err)...)
	} else {
		c.logger.Info("turn finished", attrs...)
	}

	c.instruments.RecordTurn(context.Background(), telemetry.TurnResult{
		Backend:          c.transport.Name(),
		Model:            req.model,
		Outcome:          outcome,
		Fragments:        req.fragments,
		DecodeErrors:     req.decodeErrors,
		PromptTokens:     req.promptTokens,
		CompletionTokens: req.completionTokens,
		Duration:         elapsed,
		FirstFragment:    req.firstFragment,
	})

	if c.journal == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.journal.Record(ctx, journal.Turn{
		ID:               req.token,
		SessionID:        c.store.ID,
		Backend:          c.transport.Name(),
		Model:            req.model,
		Outcome:          outcome,
		ErrorKind:        string(kind),
		Fragments:        req.fragments,
		DecodeErrors:     req.decodeErrors,
		PromptTokens:     req.promptTokens,
		CompletionTokens: req.completionTokens,
		Cached:           req.cached,
		StartedAt:        req.started,
		Duration:         elapsed,
	}); err != nil {
		c.logger.Warn("failed to journal turn", "request", req.token, "error", err)
	}
}
