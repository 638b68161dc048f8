package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Instruments are the chat metrics recorded per turn
type Instruments struct {
	Turns            metric.Int64Counter
	Fragments        metric.Int64Counter
	DecodeErrors     metric.Int64Counter
	TurnDuration     metric.Float64Histogram
	FirstFragment    metric.Float64Histogram
	PromptTokens     metric.Int64Counter
	CompletionTokens metric.Int64Counter
}

// NewInstruments creates the chat instruments on meter
func NewInstruments(meter metric.Meter) (*Instruments, error) {
	var inst Instruments
	var err error

	if inst.Turns, err = meter.Int64Counter("chat.turns",
		metric.WithDescription("Finished chat turns by outcome")); err != nil {
		return nil, fmt.Errorf("failed to create chat.turns: %w", err)
	}
	if inst.Fragments, err = meter.Int64Counter("chat.fragments",
		metric.WithDescription("Stream fragments applied to assistant messages")); err != nil {
		return nil, fmt.Errorf("failed to create chat.fragments: %w", err)
	}
	if inst.DecodeErrors, err = meter.Int64Counter("chat.decode_errors",
		metric.WithDescription("Malformed stream frames skipped")); err != nil {
		return nil, fmt.Errorf("failed to create chat.decode_errors: %w", err)
	}
	if inst.TurnDuration, err = meter.Float64Histogram("chat.turn.duration",
		metric.WithDescription("Duration of a chat turn"),
		metric.WithUnit("ms")); err != nil {
		return nil, fmt.Errorf("failed to create chat.turn.duration: %w", err)
	}
	if inst.FirstFragment, err = meter.Float64Histogram("chat.first_fragment.latency",
		metric.WithDescription("Time from send to the first fragment"),
		metric.WithUnit("ms")); err != nil {
		return nil, fmt.Errorf("failed to create chat.first_fragment.latency: %w", err)
	}
	if inst.PromptTokens, err = meter.Int64Counter("llm.usage.prompt_tokens",
		metric.WithDescription("Prompt tokens reported by the backend")); err != nil {
		return nil, fmt.Errorf("failed to create llm.usage.prompt_tokens: %w", err)
	}
	if inst.CompletionTokens, err = meter.Int64Counter("llm.usage.completion_tokens",
		metric.WithDescription("Completion tokens reported by the backend")); err != nil {
		return nil, fmt.Errorf("failed to create llm.usage.completion_tokens: %w", err)
	}
	return &inst, nil
}

// TurnResult is what a finished turn reports to RecordTurn
type TurnResult struct {
	Backend          string
	Model            string
	Outcome          string
	Fragments        int
	DecodeErrors     int
	PromptTokens     int
	CompletionTokens int
	Duration         time.Duration
	FirstFragment    time.Duration // zero when no fragment arrived
}

// RecordTurn records the metrics of one finished turn
func (i *Instruments) RecordTurn(ctx context.Context, r TurnResult) {
	if i == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("backend", r.Backend),
		attribute.String("model", r.Model),
	)

	i.Turns.Add(ctx, 1, metric.WithAttributes(
		attribute.String("backend", r.Backend),
		attribute.String("model", r.Model),
		attribute.String("outcome", r.Outcome),
	))
	i.Fragments.Add(ctx, int64(r.Fragments), attrs)
	if r.DecodeErrors > 0 {
		i.DecodeErrors.Add(ctx, int64(r.DecodeErrors), attrs)
	}
	i.TurnDuration.Record(ctx, float64(r.Duration.Milliseconds()), attrs)
	if r.FirstFragment > 0 {
		i.FirstFragment.Record(ctx, float64(r.FirstFragment.Milliseconds()), attrs)
	}
	if r.PromptTokens > 0 {
		i.PromptTokens.Add(ctx, int64(r.PromptTokens), attrs)
	}
	if r.CompletionTokens > 0 {
		i.CompletionTokens.Add(ctx, int64(r.CompletionTokens), attrs)
	}
}
