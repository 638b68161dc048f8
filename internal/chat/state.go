package chat

import (
	"errors"

	"StreamChat/internal/backend"
	"StreamChat/internal/session"
	"StreamChat/internal/stream"
)

// State is the session status shown to the renderer
type State string

const (
	StateIdle    State = "idle"
	StateSending State = "sending"
	StateError   State = "error"
)

// ErrorKind classifies a failed turn
type ErrorKind string

const (
	KindNone      ErrorKind = ""
	KindTransport ErrorKind = "transport"
	KindTimeout   ErrorKind = "timeout"
	KindDecode    ErrorKind = "decode"
)

// Turn outcomes reported to metrics and the journal
const (
	OutcomeComplete = "complete"
	OutcomeFailed   = "failed"
	OutcomeCanceled = "canceled"
)

// Snapshot is a copy of the session state; it never aliases live state
type Snapshot struct {
	SessionID       string
	Backend         string
	Messages        []session.Message
	Status          State
	LastError       string
	LastErrorKind   ErrorKind
	AvailableModels []string
	SelectedModel   string
}

// InFlight reports whether a turn is streaming
func (s Snapshot) InFlight() bool {
	return s.Status == StateSending
}

func classify(err error) ErrorKind {
	switch {
	case errors.Is(err, stream.ErrDecode):
		return KindDecode
	case backend.IsTimeout(err):
		return KindTimeout
	default:
		return KindTransport
	}
}

// describe renders the error text the renderer shows for a failed turn
func describe(kind ErrorKind, err error) string {
	switch kind {
	case KindTimeout:
		return "the model took too long to respond: " + err.Error()
	case KindDecode:
		return "could not read the model's response: " + err.Error()
	default:
		return "could not reach the model: " + err.Error()
	}
}
