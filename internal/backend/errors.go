package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// ErrorKind categorizes transport failures
type ErrorKind string

const (
	KindConnection    ErrorKind = "connection"
	KindCanceled      ErrorKind = "canceled"
	KindTimeout       ErrorKind = "timeout"
	KindModelNotFound ErrorKind = "model_not_found"
	KindBadRequest    ErrorKind = "bad_request"
	KindUnauthorized  ErrorKind = "unauthorized"
	KindServer        ErrorKind = "server"
	KindProtocol      ErrorKind = "protocol"
)

// TransportError is returned by every Transport for network and protocol failures
type TransportError struct {
	Kind       ErrorKind
	Backend    string
	StatusCode int
	Message    string
	Cause      error
}

func (e *TransportError) Error() string {
	var b strings.Builder
	if e.Backend != "" {
		b.WriteString(e.Backend)
		b.WriteString(": ")
	}
	if e.Message != "" {
		b.WriteString(e.Message)
	} else {
		b.WriteString(string(e.Kind))
	}
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " (HTTP %d)", e.StatusCode)
	}
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

func (e *TransportError) Unwrap() error {
	return e.Cause
}

// Is matches sentinel errors by kind
func (e *TransportError) Is(target error) bool {
	t, ok := target.(*TransportError)
	if !ok || t.Backend != "" || t.Message != "" {
		return false
	}
	return t.Kind == e.Kind
}

// Sentinels for errors.Is checks
var (
	ErrTimeout       = &TransportError{Kind: KindTimeout}
	ErrCanceled      = &TransportError{Kind: KindCanceled}
	ErrConnection    = &TransportError{Kind: KindConnection}
	ErrModelNotFound = &TransportError{Kind: KindModelNotFound}
	ErrUnauthorized  = &TransportError{Kind: KindUnauthorized}
)

// IsTimeout reports whether err is a transport timeout or a deadline expiry
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, context.DeadlineExceeded)
}

// IsCanceled reports whether err comes from a canceled request
func IsCanceled(err error) bool {
	return errors.Is(err, ErrCanceled) || errors.Is(err, context.Canceled)
}

// KindOf returns the kind of a TransportError, or "" for other errors
func KindOf(err error) ErrorKind {
	var te *TransportError
	if errors.As(err, &te) {
		return te.Kind
	}
	return ""
}

// requestError maps a failed request or body read to a TransportError,
// preferring the context's verdict when the context is done.
func requestError(ctx context.Context, backend, msg string, err error) error {
	var te *TransportError
	if errors.As(err, &te) {
		return err
	}
	kind := KindConnection
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded), errors.Is(err, context.DeadlineExceeded):
		kind = KindTimeout
		msg = "request timed out"
	case errors.Is(ctx.Err(), context.Canceled), errors.Is(err, context.Canceled):
		kind = KindCanceled
		msg = "request canceled"
	}
	return &TransportError{Kind: kind, Backend: backend, Message: msg, Cause: err}
}

// statusError builds a TransportError from a non-200 response, extracting the
// service's error message when the body carries one.
func statusError(backend string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	msg := errorMessage(body)
	if msg == "" {
		msg = resp.Status
	}

	kind := KindProtocol
	switch {
	case resp.StatusCode == http.StatusNotFound:
		if strings.Contains(strings.ToLower(msg), "model") {
			kind = KindModelNotFound
			msg = "model not found: " + msg
		} else {
			msg = "endpoint not found: " + msg
		}
	case resp.StatusCode == http.StatusBadRequest:
		kind = KindBadRequest
		msg = "bad request: " + msg
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		kind = KindUnauthorized
	case resp.StatusCode >= 500:
		kind = KindServer
		msg = "server error: " + msg
	}
	return &TransportError{Kind: kind, Backend: backend, StatusCode: resp.StatusCode, Message: msg}
}

// errorMessage understands {"error":"..."} (Ollama) and {"error":{"message":"..."}}
// (OpenAI, Anthropic)
func errorMessage(body []byte) string {
	var payload struct {
		Error json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err != nil || len(payload.Error) == 0 {
		return strings.TrimSpace(string(body))
	}
	var s string
	if err := json.Unmarshal(payload.Error, &s); err == nil {
		return s
	}
	var obj struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(payload.Error, &obj); err == nil {
		return obj.Message
	}
	return string(payload.Error)
}
