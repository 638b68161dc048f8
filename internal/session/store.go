package session

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrInvalidState is matched by every InvalidStateError
var ErrInvalidState = errors.New("invalid message state")

// InvalidStateError reports an attempt to mutate a message that is no longer in flight.
// It signals a bug in the caller, not a runtime condition.
type InvalidStateError struct {
	Index  int
	Status Status
	Op     string
	Reason string // set when the mutation itself was rejected
}

func (e *InvalidStateError) Error() string {
	if e.Index < 0 {
		return fmt.Sprintf("%s: store is empty", e.Op)
	}
	if e.Reason != "" {
		return fmt.Sprintf("%s: message %d (%s): %s", e.Op, e.Index, e.Status, e.Reason)
	}
	return fmt.Sprintf("%s: message %d has status %q", e.Op, e.Index, e.Status)
}

func (e *InvalidStateError) Is(target error) bool {
	return target == ErrInvalidState
}

// Store is the ordered transcript of a session. Messages are only ever appended;
// the last message may be mutated while it is pending or streaming.
type Store struct {
	ID        string
	StartTime time.Time

	mu       sync.RWMutex
	messages []Message
}

// NewStore creates an empty transcript with a fresh session ID
func NewStore() *Store {
	return &Store{
		ID:        "session_" + uuid.NewString(),
		StartTime: time.Now(),
	}
}

// Append adds a message to the end of the transcript and returns its index
func (s *Store) Append(msg Message) int {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, msg)
	return len(s.messages) - 1
}

// UpdateLast applies fn to the most recent message. It fails with an
// InvalidStateError when the message is not pending or streaming, or when fn
// rewrites existing content or moves the status backwards; the message is
// left untouched in both cases. fn cannot change the message's identity or role.
func (s *Store) UpdateLast(fn func(m *Message)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := len(s.messages) - 1
	if idx < 0 {
		return &InvalidStateError{Index: -1, Op: "update last"}
	}
	current := s.messages[idx]
	if !current.Status.InFlight() {
		return &InvalidStateError{Index: idx, Status: current.Status, Op: "update last"}
	}

	updated := current
	fn(&updated)
	updated.ID = current.ID
	updated.Role = current.Role
	updated.Timestamp = current.Timestamp

	if !strings.HasPrefix(updated.Content, current.Content) {
		return &InvalidStateError{Index: idx, Status: current.Status, Op: "update last", Reason: "content may only be appended"}
	}
	if !current.Status.canMoveTo(updated.Status) {
		return &InvalidStateError{
			Index:  idx,
			Status: current.Status,
			Op:     "update last",
			Reason: fmt.Sprintf("cannot move to status %q", updated.Status),
		}
	}
	s.messages[idx] = updated
	return nil
}

// AppendDelta extends the in-flight message and marks it streaming
func (s *Store) AppendDelta(delta string) error {
	return s.UpdateLast(func(m *Message) {
		m.Content += delta
		m.Status = StatusStreaming
	})
}

// Finalize moves the in-flight message to a terminal status, keeping its content
func (s *Store) Finalize(status Status) error {
	if status != StatusComplete && status != StatusFailed {
		return fmt.Errorf("finalize: %q is not a terminal status", status)
	}
	return s.UpdateLast(func(m *Message) {
		m.Status = status
	})
}

// Snapshot returns a copy of the transcript
func (s *Store) Snapshot() []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// Last returns a copy of the most recent message
func (s *Store) Last() (Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.messages) == 0 {
		return Message{}, false
	}
	return s.messages[len(s.messages)-1], true
}

// Len returns the number of messages
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.messages)
}
