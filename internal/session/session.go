package session

import "time"

// Role identifies who produced a message
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Status tracks the lifecycle of an assistant message. User messages carry StatusNone.
type Status string

const (
	StatusNone      Status = ""
	StatusPending   Status = "pending"
	StatusStreaming Status = "streaming"
	StatusComplete  Status = "complete"
	StatusFailed    Status = "failed"
)

// InFlight reports whether a message with this status may still be mutated
func (s Status) InFlight() bool {
	return s == StatusPending || s == StatusStreaming
}

// canMoveTo reports whether an in-flight message may move from s to next.
// Statuses only move forward: pending, streaming, then complete or failed.
func (s Status) canMoveTo(next Status) bool {
	switch next {
	case s:
		return true
	case StatusStreaming:
		return s == StatusPending
	case StatusComplete, StatusFailed:
		return s.InFlight()
	default:
		return false
	}
}

// Message represents a single chat message
type Message struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Status    Status    `json:"status,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// NewUserMessage creates a user message. It is never mutated after it is appended.
func NewUserMessage(content string) Message {
	return Message{Role: RoleUser, Content: content}
}

// NewPendingAssistant creates the empty assistant message that receives a streamed reply
func NewPendingAssistant() Message {
	return Message{Role: RoleAssistant, Status: StatusPending}
}
