package models

import (
	"fmt"
	"time"
)

// MessageEnvelope is the wire format for events published to the broker.
type MessageEnvelope struct {
	ID        string                 `json:"id"`
	Source    string                 `json:"source"`
	EventType string                 `json:"event_type"`
	Timestamp time.Time              `json:"timestamp"`
	Payload   map[string]interface{} `json:"payload"`
}

const (
	EventTypeCommandPendingApproval = "command.pending_approval"
	EventTypeCommandDecision        = "command.decision"
	EventTypeCommandExecuted        = "command.executed"
	EventTypeRuleChanged            = "rule.changed"
)

type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s': %s", e.Field, e.Message)
}

func ValidateMessageEnvelope(msg *MessageEnvelope) error {
	if msg == nil {
		return &ValidationError{Field: "envelope", Message: "message envelope cannot be nil"}
	}
	if msg.ID == "" {
		return &ValidationError{Field: "id", Message: "message ID is required"}
	}
	if msg.Source == "" {
		return &ValidationError{Field: "source", Message: "message source is required"}
	}
	if msg.EventType == "" {
		return &ValidationError{Field: "event_type", Message: "event type is required"}
	}
	if msg.Timestamp.IsZero() {
		return &ValidationError{Field: "timestamp", Message: "message timestamp is required"}
	}
	return nil
}
