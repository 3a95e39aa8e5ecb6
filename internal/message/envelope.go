package message

import (
	"time"

	"github.com/nicholaskb/semant/internal/types"
)

// MessageType identifies the intent of an envelope exchanged between the
// engine and a worker.
type MessageType string

const (
	// MessageTypeDispatchStep carries a step execution request from the
	// scheduler to a worker. Content holds the step ID, capability, and
	// step parameters.
	MessageTypeDispatchStep MessageType = "dispatch_step"

	// MessageTypeStepResult carries a successful step result back to the
	// scheduler.
	MessageTypeStepResult MessageType = "step_result"

	// MessageTypeErrorResponse carries a worker-reported failure back to
	// the scheduler. Content holds an "error" string.
	MessageTypeErrorResponse MessageType = "error_response"

	// MessageTypeReviewRequest solicits a review recommendation from a
	// reviewer agent during the pipeline's review phase.
	MessageTypeReviewRequest MessageType = "review_request"
)

// String returns the string representation of the message type.
func (t MessageType) String() string {
	return string(t)
}

// Envelope is the fixed wire format between the engine and workers.
// Content is an opaque key/value payload interpreted by the recipient.
type Envelope struct {
	// ID is the unique identifier of this envelope.
	ID types.ID `json:"id"`

	// SenderID identifies the sending party (the scheduler or an agent ID).
	SenderID string `json:"sender_id"`

	// RecipientID identifies the receiving agent.
	RecipientID string `json:"recipient_id"`

	// Type identifies the intent of the message.
	Type MessageType `json:"type"`

	// Content is the opaque message payload.
	Content map[string]any `json:"content,omitempty"`

	// Timestamp records when the envelope was created.
	Timestamp time.Time `json:"timestamp"`
}

// NewEnvelope creates an envelope with a fresh ID and the current timestamp.
func NewEnvelope(sender, recipient string, msgType MessageType, content map[string]any) Envelope {
	return Envelope{
		ID:          types.NewID(),
		SenderID:    sender,
		RecipientID: recipient,
		Type:        msgType,
		Content:     content,
		Timestamp:   time.Now(),
	}
}

// Reply creates a response envelope addressed back to the sender of env.
func (e Envelope) Reply(msgType MessageType, content map[string]any) Envelope {
	return Envelope{
		ID:          types.NewID(),
		SenderID:    e.RecipientID,
		RecipientID: e.SenderID,
		Type:        msgType,
		Content:     content,
		Timestamp:   time.Now(),
	}
}

// IsError reports whether the envelope carries a worker-reported failure.
func (e Envelope) IsError() bool {
	return e.Type == MessageTypeErrorResponse
}

// ErrorText extracts the error string from an error_response envelope.
// Returns an empty string for other message types.
func (e Envelope) ErrorText() string {
	if !e.IsError() || e.Content == nil {
		return ""
	}
	if msg, ok := e.Content["error"].(string); ok {
		return msg
	}
	return ""
}
