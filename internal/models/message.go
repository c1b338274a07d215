package models

import (
	"time"
)

// Message is a finalized entry of the conversation. Messages are created when the user submits
// text or when a streamed reply completes, fails or is cancelled.
type Message struct {
	ID     string `json:"id"`
	Text   string `json:"text"`
	Sender Sender `json:"sender"`
	// Timestamp is the creation time in Unix milliseconds.
	Timestamp int64  `json:"timestamp"`
	Status    Status `json:"status"`
	// Interrupted is set on bot messages holding a partial reply.
	Interrupted bool `json:"interrupted,omitempty"`
}

// Sender identifies who authored a message.
type Sender string

// Status tracks the delivery of a message.
type Status string

const (
	// SenderUser marks text typed by the user.
	SenderUser Sender = "user"
	// SenderBot marks model output.
	SenderBot Sender = "bot"
	// SenderSystem marks notices generated by the application itself.
	SenderSystem Sender = "system"

	// StatusPending is the state of an optimistically inserted user message.
	StatusPending Status = "pending"
	// StatusSent marks a user message whose request did not complete.
	StatusSent Status = "sent"
	// StatusDelivered marks a message that completed its round trip.
	StatusDelivered Status = "delivered"
	// StatusError marks bot messages produced by a failed request.
	StatusError Status = "error"
)

// NewMessage creates a message stamped with now.
func NewMessage(id string, sender Sender, text string, status Status, now time.Time) Message {
	return Message{
		ID:        id,
		Text:      text,
		Sender:    sender,
		Timestamp: now.UnixMilli(),
		Status:    status,
	}
}

// Time returns the creation time.
func (m Message) Time() time.Time {
	return time.UnixMilli(m.Timestamp)
}
