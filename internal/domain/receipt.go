package domain

import (
	"time"

	"github.com/google/uuid"
)

// DeliveryState is the per-recipient delivery progression of a message
type DeliveryState string

const (
	DeliverySent      DeliveryState = "sent"
	DeliveryDelivered DeliveryState = "delivered"
	DeliveryRead      DeliveryState = "read"
)

// MessageRead is the per-message, per-recipient acknowledgement record.
// Invariant: ReadAt set implies DeliveredAt set (read implies delivered).
// The sender never has a row for their own message.
type MessageRead struct {
	MessageID   uuid.UUID  `json:"message_id"`
	UserID      uuid.UUID  `json:"user_id"`
	DeliveredAt *time.Time `json:"delivered_at,omitempty"`
	ReadAt      *time.Time `json:"read_at,omitempty"`
}

// State derives the delivery state of the record
func (r *MessageRead) State() DeliveryState {
	switch {
	case r.ReadAt != nil:
		return DeliveryRead
	case r.DeliveredAt != nil:
		return DeliveryDelivered
	default:
		return DeliverySent
	}
}

// ConversationRead is the per-user aggregate read pointer of a conversation,
// used to derive unread counts without scanning MessageRead rows.
type ConversationRead struct {
	ConversationID    uuid.UUID `json:"conversation_id"`
	UserID            uuid.UUID `json:"user_id"`
	LastReadMessageID uuid.UUID `json:"last_read_message_id"`
	LastReadAt        time.Time `json:"last_read_at"`
}

// Message is the projection of a stored message needed by the tracker
type Message struct {
	MessageID      uuid.UUID `json:"message_id"`
	ConversationID uuid.UUID `json:"conversation_id"`
	SenderID       uuid.UUID `json:"sender_id"`
	CreatedAt      time.Time `json:"created_at"`
}

// RecipientStatus is one recipient's entry in a message status report
type RecipientStatus struct {
	UserID      uuid.UUID     `json:"user_id"`
	State       DeliveryState `json:"state"`
	DeliveredAt *time.Time    `json:"delivered_at,omitempty"`
	ReadAt      *time.Time    `json:"read_at,omitempty"`
}

// MessageStatus is the full status report for a message: per-recipient states
// plus the sender-facing aggregate
type MessageStatus struct {
	MessageID  uuid.UUID         `json:"message_id"`
	SenderID   uuid.UUID         `json:"sender_id"`
	Aggregate  DeliveryState     `json:"aggregate"`
	Recipients []RecipientStatus `json:"recipients"`
}
