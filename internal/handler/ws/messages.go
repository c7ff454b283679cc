package ws

import (
	"encoding/json"
	"errors"

	"github.com/google/uuid"

	"meshtalk-backend/internal/domain"
)

// Inbound payloads are validated strictly at the boundary before any state
// machine is touched.

// IdentifyPayload binds a user identity to the connection
type IdentifyPayload struct {
	Token string `json:"token"`
}

func (p *IdentifyPayload) Validate() error {
	if p.Token == "" {
		return errors.New("token is required")
	}
	return nil
}

// SignalPayload carries an opaque SDP offer or answer for the matchmaking relay
type SignalPayload struct {
	Payload json.RawMessage `json:"payload"`
}

func (p *SignalPayload) Validate() error {
	if len(p.Payload) == 0 {
		return errors.New("payload is required")
	}
	return nil
}

// ICECandidatePayload carries one ICE candidate for the matchmaking relay
type ICECandidatePayload struct {
	Candidate json.RawMessage `json:"candidate"`
}

func (p *ICECandidatePayload) Validate() error {
	if len(p.Candidate) == 0 {
		return errors.New("candidate is required")
	}
	return nil
}

// CallInitiatePayload starts a new call
type CallInitiatePayload struct {
	Kind           domain.CallKind `json:"kind"`
	ConversationID *uuid.UUID      `json:"conversation_id,omitempty"`
	Recipients     []uuid.UUID     `json:"recipients"`
}

func (p *CallInitiatePayload) Validate() error {
	if !p.Kind.Valid() {
		return errors.New("invalid call kind")
	}
	if len(p.Recipients) == 0 {
		return errors.New("recipients are required")
	}
	return nil
}

// CallActionPayload targets an existing call
type CallActionPayload struct {
	CallID uuid.UUID `json:"call_id"`
}

func (p *CallActionPayload) Validate() error {
	if p.CallID == uuid.Nil {
		return errors.New("call_id is required")
	}
	return nil
}

// CallRejectPayload declines a call with an optional reason
type CallRejectPayload struct {
	CallID uuid.UUID `json:"call_id"`
	Reason string    `json:"reason,omitempty"`
}

func (p *CallRejectPayload) Validate() error {
	if p.CallID == uuid.Nil {
		return errors.New("call_id is required")
	}
	return nil
}

// CallSignalPayload carries an opaque offer or answer to one call peer
type CallSignalPayload struct {
	CallID   uuid.UUID       `json:"call_id"`
	TargetID uuid.UUID       `json:"target_id"`
	Payload  json.RawMessage `json:"payload"`
}

func (p *CallSignalPayload) Validate() error {
	if p.CallID == uuid.Nil {
		return errors.New("call_id is required")
	}
	if p.TargetID == uuid.Nil {
		return errors.New("target_id is required")
	}
	if len(p.Payload) == 0 {
		return errors.New("payload is required")
	}
	return nil
}

// CallICEPayload carries one ICE candidate to one call peer
type CallICEPayload struct {
	CallID    uuid.UUID       `json:"call_id"`
	TargetID  uuid.UUID       `json:"target_id"`
	Candidate json.RawMessage `json:"candidate"`
}

func (p *CallICEPayload) Validate() error {
	if p.CallID == uuid.Nil {
		return errors.New("call_id is required")
	}
	if p.TargetID == uuid.Nil {
		return errors.New("target_id is required")
	}
	if len(p.Candidate) == 0 {
		return errors.New("candidate is required")
	}
	return nil
}

// MessageAckPayload acknowledges delivery or read of one message
type MessageAckPayload struct {
	MessageID uuid.UUID `json:"message_id"`
}

func (p *MessageAckPayload) Validate() error {
	if p.MessageID == uuid.Nil {
		return errors.New("message_id is required")
	}
	return nil
}

// ConversationPayload targets a conversation
type ConversationPayload struct {
	ConversationID uuid.UUID `json:"conversation_id"`
}

func (p *ConversationPayload) Validate() error {
	if p.ConversationID == uuid.Nil {
		return errors.New("conversation_id is required")
	}
	return nil
}

// decode unmarshals and validates an inbound payload in one step
func decode[T interface{ Validate() error }](data json.RawMessage, payload T) error {
	if len(data) > 0 {
		if err := json.Unmarshal(data, payload); err != nil {
			return errors.New("malformed payload")
		}
	}
	return payload.Validate()
}
