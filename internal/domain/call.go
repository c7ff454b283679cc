// Package domain defines the durable entities of the realtime core.
package domain

import (
	"time"

	"github.com/google/uuid"
)

// CallKind identifies the media and party shape of a call
type CallKind string

const (
	CallKindAudio1to1  CallKind = "AUDIO_1TO1"
	CallKindVideo1to1  CallKind = "VIDEO_1TO1"
	CallKindAudioGroup CallKind = "AUDIO_GROUP"
	CallKindVideoGroup CallKind = "VIDEO_GROUP"
)

// IsGroup reports whether the kind allows more than two participants
func (k CallKind) IsGroup() bool {
	return k == CallKindAudioGroup || k == CallKindVideoGroup
}

// Valid reports whether the kind is one of the known values
func (k CallKind) Valid() bool {
	switch k {
	case CallKindAudio1to1, CallKindVideo1to1, CallKindAudioGroup, CallKindVideoGroup:
		return true
	}
	return false
}

// CallStatus is the call lifecycle state machine:
// CALLING -> RINGING -> ACTIVE -> ENDED, with REJECTED/MISSED reachable before
// ACTIVE and FAILED reachable from anywhere.
type CallStatus string

const (
	CallStatusCalling  CallStatus = "CALLING"
	CallStatusRinging  CallStatus = "RINGING"
	CallStatusActive   CallStatus = "ACTIVE"
	CallStatusEnded    CallStatus = "ENDED"
	CallStatusRejected CallStatus = "REJECTED"
	CallStatusMissed   CallStatus = "MISSED"
	CallStatusFailed   CallStatus = "FAILED"
)

// Terminal reports whether the status admits no further transitions
func (s CallStatus) Terminal() bool {
	switch s {
	case CallStatusEnded, CallStatusRejected, CallStatusMissed, CallStatusFailed:
		return true
	}
	return false
}

// Answerable reports whether the call is still waiting for an answer
func (s CallStatus) Answerable() bool {
	return s == CallStatusCalling || s == CallStatusRinging
}

// ParticipantStatus is the per-user membership state machine:
// INVITED -> RINGING -> JOINED -> LEFT, with REJECTED/MISSED reachable before
// JOINED. Group participants may re-enter JOINED after LEFT.
type ParticipantStatus string

const (
	ParticipantInvited  ParticipantStatus = "INVITED"
	ParticipantRinging  ParticipantStatus = "RINGING"
	ParticipantJoined   ParticipantStatus = "JOINED"
	ParticipantLeft     ParticipantStatus = "LEFT"
	ParticipantRejected ParticipantStatus = "REJECTED"
	ParticipantMissed   ParticipantStatus = "MISSED"
)

// CallEventType enumerates the append-only audit log entries
type CallEventType string

const (
	EventCallInitiated     CallEventType = "CALL_INITIATED"
	EventCallRinging       CallEventType = "CALL_RINGING"
	EventCallAccepted      CallEventType = "CALL_ACCEPTED"
	EventCallRejected      CallEventType = "CALL_REJECTED"
	EventCallEnded         CallEventType = "CALL_ENDED"
	EventCallMissed        CallEventType = "CALL_MISSED"
	EventCallFailed        CallEventType = "CALL_FAILED"
	EventParticipantJoined CallEventType = "PARTICIPANT_JOINED"
	EventParticipantLeft   CallEventType = "PARTICIPANT_LEFT"
	EventMuteToggled       CallEventType = "MUTE_TOGGLED"
	EventVideoToggled      CallEventType = "VIDEO_TOGGLED"
)

// Call represents a call session entity
type Call struct {
	CallID         uuid.UUID  `json:"call_id"`
	ConversationID *uuid.UUID `json:"conversation_id,omitempty"`
	InitiatorID    uuid.UUID  `json:"initiator_id"`
	Kind           CallKind   `json:"kind"`
	Status         CallStatus `json:"status"`
	StartedAt      time.Time  `json:"started_at"`
	EndedAt        *time.Time `json:"ended_at,omitempty"`
	Duration       int        `json:"duration,omitempty"` // whole seconds
}

// CallParticipant represents a user's membership in a call, distinct from
// their live socket connection
type CallParticipant struct {
	CallID     uuid.UUID         `json:"call_id"`
	UserID     uuid.UUID         `json:"user_id"`
	Status     ParticipantStatus `json:"status"`
	JoinedAt   *time.Time        `json:"joined_at,omitempty"`
	LeftAt     *time.Time        `json:"left_at,omitempty"`
	IsMuted    bool              `json:"is_muted"`
	IsVideoOff bool              `json:"is_video_off"`
}

// CallEvent is a write-once audit log row. Never updated or deleted.
type CallEvent struct {
	EventID   uuid.UUID      `json:"event_id"`
	CallID    uuid.UUID      `json:"call_id"`
	UserID    *uuid.UUID     `json:"user_id,omitempty"`
	Type      CallEventType  `json:"type"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}
