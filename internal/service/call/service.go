// Package call implements the call lifecycle coordinator: state machines for
// calls and participants, the point-to-point signaling relay, and disconnect
// cleanup.
package call

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"meshtalk-backend/internal/domain"
	"meshtalk-backend/internal/service/signaling"
	"meshtalk-backend/pkg/config"
	"meshtalk-backend/pkg/constants"
	apperrors "meshtalk-backend/pkg/errors"
	"meshtalk-backend/pkg/logger"
	"meshtalk-backend/pkg/metrics"
)

// CallRepository defines persistence operations for calls
type CallRepository interface {
	CreateCallWithParticipants(ctx context.Context, call *domain.Call, participants []*domain.CallParticipant) error
	GetCall(ctx context.Context, callID uuid.UUID) (*domain.Call, error)
	UpdateCallStatus(ctx context.Context, callID uuid.UUID, status domain.CallStatus) error
	TerminateCall(ctx context.Context, callID uuid.UUID, status domain.CallStatus) (*domain.Call, error)
	EndCall(ctx context.Context, callID uuid.UUID) (*domain.Call, error)
	ListUserCalls(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*domain.Call, error)
	GetParticipant(ctx context.Context, callID, userID uuid.UUID) (*domain.CallParticipant, error)
	GetParticipants(ctx context.Context, callID uuid.UUID) ([]*domain.CallParticipant, error)
	MarkParticipantJoined(ctx context.Context, callID, userID uuid.UUID) error
	MarkParticipantLeft(ctx context.Context, callID, userID uuid.UUID) error
	SetParticipantStatus(ctx context.Context, callID, userID uuid.UUID, status domain.ParticipantStatus) error
	MarkUnansweredMissed(ctx context.Context, callID uuid.UUID) error
	UpdateParticipantMedia(ctx context.Context, callID, userID uuid.UUID, isMuted, isVideoOff bool) error
	CountJoined(ctx context.Context, callID uuid.UUID) (int, error)
	AppendEvent(ctx context.Context, event *domain.CallEvent) error
}

// UserDirectory verifies caller and recipient existence
type UserDirectory interface {
	Exists(ctx context.Context, id uuid.UUID) (bool, error)
	Missing(ctx context.Context, ids []uuid.UUID) ([]uuid.UUID, error)
}

// Notifier is the transport surface the coordinator emits through
type Notifier interface {
	JoinRoom(connID, room string)
	LeaveRoom(connID, room string)
	EmitToRoom(room, event string, payload any)
	EmitToUser(userID uuid.UUID, event string, payload any)
}

// Service coordinates call lifecycle, signaling relay and the in-memory
// active-call index. The index mirrors room membership at connection
// granularity; durable participant status lives in the repository.
type Service struct {
	repo     CallRepository
	users    UserDirectory
	notifier Notifier
	rt       *metrics.Realtime

	ringTimeout       time.Duration
	leaveOnDisconnect bool

	mu         sync.Mutex
	activeCall map[uuid.UUID]map[string]bool // call id -> live connection ids
	connCalls  map[string]map[uuid.UUID]bool // connection id -> call ids
	ringTimers map[uuid.UUID]*time.Timer

	iceBatcher *signaling.Batcher
}

// NewService creates a call coordinator. rt may be nil.
func NewService(repo CallRepository, users UserDirectory, notifier Notifier, rt *metrics.Realtime, cfg *config.RealtimeConfig) *Service {
	s := &Service{
		repo:              repo,
		users:             users,
		notifier:          notifier,
		rt:                rt,
		ringTimeout:       cfg.RingTimeout,
		leaveOnDisconnect: cfg.LeaveOnDisconnect,
		activeCall:        make(map[uuid.UUID]map[string]bool),
		connCalls:         make(map[string]map[uuid.UUID]bool),
		ringTimers:        make(map[uuid.UUID]*time.Timer),
	}
	s.iceBatcher = signaling.NewBatcher(cfg.ICEBatchSize, cfg.ICEBatchDelay, s.flushICE)
	return s
}

// RoomName returns the transport room for a call
func RoomName(callID uuid.UUID) string {
	return "call:" + callID.String()
}

// InitiateCall creates a call in CALLING with one INVITED participant per
// recipient plus the initiator as JOINED, joins the initiator's connection to
// the call room, and notifies each recipient individually (they have not
// joined the room yet).
func (s *Service) InitiateCall(ctx context.Context, connID string, initiatorID uuid.UUID, initiatorName string, kind domain.CallKind, conversationID *uuid.UUID, recipientIDs []uuid.UUID) (*domain.Call, error) {
	if !kind.Valid() {
		return nil, apperrors.ValidationError("invalid call kind")
	}
	if len(recipientIDs) == 0 {
		return nil, apperrors.ValidationError("at least one recipient is required")
	}
	if len(recipientIDs) > constants.MaxCallRecipients {
		return nil, apperrors.ValidationError(fmt.Sprintf("too many recipients (max %d)", constants.MaxCallRecipients))
	}
	if !kind.IsGroup() && len(recipientIDs) != 1 {
		return nil, apperrors.ValidationError("1:1 calls take exactly one recipient")
	}
	seen := make(map[uuid.UUID]bool, len(recipientIDs))
	for _, id := range recipientIDs {
		if id == initiatorID {
			return nil, apperrors.ValidationError("cannot call yourself")
		}
		if seen[id] {
			return nil, apperrors.ValidationError("duplicate recipient")
		}
		seen[id] = true
	}

	// a token can outlive its account; verify the initiator still exists
	ok, err := s.users.Exists(ctx, initiatorID)
	if err != nil {
		return nil, apperrors.DatabaseError(err)
	}
	if !ok {
		return nil, apperrors.ValidationError("unknown initiator")
	}
	missing, err := s.users.Missing(ctx, recipientIDs)
	if err != nil {
		return nil, apperrors.DatabaseError(err)
	}
	if len(missing) > 0 {
		return nil, apperrors.ValidationError(fmt.Sprintf("unknown recipients: %v", missing))
	}

	now := time.Now()
	call := &domain.Call{
		CallID:         uuid.New(),
		ConversationID: conversationID,
		InitiatorID:    initiatorID,
		Kind:           kind,
		Status:         domain.CallStatusCalling,
		StartedAt:      now,
	}
	participants := make([]*domain.CallParticipant, 0, len(recipientIDs)+1)
	participants = append(participants, &domain.CallParticipant{
		CallID:   call.CallID,
		UserID:   initiatorID,
		Status:   domain.ParticipantJoined,
		JoinedAt: &now,
	})
	for _, id := range recipientIDs {
		participants = append(participants, &domain.CallParticipant{
			CallID: call.CallID,
			UserID: id,
			Status: domain.ParticipantInvited,
		})
	}

	if err := s.repo.CreateCallWithParticipants(ctx, call, participants); err != nil {
		return nil, err
	}
	s.appendEvent(ctx, call.CallID, &initiatorID, domain.EventCallInitiated, map[string]any{
		"kind":       string(kind),
		"recipients": len(recipientIDs),
	})

	s.trackConnection(call.CallID, connID)
	s.notifier.JoinRoom(connID, RoomName(call.CallID))

	invite := map[string]any{
		"call_id":        call.CallID,
		"kind":           call.Kind,
		"initiator_id":   initiatorID,
		"initiator_name": initiatorName,
	}
	if conversationID != nil {
		invite["conversation_id"] = *conversationID
	}
	for _, id := range recipientIDs {
		s.notifier.EmitToUser(id, "call:incoming", invite)
	}

	if !kind.IsGroup() {
		s.armRingTimer(call.CallID)
	}

	if s.rt != nil {
		s.rt.CallsTotal.WithLabelValues(string(kind)).Inc()
		s.rt.CallsActive.Inc()
	}
	logger.Info("Call initiated",
		zap.String("call_id", call.CallID.String()),
		zap.String("kind", string(kind)),
		zap.Int("recipients", len(recipientIDs)))
	return call, nil
}

// MarkRinging records that a recipient's device started ringing. Moves the
// participant to RINGING and, on the first report, the call from CALLING to
// RINGING.
func (s *Service) MarkRinging(ctx context.Context, callID, userID uuid.UUID) error {
	call, err := s.repo.GetCall(ctx, callID)
	if err != nil {
		return err
	}
	if call.Status.Terminal() {
		return apperrors.InvalidStateError("call already ended")
	}
	p, err := s.repo.GetParticipant(ctx, callID, userID)
	if err != nil {
		return err
	}
	if p.Status != domain.ParticipantInvited {
		return nil // already ringing or answered; last write wins
	}
	if err := s.repo.SetParticipantStatus(ctx, callID, userID, domain.ParticipantRinging); err != nil {
		return err
	}
	if call.Status == domain.CallStatusCalling {
		if err := s.repo.UpdateCallStatus(ctx, callID, domain.CallStatusRinging); err != nil {
			// the call advanced past CALLING under us; ringing is moot
			if apperrors.GetAppError(err).Code != apperrors.ErrCodeCallNotFound {
				return err
			}
		}
	}
	s.appendEvent(ctx, callID, &userID, domain.EventCallRinging, nil)
	s.notifier.EmitToRoom(RoomName(callID), "call:ringing", map[string]any{
		"call_id": callID,
		"user_id": userID,
	})
	return nil
}

// AcceptCall moves the participant to JOINED and the call to ACTIVE, joins
// the connection to the call room and notifies the room. Accepting an
// already-active group call is a plain join.
func (s *Service) AcceptCall(ctx context.Context, connID string, callID, userID uuid.UUID) (*domain.Call, error) {
	call, err := s.repo.GetCall(ctx, callID)
	if err != nil {
		return nil, err
	}
	if call.Status.Terminal() {
		return nil, apperrors.InvalidStateError("call already ended")
	}
	if _, err := s.repo.GetParticipant(ctx, callID, userID); err != nil {
		return nil, err
	}

	// the status check above can go stale while the participant lookup runs;
	// the guarded writes below surface a call settled in between as a lost race
	if err := s.repo.MarkParticipantJoined(ctx, callID, userID); err != nil {
		if apperrors.GetAppError(err).Code == apperrors.ErrCodeCallNotFound {
			return nil, apperrors.InvalidStateError("call already ended")
		}
		return nil, err
	}
	if call.Status != domain.CallStatusActive {
		if err := s.repo.UpdateCallStatus(ctx, callID, domain.CallStatusActive); err != nil {
			if apperrors.GetAppError(err).Code == apperrors.ErrCodeCallNotFound {
				return nil, apperrors.InvalidStateError("call already ended")
			}
			return nil, err
		}
		call.Status = domain.CallStatusActive
	}
	s.appendEvent(ctx, callID, &userID, domain.EventCallAccepted, nil)
	s.cancelRingTimer(callID)

	s.trackConnection(callID, connID)
	s.notifier.JoinRoom(connID, RoomName(callID))
	s.notifier.EmitToRoom(RoomName(callID), "call:accepted", map[string]any{
		"call_id": callID,
		"user_id": userID,
	})
	return call, nil
}

// RejectCall sets the participant to REJECTED. For 1:1 calls the whole call
// terminates as REJECTED; a group call survives individual rejections. A 1:1
// call that is already ACTIVE was answered first, so a late reject is refused
// rather than retro-terminating it.
func (s *Service) RejectCall(ctx context.Context, callID, userID uuid.UUID, reason string) error {
	call, err := s.repo.GetCall(ctx, callID)
	if err != nil {
		return err
	}
	if call.Status.Terminal() {
		return apperrors.InvalidStateError("call already ended")
	}
	if !call.Kind.IsGroup() && !call.Status.Answerable() {
		return apperrors.InvalidStateError("call already answered")
	}
	if _, err := s.repo.GetParticipant(ctx, callID, userID); err != nil {
		return err
	}

	if err := s.repo.SetParticipantStatus(ctx, callID, userID, domain.ParticipantRejected); err != nil {
		return err
	}

	var meta map[string]any
	if reason != "" {
		meta = map[string]any{"reason": reason}
	}
	s.appendEvent(ctx, callID, &userID, domain.EventCallRejected, meta)

	if !call.Kind.IsGroup() {
		ended, err := s.repo.TerminateCall(ctx, callID, domain.CallStatusRejected)
		if err != nil {
			return err
		}
		s.finishCall(ended)
	}

	s.notifier.EmitToRoom(RoomName(callID), "call:rejected", map[string]any{
		"call_id": callID,
		"user_id": userID,
		"reason":  reason,
	})
	return nil
}

// EndCall ends the call for everyone: call to ENDED with whole-second
// duration, every JOINED participant to LEFT. Idempotent — ending an already
// terminal call returns its final state without a second CALL_ENDED event or
// room notification.
func (s *Service) EndCall(ctx context.Context, callID, userID uuid.UUID) (*domain.Call, error) {
	call, err := s.repo.GetCall(ctx, callID)
	if err != nil {
		return nil, err
	}
	if _, err := s.repo.GetParticipant(ctx, callID, userID); err != nil {
		return nil, err
	}
	if call.Status.Terminal() {
		return call, nil
	}

	ended, err := s.repo.EndCall(ctx, callID)
	if err != nil {
		if apperrors.GetAppError(err).Code == apperrors.ErrCodeCallNotFound {
			// lost the race to another terminator; report the settled state
			return s.repo.GetCall(ctx, callID)
		}
		return nil, err
	}
	s.appendEvent(ctx, callID, &userID, domain.EventCallEnded, map[string]any{
		"duration": ended.Duration,
	})
	s.finishCall(ended)

	s.notifier.EmitToRoom(RoomName(callID), "call:ended", map[string]any{
		"call_id":  callID,
		"ended_by": userID,
		"duration": ended.Duration,
	})
	logger.Info("Call ended",
		zap.String("call_id", callID.String()),
		zap.Int("duration_seconds", ended.Duration))
	return ended, nil
}

// LeaveCall removes one participant without necessarily ending the call: the
// participant goes to LEFT, the connection leaves the room, and the call ends
// only when no JOINED participants remain.
func (s *Service) LeaveCall(ctx context.Context, connID string, callID, userID uuid.UUID) (*domain.Call, error) {
	call, err := s.repo.GetCall(ctx, callID)
	if err != nil {
		return nil, err
	}
	p, err := s.repo.GetParticipant(ctx, callID, userID)
	if err != nil {
		return nil, err
	}
	if call.Status.Terminal() {
		return call, nil
	}
	if p.Status != domain.ParticipantJoined {
		return nil, apperrors.InvalidStateError("participant has not joined the call")
	}

	if err := s.repo.MarkParticipantLeft(ctx, callID, userID); err != nil {
		return nil, err
	}
	s.appendEvent(ctx, callID, &userID, domain.EventParticipantLeft, nil)

	s.untrackConnection(callID, connID)
	s.notifier.LeaveRoom(connID, RoomName(callID))
	s.notifier.EmitToRoom(RoomName(callID), "participant:left", map[string]any{
		"call_id": callID,
		"user_id": userID,
	})

	remaining, err := s.repo.CountJoined(ctx, callID)
	if err != nil {
		return nil, err
	}
	if remaining > 0 {
		return call, nil
	}

	ended, err := s.repo.TerminateCall(ctx, callID, domain.CallStatusEnded)
	if err != nil {
		if apperrors.GetAppError(err).Code == apperrors.ErrCodeCallNotFound {
			return s.repo.GetCall(ctx, callID)
		}
		return nil, err
	}
	s.appendEvent(ctx, callID, &userID, domain.EventCallEnded, map[string]any{
		"duration": ended.Duration,
		"cause":    "last_participant_left",
	})
	s.finishCall(ended)
	s.notifier.EmitToRoom(RoomName(callID), "call:ended", map[string]any{
		"call_id":  callID,
		"duration": ended.Duration,
	})
	return ended, nil
}

// JoinGroupCall upserts the user into a group call as JOINED, creating a
// participant row if the user was never invited
func (s *Service) JoinGroupCall(ctx context.Context, connID string, callID, userID uuid.UUID) (*domain.Call, error) {
	call, err := s.repo.GetCall(ctx, callID)
	if err != nil {
		return nil, err
	}
	if !call.Kind.IsGroup() {
		return nil, apperrors.InvalidStateError("not a group call")
	}
	if call.Status.Terminal() {
		return nil, apperrors.InvalidStateError("call already ended")
	}

	if err := s.repo.MarkParticipantJoined(ctx, callID, userID); err != nil {
		if apperrors.GetAppError(err).Code == apperrors.ErrCodeCallNotFound {
			return nil, apperrors.InvalidStateError("call already ended")
		}
		return nil, err
	}
	if call.Status != domain.CallStatusActive {
		if err := s.repo.UpdateCallStatus(ctx, callID, domain.CallStatusActive); err != nil {
			if apperrors.GetAppError(err).Code == apperrors.ErrCodeCallNotFound {
				return nil, apperrors.InvalidStateError("call already ended")
			}
			return nil, err
		}
		call.Status = domain.CallStatusActive
	}
	s.appendEvent(ctx, callID, &userID, domain.EventParticipantJoined, nil)

	s.trackConnection(callID, connID)
	s.notifier.JoinRoom(connID, RoomName(callID))
	s.notifier.EmitToRoom(RoomName(callID), "participant:joined", map[string]any{
		"call_id": callID,
		"user_id": userID,
	})
	return call, nil
}

// LeaveGroupCall is the group-only leave path; the call ends once the last
// JOINED participant leaves
func (s *Service) LeaveGroupCall(ctx context.Context, connID string, callID, userID uuid.UUID) (*domain.Call, error) {
	call, err := s.repo.GetCall(ctx, callID)
	if err != nil {
		return nil, err
	}
	if !call.Kind.IsGroup() {
		return nil, apperrors.InvalidStateError("not a group call")
	}
	return s.LeaveCall(ctx, connID, callID, userID)
}

// ToggleMute flips the participant's mute flag and broadcasts the new state
func (s *Service) ToggleMute(ctx context.Context, callID, userID uuid.UUID) (bool, error) {
	p, err := s.repo.GetParticipant(ctx, callID, userID)
	if err != nil {
		return false, err
	}
	muted := !p.IsMuted
	if err := s.repo.UpdateParticipantMedia(ctx, callID, userID, muted, p.IsVideoOff); err != nil {
		return false, err
	}
	s.appendEvent(ctx, callID, &userID, domain.EventMuteToggled, map[string]any{"is_muted": muted})
	s.notifier.EmitToRoom(RoomName(callID), "call:mute-toggled", map[string]any{
		"call_id":  callID,
		"user_id":  userID,
		"is_muted": muted,
	})
	return muted, nil
}

// ToggleVideo flips the participant's video-off flag and broadcasts the new state
func (s *Service) ToggleVideo(ctx context.Context, callID, userID uuid.UUID) (bool, error) {
	p, err := s.repo.GetParticipant(ctx, callID, userID)
	if err != nil {
		return false, err
	}
	videoOff := !p.IsVideoOff
	if err := s.repo.UpdateParticipantMedia(ctx, callID, userID, p.IsMuted, videoOff); err != nil {
		return false, err
	}
	s.appendEvent(ctx, callID, &userID, domain.EventVideoToggled, map[string]any{"is_video_off": videoOff})
	s.notifier.EmitToRoom(RoomName(callID), "call:video-toggled", map[string]any{
		"call_id":      callID,
		"user_id":      userID,
		"is_video_off": videoOff,
	})
	return videoOff, nil
}

// RelaySignal forwards an offer or answer verbatim to one target user with
// the sender identity attached. Selective relay keeps group calls from
// broadcasting every negotiation to every peer.
func (s *Service) RelaySignal(ctx context.Context, callID, senderID, targetID uuid.UUID, event string, payload json.RawMessage) error {
	if _, err := s.repo.GetParticipant(ctx, callID, senderID); err != nil {
		return err
	}
	s.notifier.EmitToUser(targetID, event, map[string]any{
		"call_id": callID,
		"from":    senderID,
		"payload": payload,
	})
	if s.rt != nil {
		s.rt.SignalsRelayed.WithLabelValues(strings.TrimPrefix(event, "call:")).Inc()
	}
	return nil
}

// AddICECandidate buffers a candidate for batched relay to the target user.
// Batches are keyed by sender connection plus target so each peer link
// coalesces independently.
func (s *Service) AddICECandidate(ctx context.Context, connID string, callID, senderID, targetID uuid.UUID, candidate json.RawMessage) error {
	if _, err := s.repo.GetParticipant(ctx, callID, senderID); err != nil {
		return err
	}
	wrapped, err := json.Marshal(map[string]any{
		"call_id":   callID,
		"from":      senderID,
		"candidate": candidate,
	})
	if err != nil {
		return fmt.Errorf("failed to wrap ice candidate: %w", err)
	}
	s.iceBatcher.Add(connID+"|"+targetID.String(), wrapped)
	return nil
}

// flushICE relays a drained candidate batch as a single message
func (s *Service) flushICE(key string, candidates []json.RawMessage) {
	_, target, ok := strings.Cut(key, "|")
	if !ok {
		return
	}
	targetID, err := uuid.Parse(target)
	if err != nil {
		return
	}
	s.notifier.EmitToUser(targetID, "call:ice-candidates", map[string]any{
		"candidates": candidates,
	})
	if s.rt != nil {
		s.rt.ICEBatches.Inc()
		s.rt.ICECandidates.Add(float64(len(candidates)))
	}
}

// GetCall loads a call with its participants for read paths
func (s *Service) GetCall(ctx context.Context, callID uuid.UUID) (*domain.Call, []*domain.CallParticipant, error) {
	call, err := s.repo.GetCall(ctx, callID)
	if err != nil {
		return nil, nil, err
	}
	participants, err := s.repo.GetParticipants(ctx, callID)
	if err != nil {
		return nil, nil, err
	}
	return call, participants, nil
}

// ListUserCalls returns a user's call history, newest first
func (s *Service) ListUserCalls(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*domain.Call, error) {
	return s.repo.ListUserCalls(ctx, userID, limit, offset)
}

// HandleDisconnect removes the connection from every call it was tracked in,
// cancels its pending ICE batches, and tells each room. Bare socket loss does
// not change durable participant status unless the leave-on-disconnect policy
// is enabled; reconnection then resumes the call.
func (s *Service) HandleDisconnect(ctx context.Context, connID string, userID uuid.UUID) {
	s.iceBatcher.CancelPrefix(connID + "|")

	s.mu.Lock()
	calls := s.connCalls[connID]
	delete(s.connCalls, connID)
	callIDs := make([]uuid.UUID, 0, len(calls))
	for callID := range calls {
		if conns, ok := s.activeCall[callID]; ok {
			delete(conns, connID)
			if len(conns) == 0 {
				delete(s.activeCall, callID)
			}
		}
		callIDs = append(callIDs, callID)
	}
	s.mu.Unlock()

	for _, callID := range callIDs {
		s.notifier.EmitToRoom(RoomName(callID), "participant:disconnected", map[string]any{
			"call_id": callID,
			"user_id": userID,
		})
		if s.leaveOnDisconnect {
			if _, err := s.LeaveCall(ctx, connID, callID, userID); err != nil {
				logger.Warn("Leave-on-disconnect failed",
					zap.String("call_id", callID.String()),
					zap.String("user_id", userID.String()),
					zap.Error(err))
			}
		}
	}
}

// armRingTimer schedules the 1:1 missed-call timeout
func (s *Service) armRingTimer(callID uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ringTimers[callID] = time.AfterFunc(s.ringTimeout, func() {
		s.expireUnanswered(callID)
	})
}

func (s *Service) cancelRingTimer(callID uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.ringTimers[callID]; ok {
		t.Stop()
		delete(s.ringTimers, callID)
	}
}

// expireUnanswered fires when a 1:1 call rings past the timeout: the call
// terminates as MISSED and pending participants are marked MISSED. The
// terminal-status guard in the repository makes a race with accept harmless.
func (s *Service) expireUnanswered(callID uuid.UUID) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	call, err := s.repo.GetCall(ctx, callID)
	if err != nil {
		logger.Warn("Ring timeout on unknown call", zap.String("call_id", callID.String()), zap.Error(err))
		return
	}
	if !call.Status.Answerable() {
		return
	}

	ended, err := s.repo.TerminateCall(ctx, callID, domain.CallStatusMissed)
	if err != nil {
		if apperrors.GetAppError(err).Code != apperrors.ErrCodeCallNotFound {
			logger.Error("Failed to expire unanswered call", zap.String("call_id", callID.String()), zap.Error(err))
		}
		return
	}
	if err := s.repo.MarkUnansweredMissed(ctx, callID); err != nil {
		logger.Error("Failed to mark participants missed", zap.String("call_id", callID.String()), zap.Error(err))
	}
	s.appendEvent(ctx, callID, nil, domain.EventCallMissed, nil)
	s.finishCall(ended)

	s.notifier.EmitToRoom(RoomName(callID), "call:missed", map[string]any{"call_id": callID})
	participants, err := s.repo.GetParticipants(ctx, callID)
	if err != nil {
		return
	}
	for _, p := range participants {
		if p.Status == domain.ParticipantMissed {
			s.notifier.EmitToUser(p.UserID, "call:missed", map[string]any{"call_id": callID})
		}
	}
}

// finishCall drops in-memory state for a terminated call and records metrics
func (s *Service) finishCall(call *domain.Call) {
	s.cancelRingTimer(call.CallID)
	s.mu.Lock()
	for connID := range s.activeCall[call.CallID] {
		if calls, ok := s.connCalls[connID]; ok {
			delete(calls, call.CallID)
			if len(calls) == 0 {
				delete(s.connCalls, connID)
			}
		}
	}
	delete(s.activeCall, call.CallID)
	s.mu.Unlock()

	if s.rt != nil {
		s.rt.CallsActive.Dec()
		s.rt.CallsEnded.WithLabelValues(string(call.Status)).Inc()
		if call.Status == domain.CallStatusEnded {
			s.rt.CallDuration.Observe(float64(call.Duration))
		}
	}
}

func (s *Service) trackConnection(callID uuid.UUID, connID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.activeCall[callID] == nil {
		s.activeCall[callID] = make(map[string]bool)
	}
	s.activeCall[callID][connID] = true
	if s.connCalls[connID] == nil {
		s.connCalls[connID] = make(map[uuid.UUID]bool)
	}
	s.connCalls[connID][callID] = true
}

func (s *Service) untrackConnection(callID uuid.UUID, connID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if conns, ok := s.activeCall[callID]; ok {
		delete(conns, connID)
		if len(conns) == 0 {
			delete(s.activeCall, callID)
		}
	}
	if calls, ok := s.connCalls[connID]; ok {
		delete(calls, callID)
		if len(calls) == 0 {
			delete(s.connCalls, connID)
		}
	}
}

// appendEvent writes an audit row; audit failures are logged, never fatal to
// the transition that already persisted
func (s *Service) appendEvent(ctx context.Context, callID uuid.UUID, userID *uuid.UUID, eventType domain.CallEventType, metadata map[string]any) {
	event := &domain.CallEvent{
		CallID:   callID,
		UserID:   userID,
		Type:     eventType,
		Metadata: metadata,
	}
	if err := s.repo.AppendEvent(ctx, event); err != nil {
		logger.Error("Failed to append call event",
			zap.String("call_id", callID.String()),
			zap.String("event_type", string(eventType)),
			zap.Error(err))
	}
}
