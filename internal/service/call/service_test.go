package call

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"meshtalk-backend/internal/domain"
	"meshtalk-backend/pkg/config"
	apperrors "meshtalk-backend/pkg/errors"
)

type mockCallRepo struct {
	mock.Mock
}

func (m *mockCallRepo) CreateCallWithParticipants(ctx context.Context, call *domain.Call, participants []*domain.CallParticipant) error {
	args := m.Called(ctx, call, participants)
	return args.Error(0)
}

func (m *mockCallRepo) GetCall(ctx context.Context, callID uuid.UUID) (*domain.Call, error) {
	args := m.Called(ctx, callID)
	if call := args.Get(0); call != nil {
		return call.(*domain.Call), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockCallRepo) UpdateCallStatus(ctx context.Context, callID uuid.UUID, status domain.CallStatus) error {
	args := m.Called(ctx, callID, status)
	return args.Error(0)
}

func (m *mockCallRepo) TerminateCall(ctx context.Context, callID uuid.UUID, status domain.CallStatus) (*domain.Call, error) {
	args := m.Called(ctx, callID, status)
	if call := args.Get(0); call != nil {
		return call.(*domain.Call), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockCallRepo) EndCall(ctx context.Context, callID uuid.UUID) (*domain.Call, error) {
	args := m.Called(ctx, callID)
	if call := args.Get(0); call != nil {
		return call.(*domain.Call), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockCallRepo) ListUserCalls(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*domain.Call, error) {
	args := m.Called(ctx, userID, limit, offset)
	if calls := args.Get(0); calls != nil {
		return calls.([]*domain.Call), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockCallRepo) GetParticipant(ctx context.Context, callID, userID uuid.UUID) (*domain.CallParticipant, error) {
	args := m.Called(ctx, callID, userID)
	if p := args.Get(0); p != nil {
		return p.(*domain.CallParticipant), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockCallRepo) GetParticipants(ctx context.Context, callID uuid.UUID) ([]*domain.CallParticipant, error) {
	args := m.Called(ctx, callID)
	if ps := args.Get(0); ps != nil {
		return ps.([]*domain.CallParticipant), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *mockCallRepo) MarkParticipantJoined(ctx context.Context, callID, userID uuid.UUID) error {
	args := m.Called(ctx, callID, userID)
	return args.Error(0)
}

func (m *mockCallRepo) MarkParticipantLeft(ctx context.Context, callID, userID uuid.UUID) error {
	args := m.Called(ctx, callID, userID)
	return args.Error(0)
}

func (m *mockCallRepo) SetParticipantStatus(ctx context.Context, callID, userID uuid.UUID, status domain.ParticipantStatus) error {
	args := m.Called(ctx, callID, userID, status)
	return args.Error(0)
}

func (m *mockCallRepo) MarkUnansweredMissed(ctx context.Context, callID uuid.UUID) error {
	args := m.Called(ctx, callID)
	return args.Error(0)
}

func (m *mockCallRepo) UpdateParticipantMedia(ctx context.Context, callID, userID uuid.UUID, isMuted, isVideoOff bool) error {
	args := m.Called(ctx, callID, userID, isMuted, isVideoOff)
	return args.Error(0)
}

func (m *mockCallRepo) CountJoined(ctx context.Context, callID uuid.UUID) (int, error) {
	args := m.Called(ctx, callID)
	return args.Int(0), args.Error(1)
}

func (m *mockCallRepo) AppendEvent(ctx context.Context, event *domain.CallEvent) error {
	args := m.Called(ctx, event)
	return args.Error(0)
}

type mockUserDirectory struct {
	mock.Mock
}

func (m *mockUserDirectory) Exists(ctx context.Context, id uuid.UUID) (bool, error) {
	args := m.Called(ctx, id)
	return args.Bool(0), args.Error(1)
}

func (m *mockUserDirectory) Missing(ctx context.Context, ids []uuid.UUID) ([]uuid.UUID, error) {
	args := m.Called(ctx, ids)
	if missing := args.Get(0); missing != nil {
		return missing.([]uuid.UUID), args.Error(1)
	}
	return nil, args.Error(1)
}

type mockNotifier struct {
	mock.Mock
}

func (m *mockNotifier) JoinRoom(connID, room string) {
	m.Called(connID, room)
}

func (m *mockNotifier) LeaveRoom(connID, room string) {
	m.Called(connID, room)
}

func (m *mockNotifier) EmitToRoom(room, event string, payload any) {
	m.Called(room, event, payload)
}

func (m *mockNotifier) EmitToUser(userID uuid.UUID, event string, payload any) {
	m.Called(userID, event, payload)
}

func newTestService(repo *mockCallRepo, users *mockUserDirectory, notifier *mockNotifier) *Service {
	cfg := &config.RealtimeConfig{
		ICEBatchSize:  10,
		ICEBatchDelay: 50 * time.Millisecond,
		RingTimeout:   time.Hour,
	}
	return NewService(repo, users, notifier, nil, cfg)
}

func eventOfType(t domain.CallEventType) any {
	return mock.MatchedBy(func(e *domain.CallEvent) bool { return e.Type == t })
}

func TestInitiateCall_Validation(t *testing.T) {
	repo := new(mockCallRepo)
	users := new(mockUserDirectory)
	notifier := new(mockNotifier)
	svc := newTestService(repo, users, notifier)
	ctx := context.Background()
	initiator := uuid.New()

	_, err := svc.InitiateCall(ctx, "conn-1", initiator, "Ann", "HOLOGRAM", nil, []uuid.UUID{uuid.New()})
	assert.Equal(t, apperrors.ErrCodeValidation, apperrors.GetAppError(err).Code)

	_, err = svc.InitiateCall(ctx, "conn-1", initiator, "Ann", domain.CallKindAudio1to1, nil, nil)
	assert.Equal(t, apperrors.ErrCodeValidation, apperrors.GetAppError(err).Code)

	_, err = svc.InitiateCall(ctx, "conn-1", initiator, "Ann", domain.CallKindAudio1to1, nil, []uuid.UUID{initiator})
	assert.Equal(t, apperrors.ErrCodeValidation, apperrors.GetAppError(err).Code)

	_, err = svc.InitiateCall(ctx, "conn-1", initiator, "Ann", domain.CallKindVideo1to1, nil, []uuid.UUID{uuid.New(), uuid.New()})
	assert.Equal(t, apperrors.ErrCodeValidation, apperrors.GetAppError(err).Code)

	repo.AssertNotCalled(t, "CreateCallWithParticipants", mock.Anything, mock.Anything, mock.Anything)
}

func TestInitiateCall_CreatesCallingCallAndNotifiesRecipient(t *testing.T) {
	repo := new(mockCallRepo)
	users := new(mockUserDirectory)
	notifier := new(mockNotifier)
	svc := newTestService(repo, users, notifier)
	ctx := context.Background()
	initiator := uuid.New()
	recipient := uuid.New()

	users.On("Exists", ctx, initiator).Return(true, nil)
	users.On("Missing", ctx, []uuid.UUID{recipient}).Return(nil, nil)
	repo.On("CreateCallWithParticipants", ctx, mock.Anything, mock.Anything).Return(nil)
	repo.On("AppendEvent", ctx, eventOfType(domain.EventCallInitiated)).Return(nil)
	notifier.On("JoinRoom", "conn-1", mock.Anything).Return()
	notifier.On("EmitToUser", recipient, "call:incoming", mock.Anything).Return()

	call, err := svc.InitiateCall(ctx, "conn-1", initiator, "Ann", domain.CallKindVideo1to1, nil, []uuid.UUID{recipient})
	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusCalling, call.Status)
	assert.Equal(t, initiator, call.InitiatorID)

	createCall := repo.Calls[0]
	participants := createCall.Arguments.Get(2).([]*domain.CallParticipant)
	require.Len(t, participants, 2)
	assert.Equal(t, domain.ParticipantJoined, participants[0].Status, "initiator is already present")
	assert.Equal(t, initiator, participants[0].UserID)
	assert.Equal(t, domain.ParticipantInvited, participants[1].Status)
	assert.Equal(t, recipient, participants[1].UserID)

	notifier.AssertCalled(t, "JoinRoom", "conn-1", RoomName(call.CallID))
	notifier.AssertCalled(t, "EmitToUser", recipient, "call:incoming", mock.Anything)
	notifier.AssertNotCalled(t, "EmitToRoom", mock.Anything, mock.Anything, mock.Anything)

	svc.cancelRingTimer(call.CallID)
}

func TestInitiateCall_UnknownRecipient(t *testing.T) {
	repo := new(mockCallRepo)
	users := new(mockUserDirectory)
	notifier := new(mockNotifier)
	svc := newTestService(repo, users, notifier)
	ctx := context.Background()
	initiator := uuid.New()
	recipient := uuid.New()

	users.On("Exists", ctx, initiator).Return(true, nil)
	users.On("Missing", ctx, []uuid.UUID{recipient}).Return([]uuid.UUID{recipient}, nil)

	_, err := svc.InitiateCall(ctx, "conn-1", initiator, "Ann", domain.CallKindAudio1to1, nil, []uuid.UUID{recipient})
	assert.Equal(t, apperrors.ErrCodeValidation, apperrors.GetAppError(err).Code)
	repo.AssertNotCalled(t, "CreateCallWithParticipants", mock.Anything, mock.Anything, mock.Anything)
}

func TestInitiateCall_UnknownInitiator(t *testing.T) {
	repo := new(mockCallRepo)
	users := new(mockUserDirectory)
	notifier := new(mockNotifier)
	svc := newTestService(repo, users, notifier)
	ctx := context.Background()
	initiator := uuid.New()

	users.On("Exists", ctx, initiator).Return(false, nil)

	_, err := svc.InitiateCall(ctx, "conn-1", initiator, "Ann", domain.CallKindAudio1to1, nil, []uuid.UUID{uuid.New()})
	assert.Equal(t, apperrors.ErrCodeValidation, apperrors.GetAppError(err).Code)
	users.AssertNotCalled(t, "Missing", mock.Anything, mock.Anything)
	repo.AssertNotCalled(t, "CreateCallWithParticipants", mock.Anything, mock.Anything, mock.Anything)
}

func TestAcceptCall_JoinsAndActivates(t *testing.T) {
	repo := new(mockCallRepo)
	users := new(mockUserDirectory)
	notifier := new(mockNotifier)
	svc := newTestService(repo, users, notifier)
	ctx := context.Background()
	callID := uuid.New()
	callee := uuid.New()

	repo.On("GetCall", ctx, callID).Return(&domain.Call{
		CallID: callID, Kind: domain.CallKindVideo1to1, Status: domain.CallStatusRinging,
	}, nil)
	repo.On("GetParticipant", ctx, callID, callee).Return(&domain.CallParticipant{
		CallID: callID, UserID: callee, Status: domain.ParticipantRinging,
	}, nil)
	repo.On("MarkParticipantJoined", ctx, callID, callee).Return(nil)
	repo.On("UpdateCallStatus", ctx, callID, domain.CallStatusActive).Return(nil)
	repo.On("AppendEvent", ctx, eventOfType(domain.EventCallAccepted)).Return(nil)
	notifier.On("JoinRoom", "conn-2", RoomName(callID)).Return()
	notifier.On("EmitToRoom", RoomName(callID), "call:accepted", mock.Anything).Return()

	call, err := svc.AcceptCall(ctx, "conn-2", callID, callee)
	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusActive, call.Status)
	repo.AssertExpectations(t)
	notifier.AssertExpectations(t)
}

func TestAcceptCall_NotParticipant(t *testing.T) {
	repo := new(mockCallRepo)
	users := new(mockUserDirectory)
	notifier := new(mockNotifier)
	svc := newTestService(repo, users, notifier)
	ctx := context.Background()
	callID := uuid.New()
	stranger := uuid.New()

	repo.On("GetCall", ctx, callID).Return(&domain.Call{
		CallID: callID, Status: domain.CallStatusRinging,
	}, nil)
	repo.On("GetParticipant", ctx, callID, stranger).Return(nil, apperrors.NotParticipantError())

	_, err := svc.AcceptCall(ctx, "conn-3", callID, stranger)
	assert.Equal(t, apperrors.ErrCodeNotParticipant, apperrors.GetAppError(err).Code)
	repo.AssertNotCalled(t, "MarkParticipantJoined", mock.Anything, mock.Anything, mock.Anything)
}

func TestAcceptCall_LosesRaceToRingTimeout(t *testing.T) {
	repo := new(mockCallRepo)
	users := new(mockUserDirectory)
	notifier := new(mockNotifier)
	svc := newTestService(repo, users, notifier)
	ctx := context.Background()
	callID := uuid.New()
	callee := uuid.New()

	// the call reads as RINGING, but the ring timer settles it as MISSED
	// before the join lands; the guarded write reports the lost race
	repo.On("GetCall", ctx, callID).Return(&domain.Call{
		CallID: callID, Kind: domain.CallKindAudio1to1, Status: domain.CallStatusRinging,
	}, nil)
	repo.On("GetParticipant", ctx, callID, callee).Return(&domain.CallParticipant{
		CallID: callID, UserID: callee, Status: domain.ParticipantRinging,
	}, nil)
	repo.On("MarkParticipantJoined", ctx, callID, callee).Return(apperrors.CallNotFoundError())

	_, err := svc.AcceptCall(ctx, "conn-2", callID, callee)
	assert.Equal(t, apperrors.ErrCodeInvalidState, apperrors.GetAppError(err).Code)
	repo.AssertNotCalled(t, "UpdateCallStatus", mock.Anything, mock.Anything, mock.Anything)
	repo.AssertNotCalled(t, "AppendEvent", mock.Anything, mock.Anything)
	notifier.AssertNotCalled(t, "JoinRoom", mock.Anything, mock.Anything)
	notifier.AssertNotCalled(t, "EmitToRoom", mock.Anything, mock.Anything, mock.Anything)
}

func TestRejectCall_OneToOneTerminatesWholeCall(t *testing.T) {
	repo := new(mockCallRepo)
	users := new(mockUserDirectory)
	notifier := new(mockNotifier)
	svc := newTestService(repo, users, notifier)
	ctx := context.Background()
	callID := uuid.New()
	callee := uuid.New()
	endedAt := time.Now()

	repo.On("GetCall", ctx, callID).Return(&domain.Call{
		CallID: callID, Kind: domain.CallKindAudio1to1, Status: domain.CallStatusRinging,
	}, nil)
	repo.On("GetParticipant", ctx, callID, callee).Return(&domain.CallParticipant{
		CallID: callID, UserID: callee, Status: domain.ParticipantRinging,
	}, nil)
	repo.On("SetParticipantStatus", ctx, callID, callee, domain.ParticipantRejected).Return(nil)
	repo.On("AppendEvent", ctx, eventOfType(domain.EventCallRejected)).Return(nil)
	repo.On("TerminateCall", ctx, callID, domain.CallStatusRejected).Return(&domain.Call{
		CallID: callID, Kind: domain.CallKindAudio1to1, Status: domain.CallStatusRejected, EndedAt: &endedAt,
	}, nil)
	notifier.On("EmitToRoom", RoomName(callID), "call:rejected", mock.Anything).Return()

	err := svc.RejectCall(ctx, callID, callee, "busy")
	require.NoError(t, err)
	repo.AssertExpectations(t)
}

func TestRejectCall_AnsweredOneToOneIsNotRetroTerminated(t *testing.T) {
	repo := new(mockCallRepo)
	users := new(mockUserDirectory)
	notifier := new(mockNotifier)
	svc := newTestService(repo, users, notifier)
	ctx := context.Background()
	callID := uuid.New()
	callee := uuid.New()

	repo.On("GetCall", ctx, callID).Return(&domain.Call{
		CallID: callID, Kind: domain.CallKindAudio1to1, Status: domain.CallStatusActive,
	}, nil)

	err := svc.RejectCall(ctx, callID, callee, "busy")
	assert.Equal(t, apperrors.ErrCodeInvalidState, apperrors.GetAppError(err).Code)
	repo.AssertNotCalled(t, "SetParticipantStatus", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	repo.AssertNotCalled(t, "TerminateCall", mock.Anything, mock.Anything, mock.Anything)
	notifier.AssertNotCalled(t, "EmitToRoom", mock.Anything, mock.Anything, mock.Anything)
}

func TestRejectCall_GroupCallSurvives(t *testing.T) {
	repo := new(mockCallRepo)
	users := new(mockUserDirectory)
	notifier := new(mockNotifier)
	svc := newTestService(repo, users, notifier)
	ctx := context.Background()
	callID := uuid.New()
	callee := uuid.New()

	repo.On("GetCall", ctx, callID).Return(&domain.Call{
		CallID: callID, Kind: domain.CallKindVideoGroup, Status: domain.CallStatusActive,
	}, nil)
	repo.On("GetParticipant", ctx, callID, callee).Return(&domain.CallParticipant{
		CallID: callID, UserID: callee, Status: domain.ParticipantInvited,
	}, nil)
	repo.On("SetParticipantStatus", ctx, callID, callee, domain.ParticipantRejected).Return(nil)
	repo.On("AppendEvent", ctx, eventOfType(domain.EventCallRejected)).Return(nil)
	notifier.On("EmitToRoom", RoomName(callID), "call:rejected", mock.Anything).Return()

	err := svc.RejectCall(ctx, callID, callee, "")
	require.NoError(t, err)
	repo.AssertNotCalled(t, "TerminateCall", mock.Anything, mock.Anything, mock.Anything)
}

func TestEndCall_ComputesDuration(t *testing.T) {
	repo := new(mockCallRepo)
	users := new(mockUserDirectory)
	notifier := new(mockNotifier)
	svc := newTestService(repo, users, notifier)
	ctx := context.Background()
	callID := uuid.New()
	userID := uuid.New()
	endedAt := time.Now()

	repo.On("GetCall", ctx, callID).Return(&domain.Call{
		CallID: callID, Kind: domain.CallKindVideo1to1, Status: domain.CallStatusActive,
		StartedAt: endedAt.Add(-42 * time.Second),
	}, nil)
	repo.On("GetParticipant", ctx, callID, userID).Return(&domain.CallParticipant{
		CallID: callID, UserID: userID, Status: domain.ParticipantJoined,
	}, nil)
	repo.On("EndCall", ctx, callID).Return(&domain.Call{
		CallID: callID, Kind: domain.CallKindVideo1to1, Status: domain.CallStatusEnded,
		EndedAt: &endedAt, Duration: 42,
	}, nil)
	repo.On("AppendEvent", ctx, eventOfType(domain.EventCallEnded)).Return(nil)
	notifier.On("EmitToRoom", RoomName(callID), "call:ended", mock.Anything).Return()

	ended, err := svc.EndCall(ctx, callID, userID)
	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusEnded, ended.Status)
	assert.Equal(t, 42, ended.Duration)
	repo.AssertExpectations(t)
}

func TestEndCall_Idempotent(t *testing.T) {
	repo := new(mockCallRepo)
	users := new(mockUserDirectory)
	notifier := new(mockNotifier)
	svc := newTestService(repo, users, notifier)
	ctx := context.Background()
	callID := uuid.New()
	userID := uuid.New()
	endedAt := time.Now()

	repo.On("GetCall", ctx, callID).Return(&domain.Call{
		CallID: callID, Status: domain.CallStatusEnded, EndedAt: &endedAt, Duration: 42,
	}, nil)
	repo.On("GetParticipant", ctx, callID, userID).Return(&domain.CallParticipant{
		CallID: callID, UserID: userID, Status: domain.ParticipantLeft,
	}, nil)

	ended, err := svc.EndCall(ctx, callID, userID)
	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusEnded, ended.Status)
	assert.Equal(t, 42, ended.Duration)

	repo.AssertNotCalled(t, "EndCall", mock.Anything, mock.Anything)
	repo.AssertNotCalled(t, "AppendEvent", mock.Anything, mock.Anything)
	notifier.AssertNotCalled(t, "EmitToRoom", mock.Anything, mock.Anything, mock.Anything)
}

func TestLeaveCall_LastParticipantEndsCall(t *testing.T) {
	repo := new(mockCallRepo)
	users := new(mockUserDirectory)
	notifier := new(mockNotifier)
	svc := newTestService(repo, users, notifier)
	ctx := context.Background()
	callID := uuid.New()
	userID := uuid.New()
	endedAt := time.Now()

	repo.On("GetCall", ctx, callID).Return(&domain.Call{
		CallID: callID, Kind: domain.CallKindAudioGroup, Status: domain.CallStatusActive,
	}, nil)
	repo.On("GetParticipant", ctx, callID, userID).Return(&domain.CallParticipant{
		CallID: callID, UserID: userID, Status: domain.ParticipantJoined,
	}, nil)
	repo.On("MarkParticipantLeft", ctx, callID, userID).Return(nil)
	repo.On("AppendEvent", ctx, eventOfType(domain.EventParticipantLeft)).Return(nil)
	repo.On("CountJoined", ctx, callID).Return(0, nil)
	repo.On("TerminateCall", ctx, callID, domain.CallStatusEnded).Return(&domain.Call{
		CallID: callID, Kind: domain.CallKindAudioGroup, Status: domain.CallStatusEnded,
		EndedAt: &endedAt, Duration: 120,
	}, nil)
	repo.On("AppendEvent", ctx, eventOfType(domain.EventCallEnded)).Return(nil)
	notifier.On("LeaveRoom", "conn-1", RoomName(callID)).Return()
	notifier.On("EmitToRoom", RoomName(callID), "participant:left", mock.Anything).Return()
	notifier.On("EmitToRoom", RoomName(callID), "call:ended", mock.Anything).Return()

	ended, err := svc.LeaveCall(ctx, "conn-1", callID, userID)
	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusEnded, ended.Status)
	repo.AssertExpectations(t)
	notifier.AssertExpectations(t)
}

func TestLeaveCall_OthersRemainCallContinues(t *testing.T) {
	repo := new(mockCallRepo)
	users := new(mockUserDirectory)
	notifier := new(mockNotifier)
	svc := newTestService(repo, users, notifier)
	ctx := context.Background()
	callID := uuid.New()
	userID := uuid.New()

	repo.On("GetCall", ctx, callID).Return(&domain.Call{
		CallID: callID, Kind: domain.CallKindAudioGroup, Status: domain.CallStatusActive,
	}, nil)
	repo.On("GetParticipant", ctx, callID, userID).Return(&domain.CallParticipant{
		CallID: callID, UserID: userID, Status: domain.ParticipantJoined,
	}, nil)
	repo.On("MarkParticipantLeft", ctx, callID, userID).Return(nil)
	repo.On("AppendEvent", ctx, eventOfType(domain.EventParticipantLeft)).Return(nil)
	repo.On("CountJoined", ctx, callID).Return(2, nil)
	notifier.On("LeaveRoom", "conn-1", RoomName(callID)).Return()
	notifier.On("EmitToRoom", RoomName(callID), "participant:left", mock.Anything).Return()

	call, err := svc.LeaveCall(ctx, "conn-1", callID, userID)
	require.NoError(t, err)
	assert.Equal(t, domain.CallStatusActive, call.Status)
	repo.AssertNotCalled(t, "TerminateCall", mock.Anything, mock.Anything, mock.Anything)
}

func TestJoinGroupCall_RejectsOneToOne(t *testing.T) {
	repo := new(mockCallRepo)
	users := new(mockUserDirectory)
	notifier := new(mockNotifier)
	svc := newTestService(repo, users, notifier)
	ctx := context.Background()
	callID := uuid.New()

	repo.On("GetCall", ctx, callID).Return(&domain.Call{
		CallID: callID, Kind: domain.CallKindAudio1to1, Status: domain.CallStatusActive,
	}, nil)

	_, err := svc.JoinGroupCall(ctx, "conn-1", callID, uuid.New())
	assert.Equal(t, apperrors.ErrCodeInvalidState, apperrors.GetAppError(err).Code)
}

func TestToggleMute_FlipsFlagAndBroadcasts(t *testing.T) {
	repo := new(mockCallRepo)
	users := new(mockUserDirectory)
	notifier := new(mockNotifier)
	svc := newTestService(repo, users, notifier)
	ctx := context.Background()
	callID := uuid.New()
	userID := uuid.New()

	repo.On("GetParticipant", ctx, callID, userID).Return(&domain.CallParticipant{
		CallID: callID, UserID: userID, Status: domain.ParticipantJoined, IsMuted: false,
	}, nil)
	repo.On("UpdateParticipantMedia", ctx, callID, userID, true, false).Return(nil)
	repo.On("AppendEvent", ctx, eventOfType(domain.EventMuteToggled)).Return(nil)
	notifier.On("EmitToRoom", RoomName(callID), "call:mute-toggled", mock.Anything).Return()

	muted, err := svc.ToggleMute(ctx, callID, userID)
	require.NoError(t, err)
	assert.True(t, muted)
	repo.AssertExpectations(t)
}

func TestRelaySignal_PointToPoint(t *testing.T) {
	repo := new(mockCallRepo)
	users := new(mockUserDirectory)
	notifier := new(mockNotifier)
	svc := newTestService(repo, users, notifier)
	ctx := context.Background()
	callID := uuid.New()
	sender := uuid.New()
	target := uuid.New()

	repo.On("GetParticipant", ctx, callID, sender).Return(&domain.CallParticipant{
		CallID: callID, UserID: sender, Status: domain.ParticipantJoined,
	}, nil)
	notifier.On("EmitToUser", target, "call:offer", mock.Anything).Return()

	err := svc.RelaySignal(ctx, callID, sender, target, "call:offer", []byte(`{"sdp":"x"}`))
	require.NoError(t, err)
	notifier.AssertExpectations(t)
}

func TestAddICECandidate_BatchesPerTarget(t *testing.T) {
	repo := new(mockCallRepo)
	users := new(mockUserDirectory)
	notifier := new(mockNotifier)
	svc := newTestService(repo, users, notifier)
	ctx := context.Background()
	callID := uuid.New()
	sender := uuid.New()
	target := uuid.New()

	repo.On("GetParticipant", ctx, callID, sender).Return(&domain.CallParticipant{
		CallID: callID, UserID: sender, Status: domain.ParticipantJoined,
	}, nil)
	notifier.On("EmitToUser", target, "call:ice-candidates", mock.Anything).Return()

	require.NoError(t, svc.AddICECandidate(ctx, "conn-1", callID, sender, target, []byte(`{"c":1}`)))
	require.NoError(t, svc.AddICECandidate(ctx, "conn-1", callID, sender, target, []byte(`{"c":2}`)))
	notifier.AssertNotCalled(t, "EmitToUser", target, "call:ice-candidates", mock.Anything)

	assert.Eventually(t, func() bool {
		for _, c := range notifier.Calls {
			if c.Method == "EmitToUser" && c.Arguments.String(1) == "call:ice-candidates" {
				return true
			}
		}
		return false
	}, time.Second, 10*time.Millisecond)
}

func TestExpireUnanswered_MarksMissed(t *testing.T) {
	repo := new(mockCallRepo)
	users := new(mockUserDirectory)
	notifier := new(mockNotifier)
	svc := newTestService(repo, users, notifier)
	callID := uuid.New()
	callee := uuid.New()
	endedAt := time.Now()

	repo.On("GetCall", mock.Anything, callID).Return(&domain.Call{
		CallID: callID, Kind: domain.CallKindAudio1to1, Status: domain.CallStatusRinging,
	}, nil)
	repo.On("TerminateCall", mock.Anything, callID, domain.CallStatusMissed).Return(&domain.Call{
		CallID: callID, Kind: domain.CallKindAudio1to1, Status: domain.CallStatusMissed, EndedAt: &endedAt,
	}, nil)
	repo.On("MarkUnansweredMissed", mock.Anything, callID).Return(nil)
	repo.On("AppendEvent", mock.Anything, eventOfType(domain.EventCallMissed)).Return(nil)
	repo.On("GetParticipants", mock.Anything, callID).Return([]*domain.CallParticipant{
		{CallID: callID, UserID: callee, Status: domain.ParticipantMissed},
	}, nil)
	notifier.On("EmitToRoom", RoomName(callID), "call:missed", mock.Anything).Return()
	notifier.On("EmitToUser", callee, "call:missed", mock.Anything).Return()

	svc.expireUnanswered(callID)
	repo.AssertExpectations(t)
	notifier.AssertExpectations(t)
}

func TestExpireUnanswered_NoOpWhenAnswered(t *testing.T) {
	repo := new(mockCallRepo)
	users := new(mockUserDirectory)
	notifier := new(mockNotifier)
	svc := newTestService(repo, users, notifier)
	callID := uuid.New()

	repo.On("GetCall", mock.Anything, callID).Return(&domain.Call{
		CallID: callID, Kind: domain.CallKindAudio1to1, Status: domain.CallStatusActive,
	}, nil)

	svc.expireUnanswered(callID)
	repo.AssertNotCalled(t, "TerminateCall", mock.Anything, mock.Anything, mock.Anything)
}

func TestHandleDisconnect_KeepsDurableStatus(t *testing.T) {
	repo := new(mockCallRepo)
	users := new(mockUserDirectory)
	notifier := new(mockNotifier)
	svc := newTestService(repo, users, notifier)
	ctx := context.Background()
	callID := uuid.New()
	userID := uuid.New()

	svc.trackConnection(callID, "conn-1")
	notifier.On("EmitToRoom", RoomName(callID), "participant:disconnected", mock.Anything).Return()

	svc.HandleDisconnect(ctx, "conn-1", userID)

	notifier.AssertExpectations(t)
	repo.AssertNotCalled(t, "MarkParticipantLeft", mock.Anything, mock.Anything, mock.Anything)
	repo.AssertNotCalled(t, "EndCall", mock.Anything, mock.Anything)

	svc.mu.Lock()
	_, tracked := svc.connCalls["conn-1"]
	svc.mu.Unlock()
	assert.False(t, tracked)
}
