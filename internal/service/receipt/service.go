// Package receipt implements the delivery/read tracker: per-recipient
// acknowledgement rows, conversation read pointers and sender-facing
// aggregates. Every operation is idempotent under re-application.
package receipt

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"meshtalk-backend/internal/domain"
	apperrors "meshtalk-backend/pkg/errors"
	"meshtalk-backend/pkg/logger"
	"meshtalk-backend/pkg/metrics"
)

// ReceiptRepository defines persistence operations for acknowledgement rows
type ReceiptRepository interface {
	UpsertDelivered(ctx context.Context, messageID, userID uuid.UUID, at time.Time) (*domain.MessageRead, error)
	UpsertRead(ctx context.Context, messageID, userID uuid.UUID, at time.Time) (*domain.MessageRead, error)
	ListByMessage(ctx context.Context, messageID uuid.UUID) ([]*domain.MessageRead, error)
	Get(ctx context.Context, messageID, userID uuid.UUID) (*domain.MessageRead, error)
	MarkConversationRead(ctx context.Context, conversationID, userID uuid.UUID, messageIDs []uuid.UUID, lastMessage *domain.Message, at time.Time) error
	GetConversationRead(ctx context.Context, conversationID, userID uuid.UUID) (*domain.ConversationRead, error)
}

// MessageRepository defines message lookups for the tracker
type MessageRepository interface {
	GetMessage(ctx context.Context, messageID uuid.UUID) (*domain.Message, error)
	LatestNotBy(ctx context.Context, conversationID, userID uuid.UUID) (*domain.Message, error)
	IDsNotByAtOrBefore(ctx context.Context, conversationID, userID uuid.UUID, ts time.Time) ([]uuid.UUID, error)
	CountNotByAfter(ctx context.Context, conversationID, userID uuid.UUID, after time.Time) (int64, error)
}

// ConversationRepository defines conversation membership lookups
type ConversationRepository interface {
	Exists(ctx context.Context, conversationID uuid.UUID) (bool, error)
	Participants(ctx context.Context, conversationID uuid.UUID) ([]uuid.UUID, error)
	IsParticipant(ctx context.Context, conversationID, userID uuid.UUID) (bool, error)
}

// Service is the delivery/read tracker
type Service struct {
	receipts      ReceiptRepository
	messages      MessageRepository
	conversations ConversationRepository
	rt            *metrics.Realtime
}

// NewService creates a delivery/read tracker. rt may be nil.
func NewService(receipts ReceiptRepository, messages MessageRepository, conversations ConversationRepository, rt *metrics.Realtime) *Service {
	return &Service{
		receipts:      receipts,
		messages:      messages,
		conversations: conversations,
		rt:            rt,
	}
}

// MarkDelivered records delivery of a message to a user. Returns the updated
// row, or nil when skipped because the user is the sender, so callers can
// distinguish "nothing to notify".
func (s *Service) MarkDelivered(ctx context.Context, messageID, userID uuid.UUID) (*domain.MessageRead, error) {
	msg, err := s.messages.GetMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if msg.SenderID == userID {
		return nil, nil
	}
	row, err := s.receipts.UpsertDelivered(ctx, messageID, userID, time.Now())
	if err != nil {
		return nil, apperrors.DatabaseError(err)
	}
	s.count("delivered")
	return row, nil
}

// MarkRead records that a user read a message; delivery is stamped alongside
// when absent. A sender reading their own message is a no-op.
func (s *Service) MarkRead(ctx context.Context, messageID, userID uuid.UUID) (*domain.MessageRead, error) {
	msg, err := s.messages.GetMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if msg.SenderID == userID {
		return nil, nil
	}
	row, err := s.receipts.UpsertRead(ctx, messageID, userID, time.Now())
	if err != nil {
		return nil, apperrors.DatabaseError(err)
	}
	s.count("read")
	return row, nil
}

// MarkConversationRead marks every message in the conversation not authored
// by the user, up to and including the newest such message, as read, and
// advances the user's read pointer to that message. Returns the new pointer,
// or nil when the conversation holds no messages from others.
func (s *Service) MarkConversationRead(ctx context.Context, conversationID, userID uuid.UUID) (*domain.ConversationRead, error) {
	if err := s.requireMember(ctx, conversationID, userID); err != nil {
		return nil, err
	}

	latest, err := s.messages.LatestNotBy(ctx, conversationID, userID)
	if err != nil {
		return nil, apperrors.DatabaseError(err)
	}
	if latest == nil {
		return nil, nil
	}

	messageIDs, err := s.messages.IDsNotByAtOrBefore(ctx, conversationID, userID, latest.CreatedAt)
	if err != nil {
		return nil, apperrors.DatabaseError(err)
	}

	now := time.Now()
	if err := s.receipts.MarkConversationRead(ctx, conversationID, userID, messageIDs, latest, now); err != nil {
		return nil, apperrors.DatabaseError(err)
	}
	s.count("conversation_read")
	logger.Debug("Conversation marked read",
		zap.String("conversation_id", conversationID.String()),
		zap.String("user_id", userID.String()),
		zap.Int("messages", len(messageIDs)))

	return &domain.ConversationRead{
		ConversationID:    conversationID,
		UserID:            userID,
		LastReadMessageID: latest.MessageID,
		LastReadAt:        latest.CreatedAt,
	}, nil
}

// GetMessageStatus reports the per-recipient delivery states of a message and
// the sender-facing aggregate. A recipient with no receipt row is "sent". The
// aggregate is "read" only when every recipient has read (and at least one
// recipient exists), "delivered" when any recipient has the message, else
// "sent".
func (s *Service) GetMessageStatus(ctx context.Context, messageID uuid.UUID) (*domain.MessageStatus, error) {
	msg, err := s.messages.GetMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	participants, err := s.conversations.Participants(ctx, msg.ConversationID)
	if err != nil {
		return nil, apperrors.DatabaseError(err)
	}
	receipts, err := s.receipts.ListByMessage(ctx, messageID)
	if err != nil {
		return nil, apperrors.DatabaseError(err)
	}

	byUser := make(map[uuid.UUID]*domain.MessageRead, len(receipts))
	for _, r := range receipts {
		byUser[r.UserID] = r
	}

	status := &domain.MessageStatus{
		MessageID: messageID,
		SenderID:  msg.SenderID,
	}
	allRead := true
	anyDelivered := false
	for _, userID := range participants {
		if userID == msg.SenderID {
			continue
		}
		rs := domain.RecipientStatus{UserID: userID, State: domain.DeliverySent}
		if r, ok := byUser[userID]; ok {
			rs.State = r.State()
			rs.DeliveredAt = r.DeliveredAt
			rs.ReadAt = r.ReadAt
		}
		if rs.State != domain.DeliveryRead {
			allRead = false
		}
		if rs.State == domain.DeliveryRead || rs.State == domain.DeliveryDelivered {
			anyDelivered = true
		}
		status.Recipients = append(status.Recipients, rs)
	}

	switch {
	case allRead && len(status.Recipients) > 0:
		status.Aggregate = domain.DeliveryRead
	case anyDelivered:
		status.Aggregate = domain.DeliveryDelivered
	default:
		status.Aggregate = domain.DeliverySent
	}
	return status, nil
}

// GetUnreadCount counts messages authored by others strictly newer than the
// user's read pointer. A user who never read the conversation counts from the
// epoch. The count is pointer-based, not receipt-based; conversation-level
// read marking is the dominant acknowledgement path.
func (s *Service) GetUnreadCount(ctx context.Context, conversationID, userID uuid.UUID) (int64, error) {
	if err := s.requireMember(ctx, conversationID, userID); err != nil {
		return 0, err
	}

	var since time.Time
	pointer, err := s.receipts.GetConversationRead(ctx, conversationID, userID)
	if err != nil {
		return 0, apperrors.DatabaseError(err)
	}
	if pointer != nil {
		since = pointer.LastReadAt
	}

	count, err := s.messages.CountNotByAfter(ctx, conversationID, userID, since)
	if err != nil {
		return 0, apperrors.DatabaseError(err)
	}
	return count, nil
}

// requireMember verifies the conversation exists and the user belongs to it
func (s *Service) requireMember(ctx context.Context, conversationID, userID uuid.UUID) error {
	exists, err := s.conversations.Exists(ctx, conversationID)
	if err != nil {
		return apperrors.DatabaseError(err)
	}
	if !exists {
		return apperrors.ConversationNotFoundError()
	}
	isParticipant, err := s.conversations.IsParticipant(ctx, conversationID, userID)
	if err != nil {
		return apperrors.DatabaseError(err)
	}
	if !isParticipant {
		return apperrors.NotParticipantError()
	}
	return nil
}

func (s *Service) count(kind string) {
	if s.rt != nil {
		s.rt.ReceiptsTotal.WithLabelValues(kind).Inc()
	}
}
