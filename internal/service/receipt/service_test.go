package receipt

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"meshtalk-backend/internal/domain"
	apperrors "meshtalk-backend/pkg/errors"
)

// fakeStore is an in-memory stand-in reproducing the repository's upsert
// semantics: first delivered_at wins, read_at is never overwritten, the read
// pointer only moves forward.
type fakeStore struct {
	receipts     map[string]*domain.MessageRead
	pointers     map[string]*domain.ConversationRead
	messages     []*domain.Message
	participants map[uuid.UUID][]uuid.UUID
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		receipts:     make(map[string]*domain.MessageRead),
		pointers:     make(map[string]*domain.ConversationRead),
		participants: make(map[uuid.UUID][]uuid.UUID),
	}
}

func receiptKey(messageID, userID uuid.UUID) string {
	return messageID.String() + "|" + userID.String()
}

func (f *fakeStore) UpsertDelivered(ctx context.Context, messageID, userID uuid.UUID, at time.Time) (*domain.MessageRead, error) {
	key := receiptKey(messageID, userID)
	row, ok := f.receipts[key]
	if !ok {
		row = &domain.MessageRead{MessageID: messageID, UserID: userID}
		f.receipts[key] = row
	}
	if row.DeliveredAt == nil {
		t := at
		row.DeliveredAt = &t
	}
	clone := *row
	return &clone, nil
}

func (f *fakeStore) UpsertRead(ctx context.Context, messageID, userID uuid.UUID, at time.Time) (*domain.MessageRead, error) {
	key := receiptKey(messageID, userID)
	row, ok := f.receipts[key]
	if !ok {
		row = &domain.MessageRead{MessageID: messageID, UserID: userID}
		f.receipts[key] = row
	}
	if row.DeliveredAt == nil {
		t := at
		row.DeliveredAt = &t
	}
	if row.ReadAt == nil {
		t := at
		row.ReadAt = &t
	}
	clone := *row
	return &clone, nil
}

func (f *fakeStore) ListByMessage(ctx context.Context, messageID uuid.UUID) ([]*domain.MessageRead, error) {
	var rows []*domain.MessageRead
	for _, r := range f.receipts {
		if r.MessageID == messageID {
			clone := *r
			rows = append(rows, &clone)
		}
	}
	return rows, nil
}

func (f *fakeStore) Get(ctx context.Context, messageID, userID uuid.UUID) (*domain.MessageRead, error) {
	if r, ok := f.receipts[receiptKey(messageID, userID)]; ok {
		clone := *r
		return &clone, nil
	}
	return nil, nil
}

func (f *fakeStore) MarkConversationRead(ctx context.Context, conversationID, userID uuid.UUID, messageIDs []uuid.UUID, lastMessage *domain.Message, at time.Time) error {
	for _, id := range messageIDs {
		if _, err := f.UpsertRead(ctx, id, userID, at); err != nil {
			return err
		}
	}
	key := conversationID.String() + "|" + userID.String()
	if existing, ok := f.pointers[key]; ok && existing.LastReadAt.After(lastMessage.CreatedAt) {
		return nil
	}
	f.pointers[key] = &domain.ConversationRead{
		ConversationID:    conversationID,
		UserID:            userID,
		LastReadMessageID: lastMessage.MessageID,
		LastReadAt:        lastMessage.CreatedAt,
	}
	return nil
}

func (f *fakeStore) GetConversationRead(ctx context.Context, conversationID, userID uuid.UUID) (*domain.ConversationRead, error) {
	if p, ok := f.pointers[conversationID.String()+"|"+userID.String()]; ok {
		clone := *p
		return &clone, nil
	}
	return nil, nil
}

func (f *fakeStore) GetMessage(ctx context.Context, messageID uuid.UUID) (*domain.Message, error) {
	for _, m := range f.messages {
		if m.MessageID == messageID {
			return m, nil
		}
	}
	return nil, apperrors.MessageNotFoundError()
}

func (f *fakeStore) LatestNotBy(ctx context.Context, conversationID, userID uuid.UUID) (*domain.Message, error) {
	var latest *domain.Message
	for _, m := range f.messages {
		if m.ConversationID == conversationID && m.SenderID != userID {
			if latest == nil || m.CreatedAt.After(latest.CreatedAt) {
				latest = m
			}
		}
	}
	return latest, nil
}

func (f *fakeStore) IDsNotByAtOrBefore(ctx context.Context, conversationID, userID uuid.UUID, ts time.Time) ([]uuid.UUID, error) {
	var matched []*domain.Message
	for _, m := range f.messages {
		if m.ConversationID == conversationID && m.SenderID != userID && !m.CreatedAt.After(ts) {
			matched = append(matched, m)
		}
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].CreatedAt.Before(matched[j].CreatedAt) })
	ids := make([]uuid.UUID, len(matched))
	for i, m := range matched {
		ids[i] = m.MessageID
	}
	return ids, nil
}

func (f *fakeStore) CountNotByAfter(ctx context.Context, conversationID, userID uuid.UUID, after time.Time) (int64, error) {
	var count int64
	for _, m := range f.messages {
		if m.ConversationID == conversationID && m.SenderID != userID && m.CreatedAt.After(after) {
			count++
		}
	}
	return count, nil
}

func (f *fakeStore) Exists(ctx context.Context, conversationID uuid.UUID) (bool, error) {
	_, ok := f.participants[conversationID]
	return ok, nil
}

func (f *fakeStore) Participants(ctx context.Context, conversationID uuid.UUID) ([]uuid.UUID, error) {
	return f.participants[conversationID], nil
}

func (f *fakeStore) IsParticipant(ctx context.Context, conversationID, userID uuid.UUID) (bool, error) {
	for _, id := range f.participants[conversationID] {
		if id == userID {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeStore) addMessage(conversationID, senderID uuid.UUID, at time.Time) *domain.Message {
	m := &domain.Message{
		MessageID:      uuid.New(),
		ConversationID: conversationID,
		SenderID:       senderID,
		CreatedAt:      at,
	}
	f.messages = append(f.messages, m)
	return m
}

func newTestService(store *fakeStore) *Service {
	return NewService(store, store, store, nil)
}

func TestMarkDelivered_SenderIsNoOp(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(store)
	ctx := context.Background()
	convID, sender := uuid.New(), uuid.New()
	store.participants[convID] = []uuid.UUID{sender}
	msg := store.addMessage(convID, sender, time.Now())

	row, err := svc.MarkDelivered(ctx, msg.MessageID, sender)
	require.NoError(t, err)
	assert.Nil(t, row, "no receipt row for the sender's own message")
	assert.Empty(t, store.receipts)
}

func TestMarkRead_ImpliesDelivered(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(store)
	ctx := context.Background()
	convID, sender, reader := uuid.New(), uuid.New(), uuid.New()
	store.participants[convID] = []uuid.UUID{sender, reader}
	msg := store.addMessage(convID, sender, time.Now())

	row, err := svc.MarkRead(ctx, msg.MessageID, reader)
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.NotNil(t, row.DeliveredAt, "read stamps delivery when absent")
	assert.NotNil(t, row.ReadAt)
	assert.Equal(t, domain.DeliveryRead, row.State())
}

func TestMarkRead_ThenDelivered_ReadSurvives(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(store)
	ctx := context.Background()
	convID, sender, reader := uuid.New(), uuid.New(), uuid.New()
	store.participants[convID] = []uuid.UUID{sender, reader}
	msg := store.addMessage(convID, sender, time.Now())

	read, err := svc.MarkRead(ctx, msg.MessageID, reader)
	require.NoError(t, err)
	require.NotNil(t, read.ReadAt)

	delivered, err := svc.MarkDelivered(ctx, msg.MessageID, reader)
	require.NoError(t, err)
	require.NotNil(t, delivered)
	assert.Equal(t, *read.ReadAt, *delivered.ReadAt, "late delivery must not erase or move read_at")
	assert.Equal(t, *read.DeliveredAt, *delivered.DeliveredAt)
}

func TestMarkDelivered_Idempotent(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(store)
	ctx := context.Background()
	convID, sender, recipient := uuid.New(), uuid.New(), uuid.New()
	store.participants[convID] = []uuid.UUID{sender, recipient}
	msg := store.addMessage(convID, sender, time.Now())

	first, err := svc.MarkDelivered(ctx, msg.MessageID, recipient)
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)
	second, err := svc.MarkDelivered(ctx, msg.MessageID, recipient)
	require.NoError(t, err)
	assert.Equal(t, *first.DeliveredAt, *second.DeliveredAt, "first delivery timestamp wins")
}

func TestGetMessageStatus_AggregateRules(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(store)
	ctx := context.Background()
	convID := uuid.New()
	sender, r1, r2 := uuid.New(), uuid.New(), uuid.New()
	store.participants[convID] = []uuid.UUID{sender, r1, r2}
	msg := store.addMessage(convID, sender, time.Now())

	status, err := svc.GetMessageStatus(ctx, msg.MessageID)
	require.NoError(t, err)
	assert.Equal(t, domain.DeliverySent, status.Aggregate)
	require.Len(t, status.Recipients, 2, "sender is excluded")

	_, err = svc.MarkRead(ctx, msg.MessageID, r1)
	require.NoError(t, err)
	status, err = svc.GetMessageStatus(ctx, msg.MessageID)
	require.NoError(t, err)
	assert.Equal(t, domain.DeliveryDelivered, status.Aggregate, "one of two read is delivered, not read")

	_, err = svc.MarkRead(ctx, msg.MessageID, r2)
	require.NoError(t, err)
	status, err = svc.GetMessageStatus(ctx, msg.MessageID)
	require.NoError(t, err)
	assert.Equal(t, domain.DeliveryRead, status.Aggregate, "all recipients read")
}

func TestGetMessageStatus_DeliveredOnAnyRecipient(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(store)
	ctx := context.Background()
	convID := uuid.New()
	sender, r1, r2 := uuid.New(), uuid.New(), uuid.New()
	store.participants[convID] = []uuid.UUID{sender, r1, r2}
	msg := store.addMessage(convID, sender, time.Now())

	_, err := svc.MarkDelivered(ctx, msg.MessageID, r1)
	require.NoError(t, err)

	status, err := svc.GetMessageStatus(ctx, msg.MessageID)
	require.NoError(t, err)
	assert.Equal(t, domain.DeliveryDelivered, status.Aggregate)

	states := map[uuid.UUID]domain.DeliveryState{}
	for _, r := range status.Recipients {
		states[r.UserID] = r.State
	}
	assert.Equal(t, domain.DeliveryDelivered, states[r1])
	assert.Equal(t, domain.DeliverySent, states[r2], "absent row means sent")
}

func TestMarkConversationRead_Scenario(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(store)
	ctx := context.Background()
	convID := uuid.New()
	alice, bob := uuid.New(), uuid.New()
	store.participants[convID] = []uuid.UUID{alice, bob}
	msg := store.addMessage(convID, alice, time.Now())

	pointer, err := svc.MarkConversationRead(ctx, convID, bob)
	require.NoError(t, err)
	require.NotNil(t, pointer)
	assert.Equal(t, msg.MessageID, pointer.LastReadMessageID)

	status, err := svc.GetMessageStatus(ctx, msg.MessageID)
	require.NoError(t, err)
	require.Len(t, status.Recipients, 1)
	assert.Equal(t, domain.DeliveryRead, status.Recipients[0].State)
	assert.Equal(t, domain.DeliveryRead, status.Aggregate, "sender sees read once the only recipient read")
}

func TestMarkConversationRead_NoForeignMessages(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(store)
	ctx := context.Background()
	convID := uuid.New()
	alice := uuid.New()
	store.participants[convID] = []uuid.UUID{alice}
	store.addMessage(convID, alice, time.Now())

	pointer, err := svc.MarkConversationRead(ctx, convID, alice)
	require.NoError(t, err)
	assert.Nil(t, pointer, "only own messages, nothing to mark")
}

func TestMarkConversationRead_NotParticipant(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(store)
	ctx := context.Background()
	convID := uuid.New()
	store.participants[convID] = []uuid.UUID{uuid.New()}

	_, err := svc.MarkConversationRead(ctx, convID, uuid.New())
	assert.Equal(t, apperrors.ErrCodeNotParticipant, apperrors.GetAppError(err).Code)
}

func TestMarkConversationRead_UnknownConversation(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(store)
	ctx := context.Background()

	_, err := svc.MarkConversationRead(ctx, uuid.New(), uuid.New())
	assert.Equal(t, apperrors.ErrCodeConversationNotFound, apperrors.GetAppError(err).Code)

	_, err = svc.GetUnreadCount(ctx, uuid.New(), uuid.New())
	assert.Equal(t, apperrors.ErrCodeConversationNotFound, apperrors.GetAppError(err).Code)
}

func TestGetUnreadCount(t *testing.T) {
	store := newFakeStore()
	svc := newTestService(store)
	ctx := context.Background()
	convID := uuid.New()
	alice, bob := uuid.New(), uuid.New()
	store.participants[convID] = []uuid.UUID{alice, bob}
	base := time.Now().Add(-time.Minute)
	store.addMessage(convID, alice, base)
	store.addMessage(convID, alice, base.Add(time.Second))
	store.addMessage(convID, bob, base.Add(2*time.Second)) // bob's own, never counted

	count, err := svc.GetUnreadCount(ctx, convID, bob)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count, "no pointer counts from the epoch")

	_, err = svc.MarkConversationRead(ctx, convID, bob)
	require.NoError(t, err)
	count, err = svc.GetUnreadCount(ctx, convID, bob)
	require.NoError(t, err)
	assert.Equal(t, int64(0), count)

	store.addMessage(convID, alice, base.Add(10*time.Second))
	count, err = svc.GetUnreadCount(ctx, convID, bob)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count, "only messages after the pointer count")
}
