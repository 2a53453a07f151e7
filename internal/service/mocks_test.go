package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"team_chat/internal/config"
	"team_chat/internal/domain"
	"team_chat/internal/repository"
	apperrors "team_chat/pkg/errors"
	"team_chat/pkg/logger"
)

// In-memory реализации репозиториев для тестов сервисного слоя

type fakeMessageRepo struct {
	mu        sync.Mutex
	messages  map[uuid.UUID]*domain.Message
	reactions map[string]domain.Reaction
	receipts  map[string]domain.ReadReceipt
	createErr error
}

func newFakeMessageRepo() *fakeMessageRepo {
	return &fakeMessageRepo{
		messages:  make(map[uuid.UUID]*domain.Message),
		reactions: make(map[string]domain.Reaction),
		receipts:  make(map[string]domain.ReadReceipt),
	}
}

func reactionKey(messageID, userID uuid.UUID, emoji string) string {
	return fmt.Sprintf("%s|%s|%s", messageID, userID, emoji)
}

func receiptKey(messageID, userID uuid.UUID) string {
	return fmt.Sprintf("%s|%s", messageID, userID)
}

func (f *fakeMessageRepo) Create(ctx context.Context, message *domain.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return f.createErr
	}
	copied := *message
	f.messages[message.ID] = &copied
	return nil
}

func (f *fakeMessageRepo) GetByID(ctx context.Context, messageID uuid.UUID) (*domain.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	stored, ok := f.messages[messageID]
	if !ok {
		return nil, apperrors.ErrMessageNotFound
	}
	return f.withRelations(stored), nil
}

func (f *fakeMessageRepo) withRelations(stored *domain.Message) *domain.Message {
	message := *stored
	message.Reactions = nil
	message.ReadBy = nil
	for _, r := range f.reactions {
		if r.MessageID == message.ID {
			message.Reactions = append(message.Reactions, r)
		}
	}
	for _, r := range f.receipts {
		if r.MessageID == message.ID {
			message.ReadBy = append(message.ReadBy, r)
		}
	}
	return &message
}

func (f *fakeMessageRepo) ListByConversation(ctx context.Context, conversationID uuid.UUID, limit, offset int) ([]*domain.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var result []*domain.Message
	for _, m := range f.messages {
		if m.ConversationID == conversationID {
			result = append(result, f.withRelations(m))
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.After(result[j].CreatedAt) })
	if offset >= len(result) {
		return nil, nil
	}
	result = result[offset:]
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (f *fakeMessageRepo) CountByConversation(ctx context.Context, conversationID uuid.UUID) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	count := 0
	for _, m := range f.messages {
		if m.ConversationID == conversationID {
			count++
		}
	}
	return count, nil
}

func (f *fakeMessageRepo) UpdateContent(ctx context.Context, messageID uuid.UUID, editorID uuid.UUID, content string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.messages[messageID]
	if !ok || m.DeletedAt != nil {
		return apperrors.ErrMessageNotFound
	}
	now := time.Now()
	m.Content = content
	m.EditedAt = &now
	m.EditedBy = &editorID
	return nil
}

func (f *fakeMessageRepo) SoftDelete(ctx context.Context, messageID uuid.UUID, deleterID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.messages[messageID]
	if !ok || m.DeletedAt != nil {
		return apperrors.ErrMessageNotFound
	}
	now := time.Now()
	m.Content = domain.DeletedContentPlaceholder
	m.DeletedAt = &now
	m.DeletedBy = &deleterID
	return nil
}

func (f *fakeMessageRepo) AddReaction(ctx context.Context, reaction *domain.Reaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := reactionKey(reaction.MessageID, reaction.UserID, reaction.Emoji)
	if _, exists := f.reactions[key]; exists {
		return apperrors.ErrDuplicateReaction
	}
	f.reactions[key] = *reaction
	return nil
}

func (f *fakeMessageRepo) RemoveReaction(ctx context.Context, messageID, userID uuid.UUID, emoji string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := reactionKey(messageID, userID, emoji)
	if _, exists := f.reactions[key]; !exists {
		return false, nil
	}
	delete(f.reactions, key)
	return true, nil
}

func (f *fakeMessageRepo) AddReadReceipt(ctx context.Context, receipt *domain.ReadReceipt) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := receiptKey(receipt.MessageID, receipt.UserID)
	if _, exists := f.receipts[key]; exists {
		return false, nil
	}
	f.receipts[key] = *receipt
	return true, nil
}

func (f *fakeMessageRepo) Search(ctx context.Context, query string, filter domain.SearchFilter, limit, offset int) ([]*domain.Message, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var result []*domain.Message
	for _, m := range f.messages {
		if m.DeletedAt != nil || !strings.Contains(strings.ToLower(m.Content), strings.ToLower(query)) {
			continue
		}
		if filter.ConversationID != nil && m.ConversationID != *filter.ConversationID {
			continue
		}
		if filter.SenderID != nil && m.SenderID != *filter.SenderID {
			continue
		}
		result = append(result, f.withRelations(m))
	}
	total := len(result)
	if offset >= len(result) {
		return nil, total, nil
	}
	result = result[offset:]
	if len(result) > limit {
		result = result[:limit]
	}
	return result, total, nil
}

func (f *fakeMessageRepo) CountUnread(ctx context.Context, conversationID, userID uuid.UUID) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	count := 0
	for _, m := range f.messages {
		if m.ConversationID != conversationID || m.SenderID == userID || m.DeletedAt != nil {
			continue
		}
		if _, read := f.receipts[receiptKey(m.ID, userID)]; !read {
			count++
		}
	}
	return count, nil
}

func (f *fakeMessageRepo) ListMentions(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*domain.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var result []*domain.Message
	for _, m := range f.messages {
		if m.DeletedAt != nil {
			continue
		}
		for _, mentioned := range m.Mentions {
			if mentioned == userID {
				result = append(result, f.withRelations(m))
				break
			}
		}
	}
	return result, nil
}

type fakeConvRepo struct {
	mu            sync.Mutex
	conversations map[uuid.UUID]*domain.Conversation
}

func newFakeConvRepo() *fakeConvRepo {
	return &fakeConvRepo{conversations: make(map[uuid.UUID]*domain.Conversation)}
}

func (f *fakeConvRepo) Create(ctx context.Context, conversation *domain.Conversation) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	copied := *conversation
	f.conversations[conversation.ID] = &copied
	return nil
}

func (f *fakeConvRepo) GetByID(ctx context.Context, conversationID uuid.UUID) (*domain.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.conversations[conversationID]
	if !ok {
		return nil, apperrors.ErrConversationNotFound
	}
	copied := *c
	return &copied, nil
}

func (f *fakeConvRepo) ListForUser(ctx context.Context, userID uuid.UUID) ([]*domain.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var result []*domain.Conversation
	for _, c := range f.conversations {
		if c.HasActiveParticipant(userID) {
			copied := *c
			result = append(result, &copied)
		}
	}
	return result, nil
}

func (f *fakeConvRepo) AddParticipant(ctx context.Context, conversationID, userID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.conversations[conversationID]
	if !ok {
		return apperrors.ErrConversationNotFound
	}
	for i := range c.Participants {
		if c.Participants[i].UserID == userID {
			c.Participants[i].Active = true
			c.Participants[i].LeftAt = nil
			return nil
		}
	}
	c.Participants = append(c.Participants, domain.Participant{
		ConversationID: conversationID,
		UserID:         userID,
		JoinedAt:       time.Now(),
		Active:         true,
	})
	return nil
}

func (f *fakeConvRepo) RemoveParticipant(ctx context.Context, conversationID, userID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.conversations[conversationID]
	if !ok {
		return apperrors.ErrConversationNotFound
	}
	for i := range c.Participants {
		if c.Participants[i].UserID == userID && c.Participants[i].Active {
			now := time.Now()
			c.Participants[i].Active = false
			c.Participants[i].LeftAt = &now
			return nil
		}
	}
	return apperrors.ErrNotParticipant
}

func (f *fakeConvRepo) IsParticipant(ctx context.Context, conversationID, userID uuid.UUID) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.conversations[conversationID]
	if !ok {
		return false, nil
	}
	return c.HasActiveParticipant(userID), nil
}

func (f *fakeConvRepo) UpdateLastMessage(ctx context.Context, conversationID, messageID uuid.UUID, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.conversations[conversationID]
	if !ok {
		return apperrors.ErrConversationNotFound
	}
	c.LastMessageID = &messageID
	c.LastMessageAt = &at
	return nil
}

func (f *fakeConvRepo) SetArchived(ctx context.Context, conversationID uuid.UUID, archived bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.conversations[conversationID]
	if !ok {
		return apperrors.ErrConversationNotFound
	}
	c.Archived = archived
	return nil
}

type fakeCache struct {
	mu      sync.Mutex
	entries map[string]string
	failAll bool
}

func newFakeCache() *fakeCache {
	return &fakeCache{entries: make(map[string]string)}
}

var errCacheDown = errors.New("cache unavailable")

func (f *fakeCache) Get(ctx context.Context, key string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll {
		return "", errCacheDown
	}
	value, ok := f.entries[key]
	if !ok {
		return "", repository.ErrCacheMiss
	}
	return value, nil
}

func (f *fakeCache) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll {
		return errCacheDown
	}
	f.entries[key] = value
	return nil
}

func (f *fakeCache) Delete(ctx context.Context, keys ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll {
		return errCacheDown
	}
	for _, key := range keys {
		delete(f.entries, key)
	}
	return nil
}

func (f *fakeCache) DeleteByPattern(ctx context.Context, prefix string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAll {
		return errCacheDown
	}
	for key := range f.entries {
		if strings.HasPrefix(key, prefix) {
			delete(f.entries, key)
		}
	}
	return nil
}

func (f *fakeCache) has(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.entries[key]
	return ok
}

type emittedEvent struct {
	topic   uuid.UUID
	event   string
	payload any
}

type fakeBroadcaster struct {
	mu     sync.Mutex
	events []emittedEvent
}

func (f *fakeBroadcaster) EmitToTopic(topicID uuid.UUID, event string, payload any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, emittedEvent{topic: topicID, event: event, payload: payload})
}

func (f *fakeBroadcaster) emitted(event string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	count := 0
	for _, e := range f.events {
		if e.event == event {
			count++
		}
	}
	return count
}

func testConfig() *config.Config {
	return &config.Config{
		Cache: config.CacheConfig{
			MessagePageTTL: 60 * time.Second,
			MessageTTL:     60 * time.Second,
			UnreadTTL:      30 * time.Second,
			ConvListTTL:    60 * time.Second,
			SearchTTL:      300 * time.Second,
			MentionsTTL:    120 * time.Second,
		},
		Chat: config.ChatConfig{
			MaxContentLength: 4000,
			MaxEmojiLength:   32,
			RateLimit:        30,
			RateLimitWindow:  time.Minute,
		},
	}
}

type chatFixture struct {
	svc         ChatService
	messages    *fakeMessageRepo
	convs       *fakeConvRepo
	cache       *fakeCache
	broadcaster *fakeBroadcaster
}

func newChatFixture() *chatFixture {
	messages := newFakeMessageRepo()
	convs := newFakeConvRepo()
	cache := newFakeCache()
	broadcaster := &fakeBroadcaster{}

	repos := &repository.Repositories{
		Message:      messages,
		Conversation: convs,
		Cache:        cache,
	}

	return &chatFixture{
		svc:         NewChatService(repos, broadcaster, testConfig(), nil, logger.NewNop()),
		messages:    messages,
		convs:       convs,
		cache:       cache,
		broadcaster: broadcaster,
	}
}

func (f *chatFixture) newConversation(userIDs ...uuid.UUID) *domain.Conversation {
	conversation := &domain.Conversation{
		ID:        uuid.New(),
		Type:      domain.ConversationTypeGroup,
		CreatedAt: time.Now(),
	}
	for _, id := range userIDs {
		conversation.Participants = append(conversation.Participants, domain.Participant{
			ConversationID: conversation.ID,
			UserID:         id,
			JoinedAt:       time.Now(),
			Active:         true,
		})
	}
	_ = f.convs.Create(context.Background(), conversation)
	return conversation
}
