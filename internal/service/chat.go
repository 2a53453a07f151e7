package service

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/google/uuid"
	"team_chat/internal/config"
	"team_chat/internal/domain"
	"team_chat/internal/metrics"
	"team_chat/internal/repository"
	apperrors "team_chat/pkg/errors"
	"team_chat/pkg/logger"
)

// Broadcaster — транспорт рассылки по топикам (реализуется ws.Hub)
type Broadcaster interface {
	EmitToTopic(topicID uuid.UUID, event string, payload any)
}

// События, уходящие подписчикам топика
const (
	EventMessageNew      = "message:new"
	EventMessageEdited   = "message:edited"
	EventMessageDeleted  = "message:deleted"
	EventMessageRead     = "message:read"
	EventReactionAdded   = "reaction:added"
	EventReactionRemoved = "reaction:removed"
)

type SendMessageInput struct {
	ConversationID uuid.UUID
	SenderID       uuid.UUID
	Content        string
	Type           domain.MessageType
	Metadata       map[string]any
	ReplyToID      *uuid.UUID
	Mentions       []uuid.UUID
}

type ChatService interface {
	SendMessage(ctx context.Context, in SendMessageInput) (*domain.Message, error)
	// PersistMessage сохраняет и инвалидирует без рассылки; рассылку
	// берет на себя вызывающая сторона (batch dispatcher)
	PersistMessage(ctx context.Context, in SendMessageInput) (*domain.Message, error)
	GetConversationMessages(ctx context.Context, conversationID, userID uuid.UUID, limit, offset int) (*domain.MessagePage, error)
	GetMessageByID(ctx context.Context, messageID uuid.UUID) (*domain.Message, error)
	EditMessage(ctx context.Context, messageID, userID uuid.UUID, content string) (*domain.Message, error)
	DeleteMessage(ctx context.Context, messageID, userID uuid.UUID) error
	MarkAsRead(ctx context.Context, messageID, userID uuid.UUID) (bool, error)
	AddReaction(ctx context.Context, messageID, userID uuid.UUID, emoji string) (bool, error)
	RemoveReaction(ctx context.Context, messageID, userID uuid.UUID, emoji string) (bool, error)
	SearchMessages(ctx context.Context, query string, filter domain.SearchFilter, limit, offset int) (*domain.MessagePage, error)
	GetUnreadCount(ctx context.Context, conversationID, userID uuid.UUID) (int, error)
	GetMentions(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*domain.Message, error)
}

type chatService struct {
	messageRepo repository.MessageRepository
	convRepo    repository.ConversationRepository
	cache       repository.CacheRepository
	broadcaster Broadcaster
	cfg         *config.Config
	metrics     *metrics.Metrics
	log         logger.Logger
}

func NewChatService(
	repos *repository.Repositories,
	broadcaster Broadcaster,
	cfg *config.Config,
	m *metrics.Metrics,
	log logger.Logger,
) ChatService {
	return &chatService{
		messageRepo: repos.Message,
		convRepo:    repos.Conversation,
		cache:       repos.Cache,
		broadcaster: broadcaster,
		cfg:         cfg,
		metrics:     m,
		log:         log,
	}
}

func (s *chatService) SendMessage(ctx context.Context, in SendMessageInput) (*domain.Message, error) {
	message, err := s.PersistMessage(ctx, in)
	if err != nil {
		return nil, err
	}

	s.broadcaster.EmitToTopic(message.ConversationID, EventMessageNew, message)

	return message, nil
}

func (s *chatService) PersistMessage(ctx context.Context, in SendMessageInput) (*domain.Message, error) {
	if err := s.validateContent(in.Content); err != nil {
		return nil, err
	}
	if in.Type == "" {
		in.Type = domain.MessageTypeText
	}
	if !in.Type.Valid() {
		return nil, apperrors.ErrValidation
	}

	conversation, err := s.convRepo.GetByID(ctx, in.ConversationID)
	if err != nil {
		return nil, err
	}
	if !conversation.HasActiveParticipant(in.SenderID) {
		return nil, apperrors.ErrNotParticipant
	}

	message := &domain.Message{
		ID:             uuid.New(),
		ConversationID: in.ConversationID,
		SenderID:       in.SenderID,
		Type:           in.Type,
		Content:        in.Content,
		Metadata:       in.Metadata,
		ReplyToID:      in.ReplyToID,
		Mentions:       in.Mentions,
		Status:         domain.MessageStatusSent,
		CreatedAt:      time.Now(),
	}

	if err := s.messageRepo.Create(ctx, message); err != nil {
		return nil, err
	}

	if err := s.convRepo.UpdateLastMessage(ctx, conversation.ID, message.ID, message.CreatedAt); err != nil {
		// Указатель на последнее сообщение денормализован, расхождение
		// поправит следующая отправка
		s.log.Warn("Failed to update last message pointer", "error", err, "conversation_id", conversation.ID)
	}

	// Инвалидация строго после коммита в стор
	prefixes := []string{repository.MessagePagePrefix(conversation.ID)}
	var keys []string
	for _, participantID := range conversation.ActiveParticipantIDs() {
		keys = append(keys, repository.ConvListKey(participantID))
		if participantID != in.SenderID {
			prefixes = append(prefixes, repository.UnreadPrefix(participantID))
		}
	}
	for _, mentioned := range message.Mentions {
		prefixes = append(prefixes, repository.MentionsPrefix(mentioned))
	}
	s.invalidate(ctx, keys, prefixes)

	if s.metrics != nil {
		s.metrics.MessagesSent.Inc()
	}

	return message, nil
}

func (s *chatService) GetConversationMessages(ctx context.Context, conversationID, userID uuid.UUID, limit, offset int) (*domain.MessagePage, error) {
	limit, offset = clampPage(limit, offset)

	isParticipant, err := s.convRepo.IsParticipant(ctx, conversationID, userID)
	if err != nil {
		return nil, err
	}
	if !isParticipant {
		return nil, apperrors.ErrNotParticipant
	}

	key := repository.MessagePageKey(conversationID, limit, offset)
	var page domain.MessagePage
	if s.cacheGet(ctx, key, repository.KeyClassMessagePage, &page) {
		return &page, nil
	}

	messages, err := s.messageRepo.ListByConversation(ctx, conversationID, limit, offset)
	if err != nil {
		return nil, err
	}
	total, err := s.messageRepo.CountByConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	result := &domain.MessagePage{Messages: messages, Total: total}
	s.cacheSet(ctx, key, result, s.cfg.Cache.MessagePageTTL)

	return result, nil
}

func (s *chatService) GetMessageByID(ctx context.Context, messageID uuid.UUID) (*domain.Message, error) {
	key := repository.MessageKey(messageID)
	var cached domain.Message
	if s.cacheGet(ctx, key, repository.KeyClassMessage, &cached) {
		return &cached, nil
	}

	message, err := s.messageRepo.GetByID(ctx, messageID)
	if err != nil {
		return nil, err
	}

	s.cacheSet(ctx, key, message, s.cfg.Cache.MessageTTL)

	return message, nil
}

func (s *chatService) EditMessage(ctx context.Context, messageID, userID uuid.UUID, content string) (*domain.Message, error) {
	if err := s.validateContent(content); err != nil {
		return nil, err
	}

	message, err := s.messageRepo.GetByID(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if message.IsDeleted() {
		return nil, apperrors.ErrMessageDeleted
	}
	if message.SenderID != userID {
		return nil, apperrors.ErrNotSender
	}

	if err := s.messageRepo.UpdateContent(ctx, messageID, userID, content); err != nil {
		return nil, err
	}

	s.invalidate(ctx,
		[]string{repository.MessageKey(messageID)},
		[]string{repository.MessagePagePrefix(message.ConversationID)},
	)

	message, err = s.messageRepo.GetByID(ctx, messageID)
	if err != nil {
		return nil, err
	}

	s.broadcaster.EmitToTopic(message.ConversationID, EventMessageEdited, message)

	return message, nil
}

func (s *chatService) DeleteMessage(ctx context.Context, messageID, userID uuid.UUID) error {
	message, err := s.messageRepo.GetByID(ctx, messageID)
	if err != nil {
		return err
	}
	if message.IsDeleted() {
		return apperrors.ErrMessageDeleted
	}
	if message.SenderID != userID {
		return apperrors.ErrNotSender
	}

	if err := s.messageRepo.SoftDelete(ctx, messageID, userID); err != nil {
		return err
	}

	s.invalidate(ctx,
		[]string{repository.MessageKey(messageID)},
		[]string{repository.MessagePagePrefix(message.ConversationID)},
	)

	s.broadcaster.EmitToTopic(message.ConversationID, EventMessageDeleted, map[string]any{
		"message_id":      messageID,
		"conversation_id": message.ConversationID,
		"deleted_by":      userID,
	})

	return nil
}

func (s *chatService) MarkAsRead(ctx context.Context, messageID, userID uuid.UUID) (bool, error) {
	message, err := s.messageRepo.GetByID(ctx, messageID)
	if err != nil {
		return false, err
	}
	if message.IsDeleted() {
		return false, apperrors.ErrMessageDeleted
	}

	isParticipant, err := s.convRepo.IsParticipant(ctx, message.ConversationID, userID)
	if err != nil {
		return false, err
	}
	if !isParticipant {
		return false, apperrors.ErrNotParticipant
	}

	added, err := s.messageRepo.AddReadReceipt(ctx, &domain.ReadReceipt{
		MessageID: messageID,
		UserID:    userID,
		ReadAt:    time.Now(),
	})
	if err != nil {
		return false, err
	}
	if !added {
		// Уже прочитано этим пользователем
		return false, nil
	}

	s.invalidate(ctx,
		[]string{repository.MessageKey(messageID)},
		[]string{
			repository.UnreadPrefix(userID),
			repository.MessagePagePrefix(message.ConversationID),
		},
	)

	s.broadcaster.EmitToTopic(message.ConversationID, EventMessageRead, map[string]any{
		"message_id":      messageID,
		"conversation_id": message.ConversationID,
		"user_id":         userID,
	})

	return true, nil
}

func (s *chatService) AddReaction(ctx context.Context, messageID, userID uuid.UUID, emoji string) (bool, error) {
	if err := s.validateEmoji(emoji); err != nil {
		return false, err
	}

	message, err := s.messageRepo.GetByID(ctx, messageID)
	if err != nil {
		return false, err
	}
	if message.IsDeleted() {
		return false, apperrors.ErrMessageDeleted
	}

	isParticipant, err := s.convRepo.IsParticipant(ctx, message.ConversationID, userID)
	if err != nil {
		return false, err
	}
	if !isParticipant {
		return false, apperrors.ErrNotParticipant
	}

	err = s.messageRepo.AddReaction(ctx, &domain.Reaction{
		MessageID: messageID,
		UserID:    userID,
		Emoji:     emoji,
		CreatedAt: time.Now(),
	})
	if err != nil {
		return false, err
	}

	s.invalidate(ctx,
		[]string{repository.MessageKey(messageID)},
		[]string{repository.MessagePagePrefix(message.ConversationID)},
	)

	s.broadcaster.EmitToTopic(message.ConversationID, EventReactionAdded, map[string]any{
		"message_id":      messageID,
		"conversation_id": message.ConversationID,
		"user_id":         userID,
		"emoji":           emoji,
	})

	return true, nil
}

func (s *chatService) RemoveReaction(ctx context.Context, messageID, userID uuid.UUID, emoji string) (bool, error) {
	message, err := s.messageRepo.GetByID(ctx, messageID)
	if err != nil {
		return false, err
	}

	removed, err := s.messageRepo.RemoveReaction(ctx, messageID, userID, emoji)
	if err != nil {
		return false, err
	}
	if !removed {
		return false, nil
	}

	s.invalidate(ctx,
		[]string{repository.MessageKey(messageID)},
		[]string{repository.MessagePagePrefix(message.ConversationID)},
	)

	s.broadcaster.EmitToTopic(message.ConversationID, EventReactionRemoved, map[string]any{
		"message_id":      messageID,
		"conversation_id": message.ConversationID,
		"user_id":         userID,
		"emoji":           emoji,
	})

	return true, nil
}

func (s *chatService) SearchMessages(ctx context.Context, query string, filter domain.SearchFilter, limit, offset int) (*domain.MessagePage, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, apperrors.ErrValidation
	}
	limit, offset = clampPage(limit, offset)

	key := repository.SearchKey(query, filter, limit, offset)
	var cached domain.MessagePage
	if s.cacheGet(ctx, key, repository.KeyClassSearch, &cached) {
		return &cached, nil
	}

	messages, total, err := s.messageRepo.Search(ctx, query, filter, limit, offset)
	if err != nil {
		return nil, err
	}

	result := &domain.MessagePage{Messages: messages, Total: total}
	s.cacheSet(ctx, key, result, s.cfg.Cache.SearchTTL)

	return result, nil
}

func (s *chatService) GetUnreadCount(ctx context.Context, conversationID, userID uuid.UUID) (int, error) {
	key := repository.UnreadKey(userID, conversationID)
	if value, err := s.cache.Get(ctx, key); err == nil {
		if count, convErr := strconv.Atoi(value); convErr == nil {
			if s.metrics != nil {
				s.metrics.CacheHits.WithLabelValues(repository.KeyClassUnread).Inc()
			}
			return count, nil
		}
	} else if err != repository.ErrCacheMiss {
		s.log.Warn("Cache read failed, falling back to store", "error", err, "key", key)
	}
	if s.metrics != nil {
		s.metrics.CacheMisses.WithLabelValues(repository.KeyClassUnread).Inc()
	}

	count, err := s.messageRepo.CountUnread(ctx, conversationID, userID)
	if err != nil {
		return 0, err
	}

	if err := s.cache.Set(ctx, key, strconv.Itoa(count), s.cfg.Cache.UnreadTTL); err != nil {
		s.log.Warn("Failed to cache unread count", "error", err, "key", key)
	}

	return count, nil
}

func (s *chatService) GetMentions(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*domain.Message, error) {
	limit, offset = clampPage(limit, offset)

	key := repository.MentionsKey(userID, limit, offset)
	var cached []*domain.Message
	if s.cacheGet(ctx, key, repository.KeyClassMentions, &cached) {
		return cached, nil
	}

	messages, err := s.messageRepo.ListMentions(ctx, userID, limit, offset)
	if err != nil {
		return nil, err
	}

	s.cacheSet(ctx, key, messages, s.cfg.Cache.MentionsTTL)

	return messages, nil
}

// cacheGet читает и декодирует значение; любая ошибка кеша деградирует в промах
func (s *chatService) cacheGet(ctx context.Context, key, class string, dest any) bool {
	value, err := s.cache.Get(ctx, key)
	if err != nil {
		if err != repository.ErrCacheMiss {
			s.log.Warn("Cache read failed, falling back to store", "error", err, "key", key)
		}
		if s.metrics != nil {
			s.metrics.CacheMisses.WithLabelValues(class).Inc()
		}
		return false
	}
	if err := json.Unmarshal([]byte(value), dest); err != nil {
		s.log.Warn("Failed to unmarshal cached value", "error", err, "key", key)
		if s.metrics != nil {
			s.metrics.CacheMisses.WithLabelValues(class).Inc()
		}
		return false
	}
	if s.metrics != nil {
		s.metrics.CacheHits.WithLabelValues(class).Inc()
	}
	return true
}

func (s *chatService) cacheSet(ctx context.Context, key string, value any, ttl time.Duration) {
	data, err := json.Marshal(value)
	if err != nil {
		s.log.Warn("Failed to marshal value for cache", "error", err, "key", key)
		return
	}
	if err := s.cache.Set(ctx, key, string(data), ttl); err != nil {
		s.log.Warn("Failed to populate cache", "error", err, "key", key)
	}
}

// invalidate удаляет ключи и префиксы. Кеш не источник правды: ошибка
// повторяется один раз и дальше только логируется как риск устаревших данных,
// ограниченный TTL.
func (s *chatService) invalidate(ctx context.Context, keys []string, prefixes []string) {
	if len(keys) > 0 {
		if err := s.cache.Delete(ctx, keys...); err != nil {
			if err := s.cache.Delete(ctx, keys...); err != nil {
				s.log.Warn("Cache invalidation failed, stale reads possible until TTL", "error", err, "keys", keys)
			}
		}
	}
	for _, prefix := range prefixes {
		if err := s.cache.DeleteByPattern(ctx, prefix); err != nil {
			if err := s.cache.DeleteByPattern(ctx, prefix); err != nil {
				s.log.Warn("Cache invalidation failed, stale reads possible until TTL", "error", err, "prefix", prefix)
			}
		}
	}
}

func (s *chatService) validateContent(content string) error {
	if strings.TrimSpace(content) == "" {
		return apperrors.ErrEmptyContent
	}
	if utf8.RuneCountInString(content) > s.cfg.Chat.MaxContentLength {
		return apperrors.ErrContentTooLong
	}
	return nil
}

func (s *chatService) validateEmoji(emoji string) error {
	if emoji == "" || utf8.RuneCountInString(emoji) > s.cfg.Chat.MaxEmojiLength {
		return apperrors.ErrInvalidEmoji
	}
	for _, r := range emoji {
		if unicode.IsSpace(r) || unicode.IsControl(r) {
			return apperrors.ErrInvalidEmoji
		}
	}
	return nil
}

func clampPage(limit, offset int) (int, int) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}
