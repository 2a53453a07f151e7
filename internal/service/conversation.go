package service

import (
	"context"
	"time"

	"github.com/google/uuid"
	"team_chat/internal/config"
	"team_chat/internal/domain"
	"team_chat/internal/repository"
	apperrors "team_chat/pkg/errors"
	"team_chat/pkg/logger"
)

type CreateConversationInput struct {
	Type         domain.ConversationType
	Title        string
	CreatorID    uuid.UUID
	Participants []uuid.UUID
}

type ConversationService interface {
	Create(ctx context.Context, in CreateConversationInput) (*domain.Conversation, error)
	GetByID(ctx context.Context, conversationID, userID uuid.UUID) (*domain.Conversation, error)
	ListForUser(ctx context.Context, userID uuid.UUID) ([]*domain.Conversation, error)
	AddParticipant(ctx context.Context, conversationID, actorID, userID uuid.UUID) error
	RemoveParticipant(ctx context.Context, conversationID, actorID, userID uuid.UUID) error
	Archive(ctx context.Context, conversationID, actorID uuid.UUID) error
}

type conversationService struct {
	convRepo repository.ConversationRepository
	cache    repository.CacheRepository
	cfg      *config.Config
	log      logger.Logger
}

func NewConversationService(repos *repository.Repositories, cfg *config.Config, log logger.Logger) ConversationService {
	return &conversationService{
		convRepo: repos.Conversation,
		cache:    repos.Cache,
		cfg:      cfg,
		log:      log,
	}
}

func (s *conversationService) Create(ctx context.Context, in CreateConversationInput) (*domain.Conversation, error) {
	if in.Type == "" {
		in.Type = domain.ConversationTypeGroup
	}
	if !in.Type.Valid() {
		return nil, apperrors.ErrValidation
	}

	// Создатель всегда участник
	seen := map[uuid.UUID]bool{in.CreatorID: true}
	userIDs := []uuid.UUID{in.CreatorID}
	for _, id := range in.Participants {
		if !seen[id] {
			seen[id] = true
			userIDs = append(userIDs, id)
		}
	}

	if in.Type == domain.ConversationTypeDirect && len(userIDs) != 2 {
		return nil, apperrors.ErrValidation
	}

	now := time.Now()
	conversation := &domain.Conversation{
		ID:        uuid.New(),
		Type:      in.Type,
		Title:     in.Title,
		CreatedAt: now,
	}
	for _, id := range userIDs {
		conversation.Participants = append(conversation.Participants, domain.Participant{
			ConversationID: conversation.ID,
			UserID:         id,
			JoinedAt:       now,
			Active:         true,
		})
	}

	if err := s.convRepo.Create(ctx, conversation); err != nil {
		return nil, err
	}

	keys := make([]string, 0, len(userIDs))
	for _, id := range userIDs {
		keys = append(keys, repository.ConvListKey(id))
	}
	if err := s.cache.Delete(ctx, keys...); err != nil {
		s.log.Warn("Failed to invalidate conversation lists", "error", err)
	}

	return conversation, nil
}

func (s *conversationService) GetByID(ctx context.Context, conversationID, userID uuid.UUID) (*domain.Conversation, error) {
	conversation, err := s.convRepo.GetByID(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if !conversation.HasActiveParticipant(userID) {
		return nil, apperrors.ErrNotParticipant
	}
	return conversation, nil
}

func (s *conversationService) ListForUser(ctx context.Context, userID uuid.UUID) ([]*domain.Conversation, error) {
	return s.convRepo.ListForUser(ctx, userID)
}

func (s *conversationService) AddParticipant(ctx context.Context, conversationID, actorID, userID uuid.UUID) error {
	conversation, err := s.convRepo.GetByID(ctx, conversationID)
	if err != nil {
		return err
	}
	if !conversation.HasActiveParticipant(actorID) {
		return apperrors.ErrNotParticipant
	}

	if err := s.convRepo.AddParticipant(ctx, conversationID, userID); err != nil {
		return err
	}

	s.invalidateLists(ctx, actorID, userID)
	return nil
}

func (s *conversationService) RemoveParticipant(ctx context.Context, conversationID, actorID, userID uuid.UUID) error {
	// Выйти можно самому, удалить другого может только участник
	if actorID != userID {
		isParticipant, err := s.convRepo.IsParticipant(ctx, conversationID, actorID)
		if err != nil {
			return err
		}
		if !isParticipant {
			return apperrors.ErrNotParticipant
		}
	}

	if err := s.convRepo.RemoveParticipant(ctx, conversationID, userID); err != nil {
		return err
	}

	s.invalidateLists(ctx, actorID, userID)
	return nil
}

func (s *conversationService) Archive(ctx context.Context, conversationID, actorID uuid.UUID) error {
	conversation, err := s.convRepo.GetByID(ctx, conversationID)
	if err != nil {
		return err
	}
	if !conversation.HasActiveParticipant(actorID) {
		return apperrors.ErrNotParticipant
	}

	if err := s.convRepo.SetArchived(ctx, conversationID, true); err != nil {
		return err
	}

	keys := make([]string, 0, len(conversation.Participants))
	for _, id := range conversation.ActiveParticipantIDs() {
		keys = append(keys, repository.ConvListKey(id))
	}
	if err := s.cache.Delete(ctx, keys...); err != nil {
		s.log.Warn("Failed to invalidate conversation lists", "error", err)
	}

	return nil
}

func (s *conversationService) invalidateLists(ctx context.Context, userIDs ...uuid.UUID) {
	keys := make([]string, 0, len(userIDs))
	for _, id := range userIDs {
		keys = append(keys, repository.ConvListKey(id))
	}
	if err := s.cache.Delete(ctx, keys...); err != nil {
		s.log.Warn("Failed to invalidate conversation lists", "error", err)
	}
}
