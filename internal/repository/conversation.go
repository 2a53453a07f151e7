package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"team_chat/internal/domain"
	apperrors "team_chat/pkg/errors"
	"team_chat/pkg/logger"
)

type ConversationRepository interface {
	Create(ctx context.Context, conversation *domain.Conversation) error
	GetByID(ctx context.Context, conversationID uuid.UUID) (*domain.Conversation, error)
	ListForUser(ctx context.Context, userID uuid.UUID) ([]*domain.Conversation, error)
	AddParticipant(ctx context.Context, conversationID, userID uuid.UUID) error
	RemoveParticipant(ctx context.Context, conversationID, userID uuid.UUID) error
	IsParticipant(ctx context.Context, conversationID, userID uuid.UUID) (bool, error)
	UpdateLastMessage(ctx context.Context, conversationID, messageID uuid.UUID, at time.Time) error
	SetArchived(ctx context.Context, conversationID uuid.UUID, archived bool) error
}

type conversationRepository struct {
	db  *pgxpool.Pool
	log logger.Logger
}

func NewConversationRepository(db *pgxpool.Pool, log logger.Logger) ConversationRepository {
	return &conversationRepository{db: db, log: log}
}

func (r *conversationRepository) Create(ctx context.Context, conversation *domain.Conversation) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		r.log.Error("Failed to begin transaction", "error", err)
		return err
	}
	defer tx.Rollback(ctx)

	query := `
		INSERT INTO conversations (id, conversation_type, title, archived, created_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at
	`

	err = tx.QueryRow(ctx, query,
		conversation.ID, conversation.Type, conversation.Title,
		conversation.Archived, conversation.CreatedAt,
	).Scan(&conversation.CreatedAt)
	if err != nil {
		r.log.Error("Failed to create conversation", "error", err)
		return err
	}

	for i := range conversation.Participants {
		p := &conversation.Participants[i]
		_, err = tx.Exec(ctx,
			`INSERT INTO conversation_participants (conversation_id, user_id, joined_at, active) VALUES ($1, $2, $3, TRUE)`,
			conversation.ID, p.UserID, p.JoinedAt,
		)
		if err != nil {
			r.log.Error("Failed to add participant", "error", err, "user_id", p.UserID)
			return err
		}
	}

	return tx.Commit(ctx)
}

func (r *conversationRepository) GetByID(ctx context.Context, conversationID uuid.UUID) (*domain.Conversation, error) {
	query := `
		SELECT id, conversation_type, title, last_message_id, last_message_at, archived, created_at
		FROM conversations
		WHERE id = $1
	`

	conversation := &domain.Conversation{}
	var lastMessageAt sql.NullTime
	err := r.db.QueryRow(ctx, query, conversationID).Scan(
		&conversation.ID, &conversation.Type, &conversation.Title,
		&conversation.LastMessageID, &lastMessageAt,
		&conversation.Archived, &conversation.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrConversationNotFound
		}
		r.log.Error("Failed to get conversation", "error", err, "conversation_id", conversationID)
		return nil, err
	}
	if lastMessageAt.Valid {
		conversation.LastMessageAt = &lastMessageAt.Time
	}

	participants, err := r.listParticipants(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	conversation.Participants = participants

	return conversation, nil
}

func (r *conversationRepository) listParticipants(ctx context.Context, conversationID uuid.UUID) ([]domain.Participant, error) {
	rows, err := r.db.Query(ctx,
		`SELECT conversation_id, user_id, joined_at, left_at, active FROM conversation_participants WHERE conversation_id = $1 ORDER BY joined_at`,
		conversationID,
	)
	if err != nil {
		r.log.Error("Failed to list participants", "error", err, "conversation_id", conversationID)
		return nil, err
	}
	defer rows.Close()

	var participants []domain.Participant
	for rows.Next() {
		var p domain.Participant
		var leftAt sql.NullTime
		if err := rows.Scan(&p.ConversationID, &p.UserID, &p.JoinedAt, &leftAt, &p.Active); err != nil {
			r.log.Error("Failed to scan participant", "error", err)
			return nil, err
		}
		if leftAt.Valid {
			p.LeftAt = &leftAt.Time
		}
		participants = append(participants, p)
	}

	return participants, rows.Err()
}

// ListForUser возвращает беседы пользователя, свежие сверху
func (r *conversationRepository) ListForUser(ctx context.Context, userID uuid.UUID) ([]*domain.Conversation, error) {
	query := `
		SELECT c.id, c.conversation_type, c.title, c.last_message_id, c.last_message_at, c.archived, c.created_at
		FROM conversations c
		JOIN conversation_participants p ON p.conversation_id = c.id
		WHERE p.user_id = $1 AND p.active
		ORDER BY c.last_message_at DESC NULLS LAST, c.created_at DESC
	`

	rows, err := r.db.Query(ctx, query, userID)
	if err != nil {
		r.log.Error("Failed to list conversations", "error", err, "user_id", userID)
		return nil, err
	}
	defer rows.Close()

	var conversations []*domain.Conversation
	for rows.Next() {
		conversation := &domain.Conversation{}
		var lastMessageAt sql.NullTime
		err := rows.Scan(
			&conversation.ID, &conversation.Type, &conversation.Title,
			&conversation.LastMessageID, &lastMessageAt,
			&conversation.Archived, &conversation.CreatedAt,
		)
		if err != nil {
			r.log.Error("Failed to scan conversation", "error", err)
			return nil, err
		}
		if lastMessageAt.Valid {
			conversation.LastMessageAt = &lastMessageAt.Time
		}
		conversations = append(conversations, conversation)
	}

	return conversations, rows.Err()
}

func (r *conversationRepository) AddParticipant(ctx context.Context, conversationID, userID uuid.UUID) error {
	// Повторное добавление реактивирует участника
	query := `
		INSERT INTO conversation_participants (conversation_id, user_id, joined_at, active)
		VALUES ($1, $2, $3, TRUE)
		ON CONFLICT (conversation_id, user_id)
		DO UPDATE SET active = TRUE, left_at = NULL, joined_at = EXCLUDED.joined_at
	`

	_, err := r.db.Exec(ctx, query, conversationID, userID, time.Now())
	if err != nil {
		r.log.Error("Failed to add participant", "error", err, "conversation_id", conversationID, "user_id", userID)
		return err
	}

	return nil
}

func (r *conversationRepository) RemoveParticipant(ctx context.Context, conversationID, userID uuid.UUID) error {
	query := `
		UPDATE conversation_participants
		SET active = FALSE, left_at = $3
		WHERE conversation_id = $1 AND user_id = $2 AND active
	`

	tag, err := r.db.Exec(ctx, query, conversationID, userID, time.Now())
	if err != nil {
		r.log.Error("Failed to remove participant", "error", err, "conversation_id", conversationID, "user_id", userID)
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperrors.ErrNotParticipant
	}

	return nil
}

func (r *conversationRepository) IsParticipant(ctx context.Context, conversationID, userID uuid.UUID) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM conversation_participants WHERE conversation_id = $1 AND user_id = $2 AND active)`,
		conversationID, userID,
	).Scan(&exists)
	if err != nil {
		r.log.Error("Failed to check participant", "error", err, "conversation_id", conversationID)
		return false, err
	}

	return exists, nil
}

func (r *conversationRepository) UpdateLastMessage(ctx context.Context, conversationID, messageID uuid.UUID, at time.Time) error {
	query := `UPDATE conversations SET last_message_id = $2, last_message_at = $3 WHERE id = $1`

	_, err := r.db.Exec(ctx, query, conversationID, messageID, at)
	if err != nil {
		r.log.Error("Failed to update last message", "error", err, "conversation_id", conversationID)
		return err
	}

	return nil
}

func (r *conversationRepository) SetArchived(ctx context.Context, conversationID uuid.UUID, archived bool) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE conversations SET archived = $2 WHERE id = $1`,
		conversationID, archived,
	)
	if err != nil {
		r.log.Error("Failed to set archived", "error", err, "conversation_id", conversationID)
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperrors.ErrConversationNotFound
	}

	return nil
}
