package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"team_chat/internal/domain"
	apperrors "team_chat/pkg/errors"
	"team_chat/pkg/logger"
)

type MessageRepository interface {
	Create(ctx context.Context, message *domain.Message) error
	GetByID(ctx context.Context, messageID uuid.UUID) (*domain.Message, error)
	ListByConversation(ctx context.Context, conversationID uuid.UUID, limit, offset int) ([]*domain.Message, error)
	CountByConversation(ctx context.Context, conversationID uuid.UUID) (int, error)
	UpdateContent(ctx context.Context, messageID uuid.UUID, editorID uuid.UUID, content string) error
	SoftDelete(ctx context.Context, messageID uuid.UUID, deleterID uuid.UUID) error
	AddReaction(ctx context.Context, reaction *domain.Reaction) error
	RemoveReaction(ctx context.Context, messageID, userID uuid.UUID, emoji string) (bool, error)
	AddReadReceipt(ctx context.Context, receipt *domain.ReadReceipt) (bool, error)
	Search(ctx context.Context, query string, filter domain.SearchFilter, limit, offset int) ([]*domain.Message, int, error)
	CountUnread(ctx context.Context, conversationID, userID uuid.UUID) (int, error)
	ListMentions(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*domain.Message, error)
}

type messageRepository struct {
	db  *pgxpool.Pool
	log logger.Logger
}

func NewMessageRepository(db *pgxpool.Pool, log logger.Logger) MessageRepository {
	return &messageRepository{db: db, log: log}
}

const messageColumns = `id, conversation_id, sender_id, message_type, content, metadata, reply_to_id, mentions, status, created_at, edited_at, edited_by, deleted_at, deleted_by`

func (r *messageRepository) Create(ctx context.Context, message *domain.Message) error {
	metadata, err := marshalMetadata(message.Metadata)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO messages (id, conversation_id, sender_id, message_type, content, metadata, reply_to_id, mentions, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING created_at
	`

	err = r.db.QueryRow(ctx, query,
		message.ID, message.ConversationID, message.SenderID, message.Type,
		message.Content, metadata, message.ReplyToID, uuidsToStrings(message.Mentions),
		message.Status, message.CreatedAt,
	).Scan(&message.CreatedAt)

	if err != nil {
		r.log.Error("Failed to create message", "error", err)
		return err
	}

	return nil
}

func (r *messageRepository) GetByID(ctx context.Context, messageID uuid.UUID) (*domain.Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages WHERE id = $1`

	message, err := scanMessage(r.db.QueryRow(ctx, query, messageID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrMessageNotFound
		}
		r.log.Error("Failed to get message", "error", err, "message_id", messageID)
		return nil, err
	}

	if err := r.attachRelations(ctx, []*domain.Message{message}); err != nil {
		return nil, err
	}

	return message, nil
}

func (r *messageRepository) ListByConversation(ctx context.Context, conversationID uuid.UUID, limit, offset int) ([]*domain.Message, error) {
	query := `
		SELECT ` + messageColumns + `
		FROM messages
		WHERE conversation_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`

	rows, err := r.db.Query(ctx, query, conversationID, limit, offset)
	if err != nil {
		r.log.Error("Failed to list messages", "error", err, "conversation_id", conversationID)
		return nil, err
	}
	defer rows.Close()

	messages, err := scanMessages(rows)
	if err != nil {
		r.log.Error("Failed to scan messages", "error", err)
		return nil, err
	}

	if err := r.attachRelations(ctx, messages); err != nil {
		return nil, err
	}

	return messages, nil
}

func (r *messageRepository) CountByConversation(ctx context.Context, conversationID uuid.UUID) (int, error) {
	var total int
	err := r.db.QueryRow(ctx,
		`SELECT COUNT(*) FROM messages WHERE conversation_id = $1`,
		conversationID,
	).Scan(&total)
	if err != nil {
		r.log.Error("Failed to count messages", "error", err, "conversation_id", conversationID)
		return 0, err
	}
	return total, nil
}

func (r *messageRepository) UpdateContent(ctx context.Context, messageID uuid.UUID, editorID uuid.UUID, content string) error {
	query := `
		UPDATE messages
		SET content = $2, edited_at = $3, edited_by = $4
		WHERE id = $1 AND deleted_at IS NULL
	`

	tag, err := r.db.Exec(ctx, query, messageID, content, time.Now(), editorID)
	if err != nil {
		r.log.Error("Failed to update message", "error", err, "message_id", messageID)
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperrors.ErrMessageNotFound
	}

	return nil
}

func (r *messageRepository) SoftDelete(ctx context.Context, messageID uuid.UUID, deleterID uuid.UUID) error {
	// Контент заменяется заглушкой, запись остается
	query := `
		UPDATE messages
		SET content = $2, deleted_at = $3, deleted_by = $4
		WHERE id = $1 AND deleted_at IS NULL
	`

	tag, err := r.db.Exec(ctx, query, messageID, domain.DeletedContentPlaceholder, time.Now(), deleterID)
	if err != nil {
		r.log.Error("Failed to delete message", "error", err, "message_id", messageID)
		return err
	}
	if tag.RowsAffected() == 0 {
		return apperrors.ErrMessageNotFound
	}

	return nil
}

func (r *messageRepository) AddReaction(ctx context.Context, reaction *domain.Reaction) error {
	query := `
		INSERT INTO message_reactions (message_id, user_id, emoji, created_at)
		VALUES ($1, $2, $3, $4)
	`

	_, err := r.db.Exec(ctx, query, reaction.MessageID, reaction.UserID, reaction.Emoji, reaction.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return apperrors.ErrDuplicateReaction
		}
		r.log.Error("Failed to add reaction", "error", err, "message_id", reaction.MessageID)
		return err
	}

	return nil
}

func (r *messageRepository) RemoveReaction(ctx context.Context, messageID, userID uuid.UUID, emoji string) (bool, error) {
	query := `DELETE FROM message_reactions WHERE message_id = $1 AND user_id = $2 AND emoji = $3`

	tag, err := r.db.Exec(ctx, query, messageID, userID, emoji)
	if err != nil {
		r.log.Error("Failed to remove reaction", "error", err, "message_id", messageID)
		return false, err
	}

	return tag.RowsAffected() > 0, nil
}

// AddReadReceipt идемпотентен: повторная отметка того же пользователя не ошибка
func (r *messageRepository) AddReadReceipt(ctx context.Context, receipt *domain.ReadReceipt) (bool, error) {
	query := `
		INSERT INTO message_read_receipts (message_id, user_id, read_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (message_id, user_id) DO NOTHING
	`

	tag, err := r.db.Exec(ctx, query, receipt.MessageID, receipt.UserID, receipt.ReadAt)
	if err != nil {
		r.log.Error("Failed to add read receipt", "error", err, "message_id", receipt.MessageID)
		return false, err
	}

	return tag.RowsAffected() > 0, nil
}

func (r *messageRepository) Search(ctx context.Context, query string, filter domain.SearchFilter, limit, offset int) ([]*domain.Message, int, error) {
	where := `deleted_at IS NULL AND content ILIKE '%' || $1 || '%' ESCAPE '\'`
	args := []any{escapeLike(query)}

	if filter.ConversationID != nil {
		args = append(args, *filter.ConversationID)
		where += fmt.Sprintf(" AND conversation_id = $%d", len(args))
	}
	if filter.SenderID != nil {
		args = append(args, *filter.SenderID)
		where += fmt.Sprintf(" AND sender_id = $%d", len(args))
	}
	if filter.Type != nil {
		args = append(args, *filter.Type)
		where += fmt.Sprintf(" AND message_type = $%d", len(args))
	}

	var total int
	countQuery := `SELECT COUNT(*) FROM messages WHERE ` + where
	if err := r.db.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		r.log.Error("Failed to count search results", "error", err)
		return nil, 0, err
	}

	args = append(args, limit, offset)
	listQuery := fmt.Sprintf(
		`SELECT %s FROM messages WHERE %s ORDER BY created_at DESC LIMIT $%d OFFSET $%d`,
		messageColumns, where, len(args)-1, len(args),
	)

	rows, err := r.db.Query(ctx, listQuery, args...)
	if err != nil {
		r.log.Error("Failed to search messages", "error", err)
		return nil, 0, err
	}
	defer rows.Close()

	messages, err := scanMessages(rows)
	if err != nil {
		r.log.Error("Failed to scan search results", "error", err)
		return nil, 0, err
	}

	return messages, total, nil
}

func (r *messageRepository) CountUnread(ctx context.Context, conversationID, userID uuid.UUID) (int, error) {
	query := `
		SELECT COUNT(*)
		FROM messages m
		WHERE m.conversation_id = $1
		  AND m.sender_id <> $2
		  AND m.deleted_at IS NULL
		  AND NOT EXISTS (
			SELECT 1 FROM message_read_receipts rr
			WHERE rr.message_id = m.id AND rr.user_id = $2
		  )
	`

	var count int
	if err := r.db.QueryRow(ctx, query, conversationID, userID).Scan(&count); err != nil {
		r.log.Error("Failed to count unread messages", "error", err, "conversation_id", conversationID)
		return 0, err
	}

	return count, nil
}

func (r *messageRepository) ListMentions(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*domain.Message, error) {
	query := `
		SELECT ` + messageColumns + `
		FROM messages
		WHERE $1 = ANY(mentions) AND deleted_at IS NULL
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`

	rows, err := r.db.Query(ctx, query, userID.String(), limit, offset)
	if err != nil {
		r.log.Error("Failed to list mentions", "error", err, "user_id", userID)
		return nil, err
	}
	defer rows.Close()

	messages, err := scanMessages(rows)
	if err != nil {
		r.log.Error("Failed to scan mentions", "error", err)
		return nil, err
	}

	return messages, nil
}

// attachRelations догружает реакции и отметки о прочтении одним запросом на набор
func (r *messageRepository) attachRelations(ctx context.Context, messages []*domain.Message) error {
	if len(messages) == 0 {
		return nil
	}

	ids := make([]uuid.UUID, 0, len(messages))
	byID := make(map[uuid.UUID]*domain.Message, len(messages))
	for _, m := range messages {
		ids = append(ids, m.ID)
		byID[m.ID] = m
	}

	rows, err := r.db.Query(ctx,
		`SELECT message_id, user_id, emoji, created_at FROM message_reactions WHERE message_id = ANY($1) ORDER BY created_at`,
		ids,
	)
	if err != nil {
		r.log.Error("Failed to load reactions", "error", err)
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var reaction domain.Reaction
		if err := rows.Scan(&reaction.MessageID, &reaction.UserID, &reaction.Emoji, &reaction.CreatedAt); err != nil {
			r.log.Error("Failed to scan reaction", "error", err)
			return err
		}
		if m, ok := byID[reaction.MessageID]; ok {
			m.Reactions = append(m.Reactions, reaction)
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}

	receiptRows, err := r.db.Query(ctx,
		`SELECT message_id, user_id, read_at FROM message_read_receipts WHERE message_id = ANY($1) ORDER BY read_at`,
		ids,
	)
	if err != nil {
		r.log.Error("Failed to load read receipts", "error", err)
		return err
	}
	defer receiptRows.Close()

	for receiptRows.Next() {
		var receipt domain.ReadReceipt
		if err := receiptRows.Scan(&receipt.MessageID, &receipt.UserID, &receipt.ReadAt); err != nil {
			r.log.Error("Failed to scan read receipt", "error", err)
			return err
		}
		if m, ok := byID[receipt.MessageID]; ok {
			m.ReadBy = append(m.ReadBy, receipt)
		}
	}

	return receiptRows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*domain.Message, error) {
	message := &domain.Message{}
	var (
		metadata  []byte
		mentions  []string
		editedAt  sql.NullTime
		deletedAt sql.NullTime
	)

	err := row.Scan(
		&message.ID, &message.ConversationID, &message.SenderID, &message.Type,
		&message.Content, &metadata, &message.ReplyToID, &mentions,
		&message.Status, &message.CreatedAt, &editedAt, &message.EditedBy,
		&deletedAt, &message.DeletedBy,
	)
	if err != nil {
		return nil, err
	}

	if editedAt.Valid {
		message.EditedAt = &editedAt.Time
	}
	if deletedAt.Valid {
		message.DeletedAt = &deletedAt.Time
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &message.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}
	message.Mentions, err = stringsToUUIDs(mentions)
	if err != nil {
		return nil, err
	}

	return message, nil
}

func scanMessages(rows pgx.Rows) ([]*domain.Message, error) {
	var messages []*domain.Message
	for rows.Next() {
		message, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, message)
	}
	return messages, rows.Err()
}

func marshalMetadata(metadata map[string]any) ([]byte, error) {
	if metadata == nil {
		return nil, nil
	}
	data, err := json.Marshal(metadata)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal metadata: %w", err)
	}
	return data, nil
}

// escapeLike экранирует метасимволы LIKE, чтобы поиск по "100%" или "a_b"
// искал литерал, а не шаблон
func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

func uuidsToStrings(ids []uuid.UUID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = id.String()
	}
	return out
}

func stringsToUUIDs(values []string) ([]uuid.UUID, error) {
	if len(values) == 0 {
		return nil, nil
	}
	out := make([]uuid.UUID, len(values))
	for i, v := range values {
		id, err := uuid.Parse(v)
		if err != nil {
			return nil, fmt.Errorf("failed to parse mention id: %w", err)
		}
		out[i] = id
	}
	return out, nil
}
