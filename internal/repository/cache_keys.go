package repository

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"
	"team_chat/internal/domain"
)

// Префиксы ключей Redis. Ключи составные (сущность + scope + пагинация),
// чтобы инвалидация всего scope выражалась одним DeleteByPattern по префиксу.
const (
	MessagePageKeyFmt    = "chat:conv:%s:messages:%d:%d"
	MessagePagePrefixFmt = "chat:conv:%s:messages"
	MessageKeyFmt        = "chat:msg:%s"
	UnreadKeyFmt         = "chat:user:%s:unread:%s"
	UnreadPrefixFmt      = "chat:user:%s:unread"
	ConvListKeyFmt       = "chat:user:%s:convs"
	SearchKeyFmt         = "chat:search:%s"
	MentionsKeyFmt       = "chat:user:%s:mentions:%d:%d"
	MentionsPrefixFmt    = "chat:user:%s:mentions"
)

// Классы ключей для метрик кеша
const (
	KeyClassMessagePage = "message_page"
	KeyClassMessage     = "message"
	KeyClassUnread      = "unread"
	KeyClassConvList    = "conv_list"
	KeyClassSearch      = "search"
	KeyClassMentions    = "mentions"
)

func MessagePageKey(conversationID uuid.UUID, limit, offset int) string {
	return fmt.Sprintf(MessagePageKeyFmt, conversationID, limit, offset)
}

func MessagePagePrefix(conversationID uuid.UUID) string {
	return fmt.Sprintf(MessagePagePrefixFmt, conversationID)
}

func MessageKey(messageID uuid.UUID) string {
	return fmt.Sprintf(MessageKeyFmt, messageID)
}

func UnreadKey(userID, conversationID uuid.UUID) string {
	return fmt.Sprintf(UnreadKeyFmt, userID, conversationID)
}

func UnreadPrefix(userID uuid.UUID) string {
	return fmt.Sprintf(UnreadPrefixFmt, userID)
}

func ConvListKey(userID uuid.UUID) string {
	return fmt.Sprintf(ConvListKeyFmt, userID)
}

// SearchKey хеширует запрос с фильтрами, чтобы ключ оставался коротким
func SearchKey(query string, filter domain.SearchFilter, limit, offset int) string {
	raw := fmt.Sprintf("%s|%v|%v|%v|%d|%d",
		query, filter.ConversationID, filter.SenderID, filter.Type, limit, offset)
	sum := sha1.Sum([]byte(raw))
	return fmt.Sprintf(SearchKeyFmt, hex.EncodeToString(sum[:]))
}

func MentionsKey(userID uuid.UUID, limit, offset int) string {
	return fmt.Sprintf(MentionsKeyFmt, userID, limit, offset)
}

func MentionsPrefix(userID uuid.UUID) string {
	return fmt.Sprintf(MentionsPrefixFmt, userID)
}
