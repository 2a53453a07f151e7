package repository

import (
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"team_chat/internal/domain"
)

func TestPageKeysShareScopePrefix(t *testing.T) {
	conversationID := uuid.New()

	prefix := MessagePagePrefix(conversationID)
	assert.True(t, strings.HasPrefix(MessagePageKey(conversationID, 50, 0), prefix))
	assert.True(t, strings.HasPrefix(MessagePageKey(conversationID, 20, 100), prefix))

	other := MessagePagePrefix(uuid.New())
	assert.False(t, strings.HasPrefix(MessagePageKey(conversationID, 50, 0), other))
}

func TestUnreadKeysShareUserPrefix(t *testing.T) {
	userID := uuid.New()

	prefix := UnreadPrefix(userID)
	assert.True(t, strings.HasPrefix(UnreadKey(userID, uuid.New()), prefix))
	assert.True(t, strings.HasPrefix(UnreadKey(userID, uuid.New()), prefix))

	// Префикс unread не должен зацеплять другие ключи того же пользователя
	assert.False(t, strings.HasPrefix(ConvListKey(userID), prefix))
	assert.False(t, strings.HasPrefix(MentionsKey(userID, 50, 0), prefix))
}

func TestMentionsKeysShareUserPrefix(t *testing.T) {
	userID := uuid.New()

	prefix := MentionsPrefix(userID)
	assert.True(t, strings.HasPrefix(MentionsKey(userID, 50, 0), prefix))
	assert.False(t, strings.HasPrefix(MentionsKey(uuid.New(), 50, 0), prefix))
}

func TestSearchKeyDependsOnQueryAndFilter(t *testing.T) {
	conversationID := uuid.New()
	filter := domain.SearchFilter{ConversationID: &conversationID}

	base := SearchKey("deploy", filter, 50, 0)
	assert.Equal(t, base, SearchKey("deploy", filter, 50, 0))

	assert.NotEqual(t, base, SearchKey("release", filter, 50, 0))
	assert.NotEqual(t, base, SearchKey("deploy", domain.SearchFilter{}, 50, 0))
	assert.NotEqual(t, base, SearchKey("deploy", filter, 50, 50))
}
