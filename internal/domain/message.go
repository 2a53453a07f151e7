package domain

import (
	"time"

	"github.com/google/uuid"
)

type MessageType string

const (
	MessageTypeText         MessageType = "text"
	MessageTypeImage        MessageType = "image"
	MessageTypeFile         MessageType = "file"
	MessageTypeVoice        MessageType = "voice"
	MessageTypeVideo        MessageType = "video"
	MessageTypeSystem       MessageType = "system"
	MessageTypeBroadcast    MessageType = "broadcast"
	MessageTypeAnnouncement MessageType = "announcement"
)

func (t MessageType) Valid() bool {
	switch t {
	case MessageTypeText, MessageTypeImage, MessageTypeFile, MessageTypeVoice,
		MessageTypeVideo, MessageTypeSystem, MessageTypeBroadcast, MessageTypeAnnouncement:
		return true
	}
	return false
}

type MessageStatus string

const (
	MessageStatusSent      MessageStatus = "sent"
	MessageStatusDelivered MessageStatus = "delivered"
	MessageStatusRead      MessageStatus = "read"
)

// DeletedContentPlaceholder — контент удаленного сообщения не стирается, а заменяется
const DeletedContentPlaceholder = "Message deleted"

type Message struct {
	ID             uuid.UUID      `json:"id"`
	ConversationID uuid.UUID      `json:"conversation_id"`
	SenderID       uuid.UUID      `json:"sender_id"`
	Type           MessageType    `json:"type"`
	Content        string         `json:"content"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	ReplyToID      *uuid.UUID     `json:"reply_to_id,omitempty"`
	Mentions       []uuid.UUID    `json:"mentions,omitempty"`
	Status         MessageStatus  `json:"status"`
	CreatedAt      time.Time      `json:"created_at"`
	EditedAt       *time.Time     `json:"edited_at,omitempty"`
	EditedBy       *uuid.UUID     `json:"edited_by,omitempty"`
	DeletedAt      *time.Time     `json:"deleted_at,omitempty"`
	DeletedBy      *uuid.UUID     `json:"deleted_by,omitempty"`
	Reactions      []Reaction     `json:"reactions,omitempty"`
	ReadBy         []ReadReceipt  `json:"read_by,omitempty"`
}

func (m *Message) IsDeleted() bool {
	return m.DeletedAt != nil
}

type Reaction struct {
	MessageID uuid.UUID `json:"message_id"`
	UserID    uuid.UUID `json:"user_id"`
	Emoji     string    `json:"emoji"`
	CreatedAt time.Time `json:"created_at"`
}

type ReadReceipt struct {
	MessageID uuid.UUID `json:"message_id"`
	UserID    uuid.UUID `json:"user_id"`
	ReadAt    time.Time `json:"read_at"`
}

// MessagePage — страница сообщений с общим количеством для пагинации
type MessagePage struct {
	Messages []*Message `json:"messages"`
	Total    int        `json:"total"`
}

// SearchFilter — фильтры полнотекстового поиска
type SearchFilter struct {
	ConversationID *uuid.UUID
	SenderID       *uuid.UUID
	Type           *MessageType
}
