package domain

import (
	"time"

	"github.com/google/uuid"
)

type ConversationType string

const (
	ConversationTypeDirect ConversationType = "direct"
	ConversationTypeGroup  ConversationType = "group"
	ConversationTypeThread ConversationType = "thread"
)

func (t ConversationType) Valid() bool {
	switch t {
	case ConversationTypeDirect, ConversationTypeGroup, ConversationTypeThread:
		return true
	}
	return false
}

type Conversation struct {
	ID            uuid.UUID        `json:"id"`
	Type          ConversationType `json:"type"`
	Title         string           `json:"title,omitempty"`
	Participants  []Participant    `json:"participants,omitempty"`
	LastMessageID *uuid.UUID       `json:"last_message_id,omitempty"`
	LastMessageAt *time.Time       `json:"last_message_at,omitempty"`
	Archived      bool             `json:"archived"`
	CreatedAt     time.Time        `json:"created_at"`
}

type Participant struct {
	ConversationID uuid.UUID  `json:"conversation_id"`
	UserID         uuid.UUID  `json:"user_id"`
	JoinedAt       time.Time  `json:"joined_at"`
	LeftAt         *time.Time `json:"left_at,omitempty"`
	Active         bool       `json:"active"`
}

// ActiveParticipantIDs возвращает user id всех активных участников
func (c *Conversation) ActiveParticipantIDs() []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(c.Participants))
	for _, p := range c.Participants {
		if p.Active {
			ids = append(ids, p.UserID)
		}
	}
	return ids
}

func (c *Conversation) HasActiveParticipant(userID uuid.UUID) bool {
	for _, p := range c.Participants {
		if p.UserID == userID && p.Active {
			return true
		}
	}
	return false
}
