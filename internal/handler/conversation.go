package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"team_chat/internal/domain"
	"team_chat/internal/middleware"
	"team_chat/internal/service"
	"team_chat/pkg/logger"
)

type ConversationHandler struct {
	conversationService service.ConversationService
	log                 logger.Logger
}

func NewConversationHandler(conversationService service.ConversationService, log logger.Logger) *ConversationHandler {
	return &ConversationHandler{
		conversationService: conversationService,
		log:                 log,
	}
}

type CreateConversationRequest struct {
	Type         string      `json:"type"`
	Title        string      `json:"title"`
	Participants []uuid.UUID `json:"participants"`
}

func (h *ConversationHandler) Create(c *gin.Context) {
	userID, ok := middleware.UserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "user not authenticated"})
		return
	}

	var req CreateConversationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	conversation, err := h.conversationService.Create(c.Request.Context(), service.CreateConversationInput{
		Type:         domain.ConversationType(req.Type),
		Title:        req.Title,
		CreatorID:    userID,
		Participants: req.Participants,
	})
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusCreated, conversation)
}

func (h *ConversationHandler) GetByID(c *gin.Context) {
	conversationID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid conversation ID"})
		return
	}

	userID, ok := middleware.UserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "user not authenticated"})
		return
	}

	conversation, err := h.conversationService.GetByID(c.Request.Context(), conversationID, userID)
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, conversation)
}

func (h *ConversationHandler) List(c *gin.Context) {
	userID, ok := middleware.UserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "user not authenticated"})
		return
	}

	conversations, err := h.conversationService.ListForUser(c.Request.Context(), userID)
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, conversations)
}

type AddParticipantRequest struct {
	UserID uuid.UUID `json:"user_id" binding:"required"`
}

func (h *ConversationHandler) AddParticipant(c *gin.Context) {
	conversationID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid conversation ID"})
		return
	}

	actorID, ok := middleware.UserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "user not authenticated"})
		return
	}

	var req AddParticipantRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.conversationService.AddParticipant(c.Request.Context(), conversationID, actorID, req.UserID); err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Participant added"})
}

func (h *ConversationHandler) RemoveParticipant(c *gin.Context) {
	conversationID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid conversation ID"})
		return
	}

	userID, err := uuid.Parse(c.Param("userId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid user ID"})
		return
	}

	actorID, ok := middleware.UserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "user not authenticated"})
		return
	}

	if err := h.conversationService.RemoveParticipant(c.Request.Context(), conversationID, actorID, userID); err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Participant removed"})
}

func (h *ConversationHandler) Archive(c *gin.Context) {
	conversationID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid conversation ID"})
		return
	}

	actorID, ok := middleware.UserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "user not authenticated"})
		return
	}

	if err := h.conversationService.Archive(c.Request.Context(), conversationID, actorID); err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Conversation archived"})
}
