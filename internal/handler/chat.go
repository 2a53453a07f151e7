package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"team_chat/internal/domain"
	"team_chat/internal/middleware"
	"team_chat/internal/service"
	"team_chat/pkg/logger"
)

type ChatHandler struct {
	chatService service.ChatService
	log         logger.Logger
}

func NewChatHandler(chatService service.ChatService, log logger.Logger) *ChatHandler {
	return &ChatHandler{
		chatService: chatService,
		log:         log,
	}
}

func (h *ChatHandler) GetMessages(c *gin.Context) {
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

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))

	page, err := h.chatService.GetConversationMessages(c.Request.Context(), conversationID, userID, limit, offset)
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, page)
}

type SendMessageRequest struct {
	Content   string         `json:"content" binding:"required"`
	Type      string         `json:"type"`
	Metadata  map[string]any `json:"metadata"`
	ReplyToID *uuid.UUID     `json:"reply_to_id"`
	Mentions  []uuid.UUID    `json:"mentions"`
}

func (h *ChatHandler) SendMessage(c *gin.Context) {
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

	var req SendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	message, err := h.chatService.SendMessage(c.Request.Context(), service.SendMessageInput{
		ConversationID: conversationID,
		SenderID:       userID,
		Content:        req.Content,
		Type:           domain.MessageType(req.Type),
		Metadata:       req.Metadata,
		ReplyToID:      req.ReplyToID,
		Mentions:       req.Mentions,
	})
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusCreated, message)
}

type EditMessageRequest struct {
	Content string `json:"content" binding:"required"`
}

func (h *ChatHandler) EditMessage(c *gin.Context) {
	messageID, err := uuid.Parse(c.Param("messageId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid message ID"})
		return
	}

	userID, ok := middleware.UserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "user not authenticated"})
		return
	}

	var req EditMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	message, err := h.chatService.EditMessage(c.Request.Context(), messageID, userID, req.Content)
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, message)
}

func (h *ChatHandler) DeleteMessage(c *gin.Context) {
	messageID, err := uuid.Parse(c.Param("messageId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid message ID"})
		return
	}

	userID, ok := middleware.UserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "user not authenticated"})
		return
	}

	if err := h.chatService.DeleteMessage(c.Request.Context(), messageID, userID); err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Message deleted"})
}

func (h *ChatHandler) MarkAsRead(c *gin.Context) {
	messageID, err := uuid.Parse(c.Param("messageId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid message ID"})
		return
	}

	userID, ok := middleware.UserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "user not authenticated"})
		return
	}

	marked, err := h.chatService.MarkAsRead(c.Request.Context(), messageID, userID)
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"marked": marked})
}

type AddReactionRequest struct {
	Emoji string `json:"emoji" binding:"required"`
}

func (h *ChatHandler) AddReaction(c *gin.Context) {
	messageID, err := uuid.Parse(c.Param("messageId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid message ID"})
		return
	}

	userID, ok := middleware.UserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "user not authenticated"})
		return
	}

	var req AddReactionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	added, err := h.chatService.AddReaction(c.Request.Context(), messageID, userID, req.Emoji)
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"added": added})
}

func (h *ChatHandler) RemoveReaction(c *gin.Context) {
	messageID, err := uuid.Parse(c.Param("messageId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid message ID"})
		return
	}

	userID, ok := middleware.UserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "user not authenticated"})
		return
	}

	removed, err := h.chatService.RemoveReaction(c.Request.Context(), messageID, userID, c.Param("emoji"))
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"removed": removed})
}

func (h *ChatHandler) SearchMessages(c *gin.Context) {
	if _, ok := middleware.UserID(c); !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "user not authenticated"})
		return
	}

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))

	var filter domain.SearchFilter
	if raw := c.Query("conversation_id"); raw != "" {
		conversationID, err := uuid.Parse(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid conversation ID"})
			return
		}
		filter.ConversationID = &conversationID
	}
	if raw := c.Query("sender_id"); raw != "" {
		senderID, err := uuid.Parse(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid sender ID"})
			return
		}
		filter.SenderID = &senderID
	}
	if raw := c.Query("type"); raw != "" {
		messageType := domain.MessageType(raw)
		filter.Type = &messageType
	}

	page, err := h.chatService.SearchMessages(c.Request.Context(), c.Query("q"), filter, limit, offset)
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, page)
}

func (h *ChatHandler) GetUnreadCount(c *gin.Context) {
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

	count, err := h.chatService.GetUnreadCount(c.Request.Context(), conversationID, userID)
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"unread": count})
}

func (h *ChatHandler) GetMentions(c *gin.Context) {
	userID, ok := middleware.UserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "user not authenticated"})
		return
	}

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))

	messages, err := h.chatService.GetMentions(c.Request.Context(), userID, limit, offset)
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, messages)
}
