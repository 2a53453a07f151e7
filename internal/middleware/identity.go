package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	// UserIDHeader проставляется вышестоящим шлюзом после аутентификации.
	// Само ядро чата токены не проверяет.
	UserIDHeader = "X-User-ID"

	ContextUserID = "user_id"
)

// Identity извлекает user id из заголовка шлюза и кладет его в контекст
func Identity() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, err := uuid.Parse(c.GetHeader(UserIDHeader))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing or invalid user id"})
			return
		}

		c.Set(ContextUserID, userID)
		c.Next()
	}
}

// UserID достает user id, положенный Identity
func UserID(c *gin.Context) (uuid.UUID, bool) {
	value, exists := c.Get(ContextUserID)
	if !exists {
		return uuid.Nil, false
	}
	userID, ok := value.(uuid.UUID)
	return userID, ok
}
