package errors

import (
	"errors"
	"net/http"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrForbidden      = errors.New("forbidden")
	ErrValidation     = errors.New("validation failed")
	ErrConflict       = errors.New("conflict")
	ErrTransient      = errors.New("temporarily unavailable")
	ErrInternalServer = errors.New("internal server error")

	ErrMessageNotFound      = errors.New("message not found")
	ErrConversationNotFound = errors.New("conversation not found")
	ErrNotParticipant       = errors.New("user is not a participant of this conversation")
	ErrDuplicateReaction    = errors.New("reaction already exists")
	ErrMessageDeleted       = errors.New("message is deleted")
	ErrEmptyContent         = errors.New("message content is empty")
	ErrContentTooLong       = errors.New("message content is too long")
	ErrInvalidEmoji         = errors.New("invalid reaction emoji")
	ErrNotSender            = errors.New("only sender can modify message")
	ErrRateLimited          = errors.New("too many requests")
)

type APIError struct {
	Message string `json:"error"`
	Code    int    `json:"code"`
}

func (e *APIError) Error() string {
	return e.Message
}

func NewAPIError(message string, code int) *APIError {
	return &APIError{
		Message: message,
		Code:    code,
	}
}

func HTTPStatusFromError(err error) int {
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrMessageNotFound), errors.Is(err, ErrConversationNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrForbidden), errors.Is(err, ErrNotParticipant), errors.Is(err, ErrNotSender):
		return http.StatusForbidden
	case errors.Is(err, ErrValidation), errors.Is(err, ErrEmptyContent),
		errors.Is(err, ErrContentTooLong), errors.Is(err, ErrInvalidEmoji):
		return http.StatusBadRequest
	case errors.Is(err, ErrConflict), errors.Is(err, ErrDuplicateReaction), errors.Is(err, ErrMessageDeleted):
		return http.StatusConflict
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, ErrTransient):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
