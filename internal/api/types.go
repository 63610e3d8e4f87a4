package api

import (
	"time"

	"github.com/satriahrh/aria/domain/entities"
)

// AuthSyncRequest represents the request payload for user sync
type AuthSyncRequest struct {
	Email string `json:"email" validate:"required"`
	Name  string `json:"name"`
}

// AuthSyncResponse represents the response payload for user sync
type AuthSyncResponse struct {
	Token     string         `json:"token"`
	ExpiresAt time.Time      `json:"expires_at"`
	User      *entities.User `json:"user"`
}

// ChatRequest is one text turn sent to the tutor
type ChatRequest struct {
	Text    string   `json:"text" validate:"required"`
	Subject string   `json:"subject,omitempty"`
	Modules []string `json:"modules,omitempty"`
}

// ChatResponse carries the tutor's reply
type ChatResponse struct {
	Message entities.ConversationMessage `json:"message"`
}

// ConversationsResponse is a page of the caller's conversation log
type ConversationsResponse struct {
	Messages []entities.ConversationMessage `json:"messages"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}
