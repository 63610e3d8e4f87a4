package repositories

import (
	"context"

	"github.com/satriahrh/aria/domain/entities"
)

// LargeLanguageModel abstracts any chat/LLM provider
type LargeLanguageModel interface {
	// GenerateChat creates a chat session with a system prompt and history
	GenerateChat(ctx context.Context, systemPrompt string, history []ChatMessage) (ChatSession, error)
}

// ChatSession represents an ongoing conversation session
type ChatSession interface {
	SendMessage(ctx context.Context, message ChatMessage) (ChatMessage, error)
	History() ([]ChatMessage, error)
}

// ChatMessage represents a single message in a conversation
type ChatMessage struct {
	Role    entities.Role `json:"role"`
	Content string        `json:"content"`
}
