package llm

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/satriahrh/aria/domain/repositories"
)

// GeminiLLM implements the LargeLanguageModel interface using Google's Gemini API
type GeminiLLM struct {
	client    *genai.Client
	logger    *zap.Logger
	model     string
	fallbacks []string
}

// NewGeminiLLM creates a new Gemini LLM instance. fallbacks are replied
// when generation keeps failing.
func NewGeminiLLM(ctx context.Context, apiKey, model string, fallbacks []string, logger *zap.Logger) (*GeminiLLM, error) {
	if apiKey == "" {
		return nil, errors.New("Gemini API key is required")
	}
	if model == "" {
		model = defaultModel
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}

	return &GeminiLLM{
		client:    client,
		logger:    logger,
		model:     model,
		fallbacks: fallbacks,
	}, nil
}

// GenerateChat creates a chat session with history
func (g *GeminiLLM) GenerateChat(ctx context.Context, systemPrompt string, history []repositories.ChatMessage) (repositories.ChatSession, error) {
	return NewGeminiChatSession(g.client.Models.GenerateContent, ChatOptions{
		Model:        g.model,
		SystemPrompt: systemPrompt,
		Fallbacks:    g.fallbacks,
	}, g.logger, history), nil
}
