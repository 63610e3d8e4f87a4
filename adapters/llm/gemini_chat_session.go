package llm

import (
	"context"
	"math/rand/v2"
	"strings"
	"time"

	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/satriahrh/aria/domain/entities"
	"github.com/satriahrh/aria/domain/repositories"
)

const (
	defaultModel          = "gemini-2.5-flash"
	defaultTemperature    = 0.7
	defaultMaxTokens      = 1024
	defaultTimeoutSeconds = 30
	maxAttempts           = 3
)

// GenerateFunc matches genai's Models.GenerateContent
type GenerateFunc func(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)

// ChatOptions configures a chat session
type ChatOptions struct {
	Model           string
	SystemPrompt    string
	Fallbacks       []string
	Temperature     float32
	MaxOutputTokens int
	Timeout         time.Duration
	// Backoff returns the wait before the given retry. Defaults to attempt seconds.
	Backoff func(attempt int) time.Duration
}

// GeminiChatSession implements the ChatSession interface
type GeminiChatSession struct {
	generate GenerateFunc
	logger   *zap.Logger
	opts     ChatOptions
	history  []*genai.Content
}

// NewGeminiChatSession creates a new chat session with options and history
func NewGeminiChatSession(generate GenerateFunc, opts ChatOptions, logger *zap.Logger, history []repositories.ChatMessage) *GeminiChatSession {
	if opts.Model == "" {
		opts.Model = defaultModel
	}
	if opts.Temperature == 0 {
		opts.Temperature = defaultTemperature
	}
	if opts.MaxOutputTokens == 0 {
		opts.MaxOutputTokens = defaultMaxTokens
	}
	if opts.Timeout == 0 {
		opts.Timeout = defaultTimeoutSeconds * time.Second
	}
	if opts.Backoff == nil {
		opts.Backoff = func(attempt int) time.Duration { return time.Duration(attempt) * time.Second }
	}

	return &GeminiChatSession{
		generate: generate,
		logger:   logger,
		opts:     opts,
		history:  toGeminiContents(history),
	}
}

// SendMessage sends a message and gets a response, updating the history.
// When every attempt fails and fallbacks are configured, one of them is
// returned instead of the error.
func (s *GeminiChatSession) SendMessage(ctx context.Context, message repositories.ChatMessage) (repositories.ChatMessage, error) {
	userContent := genai.NewContentFromText(message.Content, genai.RoleUser)
	contents := append(append([]*genai.Content{}, s.history...), userContent)

	config := &genai.GenerateContentConfig{
		Temperature:     genai.Ptr(s.opts.Temperature),
		MaxOutputTokens: int32(s.opts.MaxOutputTokens),
	}
	if s.opts.SystemPrompt != "" {
		config.SystemInstruction = genai.NewContentFromText(s.opts.SystemPrompt, genai.RoleUser)
	}

	ctx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
	defer cancel()

	var (
		text string
		err  error
	)
retry:
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		var response *genai.GenerateContentResponse
		response, err = s.generate(ctx, s.opts.Model, contents, config)
		if err == nil {
			text = responseText(response)
			if text != "" {
				break
			}
			err = errEmptyResponse
		}

		s.logger.Warn("Failed to generate content",
			zap.Int("attempt", attempt),
			zap.Error(err))

		if attempt == maxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			err = ctx.Err()
			break retry
		case <-time.After(s.opts.Backoff(attempt)):
		}
	}

	if text == "" {
		if len(s.opts.Fallbacks) == 0 {
			return repositories.ChatMessage{}, err
		}
		s.logger.Error("Replying with fallback", zap.Error(err))
		text = s.opts.Fallbacks[rand.IntN(len(s.opts.Fallbacks))]
	}

	s.history = append(s.history, userContent, genai.NewContentFromText(text, genai.RoleModel))

	s.logger.Debug("Chat message processed",
		zap.Int("history_length", len(s.history)),
		zap.Int("response_length", len(text)))

	return repositories.ChatMessage{Role: entities.RoleModel, Content: text}, nil
}

// History returns the current conversation history
func (s *GeminiChatSession) History() ([]repositories.ChatMessage, error) {
	return fromGeminiContents(s.history), nil
}

type chatError string

func (e chatError) Error() string { return string(e) }

const errEmptyResponse = chatError("empty response from model")

func responseText(response *genai.GenerateContentResponse) string {
	if response == nil || len(response.Candidates) == 0 || response.Candidates[0].Content == nil {
		return ""
	}
	var sb strings.Builder
	for _, part := range response.Candidates[0].Content.Parts {
		if part != nil {
			sb.WriteString(part.Text)
		}
	}
	return strings.TrimSpace(sb.String())
}

func toGeminiContents(messages []repositories.ChatMessage) []*genai.Content {
	contents := make([]*genai.Content, 0, len(messages))
	for _, msg := range messages {
		var role genai.Role = genai.RoleUser
		if msg.Role == entities.RoleModel {
			role = genai.RoleModel
		}
		contents = append(contents, genai.NewContentFromText(msg.Content, role))
	}
	return contents
}

func fromGeminiContents(contents []*genai.Content) []repositories.ChatMessage {
	var messages []repositories.ChatMessage
	for _, content := range contents {
		role := entities.RoleUser
		if content.Role == string(genai.RoleModel) {
			role = entities.RoleModel
		}

		var text string
		for _, part := range content.Parts {
			text += part.Text
		}
		if text != "" {
			messages = append(messages, repositories.ChatMessage{Role: role, Content: text})
		}
	}
	return messages
}
