package usecase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/satriahrh/aria/domain/entities"
	"github.com/satriahrh/aria/domain/repositories"
	"github.com/satriahrh/aria/internal/config"
	"github.com/satriahrh/aria/internal/metrics"
)

// DefaultHistoryLimit bounds how much of the log seeds a chat
const DefaultHistoryLimit = 50

// ChatService handles text conversation with the tutor
type ChatService struct {
	llm          repositories.LargeLanguageModel
	conversation repositories.ConversationRepository
	profile      *config.TutorProfile
	metrics      *metrics.Metrics
	logger       *zap.Logger
	historyLimit int
	now          func() time.Time
}

// NewChatService creates a new chat service
func NewChatService(llm repositories.LargeLanguageModel, conversation repositories.ConversationRepository, profile *config.TutorProfile, m *metrics.Metrics, logger *zap.Logger) *ChatService {
	if m == nil {
		m = metrics.NewNop()
	}
	return &ChatService{
		llm:          llm,
		conversation: conversation,
		profile:      profile,
		metrics:      m,
		logger:       logger,
		historyLimit: DefaultHistoryLimit,
		now:          time.Now,
	}
}

// Reply sends text to the tutor, seeded with the user's log, and appends
// both turns to that log.
func (s *ChatService) Reply(ctx context.Context, user *entities.User, lesson entities.LessonContext, text string) (entities.ConversationMessage, error) {
	question := entities.NewConversationMessage(user.Key, entities.RoleUser, text, entities.SourceText, s.now())
	if err := question.Validate(); err != nil {
		return entities.ConversationMessage{}, err
	}

	log, err := s.conversation.ListByUser(ctx, user.Key, s.historyLimit)
	if err != nil {
		return entities.ConversationMessage{}, fmt.Errorf("failed to load history: %w", err)
	}
	history := make([]repositories.ChatMessage, 0, len(log))
	for _, msg := range log {
		history = append(history, repositories.ChatMessage{Role: msg.Role, Content: msg.Text})
	}

	prompt, err := s.profile.RenderChatPersona(config.PersonaContext{
		TutorName:   s.profile.Name,
		StudentName: user.DisplayName(),
		Subject:     lesson.Subject,
		Modules:     lesson.Modules,
	})
	if err != nil {
		return entities.ConversationMessage{}, err
	}

	chat, err := s.llm.GenerateChat(ctx, prompt, history)
	if err != nil {
		return entities.ConversationMessage{}, fmt.Errorf("failed to start chat: %w", err)
	}

	response, err := chat.SendMessage(ctx, repositories.ChatMessage{Role: entities.RoleUser, Content: question.Text})
	if err != nil {
		return entities.ConversationMessage{}, fmt.Errorf("failed to send message: %w", err)
	}

	answer := entities.NewConversationMessage(user.Key, entities.RoleModel, response.Content, entities.SourceText, s.now())
	if answer.Timestamp.Equal(question.Timestamp) {
		answer.Timestamp = answer.Timestamp.Add(time.Millisecond)
	}
	if err := answer.Validate(); err != nil {
		return entities.ConversationMessage{}, errors.New("tutor returned an empty reply")
	}

	for _, msg := range []entities.ConversationMessage{question, answer} {
		if err := s.conversation.Append(ctx, &msg); err != nil {
			s.logger.Error("Failed to persist chat message",
				zap.String("userKey", user.Key),
				zap.String("role", string(msg.Role)),
				zap.Error(err))
			s.metrics.PersistenceFailures.Inc()
			continue
		}
		s.metrics.MessagesCommitted.WithLabelValues(string(msg.Role), string(msg.Source)).Inc()
	}

	s.logger.Info("Chat reply generated",
		zap.String("userKey", user.Key),
		zap.Int("history", len(history)),
		zap.String("preview", answer.Preview(50)))

	return answer, nil
}

// History returns the newest limit messages of the user's log
func (s *ChatService) History(ctx context.Context, userKey string, limit int) ([]entities.ConversationMessage, error) {
	if limit <= 0 || limit > 500 {
		limit = s.historyLimit
	}
	return s.conversation.ListByUser(ctx, userKey, limit)
}
