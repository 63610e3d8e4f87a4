package memory

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/satriahrh/aria/domain/entities"
	"github.com/satriahrh/aria/domain/repositories"
)

// ConversationRepository is an in-memory implementation of repositories.ConversationRepository
type ConversationRepository struct {
	mu       sync.RWMutex
	messages map[string][]entities.ConversationMessage // user_key -> timeline
}

// NewConversationRepository creates a new in-memory conversation repository
func NewConversationRepository() *ConversationRepository {
	return &ConversationRepository{
		messages: make(map[string][]entities.ConversationMessage),
	}
}

// Append implements repositories.ConversationRepository
func (m *ConversationRepository) Append(ctx context.Context, message *entities.ConversationMessage) error {
	if message == nil {
		return errors.New("message cannot be nil")
	}
	if err := message.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	timeline := append(m.messages[message.UserKey], *message)
	// Stable so equal timestamps keep append order
	sort.SliceStable(timeline, func(i, j int) bool {
		return timeline[i].Timestamp.Before(timeline[j].Timestamp)
	})
	m.messages[message.UserKey] = timeline
	return nil
}

// ListByUser implements repositories.ConversationRepository
func (m *ConversationRepository) ListByUser(ctx context.Context, userKey string, limit int) ([]entities.ConversationMessage, error) {
	if userKey == "" {
		return nil, errors.New("user key cannot be empty")
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	timeline := m.messages[userKey]
	if limit > 0 && len(timeline) > limit {
		timeline = timeline[len(timeline)-limit:]
	}

	out := make([]entities.ConversationMessage, len(timeline))
	copy(out, timeline)
	return out, nil
}

var _ repositories.ConversationRepository = (*ConversationRepository)(nil)
