// Package memory holds in-process repositories for development and tests.
package memory

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/satriahrh/aria/domain/entities"
	"github.com/satriahrh/aria/domain/repositories"
)

// UserRepository is an in-memory implementation of repositories.UserRepository
type UserRepository struct {
	mu      sync.RWMutex
	users   map[string]*entities.User // key -> user
	byEmail map[string]string         // email -> key
}

// NewUserRepository creates a new in-memory user repository
func NewUserRepository() *UserRepository {
	return &UserRepository{
		users:   make(map[string]*entities.User),
		byEmail: make(map[string]string),
	}
}

// Upsert implements repositories.UserRepository
func (m *UserRepository) Upsert(ctx context.Context, user *entities.User) error {
	if user == nil {
		return errors.New("user cannot be nil")
	}
	if err := user.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	key, exists := m.byEmail[user.Email]
	if !exists {
		stored := &entities.User{
			Key:       uuid.NewString(),
			Email:     user.Email,
			Name:      user.Name,
			CreatedAt: now,
			UpdatedAt: now,
		}
		m.users[stored.Key] = stored
		m.byEmail[stored.Email] = stored.Key
		*user = *stored
		return nil
	}

	stored := m.users[key]
	if user.Name != "" {
		stored.Name = user.Name
	}
	stored.UpdatedAt = now
	*user = *stored
	return nil
}

// GetByKey implements repositories.UserRepository
func (m *UserRepository) GetByKey(ctx context.Context, key string) (*entities.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	user, exists := m.users[key]
	if !exists {
		return nil, repositories.ErrNotFound
	}

	// Return a copy to prevent external modifications
	userCopy := *user
	return &userCopy, nil
}

var _ repositories.UserRepository = (*UserRepository)(nil)
