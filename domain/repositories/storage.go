package repositories

import (
	"context"
	"errors"

	"github.com/satriahrh/aria/domain/entities"
)

// ErrNotFound is returned when a record does not exist
var ErrNotFound = errors.New("not found")

// UserRepository defines data access methods for users
type UserRepository interface {
	// Upsert creates the user or refreshes its name, keyed by email. The
	// stored user, with its key, is written back into user.
	Upsert(ctx context.Context, user *entities.User) error
	GetByKey(ctx context.Context, key string) (*entities.User, error)
}

// ConversationRepository is the append-only conversation log, keyed per user
type ConversationRepository interface {
	Append(ctx context.Context, message *entities.ConversationMessage) error
	// ListByUser returns the newest limit messages in chronological order.
	ListByUser(ctx context.Context, userKey string, limit int) ([]entities.ConversationMessage, error)
}

// ConversationSink receives committed messages. Append must not block on
// durable storage; failures are the sink's concern.
type ConversationSink interface {
	Append(message entities.ConversationMessage)
}
