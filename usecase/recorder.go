package usecase

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/satriahrh/aria/domain/entities"
	"github.com/satriahrh/aria/domain/repositories"
	"github.com/satriahrh/aria/internal/metrics"
)

const (
	defaultRecorderQueue = 256
	appendTimeout        = 5 * time.Second
)

// ConversationRecorder persists committed messages in commit order on a
// single background writer. Failures are logged and counted, never retried.
type ConversationRecorder struct {
	repo    repositories.ConversationRepository
	metrics *metrics.Metrics
	logger  *zap.Logger

	mu     sync.RWMutex
	closed bool
	queue  chan entities.ConversationMessage
	done   chan struct{}
}

// NewConversationRecorder creates a recorder and starts its writer
func NewConversationRecorder(repo repositories.ConversationRepository, queueSize int, m *metrics.Metrics, logger *zap.Logger) *ConversationRecorder {
	if queueSize <= 0 {
		queueSize = defaultRecorderQueue
	}
	if m == nil {
		m = metrics.NewNop()
	}

	r := &ConversationRecorder{
		repo:    repo,
		metrics: m,
		logger:  logger,
		queue:   make(chan entities.ConversationMessage, queueSize),
		done:    make(chan struct{}),
	}
	go r.run()
	return r
}

// Append implements repositories.ConversationSink
func (r *ConversationRecorder) Append(message entities.ConversationMessage) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.closed {
		r.logger.Warn("Recorder closed, dropping message", zap.String("messageID", message.ID))
		r.metrics.PersistenceFailures.Inc()
		return
	}

	select {
	case r.queue <- message:
	default:
		r.logger.Error("Recorder queue full, dropping message",
			zap.String("userKey", message.UserKey),
			zap.String("messageID", message.ID))
		r.metrics.PersistenceFailures.Inc()
	}
}

// Close stops accepting messages and waits for queued ones to be written
func (r *ConversationRecorder) Close(ctx context.Context) error {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.queue)
	}
	r.mu.Unlock()

	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *ConversationRecorder) run() {
	defer close(r.done)

	for message := range r.queue {
		ctx, cancel := context.WithTimeout(context.Background(), appendTimeout)
		err := r.repo.Append(ctx, &message)
		cancel()

		if err != nil {
			r.logger.Error("Failed to persist message",
				zap.String("userKey", message.UserKey),
				zap.String("role", string(message.Role)),
				zap.Error(err))
			r.metrics.PersistenceFailures.Inc()
			continue
		}

		r.logger.Debug("Message persisted",
			zap.String("userKey", message.UserKey),
			zap.String("role", string(message.Role)),
			zap.String("preview", message.Preview(40)))
	}
}

var _ repositories.ConversationSink = (*ConversationRecorder)(nil)
