// Package transcript accumulates streaming transcription text per speaker and
// commits finished turns to the conversation log.
package transcript

import (
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/satriahrh/aria/domain/entities"
	"github.com/satriahrh/aria/domain/repositories"
)

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithClock sets the timestamp source for committed messages.
func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) { r.now = now }
}

// WithSource sets the source recorded on committed messages.
func WithSource(source entities.MessageSource) Option {
	return func(r *Reconciler) { r.source = source }
}

// Reconciler holds one open buffer per direction. It is not safe for
// concurrent use; the owning session serializes access.
type Reconciler struct {
	userKey string
	sink    repositories.ConversationSink
	logger  *zap.Logger
	now     func() time.Time
	source  entities.MessageSource

	buffers [2]strings.Builder
}

// New creates a Reconciler committing to sink under userKey.
func New(userKey string, sink repositories.ConversationSink, logger *zap.Logger, opts ...Option) *Reconciler {
	r := &Reconciler{
		userKey: userKey,
		sink:    sink,
		logger:  logger,
		now:     time.Now,
		source:  entities.SourceVoice,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Append adds a delta to the open buffer of dir.
func (r *Reconciler) Append(dir repositories.Direction, text string) {
	buf := r.buffer(dir)
	if buf == nil || text == "" {
		return
	}
	buf.WriteString(text)
}

// Partial returns the uncommitted text of dir.
func (r *Reconciler) Partial(dir repositories.Direction) string {
	buf := r.buffer(dir)
	if buf == nil {
		return ""
	}
	return buf.String()
}

// Pending reports whether any buffer holds text.
func (r *Reconciler) Pending() bool {
	return r.buffers[repositories.DirectionInput].Len() > 0 ||
		r.buffers[repositories.DirectionOutput].Len() > 0
}

// Commit emits the buffer of dir as a finished message and clears it. It
// reports false when the buffer held only whitespace.
func (r *Reconciler) Commit(dir repositories.Direction) (entities.ConversationMessage, bool) {
	return r.commit(dir, false)
}

// CommitInterrupted commits the model output cut short by an interruption,
// marking the text as truncated. Input stays open.
func (r *Reconciler) CommitInterrupted() (entities.ConversationMessage, bool) {
	return r.commit(repositories.DirectionOutput, true)
}

// Flush commits input then output, returning what was emitted.
func (r *Reconciler) Flush() []entities.ConversationMessage {
	var out []entities.ConversationMessage
	for _, dir := range []repositories.Direction{repositories.DirectionInput, repositories.DirectionOutput} {
		if msg, ok := r.Commit(dir); ok {
			out = append(out, msg)
		}
	}
	return out
}

func (r *Reconciler) commit(dir repositories.Direction, interrupted bool) (entities.ConversationMessage, bool) {
	buf := r.buffer(dir)
	if buf == nil {
		return entities.ConversationMessage{}, false
	}
	text := strings.TrimSpace(buf.String())
	if text == "" {
		buf.Reset()
		return entities.ConversationMessage{}, false
	}
	if interrupted {
		text += entities.InterruptedSuffix
	}

	msg := entities.NewConversationMessage(r.userKey, roleOf(dir), text, r.source, r.now())
	msg.Interrupted = interrupted

	// The sink receives the message before the buffer is cleared.
	r.sink.Append(msg)
	buf.Reset()

	r.logger.Debug("Transcript committed",
		zap.String("direction", dir.String()),
		zap.Bool("interrupted", interrupted),
		zap.String("preview", msg.Preview(50)))
	return msg, true
}

func (r *Reconciler) buffer(dir repositories.Direction) *strings.Builder {
	switch dir {
	case repositories.DirectionInput, repositories.DirectionOutput:
		return &r.buffers[dir]
	default:
		return nil
	}
}

func roleOf(dir repositories.Direction) entities.Role {
	if dir == repositories.DirectionInput {
		return entities.RoleUser
	}
	return entities.RoleModel
}
