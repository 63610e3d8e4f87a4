package voice

import (
	"sync"

	"go.uber.org/zap"

	"github.com/satriahrh/aria/domain/repositories"
)

// inputTranscriber holds the finalized segments of one recognition stream
// until the session goroutine applies them. Segments that arrive while the
// stream is being ended are still there for teardown to pick up.
type inputTranscriber struct {
	stream repositories.SpeechToTextStreaming
	logger *zap.Logger

	mu      sync.Mutex
	pending []string

	endOnce sync.Once
}

func (t *inputTranscriber) add(text string) {
	t.mu.Lock()
	t.pending = append(t.pending, text)
	t.mu.Unlock()
}

// take returns and clears the segments received so far.
func (t *inputTranscriber) take() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := t.pending
	t.pending = nil
	return out
}

func (t *inputTranscriber) send(pcm []byte) error {
	return t.stream.Stream(pcm)
}

// end closes the stream and waits for its last results.
func (t *inputTranscriber) end() {
	t.endOnce.Do(func() {
		if err := t.stream.End(); err != nil {
			t.logger.Debug("Transcriber ended with error", zap.Error(err))
		}
	})
}
