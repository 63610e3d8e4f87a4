package websocket

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/satriahrh/aria/domain/entities"
	"github.com/satriahrh/aria/domain/repositories"
	"github.com/satriahrh/aria/internal/capture"
	"github.com/satriahrh/aria/internal/pcm"
	"github.com/satriahrh/aria/internal/playback"
	"github.com/satriahrh/aria/internal/voice"
)

// micBacklog is how many sample blocks may wait for the capture pipeline
// before new ones are dropped.
const micBacklog = 32

var (
	errMicBusy   = errors.New("microphone request already pending")
	errMicClosed = errors.New("connection closed")
)

// sender is the part of Client the device adapters need
type sender interface {
	sendJSON(v interface{}) bool
}

// clientMicrophone is the remote device's microphone. Opening it asks the
// device for a stream; binary frames from the device feed the stream.
type clientMicrophone struct {
	out    sender
	logger *zap.Logger

	mu      sync.Mutex
	pending chan error
	stream  *clientStream
	closed  bool
	dropped uint64
}

func newClientMicrophone(out sender, logger *zap.Logger) *clientMicrophone {
	return &clientMicrophone{out: out, logger: logger}
}

// Open implements repositories.Microphone
func (m *clientMicrophone) Open(ctx context.Context, config repositories.CaptureConfig) (repositories.MicStream, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, errMicClosed
	}
	if m.pending != nil {
		m.mu.Unlock()
		return nil, errMicBusy
	}
	reply := make(chan error, 1)
	m.pending = reply
	m.mu.Unlock()

	m.out.sendJSON(CreateMicRequestMessage(config))

	select {
	case err := <-reply:
		if err != nil {
			return nil, err
		}
	case <-ctx.Done():
		m.mu.Lock()
		if m.pending == reply {
			m.pending = nil
		}
		m.mu.Unlock()
		return nil, ctx.Err()
	}

	stream := &clientStream{mic: m, samples: make(chan []float32, micBacklog)}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, errMicClosed
	}
	if m.stream != nil {
		m.stream.closeLocked()
	}
	m.stream = stream
	m.mu.Unlock()
	return stream, nil
}

// resolve answers a pending Open. It reports whether one was waiting.
func (m *clientMicrophone) resolve(err error) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pending == nil {
		return false
	}
	m.pending <- err
	m.pending = nil
	return true
}

// push hands a block of device samples to the open stream, if any.
func (m *clientMicrophone) push(samples []float32) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stream == nil {
		return false
	}
	select {
	case m.stream.samples <- samples:
		return true
	default:
		m.dropped++
		if m.dropped%100 == 1 {
			m.logger.Warn("Microphone backlog full, dropping samples", zap.Uint64("dropped", m.dropped))
		}
		return false
	}
}

// close ends any stream and fails any pending Open. The device is gone.
func (m *clientMicrophone) close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	if m.pending != nil {
		m.pending <- errMicClosed
		m.pending = nil
	}
	if m.stream != nil {
		m.stream.closeLocked()
		m.stream = nil
	}
}

type clientStream struct {
	mic     *clientMicrophone
	samples chan []float32
	once    sync.Once
}

func (s *clientStream) Samples() <-chan []float32 { return s.samples }

// Close releases the stream and tells the device to stop capturing.
func (s *clientStream) Close() error {
	s.mic.mu.Lock()
	if s.mic.stream == s {
		s.mic.stream = nil
	}
	s.closeLocked()
	closed := s.mic.closed
	s.mic.mu.Unlock()

	if !closed {
		s.mic.out.sendJSON(CreateSignalMessage(MessageTypeMicStop))
	}
	return nil
}

// closeLocked must be called with mic.mu held.
func (s *clientStream) closeLocked() {
	s.once.Do(func() { close(s.samples) })
}

// clientOutput is the playback.Sink of a remote device: released buffers are
// sent as audio messages, cancellation as playback_stop.
type clientOutput struct {
	out sender
}

func (o clientOutput) Release(buf playback.Buffer, at time.Duration) {
	o.out.sendJSON(&AudioMessage{
		BaseMessage: newBase(MessageTypeAudio),
		Data:        pcm.BytesToText(buf.PCM),
		SampleRate:  buf.SampleRate,
		StartMS:     at.Milliseconds(),
		DurationMS:  buf.Duration().Milliseconds(),
	})
}

func (o clientOutput) Cancel() {
	o.out.sendJSON(CreateSignalMessage(MessageTypePlaybackStop))
}

// clientListener forwards session events to the device
type clientListener struct {
	out    sender
	logger *zap.Logger
}

func (l clientListener) OnState(state voice.State) {
	l.out.sendJSON(CreateStatusMessage(state.String()))
}

func (l clientListener) OnPartialTranscript(dir repositories.Direction, text string) {
	l.out.sendJSON(CreateTranscriptPartialMessage(dir, text))
}

func (l clientListener) OnMessage(msg entities.ConversationMessage) {
	l.out.sendJSON(CreateConversationMessage(msg))
}

func (l clientListener) OnError(err error) {
	code := "session_error"
	switch {
	case errors.Is(err, voice.ErrTransportClosed):
		code = "transport_closed"
	case errors.Is(err, capture.ErrMicUnavailable):
		code = "mic_unavailable"
	}
	l.logger.Warn("Voice session error", zap.String("code", code), zap.Error(err))
	l.out.sendJSON(CreateErrorMessage(code, err.Error(), ""))
}
