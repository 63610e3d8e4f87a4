// Package playback schedules decoded model audio for gapless, ordered output.
//
// A Scheduler is confined to a single goroutine. Completion callbacks coming
// from the Output are handed to the dispatcher supplied at construction so the
// owner can serialize them with the rest of its work.
package playback

import (
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/satriahrh/aria/internal/pcm"
)

// ErrClosed is returned when scheduling on a scheduler that has been closed.
var ErrClosed = errors.New("playback: scheduler closed")

// Buffer is one decoded chunk of audio ready for output.
type Buffer struct {
	Samples    []float32
	PCM        []byte
	SampleRate int
	Channels   int
}

// Duration returns the play time of the buffer.
func (b Buffer) Duration() time.Duration {
	return pcm.Duration(len(b.Samples), b.SampleRate, b.Channels)
}

// Handle controls one chunk handed to an Output.
type Handle interface {
	// Stop cancels the chunk. onEnded is not invoked for a stopped chunk.
	Stop()
}

// Output is the audio destination together with its clock. Times are offsets
// on the output clock.
type Output interface {
	Now() time.Duration
	Start(buf Buffer, at time.Duration, onEnded func()) Handle
}

// Span is a scheduled interval on the output clock.
type Span struct {
	Start    time.Duration
	Duration time.Duration
}

// End returns the instant the span finishes.
func (s Span) End() time.Duration { return s.Start + s.Duration }

// Chunk is a buffer together with its place on the output timeline.
type Chunk struct {
	ID uint64
	Span
	Buffer Buffer
}

type entry struct {
	chunk  Chunk
	handle Handle
}

// Option customizes a Scheduler.
type Option func(*Scheduler)

// WithDispatcher routes output completion callbacks through fn. The default
// runs them inline.
func WithDispatcher(fn func(func())) Option {
	return func(s *Scheduler) { s.dispatch = fn }
}

// WithIdleHandler registers fn to run when the last pending chunk finishes.
func WithIdleHandler(fn func()) Option {
	return func(s *Scheduler) { s.onIdle = fn }
}

// Scheduler places chunks back to back on the output clock in arrival order.
type Scheduler struct {
	output     Output
	sampleRate int
	channels   int
	dispatch   func(func())
	onIdle     func()
	logger     *zap.Logger

	cursor  time.Duration
	pending []*entry
	nextID  uint64
	closed  bool
}

// NewScheduler creates a scheduler for PCM at the given format.
func NewScheduler(output Output, sampleRate, channels int, logger *zap.Logger, opts ...Option) *Scheduler {
	s := &Scheduler{
		output:     output,
		sampleRate: sampleRate,
		channels:   channels,
		dispatch:   func(fn func()) { fn() },
		onIdle:     func() {},
		logger:     logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Schedule decodes 16-bit PCM and queues it right after the previous chunk.
// A chunk that fails to decode is not scheduled and leaves the cursor alone.
func (s *Scheduler) Schedule(data []byte) (Chunk, error) {
	if s.closed {
		return Chunk{}, ErrClosed
	}

	samples, err := pcm.DecodeFrame(data, s.sampleRate, s.channels)
	if err != nil {
		return Chunk{}, err
	}

	return s.ScheduleBuffer(Buffer{
		Samples:    samples,
		PCM:        data,
		SampleRate: s.sampleRate,
		Channels:   s.channels,
	})
}

// ScheduleBuffer queues an already decoded buffer.
func (s *Scheduler) ScheduleBuffer(buf Buffer) (Chunk, error) {
	if s.closed {
		return Chunk{}, ErrClosed
	}

	// Snap forward after an underrun so playback never starts in the past.
	if now := s.output.Now(); s.cursor < now {
		s.cursor = now
	}

	s.nextID++
	e := &entry{chunk: Chunk{
		ID:     s.nextID,
		Span:   Span{Start: s.cursor, Duration: buf.Duration()},
		Buffer: buf,
	}}
	s.pending = append(s.pending, e)
	s.cursor = e.chunk.End()

	e.handle = s.output.Start(buf, e.chunk.Start, func() {
		s.dispatch(func() { s.complete(e) })
	})

	s.logger.Debug("Scheduled playback chunk",
		zap.Uint64("chunkID", e.chunk.ID),
		zap.Duration("start", e.chunk.Start),
		zap.Duration("duration", e.chunk.Duration),
		zap.Int("pending", len(s.pending)))

	return e.chunk, nil
}

// complete retires a finished chunk. Chunks discarded by Interrupt are
// ignored.
func (s *Scheduler) complete(e *entry) {
	idx := -1
	for i, p := range s.pending {
		if p == e {
			idx = i
			break
		}
	}
	if idx < 0 {
		return
	}

	s.pending = append(s.pending[:idx], s.pending[idx+1:]...)
	if len(s.pending) == 0 {
		s.logger.Debug("Playback idle", zap.Duration("cursor", s.cursor))
		s.onIdle()
	}
}

// Interrupt stops every pending chunk, discards them and rewinds the cursor
// to zero. It returns the number of chunks discarded.
func (s *Scheduler) Interrupt() int {
	n := len(s.pending)
	// Newest first, so no later chunk can be released once an earlier one
	// has been cancelled at the output.
	for i := n - 1; i >= 0; i-- {
		if h := s.pending[i].handle; h != nil {
			h.Stop()
		}
	}
	s.pending = nil
	s.cursor = 0

	if n > 0 {
		s.logger.Debug("Playback interrupted", zap.Int("discarded", n))
	}
	return n
}

// Close interrupts playback and rejects further scheduling.
func (s *Scheduler) Close() {
	s.Interrupt()
	s.closed = true
}

// Cursor returns the output time at which the next chunk would start.
func (s *Scheduler) Cursor() time.Duration { return s.cursor }

// Idle reports whether no chunk is pending.
func (s *Scheduler) Idle() bool { return len(s.pending) == 0 }

// Pending returns the spans of chunks not yet finished, in play order.
func (s *Scheduler) Pending() []Span {
	spans := make([]Span, len(s.pending))
	for i, e := range s.pending {
		spans[i] = e.chunk.Span
	}
	return spans
}
