// Package voice runs a realtime voice session: it opens the live transport,
// streams the microphone up, schedules the model's audio for playback and
// turns transcription into conversation messages.
//
// All session state is owned by the goroutine running Session.Run. Transport
// reads, microphone start results, playback completions and caller actions
// are posted to it as events and handled one at a time.
package voice

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/satriahrh/aria/domain/entities"
	"github.com/satriahrh/aria/domain/repositories"
	"github.com/satriahrh/aria/internal/capture"
	"github.com/satriahrh/aria/internal/metrics"
	"github.com/satriahrh/aria/internal/pcm"
	"github.com/satriahrh/aria/internal/playback"
	"github.com/satriahrh/aria/internal/transcript"
)

var (
	// ErrInvalidState is returned by Connect when the session is not idle.
	ErrInvalidState = errors.New("voice: invalid state for operation")

	// ErrSessionClosed is returned once Run has exited, and to a Connect
	// that was abandoned by Disconnect.
	ErrSessionClosed = errors.New("voice: session closed")

	// ErrConnectFailed wraps the transport error of a failed Connect.
	ErrConnectFailed = errors.New("voice: failed to open live session")

	// ErrTransportClosed is reported to the listener when the remote side
	// ends the session.
	ErrTransportClosed = errors.New("voice: live session closed by remote")
)

// Listener observes a session. Callbacks run on the session goroutine and
// must not block.
type Listener interface {
	OnState(state State)
	// OnPartialTranscript carries the whole uncommitted text of a direction;
	// an empty string clears it.
	OnPartialTranscript(dir repositories.Direction, text string)
	OnMessage(msg entities.ConversationMessage)
	OnError(err error)
}

type nopListener struct{}

func (nopListener) OnState(State)                                     {}
func (nopListener) OnPartialTranscript(repositories.Direction, string) {}
func (nopListener) OnMessage(entities.ConversationMessage)             {}
func (nopListener) OnError(error)                                      {}

type nopSink struct{}

func (nopSink) Append(entities.ConversationMessage) {}

// Config is the per-session configuration.
type Config struct {
	UserKey          string
	Live             repositories.LiveConfig
	Capture          capture.Config
	OutputSampleRate int
	// Transcription configures Deps.Transcriber, when set.
	Transcription repositories.AudioConfig
	OutboxSize    int
}

// Deps are the collaborators of a session. Transcriber, Listener and
// Metrics are optional.
type Deps struct {
	Transport   repositories.LiveTransport
	Microphone  repositories.Microphone
	Output      playback.Output
	Sink        repositories.ConversationSink
	Transcriber repositories.SpeechToText
	Listener    Listener
	Metrics     *metrics.Metrics
}

// Snapshot is a consistent view of a session taken on its goroutine.
type Snapshot struct {
	State          State
	MicEnabled     bool
	CaptureRunning bool
	FramesSent     uint64
	FramesDropped  uint64
	Cursor         time.Duration
	Pending        []playback.Span
	PartialInput   string
	PartialOutput  string
}

// Session is one student's live voice conversation.
type Session struct {
	cfg      Config
	deps     Deps
	listener Listener
	metrics  *metrics.Metrics
	logger   *zap.Logger

	events  chan event
	quit    chan struct{}
	dialers sync.WaitGroup
	current atomic.Int32

	// Owned by the Run goroutine.
	state          State
	gen            uint64
	micEnabled     bool
	cancel         context.CancelFunc
	pendingConnect chan error
	conn           repositories.LiveConnection
	out            *outbox
	stt            *inputTranscriber
	scheduler      *playback.Scheduler
	pipeline       *capture.Pipeline
	reconciler     *transcript.Reconciler
}

// NewSession creates an idle session. Nothing happens until Run is started.
func NewSession(cfg Config, deps Deps, logger *zap.Logger) *Session {
	if cfg.OutputSampleRate <= 0 {
		cfg.OutputSampleRate = pcm.OutputSampleRate
	}
	listener := deps.Listener
	if listener == nil {
		listener = nopListener{}
	}
	if deps.Sink == nil {
		deps.Sink = nopSink{}
	}
	m := deps.Metrics
	if m == nil {
		m = metrics.NewNop()
	}
	return &Session{
		cfg:        cfg,
		deps:       deps,
		listener:   listener,
		metrics:    m,
		logger:     logger.With(zap.String("userKey", cfg.UserKey)),
		events:     make(chan event, 256),
		quit:       make(chan struct{}),
		micEnabled: true,
	}
}

// Run processes events until ctx is done, then tears the session down.
func (s *Session) Run(ctx context.Context) {
	defer s.drain()
	for {
		select {
		case <-ctx.Done():
			s.teardown(nil)
			return
		case ev := <-s.events:
			s.handle(ev)
		}
	}
}

// drain releases anything still queued after Run stops.
func (s *Session) drain() {
	close(s.quit)
	s.dialers.Wait()
	for {
		select {
		case ev := <-s.events:
			switch ev := ev.(type) {
			case dialedEvent:
				ev.release()
			case connectCmd:
				ev.reply <- ErrSessionClosed
			case syncCmd:
				close(ev.done)
			case snapshotCmd:
				close(ev.reply)
			}
		default:
			return
		}
	}
}

// State returns the current state. It may lag the session goroutine by one
// event.
func (s *Session) State() State {
	return State(s.current.Load())
}

// Connect opens the live transport and starts the microphone. It blocks
// until the transport is open or has failed. A Disconnect issued meanwhile
// makes it return ErrSessionClosed.
func (s *Session) Connect(ctx context.Context) error {
	reply := make(chan error, 1)
	if err := s.post(connectCmd{ctx: ctx, reply: reply}); err != nil {
		return err
	}
	select {
	case err := <-reply:
		return err
	case <-s.quit:
		return ErrSessionClosed
	}
}

// Disconnect flushes pending transcript text and tears the session down. It
// is a no-op on an idle session and safe to call repeatedly.
func (s *Session) Disconnect() error {
	err := s.call(func() { s.teardown(nil) })
	if errors.Is(err, ErrSessionClosed) {
		// Run already tore everything down.
		return nil
	}
	return err
}

// Interrupt cuts the model off: playback stops and the partial answer is
// committed. Outside of speaking it only clears stray scheduled audio.
func (s *Session) Interrupt() error {
	return s.call(func() {
		if s.state == StateSpeaking {
			s.interrupt("local")
			return
		}
		if s.scheduler != nil {
			s.scheduler.Interrupt()
		}
	})
}

// SetMicEnabled mutes or unmutes the microphone without releasing it.
func (s *Session) SetMicEnabled(enabled bool) error {
	return s.call(func() {
		s.micEnabled = enabled
		if s.pipeline != nil {
			s.pipeline.SetEnabled(enabled)
		}
		s.logger.Debug("Microphone toggled", zap.Bool("enabled", enabled))
	})
}

// Snapshot returns the session state as seen by its goroutine.
func (s *Session) Snapshot() (Snapshot, error) {
	reply := make(chan Snapshot, 1)
	if err := s.post(snapshotCmd{reply: reply}); err != nil {
		return Snapshot{}, err
	}
	select {
	case snap, ok := <-reply:
		if !ok {
			return Snapshot{}, ErrSessionClosed
		}
		return snap, nil
	case <-s.quit:
		return Snapshot{}, ErrSessionClosed
	}
}

func (s *Session) call(fn func()) error {
	done := make(chan struct{})
	if err := s.post(syncCmd{fn: fn, done: done}); err != nil {
		return err
	}
	select {
	case <-done:
		return nil
	case <-s.quit:
		return ErrSessionClosed
	}
}

// notify posts ev unless the queue is full or the session is gone.
func (s *Session) notify(ev event) {
	select {
	case s.events <- ev:
	case <-s.quit:
	default:
	}
}

func (s *Session) post(ev event) error {
	select {
	case <-s.quit:
		return ErrSessionClosed
	default:
	}
	select {
	case s.events <- ev:
		return nil
	case <-s.quit:
		return ErrSessionClosed
	}
}

func (s *Session) handle(ev event) {
	switch ev := ev.(type) {
	case connectCmd:
		s.connect(ev)
	case syncCmd:
		ev.fn()
		close(ev.done)
	case snapshotCmd:
		ev.reply <- s.snapshot()
	case dialedEvent:
		s.dialed(ev)
	case liveEvent:
		if ev.gen != s.gen || !s.state.Active() {
			return
		}
		for _, le := range ev.events {
			s.handleLive(le)
		}
	case transportClosedEvent:
		if ev.gen != s.gen || !s.state.Active() {
			return
		}
		s.transportClosed(ev.err)
	case micStartedEvent:
		if ev.gen != s.gen {
			return
		}
		s.micStarted(ev.err)
	case transcriptReadyEvent:
		if ev.gen != s.gen || !s.state.Active() {
			return
		}
		s.applyTranscribed()
	case playbackEvent:
		if ev.gen != s.gen {
			return
		}
		ev.fn()
	default:
		s.logger.Warn("Unknown session event", zap.String("type", fmt.Sprintf("%T", ev)))
	}
}

func (s *Session) connect(cmd connectCmd) {
	if s.state != StateIdle {
		cmd.reply <- ErrInvalidState
		return
	}

	s.gen++
	gen := s.gen
	ctx, cancel := context.WithCancel(cmd.ctx)
	s.cancel = cancel
	s.pendingConnect = cmd.reply
	s.setState(StateConnecting)

	s.logger.Info("Opening live session", zap.String("model", s.cfg.Live.Model), zap.String("voice", s.cfg.Live.Voice))

	s.dialers.Add(1)
	go func() {
		defer s.dialers.Done()
		ev := dialedEvent{gen: gen, ctx: ctx}
		ev.conn, ev.err = s.deps.Transport.Open(ctx, s.cfg.Live)
		if ev.err == nil && ctx.Err() != nil {
			ev.conn.Close()
			ev.conn, ev.err = nil, ctx.Err()
		}
		if ev.err == nil && s.deps.Transcriber != nil {
			tr := &inputTranscriber{logger: s.logger}
			stream, err := s.deps.Transcriber.InitTranscribeStreaming(ctx, s.cfg.Transcription, func(text string) {
				tr.add(text)
				s.notify(transcriptReadyEvent{gen: gen})
			})
			if err != nil {
				ev.sttErr = err
			} else {
				tr.stream = stream
				ev.stt = tr
			}
		}
		if s.post(ev) != nil {
			ev.release()
		}
	}()
}

func (s *Session) dialed(ev dialedEvent) {
	if ev.gen != s.gen || s.state != StateConnecting {
		ev.release()
		return
	}

	if ev.err != nil {
		s.metrics.ConnectFailures.Inc()
		s.logger.Error("Failed to open live session", zap.Error(ev.err))
		s.cancel()
		s.cancel = nil
		s.setState(StateIdle)
		s.resolveConnect(fmt.Errorf("%w: %v", ErrConnectFailed, ev.err))
		return
	}

	gen := ev.gen
	s.conn = ev.conn
	s.reconciler = transcript.New(s.cfg.UserKey, committer{s}, s.logger)
	s.scheduler = playback.NewScheduler(s.deps.Output, s.cfg.OutputSampleRate, 1, s.logger,
		playback.WithDispatcher(func(fn func()) {
			s.post(playbackEvent{gen: gen, fn: fn})
		}),
		playback.WithIdleHandler(s.playbackIdle),
	)
	if ev.sttErr != nil {
		s.logger.Warn("Input transcriber unavailable", zap.Error(ev.sttErr))
		s.listener.OnError(fmt.Errorf("input transcription unavailable: %w", ev.sttErr))
	}
	s.stt = ev.stt
	s.out = newOutbox(ev.conn, ev.stt, s.cfg.OutboxSize, s.metrics, s.logger)
	go s.out.run()
	go s.read(gen, ev.conn)

	s.metrics.Connects.Inc()
	s.metrics.ActiveSessions.Inc()
	s.setState(StateListening)
	s.resolveConnect(nil)
	s.logger.Info("Live session open")

	out := s.out
	s.pipeline = capture.NewPipeline(s.deps.Microphone, s.cfg.Capture, out.enqueue, s.logger)
	s.pipeline.SetEnabled(s.micEnabled)
	pipeline := s.pipeline
	go func() {
		err := pipeline.Start(ev.ctx)
		s.post(micStartedEvent{gen: gen, err: err})
	}()
}

func (s *Session) read(gen uint64, conn repositories.LiveConnection) {
	for {
		events, err := conn.Receive()
		if err != nil {
			s.post(transportClosedEvent{gen: gen, err: err})
			return
		}
		if len(events) == 0 {
			continue
		}
		if s.post(liveEvent{gen: gen, events: events}) != nil {
			return
		}
	}
}

func (s *Session) handleLive(ev repositories.LiveEvent) {
	switch ev := ev.(type) {
	case repositories.AudioChunk:
		s.playChunk(ev)
	case repositories.Interrupted:
		s.interrupt("remote")
	case repositories.TranscriptionDelta:
		s.appendTranscript(ev.Direction, ev.Text)
	case repositories.TurnComplete:
		s.turnComplete()
	}
}

func (s *Session) playChunk(chunk repositories.AudioChunk) {
	rate := pcm.SampleRateFromMIME(chunk.MIMEType, s.cfg.OutputSampleRate)
	samples, err := pcm.DecodeFrame(chunk.Data, rate, 1)
	if err != nil {
		s.metrics.ChunksDropped.Inc()
		s.logger.Warn("Dropping undecodable audio chunk", zap.Int("bytes", len(chunk.Data)), zap.Error(err))
		return
	}

	scheduled, err := s.scheduler.ScheduleBuffer(playback.Buffer{
		Samples:    samples,
		PCM:        chunk.Data,
		SampleRate: rate,
		Channels:   1,
	})
	if err != nil {
		s.metrics.ChunksDropped.Inc()
		s.logger.Warn("Failed to schedule audio chunk", zap.Error(err))
		return
	}
	s.metrics.ChunksScheduled.Inc()
	s.metrics.ScheduledAudio.Observe(scheduled.Duration.Seconds())

	if s.state == StateListening {
		s.setState(StateSpeaking)
	}
}

func (s *Session) interrupt(origin string) {
	discarded := s.scheduler.Interrupt()
	s.reconciler.CommitInterrupted()
	s.listener.OnPartialTranscript(repositories.DirectionOutput, "")
	s.metrics.Interruptions.Inc()
	s.logger.Info("Playback interrupted", zap.String("origin", origin), zap.Int("discarded", discarded))
	s.setState(StateListening)
}

// applyTranscribed moves the input transcriber's finished segments into the
// input buffer.
func (s *Session) applyTranscribed() {
	if s.stt == nil {
		return
	}
	for _, text := range s.stt.take() {
		s.appendTranscript(repositories.DirectionInput, text)
	}
}

func (s *Session) appendTranscript(dir repositories.Direction, text string) {
	s.reconciler.Append(dir, text)
	s.listener.OnPartialTranscript(dir, s.reconciler.Partial(dir))
}

// turnComplete commits both directions. The state returns to listening once
// the last scheduled chunk has played.
func (s *Session) turnComplete() {
	s.flushTranscript()
	if s.scheduler.Idle() {
		s.setState(StateListening)
	}
}

func (s *Session) playbackIdle() {
	if s.state == StateSpeaking {
		s.setState(StateListening)
	}
}

func (s *Session) flushTranscript() {
	if s.reconciler == nil {
		return
	}
	for _, msg := range s.reconciler.Flush() {
		if msg.Role == entities.RoleUser {
			s.listener.OnPartialTranscript(repositories.DirectionInput, "")
		} else {
			s.listener.OnPartialTranscript(repositories.DirectionOutput, "")
		}
	}
}

func (s *Session) transportClosed(err error) {
	s.metrics.TransportErrors.Inc()
	s.logger.Warn("Live session ended by transport", zap.Error(err))
	s.teardown(fmt.Errorf("%w: %v", ErrTransportClosed, err))
}

func (s *Session) micStarted(err error) {
	switch {
	case err == nil:
		s.logger.Debug("Capture running")
	case errors.Is(err, context.Canceled):
	default:
		s.logger.Warn("Microphone unavailable, continuing without input", zap.Error(err))
		s.listener.OnError(err)
	}
}

// teardown flushes pending text, stops capture, discards playback and closes
// the transport, in that order. cause, when set, is reported to the
// listener.
func (s *Session) teardown(cause error) {
	if s.state == StateIdle {
		return
	}
	wasActive := s.state.Active()

	// The recognizer's last segments arrive while it is being ended, so stop
	// feeding it and collect them before flushing.
	if s.stt != nil {
		if s.pipeline != nil {
			s.pipeline.Stop()
			s.pipeline = nil
		}
		if s.out != nil {
			s.out.close()
			<-s.out.done
		}
		s.stt.end()
		s.applyTranscribed()
		s.stt = nil
	}

	s.flushTranscript()

	if s.pipeline != nil {
		s.pipeline.Stop()
		s.pipeline = nil
	}
	if s.scheduler != nil {
		s.scheduler.Close()
		s.scheduler = nil
	}
	if s.out != nil {
		s.out.close()
	}
	if s.conn != nil {
		if err := s.conn.Close(); err != nil {
			s.logger.Debug("Failed to close live session", zap.Error(err))
		}
		s.conn = nil
	}
	if s.out != nil {
		// A Send in flight fails once the transport is closed.
		<-s.out.done
		s.out = nil
	}
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	s.resolveConnect(ErrSessionClosed)
	s.reconciler = nil

	// Late transport reads, completions and mic results become stale.
	s.gen++
	if wasActive {
		s.metrics.ActiveSessions.Dec()
	}
	s.setState(StateIdle)

	if cause != nil {
		s.listener.OnError(cause)
	}
	s.logger.Info("Voice session closed")
}

func (s *Session) resolveConnect(err error) {
	if s.pendingConnect == nil {
		return
	}
	s.pendingConnect <- err
	s.pendingConnect = nil
}

func (s *Session) setState(state State) {
	if s.state == state {
		return
	}
	s.logger.Debug("Session state changed", zap.Stringer("from", s.state), zap.Stringer("to", state))
	s.state = state
	s.current.Store(int32(state))
	s.listener.OnState(state)
}

func (s *Session) snapshot() Snapshot {
	snap := Snapshot{State: s.state, MicEnabled: s.micEnabled}
	if s.pipeline != nil {
		snap.CaptureRunning = s.pipeline.IsRunning()
		snap.FramesSent = s.pipeline.FramesSent()
		snap.FramesDropped = s.pipeline.FramesDropped()
	}
	if s.scheduler != nil {
		snap.Cursor = s.scheduler.Cursor()
		snap.Pending = s.scheduler.Pending()
	}
	if s.reconciler != nil {
		snap.PartialInput = s.reconciler.Partial(repositories.DirectionInput)
		snap.PartialOutput = s.reconciler.Partial(repositories.DirectionOutput)
	}
	return snap
}

// committer forwards committed messages to the sink and the listener.
type committer struct{ s *Session }

func (c committer) Append(msg entities.ConversationMessage) {
	c.s.deps.Sink.Append(msg)
	c.s.metrics.MessagesCommitted.WithLabelValues(string(msg.Role), string(msg.Source)).Inc()
	c.s.listener.OnMessage(msg)
}
