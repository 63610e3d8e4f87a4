package voice

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap/zaptest"

	"github.com/satriahrh/aria/domain/entities"
	"github.com/satriahrh/aria/domain/repositories"
	"github.com/satriahrh/aria/internal/capture"
	"github.com/satriahrh/aria/internal/metrics"
	"github.com/satriahrh/aria/internal/playback"
)

// --- fakes ---

type fakeConn struct {
	inbound   chan []repositories.LiveEvent
	errs      chan error
	closed    chan struct{}
	closeOnce sync.Once

	mu   sync.Mutex
	sent []repositories.AudioFrame
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		inbound: make(chan []repositories.LiveEvent, 16),
		errs:    make(chan error, 1),
		closed:  make(chan struct{}),
	}
}

func (c *fakeConn) Send(frame repositories.AudioFrame) error {
	select {
	case <-c.closed:
		return errors.New("connection closed")
	default:
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, frame)
	return nil
}

func (c *fakeConn) Receive() ([]repositories.LiveEvent, error) {
	select {
	case evs := <-c.inbound:
		return evs, nil
	case err := <-c.errs:
		return nil, err
	case <-c.closed:
		return nil, io.EOF
	}
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *fakeConn) sentCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

func (c *fakeConn) push(events ...repositories.LiveEvent) {
	c.inbound <- events
}

type fakeTransport struct {
	mu      sync.Mutex
	conns   []*fakeConn
	errs    []error // consumed per Open before conns
	block   bool    // wait for ctx instead of answering
	opened  chan struct{}
	configs []repositories.LiveConfig
}

func (t *fakeTransport) Open(ctx context.Context, config repositories.LiveConfig) (repositories.LiveConnection, error) {
	t.mu.Lock()
	t.configs = append(t.configs, config)
	block := t.block
	opened := t.opened
	var err error
	if len(t.errs) > 0 {
		err, t.errs = t.errs[0], t.errs[1:]
	}
	t.mu.Unlock()

	if opened != nil {
		close(opened)
	}
	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if err != nil {
		return nil, err
	}

	conn := newFakeConn()
	t.mu.Lock()
	t.conns = append(t.conns, conn)
	t.mu.Unlock()
	return conn, nil
}

func (t *fakeTransport) lastConn() *fakeConn {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conns[len(t.conns)-1]
}

func (t *fakeTransport) config(i int) repositories.LiveConfig {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.configs[i]
}

type fakeHandle struct {
	at      time.Duration
	dur     time.Duration
	onEnded func()
	stopped atomic.Bool
}

func (h *fakeHandle) Stop() { h.stopped.Store(true) }

type fakeOutput struct {
	mu     sync.Mutex
	now    time.Duration
	starts []*fakeHandle
}

func (o *fakeOutput) Now() time.Duration {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.now
}

func (o *fakeOutput) Start(buf playback.Buffer, at time.Duration, onEnded func()) playback.Handle {
	o.mu.Lock()
	defer o.mu.Unlock()
	h := &fakeHandle{at: at, dur: buf.Duration(), onEnded: onEnded}
	o.starts = append(o.starts, h)
	return h
}

func (o *fakeOutput) handle(i int) *fakeHandle {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.starts[i]
}

func (o *fakeOutput) count() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.starts)
}

type fakeStream struct {
	samples chan []float32
	closed  chan struct{}
	once    sync.Once
}

func (s *fakeStream) Samples() <-chan []float32 { return s.samples }

func (s *fakeStream) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

func (s *fakeStream) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

type fakeMic struct {
	err    error
	stream *fakeStream
}

func newFakeMic() *fakeMic {
	return &fakeMic{stream: &fakeStream{samples: make(chan []float32, 16), closed: make(chan struct{})}}
}

func (m *fakeMic) Open(ctx context.Context, config repositories.CaptureConfig) (repositories.MicStream, error) {
	if m.err != nil {
		return nil, m.err
	}
	return m.stream, nil
}

type recordingSink struct {
	mu       sync.Mutex
	messages []entities.ConversationMessage
}

func (s *recordingSink) Append(msg entities.ConversationMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, msg)
}

func (s *recordingSink) all() []entities.ConversationMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]entities.ConversationMessage(nil), s.messages...)
}

type recordingListener struct {
	mu       sync.Mutex
	states   []State
	errs     []error
	messages int
	partials map[repositories.Direction]string
}

func newRecordingListener() *recordingListener {
	return &recordingListener{partials: map[repositories.Direction]string{}}
}

func (l *recordingListener) OnState(state State) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.states = append(l.states, state)
}

func (l *recordingListener) OnPartialTranscript(dir repositories.Direction, text string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.partials[dir] = text
}

func (l *recordingListener) OnMessage(entities.ConversationMessage) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.messages++
}

func (l *recordingListener) OnError(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.errs = append(l.errs, err)
}

func (l *recordingListener) errors() []error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]error(nil), l.errs...)
}

func (l *recordingListener) partial(dir repositories.Direction) string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.partials[dir]
}

// --- harness ---

type harness struct {
	t         *testing.T
	session   *Session
	transport *fakeTransport
	output    *fakeOutput
	mic       *fakeMic
	sink      *recordingSink
	listener  *recordingListener
	metrics   *metrics.Metrics
	stt       repositories.SpeechToText
	cancel    context.CancelFunc
	done      chan struct{}
}

func newHarness(t *testing.T) *harness {
	h := &harness{
		t:         t,
		transport: &fakeTransport{},
		output:    &fakeOutput{},
		mic:       newFakeMic(),
		sink:      &recordingSink{},
		listener:  newRecordingListener(),
		metrics:   metrics.NewNop(),
	}
	return h
}

func (h *harness) start() *harness {
	h.session = NewSession(Config{
		UserKey: "user-1",
		Live: repositories.LiveConfig{
			Model:             "test-model",
			SystemInstruction: "Você é a ARIA",
			Voice:             "Kore",
			TranscribeInput:   true,
			TranscribeOutput:  true,
		},
		Capture:          capture.Config{SampleRate: 16000, Channels: 1, FrameSize: 4},
		OutputSampleRate: 24000,
	}, Deps{
		Transport:   h.transport,
		Microphone:  h.mic,
		Output:      h.output,
		Sink:        h.sink,
		Transcriber: h.stt,
		Listener:    h.listener,
		Metrics:     h.metrics,
	}, zaptest.NewLogger(h.t))

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	h.done = make(chan struct{})
	go func() {
		defer close(h.done)
		h.session.Run(ctx)
	}()
	h.t.Cleanup(h.stop)
	return h
}

func (h *harness) stop() {
	h.cancel()
	<-h.done
}

func (h *harness) connect() *fakeConn {
	h.t.Helper()
	if err := h.session.Connect(context.Background()); err != nil {
		h.t.Fatalf("Connect: %v", err)
	}
	return h.transport.lastConn()
}

func (h *harness) snapshot() Snapshot {
	h.t.Helper()
	snap, err := h.session.Snapshot()
	if err != nil {
		h.t.Fatalf("Snapshot: %v", err)
	}
	return snap
}

func (h *harness) waitFor(what string, cond func(Snapshot) bool) Snapshot {
	h.t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		snap := h.snapshot()
		if cond(snap) {
			return snap
		}
		if time.Now().After(deadline) {
			h.t.Fatalf("timed out waiting for %s; last snapshot %+v", what, snap)
		}
		time.Sleep(time.Millisecond)
	}
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

// pcmChunk returns d of 24 kHz mono silence.
func pcmChunk(d time.Duration) repositories.AudioChunk {
	samples := int(d.Seconds() * 24000)
	return repositories.AudioChunk{MIMEType: "audio/pcm;rate=24000", Data: make([]byte, samples*2)}
}

func inputDelta(text string) repositories.TranscriptionDelta {
	return repositories.TranscriptionDelta{Direction: repositories.DirectionInput, Text: text}
}

func outputDelta(text string) repositories.TranscriptionDelta {
	return repositories.TranscriptionDelta{Direction: repositories.DirectionOutput, Text: text}
}

// --- tests ---

func TestSession_ConnectOpensTransportAndMicrophone(t *testing.T) {
	h := newHarness(t).start()
	h.connect()

	if h.session.State() != StateListening {
		t.Errorf("Expected listening, got %s", h.session.State())
	}
	cfg := h.transport.config(0)
	if cfg.Voice != "Kore" || !cfg.TranscribeInput || !cfg.TranscribeOutput || cfg.SystemInstruction == "" {
		t.Errorf("Unexpected live config %+v", cfg)
	}
	h.waitFor("capture running", func(s Snapshot) bool { return s.CaptureRunning })

	if got := testutil.ToFloat64(h.metrics.ActiveSessions); got != 1 {
		t.Errorf("Expected one active session, got %v", got)
	}
}

func TestSession_ConnectRequiresIdle(t *testing.T) {
	h := newHarness(t).start()
	h.connect()

	if err := h.session.Connect(context.Background()); !errors.Is(err, ErrInvalidState) {
		t.Errorf("Expected ErrInvalidState, got %v", err)
	}
}

func TestSession_ConnectFailure(t *testing.T) {
	h := newHarness(t)
	h.transport.errs = []error{errors.New("dial tcp: connection refused")}
	h.start()

	err := h.session.Connect(context.Background())
	if !errors.Is(err, ErrConnectFailed) {
		t.Fatalf("Expected ErrConnectFailed, got %v", err)
	}
	if h.session.State() != StateIdle {
		t.Errorf("Expected idle after failure, got %s", h.session.State())
	}
	if got := testutil.ToFloat64(h.metrics.ConnectFailures); got != 1 {
		t.Errorf("Expected one connect failure, got %v", got)
	}

	// The caller may retry.
	h.connect()
	if h.session.State() != StateListening {
		t.Errorf("Expected listening after retry, got %s", h.session.State())
	}
}

func TestSession_DisconnectTwice(t *testing.T) {
	h := newHarness(t).start()

	if err := h.session.Disconnect(); err != nil {
		t.Fatalf("Disconnect on idle session: %v", err)
	}

	conn := h.connect()
	h.waitFor("capture running", func(s Snapshot) bool { return s.CaptureRunning })

	if err := h.session.Disconnect(); err != nil {
		t.Fatalf("First disconnect: %v", err)
	}
	if err := h.session.Disconnect(); err != nil {
		t.Fatalf("Second disconnect: %v", err)
	}

	if h.session.State() != StateIdle {
		t.Errorf("Expected idle, got %s", h.session.State())
	}
	if !conn.isClosed() {
		t.Error("Transport should be closed")
	}
	if !h.mic.stream.isClosed() {
		t.Error("Microphone should be released")
	}
	if got := testutil.ToFloat64(h.metrics.ActiveSessions); got != 0 {
		t.Errorf("Expected no active sessions, got %v", got)
	}
}

func TestSession_ThreeChunksPlayGaplessly(t *testing.T) {
	h := newHarness(t).start()
	conn := h.connect()

	conn.push(pcmChunk(100 * time.Millisecond))
	conn.push(pcmChunk(100*time.Millisecond), pcmChunk(100*time.Millisecond))

	snap := h.waitFor("three chunks", func(s Snapshot) bool { return len(s.Pending) == 3 })

	if snap.State != StateSpeaking {
		t.Errorf("Expected speaking, got %s", snap.State)
	}
	var total time.Duration
	for i, span := range snap.Pending {
		if span.Duration != 100*time.Millisecond {
			t.Errorf("Chunk %d: expected 100ms, got %s", i, span.Duration)
		}
		if i > 0 && span.Start != snap.Pending[i-1].End() {
			t.Errorf("Chunk %d starts at %s, previous ends at %s", i, span.Start, snap.Pending[i-1].End())
		}
		total += span.Duration
	}
	if total != 300*time.Millisecond || snap.Cursor != 300*time.Millisecond {
		t.Errorf("Expected 300ms of continuous audio, got total %s cursor %s", total, snap.Cursor)
	}

	// Playback finishing returns the session to listening.
	for i := 0; i < 3; i++ {
		h.output.handle(i).onEnded()
	}
	h.waitFor("listening", func(s Snapshot) bool { return s.State == StateListening })
}

func TestSession_RemoteInterruptCommitsOutputOnly(t *testing.T) {
	h := newHarness(t).start()
	conn := h.connect()

	conn.push(inputDelta("ola"), outputDelta("oi"), pcmChunk(200*time.Millisecond), pcmChunk(200*time.Millisecond))
	h.waitFor("speaking", func(s Snapshot) bool { return s.State == StateSpeaking && len(s.Pending) == 2 })

	conn.push(repositories.Interrupted{})
	snap := h.waitFor("interrupted", func(s Snapshot) bool { return s.State == StateListening })

	msgs := h.sink.all()
	if len(msgs) != 1 {
		t.Fatalf("Expected exactly one message, got %d: %+v", len(msgs), msgs)
	}
	if msgs[0].Role != entities.RoleModel || msgs[0].Text != "oi..." || !msgs[0].Interrupted {
		t.Errorf("Unexpected message %+v", msgs[0])
	}
	if snap.PartialOutput != "" || snap.PartialInput != "ola" {
		t.Errorf("Expected input open and output cleared, got %q / %q", snap.PartialInput, snap.PartialOutput)
	}
	if len(snap.Pending) != 0 || snap.Cursor != 0 {
		t.Errorf("Expected playback discarded, got %d pending at %s", len(snap.Pending), snap.Cursor)
	}
	for i := 0; i < 2; i++ {
		if !h.output.handle(i).stopped.Load() {
			t.Errorf("Chunk %d was not stopped", i)
		}
	}
	if got := testutil.ToFloat64(h.metrics.Interruptions); got != 1 {
		t.Errorf("Expected one interruption, got %v", got)
	}

	// A completion from a discarded chunk must not disturb the session.
	h.output.handle(0).onEnded()
	if s := h.snapshot(); s.State != StateListening {
		t.Errorf("Expected listening, got %s", s.State)
	}
}

func TestSession_DisconnectFlushesInputThenOutput(t *testing.T) {
	h := newHarness(t).start()
	conn := h.connect()

	conn.push(outputDelta("A resposta é "), inputDelta("quanto é 2+2?"), outputDelta("4"))
	h.waitFor("partials", func(s Snapshot) bool { return s.PartialOutput == "A resposta é 4" && s.PartialInput != "" })

	if err := h.session.Disconnect(); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}

	msgs := h.sink.all()
	if len(msgs) != 2 {
		t.Fatalf("Expected two messages, got %d", len(msgs))
	}
	if msgs[0].Role != entities.RoleUser || msgs[0].Text != "quanto é 2+2?" {
		t.Errorf("Unexpected first message %+v", msgs[0])
	}
	if msgs[1].Role != entities.RoleModel || msgs[1].Text != "A resposta é 4" {
		t.Errorf("Unexpected second message %+v", msgs[1])
	}
	for _, m := range msgs {
		if m.UserKey != "user-1" || m.Interrupted {
			t.Errorf("Unexpected message metadata %+v", m)
		}
	}
}

func TestSession_WhitespaceIsNeverCommitted(t *testing.T) {
	h := newHarness(t).start()
	conn := h.connect()

	conn.push(inputDelta("  "), outputDelta("\n"))
	h.waitFor("partials", func(s Snapshot) bool { return s.PartialInput == "  " })

	conn.push(repositories.TurnComplete{})
	h.waitFor("flushed", func(s Snapshot) bool { return s.PartialInput == "" })

	if err := h.session.Disconnect(); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if msgs := h.sink.all(); len(msgs) != 0 {
		t.Errorf("Expected no messages, got %+v", msgs)
	}
}

func TestSession_TurnComplete(t *testing.T) {
	h := newHarness(t).start()
	conn := h.connect()

	conn.push(inputDelta("O que é DNA?"), outputDelta("É a molécula"), pcmChunk(100*time.Millisecond))
	h.waitFor("speaking", func(s Snapshot) bool { return s.State == StateSpeaking })

	conn.push(repositories.TurnComplete{})
	h.waitFor("turn committed", func(s Snapshot) bool { return s.PartialInput == "" && s.PartialOutput == "" })

	if msgs := h.sink.all(); len(msgs) != 2 || msgs[0].Role != entities.RoleUser || msgs[1].Role != entities.RoleModel {
		t.Fatalf("Expected user then model messages, got %+v", msgs)
	}
	// Audio still playing keeps the session speaking.
	if s := h.snapshot(); s.State != StateSpeaking {
		t.Errorf("Expected speaking until playback ends, got %s", s.State)
	}

	h.output.handle(0).onEnded()
	h.waitFor("listening", func(s Snapshot) bool { return s.State == StateListening })

	if h.listener.partial(repositories.DirectionOutput) != "" {
		t.Error("Listener partial transcript should be cleared")
	}
}

func TestSession_TurnCompleteWithoutAudio(t *testing.T) {
	h := newHarness(t).start()
	conn := h.connect()

	conn.push(outputDelta("Oi!"), repositories.TurnComplete{})
	waitUntil(t, "message", func() bool { return len(h.sink.all()) == 1 })

	if s := h.snapshot(); s.State != StateListening {
		t.Errorf("Expected listening, got %s", s.State)
	}
}

func TestSession_TransportClosed(t *testing.T) {
	h := newHarness(t).start()
	conn := h.connect()
	h.waitFor("capture running", func(s Snapshot) bool { return s.CaptureRunning })

	conn.push(outputDelta("Vamos começar"))
	h.waitFor("partial", func(s Snapshot) bool { return s.PartialOutput != "" })

	conn.errs <- errors.New("websocket: close 1011")
	h.waitFor("idle", func(s Snapshot) bool { return s.State == StateIdle })

	if msgs := h.sink.all(); len(msgs) != 1 || msgs[0].Text != "Vamos começar" {
		t.Errorf("Pending text should be flushed, got %+v", msgs)
	}
	if !h.mic.stream.isClosed() {
		t.Error("Microphone should be released")
	}
	errs := h.listener.errors()
	if len(errs) != 1 || !errors.Is(errs[0], ErrTransportClosed) {
		t.Errorf("Expected ErrTransportClosed, got %v", errs)
	}

	// Reconnecting is up to the caller.
	h.connect()
	if h.session.State() != StateListening {
		t.Errorf("Expected listening after reconnect, got %s", h.session.State())
	}
}

func TestSession_MicUnavailableIsNotFatal(t *testing.T) {
	h := newHarness(t)
	h.mic.err = errors.New("NotAllowedError: permission denied")
	h.start()
	conn := h.connect()

	waitUntil(t, "mic error", func() bool { return len(h.listener.errors()) == 1 })
	if err := h.listener.errors()[0]; !errors.Is(err, capture.ErrMicUnavailable) {
		t.Errorf("Expected ErrMicUnavailable, got %v", err)
	}

	conn.push(pcmChunk(50 * time.Millisecond))
	snap := h.waitFor("speaking", func(s Snapshot) bool { return s.State == StateSpeaking })
	if snap.CaptureRunning {
		t.Error("Capture should not be running")
	}
}

func TestSession_MicMuteStopsFramesButKeepsCapture(t *testing.T) {
	h := newHarness(t).start()
	conn := h.connect()
	h.waitFor("capture running", func(s Snapshot) bool { return s.CaptureRunning })

	h.mic.stream.samples <- []float32{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8}
	waitUntil(t, "two frames sent", func() bool { return conn.sentCount() == 2 })

	if err := h.session.SetMicEnabled(false); err != nil {
		t.Fatalf("SetMicEnabled: %v", err)
	}
	h.mic.stream.samples <- make([]float32, 12)
	snap := h.waitFor("frames dropped", func(s Snapshot) bool { return s.FramesDropped == 3 })

	if snap.FramesSent != 2 || conn.sentCount() != 2 {
		t.Errorf("Frame count grew while muted: %d/%d", snap.FramesSent, conn.sentCount())
	}
	if !snap.CaptureRunning || snap.MicEnabled {
		t.Errorf("Expected capture running and mic disabled, got %+v", snap)
	}
	if h.mic.stream.isClosed() {
		t.Error("Muting must keep the device")
	}

	if err := h.session.SetMicEnabled(true); err != nil {
		t.Fatalf("SetMicEnabled: %v", err)
	}
	h.mic.stream.samples <- make([]float32, 4)
	waitUntil(t, "frame after unmute", func() bool { return conn.sentCount() == 3 })

	conn.mu.Lock()
	first := conn.sent[0]
	conn.mu.Unlock()
	if first.MIMEType != "audio/pcm;rate=16000" || first.Data == "" {
		t.Errorf("Unexpected outbound frame %+v", first)
	}
}

func TestSession_DisconnectWhileConnecting(t *testing.T) {
	h := newHarness(t)
	h.transport.block = true
	h.transport.opened = make(chan struct{})
	h.start()

	result := make(chan error, 1)
	go func() { result <- h.session.Connect(context.Background()) }()

	<-h.transport.opened
	if s := h.snapshot(); s.State != StateConnecting {
		t.Fatalf("Expected connecting, got %s", s.State)
	}

	if err := h.session.Disconnect(); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}

	select {
	case err := <-result:
		if !errors.Is(err, ErrSessionClosed) {
			t.Errorf("Expected ErrSessionClosed, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Connect did not return")
	}
	if h.session.State() != StateIdle {
		t.Errorf("Expected idle, got %s", h.session.State())
	}
}

func TestSession_MalformedChunkIsDropped(t *testing.T) {
	h := newHarness(t).start()
	conn := h.connect()

	conn.push(repositories.AudioChunk{MIMEType: "audio/pcm;rate=24000", Data: []byte{1, 2, 3}})
	conn.push(pcmChunk(100 * time.Millisecond))

	snap := h.waitFor("valid chunk", func(s Snapshot) bool { return len(s.Pending) == 1 })
	if snap.State != StateSpeaking {
		t.Errorf("Expected speaking, got %s", snap.State)
	}
	if got := testutil.ToFloat64(h.metrics.ChunksDropped); got != 1 {
		t.Errorf("Expected one dropped chunk, got %v", got)
	}
	if got := testutil.ToFloat64(h.metrics.ChunksScheduled); got != 1 {
		t.Errorf("Expected one scheduled chunk, got %v", got)
	}
}

func TestSession_LocalInterrupt(t *testing.T) {
	h := newHarness(t).start()
	conn := h.connect()

	// Not speaking: nothing to commit.
	if err := h.session.Interrupt(); err != nil {
		t.Fatalf("Interrupt: %v", err)
	}
	if len(h.sink.all()) != 0 {
		t.Error("Interrupt while listening must not commit")
	}

	conn.push(outputDelta("Então, a mitose"), pcmChunk(100*time.Millisecond))
	h.waitFor("speaking", func(s Snapshot) bool { return s.State == StateSpeaking })

	if err := h.session.Interrupt(); err != nil {
		t.Fatalf("Interrupt: %v", err)
	}
	snap := h.snapshot()
	if snap.State != StateListening || len(snap.Pending) != 0 {
		t.Errorf("Expected listening with no playback, got %+v", snap)
	}
	if msgs := h.sink.all(); len(msgs) != 1 || msgs[0].Text != "Então, a mitose..." {
		t.Errorf("Unexpected messages %+v", msgs)
	}
}

func TestSession_RunExitTearsDown(t *testing.T) {
	h := newHarness(t).start()
	conn := h.connect()
	conn.push(inputDelta("tchau"))
	h.waitFor("partial", func(s Snapshot) bool { return s.PartialInput == "tchau" })

	h.stop()

	if msgs := h.sink.all(); len(msgs) != 1 {
		t.Errorf("Expected pending text flushed on exit, got %+v", msgs)
	}
	if !conn.isClosed() {
		t.Error("Transport should be closed")
	}
	if err := h.session.Connect(context.Background()); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("Expected ErrSessionClosed, got %v", err)
	}
	if err := h.session.Disconnect(); err != nil {
		t.Errorf("Disconnect after exit should be a no-op, got %v", err)
	}
}

type fakeTranscriber struct {
	mu      sync.Mutex
	onFinal func(string)
	chunks  int
	ended   atomic.Bool
	ready   chan struct{}
	// tail is delivered from End, as a recognizer flushing its last result.
	tail string
}

func (f *fakeTranscriber) InitTranscribeStreaming(ctx context.Context, config repositories.AudioConfig, onFinal func(string)) (repositories.SpeechToTextStreaming, error) {
	f.mu.Lock()
	f.onFinal = onFinal
	f.mu.Unlock()
	close(f.ready)
	return f, nil
}

func (f *fakeTranscriber) Stream(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chunks++
	return nil
}

func (f *fakeTranscriber) End() error {
	f.mu.Lock()
	onFinal, tail := f.onFinal, f.tail
	f.mu.Unlock()
	if tail != "" {
		onFinal(tail)
	}
	f.ended.Store(true)
	return nil
}

func (f *fakeTranscriber) streamed() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.chunks
}

func TestSession_InputTranscriber(t *testing.T) {
	h := newHarness(t)
	stt := &fakeTranscriber{ready: make(chan struct{})}
	h.stt = stt
	h.start()

	h.connect()
	<-stt.ready

	h.mic.stream.samples <- make([]float32, 8)
	waitUntil(t, "audio teed to transcriber", func() bool { return stt.streamed() == 2 })

	stt.mu.Lock()
	onFinal := stt.onFinal
	stt.mu.Unlock()
	onFinal("quero estudar ")
	onFinal("química ")
	h.waitFor("partial input", func(s Snapshot) bool { return s.PartialInput == "quero estudar química " })

	if err := h.session.Disconnect(); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	msgs := h.sink.all()
	if len(msgs) != 1 || msgs[0].Text != "quero estudar química" || msgs[0].Role != entities.RoleUser {
		t.Errorf("Unexpected messages %+v", msgs)
	}
	waitUntil(t, "transcriber ended", stt.ended.Load)
}

func TestSession_TranscriberTailReachesLog(t *testing.T) {
	h := newHarness(t)
	stt := &fakeTranscriber{ready: make(chan struct{}), tail: "sobre células "}
	h.stt = stt
	h.start()

	h.connect()
	<-stt.ready

	stt.mu.Lock()
	onFinal := stt.onFinal
	stt.mu.Unlock()
	onFinal("quero aprender ")
	h.waitFor("partial input", func(s Snapshot) bool { return s.PartialInput == "quero aprender " })

	if err := h.session.Disconnect(); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if !stt.ended.Load() {
		t.Error("Transcriber should be ended before Disconnect returns")
	}
	msgs := h.sink.all()
	if len(msgs) != 1 || msgs[0].Text != "quero aprender sobre células" || msgs[0].Role != entities.RoleUser {
		t.Errorf("Expected the final segment in the committed message, got %+v", msgs)
	}
}
