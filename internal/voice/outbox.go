package voice

import (
	"sync"

	"go.uber.org/zap"

	"github.com/satriahrh/aria/domain/repositories"
	"github.com/satriahrh/aria/internal/capture"
	"github.com/satriahrh/aria/internal/metrics"
)

const defaultOutboxSize = 64

// outbox is the single writer of a connection. Frames leave in the order
// they were enqueued; enqueue never waits for the network.
type outbox struct {
	conn    repositories.LiveConnection
	stt     *inputTranscriber
	metrics *metrics.Metrics
	logger  *zap.Logger

	frames   chan capture.Frame
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

func newOutbox(conn repositories.LiveConnection, stt *inputTranscriber, size int, m *metrics.Metrics, logger *zap.Logger) *outbox {
	if size <= 0 {
		size = defaultOutboxSize
	}
	return &outbox{
		conn:    conn,
		stt:     stt,
		metrics: m,
		logger:  logger,
		frames:  make(chan capture.Frame, size),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// enqueue hands a frame to the writer. A full queue drops the frame.
func (o *outbox) enqueue(f capture.Frame) {
	select {
	case o.frames <- f:
	default:
		o.metrics.FramesDropped.Inc()
		o.logger.Warn("Outbound queue full, dropping frame", zap.Uint64("seq", f.Seq))
	}
}

func (o *outbox) run() {
	defer close(o.done)

	for {
		select {
		case <-o.stop:
			return
		case f := <-o.frames:
			if err := o.conn.Send(repositories.AudioFrame{MIMEType: f.MIMEType, Data: f.Data}); err != nil {
				o.metrics.FramesDropped.Inc()
				o.logger.Debug("Failed to send frame", zap.Uint64("seq", f.Seq), zap.Error(err))
			} else {
				o.metrics.FramesSent.Inc()
			}
			if o.stt != nil {
				if err := o.stt.send(f.PCM); err != nil {
					o.logger.Warn("Failed to stream audio to transcriber", zap.Error(err))
					o.stt.end()
					o.stt = nil
				}
			}
		}
	}
}

// close stops the writer without draining. An in-flight Send is not
// interrupted; done is closed once it returns. The transcriber is left to
// the session.
func (o *outbox) close() {
	o.stopOnce.Do(func() { close(o.stop) })
}
