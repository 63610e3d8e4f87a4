// Package capture turns a microphone stream into fixed-size encoded frames.
package capture

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/satriahrh/aria/domain/repositories"
	"github.com/satriahrh/aria/internal/pcm"
)

var (
	// ErrMicUnavailable is returned when the microphone is denied or absent.
	ErrMicUnavailable = errors.New("capture: microphone unavailable")

	// ErrAlreadyStarted is returned by Start on a running pipeline.
	ErrAlreadyStarted = errors.New("capture: pipeline already started")
)

const (
	defaultSampleRate = pcm.InputSampleRate
	defaultFrameSize  = 4096
)

// Config holds the capture format.
type Config struct {
	SampleRate int
	Channels   int
	FrameSize  int // samples per frame
}

// DefaultConfig returns 4096-sample mono frames at 16 kHz.
func DefaultConfig() Config {
	return Config{
		SampleRate: defaultSampleRate,
		Channels:   1,
		FrameSize:  defaultFrameSize,
	}
}

func (c Config) withDefaults() Config {
	if c.SampleRate <= 0 {
		c.SampleRate = defaultSampleRate
	}
	if c.Channels <= 0 {
		c.Channels = 1
	}
	if c.FrameSize <= 0 {
		c.FrameSize = defaultFrameSize
	}
	return c
}

// Frame is one encoded block of captured audio.
type Frame struct {
	Seq      uint64
	MIMEType string
	PCM      []byte
	Data     string // base64 of PCM
}

// SendFunc receives frames in capture order. It must not block on delivery.
type SendFunc func(Frame)

// Pipeline owns the microphone for one session.
type Pipeline struct {
	mic    repositories.Microphone
	config Config
	send   SendFunc
	logger *zap.Logger

	enabled atomic.Bool
	running atomic.Bool
	sent    atomic.Uint64
	dropped atomic.Uint64

	mu      sync.Mutex
	attempt uint64
	cancel  context.CancelFunc
	stream  repositories.MicStream
	done    chan struct{}
}

// NewPipeline creates a stopped pipeline with the microphone enabled.
func NewPipeline(mic repositories.Microphone, config Config, send SendFunc, logger *zap.Logger) *Pipeline {
	p := &Pipeline{
		mic:    mic,
		config: config.withDefaults(),
		send:   send,
		logger: logger,
	}
	p.enabled.Store(true)
	return p
}

// Start acquires the microphone and begins framing in the background. It
// blocks until the device is acquired, the acquisition fails or Stop is
// called.
func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.cancel != nil {
		p.mu.Unlock()
		return ErrAlreadyStarted
	}
	ctx, cancel := context.WithCancel(ctx)
	p.attempt++
	attempt := p.attempt
	p.cancel = cancel
	p.mu.Unlock()

	stream, err := p.mic.Open(ctx, repositories.CaptureConfig{
		SampleRate:       p.config.SampleRate,
		Channels:         p.config.Channels,
		EchoCancellation: true,
		NoiseSuppression: true,
	})

	p.mu.Lock()
	if err != nil {
		// Read before cancel below, which would make it always set.
		stopped := ctx.Err()
		if p.attempt == attempt && p.cancel != nil {
			p.cancel = nil
		}
		p.mu.Unlock()
		cancel()

		if stopped != nil {
			return stopped
		}
		if errors.Is(err, ErrMicUnavailable) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrMicUnavailable, err)
	}

	// Stop ran while the device was being acquired.
	if ctx.Err() != nil || p.attempt != attempt {
		p.mu.Unlock()
		if cerr := stream.Close(); cerr != nil {
			p.logger.Warn("Failed to release microphone acquired after stop", zap.Error(cerr))
		}
		return context.Canceled
	}

	done := make(chan struct{})
	p.stream = stream
	p.done = done
	p.running.Store(true)
	p.mu.Unlock()

	p.logger.Info("Microphone acquired",
		zap.Int("sampleRate", p.config.SampleRate),
		zap.Int("frameSize", p.config.FrameSize))

	go p.run(ctx, stream, done)
	return nil
}

func (p *Pipeline) run(ctx context.Context, stream repositories.MicStream, done chan struct{}) {
	defer close(done)
	defer p.running.Store(false)

	frame := make([]float32, 0, p.config.FrameSize)
	samplesCh := stream.Samples()

	for {
		select {
		case <-ctx.Done():
			return
		case samples, ok := <-samplesCh:
			if !ok {
				p.logger.Info("Microphone stream ended")
				return
			}
			for len(samples) > 0 {
				n := min(p.config.FrameSize-len(frame), len(samples))
				frame = append(frame, samples[:n]...)
				samples = samples[n:]
				if len(frame) == p.config.FrameSize {
					p.emit(frame)
					frame = frame[:0]
				}
			}
		}
	}
}

func (p *Pipeline) emit(samples []float32) {
	if !p.enabled.Load() {
		p.dropped.Add(1)
		return
	}

	data := pcm.EncodeFrame(samples)
	p.send(Frame{
		Seq:      p.sent.Add(1),
		MIMEType: pcm.MIMEType(p.config.SampleRate),
		PCM:      data,
		Data:     pcm.BytesToText(data),
	})
}

// Stop releases the microphone and cancels a pending acquisition. It is safe
// to call on a stopped pipeline.
func (p *Pipeline) Stop() {
	p.mu.Lock()
	cancel := p.cancel
	stream := p.stream
	done := p.done
	p.cancel = nil
	p.stream = nil
	p.done = nil
	p.attempt++
	p.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()

	if stream != nil {
		if err := stream.Close(); err != nil {
			p.logger.Warn("Failed to release microphone", zap.Error(err))
		}
	}
	if done != nil {
		<-done
	}
	p.logger.Debug("Capture stopped",
		zap.Uint64("framesSent", p.sent.Load()),
		zap.Uint64("framesDropped", p.dropped.Load()))
}

// SetEnabled mutes or unmutes the pipeline without releasing the device.
func (p *Pipeline) SetEnabled(enabled bool) { p.enabled.Store(enabled) }

// Enabled reports whether frames are being forwarded.
func (p *Pipeline) Enabled() bool { return p.enabled.Load() }

// IsRunning reports whether the device is held and frames are being read.
func (p *Pipeline) IsRunning() bool { return p.running.Load() }

// FramesSent returns the number of frames handed to the send function.
func (p *Pipeline) FramesSent() uint64 { return p.sent.Load() }

// FramesDropped returns the number of frames skipped while muted.
func (p *Pipeline) FramesDropped() uint64 { return p.dropped.Load() }
