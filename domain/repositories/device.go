package repositories

import "context"

// CaptureConfig describes the microphone stream requested from a device.
type CaptureConfig struct {
	SampleRate       int  `json:"sample_rate"`
	Channels         int  `json:"channels"`
	EchoCancellation bool `json:"echo_cancellation"`
	NoiseSuppression bool `json:"noise_suppression"`
}

// Microphone abstracts access to a capture device.
type Microphone interface {
	// Open acquires the device. It may block until the user grants access and
	// must give up when ctx is cancelled.
	Open(ctx context.Context, config CaptureConfig) (MicStream, error)
}

// MicStream is a live capture stream of normalized float32 samples.
type MicStream interface {
	// Samples delivers captured blocks in capture order. The channel is
	// closed when the device goes away.
	Samples() <-chan []float32
	Close() error
}
