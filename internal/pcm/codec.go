package pcm

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"mime"
	"strconv"
	"time"
)

const (
	// BytesPerSample is the width of one 16-bit PCM sample.
	BytesPerSample = 2

	// InputSampleRate is the microphone rate expected by the live model.
	InputSampleRate = 16000

	// OutputSampleRate is the rate of audio produced by the live model.
	OutputSampleRate = 24000

	negativeScale = 0x8000
	positiveScale = 0x7FFF
	decodeDivisor = 32768.0
)

// DecodeError reports PCM input whose length cannot be split into whole
// samples.
type DecodeError struct {
	Length   int
	Channels int
	// SampleSize is the sample width in bytes; zero means BytesPerSample.
	SampleSize int
}

func (e *DecodeError) Error() string {
	size := e.SampleSize
	if size == 0 {
		size = BytesPerSample
	}
	if e.Channels > 1 {
		return fmt.Sprintf("pcm: %d bytes is not a whole number of %d-channel frames", e.Length, e.Channels)
	}
	return fmt.Sprintf("pcm: %d bytes is not a multiple of %d", e.Length, size)
}

// EncodeFrame clamps each sample to [-1, 1] and packs it as a signed 16-bit
// little-endian integer. NaNs become silence.
func EncodeFrame(samples []float32) []byte {
	out := make([]byte, len(samples)*BytesPerSample)
	for i, s := range samples {
		if s != s {
			s = 0
		} else if s > 1 {
			s = 1
		} else if s < -1 {
			s = -1
		}

		var v int16
		if s < 0 {
			v = int16(s * negativeScale)
		} else {
			v = int16(s * positiveScale)
		}
		binary.LittleEndian.PutUint16(out[i*BytesPerSample:], uint16(v))
	}
	return out
}

// DecodeFrame unpacks 16-bit little-endian PCM into interleaved float32
// samples in [-1, 1).
func DecodeFrame(data []byte, sampleRate, channels int) ([]float32, error) {
	if channels < 1 {
		channels = 1
	}
	if sampleRate <= 0 {
		return nil, fmt.Errorf("pcm: invalid sample rate %d", sampleRate)
	}
	if len(data)%BytesPerSample != 0 || (len(data)/BytesPerSample)%channels != 0 {
		return nil, &DecodeError{Length: len(data), Channels: channels}
	}

	out := make([]float32, len(data)/BytesPerSample)
	for i := range out {
		v := int16(binary.LittleEndian.Uint16(data[i*BytesPerSample:]))
		out[i] = float32(v) / decodeDivisor
	}
	return out, nil
}

// BytesToText encodes raw bytes for a text-based wire protocol.
func BytesToText(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}

// TextToBytes reverses BytesToText.
func TextToBytes(text string) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(text)
	if err != nil {
		return nil, fmt.Errorf("pcm: invalid base64 payload: %w", err)
	}
	return data, nil
}

// Duration returns the play time of n interleaved samples.
func Duration(samples, sampleRate, channels int) time.Duration {
	if sampleRate <= 0 {
		return 0
	}
	if channels < 1 {
		channels = 1
	}
	frames := int64(samples / channels)
	return time.Duration(frames * int64(time.Second) / int64(sampleRate))
}

// MIMEType builds the media type advertised for raw PCM at the given rate.
func MIMEType(sampleRate int) string {
	return "audio/pcm;rate=" + strconv.Itoa(sampleRate)
}

// SampleRateFromMIME extracts the rate parameter of an audio/pcm media type,
// falling back to def when it is absent or unparsable.
func SampleRateFromMIME(mimeType string, def int) int {
	_, params, err := mime.ParseMediaType(mimeType)
	if err != nil {
		return def
	}
	rate, err := strconv.Atoi(params["rate"])
	if err != nil || rate <= 0 {
		return def
	}
	return rate
}
