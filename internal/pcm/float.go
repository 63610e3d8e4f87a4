package pcm

import (
	"encoding/binary"
	"math"
)

// Float32Size is the width of one IEEE-754 float sample.
const Float32Size = 4

// DecodeFloat32 unpacks little-endian float32 samples, the format devices
// stream raw microphone blocks in. NaNs become silence.
func DecodeFloat32(data []byte) ([]float32, error) {
	if len(data)%Float32Size != 0 {
		return nil, &DecodeError{Length: len(data), Channels: 1, SampleSize: Float32Size}
	}
	out := make([]float32, len(data)/Float32Size)
	for i := range out {
		v := math.Float32frombits(binary.LittleEndian.Uint32(data[i*Float32Size:]))
		if v != v {
			v = 0
		}
		out[i] = v
	}
	return out, nil
}

// EncodeFloat32 packs samples as little-endian float32.
func EncodeFloat32(samples []float32) []byte {
	out := make([]byte, len(samples)*Float32Size)
	for i, s := range samples {
		binary.LittleEndian.PutUint32(out[i*Float32Size:], math.Float32bits(s))
	}
	return out
}
