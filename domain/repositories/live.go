package repositories

import "context"

// LiveConfig is the fixed configuration a streaming session is opened with.
type LiveConfig struct {
	Model             string
	SystemInstruction string
	Voice             string
	TranscribeInput   bool
	TranscribeOutput  bool
}

// AudioFrame is one outbound block of captured audio
type AudioFrame struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"` // base64 PCM
}

// LiveTransport opens streaming audio sessions with a conversational model
type LiveTransport interface {
	// Open blocks until the session is established or fails.
	Open(ctx context.Context, config LiveConfig) (LiveConnection, error)
}

// LiveConnection is an open streaming session.
type LiveConnection interface {
	Send(frame AudioFrame) error
	// Receive blocks for the next server message and returns the events it
	// carries, in order. io.EOF means the remote side closed the session.
	Receive() ([]LiveEvent, error)
	Close() error
}

// Direction tells which speaker a transcription belongs to
type Direction int

const (
	DirectionInput Direction = iota
	DirectionOutput
)

func (d Direction) String() string {
	switch d {
	case DirectionInput:
		return "input"
	case DirectionOutput:
		return "output"
	default:
		return "unknown"
	}
}

// LiveEvent is one inbound event from a streaming session. The concrete
// types are AudioChunk, Interrupted, TranscriptionDelta and TurnComplete.
type LiveEvent interface {
	liveEvent()
}

// AudioChunk carries model speech as raw PCM
type AudioChunk struct {
	MIMEType string
	Data     []byte
}

// Interrupted signals that the user started talking over the model
type Interrupted struct{}

// TranscriptionDelta is an incremental piece of transcript text
type TranscriptionDelta struct {
	Direction Direction
	Text      string
}

// TurnComplete marks the end of the model's turn
type TurnComplete struct{}

func (AudioChunk) liveEvent()         {}
func (Interrupted) liveEvent()        {}
func (TranscriptionDelta) liveEvent() {}
func (TurnComplete) liveEvent()       {}
