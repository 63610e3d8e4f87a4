package websocket

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/satriahrh/aria/domain/entities"
	"github.com/satriahrh/aria/domain/repositories"
)

// MessageType defines the type of WebSocket message
type MessageType string

// Client to server message types
const (
	MessageTypeConnect    MessageType = "connect"
	MessageTypeDisconnect MessageType = "disconnect"
	MessageTypeInterrupt  MessageType = "interrupt"
	MessageTypeMic        MessageType = "mic"
	MessageTypeMicStart   MessageType = "mic_start"
	MessageTypeMicError   MessageType = "mic_error"
	MessageTypePing       MessageType = "ping"
)

// Server to client message types
const (
	MessageTypeStatus            MessageType = "status"
	MessageTypeTranscriptPartial MessageType = "transcript_partial"
	MessageTypeMessage           MessageType = "message"
	MessageTypeAudio             MessageType = "audio"
	MessageTypePlaybackStop      MessageType = "playback_stop"
	MessageTypeMicRequest        MessageType = "mic_request"
	MessageTypeMicStop           MessageType = "mic_stop"
	MessageTypeError             MessageType = "error"
	MessageTypePong              MessageType = "pong"
)

const maxModules = 32

// BaseMessage defines the common structure for all WebSocket messages
type BaseMessage struct {
	Type      MessageType `json:"type" validate:"required"`
	Timestamp string      `json:"timestamp"`
	MessageID string      `json:"message_id,omitempty"`
}

// ConnectMessage starts a voice session for the given lesson
type ConnectMessage struct {
	BaseMessage
	Subject     string   `json:"subject,omitempty"`
	Modules     []string `json:"modules,omitempty"`
	StudentName string   `json:"student_name,omitempty"`
}

// Lesson returns the lesson context carried by the message
func (m *ConnectMessage) Lesson() entities.LessonContext {
	return entities.LessonContext{Subject: m.Subject, Modules: m.Modules}
}

// ControlMessage is a message without payload (disconnect, interrupt, mic_start)
type ControlMessage struct {
	BaseMessage
}

// MicMessage mutes or unmutes the microphone
type MicMessage struct {
	BaseMessage
	Enabled *bool `json:"enabled" validate:"required"`
}

// MicErrorMessage reports that the device could not open its microphone
type MicErrorMessage struct {
	BaseMessage
	Message string `json:"message"`
}

// PingMessage represents a ping message for connection health check
type PingMessage struct {
	BaseMessage
	Data string `json:"data,omitempty"`
}

// PongMessage represents a pong response
type PongMessage struct {
	BaseMessage
	Data string `json:"data,omitempty"`
}

// StatusMessage reports the session state
type StatusMessage struct {
	BaseMessage
	State string `json:"state"`
}

// TranscriptPartialMessage carries the uncommitted text of one direction
type TranscriptPartialMessage struct {
	BaseMessage
	Direction string `json:"direction"`
	Text      string `json:"text"`
}

// ConversationMessageEnvelope delivers a committed message
type ConversationMessageEnvelope struct {
	BaseMessage
	Message entities.ConversationMessage `json:"message"`
}

// AudioMessage carries one chunk of model audio, due at StartMS on the
// session's output clock
type AudioMessage struct {
	BaseMessage
	Data       string `json:"data"` // base64 PCM16 LE
	SampleRate int    `json:"sample_rate"`
	StartMS    int64  `json:"start_ms"`
	DurationMS int64  `json:"duration_ms"`
}

// MicRequestMessage asks the device to open its microphone
type MicRequestMessage struct {
	BaseMessage
	SampleRate       int  `json:"sample_rate"`
	Channels         int  `json:"channels"`
	EchoCancellation bool `json:"echo_cancellation"`
	NoiseSuppression bool `json:"noise_suppression"`
}

// ErrorMessage represents an error response
type ErrorMessage struct {
	BaseMessage
	Code    string `json:"error_code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// MessageValidator provides validation for WebSocket messages
type MessageValidator struct{}

// NewMessageValidator creates a new message validator
func NewMessageValidator() *MessageValidator {
	return &MessageValidator{}
}

// ValidateMessage validates an incoming message
func (v *MessageValidator) ValidateMessage(messageBytes []byte) (interface{}, error) {
	var base BaseMessage
	if err := json.Unmarshal(messageBytes, &base); err != nil {
		return nil, fmt.Errorf("invalid JSON format: %w", err)
	}

	switch base.Type {
	case MessageTypeConnect:
		var msg ConnectMessage
		if err := json.Unmarshal(messageBytes, &msg); err != nil {
			return nil, fmt.Errorf("invalid connect message: %w", err)
		}
		if err := v.validateConnect(&msg); err != nil {
			return nil, err
		}
		return &msg, nil

	case MessageTypeDisconnect, MessageTypeInterrupt, MessageTypeMicStart:
		return &ControlMessage{BaseMessage: base}, nil

	case MessageTypeMic:
		var msg MicMessage
		if err := json.Unmarshal(messageBytes, &msg); err != nil {
			return nil, fmt.Errorf("invalid mic message: %w", err)
		}
		if msg.Enabled == nil {
			return nil, fmt.Errorf("enabled is required")
		}
		return &msg, nil

	case MessageTypeMicError:
		var msg MicErrorMessage
		if err := json.Unmarshal(messageBytes, &msg); err != nil {
			return nil, fmt.Errorf("invalid mic error message: %w", err)
		}
		if msg.Message == "" {
			msg.Message = "microphone unavailable"
		}
		return &msg, nil

	case MessageTypePing:
		var msg PingMessage
		if err := json.Unmarshal(messageBytes, &msg); err != nil {
			return nil, fmt.Errorf("invalid ping message: %w", err)
		}
		return &msg, nil

	default:
		return nil, fmt.Errorf("unsupported message type: %s", base.Type)
	}
}

// validateConnect trims the lesson fields
func (v *MessageValidator) validateConnect(msg *ConnectMessage) error {
	msg.Subject = strings.TrimSpace(msg.Subject)
	msg.StudentName = strings.TrimSpace(msg.StudentName)
	if len(msg.Modules) > maxModules {
		return fmt.Errorf("at most %d modules are allowed", maxModules)
	}

	modules := msg.Modules[:0]
	for _, m := range msg.Modules {
		if m = strings.TrimSpace(m); m != "" {
			modules = append(modules, m)
		}
	}
	msg.Modules = modules
	return nil
}

func newBase(t MessageType) BaseMessage {
	return BaseMessage{Type: t, Timestamp: time.Now().Format(time.RFC3339)}
}

// CreateErrorMessage creates a standardized error message
func CreateErrorMessage(code, message, details string) *ErrorMessage {
	return &ErrorMessage{
		BaseMessage: newBase(MessageTypeError),
		Code:        code,
		Message:     message,
		Details:     details,
	}
}

// CreatePongMessage creates a pong response message
func CreatePongMessage(data string) *PongMessage {
	return &PongMessage{BaseMessage: newBase(MessageTypePong), Data: data}
}

// CreateStatusMessage creates a session state message
func CreateStatusMessage(state string) *StatusMessage {
	return &StatusMessage{BaseMessage: newBase(MessageTypeStatus), State: state}
}

// CreateTranscriptPartialMessage creates a partial transcript message
func CreateTranscriptPartialMessage(dir repositories.Direction, text string) *TranscriptPartialMessage {
	return &TranscriptPartialMessage{
		BaseMessage: newBase(MessageTypeTranscriptPartial),
		Direction:   dir.String(),
		Text:        text,
	}
}

// CreateConversationMessage wraps a committed message
func CreateConversationMessage(msg entities.ConversationMessage) *ConversationMessageEnvelope {
	return &ConversationMessageEnvelope{BaseMessage: newBase(MessageTypeMessage), Message: msg}
}

// CreateMicRequestMessage asks the device for a capture stream
func CreateMicRequestMessage(cfg repositories.CaptureConfig) *MicRequestMessage {
	return &MicRequestMessage{
		BaseMessage:      newBase(MessageTypeMicRequest),
		SampleRate:       cfg.SampleRate,
		Channels:         cfg.Channels,
		EchoCancellation: cfg.EchoCancellation,
		NoiseSuppression: cfg.NoiseSuppression,
	}
}

// CreateSignalMessage creates a payload-less message
func CreateSignalMessage(t MessageType) *ControlMessage {
	return &ControlMessage{BaseMessage: newBase(t)}
}
