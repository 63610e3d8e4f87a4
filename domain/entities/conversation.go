package entities

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrEmptyMessage is returned for messages without visible text.
var ErrEmptyMessage = errors.New("message text is empty")

// Role represents the speaker of a conversation message
type Role string

const (
	RoleUser  Role = "user"
	RoleModel Role = "model"
)

// MessageSource tells how a message entered the conversation
type MessageSource string

const (
	SourceVoice MessageSource = "voice"
	SourceText  MessageSource = "text"
)

// InterruptedSuffix marks model text cut short by the student talking over it.
const InterruptedSuffix = "..."

// ConversationMessage is one finalized turn in a student's conversation log
type ConversationMessage struct {
	ID          string        `json:"id" bson:"_id"`
	UserKey     string        `json:"user_key" bson:"user_key"`
	Role        Role          `json:"role" bson:"role"`
	Text        string        `json:"text" bson:"text"`
	Source      MessageSource `json:"source" bson:"source"`
	Interrupted bool          `json:"interrupted,omitempty" bson:"interrupted,omitempty"`
	Timestamp   time.Time     `json:"timestamp" bson:"timestamp"`
}

// NewConversationMessage creates a message with trimmed text and a fresh ID
func NewConversationMessage(userKey string, role Role, text string, source MessageSource, at time.Time) ConversationMessage {
	return ConversationMessage{
		ID:        uuid.NewString(),
		UserKey:   userKey,
		Role:      role,
		Text:      strings.TrimSpace(text),
		Source:    source,
		Timestamp: at,
	}
}

// Validate validates the message data
func (m *ConversationMessage) Validate() error {
	if m.UserKey == "" {
		return errors.New("user_key is required")
	}
	if m.Role != RoleUser && m.Role != RoleModel {
		return errors.New("invalid message role")
	}
	if strings.TrimSpace(m.Text) == "" {
		return ErrEmptyMessage
	}
	return nil
}

// Preview returns at most n runes of the text, for logs
func (m *ConversationMessage) Preview(n int) string {
	r := []rune(m.Text)
	if len(r) <= n {
		return m.Text
	}
	return string(r[:n])
}
