// Package live implements the streaming voice transport on the Gemini Live API.
package live

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/satriahrh/aria/domain/repositories"
	"github.com/satriahrh/aria/internal/pcm"
)

// GeminiLive implements the LiveTransport interface using Google's Gemini Live API
type GeminiLive struct {
	client *genai.Client
	logger *zap.Logger
}

// NewGeminiLive creates a new Gemini Live transport
func NewGeminiLive(ctx context.Context, apiKey string, logger *zap.Logger) (*GeminiLive, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("Gemini API key is required")
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}

	return &GeminiLive{client: client, logger: logger}, nil
}

// Open implements repositories.LiveTransport
func (g *GeminiLive) Open(ctx context.Context, config repositories.LiveConfig) (repositories.LiveConnection, error) {
	session, err := g.client.Live.Connect(ctx, config.Model, connectConfig(config))
	if err != nil {
		return nil, fmt.Errorf("failed to connect live session: %w", err)
	}

	g.logger.Info("Gemini live session connected",
		zap.String("model", config.Model),
		zap.String("voice", config.Voice))

	return &geminiConnection{session: session, logger: g.logger}, nil
}

// connectConfig translates the session configuration. Only audio is
// requested back.
func connectConfig(config repositories.LiveConfig) *genai.LiveConnectConfig {
	cc := &genai.LiveConnectConfig{
		ResponseModalities: []genai.Modality{genai.ModalityAudio},
		SpeechConfig: &genai.SpeechConfig{
			VoiceConfig: &genai.VoiceConfig{
				PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{VoiceName: config.Voice},
			},
		},
	}
	if config.SystemInstruction != "" {
		cc.SystemInstruction = genai.NewContentFromText(config.SystemInstruction, genai.RoleUser)
	}
	if config.TranscribeInput {
		cc.InputAudioTranscription = &genai.AudioTranscriptionConfig{}
	}
	if config.TranscribeOutput {
		cc.OutputAudioTranscription = &genai.AudioTranscriptionConfig{}
	}
	return cc
}

type geminiConnection struct {
	session *genai.Session
	logger  *zap.Logger
}

// Send implements repositories.LiveConnection
func (c *geminiConnection) Send(frame repositories.AudioFrame) error {
	data, err := pcm.TextToBytes(frame.Data)
	if err != nil {
		return fmt.Errorf("invalid frame payload: %w", err)
	}
	return c.session.SendRealtimeInput(genai.LiveRealtimeInput{
		Audio: &genai.Blob{MIMEType: frame.MIMEType, Data: data},
	})
}

// Receive implements repositories.LiveConnection
func (c *geminiConnection) Receive() ([]repositories.LiveEvent, error) {
	msg, err := c.session.Receive()
	if err != nil {
		if isNormalClose(err) {
			return nil, io.EOF
		}
		return nil, err
	}
	if msg.GoAway != nil {
		c.logger.Warn("Live session will be closed by server", zap.Any("goAway", msg.GoAway))
	}
	return translate(msg), nil
}

// Close implements repositories.LiveConnection
func (c *geminiConnection) Close() error {
	return c.session.Close()
}

func isNormalClose(err error) bool {
	if errors.Is(err, io.EOF) {
		return true
	}
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
}

// translate flattens one server message into events. Audio comes first,
// then transcription, then the interruption and turn signals.
func translate(msg *genai.LiveServerMessage) []repositories.LiveEvent {
	content := msg.ServerContent
	if content == nil {
		return nil
	}

	var events []repositories.LiveEvent
	if content.ModelTurn != nil {
		for _, part := range content.ModelTurn.Parts {
			if part == nil || part.InlineData == nil || len(part.InlineData.Data) == 0 {
				continue
			}
			events = append(events, repositories.AudioChunk{
				MIMEType: part.InlineData.MIMEType,
				Data:     part.InlineData.Data,
			})
		}
	}
	if t := content.InputTranscription; t != nil && t.Text != "" {
		events = append(events, repositories.TranscriptionDelta{Direction: repositories.DirectionInput, Text: t.Text})
	}
	if t := content.OutputTranscription; t != nil && t.Text != "" {
		events = append(events, repositories.TranscriptionDelta{Direction: repositories.DirectionOutput, Text: t.Text})
	}
	if content.Interrupted {
		events = append(events, repositories.Interrupted{})
	}
	if content.TurnComplete {
		events = append(events, repositories.TurnComplete{})
	}
	return events
}
