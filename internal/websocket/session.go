package websocket

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/satriahrh/aria/domain/entities"
	"github.com/satriahrh/aria/domain/repositories"
	"github.com/satriahrh/aria/internal/capture"
	"github.com/satriahrh/aria/internal/config"
	"github.com/satriahrh/aria/internal/pcm"
	"github.com/satriahrh/aria/internal/playback"
	"github.com/satriahrh/aria/internal/voice"
)

const transcriptionEncoding = "LINEAR16"

var decodeSamples = pcm.DecodeFloat32

// voiceBinding is the voice session currently attached to a client
type voiceBinding struct {
	session *voice.Session
	cancel  context.CancelFunc
	done    chan struct{}
}

func (c *Client) handleConnect(msg *ConnectMessage) {
	if c.voice != nil && c.voice.session.State() != voice.StateIdle {
		c.sendJSON(CreateErrorMessage("already_connected", "A voice session is already active", ""))
		return
	}
	c.stopVoice()

	session, err := c.newSession(msg)
	if err != nil {
		c.logger.Error("Failed to create voice session", zap.Error(err))
		c.sendJSON(CreateErrorMessage("session_error", "Could not prepare the voice session", err.Error()))
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	b := &voiceBinding{session: session, cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(b.done)
		session.Run(ctx)
	}()
	c.voice = b

	if c.micMuted {
		session.SetMicEnabled(false)
	}

	c.logger.Info("Voice session requested",
		zap.String("subject", msg.Subject),
		zap.Int("modules", len(msg.Modules)))

	go func() {
		if err := session.Connect(ctx); err != nil && !errors.Is(err, voice.ErrSessionClosed) {
			c.sendJSON(CreateErrorMessage("connect_failed", "Could not open the voice session", err.Error()))
		}
	}()
}

func (c *Client) handleDisconnect() {
	if c.voice == nil {
		return
	}
	if err := c.voice.session.Disconnect(); err != nil {
		c.logger.Warn("Failed to disconnect voice session", zap.Error(err))
	}
	c.stopVoice()
}

func (c *Client) handleInterrupt() {
	if c.voice == nil {
		return
	}
	if err := c.voice.session.Interrupt(); err != nil {
		c.logger.Warn("Failed to interrupt voice session", zap.Error(err))
	}
}

func (c *Client) handleMic(enabled bool) {
	c.micMuted = !enabled
	if c.voice == nil {
		return
	}
	if err := c.voice.session.SetMicEnabled(enabled); err != nil {
		c.logger.Warn("Failed to toggle microphone", zap.Error(err))
	}
}

// stopVoice ends the attached session and waits for its teardown.
func (c *Client) stopVoice() {
	if c.voice == nil {
		return
	}
	c.voice.cancel()
	<-c.voice.done
	c.voice = nil
}

func (c *Client) newSession(msg *ConnectMessage) (*voice.Session, error) {
	deps := c.hub.deps
	profile := deps.Profile

	name := msg.StudentName
	if name == "" {
		name = c.user.Name
	}
	student := &entities.User{Name: name}
	lesson := msg.Lesson()

	instruction, err := profile.RenderVoicePersona(config.PersonaContext{
		TutorName:   profile.Name,
		StudentName: student.DisplayName(),
		Subject:     lesson.Subject,
		Modules:     lesson.Modules,
	})
	if err != nil {
		return nil, err
	}

	cfg := voice.Config{
		UserKey: c.user.UserKey,
		Live: repositories.LiveConfig{
			Model:             profile.LiveModel,
			SystemInstruction: instruction,
			Voice:             profile.Voice,
			TranscribeInput:   deps.Transcriber == nil,
			TranscribeOutput:  true,
		},
		Capture: capture.Config{
			SampleRate: profile.Audio.InputSampleRate,
			Channels:   1,
			FrameSize:  profile.Audio.FrameSize,
		},
		OutputSampleRate: profile.Audio.OutputSampleRate,
		Transcription: repositories.AudioConfig{
			SampleRate: profile.Audio.InputSampleRate,
			Encoding:   transcriptionEncoding,
			Language:   deps.Language,
		},
	}

	lead := time.Duration(profile.Audio.PlaybackLeadMS) * time.Millisecond
	output := playback.NewPacedOutput(deps.Clock, clientOutput{out: c}, lead)

	return voice.NewSession(cfg, voice.Deps{
		Transport:   deps.Transport,
		Microphone:  c.mic,
		Output:      output,
		Sink:        deps.Sink,
		Transcriber: deps.Transcriber,
		Listener:    clientListener{out: c, logger: c.logger},
		Metrics:     deps.Metrics,
	}, c.logger), nil
}
