// Command liveclient drives a voice session against a running server. It
// streams a raw PCM16 mono recording as the microphone and writes the
// tutor's audio to a raw PCM16 file.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/satriahrh/aria/internal/api"
	"github.com/satriahrh/aria/internal/logging"
	"github.com/satriahrh/aria/internal/pcm"
	ws "github.com/satriahrh/aria/internal/websocket"
)

type options struct {
	server  string
	email   string
	name    string
	subject string
	modules string
	input   string
	output  string
	rate    int
	chunk   int
}

// writer serializes writes; the connection allows one concurrent writer.
type writer struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (w *writer) writeJSON(v interface{}) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn.WriteJSON(v)
}

func (w *writer) writeMessage(messageType int, data []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn.WriteMessage(messageType, data)
}

func main() {
	var opts options
	flag.StringVar(&opts.server, "server", "http://localhost:8080", "server base URL")
	flag.StringVar(&opts.email, "email", "student@example.com", "student email")
	flag.StringVar(&opts.name, "name", "", "student name")
	flag.StringVar(&opts.subject, "subject", "", "lesson subject")
	flag.StringVar(&opts.modules, "modules", "", "comma separated lesson modules")
	flag.StringVar(&opts.input, "input", "", "raw PCM16 mono recording to use as the microphone")
	flag.StringVar(&opts.output, "output", "response.pcm", "file receiving the tutor's PCM16 audio")
	flag.IntVar(&opts.rate, "rate", 16000, "sample rate of the input recording")
	flag.IntVar(&opts.chunk, "chunk", 4096, "samples per microphone frame")
	flag.Parse()

	logger, undo, err := logging.New("debug")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()
	defer undo()

	if err := run(opts, logger); err != nil {
		logger.Fatal("liveclient failed", zap.Error(err))
	}
}

func run(opts options, logger *zap.Logger) error {
	token, err := authenticate(opts)
	if err != nil {
		return fmt.Errorf("authenticate: %w", err)
	}
	logger.Info("Authenticated", zap.String("email", opts.email))

	base, err := url.Parse(opts.server)
	if err != nil {
		return err
	}
	u := url.URL{Scheme: "ws", Host: base.Host, Path: "/ws"}
	if base.Scheme == "https" {
		u.Scheme = "wss"
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()

	conn, resp, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial: status %d: %w", resp.StatusCode, err)
		}
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()
	w := &writer{conn: conn}

	out, err := os.Create(opts.output)
	if err != nil {
		return err
	}
	defer out.Close()

	var modules []string
	for _, m := range strings.Split(opts.modules, ",") {
		if m = strings.TrimSpace(m); m != "" {
			modules = append(modules, m)
		}
	}
	connect := ws.ConnectMessage{
		BaseMessage: ws.BaseMessage{Type: ws.MessageTypeConnect, Timestamp: time.Now().Format(time.RFC3339)},
		Subject:     opts.subject,
		Modules:     modules,
		StudentName: opts.name,
	}
	if err := w.writeJSON(connect); err != nil {
		return err
	}

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)

	done := make(chan struct{})
	micRequests := make(chan ws.MicRequestMessage, 1)
	go readMessages(conn, out, micRequests, done, logger)

	for {
		select {
		case <-done:
			return nil
		case req := <-micRequests:
			if err := startMicrophone(w, req, opts, logger); err != nil {
				return err
			}
		case <-interrupt:
			logger.Info("Interrupted, disconnecting")
			w.writeJSON(ws.ControlMessage{BaseMessage: ws.BaseMessage{Type: ws.MessageTypeDisconnect}})
			err := w.writeMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			if err != nil {
				return err
			}
			select {
			case <-done:
			case <-time.After(time.Second):
			}
			return nil
		}
	}
}

func authenticate(opts options) (string, error) {
	body, err := json.Marshal(api.AuthSyncRequest{Email: opts.email, Name: opts.name})
	if err != nil {
		return "", err
	}
	resp, err := http.Post(strings.TrimRight(opts.server, "/")+"/api/v1/auth/sync", "application/json", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var e api.ErrorResponse
		json.NewDecoder(resp.Body).Decode(&e)
		return "", fmt.Errorf("status %d: %s", resp.StatusCode, e.Error)
	}

	var auth api.AuthSyncResponse
	if err := json.NewDecoder(resp.Body).Decode(&auth); err != nil {
		return "", err
	}
	return auth.Token, nil
}

// startMicrophone acknowledges the request and streams the input recording
// in real time, or reports a mic_error when there is nothing to stream.
func startMicrophone(w *writer, req ws.MicRequestMessage, opts options, logger *zap.Logger) error {
	if opts.input == "" {
		return w.writeJSON(ws.MicErrorMessage{
			BaseMessage: ws.BaseMessage{Type: ws.MessageTypeMicError},
			Message:     "no input recording",
		})
	}
	if req.SampleRate != opts.rate {
		logger.Warn("Input rate differs from the requested rate",
			zap.Int("input", opts.rate), zap.Int("requested", req.SampleRate))
	}

	data, err := os.ReadFile(opts.input)
	if err != nil {
		return err
	}
	samples, err := pcm.DecodeFrame(data, opts.rate, 1)
	if err != nil {
		return err
	}

	if err := w.writeJSON(ws.ControlMessage{BaseMessage: ws.BaseMessage{Type: ws.MessageTypeMicStart}}); err != nil {
		return err
	}

	go func() {
		frame := time.Duration(opts.chunk) * time.Second / time.Duration(opts.rate)
		ticker := time.NewTicker(frame)
		defer ticker.Stop()

		start := time.Now()
		for i := 0; i < len(samples); i += opts.chunk {
			end := min(i+opts.chunk, len(samples))
			if err := w.writeMessage(websocket.BinaryMessage, pcm.EncodeFloat32(samples[i:end])); err != nil {
				logger.Error("Failed to send microphone frame", zap.Error(err))
				return
			}
			<-ticker.C
		}
		logger.Info("Finished streaming input", zap.Duration("elapsed", time.Since(start)))
	}()
	return nil
}

func readMessages(conn *websocket.Conn, out *os.File, micRequests chan<- ws.MicRequestMessage, done chan struct{}, logger *zap.Logger) {
	defer close(done)
	var chunks int

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			logger.Info("Connection closed", zap.Error(err))
			return
		}

		var base ws.BaseMessage
		if err := json.Unmarshal(message, &base); err != nil {
			logger.Warn("Unreadable message", zap.Error(err))
			continue
		}

		switch base.Type {
		case ws.MessageTypeAudio:
			var msg ws.AudioMessage
			if err := json.Unmarshal(message, &msg); err != nil {
				logger.Warn("Bad audio message", zap.Error(err))
				continue
			}
			data, err := pcm.TextToBytes(msg.Data)
			if err != nil {
				logger.Warn("Bad audio payload", zap.Error(err))
				continue
			}
			chunks++
			if _, err := out.Write(data); err != nil {
				logger.Error("Failed to write audio", zap.Error(err))
			}
			logger.Debug("Audio", zap.Int("chunk", chunks), zap.Int64("start_ms", msg.StartMS), zap.Int64("duration_ms", msg.DurationMS))

		case ws.MessageTypeMicRequest:
			var msg ws.MicRequestMessage
			if err := json.Unmarshal(message, &msg); err != nil {
				logger.Warn("Bad mic request", zap.Error(err))
				continue
			}
			select {
			case micRequests <- msg:
			default:
			}

		case ws.MessageTypeStatus:
			var msg ws.StatusMessage
			json.Unmarshal(message, &msg)
			logger.Info("Status", zap.String("state", msg.State))

		case ws.MessageTypeTranscriptPartial:
			var msg ws.TranscriptPartialMessage
			json.Unmarshal(message, &msg)
			logger.Debug("Partial", zap.String("direction", msg.Direction), zap.String("text", msg.Text))

		case ws.MessageTypeMessage:
			var msg ws.ConversationMessageEnvelope
			json.Unmarshal(message, &msg)
			logger.Info("Message",
				zap.String("role", string(msg.Message.Role)),
				zap.String("text", msg.Message.Text),
				zap.Bool("interrupted", msg.Message.Interrupted))

		case ws.MessageTypeError:
			var msg ws.ErrorMessage
			json.Unmarshal(message, &msg)
			logger.Error("Server error", zap.String("code", msg.Code), zap.String("message", msg.Message))

		default:
			logger.Debug("Received", zap.String("type", string(base.Type)), zap.ByteString("raw", message))
		}
	}
}
