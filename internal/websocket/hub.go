// Package websocket connects remote devices to voice sessions: the device
// streams its microphone up and receives paced model audio back.
package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/satriahrh/aria/domain/repositories"
	"github.com/satriahrh/aria/internal/config"
	"github.com/satriahrh/aria/internal/metrics"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 512 * 1024 // 512KB for audio chunks

	sendBuffer = 256
)

// HubDeps are the collaborators shared by every connection
type HubDeps struct {
	Transport repositories.LiveTransport
	// Transcriber replaces the live model's input transcription when set.
	Transcriber repositories.SpeechToText
	Sink        repositories.ConversationSink
	Profile     *config.TutorProfile
	Language    string
	Clock       clock.Clock
	Metrics     *metrics.Metrics
	// AllowedOrigins restricts browser origins; empty or "*" allows all.
	AllowedOrigins []string
}

// Identity is the authenticated user behind a connection
type Identity struct {
	UserKey string
	Name    string
}

// Hub maintains the set of active clients.
type Hub struct {
	// Registered clients, by connection ID.
	clients map[string]*Client

	// Register requests from the clients.
	register chan *Client

	// Unregister requests from clients.
	unregister chan *Client

	// Closed when Run returns.
	done chan struct{}

	// Registered clients whose read pump has not finished its teardown.
	active sync.WaitGroup

	// Mutex for thread-safe access to clients map
	mu sync.RWMutex

	deps     HubDeps
	upgrader websocket.Upgrader
	logger   *zap.Logger
}

// NewHub creates a new WebSocket hub
func NewHub(deps HubDeps, logger *zap.Logger) *Hub {
	if deps.Clock == nil {
		deps.Clock = clock.New()
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.NewNop()
	}

	h := &Hub{
		clients:    make(map[string]*Client),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		deps:       deps,
		logger:     logger,
	}
	h.upgrader = websocket.Upgrader{
		CheckOrigin:     h.checkOrigin,
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
	}
	return h
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	origins := h.deps.AllowedOrigins
	if len(origins) == 0 || slices.Contains(origins, "*") {
		return true
	}
	origin := r.Header.Get("Origin")
	return origin == "" || slices.Contains(origins, origin)
}

// Run starts the hub's main loop. When ctx is done every client is closed,
// and Run returns once their voice sessions have been torn down.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case client := <-h.register:
			h.active.Add(1)
			h.mu.Lock()
			h.clients[client.id] = client
			h.mu.Unlock()
			h.logger.Info("Client registered",
				zap.String("clientID", client.id),
				zap.String("userKey", client.user.UserKey))

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client.id]; ok {
				delete(h.clients, client.id)
				client.closeSend()
			}
			h.mu.Unlock()
			h.logger.Info("Client unregistered", zap.String("clientID", client.id))

		case <-ctx.Done():
			h.mu.Lock()
			for id, client := range h.clients {
				delete(h.clients, id)
				client.closeSend()
			}
			h.mu.Unlock()

			// Unregister is not served from here on; read pumps leave
			// through done after calling active.Done.
			h.active.Wait()
			h.logger.Info("Hub stopped")
			return
		}
	}
}

// ClientCount returns the number of registered clients
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// HandleWebSocketWithAuth handles websocket requests for an authenticated user
func HandleWebSocketWithAuth(hub *Hub, c echo.Context, user Identity, logger *zap.Logger) error {
	conn, err := hub.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		logger.Error("WebSocket upgrade failed", zap.Error(err))
		return err
	}

	client := newClient(hub, conn, user, logger)

	select {
	case hub.register <- client:
	case <-hub.done:
		conn.Close()
		return nil
	}

	// Allow collection of memory referenced by the caller by doing all work in
	// new goroutines.
	go client.writePump()
	go client.readPump()

	return nil
}

// WriteData is one outbound frame.
type WriteData struct {
	// MessageType is the type of the websocket message.
	// Expect websocket.TextMessage or websocket.BinaryMessage
	Type    int
	Payload []byte
}

// Client is a middleman between the websocket connection and the hub.
type Client struct {
	hub *Hub

	// The websocket connection.
	conn *websocket.Conn

	// Buffered channel of outbound messages.
	send chan WriteData

	id     string
	user   Identity
	logger *zap.Logger

	validator *MessageValidator
	mic       *clientMicrophone

	// Guards send against writes after close.
	mu     sync.Mutex
	closed bool

	// Owned by readPump.
	voice    *voiceBinding
	micMuted bool
}

func newClient(hub *Hub, conn *websocket.Conn, user Identity, logger *zap.Logger) *Client {
	id := uuid.NewString()
	c := &Client{
		hub:       hub,
		conn:      conn,
		send:      make(chan WriteData, sendBuffer),
		id:        id,
		user:      user,
		logger:    logger.With(zap.String("clientID", id), zap.String("userKey", user.UserKey)),
		validator: NewMessageValidator(),
	}
	c.mic = newClientMicrophone(c, c.logger)
	return c
}

// sendJSON queues a text message. It never blocks; a client that cannot keep
// up loses the message.
func (c *Client) sendJSON(v interface{}) bool {
	payload, err := json.Marshal(v)
	if err != nil {
		c.logger.Error("Failed to marshal message", zap.Error(err))
		return false
	}
	return c.enqueue(WriteData{Type: websocket.TextMessage, Payload: payload})
}

func (c *Client) enqueue(data WriteData) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		c.logger.Warn("Client send buffer full, dropping message")
		return false
	}
}

func (c *Client) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// readPump pumps messages from the websocket connection to the session.
func (c *Client) readPump() {
	defer func() {
		c.stopVoice()
		c.mic.close()
		c.hub.active.Done()
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		messageType, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Error("WebSocket error", zap.Error(err))
			}
			break
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))

		switch messageType {
		case websocket.TextMessage:
			c.processMessage(message)
		case websocket.BinaryMessage:
			c.processBinaryAudioChunk(message)
		default:
			c.logger.Warn("Received unknown message type", zap.Int("type", messageType))
		}
	}
}

// writePump pumps messages from the hub to the websocket connection.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(message.Type, message.Payload); err != nil {
				c.logger.Error("Failed to write message", zap.Error(err))
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// processMessage processes incoming control messages from the device
func (c *Client) processMessage(message []byte) {
	parsed, err := c.validator.ValidateMessage(message)
	if err != nil {
		c.logger.Warn("Invalid message", zap.Error(err))
		c.sendJSON(CreateErrorMessage("invalid_message", "Invalid message", err.Error()))
		return
	}

	switch msg := parsed.(type) {
	case *ConnectMessage:
		c.handleConnect(msg)
	case *ControlMessage:
		switch msg.Type {
		case MessageTypeDisconnect:
			c.handleDisconnect()
		case MessageTypeInterrupt:
			c.handleInterrupt()
		case MessageTypeMicStart:
			if !c.mic.resolve(nil) {
				c.logger.Debug("Unsolicited mic_start")
			}
		}
	case *MicMessage:
		c.handleMic(*msg.Enabled)
	case *MicErrorMessage:
		if !c.mic.resolve(micDenied(msg.Message)) {
			c.logger.Debug("Unsolicited mic_error", zap.String("message", msg.Message))
		}
	case *PingMessage:
		c.sendJSON(CreatePongMessage(msg.Data))
	}
}

// processBinaryAudioChunk handles raw float32 microphone samples
func (c *Client) processBinaryAudioChunk(data []byte) {
	samples, err := decodeSamples(data)
	if err != nil {
		c.logger.Warn("Dropping malformed microphone frame", zap.Int("size", len(data)), zap.Error(err))
		return
	}
	if !c.mic.push(samples) {
		c.logger.Debug("Microphone frame without open stream", zap.Int("samples", len(samples)))
	}
}

type micDenied string

func (e micDenied) Error() string { return "device microphone: " + string(e) }
