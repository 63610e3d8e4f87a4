package api

import (
	"context"
	"errors"
	"net/http"
	"net/mail"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/satriahrh/aria/domain/entities"
	"github.com/satriahrh/aria/domain/repositories"
	"github.com/satriahrh/aria/internal/auth"
	"github.com/satriahrh/aria/internal/metrics"
	"github.com/satriahrh/aria/internal/websocket"
)

const claimsKey = "claims"

// ChatService is the text tutor used by the chat and history endpoints
type ChatService interface {
	Reply(ctx context.Context, user *entities.User, lesson entities.LessonContext, text string) (entities.ConversationMessage, error)
	History(ctx context.Context, userKey string, limit int) ([]entities.ConversationMessage, error)
}

// Deps are the collaborators of the HTTP API
type Deps struct {
	Hub      *websocket.Hub
	Users    repositories.UserRepository
	Chat     ChatService
	Issuer   *auth.Issuer
	Gatherer prometheus.Gatherer
	Metrics  *metrics.Metrics
	// Ping checks the backing store for /health. Optional.
	Ping func(ctx context.Context) error
}

type handler struct {
	deps   Deps
	logger *zap.Logger
}

// InitRoutes initializes all API routes
func InitRoutes(e *echo.Echo, deps Deps, logger *zap.Logger) {
	if deps.Metrics == nil {
		deps.Metrics = metrics.NewNop()
	}
	h := &handler{deps: deps, logger: logger}

	e.Use(h.countRequests)

	// Health check
	e.GET("/health", h.health)

	if deps.Gatherer != nil {
		e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{})))
	}

	// API v1 routes
	v1 := e.Group("/api/v1")
	v1.POST("/auth/sync", h.authSync)

	authed := v1.Group("", h.requireUser)
	authed.GET("/conversations", h.getConversations)
	authed.POST("/chat", h.chat)

	// WebSocket endpoint with JWT validation
	e.GET("/ws", h.websocketWithAuth)
}

func (h *handler) countRequests(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		err := next(c)
		status := c.Response().Status
		var he *echo.HTTPError
		if errors.As(err, &he) {
			status = he.Code
		}
		path := c.Path()
		if path == "" {
			path = "unmatched"
		}
		h.deps.Metrics.HTTPRequests.WithLabelValues(c.Request().Method, path, strconv.Itoa(status)).Inc()
		return err
	}
}

func (h *handler) health(c echo.Context) error {
	resp := map[string]interface{}{
		"status":  "ok",
		"service": "aria-server",
	}
	if h.deps.Hub != nil {
		resp["clients"] = h.deps.Hub.ClientCount()
	}
	if h.deps.Ping != nil {
		if err := h.deps.Ping(c.Request().Context()); err != nil {
			h.logger.Warn("Health check failed", zap.Error(err))
			resp["status"] = "degraded"
			return c.JSON(http.StatusServiceUnavailable, resp)
		}
	}
	return c.JSON(http.StatusOK, resp)
}

func (h *handler) authSync(c echo.Context) error {
	var req AuthSyncRequest
	if err := c.Bind(&req); err != nil {
		h.logger.Error("Failed to bind auth sync request", zap.Error(err))
		return c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "invalid_request",
			Message: "Invalid request format",
		})
	}

	req.Email = strings.ToLower(strings.TrimSpace(req.Email))
	if _, err := mail.ParseAddress(req.Email); err != nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "missing_fields",
			Message: "A valid email is required",
		})
	}

	user := &entities.User{Email: req.Email, Name: strings.TrimSpace(req.Name)}
	if err := h.deps.Users.Upsert(c.Request().Context(), user); err != nil {
		h.logger.Error("Failed to sync user", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "internal_error",
			Message: "Failed to sync user",
		})
	}

	token, expiresAt, err := h.deps.Issuer.GenerateUserToken(user.Key, user.Email, user.Name)
	if err != nil {
		h.logger.Error("Failed to generate user token",
			zap.String("userKey", user.Key),
			zap.Error(err))
		return c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "token_generation_failed",
			Message: "Failed to generate authentication token",
		})
	}

	h.logger.Info("User synced", zap.String("userKey", user.Key))

	return c.JSON(http.StatusOK, AuthSyncResponse{
		Token:     token,
		ExpiresAt: expiresAt,
		User:      user,
	})
}

func (h *handler) getConversations(c echo.Context) error {
	claims := c.Get(claimsKey).(*auth.JWTClaims)

	limit := 0
	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return c.JSON(http.StatusBadRequest, ErrorResponse{
				Error:   "invalid_limit",
				Message: "limit must be a non-negative integer",
			})
		}
		limit = n
	}

	messages, err := h.deps.Chat.History(c.Request().Context(), claims.UserKey, limit)
	if err != nil {
		h.logger.Error("Failed to load conversations",
			zap.String("userKey", claims.UserKey),
			zap.Error(err))
		return c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "internal_error",
			Message: "Failed to load conversations",
		})
	}
	if messages == nil {
		messages = []entities.ConversationMessage{}
	}

	return c.JSON(http.StatusOK, ConversationsResponse{Messages: messages})
}

func (h *handler) chat(c echo.Context) error {
	claims := c.Get(claimsKey).(*auth.JWTClaims)

	var req ChatRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "invalid_request",
			Message: "Invalid request format",
		})
	}

	user := &entities.User{Key: claims.UserKey, Email: claims.Email, Name: claims.Name}
	lesson := entities.LessonContext{Subject: strings.TrimSpace(req.Subject), Modules: req.Modules}

	reply, err := h.deps.Chat.Reply(c.Request().Context(), user, lesson, req.Text)
	if err != nil {
		if errors.Is(err, entities.ErrEmptyMessage) {
			return c.JSON(http.StatusBadRequest, ErrorResponse{
				Error:   "missing_fields",
				Message: "text is required",
			})
		}
		h.logger.Error("Failed to generate chat reply",
			zap.String("userKey", claims.UserKey),
			zap.Error(err))
		return c.JSON(http.StatusBadGateway, ErrorResponse{
			Error:   "chat_failed",
			Message: "The tutor could not answer right now",
		})
	}

	return c.JSON(http.StatusOK, ChatResponse{Message: reply})
}

// bearerToken extracts the JWT from the Authorization header, or from the
// token query parameter for browser websockets which cannot set headers.
func bearerToken(c echo.Context) string {
	authHeader := c.Request().Header.Get("Authorization")
	if token, ok := strings.CutPrefix(authHeader, "Bearer "); ok && token != "" {
		return token
	}
	return c.QueryParam("token")
}

func (h *handler) authenticate(c echo.Context) (*auth.JWTClaims, error) {
	token := bearerToken(c)
	if token == "" {
		h.logger.Warn("Request rejected: missing token", zap.String("path", c.Path()))
		return nil, c.JSON(http.StatusUnauthorized, ErrorResponse{
			Error:   "missing_token",
			Message: "JWT token is required",
		})
	}

	claims, err := h.deps.Issuer.ValidateToken(token)
	if err != nil {
		h.logger.Warn("Request rejected: invalid token", zap.Error(err))
		return nil, c.JSON(http.StatusUnauthorized, ErrorResponse{
			Error:   "invalid_token",
			Message: "Invalid or expired JWT token",
		})
	}
	return claims, nil
}

func (h *handler) requireUser(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		claims, err := h.authenticate(c)
		if claims == nil {
			return err
		}
		c.Set(claimsKey, claims)
		return next(c)
	}
}

// websocketWithAuth handles WebSocket connections with JWT authentication
func (h *handler) websocketWithAuth(c echo.Context) error {
	claims, err := h.authenticate(c)
	if claims == nil {
		return err
	}

	h.logger.Info("WebSocket connection authenticated", zap.String("userKey", claims.UserKey))

	return websocket.HandleWebSocketWithAuth(h.deps.Hub, c, websocket.Identity{
		UserKey: claims.UserKey,
		Name:    claims.Name,
	}, h.logger)
}
