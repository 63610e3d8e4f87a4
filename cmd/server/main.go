package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/satriahrh/aria/adapters/live"
	"github.com/satriahrh/aria/adapters/llm"
	"github.com/satriahrh/aria/adapters/memory"
	"github.com/satriahrh/aria/adapters/mongo"
	"github.com/satriahrh/aria/adapters/stt"
	"github.com/satriahrh/aria/domain/repositories"
	"github.com/satriahrh/aria/internal/api"
	"github.com/satriahrh/aria/internal/auth"
	"github.com/satriahrh/aria/internal/config"
	"github.com/satriahrh/aria/internal/logging"
	"github.com/satriahrh/aria/internal/metrics"
	"github.com/satriahrh/aria/internal/websocket"
	"github.com/satriahrh/aria/usecase"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	logger, undo, err := logging.New(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()
	defer undo()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("Server failed", zap.Error(err))
	}
	logger.Info("Server exited")
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	// Storage
	var (
		users         repositories.UserRepository
		conversations repositories.ConversationRepository
		ping          func(context.Context) error
	)
	if cfg.Mongo.URI != "" {
		client, err := mongo.NewClient(ctx, cfg.Mongo.URI, cfg.Mongo.Database, logger)
		if err != nil {
			return err
		}
		defer func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			client.Close(closeCtx)
		}()

		userRepo := mongo.NewUserRepository(client.Database)
		conversationRepo := mongo.NewConversationRepository(client.Database)
		if err := userRepo.EnsureIndexes(ctx); err != nil {
			logger.Error("Failed to create user indexes", zap.Error(err))
		}
		if err := conversationRepo.EnsureIndexes(ctx); err != nil {
			logger.Error("Failed to create conversation indexes", zap.Error(err))
		}
		users, conversations, ping = userRepo, conversationRepo, client.Ping
	} else {
		logger.Warn("MONGODB_URI not set, conversations are kept in memory")
		users, conversations = memory.NewUserRepository(), memory.NewConversationRepository()
	}

	recorder := usecase.NewConversationRecorder(conversations, 0, m, logger)
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := recorder.Close(flushCtx); err != nil {
			logger.Error("Failed to flush conversation log", zap.Error(err))
		}
	}()

	// Initialize adapters
	transport, err := live.NewGeminiLive(ctx, cfg.Gemini.APIKey, logger)
	if err != nil {
		return err
	}
	chatModel, err := llm.NewGeminiLLM(ctx, cfg.Gemini.APIKey, cfg.Profile.ChatModel, cfg.Profile.Fallbacks, logger)
	if err != nil {
		return err
	}

	var transcriber repositories.SpeechToText
	if cfg.Transcription.Provider == config.ProviderGoogle {
		transcriber = stt.NewGoogleSpeechToText(logger)
		logger.Info("Using Google Cloud Speech for input transcription",
			zap.String("language", cfg.Transcription.Language))
	}

	// Initialize usecase services
	chatService := usecase.NewChatService(chatModel, conversations, cfg.Profile, m, logger)

	// Initialize WebSocket hub
	hub := websocket.NewHub(websocket.HubDeps{
		Transport:      transport,
		Transcriber:    transcriber,
		Sink:           recorder,
		Profile:        cfg.Profile,
		Language:       cfg.Transcription.Language,
		Clock:          clock.New(),
		Metrics:        m,
		AllowedOrigins: cfg.Server.AllowedOrigins,
	}, logger)
	hubCtx, stopHub := context.WithCancel(context.Background())
	hubDone := make(chan struct{})
	go func() {
		defer close(hubDone)
		hub.Run(hubCtx)
	}()

	// Create Echo instance
	e := echo.New()
	e.HideBanner = true

	// Middleware
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI:    true,
		LogStatus: true,
		LogMethod: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			logger.Info("request",
				zap.String("method", v.Method),
				zap.String("uri", v.URI),
				zap.Int("status", v.Status))
			return nil
		},
	}))
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{AllowOrigins: cfg.Server.AllowedOrigins}))

	// Initialize API routes
	api.InitRoutes(e, api.Deps{
		Hub:      hub,
		Users:    users,
		Chat:     chatService,
		Issuer:   auth.NewIssuer(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL),
		Gatherer: reg,
		Metrics:  m,
		Ping:     ping,
	}, logger)

	// Graceful shutdown
	serverErr := make(chan error, 1)
	go func() {
		if err := e.Start(":" + cfg.Server.Port); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	logger.Info("Server started",
		zap.String("port", cfg.Server.Port),
		zap.String("liveModel", cfg.Profile.LiveModel),
		zap.String("transcription", cfg.Transcription.Provider))

	select {
	case <-ctx.Done():
	case err := <-serverErr:
		stopHub()
		return fmt.Errorf("shutting down the server: %w", err)
	}

	logger.Info("Server is shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	// Closing the hub ends every voice session, flushing its transcript.
	stopHub()
	<-hubDone

	return nil
}
