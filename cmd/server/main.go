package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/VoxRelayAI/sip-realtime-gateway/internal/config"
	"github.com/VoxRelayAI/sip-realtime-gateway/internal/handler"
	"github.com/VoxRelayAI/sip-realtime-gateway/pkg/logger"
)

const shutdownTimeout = 10 * time.Second

// Server represents the SIP realtime gateway server
type Server struct {
	config         *config.Config
	router         *mux.Router
	handlerManager *handler.HandlerManager
}

// NewServer creates a new gateway server
func NewServer(cfg *config.Config) (*Server, error) {
	router := mux.NewRouter()

	// Initialize handler manager - it will create all services internally
	handlerManager, err := handler.NewHandlerManager(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize handler manager: %w", err)
	}

	// Setup all routes through handler manager
	handlerManager.SetupAllRoutes(router)

	return &Server{
		config:         cfg,
		router:         router,
		handlerManager: handlerManager,
	}, nil
}

// Start runs the HTTP server until a shutdown signal arrives, then drains
// in-flight requests and tears down the active streams.
func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.config.Port)

	server := &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Base().Info("Starting server", zap.String("addr", addr))
		errCh <- server.ListenAndServe()
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-stop:
		logger.Base().Info("Shutting down", zap.String("signal", sig.String()))
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Base().Error("Forced shutdown", zap.Error(err))
	}

	s.handlerManager.Shutdown()
	return nil
}

func main() {
	// Load .env for local development; in deployment the environment is set
	// by the platform.
	if err := godotenv.Load(); err != nil {
		logger.Base().Debug("No .env file found, using environment variables")
	}

	cfg := config.LoadConfigFromEnv()

	// Initialize zap logger and redirect stdlib log to it
	if _, err := logger.Init(cfg.Environment); err != nil {
		logger.Base().Error("Failed to initialize zap logger, falling back to std log")
	}
	defer logger.Sync()

	if cfg.OpenAI.APIKey == "" {
		logger.Base().Fatal("OPENAI_API_KEY is required")
	}
	if cfg.OpenAI.WebhookSecret == "" {
		logger.Base().Fatal("OPENAI_WEBHOOK_SECRET is required")
	}

	server, err := NewServer(cfg)
	if err != nil {
		logger.Base().Fatal("Failed to initialize server", zap.Error(err))
	}

	if err := server.Start(); err != nil && err != http.ErrServerClosed {
		logger.Base().Fatal("Server stopped", zap.Error(err))
	}
}
