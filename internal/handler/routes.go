package handler

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/VoxRelayAI/sip-realtime-gateway/internal/config"
	"github.com/VoxRelayAI/sip-realtime-gateway/internal/core/model/openai"
	"github.com/VoxRelayAI/sip-realtime-gateway/internal/core/session"
	"github.com/VoxRelayAI/sip-realtime-gateway/internal/core/tool"
	"github.com/VoxRelayAI/sip-realtime-gateway/internal/repository"
	"github.com/VoxRelayAI/sip-realtime-gateway/pkg/audit"
	"github.com/VoxRelayAI/sip-realtime-gateway/pkg/logger"
	"github.com/VoxRelayAI/sip-realtime-gateway/pkg/redis"
)

// HandlerManager wires the service's components and owns their lifecycle.
type HandlerManager struct {
	config *config.Config

	tools   *tool.Manager
	streams *openai.Handler

	webhookHandler *RealtimeWebhookHandler
	opsHandler     *OpsHandler

	redisSvc       *redis.RedisService
	auditPublisher *audit.Publisher
}

// NewHandlerManager creates and initializes all handlers and services.
// Optional collaborators (Redis registry, database persistence, audit
// publishing) are wired only when configured; the core webhook path never
// depends on them.
func NewHandlerManager(cfg *config.Config) (*HandlerManager, error) {
	hm := &HandlerManager{config: cfg}

	hm.tools = tool.NewManager()
	acceptor := openai.NewClient(&cfg.OpenAI)
	hm.streams = openai.NewHandler(&cfg.OpenAI, hm.tools)

	sessionConfig := openai.NewSessionConfigBuilder(cfg, hm.tools).Build()

	// Optional active-call registry.
	var registry *session.Registry
	if cfg.Redis != nil {
		redisSvc, err := redis.NewRedisService(cfg.Redis)
		if err != nil {
			logger.Base().Warn("failed to initialize redis, running without call registry", zap.Error(err))
		} else {
			hm.redisSvc = redisSvc
			registry = session.NewRegistry(redisSvc, cfg.InstanceID)
			logger.Base().Info("call registry initialized", zap.String("instance_id", cfg.InstanceID))
		}
	}

	// Optional call record persistence.
	var callRepo *repository.CallRecordRepository
	if cfg.Database != nil {
		db, err := repository.NewDatabaseConnection(cfg.Database)
		if err != nil {
			logger.Base().Error("failed to connect to database", zap.Error(err))
			return nil, err
		}
		if err := repository.AutoMigrate(db); err != nil {
			logger.Base().Error("failed to run migrations", zap.Error(err))
			return nil, err
		}
		callRepo = repository.NewCallRecordRepository(db)
		logger.Base().Info("call record persistence initialized", zap.String("database", cfg.Database.DBName))
	}

	// Optional call lifecycle audit publishing.
	if cfg.Audit.Enabled() {
		publisher, err := audit.NewPublisher(context.Background(), &audit.PublisherConfig{
			ProjectID: cfg.Audit.ProjectID,
			TopicName: cfg.Audit.TopicName,
			PubID:     cfg.Audit.PubID,
		})
		if err != nil {
			logger.Base().Warn("failed to initialize audit publisher, running without audit events", zap.Error(err))
		} else {
			hm.auditPublisher = publisher
			logger.Base().Info("audit publisher initialized", zap.String("topic", cfg.Audit.TopicName))
		}
	}

	hm.webhookHandler = NewRealtimeWebhookHandler(
		cfg, sessionConfig, acceptor, hm.streams, registry, callRepo, hm.auditPublisher)

	// A finished stream means the call is over, whether or not the ended
	// webhook ever arrives.
	hm.streams.SetCloseHook(hm.webhookHandler.OnStreamClosed)

	hm.opsHandler = NewOpsHandler(cfg.InstanceID, hm.streams, registry, callRepo)

	return hm, nil
}

// SetupAllRoutes sets up all routes with middleware.
func (hm *HandlerManager) SetupAllRoutes(router *mux.Router) {
	// Apply global middleware
	router.Use(CORSMiddleware)
	router.Use(GlobalLoggingMiddleware)
	router.Use(RecoveryMiddleware)

	// Webhook endpoint, optionally rate limited.
	webhookRoute := http.Handler(http.HandlerFunc(hm.webhookHandler.HandleWebhook))
	if hm.config.Webhook.RateLimitRPS > 0 {
		webhookRoute = RateLimitMiddleware(hm.config.Webhook.RateLimitRPS, hm.config.Webhook.RateLimitBurst)(webhookRoute)
	}
	router.Handle(hm.config.Webhook.Path, webhookRoute).Methods("POST")

	// Ops endpoints.
	router.HandleFunc("/health", hm.opsHandler.HandleHealth).Methods("GET")

	apiRouter := router.PathPrefix("/api").Subrouter()
	apiRouter.Use(APIKeyMiddleware(hm.config.OpsAPISecret))
	apiRouter.HandleFunc("/calls", hm.opsHandler.HandleCalls).Methods("GET")

	logger.Base().Info("routes registered",
		zap.String("webhook_path", hm.config.Webhook.Path))
}

// Shutdown closes every active stream and releases shared resources.
func (hm *HandlerManager) Shutdown() {
	hm.streams.CloseAll()

	if hm.redisSvc != nil {
		if err := hm.redisSvc.Close(); err != nil {
			logger.Base().Warn("failed to close redis", zap.Error(err))
		}
	}
	if hm.auditPublisher != nil {
		if err := hm.auditPublisher.Close(); err != nil {
			logger.Base().Warn("failed to close audit publisher", zap.Error(err))
		}
	}
}
