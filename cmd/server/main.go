package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/sellerdesk/backend/internal/application/assistant"
	appingestion "github.com/sellerdesk/backend/internal/application/ingestion"
	domainingestion "github.com/sellerdesk/backend/internal/domain/ingestion"
	"github.com/sellerdesk/backend/internal/infrastructure/cache"
	"github.com/sellerdesk/backend/internal/infrastructure/config"
	"github.com/sellerdesk/backend/internal/infrastructure/gateway"
	"github.com/sellerdesk/backend/internal/infrastructure/logger"
	"github.com/sellerdesk/backend/internal/infrastructure/marketplace"
	"github.com/sellerdesk/backend/internal/infrastructure/oauth"
	"github.com/sellerdesk/backend/internal/infrastructure/persistence"
	"github.com/sellerdesk/backend/internal/infrastructure/queue"
	"github.com/sellerdesk/backend/internal/infrastructure/vault"
	"github.com/sellerdesk/backend/internal/interfaces/http/handler"
	"github.com/sellerdesk/backend/internal/interfaces/http/router"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic("Failed to load configuration: " + err.Error())
	}

	log, err := logger.New(cfg.Log)
	if err != nil {
		panic("Failed to initialize logger: " + err.Error())
	}
	defer func() {
		_ = log.Sync()
	}()

	log.Info("Starting SellerDesk backend",
		zap.String("app", cfg.App.Name),
		zap.String("env", cfg.App.Env),
		zap.String("port", cfg.App.Port),
	)

	db, err := persistence.NewDatabase(&cfg.Database)
	if err != nil {
		log.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.Error("Error closing database", zap.Error(err))
		}
	}()

	redisClient := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := redisClient.Ping(context.Background()).Err(); err != nil {
		log.Fatal("Failed to connect to redis", zap.Error(err))
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			log.Error("Error closing redis client", zap.Error(err))
		}
	}()

	sealer, err := vault.NewAESVault(cfg.Vault.MasterSecret)
	if err != nil {
		log.Fatal("Failed to initialize credential vault", zap.Error(err))
	}

	// Repositories
	credentialRepo := persistence.NewGormCredentialRepository(db.DB)
	eventRepo := persistence.NewGormEventRepository(db.DB)

	// Account linking flow
	marketplaceClient := marketplace.NewClient(cfg.Marketplace)
	handshakeStore := oauth.NewRedisHandshakeStore(redisClient)
	flow := oauth.NewFlowManager(
		handshakeStore,
		oauth.NewRedisExchangeMemo(redisClient),
		oauth.NewRedisBackoffGate(redisClient, cfg.Marketplace.GlobalBackoffCap),
		sealer,
		credentialRepo,
		marketplaceClient,
		oauth.FlowManagerConfig{
			HandshakeTTL:    cfg.Marketplace.HandshakeTTL,
			ExchangeMemoTTL: cfg.Marketplace.ExchangeMemoTTL,
			RefreshMargin:   cfg.Marketplace.RefreshMargin,
		},
		log,
	)

	janitor := oauth.NewJanitor(handshakeStore, cfg.Marketplace.JanitorSchedule, log)
	if err := janitor.Start(); err != nil {
		log.Fatal("Failed to start handshake janitor", zap.Error(err))
	}

	// Outbound gateway
	breaker := gateway.NewCircuitBreaker(gateway.NewRedisCircuitStore(redisClient), cfg.Gateway.Circuit, log)
	limiter := gateway.NewRateLimiter(gateway.NewRedisRateWindowStore(redisClient), cfg.Gateway, log)
	gw := gateway.NewGateway(breaker, limiter, flow, cfg.Gateway, log)

	// Tiered cache
	store := cache.NewTieredCache(
		cache.NewLocalCache(),
		cache.NewRedisCache(redisClient),
		cache.WithTTLs(cfg.Cache.L1TTL, cfg.Cache.L2TTL),
		cache.WithHotKeyStrategy(cache.NewPrefixHotKeys(cfg.Cache.HotPrefixes)),
		cache.WithLogger(log),
	)
	defer func() {
		if err := store.Close(); err != nil {
			log.Error("Error closing cache", zap.Error(err))
		}
	}()

	// Ingestion pipeline
	webhookService := appingestion.NewWebhookService(eventRepo, credentialRepo, cfg.Queue, log)

	notifier := assistant.NewLoggingNotifier(log)
	registry := queue.NewRegistry()
	registry.Register(domainingestion.TopicQuestions,
		assistant.NewQuestionHandler(gw, marketplaceClient, store, credentialRepo, assistant.TemplateResponder{}, notifier, log))
	registry.Register(domainingestion.TopicClaims,
		assistant.NewClaimHandler(gw, marketplaceClient, credentialRepo, notifier, log))

	worker := queue.NewWorker(eventRepo, registry, cfg.Queue, log)
	if err := worker.Start(context.Background()); err != nil {
		log.Fatal("Failed to start ingestion worker", zap.Error(err))
	}

	// Cache warm-up pre-fills the keys the event path and operator surface
	// read through: linked-account profiles and the queue stats entry.
	warmer := cache.NewWarmer(cfg.Cache.WarmupSchedule, log)
	warmer.Register("active_credentials", assistant.NewCredentialWarmLoader(credentialRepo, store, log))
	warmer.Register("queue_stats", func(ctx context.Context) error {
		counts, err := webhookService.QueueStats(ctx)
		if err != nil {
			return err
		}
		data, err := json.Marshal(counts)
		if err != nil {
			return err
		}
		return store.Set(ctx, handler.QueueStatsCacheKey, data, cfg.Cache.L2TTL, "ops")
	})
	if err := warmer.Start(); err != nil {
		log.Fatal("Failed to start cache warmer", zap.Error(err))
	}

	// HTTP surface
	if cfg.App.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := router.NewRouter(log).
		RegisterRoot(
			handler.NewWebhookHandler(webhookService, log),
			handler.NewOAuthHandler(flow, log),
			handler.NewSystemHandler(db, redisClient),
		).
		RegisterAPI(
			handler.NewOpsHandler(webhookService, store, breaker, limiter, log),
		).
		Setup()

	server := &http.Server{
		Addr:           ":" + cfg.App.Port,
		Handler:        engine,
		ReadTimeout:    cfg.HTTP.ReadTimeout,
		WriteTimeout:   cfg.HTTP.WriteTimeout,
		IdleTimeout:    cfg.HTTP.IdleTimeout,
		MaxHeaderBytes: cfg.HTTP.MaxHeaderBytes,
	}

	go func() {
		log.Info("HTTP server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("Shutting down")

	// Stop accepting traffic first, then drain the worker so in-flight events
	// finish before the stores go away.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown failed", zap.Error(err))
	}
	if err := worker.Stop(shutdownCtx); err != nil {
		log.Error("Worker shutdown incomplete", zap.Error(err))
	}
	if err := warmer.Stop(shutdownCtx); err != nil {
		log.Error("Cache warmer shutdown incomplete", zap.Error(err))
	}
	if err := janitor.Stop(shutdownCtx); err != nil {
		log.Error("Janitor shutdown incomplete", zap.Error(err))
	}

	log.Info("Shutdown complete")
}
