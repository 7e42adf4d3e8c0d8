package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cart-sync/config"
	"cart-sync/internal/api"
	"cart-sync/internal/auth"
	"cart-sync/internal/broker"
	"cart-sync/internal/redisclient"
	"cart-sync/internal/service"
	"cart-sync/internal/store"
	"cart-sync/internal/util"
	"cart-sync/internal/worker"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func main() {

	cfg := config.Load()

	if err := util.InitLogger(cfg.Server.Env, cfg.Server.LogLevel); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer util.SyncLogger()

	logger := util.GetLogger()
	logger.Info("Starting cart sync client")

	tp, err := util.InitTracer("cart-sync", cfg.Observ.JaegerEndpoint)
	if err != nil {
		log.Fatalf("Failed to initialize tracer: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			log.Printf("Error shutting down tracer: %v", err)
		}
	}()

	ctx := context.Background()

	// Without local storage the offline cart is disabled and session/auth state lives in memory
	var (
		offlineStore service.OfflineStore
		kv           service.KeyValueStore = store.NewMemoryKV()
	)
	db, err := store.Open(cfg.Storage.Path)
	if err != nil {
		logger.Warn("Local storage unavailable, offline cart disabled", zap.Error(err))
	} else {
		defer db.Close()
		offlineStore = db
		kv = db
		logger.Info("Local storage opened", zap.String("path", cfg.Storage.Path))
	}

	tokens := auth.NewTokenStore(kv)
	if err := tokens.Load(ctx); err != nil {
		logger.Warn("Failed to load cached credentials", zap.Error(err))
	}
	sessions := service.NewSessionManager(kv)

	connectivity := service.NewConnectivity(cfg.CartAPI.BaseURL+cfg.CartAPI.HealthPath, cfg.CartAPI.ProbeTimeout)
	defer connectivity.Close()

	cartClient := service.NewCartClient(service.CartClientConfig{
		BaseURL:          cfg.CartAPI.BaseURL,
		Timeout:          cfg.CartAPI.RequestTimeout,
		BreakerThreshold: cfg.Cart.BreakerThreshold,
		BreakerTimeout:   cfg.Cart.BreakerTimeout,
	}, tokens, sessions)
	defer cartClient.Close()

	offline := service.NewOfflineCartManager(offlineStore, connectivity)
	defer offline.Close()
	if err := offline.Load(ctx); err != nil {
		logger.Warn("Failed to load offline cart", zap.Error(err))
	}

	var opts []service.CoordinatorOption
	checks := map[string]api.ReadinessCheck{}

	var redisClient *redisclient.Client
	if cfg.Redis.Addr != "" {
		redisClient, err = redisclient.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.BroadcastChannel)
		if err != nil {
			log.Fatalf("Failed to connect to Redis: %v", err)
		}
		defer redisClient.Close()
		logger.Info("Redis connected")

		opts = append(opts, service.WithSessionBus(redisClient), service.WithReconcileGuard(redisClient))
		checks["redis"] = redisClient.Ping
	}

	var producer *broker.Producer
	if len(cfg.Kafka.Brokers) > 0 {
		producer = broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicCart)
		defer producer.Close()
		logger.Info("Kafka producer initialized")

		opts = append(opts, service.WithEventPublisher(broker.NewEventPublisher(producer)))
	}

	coordinator := service.NewCoordinator(cartClient, offline, sessions, tokens, service.CoordinatorConfig{
		SyncPolicy:      cfg.Cart.SyncPolicy,
		FallbackRetries: cfg.Cart.FallbackRetries,
		LockTTL:         cfg.Redis.LockTTL,
	}, opts...)
	defer coordinator.Close()

	taxRate, err := decimal.NewFromString(cfg.Cart.TaxRate)
	if err != nil {
		log.Fatalf("Invalid tax rate %q: %v", cfg.Cart.TaxRate, err)
	}
	updater := service.NewQuantityUpdater(cartClient, service.QuantityUpdaterConfig{
		TaxRate:        taxRate,
		ClickDebounce:  cfg.Cart.ClickDebounce,
		TypingDebounce: cfg.Cart.TypingDebounce,
	})
	updater.Start()
	defer updater.Close()

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	connectivityWorker := worker.NewConnectivityWorker(connectivity, coordinator, cfg.CartAPI.ProbeInterval)
	go func() {
		if err := connectivityWorker.Start(workerCtx); err != nil {
			logger.Error("Connectivity worker error", zap.Error(err))
		}
	}()

	if redisClient != nil {
		busWorker := worker.NewSessionBusWorker(redisClient, coordinator)
		go func() {
			if err := busWorker.Start(workerCtx); err != nil {
				logger.Error("Session bus worker error", zap.Error(err))
			}
		}()
	}

	var authWorker *worker.AuthEventWorker
	if len(cfg.Kafka.Brokers) > 0 {
		authConsumer := broker.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicAuth, cfg.Kafka.ConsumerGroup)
		authWorker = worker.NewAuthEventWorker(authConsumer, coordinator, tokens)
		go func() {
			if err := authWorker.Start(workerCtx); err != nil {
				logger.Error("Auth event worker error", zap.Error(err))
			}
		}()
	}

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	handler := api.NewHandler(api.Services{
		Coordinator:  coordinator,
		Cart:         cartClient,
		Offline:      offline,
		Updater:      updater,
		Connectivity: connectivity,
		Credentials:  tokens,
		Checks:       checks,
	})
	handler.SetupRoutes(router)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: router,
	}

	go func() {
		logger.Info("Starting HTTP server", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	workerCancel()
	if authWorker != nil {
		if err := authWorker.Stop(); err != nil {
			logger.Warn("Failed to stop auth worker", zap.Error(err))
		}
	}

	logger.Info("Client exited")
}
