package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/stexlab/stex/libs/health"
	"github.com/stexlab/stex/libs/httpmiddleware"
	"github.com/stexlab/stex/libs/kafka"
	"github.com/stexlab/stex/libs/logging"
	"github.com/stexlab/stex/libs/metrics"
	"github.com/stexlab/stex/libs/trace"
	"github.com/stexlab/stex/services/exchange/internal/config"
	"github.com/stexlab/stex/services/exchange/internal/consumer"
	"github.com/stexlab/stex/services/exchange/internal/handlers"
	"github.com/stexlab/stex/services/exchange/internal/registry"
	"github.com/stexlab/stex/services/exchange/internal/service"
	"github.com/stexlab/stex/services/exchange/internal/storage"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.NewLogger(cfg.App.LogLevel, cfg.App.ServiceName, cfg.App.Env)
	if cfg.ReadOnly {
		logger.Warn("running in read-only mode: this deployment has been superseded")
	}

	shutdownTracer, err := trace.InitTracer(cfg.App.ServiceName, cfg.App.Env)
	if err != nil {
		logger.Error("init tracer failed", "error", err)
		os.Exit(1)
	}

	promRegistry := prometheus.NewRegistry()
	metrics.Register(promRegistry)
	producerMetrics := kafka.NewProducerMetrics(promRegistry)
	svcMetrics := service.NewMetrics(promRegistry)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var store storage.Store
	if cfg.Database.InMemory {
		logger.Warn("using in-memory store; state is lost on restart")
		store = storage.NewMemoryStore()
	} else {
		pg, err := storage.NewPostgresStore(ctx, cfg.Database.DSN)
		if err != nil {
			logger.Error("connect postgres failed", "error", err)
			os.Exit(1)
		}
		store = pg
	}
	defer store.Close()

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := redisClient.Ping(ctx).Err(); err != nil {
		// The registry degrades to direct store reads, so this is not fatal.
		logger.Warn("redis unreachable, gate cache disabled", "error", err)
		_ = redisClient.Close()
		redisClient = nil
	} else {
		defer func() { _ = redisClient.Close() }()
	}

	reg := registry.New(store, redisClient, cfg.Redis.GateTTL, logger)

	producer, err := kafka.NewSyncProducer(cfg.Kafka.Brokers, logger, producerMetrics)
	if err != nil {
		logger.Error("create kafka producer failed", "error", err)
		os.Exit(1)
	}
	publisher := kafka.NewDLQPublisher(producer, producer, cfg.Kafka.Topics.DLQ, logger)
	defer func() { _ = publisher.Close() }()

	svc := service.New(service.Options{
		Store:     store,
		Gates:     reg,
		Publisher: publisher,
		Topics:    cfg.Kafka.Topics,
		Logger:    logger,
		Metrics:   svcMetrics,
		ReadOnly:  cfg.ReadOnly,
	})

	transferConsumer, err := kafka.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.ConsumerGroup, logger)
	if err != nil {
		logger.Error("create kafka consumer failed", "error", err)
		os.Exit(1)
	}
	transferHandler := consumer.NewTransferHandler(svc, publisher, cfg.Kafka.Topics.DLQ, logger)
	go func() {
		if err := transferConsumer.Consume(ctx, []string{cfg.Kafka.Topics.TokenTransfers}, transferHandler); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("transfer consumer stopped", "error", err)
		}
	}()

	if cfg.App.Env == "prod" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(
		httpmiddleware.Recovery(logger),
		httpmiddleware.RequestID(),
		httpmiddleware.Logger(logger),
		trace.Middleware(cfg.App.ServiceName),
	)

	healthMgr := health.NewManager(false)
	router.GET("/healthz", health.LivenessHandler)
	router.GET("/readyz", health.ReadinessHandler(healthMgr))
	router.GET(cfg.App.MetricsPath, gin.WrapH(metrics.Handler(promRegistry)))

	handlers.New(svc, reg, logger).Register(router)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.App.HTTP.Host, cfg.App.HTTP.Port),
		Handler:      router,
		ReadTimeout:  cfg.App.HTTP.ReadTimeout,
		WriteTimeout: cfg.App.HTTP.WriteTimeout,
		IdleTimeout:  cfg.App.HTTP.IdleTimeout,
	}

	go func() {
		logger.Info("http server listening", "addr", server.Addr, "read_only", cfg.ReadOnly)
		healthMgr.SetReady(true)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	healthMgr.SetReady(false)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown failed", "error", err)
	}
	if err := transferConsumer.Close(); err != nil {
		logger.Error("consumer close failed", "error", err)
	}
	if err := shutdownTracer(shutdownCtx); err != nil {
		logger.Error("tracer shutdown failed", "error", err)
	}
	logger.Info("stopped")
}
