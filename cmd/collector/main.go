package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/kbs-analytics/collector/internal/collect"
	"github.com/kbs-analytics/collector/internal/config"
	"github.com/kbs-analytics/collector/internal/schema"
	"github.com/kbs-analytics/collector/pkg/kafka"
	"github.com/kbs-analytics/collector/pkg/logger"
	"github.com/kbs-analytics/collector/pkg/postgres"
	"go.uber.org/zap"
)

func main() {

	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("Error loading config: %v", err))
	}

	log, err := logger.NewLogger(cfg.LogLevel, cfg.Environment)
	if err != nil {
		panic(fmt.Sprintf("Error initializing logger: %v", err))
	}

	defer log.Sync()

	log = logger.WithService(log, "collector")
	log.Info("Starting collector",
		zap.String("environment", cfg.Environment),
		zap.String("http_port", cfg.HTTPPort),
		zap.Duration("session_duration", cfg.Session.Duration),
		zap.Bool("validate_payloads", cfg.Collect.ValidatePayloads),
	)

	store, err := newSessionStore(cfg, log)
	if err != nil {
		log.Fatal("Error initializing session store", zap.Error(err))
	}
	defer store.Close()

	registry, err := schema.NewRegistry(cfg.Collect.SchemasDir, log)
	if err != nil {
		log.Fatal("Error initializing schema registry", zap.Error(err))
	}

	publisher, err := kafka.NewPublisher(kafka.PublisherConfig{
		Brokers:          cfg.Kafka.Brokers,
		Topic:            cfg.Kafka.TrackingKey,
		Retries:          cfg.Kafka.ProducerRetries,
		Timeout:          cfg.Kafka.ProducerTimeout,
		RequiredAcks:     cfg.Kafka.RequiredAcks,
		Compression:      cfg.Kafka.CompressionType,
		IdempotentWrites: cfg.Kafka.IdempotentWrites,
		MaxMessageBytes:  cfg.Kafka.MaxMessageBytes,
	}, log)

	if err != nil {
		log.Fatal("Error initializing kafka", zap.Error(err))
	}

	defer publisher.Close()

	service := collect.NewService(store, publisher, collect.ServiceConfig{
		SessionDuration: cfg.Session.Duration,
		FlowWithPayload: cfg.Collect.FlowWithPayload,
	}, log)

	handler := collect.NewHandler(service, registry, collect.HandlerConfig{
		ValidatePayloads: cfg.Collect.ValidatePayloads,
		SessionTTL:       cfg.Session.TTL,
		CookieSecure:     cfg.Collect.CookieSecure,
	}, log)

	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(cors.New(corsConfig(cfg.Collect.AllowedOrigins)))
	handler.Register(r)

	srv := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: r,
	}

	go func() {
		log.Info("Starting HTTP server", zap.String("port", cfg.HTTPPort))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Error running HTTP server", zap.Error(err))
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down HTTP server")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Warn("shutdown HTTP server timed out", zap.Error(err))
	}
	log.Info("HTTP server stopped")
}

func newSessionStore(cfg *config.Config, log *zap.Logger) (collect.SessionStore, error) {
	switch cfg.Session.Store {
	case "postgres":
		db, err := postgres.New(postgres.Config{
			DSN:             cfg.Postgres.PostgresDSN(),
			MaxOpenConns:    cfg.Postgres.MaxOpenConns,
			MaxIdleConns:    cfg.Postgres.MaxIdleConns,
			ConnMaxLifetime: cfg.Postgres.ConnMaxLifetime,
		}, log)
		if err != nil {
			return nil, err
		}
		return collect.NewPostgresStore(db, cfg.Session.TTL, log)
	case "memory":
		return collect.NewMemoryStore(cfg.Session.TTL, log), nil
	default:
		return nil, fmt.Errorf("unknown session store %q", cfg.Session.Store)
	}
}

func corsConfig(origins []string) cors.Config {
	c := cors.Config{
		AllowMethods: []string{"POST", "OPTIONS"},
		AllowHeaders: []string{
			"Origin", "Content-Type", "Accept", "User-Agent",
		},
		AllowCredentials: true,
	}
	if len(origins) == 1 && origins[0] == "*" {
		// Credentialed beacons cannot ride a wildcard origin, so echo the
		// request origin instead.
		c.AllowOriginFunc = func(origin string) bool { return true }
	} else {
		c.AllowOrigins = origins
	}
	return c
}
