package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/bitvex/bitvex/internal/audit"
	"github.com/bitvex/bitvex/internal/balance"
	"github.com/bitvex/bitvex/internal/config"
	"github.com/bitvex/bitvex/internal/database"
	"github.com/bitvex/bitvex/internal/ledger"
	"github.com/bitvex/bitvex/internal/messaging"
	"github.com/bitvex/bitvex/internal/server"
	"github.com/bitvex/bitvex/internal/trading"
	"github.com/bitvex/bitvex/internal/workflow"
	"github.com/bitvex/bitvex/pkg/logger"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("Warning: .env file not found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	zapLogger, err := logger.New(cfg.LogLevel, cfg.LogPretty)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer zapLogger.Sync()

	db, err := database.Open(cfg.Database)
	if err != nil {
		zapLogger.Fatal("Failed to connect to database", zap.Error(err))
	}
	if err := database.Migrate(db); err != nil {
		zapLogger.Fatal("Failed to migrate schema", zap.Error(err))
	}

	var publisher messaging.Publisher = messaging.NopPublisher{}
	if len(cfg.Kafka.Brokers) > 0 {
		kp, err := messaging.NewKafkaPublisher(cfg.Kafka, zapLogger)
		if err != nil {
			zapLogger.Fatal("Failed to create kafka publisher", zap.Error(err))
		}
		publisher = kp
	}

	var cache *redis.Client
	if cfg.Redis.Addr != "" {
		cache = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := cache.Ping(context.Background()).Err(); err != nil {
			zapLogger.Warn("Redis unreachable, wallet cache disabled", zap.Error(err))
			cache = nil
		}
	}

	auditSvc := audit.NewService(db, zapLogger, 1024)

	store := ledger.NewStore(db)
	ledgerSvc := ledger.NewService(store, zapLogger, auditSvc, publisher, cfg.Ledger)
	workflowSvc := workflow.NewService(db, ledgerSvc, auditSvc, zapLogger)
	tradingSvc := trading.NewService(db, ledgerSvc, auditSvc, zapLogger)
	view := balance.NewView(db, ledgerSvc, cache, cfg.Redis.CacheTTL, zapLogger)

	handler := server.NewHandler(workflowSvc, tradingSvc, view, ledgerSvc, zapLogger)
	srv := server.New(cfg.ListenAddr, handler, zapLogger)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		zapLogger.Info("Shutting down", zap.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil {
			zapLogger.Error("HTTP server failed", zap.Error(err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zapLogger.Error("Graceful shutdown failed", zap.Error(err))
	}

	if err := publisher.Close(); err != nil {
		zapLogger.Warn("Failed to close publisher", zap.Error(err))
	}
	auditSvc.Close()
	zapLogger.Info("Shutdown complete")
}
