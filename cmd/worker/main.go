// Package main runs the background worker that repairs subscription ledger rows
// left behind by degraded provisionings.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/partyline/backend/config"
	"github.com/partyline/backend/internal/billing"
	"github.com/partyline/backend/internal/identity"
	"github.com/partyline/backend/internal/parties"
	"github.com/partyline/backend/internal/provisioning"
	"github.com/partyline/backend/internal/subscriptions"
	"github.com/partyline/backend/internal/worker"
	"github.com/partyline/backend/pkg/database"
	"github.com/partyline/backend/pkg/queue"
	"github.com/partyline/backend/pkg/redis"
)

func main() {
	logger := newLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}
	if cfg.Stripe.SecretKey == "" {
		logger.Fatal("config", zap.String("missing", "STRIPE_SECRET_KEY"))
	}

	ctx := context.Background()
	pool, err := database.NewPostgresPool(ctx, cfg.Database.DSN(), logger)
	if err != nil {
		logger.Fatal("database", zap.Error(err))
	}
	defer pool.Close()

	rdb, err := redis.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
	if err != nil {
		logger.Fatal("redis", zap.Error(err))
	}
	defer rdb.Close()

	jobQueue := queue.NewQueue(rdb.Client, logger)
	provisioner := provisioning.NewProvisioner(
		parties.NewRepository(pool, cfg.Database.Timeout),
		subscriptions.NewRepository(pool, cfg.Database.Timeout),
		identity.NewRepository(pool, cfg.Database.Timeout),
		jobQueue,
		logger,
	)
	processor := billing.NewStripeProcessor(cfg.Stripe.SecretKey, cfg.Stripe.APITimeout, logger)
	repairs := worker.NewRepairProcessor(processor, provisioner, jobQueue, cfg.Worker.RetryBackoff, logger)

	workerCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go repairs.Run(workerCtx)
	logger.Info("worker started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	cancel()
	time.Sleep(2 * time.Second)
	logger.Info("worker stopped")
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
