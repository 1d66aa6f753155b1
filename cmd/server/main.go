// Package main runs the party subscription HTTP server with graceful shutdown.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/partyline/backend/config"
	"github.com/partyline/backend/internal/billing"
	"github.com/partyline/backend/internal/identity"
	"github.com/partyline/backend/internal/middleware"
	"github.com/partyline/backend/internal/parties"
	"github.com/partyline/backend/internal/provisioning"
	"github.com/partyline/backend/internal/signup"
	"github.com/partyline/backend/internal/subscriptions"
	"github.com/partyline/backend/internal/webhooks"
	"github.com/partyline/backend/pkg/database"
	"github.com/partyline/backend/pkg/queue"
	"github.com/partyline/backend/pkg/redis"
	"github.com/partyline/backend/pkg/response"
	"github.com/partyline/backend/pkg/storage"
)

func main() {
	logger := newLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal("config", zap.Error(err))
	}

	ctx := context.Background()
	pool, err := database.NewPostgresPool(ctx, cfg.Database.DSN(), logger)
	if err != nil {
		logger.Fatal("database", zap.Error(err))
	}
	defer pool.Close()

	if err := database.Migrate(ctx, pool); err != nil {
		logger.Fatal("migrate", zap.Error(err))
	}

	rdb, err := redis.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
	if err != nil {
		logger.Fatal("redis", zap.Error(err))
	}
	defer rdb.Close()

	// Webhook archive is optional; leave it off when no bucket is configured.
	var archive webhooks.Archiver
	if cfg.AWS.ArchiveBucket != "" {
		s3Client, err := storage.NewS3(ctx, storage.S3Config{
			Region:          cfg.AWS.Region,
			AccessKeyID:     cfg.AWS.AccessKeyID,
			SecretAccessKey: cfg.AWS.SecretAccessKey,
			ArchiveBucket:   cfg.AWS.ArchiveBucket,
		}, logger)
		if err != nil {
			logger.Warn("s3 archive disabled", zap.Error(err))
		} else {
			archive = s3Client
		}
	}

	jwtService := identity.NewJWTService(cfg.JWT.Secret, cfg.JWT.ExpireHours)
	identityRepo := identity.NewRepository(pool, cfg.Database.Timeout)
	processor := billing.NewStripeProcessor(cfg.Stripe.SecretKey, cfg.Stripe.APITimeout, logger)

	partyRepo := parties.NewRepository(pool, cfg.Database.Timeout)
	subsRepo := subscriptions.NewRepository(pool, cfg.Database.Timeout)
	signupRepo := signup.NewRepository(pool, cfg.Database.Timeout)
	jobQueue := queue.NewQueue(rdb.Client, logger)

	provisioner := provisioning.NewProvisioner(partyRepo, subsRepo, identityRepo, jobQueue, logger)
	reconciler := subscriptions.NewReconciler(subsRepo, logger)
	signupService := signup.NewService(
		signupRepo,
		processor,
		provisioner,
		partyRepo,
		redis.NewLocker(rdb.Client, "lock:"),
		signup.Config{
			PriceID:        cfg.Stripe.PriceID,
			PendingTTL:     cfg.Signup.PendingTTL,
			LockTTL:        cfg.Signup.LockTTL,
			RequestTimeout: cfg.Server.HandlerTimeout,
		},
		logger,
	)

	dispatcher := webhooks.NewDispatcher(webhooks.Deps{
		Verifier:      webhooks.NewVerifier(cfg.Stripe.WebhookSecret, cfg.Stripe.Tolerance),
		Subscriptions: processor,
		Provisioner:   provisioner,
		Reconciler:    reconciler,
		Signups:       signupService,
		Archive:       archive,
		Logger:        logger,
		Timeout:       cfg.Server.HandlerTimeout,
	})

	webhookHandler := webhooks.NewHandler(dispatcher, logger)
	signupHandler := signup.NewHandler(signupService, logger)
	partyHandler := parties.NewHandler(partyRepo, logger)
	partyAccess := parties.Access{Repository: partyRepo, SubscriptionReader: subsRepo}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CORS(cfg.Server.CORSAllowedOrigins))
	router.Use(middleware.Logger(logger))

	router.GET("/health", func(c *gin.Context) { response.OK(c, gin.H{"status": "ok"}) })

	auth := middleware.JWT(jwtService)

	// Processor notifications carry no bearer token; the signature is checked in the dispatcher.
	webhookHandler.RegisterRoutes(router)
	signupHandler.RegisterRoutes(router, auth)
	partyHandler.RegisterRoutes(router, auth, partyAccess)

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	go func() {
		logger.Info("server listening", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}
	logger.Info("server stopped")
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
