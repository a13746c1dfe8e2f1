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

	"offer-service/config"
	"offer-service/internal/api"
	"offer-service/internal/auth"
	"offer-service/internal/broker"
	"offer-service/internal/email"
	"offer-service/internal/payment"
	"offer-service/internal/receipt"
	"offer-service/internal/redisclient"
	"offer-service/internal/reviewprompt"
	"offer-service/internal/service"
	"offer-service/internal/storage"
	"offer-service/internal/store"
	"offer-service/internal/util"
	"offer-service/internal/worker"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func main() {

	cfg := config.Load()

	if err := util.InitLogger("offer-service", cfg.Server.Env); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer util.SyncLogger()

	logger := util.GetLogger()
	logger.Info("Starting offer service")

	tp, err := util.InitTracer("offer-service", cfg.Observ.JaegerEndpoint)
	if err != nil {
		logger.Fatal("Failed to initialize tracer", zap.Error(err))
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			logger.Warn("Error shutting down tracer", zap.Error(err))
		}
	}()

	db, err := store.NewStore(cfg.Database.URL)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer db.Close()

	ctx := context.Background()
	if err := db.EnsureSchema(ctx); err != nil {
		logger.Fatal("Failed to apply schema", zap.Error(err))
	}
	logger.Info("Database connected")

	redisClient, err := redisclient.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		logger.Fatal("Failed to connect to Redis", zap.Error(err))
	}
	defer redisClient.Close()
	logger.Info("Redis connected")

	eventProducer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicEvents)
	defer eventProducer.Close()
	chatProducer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicChat)
	defer chatProducer.Close()
	logger.Info("Kafka producers initialized")

	eventPublisher := broker.NewEventPublisher(eventProducer)
	chatPublisher := broker.NewChatPublisher(chatProducer)

	var gateway payment.Gateway
	if cfg.Stripe.SecretKey != "" {
		gateway = payment.NewStripeGateway(cfg.Stripe.SecretKey, cfg.Stripe.WebhookSecret)
	} else {
		logger.Warn("STRIPE_SECRET_KEY not set, using the stub payment gateway")
		gateway = payment.NewStubGateway()
	}

	var uploader service.Uploader
	minioUploader, err := storage.NewMinIOUploader(storage.Config{
		Endpoint:  cfg.Storage.Endpoint,
		AccessKey: cfg.Storage.AccessKey,
		SecretKey: cfg.Storage.SecretKey,
		UseSSL:    cfg.Storage.UseSSL,
		Bucket:    cfg.Storage.Bucket,
		PublicURL: cfg.Storage.PublicURL,
	})
	if err != nil {
		logger.Warn("Object storage unavailable, receipts will not get documents", zap.Error(err))
	} else if err := minioUploader.EnsureBucketExists(ctx); err != nil {
		logger.Warn("Failed to ensure receipt bucket", zap.Error(err))
	} else {
		uploader = minioUploader
	}

	convService := service.NewConversationService(db, chatPublisher, redisClient, cfg.Business.CacheTTL)
	offerService := service.NewOfferService(db, convService, gateway, eventPublisher, service.OfferConfig{
		Currencies: cfg.Business.Currencies,
		Fees: payment.FeeSchedule{
			CommissionRate: decimal.NewFromFloat(cfg.Business.CommissionRate),
			TaxRate:        decimal.NewFromFloat(cfg.Business.TaxRate),
		},
		SuccessURL: cfg.Stripe.SuccessURL,
		CancelURL:  cfg.Stripe.CancelURL,
	})
	reconciler := service.NewReconcileService(db, convService, gateway, eventPublisher, redisClient,
		receipt.NewRenderer(cfg.Business.ReceiptIssuer), uploader, service.ReconcileConfig{
			ReceiptAttempts: cfg.Business.ReceiptAttempts,
			ReceiptBackoff:  cfg.Business.ReceiptBackoff,
			UploadTimeout:   cfg.Business.UploadTimeout,
		})
	agreementService := service.NewAgreementService(db, convService, eventPublisher, redisClient)
	projectionService := service.NewProjectionService(db, redisClient, cfg.Business.CacheTTL)
	tracker := reviewprompt.NewTracker(redisClient, service.NewReviewConfirmer(db))
	reviewService := service.NewReviewService(db, tracker, eventPublisher, redisClient)

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	projectionConsumer := broker.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicEvents, cfg.Kafka.ConsumerGroup+"-projection")
	projectionWorker := worker.NewProjectionWorker(projectionConsumer, redisClient, redisClient)
	go func() {
		if err := projectionWorker.Start(workerCtx); err != nil && workerCtx.Err() == nil {
			logger.Error("Projection worker error", zap.Error(err))
		}
	}()

	var notificationWorker *worker.NotificationWorker
	if cfg.SMTP.Host != "" && cfg.SMTP.AdminEmail != "" {
		sender := email.NewSMTPSender(cfg.SMTP.Host, cfg.SMTP.Port, cfg.SMTP.Username, cfg.SMTP.Password,
			cfg.SMTP.FromEmail, cfg.SMTP.FromName)
		notificationConsumer := broker.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicEvents, cfg.Kafka.ConsumerGroup+"-notification")
		notificationWorker = worker.NewNotificationWorker(notificationConsumer, sender, cfg.SMTP.AdminEmail, redisClient)
		go func() {
			if err := notificationWorker.Start(workerCtx); err != nil && workerCtx.Err() == nil {
				logger.Error("Notification worker error", zap.Error(err))
			}
		}()
	} else {
		logger.Info("SMTP or ADMIN_EMAIL not set, admin notifications disabled")
	}

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	handler := api.NewHandler(api.Services{
		Conversations: convService,
		Offers:        offerService,
		Reconciler:    reconciler,
		Agreements:    agreementService,
		Projection:    projectionService,
		Reviews:       reviewService,
	}, api.Options{
		Auth:       auth.NewResolver(cfg.Auth.JWTSecret, cfg.Auth.Issuer),
		Limiter:    redisClient,
		RateLimit:  cfg.Business.RateLimit,
		RateWindow: cfg.Business.RateWindow,
		AppBaseURL: cfg.Server.AppBaseURL,
		Checks:     map[string]api.Pinger{"database": db, "redis": redisClient},
	})
	handler.SetupRoutes(router)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: router,
	}

	go func() {
		logger.Info("Starting HTTP server", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Server forced to shutdown", zap.Error(err))
	}

	workerCancel()
	_ = projectionWorker.Stop()
	if notificationWorker != nil {
		_ = notificationWorker.Stop()
	}

	logger.Info("Server exited")
}
