package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/zap"

	_ "github.com/noah-isme/drivingschool-api/api/swagger"
	"github.com/noah-isme/drivingschool-api/internal/handler"
	internalmiddleware "github.com/noah-isme/drivingschool-api/internal/middleware"
	"github.com/noah-isme/drivingschool-api/internal/repository"
	"github.com/noah-isme/drivingschool-api/internal/service"
	"github.com/noah-isme/drivingschool-api/pkg/cache"
	"github.com/noah-isme/drivingschool-api/pkg/config"
	"github.com/noah-isme/drivingschool-api/pkg/database"
	"github.com/noah-isme/drivingschool-api/pkg/jobs"
	"github.com/noah-isme/drivingschool-api/pkg/logger"
	"github.com/noah-isme/drivingschool-api/pkg/mailer"
	corsmiddleware "github.com/noah-isme/drivingschool-api/pkg/middleware/cors"
	reqidmiddleware "github.com/noah-isme/drivingschool-api/pkg/middleware/requestid"
	"github.com/noah-isme/drivingschool-api/pkg/storage"
)

// @title Driving School Tuition API
// @version 1.0.0
// @description Installment plans, payments, receipts and reminders for a driving school.
// @BasePath /api/v1
// @schemes http
// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization

type application struct {
	installments *handler.InstallmentHandler
	payments     *handler.PaymentHandler
	receipts     *handler.ReceiptHandler
	metrics      *handler.MetricsHandler

	notifications *jobs.Queue
	reminders     *service.ReminderService
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logr, err := logger.New(cfg)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logr.Sync() //nolint:errcheck

	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := database.NewPostgres(ctx, cfg.Database, logr)
	if err != nil {
		logr.Fatal("failed to connect to database", zap.Error(err))
	}
	defer db.Close() //nolint:errcheck

	metricsSvc := service.NewMetricsService()
	checks := map[string]handler.Pinger{"database": handler.PingerFunc(db.PingContext)}

	var cacheRepo service.CacheRepository
	if cfg.Cache.Enabled {
		client, err := cache.NewRedis(ctx, cfg.Redis)
		if err != nil {
			logr.Warn("redis unavailable, plan summary cache disabled", zap.Error(err))
		} else {
			repo := repository.NewCacheRepository(client, logr)
			defer repo.Close() //nolint:errcheck
			cacheRepo = repo
			checks["redis"] = repo
		}
	}
	cacheSvc := service.NewCacheService(cacheRepo, metricsSvc, cfg.Cache.TTL, logr, cacheRepo != nil)

	app, err := buildApplication(cfg, db, logr, metricsSvc, cacheSvc, checks)
	if err != nil {
		logr.Fatal("failed to build services", zap.Error(err))
	}

	app.notifications.Start(context.Background())
	defer app.notifications.Stop()

	if cfg.Reminders.Interval > 0 {
		go app.reminders.RunEvery(ctx, cfg.Reminders.Interval)
		logr.Info("reminder ticker enabled", zap.Duration("interval", cfg.Reminders.Interval))
	}

	tokens := service.NewTokenService(cfg.JWT.Secret, cfg.JWT.Issuer)
	router := newRouter(cfg, logr, metricsSvc, tokens, app)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logr.Info("server starting", zap.String("addr", srv.Addr), zap.String("env", cfg.Env))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logr.Fatal("server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logr.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logr.Error("graceful shutdown failed", zap.Error(err))
	}
}

func buildApplication(
	cfg *config.Config,
	db *sqlx.DB,
	logr *zap.Logger,
	metricsSvc *service.MetricsService,
	cacheSvc *service.CacheService,
	checks map[string]handler.Pinger,
) (*application, error) {
	validate := validator.New()

	planRepo := repository.NewInstallmentPlanRepository(db)
	paymentRepo := repository.NewPaymentRepository(db)
	studentRepo := repository.NewStudentRepository(db)

	mail := mailer.New(mailer.Config{
		Host:     cfg.Mail.Host,
		Port:     cfg.Mail.Port,
		Username: cfg.Mail.Username,
		Password: cfg.Mail.Password,
		Sender:   cfg.Mail.Sender,
	}, logr)
	var notifications *service.NotificationService
	queue := jobs.NewQueue("notifications", func(ctx context.Context, job jobs.Job) error {
		return notifications.Deliver(ctx, job)
	}, jobs.QueueConfig{
		Workers:    cfg.Notifications.Workers,
		MaxRetries: cfg.Notifications.MaxRetries,
		RetryDelay: cfg.Notifications.RetryDelay,
		Logger:     logr,
	})
	notifications = service.NewNotificationService(studentRepo, mail, logr,
		service.WithNotificationQueue(queue),
		service.WithNotificationMetrics(metricsSvc),
		service.WithNotificationBranding(cfg.Receipts.SchoolName, cfg.Receipts.Currency),
	)

	fileStorage, err := storage.NewLocalStorage(cfg.Receipts.StorageDir)
	if err != nil {
		return nil, fmt.Errorf("init receipt storage: %w", err)
	}
	signer := storage.NewSignedURLSigner(cfg.Receipts.SignedURLSecret, cfg.Receipts.SignedURLTTL)
	receipts := service.NewReceiptService(paymentRepo, studentRepo, nil, fileStorage, signer, service.ReceiptConfig{
		SchoolName:  cfg.Receipts.SchoolName,
		Currency:    cfg.Receipts.Currency,
		TaxRate:     decimal.NewFromFloat(cfg.Receipts.TaxRate),
		DownloadURL: cfg.APIPrefix + "/receipts/download",
	}, logr)

	installments := service.NewInstallmentService(planRepo, notifications, validate, logr,
		service.WithInstallmentCache(cacheSvc, cfg.Cache.TTL),
		service.WithInstallmentMetrics(metricsSvc),
	)
	payments := service.NewPaymentService(paymentRepo, planRepo, validate, logr,
		service.WithPaymentReceipts(receipts),
		service.WithPaymentNotifier(notifications),
		service.WithPaymentCache(cacheSvc),
		service.WithPaymentMetrics(metricsSvc),
	)
	reminders := service.NewReminderService(planRepo, notifications, metricsSvc, cfg.Reminders.WindowDays, logr)

	return &application{
		installments:  handler.NewInstallmentHandler(installments),
		payments:      handler.NewPaymentHandler(payments, reminders),
		receipts:      handler.NewReceiptHandler(receipts),
		metrics:       handler.NewMetricsHandler(metricsSvc, checks),
		notifications: queue,
		reminders:     reminders,
	}, nil
}

func newRouter(cfg *config.Config, logr *zap.Logger, metricsSvc *service.MetricsService, tokens internalmiddleware.TokenValidator, h *application) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(logr))
	r.Use(corsmiddleware.New(cfg.CORS.AllowedOrigins))
	r.Use(internalmiddleware.Metrics(metricsSvc))

	r.GET("/health", h.metrics.Health)
	r.GET("/ready", h.metrics.Ready)
	r.GET("/metrics", h.metrics.Prometheus)
	if cfg.Env != config.EnvProduction {
		r.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	api := r.Group(cfg.APIPrefix)
	api.GET("/receipts/download", h.receipts.Download)

	secured := api.Group("")
	secured.Use(internalmiddleware.JWT(tokens))

	installments := secured.Group("/installments")
	installments.POST("", h.installments.Create)
	installments.GET("", h.installments.List)
	installments.GET("/:id", h.installments.Get)
	installments.PUT("/:id", h.installments.Update)
	installments.PATCH("/:id/pay", h.installments.Pay)
	installments.DELETE("/:id", h.installments.Delete)

	payments := secured.Group("/payments")
	payments.POST("", h.payments.Create)
	payments.GET("", h.payments.List)
	payments.GET("/:id", h.payments.Get)
	payments.PUT("/:id", h.payments.Update)
	payments.DELETE("/:id", h.payments.Delete)

	secured.GET("/receipts/:paymentId", h.receipts.Get)

	admin := secured.Group("/admin")
	admin.Use(internalmiddleware.RequireAdmin())
	admin.GET("/installments/summary", h.installments.Summary)
	admin.PATCH("/installments/:id/approve", h.installments.Approve)
	admin.PATCH("/installments/:id/reject", h.installments.Reject)
	admin.GET("/payments/export", h.payments.Export)
	admin.POST("/payments/reminders/run", h.payments.RunReminders)
	admin.PATCH("/payments/:id/approve", h.payments.Approve)
	admin.PATCH("/payments/:id/reject", h.payments.Reject)

	return r
}
