package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/atelier-erp/settlement/internal/api"
	"github.com/atelier-erp/settlement/internal/config"
	"github.com/atelier-erp/settlement/internal/database"
	"github.com/atelier-erp/settlement/internal/eventbus"
	"github.com/atelier-erp/settlement/internal/mediators"
	"github.com/atelier-erp/settlement/internal/services"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger, err := initLogger(cfg.Log.Level)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	logger.Info("Starting settlement service")

	if cfg.Vault.Enabled {
		vault, err := config.NewVaultClient(cfg.Vault, logger)
		if err != nil {
			logger.Warn("Failed to initialize vault client, using config-based secrets", zap.Error(err))
		} else if err := vault.HealthCheck(); err != nil {
			logger.Warn("Vault unreachable, using config-based secrets", zap.Error(err))
		} else {
			vault.ApplySecrets(cfg)
			logger.Info("Secrets loaded from vault")
		}
	}

	db, err := database.Open(cfg.Database)
	if err != nil {
		logger.Fatal("Failed to connect to database", zap.Error(err))
	}
	if err := database.Migrate(db); err != nil {
		logger.Fatal("Failed to run migrations", zap.Error(err))
	}
	logger.Info("Database ready")

	var bus eventbus.EventBus
	if cfg.Redis.Enabled {
		redisBus, err := eventbus.NewRedisEventBus(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, logger)
		if err != nil {
			logger.Warn("Failed to connect to redis, events disabled", zap.Error(err))
		} else {
			bus = redisBus
			defer redisBus.Close()
			logger.Info("Event bus connected", zap.String("addr", cfg.Redis.Addr))
		}
	}

	stripeGateway := mediators.NewStripeMediator(cfg.Stripe.SecretKey, logger)
	ledgerClient := mediators.NewXeroMediator(mediators.XeroConfig{
		ClientID:     cfg.Xero.ClientID,
		ClientSecret: cfg.Xero.ClientSecret,
		TenantID:     cfg.Xero.TenantID,
		BaseURL:      cfg.Xero.BaseURL,
	}, logger)

	auditService := services.NewAuditService(logger)
	invoiceService := services.NewInvoiceService(db, auditService, logger)
	paymentService := services.NewPaymentService(db, invoiceService, auditService, bus, logger)
	creditNoteService := services.NewCreditNoteService(db, auditService, bus, logger)
	refundService := services.NewRefundService(db, stripeGateway, auditService, bus, logger,
		cfg.Refund.MaxAttempts, cfg.Refund.BaseDelay)
	webhookService := services.NewWebhookService(db, paymentService, refundService, invoiceService, logger)
	syncService := services.NewSyncService(db, ledgerClient, auditService, bus, logger,
		cfg.Sync.Enabled, cfg.Sync.MaxRetries, cfg.Sync.AccountCode, cfg.Sync.SalesAccountCode, cfg.Sync.TaxType)
	monitoringService := services.NewMonitoringService(db, logger)

	handlers := api.NewHandlers(invoiceService, paymentService, creditNoteService, refundService,
		webhookService, syncService, monitoringService, cfg.Stripe.WebhookSecret, logger)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(gin.Logger())
	handlers.RegisterRoutes(router)

	srv := &http.Server{
		Addr:    cfg.Server.Host + ":" + cfg.Server.Port,
		Handler: router,
	}

	go func() {
		logger.Info("Starting HTTP server", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start HTTP server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Fatal("Server forced to shutdown", zap.Error(err))
	}
	logger.Info("Server exited")
}

func initLogger(level string) (*zap.Logger, error) {
	var logLevel zap.AtomicLevel
	switch level {
	case "debug":
		logLevel = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "warn":
		logLevel = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		logLevel = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		logLevel = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	zapConfig := zap.NewProductionConfig()
	zapConfig.Level = logLevel
	zapConfig.OutputPaths = []string{"stdout"}
	zapConfig.ErrorOutputPaths = []string{"stderr"}
	return zapConfig.Build()
}
