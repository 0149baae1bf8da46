package main

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"bulk-order-service/controllers"
	"bulk-order-service/database"
	apperrors "bulk-order-service/errors"
	"bulk-order-service/kafka"
	"bulk-order-service/logger"
	"bulk-order-service/middleware"
	aws_pkg "bulk-order-service/pkg/aws"
	"bulk-order-service/providers"
	"bulk-order-service/repository"
	"bulk-order-service/routes"
	"bulk-order-service/services"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const serviceName = "bulk-order-service"

func main() {
	cfg, err := LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	// AWS clients
	awsCfg, awsErr := aws_pkg.LoadAWSConfig(ctx)

	var logSink io.Writer
	if awsErr == nil && cfg.CloudWatchLogs != "" {
		if cw, err := aws_pkg.NewCloudWatchLogsClient(ctx, awsCfg, cfg.CloudWatchLogs, serviceName); err == nil {
			logSink = cw
		} else {
			log.Printf("CloudWatch Logs unavailable: %v", err)
		}
	}
	zlog, err := logger.InitializeWithWriter(cfg.Env, logSink)
	if err != nil {
		log.Fatalf("Failed to init logger: %v", err)
	}
	defer zlog.Sync() //nolint:errcheck

	var (
		snsClient  aws_pkg.SNSPublisher
		quarantine aws_pkg.ObjectStore
		metrics    *aws_pkg.MetricsClient
	)
	if awsErr != nil {
		zlog.Warn("AWS config unavailable, alerts, quarantine and metrics disabled", zap.Error(awsErr))
	} else {
		snsClient = aws_pkg.NewSNSClient(awsCfg)
		metrics = aws_pkg.NewMetricsClient(awsCfg, cfg.MetricsNamespace, cfg.MetricsEnabled)
		if cfg.QuarantineBucket != "" {
			quarantine = aws_pkg.NewS3Store(awsCfg, cfg.QuarantineBucket)
		}
	}

	db, err := database.Connect(cfg.Database, zlog)
	if err != nil {
		zlog.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer database.Close(db) //nolint:errcheck

	redisClient, err := database.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		zlog.Fatal("Failed to connect to Redis", zap.Error(err))
	}
	defer redisClient.Close() //nolint:errcheck

	// Audit trail and alerting
	var sinks []services.AuditSink
	if len(cfg.AuditKafkaBrokers) > 0 {
		producer := kafka.NewAuditProducer(cfg.AuditKafkaBrokers, cfg.AuditKafkaTopic)
		defer producer.Close() //nolint:errcheck
		sinks = append(sinks, producer)
	}
	audit := services.NewAuditLogger(zlog, sinks...)
	alerts := services.NewAlertService(snsClient, cfg.AlertSNSTopicARN, metrics, time.Minute, zlog)

	// Policy
	var policies *services.PolicyStore
	if cfg.PolicyFile != "" {
		policies, err = services.LoadPolicyStore(cfg.PolicyFile)
	} else {
		fallback := services.DefaultAccountPolicy()
		fallback.MaxRows = cfg.MaxRowsPerBatch
		policies, err = services.NewPolicyStore(fallback, nil)
	}
	if err != nil {
		zlog.Fatal("Failed to load account policies", zap.Error(err))
	}
	authz := services.NewAuthorizationService(policies)

	// Ingress
	var limiter services.RateLimiter
	var memLimiter *services.MemorySlidingWindow
	if cfg.RateLimitBackend == "memory" {
		memLimiter = services.NewMemorySlidingWindow(cfg.UploadRateLimit, cfg.UploadRateWindow)
		limiter = memLimiter
	} else {
		limiter = services.NewRedisSlidingWindow(redisClient, "ratelimit:bulk-upload:", cfg.UploadRateLimit, cfg.UploadRateWindow)
	}
	guardCfg := services.DefaultGuardConfig()
	guardCfg.AbuseThreshold = cfg.AlertRateLimitAbuse
	guard := services.NewIngressGuard(limiter, authz, audit, alerts, guardCfg, zlog)

	// Content scanning
	var malware providers.MalwareScanner = providers.NewSignatureScanner(nil, nil)
	if cfg.MalwareScanURL != "" {
		malware = providers.NewHTTPScanner(providers.HTTPScannerConfig{
			BaseURL: cfg.MalwareScanURL,
			APIKey:  cfg.MalwareScanAPIKey,
			Timeout: cfg.MalwareScanTimeout,
		})
	}
	scanCfg := services.DefaultScannerConfig()
	scanCfg.MaxFileSize = cfg.MaxUploadBytes
	scanCfg.ScanTimeout = cfg.MalwareScanTimeout
	scanner := services.NewContentScanner(scanCfg, malware, quarantine, alerts, audit, zlog)

	parserCfg := services.DefaultParserConfig()
	parserCfg.MaxRows = cfg.MaxRowsPerBatch
	parserCfg.AllowPartialRows = cfg.AllowPartialRows
	parser := services.NewSecureParser(parserCfg, zlog)

	pipeline := services.NewPipeline(zlog,
		services.BasicScanStage(scanner),
		services.MalwareScanStage(scanner),
		services.ParseStage(parser, audit, alerts),
		services.AuthorizationStage(authz, audit, alerts),
	)

	// Commerce capabilities
	catalog := providers.NewHTTPCatalogClient(providers.CatalogConfig{
		ProductServiceURL:   cfg.ProductServiceURL,
		InventoryServiceURL: cfg.InventoryServiceURL,
		ServiceToken:        cfg.ServiceToken,
		Timeout:             cfg.CommerceCallTimeout,
	})
	cart := providers.NewRedisCart(redisClient, cfg.CartTTL, cfg.RollbackWindow+time.Hour)
	commerce := providers.NewCommerceClient(catalog, cart)

	// Ledger and processing
	ledgerCfg := services.DefaultLedgerConfig()
	ledgerCfg.RollbackWindow = cfg.RollbackWindow
	ledger := services.NewLedger(repository.NewGormOperationRepository(db), ledgerCfg, zlog)

	procCfg := services.DefaultProcessorConfig()
	procCfg.BatchSize = cfg.BatchSize
	procCfg.MaxConcurrent = cfg.MaxConcurrentWorkers
	procCfg.CallTimeout = cfg.CommerceCallTimeout
	processor := services.NewBulkProcessor(procCfg, zlog)

	bulkService := services.NewBulkOrderService(guard, pipeline, ledger, processor, commerce, audit, metrics, zlog)
	bulkController := controllers.NewBulkOrderController(bulkService, cfg.MaxUploadBytes, zlog)

	// Periodic cleanup of in-memory windows
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				guard.Sweep()
				if memLimiter != nil {
					memLimiter.Sweep()
				}
			}
		}
	}()

	// Policy reload on SIGHUP
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	go func() {
		for range hup {
			if err := policies.Reload(); err != nil {
				zlog.Error("Policy reload failed, keeping previous policies", zap.Error(err))
				continue
			}
			zlog.Info("Account policies reloaded")
		}
	}()

	if cfg.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.RequestID())
	r.Use(logger.RequestLogger(zlog))
	r.Use(middleware.SecurityHeaders())
	r.Use(middleware.CORS(cfg.AllowedOrigins))
	r.Use(middleware.RateLimitMiddleware(middleware.NewIPRateLimiter(ctx, rate.Limit(cfg.GlobalRatePerSecond), cfg.GlobalRateBurst, 10*time.Minute)))
	r.Use(middleware.MetricsMiddleware(metrics, serviceName))
	r.Use(apperrors.ErrorMiddleware())
	r.NoRoute(middleware.NotFoundHandler())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy", "service": serviceName})
	})

	routes.RegisterBulkOrderRoutes(r, bulkController, middleware.NewTokenParser(cfg.JWTSecret), cfg.RequestTimeout)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			zlog.Fatal("Server failed", zap.Error(err))
		}
	}()

	zlog.Info("Bulk order service started", zap.String("port", cfg.Port), zap.String("db_driver", cfg.Database.Driver))
	<-quit
	zlog.Info("Shutting down bulk order service...")
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zlog.Error("Server forced to shutdown", zap.Error(err))
	}
	zlog.Info("Server exited cleanly")
}
