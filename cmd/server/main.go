package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/salesflow/backend/internal/application/automation"
	"github.com/salesflow/backend/internal/domain/sales"
	"github.com/salesflow/backend/internal/infrastructure/auth"
	"github.com/salesflow/backend/internal/infrastructure/cache"
	"github.com/salesflow/backend/internal/infrastructure/config"
	"github.com/salesflow/backend/internal/infrastructure/event"
	"github.com/salesflow/backend/internal/infrastructure/integration"
	"github.com/salesflow/backend/internal/infrastructure/logger"
	"github.com/salesflow/backend/internal/infrastructure/migration"
	"github.com/salesflow/backend/internal/infrastructure/persistence"
	"github.com/salesflow/backend/internal/infrastructure/persistence/memory"
	"github.com/salesflow/backend/internal/infrastructure/scheduler"
	"github.com/salesflow/backend/internal/infrastructure/storage"
	"github.com/salesflow/backend/internal/infrastructure/telemetry"
	"github.com/salesflow/backend/internal/interfaces/http/handler"
	"github.com/salesflow/backend/internal/interfaces/http/middleware"
	"github.com/salesflow/backend/internal/interfaces/http/router"
	"github.com/salesflow/backend/migrations"
	"go.uber.org/zap"
)

var version = "dev"

// store bundles the repositories of the selected database driver
type store struct {
	sessions sales.SessionRepository
	orders   interface {
		sales.OrderRecordRepository
		handler.ReviewQueue
	}
	orphans interface {
		sales.OrphanedPaymentLog
		handler.OrphanLog
	}
	// durable is the database-backed processed-event store, nil in memory mode
	durable *persistence.GormIdempotencyStore
	db      *persistence.Database
}

func main() {
	issueToken := flag.String("issue-token", "", "Print an operator token for this operator ID and exit")
	scopes := flag.String("scopes", strings.Join([]string{auth.ScopeRead, auth.ScopeWrite, auth.ScopeArchive, auth.ScopeReview}, ","),
		"Comma-separated scopes for -issue-token")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		panic("Failed to load configuration: " + err.Error())
	}

	jwtService := auth.NewJWTService(cfg.Auth)
	if *issueToken != "" {
		token, expiresAt, err := jwtService.IssueToken(*issueToken, strings.Split(*scopes, ",")...)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to issue token: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("%s\n# expires %s\n", token, expiresAt.Format(time.RFC3339))
		return
	}

	// Initialize logger
	logCfg := logger.FromAppConfig(cfg.App, cfg.Log)
	log, err := logger.New(logCfg)
	if err != nil {
		panic("Failed to initialize logger: " + err.Error())
	}
	defer func() {
		_ = log.Sync()
	}()

	log.Info("Starting sales automation service",
		zap.String("app", cfg.App.Name),
		zap.String("env", cfg.App.Env),
		zap.String("port", cfg.App.Port),
		zap.String("version", version),
	)

	ctx := context.Background()

	// Telemetry
	tracerProvider, err := telemetry.NewTracerProvider(ctx, telemetry.Config{
		Enabled:           cfg.Telemetry.Enabled,
		CollectorEndpoint: cfg.Telemetry.CollectorEndpoint,
		SamplingRatio:     cfg.Telemetry.SamplingRatio,
		ServiceName:       cfg.Telemetry.ServiceName,
		ServiceVersion:    version,
		Environment:       cfg.App.Env,
		Insecure:          cfg.Telemetry.Insecure,
	}, log)
	if err != nil {
		log.Fatal("Failed to initialize tracing", zap.Error(err))
	}
	meterProvider, err := telemetry.NewMeterProvider(ctx, telemetry.MetricsConfig{
		Enabled:           cfg.Telemetry.MetricsEnabled,
		CollectorEndpoint: cfg.Telemetry.CollectorEndpoint,
		ExportInterval:    cfg.Telemetry.MetricsInterval,
		ServiceName:       cfg.Telemetry.ServiceName,
		ServiceVersion:    version,
		Insecure:          cfg.Telemetry.Insecure,
	}, log)
	if err != nil {
		log.Fatal("Failed to initialize metrics", zap.Error(err))
	}
	loggerProvider, err := telemetry.NewLoggerProvider(ctx, telemetry.Config{
		Enabled:           cfg.Telemetry.LogsEnabled,
		CollectorEndpoint: cfg.Telemetry.CollectorEndpoint,
		ServiceName:       cfg.Telemetry.ServiceName,
		ServiceVersion:    version,
		Environment:       cfg.App.Env,
		Insecure:          cfg.Telemetry.Insecure,
	}, log)
	if err != nil {
		log.Fatal("Failed to initialize log export", zap.Error(err))
	}
	log = logger.Tee(log, loggerProvider.Core(logger.ParseLevel(logCfg.Level)))
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := loggerProvider.Shutdown(shutdownCtx); err != nil {
			log.Error("Error shutting down logger provider", zap.Error(err))
		}
		if err := meterProvider.Shutdown(shutdownCtx); err != nil {
			log.Error("Error shutting down meter provider", zap.Error(err))
		}
		if err := tracerProvider.Shutdown(shutdownCtx); err != nil {
			log.Error("Error shutting down tracer provider", zap.Error(err))
		}
	}()

	salesMetrics, err := telemetry.NewSalesMetrics(meterProvider.Meter("salesflow"), log)
	if err != nil {
		log.Fatal("Failed to create sales metrics", zap.Error(err))
	}

	// Storage
	st, err := openStore(ctx, cfg, meterProvider, log)
	if err != nil {
		log.Fatal("Failed to open storage", zap.Error(err))
	}
	if st.db != nil {
		defer func() {
			if err := st.db.Close(); err != nil {
				log.Error("Error closing database", zap.Error(err))
			}
		}()
	}

	storeOpts := []cache.IdempotencyStoreFactoryOption{
		cache.WithLogger(log),
		cache.WithInMemoryFallback(cfg.Redis.AllowFallback || !cfg.IsProduction()),
	}
	if st.durable != nil {
		storeOpts = append(storeOpts, cache.WithDurableStore(st.durable))
	}
	processed, err := cache.NewIdempotencyStoreFactory(cfg.Redis, storeOpts...).CreateStore(ctx)
	if err != nil {
		log.Fatal("Failed to create payment event store", zap.Error(err))
	}
	defer func() {
		if err := processed.Close(); err != nil {
			log.Error("Error closing payment event store", zap.Error(err))
		}
	}()

	// Event bus: audit log and business metrics
	eventBus := event.NewInMemoryEventBus(log)
	eventBus.Subscribe(event.NewAuditLogHandler(log))
	eventBus.Subscribe(salesMetrics)
	defer func() {
		if err := eventBus.Stop(context.Background()); err != nil {
			log.Error("Error stopping event bus", zap.Error(err))
		}
	}()

	// External ports
	ports := buildPorts(cfg, salesMetrics, log)
	archiver, err := buildArchiver(ctx, cfg, log)
	if err != nil {
		log.Fatal("Failed to create transcript archiver", zap.Error(err))
	}
	ports.Archiver = archiver

	// Engine and per-customer serialization
	engineCfg := automation.EngineConfig{
		Currency:              cfg.Automation.Currency,
		FreeShippingThreshold: cfg.Automation.FreeShippingThreshold,
		PaymentTimeout:        cfg.Automation.PaymentTimeout,
		IdleTimeout:           cfg.Automation.IdleTimeout,
		HistoryLimit:          cfg.Automation.HistoryLimit,
		SuggestionLimit:       cfg.Automation.SuggestionLimit,
		Retry: automation.RetryPolicy{
			MaxAttempts: cfg.Automation.RetryMaxAttempts,
			BaseDelay:   cfg.Automation.RetryBaseDelay,
			MaxDelay:    cfg.Automation.RetryMaxDelay,
			PortTimeout: cfg.Automation.PortTimeout,
		},
		Escalation: automation.EscalationPolicy{
			MinConfidence:       cfg.Automation.MinConfidence,
			UnresolvedTurnLimit: cfg.Automation.UnresolvedTurnLimit,
		},
	}

	// The CRM retry pool and the engine reference each other through the
	// queue; the pool is created first and started once the queue exists.
	crmSyncer := &deferredSyncer{}
	crmPool := scheduler.NewScheduler(scheduler.Config{
		Workers:     cfg.Scheduler.Workers,
		QueueSize:   cfg.Scheduler.QueueSize,
		JobTimeout:  cfg.Scheduler.JobTimeout,
		MaxAttempts: cfg.Scheduler.CRMMaxAttempts,
		RetryBase:   cfg.Scheduler.CRMRetryBase,
		RetryMax:    cfg.Scheduler.CRMRetryMax,
	}, crmSyncer, log)
	crmPool.SetRecorder(salesMetrics)
	ports.CRMQueue = crmPool

	engine := automation.NewEngine(automation.EngineDeps{
		Sessions:  st.sessions,
		Orders:    st.orders,
		Ports:     ports,
		Config:    engineCfg,
		Publisher: eventBus,
		Logger:    log,
	})
	queue := automation.NewSessionQueue(engine, integration.LooksLikeCancel, automation.SessionQueueConfig{
		LaneBuffer:     cfg.Automation.SessionQueueSize,
		IdleLaneTTL:    automation.DefaultSessionQueueConfig().IdleLaneTTL,
		HandlerTimeout: cfg.Automation.HandlerTimeout,
	}, log)
	engine.SetCancelSignal(queue)
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer cancel()
		if err := queue.Stop(stopCtx); err != nil {
			log.Error("Error draining session queue", zap.Error(err))
		}
	}()

	contextStore := automation.NewContextStore(queue, st.sessions, nil, log)
	reconciler := automation.NewPaymentReconciler(st.orders, processed, st.orphans, queue, automation.ReconcilerConfig{
		WaitAttempts: cfg.Automation.ReconcileWaitAttempts,
		WaitInterval: cfg.Automation.ReconcileWaitInterval,
		KeyTTL:       cfg.Automation.ProcessedEventTTL,
	}, log)

	crmSyncer.CRMSyncer = automation.NewCRMReconciler(st.orders, ports.CRM, queue, log)
	if err := crmPool.Start(ctx); err != nil {
		log.Fatal("Failed to start CRM retry pool", zap.Error(err))
	}
	defer func() {
		if err := crmPool.Stop(context.Background()); err != nil {
			log.Error("Error stopping CRM retry pool", zap.Error(err))
		}
	}()

	// Maintenance sweep
	if cfg.Scheduler.Enabled {
		sweeper := automation.NewSweeper(st.orders, contextStore, queue, crmPool, nil, automation.SweeperConfig{
			BatchSize:   cfg.Scheduler.SweepBatchSize,
			IdleTimeout: cfg.Automation.IdleTimeout,
		}, log)
		triggerCfg := scheduler.SweepTriggerConfig{Interval: cfg.Scheduler.SweepInterval}
		if cfg.Scheduler.SweepCronEnabled {
			triggerCfg.Cron = cfg.Scheduler.SweepCron
		}
		var purgers []scheduler.Purger
		if st.durable != nil {
			purgers = append(purgers, st.durable)
		}
		trigger, err := scheduler.NewSweepTrigger(triggerCfg, sweeper, log, purgers...)
		if err != nil {
			log.Fatal("Invalid sweep schedule", zap.Error(err))
		}
		if err := trigger.Start(ctx); err != nil {
			log.Fatal("Failed to start maintenance sweep", zap.Error(err))
		}
		defer func() {
			if err := trigger.Stop(context.Background()); err != nil {
				log.Error("Error stopping maintenance sweep", zap.Error(err))
			}
		}()
		log.Info("Maintenance sweep started",
			zap.Duration("interval", triggerCfg.Interval),
			zap.String("cron", triggerCfg.Cron),
		)
	}

	// HTTP
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	middleware.SetupValidator()

	var checks []handler.ReadinessCheck
	if st.db != nil {
		db := st.db
		checks = append(checks, handler.ReadinessCheck{Name: "database", Check: func(context.Context) error {
			return db.Ping()
		}})
	}

	corsConfig := middleware.DefaultCORSConfig()
	corsConfig.AllowOrigins = cfg.HTTP.CORSAllowOrigins

	engineConfig := router.EngineConfig{
		Tracing:        middleware.TracingConfig{ServiceName: cfg.Telemetry.ServiceName, Enabled: cfg.Telemetry.Enabled},
		CORS:           corsConfig,
		MaxBodySize:    cfg.HTTP.MaxBodySize,
		TrustedProxies: cfg.HTTP.TrustedProxies,
	}
	if meterProvider.IsEnabled() {
		engineConfig.Meter = meterProvider.Meter("salesflow.http")
	}
	if cfg.HTTP.RateLimitEnabled {
		limiter := middleware.NewRateLimiter(cfg.HTTP.RateLimitRequests, cfg.HTTP.RateLimitWindow)
		defer limiter.Stop()
		engineConfig.MessageLimiter = limiter
		log.Info("Message rate limiting enabled",
			zap.Int("requests", cfg.HTTP.RateLimitRequests),
			zap.Duration("window", cfg.HTTP.RateLimitWindow),
		)
	}

	httpEngine := router.NewEngine(engineConfig, router.Handlers{
		System:       handler.NewSystemHandler(version, checks...),
		Conversation: handler.NewConversationHandler(contextStore),
		Webhook: handler.NewPaymentWebhookHandler(
			integration.NewWebhookParser(cfg.Payment.WebhookSecret),
			reconciler,
			handler.WithPaymentMetrics(salesMetrics),
		),
		Review: handler.NewReviewHandler(st.orders, st.orphans),
		JWT:    jwtService,
	}, log)

	srv := &http.Server{
		Addr:           ":" + cfg.App.Port,
		Handler:        httpEngine,
		ReadTimeout:    cfg.HTTP.ReadTimeout,
		WriteTimeout:   cfg.HTTP.WriteTimeout,
		IdleTimeout:    cfg.HTTP.IdleTimeout,
		MaxHeaderBytes: cfg.HTTP.MaxHeaderBytes,
	}

	go func() {
		log.Info("Server starting", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("Server forced to shutdown", zap.Error(err))
	}

	log.Info("Server exited gracefully")
}

// openStore connects the configured database, applies migrations when asked
// and returns its repositories. The memory driver keeps everything in process.
func openStore(ctx context.Context, cfg *config.Config, meterProvider *telemetry.MeterProvider, log *zap.Logger) (*store, error) {
	if cfg.Database.Driver == "memory" {
		log.Warn("Using in-memory storage; state is lost on restart")
		return &store{
			sessions: memory.NewSessionRepository(),
			orders:   memory.NewOrderRecordRepository(),
			orphans:  memory.NewOrphanedPaymentLog(),
		}, nil
	}

	gormLog := logger.NewGormLogger(log, logger.MapGormLogLevel(cfg.Log.Level))
	db, err := persistence.NewDatabaseWithCustomLogger(&cfg.Database, gormLog)
	if err != nil {
		return nil, err
	}
	log.Info("Database connected", zap.String("driver", cfg.Database.Driver))

	if cfg.Database.AutoMigrate && cfg.Database.Driver == "postgres" {
		sqlDB, err := db.DB.DB()
		if err != nil {
			return nil, err
		}
		m, err := migration.New(sqlDB, migration.Source{FS: migrations.FS}, log)
		if err != nil {
			return nil, err
		}
		if err := m.Up(); err != nil {
			return nil, err
		}
	}

	tracing := telemetry.NewDBTracingPlugin(telemetry.DBTracingConfig{
		Enabled:         cfg.Telemetry.Enabled && cfg.Telemetry.DBTraceEnabled,
		LogFullSQL:      cfg.Telemetry.DBLogFullSQL,
		SlowQueryThresh: cfg.Telemetry.DBSlowQueryThresh,
	}, log)
	if err := tracing.RegisterOtelGorm(db.DB); err != nil {
		return nil, err
	}
	if _, err := telemetry.RegisterDBMetrics(ctx, db.DB, meterProvider, telemetry.DBMetricsConfig{
		Enabled:            cfg.Telemetry.MetricsEnabled,
		SlowQueryThreshold: cfg.Telemetry.DBSlowQueryThresh,
	}, log); err != nil {
		return nil, err
	}

	return &store{
		sessions: persistence.NewGormSessionRepository(db.DB),
		orders:   persistence.NewGormOrderRecordRepository(db.DB),
		orphans:  persistence.NewGormOrphanedPaymentLog(db.DB),
		durable:  persistence.NewGormIdempotencyStore(db.DB),
		db:       db,
	}, nil
}

// buildPorts creates an HTTP adapter for every configured port. Unconfigured
// ports stay nil; the engine answers with a fallback for them.
func buildPorts(cfg *config.Config, observer integration.CallObserver, log *zap.Logger) automation.Ports {
	client := func(name string, ep config.EndpointConfig, opts ...integration.ClientOption) *integration.Client {
		opts = append(opts, integration.WithObserver(observer))
		return integration.NewClient(name, integration.Endpoint{
			BaseURL: ep.BaseURL,
			Token:   ep.Token,
			Timeout: ep.Timeout,
		}, log, opts...)
	}

	var ports automation.Ports
	var remote sales.IntentClassifier
	if p := cfg.Ports.Classifier; p.Enabled() {
		remote = integration.NewClassifierClient(client("classifier", p))
	}
	ports.Classifier = integration.NewFallbackClassifier(remote, integration.NewKeywordClassifier(), log)

	if p := cfg.Ports.Catalog; p.Enabled() {
		ports.Catalog = integration.NewCatalogClient(client("catalog", p))
	}
	if p := cfg.Ports.Shipping; p.Enabled() {
		ports.Shipping = integration.NewShippingClient(client("shipping", p))
	}
	if p := cfg.Ports.CRM; p.Enabled() {
		ports.CRM = integration.NewCRMClient(client("crm", p))
	}
	if p := cfg.Ports.Inventory; p.Enabled() {
		ports.Inventory = integration.NewInventoryClient(client("inventory", p))
	}
	if p := cfg.Ports.Escalation; p.Enabled() {
		ports.Escalation = integration.NewEscalationClient(client("escalation", p))
	}
	if p := cfg.Ports.Notifier; p.Enabled() {
		ports.Notifier = integration.NewNotifierClient(client("notifier", p))
	}
	if cfg.Payment.ShopID != "" {
		payment := client("payment", config.EndpointConfig{BaseURL: cfg.Payment.BaseURL},
			integration.WithBasicAuth(cfg.Payment.ShopID, cfg.Payment.SecretKey))
		ports.Payment = integration.NewYooKassaGateway(payment, cfg.Payment.ReturnURL)
	}

	log.Info("External ports configured",
		zap.Bool("classifier", cfg.Ports.Classifier.Enabled()),
		zap.Bool("catalog", ports.Catalog != nil),
		zap.Bool("shipping", ports.Shipping != nil),
		zap.Bool("payment", ports.Payment != nil),
		zap.Bool("crm", ports.CRM != nil),
		zap.Bool("inventory", ports.Inventory != nil),
		zap.Bool("escalation", ports.Escalation != nil),
		zap.Bool("notifier", ports.Notifier != nil),
	)
	return ports
}

func buildArchiver(ctx context.Context, cfg *config.Config, log *zap.Logger) (sales.TranscriptArchiver, error) {
	if !cfg.Archive.Enabled {
		return storage.NewLogTranscriptArchiver(log), nil
	}
	archiver, err := storage.NewS3TranscriptArchiver(ctx, &cfg.Archive, storage.WithLogger(log))
	if err != nil {
		return nil, err
	}
	log.Info("Archiving transcripts to S3",
		zap.String("bucket", cfg.Archive.Bucket),
		zap.String("prefix", cfg.Archive.Prefix))
	return archiver, nil
}

// deferredSyncer lets the CRM retry pool be built before the reconciler it
// drives. The reconciler is set before the pool starts.
type deferredSyncer struct {
	scheduler.CRMSyncer
}
