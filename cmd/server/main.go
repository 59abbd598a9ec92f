// Command server runs the operator API together with the background
// pipeline: the task queue, the poll and revalidation timers and the
// per-tenant acquisition schedules.
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/cfdisync/backend/internal/application/acquisition"
	auditapp "github.com/cfdisync/backend/internal/application/audit"
	"github.com/cfdisync/backend/internal/application/credential"
	"github.com/cfdisync/backend/internal/application/reconciliation"
	"github.com/cfdisync/backend/internal/application/revalidation"
	"github.com/cfdisync/backend/internal/domain/fiscal"
	"github.com/cfdisync/backend/internal/infrastructure/cache"
	"github.com/cfdisync/backend/internal/infrastructure/config"
	"github.com/cfdisync/backend/internal/infrastructure/event"
	"github.com/cfdisync/backend/internal/infrastructure/logger"
	"github.com/cfdisync/backend/internal/infrastructure/migration"
	"github.com/cfdisync/backend/internal/infrastructure/odoo"
	"github.com/cfdisync/backend/internal/infrastructure/persistence"
	"github.com/cfdisync/backend/internal/infrastructure/sat"
	"github.com/cfdisync/backend/internal/infrastructure/scheduler"
	"github.com/cfdisync/backend/internal/infrastructure/secrets"
	"github.com/cfdisync/backend/internal/infrastructure/storage"
	"github.com/cfdisync/backend/internal/infrastructure/telemetry"
	"github.com/cfdisync/backend/internal/interfaces/http/handler"
	"github.com/cfdisync/backend/internal/interfaces/http/middleware"
	"github.com/cfdisync/backend/internal/interfaces/http/router"
)

//	@title			CFDI Sync API
//	@version		1.0
//	@description	Bulk download, revalidation and accounting reconciliation of SAT CFDI documents.
//	@BasePath		/api/v1

var version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewForEnvironment(cfg.App.Env, cfg.Log.Level, cfg.Log.Format, cfg.Log.Output, cfg.App.Name)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Fatal("server failed", zap.Error(err))
	}
	log.Info("server exited")
}

func run(ctx context.Context, cfg *config.Config, log *zap.Logger) error {
	telCfg := telemetry.Config{
		Enabled:           cfg.Telemetry.Enabled,
		CollectorEndpoint: cfg.Telemetry.CollectorEndpoint,
		SamplingRatio:     cfg.Telemetry.SamplingRatio,
		ServiceName:       cfg.Telemetry.ServiceName,
		ServiceVersion:    version,
		Insecure:          cfg.Telemetry.Insecure,
		SpanProfiles:      cfg.Telemetry.ProfilerEnabled,
	}

	logs, err := telemetry.NewLoggerProvider(ctx, telCfg)
	if err != nil {
		return err
	}
	defer shutdown(log, "logs", logs.Shutdown)
	log = logs.Bridge(log, cfg.Telemetry.ServiceName, zapcore.InfoLevel)
	ctx = logger.WithContext(ctx, log)

	log.Info("starting",
		zap.String("app", cfg.App.Name),
		zap.String("env", cfg.App.Env),
		zap.String("version", version))

	profiler, err := telemetry.NewProfiler(telemetry.ProfilerConfig{
		Enabled:         cfg.Telemetry.ProfilerEnabled,
		ServerAddress:   cfg.Telemetry.ProfilerAddress,
		ApplicationName: cfg.Telemetry.ServiceName,
		Tags:            map[string]string{"env": cfg.App.Env},
	}, log)
	if err != nil {
		return err
	}
	defer func() { _ = profiler.Stop() }()

	tracer, err := telemetry.NewTracerProvider(ctx, telCfg, log)
	if err != nil {
		return err
	}
	defer shutdown(log, "traces", tracer.Shutdown)

	meters, err := telemetry.NewMeterProvider(ctx, telCfg, time.Minute, log)
	if err != nil {
		return err
	}
	defer shutdown(log, "metrics", meters.Shutdown)

	registry := telemetry.NewRegistry()
	pipelineMetrics := telemetry.NewPipelineMetrics(registry)

	// Storage
	db, err := persistence.NewDatabase(&cfg.Database,
		persistence.WithZapLogger(log, logger.MapGormLogLevel(cfg.Log.Level), cfg.Telemetry.DBSlowQueryThresh))
	if err != nil {
		return err
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.Error("close database", zap.Error(err))
		}
	}()
	if err := telemetry.RegisterDBTracing(db.DB, telemetry.DBTracingConfig{
		Enabled:         cfg.Telemetry.DBTraceEnabled,
		DBSystem:        "postgresql",
		SlowQueryThresh: cfg.Telemetry.DBSlowQueryThresh,
	}, log); err != nil {
		return err
	}
	sqlDB, err := db.DB.DB()
	if err != nil {
		return err
	}
	if _, err := telemetry.RegisterPoolMetrics(meters.Meter("cfdisync/db"), sqlDB.Stats); err != nil {
		return err
	}
	if err := migrate(sqlDB, log); err != nil {
		return err
	}

	blobs, err := newBlobStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	box, err := secrets.NewBox(cfg.Secrets.Key, []byte(cfg.Secrets.Salt))
	if err != nil {
		return fmt.Errorf("secrets: %w", err)
	}
	locker, err := cache.NewLockerFactory(cfg.Redis,
		cache.WithLogger(log),
		cache.WithInMemoryFallback(cfg.App.Env != "production"),
	).CreateLocker()
	if err != nil {
		return err
	}

	tenants := persistence.NewGormTenantRepository(db.DB)
	settings := persistence.NewGormSyncSettingsRepository(db.DB)
	requests := persistence.NewGormDownloadRequestRepository(db.DB)
	packages := persistence.NewGormDownloadPackageRepository(db.DB)
	documents := persistence.NewGormDocumentRepository(db.DB)
	credentials := persistence.NewGormCredentialRepository(db.DB)

	bus := event.NewInMemoryEventBus(log)
	bus.Subscribe(auditapp.NewHandler(persistence.NewGormAuditRepository(db.DB), log))

	// Authority
	credentialService := credential.NewService(credentials, tenants, blobs, box, bus, log)
	pool, err := sat.NewClientPool(satClientConfig(cfg.Authority), credentialService, 15*time.Minute, log)
	if err != nil {
		return err
	}
	bus.Subscribe(sat.NewRotationHandler(pool))
	blacklist := sat.NewBlacklistClient(cfg.Authority.BlacklistURL, cfg.Authority.BlacklistTTL, cfg.Authority.Timeout, log)

	// Pipeline
	var acquisitionService *acquisition.Service
	queue := scheduler.NewQueue(scheduler.QueueConfig{
		Workers:     cfg.Scheduler.MaxConcurrentJobs,
		QueueSize:   cfg.Scheduler.QueueSize,
		JobTimeout:  cfg.Scheduler.JobTimeout,
		MaxAttempts: cfg.Scheduler.RetryAttempts,
		RetryDelay:  cfg.Scheduler.RetryDelay,
	}, log,
		scheduler.WithRetryable(fiscal.IsRetryable),
		scheduler.WithMetrics(telemetry.NewJobMetrics(registry)),
		scheduler.WithExhaustedHandler(func(ctx context.Context, job *scheduler.Job, cause error) {
			acquisitionService.OnJobExhausted(ctx, job, cause)
		}),
	)

	acquisitionService = acquisition.NewService(acquisition.Deps{
		Tenants:   tenants,
		Settings:  settings,
		Requests:  requests,
		Packages:  packages,
		Documents: documents,
		Blobs:     blobs,
		Authority: acquisition.PoolProvider{Pool: pool},
		Queue:     queue,
		Metrics:   pipelineMetrics,
	}, acquisition.Config{
		MaxAttempts: cfg.Authority.PackageRetries,
		StaleAfter:  2 * cfg.Scheduler.JobTimeout,
	}, log)
	acquisitionService.Register(queue)

	revalidationService := revalidation.NewService(revalidation.Deps{
		Tenants:       tenants,
		Documents:     documents,
		Consult:       pool.Consult(),
		Cancellations: revalidation.PoolProvider{Pool: pool},
		Locker:        locker,
		Publisher:     bus,
		Metrics:       pipelineMetrics,
	}, revalidation.Config{Concurrency: cfg.Scheduler.SweepConcurrency}, log)

	reconciliationService := reconciliation.NewService(reconciliation.Deps{
		Tenants:     tenants,
		Documents:   documents,
		Packages:    packages,
		Blobs:       blobs,
		Connections: persistence.NewGormConnectionRepository(db.DB),
		Records:     persistence.NewGormRecordRepository(db.DB),
		Accounting:  odoo.Factory{Timeout: cfg.Reconciliation.Timeout, Logger: log},
		Cipher:      box,
		Metrics:     pipelineMetrics,
	}, reconciliation.Config{BatchLimit: cfg.Reconciliation.BatchSize}, log)
	if cfg.Reconciliation.Enabled {
		reconciliationService.Register(queue)
		bus.Subscribe(event.NewIdempotentHandler(reconciliation.NewStatusPushHandler(reconciliationService), locker, 0, log))
	} else {
		queue.Register(acquisition.KindReconcileBatch, func(_ context.Context, job *scheduler.Job) error {
			log.Debug("reconciliation disabled, batch skipped", zap.String("request_id", job.TargetID.String()))
			return nil
		})
	}

	// HTTP
	if cfg.App.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	if err := middleware.SetupValidator(); err != nil {
		return err
	}

	limiter := middleware.NewRateLimiter(cfg.HTTP.RateLimitRequests, cfg.HTTP.RateLimitWindow)
	engine, err := newEngine(cfg, log, registry, limiter)
	if err != nil {
		return err
	}
	routes := router.Mount(engine, router.Handlers{
		Requests:    handler.NewDownloadRequestHandler(acquisitionService, requests, reconciliationService),
		Documents:   handler.NewDocumentHandler(documents, revalidationService, reconciliationService),
		Credentials: handler.NewCredentialHandler(credentialService),
		Settings:    handler.NewSyncSettingsHandler(settings),
		Blacklist:   handler.NewBlacklistHandler(blacklist),
		System: handler.NewSystemHandler(cfg.App.Name, version, map[string]handler.HealthCheck{
			"database": db.Ping,
		}),
	})
	log.Info("routes registered", zap.Int("count", len(routes)))

	// Background
	if cfg.Scheduler.Enabled {
		if err := queue.Start(ctx); err != nil {
			return err
		}
		defer shutdown(log, "queue", queue.Stop)

		cron, err := newCron(cfg, log, acquisitionService, revalidationService, tenants, limiter)
		if err != nil {
			return err
		}
		if err := cron.Start(ctx); err != nil {
			return err
		}
		defer shutdown(log, "cron", cron.Stop)
	} else {
		log.Warn("scheduler disabled, requests are only polled on demand")
	}

	srv := &http.Server{
		Addr:           ":" + cfg.App.Port,
		Handler:        engine,
		ReadTimeout:    cfg.HTTP.ReadTimeout,
		WriteTimeout:   cfg.HTTP.WriteTimeout,
		IdleTimeout:    cfg.HTTP.IdleTimeout,
		MaxHeaderBytes: cfg.HTTP.MaxHeaderBytes,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info("listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func newEngine(cfg *config.Config, log *zap.Logger, registry *telemetry.Registry, limiter *middleware.RateLimiter) (*gin.Engine, error) {
	engine := gin.New()
	if err := engine.SetTrustedProxies(cfg.HTTP.TrustedProxies); err != nil {
		return nil, fmt.Errorf("trusted proxies: %w", err)
	}

	cors := middleware.DefaultCORSConfig()
	cors.AllowOrigins = cfg.HTTP.CORSAllowOrigins
	cors.AllowMethods = cfg.HTTP.CORSAllowMethods
	cors.AllowHeaders = cfg.HTTP.CORSAllowHeaders

	engine.Use(
		logger.Recovery(log),
		middleware.RequestID(),
		middleware.TenantFromPath(),
		logger.GinMiddleware(log),
		middleware.Tracing(middleware.TracingConfig{ServiceName: cfg.Telemetry.ServiceName, Enabled: cfg.Telemetry.Enabled}),
		middleware.SpanErrorMarker(),
		middleware.Metrics(telemetry.NewHTTPMetrics(registry)),
		middleware.Profiling(profilingConfig(cfg)),
		middleware.CORSWithConfig(cors),
		middleware.Secure(),
		middleware.BodyLimit(cfg.HTTP.MaxBodySize),
	)
	if cfg.HTTP.RateLimitEnabled {
		engine.Use(middleware.RateLimit(limiter))
	}
	if cfg.Telemetry.MetricsEnabled {
		engine.GET(cfg.Telemetry.MetricsPath, gin.WrapH(registry.Handler()))
	}
	return engine, nil
}

func profilingConfig(cfg *config.Config) middleware.ProfilingConfig {
	pc := middleware.DefaultProfilingConfig()
	pc.Enabled = cfg.Telemetry.ProfilerEnabled
	return pc
}

// newCron wires the timers: the poll pass, the daily revalidation sweep
// followed by the pending-cancellation pass, and on every tick the
// per-tenant schedules and rate limiter housekeeping.
func newCron(
	cfg *config.Config,
	log *zap.Logger,
	acq *acquisition.Service,
	reval *revalidation.Service,
	tenants fiscal.TenantDirectory,
	limiter *middleware.RateLimiter,
) (*scheduler.CronTrigger, error) {
	loc, err := time.LoadLocation(cfg.Scheduler.Timezone)
	if err != nil {
		return nil, err
	}
	cron := scheduler.NewCronTrigger(scheduler.CronTriggerConfig{
		CheckInterval: cfg.Scheduler.TickInterval,
		Location:      loc,
	}, log)

	cron.Every("acquisition.poll", cfg.Scheduler.PollInterval, func(ctx context.Context, _ time.Time) error {
		summary, err := acq.PollPending(ctx)
		if err != nil {
			return err
		}
		if summary.Polled > 0 {
			log.Info("poll pass finished",
				zap.Int("polled", summary.Polled),
				zap.Int("ready", summary.Ready),
				zap.Int("failed", summary.Failed),
				zap.Int("errors", summary.Errors))
		}
		return nil
	})

	cron.DailyAt("revalidation.sweep", cfg.Scheduler.RevalidationHour, func(ctx context.Context, now time.Time) error {
		if _, err := reval.Sweep(ctx, now); err != nil {
			return err
		}
		active, err := tenants.ListActive(ctx)
		if err != nil {
			return err
		}
		var errs []error
		for _, t := range active {
			if _, err := reval.MarkPendingCancellations(ctx, t.ID); err != nil {
				errs = append(errs, fmt.Errorf("tenant %s: %w", t.ID, err))
			}
		}
		return errors.Join(errs...)
	})

	cron.EveryTick("acquisition.schedules", acq.RunSchedules)

	cron.EveryTick("http.ratelimit.prune", func(context.Context, time.Time) error {
		if n := limiter.Prune(); n > 0 {
			log.Debug("rate limiter pruned", zap.Int("keys", n))
		}
		return nil
	})
	return cron, nil
}

func newBlobStore(ctx context.Context, cfg *config.Config, log *zap.Logger) (fiscal.BlobStore, error) {
	if cfg.Storage.Driver == "memory" {
		log.Warn("using in-memory blob storage, packages and credentials are lost on restart")
		return storage.NewMemoryObjectStorage(), nil
	}
	s3, err := storage.NewS3BlobStore(&cfg.Storage, storage.WithLogger(log))
	if err != nil {
		return nil, err
	}
	if err := s3.EnsureBucket(ctx); err != nil {
		return nil, err
	}
	return s3, nil
}

func satClientConfig(a config.AuthorityConfig) sat.ClientConfig {
	c := sat.DefaultClientConfig()
	override := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	override(&c.Authenticate, a.AuthenticateURL)
	override(&c.Request, a.RequestURL)
	override(&c.Verify, a.VerifyURL)
	override(&c.Download, a.DownloadURL)
	override(&c.Consult, a.ConsultURL)
	override(&c.Pending, a.PendingURL)
	if a.Timeout > 0 {
		c.Timeout = a.Timeout
	}
	if a.TokenTTL > 0 {
		c.TokenTTL = a.TokenTTL
	}
	if a.RequestsPerSecond > 0 {
		c.RequestsPerSecond = a.RequestsPerSecond
	}
	if a.Burst > 0 {
		c.Burst = a.Burst
	}
	return c
}

// migrate brings the schema up to date before anything else touches it.
// The migrator is not closed: its driver owns db and would close the pool.
func migrate(db *sql.DB, log *zap.Logger) error {
	m, err := migration.New(db, log)
	if err != nil {
		return err
	}
	return m.Up()
}

func shutdown(log *zap.Logger, name string, fn func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := fn(ctx); err != nil {
		log.Error("shutdown failed", zap.String("component", name), zap.Error(err))
	}
}
