package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"querymon/internal/alert"
	"querymon/internal/analysis"
	"querymon/internal/collector"
	"querymon/internal/config"
	"querymon/internal/dbexec"
	"querymon/internal/health"
	"querymon/internal/httpapi"
	"querymon/internal/jobs"
	"querymon/internal/logging"
	"querymon/internal/observability"
	"querymon/internal/provider"
	"querymon/internal/remediation"
	"querymon/internal/scheduler"
	"querymon/internal/store"
	"querymon/internal/tlscert"

	"github.com/XSAM/otelsql"
	_ "github.com/go-sql-driver/mysql"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

var (
	// Version is set at build time via -ldflags "-X main.Version=...".
	Version = "dev"
	Commit  = "none"
)

// cleanupStack manages shutdown functions in LIFO order.
// Resources are released in reverse order of acquisition.
type cleanupStack struct {
	items []cleanupItem
}

type cleanupItem struct {
	name string
	fn   func(context.Context) error
}

func (s *cleanupStack) push(name string, fn func(context.Context) error) {
	s.items = append(s.items, cleanupItem{name: name, fn: fn})
}

func (s *cleanupStack) run(ctx context.Context, logger *logging.Logger) {
	for i := len(s.items) - 1; i >= 0; i-- {
		item := s.items[i]
		logger.Info("shutting down " + item.name)
		if err := item.fn(ctx); err != nil {
			logger.Warn("cleanup error",
				slog.String("component", item.name),
				slog.String("error", err.Error()),
			)
		}
	}
}

func main() {
	if err := run(); err != nil {
		slog.Error("monitor error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func run() error {
	pflag.Bool("version", false, "Print version and exit")

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	if showVersion, _ := pflag.CommandLine.GetBool("version"); showVersion {
		fmt.Printf("querymon %s (%s)\n", Version, Commit)
		return nil
	}

	if cfg.Observability.ServiceVersion == "" {
		cfg.Observability.ServiceVersion = Version
	}

	// Validate configuration early, before any resource initialization
	validationResult := cfg.Validate()
	for _, warn := range validationResult.Warnings {
		slog.Warn("configuration warning",
			slog.String("field", warn.Field),
			slog.String("message", warn.Message),
			slog.String("hint", warn.Hint),
		)
	}
	if validationResult.HasErrors() {
		for _, err := range validationResult.Errors {
			slog.Error("configuration error",
				slog.String("field", err.Field),
				slog.String("message", err.Message),
				slog.String("hint", err.Hint),
			)
		}
		return fmt.Errorf("configuration validation failed")
	}

	var cleanup cleanupStack

	logger, loggerProvider, err := initLogger(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	cleanupCtx := context.Background()
	cleanupRan := false
	defer func() {
		if cleanupRan {
			return
		}
		cleanup.run(cleanupCtx, logger)
	}()
	if loggerProvider != nil {
		cleanup.push("logger provider", func(ctx context.Context) error {
			return loggerProvider.Shutdown(ctx, logger.Logger)
		})
	}

	meterProvider, bundles, err := initMetrics(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize metrics: %w", err)
	}
	if meterProvider != nil {
		cleanup.push("meter provider", func(ctx context.Context) error {
			return meterProvider.Shutdown(ctx, logger.Logger)
		})
	}

	tracerProvider, err := initTracing(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	if tracerProvider != nil {
		cleanup.push("tracer provider", func(ctx context.Context) error {
			return tracerProvider.Shutdown(ctx, logger.Logger)
		})
	}

	logger.Info("connecting to metric store",
		slog.String("host", cfg.Storage.Host),
		slog.Int("port", cfg.Storage.Port),
		slog.String("database", cfg.Storage.Database),
	)

	db, dbStatsReg, err := connectStore(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to metric store: %w", err)
	}
	cleanup.push("metric store", func(_ context.Context) error {
		if dbStatsReg != nil {
			if err := dbStatsReg.Unregister(); err != nil {
				logger.Warn("failed to unregister DB stats metrics", slog.String("error", err.Error()))
			}
		}
		return db.Close()
	})

	if err := waitForStore(cfg, logger, db); err != nil {
		return fmt.Errorf("metric store not available: %w", err)
	}

	executor := dbexec.NewStandardExecutor(db)
	if err := store.EnsureSchema(context.Background(), executor); err != nil {
		return fmt.Errorf("failed to ensure metric store schema: %w", err)
	}

	fingerprints := store.NewSQLFingerprintStore(executor)
	metrics := store.NewSQLMetricStore(executor, db)
	baselines := store.NewSQLBaselineStore(executor)
	events := store.NewSQLEventStore(executor)
	audit := store.NewSQLAuditStore(executor)

	cfgPath, _ := pflag.CommandLine.GetString("config")
	snapshots := config.NewSnapshots(cfg, cfgPath, logger)

	watchCtx, watchCancel := context.WithCancel(context.Background())
	watchDone := make(chan struct{})
	go func() {
		defer close(watchDone)
		if err := snapshots.Watch(watchCtx); err != nil {
			logger.Warn("config watcher stopped", slog.String("error", err.Error()))
		}
	}()
	cleanup.push("config watcher", func(ctx context.Context) error {
		watchCancel()
		select {
		case <-watchDone:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})

	factory := &provider.MySQLFactory{
		MaxOpenConns: cfg.Collection.MaxDBParallelism + 1,
		MaxIdleConns: 2,
		MaxLifetime:  5 * time.Minute,
	}

	orchestrator := collector.NewOrchestrator(snapshots, factory, fingerprints, metrics, logger)

	sink := alert.NewLogSink(logger)

	analysisJob := &jobs.Analysis{
		Snapshots:    snapshots,
		Samples:      metrics,
		Baselines:    baselines,
		Events:       events,
		Fingerprints: fingerprints,
		Sink:         sink,
		Metrics:      bundles.analysis,
		Logger:       logger,
	}

	sched, err := buildScheduler(cfg, logger, orchestrator, bundles, analysisJob, snapshots, metrics, baselines, events, audit, sink)
	if err != nil {
		return err
	}

	schedCtx, schedCancel := context.WithCancel(context.Background())
	sched.Start(schedCtx)
	cleanup.push("scheduler", func(ctx context.Context) error {
		schedCancel()
		return sched.Wait(ctx)
	})

	// Transitions do not depend on detection thresholds, so one detector
	// serves the operator API across reloads.
	apiDetector := analysis.NewDetector(metrics, baselines, events, analysis.DetectorConfig{}, logger)

	runner := provider.NewMySQLRunner(func(name string) (string, bool) {
		for _, inst := range snapshots.Current().Instances {
			if inst.Name == name {
				return inst.ConnectionString, true
			}
		}
		return "", false
	})
	hostname, _ := os.Hostname()
	applier := remediation.NewApplier(audit, runner, "querymon", hostname, Version, bundles.remediation, logger)

	checker := health.NewChecker(snapshots, metrics, executor, factory, cfg.Server.HealthCheckTimeout, logger)
	checker.OnHealthy(func() {
		for _, st := range sched.Statuses() {
			if st.Suspended {
				sched.Resume(st.Name)
			}
		}
	})

	mux := buildRouter(cfg, logger, checker, meterProvider, snapshots, apiDetector, audit, applier, sched, metrics, baselines)
	handler := wrapHTTPHandler(cfg, logger, mux)

	serverAddr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv, tlsManager, err := buildServer(cfg, logger, handler, serverAddr)
	if err != nil {
		return fmt.Errorf("failed to initialize server: %w", err)
	}
	cleanup.push("HTTP server", func(ctx context.Context) error {
		return srv.Shutdown(ctx)
	})
	if tlsManager != nil {
		cleanup.push("TLS manager", func(_ context.Context) error {
			return tlsManager.Shutdown()
		})
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(stop)

	serverErrors := startServer(cfg, logger, srv, serverAddr)

	select {
	case err := <-serverErrors:
		return fmt.Errorf("server failed: %w", err)
	case sig := <-stop:
		logger.Info("received shutdown signal", slog.String("signal", sig.String()))
	}

	// Shutdown: the scheduler's context is cancelled first, which stops new
	// runs and cancels in-flight runs at the same moment (there is no drain
	// period before that cancellation); ShutdownTimeout bounds how long the
	// cleanup steps, including waiting for job loops to exit, may take.
	logger.Info("shutting down gracefully")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	cleanup.run(shutdownCtx, logger)
	cleanupRan = true
	shutdownCancel()

	logger.Info("monitor stopped gracefully")
	return nil
}

func initLogger(cfg *config.Config) (*logging.Logger, *observability.LoggerProvider, error) {
	loggerCfg := logging.Config{
		Level:  cfg.Observability.Logging.Level,
		Format: cfg.Observability.Logging.Format,
	}
	logger := logging.NewLogger(loggerCfg)
	slog.SetDefault(logger.Logger)

	if !cfg.Observability.Logging.ExportsEnabled {
		return logger, nil, nil
	}

	logger.Info("initializing OpenTelemetry logging",
		slog.String("service_name", cfg.Observability.ServiceName),
		slog.String("service_version", cfg.Observability.ServiceVersion),
		slog.String("otlp_endpoint", cfg.Observability.Logs.Endpoint),
	)

	loggerProvider, err := observability.InitLoggerProvider(observability.Config{
		ServiceName:    cfg.Observability.ServiceName,
		ServiceVersion: cfg.Observability.ServiceVersion,
		Environment:    cfg.Observability.Environment,
		OTLPConfig:     otlpExporterConfig(cfg.Observability.Logs),
	})
	if err != nil {
		return nil, nil, err
	}

	loggerCfg.LoggerProvider = loggerProvider.Provider()
	logger = logging.NewLogger(loggerCfg)
	slog.SetDefault(logger.Logger)

	return logger, loggerProvider, nil
}

func otlpExporterConfig(cfg config.OTLPConfig) observability.OTLPExporterConfig {
	return observability.OTLPExporterConfig{
		Endpoint:          cfg.Endpoint,
		Protocol:          cfg.Protocol,
		Insecure:          cfg.Insecure,
		TLSCertFile:       cfg.TLSCertFile,
		TLSClientCertFile: cfg.TLSClientCertFile,
		TLSClientKeyFile:  cfg.TLSClientKeyFile,
		Headers:           cfg.Headers,
		Timeout:           cfg.Timeout,
		Compression:       cfg.Compression,
		RetryEnabled:      cfg.RetryEnabled,
		RetryMaxAttempts:  cfg.RetryMaxAttempts,
	}
}

// metricBundles groups the domain instrument sets.
type metricBundles struct {
	collection  *observability.CollectionMetrics
	analysis    *observability.AnalysisMetrics
	remediation *observability.RemediationMetrics
	scheduler   *observability.SchedulerMetrics
}

func initMetrics(cfg *config.Config, logger *logging.Logger) (*observability.MeterProvider, metricBundles, error) {
	var bundles metricBundles
	if !cfg.Observability.MetricsEnabled {
		return nil, bundles, nil
	}

	meterProvider, err := observability.InitMeterProvider(observability.Config{
		ServiceName:    cfg.Observability.ServiceName,
		ServiceVersion: cfg.Observability.ServiceVersion,
		Environment:    cfg.Observability.Environment,
	})
	if err != nil {
		return nil, bundles, err
	}

	if bundles.collection, err = observability.InitCollectionMetrics(); err != nil {
		return nil, bundles, err
	}
	if bundles.analysis, err = observability.InitAnalysisMetrics(); err != nil {
		return nil, bundles, err
	}
	if bundles.remediation, err = observability.InitRemediationMetrics(); err != nil {
		return nil, bundles, err
	}
	if bundles.scheduler, err = observability.InitSchedulerMetrics(); err != nil {
		return nil, bundles, err
	}

	logger.Info("metrics initialized")
	return meterProvider, bundles, nil
}

func initTracing(cfg *config.Config, logger *logging.Logger) (*observability.TracerProvider, error) {
	if !cfg.Observability.TracingEnabled {
		return nil, nil
	}

	logger.Info("initializing OpenTelemetry tracing",
		slog.String("otlp_endpoint", cfg.Observability.Traces.Endpoint),
	)

	return observability.InitTracerProvider(observability.Config{
		ServiceName:      cfg.Observability.ServiceName,
		ServiceVersion:   cfg.Observability.ServiceVersion,
		Environment:      cfg.Observability.Environment,
		TraceSampleRatio: cfg.Observability.TraceSampleRatio,
		OTLPConfig:       otlpExporterConfig(cfg.Observability.Traces),
	})
}

func connectStore(cfg *config.Config, logger *logging.Logger) (*sql.DB, interface{ Unregister() error }, error) {
	dsn := cfg.Storage.DSN()

	if cfg.Observability.MetricsEnabled || cfg.Observability.TracingEnabled {
		opts := []otelsql.Option{
			otelsql.WithAttributes(semconv.DBSystemMySQL),
		}
		if cfg.Observability.TracingEnabled {
			opts = append(opts, otelsql.WithSpanOptions(otelsql.SpanOptions{
				DisableErrSkip: true,
			}))
		}

		db, err := otelsql.Open("mysql", dsn, opts...)
		if err != nil {
			return nil, nil, err
		}

		var dbStatsReg interface{ Unregister() error }
		if cfg.Observability.MetricsEnabled {
			dbStatsReg, err = otelsql.RegisterDBStatsMetrics(db, otelsql.WithAttributes(semconv.DBSystemMySQL))
			if err != nil {
				logger.Warn("failed to register DB stats metrics", slog.String("error", err.Error()))
			}
		}

		configurePool(cfg, db)
		return db, dbStatsReg, nil
	}

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, nil, err
	}
	configurePool(cfg, db)
	return db, nil, nil
}

func configurePool(cfg *config.Config, db *sql.DB) {
	db.SetMaxOpenConns(cfg.Storage.Pool.MaxOpen)
	db.SetMaxIdleConns(cfg.Storage.Pool.MaxIdle)
	db.SetConnMaxLifetime(cfg.Storage.Pool.MaxLifetime)
}

func waitForStore(cfg *config.Config, logger *logging.Logger, db *sql.DB) error {
	timeout := cfg.Storage.ConnectionTimeout
	interval := cfg.Storage.ConnectionRetryInterval

	if timeout == 0 {
		return db.Ping()
	}

	deadline := time.Now().Add(timeout)
	attempt := 0

	for {
		attempt++
		err := db.Ping()
		if err == nil {
			if attempt > 1 {
				logger.Info("metric store connection established", slog.Int("attempts", attempt))
			}
			return nil
		}

		if time.Now().After(deadline) {
			return fmt.Errorf("metric store not available after %v: %w", timeout, err)
		}

		logger.Warn("metric store not ready, retrying...",
			slog.Int("attempt", attempt),
			slog.Duration("retry_in", interval),
			slog.String("error", err.Error()),
		)
		time.Sleep(interval)

		// Exponential backoff, capped at 30s
		interval = min(interval*2, 30*time.Second)
	}
}

func buildScheduler(
	cfg *config.Config,
	logger *logging.Logger,
	orchestrator *collector.Orchestrator,
	bundles metricBundles,
	analysisJob *jobs.Analysis,
	snapshots *config.Snapshots,
	metrics store.MetricStore,
	baselines store.BaselineStore,
	events store.EventStore,
	audit store.AuditStore,
	sink alert.Sink,
) (*scheduler.Scheduler, error) {
	sched := scheduler.New(logger, bundles.scheduler)
	sched.SetSink(sink)

	sched.Add(&jobs.Collection{Orchestrator: orchestrator, Metrics: bundles.collection},
		scheduler.IntervalSchedule{
			Interval:     cfg.Collection.Interval,
			StartupDelay: cfg.Collection.StartupDelay,
		}, scheduler.Backoff{})

	sched.Add(analysisJob,
		scheduler.IntervalSchedule{
			Interval:     cfg.Analysis.Interval,
			StartupDelay: cfg.Analysis.StartupDelay,
		}, scheduler.Backoff{})

	rebuildHour, rebuildMinute, err := config.ParseTimeOfDay(cfg.Baseline.RebuildTime)
	if err != nil {
		return nil, fmt.Errorf("invalid baseline rebuild time: %w", err)
	}
	sched.Add(&jobs.BaselineRebuild{
		Snapshots: snapshots,
		Samples:   metrics,
		Baselines: baselines,
		Logger:    logger,
	}, scheduler.TimeOfDaySchedule{Hour: rebuildHour, Minute: rebuildMinute}, scheduler.Backoff{})

	summaryHour, summaryMinute, err := config.ParseTimeOfDay(cfg.Hotspots.SummaryTime)
	if err != nil {
		return nil, fmt.Errorf("invalid summary time: %w", err)
	}
	sched.Add(&jobs.DailySummary{
		Samples:  metrics,
		Events:   events,
		Audit:    audit,
		Analysis: analysisJob,
		Sink:     sink,
	}, scheduler.TimeOfDaySchedule{Hour: summaryHour, Minute: summaryMinute}, scheduler.Backoff{})

	return sched, nil
}

func buildRouter(
	cfg *config.Config,
	logger *logging.Logger,
	checker *health.Checker,
	meterProvider *observability.MeterProvider,
	snapshots *config.Snapshots,
	detector *analysis.Detector,
	audit store.AuditStore,
	applier *remediation.Applier,
	sched *scheduler.Scheduler,
	metrics store.MetricStore,
	baselines store.BaselineStore,
) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz/live", health.LivenessHandler())
	mux.HandleFunc("GET /healthz/ready", checker.ReadinessHandler())

	if cfg.Observability.MetricsEnabled && meterProvider != nil {
		mux.Handle("/metrics", promhttp.Handler())
		logger.Info("metrics endpoint enabled", slog.String("path", "/metrics"))
	}

	if cfg.Server.AdminToken != "" {
		rebuild := func(r *http.Request) error {
			job := &jobs.BaselineRebuild{
				Snapshots: snapshots,
				Samples:   metrics,
				Baselines: baselines,
				Logger:    logger,
			}
			return job.Run(r.Context())
		}
		api := httpapi.New(snapshots, detector, audit, applier, sched, rebuild, logger)

		authMiddleware, err := httpapi.AdminTokenMiddleware(cfg.Server.AdminToken)
		if err != nil {
			logger.Warn("operator API disabled", slog.String("error", err.Error()))
			return mux
		}
		apiMux := http.NewServeMux()
		api.Register(apiMux)
		mux.Handle("/api/", authMiddleware(apiMux))
		logger.Info("operator API enabled", slog.String("path", "/api/"))
	} else {
		logger.Warn("operator API disabled - set server.admin_token to enable it")
	}

	return mux
}

func wrapHTTPHandler(cfg *config.Config, logger *logging.Logger, handler http.Handler) http.Handler {
	if cfg.Observability.MetricsEnabled || cfg.Observability.TracingEnabled {
		handler = otelhttp.NewHandler(handler, "querymon-server",
			otelhttp.WithMessageEvents(otelhttp.ReadEvents, otelhttp.WriteEvents),
		)
	}
	return httpapi.LoggingMiddleware(logger)(handler)
}

func buildServer(cfg *config.Config, logger *logging.Logger, handler http.Handler, serverAddr string) (*http.Server, tlscert.Manager, error) {
	srv := &http.Server{
		Addr:         serverAddr,
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	var tlsManager tlscert.Manager
	if tlsEnabled(cfg) {
		var certMode tlscert.CertMode
		switch cfg.Server.TLSMode {
		case "auto":
			certMode = tlscert.CertModeSelfSigned
		case "file":
			certMode = tlscert.CertModeFile
		default:
			certMode = tlscert.CertMode(cfg.Server.TLSMode)
		}

		var err error
		tlsManager, err = tlscert.NewManager(tlscert.Config{
			Mode:              certMode,
			CertFile:          cfg.Server.TLSCertFile,
			KeyFile:           cfg.Server.TLSKeyFile,
			SelfSignedCertDir: cfg.Server.TLSAutoCertDir,
			SelfSignedHosts:   []string{"localhost", "127.0.0.1", "::1"},
		}, logger.Logger)
		if err != nil {
			return nil, nil, err
		}

		srv.TLSConfig, err = tlsManager.GetTLSConfig()
		if err != nil {
			return nil, nil, err
		}

		logger.Info("TLS enabled",
			slog.String("mode", cfg.Server.TLSMode),
			slog.String("cert_source", tlsManager.Description()))
	}

	return srv, tlsManager, nil
}

func tlsEnabled(cfg *config.Config) bool {
	return cfg.Server.TLSMode != "" && cfg.Server.TLSMode != "off"
}

func startServer(cfg *config.Config, logger *logging.Logger, srv *http.Server, serverAddr string) chan error {
	serverErrors := make(chan error, 1)
	go func() {
		protocol := "http"
		if tlsEnabled(cfg) {
			protocol = "https"
		}
		logger.Info("server starting",
			slog.String("protocol", protocol),
			slog.String("address", serverAddr),
			slog.String("liveness_endpoint", "/healthz/live"),
			slog.String("readiness_endpoint", "/healthz/ready"),
			slog.String("log_level", cfg.Observability.Logging.Level),
			slog.String("log_format", cfg.Observability.Logging.Format),
		)

		var err error
		if tlsEnabled(cfg) {
			err = srv.ListenAndServeTLS("", "")
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			serverErrors <- fmt.Errorf("server failed: %w", err)
		}
	}()
	return serverErrors
}
