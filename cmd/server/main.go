package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"SheetSend/internal/api"
	"SheetSend/internal/config"
	"SheetSend/internal/dispatch"
	"SheetSend/internal/metrics"
	"SheetSend/internal/rows"
	"SheetSend/internal/scheduler"
	"SheetSend/internal/store"
)

func main() {

	// ------------------------------------------------
	// Logger
	// ------------------------------------------------
	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	// ------------------------------------------------
	// Config
	// ------------------------------------------------
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("failed to load config", zap.Error(err))
	}

	// ------------------------------------------------
	// Root Context + Shutdown
	// ------------------------------------------------
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))
		cancel()
	}()

	// ------------------------------------------------
	// Stores
	// ------------------------------------------------
	var (
		creds store.CredentialStore
		jobs  store.JobStore
	)

	if cfg.DatabaseURL != "" {
		pg, err := store.NewPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Fatal("database connection failed", zap.Error(err))
		}
		defer pg.Close()
		creds = pg.Credentials()
		jobs = pg.Jobs()
		logger.Info("using postgres stores")
	} else {
		creds = store.NewMemoryCredentials()
		jobs = store.NewMemoryJobs()
		logger.Warn("DATABASE_URL not set, using in-memory stores")
	}

	// ------------------------------------------------
	// Row Source
	// ------------------------------------------------
	var source rows.Source

	switch cfg.RowSource {
	case "csv":
		source = rows.NewCSVSource(cfg.CSVDir)
		logger.Info("using csv row source", zap.String("dir", cfg.CSVDir))
	default:
		source, err = rows.NewSheetsSource(ctx, cfg.SheetsCredsFile)
		if err != nil {
			logger.Fatal("sheets client failed", zap.Error(err))
		}
		logger.Info("using google sheets row source")
	}

	// ------------------------------------------------
	// Metrics
	// ------------------------------------------------
	metrics.Init()

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())

	metricsServer := &http.Server{
		Addr:    ":" + cfg.MetricsPort,
		Handler: metricsMux,
	}

	go func() {
		logger.Info("metrics server started", zap.String("port", cfg.MetricsPort))
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("metrics server error", zap.Error(err))
		}
	}()

	// ------------------------------------------------
	// Email Sender
	// ------------------------------------------------
	sender := &dispatch.SMTPSender{
		Host:    cfg.SMTPHost,
		Port:    cfg.SMTPPort,
		Retries: cfg.RetryAttempts,
	}

	// ------------------------------------------------
	// Rate Limiter
	// ------------------------------------------------
	limiter := rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateLimit)

	// ------------------------------------------------
	// Scheduler
	// ------------------------------------------------
	sched := scheduler.New(scheduler.Options{
		Jobs:           jobs,
		Credentials:    creds,
		Source:         source,
		Sender:         sender,
		Limiter:        limiter,
		Logger:         logger,
		Interval:       time.Duration(cfg.WatchIntervalMS) * time.Millisecond,
		Workers:        cfg.WorkerCount,
		RecipientField: cfg.RecipientField,
	})

	if err := sched.Start(ctx); err != nil {
		logger.Fatal("scheduler start failed", zap.Error(err))
	}

	// ------------------------------------------------
	// HTTP API Server
	// ------------------------------------------------
	apiHandler := &api.Handler{
		Creds: creds,
		Jobs:  jobs,
		Sched: sched,
		Log:   logger,
	}

	apiServer := &http.Server{
		Addr:    ":" + cfg.APIPort,
		Handler: api.NewRouter(apiHandler),
	}

	go func() {
		logger.Info("api server started", zap.String("port", cfg.APIPort))
		if err := apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("api server error", zap.Error(err))
		}
	}()

	// ------------------------------------------------
	// Wait for shutdown
	// ------------------------------------------------
	<-ctx.Done()

	logger.Info("shutting down services...")

	// Stop the watcher and let running jobs reach a row boundary;
	// unfinished jobs resume from their recorded outcomes on next boot.
	sched.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("api shutdown failed", zap.Error(err))
	}

	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("metrics shutdown failed", zap.Error(err))
	}

	logger.Info("application shutdown complete")
}
