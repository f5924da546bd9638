package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"go.uber.org/zap"

	"github.com/vertextoedge/samu-panel/internal/adapter/filesystem"
	"github.com/vertextoedge/samu-panel/internal/adapter/portal"
	"github.com/vertextoedge/samu-panel/internal/adapter/sqlite"
	"github.com/vertextoedge/samu-panel/internal/config"
	"github.com/vertextoedge/samu-panel/internal/domain/event"
	"github.com/vertextoedge/samu-panel/internal/indicator"
	"github.com/vertextoedge/samu-panel/internal/logger"
	"github.com/vertextoedge/samu-panel/internal/service/alert"
	"github.com/vertextoedge/samu-panel/internal/service/download"
	"github.com/vertextoedge/samu-panel/internal/service/maintenance"
	"github.com/vertextoedge/samu-panel/internal/service/report"
	"github.com/vertextoedge/samu-panel/internal/service/server"
	"github.com/vertextoedge/samu-panel/internal/util/ratelimiter"
)

const version = "0.1.0"

func main() {
	// Parse command line flags
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	if err := logger.Init(cfg.Logging.Level, cfg.Logging.Format); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	zapLogger := logger.GetZapLogger()
	loc := cfg.App.Location()
	zapLogger.Info("starting samu-panel",
		zap.String("version", version),
		zap.String("config", *configPath),
		zap.String("timezone", loc.String()),
	)

	// Open database
	store, err := sqlite.OpenWithTimeout(cfg.Database.Path, cfg.Database.BusyTimeoutMs)
	if err != nil {
		zapLogger.Fatal("failed to open database", zap.Error(err), zap.String("path", cfg.Database.Path))
	}
	defer store.Close()

	// The schedule row always exists once the app is up
	if _, err := store.GetSchedule(context.Background()); err != nil {
		zapLogger.Fatal("failed to initialize download schedule", zap.Error(err))
	}

	// Initialize download directory
	files, err := filesystem.NewManager(cfg.Download.Dir, logger.Named("files"))
	if err != nil {
		zapLogger.Fatal("failed to create download directory", zap.Error(err), zap.String("dir", cfg.Download.Dir))
	}

	engine := indicator.NewEngine(loc, logger.Named("indicator"))

	reports := report.New(&report.Config{
		TTL:     cfg.Download.GetCacheTTL(),
		Workers: cfg.Download.ComputeWorkers,
	}, files, store, store, engine, logger.Named("report"))

	if !cfg.Portal.HasCredentials() {
		zapLogger.Warn("portal credentials not configured, downloads will fail until SAMU_USERNAME and SAMU_PASSWORD are set")
	}
	portalClient := portal.New(&portal.Config{
		LoginURL:          cfg.Portal.LoginURL,
		Username:          cfg.Portal.Username,
		Password:          cfg.Portal.Password,
		Headless:          cfg.Portal.Headless,
		ChromeBin:         cfg.Portal.ChromeBin,
		LoginTimeout:      cfg.Portal.GetLoginTimeout(),
		NavigationTimeout: cfg.Portal.GetNavigationTimeout(),
		ReportTimeout:     cfg.Portal.GetReportTimeout(),
		DownloadTimeout:   cfg.Portal.GetDownloadTimeout(),
	}, files, logger.Named("portal"))

	alertService := alert.New(&alert.Config{
		Interval: cfg.Alerts.GetInterval(),
	}, store, reports, engine, logger.Named("alert"))

	// Download lifecycle events are logged, counted for the status endpoint
	// and trigger alert generation
	runStats := event.NewRunStats()
	events := event.NewInMemoryDispatcher(event.NewLoggingHandler(logger.Named("download")), runStats, alertService)

	runner := download.New(&download.Config{
		SkipRows:       cfg.Download.SkipRows,
		MaxAttempts:    cfg.Download.MaxAttempts,
		BaseDelay:      cfg.Download.GetRetryBaseDelay(),
		MaxDelay:       cfg.Download.GetRetryMaxDelay(),
		HasCredentials: cfg.Portal.HasCredentials(),
	}, portalClient, files, store, reports, loc, logger.Named("download"), download.WithDispatcher(events))

	scheduler := download.NewScheduler(runner, store, loc, logger.Named("scheduler"))

	maintenanceService := maintenance.New(&maintenance.Config{
		CleanupInterval: cfg.Maintenance.GetInterval(),
		ArtifactMaxAge:  cfg.Maintenance.GetArtifactMaxAge(),
	}, files, logger.Named("maintenance"))

	// Create HTTP server
	httpServer, err := server.New(&server.Config{
		BindAddr:     cfg.HTTP.BindAddr,
		SecretKey:    cfg.App.SecretKey,
		ReadTimeout:  cfg.HTTP.GetReadTimeout(),
		WriteTimeout: cfg.HTTP.GetWriteTimeout(),
		IdleTimeout:  cfg.HTTP.GetIdleTimeout(),
		Location:     loc,
	}, server.Deps{
		Store:     store,
		Files:     files,
		Reports:   reports,
		Runner:    runner,
		Scheduler: scheduler,
		Limiter:   ratelimiter.New(cfg.Download.GetManualCooldown()),
		Alerts:    alertService,
		Stats:     runStats,
	}, logger.Named("http"))
	if err != nil {
		zapLogger.Fatal("failed to create HTTP server", zap.Error(err))
	}

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Start HTTP server
	go func() {
		if err := httpServer.Start(); err != nil {
			zapLogger.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	// Start download scheduler
	go func() {
		if err := scheduler.Start(ctx); err != nil && err != context.Canceled {
			zapLogger.Error("scheduler stopped with error", zap.Error(err))
		}
	}()

	// Start maintenance service
	go func() {
		if err := maintenanceService.Start(ctx); err != nil && err != context.Canceled {
			zapLogger.Error("maintenance service stopped with error", zap.Error(err))
		}
	}()

	// Start alert generation
	go func() {
		if err := alertService.Start(ctx); err != nil && err != context.Canceled {
			zapLogger.Error("alert service stopped with error", zap.Error(err))
		}
	}()

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	zapLogger.Info("application started successfully",
		zap.String("http_addr", cfg.HTTP.BindAddr),
		zap.String("download_dir", files.Dir()),
	)
	<-sigChan

	zapLogger.Info("shutdown signal received, stopping services...")

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	scheduler.Stop()
	maintenanceService.Stop()
	alertService.Stop()

	// Stop HTTP server; this also waits for a download in flight
	if err := httpServer.Stop(shutdownCtx); err != nil {
		zapLogger.Error("failed to stop HTTP server gracefully", zap.Error(err))
	}

	zapLogger.Info("application stopped successfully")
}
