package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"telegram-media-downloader/bot"
	"telegram-media-downloader/models"
	"telegram-media-downloader/monitoring"
	"telegram-media-downloader/pipeline"
	"telegram-media-downloader/server"
	"telegram-media-downloader/storage"
	"telegram-media-downloader/utils"
	"telegram-media-downloader/workers"
)

const (
	reloadPollInterval   = 5 * time.Second
	maintenanceInterval  = 24 * time.Hour
	historyRetention     = 30 * 24 * time.Hour
	finalSnapshotTimeout = 10 * time.Second
)

func main() {
	config, err := utils.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := utils.NewLogger(config)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}

	db, err := storage.Open(config)
	if err != nil {
		logger.Fatalf("Failed to initialize database: %v", err)
	}
	defer db.Close()

	snapshots := storage.NewSnapshotStore(db, logger)
	audit := storage.NewAuditLogger(db, logger)
	deadLetters := storage.NewDeadLetterQueue(db, logger)

	api, err := utils.NewBotAPI(config, logger)
	if err != nil {
		logger.Fatalf("Failed to initialize Telegram bot API: %v", err)
	}

	metrics := monitoring.NewPerformanceMetrics()

	// Hooks fire from work loops; the bot is assigned before dispatch starts.
	var telegramBot *bot.TelegramBot
	opts := pipeline.OptionsFromConfig(config)
	opts.Hooks = pipeline.Hooks{
		OnTransition: func(t models.Transition) {
			if err := audit.LogTransition(t); err != nil {
				logger.WithError(err).WithField("task_id", t.TaskID).Warn("Failed to audit transition")
			}
			if telegramBot != nil {
				telegramBot.OnTransition(t)
			}
		},
		OnUnitFailed: func(unit models.FailedUnit) {
			if err := deadLetters.Add(unit); err != nil {
				logger.WithError(err).WithField("task_id", unit.TaskID).Error("Failed to record dead letter")
			}
		},
		OnReport: func(summary pipeline.TaskSummary) {
			if telegramBot != nil {
				telegramBot.OnReport(summary)
			}
		},
	}
	registry := pipeline.NewRegistry(metrics.Instrument(workers.NewBotFetcher(api, config, logger)), nil, logger, opts)

	sources := func() ([]utils.SourceConfig, error) {
		return utils.LoadSources(config.SourcesFile)
	}
	recovery := storage.NewRecoveryService(registry, snapshots, audit, sources, logger)

	report, err := recovery.RestoreOnStartup(context.Background())
	if err != nil {
		logger.Fatalf("Failed to recover task state: %v", err)
	}

	if _, err := utils.NewFileManager(logger).CleanupPartialFiles(config.DownloadDir, 0); err != nil {
		logger.WithError(err).Warn("Partial file cleanup failed")
	}

	var monitor *monitoring.NetworkMonitor
	if config.NetworkMonitorEnabled {
		monitor = monitoring.NewNetworkMonitor(
			monitoring.MonitorConfigFromConfig(config),
			registry,
			monitoring.NewHTTPProbe(config.NetworkCheckURL),
			monitoring.NewTCPProbe(config.NetworkCheckHost, config.NetworkCheckPort),
			logger,
		)
		monitor.Adopt(report.NetworkPaused)
		recovery.OnNetworkPaused(monitor.Adopt)
	}

	reload := func(ctx context.Context) error {
		return registry.Reload(ctx, metrics.Instrument(workers.NewBotFetcher(api, config, logger)))
	}

	health := monitoring.NewHealthMonitor(logger, metrics)
	health.RegisterChecker(&monitoring.DatabaseHealthChecker{DB: db.DB()})
	health.RegisterChecker(&monitoring.FileSystemHealthChecker{Dir: config.DownloadDir})
	health.RegisterChecker(&monitoring.DispatchHealthChecker{Running: registry.Running})
	if monitor != nil {
		health.RegisterChecker(&monitoring.NetworkHealthChecker{Monitor: monitor})
	}

	services := bot.Services{
		Registry:    registry,
		Monitor:     monitor,
		Recovery:    recovery,
		Audit:       audit,
		DeadLetters: deadLetters,
		Health:      health,
		Metrics:     metrics,
		Reload:      reload,
	}
	telegramBot = bot.NewTelegramBot(api, config, logger, services)

	logger.Info("Telegram media downloader starting...")
	logger.WithField("admins", config.AdminIDs).Info("Authorized admin IDs loaded")
	logger.WithField("tasks", registry.Len()).
		WithField("from_snapshot", report.FromSnapshot).
		WithField("seeded", report.SeededTasks).
		Info("Task state loaded")

	if err := registry.Start(); err != nil {
		logger.Fatalf("Failed to start task dispatch: %v", err)
	}

	if monitor != nil {
		monitor.OnChange(telegramBot.OnNetworkEvent)
		monitor.Start()
	}

	go func() {
		if err := telegramBot.Start(); err != nil {
			logger.WithError(err).Error("Bot stopped with error")
		}
	}()
	if report.RestoreError != nil {
		telegramBot.NotifyAdmins("⚠️ Saved state could not be restored, starting with no tasks:\n" + report.RestoreError.Error())
	}

	var httpServer *server.Server
	if config.HTTPListenAddr != "" {
		httpServer = server.New(config.HTTPListenAddr, server.Services(services), config.HTTPAPIToken, logger)
		httpServer.Start()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	recovery.StartAutoSave(ctx, config.SnapshotInterval, config.SnapshotRetention)
	go runMaintenance(ctx, audit, deadLetters, logger)

	reloadChan := make(chan string, 1)
	go watchReloadTrigger(ctx, config.ReloadTriggerFile, reloadChan, logger)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGUSR1)

	for running := true; running; {
		select {
		case sig := <-sigChan:
			if sig == syscall.SIGUSR1 {
				go runReload(reload, "signal", logger)
				continue
			}
			running = false
		case trigger := <-reloadChan:
			go runReload(reload, trigger, logger)
		}
	}
	logger.Info("Shutdown signal received, shutting down gracefully...")

	// Surfaces go first so no new control requests arrive mid-shutdown.
	telegramBot.Stop()
	if httpServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.WithError(err).Warn("HTTP API shutdown error")
		}
		shutdownCancel()
	}
	if monitor != nil {
		monitor.Stop()
	}

	cancel()

	drainCtx, drainCancel := context.WithTimeout(context.Background(), config.ShutdownTimeout)
	if err := registry.Shutdown(drainCtx); err != nil {
		logger.WithError(err).Warn("Task dispatch did not drain before the deadline")
	}
	drainCancel()

	saveCtx, saveCancel := context.WithTimeout(context.Background(), finalSnapshotTimeout)
	if record, err := recovery.SaveSnapshot(saveCtx, "shutdown"); err != nil {
		logger.WithError(err).Error("Failed to save final snapshot")
	} else {
		logger.WithField("snapshot_id", record.ID).Info("Final snapshot saved")
	}
	saveCancel()

	logger.Info("Telegram media downloader stopped")
}

func runReload(reload func(context.Context) error, trigger string, logger *utils.Logger) {
	entry := logger.WithField("trigger", trigger)
	entry.Info("Reloading task logic")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	if err := reload(ctx); err != nil {
		entry.WithError(err).Error("Reload failed")
	}
}

// watchReloadTrigger polls for the trigger file and removes it before
// requesting a reload.
func watchReloadTrigger(ctx context.Context, path string, reloadChan chan<- string, logger *utils.Logger) {
	if path == "" {
		return
	}
	ticker := time.NewTicker(reloadPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := os.Stat(path); err != nil {
				continue
			}
			if err := os.Remove(path); err != nil {
				logger.WithError(err).WithField("file", path).Warn("Failed to remove reload trigger file")
				continue
			}
			select {
			case reloadChan <- "file":
			default:
			}
		}
	}
}

func runMaintenance(ctx context.Context, audit *storage.AuditLogger, deadLetters *storage.DeadLetterQueue, logger *utils.Logger) {
	ticker := time.NewTicker(maintenanceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if removed, err := audit.CleanupOldEvents(ctx, historyRetention); err != nil {
				logger.WithError(err).Warn("Audit cleanup failed")
			} else if removed > 0 {
				logger.WithField("removed", removed).Info("Old audit events removed")
			}
			if removed, err := deadLetters.PurgeOld(ctx, historyRetention); err != nil {
				logger.WithError(err).Warn("Dead letter cleanup failed")
			} else if removed > 0 {
				logger.WithField("removed", removed).Info("Old dead letters removed")
			}
		}
	}
}
