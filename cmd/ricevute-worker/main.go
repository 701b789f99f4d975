package main

import (
	"context"
	"errors"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"ricevute/internal/backend"
	"ricevute/internal/blob"
	"ricevute/internal/cli"
	applog "ricevute/internal/log"
	"ricevute/internal/services"
	"ricevute/internal/sheets"
	gsheet "ricevute/internal/sheets/google"
	memsheet "ricevute/internal/sheets/memory"
	"ricevute/internal/worker"
)

func main() {
	cli.LoadEnvFile()
	logger := cli.SetupLogger(applog.ComponentWorker)

	logger.Info("Starting ricevute-worker")
	cfg := cli.LoadAndValidateConfig(logger)

	if cfg.AMQPURL == "" {
		logger.Error("AMQP_URL is required by the worker")
		os.Exit(1)
	}

	backendCfg, err := backend.FromAppConfig(cfg)
	if err != nil {
		logger.Error("Invalid backend configuration", applog.FieldError, err)
		os.Exit(1)
	}
	res, err := backend.NewFactory(logger).CreateBackend(context.Background(), backendCfg)
	if err != nil {
		logger.Error("Failed to initialize backend", applog.FieldError, err, "backend", cfg.DataBackend)
		os.Exit(1)
	}
	if res.Publisher == nil {
		logger.Error("Cannot reach the AMQP broker", "url", cfg.AMQPURL)
		_ = res.Cleanup()
		os.Exit(1)
	}

	var mirror sheets.Mirror
	if cfg.SheetsEnabled() {
		client, err := gsheet.New(context.Background(), gsheet.Config{
			SpreadsheetID:   cfg.GoogleSpreadsheetID,
			SheetName:       cfg.GoogleSheetName,
			CredentialsFile: cfg.GoogleCredentialsFile,
		})
		if err != nil {
			logger.Error("Failed to initialize Google Sheets client", applog.FieldError, err)
			_ = res.Cleanup()
			os.Exit(1)
		}
		mirror = client
		logger.Info("Google Sheets mirror enabled", "spreadsheet_id", cfg.GoogleSpreadsheetID, "sheet", cfg.GoogleSheetName)
	} else {
		mirror = memsheet.New()
		logger.Info("Google Sheets disabled - no GOOGLE_SPREADSHEET_ID provided, mirroring in memory")
	}

	var sweeper *services.Sweeper
	if cfg.SweepEnabled {
		objects, err := blob.NewFileStore(cfg.BlobDir)
		if err != nil {
			logger.Error("Failed to open object storage", applog.FieldError, err, "dir", cfg.BlobDir)
			_ = res.Cleanup()
			os.Exit(1)
		}
		sweeper = services.NewSweeper(objects, res.Store, services.SweeperConfig{
			Interval:    cfg.SweepInterval,
			GracePeriod: cfg.OrphanGracePeriod,
		})
	} else {
		logger.Info("Orphan sweep disabled")
	}

	ctx, done := cli.GracefulShutdown(logger, 30*time.Second, func(shutdownCtx context.Context) {
		if sweeper != nil {
			if err := sweeper.Stop(shutdownCtx); err != nil {
				logger.Warn("Sweeper stop error", applog.FieldError, err)
			}
		}
		if err := res.Cleanup(); err != nil {
			logger.Error("Backend cleanup error", applog.FieldError, err)
		}
	})

	if sweeper != nil {
		if err := sweeper.Start(ctx); err != nil {
			logger.Error("Failed to start orphan sweeper", applog.FieldError, err)
		}
	}

	syncWorker := worker.NewSyncWorker(res.Store, mirror)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return syncWorker.Run(gctx, res.Publisher, cfg.SyncInterval)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("Worker failed", applog.FieldError, err)
		os.Exit(1)
	}

	cli.WaitForShutdown(ctx, done)
	logger.Info("Worker shutdown complete")
}
