package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"ricevute/internal/auth"
	"ricevute/internal/backend"
	"ricevute/internal/blob"
	"ricevute/internal/cache"
	"ricevute/internal/cli"
	"ricevute/internal/export"
	apphttp "ricevute/internal/http"
	applog "ricevute/internal/log"
	"ricevute/internal/services"
)

func main() {
	cli.LoadEnvFile()
	logger := cli.SetupLogger(applog.ComponentApp)
	cfg := cli.LoadAndValidateConfig(logger)

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

	objects, err := blob.NewFileStore(cfg.BlobDir)
	if err != nil {
		logger.Error("Failed to initialize object storage", applog.FieldError, err, "dir", cfg.BlobDir)
		os.Exit(1)
	}
	gateway := blob.NewGateway(objects, blob.NewSigner(cfg.SigningSecret), blob.GatewayConfig{
		BaseURL:        cfg.PublicBaseURL,
		UploadTTL:      cfg.UploadURLTTL,
		DownloadTTL:    cfg.DownloadURLTTL,
		MaxUploadBytes: cfg.MaxUploadBytes,
		Logger:         logger,
	})

	hub := apphttp.NewHub(logger)
	opts := []services.ExpenseOption{
		services.WithLogger(logger),
		services.WithURLSigner(gateway),
		services.WithNotifier(hub),
	}
	if res.Publisher != nil {
		opts = append(opts, services.WithNotifier(res.Publisher))
	}
	expenses := services.NewExpenseService(res.Store, opts...)
	attachments := services.NewAttachmentService(gateway, expenses, services.AttachmentConfig{
		UploadTTL: cfg.UploadURLTTL,
		Logger:    logger,
	})

	var verifier *auth.Verifier
	if cfg.AuthDisabled {
		logger.Warn("Authentication disabled, every request runs as the dev identity")
	} else {
		verifier = auth.NewVerifier(cfg.AuthJWTSecret, cfg.AuthIssuer)
	}

	srv, err := apphttp.NewServer(apphttp.Config{
		Addr:               ":" + cfg.Port,
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
		RateLimitPerMinute: cfg.RateLimitPerMinute,
		TrustedProxies:     cfg.TrustedProxies,
	}, apphttp.Deps{
		Expenses:    expenses,
		Attachments: attachments,
		Exporter:    export.NewService(expenses, logger),
		Blobs:       gateway,
		Hub:         hub,
		Verifier:    verifier,
		Logger:      logger,
	})
	if err != nil {
		logger.Error("Failed to build HTTP server", applog.FieldError, err)
		os.Exit(1)
	}

	// Configure server timeouts and limits. Uploads stream through PUT
	// /blobs, so the write timeout covers a full receipt transfer.
	srv.ReadTimeout = 60 * time.Second
	srv.WriteTimeout = 60 * time.Second
	srv.IdleTimeout = 120 * time.Second
	srv.MaxHeaderBytes = 1 << 16

	caches := cache.NewManager(attachments.Caches()...)

	ctx, done := cli.GracefulShutdown(logger, 30*time.Second, func(shutdownCtx context.Context) {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("Server shutdown error", applog.FieldError, err)
		}
		if err := res.Cleanup(); err != nil {
			logger.Error("Backend cleanup error", applog.FieldError, err)
		}
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return caches.Run(gctx, time.Minute)
	})
	g.Go(func() error {
		logger.Info("Starting ricevute server",
			"port", cfg.Port,
			"backend", cfg.DataBackend,
			"change_events", res.Publisher != nil)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("Server error", applog.FieldError, err, "port", cfg.Port)
		os.Exit(1)
	}

	cli.WaitForShutdown(ctx, done)
	logger.Info("Server stopped gracefully")
}
