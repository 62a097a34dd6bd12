package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/cors"
	"golang.org/x/sync/errgroup"

	"github.com/manthysbr/codesense/internal/adapters/archive"
	"github.com/manthysbr/codesense/internal/config"
	"github.com/manthysbr/codesense/internal/core/services"
	applog "github.com/manthysbr/codesense/internal/log"
	"github.com/manthysbr/codesense/internal/observability"
	"github.com/manthysbr/codesense/pkg/kernel"
)

const httpShutdownTimeout = 5 * time.Second

func serve(ctx context.Context, cfg *config.Config, verbose bool) error {
	logger := applog.New(cfg.Log.Level, verbose)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger, cfg); err != nil {
		logger.Error("codesense stopped with error", "error", err)
		return err
	}
	return nil
}

func run(ctx context.Context, logger *slog.Logger, cfg *config.Config) error {
	metricsHandler, shutdownMetrics, err := observability.InitMetrics()
	if err != nil {
		return err
	}
	defer shutdownMetrics(context.WithoutCancel(ctx))

	if cfg.Telemetry.OTLPEndpoint != "" {
		shutdownTracer, err := observability.InitTracer(ctx, "codesense", cfg.Telemetry.OTLPEndpoint)
		if err != nil {
			return err
		}
		defer shutdownTracer(context.WithoutCancel(ctx))
	}

	repo, err := openStore(ctx, cfg.Store)
	if err != nil {
		return err
	}
	defer repo.Close()

	analyzer, closeAnalyzer, err := buildAnalyzer(ctx, logger, cfg.Analyzer)
	if err != nil {
		return fmt.Errorf("failed to init analyzer: %w", err)
	}
	defer closeAnalyzer(context.WithoutCancel(ctx))

	workspaces, err := services.NewWorkspaceManager(logger, cfg.Workspace.Dir)
	if err != nil {
		return err
	}

	orch, err := services.NewJobOrchestrator(
		logger,
		repo,
		services.NewAdmissionController(cfg.Jobs.MaxConcurrent),
		workspaces,
		archive.NewZipExtractor(logger, archive.Limits{
			MaxFiles: cfg.Archive.MaxFiles,
			MaxBytes: cfg.Archive.MaxBytes,
		}),
		analyzer,
	)
	if err != nil {
		return err
	}

	orphans, err := orch.Reconcile(ctx)
	if err != nil {
		return fmt.Errorf("startup reconciliation failed: %w", err)
	}
	logger.Info("startup reconciliation done", "orphaned_jobs", orphans)

	api, err := kernel.NewServer(logger, orch, kernel.Options{
		MaxUploadBytes: cfg.HTTP.MaxUploadBytes,
		RateLimit:      cfg.HTTP.RateLimit,
		RateBurst:      cfg.HTTP.RateBurst,
	})
	if err != nil {
		return err
	}

	c := cors.New(cors.Options{
		AllowedOrigins: cfg.HTTP.CORSOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"*"},
		ExposedHeaders: []string{"Retry-After"},
	})

	mux := http.NewServeMux()
	mux.Handle("GET /metrics", metricsHandler)
	mux.Handle("/", c.Handler(api.Handler()))

	httpServer := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("starting api server",
			"addr", cfg.HTTP.Addr,
			"max_concurrent_jobs", orch.Capacity(),
			"analyzer", cfg.Analyzer.Kind,
			"store", cfg.Store.Driver,
		)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("api server failed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gCtx.Done()
		logger.Info("shutting down api server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("api server shutdown: %w", err)
		}

		// No new submissions can arrive now; give running jobs a bounded wait.
		jobsCtx, cancelJobs := context.WithTimeout(context.Background(), cfg.Jobs.ShutdownTimeout)
		defer cancelJobs()
		if err := orch.Shutdown(jobsCtx); err != nil {
			logger.Warn("detaching from running jobs", "active", len(orch.ActiveJobs()), "error", err)
		}
		return nil
	})

	return g.Wait()
}
