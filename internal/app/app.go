// Package app initializes and holds the long-lived services of the
// ingestion pipeline, acting as the dependency injection container built
// once at startup.
package app

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/ingestpipe/mediaingest/internal/api"
	"github.com/ingestpipe/mediaingest/internal/archive"
	"github.com/ingestpipe/mediaingest/internal/automation"
	"github.com/ingestpipe/mediaingest/internal/clock"
	"github.com/ingestpipe/mediaingest/internal/config"
	"github.com/ingestpipe/mediaingest/internal/dashboard"
	"github.com/ingestpipe/mediaingest/internal/download"
	"github.com/ingestpipe/mediaingest/internal/fetch"
	"github.com/ingestpipe/mediaingest/internal/logging"
	"github.com/ingestpipe/mediaingest/internal/metrics"
	"github.com/ingestpipe/mediaingest/internal/model"
	"github.com/ingestpipe/mediaingest/internal/notify"
	"github.com/ingestpipe/mediaingest/internal/pipeline"
	"github.com/ingestpipe/mediaingest/internal/scanner"
	"github.com/ingestpipe/mediaingest/internal/session"
	"github.com/ingestpipe/mediaingest/internal/solver"
	"github.com/ingestpipe/mediaingest/internal/store"
	"github.com/ingestpipe/mediaingest/internal/store/memory"
	"github.com/ingestpipe/mediaingest/internal/store/postgres"
	"github.com/ingestpipe/mediaingest/internal/upload"
)

const httpShutdownGrace = 10 * time.Second

// App holds every shared, long-lived service. It is initialized once at
// startup and torn down by Close.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	store    store.Store
	sessions *session.Manager
	mirror   archive.Mirror
	notifier notify.Notifier

	orchestrator *pipeline.Orchestrator
	loop         *automation.Loop
	httpServer   *http.Server
}

// engineDownloader adapts the download engine's progress callback type to
// the orchestrator's.
type engineDownloader struct {
	engine *download.Engine
}

func (d engineDownloader) Download(ctx context.Context, post model.Post, progress pipeline.ProgressFunc) error {
	return d.engine.Download(ctx, post, download.ProgressFunc(progress))
}

// New builds the full service graph from cfg, failing fast on any
// unreachable dependency.
func New(ctx context.Context, cfg config.Config) (*App, error) {
	logger, err := logging.NewWithDailyFile(cfg.Logging.Development, filepath.Join(cfg.DownloadDir, "logs"))
	if err != nil {
		return nil, fmt.Errorf("app: build logger: %w", err)
	}

	metrics.Init()

	var st store.Store
	if cfg.Store.ConnectionString == "memory://" {
		st = memory.New()
		logger.Warn("using in-memory store, state will not survive restarts")
	} else {
		st, err = postgres.New(ctx, postgres.Config{DSN: cfg.Store.ConnectionString})
		if err != nil {
			return nil, fmt.Errorf("app: connect store: %w", err)
		}
	}
	if err := st.InitSchema(ctx); err != nil {
		return nil, fmt.Errorf("app: init schema: %w", err)
	}

	solverClient := solver.New(cfg.Solver.URL)
	reachable, err := solverClient.TestConnection(ctx)
	if err != nil {
		return nil, fmt.Errorf("app: probe solver: %w", err)
	}
	if !reachable {
		return nil, fmt.Errorf("app: solver unreachable at %s", cfg.Solver.URL)
	}

	sessions := session.New(solverClient, solver.NewUserAgentPool(nil), clock.New(), cfg.Session.TTL(), logger)

	rules := solver.MediaRules{
		Extension: cfg.Host.MediaExtension,
		CDNSuffix: cfg.Host.MediaCDNSuffix,
	}
	fetcher := fetch.New(sessions, solverClient, solverClient, rules, logger)
	scan := scanner.New(fetcher, cfg.Host.PostMarker)

	var mirror archive.Mirror = archive.NoOp{}
	if cfg.Archive.Enabled {
		mirror, err = archive.NewGCS(ctx, cfg.Archive.GCSBucket, cfg.Archive.Prefix, logger)
		if err != nil {
			return nil, fmt.Errorf("app: init archive: %w", err)
		}
		logger.Info("archive mirror enabled", zap.String("bucket", cfg.Archive.GCSBucket))
	}

	engine := download.New(cfg.DownloadDir, fetcher, st)
	if cfg.Archive.Enabled {
		engine.WithArchiver(mirror)
	}

	var notifier notify.Notifier = notify.NoOp{}
	var uploader pipeline.Uploader
	uploadWorkers := 0
	if cfg.Delivery.Enabled() {
		if cfg.Notify.Enabled {
			notifier, err = notify.NewPubSub(ctx, cfg.Notify.ProjectID, cfg.Notify.TopicName, logger)
			if err != nil {
				return nil, fmt.Errorf("app: init notify: %w", err)
			}
			logger.Info("upload notifications enabled", zap.String("topic", cfg.Notify.TopicName))
		}

		tempDir := filepath.Join(os.TempDir(), "scraper-thumbs")
		u := upload.New(st, upload.FFProbe{}, upload.FFMpegThumbnailer{},
			cfg.Delivery.BaseURL, cfg.Delivery.Token, cfg.Delivery.ChatID,
			cfg.DownloadDir, tempDir, logger)
		if cfg.Notify.Enabled {
			u.WithNotifier(notifier)
		}
		uploader = u
		uploadWorkers = cfg.Concurrency.Uploads
	}

	dash := dashboard.New(os.Stdout, time.Now().UTC(), logger)
	orch := pipeline.New(engineDownloader{engine: engine}, uploader,
		cfg.Concurrency.Downloads, uploadWorkers, logger, dash.Render)

	loop := automation.New(st, scan, fetcher, orch, clock.New(), 0, logger)

	apiServer := api.NewServer(orch, st, logger)
	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("application services initialized",
		zap.Int("download_workers", cfg.Concurrency.Downloads),
		zap.Int("upload_workers", uploadWorkers),
		zap.Bool("automated", cfg.Automated),
	)

	return &App{
		cfg:          cfg,
		logger:       logger,
		store:        st,
		sessions:     sessions,
		mirror:       mirror,
		notifier:     notifier,
		orchestrator: orch,
		loop:         loop,
		httpServer:   httpServer,
	}, nil
}

// Logger returns the shared logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Run starts the worker pools, the automation loop (when configured), and
// the status HTTP server, then blocks until ctx is canceled and every
// worker has unwound.
func (a *App) Run(ctx context.Context) error {
	a.orchestrator.Start(ctx)

	if a.cfg.Automated {
		go func() {
			if err := a.loop.Run(ctx); err != nil {
				a.logger.Error("automation loop exited", zap.Error(err))
			}
		}()
	}

	serverErr := make(chan error, 1)
	go func() {
		a.logger.Info("status server listening", zap.String("addr", a.httpServer.Addr))
		if err := a.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-serverErr:
		return fmt.Errorf("app: status server: %w", err)
	}

	a.logger.Info("shutdown signaled, unwinding workers")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), httpShutdownGrace)
	defer cancel()
	if err := a.httpServer.Shutdown(shutdownCtx); err != nil {
		a.logger.Warn("status server shutdown failed", zap.Error(err))
	}

	a.orchestrator.Stop()

	if err := a.sessions.Shutdown(shutdownCtx); err != nil {
		a.logger.Warn("solver session teardown failed", zap.Error(err))
	}

	return nil
}

// Close releases every long-lived resource. Safe to call after Run returns.
func (a *App) Close() {
	if err := a.notifier.Close(); err != nil {
		a.logger.Warn("notifier close failed", zap.Error(err))
	}
	if err := a.mirror.Close(); err != nil {
		a.logger.Warn("archive close failed", zap.Error(err))
	}
	if err := a.store.Close(); err != nil {
		a.logger.Warn("store close failed", zap.Error(err))
	}
	_ = a.logger.Sync()
}
