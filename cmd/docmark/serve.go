package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	appcfg "github.com/jo-hoe/docmark/internal/config"
	"github.com/jo-hoe/docmark/internal/converter"
	"github.com/jo-hoe/docmark/internal/objectstore"
	"github.com/jo-hoe/docmark/internal/orchestrator"
	"github.com/jo-hoe/docmark/internal/processor"
	"github.com/jo-hoe/docmark/internal/relocate"
	"github.com/jo-hoe/docmark/internal/server"
	"github.com/jo-hoe/docmark/internal/storage"
	"github.com/jo-hoe/docmark/internal/sweeper"
	"github.com/jo-hoe/docmark/internal/tasks"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP service, the worker pool and the retention sweeper",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		logger := newLogger(os.Stdout, cfg.Server)
		slog.SetDefault(logger)

		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()
		return serve(ctx, logger, cfg)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func serve(rootCtx context.Context, logger *slog.Logger, cfg *appcfg.Config) error {
	store, err := tasks.Open(cfg.Store.Driver, cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("open task store: %w", err)
	}
	defer func() { _ = store.Close() }()
	logger.Info("task store ready", "driver", cfg.Store.Driver, "path", cfg.Store.Path)

	paths := storage.NewPaths(cfg.Server.StorageDir)

	// Storage mode is decided once here.
	rel := &relocate.Relocator{Log: logger, Prefix: cfg.Storage.Prefix}
	var bucket server.Pinger
	if cfg.Storage.Enabled() {
		client, err := objectstore.New(cfg.Storage)
		if err != nil {
			return err
		}
		rel.Target = client
		bucket = client
		logger.Info("images go to object storage", "bucket", client.Bucket(), "endpoint", client.Endpoint(), "prefix", cfg.Storage.Prefix)
	} else {
		logger.Info("images stay in the result archive")
	}

	runner := converter.NewRunner(logger, cfg.Converter.MaxBridges)
	regs := converter.NewDefaultRegistry(cfg.Converter, runner)
	executables := []string{cfg.Converter.PandocPath, cfg.Converter.LibreOfficePath, cfg.Converter.MarkerPath}
	for name, ok := range converter.Available(executables...) {
		if !ok {
			logger.Warn("converter executable not found, matching formats will fail", "executable", name)
		}
	}

	worker := processor.New(logger, cfg, store, regs, rel, paths)
	queue := tasks.NewQueue(logger, cfg.Server.QueueCapacity, cfg.Server.WorkerCount)
	if err := startWorkers(rootCtx, queue, worker); err != nil {
		return fmt.Errorf("start queue: %w", err)
	}

	orch := orchestrator.New(logger, cfg, store, queue, paths)
	if err := orch.Recover(rootCtx); err != nil {
		logger.Error("recover tasks", "err", err)
	}

	sw := sweeper.New(logger, store, paths, cfg.Retention)
	go sw.Run(rootCtx)

	svc := &server.Service{
		Log:         logger,
		Cfg:         cfg,
		Orch:        orch,
		Bucket:      bucket,
		Executables: executables,
	}
	httpSrv := server.NewHTTPServer(svc)

	// Run server in background
	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server starting", "address", cfg.Server.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-rootCtx.Done():
		logger.Info("shutdown signal received")
	case serveErr = <-errCh:
		if serveErr != nil {
			logger.Error("server error", "err", serveErr)
		}
	}

	// Graceful shutdown
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.Server.ShutdownGrace)
	defer cancelShutdown()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "err", err)
	}
	// Stop workers
	queue.Shutdown(cfg.Server.ShutdownGrace)
	logger.Info("server stopped")
	return serveErr
}

// startWorkers detaches the workers from the signal context. A shutdown
// signal stops intake; running conversions get the grace period of
// queue.Shutdown, which cancels them only when it runs out.
func startWorkers(rootCtx context.Context, q *tasks.Queue, p tasks.Processor) error {
	return q.Start(context.WithoutCancel(rootCtx), p)
}
