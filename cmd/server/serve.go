package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/maneesh/dropvault/internal/handlers"
	"github.com/maneesh/dropvault/internal/storage"
	"github.com/maneesh/dropvault/internal/tracing"
	"github.com/maneesh/dropvault/internal/transfer"
	"github.com/spf13/cobra"
)

var migrateOnStart bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and the expiry reaper",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().BoolVar(&migrateOnStart, "migrate", false, "apply database migrations before serving")
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info(ctx, "starting DropVault service", "port", cfg.ServicePort, "env", cfg.Env)

	shutdownTracer, err := tracing.InitTracer(ctx, cfg.ServiceName, cfg.JaegerEndpoint, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize tracer: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(ctx); err != nil {
			logger.Warn(ctx, "error shutting down tracer", "error", err)
		}
	}()

	if migrateOnStart && !inMemory {
		if err := migrate(ctx); err != nil {
			return err
		}
	}

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close(context.Background(), logger)

	if a.memoryKV != nil {
		go a.memoryKV.Run(ctx, time.Minute)
	}

	reaper := transfer.NewReaper(a.transfers, logger, cfg.ReaperInterval, cfg.ReaperBatchLimit)
	go reaper.Run(ctx)

	router := handlers.NewRouter(
		handlers.NewTransferHandler(a.transfers, logger, cfg.MaxUploadBytes),
		handlers.NewVaultHandler(a.vaults, logger, cfg.MaxUploadBytes),
	)

	// Uploads can be large, so reads and writes get more room than the
	// header timeout.
	srv := &http.Server{
		Addr:              ":" + cfg.ServicePort,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       5 * time.Minute,
		WriteTimeout:      5 * time.Minute,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info(ctx, "server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info(context.Background(), "shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error(shutdownCtx, "server forced to shutdown", "error", err)
	}

	logger.Info(shutdownCtx, "server exited")
	return nil
}

func migrate(ctx context.Context) error {
	db, err := storage.NewMySQLClient(ctx, cfg.GetDSN())
	if err != nil {
		return fmt.Errorf("failed to initialize TiDB client: %w", err)
	}
	defer db.Close()

	if err := db.RunMigrations(ctx); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	logger.Info(ctx, "migrations applied")
	return nil
}
