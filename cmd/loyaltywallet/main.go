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
	"time"

	"github.com/dukerupert/loyaltywallet/internal/config"
	"github.com/dukerupert/loyaltywallet/internal/database"
	"github.com/dukerupert/loyaltywallet/internal/logging"
	"github.com/dukerupert/loyaltywallet/internal/metrics"
	"github.com/dukerupert/loyaltywallet/internal/server"
)

const usage = `usage:
  loyaltywallet                          run the HTTP server
  loyaltywallet fetch-snapshot ID DEST   download and decrypt a snapshot to DEST`

func main() {
	cfg, err := config.FromEnv()
	if err == nil {
		err = cfg.Validate()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration:\n%v\n", err)
		os.Exit(2)
	}
	logger := logging.Setup(cfg.LogLevel, cfg.LogFormat)

	args := os.Args[1:]
	switch {
	case len(args) == 0 || args[0] == "serve":
		err = serve(cfg, logger)
	case args[0] == "fetch-snapshot" && len(args) == 3:
		err = fetchSnapshot(cfg, logger, args[1], args[2])
	default:
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}
	if err != nil {
		logger.Error("exiting", "error", err)
		os.Exit(1)
	}
}

func serve(cfg config.Config, logger *slog.Logger) error {
	db, err := database.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	srv := server.New(db, cfg, metrics.New(), logger)

	httpServer := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      srv.Router(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Background rate limiter cleanup
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				srv.RateLimiter().Cleanup()
			case <-ctx.Done():
				return
			}
		}
	}()

	srv.Snapshots().Start(ctx)
	defer srv.Snapshots().Stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("loyaltywallet listening", "addr", httpServer.Addr, "db", cfg.DBPath,
			"refund_points_policy", cfg.RefundPointsPolicy)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func fetchSnapshot(cfg config.Config, logger *slog.Logger, id, dst string) error {
	db, err := database.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := server.New(db, cfg, metrics.New(), logger)
	if err := srv.Snapshots().Fetch(ctx, id, dst); err != nil {
		return fmt.Errorf("fetch snapshot %s: %w", id, err)
	}
	fmt.Printf("snapshot %s written to %s\n", id, dst)
	return nil
}
