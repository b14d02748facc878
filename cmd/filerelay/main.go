// Package main is the entry point for the filerelay server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/filerelay/filerelay/internal/config"
	"github.com/filerelay/filerelay/internal/janitor"
	"github.com/filerelay/filerelay/internal/logging"
	"github.com/filerelay/filerelay/internal/metadata"
	"github.com/filerelay/filerelay/internal/metrics"
	"github.com/filerelay/filerelay/internal/relay"
	"github.com/filerelay/filerelay/internal/server"
	"github.com/filerelay/filerelay/internal/storage"
)

func main() {
	configPath := flag.String("config", "filerelay.yaml", "path to configuration file")
	port := flag.Int("port", 0, "override listening port (default: from config or 5000)")
	host := flag.String("host", "", "override listening host (default: from config or 0.0.0.0)")
	logLevel := flag.String("log-level", "", "log level: debug, info, warn, error (default: from config or info)")
	logFormat := flag.String("log-format", "", "log format: text, json (default: from config or text)")
	shutdownTimeout := flag.Int("shutdown-timeout", 0, "graceful shutdown timeout in seconds (default: from config or 30)")
	maxUploadSize := flag.Int64("max-upload-size", 0, "maximum upload size in bytes (default: from config or 104857600)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Command-line flags override config file values.
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *host != "" {
		cfg.Server.Host = *host
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	if *logFormat != "" {
		cfg.Logging.Format = *logFormat
	}
	if *shutdownTimeout != 0 {
		cfg.Server.ShutdownTimeout = *shutdownTimeout
	}
	if *maxUploadSize != 0 {
		cfg.Server.MaxUploadSize = *maxUploadSize
	}

	logger := logging.Setup(cfg.Logging.Level, cfg.Logging.Format, os.Stderr)
	if cfg.Observability.Metrics {
		metrics.Register()
	}

	// Every startup is recovery: SQLite replays its WAL on open and
	// storage.Open clears staged writes left by a crash.
	ctx := context.Background()
	metaStore, err := metadata.Open(ctx, &cfg.Metadata)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize metadata store: %v\n", err)
		os.Exit(1)
	}
	defer metaStore.Close()

	blobs, err := storage.Open(ctx, &cfg.Storage)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize storage backend: %v\n", err)
		os.Exit(1)
	}

	svc := relay.NewService(metaStore, blobs,
		relay.WithMaxUploadSize(cfg.Server.MaxUploadSize),
		relay.WithDefaults(cfg.Upload.DefaultTTLHours, cfg.Upload.DefaultMaxDownloads),
		relay.WithReservedNames(server.ReservedNames...),
		relay.WithLogger(logging.Component("relay")),
	)

	var jan *janitor.Janitor
	if cfg.Janitor.Enabled {
		jan = janitor.New(svc.Engine(), cfg.Janitor.IntervalDuration(), svc.Now, logger)
		jan.Start(ctx)
	}

	srv, err := server.New(cfg, svc)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create server: %v\n", err)
		os.Exit(1)
	}

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)

	errCh := make(chan error, 1)
	go func() {
		slog.Info("filerelay listening", "addr", addr, "max_upload_size", cfg.Server.MaxUploadSize)
		if err := srv.ListenAndServe(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("Received signal, shutting down", "signal", sig)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeoutDuration())
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("Shutdown error", "error", err)
		}
		if jan != nil {
			jan.Stop()
		}
		slog.Info("Server stopped")

	case err := <-errCh:
		if err != nil {
			fmt.Fprintf(os.Stderr, "server error: %v\n", err)
			os.Exit(1)
		}
	}
}
