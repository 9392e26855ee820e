package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nicktill/tagstream/pkg/config"
	"github.com/nicktill/tagstream/pkg/logging"
	"github.com/nicktill/tagstream/pkg/server"
)

const (
	startupTimeout  = 30 * time.Second
	shutdownTimeout = 30 * time.Second
)

func main() {
	configPath := flag.String("config", os.Getenv("TAGSTREAM_CONFIG"), "path to a YAML config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, "tagstream:", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger := logging.New(cfg.Log.Level, os.Stderr)
	slog.SetDefault(logger)
	logger.Info("starting tagstream", "version", server.Version, "backend", cfg.Storage.Backend, "mqtt", cfg.MQTT.Enabled)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	startCtx, cancel := context.WithTimeout(ctx, startupTimeout)
	defer cancel()

	// The only fatal condition: storage must be reachable at startup
	store, err := server.OpenStorage(startCtx, cfg.Storage, logger)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}

	srv, err := server.New(cfg, store, logger)
	if err != nil {
		store.Close()
		return err
	}

	ln, err := net.Listen("tcp", ":"+cfg.HTTP.Port)
	if err != nil {
		srv.Shutdown(context.Background())
		return fmt.Errorf("listen: %w", err)
	}

	if err := srv.Start(ctx, ln); err != nil {
		ln.Close()
		srv.Shutdown(context.Background())
		return err
	}
	logger.Info("tagstream ready", "addr", "http://localhost:"+cfg.HTTP.Port)

	<-ctx.Done()
	logger.Info("shutdown signal received")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("unclean shutdown", "error", err)
		return err
	}
	logger.Info("tagstream exited cleanly")
	return nil
}
