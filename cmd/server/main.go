package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Tyrowin/livechat/internal/auth"
	"github.com/Tyrowin/livechat/internal/cache"
	"github.com/Tyrowin/livechat/internal/chat"
	"github.com/Tyrowin/livechat/internal/config"
	"github.com/Tyrowin/livechat/internal/metrics"
	"github.com/Tyrowin/livechat/internal/server"
	"github.com/Tyrowin/livechat/internal/store"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Fatal error: %v\n", err)
		os.Exit(1)
	}
}

// run wires every component, serves until SIGINT or SIGTERM and then tears
// everything down in reverse order.
func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config error: %w", err)
	}
	log := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(log)
	if cfg.SecretKey == "" {
		log.Warn("SECRET_KEY is not set; using the development signing key")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(ctx, cfg.DatabasePath, log)
	if err != nil {
		return fmt.Errorf("store opening failed: %w", err)
	}
	defer func() {
		log.Info("Closing store...")
		_ = st.Close()
	}()

	c, err := cache.OpenBadger(log)
	if err != nil {
		return fmt.Errorf("cache opening failed: %w", err)
	}
	defer func() {
		log.Info("Closing cache...")
		_ = c.Close()
	}()

	m := metrics.New()
	messages := chat.NewService(st, c, cfg.CacheTTL, log, m)
	authSvc, err := auth.NewService(st, auth.Config{
		SecretKey: cfg.Secret(),
		Algorithm: cfg.Algorithm,
		TokenTTL:  cfg.TokenTTL(),
		Issuer:    "livechat",
	}, log)
	if err != nil {
		return fmt.Errorf("auth setup failed: %w", err)
	}

	hub := server.NewHub(cfg, log, m)
	go hub.Run()
	log.Info("Hub started and ready to manage WebSocket connections")

	api := server.NewAPI(messages, authSvc, st, hub, log)
	httpServer := server.CreateServer(cfg.Port, server.SetupRoutes(api, cfg, m, log))

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- server.StartServer(httpServer, log)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("http server failed: %w", err)
		}
	case <-ctx.Done():
		log.Info("Shutdown signal received")
	}

	var shutdownErr error
	if err := server.ShutdownServer(httpServer, shutdownTimeout, log); err != nil {
		shutdownErr = errors.Join(shutdownErr, err)
	}
	if err := hub.Shutdown(shutdownTimeout); err != nil {
		shutdownErr = errors.Join(shutdownErr, fmt.Errorf("hub shutdown: %w", err))
	}
	return shutdownErr
}
