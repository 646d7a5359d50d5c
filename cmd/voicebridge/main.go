package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ent0n29/voicebridge/internal/app"
	"github.com/ent0n29/voicebridge/internal/config"
	"github.com/ent0n29/voicebridge/internal/logging"
	"github.com/ent0n29/voicebridge/internal/session"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(2)
	}
	logger := logging.Init(cfg.LogLevel, cfg.LogFormat)

	if err := run(cfg, logger); err != nil {
		logger.Error("voicebridge stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()

	built, err := app.Build(runCtx, cfg, logger)
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           built.API.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		// Device sockets hang off runCtx so cancelling it ends every session.
		BaseContext: func(net.Listener) context.Context { return runCtx },
	}
	built.Sessions.StartJanitor(runCtx, 5*time.Second)

	listenErr := make(chan error, 1)
	go func() {
		logger.Info("server listening",
			"addr", cfg.BindAddr,
			"env", cfg.Env,
			"default_provider", cfg.DefaultProvider,
			"store", built.StoreMode)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			listenErr <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.Info("shutdown signal received", "signal", sig.String())
	case err := <-listenErr:
		_ = built.Cleanup(context.Background())
		return fmt.Errorf("listen: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	built.API.BeginDrain()
	runCancel()
	waitForSessions(shutdownCtx, built.Sessions)

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown failed", "error", err)
		_ = httpServer.Close()
	}
	if err := built.Cleanup(shutdownCtx); err != nil {
		logger.Warn("cleanup failed", "error", err)
	}

	logger.Info("shutdown complete")
	return nil
}

// waitForSessions blocks until every session has ended or ctx expires. Hijacked
// websocket connections are invisible to http.Server.Shutdown.
func waitForSessions(ctx context.Context, sessions *session.Manager) {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for sessions.ActiveCount() > 0 {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
