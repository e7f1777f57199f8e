package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"catalog-assistant/internal/app"
	"catalog-assistant/internal/config"
	"catalog-assistant/internal/httpapi"
	"catalog-assistant/internal/logging"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Default().Error("invalid configuration", "err", err)
		os.Exit(1)
	}
	logger := logging.New(cfg.LogLevel, cfg.LogFormat, os.Stdout)
	logging.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logging.With(ctx, logger)

	a, err := app.Build(ctx, cfg)
	if err != nil {
		logger.Error("failed to build catalog assistant", "err", err)
		os.Exit(1)
	}
	a.StartBackground(ctx)

	srv := &http.Server{
		Addr:              cfg.BindAddr,
		Handler:           httpapi.New(a.Handler, a.Registry).Router(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return logging.With(context.Background(), logger) },
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("catalog assistant listening", "addr", cfg.BindAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown requested")
	case err := <-errCh:
		if err != nil {
			logger.Error("server failed", "err", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "err", err)
	}
	if err := a.Close(shutdownCtx); err != nil {
		logger.Error("failed to close backends", "err", err)
	}
}
