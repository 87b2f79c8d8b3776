package app

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/andyguoau/scamvax-api/internal/config"
	"github.com/andyguoau/scamvax-api/internal/httpserver"
	"github.com/andyguoau/scamvax-api/internal/logging"
	"github.com/andyguoau/scamvax-api/internal/scheduler"
)

func serve(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	ctx = logging.WithLogger(ctx, logger)

	rt, err := buildRuntime(ctx, cfg, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sweeps := make(chan struct{})
	go func() {
		defer close(sweeps)
		scheduler.Run(ctx, rt.reconciler, cfg.Scheduler.Interval)
	}()

	srv := httpserver.New(httpserver.Config{Port: cfg.Port}, rt.handler)
	logger.Info("starting http server", slog.String("addr", srv.Addr()), slog.String("storage", cfg.Storage.Backend), slog.String("database", cfg.Database.Driver))

	serveErr := srv.Run(ctx)
	if serveErr != nil {
		logger.Error("http server stopped", slog.Any("error", serveErr))
	} else {
		logger.Info("shutting down")
	}

	// Stop the scheduler even when the server failed on its own.
	stop()
	<-sweeps

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), httpserver.ShutdownTimeout)
	defer cancel()
	closeErr := rt.close(shutdownCtx)

	if err := errors.Join(serveErr, closeErr); err != nil {
		return err
	}
	logger.Info("scamvax stopped", slog.Int("pid", os.Getpid()))
	return nil
}
