package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"session-core/internal/app"
	"session-core/internal/observability"
)

func main() {
	logger := observability.NewLogger()

	runtime, err := app.Build(app.Options{
		LoadDotEnv:    true,
		RunMigrations: true,
		Logger:        logger,
	})
	if err != nil {
		var cfgErr *app.ConfigurationError
		if errors.As(err, &cfgErr) {
			logger.Error("invalid_configuration", map[string]any{"key": cfgErr.Key, "error": cfgErr.Reason})
		} else {
			logger.Error("bootstrap_failed", map[string]any{"error": err.Error()})
		}
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	addr := fmt.Sprintf(":%s", runtime.Config.Port)
	server := &http.Server{
		Addr:              addr,
		Handler:           runtime.Handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("server_start", map[string]any{"addr": addr})
		serveErr <- server.ListenAndServe()
	}()

	exitCode := 0
	select {
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server_failed", map[string]any{"error": err.Error()})
			exitCode = 1
		}
	case <-ctx.Done():
		logger.Info("server_shutdown", nil)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("server_shutdown_failed", map[string]any{"error": err.Error()})
			exitCode = 1
		}
		cancel()
	}

	if err := runtime.Close(); err != nil {
		logger.Error("runtime_close_failed", map[string]any{"error": err.Error()})
	}
	os.Exit(exitCode)
}
