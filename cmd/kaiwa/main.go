package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/aokimidori/kaiwa/internal/app"
	"github.com/aokimidori/kaiwa/internal/config"
	"github.com/aokimidori/kaiwa/internal/logging"
)

func main() {
	// Optional; real deployments set the environment directly.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		logging.Init("info", "console")
		logging.Fatal().Err(err).Msg("config error")
	}
	logging.Init(cfg.LogLevel, cfg.LogFormat)

	ctx := context.Background()
	result, err := app.Build(ctx, cfg)
	if err != nil {
		logging.Fatal().Err(err).Msg("startup failed")
	}
	defer func() {
		if err := result.Cleanup(); err != nil {
			logging.Error().Err(err).Msg("cleanup failed")
		}
	}()

	runCtx, runCancel := context.WithCancel(ctx)
	defer runCancel()
	result.Sessions.StartJanitor(runCtx, cfg.SessionSweepInterval)

	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: result.API.Router(),
	}

	go func() {
		logging.Info().
			Str("addr", cfg.BindAddr).
			Strs("apps", result.Registry.Apps()).
			Msg("server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Fatal().Err(err).Msg("listen error")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	logging.Info().Msg("shutdown signal received")

	runCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logging.Error().Err(err).Msg("graceful shutdown failed")
		_ = httpServer.Close()
	}

	logging.Info().Msg("shutdown complete")
}
