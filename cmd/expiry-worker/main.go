package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/hackgods/telehealth-dispatch/internal/app"
	"github.com/hackgods/telehealth-dispatch/internal/config"
	"github.com/hackgods/telehealth-dispatch/internal/logging"
)

// expiry-worker runs the sweeps without serving traffic, for deployments
// that keep them out of the api-server.
func main() {
	bootLog := logging.New("info", true)

	cfg, err := config.Load()
	if err != nil {
		bootLog.Fatal().Err(err).Msg("config load error")
	}
	log := logging.New(cfg.LogLevel, !cfg.IsProduction())
	log.Info().Str("env", cfg.Env).Dur("interval", cfg.Worker.Interval).Msg("expiry-worker starting up")

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(rootCtx, cfg, log)
	if err != nil {
		log.Error().Err(err).Msg("startup failed")
		os.Exit(1)
	}
	defer a.Close()

	if err := a.Sweeps(cfg.Worker.Interval, cfg.Worker.Interval).Run(rootCtx); err != nil {
		log.Error().Err(err).Msg("sweeps stopped")
	}
	log.Info().Msg("shutdown signal received, stopping expiry worker")
}
