package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/hackgods/telehealth-dispatch/internal/api"
	"github.com/hackgods/telehealth-dispatch/internal/app"
	"github.com/hackgods/telehealth-dispatch/internal/auth"
	"github.com/hackgods/telehealth-dispatch/internal/config"
	"github.com/hackgods/telehealth-dispatch/internal/db"
	"github.com/hackgods/telehealth-dispatch/internal/logging"
	"github.com/hackgods/telehealth-dispatch/internal/realtime"
)

var version = "dev"

func main() {
	root := &cobra.Command{
		Use:           "api-server",
		Short:         "Telehealth scheduling, dispatch and pharmacy API",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	var migrateFirst bool
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve HTTP and websocket traffic and run the background sweeps",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), migrateFirst)
		},
	}
	serveCmd.Flags().BoolVar(&migrateFirst, "migrate", false, "apply database migrations before serving")

	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := setup()
			if err != nil {
				return err
			}
			return runMigrations(cmd.Context(), cfg, log)
		},
	}

	root.AddCommand(serveCmd, migrateCmd)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "api-server:", err)
		os.Exit(1)
	}
}

func setup() (config.Config, zerolog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, zerolog.Logger{}, errors.Wrap(err, "config load error")
	}
	log := logging.New(cfg.LogLevel, !cfg.IsProduction())
	return cfg, log, nil
}

func runMigrations(ctx context.Context, cfg config.Config, log zerolog.Logger) error {
	if cfg.Store.Driver != config.StoreDriverPostgres {
		log.Info().Str("driver", cfg.Store.Driver).Msg("nothing to migrate")
		return nil
	}

	pgCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	pool, err := db.ConnectPostgres(pgCtx, cfg.Store.PostgresDSN)
	if err != nil {
		return errors.Wrap(err, "postgres connection error")
	}
	defer pool.Close()

	return db.Migrate(pgCtx, pool, log)
}

func serve(ctx context.Context, migrateFirst bool) error {
	cfg, log, err := setup()
	if err != nil {
		return err
	}
	log.Info().Str("env", cfg.Env).Str("http_port", cfg.HTTPPort).Str("store", cfg.Store.Driver).Msg("api-server starting up")

	if migrateFirst {
		if err := runMigrations(ctx, cfg, log); err != nil {
			return err
		}
	}

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()

	jwt := auth.NewJWTService(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)
	gateway := realtime.NewGateway(a.Hub, jwt, api.NewCommands(a.Slots, a.Dispatch), log)

	router := api.NewRouter(api.RouterConfig{
		Slots:        a.Slots,
		Dispatch:     a.Dispatch,
		Pharmacy:     a.Pharmacy,
		Auth:         jwt,
		Gateway:      gateway,
		Health:       api.NewHealthHandler(cfg.Env, version, a.Checks...),
		Log:          log,
		MaxBodyBytes: cfg.MaxBodyBytes,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info().Str("addr", srv.Addr).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "http server")
		}
		return nil
	})

	g.Go(func() error {
		return a.Sweeps(cfg.Worker.HoldSweepInterval, cfg.Worker.OfferSweepInterval).Run(gctx)
	})

	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down api-server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
