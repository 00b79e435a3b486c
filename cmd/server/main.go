package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/eligibility"
	"github.com/example/ride-dispatch/internal/engine"
	"github.com/example/ride-dispatch/internal/geo"
	httpapi "github.com/example/ride-dispatch/internal/http"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/payments"
	"github.com/example/ride-dispatch/internal/route"
	"github.com/example/ride-dispatch/internal/storage"
)

var (
	cfgPath string
	migrate bool
)

var rootCmd = &cobra.Command{
	Use:           "ride-dispatch",
	Short:         "Trip dispatch and lifecycle API",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          run,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "configuration file (yaml or json)")
	rootCmd.Flags().BoolVar(&migrate, "migrate", false, "apply database migrations before serving")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cmd.Flags().Changed("migrate") {
		cfg.RunMigrations = migrate
	}
	logger := logging.NewLogger(cfg.LogLevel)

	app, err := build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer app.close()

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      httpapi.NewServer(app.svc, app.hub, logger, app.checks),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	errCh := make(chan error, 2)
	go func() {
		if err := app.svc.Run(ctx); err != nil {
			errCh <- fmt.Errorf("engine loops: %w", err)
		}
	}()
	go func() {
		logger.Info("ride-dispatch listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err = <-errCh:
		logger.Error("server stopped", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if serr := srv.Shutdown(shutdownCtx); serr != nil {
		logger.Error("http shutdown", "error", serr)
	}
	return err
}

type application struct {
	svc     *engine.Service
	hub     *dispatch.Hub
	checks  map[string]httpapi.HealthCheck
	closers []func() error
	logger  *slog.Logger
}

func (a *application) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("close failed", "error", err)
		}
	}
}

// build wires every optional backend that is configured and falls back to
// the in-process implementations for the rest.
func build(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) (*application, error) {
	app := &application{
		hub:    dispatch.NewHub(logger),
		checks: map[string]httpapi.HealthCheck{},
		logger: logger,
	}
	deps := engine.Deps{Logger: logger}

	if cfg.PGDSN != "" {
		pg, err := storage.NewPostgresStore(ctx, cfg.PGDSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		app.closers = append(app.closers, pg.Close)
		if cfg.RunMigrations {
			applied, err := pg.Migrate(ctx)
			if err != nil {
				app.close()
				return nil, fmt.Errorf("migrate: %w", err)
			}
			logger.Info("migrations applied", "files", applied)
		}
		app.checks["postgres"] = pg.Ping
		deps.Repo = pg
	} else {
		logger.Warn("no pg_dsn configured, trips are kept in memory")
		deps.Repo = storage.NewMemoryStore()
	}

	if cfg.RedisAddr != "" {
		rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		app.closers = append(app.closers, rc.Close)
		app.checks["redis"] = func(ctx context.Context) error { return rc.Ping(ctx).Err() }
		deps.Presence = geo.NewRedisRegistry(rc, cfg.RedisGeoKey, cfg.RedisSearchRadiusM)
		deps.Eligibility = eligibility.NewRedis(rc)
	} else {
		deps.Presence = geo.NewIndex()
		deps.Eligibility = eligibility.AllowAll{}
	}

	emitters := dispatch.Fanout{dispatch.NewPushEmitter(cfg.PushEndpoint, cfg.PushKey, app.hub)}
	if len(cfg.KafkaBrokers) > 0 {
		events := ingest.NewEventPublisher(ingest.NewKafkaWriter(cfg.KafkaBrokers, ingest.TopicEvents))
		outcomes := ingest.NewOutcomePublisher(
			ingest.NewKafkaWriter(cfg.KafkaBrokers, ingest.TopicOutcomes),
			ingest.NewKafkaWriter(cfg.KafkaBrokers, ingest.TopicSafety),
		)
		app.closers = append(app.closers, events.Close, outcomes.Close)
		emitters = append(emitters, events)
		deps.Outcomes = outcomes
		deps.Safety = outcomes
	}
	deps.Emitter = emitters

	if cfg.OSRMURL != "" {
		deps.Planner = &route.Fallback{
			Primary: route.NewOSRMClient(cfg.OSRMURL),
			Cache:   route.NewCache(cfg.RouteCacheTTL),
			OnError: func(err error) { logger.Warn("route planner failed, using straight line", "error", err) },
		}
	}
	if cfg.StripeKey != "" {
		deps.Settlement = payments.NewStripeClient(cfg.StripeKey, cfg.StripeCurrency)
	}

	app.svc = engine.New(deps, engine.Options{
		Config:  cfg.Dispatch,
		Pricing: cfg.Pricing,
		OTP:     cfg.OTP,
		Safety:  cfg.Safety,
	})
	return app, nil
}
