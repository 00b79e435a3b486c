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
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
	"github.com/spf13/cobra"

	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

var cfgPath string

var rootCmd = &cobra.Command{
	Use:           "ride-dispatch-consumer",
	Short:         "Applies driver presence heartbeats from Kafka to the Redis geo index",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          run,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "configuration file (yaml or json)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(_ *cobra.Command, _ []string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if len(cfg.KafkaBrokers) == 0 || cfg.RedisAddr == "" {
		return errors.New("consumer needs kafka_brokers and redis_addr")
	}
	logger := logging.NewLogger(cfg.LogLevel).With("component", "presence-consumer")

	rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	defer func() { _ = rc.Close() }()
	registry := geo.NewRedisRegistry(rc, cfg.RedisGeoKey, cfg.RedisSearchRadiusM)

	go serveOps(cfg.MetricsAddr, rc, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.KafkaBrokers,
		Topic:    ingest.TopicPresence,
		GroupID:  cfg.ConsumerGroup,
		MinBytes: 10e3,
		MaxBytes: 10e6,
	})
	defer func() { _ = r.Close() }()

	logger.Info("consumer listening", "topic", ingest.TopicPresence, "brokers", cfg.KafkaBrokers, "group", cfg.ConsumerGroup)
	consume(ctx, r, registry, logger)
	logger.Info("shutting down consumer")
	return nil
}

// serveOps exposes metrics, liveness and a readiness probe that pings Redis.
func serveOps(addr string, rc *redis.Client, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if err := rc.Ping(r.Context()).Err(); err != nil {
			http.Error(w, "redis not ready", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})
	logger.Info("metrics/health listening", "addr", addr)
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	if err := srv.ListenAndServe(); err != nil {
		logger.Error("metrics server stopped", "error", err)
	}
}

type messageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
}

// consume reads until ctx ends, backing off on broker errors.
func consume(ctx context.Context, r messageReader, reg PresenceStore, logger *slog.Logger) {
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn("kafka read error", "error", err, "backoff", backoff)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = time.Second

		p, err := ingest.DecodePresence(m.Value)
		if err != nil {
			observability.PresenceApplied.WithLabelValues("invalid").Inc()
			logger.Warn("invalid presence message", "error", err, "offset", m.Offset)
			continue
		}
		if err := applyPresenceWithRetry(ctx, reg, p, 3, 200*time.Millisecond); err != nil {
			observability.PresenceApplied.WithLabelValues("error").Inc()
			logger.Error("presence update failed", "driver_id", p.DriverID, "error", err)
			continue
		}
		observability.PresenceApplied.WithLabelValues("applied").Inc()
	}
}

// PresenceStore is the part of the geo registry the consumer writes to.
type PresenceStore interface {
	Upsert(ctx context.Context, p models.DriverPresence) error
	SetOffline(ctx context.Context, driverID string) error
}

// applyPresenceWithRetry writes one heartbeat, doubling delay between
// attempts. Offline heartbeats remove the driver from the index.
func applyPresenceWithRetry(ctx context.Context, reg PresenceStore, p models.DriverPresence, attempts int, delay time.Duration) error {
	var err error
	for i := 0; i < attempts; i++ {
		if p.Online {
			err = reg.Upsert(ctx, p)
		} else {
			err = reg.SetOffline(ctx, p.DriverID)
		}
		if err == nil {
			return nil
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return err
}
