package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/example/ride-dispatch/internal/engine"
	"github.com/example/ride-dispatch/internal/otp"
	"github.com/example/ride-dispatch/internal/pricing"
	"github.com/example/ride-dispatch/internal/safety"
)

// EnvPrefix marks the environment variables Load reads. A double underscore
// descends into a section: RIDE_DISPATCH__BIDDING_WINDOW=45s.
const EnvPrefix = "RIDE_"

// ServerConfig captures all tunable parameters for the API and consumer
// processes. Every field has a default so the binary runs locally with no
// file and no environment.
type ServerConfig struct {
	HTTPAddr        string        `koanf:"http_addr"`
	ReadTimeout     time.Duration `koanf:"http_read_timeout"`
	WriteTimeout    time.Duration `koanf:"http_write_timeout"`
	IdleTimeout     time.Duration `koanf:"http_idle_timeout"`
	ShutdownTimeout time.Duration `koanf:"http_shutdown_timeout"`

	RedisAddr     string `koanf:"redis_addr"`
	RedisPassword string `koanf:"redis_password"`
	RedisGeoKey   string `koanf:"redis_geo_key"`
	// RedisSearchRadiusM bounds the GEOSEARCH behind nearby-driver lookups.
	RedisSearchRadiusM float64 `koanf:"redis_search_radius_m"`

	KafkaBrokers  []string `koanf:"kafka_brokers"`
	ConsumerGroup string   `koanf:"kafka_consumer_group"`

	PGDSN string `koanf:"pg_dsn"`

	OSRMURL       string        `koanf:"osrm_url"`
	RouteCacheTTL time.Duration `koanf:"route_cache_ttl"`

	StripeKey      string `koanf:"stripe_key"`
	StripeCurrency string `koanf:"stripe_currency"`

	PushEndpoint string `koanf:"push_endpoint"`
	PushKey      string `koanf:"push_key"`

	MetricsAddr string `koanf:"metrics_addr"`

	LogLevel      string `koanf:"log_level"`
	RunMigrations bool   `koanf:"migrate"`

	Dispatch engine.Config  `koanf:"dispatch"`
	Pricing  pricing.Policy `koanf:"pricing"`
	OTP      otp.Policy     `koanf:"otp"`
	Safety   safety.Config  `koanf:"safety"`
}

func Default() ServerConfig {
	return ServerConfig{
		HTTPAddr:           ":8080",
		ReadTimeout:        5 * time.Second,
		WriteTimeout:       10 * time.Second,
		IdleTimeout:        120 * time.Second,
		ShutdownTimeout:    15 * time.Second,
		RedisGeoKey:        "drivers_geo",
		RedisSearchRadiusM: 10000,
		ConsumerGroup:      "ride-dispatch-presence",
		RouteCacheTTL:      10 * time.Minute,
		StripeCurrency:     "eur",
		MetricsAddr:        ":2112",
		LogLevel:           "info",
		Dispatch:           engine.DefaultConfig(),
		Pricing:            pricing.DefaultPolicy(),
		OTP:                otp.DefaultPolicy(),
		Safety:             safety.DefaultConfig(),
	}
}

// Load layers an optional YAML or JSON file and then RIDE_* environment
// variables over Default. An empty path skips the file.
func Load(path string) (ServerConfig, error) {
	k := koanf.New(".")
	if path != "" {
		var parser koanf.Parser
		switch strings.ToLower(filepath.Ext(path)) {
		case ".yaml", ".yml":
			parser = yaml.Parser()
		case ".json":
			parser = json.Parser()
		default:
			return ServerConfig{}, fmt.Errorf("unsupported config format: %s", path)
		}
		if err := k.Load(file.Provider(path), parser); err != nil {
			return ServerConfig{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return ServerConfig{}, fmt.Errorf("read environment: %w", err)
	}

	cfg := Default()
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return ServerConfig{}, fmt.Errorf("decode config: %w", err)
	}
	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	cfg.KafkaBrokers = splitAndTrim(cfg.KafkaBrokers)
	return cfg, cfg.Validate()
}

// envKey maps RIDE_DISPATCH__BIDDING_WINDOW to dispatch.bidding_window.
func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	return strings.ReplaceAll(s, "__", ".")
}

// Validate reports every problem at once.
func (c ServerConfig) Validate() error {
	var errs []error
	positive := map[string]time.Duration{
		"http_read_timeout":             c.ReadTimeout,
		"http_write_timeout":            c.WriteTimeout,
		"http_shutdown_timeout":         c.ShutdownTimeout,
		"dispatch.bidding_window":       c.Dispatch.BiddingWindow,
		"dispatch.presence_window":      c.Dispatch.PresenceWindow,
		"dispatch.sweep_interval":       c.Dispatch.SweepInterval,
		"otp.ttl":                       c.OTP.TTL,
		"safety.throttle_interval":      c.Safety.ThrottleInterval,
		"safety.deviation_min_duration": c.Safety.DeviationMinDuration,
		"safety.stale_after":            c.Safety.StaleAfter,
		"safety.scan_interval":          c.Safety.ScanInterval,
	}
	for key, d := range positive {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be > 0", key))
		}
	}
	if c.Dispatch.NearbyLimit <= 0 {
		errs = append(errs, errors.New("dispatch.nearby_limit must be > 0"))
	}
	if c.Dispatch.AdminListLimit <= 0 {
		errs = append(errs, errors.New("dispatch.admin_list_limit must be > 0"))
	}
	if c.OTP.MaxAttempts <= 0 {
		errs = append(errs, errors.New("otp.max_attempts must be > 0"))
	}
	if c.Pricing.MinFactor <= 0 || c.Pricing.MaxFactor < c.Pricing.MinFactor {
		errs = append(errs, errors.New("pricing factors must satisfy 0 < min_factor <= max_factor"))
	}
	if c.Safety.DeviationThresholdM <= 0 {
		errs = append(errs, errors.New("safety.deviation_threshold_m must be > 0"))
	}
	for i, z := range c.Safety.Zones {
		if len(z.Polygon) < 3 {
			errs = append(errs, fmt.Errorf("safety.zones[%d] %q needs at least 3 vertices", i, z.Name))
		}
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, fmt.Errorf("log_level %q is not one of debug, info, warn, error", c.LogLevel))
	}
	return errors.Join(errs...)
}

func splitAndTrim(raw []string) []string {
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		for _, part := range strings.Split(r, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
