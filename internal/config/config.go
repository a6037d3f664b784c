package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ServerConfig captures all tunable parameters for the dispatch server process.
// Values are primarily loaded from environment variables with sane defaults
// so the binary can run locally without excessive setup.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string

	KafkaBrokers []string
	KafkaTopic   string

	PGDSN string

	Dispatch DispatchConfig

	HeartbeatInterval time.Duration
	HeartbeatGrace    int

	PricingEndpoint string
	PricingCacheTTL time.Duration
	DefaultSpeedMps float64

	FCMEndpoint string
	FCMKey      string

	StripeAPIKey string

	AuthSecret string

	LogLevel      string
	RunMigrations bool
}

// DispatchConfig holds the tunables of the matching loop itself. The radius
// expansion policy and offer window are deliberately configuration, not
// constants.
type DispatchConfig struct {
	OfferWindow       time.Duration
	InitialRadiusM    float64
	MaxRadiusM        float64
	RadiusGrowth      float64
	MinCandidates     int
	MaxCandidates     int
	SelectionAttempts int
	SelectionBackoff  time.Duration
	SessionTTL        time.Duration
	RetentionWindow   time.Duration
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:        ":8080",
		ReadTimeout:     5 * time.Second,
		WriteTimeout:    10 * time.Second,
		IdleTimeout:     120 * time.Second,
		ShutdownTimeout: 15 * time.Second,
		RedisGeoKey:     "drivers_geo",
		KafkaTopic:      "driver-locations",
		Dispatch: DispatchConfig{
			OfferWindow:       15 * time.Second,
			InitialRadiusM:    1000,
			MaxRadiusM:        8000,
			RadiusGrowth:      2.0,
			MinCandidates:     8,
			MaxCandidates:     16,
			SelectionAttempts: 3,
			SelectionBackoff:  200 * time.Millisecond,
			SessionTTL:        5 * time.Minute,
			RetentionWindow:   10 * time.Minute,
		},
		HeartbeatInterval: 20 * time.Second,
		HeartbeatGrace:    3,
		PricingCacheTTL:   30 * time.Second,
		DefaultSpeedMps:   10,
		LogLevel:          "info",
	}
}

func LoadServerConfig() (ServerConfig, error) {
	cfg := defaultServerConfig()
	var errs []error

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")

	cfg.PGDSN = os.Getenv("PG_DSN")

	setDurationFromEnv(&cfg.Dispatch.OfferWindow, "OFFER_WINDOW", &errs)
	setFloatFromEnv(&cfg.Dispatch.InitialRadiusM, "SEARCH_RADIUS_INITIAL_M", &errs)
	setFloatFromEnv(&cfg.Dispatch.MaxRadiusM, "SEARCH_RADIUS_MAX_M", &errs)
	setFloatFromEnv(&cfg.Dispatch.RadiusGrowth, "SEARCH_RADIUS_GROWTH", &errs)
	setIntFromEnv(&cfg.Dispatch.MinCandidates, "MIN_CANDIDATES", &errs)
	setIntFromEnv(&cfg.Dispatch.MaxCandidates, "MAX_CANDIDATES", &errs)
	setIntFromEnv(&cfg.Dispatch.SelectionAttempts, "SELECTION_ATTEMPTS", &errs)
	setDurationFromEnv(&cfg.Dispatch.SelectionBackoff, "SELECTION_BACKOFF", &errs)
	setDurationFromEnv(&cfg.Dispatch.SessionTTL, "SESSION_TTL", &errs)
	setDurationFromEnv(&cfg.Dispatch.RetentionWindow, "SESSION_RETENTION", &errs)

	setDurationFromEnv(&cfg.HeartbeatInterval, "WS_HEARTBEAT_INTERVAL", &errs)
	setIntFromEnv(&cfg.HeartbeatGrace, "WS_HEARTBEAT_GRACE", &errs)

	setStringFromEnv(&cfg.PricingEndpoint, "PRICING_ENDPOINT")
	setDurationFromEnv(&cfg.PricingCacheTTL, "PRICING_CACHE_TTL", &errs)
	setFloatFromEnv(&cfg.DefaultSpeedMps, "DEFAULT_SPEED_MPS", &errs)

	setStringFromEnv(&cfg.FCMEndpoint, "FCM_ENDPOINT")
	cfg.FCMKey = os.Getenv("FCM_KEY")

	cfg.StripeAPIKey = os.Getenv("STRIPE_API_KEY")

	cfg.AuthSecret = os.Getenv("AUTH_SECRET")

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")

	if cfg.Dispatch.OfferWindow <= 0 {
		errs = append(errs, fmt.Errorf("OFFER_WINDOW must be > 0"))
	}
	if cfg.Dispatch.InitialRadiusM <= 0 || cfg.Dispatch.MaxRadiusM < cfg.Dispatch.InitialRadiusM {
		errs = append(errs, fmt.Errorf("search radius bounds invalid: initial=%v max=%v",
			cfg.Dispatch.InitialRadiusM, cfg.Dispatch.MaxRadiusM))
	}
	if cfg.Dispatch.RadiusGrowth <= 1 {
		errs = append(errs, fmt.Errorf("SEARCH_RADIUS_GROWTH must be > 1"))
	}
	if cfg.Dispatch.MaxCandidates <= 0 {
		errs = append(errs, fmt.Errorf("MAX_CANDIDATES must be > 0"))
	}
	if cfg.HeartbeatGrace < 2 {
		errs = append(errs, fmt.Errorf("WS_HEARTBEAT_GRACE must be >= 2"))
	}

	return cfg, errors.Join(errs...)
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setFloatFromEnv(target *float64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = f
	}
}

func setIntFromEnv(target *int, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}
