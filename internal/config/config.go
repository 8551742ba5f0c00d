package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ServerConfig captures all tunable parameters for the dispatch API
// process. Values are primarily loaded from environment variables with
// sane defaults so the binary can run locally without excessive setup.
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

	RoutingProvider string // "osrm", "gmaps" or "" for fallback-only
	OSRMEndpoint    string
	GMapsAPIKey     string
	RoutingTimeout  time.Duration
	ETACacheTTL     time.Duration

	InitialRadiusKm  float64
	MaxRadiusKm      float64
	CriticalRadiusKm float64

	OfferDeadlineNormal   time.Duration
	OfferDeadlineHigh     time.Duration
	OfferDeadlineCritical time.Duration
	SweepInterval         time.Duration

	ArrivingThresholdM float64
	ArrivedThresholdM  float64

	IdleWorkerTimeout time.Duration

	BroadcastQueueSize int

	ServiceFeeCents int64
	StripeEnabled   bool

	LogLevel      string
	RunMigrations bool
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:        ":8080",
		ReadTimeout:     5 * time.Second,
		WriteTimeout:    10 * time.Second,
		IdleTimeout:     120 * time.Second,
		ShutdownTimeout: 15 * time.Second,

		RedisGeoKey: "workers_geo",
		KafkaTopic:  "worker-locations",

		RoutingTimeout: 3 * time.Second,
		ETACacheTTL:    30 * time.Second,

		InitialRadiusKm:  3,
		MaxRadiusKm:      30,
		CriticalRadiusKm: 10,

		OfferDeadlineNormal:   45 * time.Second,
		OfferDeadlineHigh:     30 * time.Second,
		OfferDeadlineCritical: 20 * time.Second,
		SweepInterval:         5 * time.Second,

		ArrivingThresholdM: 500,
		ArrivedThresholdM:  50,

		IdleWorkerTimeout: 2 * time.Minute,

		BroadcastQueueSize: 16,

		ServiceFeeCents: 2500,

		LogLevel: "info",
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

	cfg.RoutingProvider = strings.ToLower(strings.TrimSpace(os.Getenv("ROUTING_PROVIDER")))
	setStringFromEnv(&cfg.OSRMEndpoint, "OSRM_ENDPOINT")
	cfg.GMapsAPIKey = os.Getenv("GMAPS_API_KEY")
	setDurationFromEnv(&cfg.RoutingTimeout, "ROUTING_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ETACacheTTL, "ETA_CACHE_TTL", &errs)

	setFloatFromEnv(&cfg.InitialRadiusKm, "DISPATCH_INITIAL_RADIUS_KM", &errs)
	setFloatFromEnv(&cfg.MaxRadiusKm, "DISPATCH_MAX_RADIUS_KM", &errs)
	setFloatFromEnv(&cfg.CriticalRadiusKm, "DISPATCH_CRITICAL_RADIUS_KM", &errs)

	setDurationFromEnv(&cfg.OfferDeadlineNormal, "OFFER_DEADLINE_NORMAL", &errs)
	setDurationFromEnv(&cfg.OfferDeadlineHigh, "OFFER_DEADLINE_HIGH", &errs)
	setDurationFromEnv(&cfg.OfferDeadlineCritical, "OFFER_DEADLINE_CRITICAL", &errs)
	setDurationFromEnv(&cfg.SweepInterval, "OFFER_SWEEP_INTERVAL", &errs)

	setFloatFromEnv(&cfg.ArrivingThresholdM, "ARRIVING_THRESHOLD_M", &errs)
	setFloatFromEnv(&cfg.ArrivedThresholdM, "ARRIVED_THRESHOLD_M", &errs)

	setDurationFromEnv(&cfg.IdleWorkerTimeout, "IDLE_WORKER_TIMEOUT", &errs)
	setIntFromEnv(&cfg.BroadcastQueueSize, "BROADCAST_QUEUE_SIZE", &errs)

	setInt64FromEnv(&cfg.ServiceFeeCents, "SERVICE_FEE_CENTS", &errs)
	cfg.StripeEnabled = os.Getenv("STRIPE_API_KEY") != ""

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")

	if cfg.InitialRadiusKm <= 0 || cfg.MaxRadiusKm < cfg.InitialRadiusKm {
		errs = append(errs, fmt.Errorf("dispatch radius bounds invalid: initial=%f max=%f", cfg.InitialRadiusKm, cfg.MaxRadiusKm))
	}
	if cfg.ArrivedThresholdM >= cfg.ArrivingThresholdM {
		errs = append(errs, fmt.Errorf("ARRIVED_THRESHOLD_M must be below ARRIVING_THRESHOLD_M"))
	}
	if cfg.BroadcastQueueSize <= 0 {
		errs = append(errs, fmt.Errorf("BROADCAST_QUEUE_SIZE must be > 0"))
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

func setInt64FromEnv(target *int64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.ParseInt(v, 10, 64)
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
