package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ServerConfig captures all tunable parameters for the sync server.
// Values are primarily loaded from environment variables with sane defaults
// so the binary can run locally without excessive setup.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	LedgerEndpoint     string
	LedgerPollInterval time.Duration
	LedgerReadTimeout  time.Duration
	HealthInterval     time.Duration

	PGDSN string

	RedisAddr     string
	RedisPassword string

	KafkaBrokers []string
	KafkaTopic   string

	RadiusKm       float64
	MaxOffers      int
	PendingMaxAge  time.Duration
	PresenceMaxAge time.Duration
	SweepInterval  time.Duration

	ResolverWindow       int
	ResolverBatchSize    int
	ResolverQueryTimeout time.Duration
	ResolverCacheTTL     time.Duration

	FeePercent int64

	ArchiveEndpoint string
	StripeAPIKey    string

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

		LedgerEndpoint:     "http://localhost:8545",
		LedgerPollInterval: 2 * time.Second,
		LedgerReadTimeout:  5 * time.Second,
		HealthInterval:     30 * time.Second,

		KafkaTopic: "order-events",

		RadiusKm:       10,
		MaxOffers:      10,
		PendingMaxAge:  30 * time.Minute,
		PresenceMaxAge: 5 * time.Minute,
		SweepInterval:  time.Minute,

		ResolverWindow:       200,
		ResolverBatchSize:    10,
		ResolverQueryTimeout: 25 * time.Second,
		ResolverCacheTTL:     5 * time.Second,

		FeePercent: 5,

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

	setStringFromEnv(&cfg.LedgerEndpoint, "LEDGER_ENDPOINT")
	setDurationFromEnv(&cfg.LedgerPollInterval, "LEDGER_POLL_INTERVAL", &errs)
	setDurationFromEnv(&cfg.LedgerReadTimeout, "LEDGER_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.HealthInterval, "LEDGER_HEALTH_INTERVAL", &errs)

	cfg.PGDSN = os.Getenv("PG_DSN")

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")

	setFloatFromEnv(&cfg.RadiusKm, "DISPATCH_RADIUS_KM", &errs)
	setIntFromEnv(&cfg.MaxOffers, "DISPATCH_MAX_OFFERS", &errs)
	setDurationFromEnv(&cfg.PendingMaxAge, "DISPATCH_PENDING_MAX_AGE", &errs)
	setDurationFromEnv(&cfg.PresenceMaxAge, "DISPATCH_PRESENCE_MAX_AGE", &errs)
	setDurationFromEnv(&cfg.SweepInterval, "DISPATCH_SWEEP_INTERVAL", &errs)

	setIntFromEnv(&cfg.ResolverWindow, "RESOLVER_WINDOW", &errs)
	setIntFromEnv(&cfg.ResolverBatchSize, "RESOLVER_BATCH_SIZE", &errs)
	setDurationFromEnv(&cfg.ResolverQueryTimeout, "RESOLVER_QUERY_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ResolverCacheTTL, "RESOLVER_CACHE_TTL", &errs)

	if v := os.Getenv("FEE_PERCENT"); v != "" {
		p, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("invalid FEE_PERCENT: %w", err))
		} else {
			cfg.FeePercent = p
		}
	}

	setStringFromEnv(&cfg.ArchiveEndpoint, "ARCHIVE_ENDPOINT")
	cfg.StripeAPIKey = os.Getenv("STRIPE_API_KEY")

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")

	if cfg.RadiusKm <= 0 {
		errs = append(errs, fmt.Errorf("DISPATCH_RADIUS_KM must be > 0"))
	}
	if cfg.MaxOffers <= 0 {
		errs = append(errs, fmt.Errorf("DISPATCH_MAX_OFFERS must be > 0"))
	}
	if cfg.ResolverWindow <= 0 {
		errs = append(errs, fmt.Errorf("RESOLVER_WINDOW must be > 0"))
	}
	if cfg.ResolverBatchSize <= 0 {
		errs = append(errs, fmt.Errorf("RESOLVER_BATCH_SIZE must be > 0"))
	}
	if cfg.FeePercent < 0 || cfg.FeePercent > 100 {
		errs = append(errs, fmt.Errorf("FEE_PERCENT must be between 0 and 100"))
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
