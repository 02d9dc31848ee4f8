package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// DispatchConfig tunes the search-and-retry loop that finds a driver for a
// newly created trip.
type DispatchConfig struct {
	InitialRadiusMeters  float64
	CompoundRadiusMeters float64
	RadiusStepMeters     float64
	MaxRadiusMeters      float64
	MaxAttempts          int
	AcceptTimeout        time.Duration
	RetryDelay           time.Duration
	PollInterval         time.Duration
	CandidateLimit       int
	ArrivalRadiusMeters  float64
}

// PricingConfig holds the tariff. Amounts are minor currency units.
type PricingConfig struct {
	BaseFare          int64
	PerKmRate         int64
	PerMinuteRate     int64
	Currency          string
	CommissionPercent int64

	SurgeWindow       time.Duration
	SurgeRadiusMeters float64
	GeohashPrecision  uint
}

// ServerConfig captures all tunable parameters for the HTTP API process.
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

	OSRMEndpoint  string
	GoogleMapsKey string
	RouteCacheTTL time.Duration

	PushEndpoint string
	PushAPIKey   string

	StripeAPIKey string

	Dispatch DispatchConfig
	Pricing  PricingConfig

	DefaultSpeedMps float64

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
		RedisGeoKey:     "drivers_geo",
		KafkaTopic:      "driver-locations",
		OSRMEndpoint:    "http://localhost:5000",
		Dispatch: DispatchConfig{
			InitialRadiusMeters:  5000,
			CompoundRadiusMeters: 2000,
			RadiusStepMeters:     2000,
			MaxRadiusMeters:      15000,
			MaxAttempts:          3,
			AcceptTimeout:        30 * time.Second,
			RetryDelay:           5 * time.Second,
			PollInterval:         time.Second,
			CandidateLimit:       10,
			ArrivalRadiusMeters:  50,
		},
		Pricing: PricingConfig{
			BaseFare:          500,
			PerKmRate:         120,
			PerMinuteRate:     50,
			Currency:          "usd",
			CommissionPercent: 25,
			SurgeWindow:       30 * time.Minute,
			SurgeRadiusMeters: 5000,
			GeohashPrecision:  5,
		},
		RouteCacheTTL:   5 * time.Minute,
		DefaultSpeedMps: 10,
		LogLevel:        "info",
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
	setStringFromEnv(&cfg.OSRMEndpoint, "OSRM_ENDPOINT")
	cfg.GoogleMapsKey = os.Getenv("GOOGLE_MAPS_API_KEY")
	setDurationFromEnv(&cfg.RouteCacheTTL, "ROUTE_CACHE_TTL", &errs)

	cfg.PushEndpoint = strings.TrimSpace(os.Getenv("PUSH_ENDPOINT"))
	cfg.PushAPIKey = os.Getenv("PUSH_API_KEY")
	cfg.StripeAPIKey = os.Getenv("STRIPE_API_KEY")

	setFloatFromEnv(&cfg.Dispatch.InitialRadiusMeters, "DISPATCH_INITIAL_RADIUS_M", &errs)
	setFloatFromEnv(&cfg.Dispatch.CompoundRadiusMeters, "DISPATCH_COMPOUND_RADIUS_M", &errs)
	setFloatFromEnv(&cfg.Dispatch.RadiusStepMeters, "DISPATCH_RADIUS_STEP_M", &errs)
	setFloatFromEnv(&cfg.Dispatch.MaxRadiusMeters, "DISPATCH_MAX_RADIUS_M", &errs)
	setIntFromEnv(&cfg.Dispatch.MaxAttempts, "DISPATCH_MAX_ATTEMPTS", &errs)
	setDurationFromEnv(&cfg.Dispatch.AcceptTimeout, "DISPATCH_ACCEPT_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.Dispatch.RetryDelay, "DISPATCH_RETRY_DELAY", &errs)
	setDurationFromEnv(&cfg.Dispatch.PollInterval, "DISPATCH_POLL_INTERVAL", &errs)
	setIntFromEnv(&cfg.Dispatch.CandidateLimit, "DISPATCH_CANDIDATE_LIMIT", &errs)
	setFloatFromEnv(&cfg.Dispatch.ArrivalRadiusMeters, "DISPATCH_ARRIVAL_RADIUS_M", &errs)

	setInt64FromEnv(&cfg.Pricing.BaseFare, "PRICING_BASE_FARE", &errs)
	setInt64FromEnv(&cfg.Pricing.PerKmRate, "PRICING_PER_KM_RATE", &errs)
	setInt64FromEnv(&cfg.Pricing.PerMinuteRate, "PRICING_PER_MINUTE_RATE", &errs)
	setStringFromEnv(&cfg.Pricing.Currency, "PRICING_CURRENCY")
	setInt64FromEnv(&cfg.Pricing.CommissionPercent, "PRICING_COMMISSION_PERCENT", &errs)
	setDurationFromEnv(&cfg.Pricing.SurgeWindow, "SURGE_WINDOW", &errs)
	setFloatFromEnv(&cfg.Pricing.SurgeRadiusMeters, "SURGE_RADIUS_M", &errs)

	setFloatFromEnv(&cfg.DefaultSpeedMps, "DEFAULT_SPEED_MPS", &errs)

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")

	errs = append(errs, cfg.validate()...)

	return cfg, errors.Join(errs...)
}

func (c ServerConfig) validate() []error {
	var errs []error
	d := c.Dispatch
	if d.MaxAttempts <= 0 {
		errs = append(errs, fmt.Errorf("DISPATCH_MAX_ATTEMPTS must be > 0"))
	}
	if d.RadiusStepMeters <= 0 {
		errs = append(errs, fmt.Errorf("DISPATCH_RADIUS_STEP_M must be > 0"))
	}
	if d.MaxRadiusMeters < d.InitialRadiusMeters {
		errs = append(errs, fmt.Errorf("DISPATCH_MAX_RADIUS_M must be >= initial radius"))
	}
	if d.CandidateLimit <= 0 {
		errs = append(errs, fmt.Errorf("DISPATCH_CANDIDATE_LIMIT must be > 0"))
	}
	p := c.Pricing
	if p.CommissionPercent < 0 || p.CommissionPercent > 100 {
		errs = append(errs, fmt.Errorf("PRICING_COMMISSION_PERCENT must be within [0,100]"))
	}
	return errs
}

// ConsumerConfig covers the Kafka location-consumer process.
type ConsumerConfig struct {
	MetricsAddr   string
	KafkaBrokers  []string
	KafkaTopic    string
	KafkaGroup    string
	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string
}

func LoadConsumerConfig() ConsumerConfig {
	cfg := ConsumerConfig{
		MetricsAddr: ":2112",
		KafkaTopic:  "driver-locations",
		KafkaGroup:  "trip-dispatch-consumer",
		RedisAddr:   "localhost:6379",
		RedisGeoKey: "drivers_geo",
	}
	setStringFromEnv(&cfg.MetricsAddr, "METRICS_ADDR")
	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	} else {
		cfg.KafkaBrokers = []string{"localhost:9092"}
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")
	setStringFromEnv(&cfg.KafkaGroup, "KAFKA_GROUP")
	setStringFromEnv(&cfg.RedisAddr, "REDIS_ADDR")
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")
	return cfg
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
