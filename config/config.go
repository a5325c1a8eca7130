// Package config loads service configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

// Config holds the application configuration.
type Config struct {
	Port int `env:"PORT,default=8080"`

	DBDriver    string `env:"DB_DRIVER,default=sqlite"` // memory | sqlite | postgres
	DBPath      string `env:"DB_PATH,default=./data/economy.db"`
	DatabaseURL string `env:"DATABASE_URL"`

	RedisAddr     string        `env:"REDIS_ADDR"`
	RedisPassword string        `env:"REDIS_PASSWORD"`
	RedisDB       int           `env:"REDIS_DB,default=0"`
	CacheTTL      time.Duration `env:"CACHE_TTL,default=30s"`

	KafkaBrokers string `env:"KAFKA_BROKERS"` // comma separated
	KafkaTopic   string `env:"KAFKA_TOPIC,default=economy.events"`

	OTLPEndpoint string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	ServiceName  string `env:"SERVICE_NAME,default=economy-engine"`

	ReconcileSchedule string  `env:"RECONCILE_SCHEDULE,default=@every 1m"`
	ReconcileBatch    int     `env:"RECONCILE_BATCH,default=100"`
	ReconcileRPS      float64 `env:"RECONCILE_RPS,default=0"` // 0 disables pacing

	CatalogURL string `env:"CATALOG_URL"`

	LogLevel  string `env:"LOG_LEVEL,default=info"`
	LogFormat string `env:"LOG_FORMAT,default=text"` // text | json

	CORSOrigins string `env:"CORS_ORIGINS,default=*"` // comma separated
}

// Load reads an optional .env file, then the environment.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("failed to load .env: %w", err)
	}

	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return Config{}, fmt.Errorf("failed to decode environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c Config) Validate() error {
	switch c.DBDriver {
	case "memory", "sqlite":
	case "postgres":
		if c.DatabaseURL == "" {
			return errors.New("DATABASE_URL is required when DB_DRIVER=postgres")
		}
	default:
		return fmt.Errorf("unknown DB_DRIVER %q", c.DBDriver)
	}
	if c.ReconcileBatch < 0 {
		return fmt.Errorf("RECONCILE_BATCH must not be negative, got %d", c.ReconcileBatch)
	}
	if c.ReconcileRPS < 0 {
		return fmt.Errorf("RECONCILE_RPS must not be negative, got %v", c.ReconcileRPS)
	}
	return nil
}

// Brokers returns the Kafka broker list, or nil if Kafka is disabled.
func (c Config) Brokers() []string {
	return splitList(c.KafkaBrokers)
}

// AllowedOrigins returns the CORS origin list.
func (c Config) AllowedOrigins() []string {
	return splitList(c.CORSOrigins)
}

// Logger builds the service logger from LOG_LEVEL and LOG_FORMAT.
func (c Config) Logger() *logrus.Logger {
	log := logrus.New()
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	log.SetLevel(level)
	if c.LogFormat == "json" {
		log.SetFormatter(&logrus.JSONFormatter{})
	} else {
		log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return log
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
