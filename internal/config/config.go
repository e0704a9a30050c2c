package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	defaultAppName         = "bullion"
	defaultAppEnv          = "development"
	defaultPort            = "8080"
	defaultLogLevel        = "info"
	defaultShutdownDelay   = 10 * time.Second
	defaultIdempotencyTTL  = 24 * time.Hour
	defaultRetention       = 7 * 24 * time.Hour
	defaultPOSHoldTTL      = 2 * time.Minute
	defaultCheckoutHoldTTL = 15 * time.Minute
	defaultReaperInterval  = 30 * time.Second
	defaultReaperBatch     = 100
	defaultConflictRetries = 3
	defaultKafkaTopic      = "bullion.events"
	configFileEnvVar       = "BULLION_CONFIG"
)

// Config captures runtime configuration. Values come from the environment,
// optionally layered over a config file named by BULLION_CONFIG.
type Config struct {
	AppName              string
	Env                  string
	Port                 string
	LogLevel             string
	DatabaseURL          string
	RedisURL             string
	KafkaBrokers         []string
	KafkaTopic           string
	ShutdownPeriod       time.Duration
	IdempotencyTTL       time.Duration
	IdempotencyRetention time.Duration
	POSHoldTTL           time.Duration
	CheckoutHoldTTL      time.Duration
	ReaperInterval       time.Duration
	ReaperBatch          int
	ConflictRetries      int
}

// Load reads configuration values and validates them.
func Load() (Config, error) {
	v := viper.New()
	v.AutomaticEnv()
	setDefaults(v)

	if path := os.Getenv(configFileEnvVar); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg := Config{
		AppName:              v.GetString("APP_NAME"),
		Env:                  v.GetString("APP_ENV"),
		Port:                 v.GetString("PORT"),
		LogLevel:             strings.ToLower(v.GetString("LOG_LEVEL")),
		DatabaseURL:          v.GetString("DATABASE_URL"),
		RedisURL:             v.GetString("REDIS_URL"),
		KafkaBrokers:         splitList(v.GetString("KAFKA_BROKERS")),
		KafkaTopic:           v.GetString("KAFKA_TOPIC"),
		ShutdownPeriod:       v.GetDuration("SHUTDOWN_TIMEOUT"),
		IdempotencyTTL:       v.GetDuration("IDEMPOTENCY_TTL"),
		IdempotencyRetention: v.GetDuration("IDEMPOTENCY_RETENTION"),
		POSHoldTTL:           v.GetDuration("POS_HOLD_TTL"),
		CheckoutHoldTTL:      v.GetDuration("CHECKOUT_HOLD_TTL"),
		ReaperInterval:       v.GetDuration("REAPER_INTERVAL"),
		ReaperBatch:          v.GetInt("REAPER_BATCH"),
		ConflictRetries:      v.GetInt("CONFLICT_RETRIES"),
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("APP_NAME", defaultAppName)
	v.SetDefault("APP_ENV", defaultAppEnv)
	v.SetDefault("PORT", defaultPort)
	v.SetDefault("LOG_LEVEL", defaultLogLevel)
	v.SetDefault("DATABASE_URL", "")
	v.SetDefault("REDIS_URL", "")
	v.SetDefault("KAFKA_BROKERS", "")
	v.SetDefault("KAFKA_TOPIC", defaultKafkaTopic)
	v.SetDefault("SHUTDOWN_TIMEOUT", defaultShutdownDelay)
	v.SetDefault("IDEMPOTENCY_TTL", defaultIdempotencyTTL)
	v.SetDefault("IDEMPOTENCY_RETENTION", defaultRetention)
	v.SetDefault("POS_HOLD_TTL", defaultPOSHoldTTL)
	v.SetDefault("CHECKOUT_HOLD_TTL", defaultCheckoutHoldTTL)
	v.SetDefault("REAPER_INTERVAL", defaultReaperInterval)
	v.SetDefault("REAPER_BATCH", defaultReaperBatch)
	v.SetDefault("CONFLICT_RETRIES", defaultConflictRetries)
}

func (c Config) validate() error {
	if c.DatabaseURL == "" && !c.IsDev() {
		return fmt.Errorf("DATABASE_URL must be set when APP_ENV=%s", c.Env)
	}
	var errs []error
	for name, d := range map[string]time.Duration{
		"SHUTDOWN_TIMEOUT":      c.ShutdownPeriod,
		"IDEMPOTENCY_TTL":       c.IdempotencyTTL,
		"IDEMPOTENCY_RETENTION": c.IdempotencyRetention,
		"POS_HOLD_TTL":          c.POSHoldTTL,
		"CHECKOUT_HOLD_TTL":     c.CheckoutHoldTTL,
		"REAPER_INTERVAL":       c.ReaperInterval,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	if c.ReaperBatch <= 0 {
		errs = append(errs, errors.New("REAPER_BATCH must be positive"))
	}
	if c.ConflictRetries <= 0 {
		errs = append(errs, errors.New("CONFLICT_RETRIES must be positive"))
	}
	return errors.Join(errs...)
}

// IsDev reports whether the process runs in a local development environment,
// where the in-memory backend may stand in for Postgres.
func (c Config) IsDev() bool {
	switch strings.ToLower(c.Env) {
	case "dev", "development", "local", "test":
		return true
	default:
		return false
	}
}

// Address returns the listen address in the format Fiber expects.
func (c Config) Address() string {
	if strings.HasPrefix(c.Port, ":") {
		return c.Port
	}
	return fmt.Sprintf(":%s", c.Port)
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
