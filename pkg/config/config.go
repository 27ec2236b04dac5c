package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config is the process configuration, read from the environment.
type Config struct {
	DBDriver            string        `env:"DB_DRIVER" envDefault:"postgres"`
	DBHost              string        `env:"DB_HOST" envDefault:"postgres"`
	DBPort              string        `env:"DB_PORT" envDefault:"5432"`
	DBUser              string        `env:"DB_USER" envDefault:"program"`
	DBPassword          string        `env:"DB_PASSWORD" envDefault:"test"`
	DBName              string        `env:"DB_NAME" envDefault:"loans"`
	SQLitePath          string        `env:"SQLITE_PATH" envDefault:"loans.db"`
	DBMaxOpenConns      int           `env:"DB_MAX_OPEN_CONNS" envDefault:"25"`
	DBMaxIdleConns      int           `env:"DB_MAX_IDLE_CONNS" envDefault:"10"`
	DBConnMaxLifetime   time.Duration `env:"DB_CONN_MAX_LIFETIME" envDefault:"5m"`
	DBConnectRetries    int           `env:"DB_CONNECT_RETRIES" envDefault:"10"`
	DBConnectRetryDelay time.Duration `env:"DB_CONNECT_RETRY_DELAY" envDefault:"5s"`

	HTTPAddr           string `env:"HTTP_ADDR" envDefault:":8080"`
	RateLimitPerMinute int    `env:"RATE_LIMIT_PER_MINUTE" envDefault:"120"`
	RateLimitBurst     int    `env:"RATE_LIMIT_BURST" envDefault:"20"`

	NotifyWebhookURL     string        `env:"NOTIFY_WEBHOOK_URL"`
	NotifyTimeout        time.Duration `env:"NOTIFY_TIMEOUT" envDefault:"10s"`
	NotifyMaxFailures    int           `env:"NOTIFY_MAX_FAILURES" envDefault:"5"`
	NotifyBreakerTimeout time.Duration `env:"NOTIFY_BREAKER_TIMEOUT" envDefault:"30s"`
	NotifyMaxRetries     int           `env:"NOTIFY_MAX_RETRIES" envDefault:"3"`
	NotifyFlushInterval  time.Duration `env:"NOTIFY_FLUSH_INTERVAL" envDefault:"30s"`

	ServiceName  string `env:"SERVICE_NAME" envDefault:"loansvc"`
	OTelEndpoint string `env:"OTEL_ENDPOINT"`
}

// Load parses the environment into a Config.
func Load() (Config, error) {
	var cfg Config
	if err := ParseEnv(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ParseEnv loads configuration from environment variables.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// PostgresDSN builds the DSN the same way for every entry point.
func (c Config) PostgresDSN() string {
	return fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=disable TimeZone=UTC",
		c.DBHost, c.DBUser, c.DBPassword, c.DBName, c.DBPort)
}

// Exitf writes a formatted error message to stderr and exits with code 1.
func Exitf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
