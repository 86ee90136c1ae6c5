package config

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

var (
	ErrInvalidDuration = errors.New("duration must be positive")
	ErrSweepTooSlow    = errors.New("typing sweep interval must not exceed the typing window")
)

// Config holds all configuration for the server.
type Config struct {
	Addr      string `envconfig:"ADDR" default:":8080"`
	DBDSN     string `envconfig:"DB_DSN" required:"true"`
	JWTSecret string `envconfig:"JWT_SECRET" required:"true"`
	// RedisAddr is optional. When empty, fan-out stays inside this process.
	RedisAddr string `envconfig:"REDIS_ADDR"`

	TypingWindow        time.Duration `envconfig:"TYPING_WINDOW" default:"6s"`
	TypingSweepInterval time.Duration `envconfig:"TYPING_SWEEP_INTERVAL" default:"2s"`
	ReceiptCacheSize    int           `envconfig:"RECEIPT_CACHE_SIZE" default:"10000"`
	SendBuffer          int           `envconfig:"SEND_BUFFER" default:"256"`

	LogFormat string `envconfig:"LOG_FORMAT" default:"text"`
	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`
}

// Load reads an optional .env file and then the process environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Debug("No .env file found, relying on environment variables")
	}

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.TypingWindow <= 0 {
		return fmt.Errorf("TYPING_WINDOW: %w", ErrInvalidDuration)
	}
	if c.TypingSweepInterval <= 0 {
		return fmt.Errorf("TYPING_SWEEP_INTERVAL: %w", ErrInvalidDuration)
	}
	if c.TypingSweepInterval > c.TypingWindow {
		return ErrSweepTooSlow
	}
	if c.ReceiptCacheSize <= 0 {
		return fmt.Errorf("RECEIPT_CACHE_SIZE must be positive, got %d", c.ReceiptCacheSize)
	}
	if c.SendBuffer <= 0 {
		return fmt.Errorf("SEND_BUFFER must be positive, got %d", c.SendBuffer)
	}
	return nil
}
