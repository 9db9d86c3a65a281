package config

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Store backends.
const (
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
	BackendBolt     = "bolt"
)

// Config holds all environment configuration
type Config struct {
	Port                int           `env:"PORT" envDefault:"8080"`
	StoreBackend        string        `env:"STORE_BACKEND" envDefault:"postgres"`
	DatabaseURL         string        `env:"DATABASE_URL"`
	Redis               Redis         `envPrefix:"REDIS_"`
	BoltPath            string        `env:"BOLT_PATH" envDefault:"leaseq.db"`
	SweepInterval       time.Duration `env:"SWEEP_INTERVAL" envDefault:"60s"`
	LogLevel            string        `env:"LOG_LEVEL" envDefault:"info"`
	LogPretty           bool          `env:"LOG_PRETTY" envDefault:"false"`
	DBConnectionTimeout time.Duration `env:"DB_CONNECTION_TIMEOUT" envDefault:"5s"`
	RequestTimeout      time.Duration `env:"REQUEST_TIMEOUT" envDefault:"5s"`
	MaxBatch            int           `env:"MAX_BATCH" envDefault:"32"`
	ServerURL           string        `env:"SERVER_URL" envDefault:"http://localhost:8080"`
}

type Redis struct {
	Addr     string `env:"ADDR" envDefault:"localhost:6379"`
	Password string `env:"PASSWORD"`
	DB       int    `env:"DB" envDefault:"0"`
	Prefix   string `env:"PREFIX" envDefault:"leaseq"`
}

// LoadConfig reads a .env file when one exists, then the environment.
func LoadConfig() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	return &cfg, nil
}

// Validate checks the settings needed to run a server.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid PORT: %d", c.Port)
	}
	switch c.StoreBackend {
	case BackendPostgres:
		if c.DatabaseURL == "" {
			return errors.New("DATABASE_URL is required")
		}
	case BackendRedis:
		if c.Redis.Addr == "" {
			return errors.New("REDIS_ADDR is required")
		}
	case BackendBolt:
		if c.BoltPath == "" {
			return errors.New("BOLT_PATH is required")
		}
	default:
		return fmt.Errorf("invalid STORE_BACKEND: %q", c.StoreBackend)
	}
	if c.MaxBatch <= 0 {
		return fmt.Errorf("invalid MAX_BATCH: %d", c.MaxBatch)
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("invalid SWEEP_INTERVAL: %s", c.SweepInterval)
	}
	return nil
}
