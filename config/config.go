// Package config loads the server configuration from the environment and
// an optional .env file.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go-simpler.org/env"
)

// Storage backends.
const (
	StorePostgres = "postgres"
	StoreMongoDB  = "mongodb"
)

// Bus backends.
const (
	BusRedis  = "redis"
	BusMemory = "memory"
)

type Config struct {
	Addr          string `env:"ADDR" default:":8080"`
	Store         string `env:"STORE" default:"postgres"`
	DatabaseURL   string `env:"DATABASE_URL"`
	MongoURL      string `env:"MONGO_URL"`
	MongoDatabase string `env:"MONGO_DATABASE" default:"chat"`
	RedisAddr     string `env:"REDIS_ADDR" default:"localhost:6379"`
	Bus           string `env:"BUS" default:"redis"`
	BroadcastMode string `env:"BROADCAST_MODE" default:"channel"`
	CORSOrigins   string `env:"CORS_ORIGINS"`
	LogLevel      string `env:"LOG_LEVEL" default:"info"`
	LogFormat     string `env:"LOG_FORMAT" default:"text"`

	WSSendBuffer   int           `env:"WS_SEND_BUFFER" default:"64"`
	WSWriteTimeout time.Duration `env:"WS_WRITE_TIMEOUT" default:"10s"`
	WSPongWait     time.Duration `env:"WS_PONG_WAIT" default:"60s"`
	WSMaxFrame     int64         `env:"WS_MAX_FRAME" default:"65536"`
	WSFrameRate    float64       `env:"WS_FRAME_RATE" default:"20"`
	WSFrameBurst   int           `env:"WS_FRAME_BURST" default:"40"`

	BusBackoffBase time.Duration `env:"BUS_BACKOFF_BASE" default:"100ms"`
	BusBackoffMax  time.Duration `env:"BUS_BACKOFF_MAX" default:"30s"`

	ReactionMaxAttempts int `env:"REACTION_MAX_ATTEMPTS" default:"5"`
	CacheSize           int `env:"CACHE_SIZE" default:"10"`

	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" default:"10s"`
}

// Load reads .env if present, then the environment, and validates the
// result.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	var cfg Config
	if err := env.Load(&cfg, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Origins returns CORS_ORIGINS split on commas, without blanks.
func (c *Config) Origins() []string {
	var out []string
	for _, o := range strings.Split(c.CORSOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}

func validate(cfg *Config) error {
	switch cfg.Store {
	case StorePostgres:
		if cfg.DatabaseURL == "" {
			return errors.New("DATABASE_URL is required when STORE is postgres")
		}
	case StoreMongoDB:
		if cfg.MongoURL == "" {
			return errors.New("MONGO_URL is required when STORE is mongodb")
		}
	default:
		return fmt.Errorf("STORE must be %s or %s, got %q", StorePostgres, StoreMongoDB, cfg.Store)
	}

	switch cfg.Bus {
	case BusRedis, BusMemory:
	default:
		return fmt.Errorf("BUS must be %s or %s, got %q", BusRedis, BusMemory, cfg.Bus)
	}
	if cfg.RedisAddr == "" {
		return errors.New("REDIS_ADDR is required")
	}

	switch cfg.BroadcastMode {
	case "channel", "global":
	default:
		return fmt.Errorf("BROADCAST_MODE must be channel or global, got %q", cfg.BroadcastMode)
	}

	positive := map[string]bool{
		"WS_SEND_BUFFER":        cfg.WSSendBuffer > 0,
		"WS_WRITE_TIMEOUT":      cfg.WSWriteTimeout > 0,
		"WS_PONG_WAIT":          cfg.WSPongWait > 0,
		"WS_MAX_FRAME":          cfg.WSMaxFrame > 0,
		"WS_FRAME_RATE":         cfg.WSFrameRate > 0,
		"WS_FRAME_BURST":        cfg.WSFrameBurst > 0,
		"BUS_BACKOFF_BASE":      cfg.BusBackoffBase > 0,
		"BUS_BACKOFF_MAX":       cfg.BusBackoffMax > 0,
		"REACTION_MAX_ATTEMPTS": cfg.ReactionMaxAttempts > 0,
		"CACHE_SIZE":            cfg.CacheSize > 0,
		"SHUTDOWN_TIMEOUT":      cfg.ShutdownTimeout > 0,
	}
	for name, ok := range positive {
		if !ok {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	if cfg.BusBackoffMax < cfg.BusBackoffBase {
		return errors.New("BUS_BACKOFF_MAX must not be less than BUS_BACKOFF_BASE")
	}

	return nil
}
