// Package config loads relay settings from an optional .env file and the
// process environment. Unset or malformed values fall back to defaults.
package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"github.com/whisper/relay/internal/messaging"
	"github.com/whisper/relay/internal/ratelimit"
	"github.com/whisper/relay/internal/ws"
)

// Store backends.
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
)

// Config holds the relay configuration.
type Config struct {
	Server      ws.ServerConfig
	Heartbeat   ws.HeartbeatConfig
	Store       string // memory | postgres
	DatabaseURL string
	RedisAddr   string // empty disables the session mirror and rate limiting
	NATS        messaging.NATSConfig
	NATSEnabled bool // false when NATS_URL is empty
	ServerName  string
	JWTSecret   string
	RateLimit   ratelimit.Rule
}

// Load reads the given .env files (".env" when none are named), then the
// environment. Variables already set in the environment win over the files.
func Load(files ...string) (*Config, error) {
	if err := godotenv.Load(files...); err != nil {
		log.Println("config: no .env file found, using environment variables")
	}

	cfg := &Config{
		Server:    ws.DefaultServerConfig(),
		Heartbeat: ws.DefaultHeartbeatConfig(),
		NATS:      messaging.DefaultNATSConfig(),
		RateLimit: ratelimit.RuleMessage,
	}

	if addr := os.Getenv("LISTEN_ADDR"); addr != "" {
		cfg.Server.ListenAddr = addr
	}
	positiveInt("WORKER_POOL_SIZE", &cfg.Server.WorkerPoolSize)
	positiveInt("MAX_CONNECTIONS", &cfg.Server.MaxConnections)
	positiveInt("SEND_QUEUE_SIZE", &cfg.Server.SendQueueSize)
	duration("READ_TIMEOUT", &cfg.Server.ReadTimeout)
	duration("WRITE_TIMEOUT", &cfg.Server.WriteTimeout)
	duration("HEARTBEAT_INTERVAL", &cfg.Heartbeat.Interval)
	duration("HEARTBEAT_TIMEOUT", &cfg.Heartbeat.Timeout)

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	cfg.Store = os.Getenv("STORE")
	if cfg.Store == "" {
		cfg.Store = StoreMemory
		if cfg.DatabaseURL != "" {
			cfg.Store = StorePostgres
		}
	}

	cfg.RedisAddr = os.Getenv("REDIS_ADDR")

	if v := os.Getenv("NATS_URL"); v != "" {
		cfg.NATS.URL = v
		cfg.NATSEnabled = true
	}

	cfg.ServerName = os.Getenv("SERVER_NAME")
	if cfg.ServerName == "" {
		cfg.ServerName, _ = os.Hostname()
	}
	if cfg.ServerName == "" {
		cfg.ServerName = "relay-1"
	}
	cfg.NATS.Name = "relay-" + cfg.ServerName

	cfg.JWTSecret = os.Getenv("JWT_SECRET")

	limit := 0
	window := time.Duration(0)
	positiveInt("RATE_LIMIT_MESSAGES", &limit)
	duration("RATE_LIMIT_WINDOW", &window)
	cfg.RateLimit = cfg.RateLimit.WithLimit(limit, window)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Store {
	case StoreMemory:
	case StorePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("config: STORE=postgres requires DATABASE_URL")
		}
	default:
		return fmt.Errorf("config: unknown STORE %q", c.Store)
	}
	if c.JWTSecret == "" {
		return fmt.Errorf("config: JWT_SECRET is required")
	}
	return nil
}

func positiveInt(key string, dst *int) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		log.Printf("config: ignoring invalid %s=%q", key, v)
		return
	}
	*dst = n
}

func duration(key string, dst *time.Duration) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		log.Printf("config: ignoring invalid %s=%q", key, v)
		return
	}
	*dst = d
}
