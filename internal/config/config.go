// Package config loads the client's runtime configuration from the
// environment (and, in dev mode, a .env file), using struct tags rather
// than a hand-rolled flag/file parser.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config is the flat environment-driven configuration surface for the
// client. Defaults mirror the values documented for each component.
type Config struct {
	Host string `env:"HYDROGEN_HOST" envDefault:"localhost"`
	Port int    `env:"HYDROGEN_PORT" envDefault:"7880"`

	Token    string `env:"HYDROGEN_TOKEN"`
	UserID   string `env:"HYDROGEN_USER_ID"`
	DeviceID string `env:"HYDROGEN_DEVICE_ID"`

	ReconnectInterval    time.Duration `env:"HYDROGEN_RECONNECT_INTERVAL" envDefault:"5s"`
	MaxReconnectAttempts int           `env:"HYDROGEN_MAX_RECONNECT_ATTEMPTS" envDefault:"0"`

	DefaultQoS    int           `env:"HYDROGEN_DEFAULT_QOS" envDefault:"0"`
	MaxRetries    int           `env:"HYDROGEN_MAX_RETRIES" envDefault:"3"`
	RetryInterval time.Duration `env:"HYDROGEN_RETRY_INTERVAL" envDefault:"1s"`

	WorkerPoolSize  int           `env:"HYDROGEN_WORKER_POOL_SIZE" envDefault:"8"`
	ResponseTimeout time.Duration `env:"HYDROGEN_RESPONSE_TIMEOUT" envDefault:"10s"`

	Dev         bool   `env:"HYDROGEN_DEV" envDefault:"false"`
	LogLevel    string `env:"HYDROGEN_LOG_LEVEL" envDefault:"info"`
	MetricsAddr string `env:"HYDROGEN_METRICS_ADDR"`
}

// Load parses configuration from the environment. In dev mode it loads a
// .env file first (missing file is not an error) and forces Dev=true
// regardless of what HYDROGEN_DEV says.
func Load(dev bool) (*Config, error) {
	if dev {
		_ = godotenv.Load()
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("config: parse environment: %w", err)
	}
	if dev {
		cfg.Dev = true
	}
	return cfg, nil
}

// WebSocketURL builds the ws:// URL the Connection Manager dials.
func (c *Config) WebSocketURL() string {
	return fmt.Sprintf("ws://%s:%d/ws", c.Host, c.Port)
}
