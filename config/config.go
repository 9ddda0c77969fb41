package config

import (
	"fmt"
	"time"

	"github.com/toolink/cable/pubsub"
)

// Config holds the cabled settings.
type Config struct {
	Addr      string `env:"CABLE_ADDR" envDefault:":8080"`
	MountPath string `env:"CABLE_MOUNT_PATH" envDefault:"/cable"`

	LogLevel  string `env:"CABLE_LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"CABLE_LOG_FORMAT" envDefault:"console"`

	WorkerPoolSize      int           `env:"CABLE_WORKER_POOL_SIZE" envDefault:"4"`
	WorkerQueueSize     int           `env:"CABLE_WORKER_QUEUE_SIZE" envDefault:"1024"`
	ConfirmationTimeout time.Duration `env:"CABLE_CONFIRMATION_TIMEOUT" envDefault:"0s"`
	PingInterval        time.Duration `env:"CABLE_PING_INTERVAL" envDefault:"3s"`
	ShutdownTimeout     time.Duration `env:"CABLE_SHUTDOWN_TIMEOUT" envDefault:"10s"`
	AllowedOrigins      []string      `env:"CABLE_ALLOWED_ORIGINS" envSeparator:","`

	// LimitsFile names a YAML file of rate limit rules. Empty disables limiting.
	LimitsFile string `env:"CABLE_LIMITS_FILE"`

	Redis pubsub.RedisConfig `envPrefix:"REDIS_"`
}

// Validate reports settings that would make the server unusable.
func (c *Config) Validate() error {
	switch {
	case c.Addr == "":
		return fmt.Errorf("%w: CABLE_ADDR is empty", ErrInvalidConfig)
	case c.WorkerPoolSize <= 0:
		return fmt.Errorf("%w: CABLE_WORKER_POOL_SIZE must be positive, got %d", ErrInvalidConfig, c.WorkerPoolSize)
	case c.WorkerQueueSize <= 0:
		return fmt.Errorf("%w: CABLE_WORKER_QUEUE_SIZE must be positive, got %d", ErrInvalidConfig, c.WorkerQueueSize)
	case c.ConfirmationTimeout < 0:
		return fmt.Errorf("%w: CABLE_CONFIRMATION_TIMEOUT is negative", ErrInvalidConfig)
	case c.PingInterval <= 0:
		return fmt.Errorf("%w: CABLE_PING_INTERVAL must be positive", ErrInvalidConfig)
	}
	if c.LogFormat != "console" && c.LogFormat != "json" {
		return fmt.Errorf("%w: CABLE_LOG_FORMAT must be console or json, got %q", ErrInvalidConfig, c.LogFormat)
	}
	return nil
}

// FromEnv loads and validates a Config.
func FromEnv() (*Config, error) {
	var cfg Config
	if err := Load(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
