package config

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/Netflix/go-env"
	"github.com/joho/godotenv"
)

// Config is the server configuration. Every key can be set in the process
// environment or in a .env file next to the binary.
type Config struct {
	Port     int    `env:"PORT,default=8080"`
	LogLevel string `env:"LOG_LEVEL,default=INFO"`

	DatabaseDSN string `env:"DATABASE_DSN,required=true"`

	// FeedDriver selects the change feed: memory, redis or postgres.
	FeedDriver    string `env:"FEED_DRIVER,default=redis"`
	RedisAddr     string `env:"REDIS_ADDR,default=localhost:6379"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB,default=0"`

	JWTSecret string        `env:"JWT_SECRET,required=true"`
	TokenTTL  time.Duration `env:"TOKEN_TTL,default=720h"`

	SearchTimeout        time.Duration `env:"SEARCH_TIMEOUT,default=30s"`
	MaxMatchAttempts     int           `env:"MAX_MATCH_ATTEMPTS,default=5"`
	StaleRoomAge         time.Duration `env:"STALE_ROOM_AGE,default=24h"`
	OrphanGrace          time.Duration `env:"ORPHAN_GRACE,default=1m"`
	ReconnectGrace       time.Duration `env:"RECONNECT_GRACE,default=15s"`
	PreferOppositeGender bool          `env:"PREFER_OPPOSITE_GENDER,default=false"`
	SweepInterval        time.Duration `env:"SWEEP_INTERVAL,default=1m"`
	OperationTimeout     time.Duration `env:"OPERATION_TIMEOUT,default=10s"`

	DefaultLanguage string `env:"DEFAULT_LANGUAGE,default=en"`
}

// Load reads an optional .env file and decodes the environment into a Config.
// Variables already present in the environment win over the file.
func Load(files ...string) (*Config, error) {
	if err := godotenv.Load(files...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("config: load .env: %w", err)
	}

	var cfg Config
	if _, err := env.UnmarshalFromEnviron(&cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects values the services cannot run with.
func (c *Config) Validate() error {
	switch {
	case c.Port <= 0 || c.Port > 65535:
		return fmt.Errorf("config: PORT %d out of range", c.Port)
	case c.FeedDriver != "memory" && c.FeedDriver != "redis" && c.FeedDriver != "postgres":
		return fmt.Errorf("config: unknown FEED_DRIVER %q", c.FeedDriver)
	case len(c.JWTSecret) < 16:
		return errors.New("config: JWT_SECRET must be at least 16 bytes")
	case c.SearchTimeout <= 0:
		return errors.New("config: SEARCH_TIMEOUT must be positive")
	case c.MaxMatchAttempts <= 0:
		return errors.New("config: MAX_MATCH_ATTEMPTS must be positive")
	case c.TokenTTL <= 0:
		return errors.New("config: TOKEN_TTL must be positive")
	}
	return nil
}

// Addr is the listen address of the HTTP server.
func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}
