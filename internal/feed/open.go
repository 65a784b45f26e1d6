package feed

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

// Drivers accepted by Open.
const (
	DriverMemory   = "memory"
	DriverRedis    = "redis"
	DriverPostgres = "postgres"
)

// Options selects and configures the feed backend.
type Options struct {
	Driver string
	// Redis is required by the redis driver.
	Redis *redis.Client
	// DB and DSN are required by the postgres driver.
	DB  *gorm.DB
	DSN string
}

// Open builds the feed named by opts.Driver.
func Open(ctx context.Context, opts Options, log *slog.Logger) (Feed, error) {
	switch opts.Driver {
	case DriverMemory, "":
		return NewBroker(defaultBufferSize), nil
	case DriverRedis:
		if opts.Redis == nil {
			return nil, fmt.Errorf("feed: redis driver needs a redis client")
		}
		return NewRedisFeed(ctx, opts.Redis, log)
	case DriverPostgres:
		if opts.DB == nil || opts.DSN == "" {
			return nil, fmt.Errorf("feed: postgres driver needs a database and dsn")
		}
		return NewPostgresFeed(opts.DB, opts.DSN, log)
	}
	return nil, fmt.Errorf("feed: unknown driver %q", opts.Driver)
}
