package store

import (
	"fmt"
	"os"
	"path/filepath"
)

// Backend names accepted by Open.
const (
	DriverSQLite = "sqlite"
	DriverMySQL  = "mysql"
	DriverRedis  = "redis"
)

// Config addresses a store backend.
type Config struct {
	Driver        string
	DSN           string
	RedisPassword string
	RedisDB       int
}

// Open connects to the configured backend. Any error here is fatal for the
// process: nothing can be deduplicated without a store.
func Open(cfg Config, opts ...Option) (Store, error) {
	switch cfg.Driver {
	case DriverSQLite, "":
		if dir := filepath.Dir(cfg.DSN); dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create store dir: %w", err)
			}
		}
		return NewSQLiteStore(cfg.DSN, opts...)
	case DriverMySQL:
		return NewMySQLStore(cfg.DSN, opts...)
	case DriverRedis:
		return NewRedisStore(RedisOptions{
			Addr:     cfg.DSN,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		}, opts...)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}
