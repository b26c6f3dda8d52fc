package storage

import (
	"fmt"

	"github.com/songzhibin97/process-engine/config"
)

// Open builds the backend selected by cfg.Driver. The returned close function
// releases its connections.
func Open(cfg config.Storage) (Storage, func() error, error) {
	switch cfg.Driver {
	case "", "memory":
		return NewMemoryStorage(), func() error { return nil }, nil
	case "redis":
		s, err := NewRedisStorage(RedisOptions{
			Addr:         cfg.Redis.Addr,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			PoolSize:     cfg.Redis.PoolSize,
			MinIdleConns: cfg.Redis.MinIdleConns,
			IdleTimeout:  cfg.Redis.IdleTimeout,
			LockTTL:      cfg.Redis.LockTTL,
		})
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	case "sqlite":
		s, err := OpenSQLite(cfg.SQLite.DSN)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	}
	return nil, nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
}
