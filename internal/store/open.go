package store

import (
	"fmt"
	"time"

	"go.uber.org/zap"
)

const (
	DriverSQLite = "sqlite"
	DriverBadger = "badger"
)

// Config selects and configures a backend for OpenStore.
type Config struct {
	Driver string
	Path   string
	Retry  RetryConfig
	Logger *zap.Logger
}

// OpenStore opens the configured backend wrapped with retries.
func OpenStore(cfg Config) (Store, error) {
	var (
		s   Store
		err error
	)
	switch cfg.Driver {
	case "", DriverSQLite:
		s, err = Open(cfg.Path)
	case DriverBadger:
		s, err = OpenBadger(BadgerConfig{
			Path:       cfg.Path,
			SyncWrites: true,
			GCInterval: 5 * time.Minute,
			Logger:     cfg.Logger,
		})
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, err
	}
	return WithRetry(s, cfg.Retry), nil
}
