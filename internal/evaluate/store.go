package evaluate

import (
	"context"
	"errors"
	"fmt"

	"weather_forecaster/internal/config"
)

// Store persists metric records per city and model. Concurrent writes to the
// same key are not coordinated; the last writer wins.
type Store interface {
	Save(ctx context.Context, city, modelName string, rec Record) error
	// Load returns nil, nil when no record exists.
	Load(ctx context.Context, city, modelName string) (Record, error)
	// All returns every record keyed by city, then model.
	All(ctx context.Context) (map[string]map[string]Record, error)
}

var ErrUnknownBackend = errors.New("unknown metrics backend")

// Open returns the store selected by cfg.MetricsStore.Backend.
func Open(cfg config.Config) (Store, error) {
	switch cfg.MetricsStore.Backend {
	case "", "file":
		return NewFileStore(cfg.Paths.MetricsDir), nil
	case "redis":
		ms := cfg.MetricsStore
		return NewRedisStore(ms.RedisAddr, ms.RedisPassword, ms.RedisDB)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownBackend, cfg.MetricsStore.Backend)
	}
}

// Close releases the store's connections, if it holds any.
func Close(s Store) error {
	if c, ok := s.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}

func put(all map[string]map[string]Record, city, modelName string, rec Record) {
	byModel, ok := all[city]
	if !ok {
		byModel = make(map[string]Record)
		all[city] = byModel
	}
	byModel[modelName] = rec
}
