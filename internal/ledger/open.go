package ledger

import (
	"context"

	"github.com/pkg/errors"

	"commodex/internal/db"
)

const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

// Open connects the named backend. Postgres gets its schema applied.
func Open(ctx context.Context, backend, databaseURL, redisURL string) (Ledger, error) {
	switch backend {
	case "", BackendMemory:
		return NewMemory(), nil
	case BackendPostgres:
		pool, err := db.Connect(ctx, databaseURL)
		if err != nil {
			return nil, err
		}
		if err := db.Migrate(ctx, pool); err != nil {
			pool.Close()
			return nil, err
		}
		return NewPostgres(pool), nil
	case BackendRedis:
		return NewRedis(ctx, redisURL)
	}
	return nil, errors.Errorf("unknown ledger backend %q", backend)
}
