// internal/store/open.go
package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/xkilldash9x/scriptmonkey/internal/config"
	"go.uber.org/zap"
)

// Open builds the Storage selected by cfg.Backend.
func Open(ctx context.Context, cfg config.StorageConfig, logger *zap.Logger) (Storage, error) {
	switch config.StorageBackend(strings.ToLower(string(cfg.Backend))) {
	case config.StorageMemory:
		return NewMemory(), nil
	case config.StorageSQLite, "":
		return OpenSQLite(ctx, cfg.Path, logger)
	case config.StoragePostgres:
		pool, err := pgxpool.New(ctx, cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("failed to create connection pool: %w", err)
		}
		s, err := NewPostgres(ctx, pool, logger)
		if err != nil {
			pool.Close()
			return nil, err
		}
		return s, nil
	case config.StorageRedis:
		return OpenRedis(ctx, cfg.RedisURL, cfg.KeyPrefix, logger)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}
