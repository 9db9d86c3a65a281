package cli

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/aridsondez/leaseq/internal/config"
	"github.com/aridsondez/leaseq/internal/queue/store"
	"github.com/aridsondez/leaseq/internal/queue/store/bolt"
	"github.com/aridsondez/leaseq/internal/queue/store/postgres"
	"github.com/aridsondez/leaseq/internal/queue/store/redis"
)

// openStore connects the configured backend. The returned func releases
// the connection and must be called once the store is no longer used.
func openStore(ctx context.Context, cfg *config.Config) (store.Store, func(), error) {
	connectCtx, cancel := context.WithTimeout(ctx, cfg.DBConnectionTimeout)
	defer cancel()

	switch cfg.StoreBackend {
	case config.BackendPostgres:
		pool, err := pgxpool.New(connectCtx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("pgxpool.New: %w", err)
		}
		if err := pool.Ping(connectCtx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("pgx ping: %w", err)
		}
		st := postgres.New(pool, postgres.Options{})
		if err := st.Migrate(connectCtx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("migrate: %w", err)
		}
		log.Info().Str("backend", cfg.StoreBackend).Msg("store ready")
		return st, pool.Close, nil

	case config.BackendRedis:
		rdb := goredis.NewClient(&goredis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := rdb.Ping(connectCtx).Err(); err != nil {
			_ = rdb.Close()
			return nil, nil, fmt.Errorf("redis ping: %w", err)
		}
		st := redis.New(rdb, redis.Options{Prefix: cfg.Redis.Prefix})
		log.Info().Str("backend", cfg.StoreBackend).Str("addr", cfg.Redis.Addr).Msg("store ready")
		return st, func() { _ = rdb.Close() }, nil

	case config.BackendBolt:
		st, err := bolt.Open(cfg.BoltPath)
		if err != nil {
			return nil, nil, fmt.Errorf("open %s: %w", cfg.BoltPath, err)
		}
		log.Info().Str("backend", cfg.StoreBackend).Str("path", cfg.BoltPath).Msg("store ready")
		return st, func() { _ = st.Close() }, nil
	}
	return nil, nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
}
