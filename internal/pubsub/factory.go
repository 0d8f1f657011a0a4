package pubsub

import (
	"context"
	"fmt"

	"github.com/fluxbase-eu/realtime-go/internal/config"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// NewPubSub creates the relay backend named by the configuration.
//
// Backend options:
// - "local": in-process delivery (default)
// - "postgres": PostgreSQL LISTEN/NOTIFY on database_url
// - "redis": Redis pub/sub on redis_url
func NewPubSub(ctx context.Context, cfg *config.RelayConfig) (PubSub, error) {
	switch cfg.Backend {
	case "local", "":
		log.Info().Msg("Using local relay backend")
		return NewLocalPubSub(), nil

	case "postgres":
		if cfg.DatabaseURL == "" {
			return nil, fmt.Errorf("database_url is required for postgres relay backend")
		}
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("failed to create PostgreSQL pool: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
		}
		log.Info().Msg("Using PostgreSQL relay backend")
		ps := NewPostgresPubSub(pool)
		ps.ownsPool = true
		return ps, nil

	case "redis":
		if cfg.RedisURL == "" {
			return nil, fmt.Errorf("redis_url is required for redis relay backend")
		}
		log.Info().Msg("Using Redis relay backend")
		ps, err := NewRedisPubSub(ctx, cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to Redis for relay: %w", err)
		}
		return ps, nil

	default:
		return nil, fmt.Errorf("unknown relay backend: %s (valid options: local, postgres, redis)", cfg.Backend)
	}
}
