package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

// Options selects and configures a Store.
type Options struct {
	PostgresURL string
	SQLitePath  string
	RedisURL    string
	CacheTTL    time.Duration
	// Migrate applies the schema on Postgres before use.
	Migrate bool
}

// Open builds the Store described by opts: PostgreSQL if a URL is set, else
// SQLite if a path is set, else memory. A Redis URL wraps the result in a
// read-through cache. The returned close func releases every connection.
func Open(ctx context.Context, opts Options) (Store, func(), error) {
	var (
		st      Store
		cleanup []func()
	)
	closeAll := func() {
		for i := len(cleanup) - 1; i >= 0; i-- {
			cleanup[i]()
		}
	}

	switch {
	case opts.PostgresURL != "":
		pool, err := pgxpool.New(ctx, opts.PostgresURL)
		if err != nil {
			return nil, nil, fmt.Errorf("database connection failed: %w", err)
		}
		cleanup = append(cleanup, pool.Close)
		if err := pool.Ping(ctx); err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("database ping failed: %w", err)
		}
		pg := NewPostgresStore(pool)
		if opts.Migrate {
			if err := pg.Migrate(ctx); err != nil {
				closeAll()
				return nil, nil, fmt.Errorf("migrate: %w", err)
			}
		}
		st = pg
		slog.Info("connected to PostgreSQL")

	case opts.SQLitePath != "":
		lite, err := NewSQLiteStore(opts.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		cleanup = append(cleanup, func() { lite.Close() })
		st = lite
		slog.Info("using SQLite store", "path", opts.SQLitePath)

	default:
		slog.Warn("no database configured, using in-memory store (data will not persist)")
		st = NewMemoryStore()
	}

	// Wrap with Redis read-through cache if configured.
	if opts.RedisURL != "" {
		opt, err := redis.ParseURL(opts.RedisURL)
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		rdb := redis.NewClient(opt)
		cleanup = append(cleanup, func() { rdb.Close() })
		st = NewCachedStore(st, rdb, opts.CacheTTL)
		slog.Info("Redis cache enabled", "ttl", opts.CacheTTL)
	}
	return st, closeAll, nil
}
