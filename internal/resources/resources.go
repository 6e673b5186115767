package resources

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/deepchecks/monitoring-oss/internal/config"
)

// Provider bundles the shared process-wide resources: the database pool
// and the redis client backing the queue and lease store. It is built
// once per process, passed by reference, and closed by the process main.
type Provider struct {
	DB    *pgxpool.Pool
	Redis redis.UniversalClient
}

// New connects to the database and the queue/lease store. Both
// connections are verified with a ping before the provider is returned.
func New(ctx context.Context, db config.Database, rd config.Redis) (*Provider, error) {
	pool, err := pgxpool.New(ctx, db.ToDbConnectionUri())
	if err != nil {
		return nil, fmt.Errorf("creating database pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	opt, err := redis.ParseURL(rd.URI)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("parsing redis uri: %w", err)
	}
	opt.MaxRetries = rd.ClusterErrorRetryAttempts
	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		pool.Close()
		_ = client.Close()
		return nil, fmt.Errorf("pinging redis: %w", err)
	}

	return &Provider{DB: pool, Redis: client}, nil
}

// Close releases both connections. Safe to call exactly once on every
// process exit path.
func (p *Provider) Close() {
	if p.Redis != nil {
		_ = p.Redis.Close()
	}
	if p.DB != nil {
		p.DB.Close()
	}
}
