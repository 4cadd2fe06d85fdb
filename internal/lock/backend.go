package lock

import (
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

const (
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
	BackendLocal    = "local"
)

// Options selects and tunes a backend. Pool is needed for postgres and
// Redis for redis.
type Options struct {
	Backend string
	Wait    time.Duration
	TTL     time.Duration
	Pool    *pgxpool.Pool
	Redis   *redis.Client
}

func New(opts Options) (Locker, error) {
	switch opts.Backend {
	case BackendPostgres:
		if opts.Pool == nil {
			return nil, fmt.Errorf("lock backend %q needs a postgres pool", opts.Backend)
		}
		return NewAdvisoryLocker(opts.Pool, opts.Wait), nil
	case BackendRedis:
		if opts.Redis == nil {
			return nil, fmt.Errorf("lock backend %q needs a redis client", opts.Backend)
		}
		return NewRedisLocker(opts.Redis, opts.TTL, opts.Wait), nil
	case BackendLocal:
		return NewLocalLocker(opts.Wait), nil
	default:
		return nil, fmt.Errorf("unknown lock backend %q", opts.Backend)
	}
}
