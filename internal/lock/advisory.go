package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	// lock_not_available, raised when lock_timeout expires.
	pgLockNotAvailable = "55P03"
	pgDeadlockDetected = "40P01"
)

// Session runs statements inside one open transaction, usually a pgx.Tx.
type Session interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// TxLocker hands out leases owned by the caller's transaction. They end with
// its commit or rollback, so waiting for one needs no extra connection.
type TxLocker interface {
	Locker
	AcquireTx(ctx context.Context, s Session, key string) error
}

// AdvisoryLocker serializes keys with pg_advisory_xact_lock. If the process
// dies the server ends its sessions and the locks go with them.
type AdvisoryLocker struct {
	pool *pgxpool.Pool
	wait time.Duration
}

var _ TxLocker = (*AdvisoryLocker)(nil)

func NewAdvisoryLocker(pool *pgxpool.Pool, wait time.Duration) *AdvisoryLocker {
	return &AdvisoryLocker{pool: pool, wait: wait}
}

// AcquireTx locks key inside s, waiting at most the configured time.
func (l *AdvisoryLocker) AcquireTx(ctx context.Context, s Session, key string) error {
	return acquireXact(ctx, s, key, l.wait)
}

// Acquire is for callers without a transaction: it opens one just to hold the
// lease and rolls it back on release. Connection and lock share one wait.
func (l *AdvisoryLocker) Acquire(ctx context.Context, key string) (Release, error) {
	start := time.Now()

	beginCtx, cancel := context.WithTimeout(ctx, l.wait)
	tx, err := l.pool.Begin(beginCtx)
	cancel()
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, ErrNotAcquired
		}
		return nil, fmt.Errorf("begin lock transaction: %w", err)
	}

	rollback := func() {
		rbCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		// A failed rollback closes the connection, which frees the lock too.
		_ = tx.Rollback(rbCtx)
	}

	remaining := l.wait - time.Since(start)
	if remaining <= 0 {
		rollback()
		return nil, ErrNotAcquired
	}
	if err := acquireXact(ctx, tx, key, remaining); err != nil {
		rollback()
		return nil, err
	}

	var once sync.Once
	return func() { once.Do(rollback) }, nil
}

func acquireXact(ctx context.Context, s Session, key string, wait time.Duration) error {
	// lock_timeout = 0 would mean no limit at all.
	timeout := fmt.Sprintf("%dms", max(wait.Milliseconds(), 1))
	if _, err := s.Exec(ctx, `SELECT set_config('lock_timeout', $1, true)`, timeout); err != nil {
		return fmt.Errorf("set lock_timeout: %w", err)
	}
	if _, err := s.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, key); err != nil {
		return translateLockErr(key, err)
	}
	// Row locks taken later in the transaction keep the server default.
	if _, err := s.Exec(ctx, `SET LOCAL lock_timeout TO DEFAULT`); err != nil {
		return fmt.Errorf("reset lock_timeout: %w", err)
	}
	return nil
}

func translateLockErr(key string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgLockNotAvailable, pgDeadlockDetected:
			return ErrNotAcquired
		}
	}
	return fmt.Errorf("acquire advisory lock %s: %w", key, err)
}
