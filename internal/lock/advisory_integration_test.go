//go:build integration

package lock

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Run with TEST_DATABASE_DSN pointing at any reachable Postgres:
//
//	go test -tags integration ./internal/lock/
func newTestPool(t *testing.T, maxConns int32) *pgxpool.Pool {
	t.Helper()

	dsn := os.Getenv("TEST_DATABASE_DSN")
	if dsn == "" {
		t.Skip("TEST_DATABASE_DSN not set")
	}

	cfg, err := pgxpool.ParseConfig(dsn)
	require.NoError(t, err)
	cfg.MaxConns = maxConns
	cfg.MinConns = 0

	pool, err := pgxpool.NewWithConfig(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	return pool
}

func TestAdvisoryLocker_ContendedKeyTimesOut(t *testing.T) {
	pool := newTestPool(t, 4)
	l := NewAdvisoryLocker(pool, 150*time.Millisecond)
	ctx := context.Background()

	holder, err := pool.Begin(ctx)
	require.NoError(t, err)
	defer holder.Rollback(ctx) //nolint:errcheck
	require.NoError(t, l.AcquireTx(ctx, holder, "slot:1:2025-03-10"))

	waiter, err := pool.Begin(ctx)
	require.NoError(t, err)
	defer waiter.Rollback(ctx) //nolint:errcheck

	start := time.Now()
	err = l.AcquireTx(ctx, waiter, "slot:1:2025-03-10")
	assert.ErrorIs(t, err, ErrNotAcquired)
	assert.Less(t, time.Since(start), time.Second)

	// A different key is independent.
	other, err := pool.Begin(ctx)
	require.NoError(t, err)
	defer other.Rollback(ctx) //nolint:errcheck
	assert.NoError(t, l.AcquireTx(ctx, other, "slot:1:2025-03-17"))
}

func TestAdvisoryLocker_WaiterGetsLockAfterCommit(t *testing.T) {
	pool := newTestPool(t, 4)
	l := NewAdvisoryLocker(pool, 3*time.Second)
	ctx := context.Background()

	holder, err := pool.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, l.AcquireTx(ctx, holder, "k"))

	go func() {
		time.Sleep(50 * time.Millisecond)
		_ = holder.Commit(ctx)
	}()

	waiter, err := pool.Begin(ctx)
	require.NoError(t, err)
	defer waiter.Rollback(ctx) //nolint:errcheck
	assert.NoError(t, l.AcquireTx(ctx, waiter, "k"))
}

func TestAdvisoryLocker_FreedWhenSessionCloses(t *testing.T) {
	pool := newTestPool(t, 4)
	l := NewAdvisoryLocker(pool, 2*time.Second)
	ctx := context.Background()

	conn, err := pool.Acquire(ctx)
	require.NoError(t, err)
	raw := conn.Hijack()

	tx, err := raw.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, l.AcquireTx(ctx, tx, "k"))

	// The holder vanishes without committing or rolling back.
	require.NoError(t, raw.Close(ctx))

	release, err := l.Acquire(ctx, "k")
	require.NoError(t, err)
	release()
}

func TestAdvisoryLocker_AcquireWithoutTransaction(t *testing.T) {
	pool := newTestPool(t, 4)
	l := NewAdvisoryLocker(pool, 150*time.Millisecond)
	ctx := context.Background()

	release, err := l.Acquire(ctx, "agenda:1:lunes")
	require.NoError(t, err)

	_, err = l.Acquire(ctx, "agenda:1:lunes")
	assert.ErrorIs(t, err, ErrNotAcquired)

	release()
	release()

	again, err := l.Acquire(ctx, "agenda:1:lunes")
	require.NoError(t, err)
	again()
}

// More callers than connections: each waiter holds only its own
// transaction's connection, so the queue drains instead of timing out.
func TestAdvisoryLocker_MoreWaitersThanConnections(t *testing.T) {
	const callers = 24
	pool := newTestPool(t, 4)
	l := NewAdvisoryLocker(pool, 5*time.Second)
	ctx := context.Background()

	var (
		wg        sync.WaitGroup
		inside    int32
		maxInside int32
		failures  int32
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tx, err := pool.Begin(ctx)
			if err != nil {
				atomic.AddInt32(&failures, 1)
				return
			}
			defer tx.Rollback(ctx) //nolint:errcheck

			if err := l.AcquireTx(ctx, tx, "slot:9:2025-03-10"); err != nil {
				atomic.AddInt32(&failures, 1)
				return
			}
			n := atomic.AddInt32(&inside, 1)
			for {
				m := atomic.LoadInt32(&maxInside)
				if n <= m || atomic.CompareAndSwapInt32(&maxInside, m, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			atomic.AddInt32(&inside, -1)
			_ = tx.Commit(ctx)
		}()
	}
	wg.Wait()

	assert.Zero(t, failures)
	assert.EqualValues(t, 1, maxInside)
}
