package lock

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestRedisLocker_AcquireAndRelease(t *testing.T) {
	mr, client := newTestRedis(t)
	l := NewRedisLocker(client, 10*time.Second, 100*time.Millisecond)

	release, err := l.Acquire(context.Background(), "slot:7:2025-03-10")
	require.NoError(t, err)
	assert.True(t, mr.Exists("lock:slot:7:2025-03-10"))

	release()
	assert.False(t, mr.Exists("lock:slot:7:2025-03-10"))
}

func TestRedisLocker_ContendedKeyTimesOut(t *testing.T) {
	_, client := newTestRedis(t)
	l := NewRedisLocker(client, 10*time.Second, 80*time.Millisecond)

	release, err := l.Acquire(context.Background(), "k")
	require.NoError(t, err)
	defer release()

	_, err = l.Acquire(context.Background(), "k")
	assert.ErrorIs(t, err, ErrNotAcquired)
}

func TestRedisLocker_WaiterGetsLockAfterRelease(t *testing.T) {
	_, client := newTestRedis(t)
	l := NewRedisLocker(client, 10*time.Second, 2*time.Second)

	release, err := l.Acquire(context.Background(), "k")
	require.NoError(t, err)

	go func() {
		time.Sleep(50 * time.Millisecond)
		release()
	}()

	second, err := l.Acquire(context.Background(), "k")
	require.NoError(t, err)
	second()
}

func TestRedisLocker_ReleaseDoesNotStealForeignLock(t *testing.T) {
	mr, client := newTestRedis(t)
	l := NewRedisLocker(client, time.Second, 50*time.Millisecond)

	release, err := l.Acquire(context.Background(), "k")
	require.NoError(t, err)

	// TTL expiry hands the key to someone else.
	mr.FastForward(2 * time.Second)
	other, err := l.Acquire(context.Background(), "k")
	require.NoError(t, err)
	defer other()

	release()
	assert.True(t, mr.Exists("lock:k"), "stale holder must not delete the new owner's key")
}
