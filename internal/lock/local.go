package lock

import (
	"context"
	"sync"
	"time"
)

// LocalLocker serializes keys inside one process. It suits a single API
// instance and tests; it offers nothing across processes.
type LocalLocker struct {
	mu    sync.Mutex
	wait  time.Duration
	slots map[string]*localSlot
}

type localSlot struct {
	ch   chan struct{}
	refs int
}

func NewLocalLocker(wait time.Duration) *LocalLocker {
	return &LocalLocker{
		wait:  wait,
		slots: make(map[string]*localSlot),
	}
}

func (l *LocalLocker) Acquire(ctx context.Context, key string) (Release, error) {
	slot := l.ref(key)

	timer := time.NewTimer(l.wait)
	defer timer.Stop()

	select {
	case slot.ch <- struct{}{}:
		var once sync.Once
		return func() {
			once.Do(func() {
				<-slot.ch
				l.unref(key, slot)
			})
		}, nil
	case <-timer.C:
		l.unref(key, slot)
		return nil, ErrNotAcquired
	case <-ctx.Done():
		l.unref(key, slot)
		return nil, ctx.Err()
	}
}

func (l *LocalLocker) ref(key string) *localSlot {
	l.mu.Lock()
	defer l.mu.Unlock()

	slot, ok := l.slots[key]
	if !ok {
		slot = &localSlot{ch: make(chan struct{}, 1)}
		l.slots[key] = slot
	}
	slot.refs++
	return slot
}

func (l *LocalLocker) unref(key string, slot *localSlot) {
	l.mu.Lock()
	defer l.mu.Unlock()

	slot.refs--
	if slot.refs == 0 {
		delete(l.slots, key)
	}
}
