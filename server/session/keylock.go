package session

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// keyLock serializes work per key. Entries are dropped once nobody holds or
// waits for them.
type keyLock struct {
	mu    sync.Mutex
	locks map[string]*keyLockEntry
}

type keyLockEntry struct {
	ch   chan struct{}
	refs int
}

func newKeyLock() *keyLock {
	return &keyLock{locks: make(map[string]*keyLockEntry)}
}

// Lock waits for key until ctx ends or timeout passes. On success the
// returned func releases the lock.
func (k *keyLock) Lock(ctx context.Context, key string, timeout time.Duration) (func(), error) {
	k.mu.Lock()
	e, ok := k.locks[key]
	if !ok {
		e = &keyLockEntry{ch: make(chan struct{}, 1)}
		k.locks[key] = e
	}
	e.refs++
	k.mu.Unlock()

	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}

	select {
	case e.ch <- struct{}{}:
		return func() { k.release(key, e) }, nil
	case <-ctx.Done():
		k.unref(key, e)
		return nil, ctx.Err()
	case <-timer:
		k.unref(key, e)
		return nil, fmt.Errorf("timed out after %s waiting for connection lock: %w", timeout, context.DeadlineExceeded)
	}
}

func (k *keyLock) release(key string, e *keyLockEntry) {
	<-e.ch
	k.unref(key, e)
}

func (k *keyLock) unref(key string, e *keyLockEntry) {
	k.mu.Lock()
	e.refs--
	if e.refs == 0 {
		delete(k.locks, key)
	}
	k.mu.Unlock()
}

func (k *keyLock) size() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}
