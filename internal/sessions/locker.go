package sessions

import (
	"context"
	"sync"
)

// Locker serializes turns that target the same session.
type Locker interface {
	Lock(ctx context.Context, key string) error
	Unlock(key string)
}

// LocalLocker is an in-process Locker. Each key gets a one-slot channel
// that is released when the last waiter leaves.
type LocalLocker struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	ch   chan struct{}
	refs int
}

// NewLocalLocker creates an empty LocalLocker.
func NewLocalLocker() *LocalLocker {
	return &LocalLocker{locks: make(map[string]*keyLock)}
}

// Lock blocks until the key is free or ctx is done.
func (l *LocalLocker) Lock(ctx context.Context, key string) error {
	l.mu.Lock()
	lk, ok := l.locks[key]
	if !ok {
		lk = &keyLock{ch: make(chan struct{}, 1)}
		l.locks[key] = lk
	}
	lk.refs++
	l.mu.Unlock()

	select {
	case lk.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		l.release(key, lk)
		return ctx.Err()
	}
}

// Unlock releases the key. Unlocking a key that is not held is a no-op.
func (l *LocalLocker) Unlock(key string) {
	l.mu.Lock()
	lk, ok := l.locks[key]
	l.mu.Unlock()
	if !ok {
		return
	}
	select {
	case <-lk.ch:
		l.release(key, lk)
	default:
	}
}

func (l *LocalLocker) release(key string, lk *keyLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	lk.refs--
	if lk.refs <= 0 {
		delete(l.locks, key)
	}
}

