package lock

import (
	"context"
	"sync"
	"time"
)

// MemoryLock implements Locker for tests and single-instance deployments.
// Each resource gets its own entry with a single-slot waiter channel, so a
// release wakes exactly one blocked acquirer.
type MemoryLock struct {
	mu    sync.Mutex
	locks map[string]*lockEntry
}

type lockEntry struct {
	mu      sync.Mutex
	held    bool
	waiters chan struct{}
}

func NewMemoryLock() *MemoryLock {
	return &MemoryLock{locks: make(map[string]*lockEntry)}
}

func (l *MemoryLock) entry(resource string) *lockEntry {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.locks[resource]
	if !ok {
		e = &lockEntry{waiters: make(chan struct{}, 1)}
		l.locks[resource] = e
	}
	return e
}

// Acquire obtains the resource lock, waiting up to timeout for the current
// holder to release it.
func (l *MemoryLock) Acquire(ctx context.Context, resource string, timeout time.Duration) (*Handle, bool, error) {
	e := l.entry(resource)

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		e.mu.Lock()
		if !e.held {
			e.held = true
			e.mu.Unlock()

			return newHandle(resource, func() {
				e.mu.Lock()
				e.held = false
				e.mu.Unlock()
				select {
				case e.waiters <- struct{}{}:
				default:
				}
			}), true, nil
		}
		e.mu.Unlock()

		select {
		case <-e.waiters:
			// Released; retry.
		case <-deadline.C:
			return nil, false, nil
		case <-ctx.Done():
			return nil, false, ctx.Err()
		}
	}
}
