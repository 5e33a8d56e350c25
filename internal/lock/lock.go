// Package lock provides the mutual-exclusion primitive that serializes
// deployments of the same module into the same environment. Two backings
// exist behind the same interface: a process-local one for tests and
// single-instance deployments, and a redis one for clustered control planes.
package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/edvin/deployctl/internal/model"
)

// Key builds the lock resource name for a module+environment pair.
func Key(moduleName string, env model.Environment) string {
	return fmt.Sprintf("deploy:%s:%s", moduleName, env)
}

// Locker acquires named resource locks with a bounded wait. A timeout is a
// normal control-flow outcome (acquired=false), never an error.
type Locker interface {
	Acquire(ctx context.Context, resource string, timeout time.Duration) (h *Handle, acquired bool, err error)
}

// Handle represents a held lock. Release is idempotent and must be called on
// every exit path; callers defer it immediately after acquisition.
type Handle struct {
	resource   string
	acquiredAt time.Time

	mu      sync.Mutex
	held    bool
	release func()
}

func newHandle(resource string, release func()) *Handle {
	return &Handle{
		resource:   resource,
		acquiredAt: time.Now(),
		held:       true,
		release:    release,
	}
}

func (h *Handle) Resource() string      { return h.resource }
func (h *Handle) AcquiredAt() time.Time { return h.acquiredAt }

// Held reports whether the handle still owns the lock.
func (h *Handle) Held() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.held
}

// Release frees the lock. Calling it on an already-released handle is a
// no-op; it never releases a lock subsequently acquired by another holder.
func (h *Handle) Release() {
	h.mu.Lock()
	if !h.held {
		h.mu.Unlock()
		return
	}
	h.held = false
	h.mu.Unlock()

	h.release()
}
