// Package locks provides per-workflow run locks used to harden the
// duplicate guard beyond its best-effort check.
package locks

import (
	"context"
	"sync"
	"time"
)

// DefaultTTL bounds how long a crashed holder can keep a lock.
const DefaultTTL = 10 * time.Minute

// RunLock serializes guard-check-then-run per key.
type RunLock interface {
	// TryAcquire takes key for ttl. ok is false when another holder has it.
	// release is safe to call more than once and never releases a lock
	// re-acquired by someone else after expiry.
	TryAcquire(ctx context.Context, key string, ttl time.Duration) (release func(), ok bool, err error)
}

// Key returns the lock key for a workflow.
func Key(workflowID string) string { return "hookflow:run:" + workflowID }

// MemoryLock is a process-local RunLock.
type MemoryLock struct {
	mu    sync.Mutex
	held  map[string]memoryHold
	seq   uint64
	clock func() time.Time
}

type memoryHold struct {
	token   uint64
	expires time.Time
}

// NewMemoryLock creates a MemoryLock.
func NewMemoryLock() *MemoryLock {
	return &MemoryLock{held: make(map[string]memoryHold), clock: time.Now}
}

// TryAcquire implements RunLock.
func (l *MemoryLock) TryAcquire(_ context.Context, key string, ttl time.Duration) (func(), bool, error) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock()
	if h, ok := l.held[key]; ok && now.Before(h.expires) {
		return func() {}, false, nil
	}
	l.seq++
	token := l.seq
	l.held[key] = memoryHold{token: token, expires: now.Add(ttl)}

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			if h, ok := l.held[key]; ok && h.token == token {
				delete(l.held, key)
			}
		})
	}, true, nil
}
