// Package lock provides short-lived exclusive leases that serialize claim
// attempts for the same claimant.
package lock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrLockHeld is returned when another holder owns the key.
var ErrLockHeld = errors.New("lock held")

// Lease is an acquired lock. Release is safe to call more than once and never
// frees a lease that has since been taken over by another holder.
type Lease interface {
	Release(ctx context.Context) error
}

// Locker acquires leases without waiting.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, error)
}

type entry struct {
	token   string
	expires time.Time
}

// MemoryLocker is a process-local Locker with TTL expiry.
type MemoryLocker struct {
	mu      sync.Mutex
	entries map[string]entry
	now     func() time.Time
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{entries: make(map[string]entry), now: time.Now}
}

func (l *MemoryLocker) Acquire(_ context.Context, key string, ttl time.Duration) (Lease, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if cur, ok := l.entries[key]; ok && now.Before(cur.expires) {
		return nil, ErrLockHeld
	}
	token := uuid.NewString()
	l.entries[key] = entry{token: token, expires: now.Add(ttl)}
	return &memoryLease{locker: l, key: key, token: token}, nil
}

type memoryLease struct {
	locker *MemoryLocker
	key    string
	token  string
}

func (m *memoryLease) Release(context.Context) error {
	m.locker.mu.Lock()
	defer m.locker.mu.Unlock()
	if cur, ok := m.locker.entries[m.key]; ok && cur.token == m.token {
		delete(m.locker.entries, m.key)
	}
	return nil
}
