package lock

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryLocker — блокировки в памяти процесса.
type MemoryLocker struct {
	mu    sync.Mutex
	held  map[string]memoryEntry
	now   func() time.Time
	token uint64
}

type memoryEntry struct {
	token   uint64
	expires time.Time
}

// NewMemoryLocker создаёт MemoryLocker.
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{
		held: make(map[string]memoryEntry),
		now:  time.Now,
	}
}

// Acquire занимает key, если он свободен или его TTL истёк.
func (l *MemoryLocker) Acquire(_ context.Context, key string, ttl time.Duration) (Lease, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if e, ok := l.held[key]; ok && now.Before(e.expires) {
		return nil, false, nil
	}

	l.token++
	l.held[key] = memoryEntry{token: l.token, expires: now.Add(ttl)}
	return &memoryLease{locker: l, key: key, token: l.token}, true, nil
}

type memoryLease struct {
	locker *MemoryLocker
	key    string
	token  uint64
}

func (ml *memoryLease) Extend(_ context.Context, ttl time.Duration) error {
	l := ml.locker
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	e, ok := l.held[ml.key]
	if !ok || e.token != ml.token || !now.Before(e.expires) {
		return fmt.Errorf("%w: %s", ErrNotHeld, ml.key)
	}
	l.held[ml.key] = memoryEntry{token: ml.token, expires: now.Add(ttl)}
	return nil
}

func (ml *memoryLease) Release(context.Context) error {
	l := ml.locker
	l.mu.Lock()
	defer l.mu.Unlock()

	if e, ok := l.held[ml.key]; ok && e.token == ml.token {
		delete(l.held, ml.key)
		return nil
	}
	return fmt.Errorf("%w: %s", ErrNotHeld, ml.key)
}
