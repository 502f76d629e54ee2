// Package lease serializes reconciliation operations per account. A lease
// is held for the whole operation, from the first lot read to commit.
package lease

import (
	"context"
	"sync"
)

// Locker grants exclusive per-account leases. Acquire blocks until the
// lease is granted or ctx is done; the returned release func must be
// called exactly once.
type Locker interface {
	Acquire(ctx context.Context, accountID string) (release func(), err error)
}

// MemoryLocker serializes operations within one process.
type MemoryLocker struct {
	mu    sync.Mutex
	slots map[string]*slot
}

type slot struct {
	ch      chan struct{}
	waiters int
}

// NewMemoryLocker creates an in-process locker.
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{slots: make(map[string]*slot)}
}

func (l *MemoryLocker) Acquire(ctx context.Context, accountID string) (func(), error) {
	l.mu.Lock()
	s, ok := l.slots[accountID]
	if !ok {
		s = &slot{ch: make(chan struct{}, 1)}
		l.slots[accountID] = s
	}
	s.waiters++
	l.mu.Unlock()

	select {
	case s.ch <- struct{}{}:
	case <-ctx.Done():
		l.leave(accountID, s)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-s.ch
			l.leave(accountID, s)
		})
	}, nil
}

// leave forgets the slot once nobody holds or waits for it.
func (l *MemoryLocker) leave(accountID string, s *slot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s.waiters--
	if s.waiters == 0 {
		delete(l.slots, accountID)
	}
}

// Held returns the number of accounts with a holder or a waiter.
func (l *MemoryLocker) Held() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.slots)
}
