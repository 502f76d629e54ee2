package lease

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestMemoryLocker_Exclusive(t *testing.T) {
	l := NewMemoryLocker()
	ctx := context.Background()

	var (
		mu      sync.Mutex
		inside  int
		maxSeen int
		wg      sync.WaitGroup
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := l.Acquire(ctx, "acc-1")
			if err != nil {
				t.Errorf("acquire failed: %v", err)
				return
			}
			mu.Lock()
			inside++
			if inside > maxSeen {
				maxSeen = inside
			}
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			inside--
			mu.Unlock()
			release()
		}()
	}
	wg.Wait()

	if maxSeen != 1 {
		t.Errorf("expected at most one holder, saw %d", maxSeen)
	}
	if l.Held() != 0 {
		t.Errorf("expected all slots released, %d remain", l.Held())
	}
}

func TestMemoryLocker_AccountsIndependent(t *testing.T) {
	l := NewMemoryLocker()
	ctx := context.Background()

	r1, err := l.Acquire(ctx, "acc-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer r1()

	ctx2, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	r2, err := l.Acquire(ctx2, "acc-2")
	if err != nil {
		t.Fatalf("other account should not wait: %v", err)
	}
	r2()
}

func TestMemoryLocker_ContextCancelled(t *testing.T) {
	l := NewMemoryLocker()
	release, err := l.Acquire(context.Background(), "acc-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := l.Acquire(ctx, "acc-1"); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}

	release()
	release() // second call is a no-op

	if l.Held() != 0 {
		t.Errorf("expected no slots, got %d", l.Held())
	}
}

func TestLeaseKey(t *testing.T) {
	if got := leaseKey("acc-1"); got != "lease:account:acc-1" {
		t.Errorf("unexpected key %s", got)
	}
}
