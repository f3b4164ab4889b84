package lock

import (
	"context"
	"errors"
	"testing"
	"time"

	"sealog/internal/usecase"
)

func TestMemoryTryAcquireIsExclusive(t *testing.T) {
	locker := NewMemory()
	key := usecase.SignLockKey("t1")

	release, ok, err := locker.TryAcquire(context.Background(), key)
	if err != nil || !ok {
		t.Fatalf("expected first acquire to succeed: %v", err)
	}
	if _, ok, _ := locker.TryAcquire(context.Background(), key); ok {
		t.Fatalf("expected second acquire to be skipped while held")
	}
	if _, ok, _ := locker.TryAcquire(context.Background(), usecase.SignLockKey("t2")); !ok {
		t.Fatalf("expected other tenants to be independent")
	}

	release()
	release()
	again, ok, err := locker.TryAcquire(context.Background(), key)
	if err != nil || !ok {
		t.Fatalf("expected acquire after release: %v", err)
	}
	again()
}

func TestMemoryAcquireBlocksUntilRelease(t *testing.T) {
	locker := NewMemory()
	release, _, _ := locker.TryAcquire(context.Background(), "k")

	acquired := make(chan struct{})
	go func() {
		r, err := locker.Acquire(context.Background(), "k")
		if err == nil {
			r()
		}
		close(acquired)
	}()

	select {
	case <-acquired:
		t.Fatalf("acquire must block while the lock is held")
	case <-time.After(50 * time.Millisecond):
	}
	release()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatalf("acquire did not proceed after release")
	}
}

func TestMemoryAcquireHonoursContext(t *testing.T) {
	locker := NewMemory()
	release, _, _ := locker.TryAcquire(context.Background(), "k")
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := locker.Acquire(ctx, "k"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}
