package lock

import (
	"context"
	"sync"

	"sealog/internal/usecase"
)

// Memory is a process-local Locker.
type Memory struct {
	mu    sync.Mutex
	slots map[string]chan struct{}
}

func NewMemory() *Memory {
	return &Memory{slots: make(map[string]chan struct{})}
}

func (m *Memory) slot(key string) chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.slots[key]
	if !ok {
		ch = make(chan struct{}, 1)
		m.slots[key] = ch
	}
	return ch
}

func (m *Memory) TryAcquire(_ context.Context, key string) (usecase.Release, bool, error) {
	ch := m.slot(key)
	select {
	case ch <- struct{}{}:
		return releaseOnce(func() { <-ch }), true, nil
	default:
		return nil, false, nil
	}
}

func (m *Memory) Acquire(ctx context.Context, key string) (usecase.Release, error) {
	ch := m.slot(key)
	select {
	case ch <- struct{}{}:
		return releaseOnce(func() { <-ch }), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func releaseOnce(fn func()) usecase.Release {
	var once sync.Once
	return func() { once.Do(fn) }
}
