package appointment

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// Locker guards the booking critical section per slot. It narrows
// contention before the database row lock; correctness does not depend on it.
type Locker interface {
	WithSlotLock(ctx context.Context, slotID uuid.UUID, fn func(ctx context.Context) error) error
}

// LocalSlotLocker serializes callers per slot inside one process.
type LocalSlotLocker struct {
	mu    sync.Mutex
	slots map[uuid.UUID]*slotLock
}

type slotLock struct {
	ch      chan struct{}
	waiters int
}

func NewLocalSlotLocker() *LocalSlotLocker {
	return &LocalSlotLocker{slots: make(map[uuid.UUID]*slotLock)}
}

func (l *LocalSlotLocker) WithSlotLock(ctx context.Context, slotID uuid.UUID, fn func(ctx context.Context) error) error {
	l.mu.Lock()
	sl, ok := l.slots[slotID]
	if !ok {
		sl = &slotLock{ch: make(chan struct{}, 1)}
		l.slots[slotID] = sl
	}
	sl.waiters++
	l.mu.Unlock()

	defer l.release(slotID, sl)

	select {
	case sl.ch <- struct{}{}:
	case <-ctx.Done():
		return ErrContention
	}
	defer func() { <-sl.ch }()

	return fn(ctx)
}

func (l *LocalSlotLocker) release(slotID uuid.UUID, sl *slotLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	sl.waiters--
	if sl.waiters == 0 {
		delete(l.slots, slotID)
	}
}

type noLocker struct{}

func (noLocker) WithSlotLock(ctx context.Context, _ uuid.UUID, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

// NoLocker leaves all serialization to the repository transaction.
func NoLocker() Locker { return noLocker{} }
