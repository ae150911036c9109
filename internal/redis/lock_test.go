package redisclient

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/hackgods/provider-slot-booking/internal/appointment"
)

func TestSlotKey(t *testing.T) {
	id := uuid.MustParse("6f1c7a52-93a4-4b8e-9d7d-1b0c2f3e4a5b")
	assert.Equal(t, "lock:slot:6f1c7a52-93a4-4b8e-9d7d-1b0c2f3e4a5b", slotKey(id))
}

// liveLocker needs a reachable Redis in TEST_REDIS_ADDR.
func liveLocker(t *testing.T, wait time.Duration) *SlotLocker {
	t.Helper()
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set")
	}
	rdb, err := NewRedisClient(context.Background(), addr, "", "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = rdb.Close() })
	return NewSlotLocker(rdb, 2*time.Second, wait, zap.NewNop())
}

func TestSlotLocker_SerializesHolders(t *testing.T) {
	l := liveLocker(t, 2*time.Second)
	slotID := uuid.New()

	var (
		wg      sync.WaitGroup
		inside  atomic.Int32
		maxSeen atomic.Int32
	)
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := l.WithSlotLock(context.Background(), slotID, func(context.Context) error {
				n := inside.Add(1)
				if n > maxSeen.Load() {
					maxSeen.Store(n)
				}
				time.Sleep(5 * time.Millisecond)
				inside.Add(-1)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxSeen.Load())
}

func TestSlotLocker_GivesUpAfterWait(t *testing.T) {
	l := liveLocker(t, 50*time.Millisecond)
	slotID := uuid.New()

	held := make(chan struct{})
	done := make(chan struct{})
	go func() {
		_ = l.WithSlotLock(context.Background(), slotID, func(context.Context) error {
			close(held)
			<-done
			return nil
		})
	}()
	<-held

	err := l.WithSlotLock(context.Background(), slotID, func(context.Context) error { return nil })
	close(done)
	assert.ErrorIs(t, err, appointment.ErrContention)
}
