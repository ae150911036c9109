package redisclient

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/hackgods/provider-slot-booking/internal/appointment"
)

const (
	keyPrefix    = "lock:slot:"
	pollInterval = 25 * time.Millisecond
	releaseLimit = 2 * time.Second
)

// SlotLocker is a cross-process appointment.Locker backed by one Redis key
// per slot. The key is a lease: it expires after ttl even if the holder dies.
type SlotLocker struct {
	client redis.Cmdable
	ttl    time.Duration
	wait   time.Duration
	log    *zap.Logger
}

var _ appointment.Locker = (*SlotLocker)(nil)

// NewSlotLocker returns a locker that waits up to wait for a busy slot
// before giving up with appointment.ErrContention.
func NewSlotLocker(client redis.Cmdable, ttl, wait time.Duration, log *zap.Logger) *SlotLocker {
	if ttl <= 0 {
		ttl = 5 * time.Second
	}
	return &SlotLocker{client: client, ttl: ttl, wait: wait, log: log}
}

func slotKey(slotID uuid.UUID) string {
	return keyPrefix + slotID.String()
}

func (l *SlotLocker) WithSlotLock(ctx context.Context, slotID uuid.UUID, fn func(ctx context.Context) error) error {
	key := slotKey(slotID)
	token := uuid.NewString()

	if err := l.acquire(ctx, key, token); err != nil {
		return err
	}

	defer func() {
		relCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseLimit)
		defer cancel()
		if err := l.release(relCtx, key, token); err != nil {
			l.log.Warn("slot_lock.release_failed", zap.String("slot_id", slotID.String()), zap.Error(err))
		}
	}()

	ctxWithTimeout, cancel := context.WithTimeout(ctx, l.ttl)
	defer cancel()

	return fn(ctxWithTimeout)
}

func (l *SlotLocker) acquire(ctx context.Context, key, token string) error {
	deadline := time.Now().Add(l.wait)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			if ctx.Err() != nil {
				return appointment.ErrContention
			}
			return fmt.Errorf("acquire slot lock: %w", err)
		}
		if ok {
			return nil
		}
		if !time.Now().Before(deadline) {
			return appointment.ErrContention
		}

		select {
		case <-ctx.Done():
			return appointment.ErrContention
		case <-ticker.C:
		}
	}
}

var unlockScript = redis.NewScript(`
local val = redis.call("GET", KEYS[1])
if val == ARGV[1] then
  return redis.call("DEL", KEYS[1])
else
  return 0
end
`)

func (l *SlotLocker) release(ctx context.Context, key, token string) error {
	_, err := unlockScript.Run(ctx, l.client, []string{key}, token).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("release slot lock: %w", err)
	}
	return nil
}
