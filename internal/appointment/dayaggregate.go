package appointment

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// dayAggregates keeps the per-day half-day counters in step with slot
// writes. Every method runs on the caller's transaction.
type dayAggregates struct {
	log *zap.Logger
}

// applyDelta adds delta to current and clamps the result at zero. The second
// result reports whether clamping happened.
func applyDelta(current, delta int) (int, bool) {
	next := current + delta
	if next < 0 {
		return 0, true
	}
	return next, false
}

// increment moves the booked counter of one half-day bucket by delta. A
// result below zero is clamped and logged rather than failing the caller.
// When the bucket has a non-zero capacity and the increment would push the
// booked counter past it, ErrHalfDayCapacityExceeded is returned and the
// caller's transaction must be rolled back.
func (d dayAggregates) increment(ctx context.Context, tx Tx, providerID uuid.UUID, date time.Time, half Half, delta int) (*DayAggregate, error) {
	agg, err := tx.LockDayAggregate(ctx, providerID, date)
	if err != nil {
		return nil, fmt.Errorf("lock day aggregate: %w", err)
	}

	booked, clamped := applyDelta(agg.Booked(half), delta)
	if clamped {
		d.log.Warn("day_aggregate.clamped",
			zap.String("provider_id", providerID.String()),
			zap.String("date", date.Format(DateLayout)),
			zap.String("half", string(half)),
			zap.Int("before", agg.Booked(half)),
			zap.Int("delta", delta),
		)
	}
	if delta > 0 {
		if c := agg.Capacity(half); c != 0 && booked > c {
			return nil, ErrHalfDayCapacityExceeded
		}
	}

	agg.set(half, agg.Capacity(half), booked)
	if err := tx.SaveDayAggregate(ctx, agg); err != nil {
		return nil, fmt.Errorf("save day aggregate: %w", err)
	}
	return agg, nil
}

// recompute re-derives one half-day bucket from its slots. It returns true
// when the stored counters had drifted. The aggregate row is locked before
// the slots are summed so a concurrent booking is either fully visible or
// not at all.
func (d dayAggregates) recompute(ctx context.Context, tx Tx, providerID uuid.UUID, date time.Time, half Half) (bool, error) {
	agg, err := tx.LockDayAggregate(ctx, providerID, date)
	if err != nil {
		return false, fmt.Errorf("lock day aggregate: %w", err)
	}

	capacity, booked, err := tx.SumSlots(ctx, providerID, date, half)
	if err != nil {
		return false, fmt.Errorf("sum slots: %w", err)
	}
	if agg.Capacity(half) == capacity && agg.Booked(half) == booked {
		return false, nil
	}

	agg.set(half, capacity, booked)
	if err := tx.SaveDayAggregate(ctx, agg); err != nil {
		return false, fmt.Errorf("save day aggregate: %w", err)
	}
	return true, nil
}
