package appointment

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hackgods/provider-slot-booking/internal/audit"
)

// PublishSlot creates or updates the provider's slot for the half-day that
// startTime falls in. The stored window is always the canonical one for that
// half. Re-publishing a closed slot reopens it. Capacity may not drop below
// the bookings already held.
func (s *Service) PublishSlot(ctx context.Context, providerID uuid.UUID, date time.Time, startTime string, capacity int) (*Slot, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.OperationTimeout)
	defer cancel()

	if capacity < 0 {
		return nil, wrapf(ErrInvalidCapacity, "%d", capacity)
	}
	window, err := NormalizeWindow(startTime)
	if err != nil {
		return nil, err
	}
	if _, err := s.requireProvider(ctx, providerID); err != nil {
		return nil, err
	}
	date = DateOf(date)

	var published *Slot
	err = s.repo.WithinTx(ctx, func(ctx context.Context, tx Tx) error {
		now := s.now()

		slot, err := tx.LockSlotByWindow(ctx, providerID, date, window.Half)
		switch {
		case err == nil:
			if capacity < slot.BookedCount {
				return wrapf(ErrCapacityBelowBooked, "capacity %d, booked %d", capacity, slot.BookedCount)
			}
			slot.StartTime, slot.EndTime = window.Start, window.End
			slot.Capacity = capacity
			slot.Status = SlotOpen
			slot.UpdatedAt = now
			if err := tx.UpdateSlot(ctx, slot); err != nil {
				return fmt.Errorf("update slot: %w", err)
			}
		case errors.Is(err, ErrSlotNotFound):
			slot = &Slot{
				ID:         uuid.New(),
				ProviderID: providerID,
				Date:       date,
				Half:       window.Half,
				StartTime:  window.Start,
				EndTime:    window.End,
				Capacity:   capacity,
				Status:     SlotOpen,
				CreatedAt:  now,
				UpdatedAt:  now,
			}
			if err := tx.InsertSlot(ctx, slot); err != nil {
				return fmt.Errorf("insert slot: %w", err)
			}
		default:
			return fmt.Errorf("lock slot window: %w", err)
		}

		if _, err := s.days.recompute(ctx, tx, providerID, date, window.Half); err != nil {
			return err
		}
		published = slot
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("slot.published",
		zap.String("slot_id", published.ID.String()),
		zap.String("provider_id", providerID.String()),
		zap.String("date", date.Format(DateLayout)),
		zap.String("half", string(published.Half)),
		zap.Int("capacity", capacity),
	)
	s.notifySlot(ctx, audit.EventSlotPublished, published, providerID, map[string]any{
		"date":     date.Format(DateLayout),
		"half":     string(published.Half),
		"capacity": capacity,
	})
	return published, nil
}

// CloseSlot stops new bookings on a slot. Existing appointments keep their
// capacity.
func (s *Service) CloseSlot(ctx context.Context, providerID, slotID uuid.UUID) (*Slot, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.OperationTimeout)
	defer cancel()

	var (
		closed  *Slot
		changed bool
	)
	err := s.locker.WithSlotLock(ctx, slotID, func(lockCtx context.Context) error {
		return s.repo.WithinTx(lockCtx, func(ctx context.Context, tx Tx) error {
			changed = false

			slot, err := tx.LockSlot(ctx, slotID)
			if err != nil {
				return err
			}
			if slot.ProviderID != providerID {
				return ErrForbidden
			}
			closed = slot
			if slot.Status == SlotClosed {
				return nil
			}

			slot.Status = SlotClosed
			slot.UpdatedAt = s.now()
			if err := tx.UpdateSlot(ctx, slot); err != nil {
				return fmt.Errorf("update slot: %w", err)
			}
			changed = true
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	if changed {
		s.log.Info("slot.closed", zap.String("slot_id", slotID.String()))
		s.notifySlot(ctx, audit.EventSlotClosed, closed, providerID, nil)
	}
	return closed, nil
}

// DeleteSlot removes a slot that holds no active appointments. Cancelled
// appointments on it go with it, and the half-day bucket is re-derived from
// the remaining slots.
func (s *Service) DeleteSlot(ctx context.Context, providerID, slotID uuid.UUID) error {
	ctx, cancel := context.WithTimeout(ctx, s.opts.OperationTimeout)
	defer cancel()

	var deleted *Slot
	err := s.locker.WithSlotLock(ctx, slotID, func(lockCtx context.Context) error {
		return s.repo.WithinTx(lockCtx, func(ctx context.Context, tx Tx) error {
			slot, err := tx.LockSlot(ctx, slotID)
			if err != nil {
				return err
			}
			if slot.ProviderID != providerID {
				return ErrForbidden
			}

			active, err := tx.CountActiveAppointments(ctx, slotID)
			if err != nil {
				return fmt.Errorf("count active appointments: %w", err)
			}
			if active > 0 {
				return wrapf(ErrSlotHasActiveBookings, "%d active", active)
			}

			if err := tx.DeleteSlot(ctx, slotID); err != nil {
				return fmt.Errorf("delete slot: %w", err)
			}
			if _, err := s.days.recompute(ctx, tx, slot.ProviderID, slot.Date, slot.Half); err != nil {
				return err
			}
			deleted = slot
			return nil
		})
	})
	if err != nil {
		return err
	}

	s.log.Info("slot.deleted", zap.String("slot_id", slotID.String()))
	s.notifySlot(ctx, audit.EventSlotDeleted, deleted, providerID, map[string]any{
		"date": deleted.Date.Format(DateLayout),
		"half": string(deleted.Half),
	})
	return nil
}

// ListOpen yields the provider's bookable slots dated within [from, to] in
// (date, start time) order. Pages are fetched lazily and the sequence can be
// ranged over more than once; each pass reads fresh data.
func (s *Service) ListOpen(ctx context.Context, providerID uuid.UUID, from, to time.Time) iter.Seq2[Slot, error] {
	from, to = DateOf(from), DateOf(to)
	limit := s.opts.PageSize

	return func(yield func(Slot, error) bool) {
		var after *Slot
		for {
			page, err := s.repo.ListOpenSlots(ctx, OpenSlotQuery{
				ProviderID: providerID,
				From:       from,
				To:         to,
				After:      after,
				Limit:      limit,
			})
			if err != nil {
				yield(Slot{}, fmt.Errorf("list open slots: %w", err))
				return
			}
			for _, slot := range page {
				if !yield(slot, nil) {
					return
				}
			}
			if len(page) < limit {
				return
			}
			last := page[len(page)-1]
			after = &last
		}
	}
}

// ProviderSchedule returns every slot the provider has published, open or
// closed, newest date first.
func (s *Service) ProviderSchedule(ctx context.Context, providerID uuid.UUID) ([]Slot, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.OperationTimeout)
	defer cancel()

	return s.repo.ListProviderSlots(ctx, providerID)
}

func (s *Service) notifySlot(ctx context.Context, eventType string, slot *Slot, actorID uuid.UUID, payload map[string]any) {
	slotID := slot.ID
	s.notifier.Notify(ctx, audit.Event{
		Type:       eventType,
		SlotID:     &slotID,
		ActorID:    &actorID,
		Payload:    payload,
		OccurredAt: s.now(),
	})
}
