package appointment

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hackgods/provider-slot-booking/internal/audit"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
)

// AvailableProviders lists every active provider with the number of slots
// still bookable inside the horizon. Providers with nothing left are listed
// too; FullyBooked tells them apart.
func (s *Service) AvailableProviders(ctx context.Context) ([]ProviderAvailability, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.OperationTimeout)
	defer cancel()

	providers, err := s.repo.ListActiveProviders(ctx)
	if err != nil {
		return nil, fmt.Errorf("list providers: %w", err)
	}

	first, last := s.horizon()
	counts, err := s.repo.CountOpenSlotsByProvider(ctx, first, last)
	if err != nil {
		return nil, fmt.Errorf("count open slots: %w", err)
	}

	out := make([]ProviderAvailability, 0, len(providers))
	for _, p := range providers {
		out = append(out, ProviderAvailability{
			ProviderID:    p.ID,
			Name:          p.Name,
			Department:    p.Department,
			Title:         p.Title,
			Phone:         p.Phone,
			OpenSlotCount: counts[p.ID],
		})
	}
	return out, nil
}

// ProviderSlots returns the provider's bookable slots inside the horizon, or
// only those on date when one is given.
func (s *Service) ProviderSlots(ctx context.Context, providerID uuid.UUID, date *time.Time) ([]Slot, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.OperationTimeout)
	defer cancel()

	from, to := s.horizon()
	if date != nil {
		if !s.withinHorizon(*date) {
			return nil, wrapf(ErrOutsideBookingWindow, "%s", date.Format(DateLayout))
		}
		from, to = DateOf(*date), DateOf(*date)
	}

	slots := []Slot{}
	for slot, err := range s.ListOpen(ctx, providerID, from, to) {
		if err != nil {
			return nil, err
		}
		slots = append(slots, slot)
	}
	return slots, nil
}

// PatientAppointments pages through a patient's appointments, newest first.
func (s *Service) PatientAppointments(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]AppointmentDetail, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.OperationTimeout)
	defer cancel()

	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	if offset < 0 {
		offset = 0
	}
	return s.repo.ListAppointmentsByPatient(ctx, patientID, limit, offset)
}

// ProviderAppointments lists the appointments booked with a provider whose
// slot date falls in [from, to]. Either bound may be nil.
func (s *Service) ProviderAppointments(ctx context.Context, providerID uuid.UUID, from, to *time.Time) ([]AppointmentDetail, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.OperationTimeout)
	defer cancel()

	q := ProviderAppointmentQuery{ProviderID: providerID}
	if from != nil {
		d := DateOf(*from)
		q.From = &d
	}
	if to != nil {
		d := DateOf(*to).AddDate(0, 0, 1)
		q.To = &d
	}
	return s.repo.ListAppointmentsByProvider(ctx, q)
}

// DayAggregate returns the half-day occupancy summary for one provider day.
func (s *Service) DayAggregate(ctx context.Context, providerID uuid.UUID, date time.Time) (*DayAggregate, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.OperationTimeout)
	defer cancel()

	return s.repo.GetDayAggregate(ctx, providerID, DateOf(date))
}

// ReconcileDayAggregates re-derives every aggregate row that disagrees with
// its slots and returns how many rows it corrected.
func (s *Service) ReconcileDayAggregates(ctx context.Context) (int, error) {
	keys, err := s.repo.ListDriftedDays(ctx)
	if err != nil {
		return 0, fmt.Errorf("list drifted days: %w", err)
	}

	corrected := 0
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return corrected, err
		}

		var changed bool
		opCtx, cancel := context.WithTimeout(ctx, s.opts.OperationTimeout)
		err := s.repo.WithinTx(opCtx, func(ctx context.Context, tx Tx) error {
			changed = false
			for _, h := range []Half{HalfAM, HalfPM} {
				c, err := s.days.recompute(ctx, tx, key.ProviderID, key.Date, h)
				if err != nil {
					return err
				}
				changed = changed || c
			}
			return nil
		})
		cancel()
		if err != nil {
			s.log.Error("day_aggregate.reconcile.failed",
				zap.String("provider_id", key.ProviderID.String()),
				zap.String("date", key.Date.Format(DateLayout)),
				zap.Error(err),
			)
			continue
		}
		if !changed {
			continue
		}

		corrected++
		s.log.Warn("day_aggregate.corrected",
			zap.String("provider_id", key.ProviderID.String()),
			zap.String("date", key.Date.Format(DateLayout)),
		)
		s.notifier.Notify(ctx, audit.Event{
			Type:       audit.EventDayAggregateCorrect,
			Payload:    map[string]any{"provider_id": key.ProviderID.String(), "date": key.Date.Format(DateLayout)},
			OccurredAt: s.now(),
		})
	}
	return corrected, nil
}
