package appointment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hackgods/provider-slot-booking/internal/audit"
	"github.com/hackgods/provider-slot-booking/internal/identity"
)

// Options tune the booking policy.
type Options struct {
	// HorizonDays is how many days past today can be booked; today counts.
	HorizonDays int
	// AutoConfirm makes new bookings start as confirmed instead of scheduled.
	AutoConfirm bool
	// OperationTimeout bounds every engine call.
	OperationTimeout time.Duration
	// PageSize is the page length used by ListOpen.
	PageSize int
	// Now overrides the clock in tests.
	Now func() time.Time
}

func (o Options) withDefaults() Options {
	if o.HorizonDays <= 0 {
		o.HorizonDays = 7
	}
	if o.OperationTimeout <= 0 {
		o.OperationTimeout = 5 * time.Second
	}
	if o.PageSize <= 0 {
		o.PageSize = 50
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

type Service struct {
	repo     Repository
	locker   Locker
	users    identity.Resolver
	notifier audit.Notifier
	days     dayAggregates
	opts     Options
	log      *zap.Logger
}

func NewService(repo Repository, locker Locker, users identity.Resolver, notifier audit.Notifier, opts Options, log *zap.Logger) *Service {
	if locker == nil {
		locker = NoLocker()
	}
	if notifier == nil {
		notifier = audit.Nop()
	}
	log = log.Named("appointment")
	return &Service{
		repo:     repo,
		locker:   locker,
		users:    users,
		notifier: notifier,
		days:     dayAggregates{log: log},
		opts:     opts.withDefaults(),
		log:      log,
	}
}

// CreateAppointment books slotID for patientID. A repeat request for a
// patient who already holds an active appointment on the slot returns that
// appointment unchanged. The capacity check, both counter increments and the
// insert commit as one transaction with the slot row locked, so at most
// Capacity bookings ever succeed for a slot.
func (s *Service) CreateAppointment(ctx context.Context, patientID, providerID, slotID uuid.UUID) (*Appointment, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.OperationTimeout)
	defer cancel()

	if err := s.requirePatient(ctx, patientID); err != nil {
		return nil, err
	}
	if _, err := s.requireProvider(ctx, providerID); err != nil {
		return nil, err
	}

	var (
		result  *Appointment
		created bool
	)

	err := s.locker.WithSlotLock(ctx, slotID, func(lockCtx context.Context) error {
		return s.repo.WithinTx(lockCtx, func(ctx context.Context, tx Tx) error {
			result, created = nil, false

			slot, err := tx.LockSlot(ctx, slotID)
			if err != nil {
				return err
			}
			if slot.ProviderID != providerID || slot.Status != SlotOpen {
				return ErrSlotNotBookable
			}
			if !s.withinHorizon(slot.Date) {
				return wrapf(ErrOutsideBookingWindow, "%s", slot.Date.Format(DateLayout))
			}

			existing, err := tx.FindActiveAppointment(ctx, patientID, slotID)
			if err == nil {
				result = existing
				return nil
			}
			if !errors.Is(err, ErrAppointmentNotFound) {
				return fmt.Errorf("check existing appointment: %w", err)
			}

			if slot.BookedCount >= slot.Capacity {
				return ErrSlotFull
			}

			slot.BookedCount++
			slot.UpdatedAt = s.now()
			if err := tx.UpdateSlot(ctx, slot); err != nil {
				return fmt.Errorf("update slot: %w", err)
			}
			if _, err := s.days.increment(ctx, tx, providerID, slot.Date, slot.Half, 1); err != nil {
				return err
			}

			now := s.now()
			appt := &Appointment{
				ID:         uuid.New(),
				PatientID:  patientID,
				ProviderID: providerID,
				SlotID:     slotID,
				Status:     s.initialStatus(),
				CreatedAt:  now,
				UpdatedAt:  now,
			}
			if err := tx.InsertAppointment(ctx, appt); err != nil {
				return fmt.Errorf("insert appointment: %w", err)
			}

			result, created = appt, true
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	if created {
		s.log.Info("appointment.created",
			zap.String("appointment_id", result.ID.String()),
			zap.String("slot_id", slotID.String()),
			zap.String("patient_id", patientID.String()),
		)
		s.notify(ctx, audit.EventAppointmentCreated, result, &patientID, map[string]any{
			"status": string(result.Status),
		})
	}
	return result, nil
}

// CancelAppointment cancels on behalf of actorID, who must be the patient,
// the appointment's provider, or an admin. Cancelling an already cancelled
// appointment is a no-op.
func (s *Service) CancelAppointment(ctx context.Context, appointmentID, actorID uuid.UUID) (*Appointment, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.OperationTimeout)
	defer cancel()

	appt, err := s.repo.GetAppointment(ctx, appointmentID)
	if err != nil {
		return nil, err
	}
	if err := s.authorizeCancel(ctx, appt, actorID); err != nil {
		return nil, err
	}
	if appt.Status == StatusCancelled {
		return appt, nil
	}
	return s.transition(ctx, appt, StatusCancelled, &actorID)
}

// UpdateStatus moves an appointment along the status state machine. Moving
// into cancelled releases the held capacity exactly once.
func (s *Service) UpdateStatus(ctx context.Context, appointmentID uuid.UUID, to AppointmentStatus) (*Appointment, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.OperationTimeout)
	defer cancel()

	if _, err := ParseStatus(string(to)); err != nil {
		return nil, err
	}

	appt, err := s.repo.GetAppointment(ctx, appointmentID)
	if err != nil {
		return nil, err
	}
	return s.transition(ctx, appt, to, nil)
}

func (s *Service) transition(ctx context.Context, current *Appointment, to AppointmentStatus, actorID *uuid.UUID) (*Appointment, error) {
	var (
		updated *Appointment
		from    AppointmentStatus
		changed bool
	)

	err := s.locker.WithSlotLock(ctx, current.SlotID, func(lockCtx context.Context) error {
		return s.repo.WithinTx(lockCtx, func(ctx context.Context, tx Tx) error {
			changed = false

			appt, err := tx.LockAppointment(ctx, current.ID)
			if err != nil {
				return err
			}
			if appt.Status == StatusCancelled && to == StatusCancelled {
				updated = appt
				return nil
			}
			if !CanTransition(appt.Status, to) {
				return wrapf(ErrInvalidTransition, "%s -> %s", appt.Status, to)
			}

			if err := tx.UpdateAppointmentStatus(ctx, appt.ID, to); err != nil {
				return fmt.Errorf("update appointment status: %w", err)
			}
			if to == StatusCancelled {
				if err := s.releaseCapacity(ctx, tx, appt); err != nil {
					return err
				}
			}

			from = appt.Status
			appt.Status = to
			appt.UpdatedAt = s.now()
			updated, changed = appt, true
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	if changed {
		s.log.Info("appointment.status.changed",
			zap.String("appointment_id", updated.ID.String()),
			zap.String("from", string(from)),
			zap.String("to", string(to)),
		)
		eventType := audit.EventAppointmentStatus
		if to == StatusCancelled {
			eventType = audit.EventAppointmentCancelled
		}
		s.notify(ctx, eventType, updated, actorID, map[string]any{
			"from": string(from),
			"to":   string(to),
		})
	}
	return updated, nil
}

// releaseCapacity gives back the unit of capacity held by appt on its slot
// and the matching half-day bucket.
func (s *Service) releaseCapacity(ctx context.Context, tx Tx, appt *Appointment) error {
	slot, err := tx.LockSlot(ctx, appt.SlotID)
	if err != nil {
		return fmt.Errorf("lock slot for release: %w", err)
	}

	booked, clamped := applyDelta(slot.BookedCount, -1)
	if clamped {
		s.log.Warn("slot.booked_count.clamped",
			zap.String("slot_id", slot.ID.String()),
			zap.String("appointment_id", appt.ID.String()),
		)
	}
	slot.BookedCount = booked
	slot.UpdatedAt = s.now()
	if err := tx.UpdateSlot(ctx, slot); err != nil {
		return fmt.Errorf("update slot: %w", err)
	}

	_, err = s.days.increment(ctx, tx, slot.ProviderID, slot.Date, slot.Half, -1)
	return err
}

func (s *Service) authorizeCancel(ctx context.Context, appt *Appointment, actorID uuid.UUID) error {
	if actorID == appt.PatientID {
		return nil
	}

	actor, err := s.users.ResolveUser(ctx, actorID)
	if err != nil {
		if errors.Is(err, identity.ErrUserNotFound) {
			return ErrForbidden
		}
		return fmt.Errorf("resolve actor: %w", err)
	}
	if !actor.IsActive() {
		return ErrForbidden
	}

	switch actor.Role {
	case identity.RoleAdmin:
		return nil
	case identity.RoleProvider:
		if actor.ID == appt.ProviderID {
			return nil
		}
	}
	return ErrForbidden
}

// GetAppointment returns a single appointment record.
func (s *Service) GetAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return s.repo.GetAppointment(ctx, id)
}

func (s *Service) requirePatient(ctx context.Context, patientID uuid.UUID) error {
	patient, err := s.users.ResolveUser(ctx, patientID)
	if err != nil {
		if errors.Is(err, identity.ErrUserNotFound) {
			return ErrPatientNotFound
		}
		return fmt.Errorf("resolve patient: %w", err)
	}
	if patient.Role != identity.RolePatient {
		return ErrPatientNotFound
	}
	if !patient.IsActive() {
		return ErrPatientInactive
	}
	return nil
}

func (s *Service) requireProvider(ctx context.Context, providerID uuid.UUID) (*identity.User, error) {
	provider, err := s.users.ResolveUser(ctx, providerID)
	if err != nil {
		if errors.Is(err, identity.ErrUserNotFound) {
			return nil, ErrProviderUnavailable
		}
		return nil, fmt.Errorf("resolve provider: %w", err)
	}
	if provider.Role != identity.RoleProvider || !provider.IsActive() {
		return nil, ErrProviderUnavailable
	}
	return provider, nil
}

func (s *Service) initialStatus() AppointmentStatus {
	if s.opts.AutoConfirm {
		return StatusConfirmed
	}
	return StatusScheduled
}

func (s *Service) now() time.Time {
	return s.opts.Now().UTC()
}

// horizon returns the first and last bookable dates.
func (s *Service) horizon() (time.Time, time.Time) {
	today := DateOf(s.opts.Now())
	return today, today.AddDate(0, 0, s.opts.HorizonDays)
}

func (s *Service) withinHorizon(date time.Time) bool {
	first, last := s.horizon()
	d := DateOf(date)
	return !d.Before(first) && !d.After(last)
}

func (s *Service) notify(ctx context.Context, eventType string, appt *Appointment, actorID *uuid.UUID, payload map[string]any) {
	apptID, slotID := appt.ID, appt.SlotID
	s.notifier.Notify(ctx, audit.Event{
		Type:          eventType,
		AppointmentID: &apptID,
		SlotID:        &slotID,
		ActorID:       actorID,
		Payload:       payload,
		OccurredAt:    s.now(),
	})
}
