package appointment

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/provider-slot-booking/internal/audit"
	"github.com/hackgods/provider-slot-booking/internal/identity"
)

func TestCreateAppointment_BooksAndCounts(t *testing.T) {
	f := newFixture(t)
	slot := f.publish(t, day(1), "09:00", 3)

	appt := f.book(t, f.patient.ID, slot)

	assert.Equal(t, StatusScheduled, appt.Status)
	assert.Equal(t, f.patient.ID, appt.PatientID)
	assert.Equal(t, f.provider.ID, appt.ProviderID)
	assert.Equal(t, slot.ID, appt.SlotID)

	assert.Equal(t, 1, f.slot(t, slot.ID).BookedCount)
	agg := f.aggregate(t, day(1))
	assert.Equal(t, 3, agg.AMCapacity)
	assert.Equal(t, 1, agg.AMBookedCount)
	assert.Equal(t, 0, agg.PMBookedCount)

	assert.Contains(t, f.notifier.types(), audit.EventAppointmentCreated)
}

func TestCreateAppointment_AutoConfirm(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.AutoConfirm = true })
	slot := f.publish(t, day(0), "13:00", 1)

	appt := f.book(t, f.patient.ID, slot)
	assert.Equal(t, StatusConfirmed, appt.Status)
}

func TestCreateAppointment_IsIdempotentPerPatientAndSlot(t *testing.T) {
	f := newFixture(t)
	slot := f.publish(t, day(2), "10:00", 2)

	first := f.book(t, f.patient.ID, slot)
	second := f.book(t, f.patient.ID, slot)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 1, f.slot(t, slot.ID).BookedCount)
	assert.Equal(t, 1, f.aggregate(t, day(2)).AMBookedCount)

	created := 0
	for _, typ := range f.notifier.types() {
		if typ == audit.EventAppointmentCreated {
			created++
		}
	}
	assert.Equal(t, 1, created)
}

func TestCreateAppointment_RebookAfterCancelCreatesNewRecord(t *testing.T) {
	f := newFixture(t)
	slot := f.publish(t, day(1), "09:00", 1)

	first := f.book(t, f.patient.ID, slot)
	_, err := f.svc.CancelAppointment(context.Background(), first.ID, f.patient.ID)
	require.NoError(t, err)

	second := f.book(t, f.patient.ID, slot)
	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, 1, f.slot(t, slot.ID).BookedCount)
}

func TestCreateAppointment_Rejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	open := f.publish(t, day(1), "09:00", 1)
	closed := f.publish(t, day(1), "14:00", 1)
	_, err := f.svc.CloseSlot(ctx, f.provider.ID, closed.ID)
	require.NoError(t, err)
	tooFar := f.publish(t, day(8), "09:00", 1)
	past := f.publish(t, day(-1), "09:00", 1)

	otherProvider := f.addUser(t, identity.RoleProvider, identity.StatusActive)
	inactiveProvider := f.addUser(t, identity.RoleProvider, identity.StatusPending)
	inactivePatient := f.addUser(t, identity.RolePatient, identity.StatusDisabled)

	tests := []struct {
		name       string
		patientID  uuid.UUID
		providerID uuid.UUID
		slotID     uuid.UUID
		want       error
	}{
		{"unknown patient", uuid.New(), f.provider.ID, open.ID, ErrPatientNotFound},
		{"provider booking as patient", f.provider.ID, f.provider.ID, open.ID, ErrPatientNotFound},
		{"inactive patient", inactivePatient.ID, f.provider.ID, open.ID, ErrPatientInactive},
		{"unknown provider", f.patient.ID, uuid.New(), open.ID, ErrProviderUnavailable},
		{"inactive provider", f.patient.ID, inactiveProvider.ID, open.ID, ErrProviderUnavailable},
		{"unknown slot", f.patient.ID, f.provider.ID, uuid.New(), ErrSlotNotFound},
		{"slot of another provider", f.patient.ID, otherProvider.ID, open.ID, ErrSlotNotBookable},
		{"closed slot", f.patient.ID, f.provider.ID, closed.ID, ErrSlotNotBookable},
		{"beyond horizon", f.patient.ID, f.provider.ID, tooFar.ID, ErrOutsideBookingWindow},
		{"in the past", f.patient.ID, f.provider.ID, past.ID, ErrOutsideBookingWindow},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.CreateAppointment(ctx, tt.patientID, tt.providerID, tt.slotID)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	assert.Equal(t, 0, f.slot(t, open.ID).BookedCount)
}

func TestCreateAppointment_HorizonIncludesLastDay(t *testing.T) {
	f := newFixture(t)
	slot := f.publish(t, day(7), "09:00", 1)

	_, err := f.svc.CreateAppointment(context.Background(), f.patient.ID, f.provider.ID, slot.ID)
	assert.NoError(t, err)
}

func TestCreateAppointment_FullSlot(t *testing.T) {
	f := newFixture(t)
	slot := f.publish(t, day(1), "09:00", 1)
	f.book(t, f.patient.ID, slot)

	other := f.addUser(t, identity.RolePatient, identity.StatusActive)
	_, err := f.svc.CreateAppointment(context.Background(), other.ID, f.provider.ID, slot.ID)
	assert.ErrorIs(t, err, ErrSlotFull)
	assert.Equal(t, KindConflict, KindOf(err))
}

func TestCreateAppointment_ZeroCapacitySlotIsFull(t *testing.T) {
	f := newFixture(t)
	slot := f.publish(t, day(1), "09:00", 0)

	_, err := f.svc.CreateAppointment(context.Background(), f.patient.ID, f.provider.ID, slot.ID)
	assert.ErrorIs(t, err, ErrSlotFull)
}

func TestCreateAppointment_HalfDayCapacityRollsBack(t *testing.T) {
	f := newFixture(t)
	slot := f.publish(t, day(1), "09:00", 3)

	mem := f.repo.(*MemoryRepository)
	mem.mu.Lock()
	k := DayKey{ProviderID: f.provider.ID, Date: day(1)}
	agg := mem.state.days[k]
	agg.AMCapacity = 1
	agg.AMBookedCount = 1
	mem.state.days[k] = agg
	mem.mu.Unlock()

	_, err := f.svc.CreateAppointment(context.Background(), f.patient.ID, f.provider.ID, slot.ID)
	assert.ErrorIs(t, err, ErrHalfDayCapacityExceeded)

	assert.Equal(t, 0, f.slot(t, slot.ID).BookedCount)
	list, err := f.svc.PatientAppointments(context.Background(), f.patient.ID, 10, 0)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestCreateAppointment_ConcurrentBookersNeverOverbook(t *testing.T) {
	const capacity = 5
	const bookers = 40

	f := newFixture(t)
	slot := f.publish(t, day(1), "13:00", capacity)

	patients := make([]identity.User, bookers)
	for i := range patients {
		patients[i] = f.addUser(t, identity.RolePatient, identity.StatusActive)
	}

	var (
		wg              sync.WaitGroup
		mu              sync.Mutex
		success, full   int
		unexpectedError error
	)
	start := make(chan struct{})
	for _, p := range patients {
		wg.Add(1)
		go func(patientID uuid.UUID) {
			defer wg.Done()
			<-start
			_, err := f.svc.CreateAppointment(context.Background(), patientID, f.provider.ID, slot.ID)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				success++
			case errors.Is(err, ErrSlotFull):
				full++
			default:
				unexpectedError = err
			}
		}(p.ID)
	}
	close(start)
	wg.Wait()

	require.NoError(t, unexpectedError)
	assert.Equal(t, capacity, success)
	assert.Equal(t, bookers-capacity, full)
	assert.Equal(t, capacity, f.slot(t, slot.ID).BookedCount)
	assert.Equal(t, capacity, f.aggregate(t, day(1)).PMBookedCount)
}

func TestCreateAppointment_ConcurrentRepeatsFromOnePatient(t *testing.T) {
	f := newFixture(t)
	slot := f.publish(t, day(1), "09:00", 10)

	var wg sync.WaitGroup
	ids := make([]uuid.UUID, 10)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a, err := f.svc.CreateAppointment(context.Background(), f.patient.ID, f.provider.ID, slot.ID)
			if assert.NoError(t, err) {
				ids[i] = a.ID
			}
		}(i)
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
	assert.Equal(t, 1, f.slot(t, slot.ID).BookedCount)
}

func TestCancelAppointment_ReleasesCapacityOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	slot := f.publish(t, day(1), "09:00", 2)
	appt := f.book(t, f.patient.ID, slot)

	cancelled, err := f.svc.CancelAppointment(ctx, appt.ID, f.patient.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, cancelled.Status)
	assert.Equal(t, 0, f.slot(t, slot.ID).BookedCount)
	assert.Equal(t, 0, f.aggregate(t, day(1)).AMBookedCount)

	again, err := f.svc.CancelAppointment(ctx, appt.ID, f.patient.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, again.Status)
	assert.Equal(t, 0, f.slot(t, slot.ID).BookedCount)

	assert.Contains(t, f.notifier.types(), audit.EventAppointmentCancelled)
}

func TestCancelAppointment_ConcurrentCancelsReleaseOnce(t *testing.T) {
	f := newFixture(t)
	slot := f.publish(t, day(1), "09:00", 3)
	other := f.addUser(t, identity.RolePatient, identity.StatusActive)
	f.book(t, other.ID, slot)
	appt := f.book(t, f.patient.ID, slot)

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.CancelAppointment(context.Background(), appt.ID, f.patient.ID)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, f.slot(t, slot.ID).BookedCount)
	assert.Equal(t, 1, f.aggregate(t, day(1)).AMBookedCount)
}

func TestCancelAppointment_Authorization(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	slot := f.publish(t, day(1), "09:00", 5)

	stranger := f.addUser(t, identity.RolePatient, identity.StatusActive)
	otherProvider := f.addUser(t, identity.RoleProvider, identity.StatusActive)

	appt := f.book(t, f.patient.ID, slot)

	_, err := f.svc.CancelAppointment(ctx, appt.ID, stranger.ID)
	assert.ErrorIs(t, err, ErrForbidden)
	_, err = f.svc.CancelAppointment(ctx, appt.ID, otherProvider.ID)
	assert.ErrorIs(t, err, ErrForbidden)
	_, err = f.svc.CancelAppointment(ctx, appt.ID, uuid.New())
	assert.ErrorIs(t, err, ErrForbidden)

	_, err = f.svc.CancelAppointment(ctx, appt.ID, f.provider.ID)
	assert.NoError(t, err)

	again := f.book(t, f.patient.ID, slot)
	_, err = f.svc.CancelAppointment(ctx, again.ID, f.admin.ID)
	assert.NoError(t, err)

	_, err = f.svc.CancelAppointment(ctx, uuid.New(), f.patient.ID)
	assert.ErrorIs(t, err, ErrAppointmentNotFound)
}

func TestUpdateStatus_StateMachine(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	slot := f.publish(t, day(1), "09:00", 2)
	appt := f.book(t, f.patient.ID, slot)

	confirmed, err := f.svc.UpdateStatus(ctx, appt.ID, StatusConfirmed)
	require.NoError(t, err)
	assert.Equal(t, StatusConfirmed, confirmed.Status)

	completed, err := f.svc.UpdateStatus(ctx, appt.ID, StatusCompleted)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, completed.Status)
	assert.Equal(t, 1, f.slot(t, slot.ID).BookedCount)

	_, err = f.svc.UpdateStatus(ctx, appt.ID, StatusCancelled)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, KindInvalidTransition, KindOf(err))

	_, err = f.svc.UpdateStatus(ctx, appt.ID, AppointmentStatus("archived"))
	assert.ErrorIs(t, err, ErrInvalidStatus)
	assert.Equal(t, KindValidation, KindOf(err))

	_, err = f.svc.UpdateStatus(ctx, uuid.New(), StatusConfirmed)
	assert.ErrorIs(t, err, ErrAppointmentNotFound)
}

func TestUpdateStatus_CancelReleasesCapacity(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	slot := f.publish(t, day(1), "15:00", 1)
	appt := f.book(t, f.patient.ID, slot)

	_, err := f.svc.UpdateStatus(ctx, appt.ID, StatusConfirmed)
	require.NoError(t, err)

	cancelled, err := f.svc.UpdateStatus(ctx, appt.ID, StatusCancelled)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, cancelled.Status)
	assert.Equal(t, 0, f.slot(t, slot.ID).BookedCount)
	assert.Equal(t, 0, f.aggregate(t, day(1)).PMBookedCount)

	again, err := f.svc.UpdateStatus(ctx, appt.ID, StatusCancelled)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, again.Status)
	assert.Equal(t, 0, f.slot(t, slot.ID).BookedCount)

	_, err = f.svc.UpdateStatus(ctx, appt.ID, StatusConfirmed)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestCancelAppointment_CompletedIsTerminal(t *testing.T) {
	f := newFixture(t, func(o *Options) { o.AutoConfirm = true })
	ctx := context.Background()
	slot := f.publish(t, day(0), "09:00", 1)
	appt := f.book(t, f.patient.ID, slot)

	_, err := f.svc.UpdateStatus(ctx, appt.ID, StatusCompleted)
	require.NoError(t, err)

	_, err = f.svc.CancelAppointment(ctx, appt.ID, f.patient.ID)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	assert.Equal(t, 1, f.slot(t, slot.ID).BookedCount)
}

func TestGetAppointment(t *testing.T) {
	f := newFixture(t)
	slot := f.publish(t, day(1), "09:00", 1)
	appt := f.book(t, f.patient.ID, slot)

	got, err := f.svc.GetAppointment(context.Background(), appt.ID)
	require.NoError(t, err)
	assert.Equal(t, appt.ID, got.ID)

	_, err = f.svc.GetAppointment(context.Background(), uuid.New())
	assert.ErrorIs(t, err, ErrAppointmentNotFound)
	assert.Equal(t, "appointment_not_found", CodeOf(err))
}
