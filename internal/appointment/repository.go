package appointment

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/provider-slot-booking/internal/identity"
)

// Repository contains all storage interactions needed by the service.
// Writes only happen through Tx, inside WithinTx.
type Repository interface {
	Reader

	// WithinTx runs fn in one transaction. Every write fn makes through tx
	// commits together when fn returns nil and is discarded otherwise.
	// Implementations retry transient contention failures a bounded number
	// of times and then return ErrContention.
	WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

// Reader holds the read-only queries. None of them take row locks.
type Reader interface {
	GetUser(ctx context.Context, id uuid.UUID) (*identity.User, error)
	GetSlot(ctx context.Context, id uuid.UUID) (*Slot, error)
	GetAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error)
	GetDayAggregate(ctx context.Context, providerID uuid.UUID, date time.Time) (*DayAggregate, error)

	ListActiveProviders(ctx context.Context) ([]identity.User, error)
	CountOpenSlotsByProvider(ctx context.Context, from, to time.Time) (map[uuid.UUID]int, error)
	ListOpenSlots(ctx context.Context, q OpenSlotQuery) ([]Slot, error)
	ListProviderSlots(ctx context.Context, providerID uuid.UUID) ([]Slot, error)

	ListAppointmentsByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]AppointmentDetail, error)
	ListAppointmentsByProvider(ctx context.Context, q ProviderAppointmentQuery) ([]AppointmentDetail, error)

	// ListDriftedDays returns the aggregate rows whose counters disagree
	// with the sums over their slots.
	ListDriftedDays(ctx context.Context) ([]DayKey, error)
}

// Tx is the explicit transaction handed to the engine. Lock* methods take a
// row lock held until the transaction ends.
type Tx interface {
	LockSlot(ctx context.Context, id uuid.UUID) (*Slot, error)
	LockSlotByWindow(ctx context.Context, providerID uuid.UUID, date time.Time, half Half) (*Slot, error)
	InsertSlot(ctx context.Context, s *Slot) error
	UpdateSlot(ctx context.Context, s *Slot) error
	DeleteSlot(ctx context.Context, id uuid.UUID) error
	SumSlots(ctx context.Context, providerID uuid.UUID, date time.Time, half Half) (capacity, booked int, err error)

	LockAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error)
	FindActiveAppointment(ctx context.Context, patientID, slotID uuid.UUID) (*Appointment, error)
	CountActiveAppointments(ctx context.Context, slotID uuid.UUID) (int, error)
	InsertAppointment(ctx context.Context, a *Appointment) error
	UpdateAppointmentStatus(ctx context.Context, id uuid.UUID, status AppointmentStatus) error

	// LockDayAggregate returns the aggregate row, creating a zeroed one
	// first when the provider/date has none yet.
	LockDayAggregate(ctx context.Context, providerID uuid.UUID, date time.Time) (*DayAggregate, error)
	SaveDayAggregate(ctx context.Context, d *DayAggregate) error
}

// OpenSlotQuery pages through bookable slots in (date, start_time) order.
// After is the last slot of the previous page.
type OpenSlotQuery struct {
	ProviderID uuid.UUID
	From       time.Time
	To         time.Time
	After      *Slot
	Limit      int
}

type ProviderAppointmentQuery struct {
	ProviderID uuid.UUID
	From       *time.Time // inclusive
	To         *time.Time // exclusive
}

// slotAfter reports whether s sorts strictly after the cursor.
func slotAfter(s Slot, cursor *Slot) bool {
	if cursor == nil {
		return true
	}
	if !s.Date.Equal(cursor.Date) {
		return s.Date.After(cursor.Date)
	}
	if s.StartTime != cursor.StartTime {
		return s.StartTime > cursor.StartTime
	}
	return s.ID.String() > cursor.ID.String()
}
