package appointment

import (
	"time"

	"github.com/google/uuid"
)

type AppointmentStatus string

const (
	StatusScheduled AppointmentStatus = "scheduled"
	StatusPending   AppointmentStatus = "pending"
	StatusConfirmed AppointmentStatus = "confirmed"
	StatusCompleted AppointmentStatus = "completed"
	StatusCancelled AppointmentStatus = "cancelled"
)

// Active reports whether an appointment in this status holds slot capacity.
func (s AppointmentStatus) Active() bool {
	return s != StatusCancelled
}

func ParseStatus(raw string) (AppointmentStatus, error) {
	switch s := AppointmentStatus(raw); s {
	case StatusScheduled, StatusPending, StatusConfirmed, StatusCompleted, StatusCancelled:
		return s, nil
	}
	return "", wrapf(ErrInvalidStatus, "%q", raw)
}

type SlotStatus string

const (
	SlotOpen   SlotStatus = "open"
	SlotClosed SlotStatus = "closed"
)

type Slot struct {
	ID          uuid.UUID
	ProviderID  uuid.UUID
	Date        time.Time // UTC midnight
	Half        Half
	StartTime   string // "HH:MM"
	EndTime     string
	Capacity    int
	BookedCount int
	Status      SlotStatus
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Bookable reports whether the slot can take one more booking right now.
func (s *Slot) Bookable() bool {
	return s.Status == SlotOpen && s.BookedCount < s.Capacity
}

func (s *Slot) Remaining() int {
	if r := s.Capacity - s.BookedCount; r > 0 {
		return r
	}
	return 0
}

// TimeLabel renders the window the way patient screens show it, e.g. "09:00-12:00".
func (s *Slot) TimeLabel() string {
	return s.StartTime + "-" + s.EndTime
}

// DayAggregate is the per-provider per-date occupancy summary. It is derived
// from the slots of that day and written only alongside them.
type DayAggregate struct {
	ProviderID    uuid.UUID
	Date          time.Time
	AMCapacity    int
	AMBookedCount int
	PMCapacity    int
	PMBookedCount int
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

func (d *DayAggregate) Capacity(h Half) int {
	if h == HalfAM {
		return d.AMCapacity
	}
	return d.PMCapacity
}

func (d *DayAggregate) Booked(h Half) int {
	if h == HalfAM {
		return d.AMBookedCount
	}
	return d.PMBookedCount
}

func (d *DayAggregate) set(h Half, capacity, booked int) {
	if h == HalfAM {
		d.AMCapacity, d.AMBookedCount = capacity, booked
		return
	}
	d.PMCapacity, d.PMBookedCount = capacity, booked
}

type Appointment struct {
	ID         uuid.UUID
	PatientID  uuid.UUID
	ProviderID uuid.UUID
	SlotID     uuid.UUID
	Status     AppointmentStatus
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// AppointmentDetail joins an appointment with the slot and people it links.
// Profile fields are nil when the counterpart never filled them in.
type AppointmentDetail struct {
	Appointment
	Date               time.Time
	StartTime          string
	EndTime            string
	ProviderName       *string
	ProviderDepartment *string
	ProviderPhone      string
	PatientName        *string
	PatientPhone       string
}

func (d *AppointmentDetail) TimeLabel() string {
	return d.StartTime + "-" + d.EndTime
}

// DayKey identifies one DayAggregate row.
type DayKey struct {
	ProviderID uuid.UUID
	Date       time.Time
}

// ProviderAvailability is one row of the provider discovery listing.
type ProviderAvailability struct {
	ProviderID    uuid.UUID
	Name          *string
	Department    *string
	Title         *string
	Phone         string
	OpenSlotCount int
}

func (p ProviderAvailability) FullyBooked() bool {
	return p.OpenSlotCount == 0
}
