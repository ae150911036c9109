package appointment

import (
	"errors"
	"fmt"
)

// Kind classifies an Error for callers that only care about the class of
// failure (e.g. the HTTP layer picking a status code).
type Kind string

const (
	KindValidation        Kind = "validation"
	KindNotFound          Kind = "not_found"
	KindConflict          Kind = "conflict"
	KindForbidden         Kind = "forbidden"
	KindInvalidTransition Kind = "invalid_transition"
)

// Error is a caller-facing failure with a stable code.
type Error struct {
	Kind    Kind
	Code    string
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

func newError(kind Kind, code, msg string) *Error {
	return &Error{Kind: kind, Code: code, Message: msg}
}

var (
	ErrInvalidDate     = newError(KindValidation, "invalid_date", "date must be formatted as YYYY-MM-DD")
	ErrInvalidTime     = newError(KindValidation, "invalid_time", "time must be formatted as HH:MM")
	ErrInvalidCapacity = newError(KindValidation, "invalid_capacity", "capacity must not be negative")
	ErrInvalidStatus   = newError(KindValidation, "invalid_status", "unknown appointment status")

	ErrPatientNotFound     = newError(KindNotFound, "patient_not_found", "patient not found")
	ErrSlotNotFound        = newError(KindNotFound, "slot_not_found", "slot not found")
	ErrAppointmentNotFound = newError(KindNotFound, "appointment_not_found", "appointment not found")
	ErrDayNotFound         = newError(KindNotFound, "day_not_found", "no schedule recorded for this provider and date")

	ErrProviderUnavailable     = newError(KindConflict, "provider_unavailable", "provider does not exist or is not active")
	ErrSlotNotBookable         = newError(KindConflict, "slot_not_bookable", "slot does not belong to this provider or is not open")
	ErrOutsideBookingWindow    = newError(KindConflict, "outside_booking_window", "date is outside the booking horizon")
	ErrSlotFull                = newError(KindConflict, "slot_full", "slot has no remaining capacity")
	ErrHalfDayCapacityExceeded = newError(KindConflict, "half_day_capacity_exceeded", "half-day capacity is exhausted")
	ErrSlotHasActiveBookings   = newError(KindConflict, "slot_has_active_bookings", "slot still has active appointments")
	ErrCapacityBelowBooked     = newError(KindConflict, "capacity_below_booked", "capacity cannot be lowered below the current bookings")
	ErrContention              = newError(KindConflict, "contention", "slot is busy, please retry shortly")

	ErrForbidden       = newError(KindForbidden, "forbidden", "not allowed to act on this resource")
	ErrPatientInactive = newError(KindForbidden, "patient_inactive", "patient account is not active")

	ErrInvalidTransition = newError(KindInvalidTransition, "invalid_transition", "status transition not allowed")
)

// KindOf returns the kind of the first *Error in err's chain, or "" for
// infrastructure failures.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// CodeOf returns the stable code of the first *Error in err's chain.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

func wrapf(sentinel *Error, format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{sentinel}, args...)...)
}
