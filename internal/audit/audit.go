// Package audit delivers booking lifecycle events to whoever keeps the audit
// trail. Delivery is fire-and-forget: a failed sink is logged and never
// reaches the booking transaction that produced the event.
package audit

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

const (
	EventAppointmentCreated   = "APPOINTMENT_CREATED"
	EventAppointmentCancelled = "APPOINTMENT_CANCELLED"
	EventAppointmentStatus    = "APPOINTMENT_STATUS_CHANGED"
	EventSlotPublished        = "SLOT_PUBLISHED"
	EventSlotClosed           = "SLOT_CLOSED"
	EventSlotDeleted          = "SLOT_DELETED"
	EventDayAggregateCorrect  = "DAY_AGGREGATE_CORRECTED"
)

type Event struct {
	Type          string
	AppointmentID *uuid.UUID
	SlotID        *uuid.UUID
	ActorID       *uuid.UUID
	Payload       map[string]any
	OccurredAt    time.Time
}

// Notifier is the audit collaborator boundary.
type Notifier interface {
	Notify(ctx context.Context, ev Event)
}

// Sink is a single delivery target used by the Dispatcher.
type Sink interface {
	Write(ctx context.Context, ev Event) error
}

type nopNotifier struct{}

func (nopNotifier) Notify(context.Context, Event) {}

// Nop drops every event.
func Nop() Notifier { return nopNotifier{} }

// MultiSink writes to every sink and joins their errors.
type MultiSink []Sink

func (m MultiSink) Write(ctx context.Context, ev Event) error {
	var errs []error
	for _, s := range m {
		if err := s.Write(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
