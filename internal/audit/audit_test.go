package audit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type recordingSink struct {
	mu     sync.Mutex
	events []Event
	err    error
	block  chan struct{}
}

func (s *recordingSink) Write(_ context.Context, ev Event) error {
	if s.block != nil {
		<-s.block
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return s.err
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func TestDispatcher_DeliversQueuedEventsBeforeClose(t *testing.T) {
	sink := &recordingSink{}
	d := NewDispatcher(sink, 8, time.Second, zap.NewNop())

	for i := 0; i < 5; i++ {
		d.Notify(context.Background(), Event{Type: EventAppointmentCreated})
	}

	require.NoError(t, d.Close(context.Background()))
	assert.Equal(t, 5, sink.count())
	for _, ev := range sink.events {
		assert.False(t, ev.OccurredAt.IsZero())
	}
}

func TestDispatcher_SinkErrorsAreSwallowed(t *testing.T) {
	sink := &recordingSink{err: errors.New("broker down")}
	d := NewDispatcher(sink, 4, time.Second, zap.NewNop())

	d.Notify(context.Background(), Event{Type: EventAppointmentCancelled})
	require.NoError(t, d.Close(context.Background()))
	assert.Equal(t, 1, sink.count())
}

func TestDispatcher_DropsWhenQueueIsFull(t *testing.T) {
	sink := &recordingSink{block: make(chan struct{})}
	d := NewDispatcher(sink, 1, time.Second, zap.NewNop())

	for i := 0; i < 10; i++ {
		d.Notify(context.Background(), Event{Type: EventSlotPublished})
	}
	close(sink.block)

	require.NoError(t, d.Close(context.Background()))
	assert.Less(t, sink.count(), 10)
	assert.GreaterOrEqual(t, sink.count(), 1)
}

func TestDispatcher_NotifyAfterCloseIsIgnored(t *testing.T) {
	sink := &recordingSink{}
	d := NewDispatcher(sink, 4, time.Second, zap.NewNop())
	require.NoError(t, d.Close(context.Background()))

	d.Notify(context.Background(), Event{Type: EventSlotDeleted})
	assert.Equal(t, 0, sink.count())
}

func TestMultiSink_JoinsErrors(t *testing.T) {
	ok := &recordingSink{}
	bad := &recordingSink{err: errors.New("nope")}

	err := MultiSink{ok, bad}.Write(context.Background(), Event{Type: EventSlotClosed})
	assert.Error(t, err)
	assert.Equal(t, 1, ok.count())
	assert.Equal(t, 1, bad.count())
}

func TestToWire_FormatsIdentifiers(t *testing.T) {
	appt := uuid.New()
	w := toWire(Event{Type: EventAppointmentCreated, AppointmentID: &appt})
	assert.Equal(t, appt.String(), w.AppointmentID)
	assert.Empty(t, w.SlotID)
}

func TestEncodePayload_EmptyIsObject(t *testing.T) {
	data, err := encodePayload(Event{Type: EventSlotClosed})
	require.NoError(t, err)
	assert.JSONEq(t, `{}`, string(data))

	data, err = encodePayload(Event{Type: EventSlotClosed, Payload: map[string]any{"capacity": 2}})
	require.NoError(t, err)
	assert.JSONEq(t, `{"capacity":2}`, string(data))
}
