package audit

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Dispatcher queues events and writes them to a Sink from one background
// goroutine. When the queue is full the event is dropped and logged, so a
// stalled audit backend can never slow down bookings.
type Dispatcher struct {
	sink    Sink
	log     *zap.Logger
	queue   chan Event
	timeout time.Duration

	wg       sync.WaitGroup
	closeMu  sync.RWMutex
	closed   bool
	stopOnce sync.Once
}

func NewDispatcher(sink Sink, buffer int, writeTimeout time.Duration, log *zap.Logger) *Dispatcher {
	if buffer <= 0 {
		buffer = 256
	}
	if writeTimeout <= 0 {
		writeTimeout = 2 * time.Second
	}
	d := &Dispatcher{
		sink:    sink,
		log:     log.Named("audit"),
		queue:   make(chan Event, buffer),
		timeout: writeTimeout,
	}
	d.wg.Add(1)
	go d.run()
	return d
}

func (d *Dispatcher) Notify(_ context.Context, ev Event) {
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}

	d.closeMu.RLock()
	defer d.closeMu.RUnlock()
	if d.closed {
		d.log.Warn("audit.dispatch.closed", zap.String("event_type", ev.Type))
		return
	}

	select {
	case d.queue <- ev:
	default:
		d.log.Warn("audit.dispatch.dropped", zap.String("event_type", ev.Type))
	}
}

func (d *Dispatcher) run() {
	defer d.wg.Done()
	for ev := range d.queue {
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		if err := d.sink.Write(ctx, ev); err != nil {
			d.log.Error("audit.dispatch.failed",
				zap.String("event_type", ev.Type),
				zap.Error(err),
			)
		}
		cancel()
	}
}

// Close stops accepting events and waits for queued ones to drain or ctx to end.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.stopOnce.Do(func() {
		d.closeMu.Lock()
		d.closed = true
		close(d.queue)
		d.closeMu.Unlock()
	})

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
