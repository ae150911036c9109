package audit

import (
	"context"
	"fmt"

	"github.com/goccy/go-json"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PgEventLog appends events to the event_logs table.
type PgEventLog struct {
	pool *pgxpool.Pool
}

func NewPgEventLog(pool *pgxpool.Pool) *PgEventLog {
	return &PgEventLog{pool: pool}
}

func (l *PgEventLog) Write(ctx context.Context, ev Event) error {
	payload, err := encodePayload(ev)
	if err != nil {
		return err
	}

	_, err = l.pool.Exec(ctx, `
		INSERT INTO event_logs (event_type, appointment_id, slot_id, actor_id, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, ev.Type, ev.AppointmentID, ev.SlotID, ev.ActorID, payload, ev.OccurredAt)
	if err != nil {
		return fmt.Errorf("insert event log: %w", err)
	}
	return nil
}

func encodePayload(ev Event) ([]byte, error) {
	if len(ev.Payload) == 0 {
		return []byte("{}"), nil
	}
	data, err := json.Marshal(ev.Payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", ev.Type, err)
	}
	return data, nil
}
