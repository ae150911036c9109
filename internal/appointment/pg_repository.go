package appointment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/hackgods/provider-slot-booking/internal/identity"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type PgRepository struct {
	pool       *pgxpool.Pool
	maxRetries int
	log        *zap.Logger
}

var _ Repository = (*PgRepository)(nil)

func NewPgRepository(pool *pgxpool.Pool, maxRetries int, log *zap.Logger) *PgRepository {
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &PgRepository{pool: pool, maxRetries: maxRetries, log: log.Named("pg_repository")}
}

const (
	userCols = `id, role, status, phone, name, department, title, created_at`
	slotCols = `id, provider_id, slot_date, half, start_time, end_time, capacity, booked_count, status, created_at, updated_at`
	apptCols = `id, patient_id, provider_id, slot_id, status, created_at, updated_at`
	dayCols  = `provider_id, day, am_capacity, am_booked_count, pm_capacity, pm_booked_count, created_at, updated_at`

	detailSelect = `
		SELECT a.id, a.patient_id, a.provider_id, a.slot_id, a.status, a.created_at, a.updated_at,
		       s.slot_date, s.start_time, s.end_time,
		       pr.name, pr.department, pr.phone,
		       pa.name, pa.phone
		FROM appointments a
		JOIN slots s ON s.id = a.slot_id
		JOIN users pr ON pr.id = a.provider_id
		JOIN users pa ON pa.id = a.patient_id`
)

// Postgres error codes that mean "run the transaction again".
const (
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
	pgUniqueViolation      = "23505"
)

// Helpers

func scanUser(row pgx.Row) (*identity.User, error) {
	var u identity.User
	err := row.Scan(&u.ID, &u.Role, &u.Status, &u.Phone, &u.Name, &u.Department, &u.Title, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, identity.ErrUserNotFound
		}
		return nil, err
	}
	return &u, nil
}

func scanSlot(row pgx.Row) (*Slot, error) {
	var s Slot
	err := row.Scan(&s.ID, &s.ProviderID, &s.Date, &s.Half, &s.StartTime, &s.EndTime,
		&s.Capacity, &s.BookedCount, &s.Status, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSlotNotFound
		}
		return nil, err
	}
	s.Date = DateOf(s.Date)
	return &s, nil
}

func scanAppointment(row pgx.Row) (*Appointment, error) {
	var a Appointment
	err := row.Scan(&a.ID, &a.PatientID, &a.ProviderID, &a.SlotID, &a.Status, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAppointmentNotFound
		}
		return nil, err
	}
	return &a, nil
}

func scanDayAggregate(row pgx.Row) (*DayAggregate, error) {
	var d DayAggregate
	err := row.Scan(&d.ProviderID, &d.Date, &d.AMCapacity, &d.AMBookedCount,
		&d.PMCapacity, &d.PMBookedCount, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrDayNotFound
		}
		return nil, err
	}
	d.Date = DateOf(d.Date)
	return &d, nil
}

func scanDetail(row pgx.Row) (*AppointmentDetail, error) {
	var d AppointmentDetail
	err := row.Scan(&d.ID, &d.PatientID, &d.ProviderID, &d.SlotID, &d.Status, &d.CreatedAt, &d.UpdatedAt,
		&d.Date, &d.StartTime, &d.EndTime,
		&d.ProviderName, &d.ProviderDepartment, &d.ProviderPhone,
		&d.PatientName, &d.PatientPhone)
	if err != nil {
		return nil, err
	}
	d.Date = DateOf(d.Date)
	return &d, nil
}

func collect[T any](rows pgx.Rows, scan func(pgx.Row) (*T, error)) ([]T, error) {
	defer rows.Close()

	out := []T{}
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *v)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// Transactions

func (r *PgRepository) WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	for attempt := 0; ; attempt++ {
		err := r.runTx(ctx, fn)
		if err == nil {
			return nil
		}
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() != nil {
			return ErrContention
		}
		if !retryable(err) {
			return err
		}
		if attempt >= r.maxRetries {
			r.log.Warn("tx.retries_exhausted", zap.Int("attempts", attempt+1), zap.Error(err))
			return ErrContention
		}

		r.log.Debug("tx.retry", zap.Int("attempt", attempt+1), zap.Error(err))
		select {
		case <-ctx.Done():
			return ErrContention
		case <-time.After(time.Duration(attempt+1) * 10 * time.Millisecond):
		}
	}
}

func (r *PgRepository) runTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := fn(ctx, &pgTx{q: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// retryable reports serialization failures, deadlocks and the unique race
// between two publishers inserting the same slot window.
func retryable(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.Code {
	case pgSerializationFailure, pgDeadlockDetected:
		return true
	case pgUniqueViolation:
		return pgErr.ConstraintName == "slots_window_key"
	}
	return false
}

// Reader

func (r *PgRepository) GetUser(ctx context.Context, id uuid.UUID) (*identity.User, error) {
	return scanUser(r.pool.QueryRow(ctx, `SELECT `+userCols+` FROM users WHERE id = $1`, id))
}

// PutUser inserts or replaces a user. Seeding uses it.
func (r *PgRepository) PutUser(ctx context.Context, u identity.User) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO users (`+userCols+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO UPDATE SET
			role = EXCLUDED.role,
			status = EXCLUDED.status,
			phone = EXCLUDED.phone,
			name = EXCLUDED.name,
			department = EXCLUDED.department,
			title = EXCLUDED.title
	`, u.ID, u.Role, u.Status, u.Phone, u.Name, u.Department, u.Title, u.CreatedAt)
	return err
}

func (r *PgRepository) GetSlot(ctx context.Context, id uuid.UUID) (*Slot, error) {
	return scanSlot(r.pool.QueryRow(ctx, `SELECT `+slotCols+` FROM slots WHERE id = $1`, id))
}

func (r *PgRepository) GetAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return scanAppointment(r.pool.QueryRow(ctx, `SELECT `+apptCols+` FROM appointments WHERE id = $1`, id))
}

func (r *PgRepository) GetDayAggregate(ctx context.Context, providerID uuid.UUID, date time.Time) (*DayAggregate, error) {
	return scanDayAggregate(r.pool.QueryRow(ctx, `
		SELECT `+dayCols+`
		FROM day_aggregates
		WHERE provider_id = $1 AND day = $2
	`, providerID, DateOf(date)))
}

func (r *PgRepository) ListActiveProviders(ctx context.Context) ([]identity.User, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+userCols+`
		FROM users
		WHERE role = 'provider' AND status = 'active'
		ORDER BY created_at, id
	`)
	if err != nil {
		return nil, err
	}
	return collect(rows, scanUser)
}

func (r *PgRepository) CountOpenSlotsByProvider(ctx context.Context, from, to time.Time) (map[uuid.UUID]int, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT provider_id, COUNT(*)
		FROM slots
		WHERE status = 'open'
		  AND booked_count < capacity
		  AND slot_date BETWEEN $1 AND $2
		GROUP BY provider_id
	`, DateOf(from), DateOf(to))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[uuid.UUID]int)
	for rows.Next() {
		var id uuid.UUID
		var n int
		if err := rows.Scan(&id, &n); err != nil {
			return nil, err
		}
		counts[id] = n
	}
	return counts, rows.Err()
}

func (r *PgRepository) ListOpenSlots(ctx context.Context, q OpenSlotQuery) ([]Slot, error) {
	var (
		rows pgx.Rows
		err  error
	)
	if q.After == nil {
		rows, err = r.pool.Query(ctx, `
			SELECT `+slotCols+`
			FROM slots
			WHERE provider_id = $1
			  AND status = 'open'
			  AND booked_count < capacity
			  AND slot_date BETWEEN $2 AND $3
			ORDER BY slot_date, start_time, id::text
			LIMIT $4
		`, q.ProviderID, DateOf(q.From), DateOf(q.To), q.Limit)
	} else {
		rows, err = r.pool.Query(ctx, `
			SELECT `+slotCols+`
			FROM slots
			WHERE provider_id = $1
			  AND status = 'open'
			  AND booked_count < capacity
			  AND slot_date BETWEEN $2 AND $3
			  AND (slot_date, start_time, id::text) > ($5, $6, $7)
			ORDER BY slot_date, start_time, id::text
			LIMIT $4
		`, q.ProviderID, DateOf(q.From), DateOf(q.To), q.Limit,
			q.After.Date, q.After.StartTime, q.After.ID.String())
	}
	if err != nil {
		return nil, err
	}
	return collect(rows, scanSlot)
}

func (r *PgRepository) ListProviderSlots(ctx context.Context, providerID uuid.UUID) ([]Slot, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+slotCols+`
		FROM slots
		WHERE provider_id = $1
		ORDER BY slot_date DESC, start_time
	`, providerID)
	if err != nil {
		return nil, err
	}
	return collect(rows, scanSlot)
}

func (r *PgRepository) ListAppointmentsByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]AppointmentDetail, error) {
	rows, err := r.pool.Query(ctx, detailSelect+`
		WHERE a.patient_id = $1
		ORDER BY a.created_at DESC, a.id
		LIMIT $2 OFFSET $3
	`, patientID, limit, offset)
	if err != nil {
		return nil, err
	}
	return collect(rows, scanDetail)
}

func (r *PgRepository) ListAppointmentsByProvider(ctx context.Context, q ProviderAppointmentQuery) ([]AppointmentDetail, error) {
	rows, err := r.pool.Query(ctx, detailSelect+`
		WHERE a.provider_id = $1
		  AND ($2::date IS NULL OR s.slot_date >= $2::date)
		  AND ($3::date IS NULL OR s.slot_date < $3::date)
		ORDER BY s.slot_date, s.start_time, a.created_at
	`, q.ProviderID, q.From, q.To)
	if err != nil {
		return nil, err
	}
	return collect(rows, scanDetail)
}

func (r *PgRepository) ListDriftedDays(ctx context.Context) ([]DayKey, error) {
	rows, err := r.pool.Query(ctx, `
		WITH derived AS (
			SELECT provider_id,
			       slot_date AS day,
			       COALESCE(SUM(capacity) FILTER (WHERE half = 'am'), 0)     AS am_capacity,
			       COALESCE(SUM(booked_count) FILTER (WHERE half = 'am'), 0) AS am_booked,
			       COALESCE(SUM(capacity) FILTER (WHERE half = 'pm'), 0)     AS pm_capacity,
			       COALESCE(SUM(booked_count) FILTER (WHERE half = 'pm'), 0) AS pm_booked
			FROM slots
			GROUP BY provider_id, slot_date
		)
		SELECT COALESCE(d.provider_id, a.provider_id), COALESCE(d.day, a.day)
		FROM derived d
		FULL OUTER JOIN day_aggregates a ON a.provider_id = d.provider_id AND a.day = d.day
		WHERE a.provider_id IS NULL
		   OR COALESCE(d.am_capacity, 0) <> a.am_capacity
		   OR COALESCE(d.am_booked, 0)   <> a.am_booked_count
		   OR COALESCE(d.pm_capacity, 0) <> a.pm_capacity
		   OR COALESCE(d.pm_booked, 0)   <> a.pm_booked_count
		ORDER BY 2, 1
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []DayKey
	for rows.Next() {
		var k DayKey
		if err := rows.Scan(&k.ProviderID, &k.Date); err != nil {
			return nil, err
		}
		k.Date = DateOf(k.Date)
		out = append(out, k)
	}
	return out, rows.Err()
}

// pgTx runs the Tx methods on one pgx transaction. Lock* use FOR UPDATE.
type pgTx struct {
	q queryable
}

func (t *pgTx) LockSlot(ctx context.Context, id uuid.UUID) (*Slot, error) {
	return scanSlot(t.q.QueryRow(ctx, `SELECT `+slotCols+` FROM slots WHERE id = $1 FOR UPDATE`, id))
}

func (t *pgTx) LockSlotByWindow(ctx context.Context, providerID uuid.UUID, date time.Time, half Half) (*Slot, error) {
	return scanSlot(t.q.QueryRow(ctx, `
		SELECT `+slotCols+`
		FROM slots
		WHERE provider_id = $1 AND slot_date = $2 AND half = $3
		FOR UPDATE
	`, providerID, DateOf(date), half))
}

func (t *pgTx) InsertSlot(ctx context.Context, s *Slot) error {
	_, err := t.q.Exec(ctx, `
		INSERT INTO slots (`+slotCols+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, s.ID, s.ProviderID, s.Date, s.Half, s.StartTime, s.EndTime,
		s.Capacity, s.BookedCount, s.Status, s.CreatedAt, s.UpdatedAt)
	return err
}

func (t *pgTx) UpdateSlot(ctx context.Context, s *Slot) error {
	tag, err := t.q.Exec(ctx, `
		UPDATE slots
		SET start_time = $2,
		    end_time = $3,
		    capacity = $4,
		    booked_count = $5,
		    status = $6,
		    updated_at = $7
		WHERE id = $1
	`, s.ID, s.StartTime, s.EndTime, s.Capacity, s.BookedCount, s.Status, s.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrSlotNotFound
	}
	return nil
}

func (t *pgTx) DeleteSlot(ctx context.Context, id uuid.UUID) error {
	tag, err := t.q.Exec(ctx, `DELETE FROM slots WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrSlotNotFound
	}
	return nil
}

func (t *pgTx) SumSlots(ctx context.Context, providerID uuid.UUID, date time.Time, half Half) (int, int, error) {
	var capacity, booked int
	err := t.q.QueryRow(ctx, `
		SELECT COALESCE(SUM(capacity), 0), COALESCE(SUM(booked_count), 0)
		FROM slots
		WHERE provider_id = $1 AND slot_date = $2 AND half = $3
	`, providerID, DateOf(date), half).Scan(&capacity, &booked)
	return capacity, booked, err
}

func (t *pgTx) LockAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return scanAppointment(t.q.QueryRow(ctx, `SELECT `+apptCols+` FROM appointments WHERE id = $1 FOR UPDATE`, id))
}

func (t *pgTx) FindActiveAppointment(ctx context.Context, patientID, slotID uuid.UUID) (*Appointment, error) {
	return scanAppointment(t.q.QueryRow(ctx, `
		SELECT `+apptCols+`
		FROM appointments
		WHERE patient_id = $1 AND slot_id = $2 AND status <> 'cancelled'
	`, patientID, slotID))
}

func (t *pgTx) CountActiveAppointments(ctx context.Context, slotID uuid.UUID) (int, error) {
	var n int
	err := t.q.QueryRow(ctx, `
		SELECT COUNT(*) FROM appointments WHERE slot_id = $1 AND status <> 'cancelled'
	`, slotID).Scan(&n)
	return n, err
}

func (t *pgTx) InsertAppointment(ctx context.Context, a *Appointment) error {
	_, err := t.q.Exec(ctx, `
		INSERT INTO appointments (`+apptCols+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, a.ID, a.PatientID, a.ProviderID, a.SlotID, a.Status, a.CreatedAt, a.UpdatedAt)
	return err
}

func (t *pgTx) UpdateAppointmentStatus(ctx context.Context, id uuid.UUID, status AppointmentStatus) error {
	tag, err := t.q.Exec(ctx, `
		UPDATE appointments
		SET status = $2,
		    updated_at = now()
		WHERE id = $1
	`, id, status)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrAppointmentNotFound
	}
	return nil
}

func (t *pgTx) LockDayAggregate(ctx context.Context, providerID uuid.UUID, date time.Time) (*DayAggregate, error) {
	date = DateOf(date)
	if _, err := t.q.Exec(ctx, `
		INSERT INTO day_aggregates (provider_id, day)
		VALUES ($1, $2)
		ON CONFLICT (provider_id, day) DO NOTHING
	`, providerID, date); err != nil {
		return nil, err
	}
	return scanDayAggregate(t.q.QueryRow(ctx, `
		SELECT `+dayCols+`
		FROM day_aggregates
		WHERE provider_id = $1 AND day = $2
		FOR UPDATE
	`, providerID, date))
}

func (t *pgTx) SaveDayAggregate(ctx context.Context, d *DayAggregate) error {
	_, err := t.q.Exec(ctx, `
		UPDATE day_aggregates
		SET am_capacity = $3,
		    am_booked_count = $4,
		    pm_capacity = $5,
		    pm_booked_count = $6,
		    updated_at = now()
		WHERE provider_id = $1 AND day = $2
	`, d.ProviderID, DateOf(d.Date), d.AMCapacity, d.AMBookedCount, d.PMCapacity, d.PMBookedCount)
	return err
}
