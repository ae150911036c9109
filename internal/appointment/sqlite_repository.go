package appointment

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/hackgods/provider-slot-booking/internal/identity"
)

// sqlQueryable is satisfied by both *sql.DB and *sql.Tx.
type sqlQueryable interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// sqlScanner is satisfied by both *sql.Row and *sql.Rows.
type sqlScanner interface {
	Scan(dest ...any) error
}

// SQLiteRepository stores everything in one SQLite file. It expects a
// handle from db.OpenSQLite: one connection, BEGIN IMMEDIATE.
type SQLiteRepository struct {
	db         *sql.DB
	maxRetries int
	log        *zap.Logger
}

var _ Repository = (*SQLiteRepository)(nil)

func NewSQLiteRepository(db *sql.DB, maxRetries int, log *zap.Logger) *SQLiteRepository {
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &SQLiteRepository{db: db, maxRetries: maxRetries, log: log.Named("sqlite_repository")}
}

// Fixed width keeps stored timestamps sortable as text.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatDate(t time.Time) string { return DateOf(t).Format(DateLayout) }

func formatTime(t time.Time) string { return t.UTC().Format(sqliteTimeLayout) }

func parseStoredDate(raw string) (time.Time, error) {
	t, err := time.Parse(DateLayout, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse stored date %q: %w", raw, err)
	}
	return t, nil
}

func parseStoredTime(raw string) (time.Time, error) {
	t, err := time.Parse(sqliteTimeLayout, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse stored time %q: %w", raw, err)
	}
	return t, nil
}

// Helpers

func sqliteScanUser(row sqlScanner) (*identity.User, error) {
	var (
		u       identity.User
		created string
	)
	err := row.Scan(&u.ID, &u.Role, &u.Status, &u.Phone, &u.Name, &u.Department, &u.Title, &created)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, identity.ErrUserNotFound
		}
		return nil, err
	}
	if u.CreatedAt, err = parseStoredTime(created); err != nil {
		return nil, err
	}
	return &u, nil
}

func sqliteScanSlot(row sqlScanner) (*Slot, error) {
	var (
		s                      Slot
		date, created, updated string
	)
	err := row.Scan(&s.ID, &s.ProviderID, &date, &s.Half, &s.StartTime, &s.EndTime,
		&s.Capacity, &s.BookedCount, &s.Status, &created, &updated)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrSlotNotFound
		}
		return nil, err
	}
	if s.Date, err = parseStoredDate(date); err != nil {
		return nil, err
	}
	if s.CreatedAt, err = parseStoredTime(created); err != nil {
		return nil, err
	}
	if s.UpdatedAt, err = parseStoredTime(updated); err != nil {
		return nil, err
	}
	return &s, nil
}

func sqliteScanAppointment(row sqlScanner) (*Appointment, error) {
	var (
		a                Appointment
		created, updated string
	)
	err := row.Scan(&a.ID, &a.PatientID, &a.ProviderID, &a.SlotID, &a.Status, &created, &updated)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrAppointmentNotFound
		}
		return nil, err
	}
	if a.CreatedAt, err = parseStoredTime(created); err != nil {
		return nil, err
	}
	if a.UpdatedAt, err = parseStoredTime(updated); err != nil {
		return nil, err
	}
	return &a, nil
}

func sqliteScanDayAggregate(row sqlScanner) (*DayAggregate, error) {
	var (
		d                      DayAggregate
		date, created, updated string
	)
	err := row.Scan(&d.ProviderID, &date, &d.AMCapacity, &d.AMBookedCount,
		&d.PMCapacity, &d.PMBookedCount, &created, &updated)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrDayNotFound
		}
		return nil, err
	}
	if d.Date, err = parseStoredDate(date); err != nil {
		return nil, err
	}
	if d.CreatedAt, err = parseStoredTime(created); err != nil {
		return nil, err
	}
	if d.UpdatedAt, err = parseStoredTime(updated); err != nil {
		return nil, err
	}
	return &d, nil
}

func sqliteScanDetail(row sqlScanner) (*AppointmentDetail, error) {
	var (
		d                      AppointmentDetail
		created, updated, date string
	)
	err := row.Scan(&d.ID, &d.PatientID, &d.ProviderID, &d.SlotID, &d.Status, &created, &updated,
		&date, &d.StartTime, &d.EndTime,
		&d.ProviderName, &d.ProviderDepartment, &d.ProviderPhone,
		&d.PatientName, &d.PatientPhone)
	if err != nil {
		return nil, err
	}
	if d.CreatedAt, err = parseStoredTime(created); err != nil {
		return nil, err
	}
	if d.UpdatedAt, err = parseStoredTime(updated); err != nil {
		return nil, err
	}
	if d.Date, err = parseStoredDate(date); err != nil {
		return nil, err
	}
	return &d, nil
}

func sqliteCollect[T any](rows *sql.Rows, scan func(sqlScanner) (*T, error)) ([]T, error) {
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

func (r *SQLiteRepository) WithinTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	for attempt := 0; ; attempt++ {
		err := r.runTx(ctx, fn)
		if err == nil {
			return nil
		}
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() != nil {
			return ErrContention
		}
		if !sqliteBusy(err) {
			return err
		}
		if attempt >= r.maxRetries {
			r.log.Warn("tx.retries_exhausted", zap.Int("attempts", attempt+1), zap.Error(err))
			return ErrContention
		}

		select {
		case <-ctx.Done():
			return ErrContention
		case <-time.After(time.Duration(attempt+1) * 10 * time.Millisecond):
		}
	}
}

func (r *SQLiteRepository) runTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(ctx, &sqliteTx{q: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func sqliteBusy(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	switch se.Code() & 0xff {
	case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
		return true
	}
	return false
}

// Reader

func (r *SQLiteRepository) GetUser(ctx context.Context, id uuid.UUID) (*identity.User, error) {
	return sqliteScanUser(r.db.QueryRowContext(ctx, `SELECT `+userCols+` FROM users WHERE id = ?`, id))
}

// PutUser inserts or replaces a user. Seeding and tests use it.
func (r *SQLiteRepository) PutUser(ctx context.Context, u identity.User) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO users (`+userCols+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			role = excluded.role,
			status = excluded.status,
			phone = excluded.phone,
			name = excluded.name,
			department = excluded.department,
			title = excluded.title
	`, u.ID, u.Role, u.Status, u.Phone, u.Name, u.Department, u.Title, formatTime(u.CreatedAt))
	return err
}

func (r *SQLiteRepository) GetSlot(ctx context.Context, id uuid.UUID) (*Slot, error) {
	return sqliteScanSlot(r.db.QueryRowContext(ctx, `SELECT `+slotCols+` FROM slots WHERE id = ?`, id))
}

func (r *SQLiteRepository) GetAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return sqliteScanAppointment(r.db.QueryRowContext(ctx, `SELECT `+apptCols+` FROM appointments WHERE id = ?`, id))
}

func (r *SQLiteRepository) GetDayAggregate(ctx context.Context, providerID uuid.UUID, date time.Time) (*DayAggregate, error) {
	return sqliteScanDayAggregate(r.db.QueryRowContext(ctx, `
		SELECT `+dayCols+`
		FROM day_aggregates
		WHERE provider_id = ? AND day = ?
	`, providerID, formatDate(date)))
}

func (r *SQLiteRepository) ListActiveProviders(ctx context.Context) ([]identity.User, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+userCols+`
		FROM users
		WHERE role = 'provider' AND status = 'active'
		ORDER BY created_at, id
	`)
	if err != nil {
		return nil, err
	}
	return sqliteCollect(rows, sqliteScanUser)
}

func (r *SQLiteRepository) CountOpenSlotsByProvider(ctx context.Context, from, to time.Time) (map[uuid.UUID]int, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT provider_id, COUNT(*)
		FROM slots
		WHERE status = 'open'
		  AND booked_count < capacity
		  AND slot_date BETWEEN ? AND ?
		GROUP BY provider_id
	`, formatDate(from), formatDate(to))
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

func (r *SQLiteRepository) ListOpenSlots(ctx context.Context, q OpenSlotQuery) ([]Slot, error) {
	query := `
		SELECT ` + slotCols + `
		FROM slots
		WHERE provider_id = ?
		  AND status = 'open'
		  AND booked_count < capacity
		  AND slot_date BETWEEN ? AND ?`
	args := []any{q.ProviderID, formatDate(q.From), formatDate(q.To)}
	if q.After != nil {
		query += `
		  AND (slot_date, start_time, id) > (?, ?, ?)`
		args = append(args, formatDate(q.After.Date), q.After.StartTime, q.After.ID.String())
	}
	query += `
		ORDER BY slot_date, start_time, id
		LIMIT ?`
	args = append(args, q.Limit)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return sqliteCollect(rows, sqliteScanSlot)
}

func (r *SQLiteRepository) ListProviderSlots(ctx context.Context, providerID uuid.UUID) ([]Slot, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+slotCols+`
		FROM slots
		WHERE provider_id = ?
		ORDER BY slot_date DESC, start_time
	`, providerID)
	if err != nil {
		return nil, err
	}
	return sqliteCollect(rows, sqliteScanSlot)
}

func (r *SQLiteRepository) ListAppointmentsByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]AppointmentDetail, error) {
	rows, err := r.db.QueryContext(ctx, detailSelect+`
		WHERE a.patient_id = ?
		ORDER BY a.created_at DESC, a.id
		LIMIT ? OFFSET ?
	`, patientID, limit, offset)
	if err != nil {
		return nil, err
	}
	return sqliteCollect(rows, sqliteScanDetail)
}

func (r *SQLiteRepository) ListAppointmentsByProvider(ctx context.Context, q ProviderAppointmentQuery) ([]AppointmentDetail, error) {
	var (
		conds = []string{"a.provider_id = ?"}
		args  = []any{q.ProviderID}
	)
	if q.From != nil {
		conds = append(conds, "s.slot_date >= ?")
		args = append(args, formatDate(*q.From))
	}
	if q.To != nil {
		conds = append(conds, "s.slot_date < ?")
		args = append(args, formatDate(*q.To))
	}

	rows, err := r.db.QueryContext(ctx, detailSelect+`
		WHERE `+strings.Join(conds, " AND ")+`
		ORDER BY s.slot_date, s.start_time, a.created_at
	`, args...)
	if err != nil {
		return nil, err
	}
	return sqliteCollect(rows, sqliteScanDetail)
}

func (r *SQLiteRepository) ListDriftedDays(ctx context.Context) ([]DayKey, error) {
	rows, err := r.db.QueryContext(ctx, `
		WITH derived AS (
			SELECT provider_id,
			       slot_date AS day,
			       SUM(CASE WHEN half = 'am' THEN capacity ELSE 0 END)     AS am_capacity,
			       SUM(CASE WHEN half = 'am' THEN booked_count ELSE 0 END) AS am_booked,
			       SUM(CASE WHEN half = 'pm' THEN capacity ELSE 0 END)     AS pm_capacity,
			       SUM(CASE WHEN half = 'pm' THEN booked_count ELSE 0 END) AS pm_booked
			FROM slots
			GROUP BY provider_id, slot_date
		)
		SELECT d.provider_id, d.day
		FROM derived d
		LEFT JOIN day_aggregates a ON a.provider_id = d.provider_id AND a.day = d.day
		WHERE a.provider_id IS NULL
		   OR d.am_capacity <> a.am_capacity
		   OR d.am_booked   <> a.am_booked_count
		   OR d.pm_capacity <> a.pm_capacity
		   OR d.pm_booked   <> a.pm_booked_count
		UNION
		SELECT a.provider_id, a.day
		FROM day_aggregates a
		LEFT JOIN derived d ON d.provider_id = a.provider_id AND d.day = a.day
		WHERE d.provider_id IS NULL
		  AND (a.am_capacity <> 0 OR a.am_booked_count <> 0 OR a.pm_capacity <> 0 OR a.pm_booked_count <> 0)
		ORDER BY 2, 1
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []DayKey
	for rows.Next() {
		var (
			k   DayKey
			day string
		)
		if err := rows.Scan(&k.ProviderID, &day); err != nil {
			return nil, err
		}
		if k.Date, err = parseStoredDate(day); err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

// sqliteTx runs the Tx methods on one IMMEDIATE transaction, which already
// holds the database write lock, so Lock* are plain reads.
type sqliteTx struct {
	q sqlQueryable
}

func (t *sqliteTx) LockSlot(ctx context.Context, id uuid.UUID) (*Slot, error) {
	return sqliteScanSlot(t.q.QueryRowContext(ctx, `SELECT `+slotCols+` FROM slots WHERE id = ?`, id))
}

func (t *sqliteTx) LockSlotByWindow(ctx context.Context, providerID uuid.UUID, date time.Time, half Half) (*Slot, error) {
	return sqliteScanSlot(t.q.QueryRowContext(ctx, `
		SELECT `+slotCols+`
		FROM slots
		WHERE provider_id = ? AND slot_date = ? AND half = ?
	`, providerID, formatDate(date), half))
}

func (t *sqliteTx) InsertSlot(ctx context.Context, s *Slot) error {
	_, err := t.q.ExecContext(ctx, `
		INSERT INTO slots (`+slotCols+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, s.ID, s.ProviderID, formatDate(s.Date), s.Half, s.StartTime, s.EndTime,
		s.Capacity, s.BookedCount, s.Status, formatTime(s.CreatedAt), formatTime(s.UpdatedAt))
	return err
}

func (t *sqliteTx) UpdateSlot(ctx context.Context, s *Slot) error {
	res, err := t.q.ExecContext(ctx, `
		UPDATE slots
		SET start_time = ?, end_time = ?, capacity = ?, booked_count = ?, status = ?, updated_at = ?
		WHERE id = ?
	`, s.StartTime, s.EndTime, s.Capacity, s.BookedCount, s.Status, formatTime(s.UpdatedAt), s.ID)
	return affectedOne(res, err, ErrSlotNotFound)
}

func (t *sqliteTx) DeleteSlot(ctx context.Context, id uuid.UUID) error {
	res, err := t.q.ExecContext(ctx, `DELETE FROM slots WHERE id = ?`, id)
	return affectedOne(res, err, ErrSlotNotFound)
}

func (t *sqliteTx) SumSlots(ctx context.Context, providerID uuid.UUID, date time.Time, half Half) (int, int, error) {
	var capacity, booked int
	err := t.q.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(capacity), 0), COALESCE(SUM(booked_count), 0)
		FROM slots
		WHERE provider_id = ? AND slot_date = ? AND half = ?
	`, providerID, formatDate(date), half).Scan(&capacity, &booked)
	return capacity, booked, err
}

func (t *sqliteTx) LockAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return sqliteScanAppointment(t.q.QueryRowContext(ctx, `SELECT `+apptCols+` FROM appointments WHERE id = ?`, id))
}

func (t *sqliteTx) FindActiveAppointment(ctx context.Context, patientID, slotID uuid.UUID) (*Appointment, error) {
	return sqliteScanAppointment(t.q.QueryRowContext(ctx, `
		SELECT `+apptCols+`
		FROM appointments
		WHERE patient_id = ? AND slot_id = ? AND status <> 'cancelled'
	`, patientID, slotID))
}

func (t *sqliteTx) CountActiveAppointments(ctx context.Context, slotID uuid.UUID) (int, error) {
	var n int
	err := t.q.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM appointments WHERE slot_id = ? AND status <> 'cancelled'
	`, slotID).Scan(&n)
	return n, err
}

func (t *sqliteTx) InsertAppointment(ctx context.Context, a *Appointment) error {
	_, err := t.q.ExecContext(ctx, `
		INSERT INTO appointments (`+apptCols+`)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, a.ID, a.PatientID, a.ProviderID, a.SlotID, a.Status, formatTime(a.CreatedAt), formatTime(a.UpdatedAt))
	return err
}

func (t *sqliteTx) UpdateAppointmentStatus(ctx context.Context, id uuid.UUID, status AppointmentStatus) error {
	res, err := t.q.ExecContext(ctx, `
		UPDATE appointments SET status = ?, updated_at = ? WHERE id = ?
	`, status, formatTime(time.Now()), id)
	return affectedOne(res, err, ErrAppointmentNotFound)
}

func (t *sqliteTx) LockDayAggregate(ctx context.Context, providerID uuid.UUID, date time.Time) (*DayAggregate, error) {
	now := formatTime(time.Now())
	if _, err := t.q.ExecContext(ctx, `
		INSERT INTO day_aggregates (provider_id, day, created_at, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (provider_id, day) DO NOTHING
	`, providerID, formatDate(date), now, now); err != nil {
		return nil, err
	}
	return sqliteScanDayAggregate(t.q.QueryRowContext(ctx, `
		SELECT `+dayCols+`
		FROM day_aggregates
		WHERE provider_id = ? AND day = ?
	`, providerID, formatDate(date)))
}

func (t *sqliteTx) SaveDayAggregate(ctx context.Context, d *DayAggregate) error {
	_, err := t.q.ExecContext(ctx, `
		UPDATE day_aggregates
		SET am_capacity = ?, am_booked_count = ?, pm_capacity = ?, pm_booked_count = ?, updated_at = ?
		WHERE provider_id = ? AND day = ?
	`, d.AMCapacity, d.AMBookedCount, d.PMCapacity, d.PMBookedCount, formatTime(time.Now()),
		d.ProviderID, formatDate(d.Date))
	return err
}

func affectedOne(res sql.Result, err error, notFound error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound
	}
	return nil
}
