package appointment

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/hackgods/provider-slot-booking/internal/db"
	"github.com/hackgods/provider-slot-booking/internal/identity"
)

func newSQLiteRepository(t *testing.T) *SQLiteRepository {
	t.Helper()
	ctx := context.Background()

	conn, err := db.OpenSQLite(ctx, filepath.Join(t.TempDir(), "booking.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	n, err := db.MigrateSQLite(conn)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	// A second run must be a no-op.
	n, err = db.MigrateSQLite(conn)
	require.NoError(t, err)
	require.Equal(t, 0, n)

	return NewSQLiteRepository(conn, 3, zap.NewNop())
}

func TestSQLiteRepository_UserRoundTrip(t *testing.T) {
	repo := newSQLiteRepository(t)
	ctx := context.Background()

	u := identity.User{
		ID:        uuid.New(),
		Role:      identity.RoleProvider,
		Status:    identity.StatusActive,
		Phone:     "010-1234-5678",
		Name:      strPtr("Kim"),
		CreatedAt: testNow,
	}
	require.NoError(t, repo.PutUser(ctx, u))

	got, err := repo.GetUser(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, u.ID, got.ID)
	assert.Equal(t, identity.RoleProvider, got.Role)
	require.NotNil(t, got.Name)
	assert.Equal(t, "Kim", *got.Name)
	assert.Nil(t, got.Department)
	assert.True(t, got.CreatedAt.Equal(testNow))

	_, err = repo.GetUser(ctx, uuid.New())
	assert.ErrorIs(t, err, identity.ErrUserNotFound)
}

func TestSQLiteRepository_BookingLifecycle(t *testing.T) {
	f := newFixtureWith(t, newSQLiteRepository(t))
	ctx := context.Background()

	slot := f.publish(t, day(1), "10:00", 2)
	assert.Equal(t, "09:00", slot.StartTime)

	appt := f.book(t, f.patient.ID, slot)
	again := f.book(t, f.patient.ID, slot)
	assert.Equal(t, appt.ID, again.ID)

	stored := f.slot(t, slot.ID)
	assert.Equal(t, 1, stored.BookedCount)
	assert.Equal(t, day(1), stored.Date)

	agg := f.aggregate(t, day(1))
	assert.Equal(t, 2, agg.AMCapacity)
	assert.Equal(t, 1, agg.AMBookedCount)

	list, err := f.svc.PatientAppointments(ctx, f.patient.ID, 10, 0)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "09:00-12:00", list[0].TimeLabel())
	assert.Equal(t, day(1), list[0].Date)

	assert.ErrorIs(t, f.svc.DeleteSlot(ctx, f.provider.ID, slot.ID), ErrSlotHasActiveBookings)

	_, err = f.svc.CancelAppointment(ctx, appt.ID, f.patient.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, f.slot(t, slot.ID).BookedCount)
	assert.Equal(t, 0, f.aggregate(t, day(1)).AMBookedCount)

	require.NoError(t, f.svc.DeleteSlot(ctx, f.provider.ID, slot.ID))
	_, err = f.svc.GetAppointment(ctx, appt.ID)
	assert.ErrorIs(t, err, ErrAppointmentNotFound)
	assert.Equal(t, 0, f.aggregate(t, day(1)).AMCapacity)
}

func TestSQLiteRepository_ConcurrentBookersNeverOverbook(t *testing.T) {
	const capacity = 3
	const bookers = 12

	f := newFixtureWith(t, newSQLiteRepository(t))
	slot := f.publish(t, day(2), "14:00", capacity)

	patients := make([]uuid.UUID, bookers)
	for i := range patients {
		patients[i] = f.addUser(t, identity.RolePatient, identity.StatusActive).ID
	}

	var (
		wg            sync.WaitGroup
		mu            sync.Mutex
		success, full int
	)
	for _, id := range patients {
		wg.Add(1)
		go func(patientID uuid.UUID) {
			defer wg.Done()
			_, err := f.svc.CreateAppointment(context.Background(), patientID, f.provider.ID, slot.ID)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				success++
			case errors.Is(err, ErrSlotFull):
				full++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(id)
	}
	wg.Wait()

	assert.Equal(t, capacity, success)
	assert.Equal(t, bookers-capacity, full)
	assert.Equal(t, capacity, f.slot(t, slot.ID).BookedCount)
	assert.Equal(t, capacity, f.aggregate(t, day(2)).PMBookedCount)
}

func TestSQLiteRepository_ListOpenPaging(t *testing.T) {
	f := newFixtureWith(t, newSQLiteRepository(t), func(o *Options) { o.PageSize = 1 })

	f.publish(t, day(2), "09:00", 1)
	f.publish(t, day(1), "13:00", 1)
	f.publish(t, day(1), "09:00", 1)

	var got []string
	for s, err := range f.svc.ListOpen(context.Background(), f.provider.ID, day(0), day(7)) {
		require.NoError(t, err)
		got = append(got, s.Date.Format(DateLayout)+" "+string(s.Half))
	}
	assert.Equal(t, []string{
		day(1).Format(DateLayout) + " am",
		day(1).Format(DateLayout) + " pm",
		day(2).Format(DateLayout) + " am",
	}, got)
}

func TestSQLiteRepository_ProviderQueries(t *testing.T) {
	f := newFixtureWith(t, newSQLiteRepository(t))
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		s := f.publish(t, day(i), "09:00", 1)
		f.book(t, f.patient.ID, s)
	}
	f.publish(t, day(4), "13:00", 2)

	providers, err := f.svc.AvailableProviders(ctx)
	require.NoError(t, err)
	require.Len(t, providers, 1)
	assert.Equal(t, 1, providers[0].OpenSlotCount)

	from, to := day(2), day(3)
	appts, err := f.svc.ProviderAppointments(ctx, f.provider.ID, &from, &to)
	require.NoError(t, err)
	require.Len(t, appts, 2)
	assert.Equal(t, day(2), appts[0].Date)
	assert.Equal(t, f.patient.Phone, appts[0].PatientPhone)

	schedule, err := f.svc.ProviderSchedule(ctx, f.provider.ID)
	require.NoError(t, err)
	require.Len(t, schedule, 4)
	assert.Equal(t, day(4), schedule[0].Date)
}

func TestSQLiteRepository_ListDriftedDays(t *testing.T) {
	repo := newSQLiteRepository(t)
	f := newFixtureWith(t, repo)
	ctx := context.Background()

	f.publish(t, day(1), "09:00", 3)

	drifted, err := repo.ListDriftedDays(ctx)
	require.NoError(t, err)
	assert.Empty(t, drifted)

	_, err = repo.db.ExecContext(ctx,
		`UPDATE day_aggregates SET am_capacity = 7 WHERE provider_id = ?`, f.provider.ID)
	require.NoError(t, err)

	drifted, err = repo.ListDriftedDays(ctx)
	require.NoError(t, err)
	require.Len(t, drifted, 1)
	assert.Equal(t, day(1), drifted[0].Date)

	n, err := f.svc.ReconcileDayAggregates(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 3, f.aggregate(t, day(1)).AMCapacity)
}
