package appointment

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/provider-slot-booking/internal/audit"
	"github.com/hackgods/provider-slot-booking/internal/identity"
)

func TestAvailableProviders(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.publish(t, day(1), "09:00", 2)
	f.publish(t, day(2), "13:00", 1)
	f.publish(t, day(10), "09:00", 1)

	busy := f.addUser(t, identity.RoleProvider, identity.StatusActive)
	s, err := f.svc.PublishSlot(ctx, busy.ID, day(1), "09:00", 1)
	require.NoError(t, err)
	f.book(t, f.patient.ID, s)

	f.addUser(t, identity.RoleProvider, identity.StatusPending)

	got, err := f.svc.AvailableProviders(ctx)
	require.NoError(t, err)
	require.Len(t, got, 2)

	byID := map[string]ProviderAvailability{}
	for _, p := range got {
		byID[p.ProviderID.String()] = p
	}

	mine := byID[f.provider.ID.String()]
	assert.Equal(t, 2, mine.OpenSlotCount)
	assert.False(t, mine.FullyBooked())
	require.NotNil(t, mine.Department)
	assert.Equal(t, "Cardiology", *mine.Department)

	theirs := byID[busy.ID.String()]
	assert.Equal(t, 0, theirs.OpenSlotCount)
	assert.True(t, theirs.FullyBooked())
}

func TestProviderSlots(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.publish(t, day(1), "09:00", 2)
	f.publish(t, day(1), "13:00", 2)
	closed := f.publish(t, day(2), "09:00", 2)
	_, err := f.svc.CloseSlot(ctx, f.provider.ID, closed.ID)
	require.NoError(t, err)
	f.publish(t, day(8), "09:00", 2)

	all, err := f.svc.ProviderSlots(ctx, f.provider.ID, nil)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	d := day(1)
	one, err := f.svc.ProviderSlots(ctx, f.provider.ID, &d)
	require.NoError(t, err)
	assert.Len(t, one, 2)

	empty := day(3)
	none, err := f.svc.ProviderSlots(ctx, f.provider.ID, &empty)
	require.NoError(t, err)
	assert.NotNil(t, none)
	assert.Empty(t, none)

	far := day(8)
	_, err = f.svc.ProviderSlots(ctx, f.provider.ID, &far)
	assert.ErrorIs(t, err, ErrOutsideBookingWindow)

	past := day(-1)
	_, err = f.svc.ProviderSlots(ctx, f.provider.ID, &past)
	assert.ErrorIs(t, err, ErrOutsideBookingWindow)
}

func TestPatientAppointments(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	am := f.publish(t, day(1), "09:00", 2)
	pm := f.publish(t, day(2), "13:00", 2)
	f.book(t, f.patient.ID, am)
	f.book(t, f.patient.ID, pm)

	list, err := f.svc.PatientAppointments(ctx, f.patient.ID, 0, 0)
	require.NoError(t, err)
	require.Len(t, list, 2)

	labels := []string{list[0].TimeLabel(), list[1].TimeLabel()}
	assert.ElementsMatch(t, []string{"09:00-12:00", "13:00-17:00"}, labels)
	for _, d := range list {
		require.NotNil(t, d.ProviderName)
		assert.Equal(t, *f.provider.Name, *d.ProviderName)
		assert.Equal(t, "Cardiology", *d.ProviderDepartment)
	}

	page, err := f.svc.PatientAppointments(ctx, f.patient.ID, 1, 1)
	require.NoError(t, err)
	assert.Len(t, page, 1)

	beyond, err := f.svc.PatientAppointments(ctx, f.patient.ID, 10, 5)
	require.NoError(t, err)
	assert.Empty(t, beyond)
}

func TestProviderAppointments(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		s := f.publish(t, day(i), "09:00", 1)
		f.book(t, f.patient.ID, s)
	}

	all, err := f.svc.ProviderAppointments(ctx, f.provider.ID, nil, nil)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, day(1), all[0].Date)
	assert.Equal(t, f.patient.Phone, all[0].PatientPhone)
	require.NotNil(t, all[0].PatientName)

	from, to := day(2), day(2)
	one, err := f.svc.ProviderAppointments(ctx, f.provider.ID, &from, &to)
	require.NoError(t, err)
	require.Len(t, one, 1)
	assert.Equal(t, day(2), one[0].Date)

	tail, err := f.svc.ProviderAppointments(ctx, f.provider.ID, &from, nil)
	require.NoError(t, err)
	assert.Len(t, tail, 2)
}

func TestDayAggregate_NotFound(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.DayAggregate(context.Background(), f.provider.ID, day(4))
	assert.ErrorIs(t, err, ErrDayNotFound)
}

func TestReconcileDayAggregates(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	s := f.publish(t, day(1), "09:00", 4)
	f.book(t, f.patient.ID, s)
	f.publish(t, day(1), "13:00", 2)

	n, err := f.svc.ReconcileDayAggregates(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	mem := f.repo.(*MemoryRepository)
	mem.mu.Lock()
	k := DayKey{ProviderID: f.provider.ID, Date: day(1)}
	agg := mem.state.days[k]
	agg.AMBookedCount = 3
	agg.PMCapacity = 9
	mem.state.days[k] = agg
	mem.mu.Unlock()

	n, err = f.svc.ReconcileDayAggregates(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	fixed := f.aggregate(t, day(1))
	assert.Equal(t, 4, fixed.AMCapacity)
	assert.Equal(t, 1, fixed.AMBookedCount)
	assert.Equal(t, 2, fixed.PMCapacity)
	assert.Equal(t, 0, fixed.PMBookedCount)
	assert.Contains(t, f.notifier.types(), audit.EventDayAggregateCorrect)

	n, err = f.svc.ReconcileDayAggregates(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}
