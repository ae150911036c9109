package appointment

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/hackgods/provider-slot-booking/internal/audit"
	"github.com/hackgods/provider-slot-booking/internal/identity"
)

// testNow is a Monday morning; the default horizon runs through the next Monday.
var testNow = time.Date(2026, 3, 2, 8, 30, 0, 0, time.UTC)

func day(offset int) time.Time {
	return DateOf(testNow).AddDate(0, 0, offset)
}

func strPtr(s string) *string { return &s }

type recordingNotifier struct {
	mu     sync.Mutex
	events []audit.Event
}

func (n *recordingNotifier) Notify(_ context.Context, ev audit.Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
}

func (n *recordingNotifier) types() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, 0, len(n.events))
	for _, ev := range n.events {
		out = append(out, ev.Type)
	}
	return out
}

// userStore is what the fixture needs from a repository to seed users.
type userStore interface {
	Repository
	PutUser(ctx context.Context, u identity.User) error
}

type fixture struct {
	repo     userStore
	svc      *Service
	notifier *recordingNotifier

	provider identity.User
	patient  identity.User
	admin    identity.User
}

func newFixture(t *testing.T, opts ...func(*Options)) *fixture {
	t.Helper()
	return newFixtureWith(t, NewMemoryRepository(), opts...)
}

func newFixtureWith(t *testing.T, repo userStore, opts ...func(*Options)) *fixture {
	t.Helper()

	o := Options{
		HorizonDays:      7,
		OperationTimeout: 5 * time.Second,
		Now:              func() time.Time { return testNow },
	}
	for _, fn := range opts {
		fn(&o)
	}

	notifier := &recordingNotifier{}
	resolver := identity.NewCachedResolver(repo, 0, 0, zap.NewNop())
	f := &fixture{
		repo:     repo,
		svc:      NewService(repo, NewLocalSlotLocker(), resolver, notifier, o, zap.NewNop()),
		notifier: notifier,
	}
	f.provider = f.addUser(t, identity.RoleProvider, identity.StatusActive)
	f.patient = f.addUser(t, identity.RolePatient, identity.StatusActive)
	f.admin = f.addUser(t, identity.RoleAdmin, identity.StatusActive)
	return f
}

func (f *fixture) addUser(t *testing.T, role identity.Role, status identity.Status) identity.User {
	t.Helper()
	id := uuid.New()
	u := identity.User{
		ID:        id,
		Role:      role,
		Status:    status,
		Phone:     "010-" + id.String()[:8],
		Name:      strPtr(string(role) + " " + id.String()[:4]),
		CreatedAt: testNow,
	}
	if role == identity.RoleProvider {
		u.Department = strPtr("Cardiology")
		u.Title = strPtr("Dr.")
	}
	require.NoError(t, f.repo.PutUser(context.Background(), u))
	return u
}

func (f *fixture) publish(t *testing.T, date time.Time, start string, capacity int) *Slot {
	t.Helper()
	s, err := f.svc.PublishSlot(context.Background(), f.provider.ID, date, start, capacity)
	require.NoError(t, err)
	return s
}

func (f *fixture) book(t *testing.T, patientID uuid.UUID, slot *Slot) *Appointment {
	t.Helper()
	a, err := f.svc.CreateAppointment(context.Background(), patientID, slot.ProviderID, slot.ID)
	require.NoError(t, err)
	return a
}

func (f *fixture) slot(t *testing.T, id uuid.UUID) *Slot {
	t.Helper()
	s, err := f.repo.GetSlot(context.Background(), id)
	require.NoError(t, err)
	return s
}

func (f *fixture) aggregate(t *testing.T, date time.Time) *DayAggregate {
	t.Helper()
	d, err := f.repo.GetDayAggregate(context.Background(), f.provider.ID, date)
	require.NoError(t, err)
	return d
}
