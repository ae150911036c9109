package identity

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type countingSource struct {
	mu    sync.Mutex
	users map[uuid.UUID]*User
	calls int
}

func (s *countingSource) GetUser(_ context.Context, id uuid.UUID) (*User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	u, ok := s.users[id]
	if !ok {
		return nil, ErrUserNotFound
	}
	cp := *u
	return &cp, nil
}

func TestCachedResolver_HitsCacheOnSecondLookup(t *testing.T) {
	id := uuid.New()
	src := &countingSource{users: map[uuid.UUID]*User{
		id: {ID: id, Role: RoleProvider, Status: StatusActive},
	}}
	r := NewCachedResolver(src, 16, time.Minute, zap.NewNop())

	u, err := r.ResolveUser(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, RoleProvider, u.Role)

	_, err = r.ResolveUser(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, 1, src.calls)
}

func TestCachedResolver_MissesAreNotCached(t *testing.T) {
	id := uuid.New()
	src := &countingSource{users: map[uuid.UUID]*User{}}
	r := NewCachedResolver(src, 16, time.Minute, zap.NewNop())

	_, err := r.ResolveUser(context.Background(), id)
	assert.ErrorIs(t, err, ErrUserNotFound)

	src.users[id] = &User{ID: id, Role: RolePatient, Status: StatusActive}
	u, err := r.ResolveUser(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, RolePatient, u.Role)
}

func TestCachedResolver_ForgetReloads(t *testing.T) {
	id := uuid.New()
	src := &countingSource{users: map[uuid.UUID]*User{
		id: {ID: id, Role: RoleProvider, Status: StatusActive},
	}}
	r := NewCachedResolver(src, 16, time.Minute, zap.NewNop())

	_, err := r.ResolveUser(context.Background(), id)
	require.NoError(t, err)

	src.users[id].Status = StatusDisabled
	r.Forget(id)

	u, err := r.ResolveUser(context.Background(), id)
	require.NoError(t, err)
	assert.False(t, u.IsActive())
	assert.Equal(t, 2, src.calls)
}

func TestCachedResolver_ZeroTTLDisablesCache(t *testing.T) {
	id := uuid.New()
	src := &countingSource{users: map[uuid.UUID]*User{
		id: {ID: id, Role: RolePatient, Status: StatusActive},
	}}
	r := NewCachedResolver(src, 16, 0, zap.NewNop())

	for i := 0; i < 3; i++ {
		_, err := r.ResolveUser(context.Background(), id)
		require.NoError(t, err)
	}
	assert.Equal(t, 3, src.calls)
}

func TestUser_DisplayName(t *testing.T) {
	name := "Dr. Lin"
	assert.Equal(t, "Dr. Lin", (&User{Name: &name, Phone: "13800000000"}).DisplayName())
	assert.Equal(t, "13800000000", (&User{Phone: "13800000000"}).DisplayName())
}
