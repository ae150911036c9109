package identity

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

type Role string

const (
	RolePatient  Role = "patient"
	RoleProvider Role = "provider"
	RoleAdmin    Role = "admin"
)

type Status string

const (
	StatusActive   Status = "active"
	StatusPending  Status = "pending"
	StatusDisabled Status = "disabled"
)

var ErrUserNotFound = errors.New("user not found")

// User is the projection of an identity record the booking core needs.
// Profile fields are optional and stay nil when the user never filled them.
type User struct {
	ID         uuid.UUID
	Role       Role
	Status     Status
	Phone      string
	Name       *string
	Department *string
	Title      *string
	CreatedAt  time.Time
}

func (u *User) IsActive() bool {
	return u != nil && u.Status == StatusActive
}

// DisplayName falls back to the phone number when no name was recorded.
func (u *User) DisplayName() string {
	if u.Name != nil && *u.Name != "" {
		return *u.Name
	}
	return u.Phone
}

// Resolver answers resolve_user for the booking core.
type Resolver interface {
	ResolveUser(ctx context.Context, id uuid.UUID) (*User, error)
}

// Source is the backing lookup a CachedResolver fronts.
type Source interface {
	GetUser(ctx context.Context, id uuid.UUID) (*User, error)
}
