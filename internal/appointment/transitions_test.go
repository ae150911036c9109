package appointment

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition(t *testing.T) {
	all := []AppointmentStatus{StatusScheduled, StatusPending, StatusConfirmed, StatusCompleted, StatusCancelled}
	allowed := map[[2]AppointmentStatus]bool{
		{StatusScheduled, StatusConfirmed}: true,
		{StatusScheduled, StatusCancelled}: true,
		{StatusPending, StatusConfirmed}:   true,
		{StatusPending, StatusCancelled}:   true,
		{StatusConfirmed, StatusCompleted}: true,
		{StatusConfirmed, StatusCancelled}: true,
	}

	for _, from := range all {
		for _, to := range all {
			want := allowed[[2]AppointmentStatus{from, to}]
			assert.Equal(t, want, CanTransition(from, to), "%s -> %s", from, to)
		}
	}
}

func TestParseStatus(t *testing.T) {
	s, err := ParseStatus("confirmed")
	assert.NoError(t, err)
	assert.Equal(t, StatusConfirmed, s)

	_, err = ParseStatus("Confirmed")
	assert.ErrorIs(t, err, ErrInvalidStatus)

	assert.True(t, StatusCompleted.Active())
	assert.False(t, StatusCancelled.Active())
}
