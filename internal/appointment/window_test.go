package appointment

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeWindow(t *testing.T) {
	tests := []struct {
		in   string
		want Window
		err  bool
	}{
		{in: "00:00", want: MorningWindow},
		{in: "9:05", want: MorningWindow},
		{in: "11:59", want: MorningWindow},
		{in: "12:00", want: AfternoonWindow},
		{in: "23:59:59", want: AfternoonWindow},
		{in: " 13:30 ", want: AfternoonWindow},
		{in: "", err: true},
		{in: "13", err: true},
		{in: "13:60", err: true},
		{in: "24:00", err: true},
		{in: "-1:00", err: true},
		{in: "12:00:61", err: true},
		{in: "12:00:00:00", err: true},
		{in: "ab:cd", err: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := NormalizeWindow(tt.in)
			if tt.err {
				assert.ErrorIs(t, err, ErrInvalidTime)
				assert.Equal(t, KindValidation, KindOf(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestWindowFor(t *testing.T) {
	assert.Equal(t, MorningWindow, WindowFor(HalfAM))
	assert.Equal(t, AfternoonWindow, WindowFor(HalfPM))
}

func TestParseDate(t *testing.T) {
	d, err := ParseDate("2026-03-02")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC), d)

	for _, raw := range []string{"", "2026-3-2", "02/03/2026", "2026-02-30"} {
		_, err := ParseDate(raw)
		assert.ErrorIs(t, err, ErrInvalidDate, raw)
	}
}

func TestDateOf(t *testing.T) {
	loc := time.FixedZone("UTC+9", 9*60*60)
	in := time.Date(2026, 3, 2, 3, 0, 0, 0, loc)
	assert.Equal(t, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), DateOf(in))
}
