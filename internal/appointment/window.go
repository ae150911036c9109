package appointment

import (
	"strconv"
	"strings"
	"time"
)

// Half is one of the two bookable half-day buckets.
type Half string

const (
	HalfAM Half = "am"
	HalfPM Half = "pm"
)

// Window is a canonical half-day time range.
type Window struct {
	Half  Half
	Start string
	End   string
}

var (
	MorningWindow   = Window{Half: HalfAM, Start: "09:00", End: "12:00"}
	AfternoonWindow = Window{Half: HalfPM, Start: "13:00", End: "17:00"}
)

func WindowFor(h Half) Window {
	if h == HalfAM {
		return MorningWindow
	}
	return AfternoonWindow
}

// NormalizeWindow maps any submitted start time ("HH:MM" or "HH:MM:SS") to
// the morning window when its hour is before noon and to the afternoon
// window otherwise.
func NormalizeWindow(start string) (Window, error) {
	hour, err := parseHour(start)
	if err != nil {
		return Window{}, err
	}
	if hour < 12 {
		return MorningWindow, nil
	}
	return AfternoonWindow, nil
}

func parseHour(raw string) (int, error) {
	parts := strings.Split(strings.TrimSpace(raw), ":")
	if len(parts) < 2 || len(parts) > 3 {
		return 0, wrapf(ErrInvalidTime, "%q", raw)
	}
	nums := make([]int, len(parts))
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil || len(p) == 0 || len(p) > 2 {
			return 0, wrapf(ErrInvalidTime, "%q", raw)
		}
		nums[i] = n
	}
	if nums[0] < 0 || nums[0] > 23 || nums[1] < 0 || nums[1] > 59 {
		return 0, wrapf(ErrInvalidTime, "%q", raw)
	}
	if len(nums) == 3 && (nums[2] < 0 || nums[2] > 59) {
		return 0, wrapf(ErrInvalidTime, "%q", raw)
	}
	return nums[0], nil
}

const DateLayout = "2006-01-02"

// ParseDate parses a YYYY-MM-DD calendar date into UTC midnight.
func ParseDate(raw string) (time.Time, error) {
	d, err := time.Parse(DateLayout, raw)
	if err != nil {
		return time.Time{}, wrapf(ErrInvalidDate, "%q", raw)
	}
	return d, nil
}

// DateOf truncates t to its UTC calendar date.
func DateOf(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
