// Package interval holds the time arithmetic shared by run tracking and reporting.
package interval

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// ErrEndBeforeStart is returned when an interval closes before it opens
var ErrEndBeforeStart = errors.New("end time precedes start time")

// Interval is a time span that may still be open
type Interval struct {
	Start time.Time
	End   *time.Time
}

// Closed builds a closed interval
func Closed(start, end time.Time) Interval {
	return Interval{Start: start, End: &end}
}

// Open builds an interval without an end
func Open(start time.Time) Interval {
	return Interval{Start: start}
}

// IsOpen reports whether the interval has no end yet
func (i Interval) IsOpen() bool {
	return i.End == nil
}

// Validate checks that the end, if set, does not precede the start
func (i Interval) Validate() error {
	if i.End != nil && i.End.Before(i.Start) {
		return ErrEndBeforeStart
	}
	return nil
}

// Overlaps reports whether two intervals share any instant. Open intervals run
// indefinitely and touching endpoints do not overlap.
func (i Interval) Overlaps(other Interval) bool {
	return other.endsAfter(i.Start) && i.endsAfter(other.Start)
}

// Contains reports whether other lies entirely within i. An open interval
// never fits inside a closed one.
func (i Interval) Contains(other Interval) bool {
	if other.Start.Before(i.Start) {
		return false
	}
	if i.IsOpen() {
		return true
	}
	return !other.IsOpen() && !other.End.After(*i.End)
}

func (i Interval) endsAfter(t time.Time) bool {
	return i.IsOpen() || i.End.After(t)
}

// ElapsedMinutes returns end-start in fractional minutes, clamped at zero
func ElapsedMinutes(start, end time.Time) float64 {
	d := end.Sub(start)
	if d < 0 {
		return 0
	}
	return d.Minutes()
}

// RoundMinutes rounds a duration to the nearest whole minute, minimum 0
func RoundMinutes(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int(math.Round(d.Minutes()))
}

// ClockTime is a wall-clock time of day, in minutes after midnight
type ClockTime int

// ParseClock parses an "HH:MM" wall-clock time
func ParseClock(s string) (ClockTime, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("invalid clock time %q: %w", s, err)
	}
	return ClockTime(t.Hour()*60 + t.Minute()), nil
}

// ShiftLength returns the minutes between two wall-clock times, wrapping past midnight.
// Equal start and end describe a full 24h shift.
func ShiftLength(start, end ClockTime) float64 {
	minutes := int(end) - int(start)
	if minutes <= 0 {
		minutes += 24 * 60
	}
	return float64(minutes)
}

// ShiftMinutes parses two "HH:MM" values and returns the shift length in minutes
func ShiftMinutes(start, end string) (float64, error) {
	s, err := ParseClock(start)
	if err != nil {
		return 0, err
	}
	e, err := ParseClock(end)
	if err != nil {
		return 0, err
	}
	return ShiftLength(s, e), nil
}

// Granularity is the width of a reporting bucket
type Granularity string

const (
	Daily  Granularity = "daily"
	Weekly Granularity = "weekly"
)

// ParseGranularity validates a bucket granularity, defaulting to daily when empty
func ParseGranularity(s string) (Granularity, error) {
	switch Granularity(s) {
	case "", Daily:
		return Daily, nil
	case Weekly:
		return Weekly, nil
	default:
		return "", fmt.Errorf("unknown granularity %q", s)
	}
}

// Truncate returns the start of the bucket containing t. Daily buckets start at
// midnight in loc, weekly buckets on Monday at midnight in loc.
func Truncate(t time.Time, g Granularity, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.UTC
	}
	lt := t.In(loc)
	day := time.Date(lt.Year(), lt.Month(), lt.Day(), 0, 0, 0, 0, loc)
	if g != Weekly {
		return day
	}
	offset := (int(day.Weekday()) + 6) % 7
	return day.AddDate(0, 0, -offset)
}
