package booking

import (
	"fmt"
	"time"
)

// ReleaseTime is when inventory for checkIn opens: daysBefore days earlier at
// clock (HH:MM) in loc. Monitoring starts shortly before this.
func ReleaseTime(checkIn time.Time, daysBefore int, clock string, loc *time.Location) (time.Time, error) {
	if daysBefore < 0 {
		return time.Time{}, fmt.Errorf("days before must not be negative")
	}
	if loc == nil {
		loc = time.UTC
	}
	if clock == "" {
		clock = "00:00"
	}
	day := checkIn.AddDate(0, 0, -daysBefore)
	at, err := time.ParseInLocation("2006-01-02 15:04", day.Format("2006-01-02")+" "+clock, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("release time %q: %w", clock, err)
	}
	return at, nil
}
