// Package calendar converts between client calendar dates in an IANA zone and
// the canonical UTC instants the reservation tables store.
//
// A delivery date is persisted as the UTC instant of local midnight of the
// chosen day. Every comparison goes back through the same zone, so both sides
// of a count agree on what "that day" means.
package calendar

import (
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/cimillas/delivery-slots/internal/domain"
)

// DateLayout is the wire and comparison format of a calendar date.
const DateLayout = "2006-01-02"

// LoadZone resolves an IANA zone name. An empty name is UTC.
func LoadZone(zone string) (*time.Location, error) {
	zone = strings.TrimSpace(zone)
	if zone == "" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(zone)
	if err != nil {
		return nil, domain.ErrInvalidTimeZone
	}
	return loc, nil
}

// ParseDate checks a YYYY-MM-DD date and returns it as midnight UTC.
func ParseDate(date string) (time.Time, error) {
	d, err := time.Parse(DateLayout, strings.TrimSpace(date))
	if err != nil {
		return time.Time{}, domain.ErrInvalidDate
	}
	return d, nil
}

// ToCanonicalInstant returns the UTC instant of local midnight of date in zone.
// If midnight does not exist that day (a DST gap at 00:00), the first instant of
// the local day is used instead.
func ToCanonicalInstant(date, zone string) (time.Time, error) {
	d, err := ParseDate(date)
	if err != nil {
		return time.Time{}, err
	}
	loc, err := LoadZone(zone)
	if err != nil {
		return time.Time{}, err
	}
	return startOfDay(d.Year(), d.Month(), d.Day(), loc).UTC(), nil
}

// ToComparableDateString renders t as a calendar date local to zone.
func ToComparableDateString(t time.Time, zone string) (string, error) {
	loc, err := LoadZone(zone)
	if err != nil {
		return "", err
	}
	return t.In(loc).Format(DateLayout), nil
}

// Weekday returns the weekday of a calendar date string.
func Weekday(date string) (time.Weekday, error) {
	d, err := ParseDate(date)
	if err != nil {
		return 0, err
	}
	return d.Weekday(), nil
}

// Today is the calendar date of now in zone.
func Today(now time.Time, zone string) (string, error) {
	return ToComparableDateString(now, zone)
}

// DaysBetween counts whole calendar days from a to b (both YYYY-MM-DD).
// Both dates parse to UTC midnight, so every day is exactly 24 hours.
func DaysBetween(a, b string) (int, error) {
	da, err := ParseDate(a)
	if err != nil {
		return 0, err
	}
	db, err := ParseDate(b)
	if err != nil {
		return 0, err
	}
	return int(db.Sub(da) / (24 * time.Hour)), nil
}

func startOfDay(year int, month time.Month, day int, loc *time.Location) time.Time {
	t := time.Date(year, month, day, 0, 0, 0, 0, loc)
	if sameDay(t, year, month, day) {
		return t
	}
	// Midnight fell into a gap and time.Date normalised it onto the previous
	// day. Bisect forward for the first instant that is on the requested day.
	lo, hi := t, t.Add(24*time.Hour)
	for hi.Sub(lo) > time.Second {
		mid := lo.Add(hi.Sub(lo) / 2).Truncate(time.Second)
		if before(mid, year, month, day) {
			lo = mid
		} else {
			hi = mid
		}
	}
	return hi
}

func sameDay(t time.Time, year int, month time.Month, day int) bool {
	y, m, d := t.Date()
	return y == year && m == month && d == day
}

func before(t time.Time, year int, month time.Month, day int) bool {
	y, m, d := t.Date()
	if y != year {
		return y < year
	}
	if m != month {
		return m < month
	}
	return d < day
}
