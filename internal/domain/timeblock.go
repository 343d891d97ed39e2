package domain

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"golang.org/x/text/currency"
)

// TimeOfDay is a local wall-clock time expressed in minutes after midnight.
type TimeOfDay int

const minutesPerDay = 24 * 60

// ParseTimeOfDay parses "HH:MM" (24h clock).
func ParseTimeOfDay(s string) (TimeOfDay, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return 0, ErrInvalidTimeOfDay
	}
	return TimeOfDay(t.Hour()*60 + t.Minute()), nil
}

func (t TimeOfDay) Valid() bool {
	return t >= 0 && t < minutesPerDay
}

func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", int(t)/60, int(t)%60)
}

// WeekdaySet is a bitmask of time.Weekday values (bit 0 = Sunday).
type WeekdaySet uint8

func NewWeekdaySet(days ...time.Weekday) WeekdaySet {
	var s WeekdaySet
	for _, d := range days {
		s |= 1 << uint(d)
	}
	return s
}

// WeekdaySetFromInts builds a set from 0..6 day numbers.
func WeekdaySetFromInts(days []int) (WeekdaySet, error) {
	if len(days) == 0 {
		return 0, ErrWeekdaysRequired
	}
	var s WeekdaySet
	for _, d := range days {
		if d < 0 || d > 6 {
			return 0, ErrInvalidWeekday
		}
		s |= 1 << uint(d)
	}
	return s, nil
}

func (s WeekdaySet) Has(d time.Weekday) bool {
	return s&(1<<uint(d)) != 0
}

// Ints returns the members in ascending order.
func (s WeekdaySet) Ints() []int {
	out := make([]int, 0, 7)
	for d := 0; d < 7; d++ {
		if s.Has(time.Weekday(d)) {
			out = append(out, d)
		}
	}
	sort.Ints(out)
	return out
}

// TimeBlock is a recurring, capacity-limited delivery window.
type TimeBlock struct {
	ID           string
	Name         string
	StartTime    TimeOfDay
	EndTime      TimeOfDay
	Capacity     int
	FeeMinor     int64
	CurrencyCode string
	Weekdays     WeekdaySet
}

func (b TimeBlock) Validate() error {
	if strings.TrimSpace(b.Name) == "" {
		return ErrTimeBlockNameRequired
	}
	if b.Capacity < 1 {
		return ErrInvalidCapacity
	}
	if !b.StartTime.Valid() || !b.EndTime.Valid() {
		return ErrInvalidTimeOfDay
	}
	if b.StartTime >= b.EndTime {
		return ErrInvalidTimeRange
	}
	if b.Weekdays == 0 {
		return ErrWeekdaysRequired
	}
	if b.FeeMinor < 0 {
		return ErrInvalidFee
	}
	if _, err := currency.ParseISO(b.CurrencyCode); err != nil {
		return ErrInvalidCurrency
	}
	return nil
}

// OfferedOn reports whether the block recurs on the given weekday.
func (b TimeBlock) OfferedOn(d time.Weekday) bool {
	return b.Weekdays.Has(d)
}
