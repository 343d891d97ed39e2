package app

import (
	"time"

	"github.com/cimillas/delivery-slots/internal/calendar"
	"github.com/cimillas/delivery-slots/internal/domain"
)

// SchedulePolicy decides which calendar dates can be booked at all.
type SchedulePolicy struct {
	// CutoffTime closes same-day booking once local time reaches it. Nil means no cutoff.
	CutoffTime *domain.TimeOfDay
	// BlackoutDates are YYYY-MM-DD dates with no deliveries.
	BlackoutDates []string
	// MaxDaysAhead limits how far ahead a date may be. Zero means unlimited.
	MaxDaysAhead int
}

func (p SchedulePolicy) IsBlackout(date string) bool {
	for _, d := range p.BlackoutDates {
		if d == date {
			return true
		}
	}
	return false
}

// CheckDate returns domain.ErrDateUnavailable when date cannot be booked at now,
// evaluated in zone.
func (p SchedulePolicy) CheckDate(now time.Time, date, zone string) error {
	today, err := calendar.Today(now, zone)
	if err != nil {
		return err
	}
	ahead, err := calendar.DaysBetween(today, date)
	if err != nil {
		return err
	}
	if ahead < 0 {
		return domain.ErrDateUnavailable
	}
	if ahead == 0 && p.CutoffTime != nil {
		loc, err := calendar.LoadZone(zone)
		if err != nil {
			return err
		}
		local := now.In(loc)
		if domain.TimeOfDay(local.Hour()*60+local.Minute()) >= *p.CutoffTime {
			return domain.ErrDateUnavailable
		}
	}
	if p.MaxDaysAhead > 0 && ahead > p.MaxDaysAhead {
		return domain.ErrDateUnavailable
	}
	if p.IsBlackout(date) {
		return domain.ErrDateUnavailable
	}
	return nil
}
