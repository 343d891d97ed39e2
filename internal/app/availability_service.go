package app

import (
	"context"
	"sort"

	"github.com/cimillas/delivery-slots/internal/calendar"
	"github.com/cimillas/delivery-slots/internal/clock"
	"github.com/cimillas/delivery-slots/internal/domain"
)

// AvailabilityRepository is read-only and never locks.
type AvailabilityRepository interface {
	ListTimeBlocks(ctx context.Context) ([]domain.TimeBlock, error)
	// CountReservationsByBlock returns active reservation counts keyed by block id
	// for one calendar date, in a single grouped query. Each reservation's date
	// is read in its own booking zone.
	CountReservationsByBlock(ctx context.Context, blockIDs []string, date string) (map[string]int, error)
}

type AvailabilityService struct {
	repo     AvailabilityRepository
	clock    clock.Clock
	schedule SchedulePolicy
}

type AvailabilityOption func(*AvailabilityService)

func WithAvailabilitySchedule(p SchedulePolicy) AvailabilityOption {
	return func(s *AvailabilityService) {
		s.schedule = p
	}
}

func NewAvailabilityService(repo AvailabilityRepository, clk clock.Clock, opts ...AvailabilityOption) *AvailabilityService {
	svc := &AvailabilityService{repo: repo, clock: clk}
	for _, opt := range opts {
		opt(svc)
	}
	return svc
}

// AvailableBlock is a time block with its remaining capacity for one date.
type AvailableBlock struct {
	domain.TimeBlock
	Reserved          int
	RemainingCapacity int
}

type Availability struct {
	Date          string
	TimeZone      string
	Blocks        []AvailableBlock
	CutoffTime    *domain.TimeOfDay
	BlackoutDates []string
}

// AvailableBlocks lists blocks offered on date with capacity left. The count
// is a hint: it is read without locks and can be stale under load.
func (s *AvailabilityService) AvailableBlocks(ctx context.Context, date, zone string) (Availability, error) {
	zone = normalizeZone(zone)
	if _, err := calendar.ToCanonicalInstant(date, zone); err != nil {
		return Availability{}, err
	}

	result := Availability{
		Date:          date,
		TimeZone:      zone,
		Blocks:        []AvailableBlock{},
		CutoffTime:    s.schedule.CutoffTime,
		BlackoutDates: s.schedule.BlackoutDates,
	}
	if err := s.schedule.CheckDate(s.clock.Now(), date, zone); err != nil {
		if err == domain.ErrDateUnavailable {
			return result, nil
		}
		return Availability{}, err
	}

	weekday, err := calendar.Weekday(date)
	if err != nil {
		return Availability{}, err
	}

	blocks, err := s.repo.ListTimeBlocks(ctx)
	if err != nil {
		return Availability{}, err
	}
	offered := make([]domain.TimeBlock, 0, len(blocks))
	ids := make([]string, 0, len(blocks))
	for _, b := range blocks {
		if b.OfferedOn(weekday) {
			offered = append(offered, b)
			ids = append(ids, b.ID)
		}
	}
	if len(offered) == 0 {
		return result, nil
	}

	counts, err := s.repo.CountReservationsByBlock(ctx, ids, date)
	if err != nil {
		return Availability{}, err
	}
	for _, b := range offered {
		taken := counts[b.ID]
		if taken >= b.Capacity {
			continue
		}
		result.Blocks = append(result.Blocks, AvailableBlock{
			TimeBlock:         b,
			Reserved:          taken,
			RemainingCapacity: b.Capacity - taken,
		})
	}
	sort.SliceStable(result.Blocks, func(i, j int) bool {
		if result.Blocks[i].StartTime != result.Blocks[j].StartTime {
			return result.Blocks[i].StartTime < result.Blocks[j].StartTime
		}
		return result.Blocks[i].ID < result.Blocks[j].ID
	})
	return result, nil
}
