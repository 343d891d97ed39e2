package app

import (
	"context"
	"strings"

	"github.com/cimillas/delivery-slots/internal/domain"
)

type AdminRepository interface {
	CreateTimeBlock(ctx context.Context, block domain.TimeBlock) error
	ListTimeBlocks(ctx context.Context) ([]domain.TimeBlock, error)
}

type AdminService struct {
	repo AdminRepository
}

func NewAdminService(repo AdminRepository) *AdminService {
	return &AdminService{repo: repo}
}

type CreateTimeBlockInput struct {
	Name string
	// StartTime and EndTime are local "HH:MM" wall-clock times.
	StartTime    string
	EndTime      string
	Capacity     int
	FeeMinor     int64
	CurrencyCode string
	Weekdays     []int
}

func (s *AdminService) CreateTimeBlock(ctx context.Context, in CreateTimeBlockInput) (domain.TimeBlock, error) {
	start, err := domain.ParseTimeOfDay(in.StartTime)
	if err != nil {
		return domain.TimeBlock{}, err
	}
	end, err := domain.ParseTimeOfDay(in.EndTime)
	if err != nil {
		return domain.TimeBlock{}, err
	}
	days, err := domain.WeekdaySetFromInts(in.Weekdays)
	if err != nil {
		return domain.TimeBlock{}, err
	}

	block := domain.TimeBlock{
		ID:           newUUID(),
		Name:         strings.TrimSpace(in.Name),
		StartTime:    start,
		EndTime:      end,
		Capacity:     in.Capacity,
		FeeMinor:     in.FeeMinor,
		CurrencyCode: strings.ToUpper(strings.TrimSpace(in.CurrencyCode)),
		Weekdays:     days,
	}
	if err := block.Validate(); err != nil {
		return domain.TimeBlock{}, err
	}

	if err := s.repo.CreateTimeBlock(ctx, block); err != nil {
		return domain.TimeBlock{}, err
	}
	return block, nil
}

func (s *AdminService) ListTimeBlocks(ctx context.Context) ([]domain.TimeBlock, error) {
	return s.repo.ListTimeBlocks(ctx)
}
