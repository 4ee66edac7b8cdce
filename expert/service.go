package expert

import (
	"context"
	"time"
)

// Service exposes registry-level operations to hooks and dashboards. Load
// mutations stay on the Repository because they only make sense inside the
// lifecycle manager's transactions.
type Service struct {
	repo Repository
	now  func() time.Time
}

// NewService builds a registry service over the provided repository.
func NewService(repo Repository) *Service {
	return &Service{
		repo: repo,
		now:  time.Now,
	}
}

// WithClock overrides the time source, for tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Approve creates the registry row for a newly approved expert profile.
func (s *Service) Approve(ctx context.Context, params CreateParams) (Expert, error) {
	return s.repo.Create(ctx, params)
}

// GetByID returns the expert record for the given identifier.
func (s *Service) GetByID(ctx context.Context, id string) (Expert, error) {
	return s.repo.GetByID(ctx, id)
}

// ListEligible returns experts available for assignment, least loaded first.
func (s *Service) ListEligible(ctx context.Context) ([]Expert, error) {
	return s.repo.ListEligible(ctx)
}

// Reactivate restores assignment eligibility and records the activity.
// Idempotent aside from last_active_at advancing.
func (s *Service) Reactivate(ctx context.Context, id string) error {
	return s.repo.Reactivate(ctx, id, s.now())
}

// TouchActivity records that the expert performed a tracked action now.
func (s *Service) TouchActivity(ctx context.Context, id string) error {
	return s.repo.TouchActivity(ctx, id, s.now())
}

// WorkloadStats reports per-expert load plus aggregate totals.
func (s *Service) WorkloadStats(ctx context.Context) (WorkloadReport, error) {
	entries, err := s.repo.Workloads(ctx)
	if err != nil {
		return WorkloadReport{}, err
	}

	report := WorkloadReport{Experts: entries}
	for _, e := range entries {
		report.TotalLoad += e.CurrentLoad
		report.TotalCapacity += e.Capacity
	}
	return report, nil
}
