package expert

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
)

func TestService_WorkloadStats(t *testing.T) {
	repo := &fakeRepo{
		workloads: []WorkloadEntry{
			{ExpertID: "expert-a", CurrentLoad: 2, Capacity: 50, IsActive: true},
			{ExpertID: "expert-b", CurrentLoad: 0, Capacity: 10, IsActive: true},
			{ExpertID: "expert-c", CurrentLoad: 5, Capacity: 5, IsActive: false},
		},
	}
	svc := NewService(repo)

	report, err := svc.WorkloadStats(context.Background())
	if err != nil {
		t.Fatalf("workload stats: %v", err)
	}
	if len(report.Experts) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(report.Experts))
	}
	if report.TotalLoad != 7 {
		t.Fatalf("expected total load 7, got %d", report.TotalLoad)
	}
	if report.TotalCapacity != 65 {
		t.Fatalf("expected total capacity 65, got %d", report.TotalCapacity)
	}
}

func TestService_ReactivatePassesClock(t *testing.T) {
	repo := &fakeRepo{}
	at := time.Date(2025, 3, 1, 9, 30, 0, 0, time.UTC)
	svc := NewService(repo).WithClock(func() time.Time { return at })

	if err := svc.Reactivate(context.Background(), "expert-a"); err != nil {
		t.Fatalf("reactivate: %v", err)
	}
	if repo.reactivatedID != "expert-a" || !repo.reactivatedAt.Equal(at) {
		t.Fatalf("expected reactivate(expert-a, %s), got (%s, %s)", at, repo.reactivatedID, repo.reactivatedAt)
	}

	if err := svc.TouchActivity(context.Background(), "expert-a"); err != nil {
		t.Fatalf("touch: %v", err)
	}
	if !repo.touchedAt.Equal(at) {
		t.Fatalf("expected touch at %s, got %s", at, repo.touchedAt)
	}
}

func TestService_ApproveDefaultsCapacity(t *testing.T) {
	repo := &fakeRepo{}
	svc := NewService(repo)

	if _, err := svc.Approve(context.Background(), CreateParams{UserID: "user-1"}); err != nil {
		t.Fatalf("approve: %v", err)
	}
	if repo.created.UserID != "user-1" {
		t.Fatalf("expected create forwarded, got %+v", repo.created)
	}
}

type fakeRepo struct {
	workloads     []WorkloadEntry
	created       CreateParams
	reactivatedID string
	reactivatedAt time.Time
	touchedAt     time.Time
}

func (f *fakeRepo) Create(_ context.Context, params CreateParams) (Expert, error) {
	f.created = params
	capacity := params.Capacity
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return Expert{ID: "expert-new", UserID: params.UserID, Capacity: capacity, IsActive: true}, nil
}

func (f *fakeRepo) GetByID(_ context.Context, id string) (Expert, error) {
	return Expert{ID: id}, nil
}

func (f *fakeRepo) ListEligible(context.Context) ([]Expert, error) {
	return nil, nil
}

func (f *fakeRepo) IncrementLoad(context.Context, pgx.Tx, string) error { return nil }

func (f *fakeRepo) DecrementLoad(context.Context, pgx.Tx, string) error { return nil }

func (f *fakeRepo) MarkInactive(context.Context, pgx.Tx, string, time.Time) error { return nil }

func (f *fakeRepo) Reactivate(_ context.Context, id string, at time.Time) error {
	f.reactivatedID = id
	f.reactivatedAt = at
	return nil
}

func (f *fakeRepo) TouchActivity(_ context.Context, _ string, at time.Time) error {
	f.touchedAt = at
	return nil
}

func (f *fakeRepo) Workloads(context.Context) ([]WorkloadEntry, error) {
	return f.workloads, nil
}
