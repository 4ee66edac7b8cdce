package expert

import "time"

// DefaultCapacity is the concurrent-review ceiling applied when an expert
// profile is approved without an explicit capacity.
const DefaultCapacity = 50

// Expert mirrors the experts table. CurrentLoad counts pending review tasks
// assigned to the expert; the database enforces 0 <= current_load <= capacity.
type Expert struct {
	ID            string
	UserID        string
	Capacity      int
	CurrentLoad   int
	IsActive      bool
	InactiveSince *time.Time
	LastActiveAt  time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// CreateParams contains the write parameters for approving a new expert profile.
type CreateParams struct {
	UserID   string
	Capacity int
}

// WorkloadEntry is the per-expert slice of the workload report.
type WorkloadEntry struct {
	ExpertID    string
	CurrentLoad int
	Capacity    int
	IsActive    bool
}

// WorkloadReport aggregates registry load for operational dashboards.
type WorkloadReport struct {
	Experts       []WorkloadEntry
	TotalLoad     int
	TotalCapacity int
}
