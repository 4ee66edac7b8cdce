package review

import "time"

// Status represents the lifecycle state of a review task. pending is the only
// non-terminal state; released rows are the audit trail left behind when a
// task is pulled back from an expert and reassigned.
type Status string

const (
	StatusPending   Status = "pending"
	StatusApproved  Status = "approved"
	StatusRejected  Status = "rejected"
	StatusCorrected Status = "corrected"
	StatusReleased  Status = "released"
)

// IsTerminalOutcome reports whether s is a valid completion outcome.
func IsTerminalOutcome(s Status) bool {
	return s == StatusApproved || s == StatusRejected || s == StatusCorrected
}

// Consensus is the engine's view of a finalized consolidation result: an
// opaque task reference plus the agreement score in [0,100].
type Consensus struct {
	TaskRef        string
	AgreementScore float64
}

// Task mirrors the review_tasks table.
type Task struct {
	ID             string
	ConsensusRef   string
	AgreementScore float64
	ExpertID       string
	Status         Status
	AssignedAt     time.Time
	CompletedAt    *time.Time
	ReleasedAt     *time.Time
	ReassignCount  int
	CreatedAt      time.Time
}

// CreateTaskParams enumerates the fields written when a consensus is bound to
// an expert.
type CreateTaskParams struct {
	ID             string
	ConsensusRef   string
	AgreementScore float64
	ExpertID       string
	AssignedAt     time.Time
	ReassignCount  int
}

// AssignmentResult reports the outcome of one assignment attempt.
type AssignmentResult struct {
	Assigned     bool
	Reason       string
	ExpertID     string
	ReviewTaskID string
}

// ReasonNoExperts is surfaced alongside the policy reasons when every
// eligible expert is at capacity.
const ReasonNoExperts = "no_experts"

// TimeoutOutcome is the result of one timeout evaluation.
type TimeoutOutcome string

const (
	OutcomeExtended       TimeoutOutcome = "extended"
	OutcomeReleased       TimeoutOutcome = "released"
	OutcomeMarkedInactive TimeoutOutcome = "marked_inactive"
)

// Outbox topics published by the lifecycle manager.
const (
	TopicReviewAssigned  = "review.assigned"
	TopicReviewCompleted = "review.completed"
	TopicReviewReleased  = "review.released"
	TopicExpertInactive  = "expert.inactive"
)

// Timeline event types recorded on the review-task audit trail.
const (
	EventReviewAssigned  = "REVIEW_ASSIGNED"
	EventReviewExtended  = "REVIEW_EXTENDED"
	EventReviewReleased  = "REVIEW_RELEASED"
	EventReviewCompleted = "REVIEW_COMPLETED"
)
