package review

import (
	"context"
	"errors"
	"fmt"
	"time"

	"reviewflow/expert"
	"reviewflow/policy"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

var (
	// ErrNotTimedOut signals a timeout evaluation on a task that has not yet
	// crossed the staleness threshold.
	ErrNotTimedOut = errors.New("review: task not timed out")
	// ErrInvalidOutcome signals a completion with an outcome outside
	// approved/rejected/corrected.
	ErrInvalidOutcome = errors.New("review: invalid completion outcome")
)

// Default lifecycle tunables.
const (
	DefaultReviewTimeout       = 48 * time.Hour
	DefaultInactivityThreshold = 7 * 24 * time.Hour
	DefaultMaxReassignments    = 5
)

// Config carries the lifecycle thresholds. Zero values fall back to defaults.
type Config struct {
	ReviewTimeout       time.Duration
	InactivityThreshold time.Duration
	MaxReassignments    int
}

func (c Config) withDefaults() Config {
	if c.ReviewTimeout <= 0 {
		c.ReviewTimeout = DefaultReviewTimeout
	}
	if c.InactivityThreshold <= 0 {
		c.InactivityThreshold = DefaultInactivityThreshold
	}
	if c.MaxReassignments <= 0 {
		c.MaxReassignments = DefaultMaxReassignments
	}
	return c
}

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// ExpertDirectory is the slice of the expert registry the lifecycle manager
// needs. Load mutations and MarkInactive run inside lifecycle transactions.
type ExpertDirectory interface {
	GetByID(ctx context.Context, id string) (expert.Expert, error)
	ListEligible(ctx context.Context) ([]expert.Expert, error)
	IncrementLoad(ctx context.Context, tx pgx.Tx, id string) error
	DecrementLoad(ctx context.Context, tx pgx.Tx, id string) error
	MarkInactive(ctx context.Context, tx pgx.Tx, id string, at time.Time) error
	TouchActivity(ctx context.Context, id string, at time.Time) error
}

// TimelineWriter appends audit events within the lifecycle transaction.
type TimelineWriter interface {
	Append(ctx context.Context, tx pgx.Tx, reviewTaskID string, eventType string, payload map[string]any) error
}

// OutboxWriter enqueues messages within the lifecycle transaction.
type OutboxWriter interface {
	Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error
}

// DrainFunc is the caller-supplied hook that re-examines held consensuses
// after capacity frees up. Invoked on its own goroutine, best-effort.
type DrainFunc func(ctx context.Context)

// Service owns the review-task state machine: assignment, timeout handling,
// release, reassignment and completion.
type Service struct {
	pool    TxBeginner
	repo    Repository
	experts ExpertDirectory
	router  *policy.Policy
	cfg     Config

	timeline TimelineWriter
	outbox   OutboxWriter
	drain    DrainFunc

	now   func() time.Time
	idGen func() string
}

// NewService builds the lifecycle manager.
func NewService(pool TxBeginner, repo Repository, experts ExpertDirectory, router *policy.Policy, cfg Config) *Service {
	if router == nil {
		router = policy.New()
	}
	return &Service{
		pool:    pool,
		repo:    repo,
		experts: experts,
		router:  router,
		cfg:     cfg.withDefaults(),
		now:     time.Now,
		idGen:   func() string { return uuid.NewString() },
	}
}

// WithTimelineAndOutbox attaches the transactional audit writers.
func (s *Service) WithTimelineAndOutbox(timeline TimelineWriter, outbox OutboxWriter) *Service {
	s.timeline = timeline
	s.outbox = outbox
	return s
}

// WithDrain attaches the held-consensus drain callback fired after completions.
func (s *Service) WithDrain(drain DrainFunc) *Service {
	s.drain = drain
	return s
}

// WithClock overrides the time source, for tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// WithIDGenerator overrides review-task id generation, for tests.
func (s *Service) WithIDGenerator(gen func() string) *Service {
	s.idGen = gen
	return s
}

// AssignTaskToExpert routes a finalized consensus to expert review. When force
// is false the routing policy is consulted first; force skips it, used when a
// released task must not be re-subjected to the random-skip draw.
func (s *Service) AssignTaskToExpert(ctx context.Context, consensus Consensus, force bool) (AssignmentResult, error) {
	reason := policy.ReasonForced
	if !force {
		decision := s.router.Decide(consensus.AgreementScore)
		if !decision.Route {
			return AssignmentResult{Assigned: false, Reason: string(decision.Reason)}, nil
		}
		reason = decision.Reason
	}
	return s.assign(ctx, consensus, string(reason), 0, "")
}

// assign binds the consensus to the least loaded eligible expert, creating the
// pending task and incrementing load in one transaction. A lost capacity race
// gets exactly one retry against a refreshed eligible list.
func (s *Service) assign(ctx context.Context, consensus Consensus, reason string, reassignCount int, excludeExpertID string) (AssignmentResult, error) {
	if consensus.TaskRef == "" {
		return AssignmentResult{}, fmt.Errorf("review: consensus task ref required")
	}

	for attempt := 0; attempt < 2; attempt++ {
		eligible, err := s.experts.ListEligible(ctx)
		if err != nil {
			return AssignmentResult{}, err
		}
		eligible = excludeExpert(eligible, excludeExpertID)

		chosen := s.router.SelectExpert(eligible)
		if chosen == nil {
			return AssignmentResult{Assigned: false, Reason: ReasonNoExperts}, nil
		}

		task, err := s.createAssignment(ctx, consensus, chosen.ID, reason, reassignCount)
		if errors.Is(err, expert.ErrCapacityExceeded) {
			// Lost the last slot to a concurrent assignment; refresh and retry.
			continue
		}
		if err != nil {
			return AssignmentResult{}, err
		}

		return AssignmentResult{
			Assigned:     true,
			Reason:       reason,
			ExpertID:     chosen.ID,
			ReviewTaskID: task.ID,
		}, nil
	}

	return AssignmentResult{Assigned: false, Reason: ReasonNoExperts}, nil
}

func (s *Service) createAssignment(ctx context.Context, consensus Consensus, expertID, reason string, reassignCount int) (Task, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Task{}, fmt.Errorf("review: begin assign tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := s.experts.IncrementLoad(ctx, tx, expertID); err != nil {
		return Task{}, err
	}

	task, err := s.repo.Create(ctx, tx, CreateTaskParams{
		ID:             s.idGen(),
		ConsensusRef:   consensus.TaskRef,
		AgreementScore: consensus.AgreementScore,
		ExpertID:       expertID,
		AssignedAt:     s.now(),
		ReassignCount:  reassignCount,
	})
	if err != nil {
		return Task{}, err
	}

	if s.timeline != nil {
		payload := map[string]any{
			"expert_id":       expertID,
			"consensus_ref":   consensus.TaskRef,
			"agreement_score": consensus.AgreementScore,
			"reason":          reason,
		}
		if err := s.timeline.Append(ctx, tx, task.ID, EventReviewAssigned, payload); err != nil {
			return Task{}, err
		}
	}
	if s.outbox != nil {
		payload := map[string]any{
			"review_task_id": task.ID,
			"expert_id":      expertID,
			"consensus_ref":  consensus.TaskRef,
		}
		if err := s.outbox.Enqueue(ctx, tx, TopicReviewAssigned, payload); err != nil {
			return Task{}, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return Task{}, fmt.Errorf("review: commit assign tx: %w", err)
	}
	return task, nil
}

// HandleReviewTimeout applies the timeout transition to one stale pending
// task. The assigned_at value read with the task acts as the optimistic
// concurrency token: if another pass already extended or released the task the
// transition fails with ErrStaleTask (or ErrNotPending) and the caller skips.
//
// When the returned outcome is non-empty the transition itself committed; a
// non-nil error alongside it reports a failed follow-up reassignment.
func (s *Service) HandleReviewTimeout(ctx context.Context, task Task) (TimeoutOutcome, error) {
	now := s.now()

	if task.Status != StatusPending {
		return "", ErrNotPending
	}
	if now.Sub(task.AssignedAt) <= s.cfg.ReviewTimeout {
		return "", ErrNotTimedOut
	}

	exp, err := s.experts.GetByID(ctx, task.ExpertID)
	if err != nil {
		return "", err
	}

	switch {
	case exp.LastActiveAt.After(task.AssignedAt):
		// Active since assignment: presumably working, just slowly.
		if err := s.extend(ctx, task, now); err != nil {
			return "", err
		}
		return OutcomeExtended, nil

	case exp.LastActiveAt.Before(now.Add(-s.cfg.InactivityThreshold)):
		// Gone dark: pull everything back and retire the expert.
		return s.markInactiveAndReleaseAll(ctx, task, now)

	default:
		return s.releaseAndReassign(ctx, task, now)
	}
}

func (s *Service) extend(ctx context.Context, task Task, now time.Time) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("review: begin extend tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := s.repo.ExtendIfUnchanged(ctx, tx, task.ID, task.AssignedAt, now); err != nil {
		return err
	}
	if s.timeline != nil {
		payload := map[string]any{
			"expert_id":            task.ExpertID,
			"previous_assigned_at": task.AssignedAt,
		}
		if err := s.timeline.Append(ctx, tx, task.ID, EventReviewExtended, payload); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("review: commit extend tx: %w", err)
	}
	return nil
}

func (s *Service) releaseAndReassign(ctx context.Context, task Task, now time.Time) (TimeoutOutcome, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return "", fmt.Errorf("review: begin release tx: %w", err)
	}
	defer tx.Rollback(ctx)

	released, err := s.repo.ReleaseIfUnchanged(ctx, tx, task.ID, task.AssignedAt, now)
	if err != nil {
		return "", err
	}
	if err := s.experts.DecrementLoad(ctx, tx, task.ExpertID); err != nil {
		return "", err
	}
	if err := s.auditRelease(ctx, tx, released, "stale"); err != nil {
		return "", err
	}

	if err := tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("review: commit release tx: %w", err)
	}

	return OutcomeReleased, s.reassignReleased(ctx, released)
}

func (s *Service) markInactiveAndReleaseAll(ctx context.Context, task Task, now time.Time) (TimeoutOutcome, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return "", fmt.Errorf("review: begin inactive tx: %w", err)
	}
	defer tx.Rollback(ctx)

	pending, err := s.repo.ListPendingForExpert(ctx, tx, task.ExpertID)
	if err != nil {
		return "", err
	}
	// The triggering task must still be pending with the same clock value,
	// otherwise another pass already handled this staleness window.
	if !containsToken(pending, task.ID, task.AssignedAt) {
		return "", ErrStaleTask
	}

	if err := s.experts.MarkInactive(ctx, tx, task.ExpertID, now); err != nil {
		return "", err
	}

	released := make([]Task, 0, len(pending))
	for _, p := range pending {
		rel, err := s.repo.Release(ctx, tx, p.ID, now)
		if err != nil {
			return "", err
		}
		if err := s.experts.DecrementLoad(ctx, tx, task.ExpertID); err != nil {
			return "", err
		}
		if err := s.auditRelease(ctx, tx, rel, "expert_inactive"); err != nil {
			return "", err
		}
		released = append(released, rel)
	}

	if s.outbox != nil {
		payload := map[string]any{
			"expert_id":      task.ExpertID,
			"released_tasks": len(released),
		}
		if err := s.outbox.Enqueue(ctx, tx, TopicExpertInactive, payload); err != nil {
			return "", err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("review: commit inactive tx: %w", err)
	}

	var reassignErr error
	for _, rel := range released {
		if err := s.reassignReleased(ctx, rel); err != nil && reassignErr == nil {
			reassignErr = err
		}
	}
	return OutcomeMarkedInactive, reassignErr
}

// reassignReleased force-routes a released consensus to a different expert.
// Routing was already decided once, so the random-skip draw is not re-run.
// Tasks that exhausted the reassignment budget stay held for external retry.
func (s *Service) reassignReleased(ctx context.Context, released Task) error {
	if released.ReassignCount >= s.cfg.MaxReassignments {
		return nil
	}
	consensus := Consensus{TaskRef: released.ConsensusRef, AgreementScore: released.AgreementScore}
	_, err := s.assign(ctx, consensus, string(policy.ReasonForced), released.ReassignCount+1, released.ExpertID)
	if err != nil {
		return fmt.Errorf("review: reassign released task %s: %w", released.ID, err)
	}
	return nil
}

func (s *Service) auditRelease(ctx context.Context, tx pgx.Tx, released Task, cause string) error {
	if s.timeline == nil && s.outbox == nil {
		return nil
	}
	payload := map[string]any{
		"expert_id":      released.ExpertID,
		"cause":          cause,
		"reassign_count": released.ReassignCount,
	}
	if s.timeline != nil {
		if err := s.timeline.Append(ctx, tx, released.ID, EventReviewReleased, payload); err != nil {
			return err
		}
	}
	if s.outbox != nil {
		payload := map[string]any{
			"review_task_id": released.ID,
			"expert_id":      released.ExpertID,
			"cause":          cause,
		}
		if err := s.outbox.Enqueue(ctx, tx, TopicReviewReleased, payload); err != nil {
			return err
		}
	}
	return nil
}

// OnReviewComplete records the expert's terminal outcome, frees the load slot
// and fires the drain callback. Completing a task that already left pending
// returns ErrNotPending; callers treat that as a warning no-op because a
// concurrent sweep may have released the task first.
func (s *Service) OnReviewComplete(ctx context.Context, taskID string, outcome Status) (Task, error) {
	if !IsTerminalOutcome(outcome) {
		return Task{}, ErrInvalidOutcome
	}
	now := s.now()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Task{}, fmt.Errorf("review: begin complete tx: %w", err)
	}
	defer tx.Rollback(ctx)

	task, err := s.repo.CompleteIfPending(ctx, tx, taskID, outcome, now)
	if err != nil {
		return Task{}, err
	}
	if err := s.experts.DecrementLoad(ctx, tx, task.ExpertID); err != nil {
		return Task{}, err
	}

	if s.timeline != nil {
		payload := map[string]any{
			"expert_id": task.ExpertID,
			"outcome":   string(outcome),
		}
		if err := s.timeline.Append(ctx, tx, task.ID, EventReviewCompleted, payload); err != nil {
			return Task{}, err
		}
	}
	if s.outbox != nil {
		payload := map[string]any{
			"review_task_id": task.ID,
			"expert_id":      task.ExpertID,
			"outcome":        string(outcome),
		}
		if err := s.outbox.Enqueue(ctx, tx, TopicReviewCompleted, payload); err != nil {
			return Task{}, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return Task{}, fmt.Errorf("review: commit complete tx: %w", err)
	}

	// Completion is a tracked activity; best-effort once committed.
	_ = s.experts.TouchActivity(ctx, task.ExpertID, now)

	if s.drain != nil {
		go s.drain(context.WithoutCancel(ctx))
	}

	return task, nil
}

func excludeExpert(eligible []expert.Expert, excludeID string) []expert.Expert {
	if excludeID == "" || len(eligible) == 0 {
		return eligible
	}
	filtered := make([]expert.Expert, 0, len(eligible))
	for _, e := range eligible {
		if e.ID != excludeID {
			filtered = append(filtered, e)
		}
	}
	// If the original holder is the only option, reassigning to them still
	// resets the clock, which is progress.
	if len(filtered) == 0 {
		return eligible
	}
	return filtered
}

func containsToken(tasks []Task, id string, assignedAt time.Time) bool {
	for _, t := range tasks {
		if t.ID == id && t.AssignedAt.Equal(assignedAt) {
			return true
		}
	}
	return false
}
