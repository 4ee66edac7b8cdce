package review

import (
	"context"
)

// Reactivator is the slice of the expert registry the login hook needs.
type Reactivator interface {
	Reactivate(ctx context.Context, expertID string) error
}

// Hooks translates external events (login, review submission, finished
// consolidation) into registry and lifecycle operations. Collaborators call
// these directly; there is no event bus.
type Hooks struct {
	registry  Reactivator
	lifecycle *Service
	drain     DrainFunc
}

// NewHooks wires the event entry points.
func NewHooks(registry Reactivator, lifecycle *Service) *Hooks {
	return &Hooks{
		registry:  registry,
		lifecycle: lifecycle,
	}
}

// WithDrain attaches the held-consensus drain fired after reactivation.
func (h *Hooks) WithDrain(drain DrainFunc) *Hooks {
	h.drain = drain
	return h
}

// ReactivateExpertOnLogin restores assignment eligibility when the expert
// logs in, then drains held consensuses best-effort in the background.
func (h *Hooks) ReactivateExpertOnLogin(ctx context.Context, expertID string) error {
	if err := h.registry.Reactivate(ctx, expertID); err != nil {
		return err
	}
	if h.drain != nil {
		go h.drain(context.WithoutCancel(ctx))
	}
	return nil
}

// OnExpertReviewComplete forwards a persisted review decision to the
// lifecycle manager.
func (h *Hooks) OnExpertReviewComplete(ctx context.Context, reviewTaskID string, outcome Status) (Task, error) {
	return h.lifecycle.OnReviewComplete(ctx, reviewTaskID, outcome)
}

// AfterConsolidation routes a freshly finalized consensus through the
// assignment policy.
func (h *Hooks) AfterConsolidation(ctx context.Context, consensus Consensus) (AssignmentResult, error) {
	return h.lifecycle.AssignTaskToExpert(ctx, consensus, false)
}
