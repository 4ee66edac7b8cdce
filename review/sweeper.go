package review

import (
	"context"
	"errors"

	"reviewflow/expert"
)

// Report tallies one sweep pass. Skipped counts tasks another process handled
// first (completed, extended or released between our read and write).
type Report struct {
	Extended       int
	Released       int
	MarkedInactive int
	Skipped        int
}

// CheckAndProcessTimeouts scans pending review tasks older than the timeout
// threshold and applies the timeout transition to each. Safe to run
// concurrently with itself and with assignments/completions: every transition
// is guarded by the task's assigned_at token, so an overlapping pass skips
// rather than double-applies.
func (s *Service) CheckAndProcessTimeouts(ctx context.Context) (Report, error) {
	cutoff := s.now().Add(-s.cfg.ReviewTimeout)

	stale, err := s.repo.ListStalePending(ctx, cutoff)
	if err != nil {
		return Report{}, err
	}

	var report Report
	var firstErr error
	for _, task := range stale {
		outcome, err := s.HandleReviewTimeout(ctx, task)
		if err != nil && outcome == "" {
			if isConcurrentSkip(err) {
				report.Skipped++
				continue
			}
			// Storage failure: surface it, but finish tallying what committed.
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if err != nil && firstErr == nil {
			// Transition committed, follow-up reassignment failed.
			firstErr = err
		}

		switch outcome {
		case OutcomeExtended:
			report.Extended++
		case OutcomeReleased:
			report.Released++
		case OutcomeMarkedInactive:
			report.MarkedInactive++
		}
	}

	return report, firstErr
}

func isConcurrentSkip(err error) bool {
	return errors.Is(err, ErrStaleTask) ||
		errors.Is(err, ErrNotPending) ||
		errors.Is(err, ErrNotTimedOut) ||
		errors.Is(err, ErrNotFound) ||
		errors.Is(err, expert.ErrNotFound)
}
