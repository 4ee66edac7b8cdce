package actors

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"reviewflow/review"
)

// Consolidator feeds finalized consensuses into the engine with a mix of
// high-agreement and low-agreement scores, so the router both assigns and skips.
func Consolidator(ctx context.Context, hooks *review.Hooks, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		consensus := review.Consensus{
			TaskRef:        fmt.Sprintf("consensus-%d", rand.Int63()),
			AgreementScore: float64(rand.Intn(101)),
		}
		// assignment may legitimately land nowhere when every expert is full
		_, _ = hooks.AfterConsolidation(ctx, consensus)
		time.Sleep(time.Duration(5+rand.Intn(20)) * time.Millisecond)
	}
}

// Completer picks a random pending review and submits a terminal outcome,
// racing the sweeper for the same rows.
func Completer(ctx context.Context, pool *pgxpool.Pool, hooks *review.Hooks, stop <-chan struct{}) error {
	outcomes := []review.Status{review.StatusApproved, review.StatusRejected, review.StatusCorrected}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		var taskID string
		err := pool.QueryRow(ctx, `SELECT id FROM review_tasks WHERE status='pending' ORDER BY random() LIMIT 1`).Scan(&taskID)
		if errors.Is(err, pgx.ErrNoRows) {
			time.Sleep(10 * time.Millisecond)
			continue
		}
		if err == nil {
			// losing to a concurrent completion or release is expected
			_, _ = hooks.OnExpertReviewComplete(ctx, taskID, outcomes[rand.Intn(len(outcomes))])
		}
		time.Sleep(time.Duration(5+rand.Intn(15)) * time.Millisecond)
	}
}

// Sweeper runs overlapping timeout sweeps on a tight schedule.
func Sweeper(ctx context.Context, lifecycle *review.Service, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		_, _ = lifecycle.CheckAndProcessTimeouts(ctx)
		time.Sleep(time.Duration(20+rand.Intn(50)) * time.Millisecond)
	}
}

// LoginActor reactivates random experts, racing the sweeper's mark-inactive.
func LoginActor(ctx context.Context, pool *pgxpool.Pool, hooks *review.Hooks, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		var expertID string
		if err := pool.QueryRow(ctx, `SELECT id FROM experts ORDER BY random() LIMIT 1`).Scan(&expertID); err == nil {
			_ = hooks.ReactivateExpertOnLogin(ctx, expertID)
		}
		time.Sleep(time.Duration(30+rand.Intn(80)) * time.Millisecond)
	}
}

// Ager backdates random pending assignments past the review timeout and
// occasionally pushes an expert's last activity beyond the inactivity window,
// so sweeps exercise every timeout branch during the run.
func Ager(ctx context.Context, pool *pgxpool.Pool, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		_, _ = pool.Exec(ctx, `UPDATE review_tasks SET assigned_at = assigned_at - interval '49 hours'
                               WHERE id IN (SELECT id FROM review_tasks WHERE status='pending' ORDER BY random() LIMIT 2)`)
		if rand.Intn(4) == 0 {
			_, _ = pool.Exec(ctx, `UPDATE experts SET last_active_at = now() - interval '8 days'
                                   WHERE id IN (SELECT id FROM experts ORDER BY random() LIMIT 1)`)
		}
		time.Sleep(time.Duration(50+rand.Intn(100)) * time.Millisecond)
	}
}
