package review

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrNotFound signals the review task does not exist.
	ErrNotFound = errors.New("review: task not found")
	// ErrNotPending signals a transition attempted on a task that already
	// left the pending state. Expected under concurrent completion vs sweep.
	ErrNotPending = errors.New("review: task not pending")
	// ErrStaleTask signals the assigned_at token changed since the caller
	// read the task: another pass already extended or released it.
	ErrStaleTask = errors.New("review: task changed since read")
)

// Repository handles data access for review tasks. Mutations that participate
// in lifecycle transactions take an explicit pgx.Tx; the conditional variants
// carry the optimistic-concurrency token (the assigned_at value observed at
// read time) and fail with ErrStaleTask/ErrNotPending when the row moved on.
type Repository interface {
	Create(ctx context.Context, tx pgx.Tx, params CreateTaskParams) (Task, error)
	GetByID(ctx context.Context, id string) (Task, error)
	ListStalePending(ctx context.Context, olderThan time.Time) ([]Task, error)
	ListPendingForExpert(ctx context.Context, tx pgx.Tx, expertID string) ([]Task, error)
	ExtendIfUnchanged(ctx context.Context, tx pgx.Tx, id string, token, newAssignedAt time.Time) error
	ReleaseIfUnchanged(ctx context.Context, tx pgx.Tx, id string, token, at time.Time) (Task, error)
	Release(ctx context.Context, tx pgx.Tx, id string, at time.Time) (Task, error)
	CompleteIfPending(ctx context.Context, tx pgx.Tx, id string, outcome Status, at time.Time) (Task, error)
}

// PGRepository implements Repository backed by PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewRepository wires a pgxpool-backed review-task repository.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

const taskColumns = `id, consensus_ref, agreement_score, expert_id, status::text, assigned_at, completed_at, released_at, reassign_count, created_at`

func (r *PGRepository) Create(ctx context.Context, tx pgx.Tx, params CreateTaskParams) (Task, error) {
	query := fmt.Sprintf(`
		INSERT INTO review_tasks (id, consensus_ref, agreement_score, expert_id, status, assigned_at, reassign_count)
		VALUES (COALESCE(NULLIF($1, '')::uuid, gen_random_uuid()), $2, $3, $4, 'pending', $5, $6)
		RETURNING %s
	`, taskColumns)

	task, err := scanTask(tx.QueryRow(ctx, query,
		params.ID,
		params.ConsensusRef,
		params.AgreementScore,
		params.ExpertID,
		params.AssignedAt,
		params.ReassignCount,
	))
	if err != nil {
		return Task{}, fmt.Errorf("review: create task: %w", err)
	}
	return task, nil
}

func (r *PGRepository) GetByID(ctx context.Context, id string) (Task, error) {
	query := fmt.Sprintf(`SELECT %s FROM review_tasks WHERE id = $1`, taskColumns)

	task, err := scanTask(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Task{}, ErrNotFound
		}
		return Task{}, fmt.Errorf("review: get task: %w", err)
	}
	return task, nil
}

// ListStalePending returns pending tasks assigned before olderThan, oldest
// first, for the timeout sweep.
func (r *PGRepository) ListStalePending(ctx context.Context, olderThan time.Time) ([]Task, error) {
	query := fmt.Sprintf(`
		SELECT %s
		FROM review_tasks
		WHERE status = 'pending' AND assigned_at < $1
		ORDER BY assigned_at ASC
	`, taskColumns)

	rows, err := r.pool.Query(ctx, query, olderThan)
	if err != nil {
		return nil, fmt.Errorf("review: list stale: %w", err)
	}
	defer rows.Close()

	return collectTasks(rows)
}

// ListPendingForExpert locks and returns every pending task held by the
// expert, for the release-all path when an expert goes dark.
func (r *PGRepository) ListPendingForExpert(ctx context.Context, tx pgx.Tx, expertID string) ([]Task, error) {
	query := fmt.Sprintf(`
		SELECT %s
		FROM review_tasks
		WHERE expert_id = $1 AND status = 'pending'
		ORDER BY assigned_at ASC
		FOR UPDATE
	`, taskColumns)

	rows, err := tx.Query(ctx, query, expertID)
	if err != nil {
		return nil, fmt.Errorf("review: list pending for expert: %w", err)
	}
	defer rows.Close()

	return collectTasks(rows)
}

// ExtendIfUnchanged resets the assignment clock, guarded by the token.
func (r *PGRepository) ExtendIfUnchanged(ctx context.Context, tx pgx.Tx, id string, token, newAssignedAt time.Time) error {
	tag, err := tx.Exec(ctx, `
		UPDATE review_tasks
		SET assigned_at = $3
		WHERE id = $1 AND status = 'pending' AND assigned_at = $2
	`, id, token, newAssignedAt)
	if err != nil {
		return fmt.Errorf("review: extend task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return r.classifyConditionalMiss(ctx, tx, id, token)
	}
	return nil
}

// ReleaseIfUnchanged moves a pending task to the released audit state,
// guarded by the token.
func (r *PGRepository) ReleaseIfUnchanged(ctx context.Context, tx pgx.Tx, id string, token, at time.Time) (Task, error) {
	query := fmt.Sprintf(`
		UPDATE review_tasks
		SET status = 'released', released_at = $3
		WHERE id = $1 AND status = 'pending' AND assigned_at = $2
		RETURNING %s
	`, taskColumns)

	task, err := scanTask(tx.QueryRow(ctx, query, id, token, at))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Task{}, r.classifyConditionalMiss(ctx, tx, id, token)
		}
		return Task{}, fmt.Errorf("review: release task: %w", err)
	}
	return task, nil
}

// Release moves a pending task to released without a token check. Used inside
// the release-all transaction where the rows are already locked FOR UPDATE.
func (r *PGRepository) Release(ctx context.Context, tx pgx.Tx, id string, at time.Time) (Task, error) {
	query := fmt.Sprintf(`
		UPDATE review_tasks
		SET status = 'released', released_at = $2
		WHERE id = $1 AND status = 'pending'
		RETURNING %s
	`, taskColumns)

	task, err := scanTask(tx.QueryRow(ctx, query, id, at))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Task{}, ErrNotPending
		}
		return Task{}, fmt.Errorf("review: release locked task: %w", err)
	}
	return task, nil
}

// CompleteIfPending records the expert's terminal outcome. Completing a task
// that already left pending returns ErrNotPending so a racing sweep cannot
// double-count.
func (r *PGRepository) CompleteIfPending(ctx context.Context, tx pgx.Tx, id string, outcome Status, at time.Time) (Task, error) {
	query := fmt.Sprintf(`
		UPDATE review_tasks
		SET status = $2::review_status, completed_at = $3
		WHERE id = $1 AND status = 'pending'
		RETURNING %s
	`, taskColumns)

	task, err := scanTask(tx.QueryRow(ctx, query, id, outcome, at))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			var exists bool
			if scanErr := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM review_tasks WHERE id = $1)`, id).Scan(&exists); scanErr != nil {
				return Task{}, fmt.Errorf("review: verify task exists: %w", scanErr)
			}
			if !exists {
				return Task{}, ErrNotFound
			}
			return Task{}, ErrNotPending
		}
		return Task{}, fmt.Errorf("review: complete task: %w", err)
	}
	return task, nil
}

func (r *PGRepository) classifyConditionalMiss(ctx context.Context, tx pgx.Tx, id string, token time.Time) error {
	var status string
	var assignedAt time.Time
	err := tx.QueryRow(ctx, `SELECT status::text, assigned_at FROM review_tasks WHERE id = $1`, id).Scan(&status, &assignedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("review: inspect task: %w", err)
	}
	if Status(status) != StatusPending {
		return ErrNotPending
	}
	if !assignedAt.Equal(token) {
		return ErrStaleTask
	}
	return fmt.Errorf("review: conditional update missed pending task %s", id)
}

func collectTasks(rows pgx.Rows) ([]Task, error) {
	tasks := make([]Task, 0, 8)
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("review: scan task: %w", err)
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("review: iterate tasks: %w", err)
	}
	return tasks, nil
}

func scanTask(row pgx.Row) (Task, error) {
	var t Task
	return t, row.Scan(
		&t.ID,
		&t.ConsensusRef,
		&t.AgreementScore,
		&t.ExpertID,
		&t.Status,
		&t.AssignedAt,
		&t.CompletedAt,
		&t.ReleasedAt,
		&t.ReassignCount,
		&t.CreatedAt,
	)
}
