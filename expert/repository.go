package expert

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrNotFound signals the expert does not exist.
	ErrNotFound = errors.New("expert: not found")
	// ErrCapacityExceeded signals a conditional load increment lost the race
	// for the expert's last free slot.
	ErrCapacityExceeded = errors.New("expert: capacity exceeded")
	// ErrNegativeLoad signals a decrement on an expert whose load is already
	// zero. It indicates a lifecycle bug and is never swallowed.
	ErrNegativeLoad = errors.New("expert: load already zero")
)

// Repository handles data access for the expert registry. Load mutations and
// MarkInactive are transaction-scoped so lifecycle transitions can bundle them
// with review-task writes.
type Repository interface {
	Create(ctx context.Context, params CreateParams) (Expert, error)
	GetByID(ctx context.Context, id string) (Expert, error)
	ListEligible(ctx context.Context) ([]Expert, error)
	IncrementLoad(ctx context.Context, tx pgx.Tx, id string) error
	DecrementLoad(ctx context.Context, tx pgx.Tx, id string) error
	MarkInactive(ctx context.Context, tx pgx.Tx, id string, at time.Time) error
	Reactivate(ctx context.Context, id string, at time.Time) error
	TouchActivity(ctx context.Context, id string, at time.Time) error
	Workloads(ctx context.Context) ([]WorkloadEntry, error)
}

// PGRepository implements Repository backed by PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewRepository wires a pgxpool-backed registry repository.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

const expertColumns = `id, user_id, capacity, current_load, is_active, inactive_since, last_active_at, created_at, updated_at`

func (r *PGRepository) Create(ctx context.Context, params CreateParams) (Expert, error) {
	if params.UserID == "" {
		return Expert{}, fmt.Errorf("expert: user id required")
	}
	capacity := params.Capacity
	if capacity <= 0 {
		capacity = DefaultCapacity
	}

	query := fmt.Sprintf(`
		INSERT INTO experts (user_id, capacity)
		VALUES ($1, $2)
		RETURNING %s
	`, expertColumns)

	return scanExpert(r.pool.QueryRow(ctx, query, params.UserID, capacity))
}

func (r *PGRepository) GetByID(ctx context.Context, id string) (Expert, error) {
	query := fmt.Sprintf(`SELECT %s FROM experts WHERE id = $1`, expertColumns)

	e, err := scanExpert(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Expert{}, ErrNotFound
		}
		return Expert{}, fmt.Errorf("expert: get by id: %w", err)
	}
	return e, nil
}

// ListEligible returns active experts with free capacity, least loaded first.
// Ties break on id so selection is deterministic.
func (r *PGRepository) ListEligible(ctx context.Context) ([]Expert, error) {
	query := fmt.Sprintf(`
		SELECT %s
		FROM experts
		WHERE is_active AND current_load < capacity
		ORDER BY current_load ASC, id ASC
	`, expertColumns)

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("expert: list eligible: %w", err)
	}
	defer rows.Close()

	experts := make([]Expert, 0, 8)
	for rows.Next() {
		e, err := scanExpert(rows)
		if err != nil {
			return nil, fmt.Errorf("expert: scan eligible: %w", err)
		}
		experts = append(experts, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("expert: iterate eligible: %w", err)
	}
	return experts, nil
}

// IncrementLoad bumps current_load only while it is below capacity. The check
// runs server-side so two assignments cannot both claim the last slot.
func (r *PGRepository) IncrementLoad(ctx context.Context, tx pgx.Tx, id string) error {
	tag, err := tx.Exec(ctx, `
		UPDATE experts
		SET current_load = current_load + 1,
		    updated_at = now()
		WHERE id = $1 AND current_load < capacity
	`, id)
	if err != nil {
		return fmt.Errorf("expert: increment load: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return r.classifyConditionalMiss(ctx, tx, id, ErrCapacityExceeded)
	}
	return nil
}

// DecrementLoad lowers current_load, flooring at zero. A floored decrement is
// reported as ErrNegativeLoad because it means load tracking drifted.
func (r *PGRepository) DecrementLoad(ctx context.Context, tx pgx.Tx, id string) error {
	tag, err := tx.Exec(ctx, `
		UPDATE experts
		SET current_load = current_load - 1,
		    updated_at = now()
		WHERE id = $1 AND current_load > 0
	`, id)
	if err != nil {
		return fmt.Errorf("expert: decrement load: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return r.classifyConditionalMiss(ctx, tx, id, ErrNegativeLoad)
	}
	return nil
}

// MarkInactive flips the expert out of assignment rotation. Idempotent:
// inactive_since keeps its first value on repeat calls.
func (r *PGRepository) MarkInactive(ctx context.Context, tx pgx.Tx, id string, at time.Time) error {
	tag, err := tx.Exec(ctx, `
		UPDATE experts
		SET is_active = false,
		    inactive_since = COALESCE(inactive_since, $2),
		    updated_at = now()
		WHERE id = $1
	`, id, at)
	if err != nil {
		return fmt.Errorf("expert: mark inactive: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Reactivate puts the expert back into rotation and records the activity.
// Safe to call for an already-active expert.
func (r *PGRepository) Reactivate(ctx context.Context, id string, at time.Time) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE experts
		SET is_active = true,
		    inactive_since = NULL,
		    last_active_at = GREATEST(last_active_at, $2),
		    updated_at = now()
		WHERE id = $1
	`, id, at)
	if err != nil {
		return fmt.Errorf("expert: reactivate: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// TouchActivity advances last_active_at, never backward.
func (r *PGRepository) TouchActivity(ctx context.Context, id string, at time.Time) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE experts
		SET last_active_at = GREATEST(last_active_at, $2),
		    updated_at = now()
		WHERE id = $1
	`, id, at)
	if err != nil {
		return fmt.Errorf("expert: touch activity: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PGRepository) Workloads(ctx context.Context) ([]WorkloadEntry, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, current_load, capacity, is_active
		FROM experts
		ORDER BY id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("expert: query workloads: %w", err)
	}
	defer rows.Close()

	entries := make([]WorkloadEntry, 0, 16)
	for rows.Next() {
		var w WorkloadEntry
		if err := rows.Scan(&w.ExpertID, &w.CurrentLoad, &w.Capacity, &w.IsActive); err != nil {
			return nil, fmt.Errorf("expert: scan workload: %w", err)
		}
		entries = append(entries, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("expert: iterate workloads: %w", err)
	}
	return entries, nil
}

// classifyConditionalMiss distinguishes a missing row from a failed condition
// after a zero-row conditional update.
func (r *PGRepository) classifyConditionalMiss(ctx context.Context, tx pgx.Tx, id string, condErr error) error {
	var exists bool
	if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM experts WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("expert: verify exists: %w", err)
	}
	if !exists {
		return ErrNotFound
	}
	return condErr
}

func scanExpert(row pgx.Row) (Expert, error) {
	var e Expert
	return e, row.Scan(
		&e.ID,
		&e.UserID,
		&e.Capacity,
		&e.CurrentLoad,
		&e.IsActive,
		&e.InactiveSince,
		&e.LastActiveAt,
		&e.CreatedAt,
		&e.UpdatedAt,
	)
}
