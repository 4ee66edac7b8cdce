package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Oracle struct {
	Name string
	SQL  string
}

func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_load_matches_pending",
			SQL: `SELECT e.id, e.current_load, COALESCE(p.n,0) AS pending
                  FROM experts e
                  LEFT JOIN (SELECT expert_id, COUNT(*) AS n FROM review_tasks
                             WHERE status='pending' GROUP BY expert_id) p ON p.expert_id = e.id
                  WHERE e.current_load <> COALESCE(p.n,0)`,
		},
		{
			Name: "O2_load_within_bounds",
			SQL:  `SELECT id, current_load, capacity FROM experts WHERE current_load < 0 OR current_load > capacity`,
		},
		{
			Name: "O3_pending_has_expert",
			SQL: `SELECT t.id FROM review_tasks t
                  LEFT JOIN experts e ON e.id = t.expert_id
                  WHERE t.status='pending' AND e.id IS NULL`,
		},
		{
			Name: "O4_terminal_completed_at",
			SQL: `SELECT id, status FROM review_tasks
                  WHERE status IN ('approved','rejected','corrected') AND completed_at IS NULL`,
		},
		{
			Name: "O5_released_released_at",
			SQL:  `SELECT id FROM review_tasks WHERE status='released' AND released_at IS NULL`,
		},
		{
			Name: "O6_timeline_seq_monotonic",
			SQL: `WITH seqs AS (
                      SELECT review_task_id, seq,
                             LAG(seq) OVER (PARTITION BY review_task_id ORDER BY seq) AS prev
                      FROM timeline_events)
                  SELECT * FROM seqs WHERE prev IS NOT NULL AND seq <= prev`,
		},
		{
			Name: "O7_inactive_not_assigned",
			SQL: `SELECT t.id, t.expert_id FROM review_tasks t
                  JOIN experts e ON e.id = t.expert_id
                  WHERE t.status='pending' AND e.is_active = false
                    AND t.created_at < e.inactive_since`,
		},
		{
			Name: "O8_reassign_budget",
			SQL:  `SELECT id, reassign_count FROM review_tasks WHERE reassign_count > 5`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample row text) or empty name if all pass.
func Run(ctx context.Context, pool *pgxpool.Pool) (string, string, error) {
	for _, o := range All() {
		rows, err := pool.Query(ctx, o.SQL)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		has := rows.Next()
		if has {
			vals, err := rows.Values()
			rows.Close()
			if err != nil {
				return o.Name, "", err
			}
			return o.Name, fmt.Sprintf("%v", vals), nil
		}
		rows.Close()
	}
	return "", "", nil
}
