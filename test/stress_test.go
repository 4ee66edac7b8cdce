package test

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"math/rand"
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"reviewflow/expert"
	"reviewflow/policy"
	"reviewflow/review"
	"reviewflow/test/actors"
	"reviewflow/test/chaos"
	"reviewflow/test/infra"
	"reviewflow/test/oracles"
	"reviewflow/timeline"
)

var (
	flDuration    = flag.Duration("duration", 90*time.Second, "how long to run stress")
	flConcurrency = flag.Int("concurrency", 8, "number of concurrent actors")
	flSeed        = flag.Int64("seed", time.Now().UnixNano(), "random seed")
	flDSN         = flag.String("dsn", "", "existing Postgres DSN to reuse (avoids Docker)")
)

func seedRNG(seed int64) { rand.Seed(seed) }

func TestReviewEngineConcurrency(t *testing.T) {
	flag.Parse()
	seed := *flSeed
	seedRNG(seed)

	var (
		pgC        *infra.PGContainer
		dsn        string
		err        error
		usedShared bool
	)
	ctx, cancel := context.WithTimeout(context.Background(), *flDuration+60*time.Second)
	defer cancel()

	switch {
	case *flDSN != "":
		dsn = *flDSN
		usedShared = true
		pgC = &infra.PGContainer{}
	case os.Getenv("STRESS_TEST_PG_DSN") != "":
		dsn = os.Getenv("STRESS_TEST_PG_DSN")
		usedShared = true
		pgC = &infra.PGContainer{}
	default:
		if dockerAvailable(ctx) {
			pgC, dsn, err = infra.StartPostgres16(ctx, "")
			if err != nil {
				t.Fatalf("start postgres: %v", err)
			}
		} else {
			dsn, err = infra.InitLocalDatabase(ctx)
			if err != nil {
				t.Fatalf("init local database: %v", err)
			}
			pgC = &infra.PGContainer{}
		}
	}
	defer pgC.Terminate(context.Background())

	pool, teardown, err := infra.ApplyMigrations(ctx, dsn, usedShared)
	if err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	defer pool.Close()
	defer func() {
		if err := teardown(context.Background()); err != nil {
			t.Logf("teardown warning: %v", err)
		}
	}()

	mustSeedExperts(t, ctx, pool)

	// wire the engine exactly as cmd/api does, with tight capacities so the
	// actors collide on the same experts
	expertRepo := expert.NewRepository(pool)
	registry := expert.NewService(expertRepo)
	lifecycle := review.NewService(pool, review.NewRepository(pool), expertRepo, policy.New(), review.Config{}).
		WithTimelineAndOutbox(timeline.NewWriter(), timeline.NewOutbox())
	hooks := review.NewHooks(registry, lifecycle)

	g, ctx2 := errgroup.WithContext(ctx)
	stop := make(chan struct{})

	for i := 0; i < *flConcurrency; i++ {
		g.Go(func() error { return actors.Consolidator(ctx2, hooks, stop) })
		g.Go(func() error { return actors.Completer(ctx2, pool, hooks, stop) })
	}
	g.Go(func() error { return actors.Sweeper(ctx2, lifecycle, stop) })
	g.Go(func() error { return actors.Sweeper(ctx2, lifecycle, stop) })
	g.Go(func() error { return actors.LoginActor(ctx2, pool, hooks, stop) })
	g.Go(func() error { return actors.Ager(ctx2, pool, stop) })
	go chaos.TerminateRandomBackend(ctx2, pool, stop)

	deadline := time.Now().Add(*flDuration)
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	var failed bool
loop:
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			break loop
		case <-ticker.C:
			name, row, err := oracles.Run(ctx2, pool)
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					break loop
				}
				t.Fatalf("oracle error: %v", err)
			}
			if name != "" {
				failed = true
				dumpRecent(t, ctx2, pool)
				t.Fatalf("Oracle %s failed. First row: %s (seed=%d)", name, row, seed)
			}
		}
	}

	close(stop)
	if err := g.Wait(); err != nil && !failed {
		if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("actors errored: %v", err)
		}
	}
}

func dockerAvailable(ctx context.Context) bool {
	if _, err := exec.LookPath("docker"); err != nil {
		return false
	}
	c := exec.CommandContext(ctx, "docker", "info")
	c.Stdout = io.Discard
	c.Stderr = io.Discard
	return c.Run() == nil
}

// mustSeedExperts creates a small roster with deliberately low capacities so
// capacity races and the no-eligible-expert path both occur during the run.
func mustSeedExperts(t *testing.T, ctx context.Context, pool *pgxpool.Pool) {
	t.Helper()
	for i := 0; i < 5; i++ {
		var userID string
		err := pool.QueryRow(ctx, `INSERT INTO users (email, full_name, role) VALUES ($1,$2,'expert') RETURNING id`,
			fmt.Sprintf("expert%d-%d@example.com", i, rand.Int63()), fmt.Sprintf("Stress Expert %d", i)).Scan(&userID)
		if err != nil {
			t.Fatalf("seed user %d: %v", i, err)
		}
		var expertID string
		err = pool.QueryRow(ctx, `INSERT INTO experts (user_id, capacity) VALUES ($1, $2) RETURNING id`,
			userID, 3+rand.Intn(3)).Scan(&expertID)
		if err != nil {
			t.Fatalf("seed expert %d: %v", i, err)
		}
		if _, err := pool.Exec(ctx, `UPDATE users SET expert_id=$1 WHERE id=$2`, expertID, userID); err != nil {
			t.Fatalf("link expert %d: %v", i, err)
		}
	}
}

func dumpRecent(t *testing.T, ctx context.Context, pool *pgxpool.Pool) {
	t.Helper()
	type dump struct {
		name string
		sql  string
	}
	dumps := []dump{
		{"experts", `SELECT id, capacity, current_load, is_active, inactive_since, last_active_at FROM experts ORDER BY id`},
		{"review_tasks", `SELECT id, expert_id, status, assigned_at, completed_at, released_at, reassign_count FROM review_tasks ORDER BY created_at DESC LIMIT 50`},
		{"timeline_events", `SELECT id, review_task_id, seq, type, ts FROM timeline_events ORDER BY id DESC LIMIT 50`},
		{"outbox", `SELECT id, topic, status, attempts, created_at FROM outbox ORDER BY created_at DESC LIMIT 50`},
	}
	for _, d := range dumps {
		rows, err := pool.Query(ctx, d.sql)
		if err != nil {
			t.Logf("dump %s error: %v", d.name, err)
			continue
		}
		cols := rows.FieldDescriptions()
		t.Logf("-- %s --", d.name)
		for rows.Next() {
			vals, _ := rows.Values()
			buf := make([]any, 0, len(vals))
			for i := range vals {
				buf = append(buf, fmt.Sprintf("%s=%v", string(cols[i].Name), vals[i]))
			}
			t.Logf("%s", buf)
		}
		rows.Close()
	}
}
