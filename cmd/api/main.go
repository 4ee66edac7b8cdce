package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"reviewflow/auth"
	"reviewflow/db"
	"reviewflow/expert"
	"reviewflow/policy"
	"reviewflow/review"
	"reviewflow/timeline"
)

const defaultSweepInterval = time.Hour

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	connString := os.Getenv("DATABASE_URL")
	pool, err := db.NewPool(ctx, connString)
	if err != nil {
		log.Fatalf("bootstrap database pool: %v", err)
	}
	defer pool.Close()

	expertRepo := expert.NewRepository(pool)
	registry := expert.NewService(expertRepo)

	lifecycle := review.NewService(pool, review.NewRepository(pool), expertRepo, policy.New(), review.Config{}).
		WithTimelineAndOutbox(timeline.NewWriter(), timeline.NewOutbox())

	hooks := review.NewHooks(registry, lifecycle)

	authService := auth.NewService(auth.NewRepository(pool), os.Getenv("JWT_SECRET")).
		WithLoginHook(hooks.ReactivateExpertOnLogin)
	log.Printf("auth service ready: %+v", authService != nil)

	interval := defaultSweepInterval
	if v := os.Getenv("SWEEP_INTERVAL"); v != "" {
		parsed, err := time.ParseDuration(v)
		if err != nil {
			log.Fatalf("parse SWEEP_INTERVAL: %v", err)
		}
		interval = parsed
	}

	log.Printf("review engine ready, sweeping every %s", interval)
	runSweepLoop(ctx, lifecycle, interval)
}

// runSweepLoop drives the periodic timeout sweep until ctx is cancelled.
func runSweepLoop(ctx context.Context, lifecycle *review.Service, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Printf("sweep loop stopped: %v", ctx.Err())
			return
		case <-ticker.C:
			report, err := lifecycle.CheckAndProcessTimeouts(ctx)
			if err != nil {
				log.Printf("timeout sweep error: %v", err)
			}
			log.Printf("timeout sweep: extended=%d released=%d marked_inactive=%d skipped=%d",
				report.Extended, report.Released, report.MarkedInactive, report.Skipped)
		}
	}
}
