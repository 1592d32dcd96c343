// reaper runs the stale-operation sweep as a standalone job, for deployments
// that prefer a cron-style sweep over the in-server goroutine (set
// DISABLE_REAPER=true on the server in that case).
//
// Usage:
//   DB_USER=... DB_PASSWORD=... DB_HOST=... DB_NAME=... go run ./cmd/reaper -once
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mmsattv/panel_backend/config"
	"github.com/mmsattv/panel_backend/workflow"
)

func main() {
	once := flag.Bool("once", false, "run a single sweep and exit")
	interval := flag.Duration("interval", 10*time.Second, "sweep interval when running continuously")
	flag.Parse()

	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized (config.GetDB returned nil). Set DB_* env vars.")
		os.Exit(1)
	}
	// Redis is optional here; without it the heartbeat mirror cleanup is skipped.
	if os.Getenv("REDIS_ADDRESS") != "" {
		config.ConnectRedisWithRetry()
	}

	logger := config.GetLogger()
	reaper := workflow.NewStaleOperationReaper(db, logger)
	reaper.SweepInterval = *interval

	if *once {
		n, err := reaper.SweepOnce(context.Background())
		if err != nil {
			fmt.Fprintf(os.Stderr, "sweep failed: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("reaped %d stale operations\n", n)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	reaper.Run(ctx)
}
