package application

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultCleanupSchedule runs the cleanup hourly.
const DefaultCleanupSchedule = "@every 1h"

// cleanupTimeout bounds one cleanup run.
const cleanupTimeout = time.Minute

// Cleaner is implemented by TokenService.
type Cleaner interface {
	Cleanup(ctx context.Context) (int, error)
}

// CleanupJob runs a Cleaner on a cron schedule.
type CleanupJob struct {
	cleaner Cleaner
	cron    *cron.Cron
	logger  *slog.Logger
}

// NewCleanupJob registers cleaner under schedule. schedule accepts standard
// five-field cron expressions and descriptors such as "@every 1h".
func NewCleanupJob(cleaner Cleaner, schedule string, logger *slog.Logger) (*CleanupJob, error) {
	if schedule == "" {
		schedule = DefaultCleanupSchedule
	}
	if logger == nil {
		logger = slog.Default()
	}

	j := &CleanupJob{
		cleaner: cleaner,
		cron:    cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		logger:  logger,
	}
	if _, err := j.cron.AddFunc(schedule, j.run); err != nil {
		return nil, fmt.Errorf("parsing cleanup schedule %q: %w", schedule, err)
	}
	return j, nil
}

// Start begins running the job in the background.
func (j *CleanupJob) Start() {
	j.cron.Start()
	j.logger.Info("token cleanup job started", "next_run", j.NextRun())
}

// Stop halts scheduling and waits for a running cleanup to finish or ctx to
// be done.
func (j *CleanupJob) Stop(ctx context.Context) {
	done := j.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
	}
}

// NextRun reports when the job fires next; zero before Start.
func (j *CleanupJob) NextRun() time.Time {
	entries := j.cron.Entries()
	if len(entries) == 0 {
		return time.Time{}
	}
	return entries[0].Next
}

func (j *CleanupJob) run() {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()

	if _, err := j.cleaner.Cleanup(ctx); err != nil {
		j.logger.Error("token cleanup failed", "error", err)
	}
}
