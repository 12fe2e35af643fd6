// Package worker holds background housekeeping loops.
package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/docsyncd/docsyncd/internal/infra/storage"
	"github.com/docsyncd/docsyncd/internal/sync/retry"
)

// Pruner deletes old terminal sync jobs and completed retry tasks based on
// the retention policy.
type Pruner struct {
	retention time.Duration
	interval  time.Duration
	jobs      storage.SyncJobRepository
	sched     *retry.Scheduler
	log       *slog.Logger
}

// NewPruner creates a new Pruner worker. retention of 0 disables job
// pruning; the scheduler's completed-task map is always swept.
func NewPruner(retention, interval time.Duration, jobs storage.SyncJobRepository, sched *retry.Scheduler, log *slog.Logger) *Pruner {
	if interval <= 0 {
		interval = time.Hour
	}
	if log == nil {
		log = slog.Default()
	}
	return &Pruner{
		retention: retention,
		interval:  interval,
		jobs:      jobs,
		sched:     sched,
		log:       log.With("component", "pruner"),
	}
}

// Start runs the pruner loop until ctx is cancelled.
func (p *Pruner) Start(ctx context.Context) {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	// Initial prune
	p.prune(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.prune(ctx)
		}
	}
}

func (p *Pruner) prune(ctx context.Context) {
	if p.retention > 0 && p.jobs != nil {
		n, err := p.jobs.Cleanup(ctx, p.retention)
		if err != nil {
			p.log.Error("failed to prune terminal sync jobs", "error", err)
		} else if n > 0 {
			p.log.Info("pruned terminal sync jobs", "removed", n)
		}
	}
	if p.sched != nil {
		if n := p.sched.CleanupCompleted(); n > 0 {
			p.log.Debug("pruned completed retry tasks", "removed", n)
		}
	}
}
