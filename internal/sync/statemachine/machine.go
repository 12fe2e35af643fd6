// Package statemachine owns the lifecycle of document sync jobs. Every
// stage transition runs inside a transaction; on failure the transaction is
// rolled back, the error is classified, and the job either schedules a
// retry or goes DEAD.
package statemachine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/docsyncd/docsyncd/internal/core/domain"
	"github.com/docsyncd/docsyncd/internal/infra/storage"
	"github.com/docsyncd/docsyncd/internal/sync/classify"
	"github.com/docsyncd/docsyncd/internal/sync/metrics"
	"github.com/docsyncd/docsyncd/internal/sync/resilience"
	"github.com/docsyncd/docsyncd/internal/sync/retry"
	"github.com/docsyncd/docsyncd/internal/sync/txn"
)

// progressFor maps statuses onto coarse progress percentages.
var progressFor = map[domain.SyncStatus]int{
	domain.StatusNew:     0,
	domain.StatusSplitOK: 33,
	domain.StatusEmbedOK: 66,
	domain.StatusSynced:  100,
}

// Stage is one unit of pipeline work. Run executes inside a fresh root
// transaction; Resume is handed to the retry scheduler and re-drives the
// stage after the backoff delay.
type Stage struct {
	Name   string
	Target domain.SyncStatus
	Run    func(ctx context.Context, tc *txn.Context) error
	Resume retry.Callback
}

// StageError is what a caller sees when a stage fails: the classified
// category and whether recovery was attempted.
type StageError struct {
	Stage          string
	Category       classify.ErrorCategory
	RetryScheduled bool
	TaskID         string
	Err            error
}

func (e *StageError) Error() string {
	if e.RetryScheduled {
		return fmt.Sprintf("stage %s failed (%s, retry scheduled): %v", e.Stage, e.Category, e.Err)
	}
	return fmt.Sprintf("stage %s failed (%s): %v", e.Stage, e.Category, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// Machine drives sync jobs through their lifecycle. One logical writer per
// document is assumed; concurrent attempts for the same doc are a caller
// bug, not something the machine deduplicates.
type Machine struct {
	jobs      storage.SyncJobRepository
	txns      *txn.Manager
	scheduler *retry.Scheduler
	rates     *resilience.ErrorRateAggregator
	log       *slog.Logger

	// swapped in tests to avoid real backoff delays
	strategyFor func(error) (classify.ErrorCategory, classify.RetryStrategy)
}

// New creates a state machine over the given collaborators.
func New(
	jobs storage.SyncJobRepository,
	txns *txn.Manager,
	scheduler *retry.Scheduler,
	rates *resilience.ErrorRateAggregator,
	log *slog.Logger,
) *Machine {
	if log == nil {
		log = slog.Default()
	}
	return &Machine{
		jobs:        jobs,
		txns:        txns,
		scheduler:   scheduler,
		rates:       rates,
		log:         log.With("component", "statemachine"),
		strategyFor: classify.StrategyFor,
	}
}

// GetOrCreateJob returns the latest job for a document, creating a NEW one
// if none exists or the last lineage ended terminally in SYNCED.
func (m *Machine) GetOrCreateJob(ctx context.Context, docID string) (*domain.SyncJob, error) {
	job, err := m.jobs.GetByDocID(ctx, docID)
	if err == nil && job.Status != domain.StatusSynced {
		return job, nil
	}
	if err != nil && err != storage.ErrJobNotFound {
		return nil, fmt.Errorf("lookup job for doc %s: %w", docID, err)
	}

	now := time.Now()
	job = &domain.SyncJob{
		ID:        uuid.New().String(),
		DocID:     docID,
		Status:    domain.StatusNew,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := m.jobs.Create(ctx, job); err != nil {
		return nil, fmt.Errorf("create job for doc %s: %w", docID, err)
	}
	m.log.Info("sync job created", "jobID", job.ID, "docID", docID)
	return job, nil
}

// Transition moves a job to a new status, enforcing the transition table.
// Illegal transitions are rejected with the allowed targets listed; they are
// never silently clamped.
func (m *Machine) Transition(ctx context.Context, job *domain.SyncJob, to domain.SyncStatus) error {
	from := job.Status
	if !from.CanTransitionTo(to) {
		return &domain.InvalidTransitionError{From: from, To: to, Allowed: from.AllowedTargets()}
	}

	now := time.Now()
	update := storage.JobUpdate{Status: &to}

	if from == domain.StatusNew && job.StartedAt == nil {
		update.StartedAt = &now
		job.StartedAt = &now
	}
	if p, ok := progressFor[to]; ok {
		update.Progress = &p
		job.Progress = p
	}
	if to.Terminal() {
		update.CompletedAt = &now
		job.CompletedAt = &now
		if job.StartedAt != nil {
			d := now.Sub(*job.StartedAt).Milliseconds()
			update.DurationMs = &d
			job.DurationMs = &d
		}
	}

	if err := m.jobs.Update(ctx, job.ID, update); err != nil {
		return fmt.Errorf("persist transition %s -> %s for job %s: %w", from, to, job.ID, err)
	}
	job.Status = to
	job.UpdatedAt = now

	metrics.JobTransitions.WithLabelValues(string(from), string(to)).Inc()
	m.log.Debug("job transition", "jobID", job.ID, "docID", job.DocID, "from", from, "to", to)
	return nil
}

// RunStage executes a stage inside a fresh root transaction. On success the
// job transitions to the stage's target status within the same unit of work
// boundary; on failure the transaction is rolled back and the failure policy
// in handleFailure decides between RETRYING and DEAD.
func (m *Machine) RunStage(ctx context.Context, job *domain.SyncJob, stage Stage) error {
	start := time.Now()
	meta := map[string]string{"doc_id": job.DocID, "job_id": job.ID, "stage": stage.Name}

	err := m.txns.ExecuteInTransaction(ctx, meta, func(tc *txn.Context) error {
		return stage.Run(ctx, tc)
	})
	if err == nil {
		metrics.StageDuration.WithLabelValues(stage.Name, "ok").Observe(time.Since(start).Seconds())
		if m.rates != nil {
			m.rates.RecordSuccess()
		}
		return m.Transition(ctx, job, stage.Target)
	}

	metrics.StageDuration.WithLabelValues(stage.Name, "error").Observe(time.Since(start).Seconds())
	return m.handleFailure(ctx, job, stage, err)
}

// handleFailure classifies the stage error, marks the job FAILED, and then
// either schedules a retry (temporary, budget remaining) or goes DEAD.
func (m *Machine) handleFailure(ctx context.Context, job *domain.SyncJob, stage Stage, cause error) error {
	category, strategy := m.strategyFor(cause)
	if m.rates != nil {
		m.rates.RecordFailure(cause)
	}

	now := time.Now()
	msg := cause.Error()
	catStr := string(category)
	if err := m.Transition(ctx, job, domain.StatusFailed); err != nil {
		return err
	}
	if err := m.jobs.Update(ctx, job.ID, storage.JobUpdate{
		Error:         &msg,
		ErrorCategory: &catStr,
		LastAttemptAt: &now,
	}); err != nil {
		return fmt.Errorf("persist failure details for job %s: %w", job.ID, err)
	}
	job.Error = msg
	job.ErrorCategory = catStr
	job.LastAttemptAt = &now

	temporary := classify.TypeOf(category) == classify.Temporary
	if !temporary || job.Retries >= strategy.MaxRetries {
		if err := m.Transition(ctx, job, domain.StatusDead); err != nil {
			return err
		}
		m.log.Error("sync job dead",
			"jobID", job.ID, "docID", job.DocID, "category", category,
			"retries", job.Retries, "temporary", temporary, "error", cause)
		return &StageError{Stage: stage.Name, Category: category, Err: cause}
	}

	retries := job.Retries + 1
	if err := m.Transition(ctx, job, domain.StatusRetrying); err != nil {
		return err
	}
	if err := m.jobs.Update(ctx, job.ID, storage.JobUpdate{
		Retries:           &retries,
		LastRetryStrategy: &strategy.Name,
	}); err != nil {
		return fmt.Errorf("persist retry count for job %s: %w", job.ID, err)
	}
	job.Retries = retries
	job.LastRetryStrategy = strategy.Name

	taskID := m.scheduler.Schedule(job.DocID, cause, category, retries, strategy, stage.Resume)
	m.log.Warn("sync stage failed, retry scheduled",
		"jobID", job.ID, "docID", job.DocID, "stage", stage.Name,
		"category", category, "attempt", retries, "taskID", taskID, "error", cause)
	return &StageError{Stage: stage.Name, Category: category, RetryScheduled: true, TaskID: taskID, Err: cause}
}

// Recover re-enables a DEAD job: the explicit manual-recovery transition.
// It resets nothing -- retries keep their value -- it only moves the job
// back to RETRYING so the pipeline may drive it again.
func (m *Machine) Recover(ctx context.Context, docID string) (*domain.SyncJob, error) {
	job, err := m.jobs.GetByDocID(ctx, docID)
	if err != nil {
		return nil, err
	}
	if err := m.Transition(ctx, job, domain.StatusRetrying); err != nil {
		return nil, err
	}
	m.log.Info("sync job manually recovered", "jobID", job.ID, "docID", docID, "retries", job.Retries)
	return job, nil
}

// Demote moves a SYNCED job back to FAILED after a post-sync integrity
// check found the stores diverged.
func (m *Machine) Demote(ctx context.Context, job *domain.SyncJob, reason error) error {
	if err := m.Transition(ctx, job, domain.StatusFailed); err != nil {
		return err
	}
	msg := reason.Error()
	catStr := string(classify.Classify(reason))
	if err := m.jobs.Update(ctx, job.ID, storage.JobUpdate{Error: &msg, ErrorCategory: &catStr}); err != nil {
		return err
	}
	job.Error = msg
	job.ErrorCategory = catStr
	m.log.Warn("synced job demoted after integrity check", "jobID", job.ID, "docID", job.DocID, "reason", reason)
	return nil
}
