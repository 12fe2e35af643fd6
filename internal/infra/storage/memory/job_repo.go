package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/docsyncd/docsyncd/internal/core/domain"
	"github.com/docsyncd/docsyncd/internal/infra/storage"
)

// JobRepo is an in-memory storage.SyncJobRepository.
type JobRepo struct {
	mu   sync.RWMutex
	jobs map[string]*domain.SyncJob
}

// NewJobRepo creates an empty in-memory job repository.
func NewJobRepo() *JobRepo {
	return &JobRepo{jobs: make(map[string]*domain.SyncJob)}
}

func (r *JobRepo) Create(ctx context.Context, job *domain.SyncJob) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *job
	r.jobs[job.ID] = &cp
	return nil
}

func (r *JobRepo) Update(ctx context.Context, id string, update storage.JobUpdate) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok {
		return storage.ErrJobNotFound
	}
	if update.Status != nil {
		job.Status = *update.Status
	}
	if update.Retries != nil {
		job.Retries = *update.Retries
	}
	if update.LastAttemptAt != nil {
		job.LastAttemptAt = update.LastAttemptAt
	}
	if update.Error != nil {
		job.Error = *update.Error
	}
	if update.ErrorCategory != nil {
		job.ErrorCategory = *update.ErrorCategory
	}
	if update.LastRetryStrategy != nil {
		job.LastRetryStrategy = *update.LastRetryStrategy
	}
	if update.Progress != nil {
		job.Progress = *update.Progress
	}
	if update.StartedAt != nil {
		job.StartedAt = update.StartedAt
	}
	if update.CompletedAt != nil {
		job.CompletedAt = update.CompletedAt
	}
	if update.DurationMs != nil {
		job.DurationMs = update.DurationMs
	}
	job.UpdatedAt = time.Now()
	return nil
}

func (r *JobRepo) GetByID(ctx context.Context, id string) (*domain.SyncJob, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	job, ok := r.jobs[id]
	if !ok {
		return nil, storage.ErrJobNotFound
	}
	cp := *job
	return &cp, nil
}

func (r *JobRepo) GetByDocID(ctx context.Context, docID string) (*domain.SyncJob, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var latest *domain.SyncJob
	for _, job := range r.jobs {
		if job.DocID != docID {
			continue
		}
		if latest == nil || job.CreatedAt.After(latest.CreatedAt) {
			latest = job
		}
	}
	if latest == nil {
		return nil, storage.ErrJobNotFound
	}
	cp := *latest
	return &cp, nil
}

func (r *JobRepo) GetAll(ctx context.Context, limit, offset int) ([]*domain.SyncJob, error) {
	r.mu.RLock()
	all := make([]*domain.SyncJob, 0, len(r.jobs))
	for _, job := range r.jobs {
		cp := *job
		all = append(all, &cp)
	}
	r.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })
	if offset >= len(all) {
		return nil, nil
	}
	all = all[offset:]
	if limit > 0 && limit < len(all) {
		all = all[:limit]
	}
	return all, nil
}

func (r *JobRepo) GetByStatus(ctx context.Context, status domain.SyncStatus, limit int) ([]*domain.SyncJob, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*domain.SyncJob, 0)
	for _, job := range r.jobs {
		if job.Status != status {
			continue
		}
		cp := *job
		out = append(out, &cp)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (r *JobRepo) CountByStatus(ctx context.Context) (map[domain.SyncStatus]int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[domain.SyncStatus]int)
	for _, job := range r.jobs {
		out[job.Status]++
	}
	return out, nil
}

func (r *JobRepo) Stats(ctx context.Context) (*storage.JobStats, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := &storage.JobStats{ByStatus: make(map[domain.SyncStatus]int)}
	var durTotal, durCount int64
	terminal := 0
	for _, job := range r.jobs {
		stats.Total++
		stats.ByStatus[job.Status]++
		if job.DurationMs != nil {
			durTotal += *job.DurationMs
			durCount++
		}
		if job.Status.Terminal() {
			terminal++
		}
	}
	if durCount > 0 {
		stats.AvgDuration = float64(durTotal) / float64(durCount)
	}
	if terminal > 0 {
		stats.SuccessRate = float64(stats.ByStatus[domain.StatusSynced]) / float64(terminal)
	}
	return stats, nil
}

func (r *JobRepo) Cleanup(ctx context.Context, olderThan time.Duration) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cutoff := time.Now().Add(-olderThan)
	removed := 0
	for id, job := range r.jobs {
		if job.Status.Terminal() && job.UpdatedAt.Before(cutoff) {
			delete(r.jobs, id)
			removed++
		}
	}
	return removed, nil
}
