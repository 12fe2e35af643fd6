package storage

import (
	"context"
	"errors"
	"time"

	"github.com/docsyncd/docsyncd/internal/core/domain"
)

var (
	// ErrJobNotFound is returned when a sync job doesn't exist
	ErrJobNotFound = errors.New("sync job not found")
)

// JobUpdate holds the partial fields an update may touch. Nil pointers are
// left untouched.
type JobUpdate struct {
	Status            *domain.SyncStatus
	Retries           *int
	LastAttemptAt     *time.Time
	Error             *string
	ErrorCategory     *string
	LastRetryStrategy *string
	Progress          *int
	StartedAt         *time.Time
	CompletedAt       *time.Time
	DurationMs        *int64
}

// JobStats aggregates sync job counters for the exposed surface.
type JobStats struct {
	Total       int                       `json:"total"`
	ByStatus    map[domain.SyncStatus]int `json:"by_status"`
	AvgDuration float64                   `json:"avg_duration_ms"`
	SuccessRate float64                   `json:"success_rate"`
}

// SyncJobRepository handles sync job persistence
type SyncJobRepository interface {
	// Create persists a new job
	Create(ctx context.Context, job *domain.SyncJob) error

	// Update applies a partial update to a job
	Update(ctx context.Context, id string, update JobUpdate) error

	// GetByID retrieves a job by id
	GetByID(ctx context.Context, id string) (*domain.SyncJob, error)

	// GetByDocID retrieves the latest job for a document
	GetByDocID(ctx context.Context, docID string) (*domain.SyncJob, error)

	// GetAll lists jobs, newest first
	GetAll(ctx context.Context, limit, offset int) ([]*domain.SyncJob, error)

	// GetByStatus lists jobs in a given status
	GetByStatus(ctx context.Context, status domain.SyncStatus, limit int) ([]*domain.SyncJob, error)

	// CountByStatus counts jobs per persisted status
	CountByStatus(ctx context.Context) (map[domain.SyncStatus]int, error)

	// Stats aggregates totals, average duration and success rate
	Stats(ctx context.Context) (*JobStats, error)

	// Cleanup removes terminal jobs older than the given age and returns
	// the number deleted
	Cleanup(ctx context.Context, olderThan time.Duration) (int, error)
}
