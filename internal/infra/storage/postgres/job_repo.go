package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/docsyncd/docsyncd/internal/core/domain"
	"github.com/docsyncd/docsyncd/internal/infra/storage"
)

// JobRepo implements storage.SyncJobRepository using PostgreSQL.
//
// The status column stores the collapsed domain.DBStatus; the lossy
// processing/RETRYING mapping is intentional, see domain.ToDBStatus.
type JobRepo struct {
	db *DB
}

// NewJobRepo creates a new PostgreSQL sync job repository.
func NewJobRepo(db *DB) *JobRepo {
	return &JobRepo{db: db}
}

type jobRow struct {
	ID                string         `db:"id"`
	DocID             string         `db:"doc_id"`
	Status            string         `db:"status"`
	Retries           int            `db:"retries"`
	LastAttemptAt     sql.NullTime   `db:"last_attempt_at"`
	Error             sql.NullString `db:"error"`
	ErrorCategory     sql.NullString `db:"error_category"`
	LastRetryStrategy sql.NullString `db:"last_retry_strategy"`
	Progress          int            `db:"progress"`
	CreatedAt         time.Time      `db:"created_at"`
	UpdatedAt         time.Time      `db:"updated_at"`
	StartedAt         sql.NullTime   `db:"started_at"`
	CompletedAt       sql.NullTime   `db:"completed_at"`
	DurationMs        sql.NullInt64  `db:"duration_ms"`
}

func (r jobRow) toDomain() *domain.SyncJob {
	job := &domain.SyncJob{
		ID:                r.ID,
		DocID:             r.DocID,
		Status:            domain.FromDBStatus(domain.DBStatus(r.Status)),
		Retries:           r.Retries,
		Error:             r.Error.String,
		ErrorCategory:     r.ErrorCategory.String,
		LastRetryStrategy: r.LastRetryStrategy.String,
		Progress:          r.Progress,
		CreatedAt:         r.CreatedAt,
		UpdatedAt:         r.UpdatedAt,
	}
	if r.LastAttemptAt.Valid {
		job.LastAttemptAt = &r.LastAttemptAt.Time
	}
	if r.StartedAt.Valid {
		job.StartedAt = &r.StartedAt.Time
	}
	if r.CompletedAt.Valid {
		job.CompletedAt = &r.CompletedAt.Time
	}
	if r.DurationMs.Valid {
		job.DurationMs = &r.DurationMs.Int64
	}
	return job
}

const jobColumns = `id, doc_id, status, retries, last_attempt_at, error, error_category,
	last_retry_strategy, progress, created_at, updated_at, started_at, completed_at, duration_ms`

// Create persists a new job.
func (r *JobRepo) Create(ctx context.Context, job *domain.SyncJob) error {
	query := `
		INSERT INTO sync_jobs (id, doc_id, status, retries, progress, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err := r.db.ExecContext(ctx, query,
		job.ID, job.DocID, string(domain.ToDBStatus(job.Status)),
		job.Retries, job.Progress, job.CreatedAt, job.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create sync job: %w", err)
	}
	return nil
}

// Update applies a partial update; only non-nil fields are touched.
func (r *JobRepo) Update(ctx context.Context, id string, update storage.JobUpdate) error {
	sets := []string{"updated_at = NOW()"}
	args := []any{}
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if update.Status != nil {
		sets = append(sets, "status = "+arg(string(domain.ToDBStatus(*update.Status))))
	}
	if update.Retries != nil {
		sets = append(sets, "retries = "+arg(*update.Retries))
	}
	if update.LastAttemptAt != nil {
		sets = append(sets, "last_attempt_at = "+arg(*update.LastAttemptAt))
	}
	if update.Error != nil {
		sets = append(sets, "error = "+arg(*update.Error))
	}
	if update.ErrorCategory != nil {
		sets = append(sets, "error_category = "+arg(*update.ErrorCategory))
	}
	if update.LastRetryStrategy != nil {
		sets = append(sets, "last_retry_strategy = "+arg(*update.LastRetryStrategy))
	}
	if update.Progress != nil {
		sets = append(sets, "progress = "+arg(*update.Progress))
	}
	if update.StartedAt != nil {
		sets = append(sets, "started_at = "+arg(*update.StartedAt))
	}
	if update.CompletedAt != nil {
		sets = append(sets, "completed_at = "+arg(*update.CompletedAt))
	}
	if update.DurationMs != nil {
		sets = append(sets, "duration_ms = "+arg(*update.DurationMs))
	}

	query := fmt.Sprintf("UPDATE sync_jobs SET %s WHERE id = %s",
		strings.Join(sets, ", "), arg(id))
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update sync job %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storage.ErrJobNotFound
	}
	return nil
}

// GetByID retrieves a job by id.
func (r *JobRepo) GetByID(ctx context.Context, id string) (*domain.SyncJob, error) {
	var row jobRow
	query := fmt.Sprintf("SELECT %s FROM sync_jobs WHERE id = $1", jobColumns)
	err := r.db.GetContext(ctx, &row, query, id)
	if err == sql.ErrNoRows {
		return nil, storage.ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get sync job: %w", err)
	}
	return row.toDomain(), nil
}

// GetByDocID retrieves the latest job for a document.
func (r *JobRepo) GetByDocID(ctx context.Context, docID string) (*domain.SyncJob, error) {
	var row jobRow
	query := fmt.Sprintf(`
		SELECT %s FROM sync_jobs
		WHERE doc_id = $1
		ORDER BY created_at DESC
		LIMIT 1
	`, jobColumns)
	err := r.db.GetContext(ctx, &row, query, docID)
	if err == sql.ErrNoRows {
		return nil, storage.ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get sync job for doc %s: %w", docID, err)
	}
	return row.toDomain(), nil
}

// GetAll lists jobs, newest first.
func (r *JobRepo) GetAll(ctx context.Context, limit, offset int) ([]*domain.SyncJob, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []jobRow
	query := fmt.Sprintf(`
		SELECT %s FROM sync_jobs
		ORDER BY created_at DESC
		LIMIT $1 OFFSET $2
	`, jobColumns)
	if err := r.db.SelectContext(ctx, &rows, query, limit, offset); err != nil {
		return nil, fmt.Errorf("failed to list sync jobs: %w", err)
	}
	out := make([]*domain.SyncJob, len(rows))
	for i, row := range rows {
		out[i] = row.toDomain()
	}
	return out, nil
}

// GetByStatus lists jobs whose persisted status matches.
func (r *JobRepo) GetByStatus(ctx context.Context, status domain.SyncStatus, limit int) ([]*domain.SyncJob, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []jobRow
	query := fmt.Sprintf(`
		SELECT %s FROM sync_jobs
		WHERE status = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, jobColumns)
	if err := r.db.SelectContext(ctx, &rows, query, string(domain.ToDBStatus(status)), limit); err != nil {
		return nil, fmt.Errorf("failed to list sync jobs by status: %w", err)
	}
	out := make([]*domain.SyncJob, len(rows))
	for i, row := range rows {
		out[i] = row.toDomain()
	}
	return out, nil
}

// CountByStatus counts jobs per persisted status.
func (r *JobRepo) CountByStatus(ctx context.Context) (map[domain.SyncStatus]int, error) {
	var rows []struct {
		Status string `db:"status"`
		Count  int    `db:"count"`
	}
	query := `SELECT status, COUNT(*) AS count FROM sync_jobs GROUP BY status`
	if err := r.db.SelectContext(ctx, &rows, query); err != nil {
		return nil, fmt.Errorf("failed to count sync jobs: %w", err)
	}
	out := make(map[domain.SyncStatus]int, len(rows))
	for _, row := range rows {
		out[domain.FromDBStatus(domain.DBStatus(row.Status))] += row.Count
	}
	return out, nil
}

// Stats aggregates job counters.
func (r *JobRepo) Stats(ctx context.Context) (*storage.JobStats, error) {
	byStatus, err := r.CountByStatus(ctx)
	if err != nil {
		return nil, err
	}

	var agg struct {
		Total       int             `db:"total"`
		AvgDuration sql.NullFloat64 `db:"avg_duration"`
	}
	query := `SELECT COUNT(*) AS total, AVG(duration_ms) AS avg_duration FROM sync_jobs`
	if err := r.db.GetContext(ctx, &agg, query); err != nil {
		return nil, fmt.Errorf("failed to aggregate sync jobs: %w", err)
	}

	stats := &storage.JobStats{
		Total:       agg.Total,
		ByStatus:    byStatus,
		AvgDuration: agg.AvgDuration.Float64,
	}
	terminal := byStatus[domain.StatusSynced] + byStatus[domain.StatusDead]
	if terminal > 0 {
		stats.SuccessRate = float64(byStatus[domain.StatusSynced]) / float64(terminal)
	}
	return stats, nil
}

// Cleanup removes terminal jobs older than the given age.
func (r *JobRepo) Cleanup(ctx context.Context, olderThan time.Duration) (int, error) {
	query := `
		DELETE FROM sync_jobs
		WHERE status IN ('synced', 'dead') AND updated_at < $1
	`
	res, err := r.db.ExecContext(ctx, query, time.Now().Add(-olderThan))
	if err != nil {
		return 0, fmt.Errorf("failed to clean up sync jobs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}
