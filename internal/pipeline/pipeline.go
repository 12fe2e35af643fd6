// Package pipeline orchestrates document ingestion: split, embed, upsert.
// Each stage runs inside its own transaction driven by the state machine;
// the pipeline only decides which stages remain for a job and supplies the
// stage bodies.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"

	"github.com/docsyncd/docsyncd/internal/core/domain"
	"github.com/docsyncd/docsyncd/internal/infra/storage"
	"github.com/docsyncd/docsyncd/internal/infra/vector"
	"github.com/docsyncd/docsyncd/internal/sync/metrics"
	"github.com/docsyncd/docsyncd/internal/sync/resilience"
	"github.com/docsyncd/docsyncd/internal/sync/retry"
	"github.com/docsyncd/docsyncd/internal/sync/statemachine"
	"github.com/docsyncd/docsyncd/internal/sync/txn"
)

// Embedder produces embedding vectors for chunk texts.
type Embedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// Locker guards a document against concurrent syncs across instances and
// maintains the dead-letter index. Nil Locker disables both.
type Locker interface {
	AcquireLock(ctx context.Context, docID, owner string, ttl time.Duration) (bool, error)
	RefreshLock(ctx context.Context, docID, owner string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, docID, owner string) error
	MarkDead(ctx context.Context, docID string) error
	ClearDead(ctx context.Context, docID string) error
}

// Config holds pipeline tuning knobs.
type Config struct {
	Workers          int           `yaml:"workers"`
	ChunkSize        int           `yaml:"chunk_size"`
	ChunkOverlap     int           `yaml:"chunk_overlap"`
	UpsertBatch      int           `yaml:"upsert_batch"`
	LockTTL          time.Duration `yaml:"lock_ttl"`
	BreakerThreshold int           `yaml:"breaker_threshold"`
	BreakerTimeout   time.Duration `yaml:"breaker_timeout"`
}

// ErrLocked is returned when another instance holds the document's sync lock.
var ErrLocked = errors.New("document is locked by another sync")

// Pipeline drives documents through split, embed and upsert.
type Pipeline struct {
	cfg      Config
	machine  *statemachine.Machine
	txns     *txn.Manager
	jobs     storage.SyncJobRepository
	sched    *retry.Scheduler
	vectors  vector.Store
	embedder Embedder
	splitter Splitter
	locker   Locker
	pool     *ants.Pool
	log      *slog.Logger

	embedBreaker  *resilience.CircuitBreaker
	vectorBreaker *resilience.CircuitBreaker
}

// New creates a pipeline. locker may be nil.
func New(
	cfg Config,
	machine *statemachine.Machine,
	txns *txn.Manager,
	jobs storage.SyncJobRepository,
	sched *retry.Scheduler,
	vectors vector.Store,
	embedder Embedder,
	locker Locker,
	log *slog.Logger,
) (*Pipeline, error) {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.UpsertBatch <= 0 {
		cfg.UpsertBatch = 100
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 5 * time.Minute
	}
	if cfg.BreakerThreshold <= 0 {
		cfg.BreakerThreshold = 5
	}
	if cfg.BreakerTimeout <= 0 {
		cfg.BreakerTimeout = 30 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}

	pool, err := ants.NewPool(cfg.Workers)
	if err != nil {
		return nil, fmt.Errorf("failed to create worker pool: %w", err)
	}

	return &Pipeline{
		cfg:           cfg,
		machine:       machine,
		txns:          txns,
		jobs:          jobs,
		sched:         sched,
		vectors:       vectors,
		embedder:      embedder,
		splitter:      NewFixedSizeSplitter(cfg.ChunkSize, cfg.ChunkOverlap),
		locker:        locker,
		pool:          pool,
		log:           log.With("component", "pipeline"),
		embedBreaker:  resilience.NewCircuitBreaker("embedding", cfg.BreakerThreshold, cfg.BreakerTimeout),
		vectorBreaker: resilience.NewCircuitBreaker("vector", cfg.BreakerThreshold, cfg.BreakerTimeout),
	}, nil
}

// Close releases the worker pool.
func (p *Pipeline) Close() {
	p.pool.Release()
}

// Breakers exposes the pipeline's circuit breakers for health reporting.
func (p *Pipeline) Breakers() []*resilience.CircuitBreaker {
	return []*resilience.CircuitBreaker{p.embedBreaker, p.vectorBreaker}
}

// runState carries per-run intermediates. Nothing in it is persisted: a
// resumed job regenerates chunks deterministically and re-embeds.
type runState struct {
	chunks  []domain.Chunk
	vectors [][]float32
}

// IngestDocument syncs one document. A StageError return with RetryScheduled
// set means the run failed but a retry timer is armed; the retry re-enters
// the pipeline on its own goroutine.
func (p *Pipeline) IngestDocument(ctx context.Context, doc *domain.Document) error {
	if p.locker != nil {
		owner := uuid.New().String()
		ok, err := p.locker.AcquireLock(ctx, doc.ID, owner, p.cfg.LockTTL)
		if err != nil {
			return fmt.Errorf("acquire sync lock for doc %s: %w", doc.ID, err)
		}
		if !ok {
			return fmt.Errorf("doc %s: %w", doc.ID, ErrLocked)
		}
		defer func() {
			if err := p.locker.ReleaseLock(context.WithoutCancel(ctx), doc.ID, owner); err != nil {
				p.log.Warn("sync lock release failed", "docID", doc.ID, "error", err)
			}
		}()

		// Keep the lock alive while the stages run; a long embed must not
		// let the TTL lapse and hand the document to another instance.
		stop := make(chan struct{})
		go p.refreshLock(ctx, doc.ID, owner, stop)
		defer close(stop)
	}

	job, err := p.machine.GetOrCreateJob(ctx, doc.ID)
	if err != nil {
		return err
	}
	return p.run(ctx, job, doc)
}

// refreshLock extends the document lock's TTL at half-TTL intervals until
// stop closes. Stops early if the lock was lost to another holder.
func (p *Pipeline) refreshLock(ctx context.Context, docID, owner string, stop <-chan struct{}) {
	ticker := time.NewTicker(p.cfg.LockTTL / 2)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			held, err := p.locker.RefreshLock(ctx, docID, owner, p.cfg.LockTTL)
			if err != nil {
				p.log.Warn("sync lock refresh failed", "docID", docID, "error", err)
				continue
			}
			if !held {
				p.log.Warn("sync lock expired mid-run", "docID", docID)
				return
			}
		}
	}
}

func (p *Pipeline) run(ctx context.Context, job *domain.SyncJob, doc *domain.Document) error {
	if job.Status == domain.StatusFailed {
		// A demoted or failed job re-enters through RETRYING; the stage
		// targets are not reachable from FAILED directly.
		if err := p.machine.Transition(ctx, job, domain.StatusRetrying); err != nil {
			return err
		}
	}

	state := &runState{}
	for _, stage := range p.remainingStages(job, doc, state) {
		if err := p.machine.RunStage(ctx, job, stage); err != nil {
			if job.Status == domain.StatusDead && p.locker != nil {
				if dlErr := p.locker.MarkDead(ctx, doc.ID); dlErr != nil {
					p.log.Warn("dead-letter mark failed", "docID", doc.ID, "error", dlErr)
				}
			}
			return err
		}
	}
	p.log.Info("document synced", "docID", doc.ID, "jobID", job.ID, "chunks", len(state.chunks))
	return nil
}

// remainingStages selects the stage sequence from the job's recorded
// progress. A RETRYING job at progress 66 re-runs the embed stage because
// its embeddings were never persisted and the status table routes retries
// through EMBED_OK.
func (p *Pipeline) remainingStages(job *domain.SyncJob, doc *domain.Document, state *runState) []statemachine.Stage {
	resume := p.resumeFn(job, doc)
	switch {
	case job.Progress < 33:
		return []statemachine.Stage{p.splitStage(doc, state, resume), p.embedStage(doc, state, resume), p.upsertStage(doc, state, resume)}
	case job.Progress < 66 || job.Status == domain.StatusRetrying:
		return []statemachine.Stage{p.embedStage(doc, state, resume), p.upsertStage(doc, state, resume)}
	default:
		return []statemachine.Stage{p.upsertStage(doc, state, resume)}
	}
}

// resumeFn is the retry callback: it re-enters the pipeline for this job on
// the scheduler's goroutine. Failures are already logged and re-scheduled by
// the state machine, so the error is only surfaced at debug level here.
func (p *Pipeline) resumeFn(job *domain.SyncJob, doc *domain.Document) retry.Callback {
	return func() {
		ctx := context.Background()
		if err := p.run(ctx, job, doc); err != nil {
			p.log.Debug("retry attempt failed", "docID", doc.ID, "jobID", job.ID, "error", err)
		}
	}
}

func (p *Pipeline) splitStage(doc *domain.Document, state *runState, resume retry.Callback) statemachine.Stage {
	return statemachine.Stage{
		Name:   "split",
		Target: domain.StatusSplitOK,
		Resume: resume,
		Run: func(ctx context.Context, tc *txn.Context) error {
			chunks, err := p.splitter.Split(doc)
			if err != nil {
				return err
			}
			state.chunks = chunks

			if err := p.upsertRow(ctx, tc, txn.TargetDocument, doc.ID, documentRow(doc), ""); err != nil {
				return err
			}
			for _, ch := range chunks {
				if err := p.upsertRow(ctx, tc, txn.TargetChunk, ch.ID, chunkRow(ch), ""); err != nil {
					return err
				}
			}
			return nil
		},
	}
}

func (p *Pipeline) embedStage(doc *domain.Document, state *runState, resume retry.Callback) statemachine.Stage {
	return statemachine.Stage{
		Name:   "embed",
		Target: domain.StatusEmbedOK,
		Resume: resume,
		Run: func(ctx context.Context, tc *txn.Context) error {
			return p.embedChunks(ctx, doc, state)
		},
	}
}

func (p *Pipeline) upsertStage(doc *domain.Document, state *runState, resume retry.Callback) statemachine.Stage {
	return statemachine.Stage{
		Name:   "upsert",
		Target: domain.StatusSynced,
		Resume: resume,
		Run: func(ctx context.Context, tc *txn.Context) error {
			if state.vectors == nil {
				// Resumed directly at the upsert stage; embeddings are
				// never persisted so regenerate them.
				if err := p.embedChunks(ctx, doc, state); err != nil {
					return err
				}
			}

			points := make([]vector.Point, len(state.chunks))
			for i, ch := range state.chunks {
				points[i] = vector.Point{
					ID:     ch.PointID,
					Vector: state.vectors[i],
					Payload: map[string]any{
						"document_id":   ch.DocID,
						"collection_id": ch.CollectionID,
						"chunk_index":   ch.Index,
					},
				}
			}

			for start := 0; start < len(points); start += p.cfg.UpsertBatch {
				batch := points[start:min(start+p.cfg.UpsertBatch, len(points))]
				_, err := p.vectorBreaker.Execute(ctx, func(ctx context.Context) (any, error) {
					return nil, p.vectors.UpsertBatch(ctx, batch)
				})
				if err != nil {
					metrics.VectorOps.WithLabelValues("upsert", "error").Inc()
					return err
				}
				metrics.VectorOps.WithLabelValues("upsert", "ok").Inc()
			}

			// Record the vector side effect on each chunk row so a rollback
			// of this transaction deletes the upserted points again.
			for _, ch := range state.chunks {
				row := chunkRow(ch)
				row["synced"] = true
				if err := p.upsertRow(ctx, tc, txn.TargetChunk, ch.ID, row, ch.PointID); err != nil {
					return err
				}
			}
			return nil
		},
	}
}

func (p *Pipeline) embedChunks(ctx context.Context, doc *domain.Document, state *runState) error {
	if state.chunks == nil {
		chunks, err := p.splitter.Split(doc)
		if err != nil {
			return err
		}
		state.chunks = chunks
	}

	texts := make([]string, len(state.chunks))
	for i, ch := range state.chunks {
		texts[i] = ch.Content
	}

	out, err := p.embedBreaker.Execute(ctx, func(ctx context.Context) (any, error) {
		return p.embedder.EmbedBatch(ctx, texts)
	})
	if err != nil {
		return err
	}
	vecs := out.([][]float32)
	if len(vecs) != len(state.chunks) {
		return fmt.Errorf("embedder returned %d vectors for %d chunks", len(vecs), len(state.chunks))
	}
	state.vectors = vecs
	return nil
}

// upsertRow updates the row if it exists, otherwise creates it. Re-ingesting
// a changed document hits the update path for chunks that kept their ids.
func (p *Pipeline) upsertRow(ctx context.Context, tc *txn.Context, target txn.Target, id string, data map[string]any, pointID string) error {
	err := p.txns.ExecuteOperation(ctx, tc.ID, txn.Operation{
		Type: txn.OpUpdate, Target: target, TargetID: id, Data: data, PointID: pointID,
	})
	if errors.Is(err, txn.ErrRowMissing) {
		return p.txns.ExecuteOperation(ctx, tc.ID, txn.Operation{
			Type: txn.OpCreate, Target: target, TargetID: id, Data: data, PointID: pointID,
		})
	}
	return err
}

// IngestBatch syncs many documents with partial-recovery semantics. With
// ContinueOnError the documents run concurrently on the worker pool and
// every one is attempted; otherwise they run sequentially and the batch
// aborts once failures exceed MaxFailures.
func (p *Pipeline) IngestBatch(ctx context.Context, docs []*domain.Document, opts resilience.BatchOptions) resilience.BatchResult {
	ops := make([]resilience.Op, len(docs))
	for i, doc := range docs {
		doc := doc
		ops[i] = func(ctx context.Context) (any, error) {
			if err := p.IngestDocument(ctx, doc); err != nil {
				return nil, err
			}
			return doc.ID, nil
		}
	}

	if !opts.ContinueOnError {
		return resilience.ExecuteBatch(ctx, ops, opts)
	}

	res := resilience.BatchResult{Total: len(docs), Results: make([]any, len(docs))}
	metrics.BatchSize.WithLabelValues("ingest").Observe(float64(len(docs)))

	var mu sync.Mutex
	var wg sync.WaitGroup
	record := func(i int, out any, err error) {
		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			res.Results[i] = err
			res.Failed++
			return
		}
		res.Results[i] = out
		res.Successful++
	}

	for i, op := range ops {
		i, op := i, op
		wg.Add(1)
		if err := p.pool.Submit(func() {
			defer wg.Done()
			out, err := op(ctx)
			record(i, out, err)
		}); err != nil {
			wg.Done()
			record(i, nil, fmt.Errorf("submit to worker pool: %w", err))
		}
	}
	wg.Wait()
	return res
}

// DeleteDocument removes a document from both stores and cancels any pending
// retries for it. The relational delete runs transactionally; the vector
// delete follows the commit.
func (p *Pipeline) DeleteDocument(ctx context.Context, doc *domain.Document) error {
	if n := p.sched.CancelForDoc(doc.ID); n > 0 {
		p.log.Info("cancelled pending retries for deleted document", "docID", doc.ID, "cancelled", n)
	}

	chunks, err := p.splitter.Split(doc)
	if err != nil {
		chunks = nil // empty document, nothing chunked
	}

	meta := map[string]string{"doc_id": doc.ID, "op": "delete"}
	err = p.txns.ExecuteInTransaction(ctx, meta, func(tc *txn.Context) error {
		for _, ch := range chunks {
			err := p.txns.ExecuteOperation(ctx, tc.ID, txn.Operation{
				Type: txn.OpDelete, Target: txn.TargetChunk, TargetID: ch.ID,
			})
			if err != nil && !errors.Is(err, txn.ErrRowMissing) {
				return err
			}
		}
		err := p.txns.ExecuteOperation(ctx, tc.ID, txn.Operation{
			Type: txn.OpDelete, Target: txn.TargetDocument, TargetID: doc.ID,
		})
		if err != nil && !errors.Is(err, txn.ErrRowMissing) {
			return err
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("relational delete of doc %s: %w", doc.ID, err)
	}

	_, err = p.vectorBreaker.Execute(ctx, func(ctx context.Context) (any, error) {
		return nil, p.vectors.DeleteByDoc(ctx, doc.ID)
	})
	if err != nil {
		metrics.VectorOps.WithLabelValues("delete", "error").Inc()
		return fmt.Errorf("vector delete of doc %s: %w", doc.ID, err)
	}
	metrics.VectorOps.WithLabelValues("delete", "ok").Inc()

	if p.locker != nil {
		if err := p.locker.ClearDead(ctx, doc.ID); err != nil {
			p.log.Warn("dead-letter clear failed", "docID", doc.ID, "error", err)
		}
	}
	return nil
}

// VerifySynced checks that a SYNCED document's chunk rows are all present in
// the relational store. On divergence the job is demoted back to FAILED so
// the pipeline re-syncs it.
func (p *Pipeline) VerifySynced(ctx context.Context, doc *domain.Document) error {
	job, err := p.jobs.GetByDocID(ctx, doc.ID)
	if err != nil {
		return err
	}
	if job.Status != domain.StatusSynced {
		return fmt.Errorf("doc %s is not synced (status %s)", doc.ID, job.Status)
	}

	chunks, err := p.splitter.Split(doc)
	if err != nil {
		return err
	}

	meta := map[string]string{"doc_id": doc.ID, "op": "verify"}
	verifyErr := p.txns.ExecuteInTransaction(ctx, meta, func(tc *txn.Context) error {
		for _, ch := range chunks {
			_, ok, err := p.txns.ReadRow(ctx, tc.ID, txn.TargetChunk, ch.ID)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("chunk %d of doc %s missing from relational store", ch.Index, doc.ID)
			}
		}
		return nil
	})
	if verifyErr == nil {
		return nil
	}

	if err := p.machine.Demote(ctx, job, verifyErr); err != nil {
		return fmt.Errorf("demote diverged doc %s: %w", doc.ID, err)
	}
	return verifyErr
}

// Status returns the latest sync job for a document.
func (p *Pipeline) Status(ctx context.Context, docID string) (*domain.SyncJob, error) {
	return p.jobs.GetByDocID(ctx, docID)
}

func documentRow(doc *domain.Document) map[string]any {
	return map[string]any{
		"collection_id": doc.CollectionID,
		"name":          doc.Name,
		"content":       doc.Content,
		"content_type":  doc.ContentType,
		"size_bytes":    doc.SizeBytes,
	}
}

func chunkRow(ch domain.Chunk) map[string]any {
	return map[string]any{
		"document_id":   ch.DocID,
		"collection_id": ch.CollectionID,
		"chunk_index":   ch.Index,
		"content":       ch.Content,
		"point_id":      ch.PointID,
	}
}
