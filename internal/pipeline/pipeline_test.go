package pipeline

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/docsyncd/docsyncd/internal/core/domain"
	"github.com/docsyncd/docsyncd/internal/infra/storage/memory"
	"github.com/docsyncd/docsyncd/internal/infra/vector"
	"github.com/docsyncd/docsyncd/internal/sync/resilience"
	"github.com/docsyncd/docsyncd/internal/sync/retry"
	"github.com/docsyncd/docsyncd/internal/sync/statemachine"
	"github.com/docsyncd/docsyncd/internal/sync/txn"
)

type fakeEmbedder struct {
	mu    sync.Mutex
	calls int
	err   error
	delay time.Duration
}

func (e *fakeEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if e.delay > 0 {
		time.Sleep(e.delay)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls++
	if e.err != nil {
		return nil, e.err
	}
	out := make([][]float32, len(texts))
	for i := range out {
		out[i] = []float32{0.1, 0.2, 0.3}
	}
	return out, nil
}

type fakeVectors struct {
	mu        sync.Mutex
	points    map[string]vector.Point
	upsertErr error
}

func newFakeVectors() *fakeVectors {
	return &fakeVectors{points: make(map[string]vector.Point)}
}

func (v *fakeVectors) Upsert(ctx context.Context, p vector.Point) error {
	return v.UpsertBatch(ctx, []vector.Point{p})
}

func (v *fakeVectors) UpsertBatch(ctx context.Context, points []vector.Point) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.upsertErr != nil {
		return v.upsertErr
	}
	for _, p := range points {
		v.points[p.ID] = p
	}
	return nil
}

func (v *fakeVectors) Delete(ctx context.Context, pointID string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.points, pointID)
	return nil
}

func (v *fakeVectors) DeleteByDoc(ctx context.Context, docID string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	for id, p := range v.points {
		if p.Payload["document_id"] == docID {
			delete(v.points, id)
		}
	}
	return nil
}

func (v *fakeVectors) DeleteByCollection(ctx context.Context, collectionID string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	for id, p := range v.points {
		if p.Payload["collection_id"] == collectionID {
			delete(v.points, id)
		}
	}
	return nil
}

func (v *fakeVectors) Health(ctx context.Context) error { return nil }

func (v *fakeVectors) count() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.points)
}

type fakeLocker struct {
	mu        sync.Mutex
	denied    bool
	dead      map[string]bool
	refreshes int
}

func (l *fakeLocker) AcquireLock(ctx context.Context, docID, owner string, ttl time.Duration) (bool, error) {
	return !l.denied, nil
}
func (l *fakeLocker) RefreshLock(ctx context.Context, docID, owner string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.refreshes++
	return true, nil
}
func (l *fakeLocker) refreshCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.refreshes
}
func (l *fakeLocker) ReleaseLock(ctx context.Context, docID, owner string) error { return nil }
func (l *fakeLocker) MarkDead(ctx context.Context, docID string) error {
	if l.dead == nil {
		l.dead = make(map[string]bool)
	}
	l.dead[docID] = true
	return nil
}
func (l *fakeLocker) ClearDead(ctx context.Context, docID string) error {
	delete(l.dead, docID)
	return nil
}

type testEnv struct {
	pipeline *Pipeline
	jobs     *memory.JobRepo
	rows     *memory.RowStore
	vectors  *fakeVectors
	embedder *fakeEmbedder
	sched    *retry.Scheduler
}

func newTestPipeline(t *testing.T, locker Locker) *testEnv {
	t.Helper()
	jobs := memory.NewJobRepo()
	rows := memory.NewRowStore()
	vectors := newFakeVectors()
	embedder := &fakeEmbedder{}
	txns := txn.NewManager(rows, vectors, nil)
	sched := retry.NewScheduler(nil)
	rates := resilience.NewErrorRateAggregator(time.Hour)
	machine := statemachine.New(jobs, txns, sched, rates, nil)

	p, err := New(Config{ChunkSize: 10, ChunkOverlap: 2, Workers: 2},
		machine, txns, jobs, sched, vectors, embedder, locker, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(p.Close)
	return &testEnv{pipeline: p, jobs: jobs, rows: rows, vectors: vectors, embedder: embedder, sched: sched}
}

func testDoc(id, content string) *domain.Document {
	return &domain.Document{ID: id, CollectionID: "col-1", Name: id + ".txt", Content: content}
}

func TestIngestDocument_HappyPath(t *testing.T) {
	ctx := context.Background()
	env := newTestPipeline(t, nil)
	doc := testDoc("doc-1", strings.Repeat("lorem ipsum ", 5))

	if err := env.pipeline.IngestDocument(ctx, doc); err != nil {
		t.Fatal(err)
	}

	job, err := env.jobs.GetByDocID(ctx, doc.ID)
	if err != nil {
		t.Fatal(err)
	}
	if job.Status != domain.StatusSynced {
		t.Fatalf("expected SYNCED, got %s", job.Status)
	}
	if job.Progress != 100 {
		t.Errorf("expected progress 100, got %d", job.Progress)
	}
	if job.CompletedAt == nil || job.DurationMs == nil {
		t.Error("terminal job must carry completion time and duration")
	}

	chunks := env.rows.Count(txn.TargetChunk)
	if chunks == 0 {
		t.Fatal("no chunk rows persisted")
	}
	if env.rows.Count(txn.TargetDocument) != 1 {
		t.Error("document row not persisted")
	}
	if env.vectors.count() != chunks {
		t.Errorf("vector store has %d points for %d chunks", env.vectors.count(), chunks)
	}
}

func TestIngestDocument_ReingestIsIdempotent(t *testing.T) {
	ctx := context.Background()
	env := newTestPipeline(t, nil)
	doc := testDoc("doc-1", strings.Repeat("lorem ipsum ", 5))

	if err := env.pipeline.IngestDocument(ctx, doc); err != nil {
		t.Fatal(err)
	}
	first := env.vectors.count()

	// Same content again: deterministic ids mean updates, not duplicates.
	if err := env.pipeline.IngestDocument(ctx, doc); err != nil {
		t.Fatal(err)
	}
	if env.vectors.count() != first {
		t.Errorf("re-ingest duplicated points: %d -> %d", first, env.vectors.count())
	}
	if got := env.rows.Count(txn.TargetChunk); got != first {
		t.Errorf("re-ingest duplicated chunk rows: %d", got)
	}
}

func TestIngestDocument_PermanentSplitFailureGoesDead(t *testing.T) {
	ctx := context.Background()
	locker := &fakeLocker{}
	env := newTestPipeline(t, locker)
	doc := testDoc("doc-1", "")

	err := env.pipeline.IngestDocument(ctx, doc)
	var stageErr *statemachine.StageError
	if !errors.As(err, &stageErr) {
		t.Fatalf("expected StageError, got %v", err)
	}
	if stageErr.RetryScheduled {
		t.Error("permanent failure must not schedule a retry")
	}

	job, _ := env.jobs.GetByDocID(ctx, doc.ID)
	if job.Status != domain.StatusDead {
		t.Errorf("expected DEAD, got %s", job.Status)
	}
	if !locker.dead[doc.ID] {
		t.Error("dead job must land in the dead-letter index")
	}
}

func TestIngestDocument_VectorFailureRollsBackAndSchedulesRetry(t *testing.T) {
	ctx := context.Background()
	env := newTestPipeline(t, nil)
	env.vectors.upsertErr = errors.New("vector store unreachable: connection refused")
	doc := testDoc("doc-1", strings.Repeat("lorem ipsum ", 5))

	err := env.pipeline.IngestDocument(ctx, doc)
	var stageErr *statemachine.StageError
	if !errors.As(err, &stageErr) {
		t.Fatalf("expected StageError, got %v", err)
	}
	if !stageErr.RetryScheduled {
		t.Error("temporary vector failure must schedule a retry")
	}

	job, _ := env.jobs.GetByDocID(ctx, doc.ID)
	if job.Status != domain.StatusRetrying {
		t.Errorf("expected RETRYING, got %s", job.Status)
	}
	// Split committed earlier; only the upsert stage's transaction rolls back.
	if job.Progress != 66 {
		t.Errorf("expected progress 66 after committed split+embed, got %d", job.Progress)
	}
	if env.sched.ActiveCount() != 1 {
		t.Errorf("expected one armed retry, got %d", env.sched.ActiveCount())
	}
	env.sched.Shutdown()
}

func TestIngestBatch_ContinueOnError(t *testing.T) {
	ctx := context.Background()
	env := newTestPipeline(t, nil)

	docs := []*domain.Document{
		testDoc("doc-1", strings.Repeat("aaaa ", 10)),
		testDoc("doc-2", ""), // permanent failure, goes DEAD
		testDoc("doc-3", strings.Repeat("cccc ", 10)),
	}

	res := env.pipeline.IngestBatch(ctx, docs, resilience.BatchOptions{ContinueOnError: true})
	if res.Total != 3 || res.Successful != 2 || res.Failed != 1 {
		t.Fatalf("unexpected batch result: %+v", res)
	}
	if _, ok := res.Results[1].(error); !ok {
		t.Error("failed slot must hold the error")
	}

	for _, id := range []string{"doc-1", "doc-3"} {
		job, err := env.jobs.GetByDocID(ctx, id)
		if err != nil || job.Status != domain.StatusSynced {
			t.Errorf("doc %s not synced: %v", id, err)
		}
	}
}

func TestDeleteDocument_RemovesBothStoresAndCancelsRetries(t *testing.T) {
	ctx := context.Background()
	env := newTestPipeline(t, nil)
	doc := testDoc("doc-1", strings.Repeat("lorem ipsum ", 5))

	if err := env.pipeline.IngestDocument(ctx, doc); err != nil {
		t.Fatal(err)
	}

	if err := env.pipeline.DeleteDocument(ctx, doc); err != nil {
		t.Fatal(err)
	}
	if env.rows.Count(txn.TargetChunk) != 0 {
		t.Error("chunk rows survived deletion")
	}
	if env.rows.Count(txn.TargetDocument) != 0 {
		t.Error("document row survived deletion")
	}
	if env.vectors.count() != 0 {
		t.Error("vector points survived deletion")
	}
}

func TestVerifySynced_DemotesOnDivergence(t *testing.T) {
	ctx := context.Background()
	env := newTestPipeline(t, nil)
	doc := testDoc("doc-1", strings.Repeat("lorem ipsum ", 5))

	if err := env.pipeline.IngestDocument(ctx, doc); err != nil {
		t.Fatal(err)
	}
	if err := env.pipeline.VerifySynced(ctx, doc); err != nil {
		t.Fatalf("freshly synced doc must verify clean: %v", err)
	}

	// Simulate divergence: drop one chunk row behind the pipeline's back.
	chunks, err := env.pipeline.splitter.Split(doc)
	if err != nil {
		t.Fatal(err)
	}
	if err := env.rows.Delete(ctx, nil, txn.TargetChunk, chunks[0].ID); err != nil {
		t.Fatal(err)
	}

	if err := env.pipeline.VerifySynced(ctx, doc); err == nil {
		t.Fatal("expected divergence to be detected")
	}
	job, _ := env.jobs.GetByDocID(ctx, doc.ID)
	if job.Status != domain.StatusFailed {
		t.Errorf("diverged doc must be demoted to FAILED, got %s", job.Status)
	}
}

func TestIngestDocument_ResyncsDemotedDocument(t *testing.T) {
	ctx := context.Background()
	env := newTestPipeline(t, nil)
	doc := testDoc("doc-1", strings.Repeat("lorem ipsum ", 5))

	if err := env.pipeline.IngestDocument(ctx, doc); err != nil {
		t.Fatal(err)
	}
	chunks, err := env.pipeline.splitter.Split(doc)
	if err != nil {
		t.Fatal(err)
	}
	if err := env.rows.Delete(ctx, nil, txn.TargetChunk, chunks[0].ID); err != nil {
		t.Fatal(err)
	}
	if err := env.pipeline.VerifySynced(ctx, doc); err == nil {
		t.Fatal("expected divergence to be detected")
	}

	// The demoted FAILED job must route back through RETRYING and reach
	// SYNCED again instead of attempting an illegal transition.
	if err := env.pipeline.IngestDocument(ctx, doc); err != nil {
		t.Fatalf("re-ingest of demoted doc failed: %v", err)
	}
	job, _ := env.jobs.GetByDocID(ctx, doc.ID)
	if job.Status != domain.StatusSynced {
		t.Fatalf("expected SYNCED after re-sync, got %s", job.Status)
	}
	if _, ok, _ := env.rows.Get(ctx, nil, txn.TargetChunk, chunks[0].ID); !ok {
		t.Error("re-sync did not restore the missing chunk row")
	}
	if err := env.pipeline.VerifySynced(ctx, doc); err != nil {
		t.Errorf("re-synced doc must verify clean: %v", err)
	}
}

func TestIngestDocument_RefreshesLockDuringLongRuns(t *testing.T) {
	ctx := context.Background()
	locker := &fakeLocker{}
	jobs := memory.NewJobRepo()
	rows := memory.NewRowStore()
	vectors := newFakeVectors()
	embedder := &fakeEmbedder{delay: 80 * time.Millisecond}
	txns := txn.NewManager(rows, vectors, nil)
	sched := retry.NewScheduler(nil)
	machine := statemachine.New(jobs, txns, sched, resilience.NewErrorRateAggregator(time.Hour), nil)

	p, err := New(Config{ChunkSize: 10, ChunkOverlap: 2, Workers: 2, LockTTL: 20 * time.Millisecond},
		machine, txns, jobs, sched, vectors, embedder, locker, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(p.Close)

	if err := p.IngestDocument(ctx, testDoc("doc-1", strings.Repeat("lorem ipsum ", 5))); err != nil {
		t.Fatal(err)
	}
	if locker.refreshCount() == 0 {
		t.Error("ingest outlasting half the lock TTL never refreshed the lock")
	}
}

func TestIngestDocument_LockDenied(t *testing.T) {
	ctx := context.Background()
	env := newTestPipeline(t, &fakeLocker{denied: true})

	err := env.pipeline.IngestDocument(ctx, testDoc("doc-1", "some content"))
	if !errors.Is(err, ErrLocked) {
		t.Fatalf("expected ErrLocked, got %v", err)
	}
}
