package txn

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"
)

// =============================================================================
// Fakes
// =============================================================================

type tableData map[Target]map[string]map[string]any

func (d tableData) clone() tableData {
	out := make(tableData, len(d))
	for target, rows := range d {
		out[target] = make(map[string]map[string]any, len(rows))
		for id, row := range rows {
			cp := make(map[string]any, len(row))
			for k, v := range row {
				cp[k] = v
			}
			out[target][id] = cp
		}
	}
	return out
}

// fakeStore is an in-memory RowStore with a spy connection. Physical
// savepoints are snapshot-based and can be disabled to force the manager
// onto the compensating-replay path.
type fakeStore struct {
	mu                sync.Mutex
	data              tableData
	supportSavepoints bool

	commits       int
	rollbacks     int
	savepointOps  []string
	failSnapshots bool
}

func newFakeStore(supportSavepoints bool) *fakeStore {
	return &fakeStore{
		data:              make(tableData),
		supportSavepoints: supportSavepoints,
	}
}

type fakeConn struct {
	store *fakeStore
	base  tableData
	saved map[string]tableData
}

func (s *fakeStore) Begin(ctx context.Context) (Conn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return &fakeConn{store: s, base: s.data.clone(), saved: make(map[string]tableData)}, nil
}

func (c *fakeConn) Commit(ctx context.Context) error {
	c.store.mu.Lock()
	defer c.store.mu.Unlock()
	c.store.commits++
	return nil
}

func (c *fakeConn) Rollback(ctx context.Context) error {
	c.store.mu.Lock()
	defer c.store.mu.Unlock()
	c.store.rollbacks++
	c.store.data = c.base.clone()
	return nil
}

func (c *fakeConn) Savepoint(ctx context.Context, name string) error {
	c.store.mu.Lock()
	defer c.store.mu.Unlock()
	if !c.store.supportSavepoints {
		return ErrSavepointUnsupported
	}
	c.store.savepointOps = append(c.store.savepointOps, "create:"+name)
	c.saved[name] = c.store.data.clone()
	return nil
}

func (c *fakeConn) RollbackTo(ctx context.Context, name string) error {
	c.store.mu.Lock()
	defer c.store.mu.Unlock()
	snap, ok := c.saved[name]
	if !ok {
		return fmt.Errorf("no savepoint %q", name)
	}
	c.store.savepointOps = append(c.store.savepointOps, "rollback:"+name)
	c.store.data = snap.clone()
	return nil
}

func (c *fakeConn) ReleaseSavepoint(ctx context.Context, name string) error {
	c.store.mu.Lock()
	defer c.store.mu.Unlock()
	c.store.savepointOps = append(c.store.savepointOps, "release:"+name)
	delete(c.saved, name)
	return nil
}

func (s *fakeStore) Insert(ctx context.Context, conn Conn, target Target, id string, data map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.data[target] == nil {
		s.data[target] = make(map[string]map[string]any)
	}
	s.data[target][id] = data
	return nil
}

func (s *fakeStore) Update(ctx context.Context, conn Conn, target Target, id string, data map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.data[target] == nil || s.data[target][id] == nil {
		return fmt.Errorf("update %s %s: not found", target, id)
	}
	s.data[target][id] = data
	return nil
}

func (s *fakeStore) Delete(ctx context.Context, conn Conn, target Target, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.data[target] != nil {
		delete(s.data[target], id)
	}
	return nil
}

func (s *fakeStore) Get(ctx context.Context, conn Conn, target Target, id string) (map[string]any, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failSnapshots {
		return nil, false, errors.New("snapshot read refused")
	}
	rows, ok := s.data[target]
	if !ok {
		return nil, false, nil
	}
	row, ok := rows[id]
	if !ok {
		return nil, false, nil
	}
	cp := make(map[string]any, len(row))
	for k, v := range row {
		cp[k] = v
	}
	return cp, true, nil
}

func (s *fakeStore) get(target Target, id string) (map[string]any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, ok := s.data[target]
	if !ok {
		return nil, false
	}
	row, ok := rows[id]
	return row, ok
}

type fakeVectors struct {
	mu      sync.Mutex
	deleted []string
}

func (v *fakeVectors) Delete(ctx context.Context, pointID string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.deleted = append(v.deleted, pointID)
	return nil
}

// =============================================================================
// Manager tests
// =============================================================================

func TestCommit_PhysicalCommitOnlyAtRoot(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore(true)
	m := NewManager(store, nil, nil)

	root, err := m.Begin(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	n1, err := m.BeginNested(ctx, root.ID, nil)
	if err != nil {
		t.Fatal(err)
	}
	n2, err := m.BeginNested(ctx, n1.ID, nil)
	if err != nil {
		t.Fatal(err)
	}
	if n2.NestingLevel != 2 {
		t.Errorf("expected nesting level 2, got %d", n2.NestingLevel)
	}

	if err := m.Commit(ctx, n2.ID); err != nil {
		t.Fatal(err)
	}
	if err := m.Commit(ctx, n1.ID); err != nil {
		t.Fatal(err)
	}
	if store.commits != 0 {
		t.Fatalf("nested commits must not touch the connection, saw %d physical commits", store.commits)
	}

	if err := m.Commit(ctx, root.ID); err != nil {
		t.Fatal(err)
	}
	if store.commits != 1 {
		t.Fatalf("expected exactly one physical commit, got %d", store.commits)
	}
}

func TestCommit_InvalidStateRejected(t *testing.T) {
	ctx := context.Background()
	m := NewManager(newFakeStore(true), nil, nil)

	root, _ := m.Begin(ctx, nil)
	if err := m.Commit(ctx, root.ID); err != nil {
		t.Fatal(err)
	}

	err := m.Commit(ctx, root.ID)
	var stateErr *StateError
	if !errors.As(err, &stateErr) {
		t.Fatalf("expected StateError, got %v", err)
	}
	if stateErr.TxID != root.ID || stateErr.Status != StatusCommitted {
		t.Errorf("StateError missing context: %+v", stateErr)
	}

	if err := m.Rollback(ctx, root.ID); err == nil {
		t.Error("rollback of a committed transaction must be rejected")
	}
}

func TestNestedOutlivingRootCommitRejected(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore(true)
	m := NewManager(store, nil, nil)

	root, _ := m.Begin(ctx, nil)
	nested, err := m.BeginNested(ctx, root.ID, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Commit(ctx, root.ID); err != nil {
		t.Fatal(err)
	}

	// The nested context is still open but the connection is gone; every
	// path through it must surface a StateError, never dereference the
	// released connection.
	var stateErr *StateError
	if err := m.Commit(ctx, nested.ID); !errors.As(err, &stateErr) {
		t.Fatalf("expected StateError committing orphaned nested context, got %v", err)
	}
	if stateErr.TxID != nested.ID || stateErr.Status != StatusCommitted {
		t.Errorf("StateError missing context: %+v", stateErr)
	}
	if err := m.Rollback(ctx, nested.ID); !errors.As(err, &stateErr) {
		t.Fatalf("expected StateError rolling back orphaned nested context, got %v", err)
	}
	if err := m.ExecuteOperation(ctx, nested.ID, Operation{
		Type: OpCreate, Target: TargetChunk, TargetID: "chunk-1",
		Data: map[string]any{"content": "x"},
	}); !errors.As(err, &stateErr) {
		t.Fatalf("expected StateError executing through orphaned nested context, got %v", err)
	}
	if _, err := m.BeginNested(ctx, nested.ID, nil); !errors.As(err, &stateErr) {
		t.Fatalf("expected StateError nesting under orphaned context, got %v", err)
	}
	if store.commits != 1 {
		t.Errorf("orphaned nested context must not touch the connection, saw %d commits", store.commits)
	}
}

func TestExecuteOperation_PreImageRequired(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore(true)
	m := NewManager(store, nil, nil)

	root, _ := m.Begin(ctx, nil)
	err := m.ExecuteOperation(ctx, root.ID, Operation{
		Type: OpUpdate, Target: TargetDocument, TargetID: "missing",
		Data: map[string]any{"name": "x"},
	})
	if err == nil || !strings.Contains(err.Error(), "rollback data") {
		t.Fatalf("expected loud pre-image failure, got %v", err)
	}

	_ = store.Insert(ctx, nil, TargetDocument, "doc-1", map[string]any{"name": "a"})
	store.failSnapshots = true
	err = m.ExecuteOperation(ctx, root.ID, Operation{
		Type: OpDelete, Target: TargetDocument, TargetID: "doc-1",
	})
	if err == nil {
		t.Fatal("expected pre-image read failure to refuse the operation")
	}
}

func TestRollback_NestedRestoresPreNestedState(t *testing.T) {
	for _, physical := range []bool{true, false} {
		t.Run(fmt.Sprintf("physical=%v", physical), func(t *testing.T) {
			ctx := context.Background()
			store := newFakeStore(physical)
			m := NewManager(store, nil, nil)

			root, _ := m.Begin(ctx, nil)

			// Parent edit before the nested transaction begins.
			if err := m.ExecuteOperation(ctx, root.ID, Operation{
				Type: OpCreate, Target: TargetDocument, TargetID: "doc-1",
				Data: map[string]any{"name": "original"},
			}); err != nil {
				t.Fatal(err)
			}

			nested, err := m.BeginNested(ctx, root.ID, nil)
			if err != nil {
				t.Fatal(err)
			}

			// Nested edits: update the parent's row and create another.
			if err := m.ExecuteOperation(ctx, nested.ID, Operation{
				Type: OpUpdate, Target: TargetDocument, TargetID: "doc-1",
				Data: map[string]any{"name": "clobbered"},
			}); err != nil {
				t.Fatal(err)
			}
			if err := m.ExecuteOperation(ctx, nested.ID, Operation{
				Type: OpCreate, Target: TargetChunk, TargetID: "chunk-1",
				Data: map[string]any{"content": "hello"},
			}); err != nil {
				t.Fatal(err)
			}

			if err := m.Rollback(ctx, nested.ID); err != nil {
				t.Fatal(err)
			}

			row, ok := store.get(TargetDocument, "doc-1")
			if !ok || row["name"] != "original" {
				t.Errorf("parent edit not intact after nested rollback: %v", row)
			}
			if _, ok := store.get(TargetChunk, "chunk-1"); ok {
				t.Error("nested CREATE survived nested rollback")
			}

			if err := m.Commit(ctx, root.ID); err != nil {
				t.Fatal(err)
			}
			if row, _ := store.get(TargetDocument, "doc-1"); row["name"] != "original" {
				t.Errorf("parent state lost on commit: %v", row)
			}
			if store.commits != 1 {
				t.Errorf("expected 1 physical commit, got %d", store.commits)
			}
		})
	}
}

func TestRollback_DeleteRestoredFromPreImage(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore(false) // force compensating replay
	m := NewManager(store, nil, nil)

	_ = store.Insert(ctx, nil, TargetDocument, "doc-1", map[string]any{"name": "keep me"})

	root, _ := m.Begin(ctx, nil)
	nested, _ := m.BeginNested(ctx, root.ID, nil)
	if err := m.ExecuteOperation(ctx, nested.ID, Operation{
		Type: OpDelete, Target: TargetDocument, TargetID: "doc-1",
	}); err != nil {
		t.Fatal(err)
	}
	if _, ok := store.get(TargetDocument, "doc-1"); ok {
		t.Fatal("delete did not apply")
	}

	if err := m.Rollback(ctx, nested.ID); err != nil {
		t.Fatal(err)
	}
	row, ok := store.get(TargetDocument, "doc-1")
	if !ok || row["name"] != "keep me" {
		t.Errorf("DELETE not undone from pre-image: %v, present=%v", row, ok)
	}
}

func TestRollback_VectorCompensation(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore(true)
	vectors := &fakeVectors{}
	m := NewManager(store, vectors, nil)

	root, _ := m.Begin(ctx, nil)
	if err := m.ExecuteOperation(ctx, root.ID, Operation{
		Type: OpCreate, Target: TargetChunk, TargetID: "chunk-1",
		Data:    map[string]any{"content": "hello"},
		PointID: "point-1",
	}); err != nil {
		t.Fatal(err)
	}

	if err := m.Rollback(ctx, root.ID); err != nil {
		t.Fatal(err)
	}
	if len(vectors.deleted) != 1 || vectors.deleted[0] != "point-1" {
		t.Errorf("expected vector delete for point-1, got %v", vectors.deleted)
	}
	if store.rollbacks != 1 {
		t.Errorf("expected 1 physical rollback, got %d", store.rollbacks)
	}
}

func TestRollback_WithoutConnectionIsNoOp(t *testing.T) {
	ctx := context.Background()
	m := NewManager(newFakeStore(true), nil, nil)

	root, _ := m.Begin(ctx, nil)
	root.conn = nil // simulate a cleanup race releasing the connection

	if err := m.Rollback(ctx, root.ID); err != nil {
		t.Fatalf("expected warning no-op, got %v", err)
	}
	if root.Status != StatusRolledBack {
		t.Errorf("expected ROLLED_BACK, got %s", root.Status)
	}
}

func TestSavepoints_ManualRollbackTo(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore(false)
	m := NewManager(store, nil, nil)

	root, _ := m.Begin(ctx, nil)
	_ = m.ExecuteOperation(ctx, root.ID, Operation{
		Type: OpCreate, Target: TargetDocument, TargetID: "doc-1",
		Data: map[string]any{"name": "a"},
	})

	sp, err := m.CreateSavepoint(ctx, root.ID, "before_chunks", map[string]string{"reason": "test"})
	if err != nil {
		t.Fatal(err)
	}
	if sp.physical {
		t.Error("store without savepoint support must yield an in-memory savepoint")
	}
	if _, err := m.CreateSavepoint(ctx, root.ID, "before_chunks", nil); err == nil {
		t.Error("duplicate savepoint name must be rejected")
	}

	_ = m.ExecuteOperation(ctx, root.ID, Operation{
		Type: OpCreate, Target: TargetChunk, TargetID: "chunk-1",
		Data: map[string]any{"content": "x"},
	})

	if err := m.RollbackToSavepoint(ctx, root.ID, "before_chunks"); err != nil {
		t.Fatal(err)
	}
	if _, ok := store.get(TargetChunk, "chunk-1"); ok {
		t.Error("operation after savepoint survived rollback-to")
	}
	if _, ok := store.get(TargetDocument, "doc-1"); !ok {
		t.Error("operation before savepoint was rolled back")
	}
	if len(root.Operations) != 1 {
		t.Errorf("operation log not truncated: %d entries", len(root.Operations))
	}
}

func TestExecuteInTransaction(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore(true)
	m := NewManager(store, nil, nil)

	err := m.ExecuteInTransaction(ctx, map[string]string{"doc": "doc-1"}, func(tc *Context) error {
		return m.ExecuteOperation(ctx, tc.ID, Operation{
			Type: OpCreate, Target: TargetDocument, TargetID: "doc-1",
			Data: map[string]any{"name": "a"},
		})
	})
	if err != nil {
		t.Fatal(err)
	}
	if store.commits != 1 {
		t.Errorf("expected commit, got %d", store.commits)
	}

	boom := errors.New("stage failed")
	err = m.ExecuteInTransaction(ctx, nil, func(tc *Context) error { return boom })
	if !errors.Is(err, boom) {
		t.Fatalf("expected stage error surfaced, got %v", err)
	}
	if store.rollbacks != 1 {
		t.Errorf("expected rollback, got %d", store.rollbacks)
	}
}

func TestCleanup(t *testing.T) {
	ctx := context.Background()
	m := NewManager(newFakeStore(true), nil, nil)

	root, _ := m.Begin(ctx, nil)
	_ = m.Commit(ctx, root.ID)
	past := time.Now().Add(-time.Hour)
	root.CompletedAt = &past

	open, _ := m.Begin(ctx, nil)

	if n := m.Cleanup(ctx, 30*time.Minute); n != 1 {
		t.Fatalf("expected 1 context cleaned, got %d", n)
	}
	if _, err := m.Get(root.ID); !errors.Is(err, ErrNotFound) {
		t.Error("terminal context should be gone after cleanup")
	}
	if _, err := m.Get(open.ID); err != nil {
		t.Error("open context must survive cleanup")
	}
	if len(m.Active()) != 1 {
		t.Errorf("expected 1 tracked context, got %d", len(m.Active()))
	}
}
