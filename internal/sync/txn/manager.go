package txn

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/docsyncd/docsyncd/internal/sync/metrics"
)

// DefaultRetention is how long terminal contexts are kept for inspection
// before cleanup removes them.
const DefaultRetention = 30 * time.Minute

// Manager owns all transaction contexts for one process. Different
// transaction ids proceed in parallel; operations within one context tree
// are serialized on the root's mutex.
type Manager struct {
	mu        sync.RWMutex
	store     RowStore
	vectors   VectorDeleter
	active    map[string]*Context
	retention time.Duration
	log       *slog.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithRetention overrides how long terminal contexts are retained.
func WithRetention(d time.Duration) Option {
	return func(m *Manager) { m.retention = d }
}

// NewManager creates a transaction manager over the given row store.
// vectors may be nil when no vector store is attached.
func NewManager(store RowStore, vectors VectorDeleter, log *slog.Logger, opts ...Option) *Manager {
	if log == nil {
		log = slog.Default()
	}
	m := &Manager{
		store:     store,
		vectors:   vectors,
		active:    make(map[string]*Context),
		retention: DefaultRetention,
		log:       log.With("component", "txn"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Begin starts a root transaction and returns its context.
func (m *Manager) Begin(ctx context.Context, metadata map[string]string) (*Context, error) {
	conn, err := m.store.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}

	tc := &Context{
		ID:        uuid.New().String(),
		Status:    StatusPending,
		StartedAt: time.Now(),
		Metadata:  metadata,
		conn:      conn,
	}

	m.mu.Lock()
	m.active[tc.ID] = tc
	m.mu.Unlock()
	metrics.ActiveTransactions.Inc()

	m.log.Debug("transaction started", "txID", tc.ID)
	return tc, nil
}

// BeginNested starts a nested transaction under parentID. It creates a
// uniquely-named savepoint on the root's connection; when the store has no
// physical savepoints the savepoint is tracked in memory only and rollback
// falls back to compensating replay.
func (m *Manager) BeginNested(ctx context.Context, parentID string, metadata map[string]string) (*Context, error) {
	parent, err := m.Get(parentID)
	if err != nil {
		return nil, err
	}

	root := parent.rootCtx()
	root.mu.Lock()
	defer root.mu.Unlock()

	if parent.Status.Terminal() {
		return nil, &StateError{TxID: parentID, Status: parent.Status, Op: "begin nested transaction"}
	}
	if err := connGuard(root, parentID, "begin nested transaction"); err != nil {
		return nil, err
	}

	tc := &Context{
		ID:           uuid.New().String(),
		ParentID:     parent.ID,
		NestingLevel: parent.NestingLevel + 1,
		Status:       StatusPending,
		StartedAt:    time.Now(),
		Metadata:     metadata,
		root:         root,
	}

	name := fmt.Sprintf("sp_%d_%s", tc.NestingLevel, shortID(tc.ID))
	sp := Savepoint{
		ID:        uuid.New().String(),
		Name:      name,
		Metadata:  map[string]string{"reason": "nested_transaction", "tx_id": tc.ID},
		CreatedAt: time.Now(),
		opIndex:   len(root.Operations),
		physical:  true,
	}
	if err := root.conn.Savepoint(ctx, name); err != nil {
		sp.physical = false
		m.log.Warn("physical savepoint unavailable, tracking in memory",
			"txID", tc.ID, "savepoint", name, "error", err)
	}
	root.Savepoints = append(root.Savepoints, sp)
	tc.savepointName = name

	m.mu.Lock()
	m.active[tc.ID] = tc
	m.mu.Unlock()
	metrics.ActiveTransactions.Inc()

	m.log.Debug("nested transaction started",
		"txID", tc.ID, "parent", parent.ID, "level", tc.NestingLevel, "savepoint", name)
	return tc, nil
}

// connGuard rejects work on a context tree whose root already released its
// connection. A nested context can outlive its root's commit or rollback;
// calls through it must surface a StateError instead of dereferencing the
// released connection. Caller must hold root.mu.
func connGuard(root *Context, txID, op string) error {
	if root.conn == nil {
		return &StateError{TxID: txID, Status: root.Status, Op: op}
	}
	return nil
}

// Get returns a tracked context by id.
func (m *Manager) Get(txID string) (*Context, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tc, ok := m.active[txID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, txID)
	}
	return tc, nil
}

// ExecuteOperation applies op inside the transaction and records it for
// compensation. UPDATE and DELETE capture the row's pre-image first; if the
// pre-image cannot be captured the operation is refused, because a mutation
// that cannot be rolled back must fail loudly rather than silently no-op.
func (m *Manager) ExecuteOperation(ctx context.Context, txID string, op Operation) error {
	tc, err := m.Get(txID)
	if err != nil {
		return err
	}
	root := tc.rootCtx()
	root.mu.Lock()
	defer root.mu.Unlock()

	if tc.Status != StatusPending && tc.Status != StatusActive {
		return &StateError{TxID: txID, Status: tc.Status, Op: "execute operation"}
	}
	if err := connGuard(root, txID, "execute operation"); err != nil {
		return err
	}

	switch op.Type {
	case OpUpdate, OpDelete:
		pre, ok, err := m.store.Get(ctx, root.conn, op.Target, op.TargetID)
		if err != nil {
			return fmt.Errorf("capture pre-image for %s %s %s: %w", op.Type, op.Target, op.TargetID, err)
		}
		if !ok {
			return fmt.Errorf("capture pre-image for %s %s %s: %w, refusing operation without rollback data",
				op.Type, op.Target, op.TargetID, ErrRowMissing)
		}
		op.Rollback = &RollbackData{OriginalState: pre}
	case OpCreate:
		// Undone by delete-by-id; no pre-image needed.
	default:
		return fmt.Errorf("unknown operation type %q", op.Type)
	}

	switch op.Type {
	case OpCreate:
		err = m.store.Insert(ctx, root.conn, op.Target, op.TargetID, op.Data)
	case OpUpdate:
		err = m.store.Update(ctx, root.conn, op.Target, op.TargetID, op.Data)
	case OpDelete:
		err = m.store.Delete(ctx, root.conn, op.Target, op.TargetID)
	}
	if err != nil {
		return fmt.Errorf("execute %s %s %s: %w", op.Type, op.Target, op.TargetID, err)
	}

	op.At = time.Now()
	tc.Status = StatusActive
	tc.Operations = append(tc.Operations, op)
	if tc != root {
		// The root log is authoritative for compensation ordering.
		root.Operations = append(root.Operations, op)
		root.Status = StatusActive
	}
	return nil
}

// ReadRow reads a row through the transaction's connection, seeing the
// transaction's own uncommitted writes.
func (m *Manager) ReadRow(ctx context.Context, txID string, target Target, id string) (map[string]any, bool, error) {
	tc, err := m.Get(txID)
	if err != nil {
		return nil, false, err
	}
	root := tc.rootCtx()
	root.mu.Lock()
	defer root.mu.Unlock()

	if tc.Status != StatusPending && tc.Status != StatusActive {
		return nil, false, &StateError{TxID: txID, Status: tc.Status, Op: "read row"}
	}
	if err := connGuard(root, txID, "read row"); err != nil {
		return nil, false, err
	}
	return m.store.Get(ctx, root.conn, target, id)
}

// Commit finishes a transaction. Committing a nested context only flips its
// status and releases its savepoint; the underlying connection is committed
// exactly once, by the root.
func (m *Manager) Commit(ctx context.Context, txID string) error {
	tc, err := m.Get(txID)
	if err != nil {
		return err
	}
	root := tc.rootCtx()
	root.mu.Lock()
	defer root.mu.Unlock()

	if tc.Status != StatusPending && tc.Status != StatusActive {
		return &StateError{TxID: txID, Status: tc.Status, Op: "commit"}
	}
	if err := connGuard(root, txID, "commit"); err != nil {
		return err
	}

	if tc != root {
		if sp := root.findSavepoint(tc.savepointName); sp != nil && sp.physical {
			if err := root.conn.ReleaseSavepoint(ctx, tc.savepointName); err != nil {
				m.log.Warn("release savepoint failed", "txID", txID, "savepoint", tc.savepointName, "error", err)
			}
		}
		root.removeSavepoint(tc.savepointName)
		tc.finish(StatusCommitted)
		metrics.TransactionsTotal.WithLabelValues("committed", "true").Inc()
		m.log.Debug("nested transaction committed", "txID", txID)
		return nil
	}

	if err := root.conn.Commit(ctx); err != nil {
		tc.finish(StatusFailed)
		metrics.TransactionsTotal.WithLabelValues("failed", "false").Inc()
		return fmt.Errorf("commit transaction %s: %w", txID, err)
	}
	root.conn = nil
	tc.finish(StatusCommitted)
	metrics.TransactionsTotal.WithLabelValues("committed", "false").Inc()
	m.log.Debug("transaction committed", "txID", txID, "operations", len(tc.Operations))
	return nil
}

// ExecuteInTransaction begins a root transaction, runs fn, and commits or
// rolls back depending on whether fn returns an error.
func (m *Manager) ExecuteInTransaction(ctx context.Context, metadata map[string]string, fn func(tc *Context) error) error {
	tc, err := m.Begin(ctx, metadata)
	if err != nil {
		return err
	}
	if err := fn(tc); err != nil {
		if rbErr := m.Rollback(ctx, tc.ID); rbErr != nil {
			m.log.Error("rollback after failure also failed", "txID", tc.ID, "error", rbErr)
		}
		return err
	}
	return m.Commit(ctx, tc.ID)
}

// ExecuteInNested is the nested-transaction variant of ExecuteInTransaction.
func (m *Manager) ExecuteInNested(ctx context.Context, parentID string, fn func(tc *Context) error) error {
	tc, err := m.BeginNested(ctx, parentID, nil)
	if err != nil {
		return err
	}
	if err := fn(tc); err != nil {
		if rbErr := m.Rollback(ctx, tc.ID); rbErr != nil {
			m.log.Error("nested rollback after failure also failed", "txID", tc.ID, "error", rbErr)
		}
		return err
	}
	return m.Commit(ctx, tc.ID)
}

// Active returns all currently tracked contexts, terminal ones included
// until cleanup removes them.
func (m *Manager) Active() []*Context {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Context, 0, len(m.active))
	for _, tc := range m.active {
		out = append(out, tc)
	}
	return out
}

func (c *Context) finish(s Status) {
	c.Status = s
	now := time.Now()
	c.CompletedAt = &now
}

func (c *Context) findSavepoint(name string) *Savepoint {
	for i := range c.Savepoints {
		if c.Savepoints[i].Name == name {
			return &c.Savepoints[i]
		}
	}
	return nil
}

func (c *Context) removeSavepoint(name string) {
	for i := range c.Savepoints {
		if c.Savepoints[i].Name == name {
			c.Savepoints = append(c.Savepoints[:i], c.Savepoints[i+1:]...)
			return
		}
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
