package txn

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/docsyncd/docsyncd/internal/sync/metrics"
)

// Rollback undoes a transaction. A nested context rolls the connection back
// to its savepoint (physically when available, otherwise by replaying the
// compensating rollback data of every operation recorded after it) and
// leaves the parent's earlier operations intact. A root context rolls back
// the whole connection and reconciles vector-store side effects.
func (m *Manager) Rollback(ctx context.Context, txID string) error {
	tc, err := m.Get(txID)
	if err != nil {
		return err
	}
	root := tc.rootCtx()
	root.mu.Lock()
	defer root.mu.Unlock()

	if tc.Status != StatusPending && tc.Status != StatusActive {
		return &StateError{TxID: txID, Status: tc.Status, Op: "rollback"}
	}

	if tc != root {
		if err := connGuard(root, txID, "rollback"); err != nil {
			return err
		}
		if err := m.rollbackToLocked(ctx, root, tc.savepointName); err != nil {
			tc.finish(StatusFailed)
			return fmt.Errorf("rollback nested transaction %s: %w", txID, err)
		}
		tc.finish(StatusRolledBack)
		metrics.TransactionsTotal.WithLabelValues("rolled_back", "true").Inc()
		m.log.Debug("nested transaction rolled back", "txID", txID, "savepoint", tc.savepointName)
		return nil
	}

	if root.conn == nil {
		// Double-cleanup race guard: nothing was started, nothing to undo.
		m.log.Warn("rollback on transaction without an active connection, treating as no-op", "txID", txID)
		tc.finish(StatusRolledBack)
		return nil
	}

	if err := root.conn.Rollback(ctx); err != nil {
		tc.finish(StatusFailed)
		metrics.TransactionsTotal.WithLabelValues("failed", "false").Inc()
		return fmt.Errorf("rollback transaction %s: %w", txID, err)
	}
	root.conn = nil

	// The relational store is already clean; vector upserts are outside the
	// connection and need explicit deletes.
	m.compensateVectors(ctx, root.Operations)

	tc.finish(StatusRolledBack)
	metrics.TransactionsTotal.WithLabelValues("rolled_back", "false").Inc()
	m.log.Debug("transaction rolled back", "txID", txID, "operations", len(tc.Operations))
	return nil
}

// CreateSavepoint records a named savepoint on the transaction. Names are
// unique per transaction.
func (m *Manager) CreateSavepoint(ctx context.Context, txID, name string, metadata map[string]string) (*Savepoint, error) {
	tc, err := m.Get(txID)
	if err != nil {
		return nil, err
	}
	root := tc.rootCtx()
	root.mu.Lock()
	defer root.mu.Unlock()

	if tc.Status != StatusPending && tc.Status != StatusActive {
		return nil, &StateError{TxID: txID, Status: tc.Status, Op: "create savepoint"}
	}
	if err := connGuard(root, txID, "create savepoint"); err != nil {
		return nil, err
	}
	if root.findSavepoint(name) != nil {
		return nil, fmt.Errorf("savepoint %q already exists in transaction %s", name, root.ID)
	}

	sp := Savepoint{
		ID:        uuid.New().String(),
		Name:      name,
		Metadata:  metadata,
		CreatedAt: time.Now(),
		opIndex:   len(root.Operations),
		physical:  true,
	}
	if err := root.conn.Savepoint(ctx, name); err != nil {
		sp.physical = false
		m.log.Warn("physical savepoint unavailable, tracking in memory",
			"txID", txID, "savepoint", name, "error", err)
	}
	root.Savepoints = append(root.Savepoints, sp)
	return &sp, nil
}

// RollbackToSavepoint rolls back to (not past) the named savepoint and
// leaves the transaction open.
func (m *Manager) RollbackToSavepoint(ctx context.Context, txID, name string) error {
	tc, err := m.Get(txID)
	if err != nil {
		return err
	}
	root := tc.rootCtx()
	root.mu.Lock()
	defer root.mu.Unlock()

	if tc.Status != StatusPending && tc.Status != StatusActive {
		return &StateError{TxID: txID, Status: tc.Status, Op: "rollback to savepoint"}
	}
	if err := connGuard(root, txID, "rollback to savepoint"); err != nil {
		return err
	}
	return m.rollbackToLocked(ctx, root, name)
}

// ReleaseSavepoint drops a savepoint without rolling back.
func (m *Manager) ReleaseSavepoint(ctx context.Context, txID, name string) error {
	tc, err := m.Get(txID)
	if err != nil {
		return err
	}
	root := tc.rootCtx()
	root.mu.Lock()
	defer root.mu.Unlock()

	if err := connGuard(root, txID, "release savepoint"); err != nil {
		return err
	}
	sp := root.findSavepoint(name)
	if sp == nil {
		return fmt.Errorf("savepoint %q not found in transaction %s", name, root.ID)
	}
	if sp.physical {
		if err := root.conn.ReleaseSavepoint(ctx, name); err != nil {
			m.log.Warn("release savepoint failed", "txID", txID, "savepoint", name, "error", err)
		}
	}
	root.removeSavepoint(name)
	return nil
}

// rollbackToLocked undoes everything recorded after the named savepoint.
// Caller must hold root.mu.
func (m *Manager) rollbackToLocked(ctx context.Context, root *Context, name string) error {
	sp := root.findSavepoint(name)
	if sp == nil {
		return fmt.Errorf("savepoint %q not found in transaction %s", name, root.ID)
	}

	undone := root.Operations[sp.opIndex:]
	if sp.physical {
		if err := root.conn.RollbackTo(ctx, name); err != nil {
			return fmt.Errorf("rollback to savepoint %q: %w", name, err)
		}
		// The savepoint undid the relational writes; vector upserts live
		// outside the connection and still need deletes.
		m.compensateVectors(ctx, undone)
	} else {
		if err := m.compensate(ctx, root, undone); err != nil {
			return err
		}
	}

	root.Operations = root.Operations[:sp.opIndex]
	root.dropSavepointsAfter(sp.opIndex, name)
	return nil
}

// compensate replays the inverse of each operation in reverse order:
// CREATE is undone by delete-by-id, UPDATE and DELETE by restoring the
// captured pre-image.
func (m *Manager) compensate(ctx context.Context, root *Context, ops []Operation) error {
	for i := len(ops) - 1; i >= 0; i-- {
		op := ops[i]
		var err error
		switch op.Type {
		case OpCreate:
			err = m.store.Delete(ctx, root.conn, op.Target, op.TargetID)
			m.deleteVector(ctx, op)
		case OpUpdate:
			if op.Rollback == nil {
				return fmt.Errorf("operation %s %s %s has no rollback data", op.Type, op.Target, op.TargetID)
			}
			err = m.store.Update(ctx, root.conn, op.Target, op.TargetID, op.Rollback.OriginalState)
		case OpDelete:
			if op.Rollback == nil {
				return fmt.Errorf("operation %s %s %s has no rollback data", op.Type, op.Target, op.TargetID)
			}
			err = m.store.Insert(ctx, root.conn, op.Target, op.TargetID, op.Rollback.OriginalState)
		}
		if err != nil {
			return fmt.Errorf("compensate %s %s %s: %w", op.Type, op.Target, op.TargetID, err)
		}
		metrics.CompensationsReplayed.WithLabelValues(string(op.Target), string(op.Type)).Inc()
	}
	return nil
}

// compensateVectors issues vector deletes for CREATE operations that had a
// paired vector upsert. Best effort: the upserts are idempotent by point id,
// so a failed delete here is logged and reconciled by the next attempt.
func (m *Manager) compensateVectors(ctx context.Context, ops []Operation) {
	for i := len(ops) - 1; i >= 0; i-- {
		if ops[i].Type == OpCreate {
			m.deleteVector(ctx, ops[i])
		}
	}
}

func (m *Manager) deleteVector(ctx context.Context, op Operation) {
	if op.PointID == "" || m.vectors == nil {
		return
	}
	if err := m.vectors.Delete(ctx, op.PointID); err != nil {
		metrics.VectorOps.WithLabelValues("delete", "error").Inc()
		m.log.Warn("vector delete during rollback failed",
			"pointID", op.PointID, "target", op.Target, "targetID", op.TargetID, "error", err)
		return
	}
	metrics.VectorOps.WithLabelValues("delete", "ok").Inc()
}

// dropSavepointsAfter removes savepoints created after opIndex, plus the
// named savepoint itself.
func (c *Context) dropSavepointsAfter(opIndex int, name string) {
	kept := c.Savepoints[:0]
	for _, sp := range c.Savepoints {
		if sp.Name == name || sp.opIndex > opIndex {
			continue
		}
		kept = append(kept, sp)
	}
	c.Savepoints = kept
}
