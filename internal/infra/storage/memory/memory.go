// Package memory provides an in-memory storage backend. Used when no
// database is configured and throughout the test suites. The row store
// implements transactional semantics with whole-store snapshots, which is
// fine at the scale this backend is meant for.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/docsyncd/docsyncd/internal/sync/txn"
)

type tables map[txn.Target]map[string]map[string]any

func (t tables) clone() tables {
	out := make(tables, len(t))
	for target, rows := range t {
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

// RowStore is an in-memory txn.RowStore. Only one transaction may be open
// at a time; Begin blocks on the store-level transaction lock, which keeps
// the single-writer discipline honest without a real database.
type RowStore struct {
	mu   sync.Mutex // guards data
	txMu sync.Mutex // serializes transactions
	data tables
}

// NewRowStore creates an empty in-memory row store.
func NewRowStore() *RowStore {
	return &RowStore{data: make(tables)}
}

type conn struct {
	store      *RowStore
	base       tables
	savepoints map[string]tables
	done       bool
}

// Begin snapshots the store and takes the transaction lock.
func (s *RowStore) Begin(ctx context.Context) (txn.Conn, error) {
	s.txMu.Lock()
	s.mu.Lock()
	defer s.mu.Unlock()
	return &conn{store: s, base: s.data.clone(), savepoints: make(map[string]tables)}, nil
}

func (c *conn) Commit(ctx context.Context) error {
	if c.done {
		return fmt.Errorf("memory transaction already completed")
	}
	c.done = true
	c.store.txMu.Unlock()
	return nil
}

func (c *conn) Rollback(ctx context.Context) error {
	if c.done {
		return nil // already committed or rolled back
	}
	c.store.mu.Lock()
	c.store.data = c.base
	c.store.mu.Unlock()
	c.done = true
	c.store.txMu.Unlock()
	return nil
}

func (c *conn) Savepoint(ctx context.Context, name string) error {
	c.store.mu.Lock()
	defer c.store.mu.Unlock()
	c.savepoints[name] = c.store.data.clone()
	return nil
}

func (c *conn) RollbackTo(ctx context.Context, name string) error {
	c.store.mu.Lock()
	defer c.store.mu.Unlock()
	snap, ok := c.savepoints[name]
	if !ok {
		return fmt.Errorf("savepoint %q does not exist", name)
	}
	c.store.data = snap.clone()
	return nil
}

func (c *conn) ReleaseSavepoint(ctx context.Context, name string) error {
	delete(c.savepoints, name)
	return nil
}

func (s *RowStore) Insert(ctx context.Context, _ txn.Conn, target txn.Target, id string, data map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.data[target] == nil {
		s.data[target] = make(map[string]map[string]any)
	}
	if _, exists := s.data[target][id]; exists {
		return fmt.Errorf("%s %s: duplicate key", target, id)
	}
	s.data[target][id] = cloneRow(data)
	return nil
}

func (s *RowStore) Update(ctx context.Context, _ txn.Conn, target txn.Target, id string, data map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.data[target] == nil || s.data[target][id] == nil {
		return fmt.Errorf("%s %s: not found", target, id)
	}
	s.data[target][id] = cloneRow(data)
	return nil
}

func (s *RowStore) Delete(ctx context.Context, _ txn.Conn, target txn.Target, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.data[target] != nil {
		delete(s.data[target], id)
	}
	return nil
}

func (s *RowStore) Get(ctx context.Context, _ txn.Conn, target txn.Target, id string) (map[string]any, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, ok := s.data[target]
	if !ok {
		return nil, false, nil
	}
	row, ok := rows[id]
	if !ok {
		return nil, false, nil
	}
	return cloneRow(row), true, nil
}

// Count returns the number of rows for a target. Test helper.
func (s *RowStore) Count(target txn.Target) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.data[target])
}

func cloneRow(row map[string]any) map[string]any {
	cp := make(map[string]any, len(row))
	for k, v := range row {
		cp[k] = v
	}
	return cp
}
