// Package txn provides root and nested transactions over the relational
// store with compensating rollback. Only a root transaction holds a real
// connection-level transaction; nested contexts share the root's connection
// and own a savepoint. Every recorded operation carries enough pre-image to
// invert itself, so rollback semantics stay correct even when the store
// cannot create a physical savepoint.
package txn

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Status is the lifecycle state of a transaction context.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusActive     Status = "ACTIVE"
	StatusCommitted  Status = "COMMITTED"
	StatusRolledBack Status = "ROLLED_BACK"
	StatusFailed     Status = "FAILED"
)

// Terminal reports whether the context reached a final state.
func (s Status) Terminal() bool {
	return s == StatusCommitted || s == StatusRolledBack || s == StatusFailed
}

// OpType is the kind of mutation an operation performs.
type OpType string

const (
	OpCreate OpType = "CREATE"
	OpUpdate OpType = "UPDATE"
	OpDelete OpType = "DELETE"
)

// Target names the relational table family an operation mutates.
type Target string

const (
	TargetCollection Target = "collection"
	TargetDocument   Target = "document"
	TargetChunk      Target = "chunk"
)

// RollbackData is the pre-image captured before an UPDATE or DELETE.
type RollbackData struct {
	OriginalState map[string]any `json:"original_state"`
}

// Operation is a single recorded mutation within a transaction. PointID is
// set on chunk CREATEs that had a paired vector upsert; rolling such an
// operation back issues a vector delete for the same point id so the two
// stores do not diverge.
type Operation struct {
	Type     OpType         `json:"type"`
	Target   Target         `json:"target"`
	TargetID string         `json:"target_id"`
	Data     map[string]any `json:"data,omitempty"`
	Rollback *RollbackData  `json:"rollback_data,omitempty"`
	PointID  string         `json:"point_id,omitempty"`
	At       time.Time      `json:"at"`
}

// Savepoint is an intermediate rollback target inside an open root
// transaction. opIndex is the position in the root's operation log at
// creation time; rollback-to compensates everything recorded after it.
type Savepoint struct {
	ID        string            `json:"id"`
	Name      string            `json:"name"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at"`

	opIndex  int
	physical bool
}

// Context is one begin/beginNested call. Root contexts own conn; nested
// contexts share the root's connection and reference their savepoint by
// name. A single context's operations are strictly sequential; the root's
// mutex serializes the whole tree.
type Context struct {
	ID           string            `json:"transaction_id"`
	ParentID     string            `json:"parent_transaction_id,omitempty"`
	NestingLevel int               `json:"nesting_level"`
	Status       Status            `json:"status"`
	Operations   []Operation       `json:"operations"`
	Savepoints   []Savepoint       `json:"savepoints"`
	StartedAt    time.Time         `json:"started_at"`
	CompletedAt  *time.Time        `json:"completed_at,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`

	mu            sync.Mutex
	conn          Conn // root only
	root          *Context
	savepointName string // nested only
}

// rootCtx returns the root of the context tree (itself for roots).
func (c *Context) rootCtx() *Context {
	if c.root != nil {
		return c.root
	}
	return c
}

// ErrSavepointUnsupported is returned by Conn implementations whose backing
// store has no physical savepoints. The manager degrades to in-memory
// savepoints and compensating replay.
var ErrSavepointUnsupported = errors.New("physical savepoints not supported")

// ErrNotFound is returned when a transaction id is unknown (or cleaned up).
var ErrNotFound = errors.New("transaction not found")

// ErrRowMissing is returned when an UPDATE or DELETE targets a row that does
// not exist, so no pre-image can be captured.
var ErrRowMissing = errors.New("row not found")

// StateError reports an operation attempted against a context in the wrong
// state. Never swallowed; always surfaced to the caller.
type StateError struct {
	TxID   string
	Status Status
	Op     string
}

func (e *StateError) Error() string {
	return fmt.Sprintf("transaction %s: cannot %s in state %s", e.TxID, e.Op, e.Status)
}

// Conn is one transactional session against the relational store.
type Conn interface {
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
	Savepoint(ctx context.Context, name string) error
	RollbackTo(ctx context.Context, name string) error
	ReleaseSavepoint(ctx context.Context, name string) error
}

// RowStore is the row CRUD surface the manager mutates and compensates
// against. Get must return the full current row state, usable as a
// pre-image for Insert/Update during rollback.
type RowStore interface {
	Begin(ctx context.Context) (Conn, error)
	Insert(ctx context.Context, conn Conn, target Target, id string, data map[string]any) error
	Update(ctx context.Context, conn Conn, target Target, id string, data map[string]any) error
	Delete(ctx context.Context, conn Conn, target Target, id string) error
	Get(ctx context.Context, conn Conn, target Target, id string) (map[string]any, bool, error)
}

// VectorDeleter reconciles vector-store side effects on rollback.
type VectorDeleter interface {
	Delete(ctx context.Context, pointID string) error
}
