package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/docsyncd/docsyncd/internal/sync/txn"
)

// tableFor maps transaction targets onto their tables. Each table keeps the
// full row state in a jsonb column so rollback pre-images restore exactly
// what was there.
var tableFor = map[txn.Target]string{
	txn.TargetCollection: "collections",
	txn.TargetDocument:   "documents",
	txn.TargetChunk:      "chunks",
}

// RowStore is the PostgreSQL txn.RowStore. Savepoints are physical: the
// conn issues SAVEPOINT / ROLLBACK TO / RELEASE SQL on its transaction.
type RowStore struct {
	db *DB
}

// NewRowStore creates a row store over an open database.
func NewRowStore(db *DB) *RowStore {
	return &RowStore{db: db}
}

type pgConn struct {
	tx *sqlx.Tx
}

// Begin opens a database transaction.
func (s *RowStore) Begin(ctx context.Context) (txn.Conn, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	return &pgConn{tx: tx}, nil
}

func (c *pgConn) Commit(ctx context.Context) error {
	return c.tx.Commit()
}

func (c *pgConn) Rollback(ctx context.Context) error {
	err := c.tx.Rollback()
	if err == sql.ErrTxDone {
		return nil
	}
	return err
}

func (c *pgConn) Savepoint(ctx context.Context, name string) error {
	_, err := c.tx.ExecContext(ctx, "SAVEPOINT "+pgIdent(name))
	return err
}

func (c *pgConn) RollbackTo(ctx context.Context, name string) error {
	_, err := c.tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT "+pgIdent(name))
	return err
}

func (c *pgConn) ReleaseSavepoint(ctx context.Context, name string) error {
	_, err := c.tx.ExecContext(ctx, "RELEASE SAVEPOINT "+pgIdent(name))
	return err
}

// pgIdent quotes a savepoint name. Names are generated internally but quoting
// keeps a caller-supplied name from breaking out of the statement.
func pgIdent(name string) string {
	out := make([]byte, 0, len(name)+2)
	out = append(out, '"')
	for i := 0; i < len(name); i++ {
		if name[i] == '"' {
			out = append(out, '"')
		}
		out = append(out, name[i])
	}
	return string(append(out, '"'))
}

func asPgConn(conn txn.Conn) (*pgConn, error) {
	c, ok := conn.(*pgConn)
	if !ok {
		return nil, fmt.Errorf("conn is not a postgres transaction")
	}
	return c, nil
}

func (s *RowStore) Insert(ctx context.Context, conn txn.Conn, target txn.Target, id string, data map[string]any) error {
	c, err := asPgConn(conn)
	if err != nil {
		return err
	}
	table, ok := tableFor[target]
	if !ok {
		return fmt.Errorf("unknown target %q", target)
	}
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to encode %s row: %w", target, err)
	}
	query := fmt.Sprintf("INSERT INTO %s (id, data) VALUES ($1, $2)", table)
	if _, err := c.tx.ExecContext(ctx, query, id, payload); err != nil {
		return fmt.Errorf("failed to insert %s %s: %w", target, id, err)
	}
	return nil
}

func (s *RowStore) Update(ctx context.Context, conn txn.Conn, target txn.Target, id string, data map[string]any) error {
	c, err := asPgConn(conn)
	if err != nil {
		return err
	}
	table, ok := tableFor[target]
	if !ok {
		return fmt.Errorf("unknown target %q", target)
	}
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to encode %s row: %w", target, err)
	}
	query := fmt.Sprintf("UPDATE %s SET data = $2, updated_at = NOW() WHERE id = $1", table)
	res, err := c.tx.ExecContext(ctx, query, id, payload)
	if err != nil {
		return fmt.Errorf("failed to update %s %s: %w", target, id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%s %s: not found", target, id)
	}
	return nil
}

func (s *RowStore) Delete(ctx context.Context, conn txn.Conn, target txn.Target, id string) error {
	c, err := asPgConn(conn)
	if err != nil {
		return err
	}
	table, ok := tableFor[target]
	if !ok {
		return fmt.Errorf("unknown target %q", target)
	}
	query := fmt.Sprintf("DELETE FROM %s WHERE id = $1", table)
	if _, err := c.tx.ExecContext(ctx, query, id); err != nil {
		return fmt.Errorf("failed to delete %s %s: %w", target, id, err)
	}
	return nil
}

func (s *RowStore) Get(ctx context.Context, conn txn.Conn, target txn.Target, id string) (map[string]any, bool, error) {
	c, err := asPgConn(conn)
	if err != nil {
		return nil, false, err
	}
	table, ok := tableFor[target]
	if !ok {
		return nil, false, fmt.Errorf("unknown target %q", target)
	}
	var payload []byte
	query := fmt.Sprintf("SELECT data FROM %s WHERE id = $1", table)
	err = c.tx.GetContext(ctx, &payload, query, id)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get %s %s: %w", target, id, err)
	}
	var row map[string]any
	if err := json.Unmarshal(payload, &row); err != nil {
		return nil, false, fmt.Errorf("failed to decode %s row: %w", target, err)
	}
	return row, true, nil
}
