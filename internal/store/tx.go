package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"coldvault/internal/core"
)

// Tx wraps a *sql.Tx with the scratch-table helpers the compact and
// recreate engines need. Every mutating operation in this package runs
// inside one, begun with Store.Begin and closed with exactly one of
// Commit or Rollback.
type Tx struct {
	tx  *sql.Tx
	ctx context.Context
}

// Begin starts a deferred transaction. Callers are expected to
// `defer tx.Rollback()` immediately, matching the teacher's
// `defer tx.Rollback()` idiom in sqlite.go — Commit makes the rollback a
// no-op.
func (s *Store) Begin(ctx context.Context) (*Tx, error) {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	return &Tx{tx: sqlTx, ctx: ctx}, nil
}

// Commit commits the transaction. label is included in the wrapped error
// only, purely to help operators locate which caller failed.
func (t *Tx) Commit(label string) error {
	if err := t.tx.Commit(); err != nil {
		return fmt.Errorf("committing %s: %w", label, err)
	}
	return nil
}

// Rollback rolls back the transaction. Safe to call after a successful
// Commit — sql.Tx.Rollback returns sql.ErrTxDone, which we swallow.
func (t *Tx) Rollback() error {
	err := t.tx.Rollback()
	if err != nil && err != sql.ErrTxDone {
		return fmt.Errorf("rolling back: %w", err)
	}
	return nil
}

func (t *Tx) Exec(query string, args ...any) (sql.Result, error) {
	return t.tx.ExecContext(t.ctx, query, args...)
}

func (t *Tx) Query(query string, args ...any) (*sql.Rows, error) {
	return t.tx.QueryContext(t.ctx, query, args...)
}

func (t *Tx) QueryRow(query string, args ...any) *sql.Row {
	return t.tx.QueryRowContext(t.ctx, query, args...)
}

func (t *Tx) Prepare(query string) (*sql.Stmt, error) {
	return t.tx.PrepareContext(t.ctx, query)
}

// Scratch creates a CREATE TEMPORARY TABLE named "<purpose>-<hex>" where
// hex is a fresh uuid's raw bytes hex-encoded, guaranteeing no collision
// with any concurrently-open scratch table on the same connection. It
// returns the quoted table name (ready to splice into SQL) and a done
// closure that drops the table; callers must `defer done()` so the table
// is released on every exit path.
func (t *Tx) Scratch(purpose string, columnDDL string) (name string, done func(), err error) {
	id := uuid.New()
	raw := fmt.Sprintf("%s-%x", purpose, id[:])
	quoted := `"` + strings.ReplaceAll(raw, `"`, `""`) + `"`

	if _, err := t.Exec(fmt.Sprintf(`CREATE TEMPORARY TABLE %s (%s)`, quoted, columnDDL)); err != nil {
		return "", nil, fmt.Errorf("creating scratch table for %s: %w", purpose, err)
	}

	done = func() {
		_, _ = t.Exec(fmt.Sprintf(`DROP TABLE IF EXISTS %s`, quoted))
	}
	return quoted, done, nil
}

// InClause materialises values into a single-column scratch table and
// returns a subquery expression usable anywhere a static IN (...) list
// would go, sidestepping SQLite's ~999 bound-parameter limit. Callers
// must run the returned done closure once the surrounding statement (or
// statements) referencing the subquery have executed.
func InClause[T any](t *Tx, purpose string, values []T) (subquery string, done func(), err error) {
	table, done, err := t.Scratch(purpose, "val")
	if err != nil {
		return "", nil, err
	}

	stmt, err := t.Prepare(fmt.Sprintf(`INSERT INTO %s (val) VALUES (?)`, table))
	if err != nil {
		done()
		return "", nil, fmt.Errorf("preparing scratch insert for %s: %w", purpose, err)
	}
	defer stmt.Close()

	for _, v := range values {
		if _, err := stmt.ExecContext(t.ctx, v); err != nil {
			done()
			return "", nil, fmt.Errorf("populating scratch table for %s: %w", purpose, err)
		}
	}

	return fmt.Sprintf(`(SELECT val FROM %s)`, table), done, nil
}

// assertf raises core.Inconsistentf when got != want, the pattern used
// throughout the fileset dropper and block reassigner to enforce spec
// invariants such as "rows_deleted == |input|".
func assertf(op string, got, want int64, format string, args ...any) error {
	if got != want {
		return core.Inconsistentf(op, format+" (got %d, want %d)", append(append([]any{}, args...), got, want)...)
	}
	return nil
}
