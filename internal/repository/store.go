package repository

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
)

// AllocationLock is the named lock the allocator takes before retrying a
// conflicted allocation.
const AllocationLock = "allocation"

// Store owns the database handle, the prepared statement cache and the
// named advisory locks.
type Store struct {
	db    *sql.DB
	cache *PreparedStatementCache

	mu    sync.Mutex
	locks map[string]chan struct{}
}

// NewStore wraps db.
func NewStore(db *sql.DB) *Store {
	return &Store{
		db:    db,
		cache: NewPreparedStatementCache(db),
		locks: make(map[string]chan struct{}),
	}
}

// DB returns a querier for work outside a transaction. Statements are
// prepared once and reused.
func (s *Store) DB() DBTX {
	return cachedDB{cache: s.cache}
}

// Close releases cached statements. The database handle stays open.
func (s *Store) Close() error {
	return s.cache.Close()
}

// InTx runs fn in a transaction, committing when fn returns nil.
func (s *Store) InTx(ctx context.Context, fn func(tx *Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	tx := &Tx{tx: sqlTx}

	if err := fn(tx); err != nil {
		if rbErr := sqlTx.Rollback(); rbErr != nil && rbErr != sql.ErrTxDone {
			return fmt.Errorf("%w (rollback failed: %v)", err, rbErr)
		}
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", wrapWriteErr(err))
	}
	return nil
}

// WithLock runs fn while holding the named lock. Waiting honours ctx.
//
// SQLite has no advisory locks and a single writer per database file, so the
// lock only needs to serialise callers within this process.
func (s *Store) WithLock(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	s.mu.Lock()
	ch, ok := s.locks[name]
	if !ok {
		ch = make(chan struct{}, 1)
		s.locks[name] = ch
	}
	s.mu.Unlock()

	select {
	case ch <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-ch }()

	return fn(ctx)
}

// Tx is a transaction with nested savepoints.
type Tx struct {
	tx         *sql.Tx
	savepoints int
}

func (t *Tx) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	res, err := t.tx.ExecContext(ctx, query, args...)
	return res, wrapWriteErr(err)
}

func (t *Tx) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return t.tx.QueryContext(ctx, query, args...)
}

func (t *Tx) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return t.tx.QueryRowContext(ctx, query, args...)
}

// Savepoint runs fn inside a savepoint. When fn fails, only its writes are
// undone and the enclosing transaction stays usable.
func (t *Tx) Savepoint(ctx context.Context, fn func() error) error {
	t.savepoints++
	name := fmt.Sprintf("sp_%d", t.savepoints)
	defer func() { t.savepoints-- }()

	if _, err := t.tx.ExecContext(ctx, "SAVEPOINT "+name); err != nil {
		return fmt.Errorf("failed to create savepoint: %w", err)
	}
	if err := fn(); err != nil {
		if _, rbErr := t.tx.ExecContext(ctx, "ROLLBACK TO "+name); rbErr != nil {
			return fmt.Errorf("%w (rollback to savepoint failed: %v)", err, rbErr)
		}
		if _, relErr := t.tx.ExecContext(ctx, "RELEASE "+name); relErr != nil {
			return fmt.Errorf("%w (release savepoint failed: %v)", err, relErr)
		}
		return err
	}
	if _, err := t.tx.ExecContext(ctx, "RELEASE "+name); err != nil {
		return fmt.Errorf("failed to release savepoint: %w", err)
	}
	return nil
}
