// Package store implements the schema and transaction layer (spec.md
// §4, row "Schema & Transaction Layer"): it opens or creates the live
// relational store, applies the fixed schema, and executes statements
// inside transactions, distinguishing the engine's storage-full signal
// from every other failure.
//
// The engine is SQLite via the pure-Go modernc.org/sqlite driver — the
// "transactional, paged, single-file store with a configurable page-count
// ceiling and a `database is full` error signal" spec.md §1 names as an
// external collaborator whose choice is out of scope, fixed here for a
// concrete implementation.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"

	apperrors "github.com/apaku/tracetool/pkg/errors"
	"github.com/sirupsen/logrus"

	_ "modernc.org/sqlite"
)

// Store owns one SQLite database connection and the single mutex that
// serializes every write against it, per the store-worker concurrency
// model in spec.md §5: ingestion, archival, nuke, and configuration
// updates all hold this lock for the full duration of their transaction.
type Store struct {
	db     *sql.DB
	path   string
	logger *logrus.Logger
	mu     sync.Mutex
}

// Open opens (creating if necessary) a SQLite database at path, applies
// the fixed schema, and returns a ready Store.
func Open(path string, logger *logrus.Logger) (*Store, error) {
	dsn := fmt.Sprintf("%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open store %s: %w", path, err)
	}
	db.SetMaxOpenConns(1) // single-writer engine; one connection avoids SQLITE_BUSY races

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping store %s: %w", path, err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema to %s: %w", path, err)
	}

	s := &Store{db: db, path: path, logger: logger}
	if logger != nil {
		logger.WithFields(logrus.Fields{
			"component": "store",
			"path":      path,
		}).Info("store opened")
	}
	return s, nil
}

// Path returns the store's canonical file path, used for the
// TraceFileNameDatagram sent to GUIs on connect (spec.md §6).
func (s *Store) Path() string {
	return s.path
}

// Close releases the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// WithTx runs fn inside a transaction guarded by the store's single
// mutex, committing on success. A commit or exec failure whose cause is
// the engine's storage-full signal is translated to a *errors.AppError
// of errors.KindStoreFull so callers can branch on Kind rather than a
// driver-specific code (REDESIGN FLAG "exception-for-control-flow").
func (s *Store) WithTx(ctx context.Context, operation string, fn func(tx *sql.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		if isFullError(err) {
			return apperrors.StoreFullError(operation, err)
		}
		return fmt.Errorf("begin tx for %s: %w", operation, err)
	}

	if err := fn(tx); err != nil {
		tx.Rollback()
		if isFullError(err) {
			return apperrors.StoreFullError(operation, err)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		if isFullError(err) {
			return apperrors.StoreFullError(operation, err)
		}
		return fmt.Errorf("commit tx for %s: %w", operation, err)
	}
	return nil
}

// WithReadTx runs fn inside a transaction that is always rolled back,
// without taking the write mutex — used by the archiver's forward-only
// export cursor. The transaction is not opened in read-only mode.
func (s *Store) WithReadTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: false})
	if err != nil {
		return fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()
	return fn(tx)
}

// isFullError reports whether err is the engine's storage-full signal.
// spec.md §1 treats the engine only through the "database is full" error
// contract it imposes; SQLite's documented SQLITE_FULL message is
// "database or disk is full", which modernc.org/sqlite surfaces verbatim
// in the wrapped error's message.
func isFullError(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "database or disk is full") ||
		strings.Contains(err.Error(), "SQLITE_FULL")
}

// PageSize returns the engine's page size in bytes.
func (s *Store) PageSize(ctx context.Context) (int64, error) {
	return s.queryPragmaInt(ctx, "PRAGMA page_size")
}

// PageCount returns the number of pages currently occupied by the store.
func (s *Store) PageCount(ctx context.Context) (int64, error) {
	return s.queryPragmaInt(ctx, "PRAGMA page_count")
}

// SetMaxPageCount sets the engine's page-count ceiling. Passing
// MaxPageCount effectively removes the ceiling, per spec.md §4.4's
// handling of types.UnlimitedStorage.
func (s *Store) SetMaxPageCount(ctx context.Context, n int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, fmt.Sprintf("PRAGMA max_page_count=%d", n))
	return err
}

func (s *Store) queryPragmaInt(ctx context.Context, pragma string) (int64, error) {
	row := s.db.QueryRowContext(ctx, pragma)
	var v int64
	if err := row.Scan(&v); err != nil {
		return 0, err
	}
	return v, nil
}

// CountTraceEntries returns the number of rows in trace_entry, used by
// the archiver to compute N = round(count * P / 100).
func (s *Store) CountTraceEntries(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM trace_entry").Scan(&n)
	return n, err
}

// DB exposes the underlying *sql.DB for direct queries outside the WithTx
// helper's error-translation wrapping and without taking the write mutex.
func (s *Store) DB() *sql.DB {
	return s.db
}

// WithExclusive runs fn while holding the store's write mutex for its
// entire duration, without wrapping it in a transaction. The archiver
// uses this for its final prune phase (§4.5 step 8), which issues a
// sequence of DELETEs that must not interleave with a concurrent
// WithTx-guarded ingest; within a single store-worker goroutine this is
// naturally already true, but the mutex also guards calls made directly
// against DB() for ad hoc exclusive sections.
func (s *Store) WithExclusive(fn func(db *sql.DB) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(s.db)
}
