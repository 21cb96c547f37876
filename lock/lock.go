// Package lock implements the repository's advisory lock: a single-row
// sqlite table recording which process currently holds exclusive access,
// opened with the same pragma sequence as the teacher's sqlite wrapper
// (WAL, busy_timeout, foreign_keys, synchronous=NORMAL).
package lock

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"syscall"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

// FileName is the lock database's path relative to a repository's root
// directory.
const FileName = ".rustic-lock.db"

// ErrLocked is returned by Acquire when another live process holds the
// lock.
var ErrLocked = errors.New("lock: repository is locked by another process")

// Lock holds an open handle on the lock database and the identity
// (hostname, pid) under which this process claims its single row.
type Lock struct {
	db       *sql.DB
	log      *zap.SugaredLogger
	hostname string
	pid      int
}

// Open creates (if needed) and opens the lock database at path, applying
// the teacher's pragma sequence, and ensures the lock_holder table exists.
func Open(ctx context.Context, path string, log *zap.SugaredLogger) (*Lock, error) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("lock: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1) // sqlite + WAL: one writer connection avoids SQLITE_BUSY churn

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			db.Close()
			return nil, fmt.Errorf("lock: apply %s: %w", p, err)
		}
	}

	const schema = `
CREATE TABLE IF NOT EXISTS lock_holder (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	pid INTEGER NOT NULL,
	hostname TEXT NOT NULL,
	exclusive INTEGER NOT NULL,
	acquired_at TIMESTAMP NOT NULL
)`
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("lock: create schema: %w", err)
	}

	hostname, _ := os.Hostname()
	l := &Lock{db: db, log: log, hostname: hostname, pid: os.Getpid()}
	if err := l.reclaimStale(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return l, nil
}

// reclaimStale removes the held row if its pid is no longer a live
// process on this host (best-effort: a pid owned by a different host is
// never treated as stale from here).
func (l *Lock) reclaimStale(ctx context.Context) error {
	row := l.db.QueryRowContext(ctx, `SELECT pid, hostname FROM lock_holder WHERE id = 1`)
	var pid int
	var hostname string
	if err := row.Scan(&pid, &hostname); err != nil {
		if err == sql.ErrNoRows {
			return nil
		}
		return fmt.Errorf("lock: read holder: %w", err)
	}
	if hostname != l.hostname || processAlive(pid) {
		return nil
	}
	if _, err := l.db.ExecContext(ctx, `DELETE FROM lock_holder WHERE id = 1`); err != nil {
		return fmt.Errorf("lock: reclaim stale row: %w", err)
	}
	l.log.Infow("reclaimed stale lock", "pid", pid, "hostname", hostname)
	return nil
}

// processAlive reports whether pid names a running process on this host.
// On POSIX systems os.FindProcess always succeeds, so liveness is
// confirmed by sending signal 0.
func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

// Acquire takes the exclusive lock row, failing with ErrLocked if another
// live process already holds it.
func (l *Lock) Acquire(ctx context.Context) error {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("lock: begin: %w", err)
	}
	defer tx.Rollback()

	var count int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM lock_holder WHERE id = 1`).Scan(&count); err != nil {
		return fmt.Errorf("lock: check holder: %w", err)
	}
	if count > 0 {
		return ErrLocked
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO lock_holder (id, pid, hostname, exclusive, acquired_at) VALUES (1, ?, ?, 1, ?)`,
		l.pid, l.hostname, time.Now()); err != nil {
		return fmt.Errorf("lock: insert holder: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("lock: commit: %w", err)
	}
	l.log.Infow("lock acquired", "pid", l.pid, "hostname", l.hostname)
	return nil
}

// Release drops this process's lock row, if held.
func (l *Lock) Release(ctx context.Context) error {
	res, err := l.db.ExecContext(ctx, `DELETE FROM lock_holder WHERE id = 1 AND pid = ? AND hostname = ?`, l.pid, l.hostname)
	if err != nil {
		return fmt.Errorf("lock: release: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		l.log.Infow("lock released", "pid", l.pid)
	}
	return nil
}

// Close closes the underlying database handle without releasing the lock
// row (callers should Release explicitly before Close on a clean exit).
func (l *Lock) Close() error {
	return l.db.Close()
}
