// Package store implements the embedded, WAL-enabled relational store
// shared by every ledger primitive: schema migration, serializable
// transactions with nested savepoints, the uniform short-id resolver, and
// a small query builder.
package store

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

// checkpointInterval is how long the store waits between opportunistic WAL
// checkpoints.
const checkpointInterval = 60 * time.Second

// connWarnThreshold is the contention signal threshold: acquiring a
// connection slower than this logs a warning.
const connWarnThreshold = 100 * time.Millisecond

// Store is the embedded transactional key/row store. One Store is created
// per daemon process and shared by every ledger primitive.
type Store struct {
	db   *sql.DB
	path string

	mu             sync.Mutex
	lastCheckpoint time.Time
}

// Open creates or opens the sqlite database at path, running schema
// migration on first open.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(on)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	db.SetMaxOpenConns(1) // serialize writers; sqlite WAL still permits concurrent readers
	db.SetMaxIdleConns(1)

	s := &Store{db: db, path: path, lastCheckpoint: time.Now()}
	if err := s.ensure(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// ensure applies schema.sql on every open. Idempotent: every statement in
// schema.sql is CREATE ... IF NOT EXISTS or an insert guarded by NOT EXISTS.
func (s *Store) ensure() error {
	start := time.Now()
	if _, err := s.db.Exec(schemaSQL); err != nil {
		if isFTSCorruption(err) {
			log.Printf("[STORE] FTS index corrupt at startup, rebuilding: %v", err)
			if rebuildErr := s.RebuildFTS(); rebuildErr != nil {
				return fmt.Errorf("rebuild corrupt FTS: %w", rebuildErr)
			}
			if _, err := s.db.Exec(schemaSQL); err != nil {
				return fmt.Errorf("apply schema after FTS rebuild: %w", err)
			}
		} else {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	if elapsed := time.Since(start); elapsed > connWarnThreshold {
		log.Printf("[STORE] WARNING: schema apply took %s (contention signal)", elapsed)
	}
	return nil
}

func isFTSCorruption(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return contains(msg, "malformed") || contains(msg, "database disk image is malformed") || contains(msg, "vtable constructor failed")
}

func contains(haystack, needle string) bool {
	return len(needle) == 0 || (len(haystack) >= len(needle) && indexOf(haystack, needle) >= 0)
}

func indexOf(haystack, needle string) int {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			return i
		}
	}
	return -1
}

// RebuildFTS drops the three FTS5 tables, recreates them from schema.sql,
// and repopulates each index from its content table. Called when an FTS
// table is detected to be corrupt on daemon start.
func (s *Store) RebuildFTS() error {
	stmts := []string{
		`DROP TABLE IF EXISTS insights_fts`,
		`DROP TABLE IF EXISTS decisions_fts`,
		`DROP TABLE IF EXISTS tasks_fts`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	if _, err := s.db.Exec(schemaSQL); err != nil {
		return err
	}
	for _, t := range []string{"insights_fts", "decisions_fts", "tasks_fts"} {
		if _, err := s.db.Exec("INSERT INTO " + t + "(" + t + ") VALUES('rebuild')"); err != nil {
			return err
		}
	}
	return nil
}

// DB returns the underlying *sql.DB for primitives that need raw access
// (internal/ledger, internal/quotarouter and internal/daemonsup use it).
func (s *Store) DB() *sql.DB { return s.db }

// Close closes the underlying database handle.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Tx is a serializable transaction with nested savepoint support.
type Tx struct {
	tx    *sql.Tx
	store *Store
	depth int
}

// Transaction runs fn within a transaction, committing on normal return and
// rolling back on error or panic. Nested calls use savepoints instead of a
// new *sql.Tx.
func (s *Store) Transaction(ctx context.Context, fn func(*Tx) error) (err error) {
	start := time.Now()
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if elapsed := time.Since(start); elapsed > connWarnThreshold {
		log.Printf("[STORE] WARNING: acquiring connection took %s (contention signal)", elapsed)
	}

	t := &Tx{tx: sqlTx, store: s}
	defer func() {
		if p := recover(); p != nil {
			sqlTx.Rollback()
			panic(p)
		}
	}()

	if err = fn(t); err != nil {
		if rbErr := sqlTx.Rollback(); rbErr != nil {
			return fmt.Errorf("%w (rollback also failed: %v)", err, rbErr)
		}
		return err
	}

	if err = sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	s.maybeCheckpoint()
	return nil
}

// Savepoint runs fn nested within the current transaction using a named
// SAVEPOINT, rolling back only the nested work on error.
func (t *Tx) Savepoint(fn func(*Tx) error) error {
	t.depth++
	name := fmt.Sprintf("sp_%d", t.depth)
	if _, err := t.tx.Exec("SAVEPOINT " + name); err != nil {
		t.depth--
		return fmt.Errorf("begin savepoint: %w", err)
	}

	nested := &Tx{tx: t.tx, store: t.store, depth: t.depth}
	if err := fn(nested); err != nil {
		t.tx.Exec("ROLLBACK TO " + name)
		t.depth--
		return err
	}

	if _, err := t.tx.Exec("RELEASE " + name); err != nil {
		t.depth--
		return fmt.Errorf("release savepoint: %w", err)
	}
	t.depth--
	return nil
}

// Exec proxies to the underlying *sql.Tx.
func (t *Tx) Exec(query string, args ...interface{}) (sql.Result, error) {
	return t.tx.Exec(query, args...)
}

// Query proxies to the underlying *sql.Tx.
func (t *Tx) Query(query string, args ...interface{}) (*sql.Rows, error) {
	return t.tx.Query(query, args...)
}

// QueryRow proxies to the underlying *sql.Tx.
func (t *Tx) QueryRow(query string, args ...interface{}) *sql.Row {
	return t.tx.QueryRow(query, args...)
}

// maybeCheckpoint opportunistically runs a WAL checkpoint when the last one
// is older than checkpointInterval.
func (s *Store) maybeCheckpoint() {
	s.mu.Lock()
	due := time.Since(s.lastCheckpoint) > checkpointInterval
	if due {
		s.lastCheckpoint = time.Now()
	}
	s.mu.Unlock()

	if !due {
		return
	}
	if _, err := s.db.Exec("PRAGMA wal_checkpoint(PASSIVE)"); err != nil {
		log.Printf("[STORE] WARNING: WAL checkpoint failed: %v", err)
	}
}
