// Package store provides the embedded SQLite storage layer: schema,
// full-text index maintenance, and all reads and writes.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dshills/chatvault/archive"
	_ "modernc.org/sqlite"
)

// Store is the single SQLite-backed storage instance for an archive.
//
// It holds a connection pool over one database file. WAL mode lets readers
// run concurrently with the single writer, so queries are never blocked for
// longer than one write transaction. The messages_fts full-text index is a
// derived projection of messages.content maintained by triggers inside the
// same transaction as every message mutation; no other component writes it.
//
// Tuning applied on every connection (correctness-neutral, required for the
// latency budget at ~1M messages):
//   - journal_mode=WAL
//   - synchronous=NORMAL
//   - 32 MiB page cache
//   - memory-mapped I/O up to 1 GiB
type Store struct {
	db   *sql.DB
	path string

	mu        sync.RWMutex
	closed    bool
	providers map[archive.Provider]int64
}

// memdbSeq names in-memory databases uniquely per Open.
var memdbSeq int64

// connPragmas are applied to every pooled connection through the DSN, since
// most pragmas are connection-scoped.
var connPragmas = []string{
	"journal_mode(WAL)",
	"synchronous(NORMAL)",
	"foreign_keys(1)",
	"recursive_triggers(1)",
	"busy_timeout(5000)",
	"cache_size(-32768)",
	"mmap_size(1073741824)",
}

// Open opens (creating if necessary) the database at path, applies the
// schema, and seeds the provider table.
//
// The path may be ":memory:" for tests. The returned store is safe for
// concurrent use.
func Open(path string) (*Store, error) {
	params := make([]string, 0, len(connPragmas)+2)
	base := "file:" + path
	if path == ":memory:" {
		// Each Open gets its own named in-memory database; cache=shared
		// keeps the pool's connections on the same data without leaking it
		// to other stores. Journal and mmap pragmas do not apply there.
		base = fmt.Sprintf("file:memdb%d", atomic.AddInt64(&memdbSeq, 1))
		params = append(params, "mode=memory", "cache=shared",
			"_pragma=foreign_keys(1)", "_pragma=recursive_triggers(1)", "_pragma=busy_timeout(5000)")
	} else {
		for _, p := range connPragmas {
			params = append(params, "_pragma="+p)
		}
	}
	dsn := base + "?" + strings.Join(params, "&")

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite connection: %w", err)
	}

	// One writer at a time is a SQLite property; a handful of extra
	// connections serve concurrent readers under WAL.
	db.SetMaxOpenConns(8)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(0)

	s := &Store{
		db:        db,
		path:      path,
		providers: make(map[archive.Provider]int64),
	}

	ctx := context.Background()
	if err := s.createSchema(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}
	if err := s.seedProviders(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to seed providers: %w", err)
	}

	return s, nil
}

// seedProviders inserts the fixed provider rows and caches their ids.
// Providers are seeded at initialization and never deleted.
func (s *Store) seedProviders(ctx context.Context) error {
	for _, p := range archive.Providers() {
		if _, err := s.db.ExecContext(ctx,
			`INSERT INTO providers (name) VALUES (?) ON CONFLICT(name) DO NOTHING`, string(p)); err != nil {
			return fmt.Errorf("failed to seed provider %s: %w", p, err)
		}
	}

	rows, err := s.db.QueryContext(ctx, `SELECT id, name FROM providers`)
	if err != nil {
		return fmt.Errorf("failed to load providers: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var id int64
		var name string
		if err := rows.Scan(&id, &name); err != nil {
			return fmt.Errorf("failed to scan provider row: %w", err)
		}
		s.providers[archive.Provider(name)] = id
	}
	return rows.Err()
}

// providerID resolves a provider tag to its surrogate id.
func (s *Store) providerID(p archive.Provider) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.providers[p]
	if !ok {
		return 0, fmt.Errorf("%w: %q", archive.ErrUnknownProvider, p)
	}
	return id, nil
}

// checkOpen returns an error if the store has been closed.
func (s *Store) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return fmt.Errorf("store is closed")
	}
	return nil
}

// BeginTx starts a write transaction. Writes serialize on SQLite's single
// writer; readers proceed concurrently under WAL.
func (s *Store) BeginTx(ctx context.Context) (*sql.Tx, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	return tx, nil
}

// Ping verifies the database connection is alive. Used by health checks.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.db.PingContext(ctx)
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// Close closes the connection pool. Double-close is a no-op.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

// toMillis converts a time to the integer form stored in timestamp columns.
// Zero times persist as NULL via toMillisPtr.
func toMillis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

func toMillisPtr(t time.Time) *int64 {
	if t.IsZero() {
		return nil
	}
	v := toMillis(t)
	return &v
}

// fromMillis converts a stored timestamp back to UTC time.
func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func fromMillisPtr(ms *int64) time.Time {
	if ms == nil {
		return time.Time{}
	}
	return fromMillis(*ms)
}
