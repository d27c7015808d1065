// Package mapdb is the durable, versioned chunk store backing the streaming
// loader. Reads are safe from many goroutines at once.
package mapdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"

	_ "modernc.org/sqlite"

	"voxelstream.ai/internal/sim/chunk"
	"voxelstream.ai/internal/sim/clipmap"
)

var ErrClosed = errors.New("mapdb: closed")

type MapDb struct {
	db *sql.DB

	working atomic.Uint64
	once    sync.Once
	closed  atomic.Bool

	reads  atomic.Uint64
	hits   atomic.Uint64
	errors atomic.Uint64
}

type Stats struct {
	Reads          uint64
	Hits           uint64
	Errors         uint64
	WorkingVersion uint64
}

// Change is one chunk write. A nil Chunk records a removal.
type Change struct {
	Key   clipmap.NodeKey
	Chunk *chunk.Compressed
}

// Open opens (or creates) the database at path. readers bounds the number of
// pooled connections; <= 0 means 4.
func Open(path string, readers int) (*MapDb, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	if readers <= 0 {
		readers = 4
	}

	db, err := sql.Open("sqlite", dsn(path))
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(readers)
	db.SetMaxIdleConns(readers)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &MapDb{db: db}
	v, err := s.loadWorkingVersion(context.Background())
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	s.working.Store(v)
	return s, nil
}

// dsn applies per-connection pragmas; the pool opens several connections.
func dsn(path string) string {
	q := url.Values{}
	q.Add("_pragma", "busy_timeout(5000)")
	q.Add("_pragma", "synchronous(NORMAL)")
	q.Add("_pragma", "temp_store(MEMORY)")
	return "file:" + path + "?" + q.Encode()
}

func initPragmas(db *sql.DB) error {
	// WAL lets background readers run alongside the seeding writer.
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS chunks (
			level INTEGER NOT NULL,
			x INTEGER NOT NULL,
			y INTEGER NOT NULL,
			z INTEGER NOT NULL,
			version INTEGER NOT NULL,
			payload BLOB,
			PRIMARY KEY (level, x, y, z, version)
		);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

func (s *MapDb) Close() error {
	var err error
	s.once.Do(func() {
		s.closed.Store(true)
		err = s.db.Close()
	})
	return err
}

func (s *MapDb) loadWorkingVersion(ctx context.Context) (uint64, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key='working_version'`).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read working version: %w", err)
	}
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse working version %q: %w", raw, err)
	}
	return v, nil
}

func (s *MapDb) WorkingVersion() uint64 { return s.working.Load() }

// CommitVersion makes version the one ReadWorkingVersion serves.
func (s *MapDb) CommitVersion(ctx context.Context, version uint64) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO meta(key,value) VALUES('working_version',?)`,
		strconv.FormatUint(version, 10),
	); err != nil {
		return fmt.Errorf("commit version %d: %w", version, err)
	}
	s.working.Store(version)
	return nil
}

// WriteChanges stores changes under version in one transaction.
func (s *MapDb) WriteChanges(ctx context.Context, version uint64, changes []Change) error {
	if s.closed.Load() {
		return ErrClosed
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `INSERT OR REPLACE INTO chunks(level,x,y,z,version,payload) VALUES(?,?,?,?,?,?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, c := range changes {
		var payload any
		if c.Chunk != nil {
			payload = c.Chunk.Bytes
		}
		k := c.Key
		if _, err := stmt.ExecContext(ctx, int(k.Level), k.Coords.X, k.Coords.Y, k.Coords.Z, int64(version), payload); err != nil {
			return fmt.Errorf("write %v: %w", k, err)
		}
	}
	return tx.Commit()
}

// ReadWorkingVersion returns the newest chunk stored for key at or below the
// working version. It returns nil, nil when there is no data or the newest
// change is a removal.
func (s *MapDb) ReadWorkingVersion(ctx context.Context, key clipmap.NodeKey) (*chunk.Compressed, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	s.reads.Add(1)

	var payload []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM chunks
		 WHERE level=? AND x=? AND y=? AND z=? AND version<=?
		 ORDER BY version DESC LIMIT 1`,
		int(key.Level), key.Coords.X, key.Coords.Y, key.Coords.Z, int64(s.working.Load()),
	).Scan(&payload)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, nil
	case err != nil:
		s.errors.Add(1)
		return nil, fmt.Errorf("read %v: %w", key, err)
	case payload == nil:
		return nil, nil
	}
	s.hits.Add(1)
	return &chunk.Compressed{Bytes: payload}, nil
}

func (s *MapDb) Stats() Stats {
	return Stats{
		Reads:          s.reads.Load(),
		Hits:           s.hits.Load(),
		Errors:         s.errors.Load(),
		WorkingVersion: s.working.Load(),
	}
}
