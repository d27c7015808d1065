// Package indexdb keeps a queryable history of loader ticks and batches in
// SQLite. Writes are queued and applied by one goroutine; the JSONL tick log
// stays the source of truth, so the queue drops instead of blocking a tick.
package indexdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"voxelstream.ai/internal/metrics"
	"voxelstream.ai/internal/sim/streaming"
)

var ErrClosed = errors.New("index closed")

type SQLiteIndex struct {
	db  *sql.DB
	log logrus.FieldLogger

	ch   chan req
	wg   sync.WaitGroup
	once sync.Once

	closed atomic.Bool

	dropTick atomic.Uint64
}

type Stats struct {
	QueueDepth    int
	QueueCapacity int
	DropTickTotal uint64
}

type reqKind int

const (
	reqTick reqKind = iota + 1
	reqFlush
)

type req struct {
	kind reqKind

	tick streaming.TickReport
	done chan struct{}
}

// TickRow is one stored tick.
type TickRow struct {
	Tick              uint64
	Applied           int
	Submitted         int
	Marked            int
	BackpressureSkips int
	Pending           int
	Loaded            int
	Empty             int
	Failed            int
}

// BatchRow is one batch; AppliedTick is 0 while the batch is outstanding.
type BatchRow struct {
	ID            string
	Witness       string
	Size          int
	SubmittedTick uint64
	AppliedTick   uint64
	Loaded        int
	Empty         int
	Failed        int
	UnitFailed    bool
}

func OpenSQLite(path string, queue int, logger logrus.FieldLogger) (*SQLiteIndex, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	if queue <= 0 {
		queue = 4096
	}
	if logger == nil {
		l := logrus.New()
		l.SetLevel(logrus.PanicLevel)
		logger = l
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &SQLiteIndex{
		db:  db,
		log: logger.WithField("component", "indexdb"),
		ch:  make(chan req, queue),
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
}

func initPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
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
		`CREATE TABLE IF NOT EXISTS ticks (
			tick INTEGER PRIMARY KEY,
			applied INTEGER NOT NULL,
			submitted INTEGER NOT NULL,
			marked INTEGER NOT NULL,
			backpressure_skips INTEGER NOT NULL,
			pending INTEGER NOT NULL,
			loaded INTEGER NOT NULL,
			empty INTEGER NOT NULL,
			failed INTEGER NOT NULL,
			raw_json TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS batches (
			id TEXT PRIMARY KEY,
			witness TEXT NOT NULL,
			size INTEGER NOT NULL,
			submitted_tick INTEGER NOT NULL,
			applied_tick INTEGER,
			loaded INTEGER NOT NULL DEFAULT 0,
			empty INTEGER NOT NULL DEFAULT 0,
			failed INTEGER NOT NULL DEFAULT 0,
			unit_failed INTEGER NOT NULL DEFAULT 0
		);`,
		`CREATE INDEX IF NOT EXISTS idx_batches_witness_tick ON batches(witness, submitted_tick);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteIndex) Close() error {
	var err error
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.ch)
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

// RecordTick queues r without blocking; it is dropped if the writer is behind.
func (s *SQLiteIndex) RecordTick(r streaming.TickReport) {
	if s == nil || s.closed.Load() {
		return
	}
	select {
	case s.ch <- req{kind: reqTick, tick: r}:
	default:
		s.dropTick.Add(1)
		metrics.IndexQueueDroppedTotal.WithLabelValues("tick").Inc()
	}
}

// Flush waits until everything queued before it is committed.
func (s *SQLiteIndex) Flush(ctx context.Context) error {
	if s == nil || s.closed.Load() {
		return ErrClosed
	}
	done := make(chan struct{})
	select {
	case s.ch <- req{kind: reqFlush, done: done}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *SQLiteIndex) Stats() Stats {
	if s == nil {
		return Stats{}
	}
	return Stats{
		QueueDepth:    len(s.ch),
		QueueCapacity: cap(s.ch),
		DropTickTotal: s.dropTick.Load(),
	}
}

// RecentTicks returns up to n ticks, newest first.
func (s *SQLiteIndex) RecentTicks(ctx context.Context, n int) ([]TickRow, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT tick,applied,submitted,marked,backpressure_skips,pending,loaded,empty,failed
		FROM ticks ORDER BY tick DESC LIMIT ?`, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []TickRow
	for rows.Next() {
		var r TickRow
		var tick int64
		if err := rows.Scan(&tick, &r.Applied, &r.Submitted, &r.Marked, &r.BackpressureSkips, &r.Pending, &r.Loaded, &r.Empty, &r.Failed); err != nil {
			return nil, err
		}
		r.Tick = uint64(tick)
		out = append(out, r)
	}
	return out, rows.Err()
}

// Batch looks up a batch by id; ok is false if it was never recorded.
func (s *SQLiteIndex) Batch(ctx context.Context, id string) (BatchRow, bool, error) {
	var (
		b         BatchRow
		submitted int64
		applied   sql.NullInt64
		unit      int
	)
	err := s.db.QueryRowContext(ctx, `SELECT id,witness,size,submitted_tick,applied_tick,loaded,empty,failed,unit_failed
		FROM batches WHERE id = ?`, id).Scan(&b.ID, &b.Witness, &b.Size, &submitted, &applied, &b.Loaded, &b.Empty, &b.Failed, &unit)
	if errors.Is(err, sql.ErrNoRows) {
		return BatchRow{}, false, nil
	}
	if err != nil {
		return BatchRow{}, false, err
	}
	b.SubmittedTick = uint64(submitted)
	if applied.Valid {
		b.AppliedTick = uint64(applied.Int64)
	}
	b.UnitFailed = unit != 0
	return b, true, nil
}

func (s *SQLiteIndex) loop() {
	ctx := context.Background()

	insertTick, _ := s.db.Prepare(`INSERT OR REPLACE INTO ticks(tick,applied,submitted,marked,backpressure_skips,pending,loaded,empty,failed,raw_json) VALUES(?,?,?,?,?,?,?,?,?,?)`)
	insertBatch, _ := s.db.Prepare(`INSERT OR IGNORE INTO batches(id,witness,size,submitted_tick) VALUES(?,?,?,?)`)
	applyBatch, _ := s.db.Prepare(`INSERT INTO batches(id,witness,size,submitted_tick,applied_tick,loaded,empty,failed,unit_failed) VALUES(?,?,?,?,?,?,?,?,?)
		ON CONFLICT(id) DO UPDATE SET applied_tick=excluded.applied_tick, loaded=excluded.loaded, empty=excluded.empty, failed=excluded.failed, unit_failed=excluded.unit_failed`)
	defer func() {
		for _, st := range []*sql.Stmt{insertTick, insertBatch, applyBatch} {
			if st != nil {
				_ = st.Close()
			}
		}
	}()
	if insertTick == nil || insertBatch == nil || applyBatch == nil {
		s.log.Error("prepare statements failed; history disabled")
		for r := range s.ch {
			if r.done != nil {
				close(r.done)
			}
		}
		return
	}

	var (
		tx            *sql.Tx
		opCount       int
		lastCommit    = time.Now()
		commitEvery   = 2000
		commitMaxWait = 2 * time.Second
	)

	begin := func() {
		if tx != nil {
			return
		}
		txx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			s.log.WithError(err).Warn("begin history tx")
			time.Sleep(50 * time.Millisecond)
			return
		}
		tx = txx
		opCount = 0
		lastCommit = time.Now()
	}
	commit := func() {
		if tx == nil {
			return
		}
		if err := tx.Commit(); err != nil {
			metrics.IndexWriteErrorsTotal.Add(float64(opCount))
			s.log.WithError(err).Warn("commit history tx")
		}
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	rollback := func(err error) {
		metrics.IndexWriteErrorsTotal.Inc()
		s.log.WithError(err).Warn("history write failed; rolling back")
		if tx == nil {
			return
		}
		_ = tx.Rollback()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	flushIfNeeded := func() {
		if tx == nil {
			return
		}
		if opCount >= commitEvery || time.Since(lastCommit) >= commitMaxWait {
			commit()
		}
	}

	// Commit idle transactions so readers on the single connection are not
	// starved between bursts.
	idle := time.NewTicker(commitMaxWait)
	defer idle.Stop()

	for {
		var r req
		select {
		case rr, ok := <-s.ch:
			if !ok {
				commit()
				return
			}
			r = rr
		case <-idle.C:
			flushIfNeeded()
			continue
		}

		if r.kind == reqFlush {
			commit()
			close(r.done)
			continue
		}

		begin()
		if tx == nil {
			continue
		}
		if err := s.writeTick(tx, insertTick, insertBatch, applyBatch, r.tick); err != nil {
			rollback(err)
			continue
		}
		opCount += 1 + len(r.tick.Submitted) + len(r.tick.Applied)
		flushIfNeeded()
	}
}

func (s *SQLiteIndex) writeTick(tx *sql.Tx, insertTick, insertBatch, applyBatch *sql.Stmt, t streaming.TickReport) error {
	raw, _ := json.Marshal(t)
	loaded, empty, failed := t.Loads()
	if _, err := tx.Stmt(insertTick).Exec(
		int64(t.Tick),
		len(t.Applied),
		len(t.Submitted),
		t.Marked,
		t.BackpressureSkips,
		t.Pending,
		loaded, empty, failed,
		string(raw),
	); err != nil {
		return err
	}
	for _, b := range t.Submitted {
		if _, err := tx.Stmt(insertBatch).Exec(b.ID, b.Witness, b.Size, int64(b.SubmittedTick)); err != nil {
			return err
		}
	}
	for _, b := range t.Applied {
		unit := 0
		if b.UnitFailed {
			unit = 1
		}
		if _, err := tx.Stmt(applyBatch).Exec(
			b.ID, b.Witness, b.Size, int64(b.SubmittedTick),
			int64(b.AppliedTick), b.Loaded, b.Empty, b.Failed, unit,
		); err != nil {
			return err
		}
	}
	return nil
}
