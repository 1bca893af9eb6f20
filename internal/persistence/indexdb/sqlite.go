package indexdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"worldstream/internal/scheduler"
)

// SQLiteIndex is a secondary, queryable index of load lifecycle events and
// periodic queue stats. Writes go through a single writer goroutine so the
// scheduler hot path never blocks on the database.
type SQLiteIndex struct {
	db *sql.DB

	ch   chan req
	wg   sync.WaitGroup
	once sync.Once

	closed atomic.Bool
}

type reqKind int

const (
	reqEvent reqKind = iota + 1
	reqStats
)

type req struct {
	kind reqKind

	event scheduler.Event
	stats statsRow
}

type statsRow struct {
	RecordedAt         string
	Strategy           string
	Pending            int
	InProgress         int
	Completed          uint64
	Failed             uint64
	Cancelled          uint64
	Admitted           uint64
	AvgLoadMs          float64
	Dispatched         uint64
	PredictedSubmitted uint64
	PredictedDropped   uint64
}

// ResolvedLoad is one lifecycle row read back out of the index.
type ResolvedLoad struct {
	Seq        int64
	At         string
	Kind       string
	ID         string
	CX, CZ     int
	Tier       string
	Requester  string
	DurationMs float64
	Retries    int
	Reason     string
}

func OpenSQLite(path string) (*SQLiteIndex, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
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
		db: db,
		// Large buffer: event bursts (a MOVE fanning out predictions) must
		// not stall producers.
		ch: make(chan req, 65536),
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
}

func initPragmas(db *sql.DB) error {
	// WAL is much faster for append-style workloads.
	// NORMAL is a decent durability/perf tradeoff for a secondary index.
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
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS load_events (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			at TEXT NOT NULL,
			kind TEXT NOT NULL,
			id TEXT NOT NULL,
			cx INTEGER NOT NULL,
			cz INTEGER NOT NULL,
			tier TEXT,
			requester TEXT,
			duration_ms REAL,
			retries INTEGER NOT NULL DEFAULT 0,
			reason TEXT,
			raw_json TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_load_events_id ON load_events(id, seq);`,
		`CREATE INDEX IF NOT EXISTS idx_load_events_kind ON load_events(kind, seq);`,
		`CREATE INDEX IF NOT EXISTS idx_load_events_chunk ON load_events(cx, cz, seq);`,
		`CREATE TABLE IF NOT EXISTS queue_stats (
			recorded_at TEXT PRIMARY KEY,
			strategy TEXT NOT NULL,
			pending INTEGER NOT NULL,
			in_progress INTEGER NOT NULL,
			completed INTEGER NOT NULL,
			failed INTEGER NOT NULL,
			cancelled INTEGER NOT NULL,
			admitted INTEGER NOT NULL,
			avg_load_ms REAL NOT NULL,
			dispatched INTEGER NOT NULL,
			predicted_submitted INTEGER NOT NULL,
			predicted_dropped INTEGER NOT NULL
		);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	if _, err := db.Exec(`INSERT OR REPLACE INTO meta(key,value) VALUES('schema_version','1')`); err != nil {
		return err
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

// Record implements scheduler.EventSink.
func (s *SQLiteIndex) Record(ev scheduler.Event) {
	if s == nil || s.closed.Load() {
		return
	}
	select {
	case s.ch <- req{kind: reqEvent, event: ev}:
	default:
		// Drop if the indexer falls behind; JSONL logs remain the source of truth.
	}
}

// RecordStats appends one periodic observability row.
func (s *SQLiteIndex) RecordStats(snap scheduler.Snapshot, met scheduler.Metrics) {
	if s == nil || s.closed.Load() {
		return
	}
	r := statsRow{
		RecordedAt:         time.Now().UTC().Format(time.RFC3339Nano),
		Strategy:           snap.Strategy,
		Pending:            snap.Pending,
		InProgress:         snap.InProgress,
		Completed:          snap.Completed,
		Failed:             snap.Failed,
		Cancelled:          snap.Cancelled,
		Admitted:           snap.Admitted,
		AvgLoadMs:          snap.AvgLoadMs,
		Dispatched:         met.Dispatched,
		PredictedSubmitted: met.PredictedSubmitted,
		PredictedDropped:   met.PredictedDropped,
	}
	select {
	case s.ch <- req{kind: reqStats, stats: r}:
	default:
	}
}

func (s *SQLiteIndex) loop() {
	ctx := context.Background()

	insertEvent, _ := s.db.Prepare(`INSERT INTO load_events(at,kind,id,cx,cz,tier,requester,duration_ms,retries,reason,raw_json) VALUES(?,?,?,?,?,?,?,?,?,?,?)`)
	insertStats, _ := s.db.Prepare(`INSERT OR REPLACE INTO queue_stats(recorded_at,strategy,pending,in_progress,completed,failed,cancelled,admitted,avg_load_ms,dispatched,predicted_submitted,predicted_dropped) VALUES(?,?,?,?,?,?,?,?,?,?,?,?)`)
	defer func() {
		if insertEvent != nil {
			_ = insertEvent.Close()
		}
		if insertStats != nil {
			_ = insertStats.Close()
		}
	}()

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
		_ = tx.Commit()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	rollback := func() {
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

	for r := range s.ch {
		begin()
		if tx == nil {
			continue
		}
		switch r.kind {
		case reqEvent:
			if insertEvent == nil {
				continue
			}
			ev := r.event
			raw, _ := json.Marshal(ev)
			if _, err := tx.Stmt(insertEvent).Exec(
				ev.Time.UTC().Format(time.RFC3339Nano),
				ev.Kind,
				ev.ID,
				ev.Chunk.CX,
				ev.Chunk.CZ,
				ev.Tier,
				ev.Requester,
				ev.DurationMs,
				ev.Retries,
				ev.Reason,
				string(raw),
			); err != nil {
				rollback()
				continue
			}
			opCount++
		case reqStats:
			if insertStats == nil {
				continue
			}
			st := r.stats
			if _, err := tx.Stmt(insertStats).Exec(
				st.RecordedAt,
				st.Strategy,
				st.Pending,
				st.InProgress,
				int64(st.Completed),
				int64(st.Failed),
				int64(st.Cancelled),
				int64(st.Admitted),
				st.AvgLoadMs,
				int64(st.Dispatched),
				int64(st.PredictedSubmitted),
				int64(st.PredictedDropped),
			); err != nil {
				rollback()
				continue
			}
			opCount++
		}
		flushIfNeeded()
	}
	commit()
}

// EventCount reports how many lifecycle rows carry the given kind, or the
// total when kind is empty.
func (s *SQLiteIndex) EventCount(kind string) (int, error) {
	var (
		n   int
		err error
	)
	if kind == "" {
		err = s.db.QueryRow(`SELECT COUNT(*) FROM load_events`).Scan(&n)
	} else {
		err = s.db.QueryRow(`SELECT COUNT(*) FROM load_events WHERE kind = ?`, kind).Scan(&n)
	}
	return n, err
}

// History returns the lifecycle trail of one request id, oldest first.
func (s *SQLiteIndex) History(id string) ([]ResolvedLoad, error) {
	rows, err := s.db.Query(`SELECT seq,at,kind,id,cx,cz,COALESCE(tier,''),COALESCE(requester,''),COALESCE(duration_ms,0),retries,COALESCE(reason,'') FROM load_events WHERE id = ? ORDER BY seq`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ResolvedLoad
	for rows.Next() {
		var r ResolvedLoad
		if err := rows.Scan(&r.Seq, &r.At, &r.Kind, &r.ID, &r.CX, &r.CZ, &r.Tier, &r.Requester, &r.DurationMs, &r.Retries, &r.Reason); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// StatsCount reports how many periodic stats rows have been recorded.
func (s *SQLiteIndex) StatsCount() (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM queue_stats`).Scan(&n)
	return n, err
}
