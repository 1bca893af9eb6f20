package indexdb

import (
	"path/filepath"
	"testing"
	"time"

	"worldstream/internal/scheduler"
)

func TestSQLiteIndexRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index.db")

	idx, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	now := time.Now()
	idx.Record(scheduler.Event{
		Kind: "submit", Time: now, ID: "r1",
		Chunk: scheduler.ChunkKey{CX: 2, CZ: -3},
		Tier:  "high", Requester: "cli_1",
	})
	idx.Record(scheduler.Event{
		Kind: "dispatch", Time: now.Add(time.Millisecond), ID: "r1",
		Chunk: scheduler.ChunkKey{CX: 2, CZ: -3}, Tier: "high",
	})
	idx.Record(scheduler.Event{
		Kind: "complete", Time: now.Add(20 * time.Millisecond), ID: "r1",
		Chunk: scheduler.ChunkKey{CX: 2, CZ: -3}, Tier: "high", DurationMs: 18.5,
	})
	idx.RecordStats(scheduler.Snapshot{
		Strategy: "adaptive", Pending: 1, InProgress: 2, Completed: 3,
	}, scheduler.Metrics{Dispatched: 5})

	// Close drains the writer and commits.
	if err := idx.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	idx, err = OpenSQLite(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer idx.Close()

	n, err := idx.EventCount("")
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 3 {
		t.Fatalf("event count %d, want 3", n)
	}
	n, err = idx.EventCount("complete")
	if err != nil {
		t.Fatalf("count complete: %v", err)
	}
	if n != 1 {
		t.Fatalf("complete count %d, want 1", n)
	}

	hist, err := idx.History("r1")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(hist) != 3 {
		t.Fatalf("history len %d, want 3", len(hist))
	}
	if hist[0].Kind != "submit" || hist[1].Kind != "dispatch" || hist[2].Kind != "complete" {
		t.Fatalf("history order: %+v", hist)
	}
	if hist[2].DurationMs != 18.5 {
		t.Fatalf("duration %v", hist[2].DurationMs)
	}
	if hist[0].CX != 2 || hist[0].CZ != -3 {
		t.Fatalf("chunk: %+v", hist[0])
	}

	sn, err := idx.StatsCount()
	if err != nil {
		t.Fatalf("stats count: %v", err)
	}
	if sn != 1 {
		t.Fatalf("stats rows %d, want 1", sn)
	}
}

func TestSQLiteIndexClosedDropsWrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index.db")
	idx, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := idx.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	// Safe no-ops after close.
	idx.Record(scheduler.Event{Kind: "submit", ID: "late"})
	idx.RecordStats(scheduler.Snapshot{}, scheduler.Metrics{})
	if err := idx.Close(); err != nil {
		t.Fatalf("double close: %v", err)
	}
}

func TestOpenSQLiteEmptyPath(t *testing.T) {
	if _, err := OpenSQLite(""); err == nil {
		t.Fatalf("empty path must fail")
	}
}
