package log

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/klauspost/compress/zstd"

	"worldstream/internal/scheduler"
)

func TestEventLoggerWriteAndReadBack(t *testing.T) {
	dir := t.TempDir()
	l := NewEventLogger(dir)

	events := []scheduler.Event{
		{Kind: "submit", Time: time.Now(), ID: "a", Chunk: scheduler.ChunkKey{CX: 1, CZ: 2}, Tier: "high"},
		{Kind: "dispatch", Time: time.Now(), ID: "a", Chunk: scheduler.ChunkKey{CX: 1, CZ: 2}, Tier: "high"},
		{Kind: "complete", Time: time.Now(), ID: "a", Chunk: scheduler.ChunkKey{CX: 1, CZ: 2}, DurationMs: 3.5},
	}
	for _, ev := range events {
		l.Record(ev)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	matches, err := filepath.Glob(filepath.Join(dir, "events", "events-*.jsonl.zst"))
	if err != nil || len(matches) != 1 {
		t.Fatalf("log files: %v %v", matches, err)
	}

	f, err := os.Open(matches[0])
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer f.Close()
	dec, err := zstd.NewReader(f)
	if err != nil {
		t.Fatalf("zstd: %v", err)
	}
	defer dec.Close()

	var got []scheduler.Event
	sc := bufio.NewScanner(dec)
	for sc.Scan() {
		var ev scheduler.Event
		if err := json.Unmarshal(sc.Bytes(), &ev); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		got = append(got, ev)
	}
	if err := sc.Err(); err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(got) != len(events) {
		t.Fatalf("got %d lines, want %d", len(got), len(events))
	}
	for i := range got {
		if got[i].Kind != events[i].Kind || got[i].ID != events[i].ID {
			t.Fatalf("line %d: %+v", i, got[i])
		}
	}
	if got[2].DurationMs != 3.5 {
		t.Fatalf("duration: %v", got[2].DurationMs)
	}
}

func TestJSONLZstdWriterCloseWithoutWrite(t *testing.T) {
	w := NewJSONLZstdWriter(t.TempDir(), "x")
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}
