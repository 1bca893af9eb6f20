package loader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"worldstream/internal/scheduler"
)

func testLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func TestGeneratorDeterministic(t *testing.T) {
	g := NewGenerator(42)
	req := scheduler.LoadingRequest{Chunk: scheduler.ChunkKey{CX: 3, CZ: -5}}

	a, err := g.Load(context.Background(), req)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	b, err := g.Load(context.Background(), req)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(a.Blocks) != 16*16 {
		t.Fatalf("blocks len %d", len(a.Blocks))
	}
	if a.Digest() != b.Digest() {
		t.Fatalf("same seed and key must produce identical chunks")
	}

	other, _ := NewGenerator(43).Load(context.Background(), req)
	if a.Digest() == other.Digest() {
		t.Fatalf("different seeds should produce different chunks")
	}
	if a.SizeBytes() != 512 {
		t.Fatalf("size bytes %d", a.SizeBytes())
	}
}

func TestGeneratorBiomeStable(t *testing.T) {
	g := NewGenerator(7)
	ch, _ := g.Load(context.Background(), scheduler.LoadingRequest{Chunk: scheduler.ChunkKey{CX: 1, CZ: 1}})
	switch ch.Biome {
	case "PLAINS", "FOREST", "DESERT":
	default:
		t.Fatalf("unknown biome %q", ch.Biome)
	}
}

func TestPoolDrainsQueue(t *testing.T) {
	cfg := scheduler.DefaultConfig()
	cfg.MaxConcurrentLoads = 3
	sched, err := scheduler.New(cfg)
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}

	const n = 40
	for i := 0; i < n; i++ {
		err := sched.Submit(scheduler.LoadingRequest{
			ID:            fmt.Sprintf("r%03d", i),
			Chunk:         scheduler.ChunkKey{CX: i, CZ: -i},
			Priority:      scheduler.PriorityNormal,
			Distance:      float64(i + 1),
			EstimatedSize: 512,
		})
		if err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
	}

	var mu sync.Mutex
	seen := map[string]bool{}
	p := NewPool(sched, NewGenerator(1), 4, testLogger())
	p.OnChunk = func(ch *Chunk) {
		mu.Lock()
		seen[fmt.Sprintf("%d,%d", ch.CX, ch.CZ)] = true
		mu.Unlock()
	}

	ctx, cancel := context.WithCancel(context.Background())
	p.Start(ctx)

	deadline := time.Now().Add(5 * time.Second)
	for {
		snap := sched.Inspect()
		if snap.Completed == n {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("timeout: %+v", snap)
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	p.Wait()

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != n {
		t.Fatalf("got %d distinct chunks, want %d", len(seen), n)
	}
}

type flakyLoader struct {
	gen   *Generator
	mu    sync.Mutex
	fails map[string]int // remaining failures per id
}

func (f *flakyLoader) Load(ctx context.Context, req scheduler.LoadingRequest) (*Chunk, error) {
	f.mu.Lock()
	if f.fails[req.ID] > 0 {
		f.fails[req.ID]--
		f.mu.Unlock()
		return nil, errors.New("synthetic load failure")
	}
	f.mu.Unlock()
	return f.gen.Load(ctx, req)
}

func TestPoolReportsFailures(t *testing.T) {
	cfg := scheduler.DefaultConfig()
	cfg.MaxConcurrentLoads = 1
	sched, err := scheduler.New(cfg)
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}

	fl := &flakyLoader{gen: NewGenerator(1), fails: map[string]int{"bad": 1}}
	p := NewPool(sched, fl, 1, testLogger())

	submit := func(id string) {
		t.Helper()
		if err := sched.Submit(scheduler.LoadingRequest{
			ID:            id,
			Chunk:         scheduler.ChunkKey{CX: 0, CZ: 0},
			Priority:      scheduler.PriorityHigh,
			Distance:      1,
			EstimatedSize: 512,
		}); err != nil {
			t.Fatalf("submit %s: %v", id, err)
		}
	}
	submit("bad")
	submit("good")

	ctx, cancel := context.WithCancel(context.Background())
	p.Start(ctx)

	deadline := time.Now().Add(5 * time.Second)
	for {
		snap := sched.Inspect()
		if snap.Completed == 1 && snap.Failed == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("timeout: %+v", sched.Inspect())
		}
		time.Sleep(5 * time.Millisecond)
	}

	// Resubmit the failed id; the retry succeeds and carries its history.
	submit("bad")
	deadline = time.Now().Add(5 * time.Second)
	for {
		if sched.Inspect().Completed == 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("timeout waiting for retry: %+v", sched.Inspect())
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	p.Wait()
}
