package scheduler

import (
	"math"
	"testing"
	"time"
)

var predictParams = PredictParams{ConfidenceFloor: 0.3, MaxChunks: 12}

func TestPredictor_NoHistoryYieldsNothing(t *testing.T) {
	p := NewPredictor()
	if drafts := p.Predict("ghost", 2*time.Second, predictParams); drafts != nil {
		t.Fatalf("unknown player must yield no predictions, got %d", len(drafts))
	}
	p.UpdatePosition("p1", Position{X: 0, Z: 0}, time.Unix(100, 0))
	if drafts := p.Predict("p1", 2*time.Second, predictParams); len(drafts) != 0 {
		t.Fatalf("single sample must yield no predictions, got %d", len(drafts))
	}
}

func TestPredictor_ConstantVelocityEastward(t *testing.T) {
	p := NewPredictor()
	t0 := time.Unix(100, 0)
	// Three samples moving +10 blocks/s along x.
	for i := 0; i < 3; i++ {
		p.UpdatePosition("p1", Position{X: float64(i * 10)}, t0.Add(time.Duration(i)*time.Second))
	}

	vec, ok := p.Vector("p1")
	if !ok {
		t.Fatalf("player should be tracked")
	}
	if math.Abs(vec.VX-10) > 1e-9 || math.Abs(vec.VZ) > 1e-9 {
		t.Fatalf("velocity: got (%g,%g) want (10,0)", vec.VX, vec.VZ)
	}
	if vec.Confidence <= 0.8 {
		t.Fatalf("steady movement should be high confidence, got %g", vec.Confidence)
	}

	drafts := p.Predict("p1", 2*time.Second, predictParams)
	if len(drafts) == 0 {
		t.Fatalf("expected predictions along +x")
	}
	for i, d := range drafts {
		if d.Chunk.CZ != 0 || d.Chunk.CX <= 0 {
			t.Fatalf("draft %d: chunk %v not along +x", i, d.Chunk)
		}
		if d.ID != "" {
			t.Fatalf("drafts carry no id until the scheduler assigns one")
		}
		if i > 0 && drafts[i].Distance < drafts[i-1].Distance {
			t.Fatalf("drafts must be ordered nearest first")
		}
	}
	// Near-path drafts are hotter than far ones.
	if drafts[0].Priority != PriorityHigh {
		t.Fatalf("nearest draft should be high, got %s", drafts[0].Priority)
	}
	if last := drafts[len(drafts)-1]; last.Priority < drafts[0].Priority {
		t.Fatalf("priority must decay with distance: first=%s last=%s", drafts[0].Priority, last.Priority)
	}
}

func TestPredictor_ErraticMovementDropsConfidence(t *testing.T) {
	p := NewPredictor()
	t0 := time.Unix(100, 0)
	// Sharp reversals every second.
	positions := []Position{{X: 0}, {X: 10}, {X: -5}, {X: 12}, {X: -8}}
	for i, pos := range positions {
		p.UpdatePosition("p1", pos, t0.Add(time.Duration(i)*time.Second))
	}
	vec, _ := p.Vector("p1")
	if vec.Confidence >= 0.5 {
		t.Fatalf("reversing movement should have low confidence, got %g", vec.Confidence)
	}
	if drafts := p.Predict("p1", 2*time.Second, PredictParams{ConfidenceFloor: 0.5, MaxChunks: 12}); len(drafts) != 0 {
		t.Fatalf("below the confidence floor no predictions should be produced, got %d", len(drafts))
	}
}

func TestPredictor_StationaryPlayerHasNoConfidence(t *testing.T) {
	p := NewPredictor()
	t0 := time.Unix(100, 0)
	for i := 0; i < 4; i++ {
		p.UpdatePosition("p1", Position{X: 3, Z: 3}, t0.Add(time.Duration(i)*time.Second))
	}
	vec, _ := p.Vector("p1")
	if vec.Confidence != 0 {
		t.Fatalf("stationary player should have zero confidence, got %g", vec.Confidence)
	}
}

func TestPredictor_OutOfOrderSamplesDropped(t *testing.T) {
	p := NewPredictor()
	t0 := time.Unix(100, 0)
	p.UpdatePosition("p1", Position{X: 0}, t0)
	p.UpdatePosition("p1", Position{X: 10}, t0.Add(time.Second))
	p.UpdatePosition("p1", Position{X: 999}, t0) // stale, ignored
	vec, _ := p.Vector("p1")
	if math.Abs(vec.VX-10) > 1e-9 {
		t.Fatalf("stale sample should be dropped, velocity %g", vec.VX)
	}
}

func TestPredictor_EvictionAndForget(t *testing.T) {
	p := NewPredictor()
	t0 := time.Unix(100, 0)
	p.UpdatePosition("old", Position{}, t0)
	p.UpdatePosition("fresh", Position{}, t0.Add(50*time.Second))

	if n := p.EvictIdle(t0.Add(60*time.Second), 30*time.Second); n != 1 {
		t.Fatalf("evict: got %d want 1", n)
	}
	if _, ok := p.Vector("old"); ok {
		t.Fatalf("idle player should be evicted")
	}
	if _, ok := p.Vector("fresh"); !ok {
		t.Fatalf("fresh player should survive eviction")
	}
	p.Forget("fresh")
	if _, ok := p.Vector("fresh"); ok {
		t.Fatalf("forget should drop the player")
	}
}
