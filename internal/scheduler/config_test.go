package scheduler

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultConfig_MatchesSuggestedDefaults(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Strategy != StrategyAdaptive {
		t.Fatalf("default strategy: %s", cfg.Strategy)
	}
	if cfg.MaxConcurrentLoads != 4 {
		t.Fatalf("default max concurrent: %d", cfg.MaxConcurrentLoads)
	}
	wantCaps := [numPriorities]int{20, 50, 100, 200, tierUnbounded}
	if cfg.TierCapacities != wantCaps {
		t.Fatalf("tier capacities: %v", cfg.TierCapacities)
	}
	if cfg.DistanceDecayFactor != 0.9 || cfg.DeadlineWeight != 2.0 {
		t.Fatalf("weights: decay=%g deadline=%g", cfg.DistanceDecayFactor, cfg.DeadlineWeight)
	}
	if !cfg.BatchingEnabled || cfg.BatchThreshold != 5 {
		t.Fatalf("batching: enabled=%v threshold=%d", cfg.BatchingEnabled, cfg.BatchThreshold)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults must validate: %v", err)
	}
}

func TestLoad_YAMLOverlaysDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "scheduler.yaml")
	doc := `
strategy: distance_based
max_concurrent_loads: 8
distance_decay_factor: 0.5
tier_capacities:
  critical: 10
  background: 64
priority_weights:
  critical: 250
pressure:
  memory_threshold_pct: 70
`
	if err := os.WriteFile(path, []byte(doc), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Strategy != StrategyDistance || cfg.MaxConcurrentLoads != 8 {
		t.Fatalf("overlay: strategy=%s max=%d", cfg.Strategy, cfg.MaxConcurrentLoads)
	}
	if cfg.TierCapacities[PriorityCritical] != 10 || cfg.TierCapacities[PriorityBackground] != 64 {
		t.Fatalf("tier overlay: %v", cfg.TierCapacities)
	}
	// Untouched tiers keep their defaults.
	if cfg.TierCapacities[PriorityHigh] != 50 {
		t.Fatalf("high tier default lost: %v", cfg.TierCapacities)
	}
	if cfg.PriorityWeights[PriorityCritical] != 250 || cfg.PriorityWeights[PriorityHigh] != 50 {
		t.Fatalf("weight overlay: %v", cfg.PriorityWeights)
	}
	if cfg.Pressure.MemoryThresholdPct != 70 {
		t.Fatalf("pressure overlay: %+v", cfg.Pressure)
	}
}

func TestLoad_RejectsBadConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "scheduler.yaml")
	if err := os.WriteFile(path, []byte("strategy: sorted_by_vibes\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatalf("unknown strategy must fail validation")
	}
	if _, err := Load(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Fatalf("missing file must surface an error")
	}
}

func TestConfigPatch_MergesOverBase(t *testing.T) {
	base := DefaultConfig()
	max := 16
	decay := 0.1
	pressure := base.Pressure
	pressure.CPUPct = 99
	patch := ConfigPatch{
		MaxConcurrentLoads: &max,
		DistanceDecay:      &decay,
		TierCapacities:     map[Priority]int{PriorityLow: 42},
		PriorityWeights:    map[Priority]float64{PriorityBackground: 7},
		Pressure:           &pressure,
	}
	out := patch.Apply(base)
	if out.MaxConcurrentLoads != 16 || out.DistanceDecayFactor != 0.1 {
		t.Fatalf("patched scalars: %+v", out)
	}
	if out.TierCapacities[PriorityLow] != 42 || out.PriorityWeights[PriorityBackground] != 7 {
		t.Fatalf("patched maps: caps=%v weights=%v", out.TierCapacities, out.PriorityWeights)
	}
	if out.Pressure.CPUPct != 99 {
		t.Fatalf("patched pressure: %+v", out.Pressure)
	}
	// Untouched fields ride through, and the base is not mutated.
	if out.Strategy != base.Strategy || base.MaxConcurrentLoads != 4 {
		t.Fatalf("merge leaked: out=%+v base=%+v", out, base)
	}
}
