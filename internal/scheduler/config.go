package scheduler

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the full set of runtime-mutable tunables. It is replaced wholesale
// on update and read as one atomic snapshot per scheduling decision, so a
// dispatch never observes a torn mix of old and new values.
type Config struct {
	Strategy           string             `yaml:"strategy"`
	MaxConcurrentLoads int                `yaml:"max_concurrent_loads"`
	TierCapacities     [numPriorities]int `yaml:"-"`

	// Scoring knobs (adaptive / deadline_driven).
	PriorityWeights     [numPriorities]float64 `yaml:"-"`
	DistanceDecayFactor float64                `yaml:"distance_decay_factor"`
	DeadlineWeight      float64                `yaml:"deadline_weight"`

	BatchingEnabled bool `yaml:"batching_enabled"`
	BatchThreshold  int  `yaml:"batch_threshold"`

	// Adaptive pressure: threshold plus the currently observed signal, both
	// fed by the operator/update path. When a signal exceeds its threshold the
	// adaptive strategy deprioritizes low/background work instead of rejecting it.
	Pressure PressureConfig `yaml:"pressure"`

	// Predictive prefetch.
	PredictConfidenceFloor float64 `yaml:"predict_confidence_floor"`
	PredictMaxChunks       int     `yaml:"predict_max_chunks"`
	PredictLookAheadS      float64 `yaml:"predict_look_ahead_s"`

	// Raw yaml shapes for the fixed-size arrays above.
	TierCapacityByName   map[string]int     `yaml:"tier_capacities,omitempty"`
	PriorityWeightByName map[string]float64 `yaml:"priority_weights,omitempty"`
}

type PressureConfig struct {
	MemoryThresholdPct float64 `yaml:"memory_threshold_pct"`
	CPUThresholdPct    float64 `yaml:"cpu_threshold_pct"`
	NetworkThresholdMs float64 `yaml:"network_threshold_ms"`
	MemoryPct          float64 `yaml:"memory_pct"`
	CPUPct             float64 `yaml:"cpu_pct"`
	NetworkLatencyMs   float64 `yaml:"network_latency_ms"`
}

// tierUnbounded marks a tier with no admission cap.
const tierUnbounded = 0

// DefaultConfig returns the suggested defaults from the design doc.
func DefaultConfig() Config {
	cfg := Config{
		Strategy:            StrategyAdaptive,
		MaxConcurrentLoads:  4,
		DistanceDecayFactor: 0.9,
		DeadlineWeight:      2.0,
		BatchingEnabled:     true,
		BatchThreshold:      5,
		Pressure: PressureConfig{
			MemoryThresholdPct: 85,
			CPUThresholdPct:    90,
			NetworkThresholdMs: 200,
		},
		PredictConfidenceFloor: 0.3,
		PredictMaxChunks:       12,
		PredictLookAheadS:      3,
	}
	cfg.TierCapacities = [numPriorities]int{20, 50, 100, 200, tierUnbounded}
	cfg.PriorityWeights = [numPriorities]float64{100, 50, 20, 5, 1}
	return cfg
}

// Load reads scheduler.yaml, overlaying defaults. Missing file is an error;
// callers that want pure defaults pass an empty path.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("scheduler.yaml: %w", err)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("scheduler.yaml: %w", err)
	}
	return cfg, nil
}

// normalize folds the by-name yaml maps into the fixed arrays.
func (c *Config) normalize() {
	for name, limit := range c.TierCapacityByName {
		if p, ok := ParsePriority(name); ok {
			c.TierCapacities[p] = limit
		}
	}
	for name, w := range c.PriorityWeightByName {
		if p, ok := ParsePriority(name); ok {
			c.PriorityWeights[p] = w
		}
	}
	c.TierCapacityByName = nil
	c.PriorityWeightByName = nil
}

func (c *Config) Validate() error {
	if _, ok := strategyByName(c.Strategy); !ok {
		return fmt.Errorf("unknown strategy %q", c.Strategy)
	}
	if c.MaxConcurrentLoads <= 0 {
		return fmt.Errorf("max_concurrent_loads must be > 0, got %d", c.MaxConcurrentLoads)
	}
	for p := PriorityCritical; p <= PriorityBackground; p++ {
		if c.TierCapacities[p] < 0 {
			return fmt.Errorf("tier %s capacity must be >= 0", p)
		}
	}
	if c.DistanceDecayFactor < 0 {
		return fmt.Errorf("distance_decay_factor must be >= 0")
	}
	if c.PredictConfidenceFloor < 0 || c.PredictConfidenceFloor > 1 {
		return fmt.Errorf("predict_confidence_floor must be in [0,1]")
	}
	return nil
}

// ConfigPatch is a partial update. Nil fields keep the current value; the
// merged result replaces the active snapshot wholesale.
type ConfigPatch struct {
	Strategy           *string
	MaxConcurrentLoads *int
	TierCapacities     map[Priority]int
	PriorityWeights    map[Priority]float64
	DistanceDecay      *float64
	DeadlineWeight     *float64
	BatchingEnabled    *bool
	BatchThreshold     *int
	Pressure           *PressureConfig
	PredictFloor       *float64
	PredictMaxChunks   *int
}

// Apply merges the patch over base and returns the new snapshot.
func (p ConfigPatch) Apply(base Config) Config {
	out := base
	if p.Strategy != nil {
		out.Strategy = *p.Strategy
	}
	if p.MaxConcurrentLoads != nil {
		out.MaxConcurrentLoads = *p.MaxConcurrentLoads
	}
	for tier, limit := range p.TierCapacities {
		if tier.Valid() {
			out.TierCapacities[tier] = limit
		}
	}
	for tier, w := range p.PriorityWeights {
		if tier.Valid() {
			out.PriorityWeights[tier] = w
		}
	}
	if p.DistanceDecay != nil {
		out.DistanceDecayFactor = *p.DistanceDecay
	}
	if p.DeadlineWeight != nil {
		out.DeadlineWeight = *p.DeadlineWeight
	}
	if p.BatchingEnabled != nil {
		out.BatchingEnabled = *p.BatchingEnabled
	}
	if p.BatchThreshold != nil {
		out.BatchThreshold = *p.BatchThreshold
	}
	if p.Pressure != nil {
		out.Pressure = *p.Pressure
	}
	if p.PredictFloor != nil {
		out.PredictConfidenceFloor = *p.PredictFloor
	}
	if p.PredictMaxChunks != nil {
		out.PredictMaxChunks = *p.PredictMaxChunks
	}
	return out
}
