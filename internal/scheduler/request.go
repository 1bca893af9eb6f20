package scheduler

import (
	"fmt"
	"time"
)

// ChunkKey addresses a fixed-size world region in chunk coordinates.
type ChunkKey struct {
	CX int
	CZ int
}

func (k ChunkKey) String() string {
	return fmt.Sprintf("%d,%d", k.CX, k.CZ)
}

// Priority tiers, highest first. Each tier has its own admission capacity.
type Priority int

const (
	PriorityCritical Priority = iota
	PriorityHigh
	PriorityNormal
	PriorityLow
	PriorityBackground

	numPriorities = 5
)

func (p Priority) Valid() bool {
	return p >= PriorityCritical && p <= PriorityBackground
}

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	case PriorityBackground:
		return "background"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// ParsePriority maps the wire/config spelling back to a tier.
func ParsePriority(s string) (Priority, bool) {
	switch s {
	case "critical":
		return PriorityCritical, true
	case "high":
		return PriorityHigh, true
	case "normal":
		return PriorityNormal, true
	case "low":
		return PriorityLow, true
	case "background":
		return PriorityBackground, true
	}
	return 0, false
}

// LoadingRequest describes one chunk-load the scheduler should sequence.
// Immutable after submission; the scheduler never writes through it.
type LoadingRequest struct {
	ID            string
	Chunk         ChunkKey
	Priority      Priority
	Distance      float64 // blocks from the requester, > 0
	EstimatedSize int64   // bytes, > 0
	Requester     string
	SubmittedAt   time.Time
	Deadline      time.Time // zero means no deadline
	DependsOn     []string
	Meta          map[string]string
}

// worldBoundaryR bounds legal chunk coordinates, with generous slack over any
// world the generator will actually produce.
const worldBoundaryR = 1 << 20

// Validate enforces the structural constraints checked at submit time.
// Invalid requests are rejected before they touch any queue state.
func (r *LoadingRequest) Validate() error {
	if r.ID == "" {
		return &ValidationError{Field: "id", Reason: "empty"}
	}
	if !r.Priority.Valid() {
		return &ValidationError{Field: "priority", Reason: fmt.Sprintf("unknown tier %d", int(r.Priority))}
	}
	if !(r.Distance > 0) {
		return &ValidationError{Field: "distance", Reason: fmt.Sprintf("must be > 0, got %g", r.Distance)}
	}
	if r.EstimatedSize <= 0 {
		return &ValidationError{Field: "estimated_size", Reason: fmt.Sprintf("must be > 0, got %d", r.EstimatedSize)}
	}
	if r.Chunk.CX < -worldBoundaryR || r.Chunk.CX > worldBoundaryR ||
		r.Chunk.CZ < -worldBoundaryR || r.Chunk.CZ > worldBoundaryR {
		return &ValidationError{Field: "chunk", Reason: "coordinates out of world bounds"}
	}
	return nil
}

// RequestState is the lifecycle position of a submitted request. A request id
// is in exactly one state at any instant.
type RequestState int

const (
	StatePending RequestState = iota
	StateInProgress
	StateCompleted
	StateFailed
	StateCancelled
)

func (s RequestState) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateInProgress:
		return "in_progress"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// LoadMetrics is what the loader reports alongside completion.
type LoadMetrics struct {
	Duration time.Duration
	Bytes    int64
}
