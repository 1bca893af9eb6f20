package scheduler

import (
	"math"
	"sync"
	"time"
)

// Position is a player location in block coordinates (the world is a 2D
// tilemap; chunks are 16x16 blocks).
type Position struct {
	X float64
	Z float64
}

const (
	chunkSize  = 16
	chunkBytes = chunkSize * chunkSize * 2 // uint16 per block

	// maxHistory bounds the per-player sample window.
	maxHistory = 16

	// minPredictSpeed (blocks/s) below which a player counts as stationary
	// and prediction is pointless.
	minPredictSpeed = 0.5
)

// MovementVector is derived from the position history on every update and
// never persisted on its own.
type MovementVector struct {
	VX, VZ     float64 // blocks/s
	AX, AZ     float64 // blocks/s^2
	Heading    float64 // radians, atan2(vz, vx)
	Confidence float64 // [0,1], directional consistency over the window
}

func (v MovementVector) speed() float64 {
	return math.Hypot(v.VX, v.VZ)
}

type posSample struct {
	pos Position
	at  time.Time
}

type playerState struct {
	samples []posSample
	vec     MovementVector
	updated time.Time
}

// Predictor turns a stream of player position updates into movement vectors
// and speculative chunk-load drafts along the projected path.
type Predictor struct {
	mu      sync.Mutex
	players map[string]*playerState
}

func NewPredictor() *Predictor {
	return &Predictor{players: make(map[string]*playerState)}
}

// UpdatePosition appends a sample to the player's bounded history and
// recomputes the movement vector. Out-of-order samples are dropped.
func (p *Predictor) UpdatePosition(playerID string, pos Position, at time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()

	st := p.players[playerID]
	if st == nil {
		st = &playerState{}
		p.players[playerID] = st
	}
	if n := len(st.samples); n > 0 && !at.After(st.samples[n-1].at) {
		return
	}
	st.samples = append(st.samples, posSample{pos: pos, at: at})
	if len(st.samples) > maxHistory {
		st.samples = st.samples[len(st.samples)-maxHistory:]
	}
	st.updated = at
	st.vec = deriveVector(st.samples)
}

// deriveVector recomputes velocity, acceleration, heading and confidence from
// the sample window. Confidence rises with directional consistency between
// successive velocity segments and is zero until three samples exist.
func deriveVector(samples []posSample) MovementVector {
	var vec MovementVector
	if len(samples) < 2 {
		return vec
	}

	// Per-segment velocities.
	type seg struct{ vx, vz float64 }
	segs := make([]seg, 0, len(samples)-1)
	for i := 1; i < len(samples); i++ {
		dt := samples[i].at.Sub(samples[i-1].at).Seconds()
		if dt <= 0 {
			continue
		}
		segs = append(segs, seg{
			vx: (samples[i].pos.X - samples[i-1].pos.X) / dt,
			vz: (samples[i].pos.Z - samples[i-1].pos.Z) / dt,
		})
	}
	if len(segs) == 0 {
		return vec
	}

	last := segs[len(segs)-1]
	vec.VX, vec.VZ = last.vx, last.vz
	vec.Heading = math.Atan2(vec.VZ, vec.VX)

	if len(segs) >= 2 {
		first := segs[0]
		span := samples[len(samples)-1].at.Sub(samples[1].at).Seconds()
		if span > 0 {
			vec.AX = (last.vx - first.vx) / span
			vec.AZ = (last.vz - first.vz) / span
		}

		// Mean cosine similarity between successive segments, clamped at 0.
		// Straight-line movement scores 1; reversals and jitter pull it down.
		sum := 0.0
		pairs := 0
		for i := 1; i < len(segs); i++ {
			a, b := segs[i-1], segs[i]
			na := math.Hypot(a.vx, a.vz)
			nb := math.Hypot(b.vx, b.vz)
			if na == 0 || nb == 0 {
				pairs++
				continue
			}
			cos := (a.vx*b.vx + a.vz*b.vz) / (na * nb)
			if cos > 0 {
				sum += cos
			}
			pairs++
		}
		if pairs > 0 {
			vec.Confidence = sum / float64(pairs)
		}
	}
	if vec.speed() < minPredictSpeed {
		vec.Confidence = 0
	}
	return vec
}

// Vector returns the current movement vector for a player, if any.
func (p *Predictor) Vector(playerID string) (MovementVector, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := p.players[playerID]
	if st == nil {
		return MovementVector{}, false
	}
	return st.vec, true
}

// PredictParams gates and bounds prediction output; values come from the
// scheduler's config snapshot.
type PredictParams struct {
	ConfidenceFloor float64
	MaxChunks       int
}

// Predict projects the player forward by lookAhead using velocity and
// acceleration, and returns load drafts for the chunks along the path, nearest
// first. Near-path chunks are drafted high, decaying to low/background farther
// out. A player with no usable history yields no drafts; below the confidence
// floor only a truncated set (or nothing) is produced.
func (p *Predictor) Predict(playerID string, lookAhead time.Duration, params PredictParams) []LoadingRequest {
	p.mu.Lock()
	st := p.players[playerID]
	var vec MovementVector
	var origin Position
	if st != nil && len(st.samples) > 0 {
		vec = st.vec
		origin = st.samples[len(st.samples)-1].pos
	}
	p.mu.Unlock()

	if st == nil || lookAhead <= 0 || vec.Confidence < params.ConfidenceFloor {
		return nil
	}
	budget := int(vec.Confidence * float64(params.MaxChunks))
	if budget <= 0 {
		return nil
	}

	// Walk the projected path in chunk-size steps, collecting distinct chunks
	// in path order.
	horizon := lookAhead.Seconds()
	step := chunkSize / math.Max(vec.speed(), minPredictSpeed)
	seen := map[ChunkKey]struct{}{ChunkAt(origin): {}}
	var drafts []LoadingRequest
	for t := step; t <= horizon+step/2 && len(drafts) < budget; t += step {
		proj := Position{
			X: origin.X + vec.VX*t + 0.5*vec.AX*t*t,
			Z: origin.Z + vec.VZ*t + 0.5*vec.AZ*t*t,
		}
		key := ChunkAt(proj)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}

		center := Position{
			X: float64(key.CX*chunkSize) + chunkSize/2,
			Z: float64(key.CZ*chunkSize) + chunkSize/2,
		}
		drafts = append(drafts, LoadingRequest{
			Chunk:         key,
			Priority:      predictedTier(float64(len(drafts)) / float64(budget)),
			Distance:      math.Max(math.Hypot(center.X-origin.X, center.Z-origin.Z), 1),
			EstimatedSize: chunkBytes,
			Requester:     playerID,
			Meta:          map[string]string{"predicted": "1"},
		})
	}
	return drafts
}

// predictedTier decays priority along the path: the nearest quarter of the
// draft budget is high, then normal, then low, with the far tail as background.
func predictedTier(frac float64) Priority {
	switch {
	case frac <= 0.25:
		return PriorityHigh
	case frac <= 0.5:
		return PriorityNormal
	case frac <= 0.75:
		return PriorityLow
	default:
		return PriorityBackground
	}
}

// ChunkAt maps a block position to its chunk coordinate.
func ChunkAt(pos Position) ChunkKey {
	return ChunkKey{
		CX: int(math.Floor(pos.X / chunkSize)),
		CZ: int(math.Floor(pos.Z / chunkSize)),
	}
}

// Forget drops a player's tracking state (disconnect).
func (p *Predictor) Forget(playerID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.players, playerID)
}

// EvictIdle removes players whose last update is older than maxIdle. Returns
// the number evicted.
func (p *Predictor) EvictIdle(now time.Time, maxIdle time.Duration) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for id, st := range p.players {
		if now.Sub(st.updated) > maxIdle {
			delete(p.players, id)
			n++
		}
	}
	return n
}
