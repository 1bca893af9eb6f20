package scheduler

import "time"

// Strategy names as they appear in config and on the wire.
const (
	StrategyFIFO     = "fifo"
	StrategyPriority = "priority_based"
	StrategyDistance = "distance_based"
	StrategyDeadline = "deadline_driven"
	StrategyAdaptive = "adaptive"
)

// Strategy ranks eligible pending requests at take time. Exactly one is active
// per dispatch, resolved from the config snapshot.
//
// pick consumes the winner from whichever queue index it used and may leave it
// behind in the others; requestQueue.take retires it everywhere via the taken
// flag. For a fixed pending set and a fixed now, pick is deterministic.
type Strategy interface {
	Name() string
	pick(q *requestQueue, cfg *Config, now time.Time) *entry
}

var strategies = map[string]Strategy{
	StrategyFIFO:     fifoStrategy{},
	StrategyPriority: priorityStrategy{},
	StrategyDistance: distanceStrategy{},
	StrategyDeadline: deadlineStrategy{},
	StrategyAdaptive: adaptiveStrategy{},
}

func strategyByName(name string) (Strategy, bool) {
	s, ok := strategies[name]
	return s, ok
}

// fifo: insertion order within the highest non-empty tier.
type fifoStrategy struct{}

func (fifoStrategy) Name() string { return StrategyFIFO }
func (fifoStrategy) pick(q *requestQueue, _ *Config, _ time.Time) *entry {
	for p := PriorityCritical; p <= PriorityBackground; p++ {
		if q.live[p] == 0 {
			continue
		}
		if e := q.arrival[p].pop(); e != nil {
			return e
		}
	}
	return nil
}

// priority_based: tier order, ties broken by ascending distance.
type priorityStrategy struct{}

func (priorityStrategy) Name() string { return StrategyPriority }
func (priorityStrategy) pick(q *requestQueue, _ *Config, _ time.Time) *entry {
	for p := PriorityCritical; p <= PriorityBackground; p++ {
		if q.live[p] == 0 {
			continue
		}
		if e := q.nearest[p].take(); e != nil {
			return e
		}
	}
	return nil
}

// distance_based: ascending distance across the whole pending set. Tier
// capacities still gate admission; distance only affects ordering. The global
// minimum is the best of the per-tier heap tops.
type distanceStrategy struct{}

func (distanceStrategy) Name() string { return StrategyDistance }
func (distanceStrategy) pick(q *requestQueue, _ *Config, _ time.Time) *entry {
	best := PriorityCritical
	var bestE *entry
	for p := PriorityCritical; p <= PriorityBackground; p++ {
		e := q.nearest[p].top()
		if e == nil {
			continue
		}
		if bestE == nil || closer(e, bestE) {
			best, bestE = p, e
		}
	}
	if bestE == nil {
		return nil
	}
	return q.nearest[best].take()
}

// deadline_driven: live deadlines in ascending order; requests without a
// deadline, and requests whose deadline already passed, are demoted to fifo
// treatment among themselves rather than discarded.
type deadlineStrategy struct{}

func (deadlineStrategy) Name() string { return StrategyDeadline }
func (deadlineStrategy) pick(q *requestQueue, _ *Config, now time.Time) *entry {
	// Expired deadlines migrate to the seq-ordered demoted pool. Demotion is
	// permanent: deadlines only recede further into the past.
	for {
		e := q.byDeadline.top()
		if e == nil || e.req.Deadline.After(now) {
			break
		}
		q.demoted.add(q.byDeadline.take())
	}
	if q.byDeadline.top() != nil {
		return q.byDeadline.take()
	}
	d, u := q.demoted.top(), q.undated.peek()
	switch {
	case d == nil && u == nil:
		return nil
	case u == nil || (d != nil && d.seq < u.seq):
		return q.demoted.take()
	default:
		return q.undated.pop()
	}
}

// adaptive: highest score wins, where
//
//	score = priorityWeight - distance*distanceDecayFactor + deadlineUrgency*deadlineWeight
//
// and priorityWeight is dampened for low/background work while any configured
// pressure signal (memory/cpu/network) exceeds its threshold. Pressure lowers
// dispatch priority; it never rejects.
//
// Within a tier the urgency-free score is monotone in distance, so each tier's
// nearest-heap top dominates the rest of its tier. The candidates are those
// five tops plus every entry carrying a deadline, whose time-varying urgency
// the heaps cannot order.
type adaptiveStrategy struct{}

func (adaptiveStrategy) Name() string { return StrategyAdaptive }
func (adaptiveStrategy) pick(q *requestQueue, cfg *Config, now time.Time) *entry {
	var best *entry
	var bestScore float64
	consider := func(e *entry) {
		if e == nil || e.dead() {
			return
		}
		s := adaptiveScore(e, cfg, now)
		if best == nil || s > bestScore || (s == bestScore && e.seq < best.seq) {
			best, bestScore = e, s
		}
	}
	scan := func(h *entryHeap) {
		dead := 0
		for _, e := range h.items {
			if e.dead() {
				dead++
				continue
			}
			consider(e)
		}
		if dead > len(h.items)/2 {
			h.compact()
		}
	}
	for p := PriorityCritical; p <= PriorityBackground; p++ {
		consider(q.nearest[p].top())
	}
	scan(&q.byDeadline)
	scan(&q.demoted)
	return best
}

func adaptiveScore(e *entry, cfg *Config, now time.Time) float64 {
	w := cfg.PriorityWeights[e.tier]
	if n := exceededSignals(cfg.Pressure); n > 0 && e.tier > PriorityNormal {
		w /= float64(1 + n)
	}
	return w - e.req.Distance*cfg.DistanceDecayFactor + deadlineUrgency(e, now)*cfg.DeadlineWeight
}

// deadlineUrgency is 0 without a deadline, 1 at/after the deadline, and decays
// hyperbolically with the seconds remaining.
func deadlineUrgency(e *entry, now time.Time) float64 {
	if e.req.Deadline.IsZero() {
		return 0
	}
	remaining := e.req.Deadline.Sub(now).Seconds()
	if remaining <= 0 {
		return 1
	}
	return 1 / (1 + remaining)
}

func exceededSignals(p PressureConfig) int {
	n := 0
	if p.MemoryThresholdPct > 0 && p.MemoryPct > p.MemoryThresholdPct {
		n++
	}
	if p.CPUThresholdPct > 0 && p.CPUPct > p.CPUThresholdPct {
		n++
	}
	if p.NetworkThresholdMs > 0 && p.NetworkLatencyMs > p.NetworkThresholdMs {
		n++
	}
	return n
}

func closer(a, b *entry) bool {
	if a.req.Distance != b.req.Distance {
		return a.req.Distance < b.req.Distance
	}
	return a.seq < b.seq
}
