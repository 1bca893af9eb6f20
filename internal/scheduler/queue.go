package scheduler

import (
	"container/heap"
	"time"
)

// entry is the scheduler-side record for one submitted request. The embedded
// request stays immutable; all lifecycle state lives here.
type entry struct {
	req  *LoadingRequest
	seq  uint64 // admission order, the deterministic tie-breaker
	tier Priority

	state     RequestState
	tombstone bool // cancelled while pending; skipped lazily by every index
	taken     bool // consumed by take; skipped lazily by the remaining indexes

	retries    int
	resolvedAt time.Time
}

// dead reports whether pending indexes should skip this entry.
func (e *entry) dead() bool { return e.tombstone || e.taken }

// requestQueue holds pending requests under several lazily-maintained indexes
// so each strategy takes its best entry in O(log n): a per-tier admission ring
// and a per-tier (distance, seq) heap, plus a (deadline, seq) heap, a
// seq-ordered pool of expired deadlines, and an admission ring of deadline-free
// entries for the deadline strategy's fifo fallback.
//
// An entry lives in more than one index. Whichever index yields it first wins;
// the others skip it lazily via the taken/tombstone flags when it surfaces, so
// no index ever needs arbitrary removal and every entry costs O(log n)
// amortized over its lifetime regardless of how it leaves.
//
// Not safe for concurrent use. The owning Scheduler serializes access.
type requestQueue struct {
	arrival    [numPriorities]fifoRing  // admission order per tier
	nearest    [numPriorities]entryHeap // (distance, seq) per tier
	byDeadline entryHeap                // entries with a deadline, (deadline, seq)
	demoted    entryHeap                // expired deadlines, (seq)
	undated    fifoRing                 // entries without a deadline, admission order

	live  [numPriorities]int // pending entries per tier minus tombstones
	ready bool
}

func (q *requestQueue) lazyInit() {
	if q.ready {
		return
	}
	q.ready = true
	for p := range q.nearest {
		q.nearest[p].less = closer
	}
	q.byDeadline.less = earlierDeadline
	q.demoted.less = earlierSeq
}

// push admits e into its tier. Capacity is checked against the live count so
// tombstoned entries never block admission.
func (q *requestQueue) push(e *entry, caps *[numPriorities]int) error {
	limit := caps[e.tier]
	if limit != tierUnbounded && q.live[e.tier] >= limit {
		return &CapacityError{Tier: e.tier, Capacity: limit}
	}
	q.lazyInit()
	q.arrival[e.tier].push(e)
	q.nearest[e.tier].add(e)
	if e.req.Deadline.IsZero() {
		q.undated.push(e)
	} else {
		q.byDeadline.add(e)
	}
	q.live[e.tier]++
	return nil
}

// hasSpace reports whether a request of tier p would currently be admitted.
func (q *requestQueue) hasSpace(p Priority, caps *[numPriorities]int) bool {
	limit := caps[p]
	return limit == tierUnbounded || q.live[p] < limit
}

// tombstoneCancel marks a pending entry cancelled. Its index slots are
// reclaimed whenever they next surface; indexes do not support efficient
// arbitrary removal, so deletion is lazy by design.
func (q *requestQueue) tombstoneCancel(e *entry) {
	if e.state != StatePending || e.dead() {
		return
	}
	e.tombstone = true
	q.live[e.tier]--
}

// take removes and returns the highest-ranked eligible pending entry for the
// given strategy, or nil when nothing is eligible.
func (q *requestQueue) take(s Strategy, cfg *Config, now time.Time) *entry {
	q.lazyInit()
	e := s.pick(q, cfg, now)
	if e == nil {
		return nil
	}
	e.taken = true
	q.live[e.tier]--
	invariant(q.live[e.tier] >= 0, "tier %s live count went negative", e.tier)
	return e
}

// depth reports live pending entries for tier p.
func (q *requestQueue) depth(p Priority) int { return q.live[p] }

func (q *requestQueue) totalPending() int {
	n := 0
	for p := PriorityCritical; p <= PriorityBackground; p++ {
		n += q.live[p]
	}
	return n
}

// fifoRing is an admission-ordered queue with an advancing head. Dead entries
// are skipped in amortized constant time; the consumed prefix is reclaimed
// once it dominates the backing slice.
type fifoRing struct {
	items []*entry
	head  int
}

func (r *fifoRing) push(e *entry) { r.items = append(r.items, e) }

// peek returns the oldest live entry without consuming it, or nil.
func (r *fifoRing) peek() *entry {
	for r.head < len(r.items) {
		if e := r.items[r.head]; !e.dead() {
			return e
		}
		r.items[r.head] = nil
		r.head++
	}
	r.compact()
	return nil
}

func (r *fifoRing) pop() *entry {
	e := r.peek()
	if e == nil {
		return nil
	}
	r.items[r.head] = nil
	r.head++
	r.compact()
	return e
}

func (r *fifoRing) compact() {
	switch {
	case r.head == len(r.items):
		r.items = r.items[:0]
		r.head = 0
	case r.head >= 64 && r.head*2 >= len(r.items):
		n := copy(r.items, r.items[r.head:])
		clear(r.items[n:])
		r.items = r.items[:n]
		r.head = 0
	}
}

// entryHeap is a binary min-heap under the ordering in less. Dead entries are
// dropped lazily when they surface at the top.
type entryHeap struct {
	less  func(a, b *entry) bool
	items []*entry
}

func (h *entryHeap) Len() int           { return len(h.items) }
func (h *entryHeap) Less(i, j int) bool { return h.less(h.items[i], h.items[j]) }
func (h *entryHeap) Swap(i, j int)      { h.items[i], h.items[j] = h.items[j], h.items[i] }
func (h *entryHeap) Push(x any)         { h.items = append(h.items, x.(*entry)) }

func (h *entryHeap) Pop() any {
	n := len(h.items) - 1
	e := h.items[n]
	h.items[n] = nil
	h.items = h.items[:n]
	return e
}

func (h *entryHeap) add(e *entry) { heap.Push(h, e) }

// top returns the best live entry without removing it, shedding dead entries
// that have surfaced.
func (h *entryHeap) top() *entry {
	for len(h.items) > 0 && h.items[0].dead() {
		heap.Pop(h)
	}
	if len(h.items) == 0 {
		return nil
	}
	return h.items[0]
}

func (h *entryHeap) take() *entry {
	if h.top() == nil {
		return nil
	}
	return heap.Pop(h).(*entry)
}

// compact drops dead entries wholesale and restores the heap property. Callers
// invoke it when a scan finds the array mostly dead, so the cost amortizes.
func (h *entryHeap) compact() {
	kept := h.items[:0]
	for _, e := range h.items {
		if !e.dead() {
			kept = append(kept, e)
		}
	}
	clear(h.items[len(kept):])
	h.items = kept
	heap.Init(h)
}

func earlierDeadline(a, b *entry) bool {
	if !a.req.Deadline.Equal(b.req.Deadline) {
		return a.req.Deadline.Before(b.req.Deadline)
	}
	return a.seq < b.seq
}

func earlierSeq(a, b *entry) bool { return a.seq < b.seq }
