package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// Event is a lifecycle notification for observers (event log, index DB).
// Sinks receive events with the scheduler lock held, so per-id events arrive
// in state-machine order. Record must return quickly — drop rather than block
// — and must not call back into the scheduler.
type Event struct {
	Kind       string    `json:"kind"` // submit|dispatch|complete|fail|cancel
	Time       time.Time `json:"time"`
	ID         string    `json:"id,omitempty"`
	Chunk      ChunkKey  `json:"-"`
	CX         int       `json:"cx"`
	CZ         int       `json:"cz"`
	Tier       string    `json:"tier,omitempty"`
	Requester  string    `json:"requester,omitempty"`
	DurationMs float64   `json:"duration_ms,omitempty"`
	Retries    int       `json:"retries,omitempty"`
	Reason     string    `json:"reason,omitempty"`
}

type EventSink interface {
	Record(Event)
}

// MultiSink fans each event out to several sinks in order.
type MultiSink []EventSink

func (m MultiSink) Record(ev Event) {
	for _, s := range m {
		s.Record(ev)
	}
}

// Scheduler sequences and throttles chunk-load requests. One instance is
// shared by many producers (tick, network handlers, the predictor funnel) and
// many consumer workers pulling via DispatchNext/DispatchWait.
//
// All queue mutations are serialized under one mutex, so they are
// linearizable: no lost updates, no duplicate dispatch of an id.
type Scheduler struct {
	clock     Clock
	cfg       atomic.Pointer[Config]
	predictor *Predictor
	sink      EventSink

	mu    sync.Mutex
	space *sync.Cond // tier space freed (take or pending cancel)
	work  *sync.Cond // work available or in-progress slot freed

	queue      requestQueue
	active     map[string]*entry // pending + in-progress, by id
	inProgress map[string]*entry
	failures   map[string]int // failed attempts per id, survives resubmission
	seq        uint64

	// predictedAt is when each chunk was last drafted by the prediction
	// funnel; movement samples arrive far faster than the pending set turns
	// over, and without this window every sample would resubmit the same
	// projected chunks under fresh ids.
	predictedAt map[ChunkKey]time.Time

	admitted       uint64
	completedCount uint64
	failedCount    uint64
	cancelledCount uint64
	dispatched     uint64

	predictedSubmitted uint64
	predictedDropped   uint64

	avgLoadMs      float64
	avgLoadSamples uint64
}

// emaAlpha weighs the newest load duration into the rolling average.
const emaAlpha = 0.2

// predictRedraftTTL is how long a chunk drafted by the predictor stays
// ineligible for re-drafting.
const predictRedraftTTL = 30 * time.Second

type Option func(*Scheduler)

func WithClock(c Clock) Option {
	return func(s *Scheduler) { s.clock = c }
}

func WithEventSink(sink EventSink) Option {
	return func(s *Scheduler) { s.sink = sink }
}

func New(cfg Config, opts ...Option) (*Scheduler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Scheduler{
		clock:       SystemClock(),
		predictor:   NewPredictor(),
		active:      make(map[string]*entry),
		inProgress:  make(map[string]*entry),
		failures:    make(map[string]int),
		predictedAt: make(map[ChunkKey]time.Time),
	}
	s.cfg.Store(&cfg)
	s.space = sync.NewCond(&s.mu)
	s.work = sync.NewCond(&s.mu)
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *Scheduler) Predictor() *Predictor { return s.predictor }

// Config returns the current configuration snapshot.
func (s *Scheduler) Config() Config { return *s.cfg.Load() }

// UpdateConfiguration merges the patch into the current configuration and
// swaps the snapshot wholesale. It takes effect on the next dispatch; the
// existing pending set is not re-sorted. Writers are serialized under the
// scheduler lock so concurrent patches cannot merge over the same base and
// lose each other; readers keep the lock-free atomic snapshot.
func (s *Scheduler) UpdateConfiguration(patch ConfigPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	merged := patch.Apply(*s.cfg.Load())
	if err := merged.Validate(); err != nil {
		return err
	}
	s.cfg.Store(&merged)
	s.space.Broadcast()
	s.work.Broadcast()
	return nil
}

// Submit validates and enqueues without blocking. A saturated tier yields a
// CapacityError; the caller decides whether to retry or drop.
func (s *Scheduler) Submit(req LoadingRequest) error {
	if err := req.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	err := s.admitLocked(&req)
	s.mu.Unlock()
	return err
}

// SubmitWait enqueues, suspending the caller while the target tier is
// saturated. It returns when admitted, or with ctx's error on cancellation.
// Admission is attempted directly and retried on CapacityError, so a capacity
// shrink between wakeups re-waits instead of surfacing a spurious rejection.
func (s *Scheduler) SubmitWait(ctx context.Context, req LoadingRequest) error {
	if err := req.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		err := s.admitLocked(&req)
		var capErr *CapacityError
		if !errors.As(err, &capErr) {
			return err
		}
		if werr := s.condWait(ctx, s.space); werr != nil {
			return werr
		}
	}
}

// SubmitBatch admits requests individually and reports one error slot per
// request (nil on success). With batching enabled and the batch at or above
// the threshold, admission happens under a single critical section.
func (s *Scheduler) SubmitBatch(reqs []LoadingRequest) []error {
	errs := make([]error, len(reqs))
	cfg := s.cfg.Load()
	if !cfg.BatchingEnabled || len(reqs) < cfg.BatchThreshold {
		for i := range reqs {
			errs[i] = s.Submit(reqs[i])
		}
		return errs
	}

	s.mu.Lock()
	for i := range reqs {
		if err := reqs[i].Validate(); err != nil {
			errs[i] = err
			continue
		}
		errs[i] = s.admitLocked(&reqs[i])
	}
	s.mu.Unlock()
	return errs
}

// admitLocked performs the state mutation of a submit and emits the submit
// event. Caller holds s.mu and has validated the request.
func (s *Scheduler) admitLocked(req *LoadingRequest) error {
	if _, dup := s.active[req.ID]; dup {
		return &ValidationError{Field: "id", Reason: "duplicate of an active request"}
	}
	if req.SubmittedAt.IsZero() {
		req.SubmittedAt = s.clock.Now()
	}
	e := &entry{
		req:     req,
		seq:     s.seq,
		tier:    req.Priority,
		state:   StatePending,
		retries: s.failures[req.ID],
	}
	caps := s.cfg.Load().TierCapacities
	if err := s.queue.push(e, &caps); err != nil {
		return err
	}
	s.seq++
	s.admitted++
	s.active[req.ID] = e
	s.work.Broadcast()
	s.emit(Event{
		Kind: "submit", Time: req.SubmittedAt, ID: req.ID,
		Chunk: req.Chunk, CX: req.Chunk.CX, CZ: req.Chunk.CZ,
		Tier: req.Priority.String(), Requester: req.Requester,
	})
	return nil
}

// DispatchNext hands out the next request per the active strategy, or reports
// none promptly. It never blocks; wait/backoff is the caller's policy (or use
// DispatchWait).
func (s *Scheduler) DispatchNext() (*LoadingRequest, bool) {
	cfg := s.cfg.Load()
	s.mu.Lock()
	req := s.dispatchLocked(cfg)
	s.mu.Unlock()
	return req, req != nil
}

// DispatchWait blocks until a request is dispatchable or ctx ends. The "work
// available" signal is raised by submits, completions and config updates.
func (s *Scheduler) DispatchWait(ctx context.Context) (*LoadingRequest, error) {
	s.mu.Lock()
	for {
		cfg := s.cfg.Load()
		if req := s.dispatchLocked(cfg); req != nil {
			s.mu.Unlock()
			return req, nil
		}
		if err := s.condWait(ctx, s.work); err != nil {
			s.mu.Unlock()
			return nil, err
		}
	}
}

func (s *Scheduler) dispatchLocked(cfg *Config) *LoadingRequest {
	if len(s.inProgress) >= cfg.MaxConcurrentLoads {
		return nil
	}
	strat, ok := strategyByName(cfg.Strategy)
	if !ok {
		// Validate() guards every config write; reaching here is a bug.
		invariant(false, "active config carries unknown strategy %q", cfg.Strategy)
		return nil
	}
	e := s.queue.take(strat, cfg, s.clock.Now())
	if e == nil {
		return nil
	}
	invariant(e.state == StatePending, "dispatched %s from state %s", e.req.ID, e.state)
	e.state = StateInProgress
	s.inProgress[e.req.ID] = e
	s.dispatched++
	invariant(len(s.inProgress) <= cfg.MaxConcurrentLoads,
		"in-progress %d exceeds cap %d", len(s.inProgress), cfg.MaxConcurrentLoads)
	// A take frees tier space; wake blocked submitters.
	s.space.Broadcast()
	s.emit(Event{
		Kind: "dispatch", Time: s.clock.Now(), ID: e.req.ID,
		Chunk: e.req.Chunk, CX: e.req.Chunk.CX, CZ: e.req.Chunk.CZ,
		Tier: e.req.Priority.String(), Requester: e.req.Requester,
	})
	return e.req
}

// ReportCompletion resolves an in-progress request. Success feeds the rolling
// average load time (EMA, never a full recomputation). Unknown or
// already-resolved ids return NotFoundError and mutate nothing.
func (s *Scheduler) ReportCompletion(id string, success bool, m LoadMetrics) error {
	now := s.clock.Now()
	s.mu.Lock()
	e, ok := s.inProgress[id]
	if !ok {
		s.mu.Unlock()
		return &NotFoundError{ID: id}
	}
	delete(s.inProgress, id)
	delete(s.active, id)
	e.resolvedAt = now

	ev := Event{
		Kind: "complete", Time: now, ID: id,
		Chunk: e.req.Chunk, CX: e.req.Chunk.CX, CZ: e.req.Chunk.CZ,
		Tier: e.req.Priority.String(), Requester: e.req.Requester,
		DurationMs: float64(m.Duration.Milliseconds()),
	}
	if success {
		e.state = StateCompleted
		s.completedCount++
		ms := float64(m.Duration) / float64(time.Millisecond)
		if s.avgLoadSamples == 0 {
			s.avgLoadMs = ms
		} else {
			s.avgLoadMs = emaAlpha*ms + (1-emaAlpha)*s.avgLoadMs
		}
		s.avgLoadSamples++
	} else {
		e.state = StateFailed
		s.failedCount++
		s.failures[id] = e.retries + 1
		ev.Kind = "fail"
		ev.Retries = s.failures[id]
	}
	// An in-progress slot freed; dispatchers may proceed.
	s.work.Broadcast()
	s.emit(ev)
	s.mu.Unlock()
	return nil
}

// Cancel is best-effort. Pending requests are tombstoned (reaped lazily at
// take time); in-progress requests are detached so their eventual completion
// report resolves as NotFound. Returns whether cancellation took effect.
func (s *Scheduler) Cancel(id, reason string) (bool, error) {
	now := s.clock.Now()
	s.mu.Lock()
	e, ok := s.active[id]
	if !ok {
		s.mu.Unlock()
		return false, &NotFoundError{ID: id}
	}
	switch e.state {
	case StatePending:
		s.queue.tombstoneCancel(e)
		s.space.Broadcast()
	case StateInProgress:
		delete(s.inProgress, e.req.ID)
		s.work.Broadcast()
	default:
		invariant(false, "active entry %s in state %s", id, e.state)
	}
	delete(s.active, id)
	e.state = StateCancelled
	e.resolvedAt = now
	s.cancelledCount++
	s.emit(Event{
		Kind: "cancel", Time: now, ID: id,
		Chunk: e.req.Chunk, CX: e.req.Chunk.CX, CZ: e.req.Chunk.CZ,
		Tier: e.req.Priority.String(), Requester: e.req.Requester, Reason: reason,
	})
	s.mu.Unlock()
	return true, nil
}

// UpdateMovement records a player position sample and funnels the resulting
// speculative drafts through the normal submit path, so predictions obey the
// same admission rules as explicit requests. Capacity rejections of
// speculative work are counted, not errors.
func (s *Scheduler) UpdateMovement(playerID string, pos Position, at time.Time) int {
	s.predictor.UpdatePosition(playerID, pos, at)
	cfg := s.cfg.Load()
	lookAhead := time.Duration(cfg.PredictLookAheadS * float64(time.Second))
	drafts := s.dedupDrafts(s.Predict(playerID, lookAhead))
	if len(drafts) == 0 {
		return 0
	}
	errs := s.SubmitBatch(drafts)
	ok := 0
	for _, err := range errs {
		if err == nil {
			ok++
		}
	}
	s.mu.Lock()
	s.predictedSubmitted += uint64(ok)
	s.predictedDropped += uint64(len(errs) - ok)
	s.mu.Unlock()
	return ok
}

// dedupDrafts drops drafts for chunks the prediction funnel already covered
// within the redraft window. Successive movement samples project onto mostly
// the same path, and re-admitting those chunks under fresh ids would burn the
// concurrency budget on duplicate loads. Explicit submits are unaffected.
func (s *Scheduler) dedupDrafts(drafts []LoadingRequest) []LoadingRequest {
	if len(drafts) == 0 {
		return drafts
	}
	now := s.clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, at := range s.predictedAt {
		if now.Sub(at) > predictRedraftTTL {
			delete(s.predictedAt, key)
		}
	}
	kept := drafts[:0]
	for _, d := range drafts {
		if _, dup := s.predictedAt[d.Chunk]; dup {
			continue
		}
		s.predictedAt[d.Chunk] = now
		kept = append(kept, d)
	}
	return kept
}

// Predict returns the speculative drafts for a player without submitting
// them, ids assigned. A player with no history yields none.
func (s *Scheduler) Predict(playerID string, lookAhead time.Duration) []LoadingRequest {
	cfg := s.cfg.Load()
	drafts := s.predictor.Predict(playerID, lookAhead, PredictParams{
		ConfidenceFloor: cfg.PredictConfidenceFloor,
		MaxChunks:       cfg.PredictMaxChunks,
	})
	now := s.clock.Now()
	for i := range drafts {
		drafts[i].ID = newRequestID()
		drafts[i].SubmittedAt = now
	}
	return drafts
}

// Snapshot is the O(1) observability view: counts and summaries only, never
// materialized pending lists.
type Snapshot struct {
	Strategy           string         `json:"strategy"`
	MaxConcurrentLoads int            `json:"max_concurrent_loads"`
	Pending            int            `json:"pending"`
	PendingByTier      map[string]int `json:"pending_by_tier"`
	InProgress         int            `json:"in_progress"`
	Completed          uint64         `json:"completed"`
	Failed             uint64         `json:"failed"`
	Cancelled          uint64         `json:"cancelled"`
	Admitted           uint64         `json:"admitted"`
	TotalProcessed     uint64         `json:"total_processed"`
	AvgLoadMs          float64        `json:"avg_load_ms"`
}

func (s *Scheduler) Inspect() Snapshot {
	cfg := s.cfg.Load()
	s.mu.Lock()
	defer s.mu.Unlock()
	byTier := make(map[string]int, numPriorities)
	for p := PriorityCritical; p <= PriorityBackground; p++ {
		byTier[p.String()] = s.queue.depth(p)
	}
	return Snapshot{
		Strategy:           cfg.Strategy,
		MaxConcurrentLoads: cfg.MaxConcurrentLoads,
		Pending:            s.queue.totalPending(),
		PendingByTier:      byTier,
		InProgress:         len(s.inProgress),
		Completed:          s.completedCount,
		Failed:             s.failedCount,
		Cancelled:          s.cancelledCount,
		Admitted:           s.admitted,
		TotalProcessed:     s.completedCount + s.failedCount,
		AvgLoadMs:          s.avgLoadMs,
	}
}

// Metrics are the performance counters beyond the lifecycle counts.
type Metrics struct {
	AvgLoadMs          float64 `json:"avg_load_ms"`
	LoadSamples        uint64  `json:"load_samples"`
	Dispatched         uint64  `json:"dispatched"`
	PredictedSubmitted uint64  `json:"predicted_submitted"`
	PredictedDropped   uint64  `json:"predicted_dropped"`
}

func (s *Scheduler) PerformanceMetrics() Metrics {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Metrics{
		AvgLoadMs:          s.avgLoadMs,
		LoadSamples:        s.avgLoadSamples,
		Dispatched:         s.dispatched,
		PredictedSubmitted: s.predictedSubmitted,
		PredictedDropped:   s.predictedDropped,
	}
}

// condWait waits on cond while honoring ctx. Caller holds s.mu; the lock is
// held again on return. Callers must re-check their condition in a loop.
func (s *Scheduler) condWait(ctx context.Context, cond *sync.Cond) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	stop := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			s.mu.Lock()
			cond.Broadcast()
			s.mu.Unlock()
		case <-stop:
		}
	}()
	cond.Wait()
	close(stop)
	return ctx.Err()
}

func (s *Scheduler) emit(ev Event) {
	if s.sink != nil && ev.Kind != "" {
		s.sink.Record(ev)
	}
}
