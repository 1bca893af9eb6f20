package loader

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"worldstream/internal/scheduler"
)

// Pool runs N workers pulling dispatched requests from the scheduler,
// loading chunk content, and reporting completion. Concurrency is already
// capped by the scheduler; the worker count just needs to be >= the cap to
// saturate it.
type Pool struct {
	sched   *scheduler.Scheduler
	loader  ChunkLoader
	log     *log.Logger
	workers int

	// OnChunk, when set, receives every successfully loaded chunk.
	OnChunk func(*Chunk)

	wg sync.WaitGroup
}

func NewPool(sched *scheduler.Scheduler, loader ChunkLoader, workers int, logger *log.Logger) *Pool {
	if workers < 1 {
		workers = 1
	}
	return &Pool{
		sched:   sched,
		loader:  loader,
		log:     logger,
		workers: workers,
	}
}

// Start launches the workers. They exit when ctx is cancelled.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.run(ctx, i)
	}
}

// Wait blocks until all workers have exited.
func (p *Pool) Wait() { p.wg.Wait() }

func (p *Pool) run(ctx context.Context, id int) {
	defer p.wg.Done()
	for {
		req, err := p.sched.DispatchWait(ctx)
		if err != nil {
			return
		}
		start := time.Now()
		ch, lerr := p.loader.Load(ctx, *req)
		m := scheduler.LoadMetrics{Duration: time.Since(start)}
		if lerr == nil {
			m.Bytes = ch.SizeBytes()
		}
		if rerr := p.sched.ReportCompletion(req.ID, lerr == nil, m); rerr != nil {
			var nf *scheduler.NotFoundError
			if !errors.As(rerr, &nf) {
				p.log.Printf("worker %d: report %s: %v", id, req.ID, rerr)
			}
			// NotFound here means the request was cancelled mid-load.
			continue
		}
		if lerr != nil {
			p.log.Printf("worker %d: load %s (%d,%d): %v", id, req.ID, req.Chunk.CX, req.Chunk.CZ, lerr)
			continue
		}
		if p.OnChunk != nil {
			p.OnChunk(ch)
		}
	}
}
