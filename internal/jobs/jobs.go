// Package jobs runs load and frame work on a fixed set of worker goroutines.
//
// Jobs run to completion on one worker. Deferred jobs wait for a ready
// channel before they are queued, so a worker never blocks on a signal.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Faultbox/scenepose/internal/logger"
)

// ErrClosed is returned when submitting to a pool that is shutting down.
var ErrClosed = errors.New("job pool closed")

// Job is a unit of work. ctx is cancelled when the pool is torn down.
type Job func(ctx context.Context)

// Stats counts pool activity.
type Stats struct {
	Workers   int
	Submitted uint64
	Deferred  uint64
	Completed uint64
	Abandoned uint64
	Panics    uint64
}

// Pool is a fixed-size worker pool.
type Pool struct {
	workers int
	queue   chan Job
	group   *errgroup.Group
	cancel  context.CancelFunc
	abort   chan struct{}
	log     *zap.Logger

	mu      sync.RWMutex
	closed  bool
	pending sync.WaitGroup

	submitted atomic.Uint64
	deferred  atomic.Uint64
	completed atomic.Uint64
	abandoned atomic.Uint64
	panics    atomic.Uint64
}

// New starts a pool with the given number of workers. Zero or less means
// one worker per CPU.
func New(workers int) *Pool {
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	ctx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(ctx)

	p := &Pool{
		workers: workers,
		queue:   make(chan Job, workers*4),
		group:   g,
		cancel:  cancel,
		abort:   make(chan struct{}),
		log:     logger.Component("jobs"),
	}
	for i := 0; i < workers; i++ {
		g.Go(func() error {
			for job := range p.queue {
				p.run(gctx, job)
			}
			return nil
		})
	}
	p.log.Debug("worker pool started", zap.Int("workers", workers))
	return p
}

func (p *Pool) run(ctx context.Context, job Job) {
	defer p.pending.Done()
	defer func() {
		if r := recover(); r != nil {
			p.panics.Add(1)
			p.log.Error("job panicked", zap.Any("panic", r))
		}
	}()
	job(ctx)
	p.completed.Add(1)
}

// reserve counts a job as pending unless the pool is closed.
func (p *Pool) reserve() error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrClosed
	}
	p.pending.Add(1)
	return nil
}

// Submit queues a job. It blocks while the queue is full.
func (p *Pool) Submit(job Job) error {
	if err := p.reserve(); err != nil {
		return err
	}
	p.submitted.Add(1)
	p.queue <- job
	return nil
}

// Go queues a job and returns a channel closed when it has finished.
func (p *Pool) Go(job Job) (<-chan struct{}, error) {
	done := make(chan struct{})
	err := p.Submit(func(ctx context.Context) {
		defer close(done)
		job(ctx)
	})
	if err != nil {
		return nil, err
	}
	return done, nil
}

// Defer queues job once ready is closed or receives a value. If the pool
// is shut down before that, the job is dropped.
func (p *Pool) Defer(ready <-chan struct{}, job Job) error {
	if err := p.reserve(); err != nil {
		return err
	}
	p.deferred.Add(1)
	go func() {
		select {
		case <-ready:
			p.queue <- job
		case <-p.abort:
			p.abandoned.Add(1)
			p.log.Warn("deferred job abandoned at shutdown")
			p.pending.Done()
		}
	}()
	return nil
}

// Shutdown stops accepting jobs and waits for queued and deferred jobs.
// When ctx expires first, deferred jobs still waiting for their signal are
// dropped and running jobs are allowed to finish.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	p.closed = true
	p.mu.Unlock()

	idle := make(chan struct{})
	go func() {
		p.pending.Wait()
		close(idle)
	}()

	var err error
	select {
	case <-idle:
	case <-ctx.Done():
		err = fmt.Errorf("job pool shutdown: %w", ctx.Err())
		close(p.abort)
		<-idle
	}

	close(p.queue)
	if werr := p.group.Wait(); werr != nil && err == nil {
		err = werr
	}
	p.cancel()
	p.log.Debug("worker pool stopped", zap.Uint64("completed", p.completed.Load()))
	return err
}

// Close shuts the pool down, waiting for every pending job.
func (p *Pool) Close() error {
	return p.Shutdown(context.Background())
}

// Workers returns the number of worker goroutines.
func (p *Pool) Workers() int {
	return p.workers
}

// Stats returns a snapshot of the counters.
func (p *Pool) Stats() Stats {
	return Stats{
		Workers:   p.workers,
		Submitted: p.submitted.Load(),
		Deferred:  p.deferred.Load(),
		Completed: p.completed.Load(),
		Abandoned: p.abandoned.Load(),
		Panics:    p.panics.Load(),
	}
}
