// Package engine ties the pools, the device, the worker pool and the
// per-model pipeline together.
//
// An Engine owns the memory pools and workers. Each loaded model is an
// Instance with its own resource handles, layout and frame state; loads
// and frame updates run as jobs on the engine's workers.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/Faultbox/scenepose/internal/config"
	"github.com/Faultbox/scenepose/internal/gpu"
	"github.com/Faultbox/scenepose/internal/jobs"
	"github.com/Faultbox/scenepose/internal/logger"
	"github.com/Faultbox/scenepose/internal/pool"
	"github.com/Faultbox/scenepose/internal/resources"
)

// Engine errors.
var (
	ErrNotLoaded     = errors.New("model not loaded")
	ErrResourcesLive = errors.New("pool regions still in use")
)

// Engine owns the memory pools and the worker pool.
type Engine struct {
	cfg   *config.Config
	dev   gpu.Device
	pools pool.Set
	jobs  *jobs.Pool
	log   *zap.Logger

	mu        sync.Mutex
	instances map[*Instance]struct{}
}

// poolAlignment returns the allocation granularity of a pool kind.
func poolAlignment(k pool.Kind, caps gpu.Caps) uint64 {
	copyAlign := max(caps.CopyAlignment, 1)
	uniAlign := max(caps.UniformAlignment, 1)
	switch k {
	case pool.Bind:
		return max(copyAlign, uniAlign)
	case pool.Staging:
		return copyAlign
	case pool.DescriptorResource, pool.DescriptorSampler:
		return uniAlign
	default:
		return 1
	}
}

// New allocates the pools on dev and starts the workers.
func New(cfg *config.Config, dev gpu.Device) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	e := &Engine{
		cfg:       cfg,
		dev:       dev,
		log:       logger.Component("engine"),
		instances: make(map[*Instance]struct{}),
	}

	caps := dev.Caps()
	for k := range pool.KindCount {
		pc := cfg.Pools.Get(k)
		mem, err := dev.AllocatePool(k, uint64(pc.Capacity))
		if err != nil {
			return nil, fmt.Errorf("allocate %s pool: %w", k, err)
		}
		p, err := pool.New(k, mem.Bytes, pool.Options{
			Capacity:  uint64(pc.Capacity),
			Alignment: poolAlignment(k, caps),
			Floor:     uint64(pc.Floor),
		})
		if err != nil {
			return nil, err
		}
		e.pools[k] = p
	}

	e.jobs = jobs.New(cfg.Jobs.Workers)
	e.log.Info("engine started",
		zap.Int("workers", e.jobs.Workers()),
		zap.Bool("unified", caps.UnifiedMemory),
		zap.Bool("explicit_descriptors", caps.ExplicitDescriptors))
	return e, nil
}

// Device returns the engine's device.
func (e *Engine) Device() gpu.Device {
	return e.dev
}

// Pools returns the engine's memory pools.
func (e *Engine) Pools() *pool.Set {
	return &e.pools
}

// Jobs returns the engine's worker pool.
func (e *Engine) Jobs() *jobs.Pool {
	return e.jobs
}

// Config returns the engine configuration.
func (e *Engine) Config() *config.Config {
	return e.cfg
}

// PoolStats returns the usage of every pool.
func (e *Engine) PoolStats() []pool.Stats {
	stats := make([]pool.Stats, 0, pool.KindCount)
	for _, p := range e.pools {
		stats = append(stats, p.Stats())
	}
	return stats
}

// ResetPools rewinds every pool to its floor. It fails while any instance
// still owns assets or has a cleanup in flight, since their regions would
// be handed out again.
func (e *Engine) ResetPools() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for inst := range e.instances {
		if inst.Handles().State() != resources.Empty || inst.Handles().Pending() > 0 {
			return fmt.Errorf("reset pools: %w", ErrResourcesLive)
		}
	}
	e.pools.Reset()
	e.log.Debug("pools reset")
	return nil
}

func (e *Engine) track(inst *Instance) {
	e.mu.Lock()
	e.instances[inst] = struct{}{}
	e.mu.Unlock()
}

func (e *Engine) untrack(inst *Instance) {
	e.mu.Lock()
	delete(e.instances, inst)
	e.mu.Unlock()
}

// Close releases every instance, waits for the workers and closes the
// device.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	insts := make([]*Instance, 0, len(e.instances))
	for inst := range e.instances {
		insts = append(insts, inst)
	}
	e.mu.Unlock()

	var errs []error
	for _, inst := range insts {
		if err := inst.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := e.jobs.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	for _, s := range e.PoolStats() {
		e.log.Debug("pool usage", zap.Stringer("stats", s))
	}
	if err := e.dev.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
