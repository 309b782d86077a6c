// Package resources owns the GPU objects created for one loaded model.
package resources

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/Faultbox/scenepose/internal/gpu"
	"github.com/Faultbox/scenepose/internal/jobs"
	"github.com/Faultbox/scenepose/internal/logger"
	"github.com/Faultbox/scenepose/internal/pool"
)

// State records which halves of the resource set are valid.
type State uint32

const (
	Empty       State = 0
	AssetsValid State = 1 << (iota - 1)
	PipelinesValid
	Ready = AssetsValid | PipelinesValid
)

// Has reports whether every flag in f is set.
func (s State) Has(f State) bool {
	return s&f == f
}

// String returns the state name.
func (s State) String() string {
	switch s {
	case Empty:
		return "Empty"
	case AssetsValid:
		return "AssetsValid"
	case PipelinesValid:
		return "PipelinesValid"
	case Ready:
		return "Ready"
	}
	var parts []string
	if s.Has(AssetsValid) {
		parts = append(parts, "AssetsValid")
	}
	if s.Has(PipelinesValid) {
		parts = append(parts, "PipelinesValid")
	}
	return fmt.Sprintf("State(%s|0x%x)", strings.Join(parts, "|"), uint32(s&^Ready))
}

// Assets are the objects produced by a successful layout run.
type Assets struct {
	Images      []gpu.ImageHandle
	Samplers    []gpu.SamplerHandle
	ImageRegion pool.Region
}

// Destroy destroys every object in a. The image region itself is never
// freed; it is reclaimed by the next pool reset.
func (a Assets) Destroy(dev gpu.Device) {
	for _, img := range a.Images {
		if img != 0 {
			dev.DestroyImage(img)
		}
	}
	for _, s := range a.Samplers {
		if s != 0 {
			dev.DestroySampler(s)
		}
	}
}

// DestroyPipelines destroys every non-zero pipeline.
func DestroyPipelines(dev gpu.Device, pipelines []gpu.PipelineHandle) {
	for _, p := range pipelines {
		if p != 0 {
			dev.DestroyPipeline(p)
		}
	}
}

// Scheduler runs a job once ready fires.
type Scheduler interface {
	Defer(ready <-chan struct{}, job jobs.Job) error
}

// Handles is the set of GPU objects owned by one model instance.
//
// The state flags are atomic so readers on other goroutines can check
// validity without the lock; the object lists are guarded by mu.
type Handles struct {
	dev   gpu.Device
	sched Scheduler
	log   *zap.Logger

	state   atomic.Uint32
	pending atomic.Int32

	mu        sync.Mutex
	assets    Assets
	pipelines []gpu.PipelineHandle
}

// New creates an empty handle set. sched may be nil, in which case
// cleanup runs on its own goroutine.
func New(dev gpu.Device, sched Scheduler) *Handles {
	return &Handles{
		dev:   dev,
		sched: sched,
		log:   logger.Component("resources"),
	}
}

// State returns the current state.
func (h *Handles) State() State {
	return State(h.state.Load())
}

func (h *Handles) setFlag(f State) {
	for {
		old := h.state.Load()
		if h.state.CompareAndSwap(old, old|uint32(f)) {
			return
		}
	}
}

// clearFlags clears which and returns the flags that were set before.
func (h *Handles) clearFlags(which State) State {
	for {
		old := h.state.Load()
		if h.state.CompareAndSwap(old, old&^uint32(which)) {
			return State(old) & which
		}
	}
}

// MarkAssets takes ownership of a and sets AssetsValid.
func (h *Handles) MarkAssets(a Assets) {
	h.mu.Lock()
	h.assets = a
	h.mu.Unlock()
	h.setFlag(AssetsValid)
}

// MarkPipelines takes ownership of p and sets PipelinesValid.
func (h *Handles) MarkPipelines(p []gpu.PipelineHandle) {
	h.mu.Lock()
	h.pipelines = p
	h.mu.Unlock()
	h.setFlag(PipelinesValid)
}

// Assets returns a copy of the owned asset objects.
func (h *Handles) Assets() Assets {
	h.mu.Lock()
	defer h.mu.Unlock()
	return Assets{
		Images:      slices.Clone(h.assets.Images),
		Samplers:    slices.Clone(h.assets.Samplers),
		ImageRegion: h.assets.ImageRegion,
	}
}

// Pipelines returns a copy of the owned pipelines.
func (h *Handles) Pipelines() []gpu.PipelineHandle {
	h.mu.Lock()
	defer h.mu.Unlock()
	return slices.Clone(h.pipelines)
}

// Pending returns the number of cleanups scheduled but not yet finished.
func (h *Handles) Pending() int {
	return int(h.pending.Load())
}

// detach clears the flags in which and hands over the matching objects.
func (h *Handles) detach(which State) (State, Assets, []gpu.PipelineHandle) {
	h.mu.Lock()
	defer h.mu.Unlock()

	was := h.clearFlags(which)
	var a Assets
	var p []gpu.PipelineHandle
	if was.Has(AssetsValid) {
		a, h.assets = h.assets, Assets{}
	}
	if was.Has(PipelinesValid) {
		p, h.pipelines = h.pipelines, nil
	}
	return was, a, p
}

func (h *Handles) teardown(was State, a Assets, p []gpu.PipelineHandle) {
	if was.Has(PipelinesValid) {
		DestroyPipelines(h.dev, p)
	}
	if was.Has(AssetsValid) {
		a.Destroy(h.dev)
		h.log.Debug("image region released",
			zap.Uint64("offset", a.ImageRegion.Offset),
			zap.Uint64("size", a.ImageRegion.Size))
	}
}

// SignalCleanup clears the flags in which immediately and schedules the
// destruction of the matching objects once ready fires. Frames still using
// the old objects must finish before ready is signalled; a nil ready
// means no frame is in flight. The returned channel is closed when
// destruction has completed.
func (h *Handles) SignalCleanup(which State, ready <-chan struct{}) <-chan struct{} {
	if ready == nil {
		ch := make(chan struct{})
		close(ch)
		ready = ch
	}
	done := make(chan struct{})
	was, a, p := h.detach(which & Ready)
	if was == Empty {
		close(done)
		return done
	}

	h.pending.Add(1)
	job := func(context.Context) {
		defer close(done)
		defer h.pending.Add(-1)
		h.teardown(was, a, p)
		h.log.Debug("cleanup finished", zap.Stringer("cleared", was),
			zap.Int("images", len(a.Images)),
			zap.Int("samplers", len(a.Samplers)),
			zap.Int("pipelines", len(p)))
	}

	if h.sched != nil {
		err := h.sched.Defer(ready, job)
		if err == nil {
			return done
		}
		h.log.Warn("cleanup not scheduled, running standalone", zap.Error(err))
	}
	go func() {
		<-ready
		job(context.Background())
	}()
	return done
}

// DestroyAll destroys every owned object now and leaves the set Empty.
func (h *Handles) DestroyAll() {
	was, a, p := h.detach(Ready)
	h.teardown(was, a, p)
}
