package engine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/Faultbox/scenepose/internal/anim"
	"github.com/Faultbox/scenepose/internal/gpu"
	"github.com/Faultbox/scenepose/internal/layout"
	"github.com/Faultbox/scenepose/internal/model"
	"github.com/Faultbox/scenepose/internal/pose"
	"github.com/Faultbox/scenepose/internal/resources"
	"github.com/Faultbox/scenepose/internal/scenegraph"
)

// Instance is one loaded model.
type Instance struct {
	e       *Engine
	model   *model.Model
	opts    layout.Options
	handles *resources.Handles
	planner *layout.Planner
	log     *zap.Logger

	loading atomic.Bool
	result  atomic.Int32
	layout  atomic.Pointer[layout.Layout]

	// frame is held while a frame or the initial pose write runs.
	frame   sync.Mutex
	sampler *anim.Sampler
	pose    *anim.Pose
	eval    *scenegraph.Evaluator
	scene   *scenegraph.Result
	writer  *pose.Writer
}

// Load places m into the pools, builds its pipelines and writes its rest
// pose. The work runs on a worker; Load waits for it unless ctx ends
// first. On failure the returned error maps to a layout.Result and no
// instance is returned.
func (e *Engine) Load(ctx context.Context, m *model.Model, opts layout.Options) (*Instance, error) {
	inst := &Instance{
		e:       e,
		model:   m,
		opts:    opts,
		handles: resources.New(e.dev, e.jobs),
		planner: layout.NewPlanner(e.dev, &e.pools),
		log:     e.log.Named("instance").With(zap.Int("nodes", len(m.Nodes))),
		sampler: anim.NewSampler(),
		eval:    scenegraph.NewEvaluator(),
		writer:  pose.NewWriter(),
	}
	p, err := inst.start()
	if err != nil {
		return nil, err
	}
	if err := p.wait(ctx); err != nil {
		inst.discard(p.done)
		return nil, err
	}
	e.track(inst)
	return inst, nil
}

// pending is a queued load job. err is valid once done is closed.
type pending struct {
	done <-chan struct{}
	err  error
}

func (p *pending) wait(ctx context.Context) error {
	select {
	case <-p.done:
		return p.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// start queues a load job.
func (i *Instance) start() (*pending, error) {
	if !i.loading.CompareAndSwap(false, true) {
		return nil, layout.ErrIncomplete
	}
	p := &pending{}
	done, err := i.e.jobs.Go(func(context.Context) {
		p.err = i.load()
	})
	if err != nil {
		i.loading.Store(false)
		return nil, err
	}
	p.done = done
	return p, nil
}

// discard destroys everything an instance that is never handed out still
// owns, once its load job has finished.
func (i *Instance) discard(done <-chan struct{}) {
	select {
	case <-done:
		i.handles.DestroyAll()
	default:
		go func() {
			<-done
			i.handles.DestroyAll()
		}()
	}
}

// run executes a load job and waits for it.
func (i *Instance) run(ctx context.Context) error {
	p, err := i.start()
	if err != nil {
		return err
	}
	return p.wait(ctx)
}

func (i *Instance) load() (err error) {
	defer i.loading.Store(false)
	defer func() {
		i.result.Store(int32(layout.ResultOf(err)))
	}()

	l, err := i.planner.Load(i.model, i.handles, i.opts)
	if err != nil {
		return err
	}
	if err := i.planner.BuildPipelines(i.model, i.handles); err != nil {
		return err
	}

	i.frame.Lock()
	defer i.frame.Unlock()
	i.layout.Store(l)
	if i.pose == nil {
		i.pose = anim.NewPose(i.model)
		i.scene = scenegraph.NewResult(i.model)
	}
	_, err = i.update(nil)
	return err
}

// update runs one frame. The caller holds i.frame.
func (i *Instance) update(clips []anim.Clip) (pose.Stats, error) {
	l := i.layout.Load()
	i.sampler.Sample(i.model, clips, i.pose)
	i.eval.Evaluate(i.model, l.Roots, i.pose, i.scene)
	st, ops := i.writer.Write(i.model, l, i.scene, i.pose, &i.e.pools)
	if len(ops) > 0 {
		batch := gpu.CopyBatch{Ops: ops, OwnershipTransfer: i.e.dev.Caps().SeparateTransferQueue}
		if err := i.e.dev.Submit(batch); err != nil {
			return st, fmt.Errorf("submit pose copies: %w", err)
		}
	}
	i.log.Debug("frame written",
		zap.Int("clips", len(clips)),
		zap.Int("instances", st.Instances),
		zap.Int("joints", st.JointWrites),
		zap.Int("matrices", st.MatrixWrites),
		zap.Int("weights", st.WeightWrites))
	return st, nil
}

// Update samples clips, evaluates the scene graph and writes the pose as
// one job. It returns layout.ErrIncomplete while a load is in flight and
// ErrNotLoaded when the instance has no valid assets.
func (i *Instance) Update(ctx context.Context, clips []anim.Clip) (pose.Stats, error) {
	if i.loading.Load() {
		return pose.Stats{}, layout.ErrIncomplete
	}
	if !i.handles.State().Has(resources.AssetsValid) || i.layout.Load() == nil {
		return pose.Stats{}, ErrNotLoaded
	}

	type frameResult struct {
		st  pose.Stats
		err error
	}
	done := make(chan frameResult, 1)
	err := i.e.jobs.Submit(func(context.Context) {
		i.frame.Lock()
		defer i.frame.Unlock()
		st, err := i.update(clips)
		done <- frameResult{st, err}
	})
	if err != nil {
		return pose.Stats{}, err
	}
	select {
	case r := <-done:
		return r.st, r.err
	case <-ctx.Done():
		return pose.Stats{}, ctx.Err()
	}
}

// idle returns a channel closed once no frame is running.
func (i *Instance) idle() <-chan struct{} {
	ch := make(chan struct{})
	go func() {
		i.frame.Lock()
		i.frame.Unlock()
		close(ch)
	}()
	return ch
}

// SignalCleanup clears the given halves of the instance's resources and
// destroys them once ready fires. See resources.Handles.SignalCleanup.
func (i *Instance) SignalCleanup(which resources.State, ready <-chan struct{}) <-chan struct{} {
	return i.handles.SignalCleanup(which, ready)
}

// Reload rebuilds the given halves. The old objects are destroyed once the
// running frame, if any, has finished. Reloading assets places the model
// again in fresh pool regions; call Engine.ResetPools between reload
// cycles to reclaim the old ones.
func (i *Instance) Reload(ctx context.Context, which resources.State) error {
	which &= resources.Ready
	if which == resources.Empty {
		return nil
	}
	i.handles.SignalCleanup(which, i.idle())
	i.log.Info("reload", zap.Stringer("which", which))
	return i.run(ctx)
}

// Close destroys every resource of the instance after the running frame
// and waits for the destruction.
func (i *Instance) Close(ctx context.Context) error {
	defer i.e.untrack(i)
	done := i.handles.SignalCleanup(resources.Ready, i.idle())
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("close instance: %w", ctx.Err())
	}
}

// Layout returns the current layout, or nil before the first load.
func (i *Instance) Layout() *layout.Layout {
	return i.layout.Load()
}

// Handles returns the instance's resource handles.
func (i *Instance) Handles() *resources.Handles {
	return i.handles
}

// Model returns the instance's model.
func (i *Instance) Model() *model.Model {
	return i.model
}

// Result returns the outcome of the last load.
func (i *Instance) Result() layout.Result {
	if i.loading.Load() {
		return layout.Incomplete
	}
	return layout.Result(i.result.Load())
}
