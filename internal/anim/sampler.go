// Package anim samples animation clips into per-node override transforms
// and morph weights.
package anim

import (
	"go.uber.org/zap"

	"github.com/Faultbox/scenepose/internal/logger"
	"github.com/Faultbox/scenepose/internal/model"
	"github.com/Faultbox/scenepose/pkg/bitset"
	"github.com/Faultbox/scenepose/pkg/math"
)

// Clip is one active animation: which clip, where it is, and how strongly
// each path contributes. Weights is indexed by model.Path.Index.
type Clip struct {
	Animation int
	Time      float32
	Weights   [model.PathCount]float32
}

// NewClip returns a clip at time zero with full weight on every path.
func NewClip(animation int) Clip {
	return Clip{Animation: animation, Weights: [model.PathCount]float32{1, 1, 1, 1}}
}

// Masks records which nodes were overridden this frame.
type Masks struct {
	Transform bitset.Set
	Weights   bitset.Set
}

type nodeTRS struct {
	t      math.Vec3
	r      math.Quat
	s      math.Vec3
	driven model.Path
}

// Pose is the output of one sampling pass. Local is valid for nodes in
// Masks.Transform and Weights for nodes in Masks.Weights.
type Pose struct {
	Masks   Masks
	Local   []math.Mat4
	Weights [][]float32

	trs []nodeTRS
}

// NewPose allocates a pose for every node of m. Each node's weight buffer
// is sized to its declared morph weight count.
func NewPose(m *model.Model) *Pose {
	n := len(m.Nodes)
	p := &Pose{
		Masks: Masks{
			Transform: bitset.New(n),
			Weights:   bitset.New(n),
		},
		Local:   make([]math.Mat4, n),
		Weights: make([][]float32, n),
		trs:     make([]nodeTRS, n),
	}
	for i := range m.Nodes {
		if c := WeightCount(m, i); c > 0 {
			p.Weights[i] = make([]float32, c)
		}
	}
	return p
}

// WeightCount returns the number of morph weights a node carries.
func WeightCount(m *model.Model, node int) int {
	n := len(m.RestWeights(node))
	if mesh := m.Nodes[node].Mesh; mesh != model.None {
		if t := m.Meshes[mesh].MorphTargets(); t > n {
			n = t
		}
	}
	return n
}

func (p *Pose) reset() {
	p.Masks.Transform.Reset()
	p.Masks.Weights.Reset()
	for i := range p.trs {
		p.trs[i].driven = 0
	}
	for _, w := range p.Weights {
		clear(w)
	}
}

// Sampler evaluates clips into a Pose.
type Sampler struct {
	log     *zap.Logger
	scratch []float32
}

// NewSampler creates a sampler.
func NewSampler() *Sampler {
	return &Sampler{log: logger.Component("anim")}
}

// Sample evaluates every clip in order. For transform paths a later clip
// replaces an earlier one; morph weights from all clips are summed. Paths
// no clip drives keep the node's rest value.
func (s *Sampler) Sample(m *model.Model, clips []Clip, pose *Pose) {
	pose.reset()

	for ci := range clips {
		c := &clips[ci]
		if c.Animation < 0 || c.Animation >= len(m.Animations) {
			s.log.Warn("clip references missing animation", zap.Int("animation", c.Animation))
			continue
		}
		a := &m.Animations[c.Animation]
		for ti := range a.Targets {
			s.sampleTarget(m, a, &a.Targets[ti], c, pose)
		}
	}

	for node := range pose.trs {
		st := &pose.trs[node]
		if st.driven&(model.PathTranslation|model.PathRotation|model.PathScale) == 0 {
			continue
		}
		rt, rr, rs := m.Nodes[node].RestTRS()
		if st.driven&model.PathTranslation == 0 {
			st.t = rt
		}
		if st.driven&model.PathRotation == 0 {
			st.r = rr
		}
		if st.driven&model.PathScale == 0 {
			st.s = rs
		}
		pose.Local[node] = math.TRS(st.t, st.r, st.s)
		pose.Masks.Transform.Set(node)
	}
}

func (s *Sampler) sampleTarget(m *model.Model, a *model.Animation, tgt *model.Target, c *Clip, pose *Pose) {
	if tgt.Node < 0 || tgt.Node >= len(pose.trs) {
		return
	}
	st := &pose.trs[tgt.Node]

	for _, path := range []model.Path{model.PathTranslation, model.PathRotation, model.PathScale, model.PathWeights} {
		if tgt.Paths&path == 0 {
			continue
		}
		si := tgt.Samplers[path.Index()]
		if si < 0 || si >= len(a.Samplers) {
			continue
		}
		smp := &a.Samplers[si]
		weight := c.Weights[path.Index()]

		switch path {
		case model.PathTranslation, model.PathScale:
			v, ok := s.sampleInto(smp, c.Time, 3)
			if !ok {
				continue
			}
			vec := math.Vec3{X: v[0], Y: v[1], Z: v[2]}.Scale(weight)
			if path == model.PathTranslation {
				st.t = vec
			} else {
				st.s = vec
			}
			st.driven |= path
		case model.PathRotation:
			v, ok := s.sampleInto(smp, c.Time, 4)
			if !ok {
				continue
			}
			q := math.Quat{X: v[0], Y: v[1], Z: v[2], W: v[3]}.Normalize()
			axis, angle := q.AxisAngle()
			st.r = math.QuatFromAxisAngle(axis, angle*weight)
			st.driven |= path
		case model.PathWeights:
			dst := pose.Weights[tgt.Node]
			if len(dst) == 0 || len(smp.Input) == 0 {
				continue
			}
			count := len(smp.Output) / len(smp.Input)
			if smp.Interpolation == model.CubicSpline {
				count /= 3
			}
			v, ok := s.sampleInto(smp, c.Time, count)
			if !ok {
				continue
			}
			for i := 0; i < len(dst) && i < len(v); i++ {
				dst[i] += v[i] * weight
			}
			pose.Masks.Weights.Set(tgt.Node)
		}
	}
}

// sampleInto interpolates an n-component track at t. The result aliases
// sampler scratch space and is valid until the next call.
func (s *Sampler) sampleInto(smp *model.AnimationSampler, t float32, n int) ([]float32, bool) {
	keys := len(smp.Input)
	per := n
	if smp.Interpolation == model.CubicSpline {
		per = 3 * n
	}
	if keys == 0 || n == 0 || len(smp.Output) < keys*per {
		s.log.Warn("animation sampler output too short",
			zap.Int("keys", keys), zap.Int("components", n), zap.Int("values", len(smp.Output)))
		return nil, false
	}
	if cap(s.scratch) < n {
		s.scratch = make([]float32, n)
	}
	out := s.scratch[:n]

	step := Timestep(smp.Input, t)
	switch smp.Interpolation {
	case model.Step:
		copy(out, smp.Output[step.Frame0*per:step.Frame0*per+n])
	case model.CubicSpline:
		cubic(out, smp, step, n)
	default:
		a := smp.Output[step.Frame0*n : step.Frame0*n+n]
		b := smp.Output[step.Frame1*n : step.Frame1*n+n]
		for i := range out {
			out[i] = a[i] + step.Fraction*(b[i]-a[i])
		}
	}
	return out, true
}

// cubic evaluates a glTF cubic spline segment. Each key stores an in
// tangent, the value and an out tangent.
func cubic(out []float32, smp *model.AnimationSampler, step Step, n int) {
	per := 3 * n
	v0 := smp.Output[step.Frame0*per+n : step.Frame0*per+2*n]
	b0 := smp.Output[step.Frame0*per+2*n : step.Frame0*per+3*n]
	a1 := smp.Output[step.Frame1*per : step.Frame1*per+n]
	v1 := smp.Output[step.Frame1*per+n : step.Frame1*per+2*n]

	dt := smp.Input[step.Frame1] - smp.Input[step.Frame0]
	if dt <= 0 {
		for i := range out {
			out[i] = v0[i] + step.Fraction*(v1[i]-v0[i])
		}
		return
	}
	t := step.Fraction
	t2, t3 := t*t, t*t*t
	h00 := 2*t3 - 3*t2 + 1
	h10 := t3 - 2*t2 + t
	h01 := -2*t3 + 3*t2
	h11 := t3 - t2
	for i := range out {
		out[i] = h00*v0[i] + h10*dt*b0[i] + h01*v1[i] + h11*dt*a1[i]
	}
}
