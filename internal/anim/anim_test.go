package anim

import (
	"testing"

	"github.com/chewxy/math32"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Faultbox/scenepose/internal/model"
	"github.com/Faultbox/scenepose/internal/model/modeltest"
	"github.com/Faultbox/scenepose/pkg/math"
)

func TestTimestep(t *testing.T) {
	times := []float32{0, 1, 2}
	tests := []struct {
		name     string
		t        float32
		wrapped  float32
		f0, f1   int
		fraction float32
	}{
		{"before first", 0, 0, 0, 0, 0},
		{"mid first segment", 0.25, 0.25, 0, 1, 0.25},
		{"on keyframe", 1, 1, 0, 1, 1},
		{"mid second segment", 1.5, 1.5, 1, 2, 0.5},
		{"last keyframe", 2, 2, 1, 2, 1},
		{"past end wraps", 2.5, 0.5, 2, 0, 0.25},
		{"negative wraps", -0.5, -0.5, 2, 0, 0.75},
		{"negative past span wraps", -2.5, -0.5, 2, 0, 0.75},
		{"negative whole spans", -4, 0, 0, 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := Timestep(times, tt.t)
			assert.InDelta(t, tt.wrapped, s.Wrapped, 1e-5)
			assert.Equal(t, tt.f0, s.Frame0)
			assert.Equal(t, tt.f1, s.Frame1)
			assert.InDelta(t, tt.fraction, s.Fraction, 1e-5)
		})
	}
}

func TestTimestepDegenerate(t *testing.T) {
	assert.Equal(t, Step{}, Timestep(nil, 3))
	assert.Equal(t, Step{Wrapped: 3}, Timestep([]float32{1}, 3))

	s := Timestep([]float32{1, 2}, 0.5)
	assert.Equal(t, 0, s.Frame0)
	assert.Zero(t, s.Fraction)
}

func TestScaleFallsBackToRest(t *testing.T) {
	b := modeltest.NewBuilder()
	n := modeltest.Bare("arm")
	n.Scale = modeltest.S(2, 3, 4)
	n.Translation = modeltest.T(9, 9, 9)
	node := b.Node(n)
	b.Scene(node)
	b.Clip(node, []float32{0, 1}, map[model.Path][]float32{
		model.PathTranslation: {0, 0, 0, 2, 0, 0},
		model.PathRotation:    {0, 0, 0, 1, 0, 0, 0, 1},
	})

	pose := NewPose(b.M)
	clip := NewClip(0)
	clip.Time = 0.5
	NewSampler().Sample(b.M, []Clip{clip}, pose)

	require.True(t, pose.Masks.Transform.Test(node))
	assert.False(t, pose.Masks.Weights.Test(node))
	want := math.TRS(math.Vec3{X: 1}, math.QuatIdentity(), math.Vec3{X: 2, Y: 3, Z: 4})
	assert.True(t, pose.Local[node].ApproxEqual(want, 1e-5), "got %v", pose.Local[node])
}

func TestRotationWeightScalesAngle(t *testing.T) {
	b := modeltest.NewBuilder()
	node := b.Node(modeltest.Bare("head"))
	b.Scene(node)
	q := math.QuatFromAxisAngle(math.Vec3{Y: 1}, math32.Pi/2)
	b.Clip(node, []float32{0, 1}, map[model.Path][]float32{
		model.PathRotation: {q.X, q.Y, q.Z, q.W, q.X, q.Y, q.Z, q.W},
	})

	pose := NewPose(b.M)
	clip := NewClip(0)
	clip.Weights[model.PathRotation.Index()] = 0.5
	NewSampler().Sample(b.M, []Clip{clip}, pose)

	want := math.RotateAxis(math.Vec3{Y: 1}, math32.Pi/4)
	assert.True(t, pose.Local[node].ApproxEqual(want, 1e-4))
}

func TestMorphWeightsAccumulate(t *testing.T) {
	b := modeltest.NewBuilder()
	n := modeltest.Bare("face")
	n.Weights = []float32{0, 0}
	node := b.Node(n)
	b.Scene(node)
	b.Clip(node, []float32{0, 1}, map[model.Path][]float32{
		model.PathWeights: {0, 0, 1, 0.5},
	})
	b.Clip(node, []float32{0, 1}, map[model.Path][]float32{
		model.PathWeights: {0.25, 0.25, 0.25, 0.25},
	})

	pose := NewPose(b.M)
	a, c := NewClip(0), NewClip(1)
	a.Time, c.Time = 1, 1
	NewSampler().Sample(b.M, []Clip{a, c}, pose)

	require.True(t, pose.Masks.Weights.Test(node))
	assert.False(t, pose.Masks.Transform.Test(node))
	assert.InDeltaSlice(t, []float32{1.25, 0.75}, pose.Weights[node], 1e-5)

	// Buffers are cleared between passes.
	NewSampler().Sample(b.M, nil, pose)
	assert.Equal(t, []float32{0, 0}, pose.Weights[node])
	assert.Zero(t, pose.Masks.Weights.Count())
}

func TestLaterClipOverridesPath(t *testing.T) {
	b := modeltest.NewBuilder()
	node := b.Node(modeltest.Bare("root"))
	b.Scene(node)
	b.Clip(node, []float32{0, 1}, map[model.Path][]float32{model.PathTranslation: {1, 0, 0, 1, 0, 0}})
	b.Clip(node, []float32{0, 1}, map[model.Path][]float32{model.PathTranslation: {0, 5, 0, 0, 5, 0}})

	pose := NewPose(b.M)
	NewSampler().Sample(b.M, []Clip{NewClip(0), NewClip(1)}, pose)

	assert.True(t, pose.Local[node].ApproxEqual(math.Translate(0, 5, 0), 1e-6))
}

func TestStepAndCubicInterpolation(t *testing.T) {
	s := NewSampler()

	step := &model.AnimationSampler{Input: []float32{0, 1}, Output: []float32{1, 3}, Interpolation: model.Step}
	v, ok := s.sampleInto(step, 0.9, 1)
	require.True(t, ok)
	assert.Equal(t, float32(1), v[0])

	// Zero tangents make the spline ease between values.
	cub := &model.AnimationSampler{
		Input:         []float32{0, 1},
		Output:        []float32{0, 1, 0, 0, 3, 0},
		Interpolation: model.CubicSpline,
	}
	v, ok = s.sampleInto(cub, 0.5, 1)
	require.True(t, ok)
	assert.InDelta(t, 2, v[0], 1e-5)

	_, ok = s.sampleInto(&model.AnimationSampler{Input: []float32{0, 1}, Output: []float32{1}}, 0, 3)
	assert.False(t, ok)
}

func TestMissingAnimationIsSkipped(t *testing.T) {
	b := modeltest.NewBuilder()
	node := b.Node(modeltest.Bare("n"))
	b.Scene(node)

	pose := NewPose(b.M)
	NewSampler().Sample(b.M, []Clip{NewClip(3)}, pose)
	assert.Zero(t, pose.Masks.Transform.Count())
}

func TestPlayerLoops(t *testing.T) {
	b := modeltest.NewBuilder()
	node := b.Node(modeltest.Bare("n"))
	b.Clip(node, []float32{0, 2}, map[model.Path][]float32{model.PathTranslation: {0, 0, 0, 1, 1, 1}})

	p := NewPlayer(1, true)
	slot := p.Play(b.M, 0)
	p.Advance(1.5)
	clips := p.Advance(1)
	assert.InDelta(t, 0.5, clips[slot].Time, 1e-5)

	p.Speed = -1
	clips = p.Advance(1)
	assert.InDelta(t, 1.5, clips[slot].Time, 1e-5)
}

func TestPlayerHolds(t *testing.T) {
	b := modeltest.NewBuilder()
	node := b.Node(modeltest.Bare("n"))
	b.Clip(node, []float32{0, 2}, map[model.Path][]float32{model.PathScale: {1, 1, 1, 2, 2, 2}})

	p := NewPlayer(2, false)
	p.Play(b.M, 0)
	p.SetWeights(0, [model.PathCount]float32{0, 0, 0.5, 0})
	clips := p.Advance(5)
	assert.Equal(t, float32(2), clips[0].Time)
	assert.Equal(t, float32(0.5), p.Clips()[0].Weights[model.PathScale.Index()])
}
