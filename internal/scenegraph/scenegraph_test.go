package scenegraph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Faultbox/scenepose/internal/anim"
	"github.com/Faultbox/scenepose/internal/model"
	"github.com/Faultbox/scenepose/internal/model/modeltest"
	"github.com/Faultbox/scenepose/pkg/math"
)

func TestSkinnedMeshBuckets(t *testing.T) {
	m := modeltest.SkinnedMesh()
	roots, err := m.Roots(nil)
	require.NoError(t, err)

	r := NewResult(m)
	NewEvaluator().Evaluate(m, roots, nil, r)

	b := r.Buckets[0]
	assert.Equal(t, 1, b.Nodes.Count())
	assert.True(t, b.Nodes.Test(0))
	assert.Equal(t, 1, b.Skins.Count())
	assert.True(t, b.Skins.Test(0))
	assert.Equal(t, 3, r.Visited.Count())
}

func TestRestPoseRoundTrip(t *testing.T) {
	b := modeltest.NewBuilder()
	child := modeltest.Bare("child")
	child.Translation = modeltest.T(0, 2, 0)
	child.Rotation = modeltest.R(math.Vec3{Z: 1}, 0.5)
	child.Scale = modeltest.S(1, 2, 1)
	parent := modeltest.Bare("parent")
	mat := math.Translate(3, 0, 0).Mul(math.Scale(2, 2, 2))
	parent.Matrix = &mat
	parent.Children = []int{1}
	b.Node(parent)
	b.Node(child)
	b.Scene(0)

	r := NewResult(b.M)
	NewEvaluator().Evaluate(b.M, []int{0}, anim.NewPose(b.M), r)

	want := mat.Mul(math.TRS(*child.Translation, *child.Rotation, *child.Scale))
	assert.True(t, r.Global[1].ApproxEqual(want, 1e-5))
	assert.True(t, r.Global[0].ApproxEqual(mat, 1e-6))
}

func TestAnimatedLocalOverridesRest(t *testing.T) {
	m := modeltest.SkinnedMesh()
	pose := anim.NewPose(m)
	pose.Local[1] = math.Translate(5, 0, 0)
	pose.Masks.Transform.Set(1)

	r := NewResult(m)
	NewEvaluator().Evaluate(m, []int{0}, pose, r)

	assert.Equal(t, math.Vec3{X: 5}, r.Global[1].TransformPoint(math.Vec3{}))
	assert.True(t, r.Global[2].ApproxEqual(math.Translate(5, 1, 0), 1e-6))
}

func TestSkinWithoutMeshUsesMeshZero(t *testing.T) {
	m := modeltest.SkinnedMesh()
	m.Nodes[2].Skin = 0

	r := NewResult(m)
	e := NewEvaluator()
	e.Evaluate(m, []int{0}, nil, r)

	assert.True(t, r.Buckets[0].Nodes.Test(2))
	assert.Equal(t, 2, r.Buckets[0].Nodes.Count())

	// Buckets are rebuilt on every traversal.
	e.Evaluate(m, []int{0}, nil, r)
	assert.Equal(t, 2, r.Buckets[0].Nodes.Count())
	assert.Len(t, e.warned, 1)
}

func TestCycleIsCut(t *testing.T) {
	b := modeltest.NewBuilder()
	a := modeltest.Bare("a")
	a.Children = []int{1}
	c := modeltest.Bare("b")
	c.Children = []int{0}
	b.Node(a)
	b.Node(c)

	r := NewResult(b.M)
	NewEvaluator().Evaluate(b.M, []int{0, 0, 7}, nil, r)
	assert.Equal(t, 2, r.Visited.Count())
}

func TestCount(t *testing.T) {
	m := modeltest.SkinnedMesh()
	c, err := Count(m, []int{0})
	require.NoError(t, err)

	assert.Equal(t, []int{1}, c.Instances)
	assert.True(t, c.Skins[0].Test(0))
	assert.Equal(t, 3, c.Nodes)
}

func TestCheckLimits(t *testing.T) {
	tests := []struct {
		name  string
		setup func(m *model.Model)
		want  error
	}{
		{"meshes", func(m *model.Model) { m.Meshes = make([]model.Mesh, MaxMeshes+1) }, ErrTooManyMeshes},
		{"skins", func(m *model.Model) { m.Skins = make([]model.Skin, 64) }, ErrTooManySkins},
		{"nodes", func(m *model.Model) { m.Nodes = make([]model.Node, MaxNodes+1) }, ErrTooManyNodes},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := &model.Model{}
			tt.setup(m)
			_, err := Count(m, nil)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}
