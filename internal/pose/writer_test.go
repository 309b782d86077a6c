package pose

import (
	"encoding/binary"
	gomath "math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Faultbox/scenepose/internal/anim"
	"github.com/Faultbox/scenepose/internal/gpu"
	"github.com/Faultbox/scenepose/internal/layout"
	"github.com/Faultbox/scenepose/internal/model"
	"github.com/Faultbox/scenepose/internal/model/modeltest"
	"github.com/Faultbox/scenepose/internal/pool"
	"github.com/Faultbox/scenepose/internal/resources"
	"github.com/Faultbox/scenepose/internal/scenegraph"
	"github.com/Faultbox/scenepose/pkg/math"
)

type fixture struct {
	m      *model.Model
	pools  *pool.Set
	layout *layout.Layout
	result *scenegraph.Result
}

func load(t *testing.T, m *model.Model, unified bool) *fixture {
	t.Helper()
	caps := gpu.DefaultCaps()
	caps.UnifiedMemory = unified
	dev := gpu.NewNullDevice(caps)

	var pools pool.Set
	for k := range pool.KindCount {
		mem, err := dev.AllocatePool(k, 16<<10)
		require.NoError(t, err)
		p, err := pool.New(k, mem.Bytes, pool.Options{Capacity: 16 << 10, Alignment: 16})
		require.NoError(t, err)
		pools[k] = p
	}

	l, err := layout.NewPlanner(dev, &pools).Load(m, resources.New(dev, nil), layout.Options{})
	require.NoError(t, err)
	return &fixture{m: m, pools: &pools, layout: l, result: scenegraph.NewResult(m)}
}

func (f *fixture) evaluate(p *anim.Pose) {
	scenegraph.NewEvaluator().Evaluate(f.m, f.layout.Roots, p, f.result)
}

func (f *fixture) matrix(bindOffset uint64) math.Mat4 {
	b := f.pools.Get(f.layout.Target).Bytes(pool.Region{Offset: f.layout.WriteOffset(bindOffset), Size: math.Mat4Size})
	return math.ReadMat4(b)
}

func (f *fixture) float(bindOffset uint64) float32 {
	b := f.pools.Get(f.layout.Target).Bytes(pool.Region{Offset: f.layout.WriteOffset(bindOffset), Size: 4})
	return gomath.Float32frombits(binary.LittleEndian.Uint32(b))
}

func TestSkinnedWritesJoints(t *testing.T) {
	f := load(t, modeltest.SkinnedMesh(), false)
	f.evaluate(nil)

	st, ops := NewWriter().Write(f.m, f.layout, f.result, nil, f.pools)

	assert.Equal(t, 2, st.JointWrites)
	assert.Zero(t, st.MatrixWrites)
	assert.Equal(t, 1, st.Instances)

	blk := f.layout.Transforms[0]
	assert.True(t, f.matrix(blk.Instance(0)).ApproxEqual(math.Identity(), 1e-6))
	assert.True(t, f.matrix(blk.Instance(0)+math.Mat4Size).ApproxEqual(math.Identity(), 1e-6))

	require.Len(t, ops, 1)
	assert.Equal(t, blk.Offset, ops[0].DstOffset)
	assert.Equal(t, f.layout.WriteOffset(blk.Offset), ops[0].SrcOffset)
	assert.Equal(t, blk.Size(), ops[0].Size)
}

func TestSkinnedFollowsAnimation(t *testing.T) {
	f := load(t, modeltest.SkinnedMesh(), true)
	p := anim.NewPose(f.m)
	p.Local[2] = math.Translate(0, 1, 0).Mul(math.Scale(2, 2, 2))
	p.Masks.Transform.Set(2)
	f.evaluate(p)

	_, ops := NewWriter().Write(f.m, f.layout, f.result, p, f.pools)
	assert.Empty(t, ops, "unified memory needs no copies")

	// knee relative to hip, then inverse bind
	want := math.Translate(0, 1, 0).Mul(math.Scale(2, 2, 2)).Mul(math.Translate(0, -1, 0))
	got := f.matrix(f.layout.Transforms[0].Instance(0) + math.Mat4Size)
	assert.True(t, got.ApproxEqual(want, 1e-5), "got %v", got)
}

func TestMissingSkeletonUsesIdentity(t *testing.T) {
	m := modeltest.SkinnedMesh()
	m.Skins[0].Skeleton = model.None
	f := load(t, m, true)
	f.evaluate(nil)

	w := NewWriter()
	w.Write(f.m, f.layout, f.result, nil, f.pools)
	w.Write(f.m, f.layout, f.result, nil, f.pools)

	got := f.matrix(f.layout.Transforms[0].Instance(0))
	assert.True(t, got.ApproxEqual(math.Translate(0, 1, 0), 1e-6))
	assert.Equal(t, 1, w.noSkeleton.Count())
}

func TestNodesOutsideSceneUseIdentity(t *testing.T) {
	m := modeltest.SkinnedMesh()
	m.Nodes[1].Children = nil // knee is no longer reachable
	f := load(t, m, true)
	f.evaluate(nil)
	f.result.Global[2] = math.Translate(5, 5, 5)

	w := NewWriter()
	w.Write(f.m, f.layout, f.result, nil, f.pools)
	w.Write(f.m, f.layout, f.result, nil, f.pools)

	inst := f.layout.Transforms[0].Instance(0)
	assert.True(t, f.matrix(inst).ApproxEqual(math.Identity(), 1e-6))
	assert.True(t, f.matrix(inst+math.Mat4Size).ApproxEqual(math.Translate(0, -2, 0), 1e-6))
	assert.Equal(t, 1, w.unvisited.Count())

	m.Skins[0].Skeleton = 2
	w.Write(f.m, f.layout, f.result, nil, f.pools)
	assert.True(t, f.matrix(inst).ApproxEqual(math.Translate(0, 1, 0), 1e-6))
	assert.Equal(t, 1, w.unvisited.Count())
}

func morphModel() *model.Model {
	b := modeltest.NewBuilder()
	prim := b.Triangle(model.None)
	delta := b.Floats(model.Vec3, 0, 0, 1, 0, 0, 1, 0, 0, 1)
	prim.Targets = []map[string]int{{"POSITION": delta}, {"POSITION": delta}}
	mesh := b.Mesh(prim)
	n := model.Node{Name: "blob", Mesh: mesh, Skin: model.None, Weights: []float32{0.25, 0.75}, Translation: modeltest.T(1, 2, 3)}
	b.Scene(b.Node(n))
	return b.M
}

func TestUnskinnedWritesGlobalAndWeights(t *testing.T) {
	f := load(t, morphModel(), true)
	f.evaluate(nil)

	st, _ := NewWriter().Write(f.m, f.layout, f.result, nil, f.pools)
	assert.Equal(t, 1, st.MatrixWrites)
	assert.Equal(t, 2, st.WeightWrites)

	blk := f.layout.Transforms[0]
	assert.Equal(t, uint64(80), blk.Stride)
	assert.True(t, f.matrix(blk.Instance(0)).ApproxEqual(math.Translate(1, 2, 3), 1e-6))
	assert.Equal(t, float32(0.25), f.float(blk.WeightsOffset(0)))
	assert.Equal(t, float32(0.75), f.float(blk.WeightsOffset(0)+4))

	p := anim.NewPose(f.m)
	p.Weights[0][0], p.Weights[0][1] = 1, 0.5
	p.Masks.Weights.Set(0)
	NewWriter().Write(f.m, f.layout, f.result, p, f.pools)
	assert.Equal(t, float32(1), f.float(blk.WeightsOffset(0)))
	assert.Equal(t, float32(0.5), f.float(blk.WeightsOffset(0)+4))
}

func TestInstancesBeyondLayoutSkipped(t *testing.T) {
	f := load(t, modeltest.SkinnedMesh(), false)
	f.evaluate(nil)
	f.result.Buckets[0].Nodes.Set(2)

	st, _ := NewWriter().Write(f.m, f.layout, f.result, nil, f.pools)
	assert.Equal(t, 1, st.Skipped)
	assert.Equal(t, 1, st.Instances)
}

func TestStatsAdd(t *testing.T) {
	s := Stats{JointWrites: 2}
	s.Add(Stats{JointWrites: 1, WeightWrites: 3, Skipped: 1})
	assert.Equal(t, Stats{JointWrites: 3, WeightWrites: 3, Skipped: 1}, s)
}
