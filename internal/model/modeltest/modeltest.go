// Package modeltest builds small models for tests.
package modeltest

import (
	"encoding/binary"
	gomath "math"

	"github.com/Faultbox/scenepose/internal/model"
	"github.com/Faultbox/scenepose/pkg/math"
)

// Builder accumulates model data into a single buffer.
type Builder struct {
	M *model.Model
}

// NewBuilder returns a builder for an empty model with one buffer.
func NewBuilder() *Builder {
	return &Builder{M: &model.Model{
		Buffers: [][]byte{nil},
		Scene:   model.None,
	}}
}

func (b *Builder) view(data []byte, stride int) int {
	buf := b.M.Buffers[0]
	for len(buf)%4 != 0 {
		buf = append(buf, 0)
	}
	off := len(buf)
	b.M.Buffers[0] = append(buf, data...)
	b.M.BufferViews = append(b.M.BufferViews, model.BufferView{
		Buffer:     0,
		ByteOffset: off,
		ByteLength: len(data),
		ByteStride: stride,
	})
	return len(b.M.BufferViews) - 1
}

// Floats appends float data and returns its accessor.
func (b *Builder) Floats(typ model.ElementType, values ...float32) int {
	data := make([]byte, 4*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint32(data[i*4:], gomath.Float32bits(v))
	}
	b.M.Accessors = append(b.M.Accessors, model.Accessor{
		BufferView:    b.view(data, 0),
		ComponentType: model.Float,
		Type:          typ,
		Count:         len(values) / typ.Components(),
	})
	return len(b.M.Accessors) - 1
}

// Indices appends 16-bit indices and returns their accessor.
func (b *Builder) Indices(values ...uint16) int {
	data := make([]byte, 2*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint16(data[i*2:], v)
	}
	b.M.Accessors = append(b.M.Accessors, model.Accessor{
		BufferView:    b.view(data, 0),
		ComponentType: model.UnsignedShort,
		Type:          model.Scalar,
		Count:         len(values),
	})
	return len(b.M.Accessors) - 1
}

// Mesh adds a single-primitive mesh and returns its index.
func (b *Builder) Mesh(prim model.Primitive) int {
	b.M.Meshes = append(b.M.Meshes, model.Mesh{Primitives: []model.Primitive{prim}})
	return len(b.M.Meshes) - 1
}

// Node adds a node and returns its index.
func (b *Builder) Node(n model.Node) int {
	b.M.Nodes = append(b.M.Nodes, n)
	return len(b.M.Nodes) - 1
}

// Scene adds a scene with the given roots and makes it the default.
func (b *Builder) Scene(roots ...int) int {
	b.M.Scenes = append(b.M.Scenes, model.Scene{Nodes: roots})
	b.M.Scene = len(b.M.Scenes) - 1
	return b.M.Scene
}

// Triangle returns a primitive with three positions and indices.
func (b *Builder) Triangle(material int) model.Primitive {
	pos := b.Floats(model.Vec3, 0, 0, 0, 1, 0, 0, 0, 1, 0)
	return model.Primitive{
		Attributes: map[string]int{"POSITION": pos},
		Indices:    b.Indices(0, 1, 2),
		Material:   material,
		Mode:       4,
	}
}

// Bare returns a node with no mesh and no skin.
func Bare(name string) model.Node {
	return model.Node{Name: name, Mesh: model.None, Skin: model.None}
}

// T returns a pointer to a translation.
func T(x, y, z float32) *math.Vec3 {
	return &math.Vec3{X: x, Y: y, Z: z}
}

// S returns a pointer to a scale.
func S(x, y, z float32) *math.Vec3 {
	return &math.Vec3{X: x, Y: y, Z: z}
}

// R returns a pointer to an axis-angle rotation.
func R(axis math.Vec3, angle float32) *math.Quat {
	q := math.QuatFromAxisAngle(axis.Normalize(), angle)
	return &q
}

// SkinnedMesh builds a model with one mesh, one skin of two joints and a
// single scene root instantiating the skinned mesh:
//
//	0 "body" (mesh 0, skin 0)
//	└── 1 "hip" (joint 0, skeleton root)
//	    └── 2 "knee" (joint 1)
func SkinnedMesh() *model.Model {
	b := NewBuilder()
	prim := b.Triangle(model.None)
	prim.Attributes["JOINTS_0"] = b.Floats(model.Vec4, 0, 1, 0, 0, 0, 1, 0, 0, 1, 0, 0, 0)
	prim.Attributes["WEIGHTS_0"] = b.Floats(model.Vec4, 1, 0, 0, 0, 0.5, 0.5, 0, 0, 1, 0, 0, 0)
	mesh := b.Mesh(prim)

	ibm0 := math.Identity()
	ibm1 := math.Translate(0, -1, 0)
	b.M.Skins = append(b.M.Skins, model.Skin{
		Name:                "rig",
		Joints:              []int{1, 2},
		Skeleton:            1,
		InverseBindMatrices: []math.Mat4{ibm0, ibm1},
	})

	body := b.Node(model.Node{Name: "body", Mesh: mesh, Skin: 0, Children: []int{1}})
	b.Node(model.Node{Name: "hip", Mesh: model.None, Skin: model.None, Children: []int{2}, Translation: T(0, 1, 0)})
	b.Node(model.Node{Name: "knee", Mesh: model.None, Skin: model.None, Translation: T(0, 1, 0)})
	b.Scene(body)
	return b.M
}

// Clip adds a linear animation on one node and returns its index. Each
// path in keys maps to its keyframe values; all paths share times.
func (b *Builder) Clip(node int, times []float32, keys map[model.Path][]float32) int {
	anim := model.Animation{Name: "clip"}
	target := model.Target{Node: node}
	for i := range target.Samplers {
		target.Samplers[i] = model.None
	}
	for _, p := range []model.Path{model.PathTranslation, model.PathRotation, model.PathScale, model.PathWeights} {
		values, ok := keys[p]
		if !ok {
			continue
		}
		anim.Samplers = append(anim.Samplers, model.AnimationSampler{
			Input:         times,
			Output:        values,
			Interpolation: model.Linear,
		})
		target.Paths |= p
		target.Samplers[p.Index()] = len(anim.Samplers) - 1
	}
	anim.Targets = []model.Target{target}
	b.M.Animations = append(b.M.Animations, anim)
	return len(b.M.Animations) - 1
}
