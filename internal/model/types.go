// Package model defines the immutable scene description consumed by the
// layout planner and the per-frame pose pipeline.
package model

import "github.com/Faultbox/scenepose/pkg/math"

// None marks an absent optional index.
const None = -1

// ComponentType is the scalar type of accessor components.
type ComponentType int

const (
	Byte          ComponentType = 5120
	UnsignedByte  ComponentType = 5121
	Short         ComponentType = 5122
	UnsignedShort ComponentType = 5123
	UnsignedInt   ComponentType = 5125
	Float         ComponentType = 5126
)

// Size returns the byte size of one component.
func (c ComponentType) Size() int {
	switch c {
	case Byte, UnsignedByte:
		return 1
	case Short, UnsignedShort:
		return 2
	case UnsignedInt, Float:
		return 4
	default:
		return 0
	}
}

// ElementType is the shape of one accessor element.
type ElementType string

const (
	Scalar ElementType = "SCALAR"
	Vec2   ElementType = "VEC2"
	Vec3   ElementType = "VEC3"
	Vec4   ElementType = "VEC4"
	Mat2   ElementType = "MAT2"
	Mat3   ElementType = "MAT3"
	Mat4   ElementType = "MAT4"
)

// Components returns the number of components per element.
func (e ElementType) Components() int {
	switch e {
	case Scalar:
		return 1
	case Vec2:
		return 2
	case Vec3:
		return 3
	case Vec4, Mat2:
		return 4
	case Mat3:
		return 9
	case Mat4:
		return 16
	default:
		return 0
	}
}

// BufferView is a byte range of a buffer.
type BufferView struct {
	Buffer     int
	ByteOffset int
	ByteLength int
	ByteStride int
}

// Accessor is a typed view into buffer bytes.
type Accessor struct {
	BufferView    int // None when the data is all zeros
	ByteOffset    int
	ComponentType ComponentType
	Type          ElementType
	Count         int
	Normalized    bool
}

// ElementSize returns the tightly packed byte size of one element.
func (a *Accessor) ElementSize() int {
	return a.ComponentType.Size() * a.Type.Components()
}

// Primitive is one drawable part of a mesh.
type Primitive struct {
	Attributes map[string]int // semantic -> accessor
	Indices    int            // accessor or None
	Material   int            // material or None
	Mode       int
	Targets    []map[string]int
}

// Mesh is a set of primitives sharing morph weights.
type Mesh struct {
	Name       string
	Primitives []Primitive
	Weights    []float32
}

// MorphTargets returns the largest morph target count of the mesh's primitives.
func (m *Mesh) MorphTargets() int {
	n := 0
	for i := range m.Primitives {
		if t := len(m.Primitives[i].Targets); t > n {
			n = t
		}
	}
	return n
}

// Node is an element of the scene hierarchy. A node declares either a
// Matrix or any subset of Translation, Rotation and Scale.
type Node struct {
	Name        string
	Children    []int
	Mesh        int // None when absent
	Skin        int // None when absent
	Matrix      *math.Mat4
	Translation *math.Vec3
	Rotation    *math.Quat
	Scale       *math.Vec3
	Weights     []float32
}

// Skin binds a mesh to a joint hierarchy.
type Skin struct {
	Name                string
	Joints              []int
	Skeleton            int          // root node or None
	InverseBindMatrices []math.Mat4 // empty when not declared
}

// Interpolation is an animation sampler's interpolation mode.
type Interpolation string

const (
	Linear      Interpolation = "LINEAR"
	Step        Interpolation = "STEP"
	CubicSpline Interpolation = "CUBICSPLINE"
)

// AnimationSampler holds decoded keyframe times and values.
type AnimationSampler struct {
	Input         []float32
	Output        []float32
	Interpolation Interpolation
}

// Path is a bitmask of animated node properties.
type Path uint8

const (
	PathTranslation Path = 1 << iota
	PathRotation
	PathScale
	PathWeights
)

// PathCount is the number of distinct animation paths.
const PathCount = 4

// Index returns the path's position in per-path arrays.
func (p Path) Index() int {
	switch p {
	case PathTranslation:
		return 0
	case PathRotation:
		return 1
	case PathScale:
		return 2
	case PathWeights:
		return 3
	default:
		return -1
	}
}

// String returns the glTF name of a single path.
func (p Path) String() string {
	switch p {
	case PathTranslation:
		return "translation"
	case PathRotation:
		return "rotation"
	case PathScale:
		return "scale"
	case PathWeights:
		return "weights"
	default:
		return "mixed"
	}
}

// Target gathers all channels of an animation that drive one node.
type Target struct {
	Node     int
	Paths    Path
	Samplers [PathCount]int // sampler per path, indexed by Path.Index
}

// Animation is a named clip.
type Animation struct {
	Name     string
	Samplers []AnimationSampler
	Targets  []Target
}

// Duration returns the largest keyframe time of the clip.
func (a *Animation) Duration() float32 {
	var d float32
	for i := range a.Samplers {
		in := a.Samplers[i].Input
		if len(in) > 0 && in[len(in)-1] > d {
			d = in[len(in)-1]
		}
	}
	return d
}

// TextureSlot names a material texture binding.
type TextureSlot int

const (
	BaseColorTexture TextureSlot = iota
	MetallicRoughnessTexture
	NormalTexture
	OcclusionTexture
	EmissiveTexture
	TextureSlotCount
)

// Material holds shading factors and texture references.
type Material struct {
	Name            string
	BaseColorFactor [4]float32
	EmissiveFactor  [3]float32
	MetallicFactor  float32
	RoughnessFactor float32
	AlphaCutoff     float32
	DoubleSided     bool
	Textures        [TextureSlotCount]int // texture or None
}

// TextureCount returns the number of bound texture slots.
func (m *Material) TextureCount() int {
	n := 0
	for _, t := range m.Textures {
		if t != None {
			n++
		}
	}
	return n
}

// Texture pairs an image with a sampler.
type Texture struct {
	Image   int
	Sampler int // None for the default sampler
}

// Sampler describes texture filtering and wrapping.
type Sampler struct {
	MagFilter int
	MinFilter int
	WrapS     int
	WrapT     int
}

// Image is decoded RGBA8 texel data.
type Image struct {
	Name   string
	Width  int
	Height int
	Pixels []byte
}

// Scene lists root nodes.
type Scene struct {
	Name  string
	Nodes []int
}

// Model is a complete scene description. It is never modified after
// construction.
type Model struct {
	Buffers     [][]byte
	BufferViews []BufferView
	Accessors   []Accessor
	Meshes      []Mesh
	Nodes       []Node
	Skins       []Skin
	Animations  []Animation
	Materials   []Material
	Textures    []Texture
	Samplers    []Sampler
	Images      []Image
	Scenes      []Scene
	Scene       int // default scene or None
}
