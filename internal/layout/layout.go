// Package layout places a model's data into the GPU memory pools.
//
// A Planner turns a model and the device capabilities into a Layout:
// every byte offset the pose writer and the draw recorder need. It
// performs the allocations, uploads and object creation for one load and
// undoes the object creation when any step fails.
package layout

import (
	"github.com/Faultbox/scenepose/internal/gpu"
	"github.com/Faultbox/scenepose/internal/model"
	"github.com/Faultbox/scenepose/internal/pool"
	"github.com/Faultbox/scenepose/pkg/bitset"
	"github.com/Faultbox/scenepose/pkg/math"
)

// MaterialUniformSize is the byte size of one material's uniform data.
const MaterialUniformSize = 64

// WeightSize is the byte size of one morph weight.
const WeightSize = 4

// PoseStride returns the bytes one instance of a mesh needs: a matrix per
// joint (at least one) followed by one float per morph target, rounded up
// to 16 bytes.
func PoseStride(joints, morphTargets int) uint64 {
	if joints < 1 {
		joints = 1
	}
	return pool.AlignUp(uint64(joints*math.Mat4Size+morphTargets*WeightSize), 16)
}

// TransformBlock locates the per-instance pose data of one mesh in the
// bind pool.
type TransformBlock struct {
	Offset       uint64
	Stride       uint64
	Instances    int
	Joints       int
	MorphTargets int
}

// Size returns the block size in bytes.
func (b TransformBlock) Size() uint64 {
	return b.Stride * uint64(b.Instances)
}

// Instance returns the offset of an instance slot.
func (b TransformBlock) Instance(slot int) uint64 {
	return b.Offset + uint64(slot)*b.Stride
}

// WeightsOffset returns the offset of an instance's morph weights.
func (b TransformBlock) WeightsOffset(slot int) uint64 {
	joints := b.Joints
	if joints < 1 {
		joints = 1
	}
	return b.Instance(slot) + uint64(joints*math.Mat4Size)
}

// MaterialDescriptors locates a textured material's descriptor blocks.
type MaterialDescriptors struct {
	Resource uint64
	Sampler  uint64
	Textures int
}

// VertexStream is one vertex attribute's placement in the bind pool.
type VertexStream struct {
	Attribute string
	Offset    uint64
	Stride    int
}

// DrawInfo is everything needed to record the draw of one primitive.
type DrawInfo struct {
	Mesh      int
	Primitive int
	Indexed   bool
	Count     int
	Vertices  []VertexStream

	IndexOffset uint64
	IndexType   model.ComponentType

	Material int
	Pipeline int // index into Layout.Pipelines, -1 until pipelines are built

	Transform           TransformBlock
	MeshDescriptor      uint64
	// MaterialDescriptors is nil when the material has no textures or
	// descriptors are bound directly.
	MaterialDescriptors *MaterialDescriptors
}

// Layout is the placement of one loaded model.
type Layout struct {
	Roots []int

	Buffers          []uint64
	Transforms       []TransformBlock
	MaterialUniforms uint64

	// Descriptor offsets, set only when the device needs explicit
	// descriptors.
	MeshDescriptors     []uint64
	MaterialDescriptors []*MaterialDescriptors

	Images         []uint64
	ImageStaging   []uint64
	ImageHandles   []gpu.ImageHandle
	Samplers       []gpu.SamplerHandle
	DefaultSampler gpu.SamplerHandle

	SkinMask  bitset.Mask64
	MeshSkins []bitset.Mask64

	Bind               pool.Region
	Staging            pool.Region
	ImageRegion        pool.Region
	DescriptorResource pool.Region
	DescriptorSampler  pool.Region

	// Target is the pool per-frame pose data is written to: Bind on
	// unified memory, otherwise Staging followed by a copy.
	Target pool.Kind

	Draws     []DrawInfo
	Pipelines []gpu.PipelineDesc
}

// WriteOffset maps a bind pool offset to the matching offset in the write
// target pool.
func (l *Layout) WriteOffset(bindOffset uint64) uint64 {
	if l.Target == pool.Bind {
		return bindOffset
	}
	return l.Staging.Offset + (bindOffset - l.Bind.Offset)
}

// Instances returns the total instance count across meshes.
func (l *Layout) Instances() int {
	n := 0
	for _, t := range l.Transforms {
		n += t.Instances
	}
	return n
}
