// Package gpu defines the boundary between the planner and a graphics API.
//
// The core never calls a graphics API directly. Everything it needs from
// one goes through Device: pool memory, image, sampler and pipeline
// objects, descriptor encoding and copy submission.
package gpu

import (
	"errors"
	"fmt"

	"github.com/Faultbox/scenepose/internal/pool"
)

// Device errors.
var (
	ErrSamplerLimit   = errors.New("sampler limit reached")
	ErrOutOfMemory    = errors.New("device out of memory")
	ErrInvalidHandle  = errors.New("invalid handle")
	ErrNotHostVisible = errors.New("pool is not host visible")
)

// Object handles. Zero is never a valid handle.
type (
	ImageHandle    uint64
	SamplerHandle  uint64
	PipelineHandle uint64
	PoolHandle     uint64
)

// DescriptorType identifies a kind of descriptor.
type DescriptorType int

const (
	DescriptorUniform DescriptorType = iota
	DescriptorSampledImage
	DescriptorSampler
)

// String returns the descriptor type name.
func (t DescriptorType) String() string {
	switch t {
	case DescriptorUniform:
		return "uniform"
	case DescriptorSampledImage:
		return "sampled-image"
	case DescriptorSampler:
		return "sampler"
	default:
		return fmt.Sprintf("Unknown(%d)", int(t))
	}
}

// DescriptorSizes holds the hardware-reported byte size of each
// descriptor type.
type DescriptorSizes struct {
	Uniform      uint64 `yaml:"uniform"`
	SampledImage uint64 `yaml:"sampled_image"`
	Sampler      uint64 `yaml:"sampler"`
}

// Size returns the byte size of a descriptor type.
func (s DescriptorSizes) Size(t DescriptorType) uint64 {
	switch t {
	case DescriptorUniform:
		return s.Uniform
	case DescriptorSampledImage:
		return s.SampledImage
	case DescriptorSampler:
		return s.Sampler
	}
	return 0
}

// Caps describes what the device supports and requires.
type Caps struct {
	// UnifiedMemory means host and device share memory, so no staging
	// copy is needed.
	UnifiedMemory bool
	// ExplicitDescriptors means descriptor data must be written into
	// descriptor pool memory instead of bound by reference.
	ExplicitDescriptors   bool
	DescriptorSizes       DescriptorSizes
	CopyAlignment         uint64
	UniformAlignment      uint64
	SeparateTransferQueue bool
	MaxSamplers           int
}

// DefaultCaps returns capabilities of a typical discrete GPU.
func DefaultCaps() Caps {
	return Caps{
		DescriptorSizes: DescriptorSizes{
			Uniform:      16,
			SampledImage: 32,
			Sampler:      16,
		},
		CopyAlignment:    4,
		UniformAlignment: 16,
		MaxSamplers:      16,
	}
}

// PoolMemory is the backing store of one pool. Bytes is the host mapping
// and is nil for device-local memory.
type PoolMemory struct {
	Handle PoolHandle
	Bytes  []byte
}

// ImageDesc describes a 2D RGBA8 image.
type ImageDesc struct {
	Width     int
	Height    int
	MipLevels int
}

// MemoryRequirements is what an image needs from the image pool.
type MemoryRequirements struct {
	Size      uint64
	Alignment uint64
}

// SamplerDesc mirrors glTF sampler parameters. Zero filters and wraps
// mean the API default.
type SamplerDesc struct {
	MagFilter int
	MinFilter int
	WrapS     int
	WrapT     int
}

// Vertex attributes a pipeline consumes.
const (
	AttrPosition uint32 = 1 << iota
	AttrNormal
	AttrTangent
	AttrTexCoord0
	AttrTexCoord1
	AttrColor0
	AttrJoints0
	AttrWeights0
)

// PipelineDesc is the set of parameters that select a pipeline variant.
// Two primitives share a pipeline when their descs compare equal.
type PipelineDesc struct {
	Attributes   uint32
	Skinned      bool
	Joints       int
	MorphTargets int
	Textures     uint32
	DoubleSided  bool
	AlphaMask    bool
}

// DescriptorInfo is the resource a descriptor refers to.
type DescriptorInfo struct {
	Type    DescriptorType
	Pool    pool.Kind
	Offset  uint64
	Size    uint64
	Image   ImageHandle
	Sampler SamplerHandle
}

// CopyKind distinguishes buffer and image copies.
type CopyKind int

const (
	CopyBuffer CopyKind = iota
	CopyImage
)

// CopyOp moves bytes out of the staging pool into the bind pool or into
// an image.
type CopyOp struct {
	Kind      CopyKind
	SrcOffset uint64
	DstOffset uint64
	Size      uint64
	Image     ImageHandle
	Width     int
	Height    int
}

// CopyBatch is submitted as one unit of transfer work.
type CopyBatch struct {
	Ops []CopyOp
	// OwnershipTransfer requests a queue ownership barrier from the
	// transfer queue to the graphics queue.
	OwnershipTransfer bool
}

// Bytes returns the total number of bytes moved by the batch.
func (b CopyBatch) Bytes() uint64 {
	var n uint64
	for _, op := range b.Ops {
		n += op.Size
	}
	return n
}

// Device is a graphics API backend.
type Device interface {
	Caps() Caps

	AllocatePool(kind pool.Kind, capacity uint64) (PoolMemory, error)

	CreateImage(desc ImageDesc) (ImageHandle, MemoryRequirements, error)
	BindImageMemory(img ImageHandle, offset uint64) error
	WriteImage(img ImageHandle, pixels []byte) error
	DestroyImage(img ImageHandle)

	CreateSampler(desc SamplerDesc) (SamplerHandle, error)
	DestroySampler(s SamplerHandle)

	CreatePipeline(desc PipelineDesc) (PipelineHandle, error)
	DestroyPipeline(p PipelineHandle)

	// EncodeDescriptor writes the device's descriptor bytes for info into
	// dst, which is exactly DescriptorSizes.Size(info.Type) long.
	EncodeDescriptor(info DescriptorInfo, dst []byte) error

	Submit(batch CopyBatch) error
	// Fence makes all prior host writes and submitted copies visible to
	// the device.
	Fence() error

	Close() error
}
