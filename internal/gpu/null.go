package gpu

import (
	"encoding/binary"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/Faultbox/scenepose/internal/logger"
	"github.com/Faultbox/scenepose/internal/pool"
)

// NullImageAlignment is the alignment NullDevice reports for images.
const NullImageAlignment = 256

// NullDevice is a software Device. Pools are plain byte slices, copies are
// memmoves and objects are counters. It is safe for concurrent use.
type NullDevice struct {
	mu   sync.Mutex
	caps Caps
	log  *zap.Logger

	pools  [pool.KindCount][]byte
	images map[ImageHandle]*nullImage
	// samplers and pipelines map live handles to their descs.
	samplers  map[SamplerHandle]SamplerDesc
	pipelines map[PipelineHandle]PipelineDesc
	next      uint64

	// FailPipelines makes CreatePipeline fail after that many successes
	// when positive.
	FailPipelines int

	calls NullCalls
}

type nullImage struct {
	desc   ImageDesc
	size   uint64
	bound  bool
	offset uint64
	pixels []byte
}

// NullCalls counts device calls.
type NullCalls struct {
	PoolAllocs       int
	ImagesCreated    int
	ImagesDestroyed  int
	SamplersCreated  int
	SamplersRefused  int
	SamplersDestroy  int
	PipelinesCreated int
	PipelinesDestroy int
	Descriptors      int
	Submits          int
	CopyOps          int
	OwnershipBarrier int
	ImageWrites      int
	Fences           int
}

// NewNullDevice creates a software device with the given capabilities.
func NewNullDevice(caps Caps) *NullDevice {
	return &NullDevice{
		caps:      caps,
		log:       logger.Component("gpu.null"),
		images:    make(map[ImageHandle]*nullImage),
		samplers:  make(map[SamplerHandle]SamplerDesc),
		pipelines: make(map[PipelineHandle]PipelineDesc),
	}
}

func (d *NullDevice) handle() uint64 {
	d.next++
	return d.next
}

// Caps implements Device.
func (d *NullDevice) Caps() Caps {
	return d.caps
}

func (d *NullDevice) hostVisible(kind pool.Kind) bool {
	switch kind {
	case pool.Staging, pool.DescriptorResource, pool.DescriptorSampler:
		return true
	case pool.Bind:
		return d.caps.UnifiedMemory
	}
	return false
}

// AllocatePool implements Device.
func (d *NullDevice) AllocatePool(kind pool.Kind, capacity uint64) (PoolMemory, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if kind < 0 || kind >= pool.KindCount {
		return PoolMemory{}, fmt.Errorf("allocate %s pool: %w", kind, ErrInvalidHandle)
	}
	d.pools[kind] = make([]byte, capacity)
	d.calls.PoolAllocs++
	mem := PoolMemory{Handle: PoolHandle(d.handle())}
	if d.hostVisible(kind) {
		mem.Bytes = d.pools[kind]
	}
	d.log.Debug("pool allocated", zap.Stringer("kind", kind), zap.Uint64("capacity", capacity))
	return mem, nil
}

// CreateImage implements Device.
func (d *NullDevice) CreateImage(desc ImageDesc) (ImageHandle, MemoryRequirements, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if desc.Width <= 0 || desc.Height <= 0 {
		return 0, MemoryRequirements{}, fmt.Errorf("create image %dx%d: invalid size", desc.Width, desc.Height)
	}
	size := uint64(desc.Width) * uint64(desc.Height) * 4
	h := ImageHandle(d.handle())
	d.images[h] = &nullImage{desc: desc, size: size}
	d.calls.ImagesCreated++
	return h, MemoryRequirements{Size: size, Alignment: NullImageAlignment}, nil
}

// BindImageMemory implements Device.
func (d *NullDevice) BindImageMemory(img ImageHandle, offset uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	im, ok := d.images[img]
	if !ok {
		return fmt.Errorf("bind image %d: %w", img, ErrInvalidHandle)
	}
	if offset%NullImageAlignment != 0 {
		return fmt.Errorf("bind image %d at %d: misaligned", img, offset)
	}
	if mem := d.pools[pool.Image]; uint64(len(mem)) < offset+im.size {
		return fmt.Errorf("bind image %d at %d: %w", img, offset, ErrOutOfMemory)
	}
	im.bound = true
	im.offset = offset
	return nil
}

// WriteImage implements Device.
func (d *NullDevice) WriteImage(img ImageHandle, pixels []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	im, ok := d.images[img]
	if !ok || !im.bound {
		return fmt.Errorf("write image %d: %w", img, ErrInvalidHandle)
	}
	n := copy(d.pools[pool.Image][im.offset:im.offset+im.size], pixels)
	im.pixels = d.pools[pool.Image][im.offset : im.offset+uint64(n)]
	d.calls.ImageWrites++
	return nil
}

// DestroyImage implements Device.
func (d *NullDevice) DestroyImage(img ImageHandle) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.images[img]; ok {
		delete(d.images, img)
		d.calls.ImagesDestroyed++
	}
}

// CreateSampler implements Device.
func (d *NullDevice) CreateSampler(desc SamplerDesc) (SamplerHandle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.caps.MaxSamplers > 0 && len(d.samplers) >= d.caps.MaxSamplers {
		d.calls.SamplersRefused++
		return 0, ErrSamplerLimit
	}
	h := SamplerHandle(d.handle())
	d.samplers[h] = desc
	d.calls.SamplersCreated++
	return h, nil
}

// DestroySampler implements Device.
func (d *NullDevice) DestroySampler(s SamplerHandle) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.samplers[s]; ok {
		delete(d.samplers, s)
		d.calls.SamplersDestroy++
	}
}

// CreatePipeline implements Device.
func (d *NullDevice) CreatePipeline(desc PipelineDesc) (PipelineHandle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.FailPipelines > 0 && d.calls.PipelinesCreated >= d.FailPipelines {
		return 0, fmt.Errorf("create pipeline: %w", ErrOutOfMemory)
	}
	h := PipelineHandle(d.handle())
	d.pipelines[h] = desc
	d.calls.PipelinesCreated++
	return h, nil
}

// DestroyPipeline implements Device.
func (d *NullDevice) DestroyPipeline(p PipelineHandle) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.pipelines[p]; ok {
		delete(d.pipelines, p)
		d.calls.PipelinesDestroy++
	}
}

// EncodeDescriptor implements Device. The encoding is the descriptor
// type, the pool kind and then the offset or object handle, little endian.
func (d *NullDevice) EncodeDescriptor(info DescriptorInfo, dst []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if uint64(len(dst)) != d.caps.DescriptorSizes.Size(info.Type) || len(dst) < 16 {
		return fmt.Errorf("encode %s descriptor: %d byte destination", info.Type, len(dst))
	}
	clear(dst)
	dst[0] = byte(info.Type)
	dst[1] = byte(info.Pool)
	switch info.Type {
	case DescriptorUniform:
		binary.LittleEndian.PutUint32(dst[4:], uint32(info.Size))
		binary.LittleEndian.PutUint64(dst[8:], info.Offset)
	case DescriptorSampledImage:
		if _, ok := d.images[info.Image]; !ok {
			return fmt.Errorf("encode image descriptor %d: %w", info.Image, ErrInvalidHandle)
		}
		binary.LittleEndian.PutUint64(dst[8:], uint64(info.Image))
	case DescriptorSampler:
		if _, ok := d.samplers[info.Sampler]; !ok {
			return fmt.Errorf("encode sampler descriptor %d: %w", info.Sampler, ErrInvalidHandle)
		}
		binary.LittleEndian.PutUint64(dst[8:], uint64(info.Sampler))
	}
	d.calls.Descriptors++
	return nil
}

// Submit implements Device by copying staging bytes immediately.
func (d *NullDevice) Submit(batch CopyBatch) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	src := d.pools[pool.Staging]
	for i, op := range batch.Ops {
		if op.SrcOffset+op.Size > uint64(len(src)) {
			return fmt.Errorf("copy %d: source range %d+%d outside staging pool", i, op.SrcOffset, op.Size)
		}
		from := src[op.SrcOffset : op.SrcOffset+op.Size]
		switch op.Kind {
		case CopyBuffer:
			dst := d.pools[pool.Bind]
			if op.DstOffset+op.Size > uint64(len(dst)) {
				return fmt.Errorf("copy %d: destination range %d+%d outside bind pool", i, op.DstOffset, op.Size)
			}
			copy(dst[op.DstOffset:], from)
		case CopyImage:
			im, ok := d.images[op.Image]
			if !ok || !im.bound {
				return fmt.Errorf("copy %d: image %d: %w", i, op.Image, ErrInvalidHandle)
			}
			n := copy(d.pools[pool.Image][im.offset:im.offset+im.size], from)
			im.pixels = d.pools[pool.Image][im.offset : im.offset+uint64(n)]
		}
	}
	d.calls.Submits++
	d.calls.CopyOps += len(batch.Ops)
	if batch.OwnershipTransfer {
		d.calls.OwnershipBarrier++
	}
	return nil
}

// Fence implements Device.
func (d *NullDevice) Fence() error {
	d.mu.Lock()
	d.calls.Fences++
	d.mu.Unlock()
	return nil
}

// Close implements Device.
func (d *NullDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if n := len(d.images) + len(d.samplers) + len(d.pipelines); n > 0 {
		d.log.Warn("objects still alive at close",
			zap.Int("images", len(d.images)),
			zap.Int("samplers", len(d.samplers)),
			zap.Int("pipelines", len(d.pipelines)))
	}
	return nil
}

// Calls returns a snapshot of the call counters.
func (d *NullDevice) Calls() NullCalls {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

// Live returns the number of live images, samplers and pipelines.
func (d *NullDevice) Live() (images, samplers, pipelines int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.images), len(d.samplers), len(d.pipelines)
}

// PoolBytes returns the device-side contents of a pool, including pools
// that are not host visible.
func (d *NullDevice) PoolBytes(kind pool.Kind) []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pools[kind]
}

// ImagePixels returns the uploaded texels of an image.
func (d *NullDevice) ImagePixels(img ImageHandle) []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	if im, ok := d.images[img]; ok {
		return im.pixels
	}
	return nil
}
