// Package gldevice implements gpu.Device on OpenGL 4.1 core.
//
// GL has no explicit memory pools: the bind pool is one buffer object,
// staging is host memory uploaded with BufferSubData and TexSubImage2D,
// and each image owns its own texture storage. The image pool only
// accounts for the bytes the planner hands out.
package gldevice

import (
	"errors"
	"fmt"
	"sync"
	"time"
	"unsafe"

	"github.com/go-gl/gl/v4.1-core/gl"
	"go.uber.org/zap"

	"github.com/Faultbox/scenepose/internal/gpu"
	"github.com/Faultbox/scenepose/internal/logger"
	"github.com/Faultbox/scenepose/internal/pool"
)

// ErrNoDescriptorHeap is returned by EncodeDescriptor; GL binds resources
// by name and unit instead.
var ErrNoDescriptorHeap = errors.New("device has no descriptor heap")

// ImageAlignment is the alignment reported for image memory.
const ImageAlignment = 256

// Options configures the GL device.
type Options struct {
	MaxSamplers  int
	FenceTimeout time.Duration
}

// Device is a gpu.Device backed by a hidden OpenGL context.
type Device struct {
	thread *glThread
	log    *zap.Logger
	opts   Options
	caps   gpu.Caps

	mu        sync.Mutex
	bind      uint32 // buffer object of the bind pool
	host      [pool.KindCount][]byte
	images    map[gpu.ImageHandle]*texture
	samplers  map[gpu.SamplerHandle]uint32
	pipelines map[gpu.PipelineHandle]uint32
}

type texture struct {
	id     uint32
	desc   gpu.ImageDesc
	size   uint64
	offset uint64
	bound  bool
}

// New opens a GL context and queries its limits.
func New(opts Options) (*Device, error) {
	if opts.FenceTimeout <= 0 {
		opts.FenceTimeout = time.Second
	}
	log := logger.Component("gpu.gl")
	t, err := startThread(log)
	if err != nil {
		return nil, err
	}
	d := &Device{
		thread:    t,
		log:       log,
		opts:      opts,
		images:    make(map[gpu.ImageHandle]*texture),
		samplers:  make(map[gpu.SamplerHandle]uint32),
		pipelines: make(map[gpu.PipelineHandle]uint32),
	}

	var uboAlign int32
	t.do(func() {
		gl.GetIntegerv(gl.UNIFORM_BUFFER_OFFSET_ALIGNMENT, &uboAlign)
	})
	d.caps = gpu.Caps{
		CopyAlignment:    4,
		UniformAlignment: uint64(max(uboAlign, 1)),
		MaxSamplers:      opts.MaxSamplers,
	}
	log.Info("device ready", zap.Uint64("uniform_alignment", d.caps.UniformAlignment))
	return d, nil
}

// Caps implements gpu.Device.
func (d *Device) Caps() gpu.Caps {
	return d.caps
}

// AllocatePool implements gpu.Device. Only the staging and descriptor
// pools are host visible.
func (d *Device) AllocatePool(kind pool.Kind, capacity uint64) (gpu.PoolMemory, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch kind {
	case pool.Bind:
		var glErr uint32
		d.thread.do(func() {
			gl.GenBuffers(1, &d.bind)
			gl.BindBuffer(gl.COPY_WRITE_BUFFER, d.bind)
			gl.BufferData(gl.COPY_WRITE_BUFFER, int(capacity), nil, gl.DYNAMIC_DRAW)
			gl.BindBuffer(gl.COPY_WRITE_BUFFER, 0)
			glErr = gl.GetError()
		})
		if glErr == gl.OUT_OF_MEMORY {
			return gpu.PoolMemory{}, fmt.Errorf("allocate %s pool: %w", kind, gpu.ErrOutOfMemory)
		}
		d.log.Debug("pool allocated", zap.Stringer("kind", kind), zap.Uint64("capacity", capacity))
		return gpu.PoolMemory{Handle: gpu.PoolHandle(d.bind)}, nil
	case pool.Image:
		return gpu.PoolMemory{Handle: gpu.PoolHandle(kind + 1)}, nil
	case pool.Staging, pool.DescriptorResource, pool.DescriptorSampler:
		d.host[kind] = make([]byte, capacity)
		return gpu.PoolMemory{Handle: gpu.PoolHandle(kind + 1), Bytes: d.host[kind]}, nil
	}
	return gpu.PoolMemory{}, fmt.Errorf("allocate %s pool: %w", kind, gpu.ErrInvalidHandle)
}

// CreateImage implements gpu.Device with RGBA8 texture storage.
func (d *Device) CreateImage(desc gpu.ImageDesc) (gpu.ImageHandle, gpu.MemoryRequirements, error) {
	if desc.Width <= 0 || desc.Height <= 0 {
		return 0, gpu.MemoryRequirements{}, fmt.Errorf("create image %dx%d: invalid size", desc.Width, desc.Height)
	}
	levels := max(desc.MipLevels, 1)
	var id uint32
	d.thread.do(func() {
		gl.GenTextures(1, &id)
		gl.BindTexture(gl.TEXTURE_2D, id)
		w, h := int32(desc.Width), int32(desc.Height)
		for level := range int32(levels) {
			gl.TexImage2D(gl.TEXTURE_2D, level, gl.RGBA8, w, h, 0, gl.RGBA, gl.UNSIGNED_BYTE, nil)
			w, h = max(w/2, 1), max(h/2, 1)
		}
		gl.TexParameteri(gl.TEXTURE_2D, gl.TEXTURE_MAX_LEVEL, int32(levels-1))
		gl.BindTexture(gl.TEXTURE_2D, 0)
	})

	size := uint64(desc.Width) * uint64(desc.Height) * 4
	d.mu.Lock()
	h := gpu.ImageHandle(id)
	d.images[h] = &texture{id: id, desc: desc, size: size}
	d.mu.Unlock()
	return h, gpu.MemoryRequirements{Size: size, Alignment: ImageAlignment}, nil
}

func (d *Device) texture(img gpu.ImageHandle) (*texture, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	t, ok := d.images[img]
	if !ok {
		return nil, fmt.Errorf("image %d: %w", img, gpu.ErrInvalidHandle)
	}
	return t, nil
}

// BindImageMemory implements gpu.Device. Texture storage already exists;
// the offset is only checked and recorded.
func (d *Device) BindImageMemory(img gpu.ImageHandle, offset uint64) error {
	t, err := d.texture(img)
	if err != nil {
		return err
	}
	if offset%ImageAlignment != 0 {
		return fmt.Errorf("bind image %d at %d: misaligned", img, offset)
	}
	d.mu.Lock()
	t.offset, t.bound = offset, true
	d.mu.Unlock()
	return nil
}

// WriteImage implements gpu.Device.
func (d *Device) WriteImage(img gpu.ImageHandle, pixels []byte) error {
	t, err := d.texture(img)
	if err != nil {
		return err
	}
	if uint64(len(pixels)) < t.size {
		return fmt.Errorf("write image %d: %d bytes for %dx%d", img, len(pixels), t.desc.Width, t.desc.Height)
	}
	d.thread.do(func() {
		upload(t, unsafe.Pointer(&pixels[0]))
	})
	return nil
}

// upload fills mip level 0 and regenerates the chain. Runs on the GL thread.
func upload(t *texture, pixels unsafe.Pointer) {
	gl.BindTexture(gl.TEXTURE_2D, t.id)
	gl.PixelStorei(gl.UNPACK_ALIGNMENT, 1)
	gl.TexSubImage2D(gl.TEXTURE_2D, 0, 0, 0, int32(t.desc.Width), int32(t.desc.Height), gl.RGBA, gl.UNSIGNED_BYTE, pixels)
	if t.desc.MipLevels > 1 {
		gl.GenerateMipmap(gl.TEXTURE_2D)
	}
	gl.BindTexture(gl.TEXTURE_2D, 0)
}

// DestroyImage implements gpu.Device.
func (d *Device) DestroyImage(img gpu.ImageHandle) {
	d.mu.Lock()
	t, ok := d.images[img]
	delete(d.images, img)
	d.mu.Unlock()
	if ok {
		d.thread.do(func() { gl.DeleteTextures(1, &t.id) })
	}
}

// CreateSampler implements gpu.Device.
func (d *Device) CreateSampler(desc gpu.SamplerDesc) (gpu.SamplerHandle, error) {
	d.mu.Lock()
	n := len(d.samplers)
	d.mu.Unlock()
	if d.opts.MaxSamplers > 0 && n >= d.opts.MaxSamplers {
		return 0, fmt.Errorf("create sampler %d: %w", n, gpu.ErrSamplerLimit)
	}

	var id uint32
	d.thread.do(func() {
		gl.GenSamplers(1, &id)
		param := func(name uint32, v int) {
			if v != 0 {
				gl.SamplerParameteri(id, name, int32(v))
			}
		}
		param(gl.TEXTURE_MAG_FILTER, desc.MagFilter)
		param(gl.TEXTURE_MIN_FILTER, desc.MinFilter)
		param(gl.TEXTURE_WRAP_S, desc.WrapS)
		param(gl.TEXTURE_WRAP_T, desc.WrapT)
	})

	d.mu.Lock()
	defer d.mu.Unlock()
	h := gpu.SamplerHandle(id)
	d.samplers[h] = id
	return h, nil
}

// DestroySampler implements gpu.Device.
func (d *Device) DestroySampler(s gpu.SamplerHandle) {
	d.mu.Lock()
	id, ok := d.samplers[s]
	delete(d.samplers, s)
	d.mu.Unlock()
	if ok {
		d.thread.do(func() { gl.DeleteSamplers(1, &id) })
	}
}

// CreatePipeline implements gpu.Device by compiling a shader program for
// the variant.
func (d *Device) CreatePipeline(desc gpu.PipelineDesc) (gpu.PipelineHandle, error) {
	var (
		program uint32
		err     error
	)
	d.thread.do(func() {
		program, err = compileProgram(vertexSource(desc), fragmentSource(desc))
		if err == nil {
			bindSamplers(program, desc)
		}
	})
	if err != nil {
		return 0, fmt.Errorf("create pipeline: %w", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	h := gpu.PipelineHandle(program)
	d.pipelines[h] = program
	d.log.Debug("pipeline compiled",
		zap.Uint32("program", program),
		zap.Bool("skinned", desc.Skinned),
		zap.Int("joints", desc.Joints),
		zap.Int("morph_targets", desc.MorphTargets))
	return h, nil
}

// DestroyPipeline implements gpu.Device.
func (d *Device) DestroyPipeline(p gpu.PipelineHandle) {
	d.mu.Lock()
	program, ok := d.pipelines[p]
	delete(d.pipelines, p)
	d.mu.Unlock()
	if ok {
		d.thread.do(func() { gl.DeleteProgram(program) })
	}
}

// EncodeDescriptor implements gpu.Device. GL reports no explicit
// descriptor support, so the planner never calls it.
func (d *Device) EncodeDescriptor(info gpu.DescriptorInfo, dst []byte) error {
	return fmt.Errorf("encode %s descriptor: %w", info.Type, ErrNoDescriptorHeap)
}

// Submit implements gpu.Device by uploading from the staging memory.
// GL has a single queue, so ownership transfers are no-ops.
func (d *Device) Submit(batch gpu.CopyBatch) error {
	d.mu.Lock()
	staging := d.host[pool.Staging]
	bind := d.bind
	targets := make([]*texture, len(batch.Ops))
	for i, op := range batch.Ops {
		if op.SrcOffset+op.Size > uint64(len(staging)) || op.Size == 0 {
			d.mu.Unlock()
			return fmt.Errorf("copy %d: source range %d+%d outside staging pool", i, op.SrcOffset, op.Size)
		}
		if op.Kind == gpu.CopyImage {
			t, ok := d.images[op.Image]
			if !ok || !t.bound {
				d.mu.Unlock()
				return fmt.Errorf("copy %d: image %d: %w", i, op.Image, gpu.ErrInvalidHandle)
			}
			targets[i] = t
		}
	}
	d.mu.Unlock()

	d.thread.do(func() {
		gl.BindBuffer(gl.COPY_WRITE_BUFFER, bind)
		for i, op := range batch.Ops {
			src := unsafe.Pointer(&staging[op.SrcOffset])
			switch op.Kind {
			case gpu.CopyBuffer:
				gl.BufferSubData(gl.COPY_WRITE_BUFFER, int(op.DstOffset), int(op.Size), src)
			case gpu.CopyImage:
				upload(targets[i], src)
			}
		}
		gl.BindBuffer(gl.COPY_WRITE_BUFFER, 0)
	})
	d.log.Debug("copies submitted",
		zap.Int("ops", len(batch.Ops)),
		zap.Uint64("bytes", batch.Bytes()))
	return nil
}

// Fence implements gpu.Device and waits for the GL command stream.
func (d *Device) Fence() error {
	var status uint32
	d.thread.do(func() {
		fence := gl.FenceSync(gl.SYNC_GPU_COMMANDS_COMPLETE, 0)
		status = gl.ClientWaitSync(fence, gl.SYNC_FLUSH_COMMANDS_BIT, uint64(d.opts.FenceTimeout.Nanoseconds()))
		gl.DeleteSync(fence)
	})
	switch status {
	case gl.ALREADY_SIGNALED, gl.CONDITION_SATISFIED:
		return nil
	case gl.TIMEOUT_EXPIRED:
		return fmt.Errorf("fence: timed out after %s", d.opts.FenceTimeout)
	}
	return errors.New("fence: wait failed")
}

// Close implements gpu.Device. It releases every remaining object and the
// context.
func (d *Device) Close() error {
	d.mu.Lock()
	if n := len(d.images) + len(d.samplers) + len(d.pipelines); n > 0 {
		d.log.Warn("objects still alive at close",
			zap.Int("images", len(d.images)),
			zap.Int("samplers", len(d.samplers)),
			zap.Int("pipelines", len(d.pipelines)))
	}
	images, samplers, programs := d.images, d.samplers, d.pipelines
	d.images, d.samplers, d.pipelines = nil, nil, nil
	d.mu.Unlock()

	d.thread.do(func() {
		for _, t := range images {
			gl.DeleteTextures(1, &t.id)
		}
		for _, id := range samplers {
			gl.DeleteSamplers(1, &id)
		}
		for _, p := range programs {
			gl.DeleteProgram(p)
		}
		if d.bind != 0 {
			gl.DeleteBuffers(1, &d.bind)
		}
	})
	d.thread.stop()
	return nil
}
