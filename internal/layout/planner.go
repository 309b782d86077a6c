package layout

import (
	"encoding/binary"
	"errors"
	"fmt"
	gomath "math"
	"maps"
	"slices"

	"github.com/c2h5oh/datasize"
	"go.uber.org/zap"

	"github.com/Faultbox/scenepose/internal/gpu"
	"github.com/Faultbox/scenepose/internal/logger"
	"github.com/Faultbox/scenepose/internal/model"
	"github.com/Faultbox/scenepose/internal/pool"
	"github.com/Faultbox/scenepose/internal/resources"
	"github.com/Faultbox/scenepose/internal/scenegraph"
	"github.com/Faultbox/scenepose/pkg/bitset"
)

// Options selects what a load places.
type Options struct {
	// Scenes lists the active scenes. Empty selects the default scene.
	Scenes []int
}

// Planner computes and applies layouts for one model instance.
type Planner struct {
	dev    gpu.Device
	pools  *pool.Set
	log    *zap.Logger
	layout *Layout

	// pipelines are the variants behind the handles in the last
	// successful BuildPipelines.
	pipelines []gpu.PipelineDesc
}

// NewPlanner creates a planner allocating from pools.
func NewPlanner(dev gpu.Device, pools *pool.Set) *Planner {
	return &Planner{
		dev:   dev,
		pools: pools,
		log:   logger.Component("layout"),
	}
}

// Layout returns the last successful layout, or nil.
func (p *Planner) Layout() *Layout {
	return p.layout
}

// attempt records the objects created by one Load so a failure can
// destroy exactly those.
type attempt struct {
	images   []gpu.ImageHandle
	samplers []gpu.SamplerHandle
}

func (a *attempt) unwind(dev gpu.Device) {
	resources.Assets{Images: a.images, Samplers: a.samplers}.Destroy(dev)
	a.images, a.samplers = nil, nil
}

// plan holds offsets relative to the start of each region while the
// regions themselves are not yet allocated.
type plan struct {
	bindSize   uint64
	buffers    []uint64
	transforms []uint64
	materials  uint64

	resSize, samplerSize uint64
	meshDesc             []uint64
	matDesc              []*MaterialDescriptors

	images      []uint64
	imageSize   uint64
	imageAlign  uint64
	imageStage  []uint64
	stagingSize uint64
}

// Load places m into the pools, uploads its data and creates its images
// and samplers. When h already holds valid assets the previous layout is
// returned without touching any pool. On failure every object created by
// this call is destroyed and h is left as it was; pool cursors are not
// rolled back. The error maps to a Result through ResultOf.
func (p *Planner) Load(m *model.Model, h *resources.Handles, opts Options) (*Layout, error) {
	if h.State().Has(resources.AssetsValid) && p.layout != nil {
		p.log.Debug("assets valid, reusing layout")
		return p.layout, nil
	}

	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("validate model: %w", err)
	}
	roots, err := m.Roots(opts.Scenes)
	if err != nil {
		return nil, err
	}
	counts, err := scenegraph.Count(m, roots)
	if err != nil {
		return nil, err
	}

	var a attempt
	l, err := p.load(m, roots, counts, &a)
	if err != nil {
		a.unwind(p.dev)
		p.log.Warn("layout failed", zap.Stringer("result", ResultOf(err)), zap.Error(err))
		return nil, err
	}

	h.MarkAssets(resources.Assets{
		Images:      a.images,
		Samplers:    a.samplers,
		ImageRegion: l.ImageRegion,
	})
	p.layout = l
	p.log.Info("layout planned",
		zap.Int("buffers", len(l.Buffers)),
		zap.Int("instances", l.Instances()),
		zap.Int("images", len(l.Images)),
		zap.Int("samplers", len(l.Samplers)+1),
		zap.Int("draws", len(l.Draws)),
		zap.Stringer("bind", datasize.ByteSize(l.Bind.Size)),
		zap.Stringer("staging", datasize.ByteSize(l.Staging.Size)),
		zap.Stringer("image", datasize.ByteSize(l.ImageRegion.Size)))
	return l, nil
}

func (p *Planner) load(m *model.Model, roots []int, counts scenegraph.Counts, a *attempt) (*Layout, error) {
	caps := p.dev.Caps()
	l := &Layout{
		Roots:     roots,
		MeshSkins: counts.Skins,
		Target:    pool.Staging,
	}
	if caps.UnifiedMemory {
		l.Target = pool.Bind
	}
	for _, s := range counts.Skins {
		l.SkinMask |= s
	}

	pl := planBind(m, caps, counts, l)
	if caps.ExplicitDescriptors {
		planDescriptors(m, caps, &pl)
	}
	if err := p.createImages(m, caps, &pl, a); err != nil {
		return nil, err
	}
	if err := p.allocate(caps, &pl, l); err != nil {
		return nil, err
	}
	for i, img := range a.images {
		if err := p.dev.BindImageMemory(img, l.Images[i]); err != nil {
			return nil, fmt.Errorf("bind image %d: %w", i, err)
		}
	}
	l.ImageHandles = a.images

	if err := p.upload(m, caps, &pl, l, a); err != nil {
		return nil, err
	}
	if err := p.createSamplers(m, l, a); err != nil {
		return nil, err
	}
	if caps.ExplicitDescriptors {
		if err := p.writeDescriptors(m, caps, &pl, l); err != nil {
			return nil, err
		}
	}
	l.Draws = buildDraws(m, l)

	if err := p.dev.Fence(); err != nil {
		return nil, fmt.Errorf("fence: %w", err)
	}
	return l, nil
}

func maxJoints(m *model.Model, skins bitset.Mask64) int {
	j := 0
	skins.Each(func(s int) {
		if n := len(m.Skins[s].Joints); n > j {
			j = n
		}
	})
	return j
}

func alignOf(v uint64) uint64 {
	if v == 0 {
		return 1
	}
	return v
}

// planBind lays out buffers, transform blocks and material uniforms
// back to back.
func planBind(m *model.Model, caps gpu.Caps, counts scenegraph.Counts, l *Layout) plan {
	copyAlign := alignOf(caps.CopyAlignment)
	uniAlign := alignOf(caps.UniformAlignment)

	var pl plan
	var rel uint64
	pl.buffers = make([]uint64, len(m.Buffers))
	for i, b := range m.Buffers {
		rel = pool.AlignUp(rel, copyAlign)
		pl.buffers[i] = rel
		rel += uint64(len(b))
	}

	pl.transforms = make([]uint64, len(m.Meshes))
	l.Transforms = make([]TransformBlock, len(m.Meshes))
	for i := range m.Meshes {
		skinned := counts.Skins[i] != 0
		blk := TransformBlock{
			Instances:    counts.Instances[i],
			MorphTargets: m.Meshes[i].MorphTargets(),
		}
		if skinned {
			blk.Joints = maxJoints(m, counts.Skins[i])
		}
		blk.Stride = PoseStride(blk.Joints, blk.MorphTargets)
		rel = pool.AlignUp(rel, uniAlign)
		pl.transforms[i] = rel
		rel += blk.Size()
		l.Transforms[i] = blk
	}

	rel = pool.AlignUp(rel, uniAlign)
	pl.materials = rel
	rel += uint64(len(m.Materials)) * MaterialUniformSize

	pl.bindSize = pool.AlignUp(rel, copyAlign)
	return pl
}

// planDescriptors reserves a uniform descriptor per mesh and, per textured
// material, a resource block and a sampler block.
func planDescriptors(m *model.Model, caps gpu.Caps, pl *plan) {
	ds := caps.DescriptorSizes
	align := alignOf(caps.UniformAlignment)

	pl.meshDesc = make([]uint64, len(m.Meshes))
	for i := range m.Meshes {
		pl.resSize = pool.AlignUp(pl.resSize, align)
		pl.meshDesc[i] = pl.resSize
		pl.resSize += ds.Uniform
	}

	pl.matDesc = make([]*MaterialDescriptors, len(m.Materials))
	for i := range m.Materials {
		n := m.Materials[i].TextureCount()
		if n == 0 {
			continue
		}
		pl.resSize = pool.AlignUp(pl.resSize, align)
		pl.samplerSize = pool.AlignUp(pl.samplerSize, align)
		pl.matDesc[i] = &MaterialDescriptors{
			Resource: pl.resSize,
			Sampler:  pl.samplerSize,
			Textures: n,
		}
		pl.resSize += ds.Uniform + uint64(n)*ds.SampledImage
		pl.samplerSize += uint64(n) * ds.Sampler
	}
}

// createImages creates every image to learn its memory requirements and
// computes image pool and staging offsets.
func (p *Planner) createImages(m *model.Model, caps gpu.Caps, pl *plan, a *attempt) error {
	pl.images = make([]uint64, len(m.Images))
	pl.imageStage = make([]uint64, len(m.Images))
	pl.imageAlign = 1
	stage := pl.bindSize
	copyAlign := alignOf(caps.CopyAlignment)

	for i := range m.Images {
		img := &m.Images[i]
		h, req, err := p.dev.CreateImage(gpu.ImageDesc{Width: img.Width, Height: img.Height, MipLevels: 1})
		if err != nil {
			if errors.Is(err, gpu.ErrOutOfMemory) {
				return fmt.Errorf("create image %d: %w: %w", i, ErrInsufficientImageMemory, err)
			}
			return fmt.Errorf("create image %d: %w", i, err)
		}
		a.images = append(a.images, h)

		align := alignOf(req.Alignment)
		pl.imageSize = pool.AlignUp(pl.imageSize, align)
		pl.images[i] = pl.imageSize
		pl.imageSize += req.Size
		pl.imageAlign = max(pl.imageAlign, align)

		stage = pool.AlignUp(stage, copyAlign)
		pl.imageStage[i] = stage
		stage += uint64(len(img.Pixels))
	}
	pl.stagingSize = stage
	return nil
}

// allocate makes the single allocation of each pool. Failures are checked
// in the order image, staging, bind, descriptor resource, descriptor
// sampler.
func (p *Planner) allocate(caps gpu.Caps, pl *plan, l *Layout) error {
	type request struct {
		kind  pool.Kind
		size  uint64
		align uint64
		dst   *pool.Region
		err   error
	}
	uniAlign := max(alignOf(caps.UniformAlignment), alignOf(caps.CopyAlignment))
	reqs := []request{
		{pool.Image, pl.imageSize, pl.imageAlign, &l.ImageRegion, ErrInsufficientImageMemory},
		{pool.Staging, pl.stagingSize, alignOf(caps.CopyAlignment), &l.Staging, ErrInsufficientStagingMemory},
		{pool.Bind, pl.bindSize, uniAlign, &l.Bind, ErrInsufficientBindMemory},
		{pool.DescriptorResource, pl.resSize, alignOf(caps.UniformAlignment), &l.DescriptorResource, ErrInsufficientDescriptorResourceMemory},
		{pool.DescriptorSampler, pl.samplerSize, alignOf(caps.UniformAlignment), &l.DescriptorSampler, ErrInsufficientDescriptorSamplerMemory},
	}
	if caps.UnifiedMemory {
		// Images are written in place, so nothing passes through staging.
		reqs[1].size = 0
	}

	for _, r := range reqs {
		if r.size == 0 {
			continue
		}
		region, err := p.pools.Get(r.kind).AllocAligned(r.size, r.align)
		if err != nil {
			return fmt.Errorf("%w: %w", r.err, err)
		}
		*r.dst = region
	}

	l.Buffers = make([]uint64, len(pl.buffers))
	for i, off := range pl.buffers {
		l.Buffers[i] = l.Bind.Offset + off
	}
	for i := range l.Transforms {
		l.Transforms[i].Offset = l.Bind.Offset + pl.transforms[i]
	}
	l.MaterialUniforms = l.Bind.Offset + pl.materials

	l.Images = make([]uint64, len(pl.images))
	for i, off := range pl.images {
		l.Images[i] = l.ImageRegion.Offset + off
	}
	if !caps.UnifiedMemory {
		l.ImageStaging = make([]uint64, len(pl.imageStage))
		for i, off := range pl.imageStage {
			l.ImageStaging[i] = l.Staging.Offset + off
		}
	}

	if caps.ExplicitDescriptors {
		l.MeshDescriptors = make([]uint64, len(pl.meshDesc))
		for i, off := range pl.meshDesc {
			l.MeshDescriptors[i] = l.DescriptorResource.Offset + off
		}
		l.MaterialDescriptors = make([]*MaterialDescriptors, len(pl.matDesc))
		for i, md := range pl.matDesc {
			if md == nil {
				continue
			}
			l.MaterialDescriptors[i] = &MaterialDescriptors{
				Resource: l.DescriptorResource.Offset + md.Resource,
				Sampler:  l.DescriptorSampler.Offset + md.Sampler,
				Textures: md.Textures,
			}
		}
	}
	return nil
}

// writeRegion returns the host bytes the model data is written to: the
// bind region on unified memory, otherwise its mirror at the start of the
// staging region.
func (p *Planner) writeRegion(pl *plan, l *Layout) ([]byte, error) {
	if pl.bindSize == 0 {
		return nil, nil
	}
	var b []byte
	if l.Target == pool.Bind {
		b = p.pools.Get(pool.Bind).Bytes(l.Bind)
	} else {
		b = p.pools.Get(pool.Staging).Bytes(l.Staging)
	}
	if b == nil {
		return nil, fmt.Errorf("%s pool: %w", l.Target, gpu.ErrNotHostVisible)
	}
	return b[:pl.bindSize], nil
}

// upload copies buffers and material uniforms into place and moves image
// texels to their images.
func (p *Planner) upload(m *model.Model, caps gpu.Caps, pl *plan, l *Layout, a *attempt) error {
	dst, err := p.writeRegion(pl, l)
	if err != nil {
		return err
	}
	for i, buf := range m.Buffers {
		copy(dst[pl.buffers[i]:], buf)
	}
	for i := range m.Materials {
		off := pl.materials + uint64(i)*MaterialUniformSize
		encodeMaterial(dst[off:off+MaterialUniformSize], &m.Materials[i])
	}

	if caps.UnifiedMemory {
		for i, img := range a.images {
			if err := p.dev.WriteImage(img, m.Images[i].Pixels); err != nil {
				return fmt.Errorf("write image %d: %w", i, err)
			}
		}
		return nil
	}

	var batch gpu.CopyBatch
	batch.OwnershipTransfer = caps.SeparateTransferQueue
	if pl.bindSize > 0 {
		batch.Ops = append(batch.Ops, gpu.CopyOp{
			Kind:      gpu.CopyBuffer,
			SrcOffset: l.Staging.Offset,
			DstOffset: l.Bind.Offset,
			Size:      pl.bindSize,
		})
	}
	if len(a.images) > 0 {
		staging := p.pools.Get(pool.Staging).Bytes(l.Staging)
		if staging == nil {
			return fmt.Errorf("staging pool: %w", gpu.ErrNotHostVisible)
		}
		for i, img := range a.images {
			src := &m.Images[i]
			copy(staging[pl.imageStage[i]:], src.Pixels)
			batch.Ops = append(batch.Ops, gpu.CopyOp{
				Kind:      gpu.CopyImage,
				SrcOffset: l.ImageStaging[i],
				Size:      uint64(len(src.Pixels)),
				Image:     img,
				Width:     src.Width,
				Height:    src.Height,
			})
		}
	}
	if len(batch.Ops) == 0 {
		return nil
	}
	if err := p.dev.Submit(batch); err != nil {
		return fmt.Errorf("submit uploads: %w", err)
	}
	return nil
}

// encodeMaterial packs a material into MaterialUniformSize bytes:
// base color, emissive, metallic, roughness, alpha cutoff, flags and the
// bound texture slot mask.
func encodeMaterial(dst []byte, mat *model.Material) {
	clear(dst)
	put := func(off int, v float32) {
		binary.LittleEndian.PutUint32(dst[off:], gomath.Float32bits(v))
	}
	for i, v := range mat.BaseColorFactor {
		put(i*4, v)
	}
	for i, v := range mat.EmissiveFactor {
		put(16+i*4, v)
	}
	put(28, mat.MetallicFactor)
	put(32, mat.RoughnessFactor)
	put(36, mat.AlphaCutoff)
	var flags, textures uint32
	if mat.DoubleSided {
		flags |= 1
	}
	for slot, tex := range mat.Textures {
		if tex != model.None {
			textures |= 1 << slot
		}
	}
	binary.LittleEndian.PutUint32(dst[40:], flags)
	binary.LittleEndian.PutUint32(dst[44:], textures)
}

// createSamplers creates one sampler per model sampler plus the default
// sampler, stopping at the first refusal.
func (p *Planner) createSamplers(m *model.Model, l *Layout, a *attempt) error {
	descs := make([]gpu.SamplerDesc, 0, len(m.Samplers)+1)
	for _, s := range m.Samplers {
		descs = append(descs, gpu.SamplerDesc{MagFilter: s.MagFilter, MinFilter: s.MinFilter, WrapS: s.WrapS, WrapT: s.WrapT})
	}
	descs = append(descs, gpu.SamplerDesc{})

	for i, d := range descs {
		s, err := p.dev.CreateSampler(d)
		if err != nil {
			if errors.Is(err, gpu.ErrSamplerLimit) {
				return fmt.Errorf("sampler %d: %w: %w", i, ErrExceededSamplerLimit, err)
			}
			return fmt.Errorf("sampler %d: %w", i, err)
		}
		a.samplers = append(a.samplers, s)
	}
	l.Samplers = a.samplers[:len(m.Samplers)]
	l.DefaultSampler = a.samplers[len(m.Samplers)]
	return nil
}

// SamplerFor returns the sampler a texture uses.
func (l *Layout) SamplerFor(m *model.Model, texture int) gpu.SamplerHandle {
	if s := m.Textures[texture].Sampler; s != model.None {
		return l.Samplers[s]
	}
	return l.DefaultSampler
}

// writeDescriptors encodes every descriptor into the descriptor pools.
func (p *Planner) writeDescriptors(m *model.Model, caps gpu.Caps, pl *plan, l *Layout) error {
	ds := caps.DescriptorSizes
	res := p.pools.Get(pool.DescriptorResource).Bytes(l.DescriptorResource)
	smp := p.pools.Get(pool.DescriptorSampler).Bytes(l.DescriptorSampler)
	if (pl.resSize > 0 && res == nil) || (pl.samplerSize > 0 && smp == nil) {
		return fmt.Errorf("descriptor pools: %w", gpu.ErrNotHostVisible)
	}

	encode := func(dst []byte, off uint64, info gpu.DescriptorInfo) (uint64, error) {
		size := ds.Size(info.Type)
		if err := p.dev.EncodeDescriptor(info, dst[off:off+size]); err != nil {
			return off, fmt.Errorf("encode %s descriptor: %w", info.Type, err)
		}
		return off + size, nil
	}

	for i, blk := range l.Transforms {
		_, err := encode(res, pl.meshDesc[i], gpu.DescriptorInfo{
			Type:   gpu.DescriptorUniform,
			Pool:   pool.Bind,
			Offset: blk.Offset,
			Size:   blk.Size(),
		})
		if err != nil {
			return fmt.Errorf("mesh %d: %w", i, err)
		}
	}

	for i, md := range pl.matDesc {
		if md == nil {
			continue
		}
		mat := &m.Materials[i]
		roff, err := encode(res, md.Resource, gpu.DescriptorInfo{
			Type:   gpu.DescriptorUniform,
			Pool:   pool.Bind,
			Offset: l.MaterialUniforms + uint64(i)*MaterialUniformSize,
			Size:   MaterialUniformSize,
		})
		if err != nil {
			return fmt.Errorf("material %d: %w", i, err)
		}
		soff := md.Sampler
		for _, tex := range mat.Textures {
			if tex == model.None {
				continue
			}
			roff, err = encode(res, roff, gpu.DescriptorInfo{
				Type:  gpu.DescriptorSampledImage,
				Pool:  pool.Image,
				Image: l.ImageHandles[m.Textures[tex].Image],
			})
			if err != nil {
				return fmt.Errorf("material %d: %w", i, err)
			}
			soff, err = encode(smp, soff, gpu.DescriptorInfo{
				Type:    gpu.DescriptorSampler,
				Sampler: l.SamplerFor(m, tex),
			})
			if err != nil {
				return fmt.Errorf("material %d: %w", i, err)
			}
		}
	}
	return nil
}

// buildDraws fills the per-primitive draw table.
func buildDraws(m *model.Model, l *Layout) []DrawInfo {
	var draws []DrawInfo
	for mi := range m.Meshes {
		for pi := range m.Meshes[mi].Primitives {
			prim := &m.Meshes[mi].Primitives[pi]
			d := DrawInfo{
				Mesh:      mi,
				Primitive: pi,
				Material:  prim.Material,
				Pipeline:  -1,
				Transform: l.Transforms[mi],
			}
			for _, name := range slices.Sorted(maps.Keys(prim.Attributes)) {
				buf, off, stride, ok := m.AccessorOffset(prim.Attributes[name])
				if !ok {
					continue
				}
				d.Vertices = append(d.Vertices, VertexStream{
					Attribute: name,
					Offset:    l.Buffers[buf] + uint64(off),
					Stride:    stride,
				})
			}
			if prim.Indices != model.None {
				acc := &m.Accessors[prim.Indices]
				d.Indexed = true
				d.Count = acc.Count
				d.IndexType = acc.ComponentType
				if buf, off, _, ok := m.AccessorOffset(prim.Indices); ok {
					d.IndexOffset = l.Buffers[buf] + uint64(off)
				}
			} else if pos, ok := prim.Attributes["POSITION"]; ok {
				d.Count = m.Accessors[pos].Count
			}
			if l.MeshDescriptors != nil {
				d.MeshDescriptor = l.MeshDescriptors[mi]
				if prim.Material != model.None {
					d.MaterialDescriptors = l.MaterialDescriptors[prim.Material]
				}
			}
			draws = append(draws, d)
		}
	}
	return draws
}
