package gltf

import (
	"encoding/binary"
	"fmt"
	gomath "math"

	"go.uber.org/zap"

	"github.com/Faultbox/scenepose/internal/model"
	"github.com/Faultbox/scenepose/pkg/math"
)

// Sampler defaults from the glTF schema.
const (
	wrapRepeat    = 10497
	modeTriangles = 4
)

func ref(p *int) int {
	if p == nil {
		return model.None
	}
	return *p
}

func (d *decoder) convert(doc *document) (*model.Model, error) {
	bufs, err := d.buffers(doc)
	if err != nil {
		return nil, err
	}
	m := &model.Model{Buffers: bufs, Scene: ref(doc.Scene)}

	for _, v := range doc.BufferViews {
		m.BufferViews = append(m.BufferViews, model.BufferView(v))
	}
	for i, a := range doc.Accessors {
		if a.Sparse != nil {
			return nil, fmt.Errorf("accessor %d: %w: sparse storage", i, ErrUnsupported)
		}
		m.Accessors = append(m.Accessors, model.Accessor{
			BufferView:    ref(a.BufferView),
			ByteOffset:    a.ByteOffset,
			ComponentType: model.ComponentType(a.ComponentType),
			Type:          model.ElementType(a.Type),
			Count:         a.Count,
			Normalized:    a.Normalized,
		})
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}

	for _, s := range doc.Scenes {
		m.Scenes = append(m.Scenes, model.Scene{Name: s.Name, Nodes: s.Nodes})
	}
	for _, me := range doc.Meshes {
		m.Meshes = append(m.Meshes, convertMesh(me))
	}
	for _, n := range doc.Nodes {
		m.Nodes = append(m.Nodes, convertNode(n))
	}
	for i, s := range doc.Skins {
		sk, err := convertSkin(m, s)
		if err != nil {
			return nil, fmt.Errorf("skin %d: %w", i, err)
		}
		m.Skins = append(m.Skins, sk)
	}
	for i, a := range doc.Animations {
		an, err := d.convertAnimation(m, a)
		if err != nil {
			return nil, fmt.Errorf("animation %d: %w", i, err)
		}
		m.Animations = append(m.Animations, an)
	}
	for _, mat := range doc.Materials {
		m.Materials = append(m.Materials, convertMaterial(mat))
	}
	for _, t := range doc.Textures {
		m.Textures = append(m.Textures, model.Texture{Image: ref(t.Source), Sampler: ref(t.Sampler)})
	}
	// Textures without a source get their image from an extension.
	for i := range m.Materials {
		mat := &m.Materials[i]
		for slot, tex := range mat.Textures {
			if tex >= 0 && tex < len(m.Textures) && m.Textures[tex].Image == model.None {
				d.log.Warn("texture without source unbound",
					zap.Int("material", i), zap.Int("slot", slot), zap.Int("texture", tex))
				mat.Textures[slot] = model.None
			}
		}
	}
	for _, s := range doc.Samplers {
		smp := model.Sampler{MagFilter: s.MagFilter, MinFilter: s.MinFilter, WrapS: wrapRepeat, WrapT: wrapRepeat}
		if s.WrapS != nil {
			smp.WrapS = *s.WrapS
		}
		if s.WrapT != nil {
			smp.WrapT = *s.WrapT
		}
		m.Samplers = append(m.Samplers, smp)
	}
	for i, img := range doc.Images {
		im, err := d.decodeImage(m, img)
		if err != nil {
			return nil, fmt.Errorf("image %d: %w", i, err)
		}
		m.Images = append(m.Images, im)
	}

	if err := m.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

func convertMesh(me mesh) model.Mesh {
	out := model.Mesh{Name: me.Name, Weights: me.Weights}
	for _, p := range me.Primitives {
		mode := modeTriangles
		if p.Mode != nil {
			mode = *p.Mode
		}
		out.Primitives = append(out.Primitives, model.Primitive{
			Attributes: p.Attributes,
			Indices:    ref(p.Indices),
			Material:   ref(p.Material),
			Mode:       mode,
			Targets:    p.Targets,
		})
	}
	return out
}

func convertNode(n node) model.Node {
	out := model.Node{
		Name:     n.Name,
		Children: n.Children,
		Mesh:     ref(n.Mesh),
		Skin:     ref(n.Skin),
		Weights:  n.Weights,
	}
	if n.Matrix != nil {
		mat := math.Mat4(*n.Matrix)
		out.Matrix = &mat
		return out
	}
	if n.Translation != nil {
		v := math.Vec3From(*n.Translation)
		out.Translation = &v
	}
	if n.Rotation != nil {
		q := math.QuatFrom(*n.Rotation)
		out.Rotation = &q
	}
	if n.Scale != nil {
		v := math.Vec3From(*n.Scale)
		out.Scale = &v
	}
	return out
}

func convertSkin(m *model.Model, s skin) (model.Skin, error) {
	out := model.Skin{Name: s.Name, Joints: s.Joints, Skeleton: ref(s.Skeleton)}
	if s.InverseBindMatrices == nil {
		return out, nil
	}
	vals, err := floats(m, *s.InverseBindMatrices)
	if err != nil {
		return out, err
	}
	if len(vals) < 16*len(s.Joints) {
		return out, fmt.Errorf("%d inverse bind matrices for %d joints: %w", len(vals)/16, len(s.Joints), model.ErrIndexOutOfRange)
	}
	out.InverseBindMatrices = make([]math.Mat4, len(s.Joints))
	for j := range out.InverseBindMatrices {
		copy(out.InverseBindMatrices[j][:], vals[j*16:])
	}
	return out, nil
}

var paths = map[string]model.Path{
	"translation": model.PathTranslation,
	"rotation":    model.PathRotation,
	"scale":       model.PathScale,
	"weights":     model.PathWeights,
}

// convertAnimation decodes the samplers and groups the channels by node,
// so each node has one target carrying all of its animated paths.
func (d *decoder) convertAnimation(m *model.Model, a animation) (model.Animation, error) {
	out := model.Animation{Name: a.Name}
	for i, s := range a.Samplers {
		in, err := floats(m, s.Input)
		if err != nil {
			return out, fmt.Errorf("sampler %d input: %w", i, err)
		}
		vals, err := floats(m, s.Output)
		if err != nil {
			return out, fmt.Errorf("sampler %d output: %w", i, err)
		}
		interp := model.Interpolation(s.Interpolation)
		switch interp {
		case "":
			interp = model.Linear
		case model.Linear, model.Step, model.CubicSpline:
		default:
			return out, fmt.Errorf("sampler %d: %w: interpolation %q", i, ErrUnsupported, s.Interpolation)
		}
		out.Samplers = append(out.Samplers, model.AnimationSampler{Input: in, Output: vals, Interpolation: interp})
	}

	byNode := make(map[int]int)
	for i, c := range a.Channels {
		path, ok := paths[c.Target.Path]
		if !ok || c.Target.Node == nil {
			d.log.Warn("animation channel skipped",
				zap.String("animation", a.Name),
				zap.Int("channel", i),
				zap.String("path", c.Target.Path))
			continue
		}
		if c.Sampler < 0 || c.Sampler >= len(out.Samplers) {
			return out, fmt.Errorf("channel %d sampler %d: %w", i, c.Sampler, model.ErrIndexOutOfRange)
		}
		node := *c.Target.Node
		t, ok := byNode[node]
		if !ok {
			t = len(out.Targets)
			byNode[node] = t
			tgt := model.Target{Node: node}
			for p := range tgt.Samplers {
				tgt.Samplers[p] = model.None
			}
			out.Targets = append(out.Targets, tgt)
		}
		out.Targets[t].Paths |= path
		out.Targets[t].Samplers[path.Index()] = c.Sampler
	}
	return out, nil
}

func convertMaterial(mat material) model.Material {
	out := model.Material{
		Name:            mat.Name,
		BaseColorFactor: [4]float32{1, 1, 1, 1},
		EmissiveFactor:  mat.EmissiveFactor,
		MetallicFactor:  1,
		RoughnessFactor: 1,
		DoubleSided:     mat.DoubleSided,
	}
	for i := range out.Textures {
		out.Textures[i] = model.None
	}
	tex := func(slot model.TextureSlot, info *textureInfo) {
		if info != nil {
			out.Textures[slot] = info.Index
		}
	}
	if pbr := mat.PBR; pbr != nil {
		if pbr.BaseColorFactor != nil {
			out.BaseColorFactor = *pbr.BaseColorFactor
		}
		if pbr.MetallicFactor != nil {
			out.MetallicFactor = *pbr.MetallicFactor
		}
		if pbr.RoughnessFactor != nil {
			out.RoughnessFactor = *pbr.RoughnessFactor
		}
		tex(model.BaseColorTexture, pbr.BaseColorTexture)
		tex(model.MetallicRoughnessTexture, pbr.MetallicRoughnessTexture)
	}
	tex(model.NormalTexture, mat.NormalTexture)
	tex(model.OcclusionTexture, mat.OcclusionTexture)
	tex(model.EmissiveTexture, mat.EmissiveTexture)
	if mat.AlphaMode == "MASK" {
		out.AlphaCutoff = 0.5
		if mat.AlphaCutoff != nil {
			out.AlphaCutoff = *mat.AlphaCutoff
		}
	}
	return out
}

// floats decodes an accessor to float32 components, honouring the view's
// byte stride and normalized integer components. An accessor without a
// buffer view decodes to zeros.
func floats(m *model.Model, acc int) ([]float32, error) {
	if acc < 0 || acc >= len(m.Accessors) {
		return nil, fmt.Errorf("accessor %d: %w", acc, model.ErrIndexOutOfRange)
	}
	a := &m.Accessors[acc]
	comps := a.Type.Components()
	size := a.ComponentType.Size()
	if comps == 0 || size == 0 {
		return nil, fmt.Errorf("accessor %d: %w: %s of component type %d", acc, ErrUnsupported, a.Type, a.ComponentType)
	}
	out := make([]float32, a.Count*comps)
	buf, off, stride, ok := m.AccessorOffset(acc)
	if !ok || a.Count == 0 {
		return out, nil
	}

	view := &m.BufferViews[a.BufferView]
	end := off + (a.Count-1)*stride + a.ElementSize()
	if end > view.ByteOffset+view.ByteLength {
		return nil, fmt.Errorf("accessor %d: %w", acc, ErrAccessorSize)
	}
	data := m.Buffers[buf]
	for i := range a.Count {
		elem := data[off+i*stride:]
		for c := range comps {
			out[i*comps+c] = component(elem[c*size:], a.ComponentType, a.Normalized)
		}
	}
	return out, nil
}

func component(b []byte, ct model.ComponentType, normalized bool) float32 {
	switch ct {
	case model.Float:
		return gomath.Float32frombits(binary.LittleEndian.Uint32(b))
	case model.Byte:
		v := float32(int8(b[0]))
		if normalized {
			return max(v/127, -1)
		}
		return v
	case model.UnsignedByte:
		v := float32(b[0])
		if normalized {
			return v / 255
		}
		return v
	case model.Short:
		v := float32(int16(binary.LittleEndian.Uint16(b)))
		if normalized {
			return max(v/32767, -1)
		}
		return v
	case model.UnsignedShort:
		v := float32(binary.LittleEndian.Uint16(b))
		if normalized {
			return v / 65535
		}
		return v
	case model.UnsignedInt:
		return float32(binary.LittleEndian.Uint32(b))
	}
	return 0
}
