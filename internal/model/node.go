package model

import (
	"errors"
	"fmt"

	"github.com/Faultbox/scenepose/pkg/math"
)

// Model validation errors.
var (
	ErrIndexOutOfRange = errors.New("index out of range")
	ErrNoScene         = errors.New("model has no scene")
	ErrUnboundTexture  = errors.New("texture has no image")
)

// RestLocal returns the node's authored local transform: its matrix when
// declared, otherwise T * R * S of the declared components. A node that
// declares neither has an identity transform.
func (n *Node) RestLocal() math.Mat4 {
	if n.Matrix != nil {
		return *n.Matrix
	}
	if n.Translation == nil && n.Rotation == nil && n.Scale == nil {
		return math.Identity()
	}
	t, r, s := n.RestTRS()
	return math.TRS(t, r, s)
}

// RestTRS returns the node's rest translation, rotation and scale. A
// declared matrix is decomposed; missing components take their identity
// values.
func (n *Node) RestTRS() (math.Vec3, math.Quat, math.Vec3) {
	if n.Matrix != nil {
		return n.Matrix.Decompose()
	}
	t := math.Vec3{}
	r := math.QuatIdentity()
	s := math.Vec3One()
	if n.Translation != nil {
		t = *n.Translation
	}
	if n.Rotation != nil {
		r = *n.Rotation
	}
	if n.Scale != nil {
		s = *n.Scale
	}
	return t, r, s
}

// RestWeights returns the node's morph weights, falling back to the
// weights declared on its mesh.
func (m *Model) RestWeights(node int) []float32 {
	n := &m.Nodes[node]
	if len(n.Weights) > 0 || n.Mesh == None {
		return n.Weights
	}
	return m.Meshes[n.Mesh].Weights
}

// Roots returns the root nodes of the given scenes. An empty list selects
// the default scene, or scene 0 when no default is declared.
func (m *Model) Roots(scenes []int) ([]int, error) {
	if len(scenes) == 0 {
		if len(m.Scenes) == 0 {
			return nil, ErrNoScene
		}
		def := m.Scene
		if def == None {
			def = 0
		}
		scenes = []int{def}
	}
	var roots []int
	for _, s := range scenes {
		if s < 0 || s >= len(m.Scenes) {
			return nil, fmt.Errorf("scene %d: %w", s, ErrIndexOutOfRange)
		}
		roots = append(roots, m.Scenes[s].Nodes...)
	}
	return roots, nil
}

// AccessorOffset returns the buffer and byte offset where an accessor's
// first element lives, and its stride in bytes.
func (m *Model) AccessorOffset(accessor int) (buffer, offset, stride int, ok bool) {
	if accessor < 0 || accessor >= len(m.Accessors) {
		return 0, 0, 0, false
	}
	a := &m.Accessors[accessor]
	if a.BufferView == None {
		return 0, 0, 0, false
	}
	v := &m.BufferViews[a.BufferView]
	stride = v.ByteStride
	if stride == 0 {
		stride = a.ElementSize()
	}
	return v.Buffer, v.ByteOffset + a.ByteOffset, stride, true
}

// Validate checks that every cross reference in the model is in range and
// that every texture a material samples has an image.
func (m *Model) Validate() error {
	check := func(what string, owner, idx, n int) error {
		if idx != None && (idx < 0 || idx >= n) {
			return fmt.Errorf("%s of %d -> %d: %w", what, owner, idx, ErrIndexOutOfRange)
		}
		return nil
	}
	for i, v := range m.BufferViews {
		if err := check("bufferView buffer", i, v.Buffer, len(m.Buffers)); err != nil {
			return err
		}
		if v.ByteOffset+v.ByteLength > len(m.Buffers[v.Buffer]) {
			return fmt.Errorf("bufferView %d exceeds buffer %d: %w", i, v.Buffer, ErrIndexOutOfRange)
		}
	}
	for i, a := range m.Accessors {
		if err := check("accessor bufferView", i, a.BufferView, len(m.BufferViews)); err != nil {
			return err
		}
	}
	for i := range m.Meshes {
		for _, p := range m.Meshes[i].Primitives {
			for _, acc := range p.Attributes {
				if err := check("primitive attribute", i, acc, len(m.Accessors)); err != nil {
					return err
				}
			}
			if err := check("primitive indices", i, p.Indices, len(m.Accessors)); err != nil {
				return err
			}
			if err := check("primitive material", i, p.Material, len(m.Materials)); err != nil {
				return err
			}
		}
	}
	for i, n := range m.Nodes {
		if err := check("node mesh", i, n.Mesh, len(m.Meshes)); err != nil {
			return err
		}
		if err := check("node skin", i, n.Skin, len(m.Skins)); err != nil {
			return err
		}
		for _, c := range n.Children {
			if err := check("node child", i, c, len(m.Nodes)); err != nil {
				return err
			}
		}
	}
	for i, s := range m.Skins {
		if err := check("skin skeleton", i, s.Skeleton, len(m.Nodes)); err != nil {
			return err
		}
		for _, j := range s.Joints {
			if err := check("skin joint", i, j, len(m.Nodes)); err != nil {
				return err
			}
		}
	}
	for i := range m.Animations {
		a := &m.Animations[i]
		for _, t := range a.Targets {
			if err := check("animation target", i, t.Node, len(m.Nodes)); err != nil {
				return err
			}
			for _, s := range t.Samplers {
				if err := check("animation sampler", i, s, len(a.Samplers)); err != nil {
					return err
				}
			}
		}
	}
	for i, mat := range m.Materials {
		for _, tex := range mat.Textures {
			if err := check("material texture", i, tex, len(m.Textures)); err != nil {
				return err
			}
		}
	}
	for i, t := range m.Textures {
		if err := check("texture image", i, t.Image, len(m.Images)); err != nil {
			return err
		}
		if err := check("texture sampler", i, t.Sampler, len(m.Samplers)); err != nil {
			return err
		}
	}
	for i, mat := range m.Materials {
		for _, tex := range mat.Textures {
			if tex != None && m.Textures[tex].Image == None {
				return fmt.Errorf("material %d texture %d: %w", i, tex, ErrUnboundTexture)
			}
		}
	}
	for i, s := range m.Scenes {
		for _, n := range s.Nodes {
			if err := check("scene node", i, n, len(m.Nodes)); err != nil {
				return err
			}
		}
	}
	return nil
}
