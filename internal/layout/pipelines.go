package layout

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/Faultbox/scenepose/internal/gpu"
	"github.com/Faultbox/scenepose/internal/model"
	"github.com/Faultbox/scenepose/internal/resources"
)

var attributeBits = map[string]uint32{
	"POSITION":   gpu.AttrPosition,
	"NORMAL":     gpu.AttrNormal,
	"TANGENT":    gpu.AttrTangent,
	"TEXCOORD_0": gpu.AttrTexCoord0,
	"TEXCOORD_1": gpu.AttrTexCoord1,
	"COLOR_0":    gpu.AttrColor0,
	"JOINTS_0":   gpu.AttrJoints0,
	"WEIGHTS_0":  gpu.AttrWeights0,
}

// PipelineFor returns the pipeline variant a draw needs.
func PipelineFor(m *model.Model, l *Layout, d *DrawInfo) gpu.PipelineDesc {
	prim := &m.Meshes[d.Mesh].Primitives[d.Primitive]
	var desc gpu.PipelineDesc
	for name := range prim.Attributes {
		desc.Attributes |= attributeBits[name]
	}
	if l.MeshSkins[d.Mesh] != 0 && desc.Attributes&gpu.AttrJoints0 != 0 {
		desc.Skinned = true
		desc.Joints = d.Transform.Joints
	}
	desc.MorphTargets = len(prim.Targets)
	if prim.Material != model.None {
		mat := &m.Materials[prim.Material]
		for slot, tex := range mat.Textures {
			if tex != model.None {
				desc.Textures |= 1 << slot
			}
		}
		desc.DoubleSided = mat.DoubleSided
		desc.AlphaMask = mat.AlphaCutoff > 0
	}
	return desc
}

// variants returns the distinct pipeline variants of l's draws, seeded
// with known, and the variant index of every draw.
func variants(m *model.Model, l *Layout, known []gpu.PipelineDesc) ([]gpu.PipelineDesc, []int) {
	descs := append([]gpu.PipelineDesc(nil), known...)
	index := make(map[gpu.PipelineDesc]int, len(descs))
	for i, d := range descs {
		index[d] = i
	}
	assign := make([]int, len(l.Draws))
	for i := range l.Draws {
		desc := PipelineFor(m, l, &l.Draws[i])
		idx, ok := index[desc]
		if !ok {
			idx = len(descs)
			index[desc] = idx
			descs = append(descs, desc)
		}
		assign[i] = idx
	}
	return descs, assign
}

// BuildPipelines creates one pipeline per distinct variant used by the
// current layout and returns ErrIncomplete when no assets are loaded.
// When h already has valid pipelines only the draws of a freshly placed
// layout are pointed at them. On failure the pipelines created by this
// call are destroyed.
func (p *Planner) BuildPipelines(m *model.Model, h *resources.Handles) error {
	st := h.State()
	l := p.layout
	if !st.Has(resources.AssetsValid) || l == nil {
		if st.Has(resources.PipelinesValid) {
			return nil
		}
		return fmt.Errorf("build pipelines: %w", ErrIncomplete)
	}

	if st.Has(resources.PipelinesValid) {
		if l.Pipelines != nil {
			return nil
		}
		descs, assign := variants(m, l, p.pipelines)
		if len(descs) == len(p.pipelines) {
			for i := range l.Draws {
				l.Draws[i].Pipeline = assign[i]
			}
			l.Pipelines = descs
			return nil
		}
		// The new layout needs variants the live set lacks.
		return fmt.Errorf("build pipelines: %d variants missing: %w", len(descs)-len(p.pipelines), ErrIncomplete)
	}

	descs, assign := variants(m, l, nil)

	created := make([]gpu.PipelineHandle, 0, len(descs))
	for i, desc := range descs {
		ph, err := p.dev.CreatePipeline(desc)
		if err != nil {
			resources.DestroyPipelines(p.dev, created)
			p.log.Warn("pipeline creation failed", zap.Int("pipeline", i), zap.Error(err))
			return fmt.Errorf("create pipeline %d: %w", i, err)
		}
		created = append(created, ph)
	}

	for i := range l.Draws {
		l.Draws[i].Pipeline = assign[i]
	}
	l.Pipelines = descs
	p.pipelines = descs
	h.MarkPipelines(created)
	p.log.Info("pipelines built", zap.Int("pipelines", len(created)), zap.Int("draws", len(l.Draws)))
	return nil
}
