// Package scenegraph walks a model's node hierarchy, accumulating global
// transforms and grouping mesh instances into buckets.
package scenegraph

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/Faultbox/scenepose/internal/anim"
	"github.com/Faultbox/scenepose/internal/logger"
	"github.com/Faultbox/scenepose/internal/model"
	"github.com/Faultbox/scenepose/pkg/bitset"
	"github.com/Faultbox/scenepose/pkg/math"
)

// Hierarchy limits. Mesh and skin membership are single-word masks; the
// node limit matches the joint array size of the skinning shaders.
const (
	MaxMeshes = 64
	MaxSkins  = 63
	MaxNodes  = 4096
)

// Limit errors.
var (
	ErrTooManyMeshes = errors.New("too many meshes")
	ErrTooManySkins  = errors.New("too many skins")
	ErrTooManyNodes  = errors.New("too many nodes")
)

// Bucket holds the instances of one mesh found during a traversal.
type Bucket struct {
	Nodes bitset.Set
	Skins bitset.Mask64
}

// Result is the output of one traversal.
type Result struct {
	Global  []math.Mat4
	Buckets []Bucket
	Visited bitset.Set
}

// NewResult allocates a result sized for m.
func NewResult(m *model.Model) *Result {
	r := &Result{
		Global:  make([]math.Mat4, len(m.Nodes)),
		Buckets: make([]Bucket, len(m.Meshes)),
		Visited: bitset.New(len(m.Nodes)),
	}
	for i := range r.Buckets {
		r.Buckets[i].Nodes = bitset.New(len(m.Nodes))
	}
	return r
}

func (r *Result) reset() {
	r.Visited.Reset()
	for i := range r.Buckets {
		r.Buckets[i].Nodes.Reset()
		r.Buckets[i].Skins = 0
	}
}

// CheckLimits reports whether m fits the hierarchy limits.
func CheckLimits(m *model.Model) error {
	if n := len(m.Meshes); n > MaxMeshes {
		return fmt.Errorf("%d meshes, limit %d: %w", n, MaxMeshes, ErrTooManyMeshes)
	}
	if n := len(m.Skins); n > MaxSkins {
		return fmt.Errorf("%d skins, limit %d: %w", n, MaxSkins, ErrTooManySkins)
	}
	if n := len(m.Nodes); n > MaxNodes {
		return fmt.Errorf("%d nodes, limit %d: %w", n, MaxNodes, ErrTooManyNodes)
	}
	return nil
}

// Evaluator computes global transforms. It remembers which malformed
// nodes it has already reported.
type Evaluator struct {
	log    *zap.Logger
	warned map[int]bool
}

// NewEvaluator creates an evaluator.
func NewEvaluator() *Evaluator {
	return &Evaluator{
		log:    logger.Component("scenegraph"),
		warned: make(map[int]bool),
	}
}

// Evaluate walks every root. Nodes in pose's transform mask use the
// animated local transform, all others their rest transform. pose may be
// nil. A node reachable twice is visited once.
func (e *Evaluator) Evaluate(m *model.Model, roots []int, pose *anim.Pose, r *Result) {
	r.reset()
	for _, root := range roots {
		e.visit(m, root, math.Identity(), pose, r)
	}
}

func (e *Evaluator) visit(m *model.Model, node int, inherited math.Mat4, pose *anim.Pose, r *Result) {
	if node < 0 || node >= len(m.Nodes) || r.Visited.Test(node) {
		return
	}
	r.Visited.Set(node)
	n := &m.Nodes[node]

	var local math.Mat4
	if pose != nil && pose.Masks.Transform.Test(node) {
		local = pose.Local[node]
	} else {
		local = n.RestLocal()
	}
	global := inherited.Mul(local)
	r.Global[node] = global

	if mesh, ok := e.meshOf(m, node); ok {
		b := &r.Buckets[mesh]
		b.Nodes.Set(node)
		if n.Skin != model.None {
			b.Skins.Set(n.Skin)
		}
	}

	for _, child := range n.Children {
		e.visit(m, child, global, pose, r)
	}
}

// meshOf returns the mesh a node instantiates. A skinned node without a
// mesh is reported and treated as an instance of mesh 0.
func (e *Evaluator) meshOf(m *model.Model, node int) (int, bool) {
	n := &m.Nodes[node]
	if n.Mesh != model.None {
		return n.Mesh, n.Mesh >= 0 && n.Mesh < len(m.Meshes)
	}
	if n.Skin == model.None || len(m.Meshes) == 0 {
		return 0, false
	}
	if !e.warned[node] {
		e.warned[node] = true
		e.log.Warn("node has a skin but no mesh, using mesh 0",
			zap.Int("node", node), zap.String("name", n.Name), zap.Int("skin", n.Skin))
	}
	return 0, true
}

// Counts summarises a rest-pose traversal for layout planning.
type Counts struct {
	Instances []int
	Skins     []bitset.Mask64
	Nodes     int
}

// Count walks roots once and returns per-mesh instance counts and skin
// unions. Instance membership does not depend on animation, so the counts
// hold for every frame.
func Count(m *model.Model, roots []int) (Counts, error) {
	if err := CheckLimits(m); err != nil {
		return Counts{}, err
	}
	r := NewResult(m)
	NewEvaluator().Evaluate(m, roots, nil, r)

	c := Counts{
		Instances: make([]int, len(m.Meshes)),
		Skins:     make([]bitset.Mask64, len(m.Meshes)),
		Nodes:     r.Visited.Count(),
	}
	for i := range r.Buckets {
		c.Instances[i] = r.Buckets[i].Nodes.Count()
		c.Skins[i] = r.Buckets[i].Skins
	}
	return c, nil
}
