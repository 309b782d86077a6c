// Package pose writes joint matrices, node transforms and morph weights
// into the transform blocks reserved by the layout.
package pose

import (
	"encoding/binary"
	gomath "math"

	"go.uber.org/zap"

	"github.com/Faultbox/scenepose/internal/anim"
	"github.com/Faultbox/scenepose/internal/gpu"
	"github.com/Faultbox/scenepose/internal/layout"
	"github.com/Faultbox/scenepose/internal/logger"
	"github.com/Faultbox/scenepose/internal/model"
	"github.com/Faultbox/scenepose/internal/pool"
	"github.com/Faultbox/scenepose/internal/scenegraph"
	"github.com/Faultbox/scenepose/pkg/bitset"
	"github.com/Faultbox/scenepose/pkg/math"
)

// Stats counts the writes of one frame.
type Stats struct {
	Instances    int
	JointWrites  int
	MatrixWrites int
	WeightWrites int
	Skipped      int
}

// Add accumulates o into s.
func (s *Stats) Add(o Stats) {
	s.Instances += o.Instances
	s.JointWrites += o.JointWrites
	s.MatrixWrites += o.MatrixWrites
	s.WeightWrites += o.WeightWrites
	s.Skipped += o.Skipped
}

// Writer writes evaluated poses. It is not safe for concurrent use.
type Writer struct {
	log *zap.Logger
	// noSkeleton holds skins already reported for lacking a skeleton root.
	noSkeleton bitset.Mask64
	// unvisited holds nodes already reported for being read outside the
	// active scene.
	unvisited bitset.Set
	ops       []gpu.CopyOp
}

// NewWriter creates a writer.
func NewWriter() *Writer {
	return &Writer{log: logger.Component("pose")}
}

// Write stores the pose of every instance found by the traversal r into
// the layout's write target. Animated weights come from p when its weight
// mask is set for the node; p may be nil. When the target is the staging
// pool, the returned copy ops move the written blocks to the bind pool and
// must be submitted before drawing; the slice is reused by the next call.
func (w *Writer) Write(m *model.Model, l *layout.Layout, r *scenegraph.Result, p *anim.Pose, pools *pool.Set) (Stats, []gpu.CopyOp) {
	var st Stats
	w.ops = w.ops[:0]
	target := pools.Get(l.Target)

	for mesh := range r.Buckets {
		b := &r.Buckets[mesh]
		if mesh >= len(l.Transforms) || b.Nodes.Count() == 0 {
			continue
		}
		blk := l.Transforms[mesh]
		dst := target.Bytes(pool.Region{Offset: l.WriteOffset(blk.Offset), Size: blk.Size()})
		if dst == nil {
			if blk.Size() > 0 {
				w.log.Error("pose target not host visible", zap.Stringer("pool", l.Target))
			}
			st.Skipped += b.Nodes.Count()
			continue
		}

		slot := 0
		b.Nodes.Each(func(node int) {
			if slot >= blk.Instances {
				st.Skipped++
				return
			}
			base := uint64(slot) * blk.Stride
			w.writeInstance(m, r, p, node, blk, dst[base:base+blk.Stride], &st)
			st.Instances++
			slot++
		})

		if l.Target == pool.Staging && blk.Size() > 0 {
			w.ops = append(w.ops, gpu.CopyOp{
				Kind:      gpu.CopyBuffer,
				SrcOffset: l.WriteOffset(blk.Offset),
				DstOffset: blk.Offset,
				Size:      blk.Size(),
			})
		}
	}
	return st, w.ops
}

func (w *Writer) writeInstance(m *model.Model, r *scenegraph.Result, p *anim.Pose, node int, blk layout.TransformBlock, dst []byte, st *Stats) {
	n := &m.Nodes[node]

	if n.Skin != model.None && blk.Joints > 0 {
		skin := &m.Skins[n.Skin]
		invRoot := w.inverseRoot(r, n.Skin, skin)
		for j, joint := range skin.Joints {
			if j >= blk.Joints {
				break
			}
			mat := invRoot.Mul(w.global(r, joint, "joint"))
			if j < len(skin.InverseBindMatrices) {
				mat = mat.Mul(skin.InverseBindMatrices[j])
			}
			mat.Put(dst[j*math.Mat4Size:])
			st.JointWrites++
		}
	} else {
		r.Global[node].Put(dst)
		st.MatrixWrites++
	}

	if blk.MorphTargets == 0 {
		return
	}
	var weights []float32
	if p != nil && p.Masks.Weights.Test(node) {
		weights = p.Weights[node]
	} else {
		weights = m.RestWeights(node)
	}
	joints := max(blk.Joints, 1)
	off := joints * math.Mat4Size
	for i := 0; i < len(weights) && i < blk.MorphTargets; i++ {
		binary.LittleEndian.PutUint32(dst[off+i*layout.WeightSize:], gomath.Float32bits(weights[i]))
		st.WeightWrites++
	}
}

// inverseRoot returns the inverse global transform of a skin's skeleton
// root. A skin without one uses identity, which is only known to be right
// for skins whose joints are already expressed in model space.
func (w *Writer) inverseRoot(r *scenegraph.Result, index int, skin *model.Skin) math.Mat4 {
	if skin.Skeleton != model.None {
		return w.global(r, skin.Skeleton, "skeleton").Inverse()
	}
	if index < 64 && !w.noSkeleton.Test(index) {
		w.noSkeleton.Set(index)
		w.log.Warn("skin has no skeleton root, using identity", zap.Int("skin", index), zap.String("name", skin.Name))
	}
	return math.Identity()
}

// global returns the global transform of a node reached by the traversal.
// Nodes outside the active scene have no transform this frame and read as
// identity.
func (w *Writer) global(r *scenegraph.Result, node int, role string) math.Mat4 {
	if r.Visited.Test(node) {
		return r.Global[node]
	}
	if w.unvisited.Len() != len(r.Global) {
		w.unvisited.Resize(len(r.Global))
	}
	if !w.unvisited.Test(node) {
		w.unvisited.Set(node)
		w.log.Warn("node outside the active scene, using identity",
			zap.String("role", role), zap.Int("node", node))
	}
	return math.Identity()
}
