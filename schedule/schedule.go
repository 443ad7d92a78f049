// Package schedule turns a finished compute graph and a resolved
// configuration into a physical execution plan.
//
// A Plan is an ordered sequence of immutable transform records: inlines,
// axis splits, reorders, vector/parallel markers, and one compute-at
// fusion record. Nothing is mutated in place; generating a plan twice for
// the same graph and configuration yields identical records. The runtime
// interprets the records; every transform is a pure loop-nest
// reassociation, so the numeric result is independent of the
// configuration that produced the plan.
package schedule

import (
	"fmt"
	"strings"

	"github.com/sbl8/bitserial/autotune"
	"github.com/sbl8/bitserial/graph"
)

// Op is the kind of a transform record.
type Op uint8

const (
	OpInline    Op = iota // fold a stage into its consumer
	OpSplit               // split Axis into (outer, inner) with inner width Factor
	OpReorder             // impose Order on a stage's loop nest
	OpVectorize           // mark Axis for data-parallel lane execution
	OpParallel            // mark Axis for multi-core execution
	OpComputeAt           // fuse a stage into Target at Axis granularity
)

func (o Op) String() string {
	switch o {
	case OpInline:
		return "inline"
	case OpSplit:
		return "split"
	case OpReorder:
		return "reorder"
	case OpVectorize:
		return "vectorize"
	case OpParallel:
		return "parallel"
	case OpComputeAt:
		return "compute_at"
	}
	return fmt.Sprintf("op(%d)", uint8(o))
}

// Transform is one immutable scheduling step applied to a named stage.
type Transform struct {
	Op     Op
	Stage  string          // graph node name the step applies to
	Axis   autotune.Axis   // split/vectorize/parallel axis, or compute-at anchor
	Factor int             // inner width for OpSplit
	Order  []autotune.Axis // full loop order for OpReorder
	Target string          // consumer stage for OpComputeAt
}

func (t Transform) String() string {
	switch t.Op {
	case OpInline:
		return fmt.Sprintf("inline(%s)", t.Stage)
	case OpSplit:
		return fmt.Sprintf("split(%s, %s, %d)", t.Stage, t.Axis, t.Factor)
	case OpReorder:
		names := make([]string, len(t.Order))
		for i, a := range t.Order {
			names[i] = string(a)
		}
		return fmt.Sprintf("reorder(%s, [%s])", t.Stage, strings.Join(names, " "))
	case OpVectorize:
		return fmt.Sprintf("vectorize(%s, %s)", t.Stage, t.Axis)
	case OpParallel:
		return fmt.Sprintf("parallel(%s, %s)", t.Stage, t.Axis)
	case OpComputeAt:
		return fmt.Sprintf("compute_at(%s, %s, %s)", t.Stage, t.Target, t.Axis)
	}
	return t.Op.String()
}

// Plan is the finished execution plan for one configuration.
type Plan struct {
	cfg        autotune.Config
	transforms []Transform
}

// Config returns the configuration the plan was generated from.
func (p *Plan) Config() autotune.Config { return p.cfg }

// Transforms returns the ordered records. Callers must not modify them.
func (p *Plan) Transforms() []Transform { return p.transforms }

func (p *Plan) String() string {
	lines := make([]string, len(p.transforms))
	for i, t := range p.transforms {
		lines[i] = t.String()
	}
	return strings.Join(lines, "\n")
}

// SplitFactor returns the inner width of the split applied to an axis of a
// stage, if the plan holds one.
func (p *Plan) SplitFactor(stage string, axis autotune.Axis) (int, bool) {
	for _, t := range p.transforms {
		if t.Op == OpSplit && t.Stage == stage && t.Axis == axis {
			return t.Factor, true
		}
	}
	return 0, false
}

// Order returns the loop order imposed on a stage, or nil.
func (p *Plan) Order(stage string) []autotune.Axis {
	for _, t := range p.transforms {
		if t.Op == OpReorder && t.Stage == stage {
			return t.Order
		}
	}
	return nil
}

// IsParallel reports whether an axis of a stage is marked for multi-core
// execution.
func (p *Plan) IsParallel(stage string, axis autotune.Axis) bool {
	for _, t := range p.transforms {
		if t.Op == OpParallel && t.Stage == stage && t.Axis == axis {
			return true
		}
	}
	return false
}

// Inlined reports whether a stage is folded into its consumer.
func (p *Plan) Inlined(stage string) bool {
	for _, t := range p.transforms {
		if t.Op == OpInline && t.Stage == stage {
			return true
		}
	}
	return false
}

// ComputeAt returns the fusion target and anchor axis of a stage, if any.
func (p *Plan) ComputeAt(stage string) (target string, axis autotune.Axis, ok bool) {
	for _, t := range p.transforms {
		if t.Op == OpComputeAt && t.Stage == stage {
			return t.Target, t.Axis, true
		}
	}
	return "", "", false
}

// Generate walks the compute graph from the designated output and emits
// the execution plan for cfg. outs[0] is the final output node; it may be
// the narrowing stage itself or a later fused stage.
//
// The plan assumes a feasible, already-resolved configuration: tile widths
// are taken as given, exactly as the graph builder consumed them.
func Generate(cfg autotune.Config, outs []*graph.Node) (*Plan, error) {
	if len(outs) == 0 || outs[0] == nil {
		return nil, fmt.Errorf("schedule: no output node")
	}
	last := outs[0]

	narrow := graph.Find(last, graph.KindNarrow)
	acc := graph.Find(last, graph.KindAccumulate)
	dataVec := graph.Find(last, graph.KindDataVectorize)
	kernelVec := graph.Find(last, graph.KindKernelVectorize)
	if narrow == nil || acc == nil || dataVec == nil || kernelVec == nil {
		return nil, fmt.Errorf("schedule: graph is not a bit-serial convolution")
	}

	// The padding stage is recognized by its node kind, not by inspecting
	// the computation; a mis-tagged pad is a caller-side violation.
	var dataPad *graph.Node
	if in := dataVec.Inputs[0]; in.Kind == graph.KindPad {
		dataPad = in
	}

	p := &Plan{cfg: cfg}
	add := func(t Transform) { p.transforms = append(p.transforms, t) }

	// Padding is never materialized; it folds into the vectorize stage.
	if dataPad != nil {
		add(Transform{Op: OpInline, Stage: dataPad.Name})
	}

	// Activation packing pre-pass: chunk the tile-row axis and hand the
	// chunks to independent workers.
	add(Transform{Op: OpSplit, Stage: dataVec.Name, Axis: autotune.AxisAH, Factor: cfg.TileAH})
	add(Transform{Op: OpParallel, Stage: dataVec.Name, Axis: autotune.AxisAH})

	// Weight repacking pre-pass, chunked over the outer channel axis.
	add(Transform{Op: OpSplit, Stage: kernelVec.Name, Axis: autotune.AxisBCO, Factor: cfg.TileBCO})
	add(Transform{Op: OpParallel, Stage: kernelVec.Name, Axis: autotune.AxisBCO})

	// Accumulation: split the packed-channel reduction, then impose the
	// chosen order on the full nest.
	add(Transform{Op: OpSplit, Stage: acc.Name, Axis: autotune.AxisCI, Factor: cfg.CIInner()})
	add(Transform{Op: OpReorder, Stage: acc.Name, Order: autotune.ReorderCandidates()[cfg.Reorder]})

	// Output stage: apply the tile splits used during graph construction,
	// push the tile-inner axes innermost, vectorize the channel lanes.
	add(Transform{Op: OpSplit, Stage: narrow.Name, Axis: autotune.AxisCO, Factor: cfg.VC()})
	add(Transform{Op: OpSplit, Stage: narrow.Name, Axis: autotune.AxisOH, Factor: cfg.VH()})
	add(Transform{Op: OpSplit, Stage: narrow.Name, Axis: autotune.AxisOW, Factor: cfg.VW()})
	add(Transform{Op: OpReorder, Stage: narrow.Name, Order: []autotune.Axis{
		autotune.AxisN, autotune.AxisOH, autotune.AxisOW, autotune.AxisCO,
		autotune.AxisVH, autotune.AxisVW, autotune.AxisVC,
	}})
	add(Transform{Op: OpVectorize, Stage: narrow.Name, Axis: autotune.AxisVC})
	if narrow != last {
		add(Transform{Op: OpInline, Stage: narrow.Name})
	}

	// Fuse the accumulation into the output nest at one channel tile: the
	// whole tile's reduction completes before its outputs are written.
	add(Transform{Op: OpComputeAt, Stage: acc.Name, Target: narrow.Name, Axis: autotune.AxisCO})
	add(Transform{Op: OpParallel, Stage: narrow.Name, Axis: autotune.AxisOH})

	return p, nil
}
