// Package runtime executes a scheduled bit-serial convolution.
//
// The Engine interprets a schedule.Plan against its compute graph: the
// vectorized weight and activation buffers are materialized first, chunked
// across worker goroutines along the plan's parallel axes, then the
// accumulation nest runs once per output tile in the plan's loop order and
// the narrowed results are written. Iterations of a parallel axis read
// disjoint (or read-only shared) input regions and write disjoint output
// regions, so workers need no synchronization.
//
// Execution is deterministic: identical inputs and an identical
// configuration always produce the identical execution order and numeric
// output, and every valid configuration produces the same numbers.
package runtime

import (
	"fmt"
	goruntime "runtime"
	"sync"
	"time"

	"github.com/sbl8/bitserial/autotune"
	"github.com/sbl8/bitserial/graph"
	"github.com/sbl8/bitserial/kernels"
	"github.com/sbl8/bitserial/schedule"
	"github.com/sbl8/bitserial/tensor"
)

// Options configures engine behavior.
type Options struct {
	// Workers bounds the goroutines used for parallel axes. Values below
	// 2 disable multi-core execution.
	Workers int
}

// DefaultOptions uses one worker per CPU.
func DefaultOptions() Options {
	return Options{Workers: goruntime.NumCPU()}
}

// Stats tracks the engine's last execution.
type Stats struct {
	LastRun     time.Duration
	OutputTiles int64
}

// Engine binds a compute graph to a generated plan. It is safe for
// repeated Run calls but not for concurrent ones.
type Engine struct {
	out    *graph.Node
	plan   *schedule.Plan
	opts   Options
	narrow *graph.Node
	acc    *graph.Node

	dataVec   *graph.Node
	dataPad   *graph.Node
	dataSrc   *graph.Node
	kernelVec *graph.Node
	kernelQ   *graph.Node // nil when the kernel feed is pre-packed
	kernelSrc *graph.Node

	nest nest

	mu    sync.Mutex
	stats Stats
}

// New resolves the graph's stages and checks that the plan's configuration
// matches the tile widths baked into the graph shapes. A mismatch means
// graph construction and scheduling read different configurations, which
// the layout contract forbids.
func New(out *graph.Node, plan *schedule.Plan, opts Options) (*Engine, error) {
	if out == nil || plan == nil {
		return nil, fmt.Errorf("runtime: nil graph or plan")
	}
	if err := graph.Validate(out); err != nil {
		return nil, err
	}

	e := &Engine{out: out, plan: plan, opts: opts}
	e.narrow = graph.Find(out, graph.KindNarrow)
	e.acc = graph.Find(out, graph.KindAccumulate)
	e.dataVec = graph.Find(out, graph.KindDataVectorize)
	e.kernelVec = graph.Find(out, graph.KindKernelVectorize)
	if e.narrow == nil || e.acc == nil || e.dataVec == nil || e.kernelVec == nil {
		return nil, fmt.Errorf("runtime: graph is not a bit-serial convolution")
	}

	cfg := plan.Config()
	nrw := e.narrow.Nrw
	if cfg.VH() != nrw.VH || cfg.VW() != nrw.VW || cfg.VC() != nrw.VC {
		return nil, fmt.Errorf("runtime: plan tiles %dx%dx%d do not match graph tiles %dx%dx%d",
			cfg.VH(), cfg.VW(), cfg.VC(), nrw.VH, nrw.VW, nrw.VC)
	}

	din := e.dataVec.Inputs[0]
	if din.Kind == graph.KindPad {
		e.dataPad = din
		din = din.Inputs[0]
	}
	if din.Kind != graph.KindBitpack || din.Inputs[0].Kind != graph.KindSource {
		return nil, fmt.Errorf("runtime: activation chain is not source -> bitpack [-> pad]")
	}
	e.dataSrc = din.Inputs[0]

	kq := e.kernelVec.Inputs[0]
	switch kq.Kind {
	case graph.KindBitpack:
		e.kernelQ = kq
		e.kernelSrc = kq.Inputs[0]
	case graph.KindSource:
		e.kernelSrc = kq
	default:
		return nil, fmt.Errorf("runtime: kernel chain is not source [-> bitpack] -> vectorize")
	}
	if e.kernelSrc.Kind != graph.KindSource {
		return nil, fmt.Errorf("runtime: kernel chain is not source [-> bitpack] -> vectorize")
	}

	nst, err := e.buildNest()
	if err != nil {
		return nil, err
	}
	e.nest = nst

	if opts.Workers < 1 {
		e.opts.Workers = 1
	}
	return e, nil
}

// Stats returns a copy of the last run's statistics.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats
}

// Run executes the convolution on the fed tensors, keyed by source name.
// It returns the (1, outH, outW, outC) int16 output.
func (e *Engine) Run(feeds map[string]*tensor.Dense[uint8]) (*tensor.Dense[int16], error) {
	start := time.Now()

	data, ok := feeds[e.dataSrc.Name]
	if !ok {
		return nil, fmt.Errorf("runtime: missing feed %q", e.dataSrc.Name)
	}
	if !data.Shape().Equal(e.dataSrc.Shape) {
		return nil, fmt.Errorf("runtime: feed %q has shape %v, graph expects %v",
			e.dataSrc.Name, data.Shape(), e.dataSrc.Shape)
	}
	kernel, ok := feeds[e.kernelSrc.Name]
	if !ok {
		return nil, fmt.Errorf("runtime: missing feed %q", e.kernelSrc.Name)
	}
	if !kernel.Shape().Equal(e.kernelSrc.Shape) {
		return nil, fmt.Errorf("runtime: feed %q has shape %v, graph expects %v",
			e.kernelSrc.Name, kernel.Shape(), e.kernelSrc.Shape)
	}

	dq, err := tensor.Bitpack(data, e.acc.Acc.IB, 3)
	if err != nil {
		return nil, err
	}
	kq := kernel
	if e.kernelQ != nil {
		if kq, err = tensor.Bitpack(kernel, e.acc.Acc.KB, 2); err != nil {
			return nil, err
		}
	}

	kv := e.materializeKernel(kq)
	dv := e.materializeData(dq)
	out := e.compute(kv, dv)

	e.mu.Lock()
	e.stats.LastRun = time.Since(start)
	e.stats.OutputTiles = int64(e.acc.Shape[1]) * int64(e.acc.Shape[2]) * int64(e.acc.Shape[3])
	e.mu.Unlock()
	return out, nil
}

// materializeKernel builds the blocked weight buffer
// (co/vc, kh, kw, kb, vc, ci) from the packed kernel, folding in the
// channel deficit padding. Chunks of the outer channel axis go to
// independent workers per the plan.
func (e *Engine) materializeKernel(kq *tensor.Dense[uint8]) *tensor.Dense[uint8] {
	a := e.acc.Acc
	oco := e.kernelVec.Shape[0]
	vc := e.kernelVec.KernelVec.VC
	ciPacked := e.kernelVec.Shape[5]
	kv := tensor.New[uint8](oco, a.KH, a.KW, a.KB, vc, a.CI)

	kvS := kv.Strides()
	kqS := kq.Strides()

	factor, ok := e.plan.SplitFactor(e.kernelVec.Name, autotune.AxisBCO)
	if !ok || factor < 1 {
		factor = 1
	}
	chunks := (oco + factor - 1) / factor
	parallel := e.plan.IsParallel(e.kernelVec.Name, autotune.AxisBCO)

	e.parallelFor(chunks, parallel, func(chunk int) {
		coEnd := (chunk + 1) * factor
		if coEnd > oco {
			coEnd = oco
		}
		for co := chunk * factor; co < coEnd; co++ {
			for dh := 0; dh < a.KH; dh++ {
				for dw := 0; dw < a.KW; dw++ {
					for b := 0; b < a.KB; b++ {
						for v := 0; v < vc; v++ {
							dst := co*kvS[0] + dh*kvS[1] + dw*kvS[2] + b*kvS[3] + v*kvS[4]
							src := dh*kqS[0] + dw*kqS[1] + b*kqS[2] + (co*vc+v)
							for ci := 0; ci < ciPacked; ci++ {
								kv.Data[dst+ci] = kq.Data[src+ci*kqS[3]]
							}
							// ci >= ciPacked stays zero: the deficit pad.
						}
					}
				}
			}
		}
	})
	return kv
}

// materializeData builds the tiled activation buffer
// (1, hTiles, wTiles, vh*strideH+kh-1, vw*strideW+kw-1, ib, ci), reading
// through the inlined zero-padding stage: coordinates outside the packed
// activation, including deficit-padded channels, produce zero.
func (e *Engine) materializeData(dq *tensor.Dense[uint8]) *tensor.Dense[uint8] {
	a := e.acc.Acc
	dvShape := e.dataVec.Shape
	dp := e.dataVec.DataVec
	dv := tensor.New[uint8](dvShape...)

	padTop, padLeft := 0, 0
	if e.dataPad != nil {
		padTop = e.dataPad.Pad.Before[1]
		padLeft = e.dataPad.Pad.Before[2]
	}
	srcH, srcW := dq.Shape()[1], dq.Shape()[2]
	ciPacked := dq.Shape()[4]

	hTiles, wTiles := dvShape[1], dvShape[2]
	tileH, tileW := dvShape[3], dvShape[4]
	dvS := dv.Strides()
	dqS := dq.Strides()

	factor, ok := e.plan.SplitFactor(e.dataVec.Name, autotune.AxisAH)
	if !ok || factor < 1 {
		factor = 1
	}
	chunks := (hTiles + factor - 1) / factor
	parallel := e.plan.IsParallel(e.dataVec.Name, autotune.AxisAH)

	e.parallelFor(chunks, parallel, func(chunk int) {
		htEnd := (chunk + 1) * factor
		if htEnd > hTiles {
			htEnd = hTiles
		}
		for ht := chunk * factor; ht < htEnd; ht++ {
			for wt := 0; wt < wTiles; wt++ {
				for vh := 0; vh < tileH; vh++ {
					ih := ht*dp.VH*dp.StrideH + vh - padTop
					if ih < 0 || ih >= srcH {
						continue
					}
					for vw := 0; vw < tileW; vw++ {
						iw := wt*dp.VW*dp.StrideW + vw - padLeft
						if iw < 0 || iw >= srcW {
							continue
						}
						dst := ht*dvS[1] + wt*dvS[2] + vh*dvS[3] + vw*dvS[4]
						src := ih*dqS[1] + iw*dqS[2]
						for b := 0; b < a.IB; b++ {
							copy(dv.Data[dst+b*dvS[5]:dst+b*dvS[5]+ciPacked],
								dq.Data[src+b*dqS[3]:src+b*dqS[3]+ciPacked])
						}
					}
				}
			}
		}
	})
	return dv
}

// axis slot indices for the accumulation nest's value vector.
const (
	slotVH = iota
	slotVW
	slotKH
	slotKW
	slotCIO
	slotKB
	slotIB
	slotVC
	slotCII
	slotCount
)

func axisSlot(a autotune.Axis) (int, bool) {
	switch a {
	case autotune.AxisVH:
		return slotVH, true
	case autotune.AxisVW:
		return slotVW, true
	case autotune.AxisKH:
		return slotKH, true
	case autotune.AxisKW:
		return slotKW, true
	case autotune.AxisCIOuter:
		return slotCIO, true
	case autotune.AxisKB:
		return slotKB, true
	case autotune.AxisIB:
		return slotIB, true
	case autotune.AxisVC:
		return slotVC, true
	case autotune.AxisCIInner:
		return slotCII, true
	}
	return 0, false
}

// nest describes the reordered reduction loop nest of one output tile:
// position i of the odometer iterates axis slots[i] over extents[i].
type nest struct {
	slots   [slotCount]int
	extents [slotCount]int
	ciInner int
}

func (e *Engine) buildNest() (nest, error) {
	a := e.acc.Acc
	order := e.plan.Order(e.acc.Name)
	if order == nil {
		order = autotune.ReorderCandidates()[0]
	}
	if len(order) != slotCount+4 {
		return nest{}, fmt.Errorf("runtime: reduction order has %d axes, want %d", len(order), slotCount+4)
	}

	ciInner, ok := e.plan.SplitFactor(e.acc.Name, autotune.AxisCI)
	if !ok || ciInner < 1 || a.CI%ciInner != 0 {
		ciInner = a.CI
	}
	ext := map[int]int{
		slotVH:  a.VH,
		slotVW:  a.VW,
		slotKH:  a.KH,
		slotKW:  a.KW,
		slotCIO: a.CI / ciInner,
		slotKB:  a.KB,
		slotIB:  a.IB,
		slotVC:  a.VC,
		slotCII: ciInner,
	}

	var n nest
	n.ciInner = ciInner
	seen := [slotCount]bool{}
	for i, ax := range order[4:] {
		slot, ok := axisSlot(ax)
		if !ok || seen[slot] {
			return nest{}, fmt.Errorf("runtime: bad reduction order axis %q", ax)
		}
		seen[slot] = true
		n.slots[i] = slot
		n.extents[i] = ext[slot]
	}
	return n, nil
}

// compute runs the fused accumulation and narrowing. The accumulation for
// one output-channel tile completes before that tile's narrowed values are
// written (the plan's compute_at granularity), and height tiles are
// distributed across workers.
func (e *Engine) compute(kv, dv *tensor.Dense[uint8]) *tensor.Dense[int16] {
	a := e.acc.Acc
	ohTiles, owTiles, coTiles := e.acc.Shape[1], e.acc.Shape[2], e.acc.Shape[3]
	out := tensor.New[int16](e.narrow.Shape...)
	n := &e.nest

	kvS := kv.Strides()
	dvS := dv.Strides()
	outS := out.Strides()
	unipolar := a.Polarity == graph.Unipolar
	parallel := e.plan.IsParallel(e.narrow.Name, autotune.AxisOH)

	e.parallelFor(ohTiles, parallel, func(oh int) {
		accU := make([]uint16, a.VH*a.VW*a.VC)
		accI := make([]int16, a.VH*a.VW*a.VC)
		for ow := 0; ow < owTiles; ow++ {
			for co := 0; co < coTiles; co++ {
				if unipolar {
					for i := range accI {
						accI[i] = 0
					}
					e.reduceUnipolar(n, kv, dv, kvS, dvS, oh, ow, co, accI)
					e.write(out, outS, oh, ow, co, nil, accI)
				} else {
					for i := range accU {
						accU[i] = 0
					}
					e.reduceBipolar(n, kv, dv, kvS, dvS, oh, ow, co, accU)
					e.write(out, outS, oh, ow, co, accU, nil)
				}
			}
		}
	})
	return out
}

// reduceBipolar accumulates popcount(w&d) << (kb+ib) over the reordered
// nest in a widened uint16, exactly as the graph declares.
func (e *Engine) reduceBipolar(n *nest, kv, dv *tensor.Dense[uint8], kvS, dvS []int, oh, ow, co int, acc []uint16) {
	a := e.acc.Acc
	kvBase := co * kvS[0]
	dvBase := oh*dvS[1] + ow*dvS[2]

	var pos, vals [slotCount]int
	for {
		ci := vals[slotCIO]*n.ciInner + vals[slotCII]
		w := kv.Data[kvBase+vals[slotKH]*kvS[1]+vals[slotKW]*kvS[2]+vals[slotKB]*kvS[3]+vals[slotVC]*kvS[4]+ci]
		d := dv.Data[dvBase+(vals[slotVH]*a.StrideH+vals[slotKH])*dvS[3]+(vals[slotVW]*a.StrideW+vals[slotKW])*dvS[4]+vals[slotIB]*dvS[5]+ci]
		acc[(vals[slotVH]*a.VW+vals[slotVW])*a.VC+vals[slotVC]] += kernels.BipolarTerm(w, d, uint(vals[slotKB]+vals[slotIB]))

		p := slotCount - 1
		for ; p >= 0; p-- {
			pos[p]++
			if pos[p] < n.extents[p] {
				vals[n.slots[p]] = pos[p]
				break
			}
			pos[p] = 0
			vals[n.slots[p]] = 0
		}
		if p < 0 {
			return
		}
	}
}

// reduceUnipolar accumulates (popcount(w&d) - popcount(^w&d)) << (kb+ib)
// in a widened int16.
func (e *Engine) reduceUnipolar(n *nest, kv, dv *tensor.Dense[uint8], kvS, dvS []int, oh, ow, co int, acc []int16) {
	a := e.acc.Acc
	kvBase := co * kvS[0]
	dvBase := oh*dvS[1] + ow*dvS[2]

	var pos, vals [slotCount]int
	for {
		ci := vals[slotCIO]*n.ciInner + vals[slotCII]
		w := kv.Data[kvBase+vals[slotKH]*kvS[1]+vals[slotKW]*kvS[2]+vals[slotKB]*kvS[3]+vals[slotVC]*kvS[4]+ci]
		d := dv.Data[dvBase+(vals[slotVH]*a.StrideH+vals[slotKH])*dvS[3]+(vals[slotVW]*a.StrideW+vals[slotKW])*dvS[4]+vals[slotIB]*dvS[5]+ci]
		acc[(vals[slotVH]*a.VW+vals[slotVW])*a.VC+vals[slotVC]] += kernels.UnipolarTerm(w, d, uint(vals[slotKB]+vals[slotIB]))

		p := slotCount - 1
		for ; p >= 0; p-- {
			pos[p]++
			if pos[p] < n.extents[p] {
				vals[n.slots[p]] = pos[p]
				break
			}
			pos[p] = 0
			vals[n.slots[p]] = 0
		}
		if p < 0 {
			return
		}
	}
}

// write narrows one accumulated tile back to flat output coordinates.
func (e *Engine) write(out *tensor.Dense[int16], outS []int, oh, ow, co int, accU []uint16, accI []int16) {
	a := e.acc.Acc
	for vh := 0; vh < a.VH; vh++ {
		for vw := 0; vw < a.VW; vw++ {
			base := (oh*a.VH+vh)*outS[1] + (ow*a.VW+vw)*outS[2] + co*a.VC
			row := (vh*a.VW + vw) * a.VC
			if accU != nil {
				for vc := 0; vc < a.VC; vc++ {
					out.Data[base+vc] = int16(accU[row+vc])
				}
			} else {
				for vc := 0; vc < a.VC; vc++ {
					out.Data[base+vc] = accI[row+vc]
				}
			}
		}
	}
}

// parallelFor runs fn over [0, n) on the engine's workers when the plan
// marked the axis parallel, serially otherwise. Iterations write disjoint
// regions, so plain striding with a WaitGroup suffices.
func (e *Engine) parallelFor(n int, parallel bool, fn func(i int)) {
	workers := e.opts.Workers
	if !parallel || workers < 2 || n < 2 {
		for i := 0; i < n; i++ {
			fn(i)
		}
		return
	}
	if workers > n {
		workers = n
	}
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(start int) {
			defer wg.Done()
			for i := start; i < n; i += workers {
				fn(i)
			}
		}(w)
	}
	wg.Wait()
}
