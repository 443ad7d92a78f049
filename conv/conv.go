// Package conv builds the compute graph of a bit-serial 2-D convolution.
//
// The builder produces a pure expression DAG: bit-plane packing of the
// activation, zero padding, tiled (vectorized) views of both operands, the
// popcount accumulation, and the final narrowing stage. Tile widths come
// from a resolved autotune.Config; the same Config must later drive
// schedule generation so physical tiling matches the shapes built here.
//
// The kernel's storage-layout contract is fixed: batch size 1, uint8
// packing unit, int16 output. Violations are reported as errors before any
// graph node is built.
package conv

import (
	"fmt"

	"github.com/sbl8/bitserial/autotune"
	"github.com/sbl8/bitserial/graph"
	"github.com/sbl8/bitserial/tensor"
)

// Stride is the convolution step per output position.
type Stride struct {
	H, W int
}

// UniformStride returns the same stride for both spatial axes.
func UniformStride(s int) Stride { return Stride{H: s, W: s} }

// Padding is the explicit four-sided zero extension of the input.
type Padding struct {
	Top, Left, Bottom, Right int
}

// UniformPadding pads all four sides by p.
func UniformPadding(p int) Padding { return Padding{Top: p, Left: p, Bottom: p, Right: p} }

// PaddingHW pads top/bottom by ph and left/right by pw.
func PaddingHW(ph, pw int) Padding { return Padding{Top: ph, Left: pw, Bottom: ph, Right: pw} }

// Conv2D builds the compute graph for one bit-serial convolution and
// returns its output node, a (1, outH, outW, outC) int16 tensor expression.
//
// data must be a (1, H, W, CI) uint8 source. kernel is either an unpacked
// (KH, KW, CI, CO) uint8 source, bit-packed internally, or a pre-packed
// (KH, KW, KB, CI/8, CO) source. packType must be tensor.Uint8 and outType
// tensor.Int16; both are fixed by the kernel's storage layout, not
// incidental limits.
func Conv2D(
	cfg autotune.Config,
	data, kernel *graph.Node,
	stride Stride,
	pad Padding,
	activationBits, weightBits int,
	packType, outType tensor.DType,
	pol graph.Polarity,
) (*graph.Node, error) {
	if data == nil || kernel == nil {
		return nil, fmt.Errorf("conv: nil operand")
	}
	if len(data.Shape) != 4 {
		return nil, fmt.Errorf("conv: activation must be 4-D (1,H,W,CI), got %v", data.Shape)
	}
	if data.Shape[0] != 1 {
		return nil, fmt.Errorf("conv: spatial pack convolution only supports batch size 1, got %d", data.Shape[0])
	}
	if packType != tensor.Uint8 {
		return nil, fmt.Errorf("conv: only uint8 packing units are supported, got %s", packType)
	}
	if outType != tensor.Int16 {
		return nil, fmt.Errorf("conv: only int16 output is supported, got %s", outType)
	}
	if activationBits < 1 || weightBits < 1 {
		return nil, fmt.Errorf("conv: bit widths must be positive, got a=%d w=%d", activationBits, weightBits)
	}
	if stride.H < 1 || stride.W < 1 {
		return nil, fmt.Errorf("conv: stride must be positive, got %dx%d", stride.H, stride.W)
	}
	if pad.Top < 0 || pad.Left < 0 || pad.Bottom < 0 || pad.Right < 0 {
		return nil, fmt.Errorf("conv: negative padding %+v", pad)
	}

	h, w := data.Shape[1], data.Shape[2]
	ci := data.Shape[3]

	var kh, kw, kb, ciPacked, co int
	switch len(kernel.Shape) {
	case 4:
		kh, kw, co = kernel.Shape[0], kernel.Shape[1], kernel.Shape[3]
		kb = weightBits
		ciPacked = tensor.PackedLen(ci)
	case 5:
		kh, kw, kb = kernel.Shape[0], kernel.Shape[1], kernel.Shape[2]
		ciPacked, co = kernel.Shape[3], kernel.Shape[4]
	default:
		return nil, fmt.Errorf("conv: kernel must be 4-D unpacked or 5-D pre-packed, got %v", kernel.Shape)
	}

	padH := h + pad.Top + pad.Bottom
	padW := w + pad.Left + pad.Right
	outH := (padH-kh)/stride.H + 1
	outW := (padW-kw)/stride.W + 1
	if outH < 1 || outW < 1 {
		return nil, fmt.Errorf("conv: kernel %dx%d does not fit %dx%d padded input", kh, kw, padH, padW)
	}

	vc, vh, vw := cfg.VC(), cfg.VH(), cfg.VW()

	// Pad the packed channel axis of both tensors up to a multiple of 8
	// when needed. Padded planes are all zero, so they contribute nothing
	// to any AND/popcount term.
	deficit := (tensor.PackUnitBits - ciPacked%tensor.PackUnitBits) % tensor.PackUnitBits
	ciFull := ciPacked + deficit

	dataQ := &graph.Node{
		Kind:    graph.KindBitpack,
		Name:    "data_q",
		Shape:   tensor.Shape{1, h, w, activationBits, tensor.PackedLen(ci)},
		Inputs:  []*graph.Node{data},
		Bitpack: &graph.Bitpack{Bits: activationBits, Axis: 3},
	}

	kernelQ := kernel
	if len(kernel.Shape) == 4 {
		kernelQ = &graph.Node{
			Kind:    graph.KindBitpack,
			Name:    "kernel_q",
			Shape:   tensor.Shape{kh, kw, kb, ciPacked, co},
			Inputs:  []*graph.Node{kernel},
			Bitpack: &graph.Bitpack{Bits: weightBits, Axis: 2},
		}
	}

	kernelVec := &graph.Node{
		Kind:      graph.KindKernelVectorize,
		Name:      "kernel_vec",
		Shape:     tensor.Shape{co / vc, kh, kw, kb, vc, ciPacked},
		Inputs:    []*graph.Node{kernelQ},
		KernelVec: &graph.KernelVectorize{VC: vc},
	}
	kernelOut := kernelVec
	if deficit != 0 {
		kernelOut = &graph.Node{
			Kind:   graph.KindPad,
			Name:   "kernel_pad",
			Shape:  tensor.Shape{co / vc, kh, kw, kb, vc, ciFull},
			Inputs: []*graph.Node{kernelVec},
			Pad: &graph.Pad{
				Before: []int{0, 0, 0, 0, 0, 0},
				After:  []int{0, 0, 0, 0, 0, deficit},
			},
		}
	}

	// One pad node covers spatial and channel extension together. It is
	// emitted whenever any side needs padding, one-sided cases included.
	dataIn := dataQ
	if pad.Top != 0 || pad.Left != 0 || pad.Bottom != 0 || pad.Right != 0 || deficit != 0 {
		dataIn = &graph.Node{
			Kind:   graph.KindPad,
			Name:   "data_pad",
			Shape:  tensor.Shape{1, padH, padW, activationBits, ciFull},
			Inputs: []*graph.Node{dataQ},
			Pad: &graph.Pad{
				Before: []int{0, pad.Top, pad.Left, 0, 0},
				After:  []int{0, pad.Bottom, pad.Right, 0, deficit},
			},
		}
	}

	// Tile-count extents for the vectorized view. The floor division can
	// undershoot the tiles the accumulation reads when stride exceeds the
	// kernel extent, so clamp to the consumed tile count.
	dvH := padH / (vh * stride.H)
	if used := outH / vh; dvH < used {
		dvH = used
	}
	dvW := padW / (vw * stride.W)
	if used := outW / vw; dvW < used {
		dvW = used
	}

	dataVec := &graph.Node{
		Kind: graph.KindDataVectorize,
		Name: "data_vec",
		Shape: tensor.Shape{
			1, dvH, dvW,
			vh*stride.H + kh - 1,
			vw*stride.W + kw - 1,
			activationBits, ciFull,
		},
		Inputs:  []*graph.Node{dataIn},
		DataVec: &graph.DataVectorize{VH: vh, VW: vw, StrideH: stride.H, StrideW: stride.W},
	}

	acc := &graph.Node{
		Kind:   graph.KindAccumulate,
		Name:   "conv_vec",
		Shape:  tensor.Shape{1, outH / vh, outW / vw, co / vc, vh, vw, vc},
		Inputs: []*graph.Node{kernelOut, dataVec},
		Acc: &graph.Accumulate{
			Polarity: pol,
			StrideH:  stride.H, StrideW: stride.W,
			KH: kh, KW: kw,
			KB: kb, IB: activationBits,
			CI: ciFull,
			VH: vh, VW: vw, VC: vc,
		},
	}

	out := &graph.Node{
		Kind:   graph.KindNarrow,
		Name:   "conv",
		Shape:  tensor.Shape{1, outH, outW, co},
		Inputs: []*graph.Node{acc},
		Nrw:    &graph.Narrow{VH: vh, VW: vw, VC: vc, Out: outType},
	}

	if err := graph.Validate(out); err != nil {
		return nil, err
	}
	return out, nil
}
