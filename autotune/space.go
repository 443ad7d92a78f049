// Package autotune declares the configuration space of a bit-serial
// convolution instance: the tile factors and loop orders an external tuner
// may sample, with the validity filters each knob carries.
//
// A Space is built once per problem instance and enumerates a finite,
// deterministic set of Configs. A resolved Config is shared verbatim
// between graph construction and schedule generation; the tile widths
// baked into tensor shapes must be the tile widths the schedule applies.
package autotune

import (
	"fmt"

	"github.com/sbl8/bitserial/kernels"
	"github.com/sbl8/bitserial/tensor"
)

// Axis names the logical loop variables of the convolution by role.
// Transforms and reorders refer to axes through these handles, never by
// position.
type Axis string

const (
	AxisN       Axis = "n"    // batch
	AxisOH      Axis = "oh"   // output height, tile-outer
	AxisOW      Axis = "ow"   // output width, tile-outer
	AxisCO      Axis = "co"   // output channel, tile-outer
	AxisVH      Axis = "vh"   // output height, tile-inner
	AxisVW      Axis = "vw"   // output width, tile-inner
	AxisVC      Axis = "vc"   // output channel, tile-inner (vector lanes)
	AxisKH      Axis = "kh"   // kernel height (reduction)
	AxisKW      Axis = "kw"   // kernel width (reduction)
	AxisCI      Axis = "ci"   // packed input channel (reduction, unsplit)
	AxisCIOuter Axis = "ci_o" // packed input channel, split-outer
	AxisCIInner Axis = "ci_i" // packed input channel, split-inner
	AxisKB      Axis = "kb"   // weight bit plane (reduction)
	AxisIB      Axis = "ib"   // activation bit plane (reduction)
	AxisAH      Axis = "ah"   // activation buffer pre-pass height
	AxisBCO     Axis = "bco"  // kernel buffer pre-pass outer channel
)

// ReorderCandidates returns the closed set of loop-order permutations the
// accumulation may use. The two candidates differ only in whether kernel
// height or kernel width is the outer reduction loop.
func ReorderCandidates() [][]Axis {
	return [][]Axis{
		{AxisN, AxisOH, AxisOW, AxisCO, AxisVH, AxisVW, AxisKH, AxisKW, AxisCIOuter, AxisKB, AxisIB, AxisVC, AxisCIInner},
		{AxisN, AxisOH, AxisOW, AxisCO, AxisVH, AxisVW, AxisKW, AxisKH, AxisCIOuter, AxisKB, AxisIB, AxisVC, AxisCIInner},
	}
}

// Problem fixes one convolution instance: NHWC activation extents, HWIO
// kernel extents, stride, explicit four-sided padding, and bit widths.
// Batch size is always 1.
type Problem struct {
	Height, Width       int
	InChannels          int
	OutChannels         int
	KernelH, KernelW    int
	StrideH, StrideW    int
	PadTop, PadLeft     int
	PadBottom, PadRight int
	ActivationBits      int
	WeightBits          int
}

// OutHeight returns (H + pad - KH) / stride + 1.
func (p Problem) OutHeight() int {
	return (p.Height+p.PadTop+p.PadBottom-p.KernelH)/p.StrideH + 1
}

// OutWidth returns (W + pad - KW) / stride + 1.
func (p Problem) OutWidth() int {
	return (p.Width+p.PadLeft+p.PadRight-p.KernelW)/p.StrideW + 1
}

// PackedChannels returns the packed input-channel unit count after deficit
// padding to a multiple of 8. This is the extent of the ci reduction axis.
func (p Problem) PackedChannels() int {
	ci := tensor.PackedLen(p.InChannels)
	return ci + channelDeficit(ci)
}

func channelDeficit(packed int) int {
	return (tensor.PackUnitBits - packed%tensor.PackUnitBits) % tensor.PackUnitBits
}

// BinaryOps returns the total bitwise-operation count of the instance,
// declared as a cost hint for an external tuner's model. It is metadata;
// nothing in this module consumes it.
func (p Problem) BinaryOps() int64 {
	n := int64(2) * int64(p.OutHeight()) * int64(p.OutWidth())
	n *= int64(p.OutChannels) * int64(p.InChannels)
	n *= int64(p.KernelH) * int64(p.KernelW)
	return n * tensor.PackUnitBits
}

// Split is one (outer, inner) tile-factor choice for an axis.
type Split struct {
	Outer, Inner int
}

// Config is one resolved point of the space: a concrete value per knob.
// Configs are immutable; Index identifies the point within its Space.
type Config struct {
	Index   int
	TileCO  Split
	TileOH  Split
	TileOW  Split
	TileCI  Split
	Reorder int // index into ReorderCandidates
	TileAH  int // activation pre-pass chunk, <= 32
	TileBCO int // kernel pre-pass chunk, <= 32
}

// VC returns the output-channel tile width (always kernels.LaneWidth).
func (c Config) VC() int { return c.TileCO.Inner }

// VH returns the output-height tile width.
func (c Config) VH() int { return c.TileOH.Inner }

// VW returns the output-width tile width.
func (c Config) VW() int { return c.TileOW.Inner }

// CIInner returns the reduction tile width in packed units.
func (c Config) CIInner() int { return c.TileCI.Inner }

func (c Config) String() string {
	return fmt.Sprintf("cfg[%d] co=%dx%d oh=%dx%d ow=%dx%d ci=%dx%d reorder=%d ah=%d bco=%d",
		c.Index,
		c.TileCO.Outer, c.TileCO.Inner,
		c.TileOH.Outer, c.TileOH.Inner,
		c.TileOW.Outer, c.TileOW.Inner,
		c.TileCI.Outer, c.TileCI.Inner,
		c.Reorder, c.TileAH, c.TileBCO)
}

// chunkFactors are the candidate split widths for the two buffer
// materialization pre-passes. They only chunk a parallel copy loop, so
// they are a fixed bounded set rather than exact divisors.
var chunkFactors = []int{1, 2, 4, 8, 16, 32}

// Space is the enumerable configuration space of one problem instance.
type Space struct {
	prob    Problem
	tileCO  []Split
	tileOH  []Split
	tileOW  []Split
	tileCI  []Split
	reorder int
}

// NewSpace builds the configuration space for a problem, applying each
// knob's validity filter. It fails with "no valid configuration" when a
// filter admits no candidate (for example an output dimension too small to
// tile, or an output channel count that is not a multiple of 8).
func NewSpace(p Problem) (*Space, error) {
	if p.StrideH < 1 || p.StrideW < 1 {
		return nil, fmt.Errorf("autotune: stride must be positive, got %dx%d", p.StrideH, p.StrideW)
	}
	if p.ActivationBits < 1 || p.WeightBits < 1 {
		return nil, fmt.Errorf("autotune: bit widths must be positive, got a=%d w=%d", p.ActivationBits, p.WeightBits)
	}
	oh, ow := p.OutHeight(), p.OutWidth()
	if oh < 1 || ow < 1 {
		return nil, fmt.Errorf("autotune: kernel %dx%d does not fit padded input", p.KernelH, p.KernelW)
	}

	s := &Space{prob: p, reorder: len(ReorderCandidates())}

	// Output-channel tile: the inner width is dictated by the accumulation
	// vector width, nothing else is admissible.
	s.tileCO = divisorSplits(p.OutChannels, func(inner int) bool { return inner == kernels.LaneWidth })
	if len(s.tileCO) == 0 {
		return nil, fmt.Errorf("autotune: no valid configuration for tile_co (out channels %d, need a multiple of %d)",
			p.OutChannels, kernels.LaneWidth)
	}

	// Spatial tiles: width 1 defeats tiling entirely.
	s.tileOH = divisorSplits(oh, func(inner int) bool { return inner >= 2 })
	if len(s.tileOH) == 0 {
		return nil, fmt.Errorf("autotune: no valid configuration for tile_oh (out height %d)", oh)
	}
	s.tileOW = divisorSplits(ow, func(inner int) bool { return inner >= 2 })
	if len(s.tileOW) == 0 {
		return nil, fmt.Errorf("autotune: no valid configuration for tile_ow (out width %d)", ow)
	}

	// Reduction tile: must align with the packing unit width or twice it.
	// The ci extent is deficit-padded to a multiple of 8, so width 8 is
	// always present.
	s.tileCI = divisorSplits(p.PackedChannels(), func(inner int) bool {
		return inner == tensor.PackUnitBits || inner == 2*tensor.PackUnitBits
	})
	if len(s.tileCI) == 0 {
		return nil, fmt.Errorf("autotune: no valid configuration for tile_ci (packed channels %d)", p.PackedChannels())
	}

	return s, nil
}

// divisorSplits enumerates the exact (outer, inner) factorizations of n
// whose inner width passes the filter, ascending by inner width.
func divisorSplits(n int, keep func(inner int) bool) []Split {
	var out []Split
	for inner := 1; inner <= n; inner++ {
		if n%inner == 0 && keep(inner) {
			out = append(out, Split{Outer: n / inner, Inner: inner})
		}
	}
	return out
}

// Problem returns the instance this space was built for.
func (s *Space) Problem() Problem { return s.prob }

// FlopHint returns the declared binary-operation count of the instance.
func (s *Space) FlopHint() int64 { return s.prob.BinaryOps() }

// Len returns the number of configurations in the space.
func (s *Space) Len() int {
	return len(s.tileCO) * len(s.tileOH) * len(s.tileOW) * len(s.tileCI) *
		s.reorder * len(chunkFactors) * len(chunkFactors)
}

// At returns configuration i. Enumeration is deterministic: the same index
// always resolves to the same configuration.
func (s *Space) At(i int) Config {
	c := Config{Index: i}
	c.TileCO = s.tileCO[i%len(s.tileCO)]
	i /= len(s.tileCO)
	c.TileOH = s.tileOH[i%len(s.tileOH)]
	i /= len(s.tileOH)
	c.TileOW = s.tileOW[i%len(s.tileOW)]
	i /= len(s.tileOW)
	c.TileCI = s.tileCI[i%len(s.tileCI)]
	i /= len(s.tileCI)
	c.Reorder = i % s.reorder
	i /= s.reorder
	c.TileAH = chunkFactors[i%len(chunkFactors)]
	i /= len(chunkFactors)
	c.TileBCO = chunkFactors[i%len(chunkFactors)]
	return c
}
