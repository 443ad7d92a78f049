package autotune

import (
	"strings"
	"testing"

	"github.com/sbl8/bitserial/kernels"
	"github.com/sbl8/bitserial/tensor"
)

// smallProblem is sized so the whole space stays enumerable in tests:
// 1 co split, 2 oh splits, 2 ow splits, 1 ci split, 2 orders, 6x6 chunks.
func smallProblem() Problem {
	return Problem{
		Height: 6, Width: 6,
		InChannels: 8, OutChannels: 8,
		KernelH: 3, KernelW: 3,
		StrideH: 1, StrideW: 1,
		ActivationBits: 1, WeightBits: 2,
	}
}

func TestProblemDerived(t *testing.T) {
	t.Parallel()
	p := smallProblem()
	if p.OutHeight() != 4 || p.OutWidth() != 4 {
		t.Errorf("output extents = %dx%d, want 4x4", p.OutHeight(), p.OutWidth())
	}
	// 8 channels pack into 1 unit, deficit-padded up to 8.
	if got := p.PackedChannels(); got != 8 {
		t.Errorf("PackedChannels() = %d, want 8", got)
	}
}

func TestPackedChannelsDeficit(t *testing.T) {
	t.Parallel()
	cases := []struct{ ci, want int }{
		{8, 8},   // 1 unit, padded to 8
		{12, 8},  // 2 units, padded to 8
		{64, 8},  // exactly 8 units
		{100, 16}, // 13 units, padded to 16
		{128, 16},
	}
	for _, c := range cases {
		p := smallProblem()
		p.InChannels = c.ci
		if got := p.PackedChannels(); got != c.want {
			t.Errorf("PackedChannels(ci=%d) = %d, want %d", c.ci, got, c.want)
		}
	}
}

func TestBinaryOps(t *testing.T) {
	t.Parallel()
	p := smallProblem()
	// 2 * 4*4 * 8 * 8 * 3*3 * 8
	if got, want := p.BinaryOps(), int64(147456); got != want {
		t.Errorf("BinaryOps() = %d, want %d", got, want)
	}
}

func TestSpaceLen(t *testing.T) {
	t.Parallel()
	s, err := NewSpace(smallProblem())
	if err != nil {
		t.Fatalf("NewSpace failed: %v", err)
	}
	// 1 * 2 * 2 * 1 * 2 * 6 * 6
	if got := s.Len(); got != 288 {
		t.Errorf("Len() = %d, want 288", got)
	}
	if s.FlopHint() != smallProblem().BinaryOps() {
		t.Errorf("FlopHint() = %d, want %d", s.FlopHint(), smallProblem().BinaryOps())
	}
}

func TestAtDeterministicAndValid(t *testing.T) {
	t.Parallel()
	p := smallProblem()
	s, err := NewSpace(p)
	if err != nil {
		t.Fatalf("NewSpace failed: %v", err)
	}
	for i := 0; i < s.Len(); i++ {
		c := s.At(i)
		if c.Index != i {
			t.Fatalf("At(%d).Index = %d", i, c.Index)
		}
		if c != s.At(i) {
			t.Fatalf("At(%d) is not deterministic", i)
		}
		if c.VC() != kernels.LaneWidth {
			t.Fatalf("config %d: vc = %d, want %d", i, c.VC(), kernels.LaneWidth)
		}
		if c.VH() < 2 || p.OutHeight()%c.VH() != 0 {
			t.Fatalf("config %d: bad vh %d", i, c.VH())
		}
		if c.VW() < 2 || p.OutWidth()%c.VW() != 0 {
			t.Fatalf("config %d: bad vw %d", i, c.VW())
		}
		if ci := c.CIInner(); ci != tensor.PackUnitBits && ci != 2*tensor.PackUnitBits {
			t.Fatalf("config %d: bad ci tile %d", i, ci)
		}
		if c.Reorder < 0 || c.Reorder >= len(ReorderCandidates()) {
			t.Fatalf("config %d: bad reorder %d", i, c.Reorder)
		}
		if c.TileAH < 1 || c.TileAH > 32 || c.TileBCO < 1 || c.TileBCO > 32 {
			t.Fatalf("config %d: chunk out of range ah=%d bco=%d", i, c.TileAH, c.TileBCO)
		}
		if c.TileCO.Outer*c.TileCO.Inner != p.OutChannels {
			t.Fatalf("config %d: co split %dx%d is not exact", i, c.TileCO.Outer, c.TileCO.Inner)
		}
	}
}

func TestNewSpaceErrors(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name   string
		mutate func(*Problem)
		want   string
	}{
		{"co not multiple of 8", func(p *Problem) { p.OutChannels = 12 }, "tile_co"},
		{"output height 1", func(p *Problem) { p.Height = 3 }, "tile_oh"},
		{"output width 1", func(p *Problem) { p.Width = 3 }, "tile_ow"},
		{"kernel too large", func(p *Problem) { p.KernelH = 9 }, "does not fit"},
		{"zero stride", func(p *Problem) { p.StrideH = 0 }, "stride"},
		{"zero bits", func(p *Problem) { p.WeightBits = 0 }, "bit widths"},
	}
	for _, c := range cases {
		p := smallProblem()
		c.mutate(&p)
		_, err := NewSpace(p)
		if err == nil {
			t.Errorf("%s: expected error", c.name)
			continue
		}
		if !strings.Contains(err.Error(), c.want) {
			t.Errorf("%s: error %q does not mention %q", c.name, err, c.want)
		}
	}
}

func TestReorderCandidates(t *testing.T) {
	t.Parallel()
	cands := ReorderCandidates()
	if len(cands) != 2 {
		t.Fatalf("got %d candidates, want 2", len(cands))
	}
	for i, c := range cands {
		if len(c) != 13 {
			t.Fatalf("candidate %d has %d axes, want 13", i, len(c))
		}
	}
	// The candidates differ only in the kh/kw positions.
	a, b := cands[0], cands[1]
	for i := range a {
		switch a[i] {
		case AxisKH:
			if b[i] != AxisKW {
				t.Errorf("position %d: want kw in candidate 1, got %s", i, b[i])
			}
		case AxisKW:
			if b[i] != AxisKH {
				t.Errorf("position %d: want kh in candidate 1, got %s", i, b[i])
			}
		default:
			if a[i] != b[i] {
				t.Errorf("position %d: candidates differ outside kh/kw: %s vs %s", i, a[i], b[i])
			}
		}
	}
}

func TestConfigString(t *testing.T) {
	t.Parallel()
	s, err := NewSpace(smallProblem())
	if err != nil {
		t.Fatalf("NewSpace failed: %v", err)
	}
	c := s.At(0)
	str := c.String()
	for _, frag := range []string{"cfg[0]", "co=1x8", "reorder=0"} {
		if !strings.Contains(str, frag) {
			t.Errorf("Config string %q missing %q", str, frag)
		}
	}
}
