package schedule

import (
	"strings"
	"testing"

	"github.com/sbl8/bitserial/autotune"
	"github.com/sbl8/bitserial/conv"
	"github.com/sbl8/bitserial/graph"
	"github.com/sbl8/bitserial/tensor"
)

// buildGraph constructs a convolution graph and the configuration it was
// built from. pad=0 with 64 input channels yields a graph without a pad
// stage; pad=1 adds one.
func buildGraph(t *testing.T, pad int) (autotune.Config, *graph.Node) {
	t.Helper()
	p := autotune.Problem{
		Height: 8, Width: 8, InChannels: 64, OutChannels: 16,
		KernelH: 3, KernelW: 3, StrideH: 1, StrideW: 1,
		PadTop: pad, PadLeft: pad, PadBottom: pad, PadRight: pad,
		ActivationBits: 2, WeightBits: 1,
	}
	s, err := autotune.NewSpace(p)
	if err != nil {
		t.Fatalf("NewSpace failed: %v", err)
	}
	cfg := s.At(1)
	data := graph.NewSource("data", tensor.Shape{1, 8, 8, 64})
	kernel := graph.NewSource("kernel", tensor.Shape{3, 3, 64, 16})
	out, err := conv.Conv2D(cfg, data, kernel, conv.UniformStride(1),
		conv.UniformPadding(pad), 2, 1, tensor.Uint8, tensor.Int16, graph.Bipolar)
	if err != nil {
		t.Fatalf("Conv2D failed: %v", err)
	}
	return cfg, out
}

func TestGenerateSequence(t *testing.T) {
	t.Parallel()
	cfg, out := buildGraph(t, 0)
	plan, err := Generate(cfg, []*graph.Node{out})
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	wantOps := []Op{
		OpSplit, OpParallel, // data_vec over ah
		OpSplit, OpParallel, // kernel_vec over bco
		OpSplit, OpReorder, // conv_vec: ci split + loop order
		OpSplit, OpSplit, OpSplit, OpReorder, OpVectorize, // conv tiling
		OpComputeAt, OpParallel,
	}
	got := plan.Transforms()
	if len(got) != len(wantOps) {
		t.Fatalf("got %d transforms, want %d:\n%s", len(got), len(wantOps), plan)
	}
	for i, op := range wantOps {
		if got[i].Op != op {
			t.Errorf("transform %d is %s, want %s", i, got[i].Op, op)
		}
	}

	if f, ok := plan.SplitFactor("data_vec", autotune.AxisAH); !ok || f != cfg.TileAH {
		t.Errorf("data_vec ah split = %d (%t), want %d", f, ok, cfg.TileAH)
	}
	if f, ok := plan.SplitFactor("kernel_vec", autotune.AxisBCO); !ok || f != cfg.TileBCO {
		t.Errorf("kernel_vec bco split = %d (%t), want %d", f, ok, cfg.TileBCO)
	}
	if f, ok := plan.SplitFactor("conv_vec", autotune.AxisCI); !ok || f != cfg.CIInner() {
		t.Errorf("conv_vec ci split = %d (%t), want %d", f, ok, cfg.CIInner())
	}
	if f, ok := plan.SplitFactor("conv", autotune.AxisOH); !ok || f != cfg.VH() {
		t.Errorf("conv oh split = %d (%t), want %d", f, ok, cfg.VH())
	}
	if !plan.IsParallel("conv", autotune.AxisOH) {
		t.Error("conv oh must be parallel")
	}
	if !plan.IsParallel("data_vec", autotune.AxisAH) {
		t.Error("data_vec ah must be parallel")
	}
	if target, axis, ok := plan.ComputeAt("conv_vec"); !ok || target != "conv" || axis != autotune.AxisCO {
		t.Errorf("compute_at = (%q, %s, %t), want (conv, co)", target, axis, ok)
	}

	order := plan.Order("conv_vec")
	wantOrder := autotune.ReorderCandidates()[cfg.Reorder]
	if len(order) != len(wantOrder) {
		t.Fatalf("conv_vec order has %d axes, want %d", len(order), len(wantOrder))
	}
	for i := range order {
		if order[i] != wantOrder[i] {
			t.Errorf("conv_vec order[%d] = %s, want %s", i, order[i], wantOrder[i])
		}
	}
}

func TestGenerateInlinesPad(t *testing.T) {
	t.Parallel()
	cfg, out := buildGraph(t, 1)
	plan, err := Generate(cfg, []*graph.Node{out})
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	first := plan.Transforms()[0]
	if first.Op != OpInline || first.Stage != "data_pad" {
		t.Errorf("first transform = %s, want inline(data_pad)", first)
	}
	if !plan.Inlined("data_pad") {
		t.Error("Inlined(data_pad) = false")
	}
}

func TestGenerateDeterministic(t *testing.T) {
	t.Parallel()
	cfg, out := buildGraph(t, 1)
	a, err := Generate(cfg, []*graph.Node{out})
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	b, err := Generate(cfg, []*graph.Node{out})
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if a.String() != b.String() {
		t.Errorf("plans differ across runs:\n%s\n---\n%s", a, b)
	}
	if a.Config() != cfg {
		t.Error("plan does not carry its configuration")
	}
}

func TestGenerateErrors(t *testing.T) {
	t.Parallel()
	cfg := autotune.Config{}
	if _, err := Generate(cfg, nil); err == nil {
		t.Error("expected error for no output")
	}
	src := graph.NewSource("x", tensor.Shape{1, 2, 2, 8})
	if _, err := Generate(cfg, []*graph.Node{src}); err == nil {
		t.Error("expected error for a graph that is not a convolution")
	}
}

func TestTransformString(t *testing.T) {
	t.Parallel()
	cases := []struct {
		tr   Transform
		want string
	}{
		{Transform{Op: OpInline, Stage: "data_pad"}, "inline(data_pad)"},
		{Transform{Op: OpSplit, Stage: "data_vec", Axis: autotune.AxisAH, Factor: 8}, "split(data_vec, ah, 8)"},
		{Transform{Op: OpVectorize, Stage: "conv", Axis: autotune.AxisVC}, "vectorize(conv, vc)"},
		{Transform{Op: OpParallel, Stage: "conv", Axis: autotune.AxisOH}, "parallel(conv, oh)"},
		{Transform{Op: OpComputeAt, Stage: "conv_vec", Target: "conv", Axis: autotune.AxisCO}, "compute_at(conv_vec, conv, co)"},
	}
	for _, c := range cases {
		if got := c.tr.String(); got != c.want {
			t.Errorf("String() = %q, want %q", got, c.want)
		}
	}
	re := Transform{Op: OpReorder, Stage: "conv_vec", Order: []autotune.Axis{autotune.AxisKH, autotune.AxisKW}}
	if got := re.String(); !strings.Contains(got, "reorder(conv_vec, [kh kw])") {
		t.Errorf("reorder String() = %q", got)
	}
}
