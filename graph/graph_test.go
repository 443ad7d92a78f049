package graph

import (
	"testing"

	"github.com/sbl8/bitserial/tensor"
)

// buildChain assembles a minimal structurally valid convolution graph:
// source -> bitpack -> pad -> data_vec feeding the accumulation, and
// source -> kernel_vec as the weight operand.
func buildChain() (*Node, map[string]*Node) {
	data := NewSource("data", tensor.Shape{1, 4, 4, 8})
	dq := &Node{
		Kind: KindBitpack, Name: "data_q",
		Shape:   tensor.Shape{1, 4, 4, 1, 1},
		Inputs:  []*Node{data},
		Bitpack: &Bitpack{Bits: 1, Axis: 3},
	}
	dp := &Node{
		Kind: KindPad, Name: "data_pad",
		Shape:  tensor.Shape{1, 6, 6, 1, 8},
		Inputs: []*Node{dq},
		Pad: &Pad{
			Before: []int{0, 1, 1, 0, 0},
			After:  []int{0, 1, 1, 0, 7},
		},
	}
	dv := &Node{
		Kind: KindDataVectorize, Name: "data_vec",
		Shape:   tensor.Shape{1, 1, 1, 6, 6, 1, 8},
		Inputs:  []*Node{dp},
		DataVec: &DataVectorize{VH: 2, VW: 2, StrideH: 1, StrideW: 1},
	}
	kernel := NewSource("kernel", tensor.Shape{3, 3, 1, 1, 8})
	kv := &Node{
		Kind: KindKernelVectorize, Name: "kernel_vec",
		Shape:     tensor.Shape{1, 3, 3, 1, 8, 8},
		Inputs:    []*Node{kernel},
		KernelVec: &KernelVectorize{VC: 8},
	}
	acc := &Node{
		Kind: KindAccumulate, Name: "conv_vec",
		Shape:  tensor.Shape{1, 2, 2, 1, 2, 2, 8},
		Inputs: []*Node{kv, dv},
		Acc: &Accumulate{
			StrideH: 1, StrideW: 1, KH: 3, KW: 3,
			KB: 1, IB: 1, CI: 8, VH: 2, VW: 2, VC: 8,
		},
	}
	out := &Node{
		Kind: KindNarrow, Name: "conv",
		Shape:  tensor.Shape{1, 4, 4, 8},
		Inputs: []*Node{acc},
		Nrw:    &Narrow{VH: 2, VW: 2, VC: 8, Out: tensor.Int16},
	}
	nodes := map[string]*Node{
		"data": data, "data_q": dq, "data_pad": dp, "data_vec": dv,
		"kernel": kernel, "kernel_vec": kv, "conv_vec": acc, "conv": out,
	}
	return out, nodes
}

func TestKindString(t *testing.T) {
	t.Parallel()
	cases := map[Kind]string{
		KindSource:          "source",
		KindBitpack:         "bitpack",
		KindPad:             "pad",
		KindDataVectorize:   "data_vec",
		KindKernelVectorize: "kernel_vec",
		KindAccumulate:      "conv_vec",
		KindNarrow:          "conv",
	}
	for k, want := range cases {
		if got := k.String(); got != want {
			t.Errorf("Kind(%d).String() = %q, want %q", k, got, want)
		}
	}
}

func TestPolarityString(t *testing.T) {
	t.Parallel()
	if Bipolar.String() != "bipolar" || Unipolar.String() != "unipolar" {
		t.Errorf("polarity strings wrong: %q %q", Bipolar, Unipolar)
	}
}

func TestPostOrderInputsFirst(t *testing.T) {
	t.Parallel()
	out, _ := buildChain()
	order := PostOrder(out)
	if len(order) != 8 {
		t.Fatalf("PostOrder visited %d nodes, want 8", len(order))
	}
	pos := map[*Node]int{}
	for i, n := range order {
		pos[n] = i
	}
	for _, n := range order {
		for _, in := range n.Inputs {
			if pos[in] >= pos[n] {
				t.Errorf("input %q ordered after consumer %q", in.Name, n.Name)
			}
		}
	}
	if order[len(order)-1] != out {
		t.Error("output node must be last")
	}
}

func TestFind(t *testing.T) {
	t.Parallel()
	out, nodes := buildChain()
	for kind, want := range map[Kind]*Node{
		KindNarrow:          nodes["conv"],
		KindAccumulate:      nodes["conv_vec"],
		KindDataVectorize:   nodes["data_vec"],
		KindKernelVectorize: nodes["kernel_vec"],
		KindPad:             nodes["data_pad"],
	} {
		if got := Find(out, kind); got != want {
			t.Errorf("Find(%s) returned the wrong node, want %q", kind, want.Name)
		}
	}
	leaf := NewSource("x", tensor.Shape{1})
	if Find(leaf, KindNarrow) != nil {
		t.Error("Find on absent kind should return nil")
	}
}

func TestValidateAcceptsWellFormed(t *testing.T) {
	t.Parallel()
	out, _ := buildChain()
	if err := Validate(out); err != nil {
		t.Fatalf("Validate failed on well-formed graph: %v", err)
	}
}

func TestValidateRejects(t *testing.T) {
	t.Parallel()
	src := NewSource("data", tensor.Shape{1, 4, 4, 8})

	badSource := NewSource("s", tensor.Shape{1})
	badSource.Inputs = []*Node{src}
	if err := Validate(badSource); err == nil {
		t.Error("expected error for source with inputs")
	}

	noParams := &Node{
		Kind: KindBitpack, Name: "data_q",
		Shape:  tensor.Shape{1, 4, 4, 1, 1},
		Inputs: []*Node{src},
	}
	if err := Validate(noParams); err == nil {
		t.Error("expected error for bitpack node without parameters")
	}

	badPad := &Node{
		Kind: KindPad, Name: "data_pad",
		Shape:  tensor.Shape{1, 6, 6, 8},
		Inputs: []*Node{src},
		Pad:    &Pad{Before: []int{0, 1}, After: []int{0, 1}},
	}
	if err := Validate(badPad); err == nil {
		t.Error("expected error for pad vectors not covering input rank")
	}

	empty := NewSource("e", tensor.Shape{0, 4})
	if err := Validate(empty); err == nil {
		t.Error("expected error for empty shape")
	}
}
