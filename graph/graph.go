// Package graph defines the compute-graph representation for bit-serial
// convolution.
//
// A convolution is built as a directed acyclic graph of Nodes, each tagged
// with a Kind and carrying the parameters of its stage. Nodes are pure
// expressions: no node is mutated after creation, a node's output is fully
// determined by its inputs and parameters, and the graph owns no buffers.
// Scheduling and execution both walk the graph by pattern-matching on Kind;
// string tags are never used for dispatch.
package graph

import (
	"fmt"

	"github.com/sbl8/bitserial/tensor"
)

// Kind tags a node with its stage variant.
type Kind uint8

const (
	KindSource Kind = iota
	KindBitpack
	KindPad
	KindDataVectorize
	KindKernelVectorize
	KindAccumulate
	KindNarrow
)

// String returns the stage name for a node kind.
func (k Kind) String() string {
	switch k {
	case KindSource:
		return "source"
	case KindBitpack:
		return "bitpack"
	case KindPad:
		return "pad"
	case KindDataVectorize:
		return "data_vec"
	case KindKernelVectorize:
		return "kernel_vec"
	case KindAccumulate:
		return "conv_vec"
	case KindNarrow:
		return "conv"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Polarity selects the weight encoding of the accumulation.
//
// Bipolar weights are plain non-negative integers in [0, 2^bits); unipolar
// weights reinterpret each weight bit as {-1,+1}, which costs an extra
// complemented popcount term to recover the sign.
type Polarity uint8

const (
	Bipolar Polarity = iota
	Unipolar
)

func (p Polarity) String() string {
	if p == Unipolar {
		return "unipolar"
	}
	return "bipolar"
}

// Bitpack holds the parameters of a bit-plane packing node.
type Bitpack struct {
	Bits int // number of planes
	Axis int // input axis replaced by (bit, unit)
}

// Pad holds the logical zero-extension of each axis of the input.
// Before[i] and After[i] give the number of zero elements prepended and
// appended on axis i. Padding contributes exactly zero to any accumulation:
// a zero plane ANDed with anything popcounts to zero.
type Pad struct {
	Before []int
	After  []int
}

// DataVectorize holds the tiled view parameters of the packed activation.
// The tile's spatial margin carries the convolution receptive field:
// axis extents are VH*StrideH+KH-1 and VW*StrideW+KW-1.
type DataVectorize struct {
	VH, VW           int
	StrideH, StrideW int
}

// KernelVectorize holds the blocked weight layout parameters: output
// channels grouped into chunks of VC.
type KernelVectorize struct {
	VC int
}

// Accumulate holds the bit-serial popcount reduction parameters. The
// reduction runs over kernel height, kernel width, the split input-channel
// axis, weight bits, and activation bits; operands widen to 16 bits before
// the bitwise and shift operations.
type Accumulate struct {
	Polarity         Polarity
	StrideH, StrideW int
	KH, KW           int
	KB, IB           int // weight / activation bit planes
	CI               int // packed (and deficit-padded) input-channel units
	VH, VW, VC       int
}

// Narrow holds the re-indexing from (outer, inner) tile coordinates back to
// flat output coordinates, narrowing to the output element type.
type Narrow struct {
	VH, VW, VC int
	Out        tensor.DType
}

// Node is one stage of the compute graph. Exactly one of the parameter
// fields matching Kind is set. Nodes are immutable after construction.
type Node struct {
	Kind   Kind
	Name   string
	Shape  tensor.Shape
	Inputs []*Node

	Bitpack   *Bitpack
	Pad       *Pad
	DataVec   *DataVectorize
	KernelVec *KernelVectorize
	Acc       *Accumulate
	Nrw       *Narrow
}

// NewSource declares a graph input bound at execution time by name.
func NewSource(name string, shape tensor.Shape) *Node {
	return &Node{Kind: KindSource, Name: name, Shape: shape.Clone()}
}

// PostOrder returns every node reachable from out, inputs before consumers.
func PostOrder(out *Node) []*Node {
	var order []*Node
	seen := map[*Node]bool{}
	var visit func(n *Node)
	visit = func(n *Node) {
		if n == nil || seen[n] {
			return
		}
		seen[n] = true
		for _, in := range n.Inputs {
			visit(in)
		}
		order = append(order, n)
	}
	visit(out)
	return order
}

// Find returns the unique node of the given kind reachable from out, or nil.
// It is the pattern-matching counterpart of tag-based graph traversal.
func Find(out *Node, kind Kind) *Node {
	var found *Node
	for _, n := range PostOrder(out) {
		if n.Kind == kind {
			found = n
		}
	}
	return found
}

// Validate checks structural consistency of the graph rooted at out:
// every non-source node has inputs, parameter blocks match kinds, and pad
// vectors cover their input's rank.
func Validate(out *Node) error {
	for _, n := range PostOrder(out) {
		switch n.Kind {
		case KindSource:
			if len(n.Inputs) != 0 {
				return fmt.Errorf("graph: source %q has inputs", n.Name)
			}
		case KindBitpack:
			if len(n.Inputs) != 1 || n.Bitpack == nil {
				return fmt.Errorf("graph: malformed bitpack node %q", n.Name)
			}
		case KindPad:
			if len(n.Inputs) != 1 || n.Pad == nil {
				return fmt.Errorf("graph: malformed pad node %q", n.Name)
			}
			in := n.Inputs[0]
			if len(n.Pad.Before) != len(in.Shape) || len(n.Pad.After) != len(in.Shape) {
				return fmt.Errorf("graph: pad node %q covers rank %d, input has rank %d",
					n.Name, len(n.Pad.Before), len(in.Shape))
			}
		case KindDataVectorize:
			if len(n.Inputs) != 1 || n.DataVec == nil {
				return fmt.Errorf("graph: malformed data_vec node %q", n.Name)
			}
		case KindKernelVectorize:
			if len(n.Inputs) != 1 || n.KernelVec == nil {
				return fmt.Errorf("graph: malformed kernel_vec node %q", n.Name)
			}
		case KindAccumulate:
			if len(n.Inputs) != 2 || n.Acc == nil {
				return fmt.Errorf("graph: malformed conv_vec node %q", n.Name)
			}
		case KindNarrow:
			if len(n.Inputs) != 1 || n.Nrw == nil {
				return fmt.Errorf("graph: malformed conv node %q", n.Name)
			}
		default:
			return fmt.Errorf("graph: unknown node kind %d", n.Kind)
		}
		if n.Shape.Size() <= 0 {
			return fmt.Errorf("graph: node %q has empty shape %v", n.Name, n.Shape)
		}
	}
	return nil
}
