// Package bitserial generates optimized, autotunable CPU schedules for
// low-bit (bit-serial) 2-D convolution.
//
// Bit-serial convolution decomposes activations and weights into individual
// bit planes and reconstructs the full-precision dot product with nothing but
// bitwise AND, population count, and shift-accumulate. That makes it a good
// fit for CPUs without low-bit vector multiply instructions: a 1-bit weight
// layer costs one AND and one popcount per 8 input channels.
//
// # Architecture Overview
//
// The generator is split the same way the computation is:
//
//   - tensor: dense N-d tensors and the bit-plane packing primitive
//   - graph: the immutable compute-graph nodes (pad, vectorize, accumulate, narrow)
//   - conv: builds the compute graph for one convolution instance
//   - autotune: declares the tile/reorder configuration space a tuner samples
//   - schedule: turns graph + configuration into an execution plan
//   - runtime: executes a plan with multi-core parallel tiles
//   - kernels: popcount/AND primitives and CPU feature detection
//   - cmd: command-line tools (bsplan, bsrun, bstune)
//
// # Basic Usage
//
//	space, err := autotune.NewSpace(prob)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	cfg := space.At(0)
//
//	out, err := conv.Conv2D(cfg, data, kernel, conv.Stride{H: 1, W: 1},
//	    conv.Padding{}, 2, 1, tensor.Uint8, tensor.Int16, graph.Bipolar)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	plan, err := schedule.Generate(cfg, []*graph.Node{out})
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	eng, err := runtime.New(out, plan, runtime.DefaultOptions())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	result, err := eng.Run(map[string]*tensor.Dense[uint8]{
//	    "data": activations, "kernel": weights,
//	})
//
// The same Config instance must be passed to both conv.Conv2D and
// schedule.Generate: the tile widths baked into the graph's tensor shapes
// have to match the tile widths the schedule later applies. The numeric
// result is identical for every valid configuration; only the loop structure
// changes.
//
// The kernel is deliberately specialized: batch size 1, uint8 packing unit,
// int16 output. It is a kernel generator, not a general convolution engine.
package bitserial
