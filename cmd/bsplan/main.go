// bsplan prints the execution plan generated for one bit-serial
// convolution configuration, along with the configuration space summary.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/sbl8/bitserial/autotune"
	"github.com/sbl8/bitserial/conv"
	"github.com/sbl8/bitserial/graph"
	"github.com/sbl8/bitserial/schedule"
	"github.com/sbl8/bitserial/tensor"
)

func main() {
	var (
		height   = flag.Int("H", 56, "Input height")
		width    = flag.Int("W", 56, "Input width")
		inCh     = flag.Int("ci", 64, "Input channels")
		outCh    = flag.Int("co", 64, "Output channels")
		kernel   = flag.Int("k", 3, "Kernel size (square)")
		stride   = flag.Int("stride", 1, "Stride")
		pad      = flag.Int("pad", 1, "Padding (all sides)")
		abits    = flag.Int("abits", 2, "Activation bits")
		wbits    = flag.Int("wbits", 1, "Weight bits")
		unipolar = flag.Bool("unipolar", false, "Use the {-1,+1} weight encoding")
		cfgIdx   = flag.Int("config", 0, "Configuration index to plan")
	)
	flag.Parse()

	prob := autotune.Problem{
		Height: *height, Width: *width,
		InChannels: *inCh, OutChannels: *outCh,
		KernelH: *kernel, KernelW: *kernel,
		StrideH: *stride, StrideW: *stride,
		PadTop: *pad, PadLeft: *pad, PadBottom: *pad, PadRight: *pad,
		ActivationBits: *abits, WeightBits: *wbits,
	}

	space, err := autotune.NewSpace(prob)
	if err != nil {
		log.Fatalf("configuration space: %v", err)
	}
	if *cfgIdx < 0 || *cfgIdx >= space.Len() {
		fmt.Fprintf(os.Stderr, "config index %d out of range [0,%d)\n", *cfgIdx, space.Len())
		os.Exit(1)
	}
	cfg := space.At(*cfgIdx)

	pol := graph.Bipolar
	if *unipolar {
		pol = graph.Unipolar
	}
	data := graph.NewSource("data", tensor.Shape{1, *height, *width, *inCh})
	weights := graph.NewSource("kernel", tensor.Shape{*kernel, *kernel, *inCh, *outCh})

	out, err := conv.Conv2D(cfg, data, weights, conv.UniformStride(*stride),
		conv.UniformPadding(*pad), *abits, *wbits, tensor.Uint8, tensor.Int16, pol)
	if err != nil {
		log.Fatalf("graph construction: %v", err)
	}

	plan, err := schedule.Generate(cfg, []*graph.Node{out})
	if err != nil {
		log.Fatalf("schedule generation: %v", err)
	}

	fmt.Printf("space: %d configurations, %d binary ops per invocation\n",
		space.Len(), space.FlopHint())
	fmt.Printf("output: %v %s\n", out.Shape, pol)
	fmt.Printf("%s\n\n%s\n", cfg, plan)
}
