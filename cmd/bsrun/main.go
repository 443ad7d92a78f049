// bsrun builds, schedules, and executes one bit-serial convolution on
// random low-bit inputs, optionally verifying the output against the
// brute-force reference.
package main

import (
	"flag"
	"fmt"
	"log"
	"math/rand"
	goruntime "runtime"

	"github.com/sbl8/bitserial/autotune"
	"github.com/sbl8/bitserial/conv"
	"github.com/sbl8/bitserial/graph"
	"github.com/sbl8/bitserial/runtime"
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
		cfgIdx   = flag.Int("config", 0, "Configuration index to run")
		workers  = flag.Int("workers", goruntime.NumCPU(), "Worker goroutines")
		seed     = flag.Int64("seed", 1, "Random input seed")
		verify   = flag.Bool("verify", false, "Check the output against the reference")
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
	cfg := space.At(*cfgIdx % space.Len())

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
	eng, err := runtime.New(out, plan, runtime.Options{Workers: *workers})
	if err != nil {
		log.Fatalf("engine: %v", err)
	}

	rng := rand.New(rand.NewSource(*seed))
	feeds := map[string]*tensor.Dense[uint8]{
		"data":   randomTensor(rng, *abits, 1, *height, *width, *inCh),
		"kernel": randomTensor(rng, *wbits, *kernel, *kernel, *inCh, *outCh),
	}

	result, err := eng.Run(feeds)
	if err != nil {
		log.Fatalf("execution: %v", err)
	}

	var checksum int64
	for _, v := range result.Data {
		checksum += int64(v)
	}
	fmt.Printf("%s\n", cfg)
	fmt.Printf("output %v checksum %d in %v (%d tiles)\n",
		result.Shape(), checksum, eng.Stats().LastRun, eng.Stats().OutputTiles)

	if *verify {
		ref, err := conv.Reference(feeds["data"], feeds["kernel"],
			conv.UniformStride(*stride), conv.UniformPadding(*pad), *wbits, pol)
		if err != nil {
			log.Fatalf("reference: %v", err)
		}
		for i := range ref.Data {
			if ref.Data[i] != result.Data[i] {
				log.Fatalf("verification FAILED at flat index %d: got %d, want %d",
					i, result.Data[i], ref.Data[i])
			}
		}
		fmt.Println("verification passed")
	}
}

func randomTensor(rng *rand.Rand, bits int, shape ...int) *tensor.Dense[uint8] {
	t := tensor.New[uint8](shape...)
	for i := range t.Data {
		t.Data[i] = uint8(rng.Intn(1 << uint(bits)))
	}
	return t
}
