// bstune times configurations from the bit-serial convolution space on
// the local machine and reports the fastest one.
package main

import (
	"flag"
	"fmt"
	"log"
	"math/rand"
	goruntime "runtime"
	"time"

	"github.com/sbl8/bitserial/autotune"
	"github.com/sbl8/bitserial/conv"
	"github.com/sbl8/bitserial/graph"
	"github.com/sbl8/bitserial/kernels"
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
		workers  = flag.Int("workers", goruntime.NumCPU(), "Worker goroutines")
		samples  = flag.Int("samples", 0, "Random configurations to try (0 = all)")
		repeats  = flag.Int("repeats", 3, "Timed runs per configuration")
		seed     = flag.Int64("seed", 1, "Random seed for inputs and sampling")
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

	rng := rand.New(rand.NewSource(*seed))
	indices := make([]int, space.Len())
	for i := range indices {
		indices[i] = i
	}
	if *samples > 0 && *samples < len(indices) {
		rng.Shuffle(len(indices), func(i, j int) {
			indices[i], indices[j] = indices[j], indices[i]
		})
		indices = indices[:*samples]
	}

	pol := graph.Bipolar
	if *unipolar {
		pol = graph.Unipolar
	}
	feeds := map[string]*tensor.Dense[uint8]{
		"data":   randomTensor(rng, *abits, 1, *height, *width, *inCh),
		"kernel": randomTensor(rng, *wbits, *kernel, *kernel, *inCh, *outCh),
	}

	fmt.Printf("bstune: %s/%s go%s, %d cpu, isa %s\n",
		goruntime.GOOS, goruntime.GOARCH, goruntime.Version()[2:],
		goruntime.NumCPU(), kernels.VectorISA())
	fmt.Printf("space: %d configurations, trying %d, %d binary ops per run\n",
		space.Len(), len(indices), space.FlopHint())

	bestIdx, bestTime := -1, time.Duration(0)
	for _, idx := range indices {
		cfg := space.At(idx)
		elapsed, err := timeConfig(cfg, prob, pol, feeds, *workers, *repeats)
		if err != nil {
			log.Fatalf("config %d: %v", idx, err)
		}
		gbops := float64(space.FlopHint()) / elapsed.Seconds() / 1e9
		fmt.Printf("  %-40s %12v  %7.3f gbop/s\n", cfg, elapsed, gbops)
		if bestIdx < 0 || elapsed < bestTime {
			bestIdx, bestTime = idx, elapsed
		}
	}

	best := space.At(bestIdx)
	fmt.Printf("\nbest: config %d, %v, %.3f gbop/s\n  %s\n",
		bestIdx, bestTime, float64(space.FlopHint())/bestTime.Seconds()/1e9, best)
}

// timeConfig builds and runs one configuration end to end, returning the
// best of the timed repeats.
func timeConfig(
	cfg autotune.Config,
	prob autotune.Problem,
	pol graph.Polarity,
	feeds map[string]*tensor.Dense[uint8],
	workers, repeats int,
) (time.Duration, error) {
	data := graph.NewSource("data", tensor.Shape{1, prob.Height, prob.Width, prob.InChannels})
	weights := graph.NewSource("kernel",
		tensor.Shape{prob.KernelH, prob.KernelW, prob.InChannels, prob.OutChannels})

	out, err := conv.Conv2D(cfg, data, weights,
		conv.Stride{H: prob.StrideH, W: prob.StrideW},
		conv.Padding{Top: prob.PadTop, Left: prob.PadLeft, Bottom: prob.PadBottom, Right: prob.PadRight},
		prob.ActivationBits, prob.WeightBits, tensor.Uint8, tensor.Int16, pol)
	if err != nil {
		return 0, err
	}
	plan, err := schedule.Generate(cfg, []*graph.Node{out})
	if err != nil {
		return 0, err
	}
	eng, err := runtime.New(out, plan, runtime.Options{Workers: workers})
	if err != nil {
		return 0, err
	}

	best := time.Duration(0)
	for r := 0; r < repeats; r++ {
		if _, err := eng.Run(feeds); err != nil {
			return 0, err
		}
		if t := eng.Stats().LastRun; best == 0 || t < best {
			best = t
		}
	}
	return best, nil
}

func randomTensor(rng *rand.Rand, bits int, shape ...int) *tensor.Dense[uint8] {
	t := tensor.New[uint8](shape...)
	for i := range t.Data {
		t.Data[i] = uint8(rng.Intn(1 << uint(bits)))
	}
	return t
}
