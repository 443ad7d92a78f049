package conv

import (
	"fmt"

	"github.com/sbl8/bitserial/graph"
	"github.com/sbl8/bitserial/tensor"
)

// Reference computes the convolution directly on unpacked values with a
// brute-force loop nest. It defines the numeric contract every generated
// schedule must match exactly: bipolar weights are used as-is, unipolar
// weights map each weight bit b of plane k to (2b-1)<<k before the dot
// product.
//
// data is (1, H, W, CI) and kernel (KH, KW, CI, CO), both uint8 with
// values below 2^bits. Accumulation is exact integer arithmetic narrowed
// to int16 at the end, matching the generated kernel's output type.
func Reference(
	data, kernel *tensor.Dense[uint8],
	stride Stride,
	pad Padding,
	weightBits int,
	pol graph.Polarity,
) (*tensor.Dense[int16], error) {
	ds := data.Shape()
	ks := kernel.Shape()
	if len(ds) != 4 || ds[0] != 1 {
		return nil, fmt.Errorf("conv: reference needs a (1,H,W,CI) activation, got %v", ds)
	}
	if len(ks) != 4 {
		return nil, fmt.Errorf("conv: reference needs an unpacked (KH,KW,CI,CO) kernel, got %v", ks)
	}
	if ds[3] != ks[2] {
		return nil, fmt.Errorf("conv: channel mismatch, activation %d vs kernel %d", ds[3], ks[2])
	}

	h, w, ci := ds[1], ds[2], ds[3]
	kh, kw, co := ks[0], ks[1], ks[3]
	outH := (h+pad.Top+pad.Bottom-kh)/stride.H + 1
	outW := (w+pad.Left+pad.Right-kw)/stride.W + 1

	out := tensor.New[int16](1, outH, outW, co)
	for oh := 0; oh < outH; oh++ {
		for ow := 0; ow < outW; ow++ {
			for oc := 0; oc < co; oc++ {
				sum := 0
				for dh := 0; dh < kh; dh++ {
					ih := oh*stride.H + dh - pad.Top
					if ih < 0 || ih >= h {
						continue
					}
					for dw := 0; dw < kw; dw++ {
						iw := ow*stride.W + dw - pad.Left
						if iw < 0 || iw >= w {
							continue
						}
						for c := 0; c < ci; c++ {
							a := int(data.At(0, ih, iw, c))
							wv := weightValue(kernel.At(dh, dw, c, oc), weightBits, pol)
							sum += a * wv
						}
					}
				}
				out.Set(int16(sum), 0, oh, ow, oc)
			}
		}
	}
	return out, nil
}

// weightValue decodes a stored weight for the reference dot product.
func weightValue(w uint8, bits int, pol graph.Polarity) int {
	if pol == graph.Bipolar {
		return int(w)
	}
	v := 0
	for b := 0; b < bits; b++ {
		bit := int((w >> uint(b)) & 1)
		v += (2*bit - 1) << uint(b)
	}
	return v
}
