package tensor

import "fmt"

// PackUnitBits is the width of one packed storage unit. The kernel stores
// bit planes 8 bits per uint8; every layout decision downstream (channel
// deficit padding, the reduction tile filter) assumes this width.
const PackUnitBits = 8

// PackedLen returns the number of uint8 storage units needed for n elements.
// A trailing partial unit is allowed; its unused lanes pack as zero bits.
func PackedLen(n int) int {
	return (n + PackUnitBits - 1) / PackUnitBits
}

// Bitpack decomposes t into bits binary planes along axis. The axis of
// extent E is replaced, in place in the shape, by a pair of axes
// (bits, PackedLen(E)): first the bit index, then the packed storage unit.
//
// Lane j of a storage unit holds element unit*8+j, in bit j (LSB first).
// Elements past the end of a partial trailing unit pack as zero, so they
// contribute nothing to any AND/popcount term.
//
// Reconstruction invariant: summing plane[b]<<b over b in [0,bits)
// recovers the low bits of each original value.
func Bitpack(t *Dense[uint8], bits, axis int) (*Dense[uint8], error) {
	if bits < 1 {
		return nil, fmt.Errorf("tensor: bitpack needs at least 1 bit, got %d", bits)
	}
	if axis < 0 || axis >= t.Rank() {
		return nil, fmt.Errorf("tensor: bitpack axis %d out of range for rank %d", axis, t.Rank())
	}

	in := t.Shape()
	ext := in[axis]
	units := PackedLen(ext)

	out := make(Shape, 0, len(in)+1)
	out = append(out, in[:axis]...)
	out = append(out, bits, units)
	out = append(out, in[axis+1:]...)
	packed := New[uint8](out...)

	// Row-major means the tensor factors as (outer, axis, inner) blocks
	// with contiguous inner runs, so flat offsets need no stride table.
	outer := 1
	for _, d := range in[:axis] {
		outer *= d
	}
	inner := 1
	for _, d := range in[axis+1:] {
		inner *= d
	}

	for o := 0; o < outer; o++ {
		for u := 0; u < units; u++ {
			lanes := ext - u*PackUnitBits
			if lanes > PackUnitBits {
				lanes = PackUnitBits
			}
			for b := 0; b < bits; b++ {
				dstBase := ((o*bits+b)*units + u) * inner
				for i := 0; i < inner; i++ {
					var unit uint8
					for j := 0; j < lanes; j++ {
						v := t.Data[(o*ext+u*PackUnitBits+j)*inner+i]
						unit |= ((v >> uint(b)) & 1) << uint(j)
					}
					packed.Data[dstBase+i] = unit
				}
			}
		}
	}
	return packed, nil
}
