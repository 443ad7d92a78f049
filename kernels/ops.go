// Package kernels provides the bit-serial arithmetic primitives the
// convolution runtime is built from, plus CPU feature detection used to
// pick execution defaults.
//
// The whole kernel reduces to three machine operations: bitwise AND,
// population count, and shift. One uint8 storage unit carries 8 input
// channels of a single bit plane, so one AND+popcount evaluates 8
// channel products at once. No hardware-specific vector popcount
// intrinsics are used; math/bits lowers to the native POPCNT/CNT
// instruction where one exists.
package kernels

import "math/bits"

// LaneWidth is the output-channel vector width of the accumulation.
// The innermost channel tile of every schedule is exactly this wide.
const LaneWidth = 8

// PopcountAND counts the set bits of w&d: the number of channel lanes in
// this storage unit where both the weight bit and the activation bit are 1.
func PopcountAND(w, d uint8) int {
	return bits.OnesCount8(w & d)
}

// BipolarTerm computes one bipolar reduction term,
//
//	popcount(w & d) << shift
//
// widened to uint16 before the shift. shift is the sum of the weight and
// activation bit-plane indices.
func BipolarTerm(w, d uint8, shift uint) uint16 {
	return uint16(bits.OnesCount8(w&d)) << shift
}

// UnipolarTerm computes one unipolar reduction term,
//
//	(popcount(w & d) - popcount(^w & d)) << shift
//
// widened to int16 before the shift. The complemented popcount counts the
// lanes whose weight bit is 0, which the unipolar encoding reads as -1.
func UnipolarTerm(w, d uint8, shift uint) int16 {
	return int16(bits.OnesCount8(w&d)-bits.OnesCount8(^w&d)) << shift
}
