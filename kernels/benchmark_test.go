package kernels

import (
	"math/rand"
	"testing"
)

func randomUnits(n int, seed int64) []uint8 {
	rng := rand.New(rand.NewSource(seed))
	out := make([]uint8, n)
	for i := range out {
		out[i] = uint8(rng.Intn(256))
	}
	return out
}

func BenchmarkPopcountAND_1K(b *testing.B) {
	w := randomUnits(1024, 1)
	d := randomUnits(1024, 2)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		sum := 0
		for j := range w {
			sum += PopcountAND(w[j], d[j])
		}
		_ = sum
	}
}

func BenchmarkBipolarTerm_1K(b *testing.B) {
	w := randomUnits(1024, 1)
	d := randomUnits(1024, 2)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		var sum uint16
		for j := range w {
			sum += BipolarTerm(w[j], d[j], uint(j&3))
		}
		_ = sum
	}
}

func BenchmarkUnipolarTerm_1K(b *testing.B) {
	w := randomUnits(1024, 1)
	d := randomUnits(1024, 2)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		var sum int16
		for j := range w {
			sum += UnipolarTerm(w[j], d[j], uint(j&3))
		}
		_ = sum
	}
}
