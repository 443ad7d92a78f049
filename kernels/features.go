package kernels

import (
	goruntime "runtime"

	"golang.org/x/sys/cpu"
)

// VectorISA reports the widest vector extension available on this CPU.
// The schedule itself is ISA-independent; the report feeds tuner output
// and lets callers sanity-check what the compiler can auto-vectorize the
// channel-lane loop into.
func VectorISA() string {
	switch goruntime.GOARCH {
	case "amd64":
		switch {
		case cpu.X86.HasAVX512F:
			return "avx512"
		case cpu.X86.HasAVX2:
			return "avx2"
		case cpu.X86.HasSSE42:
			return "sse42"
		}
		return "baseline"
	case "arm64":
		if cpu.ARM64.HasASIMD {
			return "neon"
		}
		return "baseline"
	}
	return "baseline"
}

// HasNativePopcount reports whether popcount lowers to a single
// instruction on this CPU. When it does not, bit-serial loses most of its
// advantage over plain integer convolution.
func HasNativePopcount() bool {
	switch goruntime.GOARCH {
	case "amd64":
		return cpu.X86.HasPOPCNT
	case "arm64":
		return true // CNT is baseline ARMv8
	}
	return false
}
