package parallel

import (
	"fmt"
	"runtime"

	"github.com/klauspost/cpuid/v2"
)

// DeviceCount returns the number of workers replica fan-out should use:
// the physical core count when cpuid can detect it, else GOMAXPROCS.
func DeviceCount() int {
	if n := cpuid.CPU.PhysicalCores; n > 0 {
		if g := runtime.GOMAXPROCS(0); g < n {
			return g
		}
		return n
	}
	return runtime.GOMAXPROCS(0)
}

// DeviceInfo is a one-line description of the host for the startup log.
func DeviceInfo() string {
	simd := "none"
	switch {
	case cpuid.CPU.Supports(cpuid.AVX512F, cpuid.AVX512DQ):
		simd = "avx512"
	case cpuid.CPU.Supports(cpuid.AVX2):
		simd = "avx2"
	case cpuid.CPU.Supports(cpuid.ASIMD):
		simd = "neon"
	}
	return fmt.Sprintf("%s (%d physical / %d logical cores, simd=%s)",
		cpuid.CPU.BrandName, cpuid.CPU.PhysicalCores, cpuid.CPU.LogicalCores, simd)
}
