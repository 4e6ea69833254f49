// Package platform reports host facts used to size the transport: CPU
// architecture and total physical memory.
package platform

import "runtime"

// Arch is a CPU architecture name as reported by the Go runtime.
type Arch string

const (
	ArchAMD64   Arch = "amd64"
	ArchARM64   Arch = "arm64"
	ArchARM     Arch = "arm"
	Arch386     Arch = "386"
	ArchMIPS    Arch = "mips"
	ArchMIPSLE  Arch = "mipsle"
	ArchRISCV64 Arch = "riscv64"
)

// Is64Bit reports whether a is a 64-bit architecture.
func (a Arch) Is64Bit() bool {
	switch a {
	case ArchARM, Arch386, ArchMIPS, ArchMIPSLE:
		return false
	default:
		return true
	}
}

// DetectArch returns the architecture the binary runs on.
func DetectArch() Arch {
	return Arch(runtime.GOARCH)
}

// DetectMemoryMB returns total physical memory in MiB, or 0 when it cannot
// be determined.
func DetectMemoryMB() int {
	b, err := totalMemoryBytes()
	if err != nil || b == 0 {
		return 0
	}
	return int(b >> 20)
}

// Detector supplies host facts. Flow-control derivation takes a Detector so
// tests and the quic.memory_mb override can pin the values.
type Detector interface {
	Arch() Arch
	MemoryMB() int
}

// Host detects facts from the running system.
type Host struct{}

func (Host) Arch() Arch    { return DetectArch() }
func (Host) MemoryMB() int { return DetectMemoryMB() }

// Static returns fixed values.
type Static struct {
	A   Arch
	MiB int
}

func (s Static) Arch() Arch {
	if s.A == "" {
		return DetectArch()
	}
	return s.A
}

func (s Static) MemoryMB() int { return s.MiB }

// NewDetector returns Host, or a detector pinned to memoryMB when it is
// positive.
func NewDetector(memoryMB int) Detector {
	if memoryMB > 0 {
		return Static{MiB: memoryMB}
	}
	return Host{}
}
