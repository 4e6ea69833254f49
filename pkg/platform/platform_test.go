package platform

import (
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDetectArch(t *testing.T) {
	assert.Equal(t, Arch(runtime.GOARCH), DetectArch())
	assert.Equal(t, DetectArch(), Host{}.Arch())
}

func TestDetectMemoryMB(t *testing.T) {
	mb := DetectMemoryMB()
	assert.GreaterOrEqual(t, mb, 0)
	if runtime.GOOS == "linux" || runtime.GOOS == "darwin" {
		assert.Positive(t, mb, "memory should be detectable on %s", runtime.GOOS)
	}
}

func TestIs64Bit(t *testing.T) {
	assert.True(t, ArchAMD64.Is64Bit())
	assert.True(t, ArchARM64.Is64Bit())
	assert.True(t, ArchRISCV64.Is64Bit())
	assert.False(t, ArchARM.Is64Bit())
	assert.False(t, Arch386.Is64Bit())
	assert.False(t, ArchMIPSLE.Is64Bit())
}

func TestNewDetector(t *testing.T) {
	d := NewDetector(384)
	assert.Equal(t, 384, d.MemoryMB())
	assert.Equal(t, DetectArch(), d.Arch())

	_, isHost := NewDetector(0).(Host)
	assert.True(t, isHost)

	s := Static{A: ArchARM, MiB: 128}
	assert.Equal(t, ArchARM, s.Arch())
	assert.Equal(t, 128, s.MemoryMB())
}
