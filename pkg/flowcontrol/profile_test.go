package flowcontrol

import (
	"testing"
	"time"

	"github.com/marmos91/veil/internal/bytesize"
	"github.com/marmos91/veil/pkg/platform"
	"github.com/marmos91/veil/pkg/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDerive(t *testing.T) {
	t.Parallel()

	tests := []struct {
		memoryMB int
		want     string
	}{
		{-1, "relaxed"},
		{0, "relaxed"},
		{1, "conservative"},
		{256, "conservative"},
		{512, "conservative"},
		{513, "relaxed"},
		{8192, "relaxed"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Derive(tt.memoryMB).Name, "memory %d", tt.memoryMB)
	}
}

func TestProfilesAreFixed(t *testing.T) {
	t.Parallel()

	c := Conservative()
	assert.Equal(t, 2, c.MaxConcurrentStreams)
	assert.Equal(t, 32*bytesize.KiB, c.InitialStreamWindow)
	assert.Equal(t, 64*bytesize.KiB, c.MaxStreamWindow)
	assert.Equal(t, 64*bytesize.KiB, c.InitialConnWindow)
	assert.Equal(t, 128*bytesize.KiB, c.MaxConnWindow)

	r := Relaxed()
	assert.Equal(t, 4, r.MaxConcurrentStreams)
	assert.Equal(t, 64*bytesize.KiB, r.InitialStreamWindow)
	assert.Equal(t, 128*bytesize.KiB, r.MaxStreamWindow)
	assert.Equal(t, 128*bytesize.KiB, r.InitialConnWindow)
	assert.Equal(t, 256*bytesize.KiB, r.MaxConnWindow)

	require.NoError(t, c.Validate())
	require.NoError(t, r.Validate())
}

func TestDeriveFrom(t *testing.T) {
	t.Parallel()
	assert.Equal(t, Conservative(), DeriveFrom(platform.Static{MiB: 384}))
	assert.Equal(t, Relaxed(), DeriveFrom(platform.Static{}))
}

func TestApplyOverrides(t *testing.T) {
	t.Parallel()

	t.Run("NoOverrides", func(t *testing.T) {
		t.Parallel()
		assert.Equal(t, Relaxed(), Relaxed().Apply(Overrides{}))
	})

	t.Run("PartialOverrides", func(t *testing.T) {
		t.Parallel()
		p := Conservative().Apply(Overrides{MaxConcurrentStreams: 8, MaxConnWindow: bytesize.MiB})
		assert.Equal(t, 8, p.MaxConcurrentStreams)
		assert.Equal(t, bytesize.MiB, p.MaxConnWindow)
		assert.Equal(t, 32*bytesize.KiB, p.InitialStreamWindow)
		assert.Equal(t, "conservative+overrides", p.Name)
		require.NoError(t, p.Validate())
	})

	t.Run("InitialAboveMaxRaisesMax", func(t *testing.T) {
		t.Parallel()
		p := Relaxed().Apply(Overrides{InitialStreamWindow: bytesize.MiB})
		assert.Equal(t, bytesize.MiB, p.MaxStreamWindow)
		require.NoError(t, p.Validate())
	})
}

func TestValidate(t *testing.T) {
	t.Parallel()

	bad := []Profile{
		{MaxConcurrentStreams: 0, InitialStreamWindow: 1, MaxStreamWindow: 1, InitialConnWindow: 1, MaxConnWindow: 1},
		{MaxConcurrentStreams: 1, InitialStreamWindow: 0, MaxStreamWindow: 1, InitialConnWindow: 1, MaxConnWindow: 1},
		{MaxConcurrentStreams: 1, InitialStreamWindow: 2, MaxStreamWindow: 1, InitialConnWindow: 1, MaxConnWindow: 1},
		{MaxConcurrentStreams: 1, InitialStreamWindow: 1, MaxStreamWindow: 1, InitialConnWindow: 2, MaxConnWindow: 1},
	}
	for i, p := range bad {
		err := p.Validate()
		require.Error(t, err, "case %d", i)
		assert.ErrorIs(t, err, protocol.ErrConfig)
	}
}

func TestQUICConfig(t *testing.T) {
	t.Parallel()

	p := Conservative()
	qc := p.QUICConfig(10*time.Second, 5*time.Second)

	assert.Equal(t, 10*time.Second, qc.MaxIdleTimeout)
	assert.Equal(t, 5*time.Second, qc.HandshakeIdleTimeout)
	assert.Equal(t, uint64(32*1024), qc.InitialStreamReceiveWindow)
	assert.Equal(t, uint64(64*1024), qc.MaxStreamReceiveWindow)
	assert.Equal(t, uint64(64*1024), qc.InitialConnectionReceiveWindow)
	assert.Equal(t, uint64(128*1024), qc.MaxConnectionReceiveWindow)
	assert.Equal(t, int64(5), qc.MaxIncomingStreams)
	assert.Equal(t, int64(-1), qc.MaxIncomingUniStreams)
}

func TestProfileString(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "relaxed streams=4 stream_window=64KiB/128KiB conn_window=128KiB/256KiB", Relaxed().String())
}
