// Package flowcontrol maps a memory budget onto QUIC receive windows and
// stream limits, and tracks per-stream relay windows.
package flowcontrol

import (
	"fmt"
	"time"

	"github.com/marmos91/veil/internal/bytesize"
	"github.com/marmos91/veil/pkg/platform"
	"github.com/marmos91/veil/pkg/protocol"
	"github.com/quic-go/quic-go"
)

// ConservativeMemoryMB is the largest memory size that still selects the
// conservative profile.
const ConservativeMemoryMB = 512

// Profile is the immutable set of windows and limits applied to every
// session. It is derived once at startup.
type Profile struct {
	Name                 string            `json:"name"`
	MaxConcurrentStreams int               `json:"max_concurrent_streams"`
	InitialStreamWindow  bytesize.ByteSize `json:"initial_stream_window"`
	MaxStreamWindow      bytesize.ByteSize `json:"max_stream_window"`
	InitialConnWindow    bytesize.ByteSize `json:"initial_conn_window"`
	MaxConnWindow        bytesize.ByteSize `json:"max_conn_window"`
}

// Conservative is used on hosts with at most ConservativeMemoryMB of memory.
func Conservative() Profile {
	return Profile{
		Name:                 "conservative",
		MaxConcurrentStreams: 2,
		InitialStreamWindow:  32 * bytesize.KiB,
		MaxStreamWindow:      64 * bytesize.KiB,
		InitialConnWindow:    64 * bytesize.KiB,
		MaxConnWindow:        128 * bytesize.KiB,
	}
}

// Relaxed is used on larger hosts and when memory cannot be detected.
func Relaxed() Profile {
	return Profile{
		Name:                 "relaxed",
		MaxConcurrentStreams: 4,
		InitialStreamWindow:  64 * bytesize.KiB,
		MaxStreamWindow:      128 * bytesize.KiB,
		InitialConnWindow:    128 * bytesize.KiB,
		MaxConnWindow:        256 * bytesize.KiB,
	}
}

// Derive selects a profile for totalMemoryMB. Values in (0, 512] get the
// conservative profile; anything else, including 0 for undetectable, gets
// the relaxed one.
func Derive(totalMemoryMB int) Profile {
	if totalMemoryMB > 0 && totalMemoryMB <= ConservativeMemoryMB {
		return Conservative()
	}
	return Relaxed()
}

// DeriveFrom derives a profile from a detector's memory report.
func DeriveFrom(d platform.Detector) Profile {
	return Derive(d.MemoryMB())
}

// Overrides replaces individual profile values. Zero fields keep the
// derived value.
type Overrides struct {
	MaxConcurrentStreams int
	InitialStreamWindow  bytesize.ByteSize
	MaxStreamWindow      bytesize.ByteSize
	InitialConnWindow    bytesize.ByteSize
	MaxConnWindow        bytesize.ByteSize
}

// Apply returns p with the non-zero overrides applied. A maximum raised
// below its initial window lifts the initial window down to it.
func (p Profile) Apply(o Overrides) Profile {
	if o.MaxConcurrentStreams > 0 {
		p.MaxConcurrentStreams = o.MaxConcurrentStreams
	}
	if o.InitialStreamWindow > 0 {
		p.InitialStreamWindow = o.InitialStreamWindow
	}
	if o.MaxStreamWindow > 0 {
		p.MaxStreamWindow = o.MaxStreamWindow
	}
	if o.InitialConnWindow > 0 {
		p.InitialConnWindow = o.InitialConnWindow
	}
	if o.MaxConnWindow > 0 {
		p.MaxConnWindow = o.MaxConnWindow
	}
	if p.MaxStreamWindow < p.InitialStreamWindow {
		p.MaxStreamWindow = p.InitialStreamWindow
	}
	if p.MaxConnWindow < p.InitialConnWindow {
		p.MaxConnWindow = p.InitialConnWindow
	}
	if o != (Overrides{}) {
		p.Name += "+overrides"
	}
	return p
}

// Validate checks the profile invariants.
func (p Profile) Validate() error {
	switch {
	case p.MaxConcurrentStreams <= 0:
		return protocol.Errorf(protocol.KindConfig, "flowcontrol", "max concurrent streams must be positive")
	case p.InitialStreamWindow == 0 || p.InitialConnWindow == 0:
		return protocol.Errorf(protocol.KindConfig, "flowcontrol", "initial windows must be positive")
	case p.InitialStreamWindow > p.MaxStreamWindow:
		return protocol.Errorf(protocol.KindConfig, "flowcontrol",
			"initial stream window %s exceeds max %s", p.InitialStreamWindow, p.MaxStreamWindow)
	case p.InitialConnWindow > p.MaxConnWindow:
		return protocol.Errorf(protocol.KindConfig, "flowcontrol",
			"initial connection window %s exceeds max %s", p.InitialConnWindow, p.MaxConnWindow)
	}
	return nil
}

// IncomingStreamLimit is the number of concurrent bidirectional QUIC
// streams a peer may open: the control stream, the relay streams, and the
// same number again so that excess OPENs reach the session and are refused
// with a result frame instead of stalling in the transport.
func (p Profile) IncomingStreamLimit() int64 {
	return int64(2*p.MaxConcurrentStreams + 1)
}

// QUICConfig builds the transport configuration for the profile.
func (p Profile) QUICConfig(idle, handshake time.Duration) *quic.Config {
	return &quic.Config{
		HandshakeIdleTimeout:           handshake,
		MaxIdleTimeout:                 idle,
		InitialStreamReceiveWindow:     p.InitialStreamWindow.Uint64(),
		MaxStreamReceiveWindow:         p.MaxStreamWindow.Uint64(),
		InitialConnectionReceiveWindow: p.InitialConnWindow.Uint64(),
		MaxConnectionReceiveWindow:     p.MaxConnWindow.Uint64(),
		MaxIncomingStreams:             p.IncomingStreamLimit(),
		MaxIncomingUniStreams:          -1,
		EnableDatagrams:                false,
	}
}

func (p Profile) String() string {
	return fmt.Sprintf("%s streams=%d stream_window=%s/%s conn_window=%s/%s",
		p.Name, p.MaxConcurrentStreams,
		p.InitialStreamWindow, p.MaxStreamWindow,
		p.InitialConnWindow, p.MaxConnWindow)
}
