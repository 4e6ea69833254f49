package bytesize

import (
	"fmt"
	"strconv"
	"strings"
)

// Rate is a throughput in bytes per second. Zero means unlimited.
//
// Accepted forms:
//   - bit rates (decimal): bps, kbps, mbps, gbps, tbps
//   - byte rates (decimal): B/s, KB/s, MB/s, GB/s
//   - plain numbers: bytes per second
type Rate uint64

const (
	BytePerSecond Rate = 1
	Kbps          Rate = 1000 / 8
	Mbps          Rate = 1000 * Kbps
	Gbps          Rate = 1000 * Mbps
)

// rateUnits maps a unit to its value in bits per second.
var rateUnits = map[string]float64{
	"":     8,
	"b/s":  8,
	"kb/s": 8e3,
	"mb/s": 8e6,
	"gb/s": 8e9,
	"bps":  1,
	"kbps": 1e3,
	"mbps": 1e6,
	"gbps": 1e9,
	"tbps": 1e12,
}

// ParseRate parses a bandwidth such as "200 Mbps" or "25MB/s". An empty string
// is an unlimited (zero) rate.
func ParseRate(s string) (Rate, error) {
	if strings.TrimSpace(s) == "" {
		return 0, nil
	}
	num, unit, err := splitQuantity(s, "rate")
	if err != nil {
		return 0, err
	}
	bits, ok := rateUnits[unit]
	if !ok {
		return 0, fmt.Errorf("unknown rate unit: %q", unit)
	}
	return Rate(num * bits / 8), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (r *Rate) UnmarshalText(text []byte) error {
	v, err := ParseRate(string(text))
	if err != nil {
		return err
	}
	*r = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (r Rate) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// BytesPerSecond returns the rate as bytes per second.
func (r Rate) BytesPerSecond() uint64 {
	return uint64(r)
}

// Unlimited reports whether the rate imposes no cap.
func (r Rate) Unlimited() bool {
	return r == 0
}

// String renders the rate in the largest bit unit that represents it exactly.
func (r Rate) String() string {
	if r == 0 {
		return ""
	}
	bits := uint64(r) * 8
	for _, u := range []struct {
		div  uint64
		name string
	}{{1e12, "Tbps"}, {1e9, "Gbps"}, {1e6, "Mbps"}, {1e3, "Kbps"}} {
		if bits%u.div == 0 {
			return strconv.FormatUint(bits/u.div, 10) + u.name
		}
	}
	return strconv.FormatUint(bits, 10) + "bps"
}
