// Package bytesize parses the human-readable sizes and bandwidth rates used
// in veil configuration files ("16KiB", "64Mi", "200 Mbps", "25MB/s").
package bytesize

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// ByteSize is a size in bytes.
//
// Accepted forms:
//   - plain numbers: 1024
//   - binary units (x1024): Ki/KiB, Mi/MiB, Gi/GiB, Ti/TiB
//   - decimal units (x1000): K/KB, M/MB, G/GB, T/TB
//   - bytes: B
type ByteSize uint64

const (
	B  ByteSize = 1
	KB ByteSize = 1000
	MB ByteSize = 1000 * KB
	GB ByteSize = 1000 * MB
	TB ByteSize = 1000 * GB

	KiB ByteSize = 1024
	MiB ByteSize = 1024 * KiB
	GiB ByteSize = 1024 * MiB
	TiB ByteSize = 1024 * GiB
)

// quantityPattern matches a number followed by an optional unit. Units may
// contain a slash so the same pattern serves rates ("MB/s").
var quantityPattern = regexp.MustCompile(`(?i)^\s*(\d+(?:\.\d+)?)\s*([a-z/]*)\s*$`)

var sizeUnits = map[string]ByteSize{
	"":    B,
	"b":   B,
	"k":   KB,
	"kb":  KB,
	"m":   MB,
	"mb":  MB,
	"g":   GB,
	"gb":  GB,
	"t":   TB,
	"tb":  TB,
	"ki":  KiB,
	"kib": KiB,
	"mi":  MiB,
	"mib": MiB,
	"gi":  GiB,
	"gib": GiB,
	"ti":  TiB,
	"tib": TiB,
}

// splitQuantity returns the numeric value and lower-cased unit of s.
func splitQuantity(s, what string) (float64, string, error) {
	if strings.TrimSpace(s) == "" {
		return 0, "", fmt.Errorf("empty %s string", what)
	}
	m := quantityPattern.FindStringSubmatch(s)
	if m == nil {
		return 0, "", fmt.Errorf("invalid %s format: %q", what, s)
	}
	num, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0, "", fmt.Errorf("invalid number in %s: %q", what, m[1])
	}
	return num, strings.ToLower(m[2]), nil
}

// ParseByteSize parses strings like "1Gi", "500Mi", "100MB" or "1024".
func ParseByteSize(s string) (ByteSize, error) {
	num, unit, err := splitQuantity(s, "byte size")
	if err != nil {
		return 0, err
	}
	mult, ok := sizeUnits[unit]
	if !ok {
		return 0, fmt.Errorf("unknown byte size unit: %q", unit)
	}
	return ByteSize(num * float64(mult)), nil
}

// UnmarshalText implements encoding.TextUnmarshaler so ByteSize can be
// decoded by mapstructure and yaml.
func (b *ByteSize) UnmarshalText(text []byte) error {
	size, err := ParseByteSize(string(text))
	if err != nil {
		return err
	}
	*b = size
	return nil
}

// MarshalText writes the canonical String form so saved configs parse back
// to the same value.
func (b ByteSize) MarshalText() ([]byte, error) {
	return []byte(b.String()), nil
}

// String returns the largest exact binary unit ("64KiB"), falling back to
// plain bytes.
func (b ByteSize) String() string {
	if b == 0 {
		return "0"
	}
	for _, u := range []struct {
		size ByteSize
		name string
	}{{TiB, "TiB"}, {GiB, "GiB"}, {MiB, "MiB"}, {KiB, "KiB"}} {
		if b%u.size == 0 {
			return fmt.Sprintf("%d%s", b/u.size, u.name)
		}
	}
	return strconv.FormatUint(uint64(b), 10)
}

// Uint64 returns the size as a uint64.
func (b ByteSize) Uint64() uint64 {
	return uint64(b)
}

// Int64 returns the size as an int64. Values above MaxInt64 wrap.
func (b ByteSize) Int64() int64 {
	return int64(b)
}

// Int returns the size as an int.
func (b ByteSize) Int() int {
	return int(b)
}
