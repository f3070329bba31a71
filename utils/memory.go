package utils

import (
	"fmt"
	"strconv"
	"strings"
)

// MemorySize is a byte count that prints as 64K, 1.50M and so on.
type MemorySize int64

const (
	Byte MemorySize = 1
	KB   MemorySize = 1024 * Byte
	MB   MemorySize = 1024 * KB
	GB   MemorySize = 1024 * MB
)

func (m MemorySize) String() string {
	if m <= 0 {
		return "0B"
	}

	scaled := func(unit MemorySize, suffix string) string {
		v := float64(m) / float64(unit)
		if m%unit == 0 {
			return fmt.Sprintf("%.0f%s", v, suffix)
		}
		return fmt.Sprintf("%.2f%s", v, suffix)
	}

	switch {
	case m >= GB:
		return scaled(GB, "G")
	case m >= MB:
		return scaled(MB, "M")
	case m >= KB:
		return scaled(KB, "K")
	default:
		return fmt.Sprintf("%dB", m)
	}
}

func (m MemorySize) KB() float64 {
	return float64(m) / float64(KB)
}

var sizeSuffixes = []struct {
	suffix string
	unit   MemorySize
}{
	{"GB", GB}, {"MB", MB}, {"KB", KB},
	{"G", GB}, {"M", MB}, {"K", KB}, {"B", Byte},
}

// ParseMemorySize parses sizes like "64K", "1.5M", "2GB" or a plain byte
// count.
func ParseMemorySize(s string) (MemorySize, error) {
	raw := strings.TrimSpace(s)
	if raw == "" {
		return 0, fmt.Errorf("empty memory size")
	}

	value, unit := strings.ToUpper(raw), Byte
	for _, u := range sizeSuffixes {
		if trimmed, ok := strings.CutSuffix(value, u.suffix); ok {
			value, unit = strings.TrimSpace(trimmed), u.unit
			break
		}
	}

	n, err := strconv.ParseFloat(value, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid memory size: %q", s)
	}
	return MemorySize(n * float64(unit)), nil
}
