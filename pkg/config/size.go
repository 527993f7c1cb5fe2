package config

import (
	"fmt"
	"strconv"
	"strings"
)

// Byte size units accepted in body limits. Decimal suffixes are 1000-based,
// IEC suffixes and the single-letter forms are 1024-based.
var sizeUnits = map[string]int64{
	"B":   1,
	"KB":  1000,
	"MB":  1000 * 1000,
	"GB":  1000 * 1000 * 1000,
	"K":   1024,
	"KIB": 1024,
	"M":   1024 * 1024,
	"MIB": 1024 * 1024,
	"G":   1024 * 1024 * 1024,
	"GIB": 1024 * 1024 * 1024,
}

// ParseByteSize parses sizes like "512KB", "1MiB", "1.5 MB" or a bare
// number of bytes.
func ParseByteSize(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty size string")
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		if n < 0 {
			return 0, fmt.Errorf("size must not be negative: %s", s)
		}
		return n, nil
	}

	split := strings.IndexFunc(s, func(r rune) bool {
		return (r < '0' || r > '9') && r != '.'
	})
	if split <= 0 {
		return 0, fmt.Errorf("invalid size format: %s (expected format like '1MB', '512KiB')", s)
	}

	value, err := strconv.ParseFloat(s[:split], 64)
	if err != nil {
		return 0, fmt.Errorf("invalid numeric value: %s", s[:split])
	}
	unit := strings.ToUpper(strings.TrimSpace(s[split:]))
	mult, ok := sizeUnits[unit]
	if !ok {
		return 0, fmt.Errorf("unknown unit: %s (supported: B, KB, MB, GB, KiB, MiB, GiB)", s[split:])
	}
	return int64(value * float64(mult)), nil
}

// FormatByteSize renders n using 1024-based units, for log output.
func FormatByteSize(n int64) string {
	if n < 0 {
		return "invalid"
	}
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	units := []string{"KB", "MB", "GB"}
	value := float64(n) / unit
	i := 0
	for value >= unit && i < len(units)-1 {
		value /= unit
		i++
	}
	if value == float64(int64(value)) {
		return fmt.Sprintf("%.0f %s", value, units[i])
	}
	return fmt.Sprintf("%.1f %s", value, units[i])
}
