package metrics

import (
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cast"
)

// ParseQuantity converts a memory quantity into bytes. Numbers are taken as
// bytes; strings may carry a unit. Single letter units (K, M, G, T) are binary,
// so "4M" is 4 MiB. Longer units follow go-humanize ("4MB" is 4,000,000).
func ParseQuantity(v interface{}) (int64, error) {
	switch q := v.(type) {
	case nil:
		return 0, fmt.Errorf("empty memory quantity")
	case string:
		s := strings.TrimSpace(q)
		if s == "" {
			return 0, fmt.Errorf("empty memory quantity")
		}
		last := s[len(s)-1]
		if strings.ContainsRune("kKmMgGtT", rune(last)) {
			s += "iB"
		}
		n, err := humanize.ParseBytes(s)
		if err != nil {
			return 0, fmt.Errorf("invalid memory quantity %q: %w", q, err)
		}
		return int64(n), nil
	default:
		f, err := cast.ToFloat64E(v)
		if err != nil {
			return 0, fmt.Errorf("invalid memory quantity %v: %w", v, err)
		}
		return int64(f), nil
	}
}

// FormatBytes renders a byte count for logs.
func FormatBytes(n int64) string {
	if n < 0 {
		return "-" + humanize.IBytes(uint64(-n))
	}
	return humanize.IBytes(uint64(n))
}
