package config

import (
	"fmt"
	"math"
	"strings"

	"github.com/docker/go-units"
)

// ParseSize parses sizes such as "512", "64K", "512M", "2G" or "1.5GB" with
// binary multipliers. An empty string is zero.
func ParseSize(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	v, err := units.RAMInBytes(s)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}
	// out of range float conversions end at one of the int64 bounds
	if v < 0 || v == math.MaxInt64 {
		return 0, fmt.Errorf("size %q overflows", s)
	}
	return uint64(v), nil
}
