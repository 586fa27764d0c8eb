package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ParseSize parses a human-readable byte count like "100M" or "1.5G".
// Suffixes are powers of 1024; a bare number is bytes.
func ParseSize(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, errors.New("empty size")
	}

	multiplier := int64(1)
	if c := s[len(s)-1]; c > '9' {
		switch c {
		case 'B', 'b':
		case 'K', 'k':
			multiplier = 1 << 10
		case 'M', 'm':
			multiplier = 1 << 20
		case 'G', 'g':
			multiplier = 1 << 30
		case 'T', 't':
			multiplier = 1 << 40
		default:
			return 0, fmt.Errorf("invalid size %q", s)
		}
		s = s[:len(s)-1]
	}

	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n * multiplier, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q", s)
	}
	return int64(f * float64(multiplier)), nil
}

// ParseBWLimit parses a bandwidth limit in bytes per second. Limits
// below minBytes are rejected: the fetch pipeline requests up to one
// full chunk at a time, and a bucket that can never hold one would
// stall it forever.
func ParseBWLimit(s string, minBytes int64) (int64, error) {
	n, err := ParseSize(s)
	if err != nil {
		return 0, err
	}
	if n < minBytes {
		return 0, fmt.Errorf("bandwidth limit %q is below the minimum of %d bytes/s", s, minBytes)
	}
	return n, nil
}
