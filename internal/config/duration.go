package config

import (
	"strings"
	"time"
)

// ParseDuration parses a Go duration string, returning def when the value is
// empty or malformed. Config durations are advisory; a bad value should fall
// back, not crash.
func ParseDuration(s string, def time.Duration) time.Duration {
	s = strings.TrimSpace(s)
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil || d < 0 {
		return def
	}
	return d
}
