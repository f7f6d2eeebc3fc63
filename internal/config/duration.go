package config

import (
	"fmt"
	"strings"
	"time"
)

// ParseDurationField parses an optional non-negative duration. Empty is 0.
func ParseDurationField(field, raw string) (time.Duration, error) {
	d, err := ParseSignedDuration(field, raw)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: must not be negative (got %s)", field, raw)
	}
	return d, nil
}

// ParseDurationOrDefault is ParseDurationField with def for empty or zero values.
func ParseDurationOrDefault(field, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(field, raw)
	if err != nil || d > 0 {
		return d, err
	}
	return def, nil
}

// ParseSignedDuration accepts negative values, for settings where a negative
// duration means "disabled".
func ParseSignedDuration(field, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q", field, raw)
	}
	return d, nil
}
