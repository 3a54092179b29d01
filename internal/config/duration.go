package config

import (
	"fmt"
	"strings"
	"time"
)

func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}

// PeriodDuration resolves the limit period. Invalid strings resolve to 0,
// which disables the limit; Validate reports them.
func (l LimitConfig) PeriodDuration() time.Duration {
	if strings.TrimSpace(l.Period) != "" {
		d, err := ParseDurationField("period", l.Period)
		if err != nil {
			return 0
		}
		return d
	}
	if l.PeriodSeconds > 0 {
		return time.Duration(l.PeriodSeconds) * time.Second
	}
	return 0
}
