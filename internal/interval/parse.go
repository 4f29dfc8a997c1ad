package interval

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// MaxSeconds is the longest accepted interval (7 days).
const MaxSeconds = 7 * 24 * 60 * 60

// ConfigError reports a malformed interval specification.
// It is never retried: the input has to be fixed.
type ConfigError struct {
	Input  string
	Reason string
}

func (e *ConfigError) Error() string {
	if e.Input == "" {
		return "invalid intervals: " + e.Reason
	}
	return fmt.Sprintf("invalid intervals %q: %s", e.Input, e.Reason)
}

// Parse splits a comma-separated list of seconds into an ordered set.
//
// Accepted: "120", "600,1800,3600", "600, 1800 ,3600".
// Duplicates collapse to the first occurrence.
func Parse(raw string) ([]int, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return nil, &ConfigError{Input: raw, Reason: "at least one interval required"}
	}

	parts := strings.Split(s, ",")
	out := make([]int, 0, len(parts))
	seen := make(map[int]struct{}, len(parts))
	for _, p := range parts {
		tok := strings.TrimSpace(p)
		if tok == "" {
			return nil, &ConfigError{Input: raw, Reason: "empty token"}
		}
		n, err := strconv.Atoi(tok)
		if err != nil {
			return nil, &ConfigError{Input: raw, Reason: fmt.Sprintf("%q is not a whole number of seconds", tok)}
		}
		if n <= 0 {
			return nil, &ConfigError{Input: raw, Reason: fmt.Sprintf("interval must be > 0 (got %d)", n)}
		}
		if n > MaxSeconds {
			return nil, &ConfigError{Input: raw, Reason: fmt.Sprintf("interval must be <= %d (got %d)", MaxSeconds, n)}
		}
		if _, dup := seen[n]; dup {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	return out, nil
}

// MustParse is Parse for constants and tests.
func MustParse(raw string) []int {
	v, err := Parse(raw)
	if err != nil {
		panic(err)
	}
	return v
}

// Duration converts seconds into a time.Duration.
func Duration(seconds int) time.Duration {
	return time.Duration(seconds) * time.Second
}

// Contains reports whether set holds seconds.
func Contains(set []int, seconds int) bool {
	for _, v := range set {
		if v == seconds {
			return true
		}
	}
	return false
}
