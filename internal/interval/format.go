package interval

import (
	"strconv"
	"strings"
)

// Format renders seconds as a short label.
//
//	< 60          -> "45s"
//	< 3600        -> "10m" when divisible by 60, else "90s"
//	>= 3600       -> "2h" when divisible by 3600, else "90m" when divisible
//	                 by 60, else raw seconds
func Format(seconds int) string {
	switch {
	case seconds < 60:
		return strconv.Itoa(seconds) + "s"
	case seconds < 3600:
		if seconds%60 == 0 {
			return strconv.Itoa(seconds/60) + "m"
		}
		return strconv.Itoa(seconds) + "s"
	default:
		if seconds%3600 == 0 {
			return strconv.Itoa(seconds/3600) + "h"
		}
		if seconds%60 == 0 {
			return strconv.Itoa(seconds/60) + "m"
		}
		return strconv.Itoa(seconds) + "s"
	}
}

// FormatList renders a set as "10m, 30m, 1h".
func FormatList(set []int) string {
	labels := make([]string, 0, len(set))
	for _, v := range set {
		labels = append(labels, Format(v))
	}
	return strings.Join(labels, ", ")
}

// Join renders a set back into its config form ("600,1800,3600").
func Join(set []int) string {
	parts := make([]string, 0, len(set))
	for _, v := range set {
		parts = append(parts, strconv.Itoa(v))
	}
	return strings.Join(parts, ",")
}
